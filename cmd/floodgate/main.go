package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/floodgate-io/floodgate/internal/authorize"
	"github.com/floodgate-io/floodgate/internal/clock"
	"github.com/floodgate-io/floodgate/internal/cluster"
	"github.com/floodgate-io/floodgate/internal/config"
	"github.com/floodgate-io/floodgate/internal/connect"
	"github.com/floodgate-io/floodgate/internal/counters"
	"github.com/floodgate-io/floodgate/internal/janitor"
	"github.com/floodgate-io/floodgate/internal/logging"
	"github.com/floodgate-io/floodgate/internal/metrics"
	"github.com/floodgate-io/floodgate/internal/pubsub"
	"github.com/floodgate-io/floodgate/internal/registry"
	"github.com/floodgate-io/floodgate/internal/tenant"
)

var version = "dev"

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogJSON)

	fmt.Println("Floodgate " + version)
	fmt.Println("=============================================")
	fmt.Printf("FLOODGATE_NODE_NAME=%s\n", cfg.NodeName)
	fmt.Printf("FLOODGATE_REGION=%s\n", cfg.Region)
	fmt.Printf("FLOODGATE_NATS_URL=%s\n", cfg.NATSUrl)
	fmt.Printf("FLOODGATE_DB_PATH=%s\n", cfg.DBPath)
	fmt.Printf("FLOODGATE_METRICS_ADDR=%s\n", cfg.MetricsAddr)
	fmt.Printf("FLOODGATE_JANITOR_SCHEDULE=%s\n", cfg.JanitorSchedule)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	store, err := tenant.Open(cfg.DBPath)
	if err != nil {
		log.Error("failed to open tenant store", "path", cfg.DBPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if cfg.TenantsFile != "" {
		n, err := tenant.LoadSeed(cfg.TenantsFile, store)
		if err != nil {
			log.Error("failed to load tenant seed file", "path", cfg.TenantsFile, "error", err)
			os.Exit(1)
		}
		log.Info("tenant seed loaded", "path", cfg.TenantsFile, "tenants", n)
	}

	clk := clock.Real{}
	cache := tenant.NewCache(store, clk, cfg.TenantCacheTTL)
	ctrs := counters.NewCache(clk)
	bus := pubsub.New()

	host, err := os.Hostname()
	if err != nil {
		host = cfg.NodeName
	}
	m := metrics.New(host, cfg.Region, uuid.NewString())

	reg := registry.New(cfg.NodeName, cfg.Region, bus, clk, log)
	engine := authorize.NewEngine(log, cfg.AuthQueryTO, m)

	manager := connect.New(connect.Options{
		Config:   cfg,
		Log:      log,
		Bus:      bus,
		Registry: reg,
		Tenants:  cache,
		Counters: ctrs,
		Engine:   engine,
		Clock:    clk,
		Observer: m,
		Stream:   m,
	})

	var link *cluster.Cluster
	if cfg.NATSUrl != "" {
		link, err = cluster.Connect(cluster.Options{
			URL:              cfg.NATSUrl,
			Node:             cfg.NodeName,
			Region:           cfg.Region,
			Bus:              bus,
			Registry:         reg,
			Log:              log,
			RPCTimeout:       cfg.RPCTimeout,
			UserCountTimeout: cfg.UserCountTO,
			Observer:         m,
		})
		if err != nil {
			log.Error("failed to join cluster", "url", cfg.NATSUrl, "error", err)
			os.Exit(1)
		}
		if err := link.ServeStart(manager); err != nil {
			log.Error("failed to serve cluster starts", "error", err)
			os.Exit(1)
		}
		manager.AttachCluster(link)
	}

	// Announce this node to the region so placement can find it. With a
	// cluster link attached the claim is relayed; standalone it just seeds
	// the local member list.
	if _, err := reg.Register(registry.RegionNodes, cfg.NodeName, nil, registry.Meta{Region: cfg.Region, Live: true}); err != nil {
		log.Error("failed to register node", "error", err)
		os.Exit(1)
	}

	jan, err := janitor.New(janitor.Options{
		Log:            log,
		Counters:       ctrs,
		Tenants:        cache,
		Bus:            bus,
		Registry:       reg,
		Metrics:        m,
		Schedule:       cfg.JanitorSchedule,
		CounterIdleTTL: cfg.CounterIdleTTL,
		Textfile:       cfg.MetricsTextfile,
	})
	if err != nil {
		log.Error("failed to schedule janitor", "schedule", cfg.JanitorSchedule, "error", err)
		os.Exit(1)
	}
	jan.Start()

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server error", "error", err)
		}
	}()

	log.Info("floodgate started", "version", version, "node", cfg.NodeName, "region", cfg.Region)

	<-ctx.Done()
	log.Info("shutting down")

	jan.Stop()
	manager.Shutdown()
	_ = reg.Unregister(registry.RegionNodes, cfg.NodeName)
	if link != nil {
		link.Close()
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = srv.Shutdown(shutdownCtx)

	log.Info("floodgate shutdown complete")
}
