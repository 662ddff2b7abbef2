package database

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jackc/pgx/v5/stdlib"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationCount is the highest migration version shipped with this build.
// Tenants whose records already carry this number skip the migration step
// on startup.
const MigrationCount = 2

// Migrate brings the tenant database schema up to date. Running against an
// already-current database is a no-op.
func Migrate(ctx context.Context, h *Handle) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}

	db := stdlib.OpenDBFromPool(h.pool)
	defer db.Close()

	driver, err := migratepgx.WithInstance(db, &migratepgx.Config{
		MigrationsTable: "floodgate_schema_migrations",
	})
	if err != nil {
		return fmt.Errorf("prepare migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "pgx", driver)
	if err != nil {
		return fmt.Errorf("prepare migrations: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// partitionDayFormat names daily partitions; partitionBoundFormat renders
// their range bounds.
const (
	partitionDayFormat   = "2006_01_02"
	partitionBoundFormat = "2006-01-02"
)

// PartitionStatements returns the statements that create the daily message
// partitions from yesterday through today+ahead. Idempotent by construction.
func PartitionStatements(today time.Time, ahead int) []string {
	today = today.UTC().Truncate(24 * time.Hour)
	stmts := make([]string, 0, ahead+2)
	for d := -1; d <= ahead; d++ {
		from := today.AddDate(0, 0, d)
		to := from.AddDate(0, 0, 1)
		stmts = append(stmts, fmt.Sprintf(
			"CREATE TABLE IF NOT EXISTS realtime.messages_%s PARTITION OF realtime.messages FOR VALUES FROM ('%s 00:00:00') TO ('%s 00:00:00')",
			from.Format(partitionDayFormat),
			from.Format(partitionBoundFormat),
			to.Format(partitionBoundFormat),
		))
	}
	return stmts
}

// CreatePartitions makes sure the partitions around today exist so inserts
// and the replication stream never hit a missing partition at midnight.
func CreatePartitions(ctx context.Context, h *Handle, today time.Time, ahead int) error {
	for _, stmt := range PartitionStatements(today, ahead) {
		if _, err := h.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create partition: %w", err)
		}
	}
	return nil
}
