package tenant

import (
	"encoding/json"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTenants = []byte("tenants")

// Store wraps a BoltDB database holding tenant control records. The admin
// surface that writes these records lives outside this service; the node
// only updates bookkeeping fields (migrations ran, suspension).
type Store struct {
	db *bolt.DB
}

// Open creates or opens a BoltDB database at the given path and ensures the
// tenant bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTenants)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying BoltDB.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get loads one tenant by external id. Returns ErrNotFound when absent.
func (s *Store) Get(externalID string) (*Tenant, error) {
	var t *Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketTenants).Get([]byte(externalID))
		if raw == nil {
			return ErrNotFound
		}
		t = &Tenant{}
		return json.Unmarshal(raw, t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Put validates and upserts a tenant record.
func (s *Store) Put(t *Tenant) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("invalid tenant %q: %w", t.ExternalID, err)
	}
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).Put([]byte(t.ExternalID), raw)
	})
}

// Delete removes a tenant record. Deleting a missing record is not an error.
func (s *Store) Delete(externalID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).Delete([]byte(externalID))
	})
}

// List returns every stored tenant.
func (s *Store) List() ([]*Tenant, error) {
	var out []*Tenant
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTenants).ForEach(func(_, raw []byte) error {
			t := &Tenant{}
			if err := json.Unmarshal(raw, t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SetMigrationsRan records how many tenant-database migrations have been
// applied, so the next startup can skip the migration step.
func (s *Store) SetMigrationsRan(externalID string, n int) error {
	return s.update(externalID, func(t *Tenant) { t.MigrationsRan = n })
}

// SetSuspended flips the suspension flag.
func (s *Store) SetSuspended(externalID string, suspended bool) error {
	return s.update(externalID, func(t *Tenant) { t.Suspend = suspended })
}

func (s *Store) update(externalID string, mutate func(*Tenant)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTenants)
		raw := b.Get([]byte(externalID))
		if raw == nil {
			return ErrNotFound
		}
		t := &Tenant{}
		if err := json.Unmarshal(raw, t); err != nil {
			return err
		}
		mutate(t)
		out, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return b.Put([]byte(externalID), out)
	})
}
