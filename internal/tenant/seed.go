package tenant

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// seedFile is the YAML shape of a tenant seed file:
//
//	tenants:
//	  - external_id: acme
//	    jwt_secret: super-secret
//	    region: us-east-1
//	    postgres_cdc_default:
//	      host: db.acme.internal
//	      port: 5432
//	      database: acme
//	      user: floodgate
//	      password: hunter2
type seedFile struct {
	Tenants []*Tenant `yaml:"tenants"`
}

// LoadSeed upserts tenant records from a YAML file into the store. Used at
// boot for development and bootstrap deployments where no admin surface has
// populated the store yet. Returns how many records were written.
func LoadSeed(path string, store *Store) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read tenants file: %w", err)
	}

	var sf seedFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return 0, fmt.Errorf("parse tenants file: %w", err)
	}

	for i, t := range sf.Tenants {
		if err := store.Put(t); err != nil {
			return i, fmt.Errorf("seed tenant %d: %w", i, err)
		}
	}
	return len(sf.Tenants), nil
}
