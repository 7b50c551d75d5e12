package config

import "fmt"

// MetadataDriver identifies the metadata store backend.
type MetadataDriver string

const (
	MetadataDriverSQLite   MetadataDriver = "sqlite"
	MetadataDriverPostgres MetadataDriver = "postgres"
	MetadataDriverMySQL    MetadataDriver = "mysql"
	MetadataDriverMemory   MetadataDriver = "memory"
)

// ObjectDriver identifies the object store backend.
type ObjectDriver string

const (
	ObjectDriverS3     ObjectDriver = "s3"
	ObjectDriverFS     ObjectDriver = "fs"
	ObjectDriverMemory ObjectDriver = "memory"
)

// StorageConfig configures the two persistence layers.
type StorageConfig struct {
	Metadata MetadataConfig `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Object   ObjectConfig   `yaml:"object,omitempty" json:"object,omitempty"`
}

// MetadataConfig configures the metadata store.
type MetadataConfig struct {
	// Driver: sqlite, postgres, mysql, memory.
	Driver MetadataDriver `yaml:"driver,omitempty" json:"driver,omitempty"`

	// DSN is the driver-specific connection string. Supports ${VAR}.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// MaxOpenConns bounds the connection pool.
	MaxOpenConns int `yaml:"max_open_conns,omitempty" json:"max_open_conns,omitempty"`

	// MaxIdleConns bounds idle pooled connections.
	MaxIdleConns int `yaml:"max_idle_conns,omitempty" json:"max_idle_conns,omitempty"`
}

// ObjectConfig configures the object store.
type ObjectConfig struct {
	// Driver: s3, fs, memory.
	Driver ObjectDriver `yaml:"driver,omitempty" json:"driver,omitempty"`

	// Endpoint for the s3 driver (host:port).
	Endpoint string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`

	// Bucket name for the s3 driver.
	Bucket string `yaml:"bucket,omitempty" json:"bucket,omitempty"`

	// AccessKey / SecretKey credentials. Support ${VAR}.
	AccessKey string `yaml:"access_key,omitempty" json:"access_key,omitempty"`
	SecretKey string `yaml:"secret_key,omitempty" json:"secret_key,omitempty"`

	// Region for the s3 driver.
	Region string `yaml:"region,omitempty" json:"region,omitempty"`

	// Secure toggles TLS for the s3 driver (default true).
	Secure *bool `yaml:"secure,omitempty" json:"secure,omitempty"`

	// Root directory for the fs driver.
	Root string `yaml:"root,omitempty" json:"root,omitempty"`
}

// SetDefaults applies storage defaults.
func (c *StorageConfig) SetDefaults() {
	if c.Metadata.Driver == "" {
		c.Metadata.Driver = MetadataDriverSQLite
	}
	if c.Metadata.Driver == MetadataDriverSQLite && c.Metadata.DSN == "" {
		c.Metadata.DSN = "rlmrs.db"
	}
	if c.Metadata.MaxOpenConns == 0 {
		c.Metadata.MaxOpenConns = 10
	}
	if c.Metadata.MaxIdleConns == 0 {
		c.Metadata.MaxIdleConns = 2
	}

	if c.Object.Driver == "" {
		c.Object.Driver = ObjectDriverFS
	}
	if c.Object.Driver == ObjectDriverFS && c.Object.Root == "" {
		c.Object.Root = "./objects"
	}
	if c.Object.Driver == ObjectDriverS3 {
		if c.Object.Bucket == "" {
			c.Object.Bucket = "rlmrs"
		}
		if c.Object.Secure == nil {
			c.Object.Secure = BoolPtr(true)
		}
	}
}

// Validate checks storage configuration.
func (c *StorageConfig) Validate() error {
	switch c.Metadata.Driver {
	case MetadataDriverSQLite, MetadataDriverPostgres, MetadataDriverMySQL, MetadataDriverMemory:
	default:
		return fmt.Errorf("metadata: invalid driver %q (valid: sqlite, postgres, mysql, memory)", c.Metadata.Driver)
	}
	if c.Metadata.Driver != MetadataDriverMemory && c.Metadata.DSN == "" {
		return fmt.Errorf("metadata: dsn is required for driver %q", c.Metadata.Driver)
	}

	switch c.Object.Driver {
	case ObjectDriverS3:
		if c.Object.Endpoint == "" {
			return fmt.Errorf("object: endpoint is required for s3 driver")
		}
		if c.Object.Bucket == "" {
			return fmt.Errorf("object: bucket is required for s3 driver")
		}
	case ObjectDriverFS:
		if c.Object.Root == "" {
			return fmt.Errorf("object: root is required for fs driver")
		}
	case ObjectDriverMemory:
	default:
		return fmt.Errorf("object: invalid driver %q (valid: s3, fs, memory)", c.Object.Driver)
	}
	return nil
}
