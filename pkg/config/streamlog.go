package config

import "time"

// StreamLogConfig is the top-level configuration for the streamlogd
// daemon: storage engine directories/thresholds, RPC listen addresses,
// the directory service client, and the optional secondary stores
// (Postgres ACL cache, NATS event feed, sqlite catalog).
type StreamLogConfig struct {
	Storage   StorageConfig   `yaml:"storage"`
	RPC       RPCConfig       `yaml:"rpc"`
	Directory DirectoryConfig `yaml:"directory"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	NATS      NATSConfig      `yaml:"nats"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// StorageConfig configures the append log's on-disk layout and
// rotation thresholds.
type StorageConfig struct {
	WALDir       string `yaml:"wal_dir"`
	SegmentDir   string `yaml:"segment_dir"`
	MaxTableSize int64  `yaml:"max_table_size"`
	MaxWALSize   int64  `yaml:"max_wal_size"`
}

// RPCConfig configures the append/tail RPC server's listen addresses.
type RPCConfig struct {
	Addr      string `yaml:"addr"`
	TailAddr  string `yaml:"tail_addr"`
	JWTSecret string `yaml:"jwt_secret"`
}

// DirectoryConfig configures the directory-service client and its ACL
// cache.
type DirectoryConfig struct {
	BaseURL          string        `yaml:"base_url"`
	JWTSecret        string        `yaml:"jwt_secret"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	ACLRecheckPeriod time.Duration `yaml:"acl_recheck_period"`

	// PostgresDSN, if set, backs the ACL cache with pkg/directory.PGCache
	// instead of the default in-process map, for deployments sharing one
	// cache across multiple RPC server instances.
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CatalogConfig configures the sqlite segment catalog. Empty Path
// disables the catalog entirely; the engine works the same either way.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// NATSConfig configures the optional "conversation created" event
// subscription. Empty URL disables it.
type NATSConfig struct {
	URL string `yaml:"url"`
}

// TracingConfig configures the optional OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ServiceName string  `yaml:"service_name"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	SampleRate  float64 `yaml:"sample_rate"`
	Environment string  `yaml:"environment"`
}

// DefaultStreamLogConfig returns sane defaults for local development.
func DefaultStreamLogConfig() StreamLogConfig {
	return StreamLogConfig{
		Storage: StorageConfig{
			WALDir:       "data/wal",
			SegmentDir:   "data/segments",
			MaxTableSize: 64 << 20,
			MaxWALSize:   256 << 20,
		},
		RPC: RPCConfig{
			Addr:     ":8080",
			TailAddr: ":8081",
		},
		Directory: DirectoryConfig{
			RequestTimeout:   5 * time.Second,
			ACLRecheckPeriod: 5 * time.Second,
		},
		Tracing: TracingConfig{
			ServiceName: "streamlogd",
			Exporter:    "stdout",
			SampleRate:  1.0,
		},
	}
}
