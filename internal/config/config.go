package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NodeConfig identifies this replica.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// SyncConfig holds sync engine configuration
type SyncConfig struct {
	Strategy        string        `yaml:"strategy"`
	MaxOperationLog int           `yaml:"max_operation_log"`
	MaxBatchSize    int           `yaml:"max_batch_size"`
	SyncInterval    time.Duration `yaml:"sync_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	LockShards      int           `yaml:"lock_shards"`
}

// OrderingConfig holds causal delivery buffer configuration
type OrderingConfig struct {
	MaxPending      int           `yaml:"max_pending"`
	OrderingTimeout time.Duration `yaml:"ordering_timeout"`
	Retention       time.Duration `yaml:"retention"`
	SweepInterval   time.Duration `yaml:"sweep_interval"`
	OnTimeout       string        `yaml:"on_timeout"`
}

// ResolverConfig holds conflict resolution configuration
type ResolverConfig struct {
	Strategy   string `yaml:"strategy"`
	CustomName string `yaml:"custom_name"`
}

// SemanticConfig holds the external merge completion service settings
type SemanticConfig struct {
	Endpoint string        `yaml:"endpoint"`
	Timeout  time.Duration `yaml:"timeout"`
}

// GossipConfig holds epidemic broadcast configuration
type GossipConfig struct {
	Fanout         int           `yaml:"fanout"`
	MessageTTL     int           `yaml:"message_ttl"`
	SeenTTL        time.Duration `yaml:"seen_ttl"`
	BroadcastRate  float64       `yaml:"broadcast_rate"`
	BroadcastBurst int           `yaml:"broadcast_burst"`
}

// MembershipConfig holds HyParView configuration
type MembershipConfig struct {
	ActiveViewSize  int           `yaml:"active_view_size"`
	PassiveViewSize int           `yaml:"passive_view_size"`
	ShuffleInterval time.Duration `yaml:"shuffle_interval"`
	ForwardJoinTTL  int           `yaml:"forward_join_ttl"`
}

// ClusterConfig holds the memberlist transport configuration
type ClusterConfig struct {
	BindAddr       string        `yaml:"bind_addr"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
}

// StorageConfig selects the operation execution backend
type StorageConfig struct {
	Backend string `yaml:"backend"` // memory | bolt
	Path    string `yaml:"path"`
}

// AuditConfig holds the optional postgres conflict audit sink
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
}

// DedupConfig selects the gossip dedup store
type DedupConfig struct {
	Backend  string `yaml:"backend"` // memory | redis
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// AdminConfig holds the admin HTTP API configuration
type AdminConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a meshsync node
type Config struct {
	Node       NodeConfig       `yaml:"node"`
	Sync       SyncConfig       `yaml:"sync"`
	Ordering   OrderingConfig   `yaml:"ordering"`
	Resolver   ResolverConfig   `yaml:"resolver"`
	Semantic   SemanticConfig   `yaml:"semantic"`
	Gossip     GossipConfig     `yaml:"gossip"`
	Membership MembershipConfig `yaml:"membership"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Storage    StorageConfig    `yaml:"storage"`
	Audit      AuditConfig      `yaml:"audit"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Admin      AdminConfig      `yaml:"admin"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Sync.Strategy == "" {
		cfg.Sync.Strategy = "hybrid"
	}
	if cfg.Sync.MaxOperationLog == 0 {
		cfg.Sync.MaxOperationLog = 100000
	}
	if cfg.Sync.MaxBatchSize == 0 {
		cfg.Sync.MaxBatchSize = 100
	}
	if cfg.Sync.SyncInterval == 0 {
		cfg.Sync.SyncInterval = time.Second
	}
	if cfg.Sync.MaxRetries == 0 {
		cfg.Sync.MaxRetries = 3
	}
	if cfg.Sync.LockShards == 0 {
		cfg.Sync.LockShards = 64
	}

	if cfg.Ordering.MaxPending == 0 {
		cfg.Ordering.MaxPending = 10000
	}
	if cfg.Ordering.OrderingTimeout == 0 {
		cfg.Ordering.OrderingTimeout = 30 * time.Second
	}
	if cfg.Ordering.Retention == 0 {
		cfg.Ordering.Retention = 10 * time.Minute
	}
	if cfg.Ordering.SweepInterval == 0 {
		cfg.Ordering.SweepInterval = time.Second
	}
	if cfg.Ordering.OnTimeout == "" {
		cfg.Ordering.OnTimeout = "drop"
	}

	if cfg.Resolver.Strategy == "" {
		cfg.Resolver.Strategy = "last_write_wins"
	}

	if cfg.Semantic.Timeout == 0 {
		cfg.Semantic.Timeout = 10 * time.Second
	}

	if cfg.Gossip.Fanout == 0 {
		cfg.Gossip.Fanout = 3
	}
	if cfg.Gossip.MessageTTL == 0 {
		cfg.Gossip.MessageTTL = 5
	}
	if cfg.Gossip.SeenTTL == 0 {
		cfg.Gossip.SeenTTL = 60 * time.Second
	}

	if cfg.Membership.ActiveViewSize == 0 {
		cfg.Membership.ActiveViewSize = 5
	}
	if cfg.Membership.PassiveViewSize == 0 {
		cfg.Membership.PassiveViewSize = 30
	}
	if cfg.Membership.ShuffleInterval == 0 {
		cfg.Membership.ShuffleInterval = 10 * time.Second
	}
	if cfg.Membership.ForwardJoinTTL == 0 {
		cfg.Membership.ForwardJoinTTL = 3
	}

	if cfg.Cluster.BindPort == 0 {
		cfg.Cluster.BindPort = 7946
	}
	if cfg.Cluster.Workers == 0 {
		cfg.Cluster.Workers = 8
	}
	if cfg.Cluster.QueueSize == 0 {
		cfg.Cluster.QueueSize = 256
	}

	if cfg.Storage.Backend == "" {
		cfg.Storage.Backend = "memory"
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "/var/lib/meshsync/meshsync.db"
	}

	if cfg.Dedup.Backend == "" {
		cfg.Dedup.Backend = "memory"
	}
	if cfg.Dedup.Addr == "" {
		cfg.Dedup.Addr = "localhost:6379"
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Admin.Host == "" {
		cfg.Admin.Host = "0.0.0.0"
	}
	if cfg.Admin.Port == 0 {
		cfg.Admin.Port = 8080
	}
	if cfg.Admin.ReadTimeout == 0 {
		cfg.Admin.ReadTimeout = 10 * time.Second
	}
	if cfg.Admin.WriteTimeout == 0 {
		cfg.Admin.WriteTimeout = 10 * time.Second
	}
	if cfg.Admin.ShutdownTimeout == 0 {
		cfg.Admin.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("node.id is required")
	}
	switch c.Sync.Strategy {
	case "optimistic", "pessimistic", "eventual", "causal", "hybrid":
	default:
		return fmt.Errorf("sync.strategy must be one of optimistic, pessimistic, eventual, causal, hybrid")
	}
	switch c.Ordering.OnTimeout {
	case "force", "drop":
	default:
		return fmt.Errorf("ordering.on_timeout must be force or drop")
	}
	switch c.Resolver.Strategy {
	case "last_write_wins", "multi_value_register", "semantic_merge", "custom":
	default:
		return fmt.Errorf("resolver.strategy must be one of last_write_wins, multi_value_register, semantic_merge, custom")
	}
	if c.Resolver.Strategy == "semantic_merge" && c.Semantic.Endpoint == "" {
		return fmt.Errorf("semantic.endpoint is required for semantic_merge resolution")
	}
	switch c.Storage.Backend {
	case "memory", "bolt":
	default:
		return fmt.Errorf("storage.backend must be memory or bolt")
	}
	switch c.Dedup.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("dedup.backend must be memory or redis")
	}
	if c.Audit.Enabled && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit is enabled")
	}
	if c.Cluster.BindPort < 1 || c.Cluster.BindPort > 65535 {
		return fmt.Errorf("cluster.bind_port must be between 1 and 65535")
	}
	if c.Admin.Port < 1 || c.Admin.Port > 65535 {
		return fmt.Errorf("admin.port must be between 1 and 65535")
	}
	return nil
}
