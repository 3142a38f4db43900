package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/creasty/defaults"
)

// Config represents the replica service configuration
type Config struct {
	Server         ServerConfig    `mapstructure:"server"`
	Replica        ReplicaConfig   `mapstructure:"replica"`
	Changelog      ChangelogConfig `mapstructure:"changelog"`
	Shipper        ShipperConfig   `mapstructure:"shipper"`
	State          StateConfig     `mapstructure:"state"`
	Store          StoreConfig     `mapstructure:"store"`
	Gossip         GossipConfig    `mapstructure:"gossip"`
	Metrics        MetricsConfig   `mapstructure:"metrics"`
	Admin          AdminConfig     `mapstructure:"admin"`
	Tasks          TasksConfig     `mapstructure:"tasks"`
	Logging        LoggingConfig   `mapstructure:"logging"`
	AgreementsFile string          `mapstructure:"agreements_file" default:"./data/agreements.yaml"`
}

// ServerConfig represents the replication gRPC server
type ServerConfig struct {
	Host             string        `mapstructure:"host" default:"0.0.0.0"`
	Port             int           `mapstructure:"port" default:"39001"`
	MaxConnections   int           `mapstructure:"max_connections" default:"100"`
	MaxMessageSize   int           `mapstructure:"max_message_size" default:"16777216"`
	KeepaliveTime    time.Duration `mapstructure:"keepalive_time" default:"30s"`
	KeepaliveTimeout time.Duration `mapstructure:"keepalive_timeout" default:"10s"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" default:"30s"`
}

// ReplicaConfig identifies the local replica. Suffix alone keeps the
// changelog and agreements at their configured paths; with Suffixes each
// suffix gets its own changelog directory and agreements file.
type ReplicaConfig struct {
	ID       uint16   `mapstructure:"id"`
	Suffix   string   `mapstructure:"suffix"`
	Suffixes []string `mapstructure:"suffixes"`
}

// SuffixConfig is where one replicated suffix keeps its files.
type SuffixConfig struct {
	Suffix         string
	Name           string
	ChangelogDir   string
	AgreementsFile string
}

// SuffixName maps a suffix to a file name: dc=example,dc=com becomes
// dc-example.dc-com.
func SuffixName(suffix string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(suffix)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '=':
			b.WriteByte('-')
		case r == ',':
			b.WriteByte('.')
		case r == ' ':
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// Suffixes lists the replicated suffixes with their file locations.
func (c *Config) Suffixes() []SuffixConfig {
	if len(c.Replica.Suffixes) == 0 {
		if c.Replica.Suffix == "" {
			return nil
		}
		return []SuffixConfig{{
			Suffix:         c.Replica.Suffix,
			Name:           SuffixName(c.Replica.Suffix),
			ChangelogDir:   c.Changelog.Dir,
			AgreementsFile: c.AgreementsFile,
		}}
	}

	all := c.Replica.Suffixes
	if c.Replica.Suffix != "" {
		all = append([]string{c.Replica.Suffix}, all...)
	}
	out := make([]SuffixConfig, 0, len(all))
	seen := make(map[string]bool)
	for _, suffix := range all {
		name := SuffixName(suffix)
		if seen[name] {
			continue
		}
		seen[name] = true
		out = append(out, SuffixConfig{
			Suffix:         suffix,
			Name:           name,
			ChangelogDir:   filepath.Join(c.Changelog.Dir, name),
			AgreementsFile: filepath.Join(filepath.Dir(c.AgreementsFile), name+".yaml"),
		})
	}
	return out
}

// ChangelogConfig represents changelog storage and maintenance
type ChangelogConfig struct {
	Dir           string        `mapstructure:"dir" default:"./data/changelog"`
	SyncWrites    bool          `mapstructure:"sync_writes" default:"true"`
	SegmentSize   int64         `mapstructure:"segment_size" default:"67108864"`
	TrimInterval  time.Duration `mapstructure:"trim_interval" default:"5m"`
	PurgeInterval time.Duration `mapstructure:"purge_interval" default:"1h"`
}

// ShipperConfig represents update shipper tuning
type ShipperConfig struct {
	BatchSize        int           `mapstructure:"batch_size" default:"100"`
	RecordsPerSecond float64       `mapstructure:"records_per_second" default:"0"`
	IdleInterval     time.Duration `mapstructure:"idle_interval" default:"30s"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout" default:"30s"`
}

// StateConfig selects where the CSN watermark and peer update vectors live
type StateConfig struct {
	Backend string      `mapstructure:"backend" default:"file"`
	Dir     string      `mapstructure:"dir" default:"./data/state"`
	Redis   RedisConfig `mapstructure:"redis"`
}

// RedisConfig represents Redis state store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host" default:"localhost"`
	Port     int    `mapstructure:"port" default:"6379"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" default:"0"`
	Prefix   string `mapstructure:"prefix" default:"repl"`
}

// StoreConfig selects the entry store
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" default:"memory"`
	Database DatabaseConfig `mapstructure:"database"`
}

// DatabaseConfig represents PostgreSQL entry store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host" default:"localhost"`
	Port            int           `mapstructure:"port" default:"5432"`
	Database        string        `mapstructure:"database" default:"directory"`
	User            string        `mapstructure:"user" default:"replica"`
	Password        string        `mapstructure:"password"`
	MaxConnections  int32         `mapstructure:"max_connections" default:"20"`
	MinConnections  int32         `mapstructure:"min_connections" default:"2"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" default:"30m"`
}

// DSN returns the connection string for pgx.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d&pool_min_conns=%d&pool_max_conn_lifetime=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.MaxConnections, d.MinConnections, d.ConnMaxLifetime)
}

// GossipConfig represents gossip protocol configuration
type GossipConfig struct {
	Enabled        bool          `mapstructure:"enabled" default:"false"`
	BindAddr       string        `mapstructure:"bind_addr" default:"0.0.0.0"`
	BindPort       int           `mapstructure:"bind_port" default:"7946"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval" default:"1s"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout" default:"3s"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval" default:"5s"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" default:"true"`
	Path    string `mapstructure:"path" default:"/metrics"`
}

// AdminConfig represents the admin HTTP surface
type AdminConfig struct {
	Host         string        `mapstructure:"host" default:"127.0.0.1"`
	Port         int           `mapstructure:"port" default:"9830"`
	RateLimit    float64       `mapstructure:"rate_limit" default:"50"`
	RateBurst    int           `mapstructure:"rate_burst" default:"100"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" default:"10s"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" default:"30s"`
}

// TasksConfig represents the admin task pool
type TasksConfig struct {
	Workers   int `mapstructure:"workers" default:"2"`
	QueueSize int `mapstructure:"queue_size" default:"16"`
	Keep      int `mapstructure:"keep" default:"100"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level" default:"info"`
	Format string `mapstructure:"format" default:"json"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		panic(fmt.Sprintf("invalid config defaults: %v", err))
	}
	return cfg
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Replica.ID == 0 || c.Replica.ID > 65534 {
		return errors.New("replica.id must be between 1 and 65534")
	}
	if c.Replica.Suffix == "" && len(c.Replica.Suffixes) == 0 {
		return errors.New("replica.suffix or replica.suffixes is required")
	}
	for _, suffix := range c.Replica.Suffixes {
		if SuffixName(suffix) == "" {
			return errors.New("replica.suffixes has an empty entry")
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Admin.Port <= 0 || c.Admin.Port > 65535 {
		return errors.New("admin.port must be between 1 and 65535")
	}
	if c.Admin.Port == c.Server.Port {
		return errors.New("admin.port must differ from server.port")
	}
	if c.Changelog.Dir == "" {
		return errors.New("changelog.dir is required")
	}
	if c.Shipper.BatchSize <= 0 {
		return errors.New("shipper.batch_size must be positive")
	}
	if c.Shipper.RecordsPerSecond < 0 {
		return errors.New("shipper.records_per_second cannot be negative")
	}
	switch c.State.Backend {
	case "file":
		if c.State.Dir == "" {
			return errors.New("state.dir is required for the file backend")
		}
	case "redis":
		if c.State.Redis.Host == "" {
			return errors.New("state.redis.host is required for the redis backend")
		}
	default:
		return fmt.Errorf("state.backend must be one of: file, redis (got %q)", c.State.Backend)
	}
	switch c.Store.Backend {
	case "memory":
	case "postgres":
		if c.Store.Database.Host == "" || c.Store.Database.Database == "" {
			return errors.New("store.database.host and store.database.database are required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend must be one of: memory, postgres (got %q)", c.Store.Backend)
	}
	if c.Gossip.Enabled && c.Gossip.BindPort <= 0 {
		return errors.New("gossip.bind_port must be positive")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return errors.New("logging.format must be one of: json, console")
	}
	return nil
}
