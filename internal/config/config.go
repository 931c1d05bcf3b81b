package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	MySQL      MySQLConfig      `mapstructure:"mysql"`
	Dynamo     DynamoConfig     `mapstructure:"dynamo"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Identities IdentitiesConfig `mapstructure:"identities"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Templates  TemplatesConfig  `mapstructure:"templates"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Report     ReportConfig     `mapstructure:"report"`
	Protocol   ProtocolConfig   `mapstructure:"protocol"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// StorageConfig selects the contact store backend.
type StorageConfig struct {
	Driver         string        `mapstructure:"driver"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

type MySQLConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	User         string        `mapstructure:"user"`
	Password     string        `mapstructure:"password"`
	Database     string        `mapstructure:"database"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_lifetime"`
}

type DynamoConfig struct {
	Region        string `mapstructure:"region"`
	Endpoint      string `mapstructure:"endpoint"`
	ContactsTable string `mapstructure:"contacts_table"`
	RejectedTable string `mapstructure:"rejected_table"`
	PromoIndex    string `mapstructure:"promo_index"`
}

type ScyllaConfig struct {
	Hosts       []string      `mapstructure:"hosts"`
	Port        int           `mapstructure:"port"`
	Keyspace    string        `mapstructure:"keyspace"`
	Consistency string        `mapstructure:"consistency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type KafkaConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	ClientID        string        `mapstructure:"client_id"`
	OutcomeTopic    string        `mapstructure:"outcome_topic"`
	SummaryTopic    string        `mapstructure:"summary_topic"`
	ConsumerGroupID string        `mapstructure:"consumer_group_id"`
	CommitInterval  time.Duration `mapstructure:"commit_interval"`
	Partitions      int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DispatchConfig holds the scheduler's admission and cooldown knobs.
type DispatchConfig struct {
	MaxRequests      int           `mapstructure:"max_requests"`
	ContactCapacity  int           `mapstructure:"contact_capacity"`
	QuarantinePeriod time.Duration `mapstructure:"quarantine_period"`
	DelayMin         time.Duration `mapstructure:"delay_min"`
	DelayMax         time.Duration `mapstructure:"delay_max"`
	BusyBackoff      time.Duration `mapstructure:"busy_backoff"`
	SendCooldown     time.Duration `mapstructure:"send_cooldown"`
	ConnectTimeout   time.Duration `mapstructure:"connect_timeout"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	StickyRetry      bool          `mapstructure:"sticky_retry"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	LeaseKeyPrefix   string        `mapstructure:"lease_key_prefix"`
}

type IdentitiesConfig struct {
	WorkDir      string        `mapstructure:"work_dir"`
	BadDir       string        `mapstructure:"bad_dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type IngestConfig struct {
	CSVPath string `mapstructure:"csv_path"`
}

type TemplatesConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProxyConfig, when Address is set, overrides the per-identity proxy.
type ProxyConfig struct {
	Type     string `mapstructure:"type"`
	Address  string `mapstructure:"address"`
	Port     int    `mapstructure:"port"`
	RDNS     bool   `mapstructure:"rdns"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ReportConfig struct {
	Dir string `mapstructure:"dir"`
}

// ProtocolConfig tunes the simulated protocol client.
type ProtocolConfig struct {
	FoundRate     float64       `mapstructure:"found_rate"`
	TransientRate float64       `mapstructure:"transient_rate"`
	Latency       time.Duration `mapstructure:"latency"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCH")
	v.SetEnvKeyReplacer(NewEnvReplacer())

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "session-dispatch")
	v.SetDefault("app.env", "development")
	v.SetDefault("http.port", 8080)
	v.SetDefault("storage.driver", "postgres")
	v.SetDefault("storage.connect_timeout", 30*time.Second)
	v.SetDefault("kafka.outcome_topic", "dispatch.outcomes")
	v.SetDefault("kafka.summary_topic", "dispatch.summaries")
	v.SetDefault("kafka.partitions", 6)

	// Mirrors the limits the identities were tuned against.
	v.SetDefault("dispatch.max_requests", 25)
	v.SetDefault("dispatch.contact_capacity", 19)
	v.SetDefault("dispatch.quarantine_period", 15*time.Minute)
	v.SetDefault("dispatch.delay_min", time.Second)
	v.SetDefault("dispatch.delay_max", 5*time.Second)
	v.SetDefault("dispatch.busy_backoff", 10*time.Second)
	v.SetDefault("dispatch.send_cooldown", time.Hour)
	v.SetDefault("dispatch.connect_timeout", 30*time.Second)
	v.SetDefault("dispatch.call_timeout", 20*time.Second)
	v.SetDefault("dispatch.lease_ttl", 30*time.Minute)
	v.SetDefault("dispatch.lease_key_prefix", "dispatch:identity")

	v.SetDefault("identities.work_dir", "working_files/work_sessions")
	v.SetDefault("identities.bad_dir", "working_files/bad_sessions")
	v.SetDefault("identities.poll_interval", 5*time.Second)
	v.SetDefault("ingest.csv_path", "working_files/input_files/phones.csv")
	v.SetDefault("templates.dir", "working_files/input_files")
	v.SetDefault("report.dir", "working_files/reports")

	v.SetDefault("protocol.found_rate", 0.6)
	v.SetDefault("protocol.transient_rate", 0.05)
	v.SetDefault("protocol.latency", 200*time.Millisecond)
}

// Validate rejects settings the scheduler cannot run with.
func (c *Config) Validate() error {
	d := c.Dispatch
	switch {
	case d.MaxRequests <= 0:
		return fmt.Errorf("config: dispatch.max_requests must be positive")
	case d.ContactCapacity <= 0:
		return fmt.Errorf("config: dispatch.contact_capacity must be positive")
	case d.DelayMax < d.DelayMin:
		return fmt.Errorf("config: dispatch.delay_max must not be below dispatch.delay_min")
	case d.QuarantinePeriod <= 0:
		return fmt.Errorf("config: dispatch.quarantine_period must be positive")
	}
	switch c.Storage.Driver {
	case "postgres", "mysql", "dynamodb":
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Storage.Driver)
	}
	if c.Identities.WorkDir == "" {
		return fmt.Errorf("config: identities.work_dir is required")
	}
	return nil
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
