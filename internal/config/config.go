package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/wb-go/wbf/zlog"
)

// Config holds the main configuration for the application.
type Config struct {
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
	Storage   Storage   `mapstructure:"storage"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Retry     Retry     `mapstructure:"retry"`
	Scheduler Scheduler `mapstructure:"scheduler"`
	Engine    Engine    `mapstructure:"engine"`
}

// Server holds HTTP server-related configuration.
type Server struct {
	HTTPPort        string        `mapstructure:"http_port"`        // HTTP address to listen on
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"` // HTTP graceful shutdown limit
	LogLevel        string        `mapstructure:"log_level"`        // zerolog level name
}

// Database holds the task store connection settings.
type Database struct {
	Driver     string         `mapstructure:"driver"`      // "sqlite" or "postgres"
	SQLitePath string         `mapstructure:"sqlite_path"` // database file for the sqlite driver
	Master     DatabaseNode   `mapstructure:"master"`
	Slaves     []DatabaseNode `mapstructure:"slaves"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DatabaseNode holds connection parameters for a single database node.
type DatabaseNode struct {
	Host    string `mapstructure:"host"`
	Port    string `mapstructure:"port"`
	User    string `mapstructure:"user"`
	Pass    string `mapstructure:"pass"`
	Name    string `mapstructure:"name"`
	SSLMode string `mapstructure:"ssl_mode"`
}

// Storage holds configuration for the file storage backend.
type Storage struct {
	Backend    string `mapstructure:"backend"`  // "minio" or "local"
	BaseDir    string `mapstructure:"base_dir"` // root directory for the local backend
	Endpoint   string `mapstructure:"endpoint"`
	AccessKey  string `mapstructure:"access_key"`
	SecretKey  string `mapstructure:"secret_key"`
	BucketName string `mapstructure:"bucket_name"`
	UseSSL     bool   `mapstructure:"use_ssl"`
}

// Kafka holds configuration for the Kafka message queue.
type Kafka struct {
	Enabled       bool     `mapstructure:"enabled"`
	GroupID       string   `mapstructure:"group_id"`       // Consumer group ID
	RequestsTopic string   `mapstructure:"requests_topic"` // submissions consumed by the service
	EventsTopic   string   `mapstructure:"events_topic"`   // lifecycle events produced by the service
	Brokers       []string `mapstructure:"brokers"`        // List of Kafka broker addresses
}

// Retry defines retry policy configuration.
type Retry struct {
	Attempts int           `mapstructure:"attempts"` // Number of retry attempts
	Delay    time.Duration `mapstructure:"delay"`    // Initial delay between retries
	Backoff  float64       `mapstructure:"backoff"`  // Backoff multiplier for delays
}

// Scheduler holds the orchestration knobs. Capacity is read once at startup.
type Scheduler struct {
	Capacity        int           `mapstructure:"capacity"`         // max tasks in processing
	ShutdownGrace   time.Duration `mapstructure:"shutdown_grace"`   // time in-flight tasks get on shutdown
	PingInterval    time.Duration `mapstructure:"ping_interval"`    // idle keep-alive for streams
	PersistInterval time.Duration `mapstructure:"persist_interval"` // min gap between progress writes, 0 = every update
	EventRetention  time.Duration `mapstructure:"event_retention"`  // how long a terminal event stays replayable
	UpdateBuffer    int           `mapstructure:"update_buffer"`    // executor progress channel size
}

// Engine configures the external translation command.
type Engine struct {
	Command string        `mapstructure:"command"`  // executable to run
	Args    []string      `mapstructure:"args"`     // extra arguments placed before the generated ones
	WorkDir string        `mapstructure:"work_dir"` // scratch root, empty = os temp dir
	Timeout time.Duration `mapstructure:"timeout"`  // per-task limit, 0 = none
}

// DSN returns the PostgreSQL DSN string for connecting to this database node.
func (n DatabaseNode) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		n.User, n.Pass, n.Host, n.Port, n.Name, n.SSLMode,
	)
}

// setDefaults registers values used when neither the file nor the environment sets a key.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.http_port", ":8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("server.log_level", "info")

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.sqlite_path", "data/tasks.db")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "data/files")
	v.SetDefault("storage.bucket_name", "translations")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.group_id", "doc-translator")
	v.SetDefault("kafka.requests_topic", "translation-requests")
	v.SetDefault("kafka.events_topic", "translation-events")

	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.delay", 100*time.Millisecond)
	v.SetDefault("retry.backoff", 2.0)

	v.SetDefault("scheduler.capacity", 2)
	v.SetDefault("scheduler.shutdown_grace", 30*time.Second)
	v.SetDefault("scheduler.ping_interval", 30*time.Second)
	v.SetDefault("scheduler.persist_interval", time.Duration(0))
	v.SetDefault("scheduler.event_retention", time.Minute)
	v.SetDefault("scheduler.update_buffer", 32)

	v.SetDefault("engine.command", "pdf2zh-engine")
}

// bindEnv binds critical environment variables to config keys.
func bindEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"database.master.host":    "DB_HOST",
		"database.master.port":    "DB_PORT",
		"database.master.user":    "DB_USER",
		"database.master.pass":    "DB_PASSWORD",
		"database.master.name":    "DB_NAME",
		"storage.access_key":      "STORAGE_ACCESS_KEY",
		"storage.secret_key":      "STORAGE_SECRET_KEY",
		"scheduler.capacity":      "MAX_CONCURRENT_TRANSLATIONS",
		"engine.command":          "ENGINE_COMMAND",
		"server.http_port":        "HTTP_PORT",
		"database.sqlite_path":    "SQLITE_PATH",
		"storage.base_dir":        "STORAGE_BASE_DIR",
		"kafka.enabled":           "KAFKA_ENABLED",
		"server.log_level":        "LOG_LEVEL",
		"scheduler.ping_interval": "STREAM_PING_INTERVAL",
	}

	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	return nil
}

// Load reads the configuration from path, applying defaults and environment overrides.
// A missing file is not an error: defaults and environment still apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnv(v); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// MustLoad loads the configuration from the specified file path.
// It panics if the configuration file cannot be loaded or unmarshaled.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		zlog.Logger.Panic().Err(err).Msg("failed to load config")
	}

	return cfg
}

func (c *Config) validate() error {
	if c.Scheduler.Capacity < 1 {
		return fmt.Errorf("scheduler.capacity must be >= 1, got %d", c.Scheduler.Capacity)
	}
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("database.driver must be sqlite or postgres, got %q", c.Database.Driver)
	}
	switch c.Storage.Backend {
	case "local", "minio":
	default:
		return fmt.Errorf("storage.backend must be local or minio, got %q", c.Storage.Backend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required when kafka is enabled")
	}
	if c.Scheduler.UpdateBuffer < 1 {
		c.Scheduler.UpdateBuffer = 1
	}

	return nil
}
