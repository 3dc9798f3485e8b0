package config

import (
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/ini.v1"

	"github.com/mevdschee/tqdbqueue/backend"
	"github.com/mevdschee/tqdbqueue/queue"
	"github.com/mevdschee/tqdbqueue/statement"
)

var validate = validator.New()

// Config holds the queue configuration
type Config struct {
	Queue      QueueConfig
	Database   DatabaseConfig
	Metrics    MetricsConfig
	Statements []Statement
}

// QueueConfig holds the flush policy and worker settings
type QueueConfig struct {
	CriticalBatchSize int           `validate:"gt=0"`
	MaxIdle           time.Duration `validate:"gte=0"`
	AutoFlushInterval time.Duration `validate:"gt=0"`
	RetryDelay        time.Duration `validate:"gt=0"`
}

// DatabaseConfig holds the backend connection settings
type DatabaseConfig struct {
	Driver              string        `validate:"required,oneof=mysql postgres pgx sqlite3"`
	DSN                 string        `validate:"required"`
	Fallbacks           []string      // DSNs of other writable nodes, tried in order
	MaxOpenConns        int           `validate:"gt=0"`
	MaxIdleConns        int           `validate:"gte=0"`
	ConnMaxLifetime     time.Duration `validate:"gte=0"`
	StatementCacheSize  int           `validate:"gt=0"`
	HealthCheckInterval time.Duration `validate:"gt=0"`
}

// MetricsConfig holds the metrics endpoint settings
type MetricsConfig struct {
	Listen string // Empty disables the endpoint
}

// Statement is a named statement template
type Statement struct {
	Key   statement.Key `validate:"required"`
	Query string        `validate:"required"`
}

// Load reads configuration from an INI file with environment variable
// overrides. Variables from a .env file in the working directory are loaded
// first; they never replace variables that are already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	// SQL may contain ; and #
	cfg, err := ini.LoadSources(ini.LoadOptions{IgnoreInlineComment: true}, path)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s", path)
	}

	config := &Config{
		Queue:      loadQueueConfig(cfg.Section("queue")),
		Database:   loadDatabaseConfig(cfg.Section("database")),
		Metrics:    MetricsConfig{Listen: cfg.Section("metrics").Key("listen").MustString(":9090")},
		Statements: loadStatements(cfg.Section("statements")),
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func loadQueueConfig(sec *ini.Section) QueueConfig {
	defaults := queue.DefaultSettings()
	return QueueConfig{
		CriticalBatchSize: sec.Key("critical_batch_size").MustInt(defaults.CriticalBatchSize),
		MaxIdle:           sec.Key("max_idle").MustDuration(defaults.MaxIdle),
		AutoFlushInterval: sec.Key("auto_flush_interval").MustDuration(defaults.AutoFlushInterval),
		RetryDelay:        sec.Key("retry_delay").MustDuration(time.Second),
	}
}

func loadDatabaseConfig(sec *ini.Section) DatabaseConfig {
	defaults := backend.DefaultOptions()

	// Parse fallbacks (fallback1, fallback2, etc.)
	var fallbacks []string
	for i := 1; i <= 10; i++ { // Support up to 10 fallbacks
		fallback := sec.Key("fallback" + strconv.Itoa(i)).String()
		if fallback != "" {
			fallbacks = append(fallbacks, fallback)
		}
	}

	return DatabaseConfig{
		Driver:              sec.Key("driver").MustString("mysql"),
		DSN:                 sec.Key("dsn").String(),
		Fallbacks:           fallbacks,
		MaxOpenConns:        sec.Key("max_open_conns").MustInt(defaults.MaxOpenConns),
		MaxIdleConns:        sec.Key("max_idle_conns").MustInt(defaults.MaxIdleConns),
		ConnMaxLifetime:     sec.Key("conn_max_lifetime").MustDuration(defaults.ConnMaxLifetime),
		StatementCacheSize:  sec.Key("statement_cache_size").MustInt(defaults.StatementCacheSize),
		HealthCheckInterval: sec.Key("health_check_interval").MustDuration(10 * time.Second),
	}
}

func loadStatements(sec *ini.Section) []Statement {
	var statements []Statement
	for _, key := range sec.Keys() {
		statements = append(statements, Statement{
			Key:   statement.Key(key.Name()),
			Query: key.Value(),
		})
	}
	return statements
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("TQDBQUEUE_DATABASE_DRIVER"); v != "" {
		c.Database.Driver = v
	}
	if v := os.Getenv("TQDBQUEUE_DATABASE_DSN"); v != "" {
		c.Database.DSN = v
	}
	if v := os.Getenv("TQDBQUEUE_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
	}
	if v := os.Getenv("TQDBQUEUE_QUEUE_CRITICAL_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return errors.Wrap(err, "TQDBQUEUE_QUEUE_CRITICAL_BATCH_SIZE")
		}
		c.Queue.CriticalBatchSize = n
	}
	if v := os.Getenv("TQDBQUEUE_QUEUE_MAX_IDLE"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return errors.Wrap(err, "TQDBQUEUE_QUEUE_MAX_IDLE")
		}
		c.Queue.MaxIdle = d
	}
	return nil
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}
	for _, s := range c.Statements {
		if err := validate.Struct(s); err != nil {
			return errors.Wrapf(err, "invalid statement %q", s.Key)
		}
	}
	return nil
}

// Settings returns the flush policy
func (q QueueConfig) Settings() queue.Settings {
	return queue.Settings{
		CriticalBatchSize: q.CriticalBatchSize,
		MaxIdle:           q.MaxIdle,
		AutoFlushInterval: q.AutoFlushInterval,
	}
}

// Options returns the connection pool settings
func (d DatabaseConfig) Options() backend.Options {
	return backend.Options{
		MaxOpenConns:       d.MaxOpenConns,
		MaxIdleConns:       d.MaxIdleConns,
		ConnMaxLifetime:    d.ConnMaxLifetime,
		StatementCacheSize: d.StatementCacheSize,
	}
}

// Register adds every configured statement to reg
func (c *Config) Register(reg *statement.Registry) error {
	for _, s := range c.Statements {
		if err := reg.Register(s.Key, s.Query); err != nil {
			return err
		}
	}
	return nil
}
