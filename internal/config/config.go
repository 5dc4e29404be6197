// Package config loads the mailqueue process configuration from the
// environment, an optional .env file and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every key, so store.driver is read from
// MAILQUEUE_STORE_DRIVER.
const EnvPrefix = "MAILQUEUE"

// Config is the full process configuration.
type Config struct {
	Env         string
	Log         LogConfig
	Store       StoreConfig
	Redis       RedisConfig
	Attachments AttachmentConfig
	SMTP        SMTPConfig
	SES         SESConfig
	Delivery    DeliveryConfig
	Worker      WorkerConfig
	OTel        OTelConfig
}

// LogConfig selects the log level and format.
type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the message store backend.
type StoreConfig struct {
	Driver      string
	DSN         string
	TablePrefix string
	MongoURI    string
	Database    string
	Collection  string
	Timeout     time.Duration
}

// RedisConfig enables the redis event transport when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AttachmentConfig selects the attachment file backend.
type AttachmentConfig struct {
	Driver       string
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	CacheEnabled bool
	CacheDir     string
	CacheMaxSize int64
	CacheTTL     time.Duration
}

// SMTPConfig configures the smtp provider. An empty Addr leaves it unset.
type SMTPConfig struct {
	Addr     string
	Helo     string
	Security string
	Username string
	Password string
	Timeout  time.Duration
}

// SESConfig configures the ses provider.
type SESConfig struct {
	Enabled          bool
	Region           string
	AccessKeyID      string
	SecretAccessKey  string
	ConfigurationSet string
}

// DeliveryConfig holds the service delivery settings.
type DeliveryConfig struct {
	StaleAfter        time.Duration
	HeartbeatInterval time.Duration
	TransportTimeout  time.Duration
	MaxConcurrent     int
	MsgIDDomain       string
	ShutdownTimeout   time.Duration
}

// WorkerConfig holds the background worker settings.
type WorkerConfig struct {
	BatchSize       int
	PollInterval    time.Duration
	ReclaimInterval time.Duration
	Concurrency     int
}

// OTelConfig toggles instrumentation against the global providers.
type OTelConfig struct {
	Enabled     bool
	ServiceName string
}

// IsDevelopment reports whether the process runs in development mode, where
// sendgrid messages are written to stdout instead of failing.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Load reads configuration. A .env file in the working directory, when
// present, is loaded first and never overrides variables already set.
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		Env: v.GetString("env"),
		Log: LogConfig{
			Level:  v.GetString("log.level"),
			Format: v.GetString("log.format"),
		},
		Store: StoreConfig{
			Driver:      strings.ToLower(v.GetString("store.driver")),
			DSN:         v.GetString("store.dsn"),
			TablePrefix: v.GetString("store.table_prefix"),
			MongoURI:    v.GetString("store.mongo_uri"),
			Database:    v.GetString("store.database"),
			Collection:  v.GetString("store.collection"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Attachments: AttachmentConfig{
			Driver:       strings.ToLower(v.GetString("attachments.driver")),
			Bucket:       v.GetString("attachments.bucket"),
			Prefix:       v.GetString("attachments.prefix"),
			Region:       v.GetString("attachments.region"),
			Endpoint:     v.GetString("attachments.endpoint"),
			CacheEnabled: v.GetBool("attachments.cache_enabled"),
			CacheDir:     v.GetString("attachments.cache_dir"),
			CacheMaxSize: v.GetInt64("attachments.cache_max_size"),
		},
		SMTP: SMTPConfig{
			Addr:     v.GetString("smtp.addr"),
			Helo:     v.GetString("smtp.helo"),
			Security: strings.ToLower(v.GetString("smtp.security")),
			Username: v.GetString("smtp.username"),
			Password: v.GetString("smtp.password"),
		},
		SES: SESConfig{
			Enabled:          v.GetBool("ses.enabled"),
			Region:           v.GetString("ses.region"),
			AccessKeyID:      v.GetString("ses.access_key_id"),
			SecretAccessKey:  v.GetString("ses.secret_access_key"),
			ConfigurationSet: v.GetString("ses.configuration_set"),
		},
		Delivery: DeliveryConfig{
			MaxConcurrent: v.GetInt("delivery.max_concurrent"),
			MsgIDDomain:   v.GetString("delivery.msgid_domain"),
		},
		Worker: WorkerConfig{
			BatchSize:   v.GetInt("worker.batch_size"),
			Concurrency: v.GetInt("worker.concurrency"),
		},
		OTel: OTelConfig{
			Enabled:     v.GetBool("otel.enabled"),
			ServiceName: v.GetString("otel.service_name"),
		},
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"store.timeout", &cfg.Store.Timeout},
		{"attachments.cache_ttl", &cfg.Attachments.CacheTTL},
		{"smtp.timeout", &cfg.SMTP.Timeout},
		{"delivery.stale_after", &cfg.Delivery.StaleAfter},
		{"delivery.heartbeat_interval", &cfg.Delivery.HeartbeatInterval},
		{"delivery.transport_timeout", &cfg.Delivery.TransportTimeout},
		{"delivery.shutdown_timeout", &cfg.Delivery.ShutdownTimeout},
		{"worker.poll_interval", &cfg.Worker.PollInterval},
		{"worker.reclaim_interval", &cfg.Worker.ReclaimInterval},
	}
	for _, d := range durations {
		parsed, err := time.ParseDuration(v.GetString(d.key))
		if err != nil {
			return nil, fmt.Errorf("config: invalid %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "production")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.table_prefix", "")
	v.SetDefault("store.mongo_uri", "mongodb://localhost:27017")
	v.SetDefault("store.database", "mailqueue")
	v.SetDefault("store.collection", "messages")
	v.SetDefault("store.timeout", "10s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("attachments.driver", "memory")
	v.SetDefault("attachments.bucket", "")
	v.SetDefault("attachments.prefix", "attachments")
	v.SetDefault("attachments.region", "")
	v.SetDefault("attachments.endpoint", "")
	v.SetDefault("attachments.cache_enabled", false)
	v.SetDefault("attachments.cache_dir", "")
	v.SetDefault("attachments.cache_max_size", int64(1<<30))
	v.SetDefault("attachments.cache_ttl", "24h")

	v.SetDefault("smtp.addr", "")
	v.SetDefault("smtp.helo", "localhost")
	v.SetDefault("smtp.security", "starttls")
	v.SetDefault("smtp.username", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.timeout", "30s")

	v.SetDefault("ses.enabled", false)
	v.SetDefault("ses.region", "")
	v.SetDefault("ses.access_key_id", "")
	v.SetDefault("ses.secret_access_key", "")
	v.SetDefault("ses.configuration_set", "")

	v.SetDefault("delivery.stale_after", "5m")
	v.SetDefault("delivery.heartbeat_interval", "0s")
	v.SetDefault("delivery.transport_timeout", "60s")
	v.SetDefault("delivery.shutdown_timeout", "30s")
	v.SetDefault("delivery.max_concurrent", 10)
	v.SetDefault("delivery.msgid_domain", "")

	v.SetDefault("worker.batch_size", 50)
	v.SetDefault("worker.poll_interval", "5s")
	v.SetDefault("worker.reclaim_interval", "1m")
	v.SetDefault("worker.concurrency", 4)

	v.SetDefault("otel.enabled", false)
	v.SetDefault("otel.service_name", "mailqueue")
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	case "mongo":
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for mongo"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Attachments.Driver {
	case "", "none", "memory":
	case "s3", "gcs":
		if c.Attachments.Bucket == "" {
			errs = append(errs, fmt.Errorf("attachments.bucket is required for %s", c.Attachments.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown attachments.driver %q", c.Attachments.Driver))
	}

	switch c.SMTP.Security {
	case "none", "starttls", "tls":
	default:
		errs = append(errs, fmt.Errorf("unknown smtp.security %q", c.SMTP.Security))
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("unknown log.level %q", c.Log.Level))
	}

	if c.Delivery.StaleAfter <= 0 {
		errs = append(errs, errors.New("delivery.stale_after must be positive"))
	}
	if c.Delivery.HeartbeatInterval < 0 || (c.Delivery.HeartbeatInterval > 0 && c.Delivery.HeartbeatInterval >= c.Delivery.StaleAfter) {
		errs = append(errs, errors.New("delivery.heartbeat_interval must be below delivery.stale_after"))
	}
	if c.Worker.BatchSize <= 0 {
		errs = append(errs, errors.New("worker.batch_size must be positive"))
	}
	if c.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("worker.concurrency must be positive"))
	}
	if c.Worker.PollInterval <= 0 {
		errs = append(errs, errors.New("worker.poll_interval must be positive"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// loadEnvFile loads .env, or the file named by MAILQUEUE_ENV_FILE, if it
// exists.
func loadEnvFile() {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err != nil {
		return
	}
	_ = godotenv.Load(path)
}
