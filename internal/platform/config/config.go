package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Store backends understood by the server.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the full runtime configuration. Values come from an optional YAML
// file first and are then overridden by environment variables.
type Config struct {
	Port      string `yaml:"port"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Store struct {
		Backend    string `yaml:"backend"`
		SQLitePath string `yaml:"sqlite_path"`
		Redis      struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"store"`

	Sessions struct {
		SweepInterval   time.Duration `yaml:"sweep_interval"`
		ProcessingGrace time.Duration `yaml:"processing_grace"`
		DeliveryBaseURL string        `yaml:"delivery_base_url"`
		DefaultOwner    string        `yaml:"default_owner"`
		AccessKeyCache  int           `yaml:"access_key_cache_size"`
		CreateRateLimit int           `yaml:"create_rate_limit"`
	} `yaml:"sessions"`

	Ingest struct {
		NATSURL        string `yaml:"nats_url"`
		NATSSubject    string `yaml:"nats_subject"`
		WebhookEnabled bool   `yaml:"webhook_enabled"`
	} `yaml:"ingest"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	var c Config
	c.Port = "8080"
	c.LogLevel = "info"
	c.LogFormat = "json"
	c.Store.Backend = BackendMemory
	c.Store.SQLitePath = "streams.db"
	c.Store.Redis.Addr = "localhost:6379"
	c.Store.Redis.Prefix = "streamreg:"
	c.Sessions.SweepInterval = time.Hour
	c.Sessions.ProcessingGrace = 2 * time.Minute
	c.Sessions.DeliveryBaseURL = "http://localhost:8000/live"
	c.Sessions.DefaultOwner = "public"
	c.Sessions.AccessKeyCache = 1024
	c.Sessions.CreateRateLimit = 30
	c.Ingest.NATSSubject = "ingest.events"
	c.Ingest.WebhookEnabled = true
	return c
}

// Load reads the .env file from the current working directory and sets
// environment variables. If .env does not exist, Load returns an error but
// callers can ignore it and use system env or defaults. Pass one or more paths
// to load from specific files (e.g. ".env"); with no paths, ".env" is used.
func Load(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	return godotenv.Load(paths...)
}

// LoadConfig builds a Config from defaults, the YAML file at path (skipped if
// path is empty or the file does not exist) and the environment.
func LoadConfig(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return cfg, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	cfg.Port = GetEnv("PORT", cfg.Port)
	cfg.LogLevel = GetEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = GetEnv("LOG_FORMAT", cfg.LogFormat)
	cfg.Store.Backend = strings.ToLower(GetEnv("STORE_BACKEND", cfg.Store.Backend))
	cfg.Store.SQLitePath = GetEnv("SQLITE_PATH", cfg.Store.SQLitePath)
	cfg.Store.Redis.Addr = GetEnv("REDIS_ADDR", cfg.Store.Redis.Addr)
	cfg.Store.Redis.Password = GetEnv("REDIS_PASSWORD", cfg.Store.Redis.Password)
	cfg.Store.Redis.DB = GetEnvInt("REDIS_DB", cfg.Store.Redis.DB)
	cfg.Store.Redis.Prefix = GetEnv("REDIS_PREFIX", cfg.Store.Redis.Prefix)
	cfg.Sessions.SweepInterval = GetEnvDuration("SWEEP_INTERVAL", cfg.Sessions.SweepInterval)
	cfg.Sessions.ProcessingGrace = GetEnvDuration("PROCESSING_GRACE", cfg.Sessions.ProcessingGrace)
	cfg.Sessions.DeliveryBaseURL = GetEnv("DELIVERY_BASE_URL", cfg.Sessions.DeliveryBaseURL)
	cfg.Sessions.DefaultOwner = GetEnv("DEFAULT_OWNER", cfg.Sessions.DefaultOwner)
	cfg.Sessions.AccessKeyCache = GetEnvInt("ACCESS_KEY_CACHE_SIZE", cfg.Sessions.AccessKeyCache)
	cfg.Sessions.CreateRateLimit = GetEnvInt("CREATE_RATE_LIMIT", cfg.Sessions.CreateRateLimit)
	cfg.Ingest.NATSURL = GetEnv("INGEST_NATS_URL", cfg.Ingest.NATSURL)
	cfg.Ingest.NATSSubject = GetEnv("INGEST_NATS_SUBJECT", cfg.Ingest.NATSSubject)
	cfg.Ingest.WebhookEnabled = GetEnvBool("INGEST_WEBHOOK_ENABLED", cfg.Ingest.WebhookEnabled)

	return cfg, cfg.Validate()
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendSQLite, BackendRedis:
	default:
		return fmt.Errorf("config: unknown store backend %q", c.Store.Backend)
	}
	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("config: sweep interval must be positive, got %s", c.Sessions.SweepInterval)
	}
	return nil
}

// GetEnv returns the value of the environment variable named by key, or fallback
// if the variable is unset or empty.
func GetEnv(key, fallback string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return fallback
}

// GetEnvInt returns the integer value of the environment variable named by key,
// or fallback if the variable is unset, empty, or not a valid integer.
func GetEnvInt(key string, fallback int) int {
	if s := os.Getenv(key); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return fallback
}

// GetEnvDuration parses values like "90s" or "1h". Invalid values yield fallback.
func GetEnvDuration(key string, fallback time.Duration) time.Duration {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			return d
		}
	}
	return fallback
}

// GetEnvBool returns fallback unless the variable parses with strconv.ParseBool.
func GetEnvBool(key string, fallback bool) bool {
	if s := os.Getenv(key); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
	}
	return fallback
}
