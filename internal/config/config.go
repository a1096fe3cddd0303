package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

const (
	DefaultFile = "querybridge.yaml"
	EnvPrefix   = "QB_"
)

type Config struct {
	Database    DatabaseConfig    `koanf:"database"`
	Store       StoreConfig       `koanf:"store"`
	Cache       CacheConfig       `koanf:"cache"`
	Executor    ExecutorConfig    `koanf:"executor"`
	Log         LogConfig         `koanf:"log"`
	Server      ServerConfig      `koanf:"server"`
	Maintenance MaintenanceConfig `koanf:"maintenance"`
}

// DatabaseConfig locates the catalog: queries, permissions and the audit log.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// StoreConfig is the data store queries run against.
type StoreConfig struct {
	Driver          string        `koanf:"driver"`
	DSN             string        `koanf:"dsn"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
}

type CacheConfig struct {
	Backend    string        `koanf:"backend"`
	Namespace  string        `koanf:"namespace"`
	DefaultTTL time.Duration `koanf:"default_ttl"`
	LockTTL    time.Duration `koanf:"lock_ttl"`
	LockWait   time.Duration `koanf:"lock_wait"`
	Retries    int           `koanf:"retries"`
	Redis      RedisConfig   `koanf:"redis"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type ExecutorConfig struct {
	Workers         int           `koanf:"workers"`
	AsyncTimeout    time.Duration `koanf:"async_timeout"`
	Retries         int           `koanf:"retries"`
	RetryDelay      time.Duration `koanf:"retry_delay"`
	ChunkSize       int           `koanf:"chunk_size"`
	PersistResults  bool          `koanf:"persist_results"`
	DefaultPageSize int           `koanf:"default_page_size"`
	AuditBatchSize  int           `koanf:"audit_batch_size"`
	RawSQLGroups    []string      `koanf:"raw_sql_groups"`
}

type LogConfig struct {
	Dir        string `koanf:"dir"`
	Level      string `koanf:"level"`
	MaxSizeMB  int    `koanf:"max_size_mb"`
	MaxBackups int    `koanf:"max_backups"`
	MaxAgeDays int    `koanf:"max_age_days"`
}

type ServerConfig struct {
	Port          int `koanf:"port"`
	RatePerMinute int `koanf:"rate_per_minute"`
	Burst         int `koanf:"burst"`
}

type MaintenanceConfig struct {
	SweepSchedule   string        `koanf:"sweep_schedule"`
	ResultRetention time.Duration `koanf:"result_retention"`
}

var defaults = map[string]interface{}{
	"database.path":                "",
	"store.driver":                 "sqlite",
	"store.dsn":                    "",
	"store.max_open_conns":         10,
	"store.max_idle_conns":         5,
	"store.conn_max_lifetime":      "30m",
	"cache.backend":                "memory",
	"cache.namespace":              "querybridge",
	"cache.default_ttl":            "5m",
	"cache.lock_ttl":               "30s",
	"cache.lock_wait":              "2s",
	"cache.retries":                3,
	"cache.redis.addr":             "localhost:6379",
	"cache.redis.password":         "",
	"cache.redis.db":               0,
	"executor.workers":             8,
	"executor.async_timeout":       "30s",
	"executor.retries":             3,
	"executor.retry_delay":         "1s",
	"executor.chunk_size":          100,
	"executor.persist_results":     false,
	"executor.default_page_size":   50,
	"executor.audit_batch_size":    1,
	"executor.raw_sql_groups":      []string{},
	"log.dir":                      "logs",
	"log.level":                    "info",
	"log.max_size_mb":              10,
	"log.max_backups":              5,
	"log.max_age_days":             30,
	"server.port":                  8080,
	"server.rate_per_minute":       120,
	"server.burst":                 20,
	"maintenance.sweep_schedule":   "* * * * *",
	"maintenance.result_retention": "168h",
}

// flagKeys maps command line flags to config keys.
var flagKeys = map[string]string{
	"db":        "database.path",
	"driver":    "store.driver",
	"dsn":       "store.dsn",
	"cache":     "cache.backend",
	"redis":     "cache.redis.addr",
	"workers":   "executor.workers",
	"log-level": "log.level",
	"log-dir":   "log.dir",
	"port":      "server.port",
}

// Load builds the configuration. Later layers win: defaults, the YAML file,
// QB_ environment variables (QB_CACHE__DEFAULT_TTL sets cache.default_ttl),
// then flags that were set explicitly. A .env file is read into the
// environment first when present.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults, "."), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
	} else if explicit {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	if flags != nil {
		if err := k.Load(posflag.ProviderWithFlag(flags, ".", k, func(f *pflag.Flag) (string, interface{}) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(flags, f)
		}), nil); err != nil {
			return nil, fmt.Errorf("failed to load flags: %w", err)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every impossible setting at once.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.Store.Driver != "", "store.driver is required")
	check(c.Store.Driver == "sqlite" || c.Store.DSN != "", "store.dsn is required for driver %q", c.Store.Driver)
	check(c.Store.MaxOpenConns >= 0, "store.max_open_conns must not be negative")
	switch c.Cache.Backend {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be none, memory or redis, got %q", c.Cache.Backend))
	}
	check(c.Cache.Backend != "redis" || c.Cache.Redis.Addr != "", "cache.redis.addr is required for the redis backend")
	check(c.Cache.DefaultTTL > 0, "cache.default_ttl must be positive")
	check(c.Cache.Retries >= 1, "cache.retries must be at least 1")
	check(c.Executor.Workers >= 1, "executor.workers must be at least 1")
	check(c.Executor.AsyncTimeout > 0, "executor.async_timeout must be positive")
	check(c.Executor.Retries >= 1, "executor.retries must be at least 1")
	check(c.Executor.RetryDelay >= 0, "executor.retry_delay must not be negative")
	check(c.Executor.ChunkSize >= 1, "executor.chunk_size must be at least 1")
	check(c.Executor.DefaultPageSize >= 1, "executor.default_page_size must be at least 1")
	check(c.Executor.AuditBatchSize >= 1, "executor.audit_batch_size must be at least 1")
	check(c.Server.Port > 0 && c.Server.Port < 65536, "server.port %d is out of range", c.Server.Port)
	check(c.Server.RatePerMinute >= 1, "server.rate_per_minute must be at least 1")
	check(c.Server.Burst >= 1, "server.burst must be at least 1")

	return errors.Join(errs...)
}
