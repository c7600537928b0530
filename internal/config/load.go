package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// DefaultCollections are registered on first store open.
var DefaultCollections = []string{"transactions", "menuItems", "customers"}

// LoadConfig reads path (YAML) on top of the built-in defaults. A missing
// file is not an error. Any key can be overridden from the environment
// with a POS_ prefix, e.g. POS_SERVER_PORT or POS_CACHE_VERSION; a .env
// file in the working directory is loaded first.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("POS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.backend", "sqlite")
	v.SetDefault("store.file_path", "./data/pos.db")
	v.SetDefault("store.collections", DefaultCollections)

	v.SetDefault("cache.origin", "http://localhost:3000")
	v.SetDefault("cache.version", 1)
	v.SetDefault("cache.manifest", []string{"/", "/index.html", "/enhancements.js", "/manifest.json"})
	v.SetDefault("cache.fallback_path", "/index.html")
	v.SetDefault("cache.storage", "sqlite")
	v.SetDefault("cache.redis.host", "localhost")
	v.SetDefault("cache.redis.port", 6379)
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.database", 0)
	v.SetDefault("cache.redis.pool_size", 10)
	v.SetDefault("cache.redis.max_retries", 3)
	v.SetDefault("cache.redis.key_prefix", "poscache")
	v.SetDefault("cache.fetch_timeout", "30s")
	v.SetDefault("cache.refresh_workers", 2)
	v.SetDefault("cache.refresh_queue_size", 64)
	v.SetDefault("cache.refresh_timeout", "15s")
	v.SetDefault("cache.max_body_bytes", 10<<20)

	v.SetDefault("remote.type", "http")
	v.SetDefault("remote.base_url", "http://localhost:8080")
	v.SetDefault("remote.auth_token", "")
	v.SetDefault("remote.timeout", "10s")
	v.SetDefault("remote.mysql.host", "localhost")
	v.SetDefault("remote.mysql.port", 3306)
	v.SetDefault("remote.mysql.user", "pos")
	v.SetDefault("remote.mysql.password", "")
	v.SetDefault("remote.mysql.database", "pos")
	v.SetDefault("remote.mysql.connect_retries", 5)
	v.SetDefault("remote.mongo.uri", "mongodb://localhost:27017")
	v.SetDefault("remote.mongo.database", "pos")

	v.SetDefault("sync.batch_size", 500)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "@every 1m")

	v.SetDefault("offline.low_stock_threshold", 5)
	v.SetDefault("offline.low_stock_interval", "@every 5m")

	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.auth_token", "")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("unknown store backend: %q (supported: sqlite, memory)", c.Store.Backend)
	}
	if c.Store.Backend == "sqlite" && c.Store.FilePath == "" {
		return errors.New("store.file_path is required for the sqlite backend")
	}
	if len(c.Store.Collections) == 0 {
		return errors.New("store.collections must name at least one collection")
	}

	if c.Cache.Version < 1 {
		return fmt.Errorf("cache.version must be >= 1, got %d", c.Cache.Version)
	}
	u, err := url.Parse(c.Cache.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("cache.origin must be an absolute URL, got %q", c.Cache.Origin)
	}
	switch c.Cache.Storage {
	case "sqlite", "redis":
	default:
		return fmt.Errorf("unknown cache storage: %q (supported: sqlite, redis)", c.Cache.Storage)
	}
	if c.Cache.RefreshWorkers < 1 {
		return errors.New("cache.refresh_workers must be >= 1")
	}

	switch c.Remote.Type {
	case "http", "mysql", "mongo", "none":
	default:
		return fmt.Errorf("unknown remote type: %q (supported: http, mysql, mongo, none)", c.Remote.Type)
	}
	if c.Sync.BatchSize < 1 {
		return errors.New("sync.batch_size must be >= 1")
	}
	return nil
}
