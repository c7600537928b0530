package config

import (
	"fmt"
	"time"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Offline   OfflineConfig   `mapstructure:"offline"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type StoreConfig struct {
	Backend     string   `mapstructure:"backend"`   // sqlite | memory
	FilePath    string   `mapstructure:"file_path"` // For sqlite
	Collections []string `mapstructure:"collections"`
}

type CacheConfig struct {
	Origin           string      `mapstructure:"origin"`
	Version          int64       `mapstructure:"version"`
	Manifest         []string    `mapstructure:"manifest"`
	FallbackPath     string      `mapstructure:"fallback_path"`
	Storage          string      `mapstructure:"storage"` // sqlite | redis
	Redis            RedisConfig `mapstructure:"redis"`
	FetchTimeout     string      `mapstructure:"fetch_timeout"`
	RefreshWorkers   int         `mapstructure:"refresh_workers"`
	RefreshQueueSize int         `mapstructure:"refresh_queue_size"`
	RefreshTimeout   string      `mapstructure:"refresh_timeout"`
	MaxBodyBytes     int64       `mapstructure:"max_body_bytes"`
}

func (c CacheConfig) GetFetchTimeout() time.Duration {
	return parseDuration(c.FetchTimeout, 30*time.Second)
}

func (c CacheConfig) GetRefreshTimeout() time.Duration {
	return parseDuration(c.RefreshTimeout, 15*time.Second)
}

type RedisConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	Password   string `mapstructure:"password"`
	Database   int    `mapstructure:"database"`
	PoolSize   int    `mapstructure:"pool_size"`
	MaxRetries int    `mapstructure:"max_retries"`
	KeyPrefix  string `mapstructure:"key_prefix"`
}

func (r RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type RemoteConfig struct {
	Type      string             `mapstructure:"type"` // http | mysql | mongo | none
	BaseURL   string             `mapstructure:"base_url"`
	AuthToken string             `mapstructure:"auth_token"`
	Timeout   string             `mapstructure:"timeout"`
	MySQL     DatabaseConnection `mapstructure:"mysql"`
	Mongo     MongoConfig        `mapstructure:"mongo"`
}

func (r RemoteConfig) GetTimeout() time.Duration {
	return parseDuration(r.Timeout, 10*time.Second)
}

type DatabaseConnection struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	Database       string `mapstructure:"database"`
	ConnectRetries int    `mapstructure:"connect_retries"`
}

type MongoConfig struct {
	URI      string `mapstructure:"uri"`
	Database string `mapstructure:"database"`
}

type SyncConfig struct {
	BatchSize int `mapstructure:"batch_size"`
}

type SchedulerConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

type OfflineConfig struct {
	LowStockThreshold float64 `mapstructure:"low_stock_threshold"`
	LowStockInterval  string  `mapstructure:"low_stock_interval"`
}

type ServerConfig struct {
	Port         int      `mapstructure:"port"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	return parseDuration(s.ReadTimeout, 0)
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	return parseDuration(s.WriteTimeout, 0)
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
