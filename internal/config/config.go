// Package config provides runtime configuration for the service.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"

	StockBackendStore = "store"
	StockBackendRedis = "redis"
)

// Config holds the knobs for servers, storage and the purchase coordinator.
type Config struct {
	HTTPAddr        string        `yaml:"http_addr"`
	GRPCAddr        string        `yaml:"grpc_addr"`
	StorageDriver   string        `yaml:"storage_driver"`
	SQLitePath      string        `yaml:"sqlite_path"`
	MySQLDSN        string        `yaml:"mysql_dsn"`
	StockBackend    string        `yaml:"stock_backend"`
	RedisAddr       string        `yaml:"redis_addr"`
	LogLevel        string        `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`
	Currency        string        `yaml:"currency"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	ReleaseAttempts    int           `yaml:"release_attempts"`
	ReleaseBackoff     time.Duration `yaml:"release_backoff"`
	WriteTimeout       time.Duration `yaml:"write_timeout"`
	NumberAttempts     int           `yaml:"number_attempts"`
	ReconcileWorkers   int           `yaml:"reconcile_workers"`
	ReconcileQueueSize int           `yaml:"reconcile_queue_size"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		HTTPAddr:           ":8080",
		GRPCAddr:           ":50051",
		StorageDriver:      DriverSQLite,
		SQLitePath:         "stock-ledger.db",
		MySQLDSN:           "root:root@tcp(localhost:3306)/stockledger?parseTime=true",
		StockBackend:       StockBackendStore,
		RedisAddr:          "localhost:6379",
		LogLevel:           "info",
		LogFormat:          "json",
		Currency:           "IDR",
		RequestTimeout:     5 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		ReleaseAttempts:    3,
		ReleaseBackoff:     50 * time.Millisecond,
		WriteTimeout:       5 * time.Second,
		NumberAttempts:     5,
		ReconcileWorkers:   2,
		ReconcileQueueSize: 1024,
	}
}

// Load starts from Default, applies the YAML file at path when path is not
// empty, then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTPAddr = getenv("HTTP_ADDR", c.HTTPAddr)
	c.GRPCAddr = getenv("GRPC_ADDR", c.GRPCAddr)
	c.StorageDriver = getenv("STORAGE_DRIVER", c.StorageDriver)
	c.SQLitePath = getenv("SQLITE_PATH", c.SQLitePath)
	c.MySQLDSN = getenv("MYSQL_DSN", c.MySQLDSN)
	c.StockBackend = getenv("STOCK_BACKEND", c.StockBackend)
	c.RedisAddr = getenv("REDIS_ADDR", c.RedisAddr)
	c.LogLevel = getenv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getenv("LOG_FORMAT", c.LogFormat)
	c.Currency = getenv("CURRENCY", c.Currency)
	c.RequestTimeout = durenvms("REQUEST_TIMEOUT_MS", c.RequestTimeout)
	c.ShutdownTimeout = durenvs("SHUTDOWN_TIMEOUT", c.ShutdownTimeout)
	c.ReleaseAttempts = atoienv("RELEASE_ATTEMPTS", c.ReleaseAttempts)
	c.ReleaseBackoff = durenvms("RELEASE_BACKOFF_MS", c.ReleaseBackoff)
	c.WriteTimeout = durenvms("WRITE_TIMEOUT_MS", c.WriteTimeout)
	c.NumberAttempts = atoienv("NUMBER_ATTEMPTS", c.NumberAttempts)
	c.ReconcileWorkers = atoienv("RECONCILE_WORKERS", c.ReconcileWorkers)
	c.ReconcileQueueSize = atoienv("RECONCILE_QUEUE_SIZE", c.ReconcileQueueSize)
}

// Validate rejects unknown backends and non-positive limits.
func (c Config) Validate() error {
	var errs []error

	switch c.StorageDriver {
	case DriverMemory, DriverSQLite, DriverMySQL:
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.StorageDriver))
	}
	switch c.StockBackend {
	case StockBackendStore, StockBackendRedis:
	default:
		errs = append(errs, fmt.Errorf("unknown stock backend %q", c.StockBackend))
	}
	if c.StorageDriver == DriverSQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("sqlite_path is required for the sqlite driver"))
	}
	if c.StorageDriver == DriverMySQL && c.MySQLDSN == "" {
		errs = append(errs, errors.New("mysql_dsn is required for the mysql driver"))
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("request_timeout must be positive"))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, errors.New("write_timeout must be positive"))
	}
	if c.ReleaseAttempts <= 0 {
		errs = append(errs, errors.New("release_attempts must be positive"))
	}
	if c.NumberAttempts <= 0 {
		errs = append(errs, errors.New("number_attempts must be positive"))
	}
	if c.ReconcileWorkers <= 0 {
		errs = append(errs, errors.New("reconcile_workers must be positive"))
	}
	if c.ReconcileQueueSize <= 0 {
		errs = append(errs, errors.New("reconcile_queue_size must be positive"))
	}

	return errors.Join(errs...)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func atoienv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func durenvms(key string, def time.Duration) time.Duration {
	ms := atoienv(key, -1)
	if ms < 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}

func durenvs(key string, def time.Duration) time.Duration {
	sec := atoienv(key, -1)
	if sec < 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}
