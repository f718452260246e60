// Package config provides unified configuration loading for the DjVu
// pipeline tools. Supports YAML files, environment variables, and
// programmatic overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the catalog and conversion tools.
type Config struct {
	Library    LibraryConfig    `yaml:"library"`
	Database   DatabaseConfig   `yaml:"database"`
	Cache      CacheConfig      `yaml:"cache"`
	Conversion ConversionConfig `yaml:"conversion"`
	Packaging  PackagingConfig  `yaml:"packaging"`
	Queries    QueriesConfig    `yaml:"queries"`
	Server     ServerConfig     `yaml:"server"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// LibraryConfig locates the DjVu library and the conversion output.
type LibraryConfig struct {
	Root   string `yaml:"root"`
	Output string `yaml:"output"`
}

// DatabaseConfig holds catalog backend settings.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"` // sqlite or postgres
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
	JournalMode  string `yaml:"journal_mode"`
}

// PostgresConfig holds Postgres-specific settings. Durations are
// strings in time.ParseDuration syntax.
type PostgresConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifetime string `yaml:"conn_max_lifetime"`
}

// CacheConfig holds conversion cache settings.
type CacheConfig struct {
	Driver          string            `yaml:"driver"` // memory, sqlite or redis
	SQLite          CacheSQLiteConfig `yaml:"sqlite"`
	Redis           RedisConfig       `yaml:"redis"`
	VerifyChecksums bool              `yaml:"verify_checksums"`
}

// CacheSQLiteConfig holds the SQLite cache index location.
type CacheSQLiteConfig struct {
	Path string `yaml:"path"`
}

// RedisConfig holds Redis-specific settings.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ConversionConfig holds page conversion settings.
type ConversionConfig struct {
	Format       string `yaml:"format"` // png, jpeg or tiff
	JPEGQuality  int    `yaml:"jpeg_quality"`
	Width        int    `yaml:"width"` // 0 renders at native size
	Height       int    `yaml:"height"`
	Workers      int    `yaml:"workers"`   // per-job pool
	MaxTotal     int    `yaml:"max_total"` // process-wide extraction cap
	DdjvuPath    string `yaml:"ddjvu_path"`
	DjvudumpPath string `yaml:"djvudump_path"`
}

// PackagingConfig holds archive packaging settings.
type PackagingConfig struct {
	SkipExisting  bool   `yaml:"skip_existing"`
	ThumbnailPage string `yaml:"thumbnail_page"` // first-valid or page-0
}

// QueriesConfig points at an optional external query registry.
type QueriesConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig holds HTTP server settings. Durations are strings in
// time.ParseDuration syntax.
type ServerConfig struct {
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	ReadTimeout     string `yaml:"read_timeout"`
	WriteTimeout    string `yaml:"write_timeout"`
	ShutdownTimeout string `yaml:"shutdown_timeout"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// Load reads configuration from a YAML file and applies environment
// overrides. An empty path loads defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults for a
// local library.
func DefaultConfig() *Config {
	return &Config{
		Library: LibraryConfig{
			Root:   "./images",
			Output: "./djvu_images",
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			SQLite: SQLiteConfig{
				Path:         "djvu_catalog.db",
				MaxOpenConns: 1,
				JournalMode:  "WAL",
			},
			Postgres: PostgresConfig{
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: "30m",
			},
		},
		Cache: CacheConfig{
			Driver: "sqlite",
			SQLite: CacheSQLiteConfig{
				Path: "djvu_cache.db",
			},
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				DB:        0,
				KeyPrefix: "djvu:cache:",
			},
			VerifyChecksums: false,
		},
		Conversion: ConversionConfig{
			Format:       "png",
			JPEGQuality:  90,
			Width:        0,
			Height:       0,
			Workers:      4,
			MaxTotal:     8,
			DdjvuPath:    "ddjvu",
			DjvudumpPath: "djvudump",
		},
		Packaging: PackagingConfig{
			SkipExisting:  true,
			ThumbnailPage: "first-valid",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            9100,
			ReadTimeout:     "10s",
			WriteTimeout:    "30s",
			ShutdownTimeout: "10s",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Database.Driver != "sqlite" && c.Database.Driver != "postgres" {
		return fmt.Errorf("invalid database driver: %s", c.Database.Driver)
	}
	if c.Database.Driver == "postgres" && c.Database.Postgres.DSN == "" {
		return fmt.Errorf("postgres driver requires a dsn")
	}

	switch c.Cache.Driver {
	case "memory", "sqlite", "redis":
	default:
		return fmt.Errorf("invalid cache driver: %s", c.Cache.Driver)
	}

	switch c.Conversion.Format {
	case "png", "jpeg", "tiff":
	default:
		return fmt.Errorf("invalid conversion format: %s", c.Conversion.Format)
	}
	if c.Conversion.JPEGQuality < 1 || c.Conversion.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100")
	}
	if c.Conversion.Workers < 1 {
		return fmt.Errorf("workers must be at least 1")
	}
	if c.Conversion.MaxTotal < 1 {
		return fmt.Errorf("max_total must be at least 1")
	}

	switch c.Packaging.ThumbnailPage {
	case "first-valid", "page-0":
	default:
		return fmt.Errorf("invalid thumbnail_page: %s", c.Packaging.ThumbnailPage)
	}

	if c.Logging.Format != "console" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	for name, value := range map[string]string{
		"server.read_timeout":        c.Server.ReadTimeout,
		"server.write_timeout":       c.Server.WriteTimeout,
		"server.shutdown_timeout":    c.Server.ShutdownTimeout,
		"postgres.conn_max_lifetime": c.Database.Postgres.ConnMaxLifetime,
	} {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid duration for %s: %q", name, value)
		}
	}

	return nil
}

// DatabaseDSN returns the appropriate catalog connection string.
func (c *Config) DatabaseDSN() string {
	if c.Database.Driver == "postgres" {
		return c.Database.Postgres.DSN
	}
	dsn := c.Database.SQLite.Path
	if c.Database.SQLite.JournalMode != "" {
		dsn += "?_journal_mode=" + c.Database.SQLite.JournalMode + "&_busy_timeout=5000"
	}
	return dsn
}

// DurationOr parses a duration string, falling back when it is empty
// or invalid. Validate reports invalid strings up front, so at use
// sites the fallback effectively covers only the empty case.
func DurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// PathFromEnv returns the config file location named by DJVU_CONFIG,
// or the empty string.
func PathFromEnv() string {
	return os.Getenv("DJVU_CONFIG")
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DJVU_LIBRARY_ROOT"); v != "" {
		cfg.Library.Root = v
	}

	if v := os.Getenv("DJVU_OUTPUT_PATH"); v != "" {
		cfg.Library.Output = v
	}

	if v := os.Getenv("DJVU_DB_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}

	if v := os.Getenv("DJVU_SQLITE_PATH"); v != "" {
		cfg.Database.SQLite.Path = v
	}

	if v := os.Getenv("DJVU_POSTGRES_DSN"); v != "" {
		cfg.Database.Postgres.DSN = v
	}

	if v := os.Getenv("DJVU_CACHE_DRIVER"); v != "" {
		cfg.Cache.Driver = v
	}

	if v := os.Getenv("DJVU_REDIS_ADDR"); v != "" {
		cfg.Cache.Driver = "redis"
		cfg.Cache.Redis.Addr = v
	}

	if v := os.Getenv("DJVU_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("DJVU_SERVER_PORT"); v != "" {
		var port int
		if _, err := fmt.Sscanf(v, "%d", &port); err == nil {
			cfg.Server.Port = port
		}
	}
}

// ResolveRelativePath resolves a path relative to the config file location.
func ResolveRelativePath(configPath, targetPath string) string {
	if targetPath == "" || filepath.IsAbs(targetPath) {
		return targetPath
	}
	if configPath == "" {
		return targetPath
	}
	return filepath.Join(filepath.Dir(configPath), targetPath)
}
