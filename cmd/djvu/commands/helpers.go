package commands

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/WolfgangFahl/djvu-viewer/internal/catalog"
	"github.com/WolfgangFahl/djvu-viewer/internal/config"
	"github.com/WolfgangFahl/djvu-viewer/internal/convcache"
	"github.com/WolfgangFahl/djvu-viewer/internal/decode"
	"github.com/WolfgangFahl/djvu-viewer/internal/observability"
)

// loadConfig resolves the configuration for one command invocation:
// --config flag first, then DJVU_CONFIG, then defaults plus
// environment overrides.
func loadConfig() (*config.Config, error) {
	_ = godotenv.Load()

	path := cfgFile
	if path == "" {
		path = config.PathFromEnv()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// newLogger builds the CLI logger. The UI owns user-facing output, so
// logging stays at warn unless --verbose asks for the full stream.
func newLogger(cfg *config.Config) *observability.Logger {
	level := "warn"
	if verbose {
		level = "debug"
	}
	return observability.NewLogger(observability.LogConfig{
		Level:       level,
		Format:      cfg.Logging.Format,
		ServiceName: "djvu",
	})
}

// loadRegistry loads the named-query registry. A relative queries
// path resolves against the config file that declared it.
func loadRegistry(cfg *config.Config) (*catalog.Registry, error) {
	path := cfgFile
	if path == "" {
		path = config.PathFromEnv()
	}
	registry, err := catalog.LoadRegistry(config.ResolveRelativePath(path, cfg.Queries.Path))
	if err != nil {
		return nil, fmt.Errorf("load query registry: %w", err)
	}
	return registry, nil
}

// openStore opens the configured catalog backend.
func openStore(cfg *config.Config, logger *observability.Logger) (*catalog.Store, error) {
	driver, err := catalog.ParseDriver(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	store, err := catalog.Open(driver, cfg.DatabaseDSN(), logger)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	if driver == catalog.DriverPostgres {
		pg := cfg.Database.Postgres
		store.ConfigurePool(pg.MaxOpenConns, pg.MaxIdleConns,
			config.DurationOr(pg.ConnMaxLifetime, 30*time.Minute))
	}
	return store, nil
}

// openCache builds the conversion cache on the configured index
// driver. Unknown drivers are rejected by config validation before
// this runs, so the default arm only covers "memory".
func openCache(cfg *config.Config, logger *observability.Logger) (*convcache.Cache, error) {
	var (
		idx convcache.Index
		err error
	)
	switch cfg.Cache.Driver {
	case "sqlite":
		idx, err = convcache.NewSQLiteIndex(cfg.Cache.SQLite.Path)
	case "redis":
		idx, err = convcache.NewRedisIndex(convcache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.KeyPrefix,
		})
	default:
		idx = convcache.NewMemoryIndex()
	}
	if err != nil {
		return nil, fmt.Errorf("open conversion cache: %w", err)
	}
	return convcache.New(idx, convcache.Options{VerifyChecksums: cfg.Cache.VerifyChecksums}, logger), nil
}

// newDecoder builds the DjVuLibre shell-out decoder from config.
func newDecoder(cfg *config.Config, logger *observability.Logger) *decode.DjVuLibre {
	return decode.NewDjVuLibre(decode.Config{
		DdjvuPath:    cfg.Conversion.DdjvuPath,
		DjvudumpPath: cfg.Conversion.DjvudumpPath,
	}, logger)
}

// sourcePathFor maps a catalog path back onto the filesystem.
func sourcePathFor(cfg *config.Config, libraryPath string) string {
	if filepath.IsAbs(libraryPath) {
		return libraryPath
	}
	return filepath.Join(cfg.Library.Root, filepath.FromSlash(libraryPath))
}

// parseParams turns repeated key=value flags into query parameters,
// coercing numerics and booleans so LIMIT-style parameters bind as
// integers.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid parameter %q (expected key=value)", pair)
		}
		params[key] = coerceParam(value)
	}
	return params, nil
}

func coerceParam(s string) any {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
