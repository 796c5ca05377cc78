// Package infra opens the Ledger and FastStore backends named by configuration.
package infra

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/cache/rediscache"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/creditledger/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	EngineGORM = "gorm"
	EnginePGX  = "pgx"

	defaultSQLiteFile = "credits.db"
)

var ErrUnsupportedEngine = errors.New("unsupported ledger engine")

// DatabaseConfig selects the Ledger backend.
type DatabaseConfig struct {
	URL string
	// Engine is gorm (postgres or sqlite) or pgx (postgres only).
	Engine string
	// Migrate creates missing tables on postgres; sqlite is always migrated.
	Migrate bool
}

// CacheConfig selects the FastStore backend.
type CacheConfig struct {
	Redis      rediscache.Config
	KeyPrefix  string
	BalanceTTL time.Duration
}

// ActiveTeamSetter is implemented by both Ledger stores.
type ActiveTeamSetter interface {
	SetActiveTeam(ctx context.Context, userID credits.AccountID, teamID credits.AccountID) error
}

// OpenLedger opens the configured Ledger and returns its cleanup.
func OpenLedger(ctx context.Context, cfg DatabaseConfig, logger *zap.Logger) (credits.Ledger, func() error, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	driver, sqlitePath, err := ResolveDriver(cfg.URL)
	if err != nil {
		return nil, nil, err
	}
	engine := strings.ToLower(strings.TrimSpace(cfg.Engine))
	if engine == "" {
		engine = EngineGORM
	}
	switch engine {
	case EngineGORM:
		db, cleanup, err := openDatabase(driver, cfg.URL, sqlitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := prepareSchema(ctx, db, driver, cfg.Migrate); err != nil {
			_ = cleanup()
			return nil, nil, err
		}
		logger.Info("ledger opened", zap.String("engine", engine), zap.String("driver", driver))
		return gormstore.New(db), cleanup, nil
	case EnginePGX:
		if driver != DriverPostgres {
			return nil, nil, fmt.Errorf("%w: pgx needs a postgres url", ErrUnsupportedEngine)
		}
		pool, err := pgxpool.New(ctx, cfg.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("database open: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("database ping: %w", err)
		}
		if cfg.Migrate {
			if err := pgstore.EnsureSchema(ctx, pool); err != nil {
				pool.Close()
				return nil, nil, err
			}
		}
		logger.Info("ledger opened", zap.String("engine", engine), zap.String("driver", driver))
		return pgstore.New(pool), func() error { pool.Close(); return nil }, nil
	default:
		return nil, nil, fmt.Errorf("%w: %q", ErrUnsupportedEngine, cfg.Engine)
	}
}

// OpenCache dials Redis and wraps it as a FastStore.
func OpenCache(ctx context.Context, cfg CacheConfig, logger *zap.Logger) (*rediscache.Store, error) {
	client, err := rediscache.Connect(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	store, err := rediscache.New(client,
		rediscache.WithKeyPrefix(cfg.KeyPrefix),
		rediscache.WithBalanceTTL(cfg.BalanceTTL),
		rediscache.WithLogger(logger),
	)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return store, nil
}

func openDatabase(driver string, dsn string, sqlitePath string) (*gorm.DB, func() error, error) {
	var (
		db  *gorm.DB
		err error
	)
	cfg := &gorm.Config{}
	switch driver {
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(dsn), cfg)
	case DriverSQLite:
		db, err = gorm.Open(sqlite.Open(sqlitePath), cfg)
	default:
		return nil, nil, fmt.Errorf("unsupported database scheme %q", driver)
	}
	if err != nil {
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, err
	}
	if driver == DriverSQLite {
		sqlDB.SetMaxOpenConns(1)
	}
	cleanup := func() error { return sqlDB.Close() }
	return db, cleanup, nil
}

// ResolveDriver maps a database URL to a driver and, for sqlite, a file path.
func ResolveDriver(dsn string) (string, string, error) {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return DriverPostgres, "", nil
	}
	if strings.HasPrefix(dsn, "sqlite://") {
		u, err := url.Parse(dsn)
		if err != nil {
			return "", "", fmt.Errorf("parse sqlite url: %w", err)
		}
		path := u.Path
		if path == "" {
			path = u.Host
		}
		if path == "" || path == "/" {
			path = defaultSQLiteFile
		}
		sqlitePath, err := normalizeSQLitePath(path)
		return DriverSQLite, sqlitePath, err
	}
	// Anything else is a direct sqlite path.
	sqlitePath, err := normalizeSQLitePath(dsn)
	return DriverSQLite, sqlitePath, err
}

func normalizeSQLitePath(path string) (string, error) {
	if path == ":memory:" {
		return path, nil
	}
	if strings.TrimSpace(path) == "" {
		path = defaultSQLiteFile
	}
	if strings.HasPrefix(path, "/") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return "", err
		}
		return path, nil
	}
	abs := filepath.Join(".", path)
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", err
	}
	return abs, nil
}

func prepareSchema(ctx context.Context, db *gorm.DB, driver string, migrate bool) error {
	if driver != DriverSQLite && !migrate {
		return nil
	}
	if err := gormstore.Migrate(ctx, db); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}
	return nil
}

var (
	_ ActiveTeamSetter = (*gormstore.Store)(nil)
	_ ActiveTeamSetter = (*pgstore.Store)(nil)
)
