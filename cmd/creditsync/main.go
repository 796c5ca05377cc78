package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/internal/cache/rediscache"
	"github.com/MarkoPoloResearchLab/creditledger/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/creditledger/internal/infra"
	"github.com/MarkoPoloResearchLab/creditledger/internal/oplog"
	"github.com/MarkoPoloResearchLab/creditledger/internal/syncworker"
	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

const (
	flagDatabaseURL        = "database-url"
	flagLedgerEngine       = "ledger-engine"
	flagMigrate            = "migrate"
	flagRedisAddr          = "redis-addr"
	flagRedisPassword      = "redis-password"
	flagRedisDB            = "redis-db"
	flagRedisKeyPrefix     = "redis-key-prefix"
	flagHealthAddr         = "health-addr"
	flagHealthInterval     = "health-interval"
	flagSyncInterval       = "sync-interval"
	flagResetCheckInterval = "reset-check-interval"
	flagResetOnStart       = "reset-on-start"
	envPrefix              = "CREDITSYNC"

	defaultDatabaseURL    = "sqlite:///tmp/credits.db"
	defaultRedisAddr      = "localhost:6379"
	defaultHealthAddr     = ":7000"
	defaultHealthInterval = 15 * time.Second
	shutdownTimeout       = 30 * time.Second
)

type runtimeConfig struct {
	Database       infra.DatabaseConfig
	Cache          infra.CacheConfig
	HealthAddr     string
	HealthInterval time.Duration
	Worker         syncworker.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditsync: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditsync",
		Short:         "Flushes cached balances to the ledger and applies monthly resets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "ledger database URL (postgres:// or sqlite://)")
	cmd.Flags().String(flagLedgerEngine, infra.EngineGORM, "ledger engine: gorm or pgx")
	cmd.Flags().Bool(flagMigrate, false, "create missing ledger tables on postgres")
	cmd.Flags().String(flagRedisAddr, defaultRedisAddr, "Redis address")
	cmd.Flags().String(flagRedisPassword, "", "Redis password")
	cmd.Flags().Int(flagRedisDB, 0, "Redis database index")
	cmd.Flags().String(flagRedisKeyPrefix, "", "prefix for every Redis key")
	cmd.Flags().String(flagHealthAddr, defaultHealthAddr, "gRPC health listen address")
	cmd.Flags().Duration(flagHealthInterval, defaultHealthInterval, "health probe interval")
	cmd.Flags().Duration(flagSyncInterval, syncworker.DefaultSyncInterval, "dirty balance flush interval")
	cmd.Flags().Duration(flagResetCheckInterval, syncworker.DefaultResetCheckInterval, "monthly reset check interval")
	cmd.Flags().Bool(flagResetOnStart, true, "run a reset sweep at startup")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagLedgerEngine, flagMigrate,
		flagRedisAddr, flagRedisPassword, flagRedisDB, flagRedisKeyPrefix,
		flagHealthAddr, flagHealthInterval,
		flagSyncInterval, flagResetCheckInterval, flagResetOnStart,
	} {
		if err := v.BindPFlag(flagName, cmd.Flags().Lookup(flagName)); err != nil {
			return err
		}
	}

	cfg.Database = infra.DatabaseConfig{
		URL:     strings.TrimSpace(v.GetString(flagDatabaseURL)),
		Engine:  strings.TrimSpace(v.GetString(flagLedgerEngine)),
		Migrate: v.GetBool(flagMigrate),
	}
	cfg.Cache = infra.CacheConfig{
		Redis: rediscache.Config{
			Addr:     strings.TrimSpace(v.GetString(flagRedisAddr)),
			Password: v.GetString(flagRedisPassword),
			DB:       v.GetInt(flagRedisDB),
		},
		KeyPrefix: v.GetString(flagRedisKeyPrefix),
	}
	cfg.HealthAddr = strings.TrimSpace(v.GetString(flagHealthAddr))
	cfg.HealthInterval = v.GetDuration(flagHealthInterval)
	cfg.Worker = syncworker.Config{
		SyncInterval:       v.GetDuration(flagSyncInterval),
		ResetCheckInterval: v.GetDuration(flagResetCheckInterval),
		ResetOnStart:       v.GetBool(flagResetOnStart),
	}

	if cfg.Database.URL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	if cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("%s is required", flagRedisAddr)
	}
	if cfg.HealthAddr == "" {
		return fmt.Errorf("%s is required", flagHealthAddr)
	}
	return nil
}

func runWorker(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ledger, closeLedger, err := infra.OpenLedger(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLedger() }()

	cache, err := infra.OpenCache(ctx, cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer func() { _ = cache.Close() }()

	clock := func() time.Time { return time.Now().UTC() }
	creditService, err := credits.NewService(cache, ledger, clock, credits.WithOperationLogger(oplog.New(logger)))
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	worker, err := syncworker.New(creditService, cfg.Worker, logger.Named("syncworker"))
	if err != nil {
		return fmt.Errorf("sync worker init: %w", err)
	}
	reporter, err := grpcserver.NewHealthReporter(worker, cfg.HealthInterval, logger)
	if err != nil {
		return fmt.Errorf("health reporter init: %w", err)
	}

	if err := worker.Start(ctx); err != nil {
		return err
	}
	serveErr := grpcserver.Serve(ctx, cfg.HealthAddr, reporter, logger)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := worker.Stop(stopCtx); err != nil {
		logger.Warn("sync worker stop", zap.Error(err))
	}
	// One last pass so balances spent since the previous tick reach the ledger.
	if _, err := worker.FlushDirty(stopCtx); err != nil {
		logger.Warn("final flush failed", zap.Error(err))
	}
	return serveErr
}
