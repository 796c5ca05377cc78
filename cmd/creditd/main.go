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
	"github.com/MarkoPoloResearchLab/creditledger/internal/creditapi"
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
	flagBalanceTTL         = "balance-ttl"
	flagListenAddr         = "listen-addr"
	flagAllowedOrigins     = "allowed-origins"
	flagJWTSigningKey      = "jwt-signing-key"
	flagJWTIssuer          = "jwt-issuer"
	flagJWTCookieName      = "jwt-cookie-name"
	flagAdminKey           = "admin-key"
	flagRequestTimeout     = "request-timeout"
	flagEmbeddedWorker     = "embedded-worker"
	flagSyncInterval       = "sync-interval"
	flagResetCheckInterval = "reset-check-interval"
	envPrefix              = "CREDITD"

	defaultDatabaseURL = "sqlite:///tmp/credits.db"
	defaultRedisAddr   = "localhost:6379"
	shutdownTimeout    = 10 * time.Second
)

type runtimeConfig struct {
	Database       infra.DatabaseConfig
	Cache          infra.CacheConfig
	API            creditapi.Config
	EmbeddedWorker bool
	Worker         syncworker.Config
}

func main() {
	cmd := newRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "creditd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cfg := &runtimeConfig{}
	cmd := &cobra.Command{
		Use:           "creditd",
		Short:         "Credit ledger HTTP API backed by Redis and a SQL ledger",
		SilenceUsage:  true,
		SilenceErrors: true,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}

	cmd.Flags().String(flagDatabaseURL, defaultDatabaseURL, "ledger database URL (postgres:// or sqlite://)")
	cmd.Flags().String(flagLedgerEngine, infra.EngineGORM, "ledger engine: gorm or pgx")
	cmd.Flags().Bool(flagMigrate, false, "create missing ledger tables on postgres")
	cmd.Flags().String(flagRedisAddr, defaultRedisAddr, "Redis address")
	cmd.Flags().String(flagRedisPassword, "", "Redis password")
	cmd.Flags().Int(flagRedisDB, 0, "Redis database index")
	cmd.Flags().String(flagRedisKeyPrefix, "", "prefix for every Redis key")
	cmd.Flags().Duration(flagBalanceTTL, 0, "expire idle cached balances (0 keeps them)")
	cmd.Flags().String(flagListenAddr, "", "HTTP listen address")
	cmd.Flags().String(flagAllowedOrigins, "", "comma-separated list of allowed CORS origins")
	cmd.Flags().String(flagJWTSigningKey, "", "TAuth JWT signing key (required)")
	cmd.Flags().String(flagJWTIssuer, "", "expected JWT issuer")
	cmd.Flags().String(flagJWTCookieName, "", "JWT cookie name")
	cmd.Flags().String(flagAdminKey, "", "shared key for the admin routes (required)")
	cmd.Flags().Duration(flagRequestTimeout, 0, "per-request timeout")
	cmd.Flags().Bool(flagEmbeddedWorker, false, "run the sync worker inside this process")
	cmd.Flags().Duration(flagSyncInterval, syncworker.DefaultSyncInterval, "dirty balance flush interval")
	cmd.Flags().Duration(flagResetCheckInterval, syncworker.DefaultResetCheckInterval, "monthly reset check interval")

	return cmd
}

func loadConfig(cmd *cobra.Command, cfg *runtimeConfig) error {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	for _, flagName := range []string{
		flagDatabaseURL, flagLedgerEngine, flagMigrate,
		flagRedisAddr, flagRedisPassword, flagRedisDB, flagRedisKeyPrefix, flagBalanceTTL,
		flagListenAddr, flagAllowedOrigins, flagJWTSigningKey, flagJWTIssuer, flagJWTCookieName,
		flagAdminKey, flagRequestTimeout,
		flagEmbeddedWorker, flagSyncInterval, flagResetCheckInterval,
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
	if cfg.Database.URL == "" {
		return fmt.Errorf("%s is required", flagDatabaseURL)
	}
	cfg.Cache = infra.CacheConfig{
		Redis: rediscache.Config{
			Addr:     strings.TrimSpace(v.GetString(flagRedisAddr)),
			Password: v.GetString(flagRedisPassword),
			DB:       v.GetInt(flagRedisDB),
		},
		KeyPrefix:  v.GetString(flagRedisKeyPrefix),
		BalanceTTL: v.GetDuration(flagBalanceTTL),
	}
	if cfg.Cache.Redis.Addr == "" {
		return fmt.Errorf("%s is required", flagRedisAddr)
	}
	cfg.API = creditapi.Config{
		ListenAddr:        strings.TrimSpace(v.GetString(flagListenAddr)),
		AllowedOrigins:    creditapi.ParseAllowedOrigins(v.GetString(flagAllowedOrigins)),
		SessionSigningKey: v.GetString(flagJWTSigningKey),
		SessionIssuer:     strings.TrimSpace(v.GetString(flagJWTIssuer)),
		SessionCookieName: strings.TrimSpace(v.GetString(flagJWTCookieName)),
		AdminKey:          v.GetString(flagAdminKey),
		RequestTimeout:    v.GetDuration(flagRequestTimeout),
	}
	cfg.EmbeddedWorker = v.GetBool(flagEmbeddedWorker)
	cfg.Worker = syncworker.Config{
		SyncInterval:       v.GetDuration(flagSyncInterval),
		ResetCheckInterval: v.GetDuration(flagResetCheckInterval),
		ResetOnStart:       true,
	}
	return cfg.API.Validate()
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
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
	teamService, err := credits.NewTeamService(creditService)
	if err != nil {
		return fmt.Errorf("team service init: %w", err)
	}
	worker, err := syncworker.New(creditService, cfg.Worker, logger.Named("syncworker"))
	if err != nil {
		return fmt.Errorf("sync worker init: %w", err)
	}
	if cfg.EmbeddedWorker {
		if err := worker.Start(ctx); err != nil {
			return err
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if stopErr := worker.Stop(stopCtx); stopErr != nil {
				logger.Warn("sync worker stop", zap.Error(stopErr))
			}
			flushCtx, cancelFlush := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelFlush()
			if _, flushErr := worker.FlushDirty(flushCtx); flushErr != nil {
				logger.Warn("final flush failed", zap.Error(flushErr))
			}
		}()
	}

	return creditapi.Run(ctx, cfg.API, creditapi.Dependencies{
		Credits: creditService,
		Teams:   teamService,
		Worker:  worker,
		Logger:  logger,
	})
}
