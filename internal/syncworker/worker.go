// Package syncworker reconciles cached balances into the Ledger and applies the
// monthly tier reset on a schedule owned by the process entry point.
package syncworker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultSyncInterval       = 10 * time.Minute
	DefaultResetCheckInterval = time.Hour
)

var (
	ErrAlreadyStarted = errors.New("syncworker: already started")
	ErrInvalidConfig  = errors.New("syncworker: invalid config")

	errCacheRefresh = errors.New("syncworker: cache refresh")
)

// Config sets the cadence of the two loops.
type Config struct {
	SyncInterval       time.Duration
	ResetCheckInterval time.Duration
	// ResetOnStart runs one reset sweep as soon as the worker starts.
	ResetOnStart bool
}

func (cfg Config) withDefaults() Config {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = DefaultSyncInterval
	}
	if cfg.ResetCheckInterval <= 0 {
		cfg.ResetCheckInterval = DefaultResetCheckInterval
	}
	return cfg
}

// FlushReport summarizes one dirty-set flush.
type FlushReport struct {
	Total  int `json:"total"`
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

// ResetReport summarizes one monthly reset sweep.
type ResetReport struct {
	MonthStart time.Time `json:"month_start"`
	Scanned    int       `json:"scanned"`
	Reset      int       `json:"reset"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	// CacheFailed counts accounts rolled back because the cache refused the
	// new balance; they are retried on the next sweep.
	CacheFailed  int      `json:"cache_failed"`
	UsersReset   int      `json:"users_reset"`
	TeamsReset   int      `json:"teams_reset"`
	ScopesFailed []string `json:"scopes_failed,omitempty"`
}

// Health is the worker's view of its dependencies and recent runs.
type Health struct {
	Running        bool         `json:"running"`
	CacheReachable bool         `json:"cache_reachable"`
	CacheError     string       `json:"cache_error,omitempty"`
	DirtyCount     int64        `json:"dirty_count"`
	LastFlushAt    *time.Time   `json:"last_flush_at,omitempty"`
	LastFlush      *FlushReport `json:"last_flush,omitempty"`
	LastResetAt    *time.Time   `json:"last_reset_at,omitempty"`
	LastReset      *ResetReport `json:"last_reset,omitempty"`
}

// Worker runs the dirty flush and the monthly reset on independent schedules.
type Worker struct {
	service *credits.Service
	cache   credits.FastStore
	ledger  credits.Ledger
	config  Config
	logger  *zap.Logger

	mu          sync.Mutex
	scheduler   *cron.Cron
	cancel      context.CancelFunc
	background  sync.WaitGroup
	lastFlushAt *time.Time
	lastFlush   *FlushReport
	lastResetAt *time.Time
	lastReset   *ResetReport
}

// New constructs a Worker. It does not start any schedule.
func New(service *credits.Service, cfg Config, logger *zap.Logger) (*Worker, error) {
	if service == nil {
		return nil, fmt.Errorf("%w: credit service is nil", ErrInvalidConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		service: service,
		cache:   service.Cache(),
		ledger:  service.Ledger(),
		config:  cfg.withDefaults(),
		logger:  logger,
	}, nil
}

// Start schedules both loops. Jobs run with ctx until Stop is called.
func (worker *Worker) Start(ctx context.Context) error {
	worker.mu.Lock()
	defer worker.mu.Unlock()
	if worker.scheduler != nil {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	cronLog := cronLogger{logger: worker.logger.Sugar()}
	scheduler := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	scheduler.Schedule(cron.Every(worker.config.SyncInterval), cron.FuncJob(func() {
		worker.scheduledFlush(runCtx)
	}))
	scheduler.Schedule(cron.Every(worker.config.ResetCheckInterval), cron.FuncJob(func() {
		worker.scheduledReset(runCtx)
	}))
	scheduler.Start()
	worker.scheduler = scheduler
	worker.cancel = cancel

	if worker.config.ResetOnStart {
		worker.background.Add(1)
		go func() {
			defer worker.background.Done()
			worker.scheduledReset(runCtx)
		}()
	}
	worker.logger.Info("sync worker started",
		zap.Duration("sync_interval", worker.config.SyncInterval),
		zap.Duration("reset_check_interval", worker.config.ResetCheckInterval),
	)
	return nil
}

// Stop halts both schedules and waits for running jobs until ctx expires.
func (worker *Worker) Stop(ctx context.Context) error {
	worker.mu.Lock()
	scheduler := worker.scheduler
	cancel := worker.cancel
	worker.scheduler = nil
	worker.cancel = nil
	worker.mu.Unlock()
	if scheduler == nil {
		return nil
	}
	defer cancel()

	done := make(chan struct{})
	go func() {
		<-scheduler.Stop().Done()
		worker.background.Wait()
		close(done)
	}()
	select {
	case <-done:
		worker.logger.Info("sync worker stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("syncworker: stop: %w", ctx.Err())
	}
}

func (worker *Worker) scheduledFlush(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := worker.FlushDirty(ctx); err != nil {
		worker.logger.Error("dirty flush failed", zap.Error(err))
	}
}

func (worker *Worker) scheduledReset(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := worker.MonthlyReset(ctx); err != nil {
		worker.logger.Error("monthly reset failed", zap.Error(err))
	}
}

// FlushDirty writes every dirty cached balance into the Ledger. Failures are
// counted and stay dirty for the next pass; only a failed listing is returned.
func (worker *Worker) FlushDirty(ctx context.Context) (FlushReport, error) {
	refs, err := worker.cache.ListDirty(ctx)
	if err != nil {
		return FlushReport{}, fmt.Errorf("%w: %w", credits.ErrSyncFailure, err)
	}
	report := FlushReport{Total: len(refs)}
	for _, ref := range refs {
		if ctx.Err() != nil {
			report.Failed = report.Total - report.Synced
			break
		}
		if err := worker.service.SyncAccount(ctx, ref); err != nil {
			report.Failed++
			worker.logger.Warn("account sync failed", zap.String("account", ref.Key()), zap.Error(err))
			continue
		}
		report.Synced++
	}
	worker.recordFlush(report)
	if report.Total > 0 {
		worker.logger.Info("dirty flush complete",
			zap.Int("total", report.Total),
			zap.Int("synced", report.Synced),
			zap.Int("failed", report.Failed),
		)
	}
	return report, nil
}

// MonthlyReset grants every account not yet reset this UTC month its tier
// allotment. Users are swept before teams; a failing scope does not stop the other.
func (worker *Worker) MonthlyReset(ctx context.Context) (ResetReport, error) {
	now := worker.service.Now().UTC()
	report := ResetReport{MonthStart: credits.MonthStartUTC(now)}
	var scopeErrors []error
	for _, scope := range []credits.Scope{credits.ScopeUser, credits.ScopeTeam} {
		if err := worker.resetScope(ctx, scope, now, &report); err != nil {
			report.ScopesFailed = append(report.ScopesFailed, scope.String())
			scopeErrors = append(scopeErrors, err)
		}
	}
	worker.recordReset(report)
	if report.Scanned > 0 || len(scopeErrors) > 0 {
		worker.logger.Info("monthly reset complete",
			zap.Time("month_start", report.MonthStart),
			zap.Int("scanned", report.Scanned),
			zap.Int("reset", report.Reset),
			zap.Int("skipped", report.Skipped),
			zap.Int("failed", report.Failed),
			zap.Int("cache_failed", report.CacheFailed),
		)
	}
	return report, errors.Join(scopeErrors...)
}

// ManualMonthlyReset runs the reset sweep on demand.
func (worker *Worker) ManualMonthlyReset(ctx context.Context) (ResetReport, error) {
	worker.logger.Info("manual monthly reset requested")
	return worker.MonthlyReset(ctx)
}

func (worker *Worker) resetScope(ctx context.Context, scope credits.Scope, now time.Time, report *ResetReport) error {
	candidates, err := worker.ledger.ListResetCandidates(ctx, scope, report.MonthStart)
	if err != nil {
		return fmt.Errorf("list %s reset candidates: %w", scope, err)
	}
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		report.Scanned++
		allotment, err := credits.MonthlyAllotment(candidate.PlanType, candidate.APIKeyPreference)
		if err != nil {
			report.Failed++
			worker.logger.Warn("reset skipped: unknown tier", zap.String("account", candidate.Ref.Key()), zap.Error(err))
			continue
		}
		applied, err := worker.applyReset(ctx, candidate.Ref, allotment, now, report.MonthStart)
		switch {
		case errors.Is(err, errCacheRefresh):
			report.CacheFailed++
			worker.logger.Warn("reset rolled back: cache refresh failed", zap.String("account", candidate.Ref.Key()), zap.Error(err))
			continue
		case err != nil:
			report.Failed++
			worker.logger.Warn("reset failed", zap.String("account", candidate.Ref.Key()), zap.Error(err))
			continue
		case !applied:
			report.Skipped++
			continue
		}
		report.Reset++
		if scope == credits.ScopeTeam {
			report.TeamsReset++
		} else {
			report.UsersReset++
		}
	}
	return nil
}

// applyReset writes the allotment and watermark in one Ledger transaction.
// A user's cached balance is refreshed before the commit, so a cache failure
// rolls the watermark back and the next sweep retries the account.
func (worker *Worker) applyReset(ctx context.Context, ref credits.AccountRef, allotment decimal.Decimal, now time.Time, monthStart time.Time) (bool, error) {
	var applied bool
	err := worker.ledger.WithTx(ctx, func(ctx context.Context, txLedger credits.Ledger) error {
		var err error
		applied, err = txLedger.ApplyMonthlyReset(ctx, ref, allotment, now, monthStart)
		if err != nil || !applied || ref.Scope == credits.ScopeTeam {
			return err
		}
		if err := worker.refreshCachedBalance(ctx, ref, allotment); err != nil {
			return fmt.Errorf("%w: %w", errCacheRefresh, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// refreshCachedBalance moves a cached balance to allotment by the difference
// from the value it read, so deductions landing after that read are kept.
func (worker *Worker) refreshCachedBalance(ctx context.Context, ref credits.AccountRef, allotment decimal.Decimal) error {
	if previous, ok := worker.cache.GetBalance(ctx, ref); ok {
		_, err := worker.cache.IncrementBalance(ctx, ref, allotment.Sub(previous))
		if !errors.Is(err, credits.ErrCacheMiss) {
			return err
		}
	}
	return worker.cache.SetBalance(ctx, ref, allotment)
}

// HealthCheck reports cache reachability, dirty-set size and the last runs.
func (worker *Worker) HealthCheck(ctx context.Context) Health {
	health := Health{CacheReachable: true}
	if err := worker.cache.Ping(ctx); err != nil {
		health.CacheReachable = false
		health.CacheError = err.Error()
	} else if count, err := worker.cache.DirtyCount(ctx); err != nil {
		health.CacheError = err.Error()
	} else {
		health.DirtyCount = count
	}

	worker.mu.Lock()
	defer worker.mu.Unlock()
	health.Running = worker.scheduler != nil
	health.LastFlushAt = worker.lastFlushAt
	health.LastFlush = worker.lastFlush
	health.LastResetAt = worker.lastResetAt
	health.LastReset = worker.lastReset
	return health
}

func (worker *Worker) recordFlush(report FlushReport) {
	at := worker.service.Now().UTC()
	worker.mu.Lock()
	defer worker.mu.Unlock()
	worker.lastFlushAt = &at
	worker.lastFlush = &report
}

func (worker *Worker) recordReset(report ResetReport) {
	at := worker.service.Now().UTC()
	worker.mu.Lock()
	defer worker.mu.Unlock()
	worker.lastResetAt = &at
	worker.lastReset = &report
}

// cronLogger routes scheduler chatter through zap.
type cronLogger struct {
	logger *zap.SugaredLogger
}

func (adapter cronLogger) Info(msg string, keysAndValues ...interface{}) {
	adapter.logger.Debugw("cron: "+msg, keysAndValues...)
}

func (adapter cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	adapter.logger.Errorw("cron: "+msg, append(keysAndValues, "error", err)...)
}
