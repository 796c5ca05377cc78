// Package rediscache implements credits.FastStore on Redis. Balances live in
// string keys mutated with INCRBYFLOAT inside Lua scripts, and accounts whose
// cached balance is ahead of the Ledger are tracked in a single set.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultKeyPrefix = "credits"
	balanceSegment   = "balance"
	dirtySegment     = "dirty"
	balancePlaces    = 4

	scriptMiss         int64 = 0
	scriptApplied      int64 = 1
	scriptInsufficient int64 = 2
)

// decrementIfSufficientLua checks and decrements in one step so concurrent
// deductions can never drive a balance below zero.
var decrementIfSufficientLua = redis.NewScript(`
	local current = redis.call('GET', KEYS[1])
	if not current then
		return {0, ''}
	end
	if tonumber(current) < tonumber(ARGV[1]) then
		return {2, current}
	end
	local nextval = redis.call('INCRBYFLOAT', KEYS[1], '-' .. ARGV[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return {1, nextval}
`)

// incrementIfPresentLua refuses to create a balance out of a delta alone.
var incrementIfPresentLua = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 0 then
		return {0, ''}
	end
	local nextval = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if tonumber(ARGV[2]) > 0 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return {1, nextval}
`)

// Config describes how to reach Redis.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Store is a Redis-backed credits.FastStore.
type Store struct {
	client     *redis.Client
	keyPrefix  string
	balanceTTL time.Duration
	logger     *zap.Logger
}

// Option customizes a Store.
type Option func(*Store)

// WithKeyPrefix namespaces every key the store touches.
func WithKeyPrefix(prefix string) Option {
	return func(store *Store) {
		if trimmed := strings.TrimSpace(prefix); trimmed != "" {
			store.keyPrefix = trimmed
		}
	}
}

// WithBalanceTTL expires idle balances; zero keeps them forever.
func WithBalanceTTL(ttl time.Duration) Option {
	return func(store *Store) {
		if ttl > 0 {
			store.balanceTTL = ttl
		}
	}
}

// WithLogger reports read failures that surface to callers as misses.
func WithLogger(logger *zap.Logger) Option {
	return func(store *Store) {
		if logger != nil {
			store.logger = logger
		}
	}
}

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     20,
		MinIdleConns: 5,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("rediscache: connect to %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// New wraps an existing client.
func New(client *redis.Client, options ...Option) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: redis client is nil", credits.ErrInvalidServiceConfig)
	}
	store := &Store{client: client, keyPrefix: defaultKeyPrefix, logger: zap.NewNop()}
	for _, option := range options {
		if option != nil {
			option(store)
		}
	}
	return store, nil
}

// Close releases the underlying client.
func (store *Store) Close() error {
	return store.client.Close()
}

func (store *Store) balanceKey(ref credits.AccountRef) string {
	return store.keyPrefix + ":" + balanceSegment + ":" + ref.Key()
}

func (store *Store) dirtyKey() string {
	return store.keyPrefix + ":" + dirtySegment
}

func (store *Store) ttlSeconds() int64 {
	return int64(store.balanceTTL / time.Second)
}

// GetBalance reads a cached balance. Errors are logged and reported as a miss.
func (store *Store) GetBalance(ctx context.Context, ref credits.AccountRef) (decimal.Decimal, bool) {
	key := store.balanceKey(ref)
	raw, err := store.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return decimal.Zero, false
	}
	if err != nil {
		store.logger.Warn("cache read failed", zap.String("key", key), zap.Error(err))
		return decimal.Zero, false
	}
	value, err := parseBalance(raw)
	if err != nil {
		store.logger.Warn("cache value unreadable", zap.String("key", key), zap.String("value", raw), zap.Error(err))
		return decimal.Zero, false
	}
	return value, true
}

// SetBalance overwrites a cached balance.
func (store *Store) SetBalance(ctx context.Context, ref credits.AccountRef, value decimal.Decimal) error {
	key := store.balanceKey(ref)
	if err := store.client.Set(ctx, key, value.String(), store.balanceTTL).Err(); err != nil {
		return unavailable("set", key, err)
	}
	return nil
}

// HasBalance reports whether a balance key exists.
func (store *Store) HasBalance(ctx context.Context, ref credits.AccountRef) (bool, error) {
	key := store.balanceKey(ref)
	count, err := store.client.Exists(ctx, key).Result()
	if err != nil {
		return false, unavailable("exists", key, err)
	}
	return count > 0, nil
}

// SeedBalance writes value only if the key is absent.
func (store *Store) SeedBalance(ctx context.Context, ref credits.AccountRef, value decimal.Decimal) error {
	key := store.balanceKey(ref)
	if err := store.client.SetNX(ctx, key, value.String(), store.balanceTTL).Err(); err != nil {
		return unavailable("seed", key, err)
	}
	return nil
}

// IncrementBalance adds delta (which may be negative) to a cached balance.
func (store *Store) IncrementBalance(ctx context.Context, ref credits.AccountRef, delta decimal.Decimal) (decimal.Decimal, error) {
	key := store.balanceKey(ref)
	result, err := incrementIfPresentLua.Run(ctx, store.client, []string{key}, delta.String(), store.ttlSeconds()).Result()
	if err != nil {
		return decimal.Zero, unavailable("increment", key, err)
	}
	code, value, err := parseScriptResult(result)
	if err != nil {
		return decimal.Zero, unavailable("increment", key, err)
	}
	if code == scriptMiss {
		return decimal.Zero, credits.ErrCacheMiss
	}
	return value, nil
}

// DecrementIfSufficient subtracts cost when the cached balance covers it.
func (store *Store) DecrementIfSufficient(ctx context.Context, ref credits.AccountRef, cost decimal.Decimal) (decimal.Decimal, error) {
	key := store.balanceKey(ref)
	result, err := decrementIfSufficientLua.Run(ctx, store.client, []string{key}, cost.String(), store.ttlSeconds()).Result()
	if err != nil {
		return decimal.Zero, unavailable("decrement", key, err)
	}
	code, value, err := parseScriptResult(result)
	if err != nil {
		return decimal.Zero, unavailable("decrement", key, err)
	}
	switch code {
	case scriptMiss:
		return decimal.Zero, credits.ErrCacheMiss
	case scriptInsufficient:
		return value, fmt.Errorf("%w: %s has %s, needs %s", credits.ErrInsufficientCredits, ref, value, cost)
	case scriptApplied:
		return value, nil
	default:
		return decimal.Zero, unavailable("decrement", key, fmt.Errorf("unexpected script code %d", code))
	}
}

// MarkDirty adds ref to the dirty set.
func (store *Store) MarkDirty(ctx context.Context, ref credits.AccountRef) error {
	if err := store.client.SAdd(ctx, store.dirtyKey(), ref.Key()).Err(); err != nil {
		return unavailable("mark dirty", ref.Key(), err)
	}
	return nil
}

// ListDirty returns every dirty account. Members that do not parse are dropped.
func (store *Store) ListDirty(ctx context.Context) ([]credits.AccountRef, error) {
	members, err := store.client.SMembers(ctx, store.dirtyKey()).Result()
	if err != nil {
		return nil, unavailable("list dirty", store.dirtyKey(), err)
	}
	refs := make([]credits.AccountRef, 0, len(members))
	for _, member := range members {
		ref, parseErr := credits.ParseAccountKey(member)
		if parseErr != nil {
			store.logger.Warn("dropping malformed dirty member", zap.String("member", member), zap.Error(parseErr))
			store.client.SRem(ctx, store.dirtyKey(), member)
			continue
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// ClearDirty removes ref from the dirty set.
func (store *Store) ClearDirty(ctx context.Context, ref credits.AccountRef) error {
	if err := store.client.SRem(ctx, store.dirtyKey(), ref.Key()).Err(); err != nil {
		return unavailable("clear dirty", ref.Key(), err)
	}
	return nil
}

// DirtyCount returns the size of the dirty set.
func (store *Store) DirtyCount(ctx context.Context) (int64, error) {
	count, err := store.client.SCard(ctx, store.dirtyKey()).Result()
	if err != nil {
		return 0, unavailable("count dirty", store.dirtyKey(), err)
	}
	return count, nil
}

// Ping checks that Redis answers.
func (store *Store) Ping(ctx context.Context) error {
	if err := store.client.Ping(ctx).Err(); err != nil {
		return unavailable("ping", store.client.Options().Addr, err)
	}
	return nil
}

func unavailable(action string, key string, err error) error {
	return fmt.Errorf("%w: rediscache: %s %q: %w", credits.ErrStoreUnavailable, action, key, err)
}

// parseScriptResult reads the {code, value} pair returned by the Lua scripts.
func parseScriptResult(result interface{}) (int64, decimal.Decimal, error) {
	pair, ok := result.([]interface{})
	if !ok || len(pair) != 2 {
		return 0, decimal.Zero, fmt.Errorf("unexpected script result %v", result)
	}
	code, ok := pair[0].(int64)
	if !ok {
		return 0, decimal.Zero, fmt.Errorf("unexpected script code %v", pair[0])
	}
	if code == scriptMiss {
		return code, decimal.Zero, nil
	}
	switch raw := pair[1].(type) {
	case string:
		value, err := parseBalance(raw)
		return code, value, err
	case int64:
		return code, decimal.NewFromInt(raw), nil
	default:
		return 0, decimal.Zero, fmt.Errorf("unexpected script value %v", pair[1])
	}
}

// parseBalance trims the float noise INCRBYFLOAT can introduce.
func parseBalance(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, err
	}
	return value.Round(balancePlaces), nil
}

var _ credits.FastStore = (*Store)(nil)
