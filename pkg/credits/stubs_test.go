package credits

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

var fixedNow = time.Date(2025, time.March, 14, 9, 30, 0, 0, time.UTC)

func fixedClock() time.Time {
	return fixedNow
}

type stubCache struct {
	mu         sync.Mutex
	balances   map[string]decimal.Decimal
	dirty      map[string]AccountRef
	calls      []string
	mutateErr  error
	markErr    error
	pingErr    error
	getFails   bool
	dropOnSeed bool
}

func newStubCache() *stubCache {
	return &stubCache{balances: map[string]decimal.Decimal{}, dirty: map[string]AccountRef{}}
}

func (cache *stubCache) record(call string, ref AccountRef) {
	cache.calls = append(cache.calls, call+" "+ref.Key())
}

func (cache *stubCache) touched(ref AccountRef) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	for _, call := range cache.calls {
		if strings.HasSuffix(call, " "+ref.Key()) {
			return true
		}
	}
	return false
}

func (cache *stubCache) GetBalance(_ context.Context, ref AccountRef) (decimal.Decimal, bool) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("get", ref)
	if cache.getFails {
		return decimal.Zero, false
	}
	value, ok := cache.balances[ref.Key()]
	return value, ok
}

func (cache *stubCache) SetBalance(_ context.Context, ref AccountRef, value decimal.Decimal) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("set", ref)
	if cache.mutateErr != nil {
		return cache.mutateErr
	}
	cache.balances[ref.Key()] = value
	return nil
}

func (cache *stubCache) HasBalance(_ context.Context, ref AccountRef) (bool, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("exists", ref)
	if cache.pingErr != nil {
		return false, cache.pingErr
	}
	_, ok := cache.balances[ref.Key()]
	return ok, nil
}

func (cache *stubCache) SeedBalance(_ context.Context, ref AccountRef, value decimal.Decimal) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("seed", ref)
	if cache.mutateErr != nil {
		return cache.mutateErr
	}
	if cache.dropOnSeed {
		return nil
	}
	if _, ok := cache.balances[ref.Key()]; !ok {
		cache.balances[ref.Key()] = value
	}
	return nil
}

func (cache *stubCache) IncrementBalance(_ context.Context, ref AccountRef, delta decimal.Decimal) (decimal.Decimal, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("incr", ref)
	if cache.mutateErr != nil {
		return decimal.Zero, cache.mutateErr
	}
	current, ok := cache.balances[ref.Key()]
	if !ok {
		return decimal.Zero, ErrCacheMiss
	}
	next := current.Add(delta)
	cache.balances[ref.Key()] = next
	return next, nil
}

func (cache *stubCache) DecrementIfSufficient(_ context.Context, ref AccountRef, cost decimal.Decimal) (decimal.Decimal, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("decr", ref)
	if cache.mutateErr != nil {
		return decimal.Zero, cache.mutateErr
	}
	current, ok := cache.balances[ref.Key()]
	if !ok {
		return decimal.Zero, ErrCacheMiss
	}
	if current.LessThan(cost) {
		return current, ErrInsufficientCredits
	}
	next := current.Sub(cost)
	cache.balances[ref.Key()] = next
	return next, nil
}

func (cache *stubCache) MarkDirty(_ context.Context, ref AccountRef) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("mark", ref)
	if cache.markErr != nil {
		return cache.markErr
	}
	cache.dirty[ref.Key()] = ref
	return nil
}

func (cache *stubCache) ListDirty(context.Context) ([]AccountRef, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	refs := make([]AccountRef, 0, len(cache.dirty))
	for _, ref := range cache.dirty {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(left, right int) bool { return refs[left].Key() < refs[right].Key() })
	return refs, nil
}

func (cache *stubCache) ClearDirty(_ context.Context, ref AccountRef) error {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	cache.record("clear", ref)
	delete(cache.dirty, ref.Key())
	return nil
}

func (cache *stubCache) DirtyCount(context.Context) (int64, error) {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	return int64(len(cache.dirty)), nil
}

func (cache *stubCache) Ping(context.Context) error {
	return cache.pingErr
}

func (cache *stubCache) isDirty(ref AccountRef) bool {
	cache.mu.Lock()
	defer cache.mu.Unlock()
	_, ok := cache.dirty[ref.Key()]
	return ok
}

func (cache *stubCache) balance(test *testing.T, ref AccountRef) decimal.Decimal {
	test.Helper()
	cache.mu.Lock()
	defer cache.mu.Unlock()
	value, ok := cache.balances[ref.Key()]
	if !ok {
		test.Fatalf("expected cached balance for %s", ref)
	}
	return value
}

type stubLedger struct {
	mu           sync.Mutex
	accounts     map[string]Account
	transactions []Transaction
	insertErr    error
	setErr       error
	setCalls     int
}

func newStubLedger() *stubLedger {
	return &stubLedger{accounts: map[string]Account{}}
}

func (ledger *stubLedger) put(account Account) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.accounts[account.Ref.Key()] = account
}

func (ledger *stubLedger) account(test *testing.T, ref AccountRef) Account {
	test.Helper()
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	account, ok := ledger.accounts[ref.Key()]
	if !ok {
		test.Fatalf("expected ledger account %s", ref)
	}
	return account
}

func (ledger *stubLedger) WithTx(ctx context.Context, fn func(ctx context.Context, txLedger Ledger) error) error {
	ledger.mu.Lock()
	accounts := make(map[string]Account, len(ledger.accounts))
	for key, account := range ledger.accounts {
		accounts[key] = account
	}
	transactions := append([]Transaction(nil), ledger.transactions...)
	ledger.mu.Unlock()
	if err := fn(ctx, ledger); err != nil {
		ledger.mu.Lock()
		ledger.accounts = accounts
		ledger.transactions = transactions
		ledger.mu.Unlock()
		return err
	}
	return nil
}

func (ledger *stubLedger) CreateAccount(_ context.Context, account Account) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if _, exists := ledger.accounts[account.Ref.Key()]; exists {
		return ErrAccountExists
	}
	ledger.accounts[account.Ref.Key()] = account
	return nil
}

func (ledger *stubLedger) GetAccount(_ context.Context, ref AccountRef) (Account, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	account, ok := ledger.accounts[ref.Key()]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return account, nil
}

func (ledger *stubLedger) SetBalance(_ context.Context, ref AccountRef, value decimal.Decimal) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	ledger.setCalls++
	if ledger.setErr != nil {
		return ledger.setErr
	}
	account, ok := ledger.accounts[ref.Key()]
	if !ok {
		return ErrAccountNotFound
	}
	account.CreditsRemaining = value
	ledger.accounts[ref.Key()] = account
	return nil
}

func (ledger *stubLedger) DecrementBalance(_ context.Context, ref AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	account, ok := ledger.accounts[ref.Key()]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	if account.CreditsRemaining.LessThan(amount) {
		return decimal.Zero, ErrInsufficientCredits
	}
	account.CreditsRemaining = account.CreditsRemaining.Sub(amount)
	ledger.accounts[ref.Key()] = account
	return account.CreditsRemaining, nil
}

func (ledger *stubLedger) IncrementBalance(_ context.Context, ref AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	account, ok := ledger.accounts[ref.Key()]
	if !ok {
		return decimal.Zero, ErrAccountNotFound
	}
	account.CreditsRemaining = account.CreditsRemaining.Add(amount)
	ledger.accounts[ref.Key()] = account
	return account.CreditsRemaining, nil
}

func (ledger *stubLedger) InsertTransaction(_ context.Context, transaction Transaction) error {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	if ledger.insertErr != nil {
		return ledger.insertErr
	}
	ledger.transactions = append(ledger.transactions, transaction)
	return nil
}

func (ledger *stubLedger) ListTransactions(_ context.Context, ref AccountRef, offset int, limit int) ([]Transaction, int64, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	var matching []Transaction
	for index := len(ledger.transactions) - 1; index >= 0; index-- {
		if ledger.transactions[index].Account == ref {
			matching = append(matching, ledger.transactions[index])
		}
	}
	total := int64(len(matching))
	if offset >= len(matching) {
		return nil, total, nil
	}
	end := offset + limit
	if end > len(matching) {
		end = len(matching)
	}
	return matching[offset:end], total, nil
}

func (ledger *stubLedger) ListResetCandidates(context.Context, Scope, time.Time) ([]ResetCandidate, error) {
	return nil, nil
}

func (ledger *stubLedger) ApplyMonthlyReset(context.Context, AccountRef, decimal.Decimal, time.Time, time.Time) (bool, error) {
	return false, nil
}

func (ledger *stubLedger) ActiveTeamID(_ context.Context, userID AccountID) (AccountID, error) {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	account, ok := ledger.accounts[UserRef(userID).Key()]
	if !ok {
		return AccountID{}, ErrAccountNotFound
	}
	return account.ActiveTeamID, nil
}

func (ledger *stubLedger) transactionsFor(ref AccountRef) []Transaction {
	ledger.mu.Lock()
	defer ledger.mu.Unlock()
	var matching []Transaction
	for _, transaction := range ledger.transactions {
		if transaction.Account == ref {
			matching = append(matching, transaction)
		}
	}
	return matching
}

type recorderLogger struct {
	mu      sync.Mutex
	entries []OperationLog
}

func (logger *recorderLogger) LogOperation(_ context.Context, entry OperationLog) {
	logger.mu.Lock()
	defer logger.mu.Unlock()
	logger.entries = append(logger.entries, entry)
}

func mustAccountID(test *testing.T, raw string) AccountID {
	test.Helper()
	id, err := NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id %q: %v", raw, err)
	}
	return id
}

func mustDecimal(test *testing.T, raw string) decimal.Decimal {
	test.Helper()
	value, err := decimal.NewFromString(raw)
	if err != nil {
		test.Fatalf("decimal %q: %v", raw, err)
	}
	return value
}

func mustNewService(test *testing.T, cache FastStore, ledger Ledger, options ...ServiceOption) *Service {
	test.Helper()
	var sequence atomic.Int64
	generator := WithIDGenerator(func() string {
		return fmt.Sprintf("txn-%d", sequence.Add(1))
	})
	service, err := NewService(cache, ledger, fixedClock, append([]ServiceOption{generator}, options...)...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func seedUser(test *testing.T, ledger *stubLedger, raw string, credits string) AccountID {
	test.Helper()
	id := mustAccountID(test, raw)
	ledger.put(Account{
		Ref:              UserRef(id),
		CreditsRemaining: mustDecimal(test, credits),
		PlanType:         PlanFree,
		APIKeyPreference: PreferencePlatform,
	})
	return id
}

func assertDecimal(test *testing.T, label string, expected string, actual decimal.Decimal) {
	test.Helper()
	if !actual.Equal(decimal.RequireFromString(expected)) {
		test.Fatalf("%s: expected %s, got %s", label, expected, actual)
	}
}
