package gormstore

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/glebarez/sqlite"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestStore(test *testing.T) *Store {
	test.Helper()
	db, err := gorm.Open(sqlite.Open(test.TempDir()+"/credits.db"), &gorm.Config{Logger: logger.Discard})
	if err != nil {
		test.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		test.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	test.Cleanup(func() { _ = sqlDB.Close() })
	if err := Migrate(context.Background(), db); err != nil {
		test.Fatalf("migrate: %v", err)
	}
	return New(db)
}

func mustID(test *testing.T, raw string) credits.AccountID {
	test.Helper()
	id, err := credits.NewAccountID(raw)
	if err != nil {
		test.Fatalf("account id: %v", err)
	}
	return id
}

func mustCreate(test *testing.T, store *Store, account credits.Account) {
	test.Helper()
	if err := store.CreateAccount(context.Background(), account); err != nil {
		test.Fatalf("create account %s: %v", account.Ref, err)
	}
}

func assertDecimal(test *testing.T, label string, expected string, actual decimal.Decimal) {
	test.Helper()
	if !actual.Equal(decimal.RequireFromString(expected)) {
		test.Fatalf("%s: expected %s, got %s", label, expected, actual)
	}
}

func TestCreateAndGetAccount(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	ownerID := mustID(test, "owner-1")
	teamID := mustID(test, "team-1")
	mustCreate(test, store, credits.Account{
		Ref:              credits.UserRef(ownerID),
		CreditsRemaining: decimal.RequireFromString("12.5"),
		PlanType:         credits.PlanPro,
		APIKeyPreference: credits.PreferenceBYOK,
	})
	mustCreate(test, store, credits.Account{Ref: credits.TeamRef(teamID), PlanType: credits.PlanFree, OwnerUserID: ownerID})

	account, err := store.GetAccount(ctx, credits.UserRef(ownerID))
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	assertDecimal(test, "balance", "12.5", account.CreditsRemaining)
	if account.PlanType != credits.PlanPro || account.APIKeyPreference != credits.PreferenceBYOK || account.LastCreditReset != nil {
		test.Fatalf("unexpected account: %+v", account)
	}
	team, err := store.GetAccount(ctx, credits.TeamRef(teamID))
	if err != nil {
		test.Fatalf("get team: %v", err)
	}
	if team.OwnerUserID != ownerID {
		test.Fatalf("expected owner %s, got %s", ownerID, team.OwnerUserID)
	}

	err = store.CreateAccount(ctx, credits.Account{Ref: credits.UserRef(ownerID), PlanType: credits.PlanFree})
	if !errors.Is(err, credits.ErrAccountExists) {
		test.Fatalf("expected ErrAccountExists, got %v", err)
	}
	_, err = store.GetAccount(ctx, credits.UserRef(teamID))
	if !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound for the same id in another scope, got %v", err)
	}
}

func TestBalanceUpdates(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	ref := credits.TeamRef(mustID(test, "team-balance"))
	mustCreate(test, store, credits.Account{Ref: ref, PlanType: credits.PlanFree, OwnerUserID: mustID(test, "owner"), CreditsRemaining: decimal.NewFromInt(10)})

	remaining, err := store.DecrementBalance(ctx, ref, decimal.NewFromInt(3))
	if err != nil {
		test.Fatalf("decrement: %v", err)
	}
	assertDecimal(test, "after decrement", "7", remaining)

	_, err = store.DecrementBalance(ctx, ref, decimal.NewFromInt(8))
	if !errors.Is(err, credits.ErrInsufficientCredits) {
		test.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	remaining, err = store.IncrementBalance(ctx, ref, decimal.RequireFromString("1.5"))
	if err != nil {
		test.Fatalf("increment: %v", err)
	}
	assertDecimal(test, "after increment", "8.5", remaining)

	if err := store.SetBalance(ctx, ref, decimal.NewFromInt(42)); err != nil {
		test.Fatalf("set balance: %v", err)
	}
	account, err := store.GetAccount(ctx, ref)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	assertDecimal(test, "after set", "42", account.CreditsRemaining)

	missing := credits.UserRef(mustID(test, "missing"))
	if err := store.SetBalance(ctx, missing, decimal.NewFromInt(1)); !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if _, err := store.DecrementBalance(ctx, missing, decimal.NewFromInt(1)); !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
	if err := store.SetBalance(ctx, ref, decimal.NewFromInt(-1)); !errors.Is(err, credits.ErrInvalidBalance) {
		test.Fatalf("expected ErrInvalidBalance, got %v", err)
	}
}

func TestWithTxRollsBack(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	ref := credits.TeamRef(mustID(test, "team-tx"))
	mustCreate(test, store, credits.Account{Ref: ref, PlanType: credits.PlanFree, OwnerUserID: mustID(test, "owner"), CreditsRemaining: decimal.NewFromInt(10)})
	boom := errors.New("boom")

	err := store.WithTx(ctx, func(ctx context.Context, txLedger credits.Ledger) error {
		if _, err := txLedger.GetAccount(ctx, ref); err != nil {
			return err
		}
		if _, err := txLedger.DecrementBalance(ctx, ref, decimal.NewFromInt(4)); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		test.Fatalf("expected boom, got %v", err)
	}
	account, err := store.GetAccount(ctx, ref)
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	assertDecimal(test, "balance", "10", account.CreditsRemaining)
}

func TestTransactionsArePagedNewestFirst(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	ref := credits.UserRef(mustID(test, "user-history"))
	mustCreate(test, store, credits.Account{Ref: ref, PlanType: credits.PlanFree})
	other := credits.TeamRef(ref.ID)
	base := time.Date(2025, time.January, 5, 10, 0, 0, 0, time.UTC)
	metadata, err := credits.NewMetadataJSON(`{"operation":"twitter_post"}`)
	if err != nil {
		test.Fatalf("metadata: %v", err)
	}

	for index := 0; index < 5; index++ {
		transaction := credits.Transaction{
			ID:            fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", index),
			Account:       ref,
			Type:          credits.TransactionUsage,
			CreditsAmount: decimal.NewFromInt(1),
			Operation:     credits.OperationTwitterPost,
			Description:   "post",
			Metadata:      metadata,
			BalanceAfter:  decimal.NewFromInt(int64(10 - index)),
			CreatedAt:     base.Add(time.Duration(index) * time.Minute),
		}
		if err := store.InsertTransaction(ctx, transaction); err != nil {
			test.Fatalf("insert: %v", err)
		}
	}
	if err := store.InsertTransaction(ctx, credits.Transaction{
		ID:            "10000000-0000-0000-0000-000000000000",
		Account:       other,
		Type:          credits.TransactionPurchase,
		CreditsAmount: decimal.NewFromInt(5),
		BalanceAfter:  decimal.NewFromInt(5),
		CreatedAt:     base,
	}); err != nil {
		test.Fatalf("insert other: %v", err)
	}

	page, total, err := store.ListTransactions(ctx, ref, 1, 2)
	if err != nil {
		test.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 {
		test.Fatalf("expected total 5 and 2 rows, got %d and %d", total, len(page))
	}
	if page[0].ID != "00000000-0000-0000-0000-000000000003" || page[1].ID != "00000000-0000-0000-0000-000000000002" {
		test.Fatalf("unexpected order: %s, %s", page[0].ID, page[1].ID)
	}
	first := page[0]
	if first.Type != credits.TransactionUsage || first.Operation != credits.OperationTwitterPost || first.Metadata.String() != `{"operation":"twitter_post"}` {
		test.Fatalf("unexpected mapped transaction: %+v", first)
	}
	assertDecimal(test, "balance after", "7", first.BalanceAfter)
	if !first.CreatedAt.Equal(base.Add(3 * time.Minute)) {
		test.Fatalf("unexpected created at %s", first.CreatedAt)
	}
}

func TestMonthlyResetCandidatesAndWatermark(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	monthStart := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	lastMonth := time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)
	thisMonth := time.Date(2025, time.April, 1, 1, 0, 0, 0, time.UTC)

	ownerID := mustID(test, "owner-reset")
	mustCreate(test, store, credits.Account{Ref: credits.UserRef(ownerID), PlanType: credits.PlanPro, APIKeyPreference: credits.PreferenceBYOK})
	mustCreate(test, store, credits.Account{Ref: credits.UserRef(mustID(test, "user-current")), PlanType: credits.PlanFree, APIKeyPreference: credits.PreferencePlatform, LastCreditReset: &thisMonth})
	mustCreate(test, store, credits.Account{Ref: credits.UserRef(mustID(test, "user-stale")), PlanType: credits.PlanFree, APIKeyPreference: credits.PreferencePlatform, LastCreditReset: &lastMonth})
	mustCreate(test, store, credits.Account{Ref: credits.TeamRef(mustID(test, "team-reset")), PlanType: credits.PlanFree, OwnerUserID: ownerID})
	mustCreate(test, store, credits.Account{Ref: credits.TeamRef(mustID(test, "team-orphan")), PlanType: credits.PlanFree, OwnerUserID: mustID(test, "ghost")})

	users, err := store.ListResetCandidates(ctx, credits.ScopeUser, monthStart)
	if err != nil {
		test.Fatalf("list users: %v", err)
	}
	if len(users) != 2 || users[0].Ref.ID.String() != "owner-reset" || users[1].Ref.ID.String() != "user-stale" {
		test.Fatalf("unexpected user candidates: %+v", users)
	}
	teams, err := store.ListResetCandidates(ctx, credits.ScopeTeam, monthStart)
	if err != nil {
		test.Fatalf("list teams: %v", err)
	}
	if len(teams) != 1 {
		test.Fatalf("expected one team candidate, got %+v", teams)
	}
	if teams[0].PlanType != credits.PlanPro || teams[0].APIKeyPreference != credits.PreferenceBYOK {
		test.Fatalf("expected team to inherit owner tier, got %+v", teams[0])
	}

	resetAt := time.Date(2025, time.April, 1, 2, 0, 0, 0, time.UTC)
	applied, err := store.ApplyMonthlyReset(ctx, credits.UserRef(ownerID), decimal.NewFromInt(180), resetAt, monthStart)
	if err != nil || !applied {
		test.Fatalf("expected reset applied, got %t err=%v", applied, err)
	}
	applied, err = store.ApplyMonthlyReset(ctx, credits.UserRef(ownerID), decimal.NewFromInt(999), resetAt.Add(time.Hour), monthStart)
	if err != nil || applied {
		test.Fatalf("expected second reset to be a no-op, got %t err=%v", applied, err)
	}
	account, err := store.GetAccount(ctx, credits.UserRef(ownerID))
	if err != nil {
		test.Fatalf("get account: %v", err)
	}
	assertDecimal(test, "balance", "180", account.CreditsRemaining)
	if account.LastCreditReset == nil || !account.LastCreditReset.Equal(resetAt) {
		test.Fatalf("expected watermark %s, got %v", resetAt, account.LastCreditReset)
	}
}

func TestActiveTeam(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustID(test, "user-team")
	teamID := mustID(test, "team-active")
	mustCreate(test, store, credits.Account{Ref: credits.UserRef(userID), PlanType: credits.PlanFree})

	active, err := store.ActiveTeamID(ctx, userID)
	if err != nil || !active.IsZero() {
		test.Fatalf("expected no active team, got %q err=%v", active, err)
	}
	if err := store.SetActiveTeam(ctx, userID, teamID); err != nil {
		test.Fatalf("set active team: %v", err)
	}
	active, err = store.ActiveTeamID(ctx, userID)
	if err != nil || active != teamID {
		test.Fatalf("expected %s, got %q err=%v", teamID, active, err)
	}
	if err := store.SetActiveTeam(ctx, userID, credits.AccountID{}); err != nil {
		test.Fatalf("clear active team: %v", err)
	}
	active, err = store.ActiveTeamID(ctx, userID)
	if err != nil || !active.IsZero() {
		test.Fatalf("expected active team cleared, got %q err=%v", active, err)
	}
	if _, err := store.ActiveTeamID(ctx, mustID(test, "nobody")); !errors.Is(err, credits.ErrAccountNotFound) {
		test.Fatalf("expected ErrAccountNotFound, got %v", err)
	}
}

func TestTeamServiceOverSQLite(test *testing.T) {
	test.Parallel()
	store := newTestStore(test)
	ctx := context.Background()
	userID := mustID(test, "member")
	teamID := mustID(test, "team-sql")
	mustCreate(test, store, credits.Account{Ref: credits.UserRef(userID), PlanType: credits.PlanFree})
	mustCreate(test, store, credits.Account{Ref: credits.TeamRef(teamID), PlanType: credits.PlanFree, OwnerUserID: userID, CreditsRemaining: decimal.NewFromInt(10)})

	service, err := credits.NewService(downCache{}, store, time.Now)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	teamService, err := credits.NewTeamService(service)
	if err != nil {
		test.Fatalf("new team service: %v", err)
	}
	result, err := teamService.DeductCredits(ctx, credits.TeamDeductRequest{
		UserID:    userID,
		TeamID:    teamID,
		Amount:    decimal.NewNullDecimal(decimal.NewFromInt(3)),
		Operation: credits.OperationContentGeneration,
	})
	if err != nil {
		test.Fatalf("team deduct: %v", err)
	}
	assertDecimal(test, "remaining", "7", result.CreditsRemaining)
	_, total, err := store.ListTransactions(ctx, credits.TeamRef(teamID), 0, 10)
	if err != nil || total != 1 {
		test.Fatalf("expected one team transaction, got %d err=%v", total, err)
	}
}

// downCache fails every call.
type downCache struct{}

func (downCache) GetBalance(context.Context, credits.AccountRef) (decimal.Decimal, bool) {
	return decimal.Zero, false
}
func (downCache) SetBalance(context.Context, credits.AccountRef, decimal.Decimal) error {
	return credits.ErrStoreUnavailable
}
func (downCache) HasBalance(context.Context, credits.AccountRef) (bool, error) {
	return false, credits.ErrStoreUnavailable
}
func (downCache) SeedBalance(context.Context, credits.AccountRef, decimal.Decimal) error {
	return credits.ErrStoreUnavailable
}
func (downCache) IncrementBalance(context.Context, credits.AccountRef, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, credits.ErrStoreUnavailable
}
func (downCache) DecrementIfSufficient(context.Context, credits.AccountRef, decimal.Decimal) (decimal.Decimal, error) {
	return decimal.Zero, credits.ErrStoreUnavailable
}
func (downCache) MarkDirty(context.Context, credits.AccountRef) error {
	return credits.ErrStoreUnavailable
}
func (downCache) ListDirty(context.Context) ([]credits.AccountRef, error) {
	return nil, credits.ErrStoreUnavailable
}
func (downCache) ClearDirty(context.Context, credits.AccountRef) error {
	return credits.ErrStoreUnavailable
}
func (downCache) DirtyCount(context.Context) (int64, error) { return 0, credits.ErrStoreUnavailable }
func (downCache) Ping(context.Context) error                { return credits.ErrStoreUnavailable }
