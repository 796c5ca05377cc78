package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OpenAccountRequest describes a new user or team account.
type OpenAccountRequest struct {
	Ref              AccountRef
	PlanType         PlanType
	APIKeyPreference APIKeyPreference
	OwnerUserID      AccountID
}

// TransactionPage is one page of an account history, newest first.
type TransactionPage struct {
	Transactions []Transaction
	Page         int
	Limit        int
	Total        int64
}

// OpenAccount creates an account with a zero balance.
func (service *Service) OpenAccount(ctx context.Context, request OpenAccountRequest) (Account, error) {
	if request.Ref.ID.IsZero() {
		return Account{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if _, err := ParseScope(request.Ref.Scope.String()); err != nil {
		return Account{}, err
	}
	if request.Ref.Scope == ScopeTeam && request.OwnerUserID.IsZero() {
		return Account{}, ErrTeamOwnerRequired
	}
	plan := request.PlanType
	if plan == "" {
		plan = PlanFree
	}
	if _, err := Tier(plan); err != nil {
		return Account{}, fmt.Errorf("%w: %q", ErrInvalidPlanType, plan)
	}
	now := service.nowFn().UTC()
	account := Account{
		Ref:              request.Ref,
		CreditsRemaining: decimal.Zero,
		PlanType:         plan,
		APIKeyPreference: request.APIKeyPreference,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if request.Ref.Scope == ScopeTeam {
		account.OwnerUserID = request.OwnerUserID
	}
	err := service.ledger.CreateAccount(ctx, account)
	if err == nil && request.Ref.Scope == ScopeUser {
		// A failed seed is repaired by the next read-through.
		_ = service.cache.SeedBalance(ctx, request.Ref, decimal.Zero)
	}
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationOpen,
		Account:   request.Ref,
		Error:     err,
	})
	if err != nil {
		return Account{}, err
	}
	return account, nil
}

// SyncUserToDatabase writes the cached personal balance into the Ledger,
// last writer wins. An absent cache key clears the flag and writes nothing.
func (service *Service) SyncUserToDatabase(ctx context.Context, userID AccountID) error {
	return service.SyncAccount(ctx, UserRef(userID))
}

// EmergencySync flushes one personal balance immediately.
func (service *Service) EmergencySync(ctx context.Context, userID AccountID) error {
	return service.SyncUserToDatabase(ctx, userID)
}

// SyncAccount writes the cached balance of any ref into the Ledger.
func (service *Service) SyncAccount(ctx context.Context, ref AccountRef) error {
	balance, operationError := service.syncAccount(ctx, ref)
	logOperation(ctx, service.logger, OperationLog{
		Operation: operationSync,
		Account:   ref,
		Remaining: balance,
		Error:     operationError,
	})
	return operationError
}

func (service *Service) syncAccount(ctx context.Context, ref AccountRef) (decimal.Decimal, error) {
	if err := service.cache.ClearDirty(ctx, ref); err != nil {
		return decimal.Zero, fmt.Errorf("%w: %w", ErrSyncFailure, err)
	}
	// The flag is cleared before the read so a concurrent mutation re-flags it.
	balance, ok := service.cache.GetBalance(ctx, ref)
	if !ok {
		present, err := service.cache.HasBalance(ctx, ref)
		if err != nil {
			return decimal.Zero, service.restoreDirty(ctx, ref, err)
		}
		if present {
			return decimal.Zero, service.restoreDirty(ctx, ref, fmt.Errorf("cached balance of %s could not be read", ref))
		}
		return decimal.Zero, nil
	}
	if err := service.ledger.SetBalance(ctx, ref, balance); err != nil {
		return balance, service.restoreDirty(ctx, ref, err)
	}
	return balance, nil
}

func (service *Service) restoreDirty(ctx context.Context, ref AccountRef, cause error) error {
	syncErr := fmt.Errorf("%w: %w", ErrSyncFailure, cause)
	if err := service.cache.MarkDirty(ctx, ref); err != nil {
		return errors.Join(syncErr, WrapError("cache", "dirty", "restore", err))
	}
	return syncErr
}

// TransactionHistory returns a page of an account history. Pages start at 1.
func (service *Service) TransactionHistory(ctx context.Context, ref AccountRef, page int, limit int) (TransactionPage, error) {
	if page < 1 {
		page = 1
	}
	switch {
	case limit <= 0:
		limit = defaultHistoryLimit
	case limit > maxHistoryLimit:
		limit = maxHistoryLimit
	}
	if _, err := service.ledger.GetAccount(ctx, ref); err != nil {
		return TransactionPage{}, err
	}
	transactions, total, err := service.ledger.ListTransactions(ctx, ref, (page-1)*limit, limit)
	if err != nil {
		return TransactionPage{}, err
	}
	return TransactionPage{Transactions: transactions, Page: page, Limit: limit, Total: total}, nil
}

// Now exposes the service clock to collaborators sharing it.
func (service *Service) Now() time.Time {
	return service.nowFn()
}

// Cache returns the FastStore the service writes through.
func (service *Service) Cache() FastStore {
	return service.cache
}

// Ledger returns the durable store behind the service.
func (service *Service) Ledger() Ledger {
	return service.ledger
}
