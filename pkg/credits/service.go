package credits

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Service manages personal balances: cache-first reads and writes with the
// Ledger holding the transaction log and, after sync, the authoritative balance.
type Service struct {
	cache  FastStore
	ledger Ledger
	nowFn  func() time.Time
	newID  func() string
	logger OperationLogger
}

// DeductRequest asks to charge an operation against a personal balance.
type DeductRequest struct {
	AccountID   AccountID
	Operation   string
	Description string
	// Cost overrides the operation cost table when valid.
	Cost decimal.NullDecimal
}

// DeductResult reports a successful deduction.
type DeductResult struct {
	CreditsDeducted  decimal.Decimal
	CreditsRemaining decimal.Decimal
	TransactionID    string
}

// AddRequest asks to credit a personal balance.
type AddRequest struct {
	AccountID   AccountID
	Amount      decimal.Decimal
	Type        TransactionType
	Description string
	Payment     *PaymentMetadata
}

// AddResult reports a successful credit.
type AddResult struct {
	CreditsAdded     decimal.Decimal
	CreditsRemaining decimal.Decimal
	TransactionID    string
}

// NewService wires a Service.
func NewService(cache FastStore, ledger Ledger, now func() time.Time, options ...ServiceOption) (*Service, error) {
	if cache == nil {
		return nil, fmt.Errorf("%w: cache dependency is nil", ErrInvalidServiceConfig)
	}
	if ledger == nil {
		return nil, fmt.Errorf("%w: ledger dependency is nil", ErrInvalidServiceConfig)
	}
	if now == nil {
		return nil, fmt.Errorf("%w: clock dependency is nil", ErrInvalidServiceConfig)
	}
	service := &Service{cache: cache, ledger: ledger, nowFn: now, newID: uuid.NewString}
	for _, option := range options {
		if option != nil {
			option(service)
		}
	}
	return service, nil
}

// GetBalance returns the personal balance, reading the cache first and
// resolving a miss against the Ledger.
func (service *Service) GetBalance(ctx context.Context, userID AccountID) (decimal.Decimal, error) {
	ref := UserRef(userID)
	if balance, ok := service.cache.GetBalance(ctx, ref); ok {
		return balance, nil
	}
	return service.backfill(ctx, ref)
}

// HasSufficientCredits reports whether the balance covers one run of operation.
func (service *Service) HasSufficientCredits(ctx context.Context, userID AccountID, operation string) (bool, error) {
	cost, err := OperationCost(operation)
	if err != nil {
		return false, err
	}
	balance, err := service.GetBalance(ctx, userID)
	if err != nil {
		return false, err
	}
	return balance.GreaterThanOrEqual(cost), nil
}

// DeductCredits charges an operation. The cache decrement is conditional and
// atomic; a shortfall leaves the balance untouched and writes no transaction.
func (service *Service) DeductCredits(ctx context.Context, request DeductRequest) (DeductResult, error) {
	ref := UserRef(request.AccountID)
	cost, err := ResolveCost(request.Operation, request.Cost)
	if err != nil {
		return DeductResult{}, err
	}
	result, operationError := service.deduct(ctx, ref, cost, request)
	logOperation(ctx, service.logger, OperationLog{
		Operation:     operationDeduct,
		Account:       ref,
		Amount:        cost,
		Remaining:     result.CreditsRemaining,
		TransactionID: result.TransactionID,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) deduct(ctx context.Context, ref AccountRef, cost decimal.Decimal, request DeductRequest) (DeductResult, error) {
	remaining, err := service.mutateCached(ctx, ref, func() (decimal.Decimal, error) {
		return service.cache.DecrementIfSufficient(ctx, ref, cost)
	})
	if err != nil {
		return DeductResult{}, err
	}
	if err := service.cache.MarkDirty(ctx, ref); err != nil {
		return DeductResult{}, service.compensate(ctx, ref, cost, err)
	}
	metadata, err := operationMetadata(request.Operation, AccountID{})
	if err != nil {
		return DeductResult{}, service.compensate(ctx, ref, cost, err)
	}
	transaction := Transaction{
		ID:            service.newID(),
		Account:       ref,
		Type:          TransactionUsage,
		CreditsAmount: cost,
		Operation:     request.Operation,
		Description:   usageDescription(request.Operation, request.Description),
		Metadata:      metadata,
		BalanceAfter:  remaining,
		CreatedAt:     service.nowFn().UTC(),
	}
	if err := service.ledger.InsertTransaction(ctx, transaction); err != nil {
		return DeductResult{}, service.compensate(ctx, ref, cost, err)
	}
	return DeductResult{
		CreditsDeducted:  cost,
		CreditsRemaining: remaining,
		TransactionID:    transaction.ID,
	}, nil
}

// AddCredits credits a personal balance and records a purchase, bonus, or refund.
func (service *Service) AddCredits(ctx context.Context, request AddRequest) (AddResult, error) {
	ref := UserRef(request.AccountID)
	amount, err := NewCreditAmount(request.Amount)
	if err != nil {
		return AddResult{}, err
	}
	transactionType, err := creditTransactionType(request.Type)
	if err != nil {
		return AddResult{}, err
	}
	metadata, err := paymentMetadataJSON(request.Payment)
	if err != nil {
		return AddResult{}, err
	}
	result, operationError := service.add(ctx, ref, amount, transactionType, request.Description, metadata)
	logOperation(ctx, service.logger, OperationLog{
		Operation:     operationAdd,
		Account:       ref,
		Amount:        amount,
		Remaining:     result.CreditsRemaining,
		TransactionID: result.TransactionID,
		Error:         operationError,
	})
	return result, operationError
}

func (service *Service) add(ctx context.Context, ref AccountRef, amount decimal.Decimal, transactionType TransactionType, description string, metadata MetadataJSON) (AddResult, error) {
	remaining, err := service.mutateCached(ctx, ref, func() (decimal.Decimal, error) {
		return service.cache.IncrementBalance(ctx, ref, amount)
	})
	if err != nil {
		return AddResult{}, err
	}
	if err := service.cache.MarkDirty(ctx, ref); err != nil {
		return AddResult{}, service.compensate(ctx, ref, amount.Neg(), err)
	}
	transaction := Transaction{
		ID:            service.newID(),
		Account:       ref,
		Type:          transactionType,
		CreditsAmount: amount,
		Description:   creditDescription(transactionType, amount, description),
		Metadata:      metadata,
		BalanceAfter:  remaining,
		CreatedAt:     service.nowFn().UTC(),
	}
	if err := service.ledger.InsertTransaction(ctx, transaction); err != nil {
		return AddResult{}, service.compensate(ctx, ref, amount.Neg(), err)
	}
	return AddResult{
		CreditsAdded:     amount,
		CreditsRemaining: remaining,
		TransactionID:    transaction.ID,
	}, nil
}

// mutateCached runs a cache mutation, loading the balance from the Ledger
// once if the cache has nothing for ref.
func (service *Service) mutateCached(ctx context.Context, ref AccountRef, mutate func() (decimal.Decimal, error)) (decimal.Decimal, error) {
	value, err := mutate()
	if !errors.Is(err, ErrCacheMiss) {
		return value, err
	}
	if _, err := service.backfill(ctx, ref); err != nil {
		return decimal.Zero, err
	}
	value, err = mutate()
	if errors.Is(err, ErrCacheMiss) {
		return decimal.Zero, WrapError("cache", "balance", "backfill_lost", fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
	}
	return value, err
}

// backfill loads the Ledger balance and seeds the cache without overwriting
// a value another request cached meanwhile.
func (service *Service) backfill(ctx context.Context, ref AccountRef) (decimal.Decimal, error) {
	account, err := service.ledger.GetAccount(ctx, ref)
	if err != nil {
		return decimal.Zero, err
	}
	if err := service.cache.SeedBalance(ctx, ref, account.CreditsRemaining); err != nil {
		return account.CreditsRemaining, nil
	}
	if cached, ok := service.cache.GetBalance(ctx, ref); ok {
		return cached, nil
	}
	return account.CreditsRemaining, nil
}

// compensate reverts a cache mutation whose follow-up step failed.
func (service *Service) compensate(ctx context.Context, ref AccountRef, refund decimal.Decimal, cause error) error {
	if _, err := service.cache.IncrementBalance(ctx, ref, refund); err != nil {
		return errors.Join(cause, WrapError("cache", "balance", "compensate", err))
	}
	return cause
}

func creditTransactionType(requested TransactionType) (TransactionType, error) {
	switch requested {
	case "":
		return TransactionPurchase, nil
	case TransactionPurchase, TransactionBonus, TransactionRefund:
		return requested, nil
	default:
		return "", fmt.Errorf("%w: %q cannot add credits", ErrInvalidTransactionType, requested)
	}
}

func usageDescription(operation string, description string) string {
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		return trimmed
	}
	return "Credits used for " + operation
}

func creditDescription(transactionType TransactionType, amount decimal.Decimal, description string) string {
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		return trimmed
	}
	return fmt.Sprintf("%s of %s credits", transactionType, amount.String())
}

func operationMetadata(operation string, actingUserID AccountID) (MetadataJSON, error) {
	fields := map[string]any{}
	if operation != "" {
		fields[metadataKeyOperation] = operation
	}
	if !actingUserID.IsZero() {
		fields[metadataKeyActingUser] = actingUserID.String()
	}
	return marshalMetadata(fields)
}

func paymentMetadataJSON(payment *PaymentMetadata) (MetadataJSON, error) {
	if payment == nil {
		return NewMetadataJSON("")
	}
	return marshalMetadata(map[string]any{"payment": payment})
}

func marshalMetadata(fields map[string]any) (MetadataJSON, error) {
	raw, err := json.Marshal(fields)
	if err != nil {
		return MetadataJSON{}, fmt.Errorf("%w: %v", ErrInvalidMetadataJSON, err)
	}
	return NewMetadataJSON(string(raw))
}
