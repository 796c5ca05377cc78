package credits

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// AccountID identifies a user or a team.
type AccountID struct {
	value string
}

// NewAccountID validates and normalizes an account id.
func NewAccountID(raw string) (AccountID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return AccountID{}, fmt.Errorf("%w: empty value", ErrInvalidAccountID)
	}
	if strings.Contains(trimmed, accountKeyDelimiter) {
		return AccountID{}, fmt.Errorf("%w: must not contain %q", ErrInvalidAccountID, accountKeyDelimiter)
	}
	return AccountID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id AccountID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id AccountID) IsZero() bool {
	return id.value == ""
}

// Scope tells whether credits belong to a person or to a team pool.
type Scope string

const (
	ScopeUser Scope = "user"
	ScopeTeam Scope = "team"
)

// ParseScope validates a scope string.
func ParseScope(raw string) (Scope, error) {
	switch Scope(strings.TrimSpace(raw)) {
	case ScopeUser:
		return ScopeUser, nil
	case ScopeTeam:
		return ScopeTeam, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, raw)
	}
}

func (scope Scope) String() string {
	return string(scope)
}

// AccountRef addresses one balance: an id within a scope.
type AccountRef struct {
	Scope Scope
	ID    AccountID
}

// UserRef addresses a personal balance.
func UserRef(id AccountID) AccountRef {
	return AccountRef{Scope: ScopeUser, ID: id}
}

// TeamRef addresses a team balance.
func TeamRef(id AccountID) AccountRef {
	return AccountRef{Scope: ScopeTeam, ID: id}
}

// Key renders the ref as "scope:id", the form used for cache keys and dirty-set members.
func (ref AccountRef) Key() string {
	return ref.Scope.String() + accountKeyDelimiter + ref.ID.String()
}

func (ref AccountRef) String() string {
	return ref.Key()
}

// ParseAccountKey is the inverse of AccountRef.Key.
func ParseAccountKey(raw string) (AccountRef, error) {
	scopeValue, idValue, found := strings.Cut(raw, accountKeyDelimiter)
	if !found {
		return AccountRef{}, fmt.Errorf("%w: %q", ErrInvalidAccountKey, raw)
	}
	scope, err := ParseScope(scopeValue)
	if err != nil {
		return AccountRef{}, fmt.Errorf("%w: %v", ErrInvalidAccountKey, err)
	}
	id, err := NewAccountID(idValue)
	if err != nil {
		return AccountRef{}, fmt.Errorf("%w: %v", ErrInvalidAccountKey, err)
	}
	return AccountRef{Scope: scope, ID: id}, nil
}

// PlanType is the subscription plan of an account.
type PlanType string

const (
	PlanFree       PlanType = "free"
	PlanPro        PlanType = "pro"
	PlanEnterprise PlanType = "enterprise"
)

// ParsePlanType validates a plan string.
func ParsePlanType(raw string) (PlanType, error) {
	switch PlanType(strings.ToLower(strings.TrimSpace(raw))) {
	case PlanFree:
		return PlanFree, nil
	case PlanPro:
		return PlanPro, nil
	case PlanEnterprise:
		return PlanEnterprise, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidPlanType, raw)
	}
}

func (plan PlanType) String() string {
	return string(plan)
}

// APIKeyPreference selects platform-provided keys or bring-your-own-key.
type APIKeyPreference string

const (
	PreferenceUnset    APIKeyPreference = ""
	PreferencePlatform APIKeyPreference = "platform"
	PreferenceBYOK     APIKeyPreference = "byok"
)

// ParseAPIKeyPreference validates a preference string; empty means unset.
func ParseAPIKeyPreference(raw string) (APIKeyPreference, error) {
	switch APIKeyPreference(strings.ToLower(strings.TrimSpace(raw))) {
	case PreferenceUnset:
		return PreferenceUnset, nil
	case PreferencePlatform:
		return PreferencePlatform, nil
	case PreferenceBYOK:
		return PreferenceBYOK, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAPIKeyPreference, raw)
	}
}

func (preference APIKeyPreference) String() string {
	return string(preference)
}

// IsSet reports whether the account has chosen a mode.
func (preference APIKeyPreference) IsSet() bool {
	return preference != PreferenceUnset
}

// Account is the durable balance row of a user or team.
type Account struct {
	Ref              AccountRef
	CreditsRemaining decimal.Decimal
	PlanType         PlanType
	APIKeyPreference APIKeyPreference
	LastCreditReset  *time.Time
	// OwnerUserID is set on team rows only.
	OwnerUserID AccountID
	// ActiveTeamID is set on user rows while the user works inside a team.
	ActiveTeamID AccountID
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// TransactionType enumerates credit transaction kinds.
type TransactionType string

const (
	TransactionPurchase TransactionType = "purchase"
	TransactionUsage    TransactionType = "usage"
	TransactionRefund   TransactionType = "refund"
	TransactionBonus    TransactionType = "bonus"
)

// ParseTransactionType validates a transaction type string.
func ParseTransactionType(raw string) (TransactionType, error) {
	switch TransactionType(strings.TrimSpace(raw)) {
	case TransactionPurchase:
		return TransactionPurchase, nil
	case TransactionUsage:
		return TransactionUsage, nil
	case TransactionRefund:
		return TransactionRefund, nil
	case TransactionBonus:
		return TransactionBonus, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionType, raw)
	}
}

func (transactionType TransactionType) String() string {
	return string(transactionType)
}

// MetadataJSON stores arbitrary audit metadata.
type MetadataJSON struct {
	value string
}

// NewMetadataJSON validates metadata string (defaulting to "{}" for empty inputs).
func NewMetadataJSON(raw string) (MetadataJSON, error) {
	normalized := strings.TrimSpace(raw)
	if normalized == "" {
		normalized = "{}"
	}
	if !json.Valid([]byte(normalized)) {
		return MetadataJSON{}, fmt.Errorf("%w: must be valid json", ErrInvalidMetadataJSON)
	}
	return MetadataJSON{value: normalized}, nil
}

// String returns the normalized JSON blob.
func (metadata MetadataJSON) String() string {
	if metadata.value == "" {
		return "{}"
	}
	return metadata.value
}

// PaymentMetadata carries gateway references recorded verbatim on purchases.
type PaymentMetadata struct {
	Gateway   string          `json:"gateway,omitempty"`
	OrderID   string          `json:"order_id,omitempty"`
	PaymentID string          `json:"payment_id,omitempty"`
	Signature string          `json:"signature,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency,omitempty"`
}

// Transaction is one immutable line of the credit history.
type Transaction struct {
	ID            string
	Account       AccountRef
	Type          TransactionType
	CreditsAmount decimal.Decimal
	Operation     string
	Description   string
	Metadata      MetadataJSON
	BalanceAfter  decimal.Decimal
	CreatedAt     time.Time
}

// ResetCandidate is an account due for its monthly reset, with the tier that applies to it.
type ResetCandidate struct {
	Ref              AccountRef
	PlanType         PlanType
	APIKeyPreference APIKeyPreference
	LastCreditReset  *time.Time
}

// FastStore is the low-latency balance cache.
//
// GetBalance never fails: an unreachable cache reads as a miss. Mutations
// report ErrStoreUnavailable and must not be assumed to have happened.
type FastStore interface {
	GetBalance(ctx context.Context, ref AccountRef) (decimal.Decimal, bool)
	SetBalance(ctx context.Context, ref AccountRef, value decimal.Decimal) error
	// HasBalance reports whether a balance is cached, unlike GetBalance it
	// returns the error when the cache cannot answer.
	HasBalance(ctx context.Context, ref AccountRef) (bool, error)
	// SeedBalance writes value only when no balance is cached.
	SeedBalance(ctx context.Context, ref AccountRef, value decimal.Decimal) error
	// IncrementBalance returns ErrCacheMiss when nothing is cached for ref.
	IncrementBalance(ctx context.Context, ref AccountRef, delta decimal.Decimal) (decimal.Decimal, error)
	// DecrementIfSufficient returns ErrCacheMiss or ErrInsufficientCredits without mutating.
	DecrementIfSufficient(ctx context.Context, ref AccountRef, cost decimal.Decimal) (decimal.Decimal, error)
	MarkDirty(ctx context.Context, ref AccountRef) error
	ListDirty(ctx context.Context) ([]AccountRef, error)
	ClearDirty(ctx context.Context, ref AccountRef) error
	DirtyCount(ctx context.Context) (int64, error)
	Ping(ctx context.Context) error
}

// Ledger is the durable store of balances and transactions.
type Ledger interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txLedger Ledger) error) error
	CreateAccount(ctx context.Context, account Account) error
	GetAccount(ctx context.Context, ref AccountRef) (Account, error)
	SetBalance(ctx context.Context, ref AccountRef, value decimal.Decimal) error
	// DecrementBalance subtracts amount only if the balance covers it.
	DecrementBalance(ctx context.Context, ref AccountRef, amount decimal.Decimal) (decimal.Decimal, error)
	IncrementBalance(ctx context.Context, ref AccountRef, amount decimal.Decimal) (decimal.Decimal, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, ref AccountRef, offset int, limit int) ([]Transaction, int64, error)
	ListResetCandidates(ctx context.Context, scope Scope, monthStart time.Time) ([]ResetCandidate, error)
	// ApplyMonthlyReset reports false when the watermark shows the account was already reset.
	ApplyMonthlyReset(ctx context.Context, ref AccountRef, credits decimal.Decimal, resetAt time.Time, monthStart time.Time) (bool, error)
	ActiveTeamID(ctx context.Context, userID AccountID) (AccountID, error)
}
