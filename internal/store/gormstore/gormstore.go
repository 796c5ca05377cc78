package gormstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	defaultMetadataJSON   = "{}"
	pgUniqueViolationCode = "23505"
	sqliteConstraintCode  = 19
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "transaction"
	errorSubjectReset     = "reset"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeInsufficient = "insufficient"
)

// Store implements credits.Ledger using GORM.
type Store struct {
	db       *gorm.DB
	lockRows bool
	now      func() time.Time
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: time.Now}
}

// Migrate creates or updates the credit tables.
func Migrate(ctx context.Context, db *gorm.DB) error {
	return db.WithContext(ctx).AutoMigrate(Models()...)
}

// WithTx executes fn within a transaction. Account reads inside fn lock the row.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txLedger credits.Ledger) error) error {
	return store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction, lockRows: true, now: store.now})
	})
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) error {
	model := CreditAccount{
		Scope:            account.Ref.Scope.String(),
		AccountID:        account.Ref.ID.String(),
		PlanType:         account.PlanType.String(),
		APIKeyPreference: account.APIKeyPreference.String(),
		CreditsRemaining: account.CreditsRemaining,
		LastCreditReset:  account.LastCreditReset,
		OwnerUserID:      optionalID(account.OwnerUserID),
		ActiveTeamID:     optionalID(account.ActiveTeamID),
		CreatedAt:        account.CreatedAt,
		UpdatedAt:        account.UpdatedAt,
	}
	if model.CreatedAt.IsZero() {
		model.CreatedAt = store.now().UTC()
	}
	if model.UpdatedAt.IsZero() {
		model.UpdatedAt = model.CreatedAt
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreFailure(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	query := store.db.WithContext(ctx)
	if store.lockRows {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var model CreditAccount
	err := query.Where("scope = ? AND account_id = ?", ref.Scope.String(), ref.ID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreFailure(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) SetBalance(ctx context.Context, ref credits.AccountRef, value decimal.Decimal) error {
	if value.IsNegative() {
		return wrapStoreError(errorSubjectBalance, errorCodeInvalid, fmt.Errorf("%w: %s", credits.ErrInvalidBalance, value))
	}
	result := store.accountQuery(ctx, ref).Updates(map[string]interface{}{
		"credits_remaining": value,
		"updated_at":        store.now().UTC(),
	})
	if result.Error != nil {
		return wrapStoreFailure(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

// DecrementBalance subtracts amount only while the row still covers it.
func (store *Store) DecrementBalance(ctx context.Context, ref credits.AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	result := store.accountQuery(ctx, ref).
		Where("credits_remaining >= ?", amount).
		Updates(map[string]interface{}{
			"credits_remaining": gorm.Expr("credits_remaining - ?", amount),
			"updated_at":        store.now().UTC(),
		})
	if result.Error != nil {
		return decimal.Zero, wrapStoreFailure(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := store.GetAccount(ctx, ref); err != nil {
			return decimal.Zero, err
		}
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeInsufficient, credits.ErrInsufficientCredits)
	}
	return store.readBalance(ctx, ref)
}

func (store *Store) IncrementBalance(ctx context.Context, ref credits.AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	result := store.accountQuery(ctx, ref).Updates(map[string]interface{}{
		"credits_remaining": gorm.Expr("credits_remaining + ?", amount),
		"updated_at":        store.now().UTC(),
	})
	if result.Error != nil {
		return decimal.Zero, wrapStoreFailure(errorSubjectBalance, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return store.readBalance(ctx, ref)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	model := CreditTransaction{
		TransactionID: transaction.ID,
		Scope:         transaction.Account.Scope.String(),
		AccountID:     transaction.Account.ID.String(),
		Type:          transaction.Type.String(),
		CreditsAmount: transaction.CreditsAmount,
		Operation:     transaction.Operation,
		Description:   transaction.Description,
		Metadata:      datatypesJSON(transaction.Metadata.String()),
		BalanceAfter:  transaction.BalanceAfter,
		CreatedAt:     transaction.CreatedAt.UTC(),
	}
	if transaction.CreatedAt.IsZero() {
		model.CreatedAt = store.now().UTC()
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectEntry, errorCodeDuplicate, err)
	}
	if err != nil {
		return wrapStoreFailure(errorSubjectEntry, errorCodeInsert, err)
	}
	return nil
}

// ListTransactions returns a newest-first page and the total row count.
func (store *Store) ListTransactions(ctx context.Context, ref credits.AccountRef, offset int, limit int) ([]credits.Transaction, int64, error) {
	scoped := store.db.WithContext(ctx).
		Model(&CreditTransaction{}).
		Where("scope = ? AND account_id = ?", ref.Scope.String(), ref.ID.String())

	var total int64
	if err := scoped.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, wrapStoreFailure(errorSubjectEntry, errorCodeList, err)
	}
	var rows []CreditTransaction
	err := scoped.Session(&gorm.Session{}).
		Order("created_at DESC").
		Order("transaction_id DESC").
		Offset(offset).
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrapStoreFailure(errorSubjectEntry, errorCodeList, err)
	}
	transactions := make([]credits.Transaction, 0, len(rows))
	for _, row := range rows {
		transaction, err := mapTransaction(row)
		if err != nil {
			return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
		}
		transactions = append(transactions, transaction)
	}
	return transactions, total, nil
}

// ListResetCandidates returns accounts of scope whose watermark predates monthStart.
// Team rows carry their owner's plan and preference; teams without an owner row are skipped.
func (store *Store) ListResetCandidates(ctx context.Context, scope credits.Scope, monthStart time.Time) ([]credits.ResetCandidate, error) {
	var rows []resetRow
	query := store.db.WithContext(ctx)
	switch scope {
	case credits.ScopeUser:
		query = query.Table("credit_accounts AS a").
			Select("a.scope, a.account_id, a.plan_type, a.api_key_preference, a.last_credit_reset").
			Where("a.scope = ?", credits.ScopeUser.String())
	case credits.ScopeTeam:
		query = query.Table("credit_accounts AS a").
			Select("a.scope, a.account_id, o.plan_type, o.api_key_preference, a.last_credit_reset").
			Joins("JOIN credit_accounts AS o ON o.scope = ? AND o.account_id = a.owner_user_id", credits.ScopeUser.String()).
			Where("a.scope = ?", credits.ScopeTeam.String())
	default:
		return nil, wrapStoreError(errorSubjectReset, errorCodeInvalid, fmt.Errorf("%w: %q", credits.ErrInvalidScope, scope))
	}
	err := query.
		Where("(a.last_credit_reset IS NULL OR a.last_credit_reset < ?)", monthStart.UTC()).
		Order("a.account_id").
		Scan(&rows).Error
	if err != nil {
		return nil, wrapStoreFailure(errorSubjectReset, errorCodeList, err)
	}
	candidates := make([]credits.ResetCandidate, 0, len(rows))
	for _, row := range rows {
		candidate, err := row.candidate()
		if err != nil {
			return nil, wrapStoreError(errorSubjectReset, errorCodeInvalid, err)
		}
		candidates = append(candidates, candidate)
	}
	return candidates, nil
}

// ApplyMonthlyReset overwrites the balance unless the account was already
// reset at or after monthStart.
func (store *Store) ApplyMonthlyReset(ctx context.Context, ref credits.AccountRef, creditsValue decimal.Decimal, resetAt time.Time, monthStart time.Time) (bool, error) {
	result := store.accountQuery(ctx, ref).
		Where("(last_credit_reset IS NULL OR last_credit_reset < ?)", monthStart.UTC()).
		Updates(map[string]interface{}{
			"credits_remaining": creditsValue,
			"last_credit_reset": resetAt.UTC(),
			"updated_at":        resetAt.UTC(),
		})
	if result.Error != nil {
		return false, wrapStoreFailure(errorSubjectReset, errorCodeUpdate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ActiveTeamID(ctx context.Context, userID credits.AccountID) (credits.AccountID, error) {
	account, err := store.GetAccount(ctx, credits.UserRef(userID))
	if err != nil {
		return credits.AccountID{}, err
	}
	return account.ActiveTeamID, nil
}

// SetActiveTeam selects the team a user acts in; a zero teamID returns the user to personal scope.
func (store *Store) SetActiveTeam(ctx context.Context, userID credits.AccountID, teamID credits.AccountID) error {
	result := store.accountQuery(ctx, credits.UserRef(userID)).Updates(map[string]interface{}{
		"active_team_id": optionalID(teamID),
		"updated_at":     store.now().UTC(),
	})
	if result.Error != nil {
		return wrapStoreFailure(errorSubjectAccount, errorCodeUpdate, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func (store *Store) accountQuery(ctx context.Context, ref credits.AccountRef) *gorm.DB {
	return store.db.WithContext(ctx).
		Model(&CreditAccount{}).
		Where("scope = ? AND account_id = ?", ref.Scope.String(), ref.ID.String())
}

func (store *Store) readBalance(ctx context.Context, ref credits.AccountRef) (decimal.Decimal, error) {
	var row balanceRow
	err := store.accountQuery(ctx, ref).Select("credits_remaining").Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeGet, credits.ErrAccountNotFound)
		}
		return decimal.Zero, wrapStoreFailure(errorSubjectBalance, errorCodeGet, err)
	}
	return row.CreditsRemaining, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func wrapStoreFailure(subject string, code string, err error) error {
	return wrapStoreError(subject, code, fmt.Errorf("%w: %w", credits.ErrStoreUnavailable, err))
}

type balanceRow struct {
	CreditsRemaining decimal.Decimal
}

type resetRow struct {
	Scope            string
	AccountID        string
	PlanType         string
	APIKeyPreference string `gorm:"column:api_key_preference"`
	LastCreditReset  *time.Time
}

func (row resetRow) candidate() (credits.ResetCandidate, error) {
	ref, err := parseRef(row.Scope, row.AccountID)
	if err != nil {
		return credits.ResetCandidate{}, err
	}
	plan, err := credits.ParsePlanType(row.PlanType)
	if err != nil {
		return credits.ResetCandidate{}, err
	}
	preference, err := credits.ParseAPIKeyPreference(row.APIKeyPreference)
	if err != nil {
		return credits.ResetCandidate{}, err
	}
	return credits.ResetCandidate{Ref: ref, PlanType: plan, APIKeyPreference: preference, LastCreditReset: row.LastCreditReset}, nil
}

func parseRef(rawScope string, rawID string) (credits.AccountRef, error) {
	scope, err := credits.ParseScope(rawScope)
	if err != nil {
		return credits.AccountRef{}, err
	}
	id, err := credits.NewAccountID(rawID)
	if err != nil {
		return credits.AccountRef{}, err
	}
	return credits.AccountRef{Scope: scope, ID: id}, nil
}

func parseOptionalID(raw *string) (credits.AccountID, error) {
	if raw == nil || *raw == "" {
		return credits.AccountID{}, nil
	}
	return credits.NewAccountID(*raw)
}

func optionalID(id credits.AccountID) *string {
	if id.IsZero() {
		return nil
	}
	value := id.String()
	return &value
}

func mapAccount(model CreditAccount) (credits.Account, error) {
	ref, err := parseRef(model.Scope, model.AccountID)
	if err != nil {
		return credits.Account{}, err
	}
	plan, err := credits.ParsePlanType(model.PlanType)
	if err != nil {
		return credits.Account{}, err
	}
	preference, err := credits.ParseAPIKeyPreference(model.APIKeyPreference)
	if err != nil {
		return credits.Account{}, err
	}
	ownerID, err := parseOptionalID(model.OwnerUserID)
	if err != nil {
		return credits.Account{}, err
	}
	activeTeamID, err := parseOptionalID(model.ActiveTeamID)
	if err != nil {
		return credits.Account{}, err
	}
	return credits.Account{
		Ref:              ref,
		CreditsRemaining: model.CreditsRemaining,
		PlanType:         plan,
		APIKeyPreference: preference,
		LastCreditReset:  model.LastCreditReset,
		OwnerUserID:      ownerID,
		ActiveTeamID:     activeTeamID,
		CreatedAt:        model.CreatedAt,
		UpdatedAt:        model.UpdatedAt,
	}, nil
}

func mapTransaction(row CreditTransaction) (credits.Transaction, error) {
	ref, err := parseRef(row.Scope, row.AccountID)
	if err != nil {
		return credits.Transaction{}, err
	}
	transactionType, err := credits.ParseTransactionType(row.Type)
	if err != nil {
		return credits.Transaction{}, err
	}
	metadata, err := credits.NewMetadataJSON(string(row.Metadata))
	if err != nil {
		return credits.Transaction{}, err
	}
	return credits.Transaction{
		ID:            row.TransactionID,
		Account:       ref,
		Type:          transactionType,
		CreditsAmount: row.CreditsAmount,
		Operation:     row.Operation,
		Description:   row.Description,
		Metadata:      metadata,
		BalanceAfter:  row.BalanceAfter,
		CreatedAt:     row.CreatedAt,
	}, nil
}

func datatypesJSON(raw string) datatypes.JSON {
	if raw == "" {
		return datatypes.JSON([]byte(defaultMetadataJSON))
	}
	return datatypes.JSON([]byte(raw))
}

func isUniqueConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

var _ credits.Ledger = (*Store)(nil)
