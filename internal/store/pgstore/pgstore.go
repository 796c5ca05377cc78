package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolationCode = "23505"
	errorOperationStore   = "store"
	errorSubjectAccount   = "account"
	errorSubjectBalance   = "balance"
	errorSubjectEntry     = "transaction"
	errorSubjectReset     = "reset"
	errorSubjectTx        = "tx"
	errorCodeBegin        = "begin"
	errorCodeCommit       = "commit"
	errorCodeCreate       = "create"
	errorCodeDuplicate    = "duplicate"
	errorCodeGet          = "get"
	errorCodeInsert       = "insert"
	errorCodeInvalid      = "invalid"
	errorCodeList         = "list"
	errorCodeUpdate       = "update"
	errorCodeInsufficient = "insufficient"

	sqlSchema = `
		create table if not exists credit_accounts (
			scope varchar(16) not null,
			account_id varchar(191) not null,
			plan_type varchar(32) not null default 'free',
			api_key_preference varchar(32) not null default '',
			credits_remaining numeric(14,4) not null default 0,
			last_credit_reset timestamptz,
			owner_user_id varchar(191),
			active_team_id varchar(191),
			created_at timestamptz not null,
			updated_at timestamptz not null,
			primary key (scope, account_id)
		);
		create index if not exists idx_credit_accounts_reset on credit_accounts(last_credit_reset);
		create index if not exists idx_credit_accounts_owner on credit_accounts(owner_user_id);
		create table if not exists credit_transactions (
			transaction_id uuid primary key,
			scope varchar(16) not null,
			account_id varchar(191) not null,
			type varchar(16) not null,
			credits_amount numeric(14,4) not null,
			operation varchar(64) not null default '',
			description text not null default '',
			metadata jsonb not null default '{}'::jsonb,
			balance_after numeric(14,4) not null,
			created_at timestamptz not null
		);
		create index if not exists idx_credit_transactions_account_created
			on credit_transactions(scope, account_id, created_at);
	`

	sqlInsertAccount = `
		insert into credit_accounts(
			scope, account_id, plan_type, api_key_preference, credits_remaining,
			last_credit_reset, owner_user_id, active_team_id, created_at, updated_at
		)
		values($1, $2, $3, $4, $5::numeric, $6, nullif($7,''), nullif($8,''), $9, $9)
	`

	sqlSelectAccount = `
		select scope, account_id, plan_type, api_key_preference, credits_remaining::text,
			last_credit_reset, coalesce(owner_user_id,''), coalesce(active_team_id,''), created_at, updated_at
		from credit_accounts
		where scope = $1 and account_id = $2
	`

	sqlLockSuffix = ` for update`

	sqlSetBalance = `
		update credit_accounts set credits_remaining = $3::numeric, updated_at = $4
		where scope = $1 and account_id = $2
	`

	sqlDecrementBalance = `
		update credit_accounts set credits_remaining = credits_remaining - $3::numeric, updated_at = $4
		where scope = $1 and account_id = $2 and credits_remaining >= $3::numeric
		returning credits_remaining::text
	`

	sqlIncrementBalance = `
		update credit_accounts set credits_remaining = credits_remaining + $3::numeric, updated_at = $4
		where scope = $1 and account_id = $2
		returning credits_remaining::text
	`

	sqlInsertTransaction = `
		insert into credit_transactions(
			transaction_id, scope, account_id, type, credits_amount, operation,
			description, metadata, balance_after, created_at
		)
		values($1, $2, $3, $4, $5::numeric, $6, $7, coalesce(nullif($8,''),'{}')::jsonb, $9::numeric, $10)
	`

	sqlCountTransactions = `
		select count(*) from credit_transactions where scope = $1 and account_id = $2
	`

	sqlListTransactions = `
		select transaction_id::text, scope, account_id, type, credits_amount::text, operation,
			description, metadata::text, balance_after::text, created_at
		from credit_transactions
		where scope = $1 and account_id = $2
		order by created_at desc, transaction_id desc
		offset $3 limit $4
	`

	sqlListUserResetCandidates = `
		select a.scope, a.account_id, a.plan_type, a.api_key_preference, a.last_credit_reset
		from credit_accounts a
		where a.scope = 'user' and (a.last_credit_reset is null or a.last_credit_reset < $1)
		order by a.account_id
	`

	sqlListTeamResetCandidates = `
		select a.scope, a.account_id, o.plan_type, o.api_key_preference, a.last_credit_reset
		from credit_accounts a
		join credit_accounts o on o.scope = 'user' and o.account_id = a.owner_user_id
		where a.scope = 'team' and (a.last_credit_reset is null or a.last_credit_reset < $1)
		order by a.account_id
	`

	sqlApplyMonthlyReset = `
		update credit_accounts
		set credits_remaining = $3::numeric, last_credit_reset = $4, updated_at = $4
		where scope = $1 and account_id = $2
			and (last_credit_reset is null or last_credit_reset < $5)
	`

	sqlSetActiveTeam = `
		update credit_accounts set active_team_id = nullif($2,''), updated_at = $3
		where scope = 'user' and account_id = $1
	`
)

// querier is the subset shared by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements credits.Ledger using a pgx connection pool (autocommit).
type Store struct {
	pool *pgxpool.Pool
	db   querier
	now  func() time.Time
}

// TxStore implements credits.Ledger for an active transaction. Account reads lock the row.
type TxStore struct {
	Store
}

// New returns a Store backed by a pgx pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, db: pool, now: time.Now}
}

// EnsureSchema creates the credit tables when they do not exist yet.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, sqlSchema); err != nil {
		return fmt.Errorf("pgstore: ensure schema: %w", err)
	}
	return nil
}

func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txLedger credits.Ledger) error) error {
	tx, err := store.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return wrapStoreFailure(errorSubjectTx, errorCodeBegin, err)
	}
	transactionStore := &TxStore{Store: Store{pool: store.pool, db: tx, now: store.now}}
	if err := fn(ctx, transactionStore); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return wrapStoreFailure(errorSubjectTx, errorCodeCommit, err)
	}
	return nil
}

// WithTx on a TxStore joins the open transaction.
func (store *TxStore) WithTx(ctx context.Context, fn func(ctx context.Context, txLedger credits.Ledger) error) error {
	return fn(ctx, store)
}

func (store *TxStore) GetAccount(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	return store.getAccount(ctx, ref, sqlSelectAccount+sqlLockSuffix)
}

func (store *Store) CreateAccount(ctx context.Context, account credits.Account) error {
	createdAt := account.CreatedAt.UTC()
	if account.CreatedAt.IsZero() {
		createdAt = store.now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertAccount,
		account.Ref.Scope.String(),
		account.Ref.ID.String(),
		account.PlanType.String(),
		account.APIKeyPreference.String(),
		account.CreditsRemaining.String(),
		account.LastCreditReset,
		account.OwnerUserID.String(),
		account.ActiveTeamID.String(),
		createdAt,
	)
	if isUniqueConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeDuplicate, credits.ErrAccountExists)
	}
	if err != nil {
		return wrapStoreFailure(errorSubjectAccount, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetAccount(ctx context.Context, ref credits.AccountRef) (credits.Account, error) {
	return store.getAccount(ctx, ref, sqlSelectAccount)
}

func (store *Store) getAccount(ctx context.Context, ref credits.AccountRef, query string) (credits.Account, error) {
	var (
		scopeValue      string
		accountValue    string
		planValue       string
		preferenceValue string
		balanceValue    string
		lastReset       *time.Time
		ownerValue      string
		activeTeamValue string
		createdAt       time.Time
		updatedAt       time.Time
	)
	err := store.db.QueryRow(ctx, query, ref.Scope.String(), ref.ID.String()).Scan(
		&scopeValue,
		&accountValue,
		&planValue,
		&preferenceValue,
		&balanceValue,
		&lastReset,
		&ownerValue,
		&activeTeamValue,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, credits.ErrAccountNotFound)
		}
		return credits.Account{}, wrapStoreFailure(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := buildAccount(scopeValue, accountValue, planValue, preferenceValue, balanceValue, lastReset, ownerValue, activeTeamValue)
	if err != nil {
		return credits.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	account.CreatedAt = createdAt.UTC()
	account.UpdatedAt = updatedAt.UTC()
	return account, nil
}

func (store *Store) SetBalance(ctx context.Context, ref credits.AccountRef, value decimal.Decimal) error {
	if value.IsNegative() {
		return wrapStoreError(errorSubjectBalance, errorCodeInvalid, fmt.Errorf("%w: %s", credits.ErrInvalidBalance, value))
	}
	tag, err := store.db.Exec(ctx, sqlSetBalance, ref.Scope.String(), ref.ID.String(), value.String(), store.now().UTC())
	if err != nil {
		return wrapStoreFailure(errorSubjectBalance, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

// DecrementBalance subtracts amount only while the row still covers it.
func (store *Store) DecrementBalance(ctx context.Context, ref credits.AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	var balanceValue string
	err := store.db.QueryRow(ctx, sqlDecrementBalance, ref.Scope.String(), ref.ID.String(), amount.String(), store.now().UTC()).Scan(&balanceValue)
	if errors.Is(err, pgx.ErrNoRows) {
		if _, lookupErr := store.GetAccount(ctx, ref); lookupErr != nil {
			return decimal.Zero, lookupErr
		}
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeInsufficient, credits.ErrInsufficientCredits)
	}
	if err != nil {
		return decimal.Zero, wrapStoreFailure(errorSubjectBalance, errorCodeUpdate, err)
	}
	return parseDecimal(balanceValue)
}

func (store *Store) IncrementBalance(ctx context.Context, ref credits.AccountRef, amount decimal.Decimal) (decimal.Decimal, error) {
	var balanceValue string
	err := store.db.QueryRow(ctx, sqlIncrementBalance, ref.Scope.String(), ref.ID.String(), amount.String(), store.now().UTC()).Scan(&balanceValue)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	if err != nil {
		return decimal.Zero, wrapStoreFailure(errorSubjectBalance, errorCodeUpdate, err)
	}
	return parseDecimal(balanceValue)
}

func (store *Store) InsertTransaction(ctx context.Context, transaction credits.Transaction) error {
	transactionID := transaction.ID
	if transactionID == "" {
		transactionID = uuid.NewString()
	}
	createdAt := transaction.CreatedAt.UTC()
	if transaction.CreatedAt.IsZero() {
		createdAt = store.now().UTC()
	}
	_, err := store.db.Exec(ctx, sqlInsertTransaction,
		transactionID,
		transaction.Account.Scope.String(),
		transaction.Account.ID.String(),
		transaction.Type.String(),
		transaction.CreditsAmount.String(),
		transaction.Operation,
		transaction.Description,
		transaction.Metadata.String(),
		transaction.BalanceAfter.String(),
		createdAt,
	)
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
	var total int64
	if err := store.db.QueryRow(ctx, sqlCountTransactions, ref.Scope.String(), ref.ID.String()).Scan(&total); err != nil {
		return nil, 0, wrapStoreFailure(errorSubjectEntry, errorCodeList, err)
	}
	rows, err := store.db.Query(ctx, sqlListTransactions, ref.Scope.String(), ref.ID.String(), offset, limit)
	if err != nil {
		return nil, 0, wrapStoreFailure(errorSubjectEntry, errorCodeList, err)
	}
	defer rows.Close()
	transactions, err := scanTransactions(rows)
	if err != nil {
		return nil, 0, wrapStoreError(errorSubjectEntry, errorCodeInvalid, err)
	}
	return transactions, total, nil
}

func (store *Store) ListResetCandidates(ctx context.Context, scope credits.Scope, monthStart time.Time) ([]credits.ResetCandidate, error) {
	var query string
	switch scope {
	case credits.ScopeUser:
		query = sqlListUserResetCandidates
	case credits.ScopeTeam:
		query = sqlListTeamResetCandidates
	default:
		return nil, wrapStoreError(errorSubjectReset, errorCodeInvalid, fmt.Errorf("%w: %q", credits.ErrInvalidScope, scope))
	}
	rows, err := store.db.Query(ctx, query, monthStart.UTC())
	if err != nil {
		return nil, wrapStoreFailure(errorSubjectReset, errorCodeList, err)
	}
	defer rows.Close()
	candidates := make([]credits.ResetCandidate, 0, 32)
	for rows.Next() {
		var (
			scopeValue      string
			accountValue    string
			planValue       string
			preferenceValue string
			lastReset       *time.Time
		)
		if err := rows.Scan(&scopeValue, &accountValue, &planValue, &preferenceValue, &lastReset); err != nil {
			return nil, wrapStoreFailure(errorSubjectReset, errorCodeList, err)
		}
		account, err := buildAccount(scopeValue, accountValue, planValue, preferenceValue, "0", lastReset, "", "")
		if err != nil {
			return nil, wrapStoreError(errorSubjectReset, errorCodeInvalid, err)
		}
		candidates = append(candidates, credits.ResetCandidate{
			Ref:              account.Ref,
			PlanType:         account.PlanType,
			APIKeyPreference: account.APIKeyPreference,
			LastCreditReset:  account.LastCreditReset,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, wrapStoreFailure(errorSubjectReset, errorCodeList, err)
	}
	return candidates, nil
}

func (store *Store) ApplyMonthlyReset(ctx context.Context, ref credits.AccountRef, creditsValue decimal.Decimal, resetAt time.Time, monthStart time.Time) (bool, error) {
	tag, err := store.db.Exec(ctx, sqlApplyMonthlyReset,
		ref.Scope.String(),
		ref.ID.String(),
		creditsValue.String(),
		resetAt.UTC(),
		monthStart.UTC(),
	)
	if err != nil {
		return false, wrapStoreFailure(errorSubjectReset, errorCodeUpdate, err)
	}
	return tag.RowsAffected() > 0, nil
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
	tag, err := store.db.Exec(ctx, sqlSetActiveTeam, userID.String(), teamID.String(), store.now().UTC())
	if err != nil {
		return wrapStoreFailure(errorSubjectAccount, errorCodeUpdate, err)
	}
	if tag.RowsAffected() == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeUpdate, credits.ErrAccountNotFound)
	}
	return nil
}

func scanTransactions(rows pgx.Rows) ([]credits.Transaction, error) {
	transactions := make([]credits.Transaction, 0, 32)
	for rows.Next() {
		var (
			transactionID string
			scopeValue    string
			accountValue  string
			typeValue     string
			amountValue   string
			operation     string
			description   string
			metadataValue string
			balanceValue  string
			createdAt     time.Time
		)
		if err := rows.Scan(
			&transactionID,
			&scopeValue,
			&accountValue,
			&typeValue,
			&amountValue,
			&operation,
			&description,
			&metadataValue,
			&balanceValue,
			&createdAt,
		); err != nil {
			return nil, err
		}
		ref, err := parseRef(scopeValue, accountValue)
		if err != nil {
			return nil, err
		}
		transactionType, err := credits.ParseTransactionType(typeValue)
		if err != nil {
			return nil, err
		}
		amount, err := decimal.NewFromString(amountValue)
		if err != nil {
			return nil, err
		}
		balanceAfter, err := decimal.NewFromString(balanceValue)
		if err != nil {
			return nil, err
		}
		metadata, err := credits.NewMetadataJSON(metadataValue)
		if err != nil {
			return nil, err
		}
		transactions = append(transactions, credits.Transaction{
			ID:            transactionID,
			Account:       ref,
			Type:          transactionType,
			CreditsAmount: amount,
			Operation:     operation,
			Description:   description,
			Metadata:      metadata,
			BalanceAfter:  balanceAfter,
			CreatedAt:     createdAt.UTC(),
		})
	}
	return transactions, rows.Err()
}

func buildAccount(scopeValue, accountValue, planValue, preferenceValue, balanceValue string, lastReset *time.Time, ownerValue, activeTeamValue string) (credits.Account, error) {
	ref, err := parseRef(scopeValue, accountValue)
	if err != nil {
		return credits.Account{}, err
	}
	plan, err := credits.ParsePlanType(planValue)
	if err != nil {
		return credits.Account{}, err
	}
	preference, err := credits.ParseAPIKeyPreference(preferenceValue)
	if err != nil {
		return credits.Account{}, err
	}
	balance, err := decimal.NewFromString(balanceValue)
	if err != nil {
		return credits.Account{}, err
	}
	ownerID, err := parseOptionalID(ownerValue)
	if err != nil {
		return credits.Account{}, err
	}
	activeTeamID, err := parseOptionalID(activeTeamValue)
	if err != nil {
		return credits.Account{}, err
	}
	if lastReset != nil {
		utc := lastReset.UTC()
		lastReset = &utc
	}
	return credits.Account{
		Ref:              ref,
		CreditsRemaining: balance,
		PlanType:         plan,
		APIKeyPreference: preference,
		LastCreditReset:  lastReset,
		OwnerUserID:      ownerID,
		ActiveTeamID:     activeTeamID,
	}, nil
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

func parseOptionalID(raw string) (credits.AccountID, error) {
	if raw == "" {
		return credits.AccountID{}, nil
	}
	return credits.NewAccountID(raw)
}

func parseDecimal(raw string) (decimal.Decimal, error) {
	value, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, wrapStoreError(errorSubjectBalance, errorCodeInvalid, err)
	}
	return value, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return credits.WrapError(errorOperationStore, subject, code, err)
}

func wrapStoreFailure(subject string, code string, err error) error {
	return wrapStoreError(subject, code, fmt.Errorf("%w: %w", credits.ErrStoreUnavailable, err))
}

func isUniqueConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	return false
}

var (
	_ credits.Ledger = (*Store)(nil)
	_ credits.Ledger = (*TxStore)(nil)
)
