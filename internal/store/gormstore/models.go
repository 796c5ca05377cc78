package gormstore

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table: one row per user or team.
type CreditAccount struct {
	Scope            string          `gorm:"primaryKey;size:16"`
	AccountID        string          `gorm:"primaryKey;size:191"`
	PlanType         string          `gorm:"size:32;not null;default:free"`
	APIKeyPreference string          `gorm:"column:api_key_preference;size:32;not null;default:''"`
	CreditsRemaining decimal.Decimal `gorm:"type:numeric(14,4);not null;default:0"`
	LastCreditReset  *time.Time      `gorm:"index:idx_credit_accounts_reset"`
	OwnerUserID      *string         `gorm:"size:191;index:idx_credit_accounts_owner"`
	ActiveTeamID     *string         `gorm:"size:191"`
	CreatedAt        time.Time       `gorm:"not null"`
	UpdatedAt        time.Time       `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	TransactionID string          `gorm:"type:uuid;primaryKey"`
	Scope         string          `gorm:"size:16;not null;index:idx_credit_transactions_account_created,priority:1"`
	AccountID     string          `gorm:"size:191;not null;index:idx_credit_transactions_account_created,priority:2"`
	Type          string          `gorm:"size:16;not null"`
	CreditsAmount decimal.Decimal `gorm:"type:numeric(14,4);not null"`
	Operation     string          `gorm:"size:64;not null;default:''"`
	Description   string          `gorm:"not null;default:''"`
	Metadata      datatypes.JSON  `gorm:"type:jsonb;not null"`
	BalanceAfter  decimal.Decimal `gorm:"type:numeric(14,4);not null"`
	CreatedAt     time.Time       `gorm:"not null;index:idx_credit_transactions_account_created,priority:3"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.NewString()
	}
	return nil
}

// Models lists every table the store owns, in migration order.
func Models() []interface{} {
	return []interface{}{&CreditAccount{}, &CreditTransaction{}}
}
