package gormstore

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// CreditAccount mirrors the credit_accounts table.
type CreditAccount struct {
	UserID       string    `gorm:"primaryKey"`
	Balance      int64     `gorm:"not null;default:0;check:chk_credit_accounts_balance,balance >= 0"`
	TotalGranted int64     `gorm:"not null;default:0"`
	TotalSpent   int64     `gorm:"not null;default:0"`
	CreatedAt    time.Time `gorm:"not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

func (CreditAccount) TableName() string { return "credit_accounts" }

// CreditTransaction mirrors the append-only credit_transactions table.
type CreditTransaction struct {
	ID           string         `gorm:"type:uuid;primaryKey"`
	UserID       string         `gorm:"not null;index:idx_credit_transactions_user_created,priority:1"`
	Kind         string         `gorm:"not null;index:uniq_credit_transactions_kind_external_ref,unique,priority:1"`
	Amount       int64          `gorm:"not null"`
	BalanceAfter int64          `gorm:"not null"`
	ExternalRef  *string        `gorm:"index:uniq_credit_transactions_kind_external_ref,unique,priority:2"`
	SubjectRef   *string        `gorm:"index:idx_credit_transactions_subject_ref"`
	Description  string         `gorm:"not null;default:''"`
	Metadata     datatypes.JSON `gorm:"type:jsonb;not null"`
	CreatedAt    time.Time      `gorm:"not null;index:idx_credit_transactions_user_created,priority:2"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

func (transaction *CreditTransaction) BeforeCreate(tx *gorm.DB) error {
	if transaction.ID == "" {
		transaction.ID = uuid.NewString()
	}
	return nil
}

// ReferralAccount mirrors the referral_accounts table.
type ReferralAccount struct {
	UserID              string    `gorm:"primaryKey"`
	Code                string    `gorm:"not null;index:uniq_referral_accounts_code,unique"`
	ReferredBy          *string   `gorm:"index:idx_referral_accounts_referred_by"`
	DiscountUsed        bool      `gorm:"not null;default:false"`
	FreeUnlockUsed      bool      `gorm:"not null;default:false"`
	PaidConversionCount int64     `gorm:"not null;default:0"`
	PendingClaimCount   int64     `gorm:"not null;default:0;check:chk_referral_accounts_pending,pending_claim_count >= 0"`
	TotalClaimedCount   int64     `gorm:"not null;default:0"`
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

func (ReferralAccount) TableName() string { return "referral_accounts" }

// ReferralConversion mirrors the referral_conversions table. One row per referred user.
type ReferralConversion struct {
	ID          string     `gorm:"type:uuid;primaryKey"`
	ReferrerID  string     `gorm:"not null;index:idx_referral_conversions_referrer,priority:1"`
	ReferredID  string     `gorm:"not null;index:uniq_referral_conversions_referred_id,unique"`
	SubjectRef  string     `gorm:"not null;default:''"`
	ConvertedAt time.Time  `gorm:"not null;index:idx_referral_conversions_referrer,priority:3"`
	Claimed     bool       `gorm:"not null;default:false;index:idx_referral_conversions_referrer,priority:2"`
	ClaimedAt   *time.Time `gorm:""`
}

func (ReferralConversion) TableName() string { return "referral_conversions" }

// ReferralClaim mirrors the referral_claims table.
type ReferralClaim struct {
	ID            string     `gorm:"type:uuid;primaryKey"`
	UserID        string     `gorm:"not null;index:idx_referral_claims_user"`
	AmountCents   int64      `gorm:"not null"`
	PayoutMethod  string     `gorm:"not null"`
	PayoutDetails string     `gorm:"not null;default:''"`
	Status        string     `gorm:"not null;index:idx_referral_claims_status_created,priority:1"`
	AdminNote     string     `gorm:"not null;default:''"`
	ProcessedBy   string     `gorm:"not null;default:''"`
	CreatedAt     time.Time  `gorm:"not null;index:idx_referral_claims_status_created,priority:2"`
	ProcessedAt   *time.Time `gorm:""`
}

func (ReferralClaim) TableName() string { return "referral_claims" }

// Memory mirrors the payment columns of the memories table.
type Memory struct {
	ID                 string     `gorm:"primaryKey"`
	UserID             string     `gorm:"not null;index:idx_memories_user_status,priority:1"`
	Status             string     `gorm:"not null;default:'pending';index:idx_memories_user_status,priority:2"`
	ExternalSessionRef *string    `gorm:"index:idx_memories_session_ref"`
	ExternalPaymentRef *string    `gorm:""`
	UnlockMethod       *string    `gorm:""`
	PaidAt             *time.Time `gorm:""`
	CreatedAt          time.Time  `gorm:"not null"`
	UpdatedAt          time.Time  `gorm:"not null"`
}

func (Memory) TableName() string { return "memories" }

// Models lists every table for AutoMigrate.
func Models() []any {
	return []any{
		&CreditAccount{},
		&CreditTransaction{},
		&ReferralAccount{},
		&ReferralConversion{},
		&ReferralClaim{},
		&Memory{},
	}
}
