package referral

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// CodeAlphabet excludes the confusable characters 0, O, 1 and I.
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// CodeLength is the fixed length of every referral code.
const CodeLength = 8

// Code is a validated referral code.
type Code struct {
	value string
}

// NewCode normalizes raw to upper case and checks length and alphabet.
func NewCode(raw string) (Code, error) {
	normalized := strings.ToUpper(strings.TrimSpace(raw))
	if len(normalized) != CodeLength {
		return Code{}, fmt.Errorf("%w: must be %d characters", ErrInvalidCode, CodeLength)
	}
	for _, character := range normalized {
		if !strings.ContainsRune(CodeAlphabet, character) {
			return Code{}, fmt.Errorf("%w: unexpected character %q", ErrInvalidCode, character)
		}
	}
	return Code{value: normalized}, nil
}

// String returns the normalized code.
func (code Code) String() string {
	return code.value
}

// Account is the per-user referral state.
type Account struct {
	UserID              string
	Code                string
	ReferredBy          string
	DiscountUsed        bool
	FreeUnlockUsed      bool
	PaidConversionCount int64
	PendingClaimCount   int64
	TotalClaimedCount   int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// IsReferred reports whether another user referred this account.
func (account Account) IsReferred() bool {
	return account.ReferredBy != ""
}

// DiscountAvailable reports whether the one-time referred-user discount is still unused.
func (account Account) DiscountAvailable() bool {
	return account.IsReferred() && !account.DiscountUsed
}

// FreeUnlockAvailable reports whether the one-time free unlock is still unused.
func (account Account) FreeUnlockAvailable() bool {
	return account.IsReferred() && !account.FreeUnlockUsed
}

// Conversion records a referred user's first successful payment.
type Conversion struct {
	ID          string
	ReferrerID  string
	ReferredID  string
	SubjectRef  string
	ConvertedAt time.Time
	Claimed     bool
	ClaimedAt   *time.Time
}

// ConversionOutcome tells the caller what RecordFirstPayment did.
type ConversionOutcome string

const (
	OutcomeRecorded        ConversionOutcome = "recorded"
	OutcomeNotFirstPayment ConversionOutcome = "not_first_payment"
	OutcomeNotReferred     ConversionOutcome = "not_referred"
	OutcomeAlreadyRecorded ConversionOutcome = "already_recorded"
)

// ClaimStatus enumerates claim lifecycle states.
type ClaimStatus string

const (
	ClaimPending   ClaimStatus = "pending"
	ClaimCompleted ClaimStatus = "completed"
	ClaimRejected  ClaimStatus = "rejected"
)

// String returns the stored representation.
func (status ClaimStatus) String() string {
	return string(status)
}

// ParseClaimStatus validates a stored status value.
func ParseClaimStatus(raw string) (ClaimStatus, error) {
	switch ClaimStatus(raw) {
	case ClaimPending, ClaimCompleted, ClaimRejected:
		return ClaimStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidDecision, raw)
	}
}

// ParseDecision validates an operator decision. Only terminal statuses are decisions.
func ParseDecision(raw string) (ClaimStatus, error) {
	switch ClaimStatus(strings.ToLower(strings.TrimSpace(raw))) {
	case ClaimCompleted:
		return ClaimCompleted, nil
	case ClaimRejected:
		return ClaimRejected, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidDecision, raw)
	}
}

// Claim is a referrer's payout request.
type Claim struct {
	ID            string
	UserID        string
	AmountCents   int64
	PayoutMethod  string
	PayoutDetails string
	Status        ClaimStatus
	AdminNote     string
	ProcessedBy   string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
}

// ClaimReceipt is returned by FileClaim.
type ClaimReceipt struct {
	Claim                  Claim
	RemainingPendingClaims int64
}

// ClaimDecision is the conditional status write performed by ProcessClaim.
type ClaimDecision struct {
	ClaimID     string
	Status      ClaimStatus
	AdminNote   string
	ProcessedBy string
	ProcessedAt time.Time
}

// ClaimFilter narrows ListClaims. Zero values match everything.
type ClaimFilter struct {
	Status ClaimStatus
	UserID string
	Limit  int
}

// Summary is the referrer dashboard view.
type Summary struct {
	Account     Account
	SignupCount int64
	Conversions []Conversion
}

// Store is the persistence contract used by Registry, Tracker and ClaimDesk.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindAccount(ctx context.Context, userID ledger.UserID) (Account, bool, error)
	FindAccountByCode(ctx context.Context, code Code) (Account, bool, error)
	// InsertAccount fails with ErrDuplicateCode or ErrAccountExists on unique violations.
	InsertAccount(ctx context.Context, account Account) error
	// SetReferrer writes referred_by only while it is still null.
	SetReferrer(ctx context.Context, userID ledger.UserID, referrerID string, at time.Time) (bool, error)
	CountReferredBy(ctx context.Context, userID ledger.UserID) (int64, error)
	// InsertConversion fails with ErrDuplicateConversion when the referred user already converted.
	InsertConversion(ctx context.Context, conversion Conversion) error
	IncrementConversionCounters(ctx context.Context, referrerID string, at time.Time) (bool, error)
	MarkDiscountUsed(ctx context.Context, userID ledger.UserID, at time.Time) (bool, error)
	ListConversions(ctx context.Context, referrerID string, limit int) ([]Conversion, error)
	// ConsumePendingClaim moves one claim from pending to claimed while pending_claim_count > 0.
	ConsumePendingClaim(ctx context.Context, userID ledger.UserID, at time.Time) (bool, error)
	InsertClaim(ctx context.Context, claim Claim) error
	MarkOneConversionClaimed(ctx context.Context, referrerID string, at time.Time) (bool, error)
	// DecideClaim applies decision only while the claim is still pending.
	DecideClaim(ctx context.Context, decision ClaimDecision) (bool, error)
	FindClaim(ctx context.Context, claimID string) (Claim, bool, error)
	ListClaims(ctx context.Context, filter ClaimFilter) ([]Claim, error)
}

// PaymentHistory answers whether a user paid for something before subjectRef.
// Implementations order active memories by (paid_at, id), so of several
// memories activated at once exactly one has no earlier payment.
type PaymentHistory interface {
	CountActiveMemoriesBefore(ctx context.Context, userID ledger.UserID, subjectRef string) (int64, error)
}
