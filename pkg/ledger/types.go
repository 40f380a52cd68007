package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Credits is an integer amount of pre-paid credits.
type Credits int64

// Int64 exposes the raw integer value.
func (amount Credits) Int64() int64 {
	return int64(amount)
}

// NewPositiveCredits validates an amount and ensures it is strictly positive.
func NewPositiveCredits(raw int64) (Credits, error) {
	if raw <= 0 {
		return 0, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	return Credits(raw), nil
}

// UserID identifies an account owner.
type UserID struct {
	value string
}

// NewUserID validates and normalizes a user id.
func NewUserID(raw string) (UserID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return UserID{}, fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return UserID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id UserID) String() string {
	return id.value
}

// IsZero reports whether the id was never set.
func (id UserID) IsZero() bool {
	return id.value == ""
}

// ExternalRef is a payment-gateway reference used as a grant idempotency key.
type ExternalRef struct {
	value string
}

// NewExternalRef validates and normalizes an external reference.
func NewExternalRef(raw string) (ExternalRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return ExternalRef{}, fmt.Errorf("%w: empty value", ErrInvalidExternalRef)
	}
	return ExternalRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref ExternalRef) String() string {
	return ref.value
}

// SubjectRef names the generation job or memory a transaction is about.
type SubjectRef struct {
	value string
}

// NewSubjectRef validates and normalizes a subject reference.
func NewSubjectRef(raw string) (SubjectRef, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return SubjectRef{}, fmt.Errorf("%w: empty value", ErrInvalidSubjectRef)
	}
	return SubjectRef{value: trimmed}, nil
}

// String returns the normalized reference.
func (ref SubjectRef) String() string {
	return ref.value
}

// MetadataJSON stores arbitrary transaction metadata.
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

// TransactionKind enumerates ledger transaction kinds.
type TransactionKind string

const (
	KindGrant  TransactionKind = "grant"
	KindSpend  TransactionKind = "spend"
	KindRefund TransactionKind = "refund"
)

// String returns the stored representation.
func (kind TransactionKind) String() string {
	return string(kind)
}

// ParseTransactionKind validates a stored kind value.
func ParseTransactionKind(raw string) (TransactionKind, error) {
	switch TransactionKind(raw) {
	case KindGrant, KindSpend, KindRefund:
		return TransactionKind(raw), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidTransactionKind, raw)
	}
}

// Account is the derived balance view for one user.
type Account struct {
	UserID       string
	Balance      Credits
	TotalGranted Credits
	TotalSpent   Credits
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Transaction is a single immutable line in the ledger.
type Transaction struct {
	ID           string
	UserID       string
	Kind         TransactionKind
	Amount       int64
	BalanceAfter Credits
	ExternalRef  string
	SubjectRef   string
	Description  string
	Metadata     MetadataJSON
	CreatedAt    time.Time
}

// BalanceUpdate is a conditional write against an account row. It only
// applies while the stored balance still equals ExpectedBalance.
type BalanceUpdate struct {
	UserID          string
	ExpectedBalance Credits
	BalanceDelta    int64
	GrantedDelta    int64
	SpentDelta      int64
	UpdatedAt       time.Time
}

// NewBalance returns the balance the update writes.
func (update BalanceUpdate) NewBalance() Credits {
	return Credits(update.ExpectedBalance.Int64() + update.BalanceDelta)
}

// Receipt reports the outcome of a balance-changing operation.
type Receipt struct {
	TransactionID string
	Balance       Credits
	Duplicate     bool
}

// GrantRequest credits an account, typically after a completed purchase.
type GrantRequest struct {
	UserID      UserID
	Amount      Credits
	ExternalRef ExternalRef
	PackageRef  string
	Description string
}

// DebitRequest reserves the cost of a paid action before it starts.
type DebitRequest struct {
	UserID      UserID
	Amount      Credits
	SubjectRef  SubjectRef
	Description string
}

// RefundRequest returns credits taken by a debit whose job later failed.
type RefundRequest struct {
	UserID      UserID
	Amount      Credits
	SubjectRef  SubjectRef
	Description string
}

// Store is the persistence contract used by Service.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	EnsureAccount(ctx context.Context, userID UserID) (Account, error)
	FindGrant(ctx context.Context, externalRef ExternalRef) (Transaction, bool, error)
	CompareAndSwapBalance(ctx context.Context, update BalanceUpdate) (bool, error)
	InsertTransaction(ctx context.Context, transaction Transaction) error
	ListTransactions(ctx context.Context, userID UserID, before time.Time, limit int) ([]Transaction, error)
}
