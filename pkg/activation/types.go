package activation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
	"github.com/MarkoPoloResearchLab/memoryledger/pkg/referral"
)

// MemoryID identifies a memory.
type MemoryID struct {
	value string
}

// NewMemoryID validates and normalizes a memory id.
func NewMemoryID(raw string) (MemoryID, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return MemoryID{}, fmt.Errorf("%w: empty value", ErrInvalidMemoryID)
	}
	return MemoryID{value: trimmed}, nil
}

// String returns the normalized identifier.
func (id MemoryID) String() string {
	return id.value
}

// Status is the payment state of a memory. Active is terminal.
type Status string

const (
	StatusPending Status = "pending"
	StatusActive  Status = "active"
	StatusFailed  Status = "failed"
)

// String returns the stored representation.
func (status Status) String() string {
	return string(status)
}

// ParseStatus validates a stored status value.
func ParseStatus(raw string) (Status, error) {
	switch Status(raw) {
	case StatusPending, StatusActive, StatusFailed:
		return Status(raw), nil
	default:
		return "", fmt.Errorf("unknown memory status %q", raw)
	}
}

// UnlockMethod records how a memory became active.
type UnlockMethod string

const (
	UnlockPayment    UnlockMethod = "payment"
	UnlockFreeUnlock UnlockMethod = "free_unlock"
)

// Memory is the subject under payment.
type Memory struct {
	ID                 string
	UserID             string
	Status             Status
	ExternalSessionRef string
	ExternalPaymentRef string
	UnlockMethod       UnlockMethod
	PaidAt             *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// PaymentConfirmation is a confirmed payment delivered by webhook or poll.
type PaymentConfirmation struct {
	MemoryID        MemoryID
	SessionRef      string
	PaymentRef      string
	PayerUserID     ledger.UserID
	DiscountApplied bool
}

// Activation reports the result of an activation attempt.
type Activation struct {
	Memory        Memory
	AlreadyActive bool
	Conversion    referral.ConversionOutcome
	// ConversionFailed marks an activation whose referral conversion must be
	// reconciled by an operator.
	ConversionFailed bool
}

// Transition reports the result of MarkFailed.
type Transition struct {
	Memory  Memory
	Changed bool
}

// MemoryActivation is the conditional write that moves a memory to active.
type MemoryActivation struct {
	MemoryID     MemoryID
	From         []Status
	SessionRef   string
	PaymentRef   string
	UnlockMethod UnlockMethod
	PaidAt       time.Time
}

// PaymentStatus is the gateway's view of a checkout session.
type PaymentStatus string

const (
	PaymentPaid    PaymentStatus = "paid"
	PaymentFailed  PaymentStatus = "failed"
	PaymentPending PaymentStatus = "pending"
)

// ParsePaymentStatus maps gateway wording onto PaymentStatus. Unknown values
// are treated as pending.
func ParsePaymentStatus(raw string) PaymentStatus {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid", "complete", "completed", "succeeded":
		return PaymentPaid
	case "failed", "expired", "canceled", "cancelled", "payment_failed":
		return PaymentFailed
	default:
		return PaymentPending
	}
}

// PaymentCallback is what the gateway reports for a session.
type PaymentCallback struct {
	MemoryID        string
	SessionRef      string
	PaymentRef      string
	PayerUserID     string
	Status          PaymentStatus
	DiscountApplied bool
}

// CallbackOutcome describes how a callback was routed.
type CallbackOutcome string

const (
	CallbackActivated     CallbackOutcome = "activated"
	CallbackAlreadyActive CallbackOutcome = "already_active"
	CallbackMarkedFailed  CallbackOutcome = "marked_failed"
	CallbackIgnored       CallbackOutcome = "ignored"
)

// CallbackResult is returned by HandlePaymentCallback and VerifyCheckout.
type CallbackResult struct {
	Outcome          CallbackOutcome
	Memory           Memory
	Conversion       referral.ConversionOutcome
	ConversionFailed bool
}

// Store is the persistence contract used by Coordinator.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	FindMemory(ctx context.Context, memoryID MemoryID) (Memory, bool, error)
	FindMemoryBySession(ctx context.Context, sessionRef string) (Memory, bool, error)
	// InsertMemory creates the memory unless one with the same id exists.
	InsertMemory(ctx context.Context, memory Memory) (bool, error)
	// ActivateMemory applies activation only while the status is one of activation.From.
	ActivateMemory(ctx context.Context, activation MemoryActivation) (bool, error)
	// MarkMemoryFailed moves a pending memory to failed.
	MarkMemoryFailed(ctx context.Context, memoryID MemoryID, at time.Time) (bool, error)
	// AttachCheckoutSession stores sessionRef and resets status to pending unless the memory is active.
	AttachCheckoutSession(ctx context.Context, memoryID MemoryID, sessionRef string, at time.Time) (bool, error)
	// ConsumeFreeUnlock flips free_unlock_used only for referred users that have not used it.
	ConsumeFreeUnlock(ctx context.Context, userID ledger.UserID, at time.Time) (bool, error)
}

// ConversionRecorder is satisfied by referral.Tracker.
type ConversionRecorder interface {
	RecordFirstPayment(ctx context.Context, referredUserID ledger.UserID, subjectRef string) (referral.ConversionOutcome, error)
}

// PaymentGateway is the checkout provider queried by the client poll.
type PaymentGateway interface {
	LookupSession(ctx context.Context, sessionRef string) (PaymentCallback, error)
}
