package referral

import (
	"github.com/google/uuid"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

const (
	operationCreateAccount      = "referral.create_account"
	operationLinkCode           = "referral.link_code"
	operationRecordFirstPayment = "referral.record_first_payment"
	operationFileClaim          = "referral.file_claim"
	operationProcessClaim       = "referral.process_claim"

	defaultCodeAttempts     = 5
	defaultClaimAmountCents = 500
	defaultListLimit        = 50
	maxListLimit            = 200

	errorOperationRegistry = "registry"
	errorOperationTracker  = "tracker"
	errorOperationClaims   = "claims"
)

// Option configures Registry, Tracker and ClaimDesk.
type Option func(*settings)

type settings struct {
	logger           ledger.OperationLogger
	generateCode     func() (Code, error)
	codeAttempts     int
	claimAmountCents int64
	newID            func() string
}

func newSettings(options []Option) settings {
	resolved := settings{
		generateCode:     GenerateCode,
		codeAttempts:     defaultCodeAttempts,
		claimAmountCents: defaultClaimAmountCents,
		newID:            uuid.NewString,
	}
	for _, option := range options {
		if option != nil {
			option(&resolved)
		}
	}
	return resolved
}

// WithOperationLogger wires a logger that receives every state-changing operation.
func WithOperationLogger(logger ledger.OperationLogger) Option {
	return func(resolved *settings) {
		resolved.logger = logger
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(generate func() (Code, error)) Option {
	return func(resolved *settings) {
		if generate != nil {
			resolved.generateCode = generate
		}
	}
}

// WithCodeAttempts bounds code-collision retries in CreateAccount.
func WithCodeAttempts(attempts int) Option {
	return func(resolved *settings) {
		if attempts > 0 {
			resolved.codeAttempts = attempts
		}
	}
}

// WithClaimAmountCents sets the fixed payout value of a single claim.
func WithClaimAmountCents(amount int64) Option {
	return func(resolved *settings) {
		if amount > 0 {
			resolved.claimAmountCents = amount
		}
	}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
