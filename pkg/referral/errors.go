package referral

import "errors"

// Domain-level error values returned by the referral components.
var (
	ErrInvalidCode         = errors.New("invalid referral code")
	ErrSelfReferral        = errors.New("self referral")
	ErrAlreadyLinked       = errors.New("referrer already linked")
	ErrAlreadyClaimed      = errors.New("conversions already claimed")
	ErrAlreadyProcessed    = errors.New("claim already processed")
	ErrNoPendingClaims     = errors.New("no pending claims")
	ErrUnknownAccount      = errors.New("unknown referral account")
	ErrUnknownClaim        = errors.New("unknown claim")
	ErrAccountExists       = errors.New("referral account exists")
	ErrDuplicateCode       = errors.New("duplicate referral code")
	ErrDuplicateConversion = errors.New("duplicate conversion")
	ErrCodeSpaceExhausted  = errors.New("referral code generation exhausted")
	ErrInvalidDecision     = errors.New("invalid claim decision")
	ErrInvalidPayout       = errors.New("invalid payout method")
	ErrInvalidConfig       = errors.New("invalid referral config")
)
