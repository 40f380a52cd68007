package activation

import "errors"

// Domain-level error values returned by the Coordinator.
var (
	ErrAlreadyActive         = errors.New("memory already active")
	ErrMemoryNotPending      = errors.New("memory not pending")
	ErrMemoryNotOwned        = errors.New("memory not owned by caller")
	ErrUnknownMemory         = errors.New("unknown memory")
	ErrNoFreeUnlockAvailable = errors.New("no free unlock available")
	ErrNoCheckoutSession     = errors.New("memory has no checkout session")
	ErrGatewayUnavailable    = errors.New("payment gateway not configured")
	ErrGatewayLookup         = errors.New("payment gateway lookup failed")
	ErrInvalidMemoryID       = errors.New("invalid memory id")
	ErrInvalidSessionRef     = errors.New("invalid session reference")
	ErrInvalidConfig         = errors.New("invalid activation config")
)
