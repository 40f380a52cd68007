package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by state-changing operations.
// The referral and activation packages report through the same contract.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	// Subject is the memory, claim or job the operation acted on.
	Subject   string
	Reference string
	Amount    Credits
	Balance   Credits
	// AmountCents carries money amounts, such as claim payouts, that are not credits.
	AmountCents int64
	// Outcome is a short machine-readable result such as "duplicate" or "already_active".
	Outcome string
	Status  string
	// RequiresReconciliation marks failures an operator must settle by hand.
	RequiresReconciliation bool
	Error                  error
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithDebitAttempts bounds how many times a conflicting debit is re-run.
func WithDebitAttempts(attempts int) ServiceOption {
	return func(service *Service) {
		if attempts > 0 {
			service.debitAttempts = attempts
		}
	}
}

// EmitOperation fills in the status and forwards the entry to logger when one is set.
func EmitOperation(ctx context.Context, logger OperationLogger, entry OperationLog) {
	if logger == nil {
		return
	}
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = OperationStatusError
		} else {
			entry.Status = OperationStatusOK
		}
	}
	logger.LogOperation(ctx, entry)
}
