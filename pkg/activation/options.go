package activation

import "github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"

const (
	operationActivatePayment    = "activation.activate_payment"
	operationActivateFreeUnlock = "activation.activate_free_unlock"
	operationMarkFailed         = "activation.mark_failed"
	operationRegisterCheckout   = "activation.register_checkout"
	operationOpenMemory         = "activation.open_memory"

	errorOperationCoordinator = "coordinator"
)

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithOperationLogger wires a logger that receives every state-changing operation.
func WithOperationLogger(logger ledger.OperationLogger) Option {
	return func(coordinator *Coordinator) {
		coordinator.logger = logger
	}
}

// WithPaymentGateway enables VerifyCheckout.
func WithPaymentGateway(gateway PaymentGateway) Option {
	return func(coordinator *Coordinator) {
		coordinator.gateway = gateway
	}
}
