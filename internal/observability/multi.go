package observability

import (
	"context"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// MultiLogger fans an operation out to several loggers in order.
type MultiLogger []ledger.OperationLogger

// NewMultiLogger drops nil loggers.
func NewMultiLogger(loggers ...ledger.OperationLogger) MultiLogger {
	multi := make(MultiLogger, 0, len(loggers))
	for _, logger := range loggers {
		if logger != nil {
			multi = append(multi, logger)
		}
	}
	return multi
}

// LogOperation implements ledger.OperationLogger.
func (multi MultiLogger) LogOperation(ctx context.Context, entry ledger.OperationLog) {
	for _, logger := range multi {
		logger.LogOperation(ctx, entry)
	}
}
