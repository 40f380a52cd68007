// Package observability adapts ledger.OperationLogger onto zap and prometheus.
package observability

import (
	"context"

	"go.uber.org/zap"

	"github.com/MarkoPoloResearchLab/memoryledger/pkg/ledger"
)

// ZapLogger writes every operation as one structured zap entry.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZapLogger wraps logger. A nil logger yields a no-op logger.
func NewZapLogger(logger *zap.Logger) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapLogger{logger: logger}
}

// LogOperation implements ledger.OperationLogger.
func (zapLogger *ZapLogger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.UserID.IsZero() {
		fields = append(fields, zap.String("user_id", entry.UserID.String()))
	}
	if entry.Subject != "" {
		fields = append(fields, zap.String("subject", entry.Subject))
	}
	if entry.Reference != "" {
		fields = append(fields, zap.String("reference", entry.Reference))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount", entry.Amount.Int64()))
	}
	if entry.AmountCents != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.AmountCents))
	}
	if entry.Balance != 0 {
		fields = append(fields, zap.Int64("balance", entry.Balance.Int64()))
	}
	if entry.Outcome != "" {
		fields = append(fields, zap.String("outcome", entry.Outcome))
	}
	if entry.RequiresReconciliation {
		fields = append(fields, zap.Bool("requires_reconciliation", true))
	}
	switch {
	case entry.Error != nil && entry.RequiresReconciliation:
		zapLogger.logger.Error("operation failed", append(fields, zap.Error(entry.Error))...)
	case entry.Error != nil:
		zapLogger.logger.Warn("operation rejected", append(fields, zap.Error(entry.Error))...)
	case entry.RequiresReconciliation:
		zapLogger.logger.Error("operation needs reconciliation", fields...)
	default:
		zapLogger.logger.Info("operation", fields...)
	}
}
