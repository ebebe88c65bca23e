// Package oplog reports ledger operations to zap and Prometheus.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/genesis/internal/metrics"
	"github.com/MarkoPoloResearchLab/genesis/pkg/ledger"
	"go.uber.org/zap"
)

// Logger implements ledger.OperationLogger.
type Logger struct {
	logger   *zap.Logger
	recorder *metrics.Recorder
}

// New returns a Logger. Either dependency may be nil.
func New(logger *zap.Logger, recorder *metrics.Recorder) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger, recorder: recorder}
}

func (operationLogger *Logger) LogOperation(_ context.Context, entry ledger.OperationLog) {
	operationLogger.recorder.LedgerOperation(entry.Operation, entry.Status)
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.String("user_id", entry.UserID.String()),
		zap.Int64("amount", entry.Amount.Int64()),
		zap.Int64("balance", entry.Balance.Int64()),
		zap.String("idempotency_key", entry.IdempotencyKey.String()),
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("ledger operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("ledger operation", fields...)
}
