// Package zaplog adapts a zap logger to the credit.OperationLogger callback.
package zaplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credit"
	"go.uber.org/zap"
)

// OperationLogger forwards service operation callbacks to zap.
type OperationLogger struct {
	logger *zap.Logger
}

// NewOperationLogger returns an adapter writing to the given zap logger.
func NewOperationLogger(logger *zap.Logger) *OperationLogger {
	return &OperationLogger{logger: logger}
}

// LogOperation writes one structured line per operation. Failures log at
// warn so operators can alert on them without scraping error strings.
func (operationLogger *OperationLogger) LogOperation(_ context.Context, entry credit.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.AccountID != "" {
		fields = append(fields, zap.String("account_id", entry.AccountID))
	}
	if entry.TransferID != "" {
		fields = append(fields, zap.String("transfer_id", entry.TransferID))
	}
	if entry.UsageLogID != "" {
		fields = append(fields, zap.String("usage_log_id", entry.UsageLogID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_credits", entry.Amount))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		operationLogger.logger.Warn("credit operation failed", fields...)
		return
	}
	operationLogger.logger.Info("credit operation", fields...)
}
