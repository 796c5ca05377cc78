// Package oplog adapts credits.OperationLogger to zap.
package oplog

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/creditledger/pkg/credits"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes one structured line per credit operation.
type Logger struct {
	logger *zap.Logger
}

// New returns a Logger; a nil zap logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("credits")}
}

// LogOperation logs successes and expected refusals at info, other failures at error.
func (adapter *Logger) LogOperation(_ context.Context, entry credits.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.Account.ID.IsZero() {
		fields = append(fields, zap.String("account", entry.Account.Key()))
	}
	if !entry.ActingUserID.IsZero() {
		fields = append(fields, zap.String("acting_user_id", entry.ActingUserID.String()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.Error == nil || !entry.Remaining.IsZero() {
		fields = append(fields, zap.String("remaining", entry.Remaining.String()))
	}
	if entry.TransactionID != "" {
		fields = append(fields, zap.String("transaction_id", entry.TransactionID))
	}
	level := zapcore.InfoLevel
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if !errors.Is(entry.Error, credits.ErrInsufficientCredits) {
			level = zapcore.ErrorLevel
		}
	}
	if checked := adapter.logger.Check(level, "credit operation"); checked != nil {
		checked.Write(fields...)
	}
}

var _ credits.OperationLogger = (*Logger)(nil)
