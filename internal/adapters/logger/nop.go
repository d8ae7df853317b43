package logger

import "context"

// NopLogger discards everything. Backtests and optimizer runs use it to keep
// tight loops quiet.
type NopLogger struct{}

// NewNop returns a logger that discards all messages.
func NewNop() NopLogger { return NopLogger{} }

func (NopLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (NopLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (NopLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (NopLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}
