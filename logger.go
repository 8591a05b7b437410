package modkernel

// Logger defines the interface for kernel logging.
// The kernel uses structured logging with key-value pairs so that module
// lifecycle, scheduling and error events produce parseable output.
//
// The Logger interface uses variadic arguments in key-value pairs:
//
//	logger.Info("message", "key1", "value1", "key2", "value2")
//
// *slog.Logger satisfies the interface directly. The eventbus, sharedstate
// and configstore packages declare the same method set, so one logger can
// be shared by every component.
type Logger interface {
	// Info logs lifecycle transitions and other normal events.
	Info(msg string, args ...any)

	// Error logs failures such as module errors or handler panics.
	Error(msg string, args ...any)

	// Warn logs unusual conditions that do not stop operation, such as
	// a missing config section or a cycle overrun.
	Warn(msg string, args ...any)

	// Debug logs per-cycle detail, typically disabled in production.
	Debug(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Debug(string, ...any) {}

// NopLogger returns a Logger that discards everything.
func NopLogger() Logger { return noopLogger{} }

func loggerOrNop(l Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return l
}
