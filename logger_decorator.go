package modkernel

// LoggerDecorator is a Logger that wraps another one.
type LoggerDecorator interface {
	Logger
	Unwrap() Logger
}

// fieldLogger prepends fixed key/value pairs to every call.
type fieldLogger struct {
	inner  Logger
	fields []any
}

// WithFields returns a decorator that adds fields to each line of base.
// Decorating a fieldLogger flattens into one layer.
func WithFields(base Logger, fields ...any) LoggerDecorator {
	if fl, ok := base.(*fieldLogger); ok {
		return &fieldLogger{inner: fl.inner, fields: append(append([]any(nil), fl.fields...), fields...)}
	}
	return &fieldLogger{inner: loggerOrNop(base), fields: fields}
}

// NewModuleLogger scopes base to one module: every line carries
// module=<name>.
func NewModuleLogger(base Logger, moduleName string) Logger {
	return WithFields(base, "module", moduleName)
}

func (l *fieldLogger) Unwrap() Logger { return l.inner }

func (l *fieldLogger) with(args []any) []any {
	if len(l.fields) == 0 {
		return args
	}
	return append(append(make([]any, 0, len(l.fields)+len(args)), l.fields...), args...)
}

func (l *fieldLogger) Info(msg string, args ...any)  { l.inner.Info(msg, l.with(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.inner.Error(msg, l.with(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.inner.Warn(msg, l.with(args)...) }
func (l *fieldLogger) Debug(msg string, args ...any) { l.inner.Debug(msg, l.with(args)...) }
