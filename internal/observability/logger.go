// Package observability defines shared logging primitives.
package observability

// Logger captures structured logging behaviours shared across layers.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Error(msg string, fields ...Field)
}

// Field represents a key/value pair for structured logging.
type Field struct {
	Key   string
	Value any
}

// F constructs a Field.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

var defaultLogger Logger = noopLogger{}

// SetLogger overrides the global logger used by the system.
func SetLogger(logger Logger) {
	if logger == nil {
		defaultLogger = noopLogger{}
		return
	}
	defaultLogger = logger
}

// Log returns the current global logger instance.
func Log() Logger {
	return defaultLogger
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...Field) {}
func (noopLogger) Info(string, ...Field)  {}
func (noopLogger) Error(string, ...Field) {}

// MessageScope builds the structured log fields attached to every log line
// emitted while dispatching one message.
func MessageScope(eventID, correlationID, name string, version int, tenantID string) []Field {
	return []Field{
		{Key: "event_id", Value: eventID},
		{Key: "correlation_id", Value: correlationID},
		{Key: "event_name", Value: name},
		{Key: "event_version", Value: version},
		{Key: "tenant_id", Value: tenantID},
	}
}
