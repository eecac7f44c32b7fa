package core

// Logger interface - minimal logging interface
type Logger interface {
	Info(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Debug(msg string, fields map[string]interface{})
}

// ComponentLogger is implemented by loggers that can derive a child logger
// carrying fixed fields (component name, run id).
type ComponentLogger interface {
	Logger
	With(fields map[string]interface{}) Logger
}

// WithFields returns a child logger when the logger supports it, or the logger itself.
func WithFields(logger Logger, fields map[string]interface{}) Logger {
	if logger == nil {
		return &NoOpLogger{}
	}
	if cl, ok := logger.(ComponentLogger); ok {
		return cl.With(fields)
	}
	return logger
}

// NoOpLogger provides a no-op logger implementation
type NoOpLogger struct{}

func (n *NoOpLogger) Info(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Error(msg string, fields map[string]interface{}) {}
func (n *NoOpLogger) Warn(msg string, fields map[string]interface{})  {}
func (n *NoOpLogger) Debug(msg string, fields map[string]interface{}) {}
