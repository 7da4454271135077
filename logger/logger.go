package logger

// Logger is the structured logging interface used across the engine.
// Arguments after msg are alternating key/value pairs.
type Logger interface {
	Error(msg string, keyvals ...any)
	Info(msg string, keyvals ...any)
	Debug(msg string, keyvals ...any)
}
