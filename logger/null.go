package logger

import "sync"

// NullLogger implements Logger but does nothing (useful for tests)
type NullLogger struct{}

func NewNullLogger() *NullLogger { return &NullLogger{} }

func (n *NullLogger) Debug(string, ...any) {}
func (n *NullLogger) Info(string, ...any)  {}
func (n *NullLogger) Error(string, ...any) {}

// Entry is one line captured by a MemoryLogger.
type Entry struct {
	Level   string
	Msg     string
	KeyVals []any
}

// MemoryLogger records lines for assertions in tests.
type MemoryLogger struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemoryLogger() *MemoryLogger { return &MemoryLogger{} }

func (m *MemoryLogger) add(level, msg string, kv []any) {
	m.mu.Lock()
	m.entries = append(m.entries, Entry{Level: level, Msg: msg, KeyVals: append([]any(nil), kv...)})
	m.mu.Unlock()
}

func (m *MemoryLogger) Debug(msg string, keyvals ...any) { m.add("debug", msg, keyvals) }
func (m *MemoryLogger) Info(msg string, keyvals ...any)  { m.add("info", msg, keyvals) }
func (m *MemoryLogger) Error(msg string, keyvals ...any) { m.add("error", msg, keyvals) }

// Entries returns a copy of the captured lines.
func (m *MemoryLogger) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Entry(nil), m.entries...)
}
