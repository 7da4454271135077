package logger

import (
	"fmt"
	"time"

	phlog "github.com/oarkflow/log"
)

// PhusluLogger writes through the phuslu-style phlog package. Component, when set,
// is attached to every line.
type PhusluLogger struct {
	Component string
}

func NewPhusluLogger() *PhusluLogger { return &PhusluLogger{} }

// Named returns a logger tagging lines with component.
func (p *PhusluLogger) Named(component string) *PhusluLogger {
	return &PhusluLogger{Component: component}
}

func (p *PhusluLogger) Debug(msg string, keyvals ...any) { p.emit(phlog.Debug(), msg, keyvals) }
func (p *PhusluLogger) Info(msg string, keyvals ...any)  { p.emit(phlog.Info(), msg, keyvals) }
func (p *PhusluLogger) Error(msg string, keyvals ...any) { p.emit(phlog.Error(), msg, keyvals) }

func (p *PhusluLogger) emit(b *phlog.Entry, msg string, keyvals []any) {
	if p.Component != "" {
		b = b.Str("component", p.Component)
	}
	for i := 0; i < len(keyvals)-1; i += 2 {
		ks := fmt.Sprint(keyvals[i])
		switch vv := keyvals[i+1].(type) {
		case string:
			b = b.Str(ks, vv)
		case bool:
			b = b.Bool(ks, vv)
		case int:
			b = b.Int(ks, vv)
		case int64:
			b = b.Int64(ks, vv)
		case float64:
			b = b.Float64(ks, vv)
		case time.Duration:
			b = b.Dur(ks, vv)
		case time.Time:
			b = b.Time(ks, vv)
		case []string:
			b = b.Strs(ks, vv)
		case error:
			b = b.Str(ks, vv.Error())
		default:
			b = b.Any(ks, vv)
		}
	}
	if len(keyvals)%2 == 1 {
		b = b.Any("extra", keyvals[len(keyvals)-1])
	}
	b.Msg(msg)
}
