package observability

import (
	"fmt"
	"log"
	"sort"
	"strings"
)

// StdLogger adapts the standard library logger to the Logger interface.
type StdLogger struct {
	inner *log.Logger
	debug bool
}

// NewStdLogger wraps a *log.Logger. Debug lines are suppressed unless enabled.
func NewStdLogger(inner *log.Logger, debug bool) *StdLogger {
	return &StdLogger{inner: inner, debug: debug}
}

// Debug logs at debug level when enabled.
func (l *StdLogger) Debug(msg string, fields ...Field) {
	if l == nil || l.inner == nil || !l.debug {
		return
	}
	l.inner.Printf("DEBUG %s%s", msg, renderFields(fields))
}

// Info logs at info level.
func (l *StdLogger) Info(msg string, fields ...Field) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Printf("INFO %s%s", msg, renderFields(fields))
}

// Error logs at error level.
func (l *StdLogger) Error(msg string, fields ...Field) {
	if l == nil || l.inner == nil {
		return
	}
	l.inner.Printf("ERROR %s%s", msg, renderFields(fields))
}

func renderFields(fields []Field) string {
	if len(fields) == 0 {
		return ""
	}
	pairs := make([]string, 0, len(fields))
	for _, f := range fields {
		if strings.TrimSpace(f.Key) == "" {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s=%v", f.Key, f.Value))
	}
	sort.Strings(pairs)
	return " " + strings.Join(pairs, " ")
}

var _ Logger = (*StdLogger)(nil)
