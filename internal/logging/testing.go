package logging

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger captures log entries for assertions.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger creates a logger backed by an in-memory observer.
// No sampling, no redaction at the core level (RedactMap is still
// testable directly).
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	cfg := NewDefaultConfig()
	cfg.Sampling.Enabled = false
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: cfg},
		observed: observed,
	}
}

// Entries returns all captured entries.
func (tl *TestLogger) Entries() []observer.LoggedEntry {
	return tl.observed.All()
}

// AssertLogged fails the test if no entry matches level and message.
func (tl *TestLogger) AssertLogged(t *testing.T, level zapcore.Level, msg string) {
	t.Helper()
	for _, e := range tl.observed.All() {
		if e.Level == level && e.Message == msg {
			return
		}
	}
	t.Errorf("expected log entry level=%s msg=%q, not found", level, msg)
}

// AssertField fails the test if the named entry lacks the given field value.
func (tl *TestLogger) AssertField(t *testing.T, msg, key string, want any) {
	t.Helper()
	for _, e := range tl.observed.All() {
		if e.Message != msg {
			continue
		}
		for _, f := range e.Context {
			if f.Key == key {
				m := e.ContextMap()
				if m[key] == want {
					return
				}
				t.Errorf("field %q on %q = %v, want %v", key, msg, m[key], want)
				return
			}
		}
	}
	t.Errorf("no entry %q with field %q", msg, key)
}
