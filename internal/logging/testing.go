// internal/logging/testing.go
package logging

import (
	"reflect"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger records every entry, trace included, for assertions in tests
// of the orchestrator, the compressor and the servers.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// FilterMessage returns entries whose message contains msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessageSnippet(msg)
}

// ForTask returns entries carrying task.id=taskID. Entries logged through
// a context built with WithTaskID match as well as explicit fields.
func (t *TestLogger) ForTask(taskID string) *observer.ObservedLogs {
	return t.observed.FilterField(zap.String("task.id", taskID))
}

// Messages lists the logged messages in order.
func (t *TestLogger) Messages() []string {
	entries := t.observed.All()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// AssertLogged fails tb unless an entry at level contains msg.
func (t *TestLogger) AssertLogged(tb testing.TB, level zapcore.Level, msg string) {
	tb.Helper()
	if !hasEntry(t.observed, level, msg) {
		tb.Errorf("expected %s log containing %q, got %q", levelName(level), msg, t.Messages())
	}
}

// AssertTaskLogged is AssertLogged restricted to one task's entries.
func (t *TestLogger) AssertTaskLogged(tb testing.TB, taskID string, level zapcore.Level, msg string) {
	tb.Helper()
	if !hasEntry(t.ForTask(taskID), level, msg) {
		tb.Errorf("expected %s log containing %q for task %s", levelName(level), msg, taskID)
	}
}

// AssertField fails tb unless an entry containing msg has key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected any) {
	tb.Helper()
	for _, entry := range t.FilterMessage(msg).All() {
		if v, ok := entry.ContextMap()[key]; ok && reflect.DeepEqual(v, expected) {
			return
		}
	}
	tb.Errorf("field %q=%v not found on %q", key, expected, msg)
}

func hasEntry(logs *observer.ObservedLogs, level zapcore.Level, msg string) bool {
	for _, e := range logs.All() {
		if e.Level == level && strings.Contains(e.Message, msg) {
			return true
		}
	}
	return false
}
