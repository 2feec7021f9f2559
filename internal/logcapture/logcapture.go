// Package logcapture provides a pslog.Logger that records entries in memory
// so tests can assert on emitted events.
package logcapture

import (
	"sync"

	"pkt.systems/pslog"
)

// Entry is one captured log line.
type Entry struct {
	Level  string
	Msg    string
	Fields []any
}

// Field returns the value paired with key, if present.
func (e Entry) Field(key string) (any, bool) {
	for i := 0; i+1 < len(e.Fields); i += 2 {
		switch k := e.Fields[i].(type) {
		case string:
			if k == key {
				return e.Fields[i+1], true
			}
		case pslog.TrustedString:
			if string(k) == key {
				return e.Fields[i+1], true
			}
		}
	}
	return nil, false
}

type sink struct {
	mu      sync.Mutex
	entries []Entry
}

// Logger captures log entries. The zero value is not usable; call New.
type Logger struct {
	fields []any
	sink   *sink
}

// New returns an empty capturing logger.
func New() *Logger {
	return &Logger{sink: &sink{}}
}

// Find returns the first entry with msg.
func (l *Logger) Find(msg string) (Entry, bool) {
	for _, entry := range l.Entries() {
		if entry.Msg == msg {
			return entry, true
		}
	}
	return Entry{}, false
}

// Count returns how many entries carry msg.
func (l *Logger) Count(msg string) int {
	n := 0
	for _, entry := range l.Entries() {
		if entry.Msg == msg {
			n++
		}
	}
	return n
}

// Entries returns a copy of everything captured so far.
func (l *Logger) Entries() []Entry {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	out := make([]Entry, len(l.sink.entries))
	copy(out, l.sink.entries)
	return out
}

func (l *Logger) record(level, msg string, args ...any) {
	fields := append([]any{}, l.fields...)
	fields = append(fields, args...)
	l.sink.mu.Lock()
	l.sink.entries = append(l.sink.entries, Entry{Level: level, Msg: msg, Fields: fields})
	l.sink.mu.Unlock()
}

func (l *Logger) Trace(msg string, args ...any) { l.record("trace", msg, args...) }
func (l *Logger) Debug(msg string, args ...any) { l.record("debug", msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.record("info", msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.record("warn", msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.record("error", msg, args...) }
func (l *Logger) Fatal(msg string, args ...any) { l.record("fatal", msg, args...) }
func (l *Logger) Panic(msg string, args ...any) { l.record("panic", msg, args...) }
func (l *Logger) Log(level pslog.Level, msg string, args ...any) {
	l.record(pslog.LevelString(level), msg, args...)
}

func (l *Logger) With(args ...any) pslog.Logger {
	combined := append([]any{}, l.fields...)
	combined = append(combined, args...)
	return &Logger{fields: combined, sink: l.sink}
}

func (l *Logger) WithLogLevel() pslog.Logger          { return l }
func (l *Logger) LogLevel(pslog.Level) pslog.Logger   { return l }
func (l *Logger) LogLevelFromEnv(string) pslog.Logger { return l }
