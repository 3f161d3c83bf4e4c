// Package logging writes JSON log lines with typed fields. Loggers derived
// with With share one output and level; the process-wide fallback is set
// with ReplaceGlobals.
package logging

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/config"
)

var (
	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level orders log verbosity.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error", "fatal"}

func (l Level) String() string {
	if l < DebugLevel || l > FatalLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name onto a Level. Empty means info.
func ParseLevel(raw string) (Level, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case "":
		return InfoLevel, nil
	case "warning":
		return WarnLevel, nil
	}
	for i, candidate := range levelNames {
		if candidate == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", raw)
}

// Field is one structured attribute of a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field { return Field{Key: key, Value: value} }
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Room, Match, Player and Conn carry the identifiers every game log line is
// filtered by.
func Room(id string) Field { return Field{Key: "room_id", Value: id} }
func Match(id string) Field { return Field{Key: "match_id", Value: id} }
func Player(id string) Field { return Field{Key: "player_id", Value: id} }
func Conn(id string) Field { return Field{Key: "conn_id", Value: id} }

// Component names the subsystem that produced the line.
func Component(name string) Field { return Field{Key: "component", Value: name} }

// Error renders err as its message, or null.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// syncWriter is an output that can be flushed.
type syncWriter interface {
	io.Writer
	Sync() error
}

// sink is shared by a logger and everything derived from it.
type sink struct {
	mu    sync.Mutex
	level atomic.Int32
	out   syncWriter
	now   func() time.Time
}

func (s *sink) write(line []byte, flush bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, _ = s.out.Write(line)
	if flush {
		_ = s.out.Sync()
	}
}

// Logger emits one JSON object per line. Context fields keep the order they
// were attached in.
type Logger struct {
	sink   *sink
	fields []Field
}

func newLogger(out syncWriter, level Level, fields ...Field) *Logger {
	s := &sink{out: out, now: time.Now}
	s.level.Store(int32(level))
	return &Logger{sink: s, fields: fields}
}

// New builds the process logger: a size-rotated file mirrored to stdout.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := newRotatingWriter(cfg)
	if err != nil {
		return nil, err
	}
	outputs := teeWriter{file}
	if os.Stdout != nil {
		outputs = append(outputs, os.Stdout)
	}
	logger := newLogger(outputs, level, String("service", "pongarena"))
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards everything.
func NewTestLogger() *Logger { return newNopLogger() }

// NewBufferLogger returns a debug logger writing JSON lines into buf.
func NewBufferLogger(buf *bytes.Buffer) *Logger {
	return newLogger(&bufferSyncWriter{buf: buf}, DebugLevel)
}

func newNopLogger() *Logger { return newLogger(discardSyncWriter{}, FatalLevel+1) }

// ReplaceGlobals swaps the fallback logger. Nil is ignored.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With returns a child logger carrying fields in addition to the parent's.
// A later field with the same key shadows the earlier one.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{sink: l.sink, fields: merged}
}

// SetLevel changes the threshold for this logger and every logger sharing its output.
func (l *Logger) SetLevel(level Level) {
	if l != nil {
		l.sink.level.Store(int32(level))
	}
}

// Enabled reports whether a line at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return int32(level) >= l.sink.level.Load()
}

// Sync flushes the underlying output.
func (l *Logger) Sync() error {
	if l == nil || l.sink == nil {
		return nil
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.out.Sync()
}

func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

// Fatal logs and exits the process with status 1.
func (l *Logger) Fatal(message string, fields ...Field) {
	l.log(FatalLevel, message, fields)
	os.Exit(1)
}

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if !l.Enabled(level) {
		return
	}
	line, err := encodeLine(l.sink.now().UTC(), level, message, l.fields, fields)
	if err != nil {
		return
	}
	l.sink.write(line, level == FatalLevel)
}

// encodeLine writes the envelope first, then context and call fields. Keys
// repeated later in the list win.
func encodeLine(at time.Time, level Level, message string, groups ...[]Field) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"timestamp":"`)
	buf.WriteString(at.Format(time.RFC3339Nano))
	buf.WriteString(`","level":"`)
	buf.WriteString(level.String())
	buf.WriteString(`","message":`)
	encoded, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	buf.Write(encoded)

	last := make(map[string]int)
	var all []Field
	for _, group := range groups {
		for _, field := range group {
			switch field.Key {
			case "timestamp", "level", "message":
				continue
			}
			if i, ok := last[field.Key]; ok {
				all[i] = field
				continue
			}
			last[field.Key] = len(all)
			all = append(all, field)
		}
	}
	for _, field := range all {
		key, err := json.Marshal(field.Key)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(field.Value)
		if err != nil {
			value, _ = json.Marshal(fmt.Sprint(field.Value))
		}
		buf.WriteByte(',')
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

// teeWriter fans a line out to several outputs.
type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var errs []error
	for _, w := range t {
		if err := w.Sync(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type discardSyncWriter struct{}

func (discardSyncWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardSyncWriter) Sync() error { return nil }

type bufferSyncWriter struct {
	mu  sync.Mutex
	buf *bytes.Buffer
}

func (b *bufferSyncWriter) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *bufferSyncWriter) Sync() error { return nil }
