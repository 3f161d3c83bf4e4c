package logging

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"pongarena/broker/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("decode log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBufferLogger(&buf).With(Room("room-1"))

	logger.Info("player joined", Player("p1"), Int("slot", 1), Error(errors.New("boom")))

	lines := decodeLines(t, &buf)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	entry := lines[0]
	if entry["message"] != "player joined" || entry["level"] != "info" {
		t.Fatalf("unexpected envelope: %#v", entry)
	}
	if entry["room_id"] != "room-1" || entry["player_id"] != "p1" {
		t.Fatalf("missing context fields: %#v", entry)
	}
	if entry["error"] != "boom" {
		t.Fatalf("expected error text, got %#v", entry["error"])
	}
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	parent := NewBufferLogger(&buf)
	_ = parent.With(Match("m1"))

	parent.Debug("plain")
	lines := decodeLines(t, &buf)
	if _, ok := lines[0]["match_id"]; ok {
		t.Fatalf("parent logger inherited child field: %#v", lines[0])
	}
}

func TestContextLoggerFallsBackToGlobal(t *testing.T) {
	if LoggerFromContext(context.Background()) != L() {
		t.Fatal("expected global logger fallback")
	}
	logger := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), logger)
	if LoggerFromContext(ctx) != logger {
		t.Fatal("expected context logger")
	}
}

func TestHTTPTraceMiddlewarePropagatesHeader(t *testing.T) {
	var seen string
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "abc123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seen != "abc123" {
		t.Fatalf("expected trace id to propagate, got %q", seen)
	}
	if rec.Header().Get(TraceIDHeader) != "abc123" {
		t.Fatalf("expected response header, got %q", rec.Header().Get(TraceIDHeader))
	}
}

func TestGenerateTraceIDIsHex(t *testing.T) {
	id := GenerateTraceID()
	if len(id) != 32 || strings.Contains(id, "-") {
		t.Fatalf("unexpected trace id %q", id)
	}
}

func TestRotatingWriterRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pong.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	chunk := bytes.Repeat([]byte("x"), 700*1024)
	for i := 0; i < 2; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected active file plus one rotated file, got %d", len(entries))
	}
}

func TestLaterFieldsShadowContextFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewBufferLogger(&buf).With(Component("engine"), Match("m1"))

	logger.Warn("tick overran", Match("m2"), String("message", "ignored"))

	line := strings.TrimSpace(buf.String())
	if !strings.HasPrefix(line, `{"timestamp":"`) {
		t.Fatalf("envelope must lead the line: %s", line)
	}
	if strings.Count(line, `"match_id"`) != 1 {
		t.Fatalf("expected one match_id key: %s", line)
	}
	entry := decodeLines(t, &buf)[0]
	if entry["match_id"] != "m2" || entry["message"] != "tick overran" || entry["component"] != "engine" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

func TestSetLevelAppliesToDerivedLoggers(t *testing.T) {
	var buf bytes.Buffer
	root := NewBufferLogger(&buf)
	child := root.With(Room("r1"))

	root.SetLevel(WarnLevel)
	child.Info("hidden")
	child.Error("shown")

	lines := decodeLines(t, &buf)
	if len(lines) != 1 || lines[0]["message"] != "shown" {
		t.Fatalf("expected only the error line, got %#v", lines)
	}
	if root.Enabled(InfoLevel) || !root.Enabled(ErrorLevel) {
		t.Fatal("Enabled disagrees with the configured level")
	}
}

func TestParseLevel(t *testing.T) {
	for raw, want := range map[string]Level{"": InfoLevel, "DEBUG": DebugLevel, "warning": WarnLevel, "fatal": FatalLevel} {
		got, err := ParseLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLevel(%q) = %v, %v; want %v", raw, got, err, want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected an error for an unknown level")
	}
}

func TestHTTPTraceMiddlewareLogsStatus(t *testing.T) {
	var buf bytes.Buffer
	handler := HTTPTraceMiddleware(NewBufferLogger(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		LoggerFromContext(r.Context()).Info("inside")
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/rooms", nil))

	lines := decodeLines(t, &buf)
	if len(lines) != 2 {
		t.Fatalf("expected two lines, got %d", len(lines))
	}
	if lines[0][TraceIDField] == nil || lines[0][TraceIDField] != lines[1][TraceIDField] {
		t.Fatalf("trace id must tag both lines: %#v", lines)
	}
	if lines[1]["status"] != float64(http.StatusTeapot) || lines[1]["path"] != "/api/rooms" {
		t.Fatalf("unexpected request line %#v", lines[1])
	}
}

func TestRotatingWriterCompressesAndCapsBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pong.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1, Compress: true})
	if err != nil {
		t.Fatalf("newRotatingWriter: %v", err)
	}
	tick := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	writer.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}
	chunk := bytes.Repeat([]byte("y"), 600*1024)
	for i := 0; i < 4; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	backups, err := filepath.Glob(path + ".*")
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	if len(backups) != 1 || !strings.HasSuffix(backups[0], ".gz") {
		t.Fatalf("expected one compressed backup, got %v", backups)
	}
}

func TestRotatingWriterRejectsBadLimits(t *testing.T) {
	_, err := newRotatingWriter(config.LoggingConfig{Path: filepath.Join(t.TempDir(), "x.log"), MaxSizeMB: 0, MaxBackups: -1})
	if err == nil || !strings.Contains(err.Error(), "MAX_SIZE") || !strings.Contains(err.Error(), "MAX_BACKUPS") {
		t.Fatalf("expected both problems reported, got %v", err)
	}
}
