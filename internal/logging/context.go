package logging

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TraceIDHeader carries the trace identifier on HTTP requests and responses.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the log key of the trace identifier.
const TraceIDField = "trace_id"

type contextKey int

const (
	loggerKey contextKey = iota
	traceKey
)

// ContextWithLogger attaches logger to ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext returns the logger attached to ctx, or the global one.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*Logger); ok && logger != nil {
			return logger
		}
	}
	return L()
}

func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceKey, traceID)
}

func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	traceID, _ := ctx.Value(traceKey).(string)
	return traceID
}

// GenerateTraceID returns 32 lowercase hex characters.
func GenerateTraceID() string {
	id, err := uuid.NewRandom()
	if err != nil {
		return fmt.Sprintf("%032x", time.Now().UnixNano())
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// WithTrace attaches traceID (or a fresh one) and a logger tagged with it to ctx.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	tid := strings.TrimSpace(traceID)
	if tid == "" {
		tid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(String(TraceIDField, tid))
	ctx = ContextWithLogger(ContextWithTraceID(ctx, tid), derived)
	return ctx, derived, tid
}

// HTTPTraceMiddleware tags every request with a trace id, echoes it in the
// response and logs the outcome at debug level. Upgraded websocket requests
// are logged when the handler returns.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, logger, traceID := WithTrace(r.Context(), base, r.Header.Get(TraceIDHeader))
			w.Header().Set(TraceIDHeader, traceID)

			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w}
			next.ServeHTTP(rec, r.WithContext(ctx))

			logger.Debug("request served",
				String("method", r.Method),
				String("path", r.URL.Path),
				Int("status", rec.Status()),
				Bool("hijacked", rec.hijacked),
				Duration("elapsed", time.Since(started)),
			)
		})
	}
}

// statusRecorder remembers the response status and still lets the websocket
// upgrader take over the connection.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	hijacked bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.status == 0 {
		s.status = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(p []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	return s.ResponseWriter.Write(p)
}

// Status is the written status, 200 when the handler wrote nothing, and 101
// after a hijack.
func (s *statusRecorder) Status() int {
	switch {
	case s.hijacked:
		return http.StatusSwitchingProtocols
	case s.status == 0:
		return http.StatusOK
	}
	return s.status
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := hijacker.Hijack()
	if err == nil {
		s.hijacked = true
	}
	return conn, rw, err
}

func (s *statusRecorder) Flush() {
	if flusher, ok := s.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (s *statusRecorder) Unwrap() http.ResponseWriter { return s.ResponseWriter }
