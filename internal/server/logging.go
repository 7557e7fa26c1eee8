package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"
)

type requestLogKey struct{}

// requestLog collects fields handlers want on the completion record.
type requestLog struct {
	mu     sync.Mutex
	fields map[string]string
}

func (l *requestLog) set(key, value string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fields[key] = value
}

func (l *requestLog) attrs() []slog.Attr {
	l.mu.Lock()
	defer l.mu.Unlock()
	keys := make([]string, 0, len(l.fields))
	for k := range l.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, l.fields[k]))
	}
	return attrs
}

// quietPaths are probed continuously; successful probes are logged at Debug.
var quietPaths = map[string]bool{
	"/health": true,
}

// LoggingMiddleware logs one completion record per request with status,
// duration, response size and any fields handlers added with AddLogField.
// 4xx responses are logged at Warn and 5xx at Error.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rl := &requestLog{fields: make(map[string]string)}
			ctx := context.WithValue(r.Context(), requestLogKey{}, rl)

			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			requestID := GetRequestID(ctx)

			logger.Debug("request started",
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
			)

			next.ServeHTTP(wrapped, r.WithContext(ctx))

			attrs := append([]slog.Attr{
				slog.String("request_id", requestID),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", wrapped.statusCode),
				slog.Int64("bytes", wrapped.bytes),
				slog.Duration("duration", time.Since(start)),
			}, rl.attrs()...)

			level := slog.LevelInfo
			switch {
			case wrapped.statusCode >= http.StatusInternalServerError:
				level = slog.LevelError
			case wrapped.statusCode >= http.StatusBadRequest:
				level = slog.LevelWarn
			case quietPaths[r.URL.Path]:
				level = slog.LevelDebug
			}
			logger.LogAttrs(ctx, level, "request completed", attrs...)
		})
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
	bytes       int64
}

func (rw *loggingResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *loggingResponseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	n, err := rw.ResponseWriter.Write(b)
	rw.bytes += int64(n)
	return n, err
}

func (rw *loggingResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// AddLogField adds key=value to the request's completion record. Empty
// values and requests outside LoggingMiddleware are ignored.
func AddLogField(ctx context.Context, key, value string) {
	if value == "" {
		return
	}
	if rl, ok := ctx.Value(requestLogKey{}).(*requestLog); ok {
		rl.set(key, value)
	}
}

// AddError records err on the request's completion record.
func AddError(ctx context.Context, err error) {
	if err == nil {
		return
	}
	AddLogField(ctx, "error", err.Error())
}
