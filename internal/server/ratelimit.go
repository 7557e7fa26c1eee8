package server

import (
	"context"
	"math"
	"net/http"
	"strconv"
	"time"
)

// rateLimitContextKey is the context key for rate limit info
type rateLimitContextKey struct{}

// RateLimitInfo is the caller's request budget as reported in response
// headers.
type RateLimitInfo struct {
	RequestsLimit     int
	RequestsRemaining int
	// RetryAfter is set when the request was rejected.
	RetryAfter time.Duration
}

// rateLimitSlot lets a handler deep in the chain hand info back to the
// middleware that owns the response headers.
type rateLimitSlot struct {
	info *RateLimitInfo
}

// SetRateLimits records rate limit info for RateLimitHeadersMiddleware. No-op
// if the middleware isn't present.
func SetRateLimits(ctx context.Context, rl *RateLimitInfo) {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		slot.info = rl
	}
}

// GetRateLimits retrieves rate limit info from context.
// Returns nil if no rate limits are set.
func GetRateLimits(ctx context.Context) *RateLimitInfo {
	if slot, ok := ctx.Value(rateLimitContextKey{}).(*rateLimitSlot); ok {
		return slot.info
	}
	return nil
}

// RateLimitHeadersMiddleware writes x-ratelimit-* headers, and Retry-After on
// rejection, from the info the handler recorded with SetRateLimits.
func RateLimitHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slot := &rateLimitSlot{}
		ctx := context.WithValue(r.Context(), rateLimitContextKey{}, slot)
		wrapped := &rateLimitResponseWriter{ResponseWriter: w, slot: slot}
		next.ServeHTTP(wrapped, r.WithContext(ctx))
	})
}

// rateLimitResponseWriter wraps ResponseWriter to write rate limit headers.
type rateLimitResponseWriter struct {
	http.ResponseWriter
	slot         *rateLimitSlot
	wroteHeaders bool
}

func (rw *rateLimitResponseWriter) WriteHeader(code int) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *rateLimitResponseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeaders {
		rw.writeRateLimitHeaders()
		rw.wroteHeaders = true
	}
	return rw.ResponseWriter.Write(b)
}

func (rw *rateLimitResponseWriter) writeRateLimitHeaders() {
	rl := rw.slot.info
	if rl == nil || rl.RequestsLimit <= 0 {
		return
	}

	h := rw.Header()
	h.Set("x-ratelimit-limit-requests", strconv.Itoa(rl.RequestsLimit))
	// 0 is a valid remaining value
	h.Set("x-ratelimit-remaining-requests", strconv.Itoa(rl.RequestsRemaining))
	if rl.RetryAfter > 0 {
		h.Set("x-ratelimit-reset-requests", rl.RetryAfter.String())
		h.Set("Retry-After", strconv.Itoa(int(math.Ceil(rl.RetryAfter.Seconds()))))
	}
}

// Flush forwards Flush to the underlying ResponseWriter if it supports http.Flusher.
func (rw *rateLimitResponseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
