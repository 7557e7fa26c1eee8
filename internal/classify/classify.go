// Package classify maps raw failures onto the closed error taxonomy.
package classify

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/tjfontaine/dataagent-gateway/internal/agent"
	"github.com/tjfontaine/dataagent-gateway/internal/conversation"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

// MaxDetailLength bounds the raw detail written to logs.
const MaxDetailLength = 256

// Classifier turns any error into a *domain.ClassifiedError.
type Classifier struct {
	logger *slog.Logger
}

// New creates a classifier that logs through logger.
func New(logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{logger: logger}
}

// Classify maps err to a category and logs the outcome. It never returns nil
// for a non-nil err. Errors that are already classified pass through
// unchanged and are not logged again.
func (c *Classifier) Classify(ctx context.Context, err error) *domain.ClassifiedError {
	if err == nil {
		return nil
	}

	var already *domain.ClassifiedError
	if errors.As(err, &already) {
		return already
	}

	return c.Failure(ctx, Category(err), err.Error())
}

// Failure builds a classified error for a failure detected locally, such as a
// missing session, and logs it like any other classification.
func (c *Classifier) Failure(ctx context.Context, category domain.Category, detail string) *domain.ClassifiedError {
	detail = Truncate(detail, MaxDetailLength)
	ce := domain.NewClassifiedError(category, detail)

	attrs := []any{
		slog.String("category", string(category)),
		slog.String("detail", detail),
	}
	if id, ok := domain.IdentityFrom(ctx); ok {
		attrs = append(attrs, slog.String("subject", id.Subject))
	}
	level := slog.LevelWarn
	if category == domain.CategoryUnknown || category == domain.CategoryStoreUnavailable {
		level = slog.LevelError
	}
	c.logger.Log(ctx, level, "classified failure", attrs...)

	return ce
}

// Category returns the category for err without logging. Rules are applied
// in priority order; the first match wins.
func Category(err error) domain.Category {
	var already *domain.ClassifiedError
	if errors.As(err, &already) {
		return already.Category
	}

	switch {
	case errors.Is(err, conversation.ErrEmptyReply):
		return domain.CategoryEmptyReply
	case errors.Is(err, storage.ErrUnavailable):
		return domain.CategoryStoreUnavailable
	}

	var statusErr *agent.StatusError
	if errors.As(err, &statusErr) {
		return fromStatus(statusErr)
	}

	var runErr *agent.RunError
	if errors.As(err, &runErr) {
		return fromRun(runErr)
	}

	if isTimeout(err) {
		return domain.CategoryTimedOut
	}
	if isConnection(err) {
		return domain.CategoryConnectionFailed
	}
	return fromMessage(err.Error())
}

func fromStatus(e *agent.StatusError) domain.Category {
	code := strings.ToLower(e.Code)
	switch {
	case e.StatusCode == http.StatusUnauthorized, code == "invalid_api_key", code == "invalid_token", code == "expired_token":
		return domain.CategoryAuth
	case e.StatusCode == http.StatusForbidden:
		return domain.CategoryPermission
	case e.StatusCode == http.StatusNotFound:
		return domain.CategoryNotFound
	case e.StatusCode == http.StatusTooManyRequests, code == "rate_limit_exceeded":
		return domain.CategoryRateLimited
	case e.StatusCode >= 500:
		return domain.CategoryUpstreamUnavailable
	case e.StatusCode == http.StatusRequestTimeout:
		return domain.CategoryTimedOut
	case e.StatusCode >= 400:
		// The status already rules out the categories prose could suggest.
		return domain.CategoryUnknown
	}
	return fromMessage(e.Message)
}

func fromRun(e *agent.RunError) domain.Category {
	switch strings.ToLower(e.Code) {
	case "invalid_api_key", "invalid_token", "expired_token", "unauthorized":
		return domain.CategoryAuth
	case "forbidden", "permission_denied":
		return domain.CategoryPermission
	case "rate_limit_exceeded":
		return domain.CategoryRateLimited
	case "server_error", "service_unavailable", "internal_error":
		return domain.CategoryUpstreamUnavailable
	}
	if e.Status == agent.RunStatusExpired {
		return domain.CategoryTimedOut
	}
	return fromMessage(e.Code + " " + e.Message)
}

func isTimeout(err error) bool {
	if errors.Is(err, agent.ErrRunTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isConnection(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.EHOSTUNREACH) {
		return true
	}
	// A url.Error means the HTTP round trip produced no response.
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// credentialPhrases name the caller's credential, not tokens in the model
// sense.
var credentialPhrases = []string{
	"unauthorized",
	"authentication",
	"access token",
	"bearer",
	"credential",
	"expired token",
	"token has expired",
	"token expired",
}

func containsAny(s string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// fromMessage is the last resort for errors that carry no structure, such as
// upstream run failures described only in prose.
func fromMessage(msg string) domain.Category {
	m := strings.ToLower(msg)
	switch {
	case containsAny(m, credentialPhrases):
		return domain.CategoryAuth
	case strings.Contains(m, "forbidden"), strings.Contains(m, "permission denied"):
		return domain.CategoryPermission
	case strings.Contains(m, "rate limit"), strings.Contains(m, "too many requests"):
		return domain.CategoryRateLimited
	case strings.Contains(m, "timed out"), strings.Contains(m, "timeout"):
		return domain.CategoryTimedOut
	}
	return domain.CategoryUnknown
}

// Truncate shortens s to at most n bytes without splitting a UTF-8 sequence.
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
