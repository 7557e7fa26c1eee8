package classify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strings"
	"syscall"
	"testing"

	"github.com/tjfontaine/dataagent-gateway/internal/agent"
	"github.com/tjfontaine/dataagent-gateway/internal/conversation"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestCategory(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want domain.Category
	}{
		{"401", &agent.StatusError{StatusCode: 401}, domain.CategoryAuth},
		{"invalid key code", &agent.StatusError{StatusCode: 400, Code: "invalid_api_key"}, domain.CategoryAuth},
		{"403", &agent.StatusError{StatusCode: 403}, domain.CategoryPermission},
		{"404", &agent.StatusError{StatusCode: 404}, domain.CategoryNotFound},
		{"429", &agent.StatusError{StatusCode: 429}, domain.CategoryRateLimited},
		{"rate limit code", &agent.StatusError{StatusCode: 400, Code: "rate_limit_exceeded"}, domain.CategoryRateLimited},
		{"500", &agent.StatusError{StatusCode: 500}, domain.CategoryUpstreamUnavailable},
		{"503", &agent.StatusError{StatusCode: 503, Message: "token expired"}, domain.CategoryUpstreamUnavailable},
		{"400 unknown", &agent.StatusError{StatusCode: 400, Message: "bad request"}, domain.CategoryUnknown},
		{"wrapped status", fmt.Errorf("create thread: %w", &agent.StatusError{StatusCode: 401}), domain.CategoryAuth},
		{"run server_error", &agent.RunError{Status: agent.RunStatusFailed, Code: "server_error"}, domain.CategoryUpstreamUnavailable},
		{"run rate limited", &agent.RunError{Status: agent.RunStatusFailed, Code: "rate_limit_exceeded"}, domain.CategoryRateLimited},
		{"run expired", &agent.RunError{Status: agent.RunStatusExpired}, domain.CategoryTimedOut},
		{"run cancelled", &agent.RunError{Status: agent.RunStatusCancelled}, domain.CategoryUnknown},
		{"run timeout", fmt.Errorf("%w: still queued", agent.ErrRunTimeout), domain.CategoryTimedOut},
		{"deadline", context.DeadlineExceeded, domain.CategoryTimedOut},
		{"canceled", fmt.Errorf("get run: %w", context.Canceled), domain.CategoryTimedOut},
		{"net timeout", &url.Error{Op: "Get", URL: "https://x", Err: timeoutErr{}}, domain.CategoryTimedOut},
		{"connection refused", &url.Error{Op: "Post", URL: "https://x", Err: &net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}}, domain.CategoryConnectionFailed},
		{"dns", &net.DNSError{Err: "no such host", Name: "agent.invalid"}, domain.CategoryConnectionFailed},
		{"reset", fmt.Errorf("read: %w", syscall.ECONNRESET), domain.CategoryConnectionFailed},
		{"empty reply", conversation.ErrEmptyReply, domain.CategoryEmptyReply},
		{"store down", fmt.Errorf("get session: %w", storage.ErrUnavailable), domain.CategoryStoreUnavailable},
		{"already classified", domain.NewClassifiedError(domain.CategoryPermission, "x"), domain.CategoryPermission},
		{"prose auth", errors.New("Unauthorized"), domain.CategoryAuth},
		{"prose token", errors.New("the access token is expired"), domain.CategoryAuth},
		{"prose bearer", errors.New("Bearer token rejected"), domain.CategoryAuth},
		{"run token limit", &agent.RunError{Status: agent.RunStatusFailed, Message: "Invalid request: prompt exceeds the maximum token limit"}, domain.CategoryUnknown},
		{"400 token count", &agent.StatusError{StatusCode: 400, Message: "invalid token count for model context"}, domain.CategoryUnknown},
		{"400 credential prose", &agent.StatusError{StatusCode: 400, Message: "invalid credential format"}, domain.CategoryUnknown},
		{"no status credential prose", &agent.StatusError{Message: "credential expired"}, domain.CategoryAuth},
		{"anything else", errors.New("kaboom"), domain.CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Category(tt.err); got != tt.want {
				t.Errorf("Category(%v) = %s, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestClassify_LogsDetailButNotInMessage(t *testing.T) {
	var buf bytes.Buffer
	c := New(slog.New(slog.NewJSONHandler(&buf, nil)))
	ctx := domain.WithIdentity(context.Background(), domain.Identity{Subject: "alice"})

	secret := "upstream said: tenant 1234 database prod-sql-01 unreachable"
	ce := c.Classify(ctx, &agent.StatusError{StatusCode: 503, Message: secret})

	if ce.Category != domain.CategoryUpstreamUnavailable {
		t.Fatalf("Category = %s", ce.Category)
	}
	if strings.Contains(ce.Message, "prod-sql-01") {
		t.Errorf("user message leaks detail: %q", ce.Message)
	}
	if ce.Message != domain.CategoryUpstreamUnavailable.UserMessage() {
		t.Errorf("Message = %q", ce.Message)
	}

	logged := buf.String()
	for _, want := range []string{`"category":"UpstreamUnavailable"`, "prod-sql-01", `"subject":"alice"`} {
		if !strings.Contains(logged, want) {
			t.Errorf("log %q missing %q", logged, want)
		}
	}
}

func TestClassify_TruncatesDetail(t *testing.T) {
	c := New(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))
	long := strings.Repeat("é", 300)
	ce := c.Classify(context.Background(), errors.New(long))
	if len(ce.Detail) > MaxDetailLength+3 {
		t.Errorf("len(Detail) = %d, want <= %d", len(ce.Detail), MaxDetailLength+3)
	}
	if !strings.HasSuffix(ce.Detail, "...") {
		t.Errorf("Detail not marked as truncated: %q", ce.Detail[len(ce.Detail)-8:])
	}
}

func TestClassify_Total(t *testing.T) {
	c := New(nil)
	if c.Classify(context.Background(), nil) != nil {
		t.Error("Classify(nil) should be nil")
	}
	for _, err := range []error{errors.New(""), fmt.Errorf("%w", errors.New("x")), &agent.StatusError{}} {
		if ce := c.Classify(context.Background(), err); ce == nil || ce.Message == "" {
			t.Errorf("Classify(%v) = %v", err, ce)
		}
	}
}

func TestClassify_PassesThroughClassified(t *testing.T) {
	c := New(nil)
	orig := domain.NewClassifiedError(domain.CategoryRateLimited, "local limiter")
	if got := c.Classify(context.Background(), fmt.Errorf("wrap: %w", orig)); got != orig {
		t.Errorf("Classify() = %v, want original", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short", 10); got != "short" {
		t.Errorf("Truncate() = %q", got)
	}
	if got := Truncate("abcdef", 3); got != "abc..." {
		t.Errorf("Truncate() = %q", got)
	}
}
