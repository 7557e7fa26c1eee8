package domain

import (
	"context"
	"strings"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser  Role = "user"
	RoleAgent Role = "agent"
)

// ParseRole normalizes a caller-supplied role. "assistant" is accepted as an
// alias of RoleAgent. The second return is false for unrecognised roles.
func ParseRole(s string) (Role, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "user":
		return RoleUser, true
	case "agent", "assistant":
		return RoleAgent, true
	default:
		return "", false
	}
}

// Turn is one message in a multi-turn exchange.
type Turn struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
	Ordinal int    `json:"ordinal"`
}

// ConversationContext is the replayed history plus the new query for a single
// in-flight request. It is never persisted.
type ConversationContext struct {
	Turns []Turn
	Query string
}

// AgentMessage is a message read back from an upstream thread.
type AgentMessage struct {
	ID      string
	Role    Role
	Content string
}

// Identity describes the caller bound to a session.
type Identity struct {
	Subject  string `json:"sub"`
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	TenantID string `json:"tid,omitempty"`
	// ValidUntil is the end of the upstream credential's validity window.
	// Zero means the credential carried no expiry.
	ValidUntil time.Time `json:"valid_until,omitempty"`
}

// Expired reports whether the credential validity window has closed.
func (i Identity) Expired(now time.Time) bool {
	return !i.ValidUntil.IsZero() && !now.Before(i.ValidUntil)
}

// Session binds an opaque token to an identity and upstream credential.
type Session struct {
	ID           string
	Identity     Identity
	Credential   string
	CreatedAt    time.Time
	LastAccessAt time.Time
	ExpiresAt    time.Time
}

// Result is the structured outcome of a query.
type Result struct {
	Success       bool        `json:"success"`
	Answer        *string     `json:"answer"`
	ErrorCategory *Category   `json:"errorCategory"`
	ErrorMessage  *string     `json:"errorMessage"`
	Details       *RunDetails `json:"details,omitempty"`

	// Quota is the caller's rate-limit budget after admission, if known.
	Quota *Quota `json:"-"`
}

// Quota reports a rate-limit decision to the transport layer.
type Quota struct {
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

// RunDetails carries optional diagnostics about the upstream run.
type RunDetails struct {
	RunStatus     string   `json:"run_status,omitempty"`
	Attempts      int      `json:"attempts"`
	MessagesCount int      `json:"messages_count"`
	StepsCount    int      `json:"steps_count"`
	SQLQueries    []string `json:"sql_queries,omitempty"`

	// DataPreviews are markdown tables rendered from tool results and from
	// a table in the agent's reply.
	DataPreviews []string `json:"sql_data_previews,omitempty"`

	// DataRetrievalQuery is the query that produced the previewed data.
	DataRetrievalQuery string `json:"data_retrieval_query,omitempty"`
}

// SuccessResult builds a successful Result.
func SuccessResult(answer string) *Result {
	return &Result{Success: true, Answer: &answer}
}

// FailureResult builds a failed Result from a classified error.
func FailureResult(err *ClassifiedError) *Result {
	category := err.Category
	message := err.Message
	return &Result{ErrorCategory: &category, ErrorMessage: &message}
}

type identityKey struct{}

// WithIdentity returns a context carrying the caller identity for log enrichment.
func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFrom returns the identity stored by WithIdentity, if any.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}
