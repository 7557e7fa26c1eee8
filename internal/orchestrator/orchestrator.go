// Package orchestrator composes the gateway core for one query: resolve the
// session, build the conversation context, admit through the rate limiter,
// dispatch to the agent, and shape the structured result.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tjfontaine/dataagent-gateway/internal/auth"
	"github.com/tjfontaine/dataagent-gateway/internal/classify"
	"github.com/tjfontaine/dataagent-gateway/internal/conversation"
	"github.com/tjfontaine/dataagent-gateway/internal/dispatch"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
	"github.com/tjfontaine/dataagent-gateway/internal/ratelimit"
	"github.com/tjfontaine/dataagent-gateway/internal/session"
	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

// DefaultMaxQueryLength bounds the query text in characters.
const DefaultMaxQueryLength = 1000

// ErrInvalidQuery is returned for empty or oversized queries. It is a caller
// input error, not a classified failure.
var ErrInvalidQuery = errors.New("invalid query")

// Dispatcher sends a conversation to the agent.
type Dispatcher interface {
	Dispatch(ctx context.Context, cc *domain.ConversationContext, credential string, timeout time.Duration, opts ...dispatch.CallOption) (*dispatch.Reply, error)
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// Config holds the per-request policy.
type Config struct {
	SessionTTL     time.Duration
	QueryTimeout   time.Duration
	MaxQueryLength int
}

// Orchestrator is the inbound API of the gateway core.
type Orchestrator struct {
	sessions      *session.Manager
	validator     auth.CredentialValidator
	conversations *conversation.Manager
	limiter       *ratelimit.Limiter
	dispatcher    Dispatcher
	classifier    *classify.Classifier
	cfg           Config
	now           func() time.Time
	logger        *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithClock overrides the time source used for credential expiry.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// WithClassifier sets the classifier used for local failures.
func WithClassifier(c *classify.Classifier) Option {
	return func(o *Orchestrator) {
		o.classifier = c
	}
}

// New wires the core components together.
func New(
	sessions *session.Manager,
	validator auth.CredentialValidator,
	conversations *conversation.Manager,
	limiter *ratelimit.Limiter,
	dispatcher Dispatcher,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = session.DefaultTTL
	}
	if cfg.MaxQueryLength <= 0 {
		cfg.MaxQueryLength = DefaultMaxQueryLength
	}
	o := &Orchestrator{
		sessions:      sessions,
		validator:     validator,
		conversations: conversations,
		limiter:       limiter,
		dispatcher:    dispatcher,
		cfg:           cfg,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.classifier == nil {
		o.classifier = classify.New(o.logger)
	}
	return o
}

// Config returns the effective policy.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// Authenticate validates the upstream credential and opens a session for it.
// The identity is taken from the credential; hint only fills in display fields
// the credential does not carry. Errors are *domain.ClassifiedError.
func (o *Orchestrator) Authenticate(ctx context.Context, credential string, hint *domain.Identity) (string, error) {
	identity, err := o.validator.Validate(credential)
	if err != nil {
		return "", o.classifier.Failure(ctx, domain.CategoryAuth, err.Error())
	}
	if hint != nil {
		if identity.Name == "" {
			identity.Name = hint.Name
		}
		if identity.Email == "" {
			identity.Email = hint.Email
		}
	}
	ctx = domain.WithIdentity(ctx, identity)

	token, err := o.sessions.Create(ctx, identity, credential, o.cfg.SessionTTL)
	if err != nil {
		return "", o.storeFailure(ctx, err)
	}
	o.logger.Info("session opened",
		slog.String("subject", identity.Subject),
		slog.Time("credential_valid_until", identity.ValidUntil),
	)
	return token, nil
}

// QueryOption adjusts a single query.
type QueryOption func(*queryOptions)

type queryOptions struct {
	details bool
}

// WithDetails includes run diagnostics in the result.
func WithDetails() QueryOption {
	return func(q *queryOptions) {
		q.details = true
	}
}

// SubmitQuery answers query in the context of priorTurns. Every failure after
// input validation is reported in the Result; the error return is reserved
// for ErrInvalidQuery.
func (o *Orchestrator) SubmitQuery(ctx context.Context, token, query string, priorTurns []domain.Turn, opts ...QueryOption) (*domain.Result, error) {
	var qo queryOptions
	for _, opt := range opts {
		opt(&qo)
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is empty", ErrInvalidQuery)
	}
	if n := utf8.RuneCountInString(query); n > o.cfg.MaxQueryLength {
		return nil, fmt.Errorf("%w: query is %d characters, limit is %d", ErrInvalidQuery, n, o.cfg.MaxQueryLength)
	}

	// Unauthenticated -> SessionValid
	sess, failure := o.resolve(ctx, token)
	if failure != nil {
		return domain.FailureResult(failure), nil
	}
	ctx = domain.WithIdentity(ctx, sess.Identity)

	// SessionValid -> ContextBuilt
	cc := o.conversations.BuildContext(ctx, priorTurns, query)

	decision, err := o.limiter.Admit(ctx, ratelimit.UserKey(sess.Identity.Subject))
	if err != nil {
		return domain.FailureResult(o.storeFailure(ctx, err)), nil
	}
	quota := &domain.Quota{Limit: decision.Limit, Remaining: decision.Remaining, RetryAfter: decision.RetryAfter}
	if !decision.Allowed {
		failure := o.classifier.Failure(ctx, domain.CategoryRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %s", decision.RetryAfter))
		result := domain.FailureResult(failure)
		result.Quota = quota
		return result, nil
	}

	// ContextBuilt -> Dispatched
	var dopts []dispatch.CallOption
	if qo.details {
		dopts = append(dopts, dispatch.WithDetails())
	}
	reply, err := o.dispatcher.Dispatch(ctx, cc, sess.Credential, o.cfg.QueryTimeout, dopts...)
	if err != nil {
		result := domain.FailureResult(o.classifier.Classify(ctx, err))
		if decision.Limit > 0 {
			result.Quota = quota
		}
		return result, nil
	}

	// Succeeded: slide the session window.
	if err := o.sessions.Touch(ctx, token, o.cfg.SessionTTL); err != nil {
		o.logger.Warn("failed to refresh session",
			slog.String("subject", sess.Identity.Subject),
			slog.String("error", err.Error()),
		)
	}

	result := domain.SuccessResult(reply.Answer)
	result.Details = reply.Details
	if decision.Limit > 0 {
		result.Quota = quota
	}
	return result, nil
}

// Whoami returns the session bound to token without refreshing it. Errors are
// *domain.ClassifiedError.
func (o *Orchestrator) Whoami(ctx context.Context, token string) (*domain.Session, error) {
	sess, failure := o.resolve(ctx, token)
	if failure != nil {
		return nil, failure
	}
	return sess, nil
}

// EndSession removes the session. Ending an unknown session succeeds.
func (o *Orchestrator) EndSession(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := o.sessions.Delete(ctx, token); err != nil {
		return o.storeFailure(ctx, err)
	}
	return nil
}

// resolve loads a live session whose upstream credential is still valid.
func (o *Orchestrator) resolve(ctx context.Context, token string) (*domain.Session, *domain.ClassifiedError) {
	if token == "" {
		return nil, o.classifier.Failure(ctx, domain.CategoryAuth, "no session token")
	}

	sess, err := o.sessions.Get(ctx, token)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil, o.classifier.Failure(ctx, domain.CategoryAuth, "session not found or expired")
	case err != nil:
		return nil, o.storeFailure(ctx, err)
	}

	if sess.Identity.Expired(o.now()) {
		ctx = domain.WithIdentity(ctx, sess.Identity)
		return nil, o.classifier.Failure(ctx, domain.CategoryAuth,
			fmt.Sprintf("upstream credential expired at %s", sess.Identity.ValidUntil.Format(time.RFC3339)))
	}
	return sess, nil
}

// storeFailure classifies a session or bucket store error. Outages never
// look like authentication failures.
func (o *Orchestrator) storeFailure(ctx context.Context, err error) *domain.ClassifiedError {
	if errors.Is(err, storage.ErrUnavailable) {
		return o.classifier.Failure(ctx, domain.CategoryStoreUnavailable, err.Error())
	}
	return o.classifier.Classify(ctx, err)
}
