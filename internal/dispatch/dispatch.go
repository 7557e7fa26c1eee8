// Package dispatch sends a conversation to the data agent with bounded,
// classified retries. It is the only place in the gateway that retries
// upstream calls.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/dataagent-gateway/internal/agent"
	"github.com/tjfontaine/dataagent-gateway/internal/classify"
	"github.com/tjfontaine/dataagent-gateway/internal/conversation"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
)

const (
	defaultMaxAttempts    = 3
	defaultBaseDelay      = 1 * time.Second
	defaultMaxDelay       = 10 * time.Second
	defaultPollInterval   = 2 * time.Second
	defaultQueryTimeout   = 120 * time.Second
	defaultCleanupTimeout = 10 * time.Second

	// placeholderModel is sent when creating an assistant; the data agent
	// ignores it.
	placeholderModel = "not used"

	tracerName = "github.com/tjfontaine/dataagent-gateway/internal/dispatch"
)

// Upstream is the subset of the agent API the dispatcher drives.
type Upstream interface {
	CreateAssistant(ctx context.Context, req *agent.CreateAssistantRequest, opts *agent.RequestOptions) (*agent.Assistant, error)
	CreateThread(ctx context.Context, opts *agent.RequestOptions) (*agent.Thread, error)
	DeleteThread(ctx context.Context, threadID string, opts *agent.RequestOptions) error
	CreateMessage(ctx context.Context, threadID string, req *agent.CreateMessageRequest, opts *agent.RequestOptions) (*agent.Message, error)
	ListMessages(ctx context.Context, threadID string, list agent.ListOptions, opts *agent.RequestOptions) (*agent.MessageList, error)
	CreateRun(ctx context.Context, threadID string, req *agent.CreateRunRequest, opts *agent.RequestOptions) (*agent.Run, error)
	GetRun(ctx context.Context, threadID, runID string, opts *agent.RequestOptions) (*agent.Run, error)
	CancelRun(ctx context.Context, threadID, runID string, opts *agent.RequestOptions) (*agent.Run, error)
	ListRunSteps(ctx context.Context, threadID, runID string, opts *agent.RequestOptions) (*agent.RunStepList, error)
}

var _ Upstream = (*agent.Client)(nil)

// Config holds the dispatch policy. Zero values select the defaults.
type Config struct {
	// AssistantID reuses an existing assistant instead of creating one per
	// attempt.
	AssistantID    string
	PollInterval   time.Duration
	QueryTimeout   time.Duration
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Jitter         float64
	CleanupTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.QueryTimeout <= 0 {
		c.QueryTimeout = defaultQueryTimeout
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = defaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = defaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Jitter < 0 {
		c.Jitter = 0
	}
	if c.Jitter > 1 {
		c.Jitter = 1
	}
	if c.CleanupTimeout <= 0 {
		c.CleanupTimeout = defaultCleanupTimeout
	}
	return c
}

// Reply is a successful dispatch outcome.
type Reply struct {
	Answer   string
	Attempts int
	Details  *domain.RunDetails
}

// Dispatcher runs queries against the agent.
type Dispatcher struct {
	upstream   Upstream
	cfg        Config
	classifier *classify.Classifier
	logger     *slog.Logger
	tracer     trace.Tracer
	sleep      func(ctx context.Context, d time.Duration) error
	random     func() float64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClassifier sets the classifier used for attempt failures.
func WithClassifier(c *classify.Classifier) Option {
	return func(d *Dispatcher) {
		d.classifier = c
	}
}

// WithSleep replaces the function used for backoff and poll waits.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		d.sleep = sleep
	}
}

// WithRandom replaces the jitter source. It must return values in [0, 1).
func WithRandom(random func() float64) Option {
	return func(d *Dispatcher) {
		d.random = random
	}
}

// New creates a dispatcher.
func New(upstream Upstream, cfg Config, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		upstream: upstream,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
		tracer:   otel.Tracer(tracerName),
		sleep:    sleepContext,
		random:   rand.Float64,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.classifier == nil {
		d.classifier = classify.New(d.logger)
	}
	return d
}

// Config returns the effective policy.
func (d *Dispatcher) Config() Config {
	return d.cfg
}

// CallOption adjusts a single dispatch.
type CallOption func(*callOptions)

type callOptions struct {
	details bool
}

// WithDetails collects run diagnostics, including executed SQL.
func WithDetails() CallOption {
	return func(o *callOptions) {
		o.details = true
	}
}

// Dispatch sends cc to the agent using credential. Each attempt gets its own
// thread and at most timeout to finish; a zero timeout uses the configured
// query timeout. Retryable failures are retried with exponential backoff and
// jitter up to the configured attempt limit. The returned error is always a
// *domain.ClassifiedError.
func (d *Dispatcher) Dispatch(ctx context.Context, cc *domain.ConversationContext, credential string, timeout time.Duration, opts ...CallOption) (*Reply, error) {
	var co callOptions
	for _, opt := range opts {
		opt(&co)
	}
	if timeout <= 0 {
		timeout = d.cfg.QueryTimeout
	}

	ctx, span := d.tracer.Start(ctx, "agent.dispatch", trace.WithAttributes(
		attribute.Int("dispatch.turns", len(cc.Turns)),
		attribute.Int("dispatch.max_attempts", d.cfg.MaxAttempts),
	))
	defer span.End()

	reqOpts := &agent.RequestOptions{Credential: credential, ActivityID: uuid.NewString()}
	logger := d.logger.With(slog.String("activity_id", reqOpts.ActivityID))

	var last *domain.ClassifiedError
	for attempt := 0; attempt < d.cfg.MaxAttempts; attempt++ {
		reply, err := d.attempt(ctx, cc, reqOpts, timeout, attempt, co)
		if err == nil {
			reply.Attempts = attempt + 1
			if reply.Details != nil {
				reply.Details.Attempts = attempt + 1
			}
			span.SetAttributes(attribute.Int("dispatch.attempts", attempt+1))
			return reply, nil
		}

		last = d.classifier.Classify(ctx, err)
		span.SetAttributes(attribute.Int("dispatch.attempts", attempt+1))

		// Caller gave up: no further attempts.
		if ctx.Err() != nil {
			break
		}
		if !last.Retryable() {
			logger.Info("agent attempt failed, not retryable",
				slog.Int("attempt", attempt+1),
				slog.String("category", string(last.Category)),
			)
			break
		}
		if attempt == d.cfg.MaxAttempts-1 {
			break
		}

		delay := d.backoff(attempt)
		logger.Warn("agent attempt failed, retrying",
			slog.Int("attempt", attempt+1),
			slog.Int("max_attempts", d.cfg.MaxAttempts),
			slog.String("category", string(last.Category)),
			slog.Duration("backoff", delay),
		)
		if err := d.sleep(ctx, delay); err != nil {
			break
		}
	}

	span.SetStatus(codes.Error, string(last.Category))
	logger.Error("agent dispatch failed",
		slog.String("category", string(last.Category)),
	)
	return nil, last
}

// backoff returns base*2^attempt, spread by the jitter fraction and capped at
// the maximum delay.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := float64(d.cfg.BaseDelay) * math.Pow(2, float64(attempt))
	if d.cfg.Jitter > 0 {
		delay *= 1 + d.cfg.Jitter*(2*d.random()-1)
	}
	if delay > float64(d.cfg.MaxDelay) {
		delay = float64(d.cfg.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

func (d *Dispatcher) attempt(ctx context.Context, cc *domain.ConversationContext, opts *agent.RequestOptions, timeout time.Duration, n int, co callOptions) (reply *Reply, err error) {
	ctx, span := d.tracer.Start(ctx, "agent.attempt", trace.WithAttributes(attribute.Int("attempt", n+1)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	defer func() {
		// Report the attempt deadline as a run timeout; the caller's own
		// cancellation stays a context error.
		if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !errors.Is(err, agent.ErrRunTimeout) {
			err = fmt.Errorf("%w after %s: %v", agent.ErrRunTimeout, timeout, err)
		}
	}()

	assistantID := d.cfg.AssistantID
	if assistantID == "" {
		asst, err := d.upstream.CreateAssistant(actx, &agent.CreateAssistantRequest{Model: placeholderModel}, opts)
		if err != nil {
			return nil, fmt.Errorf("create assistant: %w", err)
		}
		assistantID = asst.ID
	}

	thread, err := d.upstream.CreateThread(actx, opts)
	if err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	span.SetAttributes(attribute.String("agent.thread_id", thread.ID))

	var run *agent.Run
	defer func() {
		d.cleanup(ctx, thread.ID, run, opts)
	}()

	// Messages we wrote ourselves are excluded when reading the reply back.
	sent := make(map[string]bool, len(cc.Turns)+1)
	for _, turn := range cc.Turns {
		role := agent.RoleUser
		if turn.Role == domain.RoleAgent {
			role = agent.RoleAssistant
		}
		msg, err := d.upstream.CreateMessage(actx, thread.ID, &agent.CreateMessageRequest{Role: role, Content: turn.Content}, opts)
		if err != nil {
			return nil, fmt.Errorf("replay turn %d: %w", turn.Ordinal, err)
		}
		sent[msg.ID] = true
	}
	msg, err := d.upstream.CreateMessage(actx, thread.ID, &agent.CreateMessageRequest{Role: agent.RoleUser, Content: cc.Query}, opts)
	if err != nil {
		return nil, fmt.Errorf("send query: %w", err)
	}
	sent[msg.ID] = true

	run, err = d.upstream.CreateRun(actx, thread.ID, &agent.CreateRunRequest{AssistantID: assistantID}, opts)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	for run.Pending() {
		if err := d.sleep(actx, d.cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("%w: run %s still %s: %v", agent.ErrRunTimeout, run.ID, run.Status, err)
		}
		next, err := d.upstream.GetRun(actx, thread.ID, run.ID, opts)
		if err != nil {
			return nil, fmt.Errorf("poll run: %w", err)
		}
		run = next
	}
	span.SetAttributes(attribute.String("agent.run_status", run.Status))

	if run.Status != agent.RunStatusCompleted {
		return nil, agent.NewRunError(run)
	}

	list, err := d.upstream.ListMessages(actx, thread.ID, agent.ListOptions{Order: agent.OrderDesc}, opts)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	messages := make([]domain.AgentMessage, 0, len(list.Data))
	for _, m := range list.Data {
		if sent[m.ID] {
			continue
		}
		role := domain.RoleUser
		if m.Role == agent.RoleAssistant {
			role = domain.RoleAgent
		}
		messages = append(messages, domain.AgentMessage{ID: m.ID, Role: role, Content: m.Text()})
	}

	answer, err := conversation.ExtractLatestReply(messages, conversation.NewestFirst)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}

	reply = &Reply{Answer: answer}
	if co.details {
		reply.Details = d.details(actx, thread.ID, run, len(list.Data), answer, opts)
	}
	return reply, nil
}

// details collects diagnostics. Failures here never fail the query.
func (d *Dispatcher) details(ctx context.Context, threadID string, run *agent.Run, messages int, answer string, opts *agent.RequestOptions) *domain.RunDetails {
	details := &domain.RunDetails{RunStatus: run.Status, MessagesCount: messages}
	steps, err := d.upstream.ListRunSteps(ctx, threadID, run.ID, opts)
	if err != nil {
		d.logger.Warn("failed to list run steps", slog.String("run_id", run.ID), slog.String("error", err.Error()))
		return details
	}
	details.StepsCount = len(steps.Data)
	details.SQLQueries = agent.ExtractSQL(steps.Data)
	if len(details.SQLQueries) == 0 {
		return details
	}

	details.DataPreviews, details.DataRetrievalQuery = agent.ExtractDataPreviews(steps.Data)
	if table := agent.ExtractMarkdownTable(answer); table != "" {
		details.DataPreviews = append(details.DataPreviews, table)
	}
	if details.DataRetrievalQuery == "" && len(details.DataPreviews) > 0 {
		details.DataRetrievalQuery = details.SQLQueries[0]
	}
	return details
}

// cleanup cancels an unfinished run and deletes the thread. It runs on every
// exit path, detached from the caller's cancellation.
func (d *Dispatcher) cleanup(ctx context.Context, threadID string, run *agent.Run, opts *agent.RequestOptions) {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.CleanupTimeout)
	defer cancel()

	if run != nil && run.Pending() {
		if _, err := d.upstream.CancelRun(cctx, threadID, run.ID, opts); err != nil {
			d.logger.Warn("failed to cancel agent run",
				slog.String("thread_id", threadID),
				slog.String("run_id", run.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := d.upstream.DeleteThread(cctx, threadID, opts); err != nil {
		d.logger.Warn("failed to delete agent thread",
			slog.String("thread_id", threadID),
			slog.String("error", err.Error()),
		)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
