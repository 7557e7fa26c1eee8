// Package conversation assembles the replayed context sent with each query
// and extracts the agent's answer from the thread read back afterwards.
package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/tjfontaine/dataagent-gateway/internal/domain"
)

// DefaultMaxTurns bounds replayed history when no limit is configured.
const DefaultMaxTurns = 20

// ErrEmptyReply is returned when a thread holds no answer from the agent.
var ErrEmptyReply = errors.New("agent returned no reply")

// Limits bounds the replayed history. MaxTokens of zero disables the token
// budget.
type Limits struct {
	MaxTurns  int
	MaxTokens int
}

// Order describes how a message list is sorted.
type Order int

const (
	NewestFirst Order = iota
	OldestFirst
)

// Manager builds conversation contexts. It is safe for concurrent use; limits
// may be swapped while requests are in flight.
type Manager struct {
	limits  atomic.Pointer[Limits]
	counter TokenCounter
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTokenCounter sets the counter used for the token budget.
func WithTokenCounter(c TokenCounter) Option {
	return func(m *Manager) {
		m.counter = c
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// NewManager creates a conversation manager.
func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		counter: EstimateCounter{},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.SetLimits(limits)
	return m
}

// SetLimits replaces the active limits.
func (m *Manager) SetLimits(l Limits) {
	if l.MaxTurns <= 0 {
		l.MaxTurns = DefaultMaxTurns
	}
	if l.MaxTokens < 0 {
		l.MaxTokens = 0
	}
	m.limits.Store(&l)
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	return *m.limits.Load()
}

// BuildContext validates and truncates prior turns and pairs them with the new
// query. Invalid turns are dropped, never rejected. Truncation removes the
// oldest turns first; the query itself is always kept. Caller order is
// preserved and ordinals are reassigned from 1.
func (m *Manager) BuildContext(ctx context.Context, prior []domain.Turn, query string) *domain.ConversationContext {
	limits := m.Limits()

	turns := make([]domain.Turn, 0, len(prior))
	dropped := 0
	for i, t := range prior {
		role, ok := domain.ParseRole(string(t.Role))
		if !ok {
			dropped++
			m.logger.WarnContext(ctx, "dropping conversation turn with unrecognised role",
				"position", i, "role", string(t.Role))
			continue
		}
		if strings.TrimSpace(t.Content) == "" {
			dropped++
			m.logger.WarnContext(ctx, "dropping empty conversation turn", "position", i, "role", string(role))
			continue
		}
		turns = append(turns, domain.Turn{Role: role, Content: t.Content})
	}

	kept := len(turns)
	if len(turns) > limits.MaxTurns {
		turns = turns[len(turns)-limits.MaxTurns:]
	}

	if limits.MaxTokens > 0 {
		total := m.counter.Count(query)
		costs := make([]int, len(turns))
		for i, t := range turns {
			costs[i] = turnTokens(m.counter, t)
			total += costs[i]
		}
		start := 0
		for start < len(turns) && total > limits.MaxTokens {
			total -= costs[start]
			start++
		}
		turns = turns[start:]
	}

	if truncated := kept - len(turns); truncated > 0 {
		m.logger.DebugContext(ctx, "truncated conversation history",
			"truncated", truncated, "kept", len(turns), "max_turns", limits.MaxTurns, "max_tokens", limits.MaxTokens)
	}
	if dropped > 0 {
		m.logger.InfoContext(ctx, "dropped invalid conversation turns", "dropped", dropped, "received", len(prior))
	}

	for i := range turns {
		turns[i].Ordinal = i + 1
	}
	return &domain.ConversationContext{Turns: turns, Query: query}
}

// ExtractLatestReply returns the text of the most recent agent message. It
// never joins several messages: a thread read back after history replay holds
// every earlier agent turn as well. An empty or missing newest agent message
// yields ErrEmptyReply.
func ExtractLatestReply(messages []domain.AgentMessage, order Order) (string, error) {
	n := len(messages)
	for i := 0; i < n; i++ {
		msg := messages[i]
		if order == OldestFirst {
			msg = messages[n-1-i]
		}
		if msg.Role != domain.RoleAgent {
			continue
		}
		if strings.TrimSpace(msg.Content) == "" {
			return "", ErrEmptyReply
		}
		return msg.Content, nil
	}
	return "", ErrEmptyReply
}
