package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tjfontaine/dataagent-gateway/internal/agent"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
)

// fakeUpstream is a scripted agent. Each thread gets its own message list; a
// run completes after pendingPolls polls and appends the configured answer.
type fakeUpstream struct {
	mu sync.Mutex

	threadErr    error
	runErr       error
	runStatus    string
	pendingPolls int
	answer       string
	blockPolls   bool

	nextID    int
	threads   map[string][]agent.Message
	polls     map[string]int
	created   []string
	deleted   []string
	cancelled []string
	attempts  int
	replayed  [][]agent.CreateMessageRequest
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		runStatus: agent.RunStatusCompleted,
		answer:    "42",
		threads:   make(map[string][]agent.Message),
		polls:     make(map[string]int),
	}
}

func (f *fakeUpstream) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *fakeUpstream) CreateAssistant(ctx context.Context, req *agent.CreateAssistantRequest, opts *agent.RequestOptions) (*agent.Assistant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts++
	return &agent.Assistant{ID: f.id("asst")}, nil
}

func (f *fakeUpstream) CreateThread(ctx context.Context, opts *agent.RequestOptions) (*agent.Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.threadErr != nil {
		return nil, f.threadErr
	}
	id := f.id("thread")
	f.threads[id] = nil
	f.created = append(f.created, id)
	f.replayed = append(f.replayed, nil)
	return &agent.Thread{ID: id}, nil
}

func (f *fakeUpstream) DeleteThread(ctx context.Context, threadID string, opts *agent.RequestOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, threadID)
	delete(f.threads, threadID)
	return nil
}

func (f *fakeUpstream) CreateMessage(ctx context.Context, threadID string, req *agent.CreateMessageRequest, opts *agent.RequestOptions) (*agent.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := agent.Message{
		ID:      f.id("msg"),
		Role:    req.Role,
		Content: []agent.MessageContent{{Type: "text", Text: &agent.TextContent{Value: req.Content}}},
	}
	f.threads[threadID] = append(f.threads[threadID], msg)
	f.replayed[len(f.replayed)-1] = append(f.replayed[len(f.replayed)-1], *req)
	return &msg, nil
}

func (f *fakeUpstream) ListMessages(ctx context.Context, threadID string, list agent.ListOptions, opts *agent.RequestOptions) (*agent.MessageList, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.threads[threadID]
	out := make([]agent.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return &agent.MessageList{Data: out}, nil
}

func (f *fakeUpstream) CreateRun(ctx context.Context, threadID string, req *agent.CreateRunRequest, opts *agent.RequestOptions) (*agent.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &agent.Run{ID: f.id("run"), ThreadID: threadID, Status: agent.RunStatusQueued}, nil
}

func (f *fakeUpstream) GetRun(ctx context.Context, threadID, runID string, opts *agent.RequestOptions) (*agent.Run, error) {
	if f.blockPolls {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls[runID]++
	if f.polls[runID] <= f.pendingPolls {
		return &agent.Run{ID: runID, ThreadID: threadID, Status: agent.RunStatusInProgress}, nil
	}
	run := &agent.Run{ID: runID, ThreadID: threadID, Status: f.runStatus}
	if f.runStatus == agent.RunStatusCompleted && f.answer != "" {
		f.threads[threadID] = append(f.threads[threadID], agent.Message{
			ID:      f.id("msg"),
			Role:    agent.RoleAssistant,
			RunID:   runID,
			Content: []agent.MessageContent{{Type: "text", Text: &agent.TextContent{Value: f.answer}}},
		})
	}
	if f.runStatus == agent.RunStatusFailed {
		run.LastError = &agent.RunLastError{Code: "server_error", Message: "internal"}
	}
	return run, nil
}

func (f *fakeUpstream) CancelRun(ctx context.Context, threadID, runID string, opts *agent.RequestOptions) (*agent.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, runID)
	return &agent.Run{ID: runID, Status: agent.RunStatusCancelling}, nil
}

func (f *fakeUpstream) ListRunSteps(ctx context.Context, threadID, runID string, opts *agent.RequestOptions) (*agent.RunStepList, error) {
	out := `{"sql": "SELECT COUNT(*) FROM customers"}`
	return &agent.RunStepList{Data: []agent.RunStep{{
		ID: "step_1",
		StepDetails: &agent.RunStepDetails{
			Type:      "tool_calls",
			ToolCalls: []agent.ToolCall{{Type: "function", Function: &agent.FunctionCall{Name: "q", Arguments: out}}},
		},
	}}}, nil
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	s.delays = append(s.delays, d)
	s.mu.Unlock()
	return ctx.Err()
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDispatcher(up Upstream, cfg Config, sleeper *sleepRecorder) *Dispatcher {
	return New(up, cfg,
		WithLogger(quietLogger()),
		WithSleep(sleeper.sleep),
		WithRandom(func() float64 { return 0.5 }),
	)
}

func TestDispatch_Success(t *testing.T) {
	up := newFakeUpstream()
	up.pendingPolls = 2
	sleeper := &sleepRecorder{}
	d := newTestDispatcher(up, Config{PollInterval: 2 * time.Second}, sleeper)

	cc := &domain.ConversationContext{
		Turns: []domain.Turn{
			{Role: domain.RoleUser, Content: "how many customers?", Ordinal: 1},
			{Role: domain.RoleAgent, Content: "There are 40.", Ordinal: 2},
		},
		Query: "and now?",
	}
	reply, err := d.Dispatch(context.Background(), cc, "cred", time.Minute)
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if reply.Answer != "42" {
		t.Errorf("Answer = %q, want 42", reply.Answer)
	}
	if reply.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", reply.Attempts)
	}
	if reply.Details != nil {
		t.Error("Details collected without WithDetails")
	}

	// History replayed in order, with the query last.
	replayed := up.replayed[0]
	if len(replayed) != 3 || replayed[1].Role != agent.RoleAssistant || replayed[2].Content != "and now?" {
		t.Errorf("replayed = %+v", replayed)
	}
	// Two pending polls, each preceded by a poll interval wait, then the final poll.
	if len(sleeper.delays) != 3 {
		t.Errorf("poll waits = %v, want 3", sleeper.delays)
	}
	if len(up.deleted) != 1 || up.deleted[0] != up.created[0] {
		t.Errorf("thread not cleaned up: created %v deleted %v", up.created, up.deleted)
	}
}

func TestDispatch_IgnoresReplayedAgentTurns(t *testing.T) {
	up := newFakeUpstream()
	up.answer = ""
	d := newTestDispatcher(up, Config{}, &sleepRecorder{})

	cc := &domain.ConversationContext{
		Turns: []domain.Turn{{Role: domain.RoleAgent, Content: "a stale answer", Ordinal: 1}},
		Query: "new question",
	}
	_, err := d.Dispatch(context.Background(), cc, "cred", time.Minute)

	var ce *domain.ClassifiedError
	if !errors.As(err, &ce) || ce.Category != domain.CategoryEmptyReply {
		t.Fatalf("Dispatch() error = %v, want EmptyReply", err)
	}
	if up.attempts != 1 {
		t.Errorf("attempts = %d, EmptyReply must not be retried", up.attempts)
	}
}

func TestDispatch_WithDetails(t *testing.T) {
	up := newFakeUpstream()
	d := newTestDispatcher(up, Config{AssistantID: "asst_fixed"}, &sleepRecorder{})

	reply, err := d.Dispatch(context.Background(), &domain.ConversationContext{Query: "total count"}, "cred", time.Minute, WithDetails())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if reply.Details == nil {
		t.Fatal("Details = nil")
	}
	if reply.Details.RunStatus != agent.RunStatusCompleted || reply.Details.Attempts != 1 || reply.Details.StepsCount != 1 {
		t.Errorf("Details = %+v", reply.Details)
	}
	if reply.Details.MessagesCount != 2 {
		t.Errorf("MessagesCount = %d, want 2", reply.Details.MessagesCount)
	}
	if len(reply.Details.SQLQueries) != 1 || reply.Details.SQLQueries[0] != "SELECT COUNT(*) FROM customers" {
		t.Errorf("SQLQueries = %q", reply.Details.SQLQueries)
	}
	if len(reply.Details.DataPreviews) != 0 || reply.Details.DataRetrievalQuery != "" {
		t.Errorf("previews = %q, retrieval query = %q for a plain answer", reply.Details.DataPreviews, reply.Details.DataRetrievalQuery)
	}
	if up.attempts != 0 {
		t.Errorf("assistant created %d times with a configured assistant id", up.attempts)
	}
}

func TestDispatch_WithDetailsReplyTable(t *testing.T) {
	up := newFakeUpstream()
	up.answer = "Customers by region:\n\n| region | total |\n|---|---|\n| west | 12 |\n\nWest leads."
	d := newTestDispatcher(up, Config{AssistantID: "asst_fixed"}, &sleepRecorder{})

	reply, err := d.Dispatch(context.Background(), &domain.ConversationContext{Query: "customers by region"}, "cred", time.Minute, WithDetails())
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	want := "| region | total |\n|---|---|\n| west | 12 |"
	if len(reply.Details.DataPreviews) != 1 || reply.Details.DataPreviews[0] != want {
		t.Errorf("DataPreviews = %q, want [%q]", reply.Details.DataPreviews, want)
	}
	if reply.Details.DataRetrievalQuery != "SELECT COUNT(*) FROM customers" {
		t.Errorf("DataRetrievalQuery = %q", reply.Details.DataRetrievalQuery)
	}
}

func TestDispatch_RetriesExactlyMaxAttempts(t *testing.T) {
	up := newFakeUpstream()
	up.threadErr = &agent.StatusError{StatusCode: 503, Message: "overloaded"}
	sleeper := &sleepRecorder{}
	d := newTestDispatcher(up, Config{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second}, sleeper)

	_, err := d.Dispatch(context.Background(), &domain.ConversationContext{Query: "q"}, "cred", time.Minute)

	var ce *domain.ClassifiedError
	if !errors.As(err, &ce) {
		t.Fatalf("error = %T, want *domain.ClassifiedError", err)
	}
	if ce.Category != domain.CategoryUpstreamUnavailable {
		t.Errorf("Category = %s, want UpstreamUnavailable", ce.Category)
	}
	if up.attempts != 3 {
		t.Errorf("attempts = %d, want 3", up.attempts)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if fmt.Sprint(sleeper.delays) != fmt.Sprint(want) {
		t.Errorf("backoff = %v, want %v", sleeper.delays, want)
	}
}

func TestDispatch_NeverRetriesAuth(t *testing.T) {
	for _, status := range []int{401, 403, 404} {
		t.Run(fmt.Sprint(status), func(t *testing.T) {
			up := newFakeUpstream()
			up.threadErr = &agent.StatusError{StatusCode: status}
			sleeper := &sleepRecorder{}
			d := newTestDispatcher(up, Config{MaxAttempts: 5}, sleeper)

			_, err := d.Dispatch(context.Background(), &domain.ConversationContext{Query: "q"}, "cred", time.Minute)
			if err == nil {
				t.Fatal("Dispatch() error = nil")
			}
			if up.attempts != 1 {
				t.Errorf("attempts = %d, want 1", up.attempts)
			}
			if len(sleeper.delays) != 0 {
				t.Errorf("slept %v before giving up", sleeper.delays)
			}
		})
	}
}

func TestDispatch_FailedRunIsRetriedOnNewThread(t *testing.T) {
	up := newFakeUpstream()
	up.runStatus = agent.RunStatusFailed
	d := newTestDispatcher(up, Config{MaxAttempts: 2}, &sleepRecorder{})

	_, err := d.Dispatch(context.Background(), &domain.ConversationContext{Query: "q"}, "cred", time.Minute)
	var ce *domain.ClassifiedError
	if !errors.As(err, &ce) || ce.Category != domain.CategoryUpstreamUnavailable {
		t.Fatalf("error = %v, want UpstreamUnavailable", err)
	}
	if len(up.created) != 2 || up.created[0] == up.created[1] {
		t.Errorf("threads = %v, want two distinct threads", up.created)
	}
	if len(up.deleted) != 2 {
		t.Errorf("deleted = %v, want both threads", up.deleted)
	}
}

func TestDispatch_TimeoutCancelsRunAndCleansUp(t *testing.T) {
	up := newFakeUpstream()
	up.blockPolls = true
	d := New(up, Config{MaxAttempts: 2, PollInterval: time.Millisecond, BaseDelay: time.Millisecond},
		WithLogger(quietLogger()))

	start := time.Now()
	_, err := d.Dispatch(context.Background(), &domain.ConversationContext{Query: "q"}, "cred", 20*time.Millisecond)

	var ce *domain.ClassifiedError
	if !errors.As(err, &ce) || ce.Category != domain.CategoryTimedOut {
		t.Fatalf("error = %v, want TimedOut", err)
	}
	if up.attempts != 2 {
		t.Errorf("attempts = %d, want 2", up.attempts)
	}
	if len(up.cancelled) != 2 || len(up.deleted) != 2 {
		t.Errorf("cancelled %v deleted %v, want cleanup after each attempt", up.cancelled, up.deleted)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("elapsed %v, timeout not enforced", elapsed)
	}
}

func TestDispatch_CallerCancellationStopsRetries(t *testing.T) {
	up := newFakeUpstream()
	up.threadErr = &agent.StatusError{StatusCode: 503}
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	d := New(up, Config{MaxAttempts: 5},
		WithLogger(quietLogger()),
		WithSleep(func(ctx context.Context, d time.Duration) error {
			calls++
			cancel()
			return ctx.Err()
		}),
	)

	_, err := d.Dispatch(ctx, &domain.ConversationContext{Query: "q"}, "cred", time.Minute)
	if err == nil {
		t.Fatal("Dispatch() error = nil")
	}
	if up.attempts != 1 {
		t.Errorf("attempts = %d, want 1 after cancellation", up.attempts)
	}
	if calls != 1 {
		t.Errorf("sleep calls = %d, want 1", calls)
	}
}

func TestBackoff(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		random  float64
		attempt int
		want    time.Duration
	}{
		{"first", Config{BaseDelay: time.Second, MaxDelay: time.Minute}, 0.5, 0, time.Second},
		{"doubles", Config{BaseDelay: time.Second, MaxDelay: time.Minute}, 0.5, 3, 8 * time.Second},
		{"capped", Config{BaseDelay: time.Second, MaxDelay: 5 * time.Second}, 0.5, 4, 5 * time.Second},
		{"jitter low", Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}, 0, 1, 1600 * time.Millisecond},
		{"jitter high", Config{BaseDelay: time.Second, MaxDelay: time.Minute, Jitter: 0.2}, 1, 1, 2400 * time.Millisecond},
		{"jitter capped", Config{BaseDelay: time.Second, MaxDelay: 2 * time.Second, Jitter: 0.5}, 1, 1, 2 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := New(newFakeUpstream(), tt.cfg, WithRandom(func() float64 { return tt.random }))
			got := d.backoff(tt.attempt)
			if diff := got - tt.want; diff < -time.Millisecond || diff > time.Millisecond {
				t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.MaxAttempts != 3 || cfg.BaseDelay != time.Second || cfg.MaxDelay != 10*time.Second ||
		cfg.PollInterval != 2*time.Second || cfg.QueryTimeout != 120*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}
}
