package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/dataagent-gateway/internal/agent"
)

// FakeAgent is an in-process stand-in for the data agent API. Runs complete
// on the first poll with Answer unless RunStatus or FailStatus say otherwise.
type FakeAgent struct {
	Server *httptest.Server

	mu sync.Mutex
	// Answer is appended as an assistant message when a run completes.
	Answer string
	// RunStatus is the terminal status reported on poll. "in_progress"
	// makes runs never finish.
	RunStatus string
	// FailStatus, when non-zero, makes every request fail with that status.
	FailStatus int
	// SQL is reported as a tool call in the run steps.
	SQL string

	nextID   int
	threads  map[string][]agent.Message
	requests atomic.Int64

	ThreadsCreated atomic.Int64
	ThreadsDeleted atomic.Int64
	RunsCreated    atomic.Int64
	RunsCancelled  atomic.Int64
	// Credentials records the bearer credential of every request.
	credentials []string
}

// NewFakeAgent starts a fake agent that answers "42". It is closed when the
// test ends.
func NewFakeAgent(t *testing.T) *FakeAgent {
	t.Helper()
	f := &FakeAgent{
		Answer:    "42",
		RunStatus: agent.RunStatusCompleted,
		threads:   make(map[string][]agent.Message),
	}

	r := chi.NewRouter()
	r.Use(f.record)
	r.Post("/assistants", f.createAssistant)
	r.Post("/threads", f.createThread)
	r.Delete("/threads/{thread}", f.deleteThread)
	r.Post("/threads/{thread}/messages", f.createMessage)
	r.Get("/threads/{thread}/messages", f.listMessages)
	r.Post("/threads/{thread}/runs", f.createRun)
	r.Get("/threads/{thread}/runs/{run}", f.getRun)
	r.Post("/threads/{thread}/runs/{run}/cancel", f.cancelRun)
	r.Get("/threads/{thread}/runs/{run}/steps", f.listSteps)

	f.Server = httptest.NewServer(r)
	t.Cleanup(f.Server.Close)
	return f
}

// URL returns the base URL to configure the agent client with.
func (f *FakeAgent) URL() string {
	return f.Server.URL
}

// Requests returns the number of requests received.
func (f *FakeAgent) Requests() int {
	return int(f.requests.Load())
}

// Credentials returns the bearer credentials seen so far.
func (f *FakeAgent) Credentials() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.credentials...)
}

// Set updates the fake's behaviour under its lock.
func (f *FakeAgent) Set(fn func(f *FakeAgent)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *FakeAgent) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		f.mu.Lock()
		f.credentials = append(f.credentials, r.Header.Get("Authorization"))
		status := f.FailStatus
		f.mu.Unlock()
		if status != 0 {
			writeJSON(w, status, agent.ErrorResponse{Error: &agent.APIError{
				Code:    fmt.Sprintf("status_%d", status),
				Message: http.StatusText(status),
			}})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (f *FakeAgent) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s_%d", prefix, f.nextID)
}

func (f *FakeAgent) createAssistant(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	id := f.id("asst")
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, agent.Assistant{ID: id, Object: "assistant"})
}

func (f *FakeAgent) createThread(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	id := f.id("thread")
	f.threads[id] = nil
	f.mu.Unlock()
	f.ThreadsCreated.Add(1)
	writeJSON(w, http.StatusOK, agent.Thread{ID: id, Object: "thread"})
}

func (f *FakeAgent) deleteThread(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "thread")
	f.mu.Lock()
	delete(f.threads, id)
	f.mu.Unlock()
	f.ThreadsDeleted.Add(1)
	writeJSON(w, http.StatusOK, agent.DeleteResponse{ID: id, Object: "thread.deleted", Deleted: true})
}

func (f *FakeAgent) createMessage(w http.ResponseWriter, r *http.Request) {
	var req agent.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, agent.ErrorResponse{Error: &agent.APIError{Message: err.Error()}})
		return
	}
	threadID := chi.URLParam(r, "thread")

	f.mu.Lock()
	msg := f.message(threadID, req.Role, req.Content, "")
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, msg)
}

// message appends a message to a thread. Callers hold f.mu.
func (f *FakeAgent) message(threadID, role, content, runID string) agent.Message {
	msg := agent.Message{
		ID:       f.id("msg"),
		Object:   "thread.message",
		ThreadID: threadID,
		Role:     role,
		RunID:    runID,
		Content:  []agent.MessageContent{{Type: "text", Text: &agent.TextContent{Value: content}}},
	}
	f.threads[threadID] = append(f.threads[threadID], msg)
	return msg
}

func (f *FakeAgent) listMessages(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	msgs := append([]agent.Message(nil), f.threads[chi.URLParam(r, "thread")]...)
	f.mu.Unlock()

	if r.URL.Query().Get("order") != string(agent.OrderAsc) {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	writeJSON(w, http.StatusOK, agent.MessageList{Object: "list", Data: msgs})
}

func (f *FakeAgent) createRun(w http.ResponseWriter, r *http.Request) {
	var req agent.CreateRunRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	f.mu.Lock()
	id := f.id("run")
	f.mu.Unlock()
	f.RunsCreated.Add(1)
	writeJSON(w, http.StatusOK, agent.Run{
		ID:          id,
		Object:      "thread.run",
		ThreadID:    chi.URLParam(r, "thread"),
		AssistantID: req.AssistantID,
		Status:      agent.RunStatusQueued,
	})
}

func (f *FakeAgent) getRun(w http.ResponseWriter, r *http.Request) {
	threadID, runID := chi.URLParam(r, "thread"), chi.URLParam(r, "run")

	f.mu.Lock()
	run := agent.Run{ID: runID, Object: "thread.run", ThreadID: threadID, Status: f.RunStatus}
	switch f.RunStatus {
	case agent.RunStatusCompleted:
		if f.Answer != "" && !f.answered(threadID, runID) {
			f.message(threadID, agent.RoleAssistant, f.Answer, runID)
		}
	case agent.RunStatusFailed:
		run.LastError = &agent.RunLastError{Code: "server_error", Message: "the agent failed"}
	}
	f.mu.Unlock()

	writeJSON(w, http.StatusOK, run)
}

// answered reports whether runID already produced its reply. Callers hold f.mu.
func (f *FakeAgent) answered(threadID, runID string) bool {
	for _, m := range f.threads[threadID] {
		if m.RunID == runID {
			return true
		}
	}
	return false
}

func (f *FakeAgent) cancelRun(w http.ResponseWriter, r *http.Request) {
	f.RunsCancelled.Add(1)
	writeJSON(w, http.StatusOK, agent.Run{
		ID:       chi.URLParam(r, "run"),
		Object:   "thread.run",
		ThreadID: chi.URLParam(r, "thread"),
		Status:   agent.RunStatusCancelling,
	})
}

func (f *FakeAgent) listSteps(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	sql := f.SQL
	f.mu.Unlock()

	list := agent.RunStepList{Object: "list"}
	if sql != "" {
		args, _ := json.Marshal(map[string]string{"query": sql})
		list.Data = append(list.Data, agent.RunStep{
			ID:     "step_1",
			Object: "thread.run.step",
			RunID:  chi.URLParam(r, "run"),
			Type:   "tool_calls",
			Status: agent.RunStatusCompleted,
			StepDetails: &agent.RunStepDetails{
				Type: "tool_calls",
				ToolCalls: []agent.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: &agent.FunctionCall{Name: "execute_sql", Arguments: string(args)},
				}},
			},
		})
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
