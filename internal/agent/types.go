package agent

import (
	"encoding/json"
	"strings"
)

// Run statuses reported by the agent.
const (
	RunStatusQueued         = "queued"
	RunStatusInProgress     = "in_progress"
	RunStatusRequiresAction = "requires_action"
	RunStatusCancelling     = "cancelling"
	RunStatusCancelled      = "cancelled"
	RunStatusFailed         = "failed"
	RunStatusCompleted      = "completed"
	RunStatusIncomplete     = "incomplete"
	RunStatusExpired        = "expired"
)

// Message roles as spelled on the wire.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Assistant is the agent handle a run executes against.
type Assistant struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
	Model     string `json:"model"`
}

// CreateAssistantRequest creates an assistant. The data agent ignores the
// model but the field is required by the protocol.
type CreateAssistantRequest struct {
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
}

// Thread is an upstream conversation container.
type Thread struct {
	ID        string `json:"id"`
	Object    string `json:"object"`
	CreatedAt int64  `json:"created_at"`
}

// DeleteResponse acknowledges a deletion.
type DeleteResponse struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Deleted bool   `json:"deleted"`
}

// CreateMessageRequest appends a message to a thread.
type CreateMessageRequest struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Message is a thread message.
type Message struct {
	ID          string           `json:"id"`
	Object      string           `json:"object"`
	CreatedAt   int64            `json:"created_at"`
	ThreadID    string           `json:"thread_id"`
	Role        string           `json:"role"`
	Content     []MessageContent `json:"content"`
	AssistantID string           `json:"assistant_id,omitempty"`
	RunID       string           `json:"run_id,omitempty"`
}

// MessageContent is one content part of a message.
type MessageContent struct {
	Type string       `json:"type"`
	Text *TextContent `json:"text,omitempty"`
}

// TextContent holds message text.
type TextContent struct {
	Value       string            `json:"value"`
	Annotations []json.RawMessage `json:"annotations,omitempty"`
}

// Text returns the message's text parts joined by newlines.
func (m *Message) Text() string {
	var parts []string
	for _, c := range m.Content {
		if c.Text != nil && c.Text.Value != "" {
			parts = append(parts, c.Text.Value)
		}
	}
	return strings.Join(parts, "\n")
}

// MessageList is a page of thread messages.
type MessageList struct {
	Object  string    `json:"object"`
	Data    []Message `json:"data"`
	FirstID string    `json:"first_id"`
	LastID  string    `json:"last_id"`
	HasMore bool      `json:"has_more"`
}

// ListOrder is the sort order of list endpoints.
type ListOrder string

const (
	OrderDesc ListOrder = "desc"
	OrderAsc  ListOrder = "asc"
)

// ListOptions controls list endpoints.
type ListOptions struct {
	Order ListOrder
	Limit int
}

// CreateRunRequest starts a run on a thread.
type CreateRunRequest struct {
	AssistantID string `json:"assistant_id"`
}

// Run is one execution of the agent over a thread.
type Run struct {
	ID          string        `json:"id"`
	Object      string        `json:"object"`
	CreatedAt   int64         `json:"created_at"`
	ThreadID    string        `json:"thread_id"`
	AssistantID string        `json:"assistant_id"`
	Status      string        `json:"status"`
	LastError   *RunLastError `json:"last_error,omitempty"`
	StartedAt   *int64        `json:"started_at,omitempty"`
	CompletedAt *int64        `json:"completed_at,omitempty"`
	FailedAt    *int64        `json:"failed_at,omitempty"`
}

// RunLastError describes why a run failed.
type RunLastError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Pending reports whether the run has not reached a terminal state.
func (r *Run) Pending() bool {
	switch r.Status {
	case RunStatusQueued, RunStatusInProgress, RunStatusCancelling:
		return true
	default:
		return false
	}
}

// RunStep is one step of a run, e.g. a tool call that executed a query.
type RunStep struct {
	ID          string          `json:"id"`
	Object      string          `json:"object"`
	RunID       string          `json:"run_id"`
	Type        string          `json:"type"`
	Status      string          `json:"status"`
	StepDetails *RunStepDetails `json:"step_details,omitempty"`
}

// RunStepDetails holds the step payload.
type RunStepDetails struct {
	Type      string     `json:"type"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a tool invocation made by the agent.
type ToolCall struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	Function *FunctionCall `json:"function,omitempty"`
	// Output is set by some agents at the tool-call level rather than on
	// the function.
	Output string `json:"output,omitempty"`
}

// FunctionCall holds the arguments and output of a function tool call.
type FunctionCall struct {
	Name      string  `json:"name"`
	Arguments string  `json:"arguments"`
	Output    *string `json:"output,omitempty"`
}

// RunStepList is a page of run steps.
type RunStepList struct {
	Object  string    `json:"object"`
	Data    []RunStep `json:"data"`
	HasMore bool      `json:"has_more"`
}

// ErrorResponse is the error envelope returned by the agent.
type ErrorResponse struct {
	Error *APIError `json:"error"`
}

// APIError is the error body returned by the agent.
type APIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

// ParseErrorResponse attempts to parse an error response from JSON.
func ParseErrorResponse(data []byte) (*APIError, error) {
	var errResp ErrorResponse
	if err := json.Unmarshal(data, &errResp); err != nil {
		return nil, err
	}
	if errResp.Error == nil {
		return nil, nil
	}
	return errResp.Error, nil
}
