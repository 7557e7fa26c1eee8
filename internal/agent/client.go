// Package agent is an HTTP client for the data agent's thread/run API.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	// DefaultAPIVersion is sent as the api-version query parameter.
	DefaultAPIVersion = "2024-05-01-preview"

	defaultUserAgent = "dataagent-gateway/1.0"
	maxErrorBody     = 64 << 10
)

// ClientOption configures the client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithAPIVersion overrides the api-version query parameter.
func WithAPIVersion(version string) ClientOption {
	return func(c *Client) {
		c.apiVersion = version
	}
}

// Client talks to one data agent endpoint. Credentials are supplied per
// request because each session carries its own.
type Client struct {
	baseURL    string
	apiVersion string
	httpClient *http.Client
}

// NewClient creates a client for the agent published at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiVersion: DefaultAPIVersion,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestOptions contains per-request options.
type RequestOptions struct {
	// Credential is sent as a bearer token.
	Credential string
	// ActivityID correlates calls belonging to one query. A new one is
	// generated when empty.
	ActivityID string
	// UserAgent is the User-Agent header to send with the request.
	UserAgent string
}

// CreateAssistant creates the assistant handle a run executes against.
func (c *Client) CreateAssistant(ctx context.Context, req *CreateAssistantRequest, opts *RequestOptions) (*Assistant, error) {
	var out Assistant
	if err := c.do(ctx, http.MethodPost, "/assistants", nil, req, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateThread creates an empty thread.
func (c *Client) CreateThread(ctx context.Context, opts *RequestOptions) (*Thread, error) {
	var out Thread
	if err := c.do(ctx, http.MethodPost, "/threads", nil, struct{}{}, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteThread deletes a thread and everything in it.
func (c *Client) DeleteThread(ctx context.Context, threadID string, opts *RequestOptions) error {
	var out DeleteResponse
	return c.do(ctx, http.MethodDelete, "/threads/"+url.PathEscape(threadID), nil, nil, &out, opts)
}

// CreateMessage appends a message to a thread.
func (c *Client) CreateMessage(ctx context.Context, threadID string, req *CreateMessageRequest, opts *RequestOptions) (*Message, error) {
	var out Message
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages lists a thread's messages.
func (c *Client) ListMessages(ctx context.Context, threadID string, list ListOptions, opts *RequestOptions) (*MessageList, error) {
	var out MessageList
	path := "/threads/" + url.PathEscape(threadID) + "/messages"
	if err := c.do(ctx, http.MethodGet, path, list.values(), nil, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateRun starts a run.
func (c *Client) CreateRun(ctx context.Context, threadID string, req *CreateRunRequest, opts *RequestOptions) (*Run, error) {
	var out Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun retrieves a run's current state.
func (c *Client) GetRun(ctx context.Context, threadID, runID string, opts *RequestOptions) (*Run, error) {
	var out Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID)
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRun asks the agent to stop a run.
func (c *Client) CancelRun(ctx context.Context, threadID, runID string, opts *RequestOptions) (*Run, error) {
	var out Run
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/cancel"
	if err := c.do(ctx, http.MethodPost, path, nil, struct{}{}, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRunSteps lists the steps of a run.
func (c *Client) ListRunSteps(ctx context.Context, threadID, runID string, opts *RequestOptions) (*RunStepList, error) {
	var out RunStepList
	path := "/threads/" + url.PathEscape(threadID) + "/runs/" + url.PathEscape(runID) + "/steps"
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &out, opts); err != nil {
		return nil, err
	}
	return &out, nil
}

func (l ListOptions) values() url.Values {
	v := url.Values{}
	if l.Order != "" {
		v.Set("order", string(l.Order))
	}
	if l.Limit > 0 {
		v.Set("limit", strconv.Itoa(l.Limit))
	}
	return v
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any, opts *RequestOptions) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	q := url.Values{}
	for k, vs := range query {
		q[k] = vs
	}
	q.Set("api-version", c.apiVersion)

	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path+"?"+q.Encode(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	c.setHeaders(httpReq, opts)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := &StatusError{StatusCode: resp.StatusCode}
		if apiErr, err := ParseErrorResponse(respBody); err == nil && apiErr != nil {
			statusErr.Type = apiErr.Type
			statusErr.Code = apiErr.Code
			statusErr.Message = apiErr.Message
		} else {
			statusErr.Message = strings.TrimSpace(string(respBody))
		}
		return statusErr
	}

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request, opts *RequestOptions) {
	req.Header.Set("Accept", "application/json")
	if req.Body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	activityID := ""
	if opts != nil {
		if opts.Credential != "" {
			req.Header.Set("Authorization", "Bearer "+opts.Credential)
		}
		activityID = opts.ActivityID
	}
	if activityID == "" {
		activityID = uuid.NewString()
	}
	req.Header.Set("ActivityId", activityID)

	// Set User-Agent - forward the incoming user agent if provided
	if opts != nil && opts.UserAgent != "" {
		req.Header.Set("User-Agent", opts.UserAgent)
	} else {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
}
