package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tjfontaine/dataagent-gateway/internal/domain"
)

// gatewayClient talks to the gateway HTTP API with one session.
type gatewayClient struct {
	baseURL string
	http    *http.Client
	token   string
}

func newGatewayClient(baseURL string) *gatewayClient {
	return &gatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 5 * time.Minute},
	}
}

type apiError struct {
	Status   int
	Category string `json:"category"`
	Message  string `json:"message"`
}

func (e *apiError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Category, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

type turn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type whoami struct {
	Subject              string     `json:"subject"`
	Name                 string     `json:"name"`
	Email                string     `json:"email"`
	CredentialValidUntil *time.Time `json:"credential_valid_until"`
	SessionExpiresAt     time.Time  `json:"session_expires_at"`
}

func (c *gatewayClient) login(ctx context.Context, credential string) error {
	var out struct {
		SessionToken string `json:"session_token"`
	}
	body := map[string]string{"access_token": credential}
	if err := c.do(ctx, http.MethodPost, "/api/auth/session", body, http.StatusCreated, &out); err != nil {
		return err
	}
	c.token = out.SessionToken
	return nil
}

func (c *gatewayClient) logout(ctx context.Context) error {
	if c.token == "" {
		return nil
	}
	err := c.do(ctx, http.MethodDelete, "/api/auth/session", nil, http.StatusNoContent, nil)
	c.token = ""
	return err
}

func (c *gatewayClient) whoami(ctx context.Context) (*whoami, error) {
	var out whoami
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// query submits a question. A classified failure comes back as a Result, not
// an error.
func (c *gatewayClient) query(ctx context.Context, q string, history []turn, details bool) (*domain.Result, error) {
	req := map[string]any{
		"query":                q,
		"conversation_history": history,
		"include_details":      details,
	}
	var result domain.Result
	err := c.do(ctx, http.MethodPost, "/api/query", req, http.StatusOK, &result)
	if err == nil || result.ErrorCategory != nil {
		return &result, nil
	}
	return nil, err
}

// do sends a request and decodes the response into out. Non-want statuses
// are decoded into out too when the body is a Result.
func (c *gatewayClient) do(ctx context.Context, method, path string, in any, want int, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == want {
		if out == nil || len(data) == 0 {
			return nil
		}
		return json.Unmarshal(data, out)
	}

	var envelope struct {
		Error *apiError `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error != nil {
		envelope.Error.Status = resp.StatusCode
		return envelope.Error
	}
	if out != nil {
		_ = json.Unmarshal(data, out)
	}
	return &apiError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
