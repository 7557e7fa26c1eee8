package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tjfontaine/dataagent-gateway/internal/auth"
	"github.com/tjfontaine/dataagent-gateway/internal/domain"
	"github.com/tjfontaine/dataagent-gateway/internal/orchestrator"
	"github.com/tjfontaine/dataagent-gateway/internal/storage"
)

const (
	DefaultCookieName = "agw_session"

	maxBodyBytes = 256 << 10
)

// Core is the gateway API the handlers drive.
type Core interface {
	Authenticate(ctx context.Context, credential string, hint *domain.Identity) (string, error)
	SubmitQuery(ctx context.Context, token, query string, priorTurns []domain.Turn, opts ...orchestrator.QueryOption) (*domain.Result, error)
	Whoami(ctx context.Context, token string) (*domain.Session, error)
	EndSession(ctx context.Context, token string) error
}

var _ Core = (*orchestrator.Orchestrator)(nil)

// HandlerConfig controls the HTTP surface.
type HandlerConfig struct {
	Environment  string
	CookieName   string
	CookieSecure bool
	SessionTTL   time.Duration
}

// Handlers serves the gateway API.
type Handlers struct {
	core   Core
	store  storage.Pinger
	cfg    HandlerConfig
	logger *slog.Logger
}

// NewHandlers creates handlers. store is pinged by the health check and may
// be nil.
func NewHandlers(core Core, store storage.Pinger, cfg HandlerConfig, logger *slog.Logger) *Handlers {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{core: core, store: store, cfg: cfg, logger: logger}
}

// Mount registers the routes on r.
func (h *Handlers) Mount(r chi.Router) {
	r.Get("/health", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/auth/session", h.createSession)
		r.Delete("/auth/session", h.deleteSession)
		r.Get("/auth/me", h.me)
		r.Post("/query", h.query)
	})
}

type createSessionRequest struct {
	AccessToken string           `json:"access_token"`
	Identity    *identityPayload `json:"identity,omitempty"`
}

type identityPayload struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type createSessionResponse struct {
	SessionToken string `json:"session_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

type turnPayload struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type queryRequest struct {
	Query               string        `json:"query"`
	ConversationHistory []turnPayload `json:"conversation_history"`
	IncludeDetails      bool          `json:"include_details"`
}

type meResponse struct {
	Subject              string     `json:"subject"`
	Name                 string     `json:"name,omitempty"`
	Email                string     `json:"email,omitempty"`
	TenantID             string     `json:"tenant_id,omitempty"`
	CredentialValidUntil *time.Time `json:"credential_valid_until,omitempty"`
	SessionExpiresAt     time.Time  `json:"session_expires_at"`
}

type healthResponse struct {
	Status      string `json:"status"`
	Environment string `json:"environment,omitempty"`
	Store       string `json:"store"`
	Time        string `json:"time"`
}

type errorBody struct {
	Error errorDetail `json:"error"`
}

type errorDetail struct {
	Category string `json:"category,omitempty"`
	Message  string `json:"message"`
}

func (h *Handlers) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			AddError(r.Context(), err)
			writeError(w, http.StatusBadRequest, "", "invalid request body")
			return
		}
	}
	if req.AccessToken == "" {
		// Accept the credential as a bearer token as well.
		if bearer, err := auth.ExtractBearer(r); err == nil {
			req.AccessToken = bearer
		}
	}
	if req.AccessToken == "" {
		writeError(w, http.StatusBadRequest, "", "access_token is required")
		return
	}

	var hint *domain.Identity
	if req.Identity != nil {
		hint = &domain.Identity{Name: req.Identity.Name, Email: req.Identity.Email}
	}

	token, err := h.core.Authenticate(r.Context(), req.AccessToken, hint)
	if err != nil {
		h.writeClassified(w, r, err)
		return
	}

	ttl := h.cfg.SessionTTL
	http.SetCookie(w, h.cookie(token, int(ttl.Seconds())))
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionToken: token,
		TokenType:    "session",
		ExpiresIn:    int64(ttl.Seconds()),
	})
}

func (h *Handlers) deleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.core.EndSession(r.Context(), h.sessionToken(r)); err != nil {
		h.writeClassified(w, r, err)
		return
	}
	http.SetCookie(w, h.cookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) me(w http.ResponseWriter, r *http.Request) {
	sess, err := h.core.Whoami(r.Context(), h.sessionToken(r))
	if err != nil {
		h.writeClassified(w, r, err)
		return
	}
	AddLogField(r.Context(), "subject", sess.Identity.Subject)

	resp := meResponse{
		Subject:          sess.Identity.Subject,
		Name:             sess.Identity.Name,
		Email:            sess.Identity.Email,
		TenantID:         sess.Identity.TenantID,
		SessionExpiresAt: sess.ExpiresAt.UTC(),
	}
	if !sess.Identity.ValidUntil.IsZero() {
		until := sess.Identity.ValidUntil.UTC()
		resp.CredentialValidUntil = &until
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handlers) query(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, "", "invalid request body")
		return
	}

	turns := make([]domain.Turn, 0, len(req.ConversationHistory))
	for i, t := range req.ConversationHistory {
		role, ok := domain.ParseRole(t.Role)
		if !ok {
			// Left for the conversation manager to drop and log.
			role = domain.Role(t.Role)
		}
		turns = append(turns, domain.Turn{Role: role, Content: t.Content, Ordinal: i + 1})
	}

	var opts []orchestrator.QueryOption
	if req.IncludeDetails {
		opts = append(opts, orchestrator.WithDetails())
	}

	result, err := h.core.SubmitQuery(r.Context(), h.sessionToken(r), req.Query, turns, opts...)
	if errors.Is(err, orchestrator.ErrInvalidQuery) {
		AddError(r.Context(), err)
		writeError(w, http.StatusBadRequest, "", err.Error())
		return
	}
	if err != nil {
		AddError(r.Context(), err)
		writeError(w, http.StatusInternalServerError, string(domain.CategoryUnknown), domain.CategoryUnknown.UserMessage())
		return
	}

	if q := result.Quota; q != nil {
		SetRateLimits(r.Context(), &RateLimitInfo{
			RequestsLimit:     q.Limit,
			RequestsRemaining: q.Remaining,
			RetryAfter:        q.RetryAfter,
		})
	}

	status := http.StatusOK
	if !result.Success && result.ErrorCategory != nil {
		status = result.ErrorCategory.HTTPStatusCode()
		AddLogField(r.Context(), "category", string(*result.ErrorCategory))
	}
	writeJSON(w, status, result)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:      "healthy",
		Environment: h.cfg.Environment,
		Store:       "ok",
		Time:        time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if h.store != nil {
		if err := h.store.Ping(r.Context()); err != nil {
			AddError(r.Context(), err)
			resp.Status = "degraded"
			resp.Store = "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// sessionToken reads the session token from the Authorization header, then
// the session cookie.
func (h *Handlers) sessionToken(r *http.Request) string {
	if token, err := auth.ExtractBearer(r); err == nil {
		return token
	}
	if c, err := r.Cookie(h.cfg.CookieName); err == nil {
		return c.Value
	}
	return ""
}

func (h *Handlers) cookie(value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     h.cfg.CookieName,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.cfg.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func (h *Handlers) writeClassified(w http.ResponseWriter, r *http.Request, err error) {
	AddError(r.Context(), err)
	var ce *domain.ClassifiedError
	if !errors.As(err, &ce) {
		h.logger.Error("unclassified error reached the HTTP layer", slog.String("error", err.Error()))
		ce = domain.NewClassifiedError(domain.CategoryUnknown, err.Error())
	}
	AddLogField(r.Context(), "category", string(ce.Category))
	writeError(w, ce.Category.HTTPStatusCode(), string(ce.Category), ce.Message)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	return dec.Decode(v)
}

func writeError(w http.ResponseWriter, status int, category, message string) {
	writeJSON(w, status, errorBody{Error: errorDetail{Category: category, Message: message}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
