// ABOUTME: JSON HTTP API for the relay: send a message, view a session, and report health
// ABOUTME: Routes are registered on a shared mux and optionally guarded by JWT bearer auth

package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-relay/internal/auth"
	"github.com/2389/coven-relay/internal/frontend"
	"github.com/2389/coven-relay/internal/provider"
	"github.com/2389/coven-relay/internal/store"
)

// Transport is the name used for logging and de-duplication keys.
const Transport = "http"

// maxBodyBytes bounds POST /api/send request bodies.
const maxBodyBytes = 1 << 20

// Dispatcher is the part of frontend.Dispatcher the API uses.
type Dispatcher interface {
	Dispatch(ctx context.Context, in frontend.Inbound) frontend.Result
}

// SessionReader loads a session for the history view.
type SessionReader interface {
	Session(ctx context.Context, sessionKey string) (*store.Session, error)
}

// StatusReporter lists provider capabilities for /health.
type StatusReporter interface {
	Status() []provider.Capability
}

// SendRequest is the JSON body for POST /api/send.
type SendRequest struct {
	// ID is an optional client request id. Retrying with the same id is a no-op.
	ID         string `json:"id,omitempty"`
	SessionKey string `json:"session_key"`
	Text       string `json:"text"`
}

// SendResponse is the JSON response for POST /api/send.
type SendResponse struct {
	ID         string               `json:"id,omitempty"`
	SessionKey string               `json:"session_key"`
	Replies    []frontend.ReplyView `json:"replies"`
	Duplicate  bool                 `json:"duplicate,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// TurnView is one history entry in SessionResponse.
type TurnView struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// SessionResponse is the JSON response for GET /api/sessions/{key}.
type SessionResponse struct {
	SessionKey string     `json:"session_key"`
	State      string     `json:"state"`
	Version    int64      `json:"version"`
	UpdatedAt  string     `json:"updated_at,omitempty"`
	History    []TurnView `json:"history"`
}

// HealthResponse is the JSON response for GET /health.
type HealthResponse struct {
	Status    string           `json:"status"`
	Providers []CapabilityView `json:"providers"`
}

// CapabilityView is one provider in HealthResponse.
type CapabilityView struct {
	Kind       string `json:"kind"`
	Name       string `json:"name"`
	Credential string `json:"credential"`
	Enabled    bool   `json:"enabled"`
}

// Server serves the JSON API.
type Server struct {
	dispatcher Dispatcher
	sessions   SessionReader
	status     StatusReporter
	verifier   auth.TokenVerifier
	logger     *slog.Logger
}

// Config wires a Server. Verifier may be nil to disable authentication.
type Config struct {
	Dispatcher Dispatcher
	Sessions   SessionReader
	Status     StatusReporter
	Verifier   auth.TokenVerifier
}

// New creates an API server. Pass nil logger for default.
func New(cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		dispatcher: cfg.Dispatcher,
		sessions:   cfg.Sessions,
		status:     cfg.Status,
		verifier:   cfg.Verifier,
		logger:     logger.With("component", "httpapi"),
	}
}

// Register adds the API routes and /health to mux.
func (s *Server) Register(mux *http.ServeMux) {
	authMiddleware := auth.Middleware(s.verifier)
	mux.Handle("POST /api/send", authMiddleware(http.HandlerFunc(s.handleSend)))
	mux.Handle("GET /api/sessions/{key}", authMiddleware(http.HandlerFunc(s.handleSession)))
	s.RegisterHealth(mux)
}

// RegisterHealth adds only GET /health, which is never authenticated.
func (s *Server) RegisterHealth(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res := s.dispatcher.Dispatch(r.Context(), frontend.Inbound{
		Transport:  Transport,
		SessionKey: frontend.APISessionPrefix + req.SessionKey,
		DeliveryID: req.ID,
		Text:       req.Text,
	})

	resp := SendResponse{
		ID:         req.ID,
		SessionKey: req.SessionKey,
		Replies:    frontend.NewReplyViews(res.Replies),
		Duplicate:  res.Duplicate,
	}
	status := http.StatusOK
	if res.Err != nil {
		resp.Error = frontend.ErrorCode(res.Err)
		status = statusForCode(resp.Error)
	}
	if caller := auth.CallerFromContext(r.Context()); caller != "" {
		s.logger.Debug("api send", "caller", caller, "session_key", req.SessionKey, "status", status)
	}
	s.writeJSON(w, status, resp)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if key == "" {
		s.sendJSONError(w, http.StatusBadRequest, "session key is required")
		return
	}

	sess, err := s.sessions.Session(r.Context(), key)
	if err != nil {
		s.logger.Error("failed to load session", "session_key", key, "error", err)
		s.sendJSONError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, newSessionResponse(sess))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", Providers: []CapabilityView{}}
	if s.status != nil {
		for _, c := range s.status.Status() {
			resp.Providers = append(resp.Providers, CapabilityView{
				Kind:       c.Kind,
				Name:       c.Name,
				Credential: c.Credential,
				Enabled:    c.Enabled,
			})
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func newSessionResponse(sess *store.Session) SessionResponse {
	resp := SessionResponse{
		SessionKey: sess.Key,
		State:      sess.State.Name(),
		Version:    sess.Version,
		History:    []TurnView{},
	}
	if !sess.UpdatedAt.IsZero() {
		resp.UpdatedAt = sess.UpdatedAt.UTC().Format(time.RFC3339)
	}
	for _, t := range sess.History() {
		resp.History = append(resp.History, TurnView{Role: string(t.Role), Text: t.Text})
	}
	return resp
}

// statusForCode maps an engine error code to an HTTP status.
func statusForCode(code string) int {
	switch code {
	case frontend.ErrorCodeBusy:
		return http.StatusServiceUnavailable
	case frontend.ErrorCodeProvider:
		return http.StatusBadGateway
	case frontend.ErrorCodeCancelled:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// parseSendRequest decodes and validates a SendRequest.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	req.SessionKey = strings.TrimSpace(req.SessionKey)
	if req.SessionKey == "" {
		return nil, errors.New("session_key is required")
	}
	return &req, nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("failed to write response", "error", err)
	}
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
