// Package api is the HTTP surface: the per-turn message RPC plus
// read-side endpoints for tasks, contexts and history.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/inletworks/inlet/internal/capability"
	"github.com/inletworks/inlet/internal/history"
	"github.com/inletworks/inlet/internal/run"
	"github.com/inletworks/inlet/internal/schema"
	"github.com/inletworks/inlet/internal/tasks"
)

type Server struct {
	Runner  *run.Runner
	History history.Store
	Tasks   *tasks.Store
	Tokens  *capability.Service
	Feed    *history.Feed

	// AdminToken guards token minting; empty disables the endpoint
	// guard entirely (local development).
	AdminToken string
	StartedAt  time.Time
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/messages", s.handleMessages)
	mux.HandleFunc("/api/tasks", s.handleTasks)
	mux.HandleFunc("/api/tasks/", s.handleTaskItem)
	mux.HandleFunc("/api/contexts", s.handleContexts)
	mux.HandleFunc("/api/contexts/", s.handleContextItem)
	mux.HandleFunc("/api/tokens", s.handleTokens)
	mux.HandleFunc("/api/streams/ws", s.handleStreamWS)

	return mux
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.StartedAt).Round(time.Second).String(),
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	filter := tasks.ListFilter{
		ContextID: r.URL.Query().Get("context"),
		Limit:     parseInt(r.URL.Query().Get("limit"), 100),
	}
	if raw := r.URL.Query().Get("state"); raw != "" {
		state, ok := schema.ParseTaskState(raw)
		if !ok {
			writeError(w, http.StatusBadRequest, errBadRequest("unknown state "+raw))
			return
		}
		filter.State = state
	}
	items, err := s.Tasks.List(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleTaskItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("task"))
		return
	}
	taskID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		task, err := s.Tasks.Get(r.Context(), taskID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, task)
		return
	}

	if segments[1] != "updates" {
		writeError(w, http.StatusNotFound, errNotFound("task action"))
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	updates, err := s.Tasks.ListUpdates(r.Context(), taskID, parseInt(r.URL.Query().Get("limit"), 200))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, updates)
}

func (s *Server) handleContexts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	contexts, err := s.History.ListContexts(r.Context(), parseInt(r.URL.Query().Get("limit"), 100))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, contexts)
}

func (s *Server) handleContextItem(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/contexts/")
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) == 0 || segments[0] == "" {
		writeError(w, http.StatusNotFound, errNotFound("context"))
		return
	}
	contextID := segments[0]

	if len(segments) == 1 {
		if r.Method != http.MethodGet {
			writeMethodNotAllowed(w)
			return
		}
		context, err := s.History.GetContext(r.Context(), contextID)
		if err != nil {
			writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, context)
		return
	}

	switch segments[1] {
	case "history":
		s.handleContextHistory(w, r, contextID)
	case "truncate":
		s.handleContextTruncate(w, r, contextID)
	default:
		writeError(w, http.StatusNotFound, errNotFound("context action"))
	}
}

func (s *Server) handleContextHistory(w http.ResponseWriter, r *http.Request, contextID string) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w)
		return
	}
	items, err := s.History.Load(r.Context(), contextID, history.LoadOptions{
		AsOfID: r.URL.Query().Get("as_of"),
		Limit:  parseInt(r.URL.Query().Get("limit"), 0),
	})
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	// raw=1 projects items down to the bare envelopes.
	if v := r.URL.Query().Get("raw"); v == "1" || v == "true" {
		raw := make([]json.RawMessage, 0, len(items))
		for _, env := range history.Envelopes(items) {
			data, err := schema.MarshalEnvelope(env)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			raw = append(raw, data)
		}
		writeJSON(w, http.StatusOK, raw)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Server) handleContextTruncate(w http.ResponseWriter, r *http.Request, contextID string) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	var payload struct {
		FromID string `json:"from_id"`
		Force  bool   `json:"force"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.FromID == "" {
		writeError(w, http.StatusBadRequest, errBadRequest("from_id is required"))
		return
	}
	removed, err := s.History.Truncate(r.Context(), contextID, payload.FromID, payload.Force)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": removed})
}

func (s *Server) handleTokens(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w)
		return
	}
	if s.Tokens == nil {
		writeError(w, http.StatusNotImplemented, errNotFound("token service"))
		return
	}
	if s.AdminToken != "" && r.Header.Get("X-Admin-Token") != s.AdminToken {
		writeError(w, http.StatusUnauthorized, errBadRequest("invalid admin token"))
		return
	}

	var payload struct {
		Subject   string           `json:"subject"`
		ContextID string           `json:"context_id,omitempty"`
		Global    capability.Grant `json:"global,omitempty"`
		Context   capability.Grant `json:"context,omitempty"`
		TTL       string           `json:"ttl,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	spec := capability.MintSpec{
		Subject:   payload.Subject,
		ContextID: payload.ContextID,
		Global:    payload.Global,
		Context:   payload.Context,
	}
	if payload.TTL != "" {
		ttl, err := time.ParseDuration(payload.TTL)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		spec.ExpiresAt = time.Now().UTC().Add(ttl)
	}
	wire, token, err := s.Tokens.Mint(r.Context(), spec)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      wire,
		"id":         token.ID,
		"expires_at": token.ExpiresAt,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, history.ErrContextNotFound),
		errors.Is(err, history.ErrItemNotFound),
		errors.Is(err, tasks.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, history.ErrArtifactFence),
		errors.Is(err, tasks.ErrTaskNotResumable),
		errors.Is(err, tasks.ErrInvalidStatusTransition):
		return http.StatusConflict
	case errors.Is(err, capability.ErrGrantExceedsIssuer),
		errors.Is(err, capability.ErrUnauthorized):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(body io.Reader, dest any) error {
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, schema.NewWireError(status, errType(status), err.Error()))
}

func writeMethodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, errBadRequest("method not allowed"))
}

func errType(status int) string {
	switch status {
	case http.StatusNotFound:
		return "not_found"
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusNotImplemented:
		return "not_implemented"
	default:
		return "internal"
	}
}

func parseInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

type notFoundError struct {
	msg string
}

func (e notFoundError) Error() string { return e.msg }

func errNotFound(target string) error {
	return notFoundError{msg: target + " not found"}
}

type badRequestError struct {
	msg string
}

func (e badRequestError) Error() string { return e.msg }

func errBadRequest(msg string) error {
	return badRequestError{msg: msg}
}
