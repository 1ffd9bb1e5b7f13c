// Package api exposes the client-to-orchestrator interface of spec §6.2 as
// JSON-over-HTTP: create_session, send_message, submit_decision, and
// subscribe_events (the last delegated to transport/sse).
//
// Grounded on the teacher's orchestration.HITLHandler
// (orchestration/hitl_api.go): a thin handler struct wrapping the
// package's core collaborators, functional-option logger/telemetry
// injection, and a writeJSON/writeError pair shared by every route.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/fieldstack/blueprint/broadcast"
	"github.com/fieldstack/blueprint/core"
	"github.com/fieldstack/blueprint/decision"
	"github.com/fieldstack/blueprint/manager"
	"github.com/fieldstack/blueprint/state"
	"github.com/fieldstack/blueprint/transport/sse"
	"github.com/google/uuid"
)

// Handler provides the HTTP API for the orchestrator's client interface.
type Handler struct {
	store  *state.Store
	mgr    *manager.Manager
	gate   *decision.Gate
	sse    *sse.Handler
	logger core.Logger
	telem  core.Telemetry
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger overrides the handler's logger.
func WithLogger(l core.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithTelemetry overrides the handler's telemetry collaborator.
func WithTelemetry(t core.Telemetry) Option {
	return func(h *Handler) {
		if t != nil {
			h.telem = t
		}
	}
}

// New builds a Handler over the orchestrator's core collaborators.
func New(store *state.Store, mgr *manager.Manager, b *broadcast.Broadcaster, gate *decision.Gate, opts ...Option) *Handler {
	h := &Handler{
		store:  store,
		mgr:    mgr,
		gate:   gate,
		logger: &core.NoOpLogger{},
		telem:  &core.NoOpTelemetry{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.sse = sse.New(b, h.logger)
	return h
}

// RegisterRoutes wires the four operations onto mux (spec §6.2), mirroring
// HITLHandler.RegisterRoutes's pattern of one mux.HandleFunc per operation.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/sessions", h.HandleCreateSession)
	mux.HandleFunc("/sessions/", h.routeSessionSubpath)
}

func (h *Handler) routeSessionSubpath(w http.ResponseWriter, r *http.Request) {
	trimmed := strings.TrimPrefix(r.URL.Path, "/sessions/")
	switch {
	case strings.HasSuffix(trimmed, "/messages"):
		h.HandleSendMessage(w, r, strings.TrimSuffix(trimmed, "/messages"))
	case strings.HasSuffix(trimmed, "/decisions"):
		h.HandleSubmitDecision(w, r, strings.TrimSuffix(trimmed, "/decisions"))
	case strings.HasSuffix(trimmed, "/events"):
		h.HandleSubscribeEvents(w, r, strings.TrimSuffix(trimmed, "/events"))
	default:
		h.writeError(w, http.StatusNotFound, "unknown session subpath")
	}
}

type createSessionRequest struct {
	Query string          `json:"query"`
	Files []state.FileRef `json:"files,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

// HandleCreateSession implements create_session(initial_intake) -> session_id.
func (h *Handler) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}
	if req.Query == "" && len(req.Files) == 0 {
		h.writeError(w, http.StatusBadRequest, "query or files is required")
		return
	}

	sessionID := uuid.NewString()
	if _, err := h.store.Create(sessionID, req.Query, req.Files); err != nil {
		h.writeError(w, http.StatusInternalServerError, fmt.Sprintf("failed to create session: %s", err.Error()))
		return
	}

	h.mgr.Start(r.Context(), sessionID)
	h.writeJSON(w, http.StatusCreated, createSessionResponse{SessionID: sessionID})
}

type sendMessageRequest struct {
	Text        string          `json:"text"`
	Attachments []state.FileRef `json:"attachments,omitempty"`
}

// HandleSendMessage implements send_message(session_id, text, attachments?).
// Appending to query/files happens via Store.Apply; if the session was idle
// (complete/failed/new) a fresh manager loop iteration is started (spec §6.2).
func (h *Handler) HandleSendMessage(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	var req sendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	updated, _, err := h.store.Apply(sessionID, func(s *state.AppState) ([]state.FieldName, error) {
		if req.Text != "" {
			if s.Query == "" {
				s.Query = req.Text
			} else {
				s.Query = s.Query + "\n" + req.Text
			}
		}
		if len(req.Attachments) > 0 {
			s.Files = append(s.Files, req.Attachments...)
		}
		return nil, nil
	})
	if err != nil {
		h.writeError(w, http.StatusNotFound, fmt.Sprintf("failed to append message: %s", err.Error()))
		return
	}

	if updated.Status == state.StatusComplete || updated.Status == state.StatusFailed || updated.Status == state.StatusNew {
		h.mgr.Start(r.Context(), sessionID)
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"status": string(updated.Status)})
}

type submitDecisionRequest struct {
	DecisionID string `json:"decision_id"`
	Response   string `json:"response"`
}

// HandleSubmitDecision implements submit_decision(session_id, decision_id,
// response), resuming an awaiting_user session via the Decision Gate.
func (h *Handler) HandleSubmitDecision(w http.ResponseWriter, r *http.Request, sessionID string) {
	if r.Method != http.MethodPost {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed, use POST")
		return
	}
	var req submitDecisionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %s", err.Error()))
		return
	}

	if err := h.gate.Submit(r.Context(), sessionID, req.DecisionID, req.Response); err != nil {
		switch {
		case errors.Is(err, decision.ErrNoSuchDecision), errors.Is(err, decision.ErrStaleDecision):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, decision.ErrInvalidResponse):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "resumed"})
}

// HandleSubscribeEvents implements subscribe_events(session_id) -> event
// stream by delegating to the SSE transport binding.
func (h *Handler) HandleSubscribeEvents(w http.ResponseWriter, r *http.Request, sessionID string) {
	q := r.URL.Query()
	q.Set("session", sessionID)
	r.URL.RawQuery = q.Encode()
	h.sse.ServeHTTP(w, r)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("api: failed to encode response", map[string]interface{}{"error": err.Error()})
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
