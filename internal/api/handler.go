package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/nidhogg/tierflow/internal/approval"
	"github.com/nidhogg/tierflow/internal/engine"
	"github.com/nidhogg/tierflow/internal/ledger"
)

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	engine *engine.Engine
	gate   *approval.Gate
	ledger *ledger.Ledger
	logger *zap.Logger
}

// NewHandler creates a new API handler.
func NewHandler(eng *engine.Engine, gate *approval.Gate, ldg *ledger.Ledger, logger *zap.Logger) *Handler {
	return &Handler{
		engine: eng,
		gate:   gate,
		ledger: ldg,
		logger: logger,
	}
}

// Router builds the chi router with all routes.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.healthCheck)

		// Session routes
		r.Get("/sessions", h.listSessions)
		r.Get("/sessions/{id}", h.getSession)
		r.Delete("/sessions/{id}", h.deleteSession)
		r.Post("/sessions/{id}/messages", h.processMessage)
		r.Post("/sessions/{id}/halt", h.haltSession)
		r.Put("/sessions/{id}/persona", h.setPersona)
		r.Post("/sessions/{id}/rollback", h.rollbackSession)
		r.Get("/sessions/{id}/checkpoints", h.listCheckpoints)
		r.Get("/sessions/{id}/ledger", h.sessionLedger)
		r.Get("/sessions/{id}/turns", h.sessionTurns)

		// Approval routes
		r.Get("/approvals", h.listApprovals)
		r.Post("/approvals/{id}/resolve", h.resolveApproval)
	})

	return r
}

func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) listSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"sessions": h.engine.Sessions(),
	})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	st, err := h.engine.GetState(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.engine.DeleteSession(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type messageRequest struct {
	Message string `json:"message"`
}

func (h *Handler) processMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}

	result, err := h.engine.ProcessTurn(r.Context(), id, req.Message)
	if err != nil {
		var he *engine.HaltedError
		if errors.As(err, &he) {
			// A halted turn is a clean outcome, not a server fault.
			writeJSON(w, http.StatusOK, result)
			return
		}
		if errors.Is(err, engine.ErrSuspended) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		writeError(w, err)
		return
	}
	if result.ApprovalID != "" {
		writeJSON(w, http.StatusAccepted, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type haltRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (h *Handler) haltSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req haltRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}
	if err := h.engine.Halt(id, req.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "halt requested"})
}

type personaRequest struct {
	PersonaID string `json:"persona_id"`
}

func (h *Handler) setPersona(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req personaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.PersonaID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "persona_id is required"})
		return
	}

	st, err := h.engine.SetPersona(id, req.PersonaID)
	if err != nil {
		if errors.Is(err, engine.ErrSuspended) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
			return
		}
		if errors.Is(err, engine.ErrSessionNotFound) {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

type rollbackRequest struct {
	Step int `json:"step"`
}

func (h *Handler) rollbackSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req rollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.Step <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "step must be positive"})
		return
	}

	st, err := h.engine.Rollback(r.Context(), id, req.Step)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handler) listCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cps, err := h.engine.Checkpoints(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id":  id,
		"checkpoints": cps,
	})
}

func (h *Handler) sessionLedger(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, h.ledger.Summary(id))
}

func (h *Handler) sessionTurns(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"session_id": id,
		"turns":      h.ledger.Turns(id),
	})
}

func (h *Handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"pending": h.gate.Pending(),
	})
}

type resolveRequest struct {
	Decision   string         `json:"decision"`
	Args       map[string]any `json:"args,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
}

func (h *Handler) resolveApproval(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	if req.ResolvedBy == "" {
		req.ResolvedBy = "api"
	}

	err := h.gate.Resolve(id, approval.Decision(req.Decision), req.Args, req.ResolvedBy)
	if err != nil {
		if errors.Is(err, approval.ErrUnknownApproval) {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"approval_id": id,
		"status":      "resolved",
	})
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, engine.ErrSessionNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
