package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/GoCodeAlone/courier/agent"
	"github.com/GoCodeAlone/courier/broker"
	"github.com/GoCodeAlone/courier/envelope"
	"github.com/GoCodeAlone/courier/policy"
	"github.com/GoCodeAlone/courier/registry"
	"github.com/GoCodeAlone/courier/store"
)

const (
	defaultListLimit = 50
	maxBodyBytes     = 256 << 10
)

// Handlers bundles all REST API handler dependencies.
type Handlers struct {
	Agents   AgentManager
	Messages Messenger
	Policies PolicyAdmin
	Metrics  MetricsReader
	Logger   *slog.Logger
	Version  string
	ServerID string
	StartAt  time.Time
}

// RegisterRoutes registers all protected API routes on the given mux.
func (h *Handlers) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/agents", h.listAgents)
	mux.HandleFunc("POST /api/agents", h.createAgent)
	mux.HandleFunc("GET /api/agents/{name}", h.getAgent)
	mux.HandleFunc("DELETE /api/agents/{name}", h.deleteAgent)
	mux.HandleFunc("POST /api/agents/{name}/activate", h.activateAgent)
	mux.HandleFunc("POST /api/agents/{name}/deactivate", h.deactivateAgent)

	mux.HandleFunc("POST /api/messages", h.sendMessage)
	mux.HandleFunc("GET /api/messages", h.listMessages)
	mux.HandleFunc("GET /api/messages/{id}", h.getMessage)
	mux.HandleFunc("GET /api/conversations", h.conversation)

	mux.HandleFunc("GET /api/policies", h.listPolicies)
	mux.HandleFunc("POST /api/policies", h.createPolicy)
	mux.HandleFunc("DELETE /api/policies/{name}", h.deletePolicy)
	mux.HandleFunc("POST /api/policies/{name}/enable", h.enablePolicy)
	mux.HandleFunc("POST /api/policies/{name}/disable", h.disablePolicy)
	mux.HandleFunc("GET /api/violations", h.listViolations)

	mux.HandleFunc("GET /api/metrics", h.listMetrics)
	mux.HandleFunc("GET /api/version", h.version)
}

// decodeBody reads a JSON request body of at most maxBodyBytes into v. It
// writes the error response and returns false on failure.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil {
		return true
	}
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body too large (max %d bytes)", maxBodyBytes))
		return false
	}
	writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, registry.ErrNotRegistered),
		errors.Is(err, broker.ErrRecipientNotRegistered),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, policy.ErrPolicyNotFound):
		return http.StatusNotFound
	case errors.Is(err, registry.ErrAlreadyRegistered),
		errors.Is(err, policy.ErrPolicyExists):
		return http.StatusConflict
	case errors.Is(err, broker.ErrContactNotAllowed):
		return http.StatusForbidden
	case errors.Is(err, broker.ErrInvalidType),
		errors.Is(err, registry.ErrInvalidName):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func (h *Handlers) fail(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError && h.Logger != nil {
		h.Logger.Error("api request failed", slog.Any("err", err))
	}
	writeError(w, status, err.Error())
}

// parseWindow reads start, end and limit query parameters. Times are
// RFC 3339.
func parseWindow(r *http.Request) (store.Window, error) {
	q := r.URL.Query()
	win := store.Window{Limit: defaultListLimit}
	if s := q.Get("start"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return win, fmt.Errorf("invalid start: %w", err)
		}
		win.Start = t
	}
	if s := q.Get("end"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return win, fmt.Errorf("invalid end: %w", err)
		}
		win.End = t
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return win, fmt.Errorf("invalid limit %q", l)
		}
		win.Limit = n
	}
	return win, nil
}

// --- Agent handlers ---

func (h *Handlers) listAgents(w http.ResponseWriter, _ *http.Request) {
	agents := h.Agents.ListAgents()
	if agents == nil {
		agents = []AgentInfo{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (h *Handlers) createAgent(w http.ResponseWriter, r *http.Request) {
	var spec agent.Spec
	if !decodeBody(w, r, &spec) {
		return
	}
	if spec.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	info, err := h.Agents.CreateAgent(r.Context(), spec)
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (h *Handlers) getAgent(w http.ResponseWriter, r *http.Request) {
	info, ok := h.Agents.GetAgent(r.PathValue("name"))
	if !ok {
		writeError(w, http.StatusNotFound, "agent not found")
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (h *Handlers) deleteAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.DeleteAgent(r.Context(), r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) activateAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.ActivateAgent(r.Context(), r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) deactivateAgent(w http.ResponseWriter, r *http.Request) {
	if err := h.Agents.DeactivateAgent(r.Context(), r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- Message handlers ---

type violationResponse struct {
	Error      string             `json:"error"`
	Violations []policy.Violation `json:"violations"`
}

func (h *Handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req broker.SendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Sender == "" || req.Recipient == "" {
		writeError(w, http.StatusBadRequest, "sender and recipient are required")
		return
	}
	env, err := h.Messages.Send(r.Context(), req)
	if err != nil {
		var pv *broker.PolicyViolationError
		if errors.As(err, &pv) {
			writeJSON(w, http.StatusUnprocessableEntity, violationResponse{Error: err.Error(), Violations: pv.Violations})
			return
		}
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (h *Handlers) listMessages(w http.ResponseWriter, r *http.Request) {
	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	msgs, err := h.Messages.Messages(r.Context(), store.Filter{
		Sender:    q.Get("sender"),
		Recipient: q.Get("recipient"),
		Window:    win,
	})
	if err != nil {
		h.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []*envelope.Envelope{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

type messageResponse struct {
	*envelope.Envelope
	State      store.State `json:"state"`
	RetryCount int         `json:"retry_count"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

func (h *Handlers) getMessage(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Messages.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, messageResponse{
		Envelope:   rec.Envelope,
		State:      rec.State,
		RetryCount: rec.RetryCount,
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	})
}

func (h *Handlers) conversation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	a, b := q.Get("a"), q.Get("b")
	if a == "" || b == "" {
		writeError(w, http.StatusBadRequest, "query parameters a and b are required")
		return
	}
	win, err := parseWindow(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := h.Messages.Conversation(r.Context(), a, b, win)
	if err != nil {
		h.fail(w, err)
		return
	}
	if msgs == nil {
		msgs = []*envelope.Envelope{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

// --- Policy handlers ---

type policyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Rule        string `json:"rule"`
	Priority    int    `json:"priority"`
	Enabled     *bool  `json:"enabled"`
}

func (h *Handlers) listPolicies(w http.ResponseWriter, _ *http.Request) {
	ps := h.Policies.List()
	if ps == nil {
		ps = []policy.Policy{}
	}
	writeJSON(w, http.StatusOK, ps)
}

func (h *Handlers) createPolicy(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Name == "" || req.Rule == "" {
		writeError(w, http.StatusBadRequest, "name and rule are required")
		return
	}
	p := policy.NewJudged(req.Name, req.Description, req.Priority, req.Rule)
	if req.Enabled != nil {
		p.Enabled = *req.Enabled
	}
	if err := h.Policies.Add(p); err != nil {
		h.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (h *Handlers) deletePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Policies.Remove(r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) enablePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Policies.Enable(r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) disablePolicy(w http.ResponseWriter, r *http.Request) {
	if err := h.Policies.Disable(r.PathValue("name")); err != nil {
		h.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handlers) listViolations(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid limit %q", l))
			return
		}
		limit = n
	}
	vs := h.Policies.Violations(r.URL.Query().Get("policy"), limit)
	if vs == nil {
		vs = []policy.Violation{}
	}
	writeJSON(w, http.StatusOK, vs)
}

// --- Metrics / status ---

func (h *Handlers) listMetrics(w http.ResponseWriter, r *http.Request) {
	ms, err := h.Metrics.Metrics(r.Context(), r.URL.Query().Get("agent"))
	if err != nil {
		h.fail(w, err)
		return
	}
	if ms == nil {
		ms = []store.Metric{}
	}
	writeJSON(w, http.StatusOK, ms)
}

func (h *Handlers) status(w http.ResponseWriter, _ *http.Request) {
	st := Status{Status: "ok", Version: h.Version, ServerID: h.ServerID}
	if !h.StartAt.IsZero() {
		st.Uptime = time.Since(h.StartAt)
	}
	if h.Agents != nil {
		for _, a := range h.Agents.ListAgents() {
			st.Agents++
			if a.State == string(registry.StateActive) {
				st.ActiveAgents++
			}
		}
	}
	writeJSON(w, http.StatusOK, st)
}

// StatusHandler returns the status handler function for external registration.
func (h *Handlers) StatusHandler() http.HandlerFunc {
	return h.status
}

func (h *Handlers) version(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": h.Version,
	})
}
