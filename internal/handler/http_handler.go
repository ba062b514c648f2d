package handler

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/pesio-ai/be-contract-workflow/internal/errors"
	"github.com/pesio-ai/be-contract-workflow/internal/logger"
	"github.com/pesio-ai/be-contract-workflow/internal/repository"
	"github.com/pesio-ai/be-contract-workflow/internal/service"
)

// UserIDHeader carries the trusted caller id.
const UserIDHeader = "X-User-ID"

// HTTPHandler handles HTTP requests for workflows, tasks and scenarios.
type HTTPHandler struct {
	workflow  *service.WorkflowService
	ledger    *service.TaskLedger
	scenarios *service.ScenarioService
	recon     *service.ReconciliationService
	log       *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler
func NewHTTPHandler(
	workflow *service.WorkflowService,
	ledger *service.TaskLedger,
	scenarios *service.ScenarioService,
	recon *service.ReconciliationService,
	log *logger.Logger,
) *HTTPHandler {
	return &HTTPHandler{
		workflow:  workflow,
		ledger:    ledger,
		scenarios: scenarios,
		recon:     recon,
		log:       log.Named("http"),
	}
}

// Register mounts the API routes on r.
func (h *HTTPHandler) Register(r *mux.Router) {
	api := r.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.StartWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows/submit", h.SubmitForApproval).Methods(http.MethodPost)
	api.HandleFunc("/workflows/drafts", h.CreateDraft).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}", h.GetInstanceStatus).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/submit", h.SubmitDraft).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/tasks", h.ListTasks).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/history", h.History).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/abort", h.Abort).Methods(http.MethodPost)
	api.HandleFunc("/workflows/{id}/retry-assignment", h.RetryAssignment).Methods(http.MethodPost)

	api.HandleFunc("/tasks/pending", h.ListPending).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{id}/resolve", h.ResolveTask).Methods(http.MethodPost)
	api.HandleFunc("/tasks/{id}/delegate", h.Delegate).Methods(http.MethodPost)

	api.HandleFunc("/scenarios", h.ListScenarios).Methods(http.MethodGet)
	api.HandleFunc("/scenarios/{id}", h.UpsertScenario).Methods(http.MethodPut)
	api.HandleFunc("/scenarios/{id}/nodes", h.GetNodes).Methods(http.MethodGet)
	api.HandleFunc("/scenarios/{id}/nodes", h.AddNode).Methods(http.MethodPost)
	api.HandleFunc("/scenarios/{id}/nodes/order", h.ReorderNodes).Methods(http.MethodPut)
	api.HandleFunc("/scenarios/{id}/nodes/{nodeId}", h.RemoveNode).Methods(http.MethodDelete)

	api.HandleFunc("/reconciliation", h.Audit).Methods(http.MethodGet)
	api.HandleFunc("/reconciliation/repair", h.Repair).Methods(http.MethodPost)
}

// ── Workflows ─────────────────────────────────────────────────────────────────

// StartWorkflow handles POST /api/v1/workflows
func (h *HTTPHandler) StartWorkflow(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = r.Header.Get(UserIDHeader)
	}
	inst, err := h.workflow.Start(r.Context(), req)
	h.respondInstance(w, http.StatusCreated, inst, err)
}

// SubmitForApproval handles POST /api/v1/workflows/submit
func (h *HTTPHandler) SubmitForApproval(w http.ResponseWriter, r *http.Request) {
	var req service.SubmitRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = r.Header.Get(UserIDHeader)
	}
	inst, err := h.workflow.Submit(r.Context(), req)
	h.respondInstance(w, http.StatusCreated, inst, err)
}

// CreateDraft handles POST /api/v1/workflows/drafts
func (h *HTTPHandler) CreateDraft(w http.ResponseWriter, r *http.Request) {
	var req service.StartRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.RequesterID == "" {
		req.RequesterID = r.Header.Get(UserIDHeader)
	}
	inst, err := h.workflow.CreateDraft(r.Context(), req)
	h.respondInstance(w, http.StatusCreated, inst, err)
}

// SubmitDraft handles POST /api/v1/workflows/{id}/submit
func (h *HTTPHandler) SubmitDraft(w http.ResponseWriter, r *http.Request) {
	inst, err := h.workflow.SubmitDraft(r.Context(), mux.Vars(r)["id"], r.Header.Get(UserIDHeader))
	h.respondInstance(w, http.StatusOK, inst, err)
}

// GetInstanceStatus handles GET /api/v1/workflows/{id}
func (h *HTTPHandler) GetInstanceStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.workflow.GetInstanceStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// ListTasks handles GET /api/v1/workflows/{id}/tasks
func (h *HTTPHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.ledger.ListTasks(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": orEmpty(tasks),
		"count": len(tasks),
	})
}

// History handles GET /api/v1/workflows/{id}/history
func (h *HTTPHandler) History(w http.ResponseWriter, r *http.Request) {
	events, err := h.workflow.History(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": orEmpty(events),
		"count":  len(events),
	})
}

// Abort handles POST /api/v1/workflows/{id}/abort
func (h *HTTPHandler) Abort(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}
	inst, err := h.workflow.Abort(r.Context(), mux.Vars(r)["id"], r.Header.Get(UserIDHeader), req.Reason)
	h.respondInstance(w, http.StatusOK, inst, err)
}

// RetryAssignment handles POST /api/v1/workflows/{id}/retry-assignment
func (h *HTTPHandler) RetryAssignment(w http.ResponseWriter, r *http.Request) {
	st, err := h.workflow.RetryAssignment(r.Context(), mux.Vars(r)["id"], r.Header.Get(UserIDHeader))
	h.respondStatus(w, st, err)
}

// ── Tasks ─────────────────────────────────────────────────────────────────────

// ListPending handles GET /api/v1/tasks/pending
func (h *HTTPHandler) ListPending(w http.ResponseWriter, r *http.Request) {
	assignee := r.Header.Get(UserIDHeader)
	if q := r.URL.Query().Get("assignee_id"); q != "" {
		assignee = q
	}
	tasks, err := h.ledger.ListPending(r.Context(), assignee)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"tasks": orEmpty(tasks),
		"count": len(tasks),
	})
}

// ResolveTask handles POST /api/v1/tasks/{id}/resolve
func (h *HTTPHandler) ResolveTask(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		Outcome string `json:"outcome"`
		Comment string `json:"comment"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	st, err := h.workflow.Resolve(r.Context(), service.ResolveRequest{
		TaskID:  mux.Vars(r)["id"],
		ActorID: actor,
		Outcome: req.Outcome,
		Comment: req.Comment,
	})
	h.respondStatus(w, st, err)
}

// Delegate handles POST /api/v1/tasks/{id}/delegate
func (h *HTTPHandler) Delegate(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.requireUser(w, r)
	if !ok {
		return
	}
	var req struct {
		ToUserID string `json:"to_user_id"`
		Reason   string `json:"reason"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	task, err := h.workflow.Delegate(r.Context(), mux.Vars(r)["id"], actor, req.ToUserID, req.Reason)
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// ── Scenarios ─────────────────────────────────────────────────────────────────

// ListScenarios handles GET /api/v1/scenarios
func (h *HTTPHandler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	list, err := h.scenarios.ListScenarios(r.Context())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"scenarios": orEmpty(list),
		"count":     len(list),
	})
}

// UpsertScenario handles PUT /api/v1/scenarios/{id}
func (h *HTTPHandler) UpsertScenario(w http.ResponseWriter, r *http.Request) {
	var sc repository.Scenario
	if !h.decode(w, r, &sc) {
		return
	}
	sc.ScenarioID = mux.Vars(r)["id"]
	if err := h.scenarios.UpsertScenario(r.Context(), &sc); err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, sc)
}

// GetNodes handles GET /api/v1/scenarios/{id}/nodes
func (h *HTTPHandler) GetNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.scenarios.GetNodes(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"nodes": orEmpty(nodes),
		"count": len(nodes),
	})
}

// AddNode handles POST /api/v1/scenarios/{id}/nodes?mode=shift|strict
func (h *HTTPHandler) AddNode(w http.ResponseWriter, r *http.Request) {
	var node repository.ScenarioNode
	if !h.decode(w, r, &node) {
		return
	}
	node.ScenarioID = mux.Vars(r)["id"]
	mode := service.InsertMode(r.URL.Query().Get("mode"))
	if err := h.scenarios.AddNode(r.Context(), &node, mode); err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusCreated, node)
}

// ReorderNodes handles PUT /api/v1/scenarios/{id}/nodes/order
func (h *HTTPHandler) ReorderNodes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeIDs []string `json:"node_ids"`
	}
	if !h.decode(w, r, &req) {
		return
	}
	id := mux.Vars(r)["id"]
	if err := h.scenarios.ReorderNodes(r.Context(), id, req.NodeIDs); err != nil {
		h.writeError(w, err, nil)
		return
	}
	h.GetNodes(w, r)
}

// RemoveNode handles DELETE /api/v1/scenarios/{id}/nodes/{nodeId}
func (h *HTTPHandler) RemoveNode(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if err := h.scenarios.RemoveNode(r.Context(), vars["id"], vars["nodeId"]); err != nil {
		h.writeError(w, err, nil)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ── Reconciliation ────────────────────────────────────────────────────────────

// Audit handles GET /api/v1/reconciliation
func (h *HTTPHandler) Audit(w http.ResponseWriter, r *http.Request) {
	report, err := h.recon.Audit(r.Context())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Repair handles POST /api/v1/reconciliation/repair
func (h *HTTPHandler) Repair(w http.ResponseWriter, r *http.Request) {
	h.log.Warn().Str("user_id", r.Header.Get(UserIDHeader)).Msg("Reconciliation repair requested")
	result, err := h.recon.Repair(r.Context())
	if err != nil {
		h.writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ── helpers ───────────────────────────────────────────────────────────────────

func (h *HTTPHandler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, errors.InvalidInput("body", err.Error()), nil)
		return false
	}
	return true
}

func (h *HTTPHandler) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserIDHeader)
	if id == "" {
		h.writeError(w, errors.InvalidInput(UserIDHeader, "header required"), nil)
		return "", false
	}
	return id, true
}

// respondInstance writes inst, or the error together with inst when the
// instance was committed but blocked.
func (h *HTTPHandler) respondInstance(w http.ResponseWriter, okStatus int, inst *repository.Instance, err error) {
	if err != nil {
		if inst != nil {
			h.writeError(w, err, inst)
		} else {
			h.writeError(w, err, nil)
		}
		return
	}
	writeJSON(w, okStatus, inst)
}

func (h *HTTPHandler) respondStatus(w http.ResponseWriter, st *service.InstanceStatus, err error) {
	if err != nil {
		if st != nil {
			h.writeError(w, err, st)
		} else {
			h.writeError(w, err, nil)
		}
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error, data any) {
	code := errors.CodeOf(err)
	status := errors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Str("code", string(code)).Msg("Request failed")
	}

	body := map[string]interface{}{
		"error": map[string]interface{}{
			"code":    code,
			"message": err.Error(),
			"details": errors.DetailsOf(err),
		},
	}
	if data != nil {
		body["data"] = data
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
