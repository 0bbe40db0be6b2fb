package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/testmesh/orchestrator/control_plane/agents"
	"github.com/testmesh/orchestrator/control_plane/apierrors"
	"github.com/testmesh/orchestrator/control_plane/dispatch"
	"github.com/testmesh/orchestrator/control_plane/jobs"
	"github.com/testmesh/orchestrator/control_plane/middleware"
	"github.com/testmesh/orchestrator/control_plane/queue"
)

// API is the thin HTTP adapter over the core packages: apart from request
// body decoding and queue_snapshot's priority check, no handler below
// validates anything the core doesn't already validate, and none adds
// business logic of its own, passing requests straight through to the Job Registry,
// Agent Registry, Dispatcher, or Priority Queues (spec.md §6). Grounded on
// control_plane/api.go's one-handler-per-operation layout.
type API struct {
	Jobs        *jobs.Registry
	Agents      *agents.Registry
	Queues      *queue.Queues
	Dispatcher  *dispatch.Dispatcher
	LivenessTTL time.Duration
}

// writeError maps the apierrors taxonomy (spec.md §7) onto HTTP status
// codes, the one place in the adapter that knows about both.
func writeError(w http.ResponseWriter, err error) {
	var status int
	switch {
	case errors.As(err, new(*apierrors.ValidationError)):
		status = http.StatusBadRequest
	case errors.As(err, new(*apierrors.NotFoundError)):
		status = http.StatusNotFound
	case errors.As(err, new(*apierrors.ConflictError)):
		status = http.StatusConflict
	case errors.As(err, new(*apierrors.IllegalStateError)):
		status = http.StatusConflict
	case errors.As(err, new(*apierrors.ForbiddenError)):
		status = http.StatusForbidden
	case errors.As(err, new(*apierrors.AdmissionRejectedError)):
		status = http.StatusTooManyRequests
	case errors.As(err, new(*apierrors.StoreUnavailableError)):
		status = http.StatusServiceUnavailable
	default:
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// -- submit / get_job / list_jobs / cancel_job / transition_job --

func (a *API) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.handleListJobs(w, r)
	case http.MethodPost:
		a.handleSubmit(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req jobs.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Tenant == "" {
		if tenant, err := middleware.GetTenantFromContext(r.Context()); err == nil {
			req.Tenant = tenant
		}
	}

	job, qlen, err := a.Jobs.Submit(r.Context(), req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"job": job, "queue_length": qlen})
}

func (a *API) handleListJobs(w http.ResponseWriter, r *http.Request) {
	filter := jobs.Filter{
		Tenant: r.URL.Query().Get("tenant"),
		Build:  r.URL.Query().Get("build"),
		State:  jobs.State(r.URL.Query().Get("state")),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = n
		}
	}

	list, err := a.Jobs.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// jobIDFromPath extracts the id segment after prefix, e.g.
// "/jobs/abc123" with prefix "/jobs/" -> "abc123".
func jobIDFromPath(path, prefix string) string {
	return strings.TrimSuffix(strings.TrimPrefix(path, prefix), "/")
}

func (a *API) handleJobByID(w http.ResponseWriter, r *http.Request) {
	id := jobIDFromPath(r.URL.Path, "/jobs/")
	if id == "" {
		http.Error(w, "missing job id", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, err := a.Jobs.Get(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		job, err := a.Jobs.Cancel(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (a *API) handleTransitionJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := jobIDFromPath(r.URL.Path, "/jobs/")
	id = strings.TrimSuffix(id, "/transition")

	var req struct {
		State jobs.State `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := a.Jobs.Transition(r.Context(), id, req.State, jobs.Patch{})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// -- register_agent / heartbeat_agent / set_agent_state / list_agents --

func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Capabilities []string `json:"capabilities"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agent, err := a.Agents.Register(r.Context(), req.ID, req.Name, req.Capabilities)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleHeartbeatAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agent, err := a.Agents.Heartbeat(r.Context(), req.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (a *API) handleSetAgentState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		ID         string       `json:"id"`
		State      agents.State `json:"state"`
		CurrentJob string       `json:"current_job"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	agent, err := a.Agents.SetState(r.Context(), req.ID, req.State, req.CurrentJob)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleListAgents implements list_agents (spec.md §6: "— | live agents |
// —"), so it reports only agents currently considered live, not every
// registered agent.
func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ttl := a.LivenessTTL
	if ttl <= 0 {
		ttl = agents.DefaultLivenessTTL
	}
	list, err := a.Agents.LiveAgents(r.Context(), ttl)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// -- claim_job / complete_job --

func (a *API) handleClaimJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID string `json:"agent_id"`
		JobID   string `json:"job_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := a.Dispatcher.Claim(r.Context(), req.AgentID, req.JobID, 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (a *API) handleCompleteJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		AgentID string          `json:"agent_id"`
		JobID   string          `json:"job_id"`
		Success bool            `json:"success"`
		Error   string          `json:"error"`
		Result  json.RawMessage `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	job, err := a.Dispatcher.Complete(r.Context(), req.AgentID, req.JobID, req.Success, req.Error, req.Result)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// -- queue_snapshot --

// handleQueueSnapshot implements queue_snapshot (spec.md §6: "priority |
// sequence of jobs"): the ordered job id sequence currently queued at the
// requested priority, head first.
func (a *API) handleQueueSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	priority := jobs.Priority(r.URL.Query().Get("priority"))
	if !jobs.ValidPriority(priority) {
		http.Error(w, "priority must be high, medium, or low", http.StatusBadRequest)
		return
	}
	ids, err := a.Queues.Snapshot(r.Context(), priority)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"priority": priority, "jobs": ids})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().Format(time.RFC3339)})
}
