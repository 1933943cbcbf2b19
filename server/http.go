package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dshills/orchestra-go/repo"
	"github.com/dshills/orchestra-go/workflow"
)

type createWorkflowRequest struct {
	IssueID         string                  `json:"issue_id"`
	WorktreePath    string                  `json:"worktree_path"`
	WorktreeName    string                  `json:"worktree_name,omitempty"`
	Profile         string                  `json:"profile,omitempty"`
	Start           bool                    `json:"start,omitempty"`
	TaskTitle       string                  `json:"task_title,omitempty"`
	TaskDescription string                  `json:"task_description,omitempty"`
	Design          string                  `json:"design,omitempty"`
	PlanOnly        bool                    `json:"plan_only,omitempty"`
	AutoApprove     bool                    `json:"auto_approve,omitempty"`
	Plan            *workflow.ExecutionPlan `json:"plan,omitempty"`
}

type startBatchRequest struct {
	WorkflowIDs []string `json:"workflow_ids,omitempty"`
}

type startBatchResponse struct {
	Started []string          `json:"started"`
	Errors  map[string]string `json:"errors"`
}

type rejectRequest struct {
	Feedback string `json:"feedback"`
}

type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

type resolveBlockerRequest struct {
	Resolution string `json:"resolution"`
}

type listResponse struct {
	Workflows  []workflow.Workflow `json:"workflows"`
	NextCursor string              `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// API serves the orchestrator's HTTP surface.
type API struct {
	svc *Service
	ws  http.Handler
}

// NewAPI builds the handler set. ws serves the event socket and may be
// nil when sockets are disabled.
func NewAPI(svc *Service, ws http.Handler) *API {
	return &API{svc: svc, ws: ws}
}

// Router assembles the chi route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/api/workflows", func(r chi.Router) {
		r.Post("/", a.createWorkflow)
		r.Get("/", a.listWorkflows)
		r.Get("/active", a.listActive)
		r.Post("/start-batch", a.startBatch)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", a.getWorkflow)
			r.Post("/start", a.startWorkflow)
			r.Post("/approve", a.approveWorkflow)
			r.Post("/reject", a.rejectWorkflow)
			r.Post("/cancel", a.cancelWorkflow)
			r.Post("/resolve-blocker", a.resolveBlocker)
			r.Get("/events", a.workflowEvents)
		})
	})

	r.Get("/api/usage", a.usageTrend)
	r.Handle("/metrics", promhttp.Handler())
	if a.ws != nil {
		r.Handle("/ws", a.ws)
	}
	return r
}

func (a *API) createWorkflow(w http.ResponseWriter, r *http.Request) {
	var req createWorkflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}

	wf, err := a.svc.StartWorkflow(r.Context(), StartRequest{
		IssueID:         req.IssueID,
		WorktreePath:    req.WorktreePath,
		WorktreeName:    req.WorktreeName,
		ProfileID:       req.Profile,
		TaskTitle:       req.TaskTitle,
		TaskDescription: req.TaskDescription,
		Design:          req.Design,
		Plan:            req.Plan,
		PlanOnly:        req.PlanOnly,
		AutoApprove:     req.AutoApprove,
		Start:           req.Start,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, wf)
}

func (a *API) startWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.StartPending(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) startBatch(w http.ResponseWriter, r *http.Request) {
	var req startBatchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
			return
		}
	}
	started, errs := a.svc.StartBatch(r.Context(), req.WorkflowIDs)
	if started == nil {
		started = []string{}
	}
	writeJSON(w, http.StatusOK, startBatchResponse{Started: started, Errors: errs})
}

func (a *API) approveWorkflow(w http.ResponseWriter, r *http.Request) {
	if err := a.svc.ApproveAtInterrupt(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) rejectWorkflow(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
			return
		}
	}
	if err := a.svc.RejectAtInterrupt(r.Context(), chi.URLParam(r, "id"), req.Feedback); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) cancelWorkflow(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
			return
		}
	}
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	if err := a.svc.CancelWorkflow(r.Context(), chi.URLParam(r, "id"), reason); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) resolveBlocker(w http.ResponseWriter, r *http.Request) {
	var req resolveBlockerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "invalid request body: "+err.Error())
		return
	}
	if err := a.svc.ResolveBlocker(r.Context(), chi.URLParam(r, "id"), req.Resolution); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) getWorkflow(w http.ResponseWriter, r *http.Request) {
	wf, err := a.svc.GetWorkflow(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, wf)
}

func (a *API) listWorkflows(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repo.ListFilter{IssueID: q.Get("issue_id")}
	for _, s := range q["status"] {
		filter.Statuses = append(filter.Statuses, workflow.Status(s))
	}
	limit := 50
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusUnprocessableEntity, "invalid limit")
			return
		}
		limit = n
	}

	wfs, next, err := a.svc.ListWorkflows(r.Context(), filter, limit, q.Get("cursor"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if wfs == nil {
		wfs = []workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, listResponse{Workflows: wfs, NextCursor: next})
}

func (a *API) listActive(w http.ResponseWriter, r *http.Request) {
	wfs, err := a.svc.ListActive(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if wfs == nil {
		wfs = []workflow.Workflow{}
	}
	writeJSON(w, http.StatusOK, listResponse{Workflows: wfs})
}

func (a *API) workflowEvents(w http.ResponseWriter, r *http.Request) {
	var after int64
	if raw := r.URL.Query().Get("after_sequence"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusUnprocessableEntity, "invalid after_sequence")
			return
		}
		after = n
	}
	evs, err := a.svc.Events(r.Context(), chi.URLParam(r, "id"), after)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs})
}

func (a *API) usageTrend(w http.ResponseWriter, r *http.Request) {
	const layout = "2006-01-02"
	q := r.URL.Query()

	end := time.Now().UTC()
	start := end.AddDate(0, 0, -30)
	if raw := q.Get("start"); raw != "" {
		t, err := time.Parse(layout, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid start date")
			return
		}
		start = t
	}
	if raw := q.Get("end"); raw != "" {
		t, err := time.Parse(layout, raw)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "invalid end date")
			return
		}
		end = t
	}

	trend, err := a.svc.UsageTrend(r.Context(), start, end)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if trend == nil {
		trend = []repo.DailyUsage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"usage": trend})
}

func writeServiceError(w http.ResponseWriter, err error) {
	var notFound *repo.WorkflowNotFoundError
	var conflict *repo.WorkflowConflictError
	var limit *ConcurrencyLimitError
	var invalid *ValidationError
	var transition *workflow.InvalidStateTransitionError

	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &transition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &limit):
		w.Header().Set("Retry-After", strconv.Itoa(int((30 * time.Second).Seconds())))
		writeError(w, http.StatusTooManyRequests, err.Error())
	case errors.As(err, &invalid):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
