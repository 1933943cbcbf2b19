// Package server hosts the orchestrator: the service that starts,
// gates, and finishes workflows; the HTTP and WebSocket surfaces; and
// the startup recovery and retention sweeps.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/graph"
	"github.com/dshills/orchestra-go/graph/emit"
	"github.com/dshills/orchestra-go/pipeline"
	"github.com/dshills/orchestra-go/repo"
	"github.com/dshills/orchestra-go/tracker"
	"github.com/dshills/orchestra-go/vcs"
	"github.com/dshills/orchestra-go/workflow"
)

// RecoveryReason marks workflows that were mid-run when the process died.
const RecoveryReason = "Server restarted while workflow was running"

// ConcurrencyLimitError rejects a start when the active cap is reached.
type ConcurrencyLimitError struct {
	Active int
	Limit  int
}

func (e *ConcurrencyLimitError) Error() string {
	return fmt.Sprintf("active workflow limit reached: %d of %d", e.Active, e.Limit)
}

// ValidationError rejects malformed start requests.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Pruner removes old checkpoints during retention sweeps.
type Pruner interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// Options configures the Service. Zero values get sensible defaults.
type Options struct {
	// MaxConcurrent caps active workflows. Zero means 4.
	MaxConcurrent int

	// PipelineName selects the registered pipeline runs use. Empty means
	// the implementation pipeline.
	PipelineName string

	TraceRetentionDays int
	IncludeToolResults bool

	// EventRetentionDays bounds debug/trace event history. Zero means 30.
	EventRetentionDays int

	// Checkpoints, when set, is pruned alongside old events.
	Checkpoints Pruner
}

// StartRequest is the input to StartWorkflow.
type StartRequest struct {
	IssueID      string
	WorktreePath string
	WorktreeName string
	ProfileID    string

	// TaskTitle and TaskDescription override the tracker's issue fields.
	TaskTitle       string
	TaskDescription string

	// Design is an optional design document fed to the architect.
	Design string

	// Plan supplies an external plan, bypassing the architect.
	Plan *workflow.ExecutionPlan

	PlanOnly    bool
	AutoApprove bool

	// Start launches immediately. False queues the workflow as pending.
	Start bool
}

// Service is the orchestrator's public API: it admits workflows under
// the concurrency cap and worktree exclusivity, runs each as a detached
// task bound to thread_id = workflow_id, and turns graph outcomes into
// statuses and events.
type Service struct {
	repo      repo.Store
	bus       *events.Bus
	pipelines *pipeline.Registry
	tracker   tracker.Tracker
	git       *vcs.Git
	metrics   *Metrics
	logger    emit.Emitter
	opts      Options

	// admit serializes the cap and exclusivity checks on start.
	admit sync.Mutex

	taskMu  sync.Mutex
	cancels map[string]context.CancelFunc
	queued  map[string]StartRequest

	runs sync.WaitGroup
}

// NewService wires the orchestrator together and registers the event
// persister on the bus.
func NewService(store repo.Store, bus *events.Bus, pipelines *pipeline.Registry, trk tracker.Tracker, git *vcs.Git, metrics *Metrics, logger emit.Emitter, opts Options) *Service {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 4
	}
	if opts.PipelineName == "" {
		opts.PipelineName = pipeline.Implementation
	}
	if opts.EventRetentionDays <= 0 {
		opts.EventRetentionDays = 30
	}
	if trk == nil {
		trk = tracker.Noop{}
	}
	if logger == nil {
		logger = emit.NewNullEmitter()
	}

	s := &Service{
		repo:      store,
		bus:       bus,
		pipelines: pipelines,
		tracker:   trk,
		git:       git,
		metrics:   metrics,
		logger:    logger,
		opts:      opts,
		cancels:   make(map[string]context.CancelFunc),
		queued:    make(map[string]StartRequest),
	}

	bus.Configure(opts.TraceRetentionDays, opts.IncludeToolResults)
	// Persistence is just another subscriber; it runs synchronously so
	// storage backpressure reaches the emitter.
	bus.Subscribe(func(ev events.WorkflowEvent) {
		if err := store.SaveEvent(context.Background(), ev); err != nil {
			logger.Emit(emit.Event{
				ThreadID: ev.WorkflowID,
				Msg:      "event_persist_failed",
				Meta:     map[string]any{"error": err.Error(), "event_type": string(ev.Type)},
			})
		}
	})
	return s
}

// StartWorkflow admits and persists a workflow, then launches it unless
// req.Start is false.
func (s *Service) StartWorkflow(ctx context.Context, req StartRequest) (workflow.Workflow, error) {
	var zero workflow.Workflow
	if req.IssueID == "" {
		return zero, &ValidationError{Message: "issue_id is required"}
	}
	if req.WorktreePath == "" {
		return zero, &ValidationError{Message: "worktree_path is required"}
	}
	if !s.git.IsRepo(ctx, req.WorktreePath) {
		return zero, &ValidationError{Message: "worktree is not a git repository: " + req.WorktreePath}
	}

	s.admit.Lock()
	active, err := s.repo.CountActive(ctx)
	if err != nil {
		s.admit.Unlock()
		return zero, err
	}
	if active >= s.opts.MaxConcurrent {
		s.admit.Unlock()
		return zero, &ConcurrencyLimitError{Active: active, Limit: s.opts.MaxConcurrent}
	}

	wf := workflow.Workflow{
		ID:           uuid.NewString(),
		IssueID:      req.IssueID,
		WorktreePath: req.WorktreePath,
		WorktreeName: req.WorktreeName,
		ProfileID:    req.ProfileID,
		Status:       workflow.StatusPending,
		CreatedAt:    time.Now().UTC(),
		PlanOnly:     req.PlanOnly,
		ExternalPlan: req.Plan != nil,
	}
	err = s.repo.Create(ctx, wf)
	s.admit.Unlock()
	if err != nil {
		return zero, err
	}
	s.updateGauge(ctx)

	if !req.Start {
		s.taskMu.Lock()
		s.queued[wf.ID] = req
		s.taskMu.Unlock()
		return wf, nil
	}
	return wf, s.launch(ctx, wf, req)
}

// StartPending launches a previously queued workflow.
func (s *Service) StartPending(ctx context.Context, id string) error {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	// Blocked workflows resume through approvals, not a second start.
	if wf.Status != workflow.StatusPending {
		return &workflow.InvalidStateTransitionError{From: wf.Status, To: workflow.StatusInProgress}
	}
	s.taskMu.Lock()
	req, ok := s.queued[id]
	delete(s.queued, id)
	s.taskMu.Unlock()
	if !ok {
		req = StartRequest{IssueID: wf.IssueID, WorktreePath: wf.WorktreePath, ProfileID: wf.ProfileID, PlanOnly: wf.PlanOnly}
	}
	return s.launch(ctx, wf, req)
}

// StartBatch launches the named pending workflows, or every pending one
// when ids is empty. Already-started and unknown ids land in errors.
func (s *Service) StartBatch(ctx context.Context, ids []string) (started []string, errs map[string]string) {
	errs = make(map[string]string)
	if len(ids) == 0 {
		pending, err := s.repo.ListByStatus(ctx, workflow.StatusPending)
		if err != nil {
			errs["*"] = err.Error()
			return nil, errs
		}
		for _, wf := range pending {
			ids = append(ids, wf.ID)
		}
	}
	for _, id := range ids {
		if err := s.StartPending(ctx, id); err != nil {
			errs[id] = err.Error()
			continue
		}
		started = append(started, id)
	}
	return started, errs
}

// launch transitions to in_progress and runs the graph as a detached
// task. The status transition rejects anything that is not pending or
// resumable.
func (s *Service) launch(ctx context.Context, wf workflow.Workflow, req StartRequest) error {
	if err := s.repo.SetStatus(ctx, wf.ID, workflow.StatusInProgress, ""); err != nil {
		return err
	}
	s.metrics.WorkflowStarted()
	s.updateGauge(ctx)
	s.emit(events.WorkflowEvent{
		WorkflowID: wf.ID,
		Agent:      "orchestrator",
		Type:       events.EventWorkflowStarted,
		Message:    "workflow started for issue " + wf.IssueID,
		Payload:    map[string]any{"issue_id": wf.IssueID, "worktree_path": wf.WorktreePath},
	})

	runCtx, cancel := context.WithCancel(context.Background())
	s.taskMu.Lock()
	s.cancels[wf.ID] = cancel
	s.taskMu.Unlock()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.clearTask(wf.ID)
		s.run(runCtx, wf, req)
	}()
	return nil
}

func (s *Service) run(ctx context.Context, wf workflow.Workflow, req StartRequest) {
	pipe, ok := s.pipelines.Get(s.opts.PipelineName)
	if !ok {
		s.fail(wf, "pipeline not registered: "+s.opts.PipelineName, false)
		return
	}

	issue, err := s.tracker.GetIssue(ctx, wf.IssueID)
	if err != nil {
		s.fail(wf, "failed to fetch issue: "+err.Error(), false)
		return
	}
	if req.TaskTitle != "" {
		issue.Title = req.TaskTitle
	}
	if req.TaskDescription != "" {
		issue.Description = req.TaskDescription
	}

	initial := workflow.ExecutionState{
		WorkflowID:   wf.ID,
		Issue:        issue,
		Design:       req.Design,
		Plan:         req.Plan,
		ExternalPlan: req.Plan != nil,
		PlanOnly:     req.PlanOnly,
		AutoApprove:  req.AutoApprove,
		WorktreePath: wf.WorktreePath,
		ProfileID:    wf.ProfileID,
	}
	out, err := pipe.Engine.Run(ctx, wf.ID, initial)
	s.observe(wf, out, err)
}

// observe turns a graph outcome into a status and lifecycle event.
func (s *Service) observe(wf workflow.Workflow, out graph.Outcome[workflow.ExecutionState], err error) {
	ctx := context.Background()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			// CancelWorkflow already set the terminal status.
			return
		}
		s.fail(wf, err.Error(), false)
		return
	}

	if out.Interrupted {
		if serr := s.repo.SetStatus(ctx, wf.ID, workflow.StatusBlocked, ""); serr != nil {
			s.logger.Emit(emit.Event{ThreadID: wf.ID, Msg: "status_update_failed", Meta: map[string]any{"error": serr.Error()}})
		}
		s.updateGauge(ctx)
		payload := map[string]any{"node": out.NextNode}
		if out.State.CurrentBlocker != nil {
			payload["blocker"] = out.State.CurrentBlocker
		}
		s.emit(events.WorkflowEvent{
			WorkflowID: wf.ID,
			Agent:      "orchestrator",
			Type:       events.EventApprovalRequired,
			Message:    "workflow is waiting at " + out.NextNode,
			Payload:    payload,
		})
		return
	}

	state := out.State
	switch {
	case state.RunState == workflow.RunAborted:
		reason := "aborted by blocker resolution"
		payload := map[string]any{}
		if state.CurrentBlocker != nil {
			payload["blocker"] = state.CurrentBlocker
		}
		s.finish(wf, workflow.StatusCancelled, reason, events.EventWorkflowCancelled, payload)
	case state.HumanApproved != nil && !*state.HumanApproved:
		s.finish(wf, workflow.StatusCancelled, "plan rejected", events.EventWorkflowCancelled,
			map[string]any{"feedback": state.HumanFeedback})
	case lastApprovalRejected(state):
		last := state.BatchApprovals[len(state.BatchApprovals)-1]
		s.finish(wf, workflow.StatusCancelled, "batch rejected", events.EventWorkflowCancelled,
			map[string]any{"batch_number": last.BatchNumber, "feedback": last.Feedback})
	default:
		s.finish(wf, workflow.StatusCompleted, "", events.EventWorkflowCompleted, nil)
	}
}

func lastApprovalRejected(state workflow.ExecutionState) bool {
	if len(state.BatchApprovals) == 0 {
		return false
	}
	return !state.BatchApprovals[len(state.BatchApprovals)-1].Approved
}

func (s *Service) finish(wf workflow.Workflow, status workflow.Status, reason string, eventType events.EventType, payload map[string]any) {
	ctx := context.Background()
	if err := s.repo.SetStatus(ctx, wf.ID, status, reason); err != nil {
		s.logger.Emit(emit.Event{ThreadID: wf.ID, Msg: "status_update_failed", Meta: map[string]any{"error": err.Error()}})
	}
	s.metrics.WorkflowFinished(string(status))
	s.updateGauge(ctx)
	msg := "workflow " + string(status)
	if reason != "" {
		msg += ": " + reason
	}
	s.emit(events.WorkflowEvent{
		WorkflowID: wf.ID,
		Agent:      "orchestrator",
		Type:       eventType,
		Message:    msg,
		Payload:    payload,
	})
}

func (s *Service) fail(wf workflow.Workflow, reason string, recoverable bool) {
	ctx := context.Background()
	if err := s.repo.SetStatus(ctx, wf.ID, workflow.StatusFailed, reason); err != nil {
		s.logger.Emit(emit.Event{ThreadID: wf.ID, Msg: "status_update_failed", Meta: map[string]any{"error": err.Error()}})
	}
	s.metrics.WorkflowFinished(string(workflow.StatusFailed))
	s.updateGauge(ctx)
	s.emit(events.WorkflowEvent{
		WorkflowID: wf.ID,
		Agent:      "orchestrator",
		Type:       events.EventWorkflowFailed,
		Message:    reason,
		Payload:    map[string]any{"recoverable": recoverable},
	})
}

// ApproveAtInterrupt injects an approval and resumes. Approving a
// workflow that is not waiting is a no-op, so repeated approvals are
// harmless.
func (s *Service) ApproveAtInterrupt(ctx context.Context, id string) error {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != workflow.StatusBlocked {
		return nil
	}
	if err := s.repo.SetStatus(ctx, id, workflow.StatusInProgress, ""); err != nil {
		return err
	}
	s.emit(events.WorkflowEvent{
		WorkflowID: id,
		Agent:      "orchestrator",
		Type:       events.EventApprovalGranted,
		Message:    "approval granted",
	})
	s.resume(wf, workflow.ExecutionState{HumanApproved: workflow.BoolPtr(true)})
	return nil
}

// RejectAtInterrupt injects a rejection with feedback and resumes.
func (s *Service) RejectAtInterrupt(ctx context.Context, id, feedback string) error {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != workflow.StatusBlocked {
		return &workflow.InvalidStateTransitionError{From: wf.Status, To: workflow.StatusInProgress}
	}
	if err := s.repo.SetStatus(ctx, id, workflow.StatusInProgress, ""); err != nil {
		return err
	}
	s.emit(events.WorkflowEvent{
		WorkflowID: id,
		Agent:      "orchestrator",
		Type:       events.EventApprovalRejected,
		Message:    "approval rejected",
		Payload:    map[string]any{"feedback": feedback},
	})
	s.resume(wf, workflow.ExecutionState{
		HumanApproved: workflow.BoolPtr(false),
		HumanFeedback: feedback,
	})
	return nil
}

// ResolveBlocker injects a blocker resolution and resumes.
func (s *Service) ResolveBlocker(ctx context.Context, id, resolution string) error {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status != workflow.StatusBlocked {
		return &workflow.InvalidStateTransitionError{From: wf.Status, To: workflow.StatusInProgress}
	}
	if err := s.repo.SetStatus(ctx, id, workflow.StatusInProgress, ""); err != nil {
		return err
	}
	s.emit(events.WorkflowEvent{
		WorkflowID: id,
		Agent:      "orchestrator",
		Type:       events.EventAgentMessage,
		Message:    "blocker resolution received",
		Payload:    map[string]any{"resolution": resolution},
	})
	s.resume(wf, workflow.ExecutionState{BlockerResolution: workflow.StringPtr(resolution)})
	return nil
}

func (s *Service) resume(wf workflow.Workflow, delta workflow.ExecutionState) {
	runCtx, cancel := context.WithCancel(context.Background())
	s.taskMu.Lock()
	s.cancels[wf.ID] = cancel
	s.taskMu.Unlock()

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		defer s.clearTask(wf.ID)
		pipe, ok := s.pipelines.Get(s.opts.PipelineName)
		if !ok {
			s.fail(wf, "pipeline not registered: "+s.opts.PipelineName, false)
			return
		}
		out, err := pipe.Engine.Resume(runCtx, wf.ID, delta)
		s.observe(wf, out, err)
	}()
}

// CancelWorkflow cancels the run task and sets the terminal status.
func (s *Service) CancelWorkflow(ctx context.Context, id, reason string) error {
	wf, err := s.repo.Get(ctx, id)
	if err != nil {
		return err
	}
	if wf.Status.IsTerminal() {
		return &workflow.InvalidStateTransitionError{From: wf.Status, To: workflow.StatusCancelled}
	}

	s.taskMu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
	}
	s.taskMu.Unlock()

	if err := s.repo.SetStatus(ctx, id, workflow.StatusCancelled, reason); err != nil {
		return err
	}
	s.metrics.WorkflowFinished(string(workflow.StatusCancelled))
	s.updateGauge(ctx)
	s.emit(events.WorkflowEvent{
		WorkflowID: id,
		Agent:      "orchestrator",
		Type:       events.EventWorkflowCancelled,
		Message:    "workflow cancelled: " + reason,
	})
	return nil
}

// GetWorkflow returns one workflow record.
func (s *Service) GetWorkflow(ctx context.Context, id string) (workflow.Workflow, error) {
	return s.repo.Get(ctx, id)
}

// ListWorkflows returns a page of workflows plus the next cursor.
func (s *Service) ListWorkflows(ctx context.Context, filter repo.ListFilter, limit int, cursor string) ([]workflow.Workflow, string, error) {
	return s.repo.List(ctx, filter, limit, cursor)
}

// ListActive returns every non-terminal workflow.
func (s *Service) ListActive(ctx context.Context) ([]workflow.Workflow, error) {
	return s.repo.ListActive(ctx)
}

// UsageTrend returns per-day token usage between start and end.
func (s *Service) UsageTrend(ctx context.Context, start, end time.Time) ([]repo.DailyUsage, error) {
	return s.repo.UsageTrend(ctx, start, end)
}

// Events replays a workflow's persisted events after the given sequence.
func (s *Service) Events(ctx context.Context, workflowID string, afterSequence int64) ([]events.WorkflowEvent, error) {
	return s.repo.Events(ctx, workflowID, afterSequence)
}

// SetStage records the stage a workflow just entered. Intended as the
// GraphEmitter's OnStage callback; failures are silently dropped since
// the stage is advisory.
func (s *Service) SetStage(workflowID, node string) {
	ctx := context.Background()
	wf, err := s.repo.Get(ctx, workflowID)
	if err != nil {
		return
	}
	wf.CurrentStage = node
	_ = s.repo.Update(ctx, wf)
}

// Recover reconciles workflows interrupted by a prior crash: running
// ones become failed (recoverable), blocked ones re-announce their
// pending decision.
func (s *Service) Recover(ctx context.Context) error {
	running, err := s.repo.ListByStatus(ctx, workflow.StatusInProgress)
	if err != nil {
		return err
	}
	for _, wf := range running {
		s.fail(wf, RecoveryReason, true)
	}

	blocked, err := s.repo.ListByStatus(ctx, workflow.StatusBlocked)
	if err != nil {
		return err
	}
	for _, wf := range blocked {
		s.emit(events.WorkflowEvent{
			WorkflowID: wf.ID,
			Agent:      "orchestrator",
			Type:       events.EventApprovalRequired,
			Message:    "workflow is waiting for a decision",
			Payload:    map[string]any{"recovered": true},
		})
	}
	s.updateGauge(ctx)
	return nil
}

// RunRetention sweeps old events and checkpoints until ctx is done.
func (s *Service) RunRetention(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Service) sweep(ctx context.Context) {
	now := time.Now().UTC()
	if s.opts.TraceRetentionDays > 0 {
		cutoff := now.AddDate(0, 0, -s.opts.TraceRetentionDays)
		if n, err := s.repo.DeleteEventsBefore(ctx, cutoff, events.LevelTrace); err == nil && n > 0 {
			s.logger.Emit(emit.Event{Msg: "trace_events_pruned", Meta: map[string]any{"count": n}})
		}
	}
	cutoff := now.AddDate(0, 0, -s.opts.EventRetentionDays)
	if n, err := s.repo.DeleteEventsBefore(ctx, cutoff, events.LevelDebug, events.LevelTrace); err == nil && n > 0 {
		s.logger.Emit(emit.Event{Msg: "events_pruned", Meta: map[string]any{"count": n}})
	}
	if s.opts.Checkpoints != nil {
		if n, err := s.opts.Checkpoints.PruneBefore(ctx, cutoff); err == nil && n > 0 {
			s.logger.Emit(emit.Event{Msg: "checkpoints_pruned", Meta: map[string]any{"count": n}})
		}
	}
}

// Shutdown waits for in-flight workflow tasks and broadcasts to drain.
func (s *Service) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.runs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.bus.Shutdown(ctx)
}

func (s *Service) emit(ev events.WorkflowEvent) {
	if _, err := s.bus.Emit(ev); err != nil {
		s.logger.Emit(emit.Event{ThreadID: ev.WorkflowID, Msg: "event_emit_failed", Meta: map[string]any{"error": err.Error()}})
	}
}

func (s *Service) updateGauge(ctx context.Context) {
	if n, err := s.repo.CountActive(ctx); err == nil {
		s.metrics.SetActiveWorkflows(n)
	}
}

func (s *Service) clearTask(id string) {
	s.taskMu.Lock()
	if cancel, ok := s.cancels[id]; ok {
		cancel()
		delete(s.cancels, id)
	}
	s.taskMu.Unlock()
}
