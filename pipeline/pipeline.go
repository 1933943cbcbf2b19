// Package pipeline compiles the workflow graphs: the implementation
// pipeline (plan, approve, execute in batches, review, fix) and the
// standalone review-fix pipeline. Both operate on workflow.ExecutionState
// and suspend at their human gates.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/orchestra-go/agents"
	"github.com/dshills/orchestra-go/graph"
	"github.com/dshills/orchestra-go/graph/emit"
	"github.com/dshills/orchestra-go/graph/store"
	"github.com/dshills/orchestra-go/vcs"
	"github.com/dshills/orchestra-go/workflow"
)

// Node names. Interrupt gates are marked interrupt-before when the
// pipeline is built interactive.
const (
	NodeStart             = "start"
	NodeArchitect         = "architect"
	NodePlanValidator     = "plan_validator"
	NodeHumanApproval     = "human_approval"
	NodeDeveloper         = "developer"
	NodeBatchApproval     = "batch_approval"
	NodeBlockerResolution = "blocker_resolution"
	NodeReviewer          = "reviewer"
	NodeFixPlan           = "fix_plan"
	NodeEvaluation        = "evaluation"
	NodeReviewApproval    = "review_approval"
	NodeEndApproval       = "end_approval"
)

// Registered pipeline names.
const (
	Implementation = "implementation"
	Review         = "review"
)

// DefaultMaxReviewIterations bounds the review-fix loop when neither the
// profile nor the state sets a limit.
const DefaultMaxReviewIterations = 3

// maxGraphSteps catches routing bugs; a legitimate run never needs this
// many node executions.
const maxGraphSteps = 1000

// Config carries the profile settings that shape routing.
type Config struct {
	// Trust controls whether low-risk batches skip the approval gate.
	Trust workflow.TrustLevel

	// BatchCheckpoint gates every batch behind human approval. Disabled,
	// the developer re-enters itself until done or blocked.
	BatchCheckpoint bool

	// MaxReviewIterations bounds the fix loop. Zero means
	// DefaultMaxReviewIterations.
	MaxReviewIterations int

	// Interactive registers the interrupt-before gates. CLI auto mode
	// builds without them and runs straight through.
	Interactive bool
}

// Deps are the collaborators the nodes call into.
type Deps struct {
	Architect *agents.Architect
	Developer *agents.Developer
	Reviewer  *agents.Reviewer
	Evaluator *agents.Evaluator
	VCS       *vcs.Git
	Store     store.Store[workflow.ExecutionState]
	Emitter   emit.Emitter
}

// Pipeline is a named, compiled graph.
type Pipeline struct {
	Name   string
	Engine *graph.Engine[workflow.ExecutionState]
}

// Registry holds compiled pipelines keyed by name.
type Registry struct {
	mu        sync.RWMutex
	pipelines map[string]*Pipeline
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{pipelines: make(map[string]*Pipeline)}
}

// Register adds or replaces a pipeline.
func (r *Registry) Register(p *Pipeline) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines[p.Name] = p
}

// Get looks a pipeline up by name.
func (r *Registry) Get(name string) (*Pipeline, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[name]
	return p, ok
}

type builder struct {
	cfg  Config
	deps Deps
}

// NewImplementation compiles the main pipeline:
// start → architect → plan_validator → human_approval → developer
// (looping through batch_approval / blocker_resolution) → reviewer,
// with a bounded fix-plan loop back into the developer.
func NewImplementation(cfg Config, deps Deps) (*Pipeline, error) {
	b := &builder{cfg: cfg, deps: deps}
	eng := graph.New(workflow.Reduce, deps.Store, deps.Emitter, graph.Options{MaxSteps: maxGraphSteps})

	nodes := map[string]graph.Node[workflow.ExecutionState]{
		NodeStart:             graph.NodeFunc[workflow.ExecutionState](b.start),
		NodeArchitect:         graph.NodeFunc[workflow.ExecutionState](b.architect),
		NodePlanValidator:     graph.NodeFunc[workflow.ExecutionState](b.planValidator),
		NodeHumanApproval:     graph.NodeFunc[workflow.ExecutionState](b.humanApproval),
		NodeDeveloper:         graph.NodeFunc[workflow.ExecutionState](b.developer),
		NodeBatchApproval:     graph.NodeFunc[workflow.ExecutionState](b.batchApproval),
		NodeBlockerResolution: graph.NodeFunc[workflow.ExecutionState](b.blockerResolution),
		NodeReviewer:          graph.NodeFunc[workflow.ExecutionState](b.reviewer),
		NodeFixPlan:           graph.NodeFunc[workflow.ExecutionState](b.fixPlan),
	}
	for id, node := range nodes {
		if err := eng.Add(id, node); err != nil {
			return nil, err
		}
	}
	if err := eng.StartAt(NodeStart); err != nil {
		return nil, err
	}

	// Developer routing: all_done and blocked take priority; completed
	// batches either auto-advance or gate on approval.
	must(eng.Connect(NodeDeveloper, NodeReviewer, func(s workflow.ExecutionState) bool {
		return s.DeveloperStatus == workflow.DevAllDone
	}))
	must(eng.Connect(NodeDeveloper, NodeBlockerResolution, func(s workflow.ExecutionState) bool {
		return s.DeveloperStatus == workflow.DevBlocked
	}))
	must(eng.Connect(NodeDeveloper, NodeDeveloper, func(s workflow.ExecutionState) bool {
		return s.DeveloperStatus == workflow.DevBatchComplete && b.autoAdvance(s)
	}))
	must(eng.Connect(NodeDeveloper, NodeBatchApproval, func(s workflow.ExecutionState) bool {
		return s.DeveloperStatus == workflow.DevBatchComplete
	}))
	must(eng.Connect(NodeDeveloper, NodeDeveloper, nil))

	must(eng.Connect(NodeReviewer, graph.End, func(s workflow.ExecutionState) bool {
		return s.LastReview != nil && s.LastReview.Approved
	}))
	must(eng.Connect(NodeReviewer, NodeFixPlan, func(s workflow.ExecutionState) bool {
		return s.Plan != nil && len(s.Plan.Batches) > 0 && s.ReviewIteration < b.maxReviewIterations(s)
	}))
	must(eng.Connect(NodeReviewer, graph.End, nil))

	if cfg.Interactive {
		if err := eng.InterruptBefore(NodeHumanApproval, NodeBatchApproval, NodeBlockerResolution); err != nil {
			return nil, err
		}
	}
	return &Pipeline{Name: Implementation, Engine: eng}, nil
}

// NewReview compiles the standalone review-fix pipeline:
// reviewer → evaluation → (review_approval) → developer → reviewer,
// ending at end_approval once the reviewer is satisfied or the pass
// limit is reached.
func NewReview(cfg Config, deps Deps) (*Pipeline, error) {
	b := &builder{cfg: cfg, deps: deps}
	eng := graph.New(workflow.Reduce, deps.Store, deps.Emitter, graph.Options{MaxSteps: maxGraphSteps})

	nodes := map[string]graph.Node[workflow.ExecutionState]{
		NodeReviewer:          graph.NodeFunc[workflow.ExecutionState](b.reviewer),
		NodeEvaluation:        graph.NodeFunc[workflow.ExecutionState](b.evaluation),
		NodeReviewApproval:    graph.NodeFunc[workflow.ExecutionState](b.reviewApproval),
		NodeDeveloper:         graph.NodeFunc[workflow.ExecutionState](b.developer),
		NodeBlockerResolution: graph.NodeFunc[workflow.ExecutionState](b.blockerResolution),
		NodeEndApproval:       graph.NodeFunc[workflow.ExecutionState](b.endApproval),
	}
	for id, node := range nodes {
		if err := eng.Add(id, node); err != nil {
			return nil, err
		}
	}
	if err := eng.StartAt(NodeReviewer); err != nil {
		return nil, err
	}

	must(eng.Connect(NodeReviewer, NodeEndApproval, func(s workflow.ExecutionState) bool {
		return (s.LastReview != nil && s.LastReview.Approved) || s.ReviewIteration >= b.maxReviewIterations(s)
	}))
	must(eng.Connect(NodeReviewer, NodeEvaluation, nil))

	must(eng.Connect(NodeDeveloper, NodeBlockerResolution, func(s workflow.ExecutionState) bool {
		return s.DeveloperStatus == workflow.DevBlocked
	}))
	must(eng.Connect(NodeDeveloper, NodeReviewer, func(s workflow.ExecutionState) bool {
		return s.DeveloperStatus == workflow.DevAllDone
	}))
	must(eng.Connect(NodeDeveloper, NodeDeveloper, nil))

	if cfg.Interactive {
		if err := eng.InterruptBefore(NodeReviewApproval, NodeEndApproval, NodeBlockerResolution); err != nil {
			return nil, err
		}
	}
	return &Pipeline{Name: Review, Engine: eng}, nil
}

// NewDefaultRegistry compiles and registers both pipelines.
func NewDefaultRegistry(cfg Config, deps Deps) (*Registry, error) {
	reg := NewRegistry()
	impl, err := NewImplementation(cfg, deps)
	if err != nil {
		return nil, err
	}
	rev, err := NewReview(cfg, deps)
	if err != nil {
		return nil, err
	}
	reg.Register(impl)
	reg.Register(rev)
	return reg, nil
}

// --- nodes ---

func (b *builder) start(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	delta := workflow.ExecutionState{RunState: workflow.RunRunning}
	if state.MaxReviewIterations == 0 {
		delta.MaxReviewIterations = b.maxReviewIterations(state)
	}
	if state.ExternalPlan && state.Plan != nil {
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodePlanValidator)}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeArchitect)}
}

func (b *builder) architect(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	plan, planPath, sessionID, err := b.deps.Architect.Plan(ctx, state.Issue, state.Design, state.WorktreePath)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: err}
	}
	return graph.NodeResult[workflow.ExecutionState]{
		Delta: workflow.ExecutionState{Plan: plan, PlanPath: planPath, DriverSessionID: sessionID},
		Route: graph.Goto(NodePlanValidator),
	}
}

func (b *builder) planValidator(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	validated, _, err := workflow.ValidatePlan(state.Plan)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: fmt.Errorf("plan validation failed: %w", err)}
	}
	return graph.NodeResult[workflow.ExecutionState]{
		Delta: workflow.ExecutionState{Plan: validated},
		Route: graph.Goto(NodeHumanApproval),
	}
}

// humanApproval consumes the injected decision. Auto-approve mode grants
// without a human in the loop.
func (b *builder) humanApproval(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	approved := state.AutoApprove || (state.HumanApproved != nil && *state.HumanApproved)
	if !approved {
		// The decision stays in state so the terminal record shows the
		// rejection and its feedback.
		return graph.NodeResult[workflow.ExecutionState]{
			Delta: workflow.ExecutionState{HumanApproved: workflow.BoolPtr(false)},
			Route: graph.Stop(),
		}
	}
	delta := workflow.ExecutionState{ClearApproval: true, DeveloperStatus: workflow.DevExecuting}
	if state.PlanOnly {
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Stop()}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}
}

func (b *builder) developer(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	delta, err := b.deps.Developer.ExecuteBatch(ctx, state)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: err}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta}
}

// batchApproval consumes the injected decision for the batch that just
// completed (1-based number equals the already-advanced batch index).
func (b *builder) batchApproval(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	approved := state.AutoApprove || (state.HumanApproved != nil && *state.HumanApproved)
	approval := workflow.BatchApproval{
		BatchNumber: state.CurrentBatchIndex,
		Approved:    approved,
		Feedback:    state.HumanFeedback,
		Timestamp:   time.Now().UTC(),
	}
	delta := workflow.ExecutionState{
		BatchApprovals: []workflow.BatchApproval{approval},
		ClearApproval:  true,
	}
	if !approved {
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Stop()}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}
}

// blockerResolution interprets the injected resolution: skip cascades,
// abort and abort_revert end the run, anything else retries.
func (b *builder) blockerResolution(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	resolution := ""
	if state.BlockerResolution != nil {
		resolution = *state.BlockerResolution
	}

	switch resolution {
	case workflow.ResolutionSkip:
		delta := workflow.ExecutionState{ClearBlocker: true}
		if state.CurrentBlocker != nil && state.Plan != nil {
			delta.SkippedStepIDs = workflow.SkipClosure(state.Plan, state.SkippedStepIDs, state.CurrentBlocker.StepID)
		}
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}

	case workflow.ResolutionAbort:
		return graph.NodeResult[workflow.ExecutionState]{
			Delta: workflow.ExecutionState{RunState: workflow.RunAborted, ClearBlocker: true},
			Route: graph.Stop(),
		}

	case workflow.ResolutionAbortRevert:
		if state.GitSnapshotBeforeBatch != nil {
			if err := b.deps.VCS.Revert(ctx, state.WorktreePath, *state.GitSnapshotBeforeBatch); err != nil {
				return graph.NodeResult[workflow.ExecutionState]{Err: fmt.Errorf("revert failed: %w", err)}
			}
		}
		return graph.NodeResult[workflow.ExecutionState]{
			Delta: workflow.ExecutionState{RunState: workflow.RunAborted, ClearBlocker: true, ClearSnapshot: true},
			Route: graph.Stop(),
		}

	default:
		// Free-form fix instruction or plain retry: the human has adjusted
		// the environment; the developer reruns from the blocked step.
		return graph.NodeResult[workflow.ExecutionState]{
			Delta: workflow.ExecutionState{ClearBlocker: true},
			Route: graph.Goto(NodeDeveloper),
		}
	}
}

func (b *builder) reviewer(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	result, sessionID, err := b.deps.Reviewer.Review(ctx, state)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: err}
	}
	return graph.NodeResult[workflow.ExecutionState]{
		Delta: workflow.ExecutionState{LastReview: result, DriverSessionID: sessionID},
	}
}

// fixPlan replaces the plan with a single-batch fix addressing the review
// comments and rewinds execution to run it.
func (b *builder) fixPlan(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	var comments []string
	if state.LastReview != nil {
		comments = state.LastReview.Comments
	}
	plan, sessionID, err := b.deps.Architect.FixPlan(ctx, state, comments)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: err}
	}
	return graph.NodeResult[workflow.ExecutionState]{
		Delta: workflow.ExecutionState{
			Plan:            plan,
			ResetBatchIndex: true,
			ReviewIteration: state.ReviewIteration + 1,
			DeveloperStatus: workflow.DevExecuting,
			DriverSessionID: sessionID,
		},
		Route: graph.Goto(NodeDeveloper),
	}
}

// reviewApproval gates a fix plan before it runs in the standalone
// review pipeline.
func (b *builder) reviewApproval(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	approved := state.AutoApprove || (state.HumanApproved != nil && *state.HumanApproved)
	delta := workflow.ExecutionState{ClearApproval: true}
	if !approved {
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Stop()}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}
}

// endApproval is the final gate of the review pipeline. Rejection sends
// the work back for another pass when the limit allows.
func (b *builder) endApproval(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	approved := state.AutoApprove || (state.HumanApproved != nil && *state.HumanApproved)
	delta := workflow.ExecutionState{ClearApproval: true}
	if approved || state.ReviewIteration >= b.maxReviewIterations(state) {
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Stop()}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeReviewer)}
}

// evaluation classifies review comments and plans the ones worth
// implementing. Nothing to implement ends the pipeline.
func (b *builder) evaluation(ctx context.Context, state workflow.ExecutionState) graph.NodeResult[workflow.ExecutionState] {
	var comments []string
	if state.LastReview != nil {
		comments = state.LastReview.Comments
	}
	implement, _, _, err := b.deps.Evaluator.Evaluate(ctx, state, comments)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: err}
	}
	if len(implement) == 0 {
		return graph.NodeResult[workflow.ExecutionState]{Route: graph.Stop()}
	}

	plan, sessionID, err := b.deps.Architect.FixPlan(ctx, state, implement)
	if err != nil {
		return graph.NodeResult[workflow.ExecutionState]{Err: err}
	}
	delta := workflow.ExecutionState{
		Plan:            plan,
		ResetBatchIndex: true,
		ReviewIteration: state.ReviewIteration + 1,
		DeveloperStatus: workflow.DevExecuting,
		DriverSessionID: sessionID,
	}
	if b.cfg.Interactive {
		return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeReviewApproval)}
	}
	return graph.NodeResult[workflow.ExecutionState]{Delta: delta, Route: graph.Goto(NodeDeveloper)}
}

// autoAdvance decides whether a completed batch needs the approval gate.
func (b *builder) autoAdvance(s workflow.ExecutionState) bool {
	if s.AutoApprove || !b.cfg.BatchCheckpoint {
		return true
	}
	if b.cfg.Trust != workflow.TrustAutonomous {
		return false
	}
	if s.Plan == nil || s.CurrentBatchIndex >= len(s.Plan.Batches) {
		return false
	}
	return s.Plan.Batches[s.CurrentBatchIndex].RiskSummary == workflow.RiskLow
}

func (b *builder) maxReviewIterations(s workflow.ExecutionState) int {
	if s.MaxReviewIterations > 0 {
		return s.MaxReviewIterations
	}
	if b.cfg.MaxReviewIterations > 0 {
		return b.cfg.MaxReviewIterations
	}
	return DefaultMaxReviewIterations
}

// must panics on graph construction errors; they are programming
// mistakes, not runtime conditions.
func must(err error) {
	if err != nil {
		panic(err)
	}
}
