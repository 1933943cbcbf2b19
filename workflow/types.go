// Package workflow defines the domain model for orchestrated code-change
// workflows: the execution plan, the graph state threaded through every
// stage, the workflow status machine, and the plan validator.
package workflow

import "time"

// ActionType classifies what a step does.
type ActionType string

const (
	ActionCode       ActionType = "code"
	ActionCommand    ActionType = "command"
	ActionValidation ActionType = "validation"
	ActionManual     ActionType = "manual"
)

// RiskLevel grades a step or batch. Batch sizing and trust-level routing
// key off it.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ranks orders risk levels for computing a batch's risk summary.
func (r RiskLevel) rank() int {
	switch r {
	case RiskHigh:
		return 3
	case RiskMedium:
		return 2
	default:
		return 1
	}
}

// MaxRisk returns the higher of two risk levels.
func MaxRisk(a, b RiskLevel) RiskLevel {
	if b.rank() > a.rank() {
		return b
	}
	return a
}

// BlockerType classifies why a step could not proceed.
type BlockerType string

const (
	BlockerCommandFailed     BlockerType = "command_failed"
	BlockerValidationFailed  BlockerType = "validation_failed"
	BlockerUnexpectedState   BlockerType = "unexpected_state"
	BlockerDependencySkipped BlockerType = "dependency_skipped"
	BlockerNeedsJudgment     BlockerType = "needs_judgment"
)

// DeveloperStatus is the batch executor's position within the plan.
type DeveloperStatus string

const (
	DevExecuting     DeveloperStatus = "executing"
	DevBatchComplete DeveloperStatus = "batch_complete"
	DevBlocked       DeveloperStatus = "blocked"
	DevAllDone       DeveloperStatus = "all_done"
)

// RunState is the in-graph workflow state, distinct from the persisted
// Status. A blocker resolved with abort flips it to aborted.
type RunState string

const (
	RunRunning RunState = "running"
	RunAborted RunState = "aborted"
)

// StepStatus is the outcome of one step execution.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// BatchStatus is the outcome of one batch execution.
type BatchStatus string

const (
	BatchComplete BatchStatus = "complete"
	BatchBlocked  BatchStatus = "blocked"
)

// Severity grades review findings.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// TrustLevel controls when batch checkpoints are auto-approved.
// Autonomous skips the human gate before low-risk batches; standard
// never does.
type TrustLevel string

const (
	TrustStandard   TrustLevel = "standard"
	TrustAutonomous TrustLevel = "autonomous"
)

// Issue is the unit of work a workflow implements, fetched from the
// issue tracker.
type Issue struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Step is the smallest unit of executable work: a file write, a command,
// or a validation.
type Step struct {
	ID                    string     `json:"id"`
	Description           string     `json:"description"`
	ActionType            ActionType `json:"action_type"`
	FilePath              string     `json:"file_path,omitempty"`
	CodeChange            string     `json:"code_change,omitempty"`
	Command               string     `json:"command,omitempty"`
	ValidationCommand     string     `json:"validation_command,omitempty"`
	FallbackCommands      []string   `json:"fallback_commands,omitempty"`
	DependsOn             []string   `json:"depends_on,omitempty"`
	RiskLevel             RiskLevel  `json:"risk_level"`
	RequiresHumanJudgment bool       `json:"requires_human_judgment,omitempty"`
	ExpectExitCode        int        `json:"expect_exit_code,omitempty"`
	ExpectedOutputPattern string     `json:"expected_output_pattern,omitempty"`
	Cwd                   string     `json:"cwd,omitempty"`
	IsTestStep            bool       `json:"is_test_step,omitempty"`
	ValidatesStep         string     `json:"validates_step,omitempty"`
}

// Batch is a contiguous, risk-homogeneous group of steps executed
// between human checkpoints. Numbers are 1-based and sequential.
type Batch struct {
	Number      int       `json:"number"`
	Steps       []Step    `json:"steps"`
	RiskSummary RiskLevel `json:"risk_summary"`
	Description string    `json:"description,omitempty"`
}

// ExecutionPlan is the architect's output: an ordered sequence of
// batches toward a goal.
type ExecutionPlan struct {
	Goal                  string  `json:"goal"`
	Batches               []Batch `json:"batches"`
	TotalEstimatedMinutes int     `json:"total_estimated_minutes,omitempty"`
	TDDApproach           bool    `json:"tdd_approach,omitempty"`
}

// StepByID looks a step up across all batches.
func (p *ExecutionPlan) StepByID(id string) (Step, bool) {
	for _, b := range p.Batches {
		for _, s := range b.Steps {
			if s.ID == id {
				return s, true
			}
		}
	}
	return Step{}, false
}

// StepResult records one step execution.
type StepResult struct {
	StepID          string     `json:"step_id"`
	Status          StepStatus `json:"status"`
	Output          string     `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	ExecutedCommand string     `json:"executed_command,omitempty"`
	DurationSeconds float64    `json:"duration_seconds,omitempty"`
}

// BlockerReport describes a step that could not proceed and needs a
// human resolution.
type BlockerReport struct {
	StepID               string      `json:"step_id"`
	StepDescription      string      `json:"step_description"`
	BlockerType          BlockerType `json:"blocker_type"`
	ErrorMessage         string      `json:"error_message"`
	AttemptedActions     []string    `json:"attempted_actions,omitempty"`
	SuggestedResolutions []string    `json:"suggested_resolutions,omitempty"`
}

// BatchResult records one batch execution, complete or blocked.
type BatchResult struct {
	BatchNumber    int            `json:"batch_number"`
	Status         BatchStatus    `json:"status"`
	CompletedSteps []StepResult   `json:"completed_steps"`
	Blocker        *BlockerReport `json:"blocker,omitempty"`
}

// BatchApproval records a human decision at a batch checkpoint.
type BatchApproval struct {
	BatchNumber int       `json:"batch_number"`
	Approved    bool      `json:"approved"`
	Feedback    string    `json:"feedback,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReviewResult is the reviewer stage's verdict on the accumulated diff.
type ReviewResult struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments,omitempty"`
	Severity Severity `json:"severity,omitempty"`
}

// GitSnapshot captures the worktree baseline before a batch so an
// abort_revert can restore it. Pre-existing dirty files belong to the
// user and are never reverted.
type GitSnapshot struct {
	HeadCommit string   `json:"head_commit"`
	DirtyFiles []string `json:"dirty_files,omitempty"`
	StashRef   string   `json:"stash_ref,omitempty"`
}

// Blocker resolution sentinels. Any other non-empty resolution string is
// a free-form fix instruction; empty means plain retry.
const (
	ResolutionSkip        = "skip"
	ResolutionAbort       = "abort"
	ResolutionAbortRevert = "abort_revert"
)

// ExecutionState is the graph state threaded through every stage and
// serialized at each checkpoint.
//
// Merge conventions (see Reduce): scalars replace when non-zero,
// sequences append, SkippedStepIDs unions, pointers replace when set.
// The Clear* fields are delta-only directives consumed by the reducer
// and never persisted.
type ExecutionState struct {
	// WorkflowID ties stream events and logs back to the workflow record;
	// it equals the graph thread id.
	WorkflowID string `json:"workflow_id,omitempty"`

	Issue  Issue  `json:"issue"`
	Design string `json:"design,omitempty"`

	Plan     *ExecutionPlan `json:"plan,omitempty"`
	PlanPath string         `json:"plan_path,omitempty"`

	CurrentBatchIndex int             `json:"current_batch_index"`
	BatchResults      []BatchResult   `json:"batch_results,omitempty"`
	BatchApprovals    []BatchApproval `json:"batch_approvals,omitempty"`

	CurrentBlocker    *BlockerReport  `json:"current_blocker,omitempty"`
	BlockerResolution *string         `json:"blocker_resolution,omitempty"`
	SkippedStepIDs    map[string]bool `json:"skipped_step_ids,omitempty"`

	DeveloperStatus DeveloperStatus `json:"developer_status,omitempty"`
	RunState        RunState        `json:"run_state,omitempty"`

	GitSnapshotBeforeBatch *GitSnapshot `json:"git_snapshot_before_batch,omitempty"`

	HumanApproved *bool  `json:"human_approved,omitempty"`
	HumanFeedback string `json:"human_feedback,omitempty"`

	LastReview          *ReviewResult `json:"last_review,omitempty"`
	ReviewIteration     int           `json:"review_iteration,omitempty"`
	MaxReviewIterations int           `json:"max_review_iterations,omitempty"`

	DriverSessionID string `json:"driver_session_id,omitempty"`
	AutoApprove     bool   `json:"auto_approve,omitempty"`
	PlanOnly        bool   `json:"plan_only,omitempty"`
	ExternalPlan    bool   `json:"external_plan,omitempty"`

	WorktreePath string `json:"worktree_path,omitempty"`
	ProfileID    string `json:"profile_id,omitempty"`

	// Delta-only directives. A node clears consumed optionals by setting
	// these instead of racing over pointer zero values. ResetBatchIndex
	// rewinds execution to the first batch, for replacement plans.
	ClearBlocker    bool `json:"-"`
	ClearApproval   bool `json:"-"`
	ClearSnapshot   bool `json:"-"`
	ResetBatchIndex bool `json:"-"`
}

// Workflow is the persisted record of one orchestration run.
type Workflow struct {
	ID            string     `json:"id"`
	IssueID       string     `json:"issue_id"`
	WorktreePath  string     `json:"worktree_path"`
	WorktreeName  string     `json:"worktree_name,omitempty"`
	ProfileID     string     `json:"profile_id,omitempty"`
	Status        Status     `json:"status"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CurrentStage  string     `json:"current_stage,omitempty"`
	PlanOnly      bool       `json:"plan_only,omitempty"`
	ExternalPlan  bool       `json:"external_plan,omitempty"`
}
