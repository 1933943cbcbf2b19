package agents

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/dshills/orchestra-go/events"
	"github.com/dshills/orchestra-go/shell"
	"github.com/dshills/orchestra-go/vcs"
	"github.com/dshills/orchestra-go/workflow"
)

// SemanticValidator is the optional pre-execution check for high-risk
// steps, typically a small LLM call. Nil passes everything through.
type SemanticValidator func(ctx context.Context, step workflow.Step) error

// suggestedResolutions is offered with every blocker report.
var suggestedResolutions = []string{
	workflow.ResolutionSkip,
	workflow.ResolutionAbort,
	workflow.ResolutionAbortRevert,
	"free-form fix instruction",
}

// Developer executes the current batch of the plan: snapshot, tiered
// pre-validation, execution with fallbacks, structured results, blocker
// detection.
type Developer struct {
	Shell *shell.Executor

	// Files, when set, pins file writes to a fixed root. Nil confines
	// writes to the active workflow's worktree.
	Files *shell.FileWriter

	VCS      *vcs.Git
	Semantic SemanticValidator

	// Stream receives fine-grained progress. Nil disables streaming.
	Stream func(events.StreamEvent)
}

// ExecuteBatch runs the batch at state.CurrentBatchIndex and returns a
// state delta: appended BatchResults, updated developer status, and on a
// blocker the CurrentBlocker report. Step failures become blockers, not
// errors; the error return is reserved for states the executor cannot
// interpret at all.
func (d *Developer) ExecuteBatch(ctx context.Context, state workflow.ExecutionState) (workflow.ExecutionState, error) {
	var delta workflow.ExecutionState

	if state.Plan == nil || len(state.Plan.Batches) == 0 {
		return delta, fmt.Errorf("no execution plan in state")
	}
	if state.CurrentBatchIndex >= len(state.Plan.Batches) {
		delta.DeveloperStatus = workflow.DevAllDone
		return delta, nil
	}
	batch := state.Plan.Batches[state.CurrentBatchIndex]

	// Resuming after a blocker preserves the steps that already ran.
	done := make(map[string]bool)
	var completed []workflow.StepResult
	if prior := latestBlockedResult(state.BatchResults, batch.Number); prior != nil {
		for _, sr := range prior.CompletedSteps {
			done[sr.StepID] = true
			completed = append(completed, sr)
		}
	} else {
		snap, err := d.VCS.Snapshot(ctx, state.WorktreePath)
		if err != nil {
			return delta, fmt.Errorf("failed to snapshot worktree: %w", err)
		}
		delta.GitSnapshotBeforeBatch = &snap
	}

	for _, step := range batch.Steps {
		if done[step.ID] {
			continue
		}
		if ctx.Err() != nil {
			return workflow.ExecutionState{}, ctx.Err()
		}

		if dep, skipped := skippedDependency(step, state.SkippedStepIDs); skipped {
			completed = append(completed, workflow.StepResult{
				StepID: step.ID,
				Status: workflow.StepSkipped,
				Error:  fmt.Sprintf("Dependency %s was skipped", dep),
			})
			continue
		}
		if state.SkippedStepIDs[step.ID] {
			completed = append(completed, workflow.StepResult{
				StepID: step.ID,
				Status: workflow.StepSkipped,
				Error:  "Step was skipped by resolution",
			})
			continue
		}

		d.streamProgress(state, fmt.Sprintf("Executing step %s: %s", step.ID, step.Description))

		if report := d.preValidate(ctx, state, step); report != nil {
			return blockedDelta(delta, batch.Number, completed, report), nil
		}

		result, report := d.executeStep(ctx, state, step)
		if report != nil {
			return blockedDelta(delta, batch.Number, completed, report), nil
		}
		completed = append(completed, result)
	}

	delta.BatchResults = append(delta.BatchResults, workflow.BatchResult{
		BatchNumber:    batch.Number,
		Status:         workflow.BatchComplete,
		CompletedSteps: completed,
	})
	delta.CurrentBatchIndex = state.CurrentBatchIndex + 1
	delta.ClearSnapshot = true
	if state.CurrentBatchIndex+1 == len(state.Plan.Batches) {
		delta.DeveloperStatus = workflow.DevAllDone
	} else {
		delta.DeveloperStatus = workflow.DevBatchComplete
	}
	return delta, nil
}

func blockedDelta(delta workflow.ExecutionState, batchNumber int, completed []workflow.StepResult, report *workflow.BlockerReport) workflow.ExecutionState {
	delta.BatchResults = append(delta.BatchResults, workflow.BatchResult{
		BatchNumber:    batchNumber,
		Status:         workflow.BatchBlocked,
		CompletedSteps: completed,
		Blocker:        report,
	})
	delta.CurrentBlocker = report
	delta.DeveloperStatus = workflow.DevBlocked
	return delta
}

// preValidate runs the tiered checks before a step executes. Low and
// medium risk get filesystem-only checks; high risk additionally runs
// the semantic validator when one is configured.
func (d *Developer) preValidate(ctx context.Context, state workflow.ExecutionState, step workflow.Step) *workflow.BlockerReport {
	if step.RequiresHumanJudgment || step.ActionType == workflow.ActionManual {
		return blocker(step, workflow.BlockerNeedsJudgment, "step requires human judgment")
	}

	if step.Cwd != "" {
		cwd := step.Cwd
		if !filepath.IsAbs(cwd) {
			cwd = filepath.Join(state.WorktreePath, cwd)
		}
		if info, err := os.Stat(cwd); err != nil || !info.IsDir() {
			return blocker(step, workflow.BlockerUnexpectedState,
				fmt.Sprintf("working directory does not exist: %s", step.Cwd))
		}
	}

	switch step.ActionType {
	case workflow.ActionCode:
		if step.FilePath == "" {
			return blocker(step, workflow.BlockerValidationFailed, "code step has no file_path")
		}
		abs, err := d.writerFor(state).Resolve(step.FilePath)
		if err != nil {
			return blocker(step, workflow.BlockerValidationFailed, err.Error())
		}
		if _, err := os.Stat(abs); os.IsNotExist(err) {
			// Creating a new file: its parent directory must exist.
			if _, err := os.Stat(filepath.Dir(abs)); err != nil {
				return blocker(step, workflow.BlockerValidationFailed,
					fmt.Sprintf("parent directory does not exist for new file %s", step.FilePath))
			}
		}
	case workflow.ActionCommand:
		if step.Command == "" {
			return blocker(step, workflow.BlockerValidationFailed, "command step has no command")
		}
		if err := d.Shell.LookExecutable(step.Command); err != nil {
			return blocker(step, workflow.BlockerValidationFailed, err.Error())
		}
	case workflow.ActionValidation:
		if step.ValidationCommand == "" {
			return blocker(step, workflow.BlockerValidationFailed, "validation step has no validation_command")
		}
	default:
		return blocker(step, workflow.BlockerUnexpectedState,
			fmt.Sprintf("unsupported action type: %s", step.ActionType))
	}

	if step.RiskLevel == workflow.RiskHigh && d.Semantic != nil {
		if err := d.Semantic(ctx, step); err != nil {
			return blocker(step, workflow.BlockerValidationFailed,
				"semantic validation failed: "+err.Error())
		}
	}
	return nil
}

func (d *Developer) executeStep(ctx context.Context, state workflow.ExecutionState, step workflow.Step) (workflow.StepResult, *workflow.BlockerReport) {
	started := time.Now()

	switch step.ActionType {
	case workflow.ActionCode:
		if err := d.writerFor(state).Write(step.FilePath, step.CodeChange); err != nil {
			return workflow.StepResult{}, blocker(step, workflow.BlockerUnexpectedState,
				fmt.Sprintf("failed to write %s: %v", step.FilePath, err))
		}
		if step.ValidationCommand != "" {
			res, failure := d.runChecked(ctx, state, step, step.ValidationCommand)
			if failure != "" {
				report := blocker(step, workflow.BlockerValidationFailed, failure)
				report.AttemptedActions = []string{step.ValidationCommand}
				return workflow.StepResult{}, report
			}
			return stepResult(step, res, step.ValidationCommand, started), nil
		}
		return workflow.StepResult{
			StepID:          step.ID,
			Status:          workflow.StepCompleted,
			DurationSeconds: time.Since(started).Seconds(),
		}, nil

	case workflow.ActionCommand:
		commands := append([]string{step.Command}, step.FallbackCommands...)
		var attempted []string
		var lastFailure string
		for _, cmd := range commands {
			attempted = append(attempted, cmd)
			res, failure := d.runChecked(ctx, state, step, cmd)
			if failure == "" {
				return stepResult(step, res, cmd, started), nil
			}
			lastFailure = failure
		}
		report := blocker(step, workflow.BlockerCommandFailed, lastFailure)
		report.AttemptedActions = attempted
		return workflow.StepResult{}, report

	case workflow.ActionValidation:
		res, failure := d.runChecked(ctx, state, step, step.ValidationCommand)
		if failure != "" {
			report := blocker(step, workflow.BlockerValidationFailed, failure)
			report.AttemptedActions = []string{step.ValidationCommand}
			return workflow.StepResult{}, report
		}
		return stepResult(step, res, step.ValidationCommand, started), nil
	}

	return workflow.StepResult{}, blocker(step, workflow.BlockerUnexpectedState,
		fmt.Sprintf("unsupported action type: %s", step.ActionType))
}

// runChecked executes one command and validates exit code first, then
// the expected output pattern against ANSI-stripped stdout. It returns
// the failure reason, or "" on success.
func (d *Developer) runChecked(ctx context.Context, state workflow.ExecutionState, step workflow.Step, command string) (shell.Result, string) {
	cwd := state.WorktreePath
	if step.Cwd != "" {
		if filepath.IsAbs(step.Cwd) {
			cwd = step.Cwd
		} else {
			cwd = filepath.Join(state.WorktreePath, step.Cwd)
		}
	}

	res, err := d.Shell.Execute(ctx, command, cwd)
	if err != nil {
		return res, err.Error()
	}
	if res.ExitCode != step.ExpectExitCode {
		return res, fmt.Sprintf("command %q exited with %d (expected %d): %s",
			command, res.ExitCode, step.ExpectExitCode, firstLine(res.Stderr))
	}
	if step.ExpectedOutputPattern != "" {
		re, err := regexp.Compile(step.ExpectedOutputPattern)
		if err != nil {
			return res, fmt.Sprintf("invalid expected output pattern %q: %v", step.ExpectedOutputPattern, err)
		}
		if !re.MatchString(shell.StripANSI(res.Stdout)) {
			return res, fmt.Sprintf("command output did not match pattern %q", step.ExpectedOutputPattern)
		}
	}
	return res, ""
}

func (d *Developer) writerFor(state workflow.ExecutionState) *shell.FileWriter {
	if d.Files != nil {
		return d.Files
	}
	return shell.NewFileWriter(state.WorktreePath)
}

func (d *Developer) streamProgress(state workflow.ExecutionState, msg string) {
	if d.Stream == nil {
		return
	}
	d.Stream(events.StreamEvent{
		Subtype:    events.StreamAgentOutput,
		Content:    msg,
		Agent:      "developer",
		WorkflowID: state.WorkflowID,
		Timestamp:  time.Now().UTC(),
	})
}

func blocker(step workflow.Step, kind workflow.BlockerType, message string) *workflow.BlockerReport {
	return &workflow.BlockerReport{
		StepID:               step.ID,
		StepDescription:      step.Description,
		BlockerType:          kind,
		ErrorMessage:         message,
		SuggestedResolutions: suggestedResolutions,
	}
}

func stepResult(step workflow.Step, res shell.Result, command string, started time.Time) workflow.StepResult {
	return workflow.StepResult{
		StepID:          step.ID,
		Status:          workflow.StepCompleted,
		Output:          res.Stdout,
		ExecutedCommand: command,
		DurationSeconds: time.Since(started).Seconds(),
	}
}

// latestBlockedResult finds the blocked result a mid-batch resume picks
// up from. Only the most recent result for the batch number counts: once
// a pass finished, a later run reusing the same number (a fix plan
// restarting at batch 1) is a fresh batch, not a resume.
func latestBlockedResult(results []workflow.BatchResult, batchNumber int) *workflow.BatchResult {
	for i := len(results) - 1; i >= 0; i-- {
		if results[i].BatchNumber != batchNumber {
			continue
		}
		if results[i].Status == workflow.BatchBlocked {
			return &results[i]
		}
		return nil
	}
	return nil
}

func skippedDependency(step workflow.Step, skipped map[string]bool) (string, bool) {
	for _, dep := range step.DependsOn {
		if skipped[dep] {
			return dep, true
		}
	}
	return "", false
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
