package agents

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/orchestra-go/shell"
	"github.com/dshills/orchestra-go/vcs"
	"github.com/dshills/orchestra-go/workflow"
)

// stubRunner satisfies vcs.Runner with a clean worktree at a fixed HEAD.
type stubRunner struct{}

func (stubRunner) Run(ctx context.Context, dir string, args ...string) (string, error) {
	switch args[0] {
	case "rev-parse":
		return "abc123\n", nil
	case "status":
		return "", nil
	}
	return "", nil
}

func newDeveloper(worktree string) *Developer {
	return &Developer{
		Shell: &shell.Executor{},
		Files: shell.NewFileWriter(worktree),
		VCS:   vcs.New(stubRunner{}),
	}
}

func stateWithPlan(worktree string, batches ...workflow.Batch) workflow.ExecutionState {
	return workflow.ExecutionState{
		Plan:         &workflow.ExecutionPlan{Goal: "test goal", Batches: batches},
		WorktreePath: worktree,
	}
}

func TestExecuteBatch_CodeStep(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{{
			ID:          "step-1",
			Description: "write greeting",
			ActionType:  workflow.ActionCode,
			FilePath:    "greeting.txt",
			CodeChange:  "hello\n",
			RiskLevel:   workflow.RiskLow,
		}},
	})

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, workflow.DevAllDone, delta.DeveloperStatus)
	assert.Equal(t, 1, delta.CurrentBatchIndex)
	require.Len(t, delta.BatchResults, 1)
	assert.Equal(t, workflow.BatchComplete, delta.BatchResults[0].Status)
	require.Len(t, delta.BatchResults[0].CompletedSteps, 1)
	assert.Equal(t, workflow.StepCompleted, delta.BatchResults[0].CompletedSteps[0].Status)

	data, err := os.ReadFile(filepath.Join(worktree, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))

	// Snapshot taken at batch start, cleared on completion.
	require.NotNil(t, delta.GitSnapshotBeforeBatch)
	assert.Equal(t, "abc123", delta.GitSnapshotBeforeBatch.HeadCommit)
	assert.True(t, delta.ClearSnapshot)
}

func TestExecuteBatch_CommandStepWithPattern(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{{
			ID:                    "step-1",
			Description:           "say hello",
			ActionType:            workflow.ActionCommand,
			Command:               "echo hello world",
			ExpectedOutputPattern: `hello\s+world`,
			RiskLevel:             workflow.RiskLow,
		}},
	})

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, delta.BatchResults, 1)
	assert.Equal(t, workflow.BatchComplete, delta.BatchResults[0].Status)
	assert.Equal(t, "echo hello world", delta.BatchResults[0].CompletedSteps[0].ExecutedCommand)
	assert.Contains(t, delta.BatchResults[0].CompletedSteps[0].Output, "hello world")
}

func TestExecuteBatch_FallbackCommand(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{{
			ID:               "step-1",
			Description:      "flaky command",
			ActionType:       workflow.ActionCommand,
			Command:          "false",
			FallbackCommands: []string{"echo recovered"},
			RiskLevel:        workflow.RiskLow,
		}},
	})

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)
	require.Len(t, delta.BatchResults, 1)
	assert.Equal(t, workflow.BatchComplete, delta.BatchResults[0].Status)
	assert.Equal(t, "echo recovered", delta.BatchResults[0].CompletedSteps[0].ExecutedCommand)
}

func TestExecuteBatch_CommandFailureBlocks(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{
			{
				ID:          "step-1",
				Description: "works",
				ActionType:  workflow.ActionCommand,
				Command:     "echo first",
				RiskLevel:   workflow.RiskLow,
			},
			{
				ID:          "step-2",
				Description: "fails",
				ActionType:  workflow.ActionCommand,
				Command:     "false",
				RiskLevel:   workflow.RiskLow,
			},
		},
	})

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)

	assert.Equal(t, workflow.DevBlocked, delta.DeveloperStatus)
	require.NotNil(t, delta.CurrentBlocker)
	assert.Equal(t, "step-2", delta.CurrentBlocker.StepID)
	assert.Equal(t, workflow.BlockerCommandFailed, delta.CurrentBlocker.BlockerType)
	assert.Equal(t, []string{"false"}, delta.CurrentBlocker.AttemptedActions)
	assert.Contains(t, delta.CurrentBlocker.SuggestedResolutions, workflow.ResolutionSkip)

	require.Len(t, delta.BatchResults, 1)
	blocked := delta.BatchResults[0]
	assert.Equal(t, workflow.BatchBlocked, blocked.Status)
	require.Len(t, blocked.CompletedSteps, 1)
	assert.Equal(t, "step-1", blocked.CompletedSteps[0].StepID)

	// Blocked batches keep their snapshot for a possible abort_revert.
	assert.False(t, delta.ClearSnapshot)
	assert.Equal(t, 0, delta.CurrentBatchIndex)
}

func TestExecuteBatch_SkipCascade(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{
			{ID: "step-1", Description: "skipped", ActionType: workflow.ActionCommand, Command: "false", RiskLevel: workflow.RiskLow},
			{ID: "step-2", Description: "depends on skipped", ActionType: workflow.ActionCommand, Command: "echo two", DependsOn: []string{"step-1"}, RiskLevel: workflow.RiskLow},
			{ID: "step-3", Description: "independent", ActionType: workflow.ActionCommand, Command: "echo three", RiskLevel: workflow.RiskLow},
		},
	})
	state.SkippedStepIDs = map[string]bool{"step-1": true, "step-2": true}

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)

	require.Len(t, delta.BatchResults, 1)
	result := delta.BatchResults[0]
	assert.Equal(t, workflow.BatchComplete, result.Status)
	require.Len(t, result.CompletedSteps, 3)
	assert.Equal(t, workflow.StepSkipped, result.CompletedSteps[0].Status)
	assert.Equal(t, workflow.StepSkipped, result.CompletedSteps[1].Status)
	assert.Contains(t, result.CompletedSteps[1].Error, "Dependency step-1 was skipped")
	assert.Equal(t, workflow.StepCompleted, result.CompletedSteps[2].Status)
}

func TestExecuteBatch_ResumeAfterBlocker(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{
			{ID: "step-1", Description: "already ran", ActionType: workflow.ActionCommand, Command: "echo one", RiskLevel: workflow.RiskLow},
			{ID: "step-2", Description: "was blocked, now skipped", ActionType: workflow.ActionCommand, Command: "false", RiskLevel: workflow.RiskLow},
			{ID: "step-3", Description: "still to run", ActionType: workflow.ActionCommand, Command: "echo three", RiskLevel: workflow.RiskLow},
		},
	})
	state.BatchResults = []workflow.BatchResult{{
		BatchNumber: 1,
		Status:      workflow.BatchBlocked,
		CompletedSteps: []workflow.StepResult{
			{StepID: "step-1", Status: workflow.StepCompleted, ExecutedCommand: "echo one"},
		},
		Blocker: &workflow.BlockerReport{StepID: "step-2", BlockerType: workflow.BlockerCommandFailed},
	}}
	state.SkippedStepIDs = map[string]bool{"step-2": true}
	state.GitSnapshotBeforeBatch = &workflow.GitSnapshot{HeadCommit: "abc123"}

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)

	// No second snapshot when resuming mid-batch.
	assert.Nil(t, delta.GitSnapshotBeforeBatch)

	require.Len(t, delta.BatchResults, 1)
	result := delta.BatchResults[0]
	assert.Equal(t, workflow.BatchComplete, result.Status)
	require.Len(t, result.CompletedSteps, 3)
	assert.Equal(t, "step-1", result.CompletedSteps[0].StepID)
	assert.Equal(t, workflow.StepCompleted, result.CompletedSteps[0].Status)
	assert.Equal(t, workflow.StepSkipped, result.CompletedSteps[1].Status)
	assert.Equal(t, "step-3", result.CompletedSteps[2].StepID)
	assert.Equal(t, workflow.StepCompleted, result.CompletedSteps[2].Status)
}

func TestExecuteBatch_FixPlanReusingBatchNumberStartsFresh(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)

	// A fix plan restarts numbering at batch 1. History from the first
	// pass of batch 1, blocked then completed after a resume, must not
	// leak into the new run.
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskLow,
		Steps: []workflow.Step{{
			ID: "fix-1", Description: "apply review fix",
			ActionType: workflow.ActionCommand, Command: "echo fixed",
			RiskLevel: workflow.RiskLow,
		}},
	})
	state.BatchResults = []workflow.BatchResult{
		{
			BatchNumber: 1,
			Status:      workflow.BatchBlocked,
			CompletedSteps: []workflow.StepResult{
				{StepID: "old-1", Status: workflow.StepCompleted, ExecutedCommand: "echo old"},
			},
			Blocker: &workflow.BlockerReport{StepID: "old-2", BlockerType: workflow.BlockerCommandFailed},
		},
		{
			BatchNumber: 1,
			Status:      workflow.BatchComplete,
			CompletedSteps: []workflow.StepResult{
				{StepID: "old-1", Status: workflow.StepCompleted},
				{StepID: "old-2", Status: workflow.StepSkipped},
			},
		},
	}

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)

	// Fresh batch: a new snapshot so abort_revert has something to restore.
	require.NotNil(t, delta.GitSnapshotBeforeBatch)
	assert.Equal(t, "abc123", delta.GitSnapshotBeforeBatch.HeadCommit)

	require.Len(t, delta.BatchResults, 1)
	result := delta.BatchResults[0]
	assert.Equal(t, workflow.BatchComplete, result.Status)
	require.Len(t, result.CompletedSteps, 1)
	assert.Equal(t, "fix-1", result.CompletedSteps[0].StepID)
}

func TestExecuteBatch_ManualStepNeedsJudgment(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskHigh,
		Steps: []workflow.Step{{
			ID:          "step-1",
			Description: "rotate the production credentials",
			ActionType:  workflow.ActionManual,
			RiskLevel:   workflow.RiskHigh,
		}},
	})

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, workflow.DevBlocked, delta.DeveloperStatus)
	require.NotNil(t, delta.CurrentBlocker)
	assert.Equal(t, workflow.BlockerNeedsJudgment, delta.CurrentBlocker.BlockerType)
}

func TestExecuteBatch_PreValidation(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)

	t.Run("missing cwd", func(t *testing.T) {
		state := stateWithPlan(worktree, workflow.Batch{
			Number: 1, RiskSummary: workflow.RiskLow,
			Steps: []workflow.Step{{
				ID: "step-1", Description: "run in missing dir",
				ActionType: workflow.ActionCommand, Command: "echo hi",
				Cwd: "no/such/dir", RiskLevel: workflow.RiskLow,
			}},
		})
		delta, err := dev.ExecuteBatch(context.Background(), state)
		require.NoError(t, err)
		require.NotNil(t, delta.CurrentBlocker)
		assert.Equal(t, workflow.BlockerUnexpectedState, delta.CurrentBlocker.BlockerType)
	})

	t.Run("executable not found", func(t *testing.T) {
		state := stateWithPlan(worktree, workflow.Batch{
			Number: 1, RiskSummary: workflow.RiskLow,
			Steps: []workflow.Step{{
				ID: "step-1", Description: "missing binary",
				ActionType: workflow.ActionCommand, Command: "no-such-binary-zzz --flag",
				RiskLevel: workflow.RiskLow,
			}},
		})
		delta, err := dev.ExecuteBatch(context.Background(), state)
		require.NoError(t, err)
		require.NotNil(t, delta.CurrentBlocker)
		assert.Equal(t, workflow.BlockerValidationFailed, delta.CurrentBlocker.BlockerType)
	})

	t.Run("code step missing parent directory", func(t *testing.T) {
		state := stateWithPlan(worktree, workflow.Batch{
			Number: 1, RiskSummary: workflow.RiskLow,
			Steps: []workflow.Step{{
				ID: "step-1", Description: "new file in missing dir",
				ActionType: workflow.ActionCode, FilePath: "missing/dir/file.go",
				CodeChange: "package x\n", RiskLevel: workflow.RiskLow,
			}},
		})
		delta, err := dev.ExecuteBatch(context.Background(), state)
		require.NoError(t, err)
		require.NotNil(t, delta.CurrentBlocker)
		assert.Equal(t, workflow.BlockerValidationFailed, delta.CurrentBlocker.BlockerType)
	})
}

func TestExecuteBatch_HighRiskSemanticValidator(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	dev.Semantic = func(ctx context.Context, step workflow.Step) error {
		return assert.AnError
	}
	state := stateWithPlan(worktree, workflow.Batch{
		Number:      1,
		RiskSummary: workflow.RiskHigh,
		Steps: []workflow.Step{{
			ID: "step-1", Description: "risky",
			ActionType: workflow.ActionCommand, Command: "echo risky",
			RiskLevel: workflow.RiskHigh,
		}},
	})

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)
	require.NotNil(t, delta.CurrentBlocker)
	assert.Equal(t, workflow.BlockerValidationFailed, delta.CurrentBlocker.BlockerType)
	assert.Contains(t, delta.CurrentBlocker.ErrorMessage, "semantic validation failed")
}

func TestExecuteBatch_BatchCompleteVsAllDone(t *testing.T) {
	worktree := t.TempDir()
	dev := newDeveloper(worktree)
	batch := func(n int) workflow.Batch {
		return workflow.Batch{
			Number: n, RiskSummary: workflow.RiskLow,
			Steps: []workflow.Step{{
				ID: "step-" + string(rune('0'+n)), Description: "echo",
				ActionType: workflow.ActionCommand, Command: "echo hi",
				RiskLevel: workflow.RiskLow,
			}},
		}
	}
	state := stateWithPlan(worktree, batch(1), batch(2))

	delta, err := dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, workflow.DevBatchComplete, delta.DeveloperStatus)
	assert.Equal(t, 1, delta.CurrentBatchIndex)

	state = workflow.Reduce(state, delta)
	delta, err = dev.ExecuteBatch(context.Background(), state)
	require.NoError(t, err)
	assert.Equal(t, workflow.DevAllDone, delta.DeveloperStatus)
	assert.Equal(t, 2, delta.CurrentBatchIndex)
}
