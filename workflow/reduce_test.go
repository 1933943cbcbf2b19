package workflow

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestReduce(t *testing.T) {
	t.Run("scalars replace when non-zero", func(t *testing.T) {
		prev := ExecutionState{CurrentBatchIndex: 1, DeveloperStatus: DevExecuting}
		got := Reduce(prev, ExecutionState{CurrentBatchIndex: 2, DeveloperStatus: DevBatchComplete})
		if got.CurrentBatchIndex != 2 || got.DeveloperStatus != DevBatchComplete {
			t.Errorf("unexpected merge: %+v", got)
		}

		// Zero-valued delta fields leave prev untouched.
		got = Reduce(got, ExecutionState{})
		if got.CurrentBatchIndex != 2 || got.DeveloperStatus != DevBatchComplete {
			t.Errorf("zero delta mutated state: %+v", got)
		}
	})

	t.Run("sequences append", func(t *testing.T) {
		prev := ExecutionState{BatchResults: []BatchResult{{BatchNumber: 1, Status: BatchComplete}}}
		got := Reduce(prev, ExecutionState{
			BatchResults:   []BatchResult{{BatchNumber: 2, Status: BatchBlocked}},
			BatchApprovals: []BatchApproval{{BatchNumber: 1, Approved: true}},
		})
		if len(got.BatchResults) != 2 || got.BatchResults[1].BatchNumber != 2 {
			t.Errorf("batch results not appended: %+v", got.BatchResults)
		}
		if len(got.BatchApprovals) != 1 {
			t.Errorf("approvals not appended: %+v", got.BatchApprovals)
		}
	})

	t.Run("skipped step IDs union", func(t *testing.T) {
		prev := ExecutionState{SkippedStepIDs: map[string]bool{"a": true}}
		got := Reduce(prev, ExecutionState{SkippedStepIDs: map[string]bool{"b": true}})
		if !got.SkippedStepIDs["a"] || !got.SkippedStepIDs["b"] {
			t.Errorf("expected union {a,b}, got %v", got.SkippedStepIDs)
		}
	})

	t.Run("optionals replace when set", func(t *testing.T) {
		prev := ExecutionState{}
		got := Reduce(prev, ExecutionState{
			HumanApproved:     BoolPtr(true),
			BlockerResolution: StringPtr("skip"),
			CurrentBlocker:    &BlockerReport{StepID: "s1", BlockerType: BlockerCommandFailed},
		})
		if got.HumanApproved == nil || !*got.HumanApproved {
			t.Errorf("approval not set: %+v", got)
		}
		if got.CurrentBlocker == nil || got.CurrentBlocker.StepID != "s1" {
			t.Errorf("blocker not set: %+v", got)
		}
	})

	t.Run("clear directives consume optionals", func(t *testing.T) {
		prev := ExecutionState{
			CurrentBlocker:    &BlockerReport{StepID: "s1"},
			BlockerResolution: StringPtr("skip"),
			HumanApproved:     BoolPtr(true),
			HumanFeedback:     "looks fine",
		}
		got := Reduce(prev, ExecutionState{ClearBlocker: true, ClearApproval: true})
		if got.CurrentBlocker != nil || got.BlockerResolution != nil {
			t.Errorf("blocker not cleared: %+v", got)
		}
		if got.HumanApproved != nil || got.HumanFeedback != "" {
			t.Errorf("approval not cleared: %+v", got)
		}
		if got.ClearBlocker || got.ClearApproval {
			t.Error("directives must not survive the merge")
		}
	})
}

func TestExecutionState_JSONRoundTrip(t *testing.T) {
	state := ExecutionState{
		Issue: Issue{ID: "PROJ-1", Title: "Add feature", Description: "details"},
		Plan: &ExecutionPlan{
			Goal: "implement the thing",
			Batches: []Batch{{
				Number: 1,
				Steps: []Step{{
					ID: "s1", ActionType: ActionCode, FilePath: "main.go",
					RiskLevel: RiskMedium, DependsOn: []string{"s0"},
				}},
				RiskSummary: RiskMedium,
			}},
			TDDApproach: true,
		},
		CurrentBatchIndex: 1,
		BatchResults: []BatchResult{{
			BatchNumber: 1, Status: BatchBlocked,
			Blocker: &BlockerReport{StepID: "s1", BlockerType: BlockerValidationFailed},
		}},
		SkippedStepIDs:         map[string]bool{"s0": true},
		DeveloperStatus:        DevBlocked,
		RunState:               RunRunning,
		GitSnapshotBeforeBatch: &GitSnapshot{HeadCommit: "abc123", DirtyFiles: []string{"notes.md"}},
		LastReview:             &ReviewResult{Approved: false, Comments: []string{"fix naming"}, Severity: SeverityLow},
		ReviewIteration:        1,
		MaxReviewIterations:    3,
		DriverSessionID:        "sess-42",
	}

	data, err := json.Marshal(state)
	if err != nil {
		t.Fatal(err)
	}
	var decoded ExecutionState
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(state, decoded) {
		t.Errorf("round trip differs:\n  in:  %+v\n  out: %+v", state, decoded)
	}
}
