package workflow

import (
	"strings"
	"testing"
)

func steps(risk RiskLevel, ids ...string) []Step {
	out := make([]Step, 0, len(ids))
	for _, id := range ids {
		out = append(out, Step{ID: id, Description: id, ActionType: ActionCommand, Command: "true", RiskLevel: risk})
	}
	return out
}

func TestValidatePlan_SplitsOversizedBatches(t *testing.T) {
	t.Run("six low-risk steps split 5+1", func(t *testing.T) {
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{
			{Number: 1, Steps: steps(RiskLow, "s1", "s2", "s3", "s4", "s5", "s6"), RiskSummary: RiskLow},
		}}
		got, warnings, err := ValidatePlan(plan)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Batches) != 2 || len(got.Batches[0].Steps) != 5 || len(got.Batches[1].Steps) != 1 {
			t.Fatalf("expected 5+1 split, got %d batches", len(got.Batches))
		}
		if len(warnings) == 0 {
			t.Error("expected a split warning")
		}
	})

	t.Run("four medium-risk steps split 3+1", func(t *testing.T) {
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{
			{Number: 1, Steps: steps(RiskMedium, "m1", "m2", "m3", "m4"), RiskSummary: RiskMedium},
		}}
		got, _, err := ValidatePlan(plan)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Batches) != 2 || len(got.Batches[0].Steps) != 3 || len(got.Batches[1].Steps) != 1 {
			t.Fatalf("expected 3+1 split, got %+v", got.Batches)
		}
	})

	t.Run("high-risk step is isolated", func(t *testing.T) {
		mixed := append(steps(RiskLow, "a", "b"), Step{ID: "danger", ActionType: ActionCommand, Command: "true", RiskLevel: RiskHigh})
		mixed = append(mixed, steps(RiskLow, "c")...)
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{
			{Number: 1, Steps: mixed, RiskSummary: RiskHigh},
		}}
		got, _, err := ValidatePlan(plan)
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Batches) != 3 {
			t.Fatalf("expected 3 batches, got %d", len(got.Batches))
		}
		iso := got.Batches[1]
		if len(iso.Steps) != 1 || iso.Steps[0].ID != "danger" || iso.RiskSummary != RiskHigh {
			t.Errorf("high-risk step not isolated: %+v", iso)
		}
	})

	t.Run("batches renumbered sequentially", func(t *testing.T) {
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{
			{Number: 1, Steps: steps(RiskLow, "a", "b", "c", "d", "e", "f"), RiskSummary: RiskLow},
			{Number: 2, Steps: steps(RiskMedium, "g1"), RiskSummary: RiskMedium},
		}}
		got, _, err := ValidatePlan(plan)
		if err != nil {
			t.Fatal(err)
		}
		for i, b := range got.Batches {
			if b.Number != i+1 {
				t.Errorf("batch %d has number %d", i, b.Number)
			}
		}
	})
}

func TestValidatePlan_Rejects(t *testing.T) {
	t.Run("cyclic dependency", func(t *testing.T) {
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{{Number: 1, Steps: []Step{
			{ID: "a", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"b"}},
			{ID: "b", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"c"}},
			{ID: "c", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"a"}},
		}, RiskSummary: RiskLow}}}
		_, _, err := ValidatePlan(plan)
		if err == nil || !strings.Contains(err.Error(), "cyclic dependency") {
			t.Fatalf("expected cycle error, got %v", err)
		}
	})

	t.Run("unknown dependency reference", func(t *testing.T) {
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{{Number: 1, Steps: []Step{
			{ID: "a", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"ghost"}},
		}, RiskSummary: RiskLow}}}
		_, _, err := ValidatePlan(plan)
		if err == nil || !strings.Contains(err.Error(), "unknown step") {
			t.Fatalf("expected unknown-dependency error, got %v", err)
		}
	})

	t.Run("duplicate step ID", func(t *testing.T) {
		plan := &ExecutionPlan{Goal: "g", Batches: []Batch{{Number: 1, Steps: []Step{
			{ID: "a", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow},
			{ID: "a", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow},
		}, RiskSummary: RiskLow}}}
		if _, _, err := ValidatePlan(plan); err == nil {
			t.Fatal("expected duplicate-ID error")
		}
	})

	t.Run("empty plan", func(t *testing.T) {
		if _, _, err := ValidatePlan(&ExecutionPlan{}); err == nil {
			t.Fatal("expected error for empty plan")
		}
	})
}

func TestSkipClosure(t *testing.T) {
	plan := &ExecutionPlan{Goal: "g", Batches: []Batch{
		{Number: 1, Steps: []Step{
			{ID: "step-a", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow},
			{ID: "step-b", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"step-a"}},
			{ID: "step-c", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow},
		}, RiskSummary: RiskLow},
		{Number: 2, Steps: []Step{
			{ID: "step-d", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"step-b"}},
		}, RiskSummary: RiskLow},
	}}

	delta := SkipClosure(plan, nil, "step-a")

	for _, want := range []string{"step-a", "step-b", "step-d"} {
		if !delta[want] {
			t.Errorf("expected %s in skip closure, got %v", want, delta)
		}
	}
	if delta["step-c"] {
		t.Errorf("independent step must not be skipped: %v", delta)
	}
}

func TestSkipClosure_ExcludesAlreadySkipped(t *testing.T) {
	plan := &ExecutionPlan{Goal: "g", Batches: []Batch{
		{Number: 1, Steps: []Step{
			{ID: "x", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow},
			{ID: "y", ActionType: ActionCommand, Command: "true", RiskLevel: RiskLow, DependsOn: []string{"x"}},
		}, RiskSummary: RiskLow},
	}}

	delta := SkipClosure(plan, map[string]bool{"y": true}, "x")
	if delta["y"] {
		t.Errorf("already-skipped step must not reappear in the delta: %v", delta)
	}
	if !delta["x"] {
		t.Errorf("seed missing from delta: %v", delta)
	}
}
