package workflow

import "fmt"

// maxBatchSize is the per-risk batch size limit. High-risk steps always
// execute alone.
func maxBatchSize(risk RiskLevel) int {
	switch risk {
	case RiskHigh:
		return 1
	case RiskMedium:
		return 3
	default:
		return 5
	}
}

// PlanError reports a structural defect in an execution plan.
type PlanError struct {
	Message string
}

func (e *PlanError) Error() string { return e.Message }

// dfs colors for cycle detection.
const (
	white = iota // unvisited
	gray         // on the current path
	black        // fully explored
)

// ValidatePlan verifies a plan's internal consistency and normalizes its
// batch structure. It returns the validated plan plus non-fatal warnings.
//
// Checks, in order:
//  1. step IDs are unique across the whole plan
//  2. every depends_on reference names a known step
//  3. the dependency graph is acyclic
//  4. batches respect the per-risk size limit (low 5, medium 3, high 1);
//     oversized batches are split, high-risk steps isolated, and all
//     batches renumbered sequentially from 1
func ValidatePlan(plan *ExecutionPlan) (*ExecutionPlan, []string, error) {
	if plan == nil || len(plan.Batches) == 0 {
		return nil, nil, &PlanError{Message: "plan has no batches"}
	}

	steps := make(map[string]Step)
	var order []string
	for _, b := range plan.Batches {
		for _, s := range b.Steps {
			if s.ID == "" {
				return nil, nil, &PlanError{Message: "plan contains a step with an empty ID"}
			}
			if _, dup := steps[s.ID]; dup {
				return nil, nil, &PlanError{Message: "duplicate step ID: " + s.ID}
			}
			steps[s.ID] = s
			order = append(order, s.ID)
		}
	}

	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := steps[dep]; !ok {
				return nil, nil, &PlanError{
					Message: fmt.Sprintf("step %s depends on unknown step %s", s.ID, dep),
				}
			}
		}
	}

	if cycle := findCycle(steps, order); cycle != "" {
		return nil, nil, &PlanError{Message: "cyclic dependency detected involving step " + cycle}
	}

	normalized, warnings := splitBatches(plan)
	return normalized, warnings, nil
}

// findCycle runs a depth-first search with WHITE/GRAY/BLACK coloring and
// returns a step ID on a cycle, or "" when the graph is acyclic.
func findCycle(steps map[string]Step, order []string) string {
	color := make(map[string]int, len(steps))

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = gray
		for _, dep := range steps[id].DependsOn {
			switch color[dep] {
			case gray:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, id := range order {
		if color[id] == white {
			if hit := visit(id); hit != "" {
				return hit
			}
		}
	}
	return ""
}

// splitBatches enforces per-risk size limits. Steps keep their declared
// order; a high-risk step always lands in its own batch. The result is
// renumbered 1..n with risk summaries recomputed per batch.
func splitBatches(plan *ExecutionPlan) (*ExecutionPlan, []string) {
	var warnings []string
	var out []Batch

	flush := func(steps []Step, description string) {
		if len(steps) == 0 {
			return
		}
		risk := RiskLow
		for _, s := range steps {
			risk = MaxRisk(risk, s.RiskLevel)
		}
		out = append(out, Batch{Steps: steps, RiskSummary: risk, Description: description})
	}

	for _, b := range plan.Batches {
		before := len(out)
		var current []Step
		currentRisk := RiskLow

		for _, s := range b.Steps {
			if s.RiskLevel == RiskHigh {
				flush(current, b.Description)
				current, currentRisk = nil, RiskLow
				flush([]Step{s}, b.Description)
				continue
			}
			current = append(current, s)
			currentRisk = MaxRisk(currentRisk, s.RiskLevel)
			if len(current) >= maxBatchSize(currentRisk) {
				flush(current, b.Description)
				current, currentRisk = nil, RiskLow
			}
		}
		flush(current, b.Description)

		if len(out)-before > 1 {
			warnings = append(warnings,
				fmt.Sprintf("batch %d exceeded the size limit for its risk level and was split", b.Number))
		}
	}

	for i := range out {
		out[i].Number = i + 1
	}

	normalized := *plan
	normalized.Batches = out
	return &normalized, warnings
}

// SkipClosure computes the cascade-skip delta for a newly skipped step:
// the seed plus every step transitively depending on it, excluding steps
// already in skipped. Fixed-point iteration; the plan's DAG is already
// validated so termination is guaranteed.
func SkipClosure(plan *ExecutionPlan, skipped map[string]bool, seed string) map[string]bool {
	delta := map[string]bool{seed: true}

	inSkipSet := func(id string) bool { return delta[id] || skipped[id] }

	for {
		grew := false
		for _, b := range plan.Batches {
			for _, s := range b.Steps {
				if inSkipSet(s.ID) {
					continue
				}
				for _, dep := range s.DependsOn {
					if inSkipSet(dep) {
						delta[s.ID] = true
						grew = true
						break
					}
				}
			}
		}
		if !grew {
			return delta
		}
	}
}
