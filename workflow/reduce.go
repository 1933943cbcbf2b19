package workflow

// Reduce merges a node's state delta into the accumulated ExecutionState.
//
// Field conventions:
//   - scalars and enums replace when the delta carries a non-zero value
//   - BatchResults and BatchApprovals are append-only
//   - SkippedStepIDs merges via set union, never replace: concurrent
//     resolution deltas may target the same base checkpoint
//   - pointer optionals replace when set; the Clear* directives remove
//     them explicitly
func Reduce(prev, delta ExecutionState) ExecutionState {
	if delta.WorkflowID != "" {
		prev.WorkflowID = delta.WorkflowID
	}
	if delta.Issue.ID != "" {
		prev.Issue = delta.Issue
	}
	if delta.Design != "" {
		prev.Design = delta.Design
	}
	if delta.Plan != nil {
		prev.Plan = delta.Plan
	}
	if delta.PlanPath != "" {
		prev.PlanPath = delta.PlanPath
	}

	if delta.ResetBatchIndex {
		prev.CurrentBatchIndex = 0
	} else if delta.CurrentBatchIndex != 0 {
		prev.CurrentBatchIndex = delta.CurrentBatchIndex
	}
	prev.BatchResults = append(prev.BatchResults, delta.BatchResults...)
	prev.BatchApprovals = append(prev.BatchApprovals, delta.BatchApprovals...)

	if delta.ClearBlocker {
		prev.CurrentBlocker = nil
		prev.BlockerResolution = nil
	}
	if delta.CurrentBlocker != nil {
		prev.CurrentBlocker = delta.CurrentBlocker
	}
	if delta.BlockerResolution != nil {
		prev.BlockerResolution = delta.BlockerResolution
	}

	if len(delta.SkippedStepIDs) > 0 {
		if prev.SkippedStepIDs == nil {
			prev.SkippedStepIDs = make(map[string]bool, len(delta.SkippedStepIDs))
		}
		for id := range delta.SkippedStepIDs {
			prev.SkippedStepIDs[id] = true
		}
	}

	if delta.DeveloperStatus != "" {
		prev.DeveloperStatus = delta.DeveloperStatus
	}
	if delta.RunState != "" {
		prev.RunState = delta.RunState
	}

	if delta.ClearSnapshot {
		prev.GitSnapshotBeforeBatch = nil
	}
	if delta.GitSnapshotBeforeBatch != nil {
		prev.GitSnapshotBeforeBatch = delta.GitSnapshotBeforeBatch
	}

	if delta.ClearApproval {
		prev.HumanApproved = nil
		prev.HumanFeedback = ""
	}
	if delta.HumanApproved != nil {
		prev.HumanApproved = delta.HumanApproved
	}
	if delta.HumanFeedback != "" {
		prev.HumanFeedback = delta.HumanFeedback
	}

	if delta.LastReview != nil {
		prev.LastReview = delta.LastReview
	}
	if delta.ReviewIteration != 0 {
		prev.ReviewIteration = delta.ReviewIteration
	}
	if delta.MaxReviewIterations != 0 {
		prev.MaxReviewIterations = delta.MaxReviewIterations
	}

	if delta.DriverSessionID != "" {
		prev.DriverSessionID = delta.DriverSessionID
	}
	if delta.AutoApprove {
		prev.AutoApprove = true
	}
	if delta.PlanOnly {
		prev.PlanOnly = true
	}
	if delta.ExternalPlan {
		prev.ExternalPlan = true
	}
	if delta.WorktreePath != "" {
		prev.WorktreePath = delta.WorktreePath
	}
	if delta.ProfileID != "" {
		prev.ProfileID = delta.ProfileID
	}

	// Directives are consumed, never carried forward.
	prev.ClearBlocker = false
	prev.ClearApproval = false
	prev.ClearSnapshot = false
	prev.ResetBatchIndex = false

	return prev
}

// BoolPtr returns a pointer to b, for optional flags in state deltas.
func BoolPtr(b bool) *bool { return &b }

// StringPtr returns a pointer to s, for optional strings in state deltas.
func StringPtr(s string) *string { return &s }
