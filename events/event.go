// Package events carries workflow progress to in-process subscribers and
// connected sockets. The bus is in-memory; persistence is just another
// subscriber, so test doubles bypass storage by not registering one.
package events

import "time"

// EventType is the closed, wire-stable set of workflow event types.
type EventType string

const (
	EventWorkflowStarted   EventType = "workflow_started"
	EventWorkflowCompleted EventType = "workflow_completed"
	EventWorkflowFailed    EventType = "workflow_failed"
	EventWorkflowCancelled EventType = "workflow_cancelled"

	EventStageStarted   EventType = "stage_started"
	EventStageCompleted EventType = "stage_completed"

	EventApprovalRequired EventType = "approval_required"
	EventApprovalGranted  EventType = "approval_granted"
	EventApprovalRejected EventType = "approval_rejected"

	EventFileCreated  EventType = "file_created"
	EventFileModified EventType = "file_modified"
	EventFileDeleted  EventType = "file_deleted"

	EventReviewRequested   EventType = "review_requested"
	EventReviewCompleted   EventType = "review_completed"
	EventRevisionRequested EventType = "revision_requested"

	EventAgentMessage  EventType = "agent_message"
	EventTaskStarted   EventType = "task_started"
	EventTaskCompleted EventType = "task_completed"
	EventTaskFailed    EventType = "task_failed"

	EventSystemError   EventType = "system_error"
	EventSystemWarning EventType = "system_warning"

	EventStream EventType = "stream"
)

// Level is the verbosity tier assigned per event type. Retention and
// client filtering key off it.
type Level string

const (
	LevelInfo  Level = "info"
	LevelDebug Level = "debug"
	LevelTrace Level = "trace"
)

// LevelFor maps an event type to its verbosity tier: lifecycle, stage,
// approval, and review-completion events are info; task, file, agent,
// and warning events are debug; stream events are trace.
func LevelFor(t EventType) Level {
	switch t {
	case EventWorkflowStarted, EventWorkflowCompleted, EventWorkflowFailed, EventWorkflowCancelled,
		EventStageStarted, EventStageCompleted,
		EventApprovalRequired, EventApprovalGranted, EventApprovalRejected,
		EventReviewCompleted, EventSystemError:
		return LevelInfo
	case EventStream:
		return LevelTrace
	default:
		return LevelDebug
	}
}

// WorkflowEvent is one persisted-or-persistable workflow event. Sequence
// is monotonic per workflow starting at 1 and is authoritative for
// reconstructing order from storage.
type WorkflowEvent struct {
	ID            string         `json:"id"`
	WorkflowID    string         `json:"workflow_id"`
	Sequence      int64          `json:"sequence"`
	Timestamp     time.Time      `json:"timestamp"`
	Agent         string         `json:"agent,omitempty"`
	Type          EventType      `json:"type"`
	Level         Level          `json:"level"`
	Message       string         `json:"message"`
	Payload       map[string]any `json:"payload,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// StreamSubtype classifies ephemeral streaming events from agentic
// driver sessions.
type StreamSubtype string

const (
	StreamThinking    StreamSubtype = "claude_thinking"
	StreamToolCall    StreamSubtype = "claude_tool_call"
	StreamToolResult  StreamSubtype = "claude_tool_result"
	StreamAgentOutput StreamSubtype = "agent_output"
)

// StreamEvent is a fine-grained progress event. It is not persisted
// unless trace retention is enabled on the bus.
type StreamEvent struct {
	Subtype    StreamSubtype  `json:"subtype"`
	Content    string         `json:"content,omitempty"`
	ToolName   string         `json:"tool_name,omitempty"`
	ToolInput  map[string]any `json:"tool_input,omitempty"`
	Agent      string         `json:"agent,omitempty"`
	WorkflowID string         `json:"workflow_id"`
	Timestamp  time.Time      `json:"timestamp"`
}
