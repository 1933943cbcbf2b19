package graph

// EngineError is returned for configuration and execution faults inside
// the engine itself (as opposed to errors produced by node bodies, which
// are passed through unchanged).
type EngineError struct {
	Message string
	Code    string
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

// Error codes used by EngineError.
const (
	CodeDuplicateNode    = "DUPLICATE_NODE"
	CodeNodeNotFound     = "NODE_NOT_FOUND"
	CodeNoStartNode      = "NO_START_NODE"
	CodeNoRoute          = "NO_ROUTE"
	CodeMaxStepsExceeded = "MAX_STEPS_EXCEEDED"
	CodeMissingReducer   = "MISSING_REDUCER"
	CodeMissingStore     = "MISSING_STORE"
	CodeStoreError       = "STORE_ERROR"
)
