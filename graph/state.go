package graph

import (
	"encoding/json"
	"fmt"
)

// Reducer merges a partial state update into the accumulated state and
// returns the result. Reducers must be deterministic: the engine replays
// them against checkpointed state after a resume.
//
// Conventions used throughout this module:
//   - scalar fields: replace when the delta carries a non-zero value
//   - append-only sequences: concatenate
//   - sets: union
//   - optionals/enums: replace when set
type Reducer[S any] func(prev, delta S) S

// deepCopy clones state S via a JSON round trip. Checkpointed state must
// be JSON-serializable anyway, so the same constraint applies here:
// exported fields only, no channels or funcs, no cycles.
func deepCopy[S any](state S) (S, error) {
	var zero S

	data, err := json.Marshal(state)
	if err != nil {
		return zero, fmt.Errorf("failed to marshal state: %w", err)
	}

	var copied S
	if err := json.Unmarshal(data, &copied); err != nil {
		return zero, fmt.Errorf("failed to unmarshal state: %w", err)
	}

	return copied, nil
}
