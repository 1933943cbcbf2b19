package emit

// NullEmitter discards all events. Use it to disable engine observability
// without branching at call sites.
type NullEmitter struct{}

// NewNullEmitter creates a NullEmitter.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit implements Emitter as a no-op.
func (n *NullEmitter) Emit(event Event) {}
