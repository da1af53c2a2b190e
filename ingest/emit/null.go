package emit

// NullEmitter discards all events. It is the default when no observability
// backend is configured, and costs nothing.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(event Event) {
	// No-op
}
