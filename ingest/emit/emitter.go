package emit

// Emitter receives observability events from the pipeline.
//
// Implementations must be:
//   - Non-blocking: workers emit inline; a slow emitter slows the run
//   - Thread-safe: workers emit concurrently
//   - Resilient: Emit must not panic; failures are swallowed or logged
//     internally, never surfaced to the pipeline
type Emitter interface {
	// Emit delivers one event to the backend. It must not block on I/O
	// beyond a local write and must not panic.
	Emit(event Event)
}
