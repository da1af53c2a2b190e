// Package emit provides pluggable observability events for the sync
// pipeline. Emitters receive one Event per notable pipeline moment and fan
// it out to logs, memory buffers, or OpenTelemetry spans.
package emit

// Event is an observability record emitted during a sync run.
//
// Events cover run lifecycle (start, finish, interrupt), per-line outcomes
// (failures, policy skips), batch commits, retries, breaker transitions,
// and periodic progress. They are diagnostics, not state: nothing in the
// pipeline reads them back.
type Event struct {
	// RunID identifies the sync run that emitted this event.
	RunID string

	// Line is the input line the event concerns. Zero for run-level and
	// batch-level events.
	Line int64

	// Stage names the pipeline stage that emitted the event: "parse",
	// "resolve", "embed", "submit", "commit", "progress", or "run".
	Stage string

	// Msg is a short machine-stable description, e.g. "line_failed",
	// "batch_committed", "breaker_open", "run_complete".
	Msg string

	// Meta holds structured details specific to the event. Common keys:
	//   - "error": failure description
	//   - "category": failure category
	//   - "batch_size", "batch_kind", "duration_ms": commit details
	//   - "attempt": retry attempt number
	Meta map[string]interface{}
}
