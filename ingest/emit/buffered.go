package emit

import "sync"

// BufferedEmitter stores events in memory, organized by run, and supports
// filtered queries over the captured history.
//
// Intended for tests and post-run analysis. Everything stays in memory, so
// do not wire it into unbounded production runs without clearing.
type BufferedEmitter struct {
	mu     sync.RWMutex
	events map[string][]Event // runID -> events in emit order
}

// HistoryFilter selects events from a run's history. All fields are
// optional and combine with AND logic.
type HistoryFilter struct {
	Stage   string // filter by stage (empty = no filter)
	Msg     string // filter by message (empty = no filter)
	MinLine *int64 // minimum line number (nil = no filter)
	MaxLine *int64 // maximum line number (nil = no filter)
}

// NewBufferedEmitter creates an empty in-memory emitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{
		events: make(map[string][]Event),
	}
}

// Emit appends the event to its run's history. Safe for concurrent use.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.events[event.RunID] = append(b.events[event.RunID], event)
}

// GetHistory returns a copy of all events for runID in emit order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[runID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// GetHistoryWithFilter returns the events for runID matching the filter,
// in emit order.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []Event
	for _, event := range b.events[runID] {
		if filter.Stage != "" && event.Stage != filter.Stage {
			continue
		}
		if filter.Msg != "" && event.Msg != filter.Msg {
			continue
		}
		if filter.MinLine != nil && event.Line < *filter.MinLine {
			continue
		}
		if filter.MaxLine != nil && event.Line > *filter.MaxLine {
			continue
		}
		result = append(result, event)
	}
	return result
}

// Clear removes the history for runID, or all histories when runID is
// empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, runID)
}
