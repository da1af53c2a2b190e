package emit

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes one line per event to a writer.
//
// Two output modes:
//   - Text mode (default): human-readable, "[msg] runID=... line=N stage=..."
//   - JSON mode: machine-readable JSONL, one event object per line
//
// Example text output:
//
//	[batch_committed] runID=run-001 line=0 stage=commit meta={"batch_size":64}
//
// Example JSON output:
//
//	{"runID":"run-001","line":0,"stage":"commit","msg":"batch_committed","meta":{"batch_size":64}}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter creates a LogEmitter writing to writer (os.Stdout when
// nil). jsonMode selects JSONL output over the text format.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{
		writer:   writer,
		jsonMode: jsonMode,
	}
}

// Emit writes the event in the configured format. Write errors are
// swallowed: event output must never disturb the pipeline.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID string                 `json:"runID"`
		Line  int64                  `json:"line"`
		Stage string                 `json:"stage"`
		Msg   string                 `json:"msg"`
		Meta  map[string]interface{} `json:"meta"`
	}{
		RunID: event.RunID,
		Line:  event.Line,
		Stage: event.Stage,
		Msg:   event.Msg,
		Meta:  event.Meta,
	})
	if err != nil {
		fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	fmt.Fprintf(l.writer, "[%s] runID=%s line=%d stage=%s",
		event.Msg, event.RunID, event.Line, event.Stage)

	if len(event.Meta) > 0 {
		metaJSON, err := json.Marshal(event.Meta)
		if err == nil {
			fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}

	fmt.Fprint(l.writer, "\n")
}
