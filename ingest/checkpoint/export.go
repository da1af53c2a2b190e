package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// ExportFailures writes every outstanding failure as one JSON object per
// line: the original record's fields plus error, category, and retries.
// The output is itself a valid change stream, so a corrected copy can be
// fed straight back in.
//
// It returns the number of lines written.
func ExportFailures(ctx context.Context, store Store, w io.Writer) (int, error) {
	enc := json.NewEncoder(w)
	count := 0
	err := store.ScanFailed(ctx, func(f FailedLine) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		row := make(map[string]interface{})
		if err := json.Unmarshal([]byte(f.Payload), &row); err != nil || len(row) == 0 {
			// Legacy plain-path payloads are not JSON objects; wrap them
			// into the structured form they were interpreted as.
			row = map[string]interface{}{"op": "modify", "path": f.Payload}
		}
		row["error"] = f.Error
		row["category"] = f.Category
		row["retries"] = f.Retries

		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("failed to write failure export: %w", err)
		}
		count++
		return nil
	})
	return count, err
}
