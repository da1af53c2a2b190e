package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AeyeOps/elysiactl-sub001/ingest"
)

func TestAnalyzeStreamTextReport(t *testing.T) {
	restoreFlag(t, analyzeCmd, "input")

	input := writeStream(t,
		`{"op":"modify","path":"api/a.go","repo":"api","content":"package a"}`,
		`{"op":"delete","path":"api/old.go","repo":"api"}`,
		`{"new_changeset":{"id":"cs-42"}}`,
		``,
		`{broken`,
		`docs/readme.md`,
	)

	code, out := runCLIOut(t, "analyze", "--input", input)
	if code != codeOK {
		t.Fatalf("exit code = %d, want %d\n%s", code, codeOK, out)
	}
	for _, want := range []string{
		"3 records", "1 malformed", "1 markers", "1 blank",
		"plain", "reference", "delete", "api", "(unset)",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report missing %q:\n%s", want, out)
		}
	}
}

func TestAnalyzeJSONReport(t *testing.T) {
	restoreFlag(t, analyzeCmd, "input")
	restoreFlag(t, analyzeCmd, "json")

	dir := t.TempDir()
	small := filepath.Join(dir, "small.go")
	if err := os.WriteFile(small, []byte("package small\n"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}
	ghost := filepath.Join(dir, "ghost.go")

	input := writeStream(t,
		`{"op":"modify","path":"api/a.go","repo":"api","content":"package a"}`,
		`{broken`,
	)

	code, out := runCLIOut(t, "analyze", "--input", input, "--json", small, ghost)
	if code != codeOK {
		t.Fatalf("exit code = %d, want %d\n%s", code, codeOK, out)
	}

	var got struct {
		Stream *ingest.Report `json:"stream"`
		Paths  *ingest.Report `json:"paths"`
	}
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("output is not JSON: %v\n%s", err, out)
	}
	if got.Stream == nil || got.Paths == nil {
		t.Fatalf("expected stream and paths sections, got %s", out)
	}
	if got.Stream.Records != 1 || got.Stream.Malformed != 1 {
		t.Errorf("stream records/malformed = %d/%d, want 1/1", got.Stream.Records, got.Stream.Malformed)
	}
	if got.Paths.Records != 1 || got.Paths.Missing != 1 {
		t.Errorf("paths records/missing = %d/%d, want 1/1", got.Paths.Records, got.Paths.Missing)
	}
	ts := got.Paths.ByTier[ingest.TierPlain]
	if ts == nil || ts.Count != 1 {
		t.Errorf("expected one plain-tier file, got %+v", got.Paths.ByTier)
	}
}

func TestAnalyzePathsTextReport(t *testing.T) {
	dir := t.TempDir()
	small := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(small, []byte("hello\n"), 0o644); err != nil {
		t.Fatalf("failed to write fixture: %v", err)
	}

	code, out := runCLIOut(t, "analyze", small)
	if code != codeOK {
		t.Fatalf("exit code = %d, want %d\n%s", code, codeOK, out)
	}
	if !strings.Contains(out, "1 files") {
		t.Errorf("expected file count in report:\n%s", out)
	}
	if !strings.Contains(out, "plain") {
		t.Errorf("expected plain tier in report:\n%s", out)
	}
}

func TestAnalyzeWithoutSourcesIsUsage(t *testing.T) {
	if code := runCLI(t, "analyze"); code != codeUsage {
		t.Fatalf("exit code = %d, want %d", code, codeUsage)
	}
}

func TestAnalyzeMissingInputIsUsage(t *testing.T) {
	restoreFlag(t, analyzeCmd, "input")

	missing := filepath.Join(t.TempDir(), "absent.jsonl")
	if code := runCLI(t, "analyze", "--input", missing); code != codeUsage {
		t.Fatalf("exit code = %d, want %d", code, codeUsage)
	}
}
