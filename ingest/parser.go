package ingest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

const (
	// defaultMaxLineBytes bounds a single input line. Inline base64 payloads
	// for medium files are expected, so the ceiling is generous.
	defaultMaxLineBytes = 16 * 1024 * 1024

	initialScanBuffer = 64 * 1024
)

// Parser reads a change stream one line at a time and yields numbered
// change records. It holds at most one line in memory, so the stream can be
// arbitrarily long.
//
// A Parser is not safe for concurrent use; the coordinator owns exactly one
// per run.
type Parser struct {
	scanner *bufio.Scanner
	line    int64
	markers int64
	blanks  int64
}

// NewParser wraps r. maxLineBytes bounds how long one line may be;
// non-positive selects the 16 MiB default.
func NewParser(r io.Reader, maxLineBytes int) *Parser {
	if maxLineBytes <= 0 {
		maxLineBytes = defaultMaxLineBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, initialScanBuffer), maxLineBytes)
	return &Parser{scanner: sc}
}

// Next returns the next change record from the stream.
//
// Blank lines and changeset markers consume a line number and are skipped.
// A line that does not start with "{" is the legacy form: a bare file path,
// treated as op=modify. A line that starts with "{" but is not a valid
// record yields a *MalformedLineError; the caller records the failure and
// keeps reading. io.EOF signals a cleanly drained stream.
func (p *Parser) Next() (*ChangeRecord, error) {
	for p.scanner.Scan() {
		p.line++
		rec, kind, err := parseLine(p.scanner.Text(), p.line)
		if err != nil {
			return nil, err
		}
		switch kind {
		case lineBlank:
			p.blanks++
			continue
		case lineMarker:
			p.markers++
			continue
		}
		return rec, nil
	}

	if err := p.scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading input at line %d: %w", p.line+1, err)
	}
	return nil, io.EOF
}

// Line returns how many input lines have been consumed so far, including
// blank lines, markers, and malformed lines.
func (p *Parser) Line() int64 { return p.line }

// Markers returns how many changeset marker records were skipped.
func (p *Parser) Markers() int64 { return p.markers }

// Blanks returns how many blank lines were skipped.
func (p *Parser) Blanks() int64 { return p.blanks }

type lineKind int

const (
	lineRecord lineKind = iota
	lineBlank
	lineMarker
)

// wireRecord is the structured form of one input line. new_changeset marks
// producer bookkeeping records the pipeline skips.
type wireRecord struct {
	ChangeRecord
	NewChangeset json.RawMessage `json:"new_changeset,omitempty"`
}

// parseLine interprets one raw line. It is shared by the streaming parser
// and by failure re-injection, which replays persisted payloads under their
// original line numbers.
func parseLine(raw string, lineNo int64) (*ChangeRecord, lineKind, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, lineBlank, nil
	}

	if !strings.HasPrefix(trimmed, "{") {
		// Legacy form: the whole line is a file path.
		return &ChangeRecord{
			Op:   OpModify,
			Path: trimmed,
			Line: lineNo,
			Raw:  raw,
		}, lineRecord, nil
	}

	var wire wireRecord
	if err := json.Unmarshal([]byte(trimmed), &wire); err != nil {
		return nil, lineRecord, &MalformedLineError{Line: lineNo, Raw: raw, Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if len(wire.NewChangeset) > 0 {
		return nil, lineMarker, nil
	}

	rec := wire.ChangeRecord
	rec.Line = lineNo
	rec.Raw = raw

	if reason := validateRecord(&rec); reason != "" {
		return nil, lineRecord, &MalformedLineError{Line: lineNo, Raw: raw, Reason: reason}
	}
	return &rec, lineRecord, nil
}

// validateRecord fills defaults and rejects shapes the pipeline cannot act
// on. It returns a human-readable reason, or "" when the record is usable.
func validateRecord(rec *ChangeRecord) string {
	if rec.Path == "" {
		return "missing path"
	}
	if rec.Op == "" {
		// A structured record with only a path carries the legacy meaning.
		rec.Op = OpModify
	}
	if !rec.Op.Valid() {
		return fmt.Sprintf("unrecognized op %q", rec.Op)
	}
	if rec.Op == OpRename && rec.NewPath == "" {
		return "rename without new_path"
	}
	return ""
}
