package ingest

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/dustin/go-humanize"
)

// Recommendation cutoffs for carrying file content inline versus by
// reference. Small files ride the stream as plain text, medium ones as
// base64 (which survives JSON escaping cheaply), everything else stays on
// disk behind a content_ref.
const (
	recommendPlainMax  = 16 << 10
	recommendBase64Max = 256 << 10
)

var sizeBuckets = []struct {
	Label string
	Max   int64
}{
	{"<= 1 KiB", 1 << 10},
	{"<= 16 KiB", 16 << 10},
	{"<= 256 KiB", 256 << 10},
	{"<= 1 MiB", 1 << 20},
	{"<= 10 MiB", 10 << 20},
	{"> 10 MiB", 1 << 62},
}

func sizeBucket(n int64) string {
	for _, b := range sizeBuckets {
		if n <= b.Max {
			return b.Label
		}
	}
	return sizeBuckets[len(sizeBuckets)-1].Label
}

// TierStats aggregates one content tier.
type TierStats struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// Report is the outcome of analyzing a change stream or a file list: how
// content would be carried, what would be skipped, and how sizes spread.
// Sizes are advisory (declared or stat-ed), no content is read.
type Report struct {
	Lines     int64 `json:"lines,omitempty"`
	Records   int64 `json:"records"`
	Malformed int64 `json:"malformed,omitempty"`
	Markers   int64 `json:"markers,omitempty"`
	Blanks    int64 `json:"blanks,omitempty"`
	Missing   int64 `json:"missing,omitempty"`

	ByTier      map[Tier]*TierStats `json:"by_tier"`
	ByOp        map[Op]int64        `json:"by_op,omitempty"`
	ByRepo      map[string]int64    `json:"by_repo,omitempty"`
	SizeBuckets map[string]int64    `json:"size_buckets"`
}

func newReport() *Report {
	return &Report{
		ByTier:      make(map[Tier]*TierStats),
		ByOp:        make(map[Op]int64),
		ByRepo:      make(map[string]int64),
		SizeBuckets: make(map[string]int64),
	}
}

func (r *Report) observe(tier Tier, size int64) {
	ts := r.ByTier[tier]
	if ts == nil {
		ts = &TierStats{}
		r.ByTier[tier] = ts
	}
	ts.Count++
	if tier != TierSkip {
		ts.Bytes += size
		r.SizeBuckets[sizeBucket(size)]++
	}
}

// advisorySize estimates a record's content size without reading anything:
// inline length, decoded base64 length, or the declared size field.
func advisorySize(rec *ChangeRecord) int64 {
	switch {
	case rec.Content != nil:
		return int64(len(*rec.Content))
	case rec.ContentBase64 != nil:
		return int64(len(*rec.ContentBase64)) * 3 / 4
	default:
		return rec.Size
	}
}

// AnalyzeStream reads a change stream and reports how the resolver would
// treat each record. It shares the sync parser, so line accounting and
// malformed handling match a real run exactly.
func AnalyzeStream(input io.Reader, resolver *Resolver, maxLineBytes int) (*Report, error) {
	report := newReport()
	parser := NewParser(input, maxLineBytes)
	for {
		rec, err := parser.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			var mle *MalformedLineError
			if errors.As(err, &mle) {
				report.Malformed++
				continue
			}
			return nil, err
		}

		report.Records++
		report.ByOp[rec.Op]++
		repo := rec.Repo
		if repo == "" {
			repo = "(unset)"
		}
		report.ByRepo[repo]++

		if rec.Op == OpDelete {
			continue
		}
		report.observe(resolver.Classify(rec), advisorySize(rec))
	}

	report.Lines = parser.Line()
	report.Markers = parser.Markers()
	report.Blanks = parser.Blanks()
	return report, nil
}

// AnalyzePaths stats a list of files and reports the tier each one should
// travel as, applying the same skip policies a sync run would.
func AnalyzePaths(paths []string, resolver *Resolver) (*Report, error) {
	report := newReport()
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			report.Missing++
			continue
		}
		report.Records++
		report.observe(recommendTier(resolver, path, info.Size()), info.Size())
	}
	return report, nil
}

func recommendTier(resolver *Resolver, path string, size int64) Tier {
	if resolver.isVendored(path) || resolver.binaryByName(path, "") {
		return TierSkip
	}
	if size > resolver.MaxFileSize() {
		return TierSkip
	}
	switch {
	case size <= recommendPlainMax:
		return TierPlain
	case size <= recommendBase64Max:
		return TierBase64
	default:
		return TierRef
	}
}

// Render writes the report as human-readable text.
func (r *Report) Render(w io.Writer) error {
	if r.Lines > 0 {
		fmt.Fprintf(w, "input: %s lines (%s records, %s malformed, %s markers, %s blank)\n",
			humanize.Comma(r.Lines), humanize.Comma(r.Records),
			humanize.Comma(r.Malformed), humanize.Comma(r.Markers), humanize.Comma(r.Blanks))
	} else {
		fmt.Fprintf(w, "input: %s files", humanize.Comma(r.Records))
		if r.Missing > 0 {
			fmt.Fprintf(w, " (%s missing or unreadable)", humanize.Comma(r.Missing))
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintln(w, "tiers:")
	for _, tier := range []Tier{TierPlain, TierBase64, TierRef, TierSkip} {
		ts := r.ByTier[tier]
		if ts == nil {
			continue
		}
		if tier == TierSkip {
			fmt.Fprintf(w, "  %-9s %8s\n", tier, humanize.Comma(ts.Count))
			continue
		}
		fmt.Fprintf(w, "  %-9s %8s  %s\n", tier, humanize.Comma(ts.Count), humanize.Bytes(uint64(ts.Bytes)))
	}

	if len(r.ByOp) > 0 {
		fmt.Fprintln(w, "ops:")
		for _, op := range []Op{OpAdd, OpModify, OpDelete, OpRename} {
			if n := r.ByOp[op]; n > 0 {
				fmt.Fprintf(w, "  %-9s %8s\n", op, humanize.Comma(n))
			}
		}
	}

	if len(r.ByRepo) > 0 {
		repos := make([]string, 0, len(r.ByRepo))
		for repo := range r.ByRepo {
			repos = append(repos, repo)
		}
		sort.Strings(repos)
		fmt.Fprintln(w, "repos:")
		for _, repo := range repos {
			fmt.Fprintf(w, "  %-24s %8s\n", repo, humanize.Comma(r.ByRepo[repo]))
		}
	}

	if len(r.SizeBuckets) > 0 {
		fmt.Fprintln(w, "sizes:")
		for _, b := range sizeBuckets {
			if n := r.SizeBuckets[b.Label]; n > 0 {
				fmt.Fprintf(w, "  %-10s %8s\n", b.Label, humanize.Comma(n))
			}
		}
	}
	return nil
}
