package ingest

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const (
	// DefaultMaxFileSize is the size cutoff for indexing: files larger than
	// this are skipped rather than embedded.
	DefaultMaxFileSize = 10 * 1024 * 1024

	// sniffLen bounds how much of a payload is examined for binary
	// detection, mirroring net/http content sniffing.
	sniffLen = 8 * 1024
)

// Skip reasons reported on a Resolution whose tier is TierSkip.
const (
	SkipReasonFlag     = "skip_index"
	SkipReasonVendor   = "vendor path"
	SkipReasonBinary   = "binary content"
	SkipReasonTooLarge = "too large"
)

// DefaultVendorDirs are path segments that mark generated or third-party
// trees nobody wants answers from.
var DefaultVendorDirs = []string{
	".git", ".hg", ".svn", ".idea", ".vscode",
	"node_modules", "vendor", "bower_components",
	"__pycache__", ".venv", "venv", ".tox", ".eggs",
	"target", "build", "dist", ".gradle",
	".terraform", ".cache",
}

// DefaultBinaryExts are file extensions skipped without opening the file.
var DefaultBinaryExts = []string{
	".png", ".jpg", ".jpeg", ".gif", ".bmp", ".ico", ".webp", ".tiff",
	".pdf", ".zip", ".tar", ".gz", ".tgz", ".bz2", ".xz", ".zst", ".7z", ".rar",
	".jar", ".war", ".class", ".exe", ".dll", ".so", ".dylib", ".a", ".o",
	".bin", ".dat", ".db", ".sqlite", ".sqlite3", ".pyc", ".pyo", ".rlib",
	".woff", ".woff2", ".ttf", ".otf", ".eot",
	".mp3", ".mp4", ".avi", ".mov", ".webm", ".mkv", ".flac", ".ogg", ".wav",
	".wasm", ".pb", ".parquet",
}

// ResolverConfig tunes the skip policies. Zero values select the defaults.
type ResolverConfig struct {
	// MaxFileSize is the largest content, in bytes, that will be indexed.
	MaxFileSize int64
	// VendorDirs replaces the default vendor-directory list when non-nil.
	VendorDirs []string
	// BinaryExts replaces the default binary-extension list when non-nil.
	BinaryExts []string
}

// Resolution is the outcome of resolving one change record's content.
type Resolution struct {
	// Tier records which delivery tier supplied the content, or TierSkip.
	Tier Tier
	// Content is the indexable UTF-8 text. Empty when skipped.
	Content string
	// Reason says why the record was skipped. Empty when indexable.
	Reason string
}

// Skipped reports whether the record resolved to no indexable content.
func (r Resolution) Skipped() bool { return r.Tier == TierSkip }

// Resolver turns a change record into indexable text by walking the
// delivery tiers: inline content, inline base64, content reference, and
// finally reading the record's own path from disk. Skip policies run
// first so excluded files cost no I/O.
//
// A Resolver is stateless after construction and safe for concurrent use.
type Resolver struct {
	maxSize int64
	vendor  map[string]struct{}
	binExts map[string]struct{}
}

// NewResolver builds a resolver from cfg, filling defaults for zero fields.
func NewResolver(cfg ResolverConfig) *Resolver {
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = DefaultMaxFileSize
	}
	vendorDirs := cfg.VendorDirs
	if vendorDirs == nil {
		vendorDirs = DefaultVendorDirs
	}
	binaryExts := cfg.BinaryExts
	if binaryExts == nil {
		binaryExts = DefaultBinaryExts
	}

	r := &Resolver{
		maxSize: cfg.MaxFileSize,
		vendor:  make(map[string]struct{}, len(vendorDirs)),
		binExts: make(map[string]struct{}, len(binaryExts)),
	}
	for _, d := range vendorDirs {
		r.vendor[d] = struct{}{}
	}
	for _, e := range binaryExts {
		r.binExts[strings.ToLower(e)] = struct{}{}
	}
	return r
}

// Resolve produces the indexable content for rec.
//
// Skips (vendor paths, binary files, oversized files, the skip_index flag)
// come back as a Resolution with TierSkip and a reason, not an error: a
// skipped line still completes. Errors are returned as *LineError with the
// category already assigned: encoding for a bad base64 payload, validation
// for a relative content_ref, filesystem for stat/read failures.
func (r *Resolver) Resolve(rec *ChangeRecord) (Resolution, error) {
	if rec.SkipIndex {
		return Resolution{Tier: TierSkip, Reason: SkipReasonFlag}, nil
	}
	path := rec.TargetPath()
	if r.isVendored(path) {
		return Resolution{Tier: TierSkip, Reason: SkipReasonVendor}, nil
	}
	if r.binaryByName(path, rec.MIME) {
		return Resolution{Tier: TierSkip, Reason: SkipReasonBinary}, nil
	}
	if rec.Size > r.maxSize {
		return Resolution{Tier: TierSkip, Reason: SkipReasonTooLarge}, nil
	}

	switch {
	case rec.Content != nil:
		return r.fromBytes(TierPlain, []byte(*rec.Content)), nil

	case rec.ContentBase64 != nil:
		decoded, err := base64.StdEncoding.DecodeString(*rec.ContentBase64)
		if err != nil {
			return Resolution{}, &LineError{
				Line:     rec.Line,
				Category: CategoryEncoding,
				Op:       "resolve",
				Err:      fmt.Errorf("decoding content_base64: %w", err),
			}
		}
		return r.fromBytes(TierBase64, decoded), nil

	case rec.ContentRef != nil:
		ref := *rec.ContentRef
		if !filepath.IsAbs(ref) {
			return Resolution{}, &LineError{
				Line:     rec.Line,
				Category: CategoryValidation,
				Op:       "resolve",
				Err:      fmt.Errorf("content_ref %q is not an absolute path", ref),
			}
		}
		return r.fromFile(TierRef, ref, rec.Line)

	default:
		// No content fields at all: the legacy form. The path doubles as
		// the location on disk.
		return r.fromFile(TierRef, path, rec.Line)
	}
}

// Classify reports which tier a record would resolve through without
// touching the filesystem or decoding anything. Skip policies that depend
// only on the record itself are honored; content sniffing is not. The
// analyze command uses this to profile a stream it has no intention of
// indexing.
func (r *Resolver) Classify(rec *ChangeRecord) Tier {
	if rec.SkipIndex {
		return TierSkip
	}
	path := rec.TargetPath()
	if r.isVendored(path) || r.binaryByName(path, rec.MIME) {
		return TierSkip
	}
	if rec.Size > r.maxSize {
		return TierSkip
	}
	switch {
	case rec.Content != nil:
		return TierPlain
	case rec.ContentBase64 != nil:
		return TierBase64
	default:
		return TierRef
	}
}

// MaxFileSize returns the configured size cutoff.
func (r *Resolver) MaxFileSize() int64 { return r.maxSize }

func (r *Resolver) fromBytes(tier Tier, data []byte) Resolution {
	if int64(len(data)) > r.maxSize {
		return Resolution{Tier: TierSkip, Reason: SkipReasonTooLarge}
	}
	if looksBinary(data) {
		return Resolution{Tier: TierSkip, Reason: SkipReasonBinary}
	}
	return Resolution{Tier: tier, Content: toValidUTF8(data)}
}

func (r *Resolver) fromFile(tier Tier, path string, line int64) (Resolution, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Resolution{}, &LineError{Line: line, Category: CategoryFilesystem, Op: "resolve", Err: err}
	}
	if info.Size() > r.maxSize {
		return Resolution{Tier: TierSkip, Reason: SkipReasonTooLarge}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Resolution{}, &LineError{Line: line, Category: CategoryFilesystem, Op: "resolve", Err: err}
	}
	return r.fromBytes(tier, data), nil
}

func (r *Resolver) isVendored(path string) bool {
	for _, seg := range strings.FieldsFunc(path, isPathSep) {
		if _, ok := r.vendor[seg]; ok {
			return true
		}
	}
	return false
}

func isPathSep(c rune) bool { return c == '/' || c == '\\' }

// binaryByName applies the extension list and the producer's advisory MIME
// type. The extension wins when both are present.
func (r *Resolver) binaryByName(path, mime string) bool {
	if ext := strings.ToLower(filepath.Ext(path)); ext != "" {
		if _, ok := r.binExts[ext]; ok {
			return true
		}
	}
	if mime != "" && !isTextMIME(mime) {
		return true
	}
	return false
}

func isTextMIME(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if strings.HasPrefix(mime, "text/") {
		return true
	}
	switch mime {
	case "application/json", "application/xml", "application/javascript",
		"application/x-javascript", "application/ecmascript",
		"application/x-yaml", "application/yaml", "application/toml",
		"application/x-sh", "application/sql", "application/graphql":
		return true
	}
	return strings.HasSuffix(mime, "+json") || strings.HasSuffix(mime, "+xml")
}

// looksBinary sniffs the payload: a NUL byte in the prefix, or a prefix
// net/http cannot identify as anything more specific than an octet stream,
// marks the content binary.
func looksBinary(data []byte) bool {
	sniff := data
	if len(sniff) > sniffLen {
		sniff = sniff[:sniffLen]
	}
	if len(sniff) == 0 {
		return false
	}
	if bytes.IndexByte(sniff, 0) >= 0 {
		return true
	}
	return http.DetectContentType(sniff) == "application/octet-stream"
}

// toValidUTF8 replaces invalid byte sequences so the payload survives JSON
// encoding on the way to the vector store. Indexing slightly mangled text
// beats dropping the file.
func toValidUTF8(data []byte) string {
	return strings.ToValidUTF8(string(data), "�")
}
