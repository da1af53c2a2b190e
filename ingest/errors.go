package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strings"

	"github.com/sony/gobreaker"

	"github.com/AeyeOps/elysiactl-sub001/ingest/vstore"
)

// Category classifies a failure for retry decisions and reporting. Every
// error surfaced by the pipeline maps to exactly one category.
type Category string

// Failure categories. The retry policy, the circuit breaker, and the final
// summary are all keyed by these values.
const (
	CategoryNetwork     Category = "network"
	CategoryVectorStore Category = "vector-store"
	CategoryFilesystem  Category = "filesystem"
	CategoryRateLimit   Category = "rate-limit"
	CategoryMemory      Category = "memory"
	CategoryEncoding    Category = "encoding"
	CategoryTimeout     Category = "timeout"
	CategoryValidation  Category = "validation"
	CategoryUnknown     Category = "unknown"
)

// Categories lists the full taxonomy in reporting order.
var Categories = []Category{
	CategoryNetwork,
	CategoryVectorStore,
	CategoryFilesystem,
	CategoryRateLimit,
	CategoryMemory,
	CategoryEncoding,
	CategoryTimeout,
	CategoryValidation,
	CategoryUnknown,
}

// ErrInvalidRetryPolicy is returned when a retry policy fails validation.
//
// A policy is invalid when MaxAttempts is less than 1, or when a delay is
// negative, or when MaxDelay is smaller than BaseDelay. Catch this during
// configuration, not mid-run.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// ErrInvalidConfig is returned when the pipeline configuration fails
// validation.
//
// Wrapped errors describe the offending field. The CLI maps this to a usage
// error exit code.
var ErrInvalidConfig = errors.New("invalid configuration")

// ErrRunAborted is returned when the coordinator stops a run before the
// input stream is drained.
//
// This happens on a worker's fatal escalation (memory pressure, an
// unwritable checkpoint store) or when the circuit breaker stays open past
// its cool-down with probes still failing.
var ErrRunAborted = errors.New("run aborted")

// ErrBreakerExhausted is returned when one downstream surface has re-opened
// its circuit so many consecutive times that the surface is considered gone
// for this run. Workers escalate it to a run abort instead of retrying.
var ErrBreakerExhausted = errors.New("circuit breaker exhausted")

// LineError associates a failure with the input line that caused it.
//
// Op is the pipeline stage that failed ("resolve", "embed", "upsert",
// "delete", "commit"). The wrapped error is preserved for errors.Is/As.
type LineError struct {
	Line     int64
	Category Category
	Op       string
	Err      error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("line %d: %s failed (%s): %v", e.Line, e.Op, e.Category, e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// MalformedLineError reports an input line that matched neither the
// structured form nor the legacy plain-path form. It carries the raw line so
// the failure record preserves the producer's original bytes.
type MalformedLineError struct {
	Line   int64
	Raw    string
	Reason string
}

func (e *MalformedLineError) Error() string {
	return fmt.Sprintf("line %d: malformed record: %s", e.Line, e.Reason)
}

// Classify maps an error to a failure category.
//
// Typed errors are checked first; anything unrecognized falls back to
// substring matching on the message, which is how downstream SDK errors
// without stable types have to be identified.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var le *LineError
	if errors.As(err, &le) {
		return le.Category
	}
	var mle *MalformedLineError
	if errors.As(err, &mle) {
		return CategoryValidation
	}

	// Short-circuited calls count against the guarded surface.
	var boe *BreakerOpenError
	if errors.As(err, &boe) {
		return boe.Surface
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CategoryVectorStore
	}

	var se *vstore.StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == 429:
			return CategoryRateLimit
		case se.Code == 408:
			return CategoryTimeout
		case se.Code >= 500:
			return CategoryVectorStore
		case se.Code >= 400:
			return CategoryValidation
		default:
			return CategoryVectorStore
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}

	var b64 base64.CorruptInputError
	if errors.As(err, &b64) {
		return CategoryEncoding
	}

	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return CategoryFilesystem
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return CategoryFilesystem
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return CategoryRateLimit
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "network") ||
		strings.Contains(msg, "refused") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "broken pipe") || strings.Contains(msg, "reset by peer"):
		return CategoryNetwork
	case strings.Contains(msg, "out of memory") || strings.Contains(msg, "cannot allocate"):
		return CategoryMemory
	case strings.Contains(msg, "base64") || strings.Contains(msg, "utf-8") || strings.Contains(msg, "encoding"):
		return CategoryEncoding
	default:
		return CategoryUnknown
	}
}
