// Package failure defines the error taxonomy shared by the probe client,
// retry policy, and dispatcher. Every probe attempt is normalized into a
// Kind so the feedback loops never have to inspect raw transport errors.
package failure

import (
	"errors"
	"fmt"
	"time"
)

// Kind identifies a class of probe failure.
type Kind string

const (
	// KindNone marks a successful outcome.
	KindNone Kind = ""

	// KindRateLimit is an explicit server-side rate-limit signal (HTTP 429).
	// It drives concurrency and rate-budget shrinks.
	KindRateLimit Kind = "rate_limit"

	// KindTimeout is a per-call deadline expiry. Retryable, but never treated
	// as a rate-limit signal.
	KindTimeout Kind = "timeout"

	// KindConnection is a transport-level failure (DNS, refused, reset).
	KindConnection Kind = "connection"

	// KindNoContent means a 200 response without a usable completion.
	KindNoContent Kind = "no_content"

	// KindNoData means a 200 response without a usable data array.
	KindNoData Kind = "no_data"

	// KindRequestFailed covers request construction or body-read failures.
	KindRequestFailed Kind = "request_failed"

	// KindSkipped is a synthetic outcome for targets filtered out before
	// probing. Excluded from all feedback loops.
	KindSkipped Kind = "skipped"

	// KindUnknown is the fallback for unclassifiable errors.
	KindUnknown Kind = "unknown"
)

// HTTPKind returns the Kind for an HTTP error status, e.g. "http_403".
// Status 429 maps to KindRateLimit.
func HTTPKind(status int) Kind {
	if status == 429 {
		return KindRateLimit
	}
	return Kind(fmt.Sprintf("http_%d", status))
}

// categories maps kinds to the human-readable labels used in reports.
var categories = map[Kind]string{
	KindRateLimit:     "rate limited",
	KindTimeout:       "request timed out",
	KindConnection:    "connection failed",
	KindNoContent:     "empty completion",
	KindNoData:        "empty data",
	KindRequestFailed: "request failed",
	KindSkipped:       "skipped (failure threshold)",
	KindUnknown:       "unknown error",
	"http_400":        "bad request",
	"http_401":        "unauthorized",
	"http_403":        "permission denied",
	"http_404":        "model not found",
	"http_500":        "server error",
	"http_503":        "service unavailable",
}

// Categorize returns a human-readable label for a failure kind.
func Categorize(k Kind) string {
	if label, ok := categories[k]; ok {
		return label
	}
	return string(k)
}

// ProbeError is a classified probe failure.
type ProbeError struct {
	Kind Kind
	Msg  string

	// RetryAfter carries the server's Retry-After hint, when present.
	// Zero means no hint.
	RetryAfter time.Duration
}

func (e *ProbeError) Error() string {
	if e.Msg == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

// New creates a ProbeError with the given kind and message.
func New(kind Kind, format string, args ...any) *ProbeError {
	return &ProbeError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from an error, returning KindUnknown for
// unclassified errors and KindNone for nil.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindUnknown
}

// RetryAfterOf extracts the server wait hint from an error, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// IsRateLimit reports whether the error is an explicit rate-limit signal.
func IsRateLimit(err error) bool {
	return KindOf(err) == KindRateLimit
}

// IsRetryable reports whether the retry policy may re-attempt after this
// error. Rate limits, timeouts, and transport failures are transient;
// everything else surfaces immediately.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimit, KindTimeout, KindConnection:
		return true
	}
	return false
}
