package common

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Every failure surfaced by a stage wraps
// exactly one of these sentinels so callers can classify with errors.Is.
var (
	// ErrUpstreamTransient marks retriable upstream failures: timeouts,
	// rate limits, 5xx responses.
	ErrUpstreamTransient = errors.New("upstream transient failure")

	// ErrUpstreamFatal marks non-retriable upstream failures: auth, quota,
	// other 4xx responses.
	ErrUpstreamFatal = errors.New("upstream fatal failure")

	// ErrMalformedOutput marks model output that failed every repair
	// strategy or schema validation.
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrCacheWrite marks a failed cache persist. The run continues
	// in-memory; the failure surfaces as a warning, never as a run failure.
	ErrCacheWrite = errors.New("cache write failed")

	// ErrReferential marks evidence referencing an unknown candidate id.
	// The offending record is dropped with a warning.
	ErrReferential = errors.New("evidence references unknown candidate")
)

// StageError attaches the failing stage and a classification sentinel to an
// underlying cause.
type StageError struct {
	Stage   string
	Kind    error // one of the sentinels above
	Message string
	Cause   error
}

func (e *StageError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Message)
}

func (e *StageError) Unwrap() error { return e.Cause }

// Is lets errors.Is match a StageError against its classification sentinel.
func (e *StageError) Is(target error) bool { return target == e.Kind }

func NewStageError(stage string, kind error, message string, cause error) *StageError {
	return &StageError{Stage: stage, Kind: kind, Message: message, Cause: cause}
}

func Transient(stage, message string, cause error) *StageError {
	return NewStageError(stage, ErrUpstreamTransient, message, cause)
}

func Fatal(stage, message string, cause error) *StageError {
	return NewStageError(stage, ErrUpstreamFatal, message, cause)
}

func Malformed(stage, message string, cause error) *StageError {
	return NewStageError(stage, ErrMalformedOutput, message, cause)
}

// IsRetriable reports whether err should be retried with backoff.
func IsRetriable(err error) bool {
	return errors.Is(err, ErrUpstreamTransient)
}

// ClassifyHTTPStatus maps an HTTP status code onto the retriable/fatal split:
// 408, 429 and all 5xx are transient, every other non-2xx is fatal.
func ClassifyHTTPStatus(status int) error {
	switch {
	case status/100 == 2:
		return nil
	case status == 408 || status == 429 || status/100 == 5:
		return ErrUpstreamTransient
	default:
		return ErrUpstreamFatal
	}
}
