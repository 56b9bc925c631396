// Package errs defines the error kinds the message runtime uses to decide
// between retry, dead-letter, and immediate failure. Handlers classify
// failures into these kinds; the runtime never inspects anything else.
package errs

import (
	"errors"
	"fmt"
	"time"
)

// ValidationError marks input that cannot be parsed or violates a static
// invariant. Never retried; dead-lettered when raised inside a consumer.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("validation: %s: %v", e.Reason, e.Err)
	}
	return "validation: " + e.Reason
}

func (e *ValidationError) Unwrap() error { return e.Err }

// Validationf builds a ValidationError from a format string.
func Validationf(format string, args ...interface{}) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationWrap attaches a reason to an underlying parse error.
func ValidationWrap(err error, reason string) error {
	return &ValidationError{Reason: reason, Err: err}
}

// RetryableError marks transient I/O failures (broker, analytical store,
// cache, upstream HTTP). The runtime retries these with backoff.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return "retryable: " + e.Err.Error() }
func (e *RetryableError) Unwrap() error { return e.Err }

// Retryable wraps err as retryable. Returns nil for a nil err.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// Retryablef builds a retryable error from a format string.
func Retryablef(format string, args ...interface{}) error {
	return &RetryableError{Err: fmt.Errorf(format, args...)}
}

// FatalError marks logical impossibilities: unknown task types, invalid
// params after validation, schema mismatches on responses. Never retried.
type FatalError struct {
	Reason string
	Err    error
}

func (e *FatalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return "fatal: " + e.Reason
}

func (e *FatalError) Unwrap() error { return e.Err }

// Fatalf builds a FatalError from a format string.
func Fatalf(format string, args ...interface{}) error {
	return &FatalError{Reason: fmt.Sprintf(format, args...)}
}

// FatalWrap attaches a reason to an underlying error, marking it fatal.
func FatalWrap(err error, reason string) error {
	return &FatalError{Reason: reason, Err: err}
}

// MaxRetriesExceededError is surfaced after retry exhaustion. The runtime
// treats it as fatal for the message and delivers it to the DLQ.
type MaxRetriesExceededError struct {
	Attempts int
	LastErr  error
}

func (e *MaxRetriesExceededError) Error() string {
	return fmt.Sprintf("max retries exceeded after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *MaxRetriesExceededError) Unwrap() error { return e.LastErr }

// BacktestExecutionError is raised inside the simulator. The timeout variant
// is retryable once; everything else is fatal for the job.
type BacktestExecutionError struct {
	Reason  string
	Timeout bool
	Elapsed time.Duration
}

func (e *BacktestExecutionError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("backtest execution: %s (elapsed %s)", e.Reason, e.Elapsed)
	}
	return "backtest execution: " + e.Reason
}

// SimulationTimeout builds the retryable timeout variant.
func SimulationTimeout(elapsed, limit time.Duration) error {
	return &BacktestExecutionError{
		Reason:  fmt.Sprintf("simulation exceeded %s", limit),
		Timeout: true,
		Elapsed: elapsed,
	}
}

// IsRetryable reports whether err should be retried by the runtime.
// A simulation timeout counts as retryable; the runtime's retry budget
// bounds how often.
func IsRetryable(err error) bool {
	var r *RetryableError
	if errors.As(err, &r) {
		return true
	}
	var b *BacktestExecutionError
	if errors.As(err, &b) {
		return b.Timeout
	}
	return false
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsFatal reports whether err must not be retried. Anything that is neither
// retryable nor nil is fatal for the message; this helper exists for the
// call sites that want the intent spelled out.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return !IsRetryable(err)
}

// UserMessage extracts the user-facing reason from a validation error, or
// empty when err carries none.
func UserMessage(err error) string {
	var v *ValidationError
	if errors.As(err, &v) {
		return v.Reason
	}
	return ""
}
