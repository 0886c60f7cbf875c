package retry

import (
	"context"
	"errors"
	"fmt"
)

// Reason categorizes why an attempt failed.
type Reason int

const (
	// ReasonNone marks a successful attempt.
	ReasonNone Reason = iota
	// RateLimited means the server signaled quota or resource exhaustion.
	RateLimited
	// TimedOut means the attempt deadline elapsed before a response arrived.
	TimedOut
	// TransientOther is any failure not recognized as rate limit, timeout or fatal.
	TransientOther
	// Fatal failures will never succeed on retry.
	Fatal
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "none"
	case RateLimited:
		return "rate_limited"
	case TimedOut:
		return "timed_out"
	case TransientOther:
		return "transient"
	case Fatal:
		return "fatal"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

var (
	ErrRateLimited      = errors.New("rate limited")
	ErrTimedOut         = errors.New("timed out")
	ErrTransient        = errors.New("transient failure")
	ErrFatal            = errors.New("fatal failure")
	ErrExhaustedRetries = errors.New("exhausted retries")

	errMaxAttemptsInvalid    = errors.New("maxAttempts must be at least 1")
	errAttemptTimeoutInvalid = errors.New("attemptTimeout must be greater than 0")
	errWaitInvalid           = errors.New("waits must not be negative")
	errNoEndpoint            = errors.New("request has no endpoint")
)

func (r Reason) sentinel() error {
	switch r {
	case RateLimited:
		return ErrRateLimited
	case TimedOut:
		return ErrTimedOut
	case Fatal:
		return ErrFatal
	default:
		return ErrTransient
	}
}

// Failure is an error tagged with a typed Reason. Endpoints return it so the
// executor never has to inspect error strings.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return f.Reason.sentinel().Error()
	}
	return fmt.Sprintf("%s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Is reports the sentinel matching the failure reason.
func (f *Failure) Is(target error) bool { return target == f.Reason.sentinel() }

// RateLimit tags err as a quota failure.
func RateLimit(err error) error { return &Failure{Reason: RateLimited, Err: err} }

// Timeout tags err as a deadline failure.
func Timeout(err error) error { return &Failure{Reason: TimedOut, Err: err} }

// Transient tags err as a retryable failure with a short fixed wait.
func Transient(err error) error { return &Failure{Reason: TransientOther, Err: err} }

// Permanent tags err as a failure that must not be retried.
func Permanent(err error) error { return &Failure{Reason: Fatal, Err: err} }

// Classify maps err onto a Reason. Untagged errors are TransientOther,
// except context.DeadlineExceeded which is TimedOut.
func Classify(err error) Reason {
	if err == nil {
		return ReasonNone
	}
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimedOut
	}
	return TransientOther
}

// ExhaustedError is returned when every attempt failed. It matches
// ErrExhaustedRetries and wraps the failure of the last attempt.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("exhausted retries after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() []error { return []error{ErrExhaustedRetries, e.Last} }
