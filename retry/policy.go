package retry

import (
	"fmt"
	"time"
)

// BackoffFunc computes the wait after the failed attempt with the given
// 0-based index.
type BackoffFunc func(attempt int, reason Reason, p Policy) time.Duration

// Policy configures one call. It is passed by value and never mutated.
type Policy struct {
	MaxAttempts    int
	BaseWait       time.Duration
	ShortWait      time.Duration
	AttemptTimeout time.Duration
	Backoff        BackoffFunc
}

// DefaultPolicy matches per-minute quotas of hosted generative models:
// 5 attempts, 60s escalating rate-limit waits, 10s fixed waits, 60s per attempt.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    5,
		BaseWait:       60 * time.Second,
		ShortWait:      10 * time.Second,
		AttemptTimeout: 60 * time.Second,
	}
}

// Validate checks the invariants Execute relies on.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%w, got %d", errMaxAttemptsInvalid, p.MaxAttempts)
	}
	if p.AttemptTimeout <= 0 {
		return fmt.Errorf("%w, got %v", errAttemptTimeoutInvalid, p.AttemptTimeout)
	}
	if p.BaseWait < 0 || p.ShortWait < 0 {
		return fmt.Errorf("%w, base %v short %v", errWaitInvalid, p.BaseWait, p.ShortWait)
	}
	return nil
}

// Wait returns the sleep before the attempt following attempt.
func (p Policy) Wait(attempt int, reason Reason) time.Duration {
	if p.Backoff != nil {
		return p.Backoff(attempt, reason, p)
	}
	return EscalateOnRateLimit(attempt, reason, p)
}

// EscalateOnRateLimit is the default schedule. Only quota failures escalate:
// BaseWait*(attempt+1). Timeouts and other failures wait ShortWait.
func EscalateOnRateLimit(attempt int, reason Reason, p Policy) time.Duration {
	if reason == RateLimited {
		return p.BaseWait * time.Duration(attempt+1)
	}
	return p.ShortWait
}
