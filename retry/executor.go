// Package retry runs calls against rate-limited, latency-variable model
// endpoints. Each attempt is bounded by a deadline, failures are classified by
// typed reason, and only quota failures escalate the wait between attempts.
package retry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ibreez3/story-echo/metrics"
)

// Endpoint is the opaque handle to a remote model.
type Endpoint interface {
	Generate(ctx context.Context, system string, prompt string) (string, error)
}

// EndpointFunc adapts a function to Endpoint.
type EndpointFunc func(ctx context.Context, system string, prompt string) (string, error)

func (f EndpointFunc) Generate(ctx context.Context, system string, prompt string) (string, error) {
	return f(ctx, system, prompt)
}

// Request is one logical call. The executor does not interpret the payload.
type Request struct {
	System   string
	Prompt   string
	Endpoint Endpoint
}

// ProgressSink receives an event before each backoff sleep.
type ProgressSink interface {
	RetryProgress(attempt int, wait time.Duration, message string)
}

// ProgressFunc adapts a function to ProgressSink.
type ProgressFunc func(attempt int, wait time.Duration, message string)

func (f ProgressFunc) RetryProgress(attempt int, wait time.Duration, message string) {
	f(attempt, wait, message)
}

// SleepFunc blocks for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Executor struct {
	sink   ProgressSink
	sleep  SleepFunc
	logger *slog.Logger
}

type Option func(*Executor)

// WithProgress installs the sink notified before every backoff sleep.
func WithProgress(sink ProgressSink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithSleep replaces the backoff sleep.
func WithSleep(sleep SleepFunc) Option {
	return func(e *Executor) { e.sleep = sleep }
}

func WithLogger(logger *slog.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

func NewExecutor(opts ...Option) *Executor {
	e := &Executor{
		sleep:  Sleep,
		logger: slog.Default().With("component", "retry"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute performs req under policy p and returns the trimmed response text.
// Cancellation of ctx is honored before each attempt, during each attempt and
// during each backoff sleep.
func (e *Executor) Execute(ctx context.Context, req Request, p Policy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	if req.Endpoint == nil {
		return "", errNoEndpoint
	}

	var last error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		e.logger.Debug("call attempt", "attempt", attempt+1, "max_attempts", p.MaxAttempts)

		out := e.attempt(ctx, req, p.AttemptTimeout)
		switch out.Kind {
		case Success:
			if attempt > 0 {
				e.logger.Info("call succeeded after retry", "attempt", attempt+1)
			}
			return out.Text, nil
		case FatalFailure:
			if err := ctx.Err(); err != nil {
				return "", err
			}
			e.logger.Warn("call failed permanently", "attempt", attempt+1, "error", out.Err)
			return "", out.Err
		}
		last = out.Err

		if attempt == p.MaxAttempts-1 {
			break
		}

		wait := p.Wait(attempt, out.Reason)
		metrics.BackoffSeconds.WithLabelValues(out.Reason.String()).Observe(wait.Seconds())
		msg := progressMessage(out.Reason, wait, attempt+1, p.MaxAttempts)
		e.logger.Warn(msg, "reason", out.Reason.String(), "error", out.Err)
		if e.sink != nil {
			e.sink.RetryProgress(attempt+1, wait, msg)
		}
		if err := e.sleep(ctx, wait); err != nil {
			return "", err
		}
	}

	metrics.CallsExhausted.Inc()
	return "", &ExhaustedError{Attempts: p.MaxAttempts, Last: last}
}

// attempt runs the endpoint on its own goroutine so an unresponsive endpoint
// is abandoned at the deadline instead of blocking the caller.
func (e *Executor) attempt(ctx context.Context, req Request, timeout time.Duration) Outcome {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		text, err := req.Endpoint.Generate(actx, req.System, req.Prompt)
		done <- result{text: text, err: err}
	}()

	var out Outcome
	select {
	case r := <-done:
		switch {
		case r.err == nil:
			out = succeeded(strings.TrimSpace(r.text))
		case ctx.Err() != nil:
			out = Outcome{Kind: FatalFailure, Reason: Fatal, Err: ctx.Err()}
		default:
			out = failed(r.err)
		}
	case <-actx.Done():
		if err := ctx.Err(); err != nil {
			out = Outcome{Kind: FatalFailure, Reason: Fatal, Err: err}
			break
		}
		out = Outcome{
			Kind:   RetryableFailure,
			Reason: TimedOut,
			Err:    Timeout(fmt.Errorf("no response within %s: %w", timeout, actx.Err())),
		}
	}

	metrics.CallAttempts.WithLabelValues(out.Kind.String(), out.Reason.String()).Inc()
	metrics.CallLatency.WithLabelValues(out.Kind.String()).Observe(time.Since(start).Seconds())
	return out
}

func progressMessage(reason Reason, wait time.Duration, attempt, maxAttempts int) string {
	secs := int(wait.Round(time.Second) / time.Second)
	switch reason {
	case RateLimited:
		return fmt.Sprintf("rate limited, waiting %ds (%d/%d)", secs, attempt, maxAttempts)
	case TimedOut:
		return fmt.Sprintf("request timed out, retrying in %ds (%d/%d)", secs, attempt, maxAttempts)
	default:
		return fmt.Sprintf("request failed, retrying in %ds (%d/%d)", secs, attempt, maxAttempts)
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
