package retry_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibreez3/story-echo/retry"
)

// recorder captures the waits the executor asks for without sleeping.
type recorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recorder) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type progressEvent struct {
	attempt int
	wait    time.Duration
	message string
}

func failingEndpoint(calls *int32, wrap func(error) error) retry.Endpoint {
	return retry.EndpointFunc(func(context.Context, string, string) (string, error) {
		atomic.AddInt32(calls, 1)
		return "", wrap(errors.New("upstream said no"))
	})
}

func testPolicy(n int) retry.Policy {
	return retry.Policy{
		MaxAttempts:    n,
		BaseWait:       60 * time.Second,
		ShortWait:      10 * time.Second,
		AttemptTimeout: time.Second,
	}
}

func TestExecute_RateLimitEscalates(t *testing.T) {
	for _, n := range []int{1, 2, 3, 5} {
		var calls int32
		rec := &recorder{}
		exec := retry.NewExecutor(retry.WithSleep(rec.sleep))

		_, err := exec.Execute(context.Background(), retry.Request{
			Prompt:   "p",
			Endpoint: failingEndpoint(&calls, retry.RateLimit),
		}, testPolicy(n))

		require.Error(t, err)
		assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
		assert.ErrorIs(t, err, retry.ErrRateLimited)
		assert.Equal(t, int32(n), atomic.LoadInt32(&calls), "attempts for n=%d", n)

		waits := rec.recorded()
		require.Len(t, waits, n-1)
		for i, w := range waits {
			// waits[i] precedes attempt i+1.
			assert.Equal(t, 60*time.Second*time.Duration(i+1), w)
		}
	}
}

func TestExecute_TimeoutsDoNotEscalate(t *testing.T) {
	const n = 4
	var calls int32
	rec := &recorder{}
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))

	_, err := exec.Execute(context.Background(), retry.Request{
		Endpoint: failingEndpoint(&calls, retry.Timeout),
	}, testPolicy(n))

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
	assert.ErrorIs(t, err, retry.ErrTimedOut)
	assert.Equal(t, int32(n), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second, 10 * time.Second}, rec.recorded())
}

func TestExecute_UntaggedErrorsUseShortWait(t *testing.T) {
	var calls int32
	rec := &recorder{}
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))

	_, err := exec.Execute(context.Background(), retry.Request{
		Endpoint: failingEndpoint(&calls, func(err error) error { return err }),
	}, testPolicy(3))

	var exhausted *retry.ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 3, exhausted.Attempts)
	assert.ErrorIs(t, err, retry.ErrTransient)
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, rec.recorded())
}

func TestExecute_UntaggedDeadlineKeepsTimeoutSentinel(t *testing.T) {
	var calls int32
	rec := &recorder{}
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))
	endpoint := retry.EndpointFunc(func(context.Context, string, string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", context.DeadlineExceeded
	})

	_, err := exec.Execute(context.Background(), retry.Request{Endpoint: endpoint}, testPolicy(2))

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
	assert.ErrorIs(t, err, retry.ErrTimedOut)
	assert.NotErrorIs(t, err, retry.ErrTransient)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{10 * time.Second}, rec.recorded())
}

func TestExecute_SucceedsAfterRateLimits(t *testing.T) {
	var calls int32
	rec := &recorder{}
	var events []progressEvent
	exec := retry.NewExecutor(
		retry.WithSleep(rec.sleep),
		retry.WithProgress(retry.ProgressFunc(func(attempt int, wait time.Duration, msg string) {
			events = append(events, progressEvent{attempt, wait, msg})
		})),
	)

	endpoint := retry.EndpointFunc(func(context.Context, string, string) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", retry.RateLimit(errors.New("429 resource exhausted"))
		}
		return "  \n the third answer \t\n", nil
	})

	text, err := exec.Execute(context.Background(), retry.Request{Prompt: "p", Endpoint: endpoint}, testPolicy(3))
	require.NoError(t, err)
	assert.Equal(t, "the third answer", text)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Equal(t, []time.Duration{60 * time.Second, 120 * time.Second}, rec.recorded())

	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].attempt)
	assert.Equal(t, 60*time.Second, events[0].wait)
	assert.Contains(t, events[0].message, "60s")
	assert.Equal(t, 2, events[1].attempt)
	assert.Equal(t, 120*time.Second, events[1].wait)
}

func TestExecute_StopsOnFirstSuccess(t *testing.T) {
	for k := 1; k <= 4; k++ {
		var calls int32
		rec := &recorder{}
		exec := retry.NewExecutor(retry.WithSleep(rec.sleep))
		endpoint := retry.EndpointFunc(func(context.Context, string, string) (string, error) {
			if int(atomic.AddInt32(&calls, 1)) < k {
				return "", retry.Transient(errors.New("blip"))
			}
			return "ok", nil
		})

		text, err := exec.Execute(context.Background(), retry.Request{Endpoint: endpoint}, testPolicy(5))
		require.NoError(t, err)
		assert.Equal(t, "ok", text)
		assert.Equal(t, int32(k), atomic.LoadInt32(&calls))
		assert.Len(t, rec.recorded(), k-1)
	}
}

func TestExecute_AbandonsHungAttempt(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	var calls int32
	rec := &recorder{}
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))
	hung := retry.EndpointFunc(func(context.Context, string, string) (string, error) {
		atomic.AddInt32(&calls, 1)
		<-release // ignores its context
		return "too late", nil
	})

	p := testPolicy(3)
	p.AttemptTimeout = 30 * time.Millisecond

	start := time.Now()
	_, err := exec.Execute(context.Background(), retry.Request{Endpoint: hung}, p)
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrExhaustedRetries)
	assert.ErrorIs(t, err, retry.ErrTimedOut)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
	assert.Less(t, elapsed, 2*time.Second, "attempts must not hang past the deadline")
	assert.Equal(t, []time.Duration{10 * time.Second, 10 * time.Second}, rec.recorded())
}

func TestExecute_FatalStopsImmediately(t *testing.T) {
	var calls int32
	rec := &recorder{}
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))

	_, err := exec.Execute(context.Background(), retry.Request{
		Endpoint: failingEndpoint(&calls, retry.Permanent),
	}, testPolicy(5))

	require.Error(t, err)
	assert.ErrorIs(t, err, retry.ErrFatal)
	assert.NotErrorIs(t, err, retry.ErrExhaustedRetries)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Empty(t, rec.recorded())
}

func TestExecute_CancelDuringBackoff(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	exec := retry.NewExecutor(retry.WithSleep(func(ctx context.Context, _ time.Duration) error {
		cancel()
		<-ctx.Done()
		return ctx.Err()
	}))

	_, err := exec.Execute(ctx, retry.Request{
		Endpoint: failingEndpoint(&calls, retry.RateLimit),
	}, testPolicy(5))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestExecute_CanceledBeforeFirstAttempt(t *testing.T) {
	var calls int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := retry.NewExecutor().Execute(ctx, retry.Request{
		Endpoint: failingEndpoint(&calls, retry.RateLimit),
	}, testPolicy(5))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, atomic.LoadInt32(&calls))
}

func TestExecute_CustomBackoffSchedule(t *testing.T) {
	var calls int32
	rec := &recorder{}
	exec := retry.NewExecutor(retry.WithSleep(rec.sleep))
	p := testPolicy(4)
	p.Backoff = func(attempt int, _ retry.Reason, _ retry.Policy) time.Duration {
		return time.Duration(attempt+1) * time.Millisecond
	}

	_, err := exec.Execute(context.Background(), retry.Request{
		Endpoint: failingEndpoint(&calls, retry.Timeout),
	}, p)

	require.Error(t, err)
	assert.Equal(t, []time.Duration{time.Millisecond, 2 * time.Millisecond, 3 * time.Millisecond}, rec.recorded())
}

func TestExecute_RejectsInvalidInput(t *testing.T) {
	exec := retry.NewExecutor()
	ok := retry.EndpointFunc(func(context.Context, string, string) (string, error) { return "x", nil })

	_, err := exec.Execute(context.Background(), retry.Request{Endpoint: ok}, retry.Policy{MaxAttempts: 0, AttemptTimeout: time.Second})
	assert.Error(t, err)

	_, err = exec.Execute(context.Background(), retry.Request{Endpoint: ok}, retry.Policy{MaxAttempts: 1})
	assert.Error(t, err)

	_, err = exec.Execute(context.Background(), retry.Request{}, testPolicy(1))
	assert.Error(t, err)
}

func TestSleep(t *testing.T) {
	require.NoError(t, retry.Sleep(context.Background(), time.Millisecond))
	require.NoError(t, retry.Sleep(context.Background(), 0))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, retry.Sleep(ctx, time.Hour), context.Canceled)
}
