package batch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
)

func fastRetry() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, InitialDelay: time.Millisecond, Factor: 2, MaxDelay: 5 * time.Millisecond}
}

func newRun(t *testing.T) (*jobs.State, *jobs.Run) {
	t.Helper()
	state := jobs.NewState(jobs.FamilyImport)
	run, err := state.Start("test-session")
	require.NoError(t, err)
	return state, run
}

func seq(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestRunRetriesRateLimitedItems(t *testing.T) {
	_, run := newRun(t)

	var mu sync.Mutex
	seen := map[int]int{}
	var calls atomic.Int32

	op := func(_ context.Context, item int) (Outcome, error) {
		calls.Add(1)
		mu.Lock()
		seen[item]++
		attempt := seen[item]
		mu.Unlock()
		if item%10 == 0 && attempt == 1 {
			return Failed, &apierr.APIError{Method: http.MethodPost, URL: "/users", StatusCode: http.StatusTooManyRequests}
		}
		return Succeeded, nil
	}

	var reports []ChunkReport
	snap, err := Run(context.Background(), run, seq(250), op, Options{
		ChunkSize:   100,
		Concurrency: 5,
		Retry:       fastRetry(),
		OnChunk:     func(r ChunkReport) { reports = append(reports, r) },
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.Equal(t, 250, snap.Statistics.Processed)
	assert.Equal(t, 250, snap.Statistics.Succeeded)
	assert.Equal(t, 0, snap.Statistics.Errors)
	assert.Equal(t, 25, snap.Statistics.Warnings)
	assert.Equal(t, 3, snap.Progress.Chunks.Processed)
	assert.Equal(t, 3, snap.Progress.Chunks.Total)
	assert.Equal(t, 100, snap.Progress.Percentage)
	assert.Equal(t, int32(275), calls.Load())

	require.Len(t, reports, 3)
	assert.Equal(t, 100, reports[0].Snapshot.Progress.Current)
	assert.Equal(t, 200, reports[1].Snapshot.Progress.Current)
	assert.Equal(t, 50, reports[2].Result.Processed())
}

func TestRunCountsAddUpForAnyChunking(t *testing.T) {
	for _, chunkSize := range []int{1, 3, 7, 100} {
		for _, concurrency := range []int{1, 4, 16} {
			t.Run(fmt.Sprintf("chunk=%d/k=%d", chunkSize, concurrency), func(t *testing.T) {
				_, run := newRun(t)
				op := func(_ context.Context, item int) (Outcome, error) {
					switch item % 5 {
					case 0:
						return Failed, &apierr.APIError{StatusCode: http.StatusBadRequest}
					case 1:
						return Skipped, nil
					default:
						return Succeeded, nil
					}
				}
				snap, err := Run(context.Background(), run, seq(23), op, Options{
					ChunkSize:   chunkSize,
					Concurrency: concurrency,
					Retry:       fastRetry(),
					Logger:      zerolog.Nop(),
				})
				require.NoError(t, err)
				st := snap.Statistics
				assert.Equal(t, 23, st.Processed)
				assert.Equal(t, st.Processed, st.Succeeded+st.Errors+st.Skipped)
				assert.Equal(t, 5, st.Errors)
				assert.Equal(t, 5, st.Skipped)
				assert.Equal(t, (23+chunkSize-1)/chunkSize, snap.Progress.Chunks.Processed)
			})
		}
	}
}

func TestRunCancelLetsCurrentChunkFinish(t *testing.T) {
	state, run := newRun(t)

	var calls atomic.Int32
	op := func(_ context.Context, item int) (Outcome, error) {
		calls.Add(1)
		if item == 10 {
			assert.NoError(t, state.Cancel())
		}
		return Succeeded, nil
	}

	snap, err := Run(context.Background(), run, seq(30), op, Options{
		ChunkSize:   10,
		Concurrency: 3,
		Retry:       fastRetry(),
		Logger:      zerolog.Nop(),
	})
	require.NoError(t, err)

	assert.Equal(t, jobs.StatusCancelled, snap.Status)
	assert.Equal(t, int32(20), calls.Load())
	assert.Equal(t, 20, snap.Statistics.Processed)
	assert.Equal(t, 2, snap.Progress.Chunks.Processed)
	assert.NotNil(t, snap.Timing.EndTime)
}

func TestRunCancelThenRestartWaitsForInFlightChunk(t *testing.T) {
	state, run := newRun(t)

	release := make(chan struct{})
	var inFlight atomic.Int32
	op := func(_ context.Context, _ int) (Outcome, error) {
		inFlight.Add(1)
		<-release
		return Succeeded, nil
	}

	type result struct {
		snap jobs.Snapshot
		err  error
	}
	done := make(chan result, 1)
	go func() {
		snap, err := Run(context.Background(), run, seq(4), op, Options{
			ChunkSize:   2,
			Concurrency: 2,
			Retry:       fastRetry(),
			Logger:      zerolog.Nop(),
		})
		done <- result{snap, err}
	}()

	require.Eventually(t, func() bool { return inFlight.Load() == 2 }, 5*time.Second, time.Millisecond)
	require.NoError(t, state.Cancel())

	_, err := state.Start("second")
	var conflict *jobs.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "test-session", conflict.SessionID)

	close(release)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "test-session", res.snap.SessionID)
	assert.Equal(t, jobs.StatusCancelled, res.snap.Status)
	assert.Equal(t, 2, res.snap.Statistics.Processed)
	assert.Equal(t, 1, res.snap.Progress.Chunks.Processed)

	next, err := state.Start("second")
	require.NoError(t, err)
	assert.Equal(t, "second", next.SessionID())
}

func TestRunEmptyInputCompletesImmediately(t *testing.T) {
	_, run := newRun(t)
	setupCalled := false
	snap, err := Run(context.Background(), run, []int{}, func(context.Context, int) (Outcome, error) {
		t.Fatal("operation must not be called")
		return Succeeded, nil
	}, Options{
		Setup:  func(context.Context) error { setupCalled = true; return nil },
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.False(t, setupCalled)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.Equal(t, 0, snap.Progress.Total)
	assert.Equal(t, 0, snap.Statistics.Processed)
	assert.Equal(t, 0, snap.Progress.Chunks.Total)
}

func TestRunDoesNotRetryPermanentErrors(t *testing.T) {
	_, run := newRun(t)
	var calls atomic.Int32
	snap, err := Run(context.Background(), run, seq(4), func(context.Context, int) (Outcome, error) {
		calls.Add(1)
		return Failed, &apierr.APIError{StatusCode: http.StatusBadRequest}
	}, Options{ChunkSize: 2, Concurrency: 2, Retry: fastRetry(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 4, snap.Statistics.Errors)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
}

func TestRunExhaustsRetries(t *testing.T) {
	_, run := newRun(t)
	var calls atomic.Int32
	var failures []ItemFailure
	snap, err := Run(context.Background(), run, seq(1), func(context.Context, int) (Outcome, error) {
		calls.Add(1)
		return Failed, &apierr.APIError{StatusCode: http.StatusServiceUnavailable}
	}, Options{
		Retry:   fastRetry(),
		OnChunk: func(r ChunkReport) { failures = r.Failures },
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.Equal(t, int32(4), calls.Load())
	assert.Equal(t, 1, snap.Statistics.Errors)
	require.Len(t, failures, 1)
	assert.Equal(t, 3, failures[0].Retries)
}

func TestRunBoundsConcurrency(t *testing.T) {
	_, run := newRun(t)
	var inFlight, peak atomic.Int32
	op := func(context.Context, int) (Outcome, error) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inFlight.Add(-1)
		return Succeeded, nil
	}
	_, err := Run(context.Background(), run, seq(40), op, Options{
		ChunkSize: 20, Concurrency: 4, Retry: fastRetry(), Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(4))
	assert.Positive(t, peak.Load())
}

func TestRunSetupFailureFailsJob(t *testing.T) {
	_, run := newRun(t)
	snap, err := Run(context.Background(), run, seq(5), func(context.Context, int) (Outcome, error) {
		t.Fatal("operation must not be called")
		return Succeeded, nil
	}, Options{
		Setup:  func(context.Context) error { return errors.New("token endpoint unreachable") },
		Logger: zerolog.Nop(),
	})
	require.ErrorIs(t, err, ErrSetup)
	assert.Equal(t, jobs.StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "token endpoint unreachable")
	assert.Equal(t, 5, snap.Progress.Total)
	assert.Equal(t, 0, snap.Statistics.Processed)
}

func TestRunAbortsWhenCircuitIsOpenForWholeChunk(t *testing.T) {
	_, run := newRun(t)
	var calls atomic.Int32
	snap, err := Run(context.Background(), run, seq(30), func(context.Context, int) (Outcome, error) {
		calls.Add(1)
		return Failed, &circuitbreaker.OpenError{Name: "directory", RetryAfter: time.Minute}
	}, Options{ChunkSize: 10, Concurrency: 5, Retry: fastRetry(), Logger: zerolog.Nop()})

	require.ErrorIs(t, err, ErrConnectivityLost)
	assert.Equal(t, jobs.StatusFailed, snap.Status)
	assert.Equal(t, int32(10), calls.Load(), "open circuit errors are not retried")
	assert.Equal(t, 10, snap.Statistics.Errors)
	assert.Equal(t, 1, snap.Progress.Chunks.Processed)
}

func TestRunRecoversThroughHalfOpenCircuitAtFullConcurrency(t *testing.T) {
	_, run := newRun(t)
	breaker := circuitbreaker.New("directory", circuitbreaker.Config{
		FailureThreshold: 1,
		ResetTimeout:     30 * time.Millisecond,
		CallTimeout:      time.Second,
	}, zerolog.Nop())
	_, err := breaker.Execute(context.Background(), func(context.Context) (any, error) {
		return nil, errors.New("directory down")
	})
	require.Error(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, circuitbreaker.StateHalfOpen, breaker.State())

	var calls atomic.Int32
	snap, err := Run(context.Background(), run, seq(10), func(ctx context.Context, _ int) (Outcome, error) {
		_, err := breaker.Execute(ctx, func(context.Context) (any, error) {
			calls.Add(1)
			time.Sleep(10 * time.Millisecond)
			return "ok", nil
		})
		if err != nil {
			return Failed, err
		}
		return Succeeded, nil
	}, Options{ChunkSize: 5, Concurrency: 5, Retry: fastRetry(), Logger: zerolog.Nop()})

	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.Equal(t, 10, snap.Statistics.Succeeded)
	assert.Equal(t, 0, snap.Statistics.Errors)
	assert.Equal(t, int32(10), calls.Load())
	assert.Equal(t, circuitbreaker.StateClosed, breaker.State())
}

func TestRunPartialCircuitFailuresContinue(t *testing.T) {
	_, run := newRun(t)
	snap, err := Run(context.Background(), run, seq(10), func(_ context.Context, item int) (Outcome, error) {
		if item%2 == 0 {
			return Failed, circuitbreaker.ErrCircuitOpen
		}
		return Succeeded, nil
	}, Options{ChunkSize: 5, Concurrency: 5, Retry: fastRetry(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCompleted, snap.Status)
	assert.Equal(t, 5, snap.Statistics.Errors)
}

func TestRunContextCancelledFinalizesCancelled(t *testing.T) {
	_, run := newRun(t)
	ctx, cancel := context.WithCancel(context.Background())
	snap, err := Run(ctx, run, seq(20), func(_ context.Context, item int) (Outcome, error) {
		if item == 4 {
			cancel()
		}
		return Succeeded, nil
	}, Options{ChunkSize: 5, Concurrency: 1, Retry: fastRetry(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	assert.Equal(t, jobs.StatusCancelled, snap.Status)
	assert.Equal(t, 5, snap.Statistics.Processed)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(0, nil))
	assert.Equal(t, 2*time.Second, p.Delay(1, nil))
	assert.Equal(t, 4*time.Second, p.Delay(2, nil))
	assert.Equal(t, 30*time.Second, p.Delay(10, nil))

	hinted := apierr.FromResponse(&http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"7"}},
	}, nil)
	assert.Equal(t, 7*time.Second, p.Delay(0, hinted))

	long := apierr.FromResponse(&http.Response{
		StatusCode: http.StatusTooManyRequests,
		Header:     http.Header{"Retry-After": []string{"600"}},
	}, nil)
	assert.Equal(t, 30*time.Second, p.Delay(0, long))
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour, Factor: 2, MaxDelay: time.Hour}
	n, err := Retry(ctx, p, func(error) bool { return true }, func(context.Context) error {
		return errors.New("boom")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}
