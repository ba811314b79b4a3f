// Package batch runs an operation over an ordered list of items in
// sequential chunks with bounded concurrency inside each chunk.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
)

// Outcome is the settled result of one item.
type Outcome int

const (
	Succeeded Outcome = iota
	// Skipped marks items that could not be resolved; they are neither success nor error.
	Skipped
	Failed
)

// ItemFunc processes one item. Returning Skipped with a nil error counts the item as skipped.
type ItemFunc[T any] func(ctx context.Context, item T) (Outcome, error)

// ItemFailure records a failed item of a chunk.
type ItemFailure struct {
	Index   int
	Err     error
	Retries int
}

// ChunkReport describes one settled chunk.
type ChunkReport struct {
	Index    int
	Result   jobs.ChunkResult
	Failures []ItemFailure
	Snapshot jobs.Snapshot
}

var (
	// ErrSetup marks a failure before any item was attempted.
	ErrSetup = errors.New("job setup failed")

	// ErrConnectivityLost marks a chunk in which every item was rejected by an open circuit.
	ErrConnectivityLost = errors.New("remote service unavailable")
)

// Options configures a run.
type Options struct {
	ChunkSize   int
	Concurrency int
	// ChunkDelay paces consecutive chunks.
	ChunkDelay time.Duration
	Retry      RetryPolicy
	// IsTransient decides which item errors are retried. Defaults to apierr.IsTransient.
	IsTransient func(error) bool
	// IsUnavailable marks errors meaning the dependency is unreachable.
	// Defaults to circuit-open errors.
	IsUnavailable func(error) bool
	// Setup runs once before the first chunk. An error fails the job.
	Setup func(ctx context.Context) error
	// OnChunk is called after each chunk has been applied to the job state.
	OnChunk func(ChunkReport)
	Logger  zerolog.Logger
}

func (o *Options) normalize() {
	if o.ChunkSize <= 0 {
		o.ChunkSize = 100
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.IsTransient == nil {
		o.IsTransient = apierr.IsTransient
	}
	if o.IsUnavailable == nil {
		o.IsUnavailable = func(err error) bool { return errors.Is(err, circuitbreaker.ErrCircuitOpen) }
	}
}

// Run processes items in ceil(len/ChunkSize) chunks in order and finalizes run.
//
// Cancellation is checked before each chunk: a chunk that has started always
// settles. Context cancellation (process shutdown) finalizes the job as cancelled.
// The returned error is non-nil only when the job failed.
func Run[T any](ctx context.Context, run *jobs.Run, items []T, op ItemFunc[T], opts Options) (jobs.Snapshot, error) {
	opts.normalize()
	logger := opts.Logger.With().
		Str("family", string(run.Family())).
		Str("session_id", run.SessionID()).
		Logger()

	run.Begin(len(items), opts.ChunkSize)
	if len(items) == 0 {
		return run.Finish(jobs.StatusCompleted, ""), nil
	}

	if opts.Setup != nil {
		if err := opts.Setup(ctx); err != nil {
			err = fmt.Errorf("%w: %w", ErrSetup, err)
			logger.Error().Err(err).Msg("job setup failed")
			return run.Finish(jobs.StatusFailed, err.Error()), err
		}
	}

	for index, start := 0, 0; start < len(items); index, start = index+1, start+opts.ChunkSize {
		if !run.Active() {
			logger.Info().Int("chunk", index).Msg("job no longer running, skipping remaining chunks")
			return run.Finish(jobs.StatusCancelled, ""), nil
		}
		if ctx.Err() != nil {
			return run.Finish(jobs.StatusCancelled, "interrupted"), nil
		}
		if index > 0 && opts.ChunkDelay > 0 {
			if err := sleep(ctx, opts.ChunkDelay); err != nil {
				return run.Finish(jobs.StatusCancelled, "interrupted"), nil
			}
		}

		end := min(start+opts.ChunkSize, len(items))
		result, failures := runChunk(ctx, items[start:end], start, op, opts)
		run.ApplyChunk(result)

		report := ChunkReport{Index: index, Result: result, Failures: failures, Snapshot: run.Snapshot()}
		logger.Debug().
			Int("chunk", index).
			Int("succeeded", result.Succeeded).
			Int("errors", result.Errors).
			Int("skipped", result.Skipped).
			Msg("chunk settled")
		if opts.OnChunk != nil {
			opts.OnChunk(report)
		}

		if allUnavailable(result, failures, opts.IsUnavailable) {
			err := fmt.Errorf("%w: %w", ErrConnectivityLost, failures[0].Err)
			logger.Error().Err(err).Int("chunk", index).Msg("aborting job")
			return run.Finish(jobs.StatusFailed, err.Error()), err
		}
	}

	return run.Finish(jobs.StatusCompleted, ""), nil
}

func runChunk[T any](ctx context.Context, chunk []T, offset int, op ItemFunc[T], opts Options) (jobs.ChunkResult, []ItemFailure) {
	outcomes := make([]Outcome, len(chunk))
	errs := make([]error, len(chunk))
	retries := make([]int, len(chunk))

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i := range chunk {
		g.Go(func() error {
			var outcome Outcome
			n, err := Retry(ctx, opts.Retry, opts.IsTransient, func(ctx context.Context) error {
				var err error
				outcome, err = op(ctx, chunk[i])
				return err
			})
			retries[i] = n
			if err != nil {
				outcomes[i], errs[i] = Failed, err
				return nil
			}
			outcomes[i] = outcome
			return nil
		})
	}
	_ = g.Wait()

	var res jobs.ChunkResult
	var failures []ItemFailure
	for i, o := range outcomes {
		switch o {
		case Succeeded:
			res.Succeeded++
		case Skipped:
			res.Skipped++
		default:
			res.Errors++
			failures = append(failures, ItemFailure{Index: offset + i, Err: errs[i], Retries: retries[i]})
		}
		if retries[i] > 0 && o != Failed {
			res.Warnings++
		}
	}
	return res, failures
}

func allUnavailable(res jobs.ChunkResult, failures []ItemFailure, isUnavailable func(error) bool) bool {
	if len(failures) == 0 || res.Succeeded > 0 || res.Skipped > 0 {
		return false
	}
	for _, f := range failures {
		if !isUnavailable(f.Err) {
			return false
		}
	}
	return true
}
