package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Breaker wraps sony/gobreaker with call timeouts, fallbacks and lifetime counters.
type Breaker struct {
	name      string
	cfg       Config
	cb        *gobreaker.CircuitBreaker
	logger    zerolog.Logger
	listeners []StateChangeListener
	now       func() time.Time

	mu           sync.Mutex
	lastFailure  time.Time
	openedAt     time.Time
	tripFailures int

	totalCalls     atomic.Int64
	totalFailures  atomic.Int64
	totalTimeouts  atomic.Int64
	totalSuccesses atomic.Int64
	totalRejected  atomic.Int64
}

// New creates a standalone breaker. Most callers should go through a Registry.
func New(name string, cfg Config, logger zerolog.Logger, listeners ...StateChangeListener) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig().ResetTimeout
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}

	b := &Breaker{
		name:      name,
		cfg:       cfg,
		logger:    logger.With().Str("breaker", name).Logger(),
		listeners: listeners,
		now:       time.Now,
	}

	threshold := uint32(cfg.FailureThreshold)
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: halfOpenSuccesses,
		Timeout:     cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < threshold {
				return false
			}
			b.mu.Lock()
			b.tripFailures = int(counts.ConsecutiveFailures)
			b.mu.Unlock()
			return true
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !b.isFailure(err)
		},
		OnStateChange: func(_ string, from gobreaker.State, to gobreaker.State) {
			b.handleStateChange(toState(from), toState(to))
		},
	})

	b.logger.Info().
		Int("failureThreshold", cfg.FailureThreshold).
		Dur("resetTimeout", cfg.ResetTimeout).
		Dur("callTimeout", cfg.CallTimeout).
		Msg("circuit breaker created")
	return b
}

// Name returns the dependency name the breaker guards.
func (b *Breaker) Name() string { return b.name }

// State returns the current state. An open circuit whose reset timeout elapsed reports HALF_OPEN.
func (b *Breaker) State() State { return toState(b.cb.State()) }

// Execute runs op through the circuit.
//
// While the circuit is open the operation is never invoked: the fallback result
// is returned when one is configured, otherwise an *OpenError. In HALF_OPEN,
// calls beyond the admitted trial calls wait for them to settle and then run
// against the resulting state.
func (b *Breaker) Execute(ctx context.Context, op Operation) (any, error) {
	b.totalCalls.Add(1)

	result, err, held := b.admit(ctx, op)
	if held {
		return nil, err
	}
	if errors.Is(err, gobreaker.ErrOpenState) {
		return b.reject(ctx)
	}

	switch {
	case err == nil:
		b.totalSuccesses.Add(1)
	case b.isFailure(err):
		b.recordFailure(err)
	default:
		// The dependency answered; the error belongs to the request, not the circuit.
		b.totalSuccesses.Add(1)
	}
	return result, err
}

// admit runs op through gobreaker, holding back calls rejected only because the
// half-open trial quota is in use. The wait is bounded by CallTimeout. held
// reports that the call gave up while waiting and was never attempted.
func (b *Breaker) admit(ctx context.Context, op Operation) (result any, err error, held bool) {
	deadline := b.now().Add(b.cfg.CallTimeout)
	waited := false
	for {
		result, err = b.cb.Execute(func() (any, error) {
			return b.call(ctx, op)
		})
		if !errors.Is(err, gobreaker.ErrTooManyRequests) {
			return result, err, false
		}
		if !waited {
			b.logger.Debug().Msg("half-open trial calls in flight, holding call")
			waited = true
		}
		if !b.now().Before(deadline) {
			return nil, fmt.Errorf("circuit %s: %w", b.name, ErrHalfOpenBusy), true
		}
		t := time.NewTimer(halfOpenPoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err(), true
		case <-t.C:
		}
	}
}

// Do is a typed wrapper around Breaker.Execute.
func Do[T any](ctx context.Context, b *Breaker, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	v, err := b.Execute(ctx, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if v == nil {
		return zero, err
	}
	typed, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("circuit %s: unexpected result type %T", b.name, v)
	}
	return typed, err
}

// Snapshot returns an immutable copy of the breaker state and counters.
func (b *Breaker) Snapshot() Snapshot {
	state := b.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	lastFailure := b.lastFailure
	openedAt := b.openedAt
	tripFailures := b.tripFailures
	b.mu.Unlock()

	snap := Snapshot{
		Name:             b.name,
		State:            state,
		TotalCalls:       b.totalCalls.Load(),
		TotalFailures:    b.totalFailures.Load(),
		TotalTimeouts:    b.totalTimeouts.Load(),
		TotalSuccesses:   b.totalSuccesses.Load(),
		TotalRejected:    b.totalRejected.Load(),
		FailureThreshold: b.cfg.FailureThreshold,
		ResetTimeoutMs:   b.cfg.ResetTimeout.Milliseconds(),
		CallTimeoutMs:    b.cfg.CallTimeout.Milliseconds(),
	}
	switch state {
	case StateClosed:
		snap.FailureCount = int(counts.ConsecutiveFailures)
	case StateOpen:
		snap.FailureCount = tripFailures
		next := openedAt.Add(b.cfg.ResetTimeout)
		snap.NextAttemptAt = &next
	case StateHalfOpen:
		snap.SuccessCount = int(counts.ConsecutiveSuccesses)
	}
	if !lastFailure.IsZero() {
		snap.LastFailureTime = &lastFailure
	}
	return snap
}

// RetryAfter reports how long until an open circuit admits a trial call. Zero when not open.
func (b *Breaker) RetryAfter() time.Duration {
	if b.State() != StateOpen {
		return 0
	}
	b.mu.Lock()
	openedAt := b.openedAt
	b.mu.Unlock()

	remaining := b.cfg.ResetTimeout - b.now().Sub(openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (b *Breaker) call(ctx context.Context, op Operation) (any, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// Buffered so an abandoned call can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("circuit %s: operation panicked: %v", b.name, r)}
			}
		}()
		v, err := op(callCtx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, b.timeout()
		}
		return out.value, out.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, b.timeout()
	}
}

func (b *Breaker) timeout() error {
	b.totalTimeouts.Add(1)
	return fmt.Errorf("circuit %s: %w after %s", b.name, ErrCallTimeout, b.cfg.CallTimeout)
}

func (b *Breaker) reject(ctx context.Context) (any, error) {
	b.totalRejected.Add(1)
	openErr := &OpenError{Name: b.name, RetryAfter: b.RetryAfter()}

	if b.cfg.Fallback != nil {
		b.logger.Warn().Dur("retryAfter", openErr.RetryAfter).Msg("circuit open, serving fallback")
		return b.cfg.Fallback(ctx, openErr)
	}
	b.logger.Warn().Dur("retryAfter", openErr.RetryAfter).Msg("circuit open, request rejected immediately")
	return nil, openErr
}

func (b *Breaker) recordFailure(err error) {
	b.totalFailures.Add(1)

	b.mu.Lock()
	b.lastFailure = b.now()
	b.mu.Unlock()

	counts := b.cb.Counts()
	b.logger.Warn().Err(err).
		Uint32("consecutiveFailures", counts.ConsecutiveFailures).
		Int("failureThreshold", b.cfg.FailureThreshold).
		Bool("timeout", errors.Is(err, ErrCallTimeout)).
		Msg("guarded call failed")
}

func (b *Breaker) isFailure(err error) bool {
	if b.cfg.IsFailure == nil {
		return true
	}
	// Timeouts always count against the circuit.
	return errors.Is(err, ErrCallTimeout) || b.cfg.IsFailure(err)
}

// handleStateChange runs under the gobreaker lock; it must not call b.cb.
func (b *Breaker) handleStateChange(from, to State) {
	now := b.now()

	b.mu.Lock()
	if to == StateOpen {
		b.openedAt = now
		b.lastFailure = now
	}
	if to == StateClosed {
		b.tripFailures = 0
	}
	b.mu.Unlock()

	evt := b.logger.Info()
	switch to {
	case StateOpen:
		evt = b.logger.Error().Dur("resetTimeout", b.cfg.ResetTimeout)
	case StateHalfOpen:
		evt = b.logger.Warn()
	}
	evt.Str("from", string(from)).Str("to", string(to)).Msg("circuit breaker state changed")

	for _, l := range b.listeners {
		l.OnStateChange(b.name, from, to)
	}
}

func toState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}
