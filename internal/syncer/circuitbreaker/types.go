package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// State represents circuit breaker state
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
	StateUnknown  State = "UNKNOWN"
)

// halfOpenSuccesses is the number of consecutive successful trial calls needed to
// close a half-open circuit. It is also the number of trial calls admitted at once.
const halfOpenSuccesses = 2

// halfOpenPoll is how often a call held back in HALF_OPEN checks whether the trial calls settled.
const halfOpenPoll = 10 * time.Millisecond

var (
	// ErrCircuitOpen is matched by every rejection caused by an open circuit.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrHalfOpenBusy is returned when a call waited a full CallTimeout for the
	// half-open trial calls to settle. It does not mean the dependency is down.
	ErrHalfOpenBusy = errors.New("circuit half-open, trial calls still in flight")

	// ErrCallTimeout is returned when the wrapped call does not settle within CallTimeout.
	ErrCallTimeout = errors.New("call timed out")
)

// OpenError is returned when a call is rejected without being attempted.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("service %s is temporarily unavailable (circuit open), retry after %s", e.Name, e.RetryAfter.Round(time.Second))
}

func (e *OpenError) Unwrap() error { return ErrCircuitOpen }

// Operation is a call guarded by a breaker. The context carries the call timeout.
type Operation func(ctx context.Context) (any, error)

// Fallback is invoked instead of the operation while the circuit rejects calls.
// cause is always an *OpenError.
type Fallback func(ctx context.Context, cause error) (any, error)

// Config holds circuit breaker configuration
type Config struct {
	FailureThreshold int           // Consecutive failures that open the circuit
	ResetTimeout     time.Duration // Time spent open before a half-open trial call is allowed
	CallTimeout      time.Duration // Per-call deadline; expiry counts as a failure
	Fallback         Fallback      // Optional
	// IsFailure decides which errors count against the circuit. Nil counts every error.
	IsFailure func(err error) bool
}

// DefaultConfig matches the directory API defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     60 * time.Second,
		CallTimeout:      30 * time.Second,
	}
}

// Snapshot is an immutable view of a breaker.
type Snapshot struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failureCount"`
	SuccessCount     int        `json:"successCount"`
	LastFailureTime  *time.Time `json:"lastFailureTime,omitempty"`
	NextAttemptAt    *time.Time `json:"nextAttemptAt,omitempty"`
	TotalCalls       int64      `json:"totalCalls"`
	TotalFailures    int64      `json:"totalFailures"`
	TotalTimeouts    int64      `json:"totalTimeouts"`
	TotalSuccesses   int64      `json:"totalSuccesses"`
	TotalRejected    int64      `json:"totalRejected"`
	FailureThreshold int        `json:"failureThreshold"`
	ResetTimeoutMs   int64      `json:"resetTimeoutMs"`
	CallTimeoutMs    int64      `json:"callTimeoutMs"`
}

// StateChangeListener is notified when circuit breaker state changes.
// It runs while the breaker holds its lock and must not call back into it.
type StateChangeListener interface {
	OnStateChange(name string, from State, to State)
}

// ListenerFunc adapts a function to StateChangeListener.
type ListenerFunc func(name string, from State, to State)

func (f ListenerFunc) OnStateChange(name string, from State, to State) { f(name, from, to) }
