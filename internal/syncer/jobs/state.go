package jobs

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the single job slot of a family.
//
// Readers only ever receive snapshots. Writes go through the Run handle
// returned by Start; a reset invalidates outstanding handles. The family stays
// busy until the runner calls Finish, even after a cancel or reset, so at most
// one runner per family exists.
type State struct {
	family Family
	now    func() time.Time

	mu        sync.RWMutex
	active    *Run
	epoch     uint64
	sessionID string
	status    Status
	total     int
	stats     Statistics
	chunking  Chunking
	startTime time.Time
	endTime   time.Time
	lastError string
}

// NewState creates an idle state for family.
func NewState(family Family) *State {
	return &State{family: family, status: StatusIdle, now: time.Now}
}

// Family returns the family this state belongs to.
func (s *State) Family() Family { return s.family }

// Start moves the state to running and returns the write handle for the run.
// An empty sessionID gets a generated one.
func (s *State) Start(sessionID string) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active != nil {
		return nil, &ConflictError{Family: s.family, SessionID: s.active.sessionID}
	}
	if sessionID == "" {
		sessionID = NewSessionID()
	}

	s.epoch++
	s.clearLocked()
	s.sessionID = sessionID
	s.status = StatusRunning
	s.startTime = s.now().UTC()

	run := &Run{state: s, epoch: s.epoch, sessionID: sessionID}
	run.last = s.snapshotLocked()
	s.active = run
	return run, nil
}

// Cancel requests cooperative cancellation of the running job. The runner
// settles its current chunk before it stops; until then Start still conflicts.
func (s *State) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusRunning {
		return ErrNoRunningJob
	}
	s.status = StatusCancelled
	return nil
}

// Reset returns the state to idle unconditionally. A runner still in flight
// keeps its own results and stops at its next chunk boundary.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
	s.clearLocked()
	s.sessionID = ""
	s.status = StatusIdle
}

// Status returns the current status.
func (s *State) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Snapshot returns a copy of the state shaped for the status query.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

func (s *State) snapshotLocked() Snapshot {
	snap := Snapshot{
		Family:     s.family,
		SessionID:  s.sessionID,
		Status:     s.status,
		IsRunning:  s.status == StatusRunning,
		Statistics: s.stats,
		Error:      s.lastError,
		Progress: Progress{
			Current: s.stats.Processed,
			Total:   s.total,
			Chunks:  s.chunking,
		},
	}
	if s.total > 0 {
		snap.Progress.Percentage = s.stats.Processed * 100 / s.total
	} else if s.status == StatusCompleted {
		snap.Progress.Percentage = 100
	}
	if !s.startTime.IsZero() {
		start := s.startTime
		snap.Timing.StartTime = &start
		end := s.now().UTC()
		if !s.endTime.IsZero() {
			end = s.endTime
			snap.Timing.EndTime = &end
		}
		snap.Timing.Duration = end.Sub(start).Milliseconds()
	}
	return snap
}

func (s *State) clearLocked() {
	s.total = 0
	s.stats = Statistics{}
	s.chunking = Chunking{}
	s.startTime = time.Time{}
	s.endTime = time.Time{}
	s.lastError = ""
}

// NewSessionID returns a random session id.
func NewSessionID() string {
	return uuid.NewString()
}

// Run is the exclusive write handle of one job run.
type Run struct {
	state     *State
	epoch     uint64
	sessionID string
	// last is the run's own view, kept current by every write so a reset
	// state never leaks another run's numbers into this one.
	last Snapshot
}

// SessionID returns the session the run reports to.
func (r *Run) SessionID() string { return r.sessionID }

// Family returns the family of the run.
func (r *Run) Family() Family { return r.state.family }

// Active reports whether the run still owns the state and has not been cancelled.
func (r *Run) Active() bool {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.epoch == r.epoch && s.status == StatusRunning
}

// Begin records the item count and chunk layout.
func (r *Run) Begin(total, chunkSize int) {
	r.write(func(s *State) {
		s.total = total
		s.chunking = Chunking{Size: chunkSize}
		if total > 0 {
			s.chunking.Total = (total + chunkSize - 1) / chunkSize
		}
	})
}

// Extend grows the item total by n and adds one chunk, for runs whose size
// is discovered while they execute.
func (r *Run) Extend(n int) {
	r.write(func(s *State) {
		s.total += n
		s.chunking.Total++
	})
}

// ApplyChunk adds one chunk's settled results in a single update.
func (r *Run) ApplyChunk(res ChunkResult) {
	r.write(func(s *State) {
		s.stats.Succeeded += res.Succeeded
		s.stats.Errors += res.Errors
		s.stats.Skipped += res.Skipped
		s.stats.Warnings += res.Warnings
		s.stats.Processed += res.Processed()
		if s.stats.Processed > s.total {
			s.total = s.stats.Processed
		}
		if s.chunking.Processed < s.chunking.Total {
			s.chunking.Processed++
		}
	})
}

// Finish sets the terminal status exactly once and releases the family. A run
// cancelled externally stays cancelled whatever status is requested. It
// returns the run's final snapshot.
func (r *Run) Finish(status Status, errMsg string) Snapshot {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active == r {
		s.active = nil
	}
	if s.epoch != r.epoch {
		// Reset while in flight: report the run as cancelled from its own view.
		if r.last.Status == StatusRunning {
			r.last.Status = StatusCancelled
			r.last.IsRunning = false
		}
		if r.last.Timing.EndTime == nil {
			end := s.now().UTC()
			r.last.Timing.EndTime = &end
		}
		return r.last
	}
	if s.endTime.IsZero() {
		if s.status == StatusRunning {
			s.status = status
		}
		if errMsg != "" {
			s.lastError = errMsg
		}
		s.endTime = s.now().UTC()
	}
	r.last = s.snapshotLocked()
	return r.last
}

// Snapshot returns the run's current snapshot.
func (r *Run) Snapshot() Snapshot {
	s := r.state
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.epoch != r.epoch {
		return r.last
	}
	return s.snapshotLocked()
}

func (r *Run) write(fn func(s *State)) {
	s := r.state
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != r.epoch {
		return
	}
	fn(s)
	r.last = s.snapshotLocked()
}
