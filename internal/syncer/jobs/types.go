// Package jobs tracks the state of bulk operations, one job per family.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// Family names a kind of bulk operation. At most one job per family runs at a time.
type Family string

const (
	FamilyImport Family = "import"
	FamilyDelete Family = "delete"
	FamilyExport Family = "export"
)

// Families lists every supported family.
var Families = []Family{FamilyImport, FamilyDelete, FamilyExport}

// ParseFamily validates a family name.
func ParseFamily(s string) (Family, error) {
	for _, f := range Families {
		if string(f) == s {
			return f, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownFamily, s)
}

// Status represents the current state of a job.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true if the status is final for a run.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

var (
	// ErrJobAlreadyRunning is returned when a job of the same family is already running.
	ErrJobAlreadyRunning = errors.New("job already running")

	// ErrNoRunningJob is returned by Cancel when nothing is running.
	ErrNoRunningJob = errors.New("no running job")

	// ErrUnknownFamily is returned for unsupported family names.
	ErrUnknownFamily = errors.New("unknown job family")
)

// ConflictError carries the session of the job that blocked a start request.
type ConflictError struct {
	Family    Family
	SessionID string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s job already running (session %s)", e.Family, e.SessionID)
}

func (e *ConflictError) Unwrap() error { return ErrJobAlreadyRunning }

// Chunking tracks chunk-level progress.
type Chunking struct {
	Size      int `json:"size"`
	Total     int `json:"total"`
	Processed int `json:"processed"`
}

// ChunkResult is the settled outcome of one chunk, applied atomically.
type ChunkResult struct {
	Succeeded int
	Errors    int
	Skipped   int
	Warnings  int
}

// Processed is the number of items the chunk settled.
func (r ChunkResult) Processed() int { return r.Succeeded + r.Errors + r.Skipped }

// Progress is the progress block of a status snapshot.
type Progress struct {
	Current    int      `json:"current"`
	Total      int      `json:"total"`
	Percentage int      `json:"percentage"`
	Chunks     Chunking `json:"chunks"`
}

// Statistics is the counter block of a status snapshot.
type Statistics struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Errors    int `json:"errors"`
	Skipped   int `json:"skipped"`
	Warnings  int `json:"warnings"`
}

// Timing is the timing block of a status snapshot.
type Timing struct {
	StartTime *time.Time `json:"startTime,omitempty"`
	EndTime   *time.Time `json:"endTime,omitempty"`
	// Duration is in milliseconds; for a running job it is the elapsed time so far.
	Duration int64 `json:"duration"`
}

// Snapshot is an immutable copy of a job state handed to readers.
type Snapshot struct {
	Family     Family     `json:"family"`
	SessionID  string     `json:"sessionId,omitempty"`
	Status     Status     `json:"status"`
	IsRunning  bool       `json:"isRunning"`
	Progress   Progress   `json:"progress"`
	Statistics Statistics `json:"statistics"`
	Timing     Timing     `json:"timing"`
	Error      string     `json:"error,omitempty"`
}
