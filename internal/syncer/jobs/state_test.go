package jobs

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartConflictReturnsExistingSession(t *testing.T) {
	s := NewState(FamilyImport)

	run, err := s.Start("session-a")
	require.NoError(t, err)
	run.Begin(10, 5)
	before := s.Snapshot()

	_, err = s.Start("session-b")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrJobAlreadyRunning))

	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "session-a", conflict.SessionID)
	assert.Equal(t, FamilyImport, conflict.Family)

	after := s.Snapshot()
	assert.Equal(t, before.SessionID, after.SessionID)
	assert.Equal(t, before.Progress, after.Progress)
	assert.Equal(t, StatusRunning, after.Status)
}

func TestStartGeneratesSessionID(t *testing.T) {
	s := NewState(FamilyExport)
	run, err := s.Start("")
	require.NoError(t, err)
	assert.NotEmpty(t, run.SessionID())
	assert.Equal(t, run.SessionID(), s.Snapshot().SessionID)
}

func TestApplyChunkAndFinish(t *testing.T) {
	s := NewState(FamilyDelete)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return clock }

	run, err := s.Start("sess")
	require.NoError(t, err)
	run.Begin(250, 100)

	snap := s.Snapshot()
	assert.Equal(t, 3, snap.Progress.Chunks.Total)
	assert.Equal(t, 100, snap.Progress.Chunks.Size)
	assert.Nil(t, snap.Timing.EndTime)

	run.ApplyChunk(ChunkResult{Succeeded: 90, Errors: 5, Skipped: 5})
	run.ApplyChunk(ChunkResult{Succeeded: 100})
	clock = clock.Add(2 * time.Second)

	snap = s.Snapshot()
	assert.Equal(t, 200, snap.Progress.Current)
	assert.Equal(t, 80, snap.Progress.Percentage)
	assert.Equal(t, 2, snap.Progress.Chunks.Processed)
	assert.Equal(t, int64(2000), snap.Timing.Duration)

	run.ApplyChunk(ChunkResult{Succeeded: 50})
	final := run.Finish(StatusCompleted, "")
	assert.Equal(t, StatusCompleted, final.Status)
	assert.False(t, final.IsRunning)
	assert.Equal(t, 250, final.Statistics.Processed)
	assert.Equal(t, final.Statistics.Processed,
		final.Statistics.Succeeded+final.Statistics.Errors+final.Statistics.Skipped)
	require.NotNil(t, final.Timing.EndTime)

	end := *final.Timing.EndTime
	clock = clock.Add(time.Minute)
	again := run.Finish(StatusFailed, "late")
	assert.Equal(t, StatusCompleted, again.Status)
	assert.Equal(t, end, *again.Timing.EndTime)
	assert.Empty(t, again.Error)
}

func TestCancelKeepsCancelledStatus(t *testing.T) {
	s := NewState(FamilyImport)
	assert.ErrorIs(t, s.Cancel(), ErrNoRunningJob)

	run, err := s.Start("sess")
	require.NoError(t, err)
	require.NoError(t, s.Cancel())
	assert.False(t, run.Active())

	final := run.Finish(StatusCompleted, "")
	assert.Equal(t, StatusCancelled, final.Status)
	assert.NotNil(t, final.Timing.EndTime)
	assert.ErrorIs(t, s.Cancel(), ErrNoRunningJob)
}

func TestResetInvalidatesRun(t *testing.T) {
	s := NewState(FamilyImport)
	run, err := s.Start("sess")
	require.NoError(t, err)
	run.Begin(10, 10)

	s.Reset()
	run.ApplyChunk(ChunkResult{Succeeded: 10})
	run.Finish(StatusCompleted, "")

	snap := s.Snapshot()
	assert.Equal(t, StatusIdle, snap.Status)
	assert.Empty(t, snap.SessionID)
	assert.Zero(t, snap.Statistics.Processed)
	assert.Nil(t, snap.Timing.StartTime)

	_, err = s.Start("next")
	require.NoError(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	for _, f := range Families {
		s, err := r.Get(f)
		require.NoError(t, err)
		assert.Equal(t, f, s.Family())
	}

	_, err := r.Get("bogus")
	assert.ErrorIs(t, err, ErrUnknownFamily)
	_, err = ParseFamily("bogus")
	assert.ErrorIs(t, err, ErrUnknownFamily)

	f, err := ParseFamily("export")
	require.NoError(t, err)
	assert.Equal(t, FamilyExport, f)

	assert.Empty(t, r.Running())
	s, _ := r.Get(FamilyDelete)
	_, err = s.Start("x")
	require.NoError(t, err)
	running := r.Running()
	require.Len(t, running, 1)
	assert.Equal(t, FamilyDelete, running[0].Family)
}

func TestExtendGrowsTotals(t *testing.T) {
	s := NewState(FamilyExport)
	run, err := s.Start("sess")
	require.NoError(t, err)
	run.Begin(0, 100)

	run.Extend(100)
	run.ApplyChunk(ChunkResult{Succeeded: 100})
	run.Extend(40)
	run.ApplyChunk(ChunkResult{Succeeded: 40})

	snap := run.Finish(StatusCompleted, "")
	assert.Equal(t, 140, snap.Progress.Total)
	assert.Equal(t, 100, snap.Progress.Percentage)
	assert.Equal(t, Chunking{Size: 100, Total: 2, Processed: 2}, snap.Progress.Chunks)
}

func TestStartConflictsUntilCancelledRunFinishes(t *testing.T) {
	s := NewState(FamilyImport)
	first, err := s.Start("first")
	require.NoError(t, err)
	first.Begin(4, 2)

	require.NoError(t, s.Cancel())
	_, err = s.Start("second")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "first", conflict.SessionID)

	// the in-flight chunk still lands in the cancelled run
	first.ApplyChunk(ChunkResult{Succeeded: 2})
	final := first.Finish(StatusCompleted, "")
	assert.Equal(t, "first", final.SessionID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, 2, final.Statistics.Processed)

	second, err := s.Start("second")
	require.NoError(t, err)
	assert.Equal(t, "second", s.Snapshot().SessionID)
	assert.Equal(t, "first", first.Snapshot().SessionID)
	assert.Equal(t, 2, first.Snapshot().Statistics.Processed)
	second.Finish(StatusCompleted, "")
}

func TestResetKeepsFamilyBusyUntilFinish(t *testing.T) {
	s := NewState(FamilyDelete)
	run, err := s.Start("sess")
	require.NoError(t, err)
	run.Begin(2, 2)
	run.ApplyChunk(ChunkResult{Succeeded: 1, Errors: 1})

	s.Reset()
	assert.False(t, run.Active())
	_, err = s.Start("next")
	assert.ErrorIs(t, err, ErrJobAlreadyRunning)

	final := run.Finish(StatusCompleted, "")
	assert.Equal(t, "sess", final.SessionID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Equal(t, 2, final.Statistics.Processed)
	assert.NotNil(t, final.Timing.EndTime)
	assert.Equal(t, StatusIdle, s.Snapshot().Status)

	_, err = s.Start("next")
	require.NoError(t, err)
}
