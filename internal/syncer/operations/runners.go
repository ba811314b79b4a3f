package operations

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
	"github.com/agentregistry-dev/dirsync/internal/syncer/batch"
	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
	"github.com/agentregistry-dev/dirsync/internal/syncer/directory"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/records"
)

// importRecord creates one user; an existing user counts as skipped.
func (s *Service) importRecord(populationID string) batch.ItemFunc[records.Record] {
	return func(ctx context.Context, rec records.Record) (batch.Outcome, error) {
		pop := populationID
		if rec.PopulationID != "" {
			pop = rec.PopulationID
		}
		if _, err := s.opts.Directory.CreateUser(ctx, rec.User(), pop); err != nil {
			if apierr.IsStatus(err, http.StatusConflict) {
				return batch.Skipped, nil
			}
			return batch.Failed, err
		}
		return batch.Succeeded, nil
	}
}

// deleteRecord resolves a record to a user id and deletes it. Records that
// resolve to nobody, or users already gone, count as skipped.
func (s *Service) deleteRecord(ctx context.Context, rec records.Record) (batch.Outcome, error) {
	id := rec.ID
	if id == "" {
		u, err := s.opts.Directory.FindUser(ctx, rec.Username, "")
		if errors.Is(err, directory.ErrUserNotFound) && rec.Email != "" {
			u, err = s.opts.Directory.FindUser(ctx, "", rec.Email)
		}
		if errors.Is(err, directory.ErrUserNotFound) {
			return batch.Skipped, nil
		}
		if err != nil {
			return batch.Failed, err
		}
		id = u.ID
	}

	if err := s.opts.Directory.DeleteUser(ctx, id); err != nil {
		if apierr.IsStatus(err, http.StatusNotFound) {
			return batch.Skipped, nil
		}
		return batch.Failed, err
	}
	return batch.Succeeded, nil
}

// runExport pages through a population, one chunk per page.
func (s *Service) runExport(ctx context.Context, run *jobs.Run, populationID string) (jobs.Snapshot, error) {
	run.Begin(0, directory.PageLimit)

	if err := s.setup(ctx); err != nil {
		err = fmt.Errorf("%w: %w", batch.ErrSetup, err)
		return run.Finish(jobs.StatusFailed, err.Error()), err
	}

	errStopped := errors.New("export stopped")
	var users []directory.User
	err := s.opts.Directory.ListPopulationUsers(ctx, populationID, func(page []directory.User) error {
		if !run.Active() || ctx.Err() != nil {
			return errStopped
		}
		users = append(users, page...)
		res := jobs.ChunkResult{Succeeded: len(page)}
		run.Extend(len(page))
		run.ApplyChunk(res)
		s.chunkSettled(run, batch.ChunkReport{Result: res, Snapshot: run.Snapshot()})
		return nil
	})

	switch {
	case errors.Is(err, errStopped):
		return run.Finish(jobs.StatusCancelled, ""), nil
	case err != nil:
		return run.Finish(jobs.StatusFailed, err.Error()), err
	}

	s.exportMu.Lock()
	s.lastExport = &ExportResult{
		SessionID:    run.SessionID(),
		PopulationID: populationID,
		Users:        users,
		CompletedAt:  time.Now().UTC(),
	}
	s.exportMu.Unlock()
	return run.Finish(jobs.StatusCompleted, ""), nil
}

// chunkSettled emits progress and records metrics for a settled chunk.
func (s *Service) chunkSettled(run *jobs.Run, report batch.ChunkReport) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordChunk(context.Background(), run.Family(), report.Result)
	}
	s.emit(run.SessionID(), broadcast.EventProgress, progressPayload(run.Family(), report.Snapshot))
	if len(report.Failures) > 0 {
		s.emit(run.SessionID(), broadcast.EventError, chunkFailurePayload(report))
	}
}
