// Package operations runs the import, delete and export jobs and exposes
// their start, cancel, reset, status and health commands.
package operations

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentregistry-dev/dirsync/internal/syncer/batch"
	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/directory"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/records"
)

// ErrNoRecords is returned when an import or delete is started without records.
var ErrNoRecords = errors.New("records are required")

// Directory is the subset of the directory client the runners use.
type Directory interface {
	CreateUser(ctx context.Context, user directory.User, populationID string) (*directory.User, error)
	DeleteUser(ctx context.Context, id string) error
	FindUser(ctx context.Context, username, email string) (*directory.User, error)
	ListPopulationUsers(ctx context.Context, populationID string, fn func([]directory.User) error) error
}

// Credentials is the subset of the credential manager the runners use.
type Credentials interface {
	GetValidToken(ctx context.Context) (string, error)
	Initialized() bool
	PopulationID() string
}

// EventSink delivers live events to observers.
type EventSink interface {
	SendEvent(sessionID string, t broadcast.EventType, payload any) bool
}

// Recorder receives job metrics. Optional.
type Recorder interface {
	RecordChunk(ctx context.Context, family jobs.Family, res jobs.ChunkResult)
	RecordJobFinished(ctx context.Context, family jobs.Family, status jobs.Status)
}

// Options configures a Service.
type Options struct {
	Jobs        *jobs.Registry
	Directory   Directory
	Credentials Credentials
	Events      EventSink
	Breakers    *circuitbreaker.Registry
	// BreakerName is the circuit reported by Health.
	BreakerName string
	Metrics     Recorder
	// Batch holds the default chunking, concurrency, pacing and retry settings.
	Batch  batch.Options
	Logger zerolog.Logger
}

// StartParams are the inputs of a start request.
type StartParams struct {
	Records      []records.Record
	ChunkSize    int
	Concurrency  int
	SessionID    string
	PopulationID string
}

// ExportResult is the output of the last completed export.
type ExportResult struct {
	SessionID    string           `json:"sessionId"`
	PopulationID string           `json:"populationId"`
	Users        []directory.User `json:"users"`
	CompletedAt  time.Time        `json:"completedAt"`
}

// Service owns the job runners.
type Service struct {
	opts   Options
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	exportMu   sync.RWMutex
	lastExport *ExportResult
}

// NewService creates the service. Runners started by it stop when Shutdown is called.
func NewService(opts Options) *Service {
	if opts.Jobs == nil {
		opts.Jobs = jobs.NewRegistry()
	}
	if opts.BreakerName == "" {
		opts.BreakerName = "directory"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:   opts,
		logger: opts.Logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start accepts a job and runs it in the background. A family that is
// already running yields a *jobs.ConflictError carrying its session id.
func (s *Service) Start(family jobs.Family, params StartParams) (string, error) {
	state, err := s.opts.Jobs.Get(family)
	if err != nil {
		return "", err
	}

	populationID := params.PopulationID
	if populationID == "" && s.opts.Credentials != nil {
		populationID = s.opts.Credentials.PopulationID()
	}
	switch family {
	case jobs.FamilyImport, jobs.FamilyDelete:
		if params.Records == nil {
			return "", ErrNoRecords
		}
	case jobs.FamilyExport:
		if populationID == "" {
			return "", errors.New("populationId is required for export")
		}
	}

	run, err := state.Start(params.SessionID)
	if err != nil {
		return "", err
	}

	opts := s.batchOptions(params)
	opts.OnChunk = func(report batch.ChunkReport) { s.chunkSettled(run, report) }
	logger := s.logger.With().Str("family", string(family)).Str("session_id", run.SessionID()).Logger()
	logger.Info().Int("records", len(params.Records)).Int("chunk_size", opts.ChunkSize).Int("concurrency", opts.Concurrency).Msg("job started")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		var snap jobs.Snapshot
		var err error
		switch family {
		case jobs.FamilyImport:
			snap, err = batch.Run(s.ctx, run, params.Records, s.importRecord(populationID), opts)
		case jobs.FamilyDelete:
			snap, err = batch.Run(s.ctx, run, params.Records, s.deleteRecord, opts)
		case jobs.FamilyExport:
			snap, err = s.runExport(s.ctx, run, populationID)
		}
		s.finish(run, snap, err, logger)
	}()

	return run.SessionID(), nil
}

func (s *Service) batchOptions(params StartParams) batch.Options {
	opts := s.opts.Batch
	if params.ChunkSize > 0 {
		opts.ChunkSize = params.ChunkSize
	}
	if params.Concurrency > 0 {
		opts.Concurrency = params.Concurrency
	}
	opts.Logger = s.logger
	opts.Setup = s.setup
	return opts
}

// setup checks the token endpoint before any record is attempted.
func (s *Service) setup(ctx context.Context) error {
	if s.opts.Credentials == nil {
		return errors.New("no credential manager configured")
	}
	_, err := s.opts.Credentials.GetValidToken(ctx)
	return err
}

func (s *Service) finish(run *jobs.Run, snap jobs.Snapshot, err error, logger zerolog.Logger) {
	if s.opts.Metrics != nil {
		s.opts.Metrics.RecordJobFinished(context.Background(), run.Family(), snap.Status)
	}
	if err != nil {
		logger.Error().Err(err).Str("status", string(snap.Status)).Msg("job failed")
		s.emit(run.SessionID(), broadcast.EventError, errorPayload(err))
	} else {
		logger.Info().
			Str("status", string(snap.Status)).
			Int("processed", snap.Statistics.Processed).
			Int("succeeded", snap.Statistics.Succeeded).
			Int("errors", snap.Statistics.Errors).
			Int("skipped", snap.Statistics.Skipped).
			Int64("duration_ms", snap.Timing.Duration).
			Msg("job finished")
	}
	s.emit(run.SessionID(), broadcast.EventCompletion, completionPayload(snap))
}

func (s *Service) emit(sessionID string, t broadcast.EventType, payload any) {
	if s.opts.Events != nil {
		s.opts.Events.SendEvent(sessionID, t, payload)
	}
}

// Cancel requests cancellation of the running job of family.
func (s *Service) Cancel(family jobs.Family) error {
	state, err := s.opts.Jobs.Get(family)
	if err != nil {
		return err
	}
	if err := state.Cancel(); err != nil {
		return err
	}
	s.logger.Info().Str("family", string(family)).Msg("job cancellation requested")
	return nil
}

// Reset returns family to idle.
func (s *Service) Reset(family jobs.Family) error {
	state, err := s.opts.Jobs.Get(family)
	if err != nil {
		return err
	}
	state.Reset()
	return nil
}

// Status returns the snapshot of family.
func (s *Service) Status(family jobs.Family) (jobs.Snapshot, error) {
	state, err := s.opts.Jobs.Get(family)
	if err != nil {
		return jobs.Snapshot{}, err
	}
	return state.Snapshot(), nil
}

// LastExport returns the result of the last completed export.
func (s *Service) LastExport() (*ExportResult, bool) {
	s.exportMu.RLock()
	defer s.exportMu.RUnlock()
	return s.lastExport, s.lastExport != nil
}

// Shutdown stops running jobs at their next chunk boundary and waits for them.
func (s *Service) Shutdown(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for jobs: %w", ctx.Err())
	}
}
