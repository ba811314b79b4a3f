package operations

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/agentregistry-dev/dirsync/internal/syncer/apierr"
	"github.com/agentregistry-dev/dirsync/internal/syncer/batch"
	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/credentials"
	"github.com/agentregistry-dev/dirsync/internal/syncer/directory"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
)

func counts(st jobs.Statistics) broadcast.Counts {
	return broadcast.Counts{Succeeded: st.Succeeded, Errors: st.Errors, Skipped: st.Skipped, Warnings: st.Warnings}
}

func progressPayload(family jobs.Family, snap jobs.Snapshot) broadcast.Progress {
	return broadcast.Progress{
		Current:    snap.Progress.Current,
		Total:      snap.Progress.Total,
		Percentage: snap.Progress.Percentage,
		Counts:     counts(snap.Statistics),
		Message: fmt.Sprintf("%s: chunk %d of %d processed",
			family, snap.Progress.Chunks.Processed, snap.Progress.Chunks.Total),
	}
}

func completionPayload(snap jobs.Snapshot) broadcast.Completion {
	st := snap.Statistics
	summary := fmt.Sprintf("%s %s: %d processed, %d succeeded, %d failed, %d skipped",
		snap.Family, snap.Status, st.Processed, st.Succeeded, st.Errors, st.Skipped)
	return broadcast.Completion{
		Operation: string(snap.Family),
		Status:    string(snap.Status),
		Success:   snap.Status == jobs.StatusCompleted,
		Total:     snap.Progress.Total,
		Processed: st.Processed,
		Counts:    counts(st),
		Duration:  snap.Timing.Duration,
		Summary:   summary,
	}
}

// chunkFailurePayload summarizes the failed records of a chunk as a recoverable warning.
func chunkFailurePayload(report batch.ChunkReport) broadcast.ErrorPayload {
	p := errorPayload(report.Failures[0].Err)
	p.Severity = broadcast.SeverityWarning
	p.Recoverable = true
	p.Message = fmt.Sprintf("%d record(s) failed in this chunk. First failure: %s", len(report.Failures), p.Message)
	return p
}

// errorPayload turns err into a user-facing event without response bodies or stack traces.
func errorPayload(err error) broadcast.ErrorPayload {
	var openErr *circuitbreaker.OpenError
	switch {
	case errors.As(err, &openErr):
		return broadcast.ErrorPayload{
			Title:       "Service temporarily unavailable",
			Message:     fmt.Sprintf("The directory service is not responding. Retry after %s.", openErr.RetryAfter.Round(time.Second)),
			Severity:    broadcast.SeverityCritical,
			Recoverable: true,
			Suggestions: []string{"Wait for the service to recover and restart the job", "Check /v0/health for the circuit state"},
		}
	case errors.Is(err, credentials.ErrNotInitialized):
		return broadcast.ErrorPayload{
			Title:       "Credentials not configured",
			Message:     "No usable API credentials were found.",
			Severity:    broadcast.SeverityCritical,
			Suggestions: []string{"Set client id, client secret and environment id", "Re-run credential initialization via POST /v0/token/refresh"},
		}
	case errors.Is(err, directory.ErrPaginationLoop), errors.Is(err, directory.ErrInvalidNextLink):
		return broadcast.ErrorPayload{
			Title:       "Export aborted",
			Message:     "The directory returned an unusable pagination link.",
			Severity:    broadcast.SeverityError,
			Suggestions: []string{"Retry the export", "Contact the directory administrator if it keeps happening"},
		}
	}

	code := apierr.StatusCode(err)
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return broadcast.ErrorPayload{
			Title:       "Authorization failed",
			Message:     fmt.Sprintf("The directory rejected the request (HTTP %d).", code),
			Severity:    broadcast.SeverityError,
			Suggestions: []string{"Verify the worker application's roles", "Check the environment id"},
		}
	case code == http.StatusTooManyRequests:
		return broadcast.ErrorPayload{
			Title:       "Rate limited",
			Message:     "The directory is throttling requests.",
			Severity:    broadcast.SeverityWarning,
			Recoverable: true,
			Suggestions: []string{"Lower the concurrency", "Lower the rate limit"},
		}
	case code >= 500:
		return broadcast.ErrorPayload{
			Title:       "Directory error",
			Message:     fmt.Sprintf("The directory failed to process the request (HTTP %d).", code),
			Severity:    broadcast.SeverityError,
			Recoverable: true,
			Suggestions: []string{"Retry later"},
		}
	case code >= 400:
		return broadcast.ErrorPayload{
			Title:       "Request rejected",
			Message:     fmt.Sprintf("The directory rejected the record (HTTP %d).", code),
			Severity:    broadcast.SeverityError,
			Recoverable: true,
			Suggestions: []string{"Check the record's fields"},
		}
	case errors.Is(err, batch.ErrSetup):
		return broadcast.ErrorPayload{
			Title:       "Job could not start",
			Message:     "The directory could not be reached before processing began.",
			Severity:    broadcast.SeverityCritical,
			Suggestions: []string{"Check network connectivity and credentials"},
		}
	}
	return broadcast.ErrorPayload{
		Title:       "Operation failed",
		Message:     "An unexpected error occurred while contacting the directory.",
		Severity:    broadcast.SeverityError,
		Recoverable: true,
	}
}
