package v0

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/operations"
	"github.com/agentregistry-dev/dirsync/internal/syncer/records"
)

// ConflictBody is returned when a job of the same family is already running.
type ConflictBody struct {
	Status    int    `json:"status" example:"409"`
	Title     string `json:"title" example:"Conflict"`
	Detail    string `json:"detail"`
	SessionID string `json:"sessionId,omitempty" doc:"Session of the job that is already running"`
}

func (e *ConflictBody) Error() string  { return e.Detail }
func (e *ConflictBody) GetStatus() int { return e.Status }

// toHumaError maps service errors to HTTP errors.
func toHumaError(err error) error {
	var conflict *jobs.ConflictError
	var open *circuitbreaker.OpenError
	switch {
	case errors.As(err, &conflict):
		return &ConflictBody{
			Status:    http.StatusConflict,
			Title:     http.StatusText(http.StatusConflict),
			Detail:    conflict.Error(),
			SessionID: conflict.SessionID,
		}
	case errors.Is(err, jobs.ErrNoRunningJob):
		return huma.Error409Conflict(err.Error())
	case errors.Is(err, jobs.ErrUnknownFamily):
		return huma.Error404NotFound(err.Error())
	case errors.Is(err, operations.ErrNoRecords),
		errors.Is(err, records.ErrNoHeader),
		errors.Is(err, records.ErrNoIdentifierColumn):
		return huma.Error400BadRequest(err.Error())
	case errors.As(err, &open):
		secs := int(open.RetryAfter.Round(time.Second) / time.Second)
		return huma.ErrorWithHeaders(
			huma.Error503ServiceUnavailable("service temporarily unavailable, retry later"),
			http.Header{"Retry-After": {strconv.Itoa(max(secs, 1))}},
		)
	}
	return huma.Error400BadRequest(err.Error())
}
