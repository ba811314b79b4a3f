package v0

import (
	"bytes"
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/operations"
	"github.com/agentregistry-dev/dirsync/internal/syncer/records"
)

// JobService is the job command surface.
type JobService interface {
	Start(family jobs.Family, params operations.StartParams) (string, error)
	Cancel(family jobs.Family) error
	Reset(family jobs.Family) error
	Status(family jobs.Family) (jobs.Snapshot, error)
	LastExport() (*operations.ExportResult, bool)
}

// FamilyInput selects a job family.
type FamilyInput struct {
	Family string `path:"family" enum:"import,delete,export" doc:"Job family"`
}

// StartJobRequest is the body of a start request.
type StartJobRequest struct {
	Records      []records.Record `json:"records,omitempty" doc:"Records to import or delete. Required for import and delete."`
	ChunkSize    int              `json:"chunkSize,omitempty" doc:"Records per chunk" minimum:"0" maximum:"1000"`
	Concurrency  int              `json:"concurrency,omitempty" doc:"Concurrent requests within a chunk" minimum:"0" maximum:"50"`
	SessionID    string           `json:"sessionId,omitempty" doc:"Session to stream progress to; generated when empty"`
	PopulationID string           `json:"populationId,omitempty" doc:"Target population; defaults to the configured one"`
}

// StartJobInput is the input for starting a job.
type StartJobInput struct {
	Family string `path:"family" enum:"import,delete,export" doc:"Job family"`
	Body   StartJobRequest
}

// UploadJobInput starts a job from a CSV document.
type UploadJobInput struct {
	Family       string `path:"family" enum:"import,delete" doc:"Job family"`
	ChunkSize    int    `query:"chunkSize" minimum:"0" maximum:"1000"`
	Concurrency  int    `query:"concurrency" minimum:"0" maximum:"50"`
	SessionID    string `query:"sessionId"`
	PopulationID string `query:"populationId"`
	RawBody      []byte `contentType:"text/csv"`
}

// StartJobResponse is returned when a job is accepted.
type StartJobResponse struct {
	SessionID string      `json:"sessionId" doc:"Session correlating progress events to this job"`
	Family    jobs.Family `json:"family"`
	Rejected  int         `json:"rejectedRows,omitempty" doc:"CSV rows dropped for lacking an identifier"`
}

// ExportResultOutput is the CSV rendering of the last export.
type ExportResultOutput struct {
	ContentType        string `header:"Content-Type"`
	ContentDisposition string `header:"Content-Disposition"`
	Body               []byte
}

// RegisterJobEndpoints registers start, upload, cancel, reset, status and export result.
func RegisterJobEndpoints(api huma.API, pathPrefix string, svc JobService) {
	suffix := strings.ReplaceAll(pathPrefix, "/", "-")
	tags := []string{"jobs"}

	huma.Register(api, huma.Operation{
		OperationID:   "start-job" + suffix,
		Method:        http.MethodPost,
		Path:          pathPrefix + "/jobs/{family}",
		Summary:       "Start a bulk job",
		Description:   "Starts an import, delete or export job in the background. Returns 409 with the running session when the family is busy.",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, func(_ context.Context, input *StartJobInput) (*Response[StartJobResponse], error) {
		family := jobs.Family(input.Family)
		sessionID, err := svc.Start(family, operations.StartParams{
			Records:      input.Body.Records,
			ChunkSize:    input.Body.ChunkSize,
			Concurrency:  input.Body.Concurrency,
			SessionID:    input.Body.SessionID,
			PopulationID: input.Body.PopulationID,
		})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[StartJobResponse]{Body: StartJobResponse{SessionID: sessionID, Family: family}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-job" + suffix,
		Method:        http.MethodPost,
		Path:          pathPrefix + "/jobs/{family}/upload",
		Summary:       "Start a bulk job from CSV",
		Tags:          tags,
		DefaultStatus: http.StatusAccepted,
	}, func(_ context.Context, input *UploadJobInput) (*Response[StartJobResponse], error) {
		recs, rowErrs, err := records.Decode(bytes.NewReader(input.RawBody))
		if err != nil {
			return nil, toHumaError(err)
		}
		if recs == nil {
			recs = []records.Record{}
		}
		family := jobs.Family(input.Family)
		sessionID, err := svc.Start(family, operations.StartParams{
			Records:      recs,
			ChunkSize:    input.ChunkSize,
			Concurrency:  input.Concurrency,
			SessionID:    input.SessionID,
			PopulationID: input.PopulationID,
		})
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[StartJobResponse]{Body: StartJobResponse{SessionID: sessionID, Family: family, Rejected: len(rowErrs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job" + suffix,
		Method:      http.MethodPost,
		Path:        pathPrefix + "/jobs/{family}/cancel",
		Summary:     "Cancel the running job",
		Description: "Cancellation takes effect at the next chunk boundary.",
		Tags:        tags,
	}, func(_ context.Context, input *FamilyInput) (*Response[EmptyResponse], error) {
		if err := svc.Cancel(jobs.Family(input.Family)); err != nil {
			return nil, toHumaError(err)
		}
		return &Response[EmptyResponse]{Body: EmptyResponse{Message: "cancellation requested"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-job" + suffix,
		Method:      http.MethodPost,
		Path:        pathPrefix + "/jobs/{family}/reset",
		Summary:     "Reset job state",
		Tags:        tags,
	}, func(_ context.Context, input *FamilyInput) (*Response[EmptyResponse], error) {
		if err := svc.Reset(jobs.Family(input.Family)); err != nil {
			return nil, toHumaError(err)
		}
		return &Response[EmptyResponse]{Body: EmptyResponse{Message: "job state reset"}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job-status" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/jobs/{family}",
		Summary:     "Get job status",
		Tags:        tags,
	}, func(_ context.Context, input *FamilyInput) (*Response[jobs.Snapshot], error) {
		snap, err := svc.Status(jobs.Family(input.Family))
		if err != nil {
			return nil, toHumaError(err)
		}
		return &Response[jobs.Snapshot]{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-export-result" + suffix,
		Method:      http.MethodGet,
		Path:        pathPrefix + "/export/result",
		Summary:     "Download the last export as CSV",
		Tags:        tags,
	}, func(_ context.Context, _ *struct{}) (*ExportResultOutput, error) {
		result, ok := svc.LastExport()
		if !ok {
			return nil, huma.Error404NotFound("no completed export")
		}
		var buf bytes.Buffer
		if err := records.Encode(&buf, result.Users); err != nil {
			return nil, huma.Error500InternalServerError("failed to render export")
		}
		return &ExportResultOutput{
			ContentType:        "text/csv",
			ContentDisposition: `attachment; filename="export-` + result.SessionID + `.csv"`,
			Body:               buf.Bytes(),
		}, nil
	})
}
