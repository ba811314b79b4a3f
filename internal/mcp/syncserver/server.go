// Package syncserver exposes the bulk job commands as MCP tools.
package syncserver

import (
	"context"
	"errors"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	v0 "github.com/agentregistry-dev/dirsync/internal/syncer/api/handlers/v0"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/operations"
	"github.com/agentregistry-dev/dirsync/internal/syncer/records"
	"github.com/agentregistry-dev/dirsync/internal/version"
)

// Service is the job and health surface the tools drive.
type Service interface {
	v0.JobService
	Health() operations.Health
}

// NewServer constructs an MCP server backed by the job service. Tools mirror
// the REST routes so agents can start, watch and stop jobs.
func NewServer(svc Service) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "dirsync-mcp",
		Version: version.Version,
	}, &mcp.ServerOptions{
		HasTools: true,
	})

	addJobTools(server, svc)
	addMetaTools(server, svc)

	return server
}

type familyArgs struct {
	Family string `json:"family" jsonschema:"job family: import, delete or export"`
}

type startJobArgs struct {
	Family       string           `json:"family" jsonschema:"job family: import, delete or export"`
	Records      []records.Record `json:"records,omitempty" jsonschema:"records to import or delete"`
	ChunkSize    int              `json:"chunkSize,omitempty"`
	Concurrency  int              `json:"concurrency,omitempty"`
	SessionID    string           `json:"sessionId,omitempty" jsonschema:"session that receives progress events"`
	PopulationID string           `json:"populationId,omitempty"`
}

// JobList is the output of list_jobs.
type JobList struct {
	Jobs []jobs.Snapshot `json:"jobs"`
}

func addJobTools(server *mcp.Server, svc Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_jobs",
		Description: "Status of every job family",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, JobList, error) {
		out := JobList{Jobs: make([]jobs.Snapshot, 0, len(jobs.Families))}
		for _, f := range jobs.Families {
			snap, err := svc.Status(f)
			if err != nil {
				return nil, JobList{}, err
			}
			out.Jobs = append(out.Jobs, snap)
		}
		return nil, out, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_job_status",
		Description: "Progress, counters and timing of one job family",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args familyArgs) (*mcp.CallToolResult, jobs.Snapshot, error) {
		family, err := jobs.ParseFamily(args.Family)
		if err != nil {
			return nil, jobs.Snapshot{}, err
		}
		snap, err := svc.Status(family)
		if err != nil {
			return nil, jobs.Snapshot{}, err
		}
		return nil, snap, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "start_job",
		Description: "Start an import or delete over the given records, or an export of a population",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args startJobArgs) (*mcp.CallToolResult, v0.StartJobResponse, error) {
		family, err := jobs.ParseFamily(args.Family)
		if err != nil {
			return nil, v0.StartJobResponse{}, err
		}
		sessionID, err := svc.Start(family, operations.StartParams{
			Records:      args.Records,
			ChunkSize:    args.ChunkSize,
			Concurrency:  args.Concurrency,
			SessionID:    args.SessionID,
			PopulationID: args.PopulationID,
		})
		if err != nil {
			return nil, v0.StartJobResponse{}, err
		}
		return nil, v0.StartJobResponse{SessionID: sessionID, Family: family}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "cancel_job",
		Description: "Request cancellation of the running job; it stops at the next chunk boundary",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args familyArgs) (*mcp.CallToolResult, map[string]string, error) {
		family, err := jobs.ParseFamily(args.Family)
		if err != nil {
			return nil, nil, err
		}
		if err := svc.Cancel(family); err != nil {
			return nil, nil, err
		}
		return nil, map[string]string{"status": "cancelling"}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "reset_job",
		Description: "Clear the state of a job family",
	}, func(_ context.Context, _ *mcp.CallToolRequest, args familyArgs) (*mcp.CallToolResult, map[string]string, error) {
		family, err := jobs.ParseFamily(args.Family)
		if err != nil {
			return nil, nil, err
		}
		if err := svc.Reset(family); err != nil {
			return nil, nil, err
		}
		return nil, map[string]string{"status": "reset"}, nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_export_result",
		Description: "Users collected by the last completed export",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, operations.ExportResult, error) {
		result, ok := svc.LastExport()
		if !ok {
			return nil, operations.ExportResult{}, errors.New("no completed export")
		}
		return nil, *result, nil
	})
}

func addMetaTools(server *mcp.Server, svc Service) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "dirsync_health",
		Description: "Circuit, credential and job availability",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, operations.Health, error) {
		return nil, svc.Health(), nil
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "dirsync_version",
		Description: "Return build metadata",
	}, func(_ context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, map[string]string, error) {
		return nil, map[string]string{
			"version":    version.Version,
			"git_commit": version.GitCommit,
			"build_time": version.BuildDate,
		}, nil
	})
}
