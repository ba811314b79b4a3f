package router

import (
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	v0 "github.com/agentregistry-dev/dirsync/internal/syncer/api/handlers/v0"
)

// APIPrefix is the versioned path prefix of every API route.
const APIPrefix = "/v0"

// Dependencies are the services behind the API routes.
type Dependencies struct {
	Jobs        v0.JobService
	Tokens      v0.TokenService
	Health      v0.HealthReporter
	EventStats  v0.EventStats
	SSE         v0.SessionStreamer
	Socket      v0.SessionStreamer
	VersionInfo *v0.VersionBody
}

// RegisterRoutes registers all API routes.
func RegisterRoutes(api huma.API, mux *http.ServeMux, deps Dependencies) {
	v0.RegisterHealthEndpoint(api, APIPrefix, deps.Health)
	v0.RegisterPingEndpoint(api, APIPrefix)
	v0.RegisterVersionEndpoint(api, APIPrefix, deps.VersionInfo)
	v0.RegisterJobEndpoints(api, APIPrefix, deps.Jobs)
	v0.RegisterTokenEndpoints(api, APIPrefix, deps.Tokens)
	v0.RegisterEventsStatsEndpoint(api, APIPrefix, deps.EventStats)
	v0.RegisterEventsHandlers(mux, APIPrefix, deps.SSE, deps.Socket)
}
