package v0

import (
	"context"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
)

// SessionStreamer serves a long-lived event connection for a session.
type SessionStreamer interface {
	ServeSession(w http.ResponseWriter, r *http.Request, sessionID string)
}

// EventStats reports broadcaster statistics.
type EventStats interface {
	Stats() broadcast.Stats
}

// RegisterEventsHandlers registers the streaming endpoints on the raw mux
// since they hold the connection open outside huma's request cycle.
func RegisterEventsHandlers(mux *http.ServeMux, pathPrefix string, sse, socket SessionStreamer) {
	mux.HandleFunc("GET "+pathPrefix+"/events/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		sse.ServeSession(w, r, r.PathValue("sessionId"))
	})
	mux.HandleFunc("GET "+pathPrefix+"/ws/{sessionId}", func(w http.ResponseWriter, r *http.Request) {
		socket.ServeSession(w, r, r.PathValue("sessionId"))
	})
}

// RegisterEventsStatsEndpoint registers the broadcaster statistics endpoint.
func RegisterEventsStatsEndpoint(api huma.API, pathPrefix string, stats EventStats) {
	huma.Register(api, huma.Operation{
		OperationID: "get-events-stats" + strings.ReplaceAll(pathPrefix, "/", "-"),
		Method:      http.MethodGet,
		Path:        pathPrefix + "/events/stats",
		Summary:     "Event delivery statistics",
		Tags:        []string{"events"},
	}, func(_ context.Context, _ *struct{}) (*Response[broadcast.Stats], error) {
		return &Response[broadcast.Stats]{Body: stats.Stats()}, nil
	})
}
