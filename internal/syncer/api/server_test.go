package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentregistry-dev/dirsync/internal/syncer/api"
	v0 "github.com/agentregistry-dev/dirsync/internal/syncer/api/handlers/v0"
	"github.com/agentregistry-dev/dirsync/internal/syncer/api/router"
	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/operations"
	"github.com/agentregistry-dev/dirsync/internal/syncer/telemetry"
)

type stubCreds struct{}

func (stubCreds) GetValidToken(context.Context) (string, error) { return "tok", nil }
func (stubCreds) Initialized() bool                             { return true }
func (stubCreds) PopulationID() string                          { return "pop" }

func newTestServer(t *testing.T) *api.Server {
	t.Helper()
	shutdown, metrics, err := telemetry.InitMetrics("test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = shutdown(context.Background()) })

	logger := zerolog.Nop()
	sse := broadcast.NewSSEHub(logger)
	socket := broadcast.NewSocketHub(logger)
	events := broadcast.New(logger, sse, socket)
	svc := operations.NewService(operations.Options{
		Jobs:        jobs.NewRegistry(),
		Credentials: stubCreds{},
		Events:      events,
		Breakers:    circuitbreaker.NewRegistry(logger),
		Logger:      logger,
	})
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })

	return api.NewServer(":0", metrics, router.Dependencies{
		Jobs:        svc,
		Health:      svc,
		EventStats:  events,
		SSE:         sse,
		Socket:      socket,
		VersionInfo: &v0.VersionBody{Version: "test"},
	}, logger)
}

func TestTrailingSlashRedirect(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/v0/jobs/import/cancel/?x=1", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusPermanentRedirect, w.Code)
	assert.Equal(t, "/v0/jobs/import/cancel?x=1", w.Header().Get("Location"))
}

func TestCORSHeaderValues(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/health", nil)
	req.Header.Set("Origin", "https://example.com")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), "Retry-After")

	req = httptest.NewRequest(http.MethodOptions, "/v0/jobs/import", nil)
	req.Header.Set("Origin", "https://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	assert.Contains(t, []int{http.StatusOK, http.StatusNoContent}, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "86400", w.Header().Get("Access-Control-Max-Age"))
}

func TestServerServesJobStatus(t *testing.T) {
	srv := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v0/jobs/export", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"idle"`)
}
