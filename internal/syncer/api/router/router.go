// Package router wires the job, token, event and health endpoints onto one mux.
package router

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humago"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/agentregistry-dev/dirsync/internal/syncer/telemetry"
)

type middlewareConfig struct {
	skipPaths map[string]bool
}

// MiddlewareOption tunes MetricTelemetryMiddleware.
type MiddlewareOption func(*middlewareConfig)

// getRoutePath prefers the route pattern so path parameters do not explode label cardinality.
func getRoutePath(ctx huma.Context) string {
	if op := ctx.Operation(); op != nil && op.Path != "" {
		return op.Path
	}
	return ctx.URL().Path
}

// MetricTelemetryMiddleware records request count, errors and latency per route.
func MetricTelemetryMiddleware(metrics *telemetry.Metrics, options ...MiddlewareOption) func(huma.Context, func(huma.Context)) {
	config := &middlewareConfig{
		skipPaths: make(map[string]bool),
	}
	for _, opt := range options {
		opt(config)
	}

	return func(ctx huma.Context, next func(huma.Context)) {
		path := ctx.URL().Path

		// /v0/health skips as /health
		pathParts := strings.Split(path, "/")
		pathToMatch := "/" + pathParts[len(pathParts)-1]
		if config.skipPaths[pathToMatch] || config.skipPaths[path] {
			next(ctx)
			return
		}

		start := time.Now()
		method := ctx.Method()
		routePath := getRoutePath(ctx)

		next(ctx)

		duration := time.Since(start).Seconds()
		statusCode := ctx.Status()

		attrs := metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("path", routePath),
			attribute.Int("status_code", statusCode),
		)
		metrics.Requests.Add(ctx.Context(), 1, attrs)
		if statusCode >= 400 {
			metrics.ErrorCount.Add(ctx.Context(), 1, attrs)
		}
		metrics.RequestDuration.Record(ctx.Context(), duration, attrs)
	}
}

// WithSkipPaths leaves health, metrics and docs traffic out of the request metrics.
func WithSkipPaths(paths ...string) MiddlewareOption {
	return func(c *middlewareConfig) {
		for _, path := range paths {
			c.skipPaths[path] = true
		}
	}
}

// handle404 answers unknown paths with problem+json, suggesting the /v0 form.
func handle404(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusNotFound)

	detail := "Endpoint not found. See /docs for the API documentation."
	if !strings.HasPrefix(r.URL.Path, APIPrefix+"/") {
		detail = fmt.Sprintf("Endpoint not found. Did you mean '%s'? See /docs for the API documentation.", APIPrefix+r.URL.Path)
	}

	jsonData, err := json.Marshal(map[string]any{
		"title":  "Not Found",
		"status": http.StatusNotFound,
		"detail": detail,
	})
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(jsonData)
}

// NewHumaAPI builds the dirsync API on mux. / redirects to /docs.
func NewHumaAPI(mux *http.ServeMux, metrics *telemetry.Metrics, deps Dependencies) huma.API {
	humaConfig := huma.DefaultConfig("Directory Sync", "1.0.0")
	humaConfig.Info.Description = "Bulk import, delete and export of directory users with live progress over SSE or WebSocket."
	// no $schema links in job snapshots
	humaConfig.CreateHooks = []func(huma.Config) huma.Config{}

	api := humago.New(mux, humaConfig)

	api.OpenAPI().Tags = []*huma.Tag{
		{Name: "jobs", Description: "Start, cancel, reset and inspect bulk jobs"},
		{Name: "token", Description: "Credential and access token status"},
		{Name: "events", Description: "Live progress event delivery"},
		{Name: "health", Description: "Circuit, credential and job availability"},
		{Name: "ping", Description: "Simple ping endpoint for testing connectivity"},
		{Name: "version", Description: "Build and version details"},
	}

	api.UseMiddleware(MetricTelemetryMiddleware(metrics,
		WithSkipPaths("/health", "/metrics", "/ping", "/docs"),
	))

	RegisterRoutes(api, mux, deps)

	mux.Handle("/metrics", metrics.PrometheusHandler())

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, "/docs", http.StatusTemporaryRedirect)
			return
		}
		handle404(w, r)
	})
	return api
}
