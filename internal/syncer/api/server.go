// Package api assembles the HTTP server.
package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/rs/cors"
	"github.com/rs/zerolog"

	"github.com/agentregistry-dev/dirsync/internal/syncer/api/router"
	"github.com/agentregistry-dev/dirsync/internal/syncer/telemetry"
)

// TrailingSlashMiddleware redirects API requests with a trailing slash to their canonical form
func TrailingSlashMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isAPIRoute := strings.HasPrefix(r.URL.Path, router.APIPrefix+"/") ||
			r.URL.Path == "/metrics" ||
			strings.HasPrefix(r.URL.Path, "/docs")

		if isAPIRoute && strings.HasSuffix(r.URL.Path, "/") {
			newURL := *r.URL
			newURL.Path = strings.TrimSuffix(r.URL.Path, "/")

			// 308 preserves the request method
			http.Redirect(w, r, newURL.String(), http.StatusPermanentRedirect)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewCORS permits any origin; the API carries no cookies.
func NewCORS() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"Content-Type", "Content-Length", "Content-Disposition", "Retry-After"},
		AllowCredentials: false, // Must be false when AllowedOrigins is "*"
		MaxAge:           86400,
	})
}

// Server represents the HTTP server
type Server struct {
	addr    string
	humaAPI huma.API
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// HumaAPI returns the Huma API instance
func (s *Server) HumaAPI() huma.API {
	return s.humaAPI
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// NewServer creates a new HTTP server
func NewServer(addr string, metrics *telemetry.Metrics, deps router.Dependencies, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	api := router.NewHumaAPI(mux, metrics, deps)

	// Order: TrailingSlash -> CORS -> Mux
	handler := TrailingSlashMiddleware(NewCORS().Handler(mux))

	return &Server{
		addr:    addr,
		humaAPI: api,
		mux:     mux,
		logger:  logger,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start begins listening for incoming HTTP requests
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.addr).Msg("HTTP server starting")
	s.logger.Info().Msgf("API documentation at http://localhost%s/docs", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
