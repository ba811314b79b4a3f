// Package syncer wires the directory sync service together.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/agentregistry-dev/dirsync/internal/mcp/syncserver"
	"github.com/agentregistry-dev/dirsync/internal/syncer/api"
	v0 "github.com/agentregistry-dev/dirsync/internal/syncer/api/handlers/v0"
	"github.com/agentregistry-dev/dirsync/internal/syncer/api/router"
	"github.com/agentregistry-dev/dirsync/internal/syncer/batch"
	"github.com/agentregistry-dev/dirsync/internal/syncer/broadcast"
	"github.com/agentregistry-dev/dirsync/internal/syncer/circuitbreaker"
	"github.com/agentregistry-dev/dirsync/internal/syncer/config"
	"github.com/agentregistry-dev/dirsync/internal/syncer/credentials"
	"github.com/agentregistry-dev/dirsync/internal/syncer/directory"
	"github.com/agentregistry-dev/dirsync/internal/syncer/jobs"
	"github.com/agentregistry-dev/dirsync/internal/syncer/logging"
	"github.com/agentregistry-dev/dirsync/internal/syncer/operations"
	"github.com/agentregistry-dev/dirsync/internal/syncer/telemetry"
	"github.com/agentregistry-dev/dirsync/internal/version"
)

const (
	authBreaker      = "auth"
	directoryBreaker = "directory"

	startupInitTimeout = 30 * time.Second
	shutdownTimeout    = 10 * time.Second
)

// Components are the long-lived services built from a Config.
type Components struct {
	Credentials *credentials.Manager
	Breakers    *circuitbreaker.Registry
	Directory   *directory.Client
	Events      *broadcast.Broadcaster
	Service     *operations.Service
	Server      *api.Server
}

// Build assembles every component without starting anything.
func Build(cfg *config.Config, metrics *telemetry.Metrics) *Components {
	breakers := circuitbreaker.NewRegistry(logging.Component("circuitbreaker"), metrics.BreakerListener())
	breakerCfg := circuitbreaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTimeout:     cfg.Breaker.ResetTimeout,
		CallTimeout:      cfg.Breaker.CallTimeout,
	}
	auth := breakers.GetOrCreate(authBreaker, breakerCfg)
	dirCfg := breakerCfg
	dirCfg.IsFailure = directory.CountsAsFailure
	dir := breakers.GetOrCreate(directoryBreaker, dirCfg)

	creds := credentials.NewManager(credentials.Options{
		Sources: []credentials.Source{
			credentials.EnvSource{
				ClientID:      cfg.ClientID,
				ClientSecret:  cfg.ClientSecret,
				EnvironmentID: cfg.EnvironmentID,
				Region:        cfg.Region,
				PopulationID:  cfg.PopulationID,
			},
			credentials.SettingsFileSource{Path: cfg.SettingsFile},
		},
		Breaker: auth,
		Buffer:  cfg.TokenBuffer,
		Endpoints: credentials.Endpoints{
			AuthBaseURL: cfg.AuthBaseURL,
			APIBaseURL:  cfg.APIBaseURL,
		},
		Logger:    log.Logger,
		OnRefresh: metrics.RecordTokenRefresh,
	})

	var limiter *rate.Limiter
	if cfg.Batch.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.Batch.RateLimit), max(1, int(cfg.Batch.RateLimit)))
	}
	client := directory.NewClient(creds, directory.Options{
		Breaker: dir,
		Limiter: limiter,
		Logger:  logging.Component("directory"),
	})

	sse := broadcast.NewSSEHub(logging.Component("sse"))
	socket := broadcast.NewSocketHub(logging.Component("websocket"))
	events := broadcast.New(logging.Component("broadcast"), sse, socket)
	events.SetObserver(metrics.EventObserver())

	svc := operations.NewService(operations.Options{
		Jobs:        jobs.NewRegistry(),
		Directory:   client,
		Credentials: creds,
		Events:      events,
		Breakers:    breakers,
		BreakerName: directoryBreaker,
		Metrics:     metrics,
		Batch: batch.Options{
			ChunkSize:   cfg.Batch.ChunkSize,
			Concurrency: cfg.Batch.Concurrency,
			ChunkDelay:  cfg.Batch.ChunkDelay,
			Retry: batch.RetryPolicy{
				MaxRetries:   cfg.Batch.MaxRetries,
				InitialDelay: cfg.Batch.InitialDelay,
				Factor:       cfg.Batch.Factor,
				MaxDelay:     cfg.Batch.MaxDelay,
			},
		},
		Logger: logging.Component("operations"),
	})

	server := api.NewServer(cfg.ServerAddress, metrics, router.Dependencies{
		Jobs:       svc,
		Tokens:     creds,
		Health:     svc,
		EventStats: events,
		SSE:        sse,
		Socket:     socket,
		VersionInfo: &v0.VersionBody{
			Version:   version.Version,
			GitCommit: version.GitCommit,
			BuildTime: version.BuildDate,
		},
	}, logging.Component("server"))

	return &Components{
		Credentials: creds,
		Breakers:    breakers,
		Directory:   client,
		Events:      events,
		Service:     svc,
		Server:      server,
	}
}

// App runs the service until SIGINT or SIGTERM.
func App(ctx context.Context) error {
	cfg, err := config.NewConfig()
	if err != nil {
		return err
	}
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if err := logging.Setup(cfg.LogLevel, cfg.LogConfig); err != nil {
		return err
	}

	log.Info().Str("version", version.Version).Str("commit", version.GitCommit).Msg("starting dirsync")

	shutdownTelemetry, metrics, err := telemetry.InitMetrics(cfg.Version)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			log.Error().Err(err).Msg("failed to shutdown telemetry")
		}
	}()

	c := Build(cfg, metrics)
	defer c.Credentials.Clear()

	// A failed first initialization leaves the API up; /token/refresh retries it.
	go func() {
		ictx, cancel := context.WithTimeout(ctx, startupInitTimeout)
		defer cancel()
		if res := c.Credentials.Initialize(ictx); !res.Success {
			log.Warn().Str("error", res.Error).Msg("credentials not initialized at startup")
		}
	}()

	errCh := make(chan error, 2)
	go func() {
		if err := c.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var mcpHTTPServer *http.Server
	if cfg.MCPPort > 0 {
		mcpServer := syncserver.NewServer(c.Service)
		addr := ":" + strconv.Itoa(cfg.MCPPort)
		mcpHTTPServer = &http.Server{
			Addr: addr,
			Handler: mcp.NewStreamableHTTPHandler(func(_ *http.Request) *mcp.Server {
				return mcpServer
			}, &mcp.StreamableHTTPOptions{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Info().Str("addr", addr).Msg("MCP HTTP server starting")
			if err := mcpHTTPServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("mcp: %w", err)
			}
		}()
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start server: %w", err)
	case <-sigCtx.Done():
	}
	log.Info().Msg("shutting down server")

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := c.Server.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	if mcpHTTPServer != nil {
		if err := mcpHTTPServer.Shutdown(sctx); err != nil {
			log.Error().Err(err).Msg("MCP server forced to shutdown")
		}
	}
	if err := c.Service.Shutdown(sctx); err != nil {
		log.Error().Err(err).Msg("jobs did not stop before the shutdown deadline")
	}

	log.Info().Msg("server exiting")
	return nil
}
