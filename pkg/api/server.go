// Package api is the HTTP surface of the progress fabric: the event-stream
// and push-socket subscription endpoints, the snapshot fallback, job
// submission and cancellation, and the admin connection stats.
package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/forgecad/pulse/ent"
	"github.com/forgecad/pulse/pkg/database"
	"github.com/forgecad/pulse/pkg/lifecycle"
	"github.com/forgecad/pulse/pkg/progress"
	"github.com/forgecad/pulse/pkg/services"
	"github.com/forgecad/pulse/pkg/stream"
	"github.com/forgecad/pulse/pkg/worker"
)

// Config carries the HTTP server tunables.
type Config struct {
	// SSEKeepalive is the interval between keepalive frames on event streams.
	SSEKeepalive time.Duration
	// WSWriteTimeout bounds each push-socket write.
	WSWriteTimeout time.Duration
	// SubscribePerSecond and SubscribeBurst bound resubscription attempts per
	// subject and job; excess attempts get 429.
	SubscribePerSecond float64
	SubscribeBurst     int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		SSEKeepalive:       30 * time.Second,
		WSWriteTimeout:     10 * time.Second,
		SubscribePerSecond: 1,
		SubscribeBurst:     5,
	}
}

// JobAuthorizer is the job read path: lookup plus the owner-or-admin rule.
// *services.JobService satisfies it.
type JobAuthorizer interface {
	AuthorizeForJob(ctx context.Context, subject services.Subject, jobID int64) (*ent.Job, error)
}

// JobLifecycle is the transition surface the API drives.
// *lifecycle.Manager satisfies it.
type JobLifecycle interface {
	Create(ctx context.Context, spec lifecycle.CreateSpec) (*ent.Job, error)
	Enqueue(ctx context.Context, jobID int64, queueName, routingKey, actorID string) error
	Cancel(ctx context.Context, jobID int64, reason, cancelledBy string) error
}

// ProgressSource is the broker surface the API consumes: live subscriptions,
// cursor replay, and the recent-events window for the snapshot endpoint.
// *broker.Broker satisfies it.
type ProgressSource interface {
	stream.EventSource
	Recent(ctx context.Context, jobID int64, count int) ([]*progress.Message, error)
}

// Server is the HTTP server.
type Server struct {
	cfg        Config
	echo       *echo.Echo
	httpServer *http.Server

	dbClient  *database.Client
	jobs      JobAuthorizer
	lifecycle JobLifecycle
	source    ProgressSource
	verifier  CredentialVerifier

	sessions *stream.SessionManager
	sse      *stream.SSEStreamer
	ws       *stream.WebSocketStreamer
	limiter  *subscribeLimiter

	workerPool *worker.Pool
}

// NewServer creates the API server and registers all routes.
func NewServer(cfg Config, dbClient *database.Client, jobs JobAuthorizer, lc JobLifecycle, source ProgressSource, verifier CredentialVerifier) *Server {
	sessions := stream.NewSessionManager()
	s := &Server{
		cfg:       cfg,
		dbClient:  dbClient,
		jobs:      jobs,
		lifecycle: lc,
		source:    source,
		verifier:  verifier,
		sessions:  sessions,
		sse:       stream.NewSSEStreamer(source, sessions, cfg.SSEKeepalive),
		ws:        stream.NewWebSocketStreamer(source, sessions, cfg.WSWriteTimeout),
		limiter:   newSubscribeLimiter(cfg.SubscribePerSecond, cfg.SubscribeBurst),
	}

	e := echo.New()
	e.Use(securityHeaders())

	e.GET("/health", s.healthHandler)

	v1 := e.Group("/api/v1")
	v1.POST("/jobs", s.createJobHandler)
	v1.POST("/jobs/:id/cancel", s.cancelJobHandler)
	v1.GET("/jobs/:id/progress", s.getProgressHandler)
	v1.GET("/jobs/:id/progress/stream", s.streamProgressHandler)

	e.GET("/ws/jobs/:id/progress", s.wsProgressHandler)
	e.GET("/ws/connections/stats", s.connectionStatsHandler)

	s.echo = e
	return s
}

// SetWorkerPool attaches the worker pool for health reporting and same-pod
// cancellation.
func (s *Server) SetWorkerPool(pool *worker.Pool) {
	s.workerPool = pool
}

// Sessions exposes the session registry (used by the stats endpoint and tests).
func (s *Server) Sessions() *stream.SessionManager {
	return s.sessions
}

// Start begins serving on addr. Blocks until the server stops.
// WriteTimeout stays unset: event streams hold the response open indefinitely.
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}
