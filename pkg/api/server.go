// Package api exposes ghostflow over HTTP: task submission and
// management, stream status/recovery/cancel, the SSE event feed, a
// WebSocket mirror for dashboards, and health/metrics endpoints.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ghostflow-ai/ghostflow/pkg/database"
	"github.com/ghostflow-ai/ghostflow/pkg/metrics"
	"github.com/ghostflow-ai/ghostflow/pkg/queue"
	"github.com/ghostflow-ai/ghostflow/pkg/store"
	"github.com/ghostflow-ai/ghostflow/pkg/stream"
)

// Config holds the HTTP server settings.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string
	// Auth enables bearer-token authentication on /api/v1 routes.
	Auth AuthConfig
	// AllowedWSOrigins are extra origin patterns accepted for WebSocket
	// upgrades. Empty means same-origin only.
	AllowedWSOrigins []string
}

// Deps are the collaborators the server drives. DB may be nil when the
// deployment runs on in-memory stores.
type Deps struct {
	Core      *stream.Core
	Queue     *queue.Queue
	Tasks     store.TaskStore
	Messages  store.MessageStore
	Resources store.ResourceStore
	DB        *database.Client
}

// Server is the HTTP layer. It owns no domain state; every handler
// delegates to the streaming core, the queue, or a store.
type Server struct {
	cfg    Config
	logger *slog.Logger

	core      *stream.Core
	queue     *queue.Queue
	tasks     store.TaskStore
	messages  store.MessageStore
	resources store.ResourceStore
	db        *database.Client
	hub       *Hub
}

// NewServer wires the HTTP layer. The returned server's Hub is
// registered as the queue's broadcaster so task lifecycle changes reach
// WebSocket subscribers.
func NewServer(cfg Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       cfg,
		logger:    logger.With("component", "api"),
		core:      deps.Core,
		queue:     deps.Queue,
		tasks:     deps.Tasks,
		messages:  deps.Messages,
		resources: deps.Resources,
		db:        deps.DB,
	}
	s.hub = NewHub(deps.Core, logger)
	if deps.Queue != nil {
		deps.Queue.SetBroadcaster(s.hub)
	}
	return s
}

// Hub returns the WebSocket hub for broadcasts from outside the HTTP
// layer.
func (s *Server) Hub() *Hub { return s.hub }

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger(), securityHeaders())

	r.GET("/healthz", s.healthHandler)
	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(s.authMiddleware())
	{
		v1.POST("/tasks", s.createTaskHandler)
		v1.GET("/tasks", s.listTasksHandler)
		v1.GET("/tasks/:id", s.getTaskHandler)
		v1.GET("/tasks/:id/messages", s.taskMessagesHandler)
		v1.POST("/tasks/:id/cancel", s.cancelTaskHandler)
		v1.DELETE("/tasks/:id", s.deleteTaskHandler)

		v1.GET("/streams/:id", s.streamStatusHandler)
		v1.GET("/streams/:id/recovery", s.streamRecoveryHandler)
		v1.GET("/streams/:id/events", s.streamEventsHandler)
		v1.POST("/streams/:id/cancel", s.cancelStreamHandler)

		v1.POST("/resources", s.createResourceHandler)
		v1.GET("/resources/:kind", s.listResourcesHandler)
		v1.GET("/resources/:kind/:name", s.getResourceHandler)
		v1.DELETE("/resources/:kind/:name", s.deleteResourceHandler)

		v1.GET("/ws", s.wsHandler)
	}
	return r
}

// HTTPServer returns a configured http.Server for the router.
func (s *Server) HTTPServer() *http.Server {
	return &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// requestLogger logs one line per request with method, path, status, and
// latency. The SSE and WebSocket endpoints are logged on connect, not on
// completion, since they are long-lived.
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
}

// securityHeaders sets standard security response headers.
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Frame-Options", "DENY")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
