// Package gatewayhttp provides the Client Gateway's ancillary HTTP surface:
// the WebSocket upgrade endpoint, a health check, and a small set of
// read-only admin endpoints (registry snapshot, active session count, pool
// health) — everything that isn't the wire protocol itself (spec.md §6).
package gatewayhttp

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/quantframe/marketbus/pkg/database"
	"github.com/quantframe/marketbus/pkg/gateway"
	"github.com/quantframe/marketbus/pkg/subscription"
	"github.com/quantframe/marketbus/pkg/taskqueue"
)

// Server wires the Client Gateway's session manager into a gin router.
type Server struct {
	db       *database.Client
	manager  *gateway.SessionManager
	registry *subscription.Registry
	pool     *taskqueue.WorkerPool

	router *gin.Engine
}

// NewServer builds the HTTP surface. pool may be nil when this process runs
// gateway-only with no co-located task workers (health then omits worker_pool).
func NewServer(db *database.Client, manager *gateway.SessionManager, registry *subscription.Registry, pool *taskqueue.WorkerPool) *Server {
	s := &Server{db: db, manager: manager, registry: registry, pool: pool}
	s.router = gin.Default()
	s.routes()
	return s
}

// Run starts the HTTP server on addr, blocking until it exits.
func (s *Server) Run(addr string) error {
	return s.router.Run(addr)
}

// Handler exposes the underlying http.Handler for tests and for embedding
// behind a custom net/http.Server (e.g. one with graceful shutdown).
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/ws", s.wsHandler)

	admin := s.router.Group("/admin")
	admin.GET("/subscriptions", s.adminSubscriptionsHandler)
	admin.GET("/sessions", s.adminSessionsHandler)
	if s.pool != nil {
		admin.GET("/pool", s.adminPoolHealthHandler)
	}
}

func (s *Server) healthHandler(c *gin.Context) {
	reqCtx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := "healthy"
	httpStatus := http.StatusOK

	dbHealth, err := database.Health(reqCtx, s.db.DB())
	if err != nil {
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	body := gin.H{
		"status":         status,
		"database":       dbHealth,
		"active_sessions": s.manager.ActiveSessions(),
	}
	if s.pool != nil {
		poolHealth := s.pool.Health(reqCtx)
		body["worker_pool"] = poolHealth
		if poolHealth.ActiveWorkers == 0 && poolHealth.TotalWorkers > 0 {
			status = "degraded"
			body["status"] = status
		}
	}

	c.JSON(httpStatus, body)
}

// wsHandler upgrades the connection and hands it to the SessionManager —
// the wire protocol itself lives entirely in pkg/gateway from this point on.
func (s *Server) wsHandler(c *gin.Context) {
	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // same-origin enforcement belongs in front of this process (reverse proxy)
	})
	if err != nil {
		return
	}
	s.manager.HandleConnection(c.Request.Context(), conn)
}

func (s *Server) adminSubscriptionsHandler(c *gin.Context) {
	keys, err := s.registry.Snapshot(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k.String())
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out})
}

func (s *Server) adminSessionsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"active_sessions": s.manager.ActiveSessions()})
}

func (s *Server) adminPoolHealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, s.pool.Health(c.Request.Context()))
}
