// Package api exposes the reconciliation engine over HTTP: statistics,
// ledger queries, operator actions and a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"recon-core/internal/events"
	"recon-core/internal/monitor"
	"recon-core/internal/reconcile"
	"recon-core/pkg/db"
)

// Server wires HTTP endpoints around the reconciliation supervisor.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Supervisor *reconcile.Supervisor
	Metrics    *monitor.EngineMetrics
	JWTSecret  string
	Meta       SystemMeta
}

// SystemMeta describes runtime status exposed to operators.
type SystemMeta struct {
	Account string
	DryRun  bool
	Version string
}

func NewServer(bus *events.Bus, database *db.Database, supervisor *reconcile.Supervisor, metrics *monitor.EngineMetrics, meta SystemMeta, jwtSecret string) *Server {
	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:     r,
		Bus:        bus,
		DB:         database,
		Supervisor: supervisor,
		Metrics:    metrics,
		JWTSecret:  jwtSecret,
		Meta:       meta,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.GET("/system/status", s.getSystemStatus)
		api.GET("/metrics", s.getMetrics)

		// Protected API
		protected := api.Group("")
		protected.Use(AuthMiddleware(s.JWTSecret))
		{
			protected.GET("/reconciler/stats", s.getEngineStats)
			protected.GET("/reconciler/orders", s.getOrderStats)
			protected.GET("/reconciler/cycles", s.getCycleStats)
			protected.POST("/reconciler/sync", s.forceSync)

			protected.GET("/orders", s.listOrders)
			protected.GET("/positions", s.listPositions)
			protected.GET("/cycles", s.listCycles)
			protected.GET("/cycles/:id", s.getCycle)
			protected.GET("/events", s.listEvents)

			// Operator actions
			protected.POST("/orders/:ticket/close", s.closeOrder)
			protected.POST("/cycles/:id/close", s.closeCycle)
			protected.POST("/cycles/close-all", s.closeAllCycles)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
