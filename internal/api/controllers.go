package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"recon-core/pkg/db"
)

type listOrdersQuery struct {
	Status string `form:"status"`
	Limit  int    `form:"limit"`
}

type listCyclesQuery struct {
	Status string `form:"status"`
	Symbol string `form:"symbol"`
	Kind   string `form:"kind"`
}

type listEventsQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func (q *listCyclesQuery) normalize() {
	q.Status = strings.ToUpper(strings.TrimSpace(q.Status))
	q.Symbol = strings.TrimSpace(q.Symbol)
	q.Kind = strings.ToUpper(strings.TrimSpace(q.Kind))
	if q.Status == "" {
		q.Status = db.CycleActive
	}
}

func (q *listEventsQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func (s *Server) getSystemStatus(c *gin.Context) {
	stats := s.Supervisor.Stats()
	c.JSON(http.StatusOK, gin.H{
		"account": s.Meta.Account,
		"dry_run": s.Meta.DryRun,
		"version": s.Meta.Version,
		"running": stats.Running,
	})
}

func (s *Server) getMetrics(c *gin.Context) {
	if s.Metrics == nil {
		respondError(c, http.StatusServiceUnavailable, "METRICS_UNAVAILABLE", "metrics not configured")
		return
	}
	c.JSON(http.StatusOK, s.Metrics.GetSnapshot())
}

func (s *Server) getEngineStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Supervisor.Stats())
}

func (s *Server) getOrderStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Supervisor.Orders().Stats())
}

func (s *Server) getCycleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Supervisor.Cycles().Stats())
}

// forceSync runs an immediate reconciliation pass of both reconcilers and
// waits for it to finish before responding.
func (s *Server) forceSync(c *gin.Context) {
	if err := s.Supervisor.ForceSync(c.Request.Context()); err != nil {
		respondError(c, http.StatusBadGateway, "SYNC_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"synced": true,
		"stats":  s.Supervisor.Stats(),
	})
}

func (s *Server) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.BindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	statuses := []string{db.OrderOpen, db.OrderPending}
	if q.Status != "" {
		statuses = []string{q.Status}
	}

	orders, err := s.DB.ListOrdersByStatus(c.Request.Context(), s.Meta.Account, statuses...)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	if len(orders) > q.Limit {
		orders = orders[:q.Limit]
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

func (s *Server) listCycles(c *gin.Context) {
	var q listCyclesQuery
	if err := c.BindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	var (
		cycles []db.Cycle
		err    error
	)
	switch {
	case q.Symbol != "":
		cycles, err = s.Supervisor.Cycles().CyclesBySymbol(c.Request.Context(), q.Symbol)
	case q.Kind != "":
		cycles, err = s.Supervisor.Cycles().CyclesByKind(c.Request.Context(), q.Kind)
	default:
		cycles, err = s.DB.ListCyclesByStatus(c.Request.Context(), s.Meta.Account, q.Status)
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycles": cycles, "count": len(cycles)})
}

// listPositions serves the venue-side view: the open positions from the
// latest reconciler snapshot, optionally filtered by symbol.
func (s *Server) listPositions(c *gin.Context) {
	symbol := strings.TrimSpace(c.Query("symbol"))
	positions := s.Supervisor.Orders().OrdersBySymbol(symbol)
	c.JSON(http.StatusOK, gin.H{"positions": positions, "count": len(positions)})
}

func (s *Server) getCycle(c *gin.Context) {
	cycle, err := s.DB.GetCycle(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "CYCLE_NOT_FOUND", "cycle not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}

	orders, err := s.DB.ListOrdersByCycle(c.Request.Context(), cycle.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"cycle": cycle, "orders": orders})
}

func (s *Server) listEvents(c *gin.Context) {
	var q listEventsQuery
	if err := c.BindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_QUERY", "invalid query parameters")
		return
	}
	q.normalize()

	evs, err := s.DB.ListEvents(c.Request.Context(), s.Meta.Account, q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": evs, "count": len(evs)})
}

func (s *Server) closeOrder(c *gin.Context) {
	ticket, err := strconv.ParseInt(c.Param("ticket"), 10, 64)
	if err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_TICKET", "ticket must be an integer")
		return
	}

	if err := s.Supervisor.Orders().CloseTicket(c.Request.Context(), ticket); err != nil {
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true, "ticket": ticket})
}

func (s *Server) closeCycle(c *gin.Context) {
	id := c.Param("id")
	if err := s.Supervisor.Cycles().CloseCycle(c.Request.Context(), id, CurrentOperator(c)); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			respondError(c, http.StatusNotFound, "CYCLE_NOT_FOUND", "cycle not found")
			return
		}
		respondError(c, http.StatusBadGateway, "CLOSE_FAILED", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": true, "cycle_id": id})
}

func (s *Server) closeAllCycles(c *gin.Context) {
	closed, err := s.Supervisor.Cycles().CloseAll(c.Request.Context(), CurrentOperator(c))
	if err != nil {
		c.JSON(http.StatusMultiStatus, gin.H{"closed": closed, "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"closed": closed})
}
