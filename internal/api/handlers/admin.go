package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/routing"
)

func (h *Handler) QueryStats(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	days, _ := strconv.Atoi(c.DefaultQuery("days", "7"))
	if days < 1 || days > 365 {
		days = 7
	}

	report, err := h.stats.LastDays(q.ID, days)
	if err != nil {
		h.logger.Error("Failed to build stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, report)
}

// RunCleanup triggers the retention sweep outside the daily schedule.
func (h *Handler) RunCleanup(c *gin.Context) {
	res := h.cleaner.RunFull()
	c.JSON(http.StatusOK, res)
}

// Operators lists the condition operators rule builders may use.
func (h *Handler) Operators(c *gin.Context) {
	ops := routing.All()
	list := make([]gin.H, 0, len(ops))
	for _, op := range ops {
		list = append(list, gin.H{
			"value":       op,
			"needs_value": op.NeedsValue(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"operators": list})
}

func (h *Handler) ListConnections(c *gin.Context) {
	conns, err := h.repo.ListConnections()
	if err != nil {
		h.logger.Error("Failed to list connections", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"connections": conns})
}

// ResolveError closes an error by hand without waiting for the source
// to stop returning the row.
func (h *Handler) ResolveError(c *gin.Context) {
	id := c.Param("id")
	now := time.Now().UTC()

	if err := h.repo.ResolveError(id, now); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Error not found or already resolved"})
			return
		}
		h.logger.Error("Failed to resolve error", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	h.logger.Info("Error resolved manually", zap.String("error_id", id))
	c.JSON(http.StatusOK, gin.H{
		"id":          id,
		"resolved_at": now,
	})
}
