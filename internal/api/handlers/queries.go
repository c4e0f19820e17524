package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/db"
	"github.com/leozw/query-guardian/internal/monitor"
	"github.com/leozw/query-guardian/internal/schedule"
)

func (h *Handler) ListQueries(c *gin.Context) {
	queries, err := h.repo.ListQueries()
	if err != nil {
		h.logger.Error("Failed to list queries", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"queries": queries,
		"total":   len(queries),
	})
}

func (h *Handler) GetQuery(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, q)
}

// QueryStatus reports the live state of one query: active errors,
// reminders that would fire on the next run, and the next slot.
func (h *Handler) QueryStatus(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	active, err := h.repo.CountUnresolvedErrors(q.ID)
	if err != nil {
		h.logger.Error("Failed to count errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	now := time.Now().In(h.loc)

	pendingReminders := 0
	if q.ReminderEnabled {
		records, err := h.repo.GetUnresolvedErrors(q.ID)
		if err != nil {
			h.logger.Error("Failed to load errors", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		for _, rec := range records {
			if monitor.NeedsReminder(rec, q, now) {
				pendingReminders++
			}
		}
	}

	status := gin.H{
		"query_id":                 q.ID,
		"name":                     q.Name,
		"source_type":              q.SourceType,
		"enabled":                  q.Enabled,
		"in_window":                schedule.InWindow(q, now),
		"last_check_at":            q.LastCheckAt,
		"last_error_at":            q.LastErrorAt,
		"active_errors":            active,
		"pending_reminders":        pendingReminders,
		"total_errors_found":       q.TotalErrorsFound,
		"total_notifications_sent": q.TotalNotificationsSent,
		"routing_enabled":          q.RoutingEnabled,
	}
	if next, ok := schedule.NextRunTime(q, now); ok {
		status["next_run_at"] = next
	}

	c.JSON(http.StatusOK, status)
}

// RunQuery executes the query immediately, bypassing the schedule
// window. The single-flight lock still applies.
func (h *Handler) RunQuery(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	ctx, cancel := h.boundedCtx(c, h.config.Scheduler.RunTimeout)
	defer cancel()

	result := h.coord.CheckQuery(ctx, q, true)
	c.JSON(http.StatusOK, result)
}

// TestQuery executes the source without touching the error ledger.
func (h *Handler) TestQuery(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	src, err := h.sources(q)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.boundedCtx(c, h.config.Scheduler.SourceTimeout)
	defer cancel()

	c.JSON(http.StatusOK, src.Test(ctx))
}

// QueryFields lists the columns the source currently returns, for
// building routing conditions against real field names.
func (h *Handler) QueryFields(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	src, err := h.sources(q)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.boundedCtx(c, h.config.Scheduler.SourceTimeout)
	defer cancel()

	fields, err := src.Fields(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"fields": fields})
}

func (h *Handler) QueryErrors(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	records, err := h.repo.GetUnresolvedErrors(q.ID)
	if err != nil {
		h.logger.Error("Failed to load errors", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"errors": records,
		"total":  len(records),
	})
}

func (h *Handler) QueryLogs(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if limit < 1 || limit > 1000 {
		limit = 100
	}

	logs, err := h.repo.GetQueryLogs(q.ID, limit)
	if err != nil {
		h.logger.Error("Failed to load query logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (h *Handler) NextRun(c *gin.Context) {
	q, ok := h.loadQuery(c)
	if !ok {
		return
	}

	now := time.Now().In(h.loc)
	next, valid := schedule.NextRunTime(q, now)
	due, reason := schedule.ShouldRunNow(q, now)

	resp := gin.H{
		"schedulable": valid,
		"due_now":     due,
		"reason":      reason,
	}
	if valid {
		resp["next_run_at"] = next
	}

	c.JSON(http.StatusOK, resp)
}

func (h *Handler) loadQuery(c *gin.Context) (*db.MonitoredQuery, bool) {
	q, err := h.repo.GetQuery(c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Query not found"})
			return nil, false
		}
		h.logger.Error("Failed to get query", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return nil, false
	}
	return q, true
}

func (h *Handler) boundedCtx(c *gin.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return c.Request.Context(), func() {}
	}
	return context.WithTimeout(c.Request.Context(), timeout)
}
