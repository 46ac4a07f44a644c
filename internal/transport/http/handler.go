package http

import (
	"encoding/csv"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/maintrail/maintrail/internal/model"
	"github.com/maintrail/maintrail/internal/outbox"
)

// RegisterHandlers wires the event operations surface: list/filter,
// single and bulk retry, bulk mark-failed, and flat CSV export.
func RegisterHandlers(r *gin.Engine, store *outbox.Store, retrier *outbox.Retrier) {
	v1 := r.Group("/v1")
	{
		v1.GET("/events", listEventsHandler(store))
		v1.GET("/events/export", exportEventsHandler(store))
		v1.POST("/events/:id/retry", retryEventHandler(retrier))
		v1.POST("/events/retry", retryFailedHandler(retrier))
		v1.POST("/events/mark-failed", markFailedHandler(retrier))
	}
}

func filterFromQuery(c *gin.Context) outbox.EventFilter {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	return outbox.EventFilter{
		TenantID:      c.Query("tenant_id"),
		Status:        c.Query("status"),
		EventName:     c.Query("event_name"),
		AggregateType: c.Query("aggregate_type"),
		AggregateID:   c.Query("aggregate_id"),
		Limit:         limit,
	}
}

func listEventsHandler(store *outbox.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		events, err := store.List(c, filterFromQuery(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
	}
}

func exportEventsHandler(store *outbox.Store) gin.HandlerFunc {
	header := []string{
		"id", "event_name", "aggregate_type", "aggregate_id", "status",
		"attempts", "occurred_at", "processed_at", "last_error", "idempotency_key",
	}
	return func(c *gin.Context) {
		events, err := store.List(c, filterFromQuery(c))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.Header("Content-Type", "text/csv")
		c.Header("Content-Disposition", `attachment; filename="events.csv"`)
		w := csv.NewWriter(c.Writer)
		_ = w.Write(header)
		for _, evt := range events {
			_ = w.Write(eventRecord(evt))
		}
		w.Flush()
	}
}

func eventRecord(evt model.Event) []string {
	processedAt := ""
	if evt.ProcessedAt != nil {
		processedAt = evt.ProcessedAt.Format(time.RFC3339)
	}
	return []string{
		evt.ID,
		evt.EventName,
		evt.AggregateType,
		evt.AggregateID,
		string(evt.Status),
		strconv.Itoa(evt.Attempts),
		evt.OccurredAt.Format(time.RFC3339),
		processedAt,
		evt.LastError,
		evt.IdempotencyKey,
	}
}

func retryEventHandler(retrier *outbox.Retrier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tenantID := c.Query("tenant_id")
		if tenantID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tenant_id is required"})
			return
		}
		if err := retrier.RetryEvent(c, tenantID, c.Param("id")); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "event not found or already processed"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "pending"})
	}
}

type retryFailedReq struct {
	TenantID  string `json:"tenant_id"`
	EventName string `json:"event_name"`
	Limit     int    `json:"limit"`
}

func retryFailedHandler(retrier *outbox.Retrier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req retryFailedReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n, err := retrier.RetryFailed(c, req.TenantID, req.EventName, req.Limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": n})
	}
}

type markFailedReq struct {
	TenantID string   `json:"tenant_id" binding:"required"`
	EventIDs []string `json:"event_ids" binding:"required"`
	Reason   string   `json:"reason"`
}

func markFailedHandler(retrier *outbox.Retrier) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req markFailedReq
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		n, err := retrier.MarkFailed(c, req.TenantID, req.EventIDs, req.Reason)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"failed": n})
	}
}
