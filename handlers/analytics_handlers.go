// api/handlers/analytics_handlers.go
package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pageinsight/api/logger"
	"pageinsight/api/store"
)

// EventCounter answers bucketed event counts from the analytics mirror.
type EventCounter interface {
	GetEventCountsOverTime(ctx context.Context, interval string, start, end time.Time, filter store.EventCountFilter) ([]store.EventTypeCountByTime, error)
}

// AnalyticsHandlers serves queries against the ClickHouse mirror. It is only
// mounted when the mirror is configured.
type AnalyticsHandlers struct {
	counter EventCounter
	log     logger.Logger
	timeout time.Duration
	now     func() time.Time
}

func NewAnalyticsHandlers(counter EventCounter, log logger.Logger, timeout time.Duration) *AnalyticsHandlers {
	return &AnalyticsHandlers{
		counter: counter,
		log:     log,
		timeout: timeout,
		now:     time.Now,
	}
}

func (h *AnalyticsHandlers) GetEventCountsOverTime(c *gin.Context) {
	interval := c.Query("interval")
	if interval == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "interval query parameter is required (e.g., 'day', 'hour')"})
		return
	}

	now := h.now().UTC()
	start, err := parseTimeParam(c, "start", now.Add(-7*24*time.Hour))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	end, err := parseTimeParam(c, "end", now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	filter := store.EventCountFilter{
		EventType: c.Query("eventType"),
		PageSlug:  c.Query("pageSlug"),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	results, err := h.counter.GetEventCountsOverTime(ctx, interval, start, end, filter)
	if err != nil {
		respondError(c, h.log, err, "Failed to retrieve event statistics")
		return
	}
	if results == nil {
		results = []store.EventTypeCountByTime{}
	}
	c.JSON(http.StatusOK, results)
}
