package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"pageinsight/api/logger"
	"pageinsight/api/models"
	"pageinsight/api/store"
)

// SummaryService reads and rebuilds per-session summaries.
type SummaryService interface {
	GetSessionSummary(ctx context.Context, sessionID int64) (*models.SessionSummary, error)
	RebuildSummary(ctx context.Context, sessionID int64) (*models.SessionSummary, error)
}

// dailyWindowDays is the default span of the daily series, today included.
const dailyWindowDays = 7

// StatsHandlers serves the dashboard read API.
type StatsHandlers struct {
	summaries SummaryService
	dashboard store.Dashboard
	log       logger.Logger
	timeout   time.Duration
	now       func() time.Time
}

func NewStatsHandlers(s SummaryService, d store.Dashboard, log logger.Logger, timeout time.Duration) *StatsHandlers {
	return &StatsHandlers{
		summaries: s,
		dashboard: d,
		log:       log,
		timeout:   timeout,
		now:       time.Now,
	}
}

func (h *StatsHandlers) withTimeout(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), h.timeout)
}

// defaultSince is the start of the default window: the last seven days.
func (h *StatsHandlers) defaultSince() time.Time {
	return h.now().UTC().AddDate(0, 0, -dailyWindowDays)
}

func (h *StatsHandlers) GetSessionSummary(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(c)
	defer cancel()

	sum, err := h.summaries.GetSessionSummary(ctx, id)
	if err != nil {
		respondError(c, h.log, err, "Failed to load session summary")
		return
	}
	c.JSON(http.StatusOK, sum)
}

func (h *StatsHandlers) RebuildSessionSummary(c *gin.Context) {
	id, ok := parseID(c)
	if !ok {
		return
	}
	ctx, cancel := h.withTimeout(c)
	defer cancel()

	sum, err := h.summaries.RebuildSummary(ctx, id)
	if err != nil {
		respondError(c, h.log, err, "Failed to rebuild session summary")
		return
	}
	c.JSON(http.StatusOK, sum)
}

// GetDailyCounts returns one bucket per UTC day. Without start/end it covers
// the last seven days including today.
func (h *StatsHandlers) GetDailyCounts(c *gin.Context) {
	metric := c.DefaultQuery("metric", store.MetricSessions)
	now := h.now().UTC()

	end, err := parseTimeParam(c, "end", now)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	start, err := parseTimeParam(c, "start", end.AddDate(0, 0, -(dailyWindowDays-1)))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.withTimeout(c)
	defer cancel()

	days, err := h.dashboard.DailyCounts(ctx, metric, start, end)
	if err != nil {
		respondError(c, h.log, err, "Failed to retrieve daily counts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"metric": metric, "days": days})
}

func (h *StatsHandlers) GetTopClicks(c *gin.Context) {
	since, err := parseTimeParam(c, "start", h.defaultSince())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.withTimeout(c)
	defer cancel()

	top, err := h.dashboard.TopClicks(ctx, since, limit)
	if err != nil {
		respondError(c, h.log, err, "Failed to retrieve top clicks")
		return
	}
	if top == nil {
		top = []models.TopClickResult{}
	}
	c.JSON(http.StatusOK, top)
}

func (h *StatsHandlers) GetPageStats(c *gin.Context) {
	since, err := parseTimeParam(c, "start", h.defaultSince())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	limit, err := parseLimit(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.withTimeout(c)
	defer cancel()

	stats, err := h.dashboard.PageStats(ctx, c.Param("slug"), since, limit)
	if err != nil {
		respondError(c, h.log, err, "Failed to retrieve page stats")
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (h *StatsHandlers) GetPageConversions(c *gin.Context) {
	since, err := parseTimeParam(c, "start", h.defaultSince())
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := h.withTimeout(c)
	defer cancel()

	slug := c.Param("slug")
	counts, err := h.dashboard.PageConversionCounts(ctx, slug, since)
	if err != nil {
		respondError(c, h.log, err, "Failed to retrieve conversion counts")
		return
	}
	c.JSON(http.StatusOK, gin.H{"pageSlug": slug, "since": since, "conversions": counts})
}
