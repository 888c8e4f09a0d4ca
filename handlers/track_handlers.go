// api/handlers/track_handlers.go
package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gin-gonic/gin"

	"pageinsight/api/engine"
	"pageinsight/api/logger"
	"pageinsight/api/metrics"
	"pageinsight/api/middleware"
	"pageinsight/api/models"
)

// Recorder ingests one event.
type Recorder interface {
	RecordEvent(ctx context.Context, in engine.Input) (*engine.Result, error)
}

// TrackConfig tunes the ingest endpoint.
type TrackConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	FilterBots     bool
}

// TrackRequest is the body of POST /api/track.
type TrackRequest struct {
	SessionToken string         `json:"session_token"`
	PageSlug     string         `json:"page_slug"`
	VariantKey   string         `json:"variant_key,omitempty"`
	EventType    string         `json:"event_type"`
	EventID      string         `json:"event_id,omitempty"`
	OccurredAt   *time.Time     `json:"occurred_at,omitempty"`
	ElementKey   string         `json:"element_key,omitempty"`
	CSSSelector  string         `json:"css_selector,omitempty"`
	Text         string         `json:"text,omitempty"`
	Payload      models.Payload `json:"payload,omitempty"`
	Referrer     string         `json:"referrer,omitempty"`
	LandingURL   string         `json:"landing_url,omitempty"`
	UTM          models.Payload `json:"utm,omitempty"`
	Viewport     models.Payload `json:"viewport,omitempty"`
}

func (r *TrackRequest) input() engine.Input {
	in := engine.Input{
		SessionToken: r.SessionToken,
		PageSlug:     r.PageSlug,
		VariantKey:   r.VariantKey,
		EventType:    r.EventType,
		EventID:      r.EventID,
		ElementKey:   r.ElementKey,
		CSSSelector:  r.CSSSelector,
		Text:         r.Text,
		Payload:      r.Payload,
		Referrer:     r.Referrer,
		LandingURL:   r.LandingURL,
		UTM:          r.UTM,
		Viewport:     r.Viewport,
	}
	if r.OccurredAt != nil {
		in.OccurredAt = r.OccurredAt.UTC()
	}
	return in
}

type TrackHandlers struct {
	recorder Recorder
	log      logger.Logger
	metrics  *metrics.Metrics
	cfg      TrackConfig
}

func NewTrackHandlers(r Recorder, log logger.Logger, m *metrics.Metrics, cfg TrackConfig) *TrackHandlers {
	return &TrackHandlers{
		recorder: r,
		log:      log,
		metrics:  m,
		cfg:      cfg,
	}
}

// TrackEvent records one interaction and reports the goals it converted.
func (h *TrackHandlers) TrackEvent(c *gin.Context) {
	if h.cfg.FilterBots && middleware.IsBot(c) {
		c.JSON(http.StatusAccepted, gin.H{"ignored": true})
		return
	}

	var req TrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	in := req.input()
	// Fix the id before the first attempt so a retry after an ambiguous
	// failure is recognized as the same event.
	if in.EventID == "" {
		in.EventID = engine.NewEventID()
	}
	in.ClientIP = c.ClientIP()
	in.UserAgent = c.Request.UserAgent()

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.cfg.Timeout)
	defer cancel()

	res, err := h.record(ctx, in)
	if err != nil {
		respondError(c, h.log, err, "Failed to record event")
		return
	}
	c.JSON(http.StatusOK, res)
}

// record retries transient store failures with exponential backoff.
func (h *TrackHandlers) record(ctx context.Context, in engine.Input) (*engine.Result, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = h.cfg.RetryBaseDelay
	b.MaxElapsedTime = 0

	var res *engine.Result
	op := func() error {
		r, err := h.recorder.RecordEvent(ctx, in)
		if err != nil {
			if errors.Is(err, models.ErrStoreUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		res = r
		return nil
	}
	notify := func(err error, wait time.Duration) {
		h.metrics.IngestRetries.Inc()
		h.log.Warn("Retrying event after store failure",
			logger.String("event_id", in.EventID),
			logger.Duration("wait", wait),
			logger.Error(err),
		)
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(h.cfg.MaxRetries)), ctx)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, err
	}
	return res, nil
}
