// Package engine turns one inbound interaction into stored state: it resolves
// the visit session, records the raw event, then evaluates goals and updates
// the session summary.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"

	"pageinsight/api/logger"
	"pageinsight/api/metrics"
	"pageinsight/api/models"
	"pageinsight/api/store"
)

// Sink receives recorded events for asynchronous mirroring. Offer must not block.
type Sink interface {
	Offer(event models.MirrorEvent) bool
}

// Engine is safe for concurrent use.
type Engine struct {
	store   store.Store
	sink    Sink
	log     logger.Logger
	metrics *metrics.Metrics
	ipSalt  []byte
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink mirrors every recorded event into s.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithIPSalt sets the key used to hash client addresses.
func WithIPSalt(salt string) Option {
	return func(e *Engine) { e.ipSalt = []byte(salt) }
}

// New creates an Engine over st.
func New(st store.Store, log logger.Logger, m *metrics.Metrics, opts ...Option) *Engine {
	e := &Engine{
		store:   st,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Input is one interaction as delivered by the transport. Attribution fields
// only matter for the event that creates the session.
type Input struct {
	SessionToken string
	PageSlug     string
	VariantKey   string

	EventType   string
	EventID     string
	OccurredAt  time.Time
	ElementKey  string
	CSSSelector string
	Text        string
	Payload     models.Payload

	Referrer   string
	LandingURL string
	UTM        models.Payload
	UserAgent  string
	ClientIP   string
	Viewport   models.Payload
}

// Result is what RecordEvent reports back to the caller.
type Result struct {
	ConversionsTriggered []string `json:"conversions_triggered"`
	SessionID            int64    `json:"session_id"`
	EventID              string   `json:"event_id"`
	Duplicate            bool     `json:"duplicate"`
	SessionCreated       bool     `json:"session_created"`
}

// NewEventID returns a fresh event id. Transports that retry RecordEvent
// should assign one before the first attempt so retries deduplicate.
func NewEventID() string {
	return uuid.NewString()
}

// RecordEvent processes one interaction end to end. Only session resolution
// and event persistence can fail the call; goal and summary failures are
// logged and counted.
func (e *Engine) RecordEvent(ctx context.Context, in Input) (*Result, error) {
	started := time.Now()
	defer func() { e.metrics.IngestDuration.Observe(time.Since(started).Seconds()) }()

	res, err := e.recordEvent(ctx, in)
	if err != nil {
		e.metrics.IngestErrors.WithLabelValues(errorKind(err)).Inc()
		return nil, err
	}
	return res, nil
}

func (e *Engine) recordEvent(ctx context.Context, in Input) (*Result, error) {
	token := strings.TrimSpace(in.SessionToken)
	if token == "" || len([]rune(token)) > models.MaxSessionKeyLen {
		return nil, fmt.Errorf("session token must be 1-%d characters: %w", models.MaxSessionKeyLen, models.ErrInvalidInput)
	}
	slug := strings.TrimSpace(in.PageSlug)
	if slug == "" {
		return nil, fmt.Errorf("page slug is required: %w", models.ErrInvalidInput)
	}
	in.SessionToken, in.PageSlug = token, slug
	if in.OccurredAt.IsZero() {
		in.OccurredAt = e.now()
	}

	page, sess, created, err := e.resolveSession(ctx, in)
	if err != nil {
		return nil, err
	}
	if created {
		e.metrics.SessionsCreated.Inc()
	}

	ev, duplicate, err := e.persistEvent(ctx, sess, in)
	if err != nil {
		return nil, err
	}
	log := e.log.With(
		logger.Int64("session_id", sess.ID),
		logger.String("event_id", ev.UID),
	)
	if duplicate {
		e.metrics.EventsDuplicate.Inc()
		log.Debug("Duplicate event delivery")
	} else {
		e.metrics.EventsRecorded.WithLabelValues(string(ev.Type)).Inc()
	}
	// A redelivery may follow an attempt that failed after the event row
	// committed, so every step after persistence runs again. Each one is
	// idempotent per event: the mirror table collapses rows by event id and
	// the store applies an event's summary delta at most once.
	e.mirror(page, sess, ev)

	// Matcher and aggregator write disjoint tables and can run side by side.
	var (
		wg        sync.WaitGroup
		converted []string
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		converted = e.matchGoals(ctx, log, page, sess, ev)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		e.aggregate(ctx, log, sess, ev)
	}()
	wg.Wait()

	return &Result{
		ConversionsTriggered: converted,
		SessionID:            sess.ID,
		EventID:              ev.UID,
		Duplicate:            duplicate,
		SessionCreated:       created,
	}, nil
}

func (e *Engine) mirror(page *models.Page, sess *models.VisitSession, ev *models.Event) {
	if e.sink == nil {
		return
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		data = []byte("{}")
	}
	e.sink.Offer(models.MirrorEvent{
		EventID:    ev.UID,
		EventType:  string(ev.Type),
		SessionKey: sess.SessionKey,
		PageSlug:   page.Slug,
		Timestamp:  ev.OccurredAt,
		ElementKey: ev.ElementKey,
		Referrer:   sess.Referrer,
		UserAgent:  sess.UserAgent,
		EventData:  string(data),
	})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, models.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrStoreUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
