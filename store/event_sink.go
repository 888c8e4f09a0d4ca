// api/store/event_sink.go
package store

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	"pageinsight/api/logger"
	"pageinsight/api/metrics"
	"pageinsight/api/models"
)

const (
	flushTimeout = 5 * time.Second

	breakerName        = "clickhouse-mirror"
	breakerMaxRequests = 1
	breakerTimeout     = 30 * time.Second
	breakerTripAfter   = 3
)

// Buffer is a channel-based queue for non-blocking mirror writes.
type Buffer struct {
	events chan models.MirrorEvent
	closed chan struct{}
	once   sync.Once
}

// NewBuffer creates a buffer with a buffered channel of the given capacity.
func NewBuffer(capacity int) *Buffer {
	return &Buffer{
		events: make(chan models.MirrorEvent, capacity),
		closed: make(chan struct{}),
	}
}

// Send performs a non-blocking send. It returns false if the buffer is full.
func (b *Buffer) Send(event models.MirrorEvent) bool {
	select {
	case b.events <- event:
		return true
	default:
		return false
	}
}

// Len returns the number of queued events.
func (b *Buffer) Len() int {
	return len(b.events)
}

// Close stops the buffer. It is safe to call multiple times.
func (b *Buffer) Close() {
	b.once.Do(func() {
		close(b.closed)
	})
}

// MirrorWriter persists a batch of mirror rows.
type MirrorWriter interface {
	InsertMirrorEvents(ctx context.Context, events []models.MirrorEvent) error
}

// EventSink batches recorded events into the analytics mirror. Offer never
// blocks the ingestion path: a full buffer drops the event, and an open
// breaker drops whole batches until ClickHouse recovers.
type EventSink struct {
	writer         MirrorWriter
	buffer         *Buffer
	breaker        *gobreaker.CircuitBreaker[struct{}]
	log            logger.Logger
	metrics        *metrics.Metrics
	flushInterval  time.Duration
	flushThreshold int
	wg             sync.WaitGroup
}

// NewEventSink creates a sink reading from buffer and flushing into writer.
func NewEventSink(
	writer MirrorWriter,
	buffer *Buffer,
	log logger.Logger,
	m *metrics.Metrics,
	flushInterval time.Duration,
	flushThreshold int,
) *EventSink {
	s := &EventSink{
		writer:         writer,
		buffer:         buffer,
		log:            log,
		metrics:        m,
		flushInterval:  flushInterval,
		flushThreshold: flushThreshold,
	}
	s.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: breakerMaxRequests,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Mirror breaker state change",
				logger.String("breaker", name),
				logger.String("from", from.String()),
				logger.String("to", to.String()),
			)
		},
	})
	return s
}

// Offer queues an event for mirroring and reports whether it was accepted.
func (s *EventSink) Offer(event models.MirrorEvent) bool {
	if s.buffer.Send(event) {
		return true
	}
	s.metrics.MirrorDropped.Inc()
	return false
}

// Start launches the background flush goroutine.
func (s *EventSink) Start() {
	s.wg.Add(1)
	go s.flushLoop()
}

// Stop closes the buffer, flushes what is queued and waits for the loop to exit.
func (s *EventSink) Stop() {
	s.buffer.Close()
	s.wg.Wait()
}

func (s *EventSink) flushLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	batch := make([]models.MirrorEvent, 0, s.flushThreshold)

	for {
		select {
		case event := <-s.buffer.events:
			batch = append(batch, event)
			if len(batch) >= s.flushThreshold {
				s.flush(batch)
				batch = make([]models.MirrorEvent, 0, s.flushThreshold)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(batch)
				batch = make([]models.MirrorEvent, 0, s.flushThreshold)
			}

		case <-s.buffer.closed:
			s.drain(&batch)
			if len(batch) > 0 {
				s.flush(batch)
			}
			return
		}
	}
}

func (s *EventSink) drain(batch *[]models.MirrorEvent) {
	for {
		select {
		case event := <-s.buffer.events:
			*batch = append(*batch, event)
		default:
			return
		}
	}
}

func (s *EventSink) flush(batch []models.MirrorEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
	defer cancel()

	_, err := s.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, s.writer.InsertMirrorEvents(ctx, batch)
	})
	if err != nil {
		s.metrics.MirrorFlushFailure.Inc()
		s.log.Error("Failed to mirror events",
			logger.Error(err),
			logger.Int("batch_size", len(batch)),
		)
		return
	}

	s.metrics.MirrorFlushed.Add(float64(len(batch)))
	s.log.Debug("Flushed mirror events", logger.Int("total", len(batch)))
}
