// Package persistence batches ledger writes that must never block the
// reconciliation loops, chiefly the append-only event log.
package persistence

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"recon-core/pkg/db"
)

// EventWriter buffers event rows and flushes them in a single transaction.
// Appends are fire-and-forget: a failed flush is logged and counted but
// never surfaced to the reconcilers, which must not stall on the log.
type EventWriter struct {
	database    *db.Database
	buffer      []db.Event
	mu          sync.Mutex
	maxSize     int
	flushIntval time.Duration
	done        chan struct{}
	wg          sync.WaitGroup
	metrics     EventWriterMetrics
	recorder    FlushRecorder
}

// FlushRecorder receives the duration of every batch flush, successful or
// not. Satisfied by a monitor latency histogram.
type FlushRecorder interface {
	RecordDuration(d time.Duration)
}

// EventWriterMetrics provides statistics about batch operations.
type EventWriterMetrics struct {
	TotalEvents   uint64    `json:"total_events"`
	TotalBatches  uint64    `json:"total_batches"`
	TotalErrors   uint64    `json:"total_errors"`
	LastBatchSize int       `json:"last_batch_size"`
	LastFlushTime time.Time `json:"last_flush_time"`
}

// NewEventWriter creates an event writer.
// maxSize: max buffered events before auto-flush
// interval: time-based flush interval
func NewEventWriter(database *db.Database, maxSize int, interval time.Duration) *EventWriter {
	if maxSize <= 0 {
		maxSize = 50
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	w := &EventWriter{
		database:    database,
		buffer:      make([]db.Event, 0, maxSize),
		maxSize:     maxSize,
		flushIntval: interval,
		done:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.backgroundFlush()

	return w
}

// Append buffers one event row.
func (w *EventWriter) Append(e db.Event) {
	w.mu.Lock()
	w.buffer = append(w.buffer, e)
	shouldFlush := len(w.buffer) >= w.maxSize
	w.mu.Unlock()

	if shouldFlush {
		_ = w.Flush()
	}
}

// Flush immediately writes all buffered events to the ledger.
func (w *EventWriter) Flush() error {
	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}

	batch := w.buffer
	w.buffer = make([]db.Event, 0, w.maxSize)
	w.mu.Unlock()

	return w.writeBatch(batch)
}

func (w *EventWriter) writeBatch(batch []db.Event) error {
	start := time.Now()
	atomic.AddUint64(&w.metrics.TotalEvents, uint64(len(batch)))
	atomic.AddUint64(&w.metrics.TotalBatches, 1)

	w.mu.Lock()
	w.metrics.LastBatchSize = len(batch)
	w.metrics.LastFlushTime = start
	recorder := w.recorder
	w.mu.Unlock()

	if recorder != nil {
		defer func() { recorder.RecordDuration(time.Since(start)) }()
	}

	tx, err := w.database.DB.Begin()
	if err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		log.Error().Err(err).Msg("event writer: begin transaction failed")
		return err
	}

	for _, e := range batch {
		if _, err := tx.Exec(`
			INSERT INTO events (id, account, kind, entity_id, severity, payload, instance_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, COALESCE(?, CURRENT_TIMESTAMP))
		`, e.ID, e.Account, e.Kind, e.EntityID, e.Severity, e.Payload, e.InstanceID, db.NullableTime(e.CreatedAt)); err != nil {
			tx.Rollback()
			atomic.AddUint64(&w.metrics.TotalErrors, 1)
			log.Error().Err(err).Str("kind", e.Kind).Msg("event writer: insert failed, rolling back batch")
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&w.metrics.TotalErrors, 1)
		log.Error().Err(err).Msg("event writer: commit failed")
		return err
	}

	log.Debug().Int("events", len(batch)).Msg("event writer: batch flushed")
	return nil
}

func (w *EventWriter) backgroundFlush() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushIntval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := w.Flush(); err != nil {
				log.Warn().Err(err).Msg("event writer: background flush error")
			}
		case <-w.done:
			// Final flush before shutdown
			if err := w.Flush(); err != nil {
				log.Warn().Err(err).Msg("event writer: final flush error")
			}
			return
		}
	}
}

// Pending returns the number of buffered events.
func (w *EventWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.buffer)
}

// SetFlushRecorder attaches a latency recorder for batch flushes.
func (w *EventWriter) SetFlushRecorder(r FlushRecorder) {
	w.mu.Lock()
	w.recorder = r
	w.mu.Unlock()
}

// Metrics returns a snapshot of the writer's counters.
func (w *EventWriter) Metrics() EventWriterMetrics {
	w.mu.Lock()
	lastSize := w.metrics.LastBatchSize
	lastFlush := w.metrics.LastFlushTime
	w.mu.Unlock()

	return EventWriterMetrics{
		TotalEvents:   atomic.LoadUint64(&w.metrics.TotalEvents),
		TotalBatches:  atomic.LoadUint64(&w.metrics.TotalBatches),
		TotalErrors:   atomic.LoadUint64(&w.metrics.TotalErrors),
		LastBatchSize: lastSize,
		LastFlushTime: lastFlush,
	}
}

// Close flushes remaining events and stops the background loop.
func (w *EventWriter) Close() error {
	close(w.done)
	w.wg.Wait()
	return nil
}
