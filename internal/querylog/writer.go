// Package querylog records searches for gap analysis without blocking the search path.
package querylog

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"tn-legal-rag/internal/metrics"
	"tn-legal-rag/internal/models"
)

// Store persists log entries
type Store interface {
	InsertQueryLog(ctx context.Context, e models.QueryLogEntry) error
}

// Writer is a best-effort, buffered query log. Log drops when the buffer is full or the
// writer is closed, and swallows store errors.
type Writer struct {
	store   Store
	entries chan models.QueryLogEntry
	metrics *metrics.Collector
	logger  *zap.Logger
	timeout time.Duration

	// mu guards closed; senders hold it for reading so stop never closes under a send.
	mu     sync.RWMutex
	closed bool
	once   sync.Once
	stop   chan struct{}
	done   chan struct{}
}

// NewWriter starts the drain goroutine
func NewWriter(store Store, buffer int, m *metrics.Collector, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 1
	}
	w := &Writer{
		store:   store,
		entries: make(chan models.QueryLogEntry, buffer),
		metrics: m,
		logger:  logger.With(zap.String("component", "query_log")),
		timeout: 5 * time.Second,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go w.run()
	return w
}

// Log enqueues e and returns immediately
func (w *Writer) Log(e models.QueryLogEntry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.metrics.RecordQueryLogDropped()
		w.logger.Debug("query log closed, dropping entry")
		return
	}
	select {
	case w.entries <- e:
	default:
		w.metrics.RecordQueryLogDropped()
		w.logger.Debug("query log buffer full, dropping entry")
	}
}

func (w *Writer) run() {
	defer close(w.done)
	for {
		select {
		case e := <-w.entries:
			w.write(e)
		case <-w.stop:
			for {
				select {
				case e := <-w.entries:
					w.write(e)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) write(e models.QueryLogEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.InsertQueryLog(ctx, e); err != nil {
		w.logger.Warn("failed to write query log", zap.Error(err))
	}
}

// Close stops accepting entries and waits for the buffer to drain or ctx to expire.
// Entries logged after Close are dropped.
func (w *Writer) Close(ctx context.Context) error {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()
		close(w.stop)
	})
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
