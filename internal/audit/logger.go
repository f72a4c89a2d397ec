// Package audit records one row per tool invocation attempt without ever
// blocking the caller, and serves the session timeline and stats reads.
package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumastudio/agentgate/internal/metrics"
	"github.com/lumastudio/agentgate/internal/storage"
	"go.uber.org/zap"
)

const (
	defaultBufferSize    = 1024
	defaultMaxBatch      = 256
	defaultInsertTimeout = 5 * time.Second
)

// Config holds Logger settings. Zero values use the defaults.
type Config struct {
	BufferSize    int
	MaxBatch      int
	InsertTimeout time.Duration
}

type job struct {
	audit  *storage.AuditEntry
	shadow *storage.ShadowDiffEntry
}

// Logger writes audit rows asynchronously. Record and RecordShadowDiff return
// immediately: rows are queued and inserted by a background worker. When the
// queue is full the row is inserted on its own goroutine rather than dropped.
// Insert failures are logged and counted, never returned.
type Logger struct {
	store  storage.Store
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	mu       sync.RWMutex // guards closed and sends on jobs
	closed   bool
	jobs     chan job
	flushed  chan struct{}
	overflow sync.WaitGroup
}

// NewLogger creates a Logger and starts its background worker.
func NewLogger(store storage.Store, cfg Config, logger *zap.Logger) *Logger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = defaultMaxBatch
	}
	if cfg.InsertTimeout <= 0 {
		cfg.InsertTimeout = defaultInsertTimeout
	}
	l := &Logger{
		store:   store,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
		jobs:    make(chan job, cfg.BufferSize),
		flushed: make(chan struct{}),
	}
	go l.flushLoop()
	return l
}

// Record queues e for insertion and returns its ID. ID and CreatedAt are
// filled in when empty.
func (l *Logger) Record(e storage.AuditEntry) string {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = l.now().UTC()
	}
	l.enqueue(job{audit: &e})
	return e.ID
}

// RecordShadowDiff queues d for insertion and returns its ID.
func (l *Logger) RecordShadowDiff(d storage.ShadowDiffEntry) string {
	if d.ID == "" {
		d.ID = newID()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = l.now().UTC()
	}
	l.enqueue(job{shadow: &d})
	return d.ID
}

func (l *Logger) enqueue(j job) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.closed {
		l.logger.Error("audit logger closed, row not persisted", j.fields()...)
		metrics.AuditWriteFailed(j.kind())
		return
	}

	select {
	case l.jobs <- j:
	default:
		metrics.AuditQueueOverflow()
		l.logger.Warn("audit queue full, writing row directly", j.fields()...)
		l.overflow.Add(1)
		go func() {
			defer l.overflow.Done()
			l.write([]job{j})
		}()
	}
}

// Close stops accepting rows and waits until every queued row has been written.
// It does not close the store.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.jobs)
	l.mu.Unlock()

	<-l.flushed
	l.overflow.Wait()
}

func (l *Logger) flushLoop() {
	defer close(l.flushed)

	batch := make([]job, 0, l.cfg.MaxBatch)
	for j := range l.jobs {
		batch = append(batch, j)
	drain:
		for len(batch) < l.cfg.MaxBatch {
			select {
			case next, ok := <-l.jobs:
				if !ok {
					break drain
				}
				batch = append(batch, next)
			default:
				break drain
			}
		}
		l.write(batch)
		batch = batch[:0]
	}
}

func (l *Logger) write(batch []job) {
	var entries []storage.AuditEntry
	for _, j := range batch {
		if j.audit != nil {
			entries = append(entries, *j.audit)
			continue
		}
		l.insertShadow(j.shadow)
	}
	if len(entries) == 0 {
		return
	}

	if bi, ok := l.store.(storage.BatchInserter); ok && len(entries) > 1 {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.InsertTimeout)
		err := bi.InsertAuditEntries(ctx, entries)
		cancel()
		if err == nil {
			return
		}
		l.logger.Warn("audit batch insert failed, retrying rows individually",
			zap.Int("batch_size", len(entries)),
			zap.Error(err),
		)
	}
	for i := range entries {
		l.insertAudit(&entries[i])
	}
}

func (l *Logger) insertAudit(e *storage.AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.InsertTimeout)
	defer cancel()
	if err := l.store.InsertAuditEntry(ctx, e); err != nil {
		metrics.AuditWriteFailed("audit")
		l.logger.Error("audit insert failed",
			zap.String("audit_id", e.ID),
			zap.String("session_id", e.SessionID),
			zap.String("tool_name", e.Tool),
			zap.Error(err),
		)
	}
}

func (l *Logger) insertShadow(d *storage.ShadowDiffEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.InsertTimeout)
	defer cancel()
	if err := l.store.InsertShadowDiff(ctx, d); err != nil {
		metrics.AuditWriteFailed("shadow_diff")
		l.logger.Error("shadow diff insert failed",
			zap.String("diff_id", d.ID),
			zap.String("session_id", d.SessionID),
			zap.Error(err),
		)
	}
}

// SessionAudit returns the session's entries ordered by creation time.
// Read failures are logged and yield an empty slice.
func (l *Logger) SessionAudit(ctx context.Context, sessionID string) []storage.AuditEntry {
	entries, err := l.store.ListAuditBySession(ctx, sessionID)
	if err != nil {
		l.logger.Error("session audit read failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return []storage.AuditEntry{}
	}
	if entries == nil {
		entries = []storage.AuditEntry{}
	}
	return entries
}

// Stats aggregates the studio's entries created at or after since.
// Read failures are logged and yield nil.
func (l *Logger) Stats(ctx context.Context, studioID string, since time.Time) *storage.AuditStats {
	if sq, ok := l.store.(storage.StatsQuerier); ok {
		stats, err := sq.AuditStats(ctx, studioID, since)
		if err != nil {
			l.logger.Error("audit stats query failed",
				zap.String("studio_id", studioID),
				zap.Error(err),
			)
			return nil
		}
		return stats
	}

	entries, err := l.store.ListAuditSince(ctx, studioID, since)
	if err != nil {
		l.logger.Error("audit stats read failed",
			zap.String("studio_id", studioID),
			zap.Error(err),
		)
		return nil
	}
	return storage.ComputeStats(entries)
}

func (j job) kind() string {
	if j.shadow != nil {
		return "shadow_diff"
	}
	return "audit"
}

func (j job) fields() []zap.Field {
	if j.shadow != nil {
		return []zap.Field{zap.String("diff_id", j.shadow.ID), zap.String("session_id", j.shadow.SessionID)}
	}
	return []zap.Field{
		zap.String("audit_id", j.audit.ID),
		zap.String("session_id", j.audit.SessionID),
		zap.String("tool_name", j.audit.Tool),
	}
}

// newID returns a time-ordered UUID so rows created in the same instant keep their order.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
