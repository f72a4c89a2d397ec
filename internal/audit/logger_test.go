package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/lumastudio/agentgate/internal/storage"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// failingStore rejects every write and read.
type failingStore struct{}

func (failingStore) InsertAuditEntry(context.Context, *storage.AuditEntry) error {
	return errors.New("disk full")
}
func (failingStore) ListAuditBySession(context.Context, string) ([]storage.AuditEntry, error) {
	return nil, errors.New("connection reset")
}
func (failingStore) ListAuditSince(context.Context, string, time.Time) ([]storage.AuditEntry, error) {
	return nil, errors.New("connection reset")
}
func (failingStore) InsertShadowDiff(context.Context, *storage.ShadowDiffEntry) error {
	return errors.New("disk full")
}
func (failingStore) Close() error { return nil }

// gatedStore blocks inserts until the gate is opened.
type gatedStore struct {
	*storage.MemoryStore
	gate chan struct{}
}

func (g *gatedStore) InsertAuditEntry(ctx context.Context, e *storage.AuditEntry) error {
	<-g.gate
	return g.MemoryStore.InsertAuditEntry(ctx, e)
}

// batchingStore holds the first single insert until released, so later rows pile up in the queue.
type batchingStore struct {
	*storage.MemoryStore
	entered chan struct{}
	release chan struct{}
	once    sync.Once

	mu      sync.Mutex
	batches int
}

func (b *batchingStore) InsertAuditEntry(ctx context.Context, e *storage.AuditEntry) error {
	b.once.Do(func() { close(b.entered) })
	<-b.release
	return b.MemoryStore.InsertAuditEntry(ctx, e)
}

func (b *batchingStore) InsertAuditEntries(ctx context.Context, entries []storage.AuditEntry) error {
	b.mu.Lock()
	b.batches++
	b.mu.Unlock()
	return b.MemoryStore.InsertAuditEntries(ctx, entries)
}

func auditEntry(session, tool string, ok bool, ms int64) storage.AuditEntry {
	return storage.AuditEntry{
		StudioID:   "studio_1",
		SessionID:  session,
		Tool:       tool,
		ArgsJSON:   json.RawMessage(`{}`),
		OK:         ok,
		DurationMs: ms,
	}
}

func TestLogger_RecordsEveryEntry(t *testing.T) {
	store := storage.NewMemoryStore()
	l := NewLogger(store, Config{}, zap.NewNop())

	ids := make(map[string]bool)
	for i := 0; i < 50; i++ {
		ids[l.Record(auditEntry("ses_1", "send_email", true, 5))] = true
	}
	l.Close()

	if len(ids) != 50 {
		t.Fatalf("expected 50 distinct ids, got %d", len(ids))
	}
	got := l.SessionAudit(context.Background(), "ses_1")
	if len(got) != 50 {
		t.Fatalf("expected 50 entries, got %d", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i].CreatedAt.Before(got[i-1].CreatedAt) {
			t.Fatal("entries not ordered by creation time")
		}
	}
}

func TestLogger_KeepsCallerIDAndTimestamp(t *testing.T) {
	store := storage.NewMemoryStore()
	l := NewLogger(store, Config{}, zap.NewNop())

	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := auditEntry("ses_1", "t", true, 1)
	e.ID = "fixed"
	e.CreatedAt = at
	if id := l.Record(e); id != "fixed" {
		t.Fatalf("expected caller id, got %s", id)
	}
	l.Close()

	got := l.SessionAudit(context.Background(), "ses_1")
	if len(got) != 1 || got[0].ID != "fixed" || !got[0].CreatedAt.Equal(at) {
		t.Fatalf("unexpected entry %+v", got)
	}
}

func TestLogger_RecordDoesNotBlockOnSlowStore(t *testing.T) {
	store := &gatedStore{MemoryStore: storage.NewMemoryStore(), gate: make(chan struct{})}
	l := NewLogger(store, Config{BufferSize: 1, MaxBatch: 1}, zap.NewNop())

	start := time.Now()
	for i := 0; i < 20; i++ {
		l.Record(auditEntry("ses_1", "create_invoice", true, 1))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("Record blocked for %v", elapsed)
	}

	close(store.gate)
	l.Close()

	got, _ := store.ListAuditBySession(context.Background(), "ses_1")
	if len(got) != 20 {
		t.Fatalf("overflowed rows must not be dropped: expected 20, got %d", len(got))
	}
}

func TestLogger_InsertFailureIsLoggedNotRaised(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	l := NewLogger(failingStore{}, Config{}, zap.New(core))

	l.Record(auditEntry("ses_1", "send_email", false, 3))
	l.RecordShadowDiff(storage.ShadowDiffEntry{SessionID: "ses_1"})
	l.Close()

	if n := logs.FilterMessage("audit insert failed").Len(); n != 1 {
		t.Fatalf("expected 1 audit failure log, got %d", n)
	}
	if n := logs.FilterMessage("shadow diff insert failed").Len(); n != 1 {
		t.Fatalf("expected 1 shadow failure log, got %d", n)
	}
	entry := logs.FilterMessage("audit insert failed").All()[0]
	if entry.ContextMap()["session_id"] != "ses_1" {
		t.Fatalf("expected session_id field, got %v", entry.ContextMap())
	}
}

func TestLogger_ReadFailuresDegrade(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	l := NewLogger(failingStore{}, Config{}, zap.New(core))
	defer l.Close()

	got := l.SessionAudit(context.Background(), "ses_1")
	if got == nil || len(got) != 0 {
		t.Fatalf("expected empty non-nil slice, got %#v", got)
	}
	if stats := l.Stats(context.Background(), "studio_1", time.Time{}); stats != nil {
		t.Fatalf("expected nil stats, got %+v", stats)
	}
	if logs.Len() != 2 {
		t.Fatalf("expected 2 error logs, got %d", logs.Len())
	}
}

func TestLogger_Stats(t *testing.T) {
	store := storage.NewMemoryStore()
	l := NewLogger(store, Config{}, zap.NewNop())

	cutoff := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	old := auditEntry("ses_0", "send_email", true, 1000)
	old.CreatedAt = cutoff.Add(-time.Minute)
	l.Record(old)

	for i, ok := range []bool{true, true, false, true} {
		e := auditEntry("ses_1", fmt.Sprintf("tool_%d", i%2), ok, int64(10*(i+1)))
		e.CreatedAt = cutoff.Add(time.Duration(i) * time.Second)
		l.Record(e)
	}
	other := auditEntry("ses_9", "send_email", false, 1)
	other.StudioID = "studio_2"
	other.CreatedAt = cutoff
	l.Record(other)
	l.Close()

	stats := l.Stats(context.Background(), "studio_1", cutoff)
	if stats == nil {
		t.Fatal("expected stats")
	}
	if stats.Total != 4 || stats.Successful != 3 || stats.Failed != 1 {
		t.Fatalf("unexpected counts %+v", stats)
	}
	if stats.SuccessRate != 75 {
		t.Fatalf("expected 75%% success, got %v", stats.SuccessRate)
	}
	if stats.AvgDurationMs != 25 {
		t.Fatalf("expected avg 25ms including failures, got %v", stats.AvgDurationMs)
	}
	if stats.ToolUsage["tool_0"] != 2 || stats.ToolUsage["tool_1"] != 2 {
		t.Fatalf("unexpected usage %v", stats.ToolUsage)
	}

	empty := l.Stats(context.Background(), "studio_nobody", cutoff)
	if empty == nil || empty.SuccessRate != 0 || empty.Total != 0 {
		t.Fatalf("expected zeroed stats, got %+v", empty)
	}
}

func TestLogger_UsesBatchInsertUnderLoad(t *testing.T) {
	store := &batchingStore{
		MemoryStore: storage.NewMemoryStore(),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	l := NewLogger(store, Config{BufferSize: 100}, zap.NewNop())

	l.Record(auditEntry("ses_1", "list_sessions", true, 1))
	<-store.entered
	for i := 0; i < 50; i++ {
		l.Record(auditEntry("ses_1", "list_sessions", true, 1))
	}
	close(store.release)
	l.Close()

	got, _ := store.ListAuditBySession(context.Background(), "ses_1")
	if len(got) != 51 {
		t.Fatalf("expected 51 entries, got %d", len(got))
	}
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.batches == 0 {
		t.Fatal("queued rows should have been written as a batch")
	}
}

func TestLogger_RecordAfterCloseIsDropped(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	store := storage.NewMemoryStore()
	l := NewLogger(store, Config{}, zap.New(core))
	l.Close()
	l.Close()

	l.Record(auditEntry("ses_1", "t", true, 1))
	if logs.FilterMessage("audit logger closed, row not persisted").Len() != 1 {
		t.Fatal("expected closed-logger error log")
	}
}

func TestLogger_ConcurrentSessionsStayIsolated(t *testing.T) {
	store := storage.NewMemoryStore()
	l := NewLogger(store, Config{BufferSize: 8}, zap.NewNop())

	var wg sync.WaitGroup
	for s := 0; s < 10; s++ {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			for i := 0; i < 20; i++ {
				e := auditEntry(fmt.Sprintf("ses_%d", s), "create_client", true, 1)
				e.ArgsJSON = json.RawMessage(fmt.Sprintf(`{"n":%d}`, s))
				l.Record(e)
			}
		}(s)
	}
	wg.Wait()
	l.Close()

	for s := 0; s < 10; s++ {
		session := fmt.Sprintf("ses_%d", s)
		got := l.SessionAudit(context.Background(), session)
		if len(got) != 20 {
			t.Fatalf("%s: expected 20 entries, got %d", session, len(got))
		}
		for _, e := range got {
			if string(e.ArgsJSON) != fmt.Sprintf(`{"n":%d}`, s) {
				t.Fatalf("%s: foreign args %s", session, e.ArgsJSON)
			}
		}
	}
}
