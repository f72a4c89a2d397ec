package storage

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore keeps audit rows in process memory. Used when no database is configured and in tests.
type MemoryStore struct {
	mu     sync.RWMutex
	audit  []AuditEntry
	shadow []ShadowDiffEntry
	closed bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) InsertAuditEntry(_ context.Context, e *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.audit = append(m.audit, cloneEntry(*e))
	return nil
}

func (m *MemoryStore) InsertAuditEntries(_ context.Context, entries []AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, e := range entries {
		m.audit = append(m.audit, cloneEntry(e))
	}
	return nil
}

func (m *MemoryStore) ListAuditBySession(_ context.Context, sessionID string) ([]AuditEntry, error) {
	return m.filter(func(e *AuditEntry) bool { return e.SessionID == sessionID })
}

func (m *MemoryStore) ListAuditSince(_ context.Context, studioID string, since time.Time) ([]AuditEntry, error) {
	return m.filter(func(e *AuditEntry) bool {
		return e.StudioID == studioID && !e.CreatedAt.Before(since)
	})
}

func (m *MemoryStore) InsertShadowDiff(_ context.Context, d *ShadowDiffEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.shadow = append(m.shadow, *d)
	return nil
}

// ShadowDiffs returns every stored shadow diff in insertion order.
func (m *MemoryStore) ShadowDiffs() []ShadowDiffEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.shadow)
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MemoryStore) filter(keep func(*AuditEntry) bool) ([]AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	var out []AuditEntry
	for i := range m.audit {
		if keep(&m.audit[i]) {
			out = append(out, cloneEntry(m.audit[i]))
		}
	}
	sortEntries(out)
	return out, nil
}

// sortEntries orders by CreatedAt, then ID. IDs are time-ordered UUIDs so ties keep insertion order.
func sortEntries(entries []AuditEntry) {
	slices.SortStableFunc(entries, func(a, b AuditEntry) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
}

func cloneEntry(e AuditEntry) AuditEntry {
	e.ArgsJSON = slices.Clone(e.ArgsJSON)
	e.ResultJSON = slices.Clone(e.ResultJSON)
	return e
}
