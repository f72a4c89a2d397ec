package catalog

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryBackend is an in-process Backend for development and tests.
type MemoryBackend struct {
	mu       sync.RWMutex
	clients  map[string]Client
	sessions map[string]Session
	invoices map[string]Invoice
	refunded map[string]decimal.Decimal // invoice ID -> refunded so far
	outbox   []Email
	now      func() time.Time
}

// NewMemoryBackend creates an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		clients:  make(map[string]Client),
		sessions: make(map[string]Session),
		invoices: make(map[string]Invoice),
		refunded: make(map[string]decimal.Decimal),
		now:      time.Now,
	}
}

func newID(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

func (m *MemoryBackend) CreateClient(_ context.Context, c Client) (*Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.clients {
		if existing.StudioID == c.StudioID && strings.EqualFold(existing.Email, c.Email) {
			return nil, fmt.Errorf("client with email %s already exists: %s", c.Email, existing.ID)
		}
	}
	c.ID = newID("cl")
	c.CreatedAt = m.now().UTC()
	m.clients[c.ID] = c
	return &c, nil
}

func (m *MemoryBackend) GetClient(_ context.Context, studioID, id string) (*Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.clients[id]
	if !ok || c.StudioID != studioID {
		return nil, fmt.Errorf("client %s: %w", id, ErrNotFound)
	}
	return &c, nil
}

func (m *MemoryBackend) CreateSession(_ context.Context, s Session) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOverlap(s, ""); err != nil {
		return nil, err
	}
	s.ID = newID("ses")
	m.sessions[s.ID] = s
	return &s, nil
}

func (m *MemoryBackend) GetSession(_ context.Context, studioID, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok || s.StudioID != studioID {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	return &s, nil
}

func (m *MemoryBackend) RescheduleSession(_ context.Context, studioID, id string, start time.Time) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok || s.StudioID != studioID {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	s.Start = start
	if err := m.checkOverlap(s, id); err != nil {
		return nil, err
	}
	m.sessions[id] = s
	return &s, nil
}

// checkOverlap rejects a session that overlaps another of the same studio.
func (m *MemoryBackend) checkOverlap(s Session, ignore string) error {
	end := s.Start.Add(time.Duration(s.DurationMinutes) * time.Minute)
	for id, other := range m.sessions {
		if id == ignore || other.StudioID != s.StudioID {
			continue
		}
		otherEnd := other.Start.Add(time.Duration(other.DurationMinutes) * time.Minute)
		if s.Start.Before(otherEnd) && other.Start.Before(end) {
			return fmt.Errorf("slot %s overlaps session %s", s.Start.Format(time.RFC3339), id)
		}
	}
	return nil
}

func (m *MemoryBackend) ListSessions(_ context.Context, f SessionFilter) ([]Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []Session{}
	for _, s := range m.sessions {
		if s.StudioID != f.StudioID {
			continue
		}
		if f.ClientID != "" && s.ClientID != f.ClientID {
			continue
		}
		if !f.From.IsZero() && s.Start.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !s.Start.Before(f.To) {
			continue
		}
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b Session) int { return a.Start.Compare(b.Start) })
	return out, nil
}

func (m *MemoryBackend) CreateInvoice(_ context.Context, inv Invoice) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv.ID = newID("inv")
	inv.Status = "draft"
	inv.Items = slices.Clone(inv.Items)
	m.invoices[inv.ID] = inv
	return &inv, nil
}

func (m *MemoryBackend) GetInvoice(_ context.Context, studioID, id string) (*Invoice, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.invoices[id]
	if !ok || inv.StudioID != studioID {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	return &inv, nil
}

func (m *MemoryBackend) MarkInvoiceSent(_ context.Context, studioID, id string, at time.Time) (*Invoice, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[id]
	if !ok || inv.StudioID != studioID {
		return nil, fmt.Errorf("invoice %s: %w", id, ErrNotFound)
	}
	inv.Status = "sent"
	inv.SentAt = &at
	m.invoices[id] = inv
	return &inv, nil
}

func (m *MemoryBackend) SendEmail(_ context.Context, e Email) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outbox = append(m.outbox, e)
	return newID("msg"), nil
}

// Outbox returns every email sent so far.
func (m *MemoryBackend) Outbox() []Email {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.outbox)
}

func (m *MemoryBackend) IssueRefund(_ context.Context, r Refund) (*Refund, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.invoices[r.InvoiceID]
	if !ok || inv.StudioID != r.StudioID {
		return nil, fmt.Errorf("invoice %s: %w", r.InvoiceID, ErrNotFound)
	}
	if !strings.EqualFold(inv.Currency, r.Currency) {
		return nil, fmt.Errorf("refund currency %s does not match invoice currency %s", r.Currency, inv.Currency)
	}
	total := m.refunded[r.InvoiceID].Add(r.Amount)
	if total.GreaterThan(inv.Total) {
		return nil, fmt.Errorf("refund of %s %s exceeds remaining invoice balance", r.Amount.StringFixed(2), inv.Currency)
	}
	m.refunded[r.InvoiceID] = total
	r.ID = newID("ref")
	return &r, nil
}
