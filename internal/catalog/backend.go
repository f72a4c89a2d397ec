// Package catalog defines the studio CRM tools the agent can call and the
// backend they operate on.
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by backends for unknown records.
var ErrNotFound = errors.New("record not found")

// Client is a studio customer.
type Client struct {
	ID        string    `json:"id"`
	StudioID  string    `json:"studio_id"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Session is a booked photo shoot.
type Session struct {
	ID              string    `json:"id"`
	StudioID        string    `json:"studio_id"`
	ClientID        string    `json:"client_id"`
	Kind            string    `json:"kind"`
	Start           time.Time `json:"start"`
	DurationMinutes int       `json:"duration_minutes"`
	Location        string    `json:"location,omitempty"`
}

// LineItem is one invoice line.
type LineItem struct {
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Invoice is a bill sent to a client.
type Invoice struct {
	ID       string          `json:"id"`
	StudioID string          `json:"studio_id"`
	ClientID string          `json:"client_id"`
	Currency string          `json:"currency"`
	Items    []LineItem      `json:"items"`
	Total    decimal.Decimal `json:"total"`
	DueDate  string          `json:"due_date,omitempty"`
	Status   string          `json:"status"`
	SentAt   *time.Time      `json:"sent_at,omitempty"`
}

// Email is an outbound message to a client.
type Email struct {
	StudioID string `json:"studio_id"`
	To       string `json:"to"`
	Subject  string `json:"subject"`
	Body     string `json:"body"`
}

// Refund returns money against a paid invoice.
type Refund struct {
	ID        string          `json:"id"`
	StudioID  string          `json:"studio_id"`
	InvoiceID string          `json:"invoice_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Reason    string          `json:"reason"`
}

// SessionFilter narrows ListSessions. Zero fields match everything.
type SessionFilter struct {
	StudioID string
	ClientID string
	From     time.Time
	To       time.Time
}

// Backend is the CRM the tools read and write. Every method is scoped to a
// studio; records of other studios are reported as ErrNotFound.
type Backend interface {
	CreateClient(ctx context.Context, c Client) (*Client, error)
	GetClient(ctx context.Context, studioID, id string) (*Client, error)

	CreateSession(ctx context.Context, s Session) (*Session, error)
	GetSession(ctx context.Context, studioID, id string) (*Session, error)
	RescheduleSession(ctx context.Context, studioID, id string, start time.Time) (*Session, error)
	ListSessions(ctx context.Context, f SessionFilter) ([]Session, error)

	CreateInvoice(ctx context.Context, inv Invoice) (*Invoice, error)
	GetInvoice(ctx context.Context, studioID, id string) (*Invoice, error)
	MarkInvoiceSent(ctx context.Context, studioID, id string, at time.Time) (*Invoice, error)

	SendEmail(ctx context.Context, e Email) (string, error)
	IssueRefund(ctx context.Context, r Refund) (*Refund, error)
}
