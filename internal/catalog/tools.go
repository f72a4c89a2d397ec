package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// Scopes required by the catalog tools.
const (
	ScopeClientsWrite   = "clients:write"
	ScopeSessionsRead   = "sessions:read"
	ScopeSessionsWrite  = "sessions:write"
	ScopeInvoicesWrite  = "invoices:write"
	ScopeInvoicesSend   = "invoices:send"
	ScopeEmailSend      = "email:send"
	ScopePaymentsRefund = "payments:refund"
)

type createClientArgs struct {
	Name  string `json:"name" jsonschema:"minLength=1,description=Full name of the client"`
	Email string `json:"email" jsonschema:"format=email"`
	Phone string `json:"phone,omitempty"`
}

type createSessionArgs struct {
	ClientID        string    `json:"client_id"`
	Kind            string    `json:"kind" jsonschema:"enum=portrait,enum=wedding,enum=family,enum=newborn,enum=product,enum=event"`
	Start           time.Time `json:"start" jsonschema:"description=Session start as RFC 3339 timestamp"`
	DurationMinutes int       `json:"duration_minutes" jsonschema:"minimum=15,maximum=720"`
	Location        string    `json:"location,omitempty"`
}

type rescheduleSessionArgs struct {
	SessionID    string    `json:"session_id"`
	NewStart     time.Time `json:"new_start"`
	NotifyClient bool      `json:"notify_client,omitempty"`
}

type listSessionsArgs struct {
	ClientID string     `json:"client_id,omitempty"`
	From     *time.Time `json:"from,omitempty"`
	To       *time.Time `json:"to,omitempty"`
}

type invoiceItemArgs struct {
	Description string  `json:"description" jsonschema:"minLength=1"`
	Quantity    int     `json:"quantity" jsonschema:"minimum=1"`
	UnitPrice   float64 `json:"unit_price" jsonschema:"minimum=0"`
}

type createInvoiceArgs struct {
	ClientID string            `json:"client_id"`
	Currency string            `json:"currency" jsonschema:"enum=EUR,enum=USD,enum=GBP,enum=CHF"`
	Items    []invoiceItemArgs `json:"items" jsonschema:"minItems=1"`
	DueDate  string            `json:"due_date,omitempty" jsonschema:"format=date"`
}

type sendInvoiceArgs struct {
	InvoiceID string `json:"invoice_id"`
	Message   string `json:"message,omitempty"`
}

type sendEmailArgs struct {
	To      string `json:"to" jsonschema:"format=email"`
	Subject string `json:"subject" jsonschema:"minLength=1"`
	Body    string `json:"body"`
}

type issueRefundArgs struct {
	InvoiceID string  `json:"invoice_id"`
	Amount    float64 `json:"amount" jsonschema:"exclusiveMinimum=0"`
	Currency  string  `json:"currency" jsonschema:"enum=EUR,enum=USD,enum=GBP,enum=CHF"`
	Reason    string  `json:"reason" jsonschema:"minLength=1"`
}

// Preview is returned by write tools when the call is simulated.
type Preview struct {
	Simulated bool   `json:"simulated"`
	Action    string `json:"action"`
	Record    any    `json:"record,omitempty"`
}

type tools struct {
	backend Backend
	now     func() time.Time
}

// Tools returns the studio CRM tool definitions, backed by b.
func Tools(b Backend) []registry.ToolDefinition {
	t := &tools{backend: b, now: time.Now}
	return []registry.ToolDefinition{
		{
			Name:            "create_client",
			Description:     "Add a new client to the studio's CRM.",
			ParameterSchema: schema.For[createClientArgs](),
			RequiredScopes:  []string{ScopeClientsWrite},
			Confirmation:    registry.NoConfirmation(),
			Handler:         registry.Typed(t.createClient),
		},
		{
			Name:            "create_session",
			Description:     "Book a photo session for an existing client.",
			ParameterSchema: schema.For[createSessionArgs](),
			RequiredScopes:  []string{ScopeSessionsWrite},
			Confirmation:    registry.NoConfirmation(),
			Handler:         registry.Typed(t.createSession),
		},
		{
			Name:            "reschedule_session",
			Description:     "Move a booked session to a new start time, optionally emailing the client.",
			ParameterSchema: schema.For[rescheduleSessionArgs](),
			RequiredScopes:  []string{ScopeSessionsWrite},
			Confirmation:    registry.NoConfirmation(),
			Handler:         registry.Typed(t.rescheduleSession),
		},
		{
			Name:            "list_sessions",
			Description:     "List booked sessions, optionally for one client or a time window.",
			ParameterSchema: schema.For[listSessionsArgs](),
			RequiredScopes:  []string{ScopeSessionsRead},
			Confirmation:    registry.NoConfirmation(),
			Handler:         registry.Typed(t.listSessions),
		},
		{
			Name:            "create_invoice",
			Description:     "Create a draft invoice for a client. Totals above 500 EUR need confirmation.",
			ParameterSchema: schema.For[createInvoiceArgs](),
			RequiredScopes:  []string{ScopeInvoicesWrite},
			Confirmation: registry.ConfirmationPolicy{
				Mode:   registry.ConfirmAboveThreshold,
				Limit:  registry.MustMoney("500", "EUR"),
				Amount: InvoiceTotal,
			},
			Handler: registry.Typed(t.createInvoice),
		},
		{
			Name:            "send_invoice",
			Description:     "Email a draft invoice to its client and mark it sent.",
			ParameterSchema: schema.For[sendInvoiceArgs](),
			RequiredScopes:  []string{ScopeInvoicesSend, ScopeEmailSend},
			Confirmation:    registry.AlwaysConfirm(),
			Handler:         registry.Typed(t.sendInvoice),
		},
		{
			Name:            "send_email",
			Description:     "Send an email to a client.",
			ParameterSchema: schema.For[sendEmailArgs](),
			RequiredScopes:  []string{ScopeEmailSend},
			Confirmation:    registry.NoConfirmation(),
			Handler:         registry.Typed(t.sendEmail),
		},
		{
			Name:            "issue_refund",
			Description:     "Refund part or all of a sent invoice. Refunds above 200 EUR need confirmation.",
			ParameterSchema: schema.For[issueRefundArgs](),
			RequiredScopes:  []string{ScopePaymentsRefund},
			Confirmation:    registry.ConfirmAbove(registry.MustMoney("200", "EUR"), "amount"),
			Handler:         registry.Typed(t.issueRefund),
		},
	}
}

// Register adds every catalog tool to reg.
func Register(reg *registry.Registry, b Backend) error {
	for _, td := range Tools(b) {
		if err := reg.Register(td); err != nil {
			return fmt.Errorf("catalog.Register: %w", err)
		}
	}
	return nil
}

// InvoiceTotal sums quantity * unit_price over the invoice items in args.
func InvoiceTotal(args json.RawMessage) (decimal.Decimal, string, error) {
	total := decimal.Zero
	var err error
	gjson.GetBytes(args, "items").ForEach(func(_, item gjson.Result) bool {
		var qty, price decimal.Decimal
		if qty, err = decimal.NewFromString(item.Get("quantity").Raw); err != nil {
			err = fmt.Errorf("item quantity: %w", err)
			return false
		}
		if price, err = decimal.NewFromString(item.Get("unit_price").Raw); err != nil {
			err = fmt.Errorf("item unit_price: %w", err)
			return false
		}
		total = total.Add(qty.Mul(price))
		return true
	})
	if err != nil {
		return decimal.Zero, "", err
	}
	return total, gjson.GetBytes(args, "currency").String(), nil
}

func (t *tools) createClient(ctx context.Context, args createClientArgs, ictx registry.InvocationContext) (any, error) {
	c := Client{StudioID: ictx.StudioID, Name: strings.TrimSpace(args.Name), Email: args.Email, Phone: args.Phone}
	if ictx.Simulated {
		return Preview{Simulated: true, Action: "create_client", Record: c}, nil
	}
	return t.backend.CreateClient(ctx, c)
}

func (t *tools) createSession(ctx context.Context, args createSessionArgs, ictx registry.InvocationContext) (any, error) {
	if _, err := t.backend.GetClient(ctx, ictx.StudioID, args.ClientID); err != nil {
		return nil, err
	}
	if args.Start.Before(t.now()) {
		return nil, fmt.Errorf("cannot book a session in the past: %s", args.Start.Format(time.RFC3339))
	}
	s := Session{
		StudioID:        ictx.StudioID,
		ClientID:        args.ClientID,
		Kind:            args.Kind,
		Start:           args.Start.UTC(),
		DurationMinutes: args.DurationMinutes,
		Location:        args.Location,
	}
	if ictx.Simulated {
		return Preview{Simulated: true, Action: "create_session", Record: s}, nil
	}
	return t.backend.CreateSession(ctx, s)
}

func (t *tools) rescheduleSession(ctx context.Context, args rescheduleSessionArgs, ictx registry.InvocationContext) (any, error) {
	s, err := t.backend.GetSession(ctx, ictx.StudioID, args.SessionID)
	if err != nil {
		return nil, err
	}
	if args.NewStart.Before(t.now()) {
		return nil, fmt.Errorf("cannot move a session into the past: %s", args.NewStart.Format(time.RFC3339))
	}
	if ictx.Simulated {
		moved := *s
		moved.Start = args.NewStart.UTC()
		return Preview{Simulated: true, Action: "reschedule_session", Record: moved}, nil
	}

	moved, err := t.backend.RescheduleSession(ctx, ictx.StudioID, args.SessionID, args.NewStart.UTC())
	if err != nil {
		return nil, err
	}
	if args.NotifyClient {
		c, err := t.backend.GetClient(ctx, ictx.StudioID, moved.ClientID)
		if err != nil {
			return nil, err
		}
		_, err = t.backend.SendEmail(ctx, Email{
			StudioID: ictx.StudioID,
			To:       c.Email,
			Subject:  "Your session has been rescheduled",
			Body:     fmt.Sprintf("Hi %s, your %s session now starts at %s.", c.Name, moved.Kind, moved.Start.Format("Mon 2 Jan 2006 15:04 MST")),
		})
		if err != nil {
			return nil, fmt.Errorf("session moved but client notification failed: %w", err)
		}
	}
	return moved, nil
}

func (t *tools) listSessions(ctx context.Context, args listSessionsArgs, ictx registry.InvocationContext) (any, error) {
	f := SessionFilter{StudioID: ictx.StudioID, ClientID: args.ClientID}
	if args.From != nil {
		f.From = *args.From
	}
	if args.To != nil {
		f.To = *args.To
	}
	sessions, err := t.backend.ListSessions(ctx, f)
	if err != nil {
		return nil, err
	}
	return map[string]any{"sessions": sessions, "count": len(sessions)}, nil
}

func (t *tools) createInvoice(ctx context.Context, args createInvoiceArgs, ictx registry.InvocationContext) (any, error) {
	if _, err := t.backend.GetClient(ctx, ictx.StudioID, args.ClientID); err != nil {
		return nil, err
	}
	inv := Invoice{
		StudioID: ictx.StudioID,
		ClientID: args.ClientID,
		Currency: args.Currency,
		DueDate:  args.DueDate,
		Total:    decimal.Zero,
	}
	for _, it := range args.Items {
		li := LineItem{
			Description: it.Description,
			Quantity:    it.Quantity,
			UnitPrice:   decimal.NewFromFloat(it.UnitPrice),
		}
		inv.Items = append(inv.Items, li)
		inv.Total = inv.Total.Add(li.UnitPrice.Mul(decimal.NewFromInt(int64(li.Quantity))))
	}
	if ictx.Simulated {
		inv.Status = "draft"
		return Preview{Simulated: true, Action: "create_invoice", Record: inv}, nil
	}
	return t.backend.CreateInvoice(ctx, inv)
}

func (t *tools) sendInvoice(ctx context.Context, args sendInvoiceArgs, ictx registry.InvocationContext) (any, error) {
	inv, err := t.backend.GetInvoice(ctx, ictx.StudioID, args.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != "draft" {
		return nil, fmt.Errorf("invoice %s is already %s", inv.ID, inv.Status)
	}
	c, err := t.backend.GetClient(ctx, ictx.StudioID, inv.ClientID)
	if err != nil {
		return nil, err
	}
	body := fmt.Sprintf("Hi %s, please find invoice %s for %s %s attached.", c.Name, inv.ID, inv.Total.StringFixed(2), inv.Currency)
	if args.Message != "" {
		body = args.Message + "\n\n" + body
	}
	email := Email{StudioID: ictx.StudioID, To: c.Email, Subject: "Invoice " + inv.ID, Body: body}
	if ictx.Simulated {
		return Preview{Simulated: true, Action: "send_invoice", Record: email}, nil
	}

	if _, err := t.backend.SendEmail(ctx, email); err != nil {
		return nil, err
	}
	return t.backend.MarkInvoiceSent(ctx, ictx.StudioID, inv.ID, t.now().UTC())
}

func (t *tools) sendEmail(ctx context.Context, args sendEmailArgs, ictx registry.InvocationContext) (any, error) {
	email := Email{StudioID: ictx.StudioID, To: args.To, Subject: args.Subject, Body: args.Body}
	if ictx.Simulated {
		return Preview{Simulated: true, Action: "send_email", Record: email}, nil
	}
	id, err := t.backend.SendEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	return map[string]string{"message_id": id}, nil
}

func (t *tools) issueRefund(ctx context.Context, args issueRefundArgs, ictx registry.InvocationContext) (any, error) {
	inv, err := t.backend.GetInvoice(ctx, ictx.StudioID, args.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != "sent" {
		return nil, fmt.Errorf("invoice %s has not been sent; nothing to refund", inv.ID)
	}
	r := Refund{
		StudioID:  ictx.StudioID,
		InvoiceID: inv.ID,
		Amount:    decimal.NewFromFloat(args.Amount),
		Currency:  args.Currency,
		Reason:    args.Reason,
	}
	if ictx.Simulated {
		return Preview{Simulated: true, Action: "issue_refund", Record: r}, nil
	}
	return t.backend.IssueRefund(ctx, r)
}
