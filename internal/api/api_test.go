package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/lumastudio/agentgate/internal/audit"
	"github.com/lumastudio/agentgate/internal/auth"
	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/engine/evaluators"
	"github.com/lumastudio/agentgate/internal/executor"
	"github.com/lumastudio/agentgate/internal/pipeline"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/shadow"
	"github.com/lumastudio/agentgate/internal/storage"
	"go.uber.org/zap"
)

const apiKey = "agk_0123456789abcdef"

type unavailableAuth struct{}

func (unavailableAuth) Authenticate(context.Context, string) (*auth.Principal, error) {
	return nil, auth.ErrAuthUnavailable
}

type server struct {
	*httptest.Server
	p *pipeline.Pipeline
}

func newServer(t *testing.T, authenticator auth.Authenticator) *server {
	t.Helper()
	logger := zap.NewNop()

	reg := registry.New()
	reg.MustRegister(
		registry.ToolDefinition{
			Name:        "create_invoice",
			Description: "Create a draft invoice",
			ParameterSchema: schema.Raw(`{
				"type": "object",
				"required": ["client_id", "amount", "currency"],
				"properties": {
					"client_id": {"type": "string"},
					"amount":    {"type": "number"},
					"currency":  {"type": "string"}
				},
				"additionalProperties": false
			}`),
			RequiredScopes: []string{"invoices:write"},
			Confirmation:   registry.ConfirmAbove(registry.MustMoney("500", "EUR"), "amount"),
			Handler: func(_ context.Context, args json.RawMessage, _ registry.InvocationContext) (any, error) {
				return map[string]string{"invoice_id": "inv_1"}, nil
			},
		},
		registry.ToolDefinition{
			Name:            "issue_refund",
			ParameterSchema: schema.Raw(`{"type":"object"}`),
			RequiredScopes:  []string{"payments:refund"},
			Handler: func(context.Context, json.RawMessage, registry.InvocationContext) (any, error) {
				return map[string]bool{"refunded": true}, nil
			},
		},
		registry.ToolDefinition{
			Name:            "sync_calendar",
			ParameterSchema: schema.Raw(`{"type":"object"}`),
			Handler: func(context.Context, json.RawMessage, registry.InvocationContext) (any, error) {
				return nil, errors.New("calendar provider returned 503")
			},
		},
	)
	reg.Seal()

	schemas := schema.NewAdapter(logger)
	auditLog := audit.NewLogger(storage.NewMemoryStore(), audit.Config{}, logger)
	p := pipeline.New(reg, schemas,
		engine.NewGuardrailEngine(evaluators.Defaults(schemas), logger),
		executor.New(executor.Config{Timeout: time.Second}, logger),
		auditLog,
		shadow.NewComparator(auditLog, shadow.Config{}, logger),
		pipeline.Config{},
		logger,
	)

	srv := httptest.NewServer(NewRouter(&Dependencies{Pipeline: p, Auth: authenticator, Logger: logger}))
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})
	return &server{Server: srv, p: p}
}

func studioAuth() auth.Authenticator {
	return auth.NewStaticAuthenticator(auth.Principal{
		StudioID: "studio_1",
		Scopes:   []string{"invoices:write"},
		Mode:     registry.ModeStandard,
	})
}

func (s *server) do(t *testing.T, method, path string, body any, into any) int {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, rdr)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if into != nil {
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func (s *server) doRaw(t *testing.T, method, path, body string, into any) ([]byte, int) {
	t.Helper()
	req, err := http.NewRequest(method, s.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if into != nil {
		if err := json.Unmarshal(raw, into); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return raw, resp.StatusCode
}

func TestInvoke_StatusMapping(t *testing.T) {
	s := newServer(t, studioAuth())

	cases := []struct {
		name   string
		tool   string
		body   InvokeRequest
		status int
		kind   string
	}{
		{"success", "create_invoice", InvokeRequest{SessionID: "chat_1", Arguments: json.RawMessage(`{"client_id":"c","amount":100,"currency":"EUR"}`)}, http.StatusOK, ""},
		{"validation", "create_invoice", InvokeRequest{SessionID: "chat_1", Arguments: json.RawMessage(`{"client_id":"c"}`)}, http.StatusUnprocessableEntity, "validation"},
		{"authz", "issue_refund", InvokeRequest{SessionID: "chat_1"}, http.StatusForbidden, "authz"},
		{"confirm", "create_invoice", InvokeRequest{SessionID: "chat_1", Arguments: json.RawMessage(`{"client_id":"c","amount":600,"currency":"EUR"}`)}, http.StatusConflict, "confirm_required"},
		{"execution", "sync_calendar", InvokeRequest{SessionID: "chat_1"}, http.StatusBadGateway, "execution"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var resp InvokeResp
			status := s.do(t, http.MethodPost, "/v1/tools/"+c.tool+"/invoke", c.body, &resp)
			if status != c.status {
				t.Fatalf("expected %d, got %d (%+v)", c.status, status, resp)
			}
			if c.kind == "" {
				if !resp.OK || resp.Error != nil || resp.AuditID == "" {
					t.Fatalf("unexpected success body %+v", resp)
				}
				return
			}
			if resp.OK || resp.Error == nil || resp.Error.Kind != c.kind {
				t.Fatalf("expected %s error, got %+v", c.kind, resp)
			}
		})
	}
}

func TestInvoke_ConfirmRoundTrip(t *testing.T) {
	s := newServer(t, studioAuth())
	args := json.RawMessage(`{"client_id":"c","amount":600,"currency":"EUR"}`)

	var first InvokeResp
	if status := s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke", InvokeRequest{SessionID: "chat_2", Arguments: args}, &first); status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if first.Error.Args != string(args) || first.Error.Reason == "" || first.Error.ConfirmationToken == "" {
		t.Fatalf("unexpected confirmation body %+v", first.Error)
	}

	var second InvokeResp
	status := s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke",
		InvokeRequest{SessionID: "chat_2", Arguments: json.RawMessage(first.Error.Args), ConfirmationToken: first.Error.ConfirmationToken}, &second)
	if status != http.StatusOK || !second.OK {
		t.Fatalf("confirmed call should succeed: %d %+v", status, second)
	}
}

func TestInvoke_ConfirmArgsAreExactBytes(t *testing.T) {
	s := newServer(t, studioAuth())
	args := `{ "client_id" : "Smith & <Jones>",  "amount": 600, "currency":"EUR" }`

	var first InvokeResp
	body := `{"session_id":"chat_2b","arguments":` + args + `}`
	raw, status := s.doRaw(t, http.MethodPost, "/v1/tools/create_invoice/invoke", body, &first)
	if status != http.StatusConflict {
		t.Fatalf("expected 409, got %d", status)
	}
	if first.Error.Args != args {
		t.Fatalf("args not byte-identical:\n got %s\nwant %s", first.Error.Args, args)
	}
	if !bytes.Contains(raw, []byte("Smith & <Jones>")) {
		t.Fatalf("response must not HTML-escape arguments: %s", raw)
	}

	// A client that re-encodes the arguments still matches the token.
	var second InvokeResp
	body = `{"session_id":"chat_2b","arguments":{"client_id":"Smith & <Jones>","amount":600,"currency":"EUR"},"confirmation_token":"` + first.Error.ConfirmationToken + `"}`
	_, status = s.doRaw(t, http.MethodPost, "/v1/tools/create_invoice/invoke", body, &second)
	if status != http.StatusOK || !second.OK {
		t.Fatalf("confirmed call should succeed: %d %+v", status, second)
	}
}

func TestInvoke_ConfirmationTokenBoundToCall(t *testing.T) {
	s := newServer(t, studioAuth())
	args := json.RawMessage(`{"client_id":"c","amount":600,"currency":"EUR"}`)

	var first InvokeResp
	s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke", InvokeRequest{SessionID: "chat_9", Arguments: args}, &first)
	token := first.Error.ConfirmationToken

	cases := []struct {
		name string
		req  InvokeRequest
	}{
		{"no token", InvokeRequest{SessionID: "chat_9", Arguments: args}},
		{"other amount", InvokeRequest{SessionID: "chat_9", Arguments: json.RawMessage(`{"client_id":"c","amount":6000,"currency":"EUR"}`), ConfirmationToken: token}},
		{"other session", InvokeRequest{SessionID: "chat_10", Arguments: args, ConfirmationToken: token}},
		{"forged token", InvokeRequest{SessionID: "chat_9", Arguments: args, ConfirmationToken: token + "A"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var resp InvokeResp
			if status := s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke", c.req, &resp); status != http.StatusConflict {
				t.Fatalf("expected 409, got %d (%+v)", status, resp)
			}
		})
	}

	// A confirmed flag from the client is not enough.
	_, status := s.doRaw(t, http.MethodPost, "/v1/tools/create_invoice/invoke",
		`{"session_id":"chat_9","arguments":{"client_id":"c","amount":600,"currency":"EUR"},"confirmed":true}`, nil)
	if status != http.StatusConflict {
		t.Fatalf("expected 409 for a bare confirmed flag, got %d", status)
	}
}

func TestInvoke_AuthzBodyListsScopes(t *testing.T) {
	s := newServer(t, studioAuth())
	var resp InvokeResp
	s.do(t, http.MethodPost, "/v1/tools/issue_refund/invoke", InvokeRequest{SessionID: "chat_3"}, &resp)
	if len(resp.Error.MissingScopes) != 1 || resp.Error.MissingScopes[0] != "payments:refund" {
		t.Fatalf("unexpected authz body %+v", resp.Error)
	}
}

func TestInvoke_UnknownToolAndBadRequests(t *testing.T) {
	s := newServer(t, studioAuth())
	if status := s.do(t, http.MethodPost, "/v1/tools/nope/invoke", InvokeRequest{SessionID: "chat_4"}, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
	if status := s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke", InvokeRequest{}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 without session, got %d", status)
	}
}

func TestAuth(t *testing.T) {
	s := newServer(t, studioAuth())

	resp, err := http.Get(s.URL + "/v1/tools")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without key, got %d", resp.StatusCode)
	}

	down := newServer(t, unavailableAuth{})
	if status := down.do(t, http.MethodGet, "/v1/tools", nil, nil); status != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when auth is unavailable, got %d", status)
	}

	resp, err = http.Get(s.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz must not need auth, got %d", resp.StatusCode)
	}
}

func TestTools(t *testing.T) {
	s := newServer(t, studioAuth())

	var list ToolListResp
	if status := s.do(t, http.MethodGet, "/v1/tools", nil, &list); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(list.Tools) != 3 || list.Tools[0].Name != "create_invoice" || list.Tools[2].Name != "sync_calendar" {
		t.Fatalf("unexpected tool list %+v", list.Tools)
	}

	var fs schema.FunctionSchema
	if status := s.do(t, http.MethodGet, "/v1/tools/create_invoice/schema", nil, &fs); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if fs.Parameters["type"] != "object" || fs.Description != "Create a draft invoice" {
		t.Fatalf("unexpected schema %+v", fs)
	}
	if status := s.do(t, http.MethodGet, "/v1/tools/nope/schema", nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", status)
	}
}

func TestTurn_ResultsInOrder(t *testing.T) {
	s := newServer(t, studioAuth())
	var resp TurnResp
	status := s.do(t, http.MethodPost, "/v1/turns", TurnRequest{
		SessionID: "chat_5",
		Calls: []TurnCall{
			{Tool: "create_invoice", Arguments: json.RawMessage(`{"client_id":"c","amount":10,"currency":"EUR"}`)},
			{Tool: "nope"},
			{Tool: "issue_refund"},
		},
	}, &resp)
	if status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(resp.Results) != 3 {
		t.Fatalf("expected 3 results, got %d", len(resp.Results))
	}
	if !resp.Results[0].OK || resp.Results[1].Error.Kind != "not_found" || resp.Results[2].Error.Kind != "authz" {
		t.Fatalf("unexpected results %+v", resp.Results)
	}

	if status := s.do(t, http.MethodPost, "/v1/turns", TurnRequest{SessionID: "chat_5"}, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty turn, got %d", status)
	}
}

func TestTurn_ConfirmationIsPerCall(t *testing.T) {
	s := newServer(t, studioAuth())
	approved := json.RawMessage(`{"client_id":"c","amount":700,"currency":"EUR"}`)
	other := json.RawMessage(`{"client_id":"d","amount":9000,"currency":"EUR"}`)

	var first InvokeResp
	s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke", InvokeRequest{SessionID: "chat_11", Arguments: approved}, &first)
	if first.Error == nil || first.Error.ConfirmationToken == "" {
		t.Fatalf("expected a confirmation token, got %+v", first)
	}

	var resp TurnResp
	status := s.do(t, http.MethodPost, "/v1/turns", TurnRequest{
		SessionID: "chat_11",
		Calls: []TurnCall{
			{Tool: "create_invoice", Arguments: approved, ConfirmationToken: first.Error.ConfirmationToken},
			{Tool: "create_invoice", Arguments: other},
			{Tool: "create_invoice", Arguments: other, ConfirmationToken: first.Error.ConfirmationToken},
		},
	}, &resp)
	if status != http.StatusOK || len(resp.Results) != 3 {
		t.Fatalf("unexpected turn response %d %+v", status, resp)
	}
	if !resp.Results[0].OK {
		t.Fatalf("approved call should run: %+v", resp.Results[0])
	}
	for _, r := range resp.Results[1:] {
		if r.OK || r.Error.Kind != "confirm_required" || r.Error.Args != string(other) || r.Error.ConfirmationToken == "" {
			t.Fatalf("unapproved call must need its own confirmation: %+v", r)
		}
	}
}

func TestAudit_SessionAndStats(t *testing.T) {
	s := newServer(t, studioAuth())
	since := time.Now().Add(-time.Minute).UTC().Format(time.RFC3339)

	s.do(t, http.MethodPost, "/v1/tools/create_invoice/invoke",
		InvokeRequest{SessionID: "chat_6", Arguments: json.RawMessage(`{"client_id":"c","amount":1,"currency":"EUR"}`)}, nil)
	s.do(t, http.MethodPost, "/v1/tools/sync_calendar/invoke", InvokeRequest{SessionID: "chat_6"}, nil)
	s.p.Close()

	var timeline SessionAuditResp
	if status := s.do(t, http.MethodGet, "/v1/sessions/chat_6/audit", nil, &timeline); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if len(timeline.Entries) != 2 || timeline.Entries[0].Tool != "create_invoice" || timeline.Entries[1].ErrorKind != "execution" {
		t.Fatalf("unexpected timeline %+v", timeline.Entries)
	}

	var stats AuditStatsResp
	if status := s.do(t, http.MethodGet, "/v1/audit/stats?since="+since, nil, &stats); status != http.StatusOK {
		t.Fatalf("expected 200, got %d", status)
	}
	if stats.Stats.Total != 2 || stats.Stats.SuccessRate != 50 || stats.StudioID != "studio_1" {
		t.Fatalf("unexpected stats %+v", stats.Stats)
	}

	if status := s.do(t, http.MethodGet, "/v1/audit/stats?since=yesterday", nil, nil); status != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad since, got %d", status)
	}
}
