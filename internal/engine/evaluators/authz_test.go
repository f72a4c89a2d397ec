package evaluators

import (
	"context"
	"testing"

	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/toolerr"
)

func authzRequest(required, have []string) *engine.EvalRequest {
	return &engine.EvalRequest{
		Tool:    &registry.ToolDefinition{Name: "issue_refund", RequiredScopes: required},
		Context: registry.InvocationContext{UserScopes: have},
	}
}

func TestAuthz_SubsetPasses(t *testing.T) {
	e := NewAuthzEvaluator()
	rej := e.Evaluate(context.Background(), authzRequest(
		[]string{"payments:refund"},
		[]string{"clients:read", "payments:refund"},
	))
	if rej != nil {
		t.Fatalf("expected pass, got %v", rej)
	}
}

func TestAuthz_NoRequiredScopes(t *testing.T) {
	e := NewAuthzEvaluator()
	if rej := e.Evaluate(context.Background(), authzRequest(nil, nil)); rej != nil {
		t.Fatalf("expected pass, got %v", rej)
	}
}

func TestAuthz_MissingScopeReportsSortedSets(t *testing.T) {
	e := NewAuthzEvaluator()
	rej := e.Evaluate(context.Background(), authzRequest(
		[]string{"payments:refund", "invoices:write"},
		[]string{"sessions:read", "invoices:write"},
	))
	ae, ok := rej.(*toolerr.AuthzError)
	if !ok {
		t.Fatalf("expected AuthzError, got %T", rej)
	}
	if ae.RequiredScopes[0] != "invoices:write" || ae.RequiredScopes[1] != "payments:refund" {
		t.Fatalf("required scopes not sorted: %v", ae.RequiredScopes)
	}
	if ae.UserScopes[0] != "invoices:write" || ae.UserScopes[1] != "sessions:read" {
		t.Fatalf("user scopes not sorted: %v", ae.UserScopes)
	}
	if m := ae.Missing(); len(m) != 1 || m[0] != "payments:refund" {
		t.Fatalf("unexpected missing %v", m)
	}
}

func TestAuthz_Wildcards(t *testing.T) {
	e := NewAuthzEvaluator()
	if rej := e.Evaluate(context.Background(), authzRequest([]string{"payments:refund"}, []string{"*"})); rej != nil {
		t.Fatalf("* should grant everything, got %v", rej)
	}
	if rej := e.Evaluate(context.Background(), authzRequest([]string{"payments:refund"}, []string{"payments:*"})); rej != nil {
		t.Fatalf("payments:* should grant payments:refund, got %v", rej)
	}
	if rej := e.Evaluate(context.Background(), authzRequest([]string{"payments:refund"}, []string{"invoices:*"})); rej == nil {
		t.Fatal("invoices:* must not grant payments:refund")
	}
}

func TestAuthz_DoesNotMutateInputs(t *testing.T) {
	required := []string{"b", "a"}
	have := []string{"z"}
	e := NewAuthzEvaluator()
	e.Evaluate(context.Background(), authzRequest(required, have))
	if required[0] != "b" {
		t.Fatal("tool scopes were reordered in place")
	}
}
