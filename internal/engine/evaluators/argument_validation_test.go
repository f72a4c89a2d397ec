package evaluators

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/toolerr"
	"go.uber.org/zap"
)

const sendEmailSchema = `{
	"type": "object",
	"properties": {
		"to":      {"type": "string"},
		"subject": {"type": "string"}
	},
	"required": ["to", "subject"]
}`

func validationRequest(src schema.Source, args string) *engine.EvalRequest {
	return &engine.EvalRequest{
		Tool: &registry.ToolDefinition{
			Name:            "send_email",
			ParameterSchema: src,
		},
		Args: json.RawMessage(args),
	}
}

func TestArgValidation_SchemaValid(t *testing.T) {
	e := NewArgumentValidationEvaluator(schema.NewAdapter(zap.NewNop()))
	rej := e.Evaluate(context.Background(), validationRequest(
		schema.Raw(sendEmailSchema),
		`{"to":"client@example.com","subject":"Your gallery is ready"}`,
	))
	if rej != nil {
		t.Fatalf("expected pass, got: %v", rej)
	}
}

func TestArgValidation_SchemaInvalid(t *testing.T) {
	e := NewArgumentValidationEvaluator(schema.NewAdapter(zap.NewNop()))
	rej := e.Evaluate(context.Background(), validationRequest(
		schema.Raw(sendEmailSchema),
		`{"subject":"Hello"}`,
	))
	ve, ok := rej.(*toolerr.ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", rej)
	}
	if ve.Tool != "send_email" {
		t.Fatalf("unexpected tool %s", ve.Tool)
	}
	if !strings.Contains(ve.Violation, "schema validation failed") {
		t.Fatalf("expected schema error, got: %s", ve.Violation)
	}
}

func TestArgValidation_WrongType(t *testing.T) {
	e := NewArgumentValidationEvaluator(schema.NewAdapter(zap.NewNop()))
	rej := e.Evaluate(context.Background(), validationRequest(
		schema.Raw(sendEmailSchema),
		`{"to":42,"subject":"Hello"}`,
	))
	if rej == nil || rej.Kind() != toolerr.KindValidation {
		t.Fatalf("expected validation rejection, got %v", rej)
	}
}

func TestArgValidation_MalformedJSON(t *testing.T) {
	e := NewArgumentValidationEvaluator(schema.NewAdapter(zap.NewNop()))
	rej := e.Evaluate(context.Background(), validationRequest(
		schema.Raw(sendEmailSchema),
		`{"to":`,
	))
	ve, ok := rej.(*toolerr.ValidationError)
	if !ok {
		t.Fatalf("expected ValidationError, got %T", rej)
	}
	if !strings.Contains(ve.Violation, "not valid JSON") {
		t.Fatalf("unexpected violation %s", ve.Violation)
	}
}

func TestArgValidation_FallbackSchemaAcceptsObjects(t *testing.T) {
	e := NewArgumentValidationEvaluator(schema.NewAdapter(zap.NewNop()))
	broken := schema.Raw(`{"$ref":"#/$defs/Nope"}`)
	rej := e.Evaluate(context.Background(), validationRequest(broken, `{"whatever":true}`))
	if rej != nil {
		t.Fatalf("fail-open schema should accept any object, got %v", rej)
	}
}

func TestArgValidation_ReflectedSchema(t *testing.T) {
	type args struct {
		ClientID string  `json:"client_id"`
		Amount   float64 `json:"amount"`
	}
	e := NewArgumentValidationEvaluator(schema.NewAdapter(zap.NewNop()))
	src := schema.For[args]()

	if rej := e.Evaluate(context.Background(), validationRequest(src, `{"client_id":"cl_1","amount":120.5}`)); rej != nil {
		t.Fatalf("expected pass, got %v", rej)
	}
	if rej := e.Evaluate(context.Background(), validationRequest(src, `{"client_id":"cl_1","amount":"lots"}`)); rej == nil {
		t.Fatal("expected rejection for string amount")
	}
}
