package evaluators

import (
	"bytes"
	"context"
	"fmt"

	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/lumastudio/agentgate/internal/toolerr"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// SchemaCompiler yields the compiled argument schema for a tool.
// nil means the tool's arguments are not structurally checked.
type SchemaCompiler interface {
	Compiled(name string, src schema.Source) *jsonschema.Schema
}

// ArgumentValidationEvaluator checks raw arguments against the tool's parameter schema.
type ArgumentValidationEvaluator struct {
	schemas SchemaCompiler
}

func NewArgumentValidationEvaluator(schemas SchemaCompiler) *ArgumentValidationEvaluator {
	return &ArgumentValidationEvaluator{schemas: schemas}
}

func (e *ArgumentValidationEvaluator) Name() string {
	return engine.StageValidation
}

func (e *ArgumentValidationEvaluator) Evaluate(_ context.Context, req *engine.EvalRequest) toolerr.Error {
	td := req.Tool

	args, err := jsonschema.UnmarshalJSON(bytes.NewReader(req.Args))
	if err != nil {
		return &toolerr.ValidationError{
			Tool:      td.Name,
			Violation: fmt.Sprintf("arguments are not valid JSON: %v", err),
			Cause:     err,
		}
	}

	sch := e.schemas.Compiled(td.Name, td.ParameterSchema)
	if sch == nil {
		return nil
	}
	if err := sch.Validate(args); err != nil {
		return &toolerr.ValidationError{
			Tool:      td.Name,
			Violation: fmt.Sprintf("schema validation failed: %v", err),
			Cause:     err,
		}
	}
	return nil
}
