package engine

import (
	"context"
	"encoding/json"

	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/toolerr"
)

// Evaluator is one guardrail stage. Implementations must be pure: no I/O,
// no side effects, deterministic for the same request.
type Evaluator interface {
	// Name returns the stage identifier.
	Name() string

	// Evaluate returns nil to let the call through, or the rejection.
	Evaluate(ctx context.Context, req *EvalRequest) toolerr.Error
}

// EvalRequest contains all the context needed for evaluation.
type EvalRequest struct {
	Tool    *registry.ToolDefinition
	Args    json.RawMessage
	Context registry.InvocationContext
}
