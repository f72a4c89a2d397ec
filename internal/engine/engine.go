package engine

import (
	"context"

	"go.uber.org/zap"
)

// GuardrailEngine runs evaluators in order; the first rejection wins and
// later stages are not consulted.
type GuardrailEngine struct {
	evaluators []Evaluator
	logger     *zap.Logger
}

// NewGuardrailEngine creates an engine with the given evaluators.
func NewGuardrailEngine(evaluators []Evaluator, logger *zap.Logger) *GuardrailEngine {
	return &GuardrailEngine{
		evaluators: evaluators,
		logger:     logger,
	}
}

// Check evaluates the request against every stage.
func (e *GuardrailEngine) Check(ctx context.Context, req *EvalRequest) Decision {
	for _, ev := range e.evaluators {
		if rej := ev.Evaluate(ctx, req); rej != nil {
			e.logger.Debug("guardrail rejected tool call",
				zap.String("stage", ev.Name()),
				zap.String("tool_name", req.Tool.Name),
				zap.String("session_id", req.Context.SessionID),
				zap.String("kind", string(rej.Kind())),
			)
			return reject(ev.Name(), rej)
		}
	}
	return allow()
}

// Stages returns the evaluator names in order.
func (e *GuardrailEngine) Stages() []string {
	names := make([]string, len(e.evaluators))
	for i, ev := range e.evaluators {
		names[i] = ev.Name()
	}
	return names
}
