package evaluators

import "github.com/lumastudio/agentgate/internal/engine"

// Defaults returns the guardrail stages in their fixed order:
// validation, authz, confirmation.
func Defaults(schemas SchemaCompiler) []engine.Evaluator {
	return []engine.Evaluator{
		NewArgumentValidationEvaluator(schemas),
		NewAuthzEvaluator(),
		NewConfirmationEvaluator(),
	}
}
