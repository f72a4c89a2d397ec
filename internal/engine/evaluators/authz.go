package evaluators

import (
	"context"
	"slices"

	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/toolerr"
)

// AuthzEvaluator requires every scope the tool declares to be granted by the caller.
type AuthzEvaluator struct{}

func NewAuthzEvaluator() *AuthzEvaluator {
	return &AuthzEvaluator{}
}

func (e *AuthzEvaluator) Name() string {
	return engine.StageAuthz
}

func (e *AuthzEvaluator) Evaluate(_ context.Context, req *engine.EvalRequest) toolerr.Error {
	required := req.Tool.RequiredScopes
	have := req.Context.UserScopes
	if len(registry.MissingScopes(have, required)) == 0 {
		return nil
	}
	return &toolerr.AuthzError{
		Tool:           req.Tool.Name,
		RequiredScopes: sortedCopy(required),
		UserScopes:     sortedCopy(have),
	}
}

func sortedCopy(s []string) []string {
	out := slices.Clone(s)
	slices.Sort(out)
	return out
}
