package pipeline

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/shadow"
)

// Plan is what a planning agent path decided to do for one input.
type Plan struct {
	Text  string `json:"text"`
	Calls []Call `json:"calls"`
}

// Planner turns a user input into a Plan.
type Planner func(ctx context.Context, input string) (*Plan, error)

// PlanRunner adapts a Planner into a shadow.Runner that executes the planned
// calls through the pipeline. Calls run with Simulated set and are not
// audited: the session timeline and stats only show what the user's agent
// did. A planner cannot confirm its own calls.
func (p *Pipeline) PlanRunner(planner Planner, ictx registry.InvocationContext) shadow.Runner {
	ictx.Simulated = true
	return func(ctx context.Context, input string) (*shadow.Outcome, error) {
		plan, err := planner(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("PlanRunner: %w", err)
		}
		encoded, err := json.Marshal(plan)
		if err != nil {
			return nil, fmt.Errorf("PlanRunner: %w", err)
		}

		calls := make([]Call, len(plan.Calls))
		for i, c := range plan.Calls {
			calls[i] = Call{Tool: c.Tool, Args: c.Args}
		}
		results := p.invokeBatch(ctx, calls, ictx, false)
		steps := make([]shadow.StepResult, len(results))
		for i, r := range results {
			steps[i] = stepResult(plan.Calls[i], r)
		}
		return &shadow.Outcome{Text: plan.Text, Plan: encoded, Results: steps}, nil
	}
}

func stepResult(c Call, r BatchResult) shadow.StepResult {
	step := shadow.StepResult{Tool: c.Tool, Args: NormalizeArgs(c.Args)}
	switch {
	case r.Err != nil:
		step.Error = r.Err.Error()
	case r.Outcome.OK:
		step.OK = true
		step.Result = r.Outcome.Result
	default:
		step.Error = r.Outcome.Err.Error()
	}
	return step
}
