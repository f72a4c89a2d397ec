package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumastudio/agentgate/internal/schema"
	"github.com/shopspring/decimal"
)

// ToolDefinition describes a tool the agent can invoke.
// Registered once at startup and never mutated afterwards.
type ToolDefinition struct {
	Name            string
	Description     string
	ParameterSchema schema.Source
	RequiredScopes  []string
	Confirmation    ConfirmationPolicy
	Handler         Handler
}

// Handler executes a tool. args have already passed schema validation.
// Handlers must not cause durable external effects when ictx.Simulated is set.
type Handler func(ctx context.Context, args json.RawMessage, ictx InvocationContext) (any, error)

// Typed adapts a handler that takes a decoded argument struct.
func Typed[T any](fn func(ctx context.Context, args T, ictx InvocationContext) (any, error)) Handler {
	return func(ctx context.Context, raw json.RawMessage, ictx InvocationContext) (any, error) {
		var args T
		if err := json.Unmarshal(raw, &args); err != nil {
			return nil, fmt.Errorf("decode arguments: %w", err)
		}
		return fn(ctx, args, ictx)
	}
}

// PolicyMode governs how strictly confirmation policies are applied.
type PolicyMode string

const (
	ModeStandard PolicyMode = "standard"
	ModeStrict   PolicyMode = "strict"
)

// ParsePolicyMode maps a stored mode string to a PolicyMode. Unknown values are standard.
func ParsePolicyMode(s string) PolicyMode {
	if PolicyMode(s) == ModeStrict {
		return ModeStrict
	}
	return ModeStandard
}

// InvocationContext is built by the caller for a single tool call.
type InvocationContext struct {
	SessionID     string
	StudioID      string
	UserScopes    []string
	PolicyMode    PolicyMode
	ApprovalLimit *Money // nil = use the tool's own limit
	Simulated     bool
	Confirmed     bool // caller obtained explicit human confirmation for these exact args
}

// ConfirmMode selects when a tool call must be confirmed by a human.
type ConfirmMode string

const (
	ConfirmNone           ConfirmMode = "none"
	ConfirmAlways         ConfirmMode = "always"
	ConfirmAboveThreshold ConfirmMode = "above_threshold"
)

// AmountFunc extracts the monetary amount and currency implied by raw arguments.
// An empty currency means the arguments don't state one.
type AmountFunc func(args json.RawMessage) (decimal.Decimal, string, error)

// ConfirmationPolicy controls the confirmation guardrail for a tool.
type ConfirmationPolicy struct {
	Mode         ConfirmMode
	Limit        Money
	AmountPath   string     // gjson path, default "amount"; arrays are summed
	CurrencyPath string     // gjson path, default "currency"
	Amount       AmountFunc // overrides AmountPath/CurrencyPath when set
}

// NoConfirmation is the zero-friction policy.
func NoConfirmation() ConfirmationPolicy {
	return ConfirmationPolicy{Mode: ConfirmNone}
}

// AlwaysConfirm requires confirmation for every call.
func AlwaysConfirm() ConfirmationPolicy {
	return ConfirmationPolicy{Mode: ConfirmAlways}
}

// ConfirmAbove requires confirmation when the amount at amountPath exceeds limit.
func ConfirmAbove(limit Money, amountPath string) ConfirmationPolicy {
	return ConfirmationPolicy{
		Mode:       ConfirmAboveThreshold,
		Limit:      limit,
		AmountPath: amountPath,
	}
}
