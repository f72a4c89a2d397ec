package evaluators

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lumastudio/agentgate/internal/engine"
	"github.com/lumastudio/agentgate/internal/registry"
	"github.com/lumastudio/agentgate/internal/toolerr"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

const (
	defaultAmountPath   = "amount"
	defaultCurrencyPath = "currency"
)

// ConfirmationEvaluator applies the tool's confirmation policy.
type ConfirmationEvaluator struct{}

func NewConfirmationEvaluator() *ConfirmationEvaluator {
	return &ConfirmationEvaluator{}
}

func (e *ConfirmationEvaluator) Name() string {
	return engine.StageConfirmation
}

func (e *ConfirmationEvaluator) Evaluate(_ context.Context, req *engine.EvalRequest) toolerr.Error {
	p := req.Tool.Confirmation
	ictx := req.Context

	if p.Mode == "" || p.Mode == registry.ConfirmNone || ictx.Confirmed {
		return nil
	}
	strict := ictx.PolicyMode == registry.ModeStrict

	switch p.Mode {
	case registry.ConfirmAlways:
		return confirm(req, "tool always requires confirmation")
	case registry.ConfirmAboveThreshold:
		if strict {
			return confirm(req, "strict policy mode requires confirmation for monetary tools")
		}
		return checkThreshold(req, p, effectiveLimit(p.Limit, ictx.ApprovalLimit))
	}
	return nil
}

func checkThreshold(req *engine.EvalRequest, p registry.ConfirmationPolicy, limit registry.Money) toolerr.Error {
	amount, currency, err := extractAmount(p, req.Args)
	if err != nil {
		return confirm(req, fmt.Sprintf("could not determine amount: %v", err))
	}
	if currency != "" && !limit.SameCurrency(currency) {
		return confirm(req, fmt.Sprintf("amount currency %s differs from approval limit currency %s", currency, limit.Currency))
	}
	if amount.GreaterThan(limit.Amount) {
		return confirm(req, fmt.Sprintf("amount %s %s exceeds approval limit %s", amount.StringFixed(2), limit.Currency, limit))
	}
	return nil
}

// effectiveLimit prefers the caller's approval limit when it is in the policy currency.
func effectiveLimit(policy registry.Money, caller *registry.Money) registry.Money {
	if caller != nil && caller.SameCurrency(policy.Currency) {
		return *caller
	}
	return policy
}

func extractAmount(p registry.ConfirmationPolicy, args json.RawMessage) (decimal.Decimal, string, error) {
	if p.Amount != nil {
		return p.Amount(args)
	}
	amountPath := p.AmountPath
	if amountPath == "" {
		amountPath = defaultAmountPath
	}
	currencyPath := p.CurrencyPath
	if currencyPath == "" {
		currencyPath = defaultCurrencyPath
	}

	amount, err := SumAmounts(gjson.GetBytes(args, amountPath))
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("%s: %w", amountPath, err)
	}
	var currency string
	if c := gjson.GetBytes(args, currencyPath); c.Type == gjson.String {
		currency = c.Str
	}
	return amount, currency, nil
}

// SumAmounts converts a gjson result to a decimal. Arrays are summed and a
// missing value is zero. Numbers keep their literal precision.
func SumAmounts(r gjson.Result) (decimal.Decimal, error) {
	if !r.Exists() {
		return decimal.Zero, nil
	}
	if r.IsArray() {
		total := decimal.Zero
		for _, el := range r.Array() {
			d, err := SumAmounts(el)
			if err != nil {
				return decimal.Zero, err
			}
			total = total.Add(d)
		}
		return total, nil
	}
	switch r.Type {
	case gjson.Number:
		return decimal.NewFromString(r.Raw)
	case gjson.String:
		return decimal.NewFromString(r.Str)
	case gjson.Null:
		return decimal.Zero, nil
	default:
		return decimal.Zero, fmt.Errorf("not a number: %s", r.Raw)
	}
}

func confirm(req *engine.EvalRequest, reason string) toolerr.Error {
	return &toolerr.ConfirmRequiredError{
		Tool:   req.Tool.Name,
		Args:   append(json.RawMessage(nil), req.Args...),
		Reason: reason,
	}
}
