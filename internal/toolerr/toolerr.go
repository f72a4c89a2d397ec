// Package toolerr defines the closed set of failures a tool invocation can end in.
//
// Every rejected or failed call produces exactly one of ValidationError,
// AuthzError, ConfirmRequiredError or ExecutionError. Callers switch on the
// concrete type or use errors.As; Kind gives a stable string for wire formats,
// metrics labels and audit rows.
package toolerr

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lumastudio/agentgate/internal/registry"
)

// Kind names a taxonomy member.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindAuthz           Kind = "authz"
	KindConfirmRequired Kind = "confirm_required"
	KindExecution       Kind = "execution"
)

// Error is implemented only by the four types in this package.
type Error interface {
	error
	Kind() Kind
	ToolName() string
	sealed()
}

// ValidationError means the arguments did not satisfy the tool's schema.
type ValidationError struct {
	Tool      string
	Violation string
	Cause     error // validator detail, may be nil
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid arguments for %s: %s", e.Tool, e.Violation)
}
func (e *ValidationError) Unwrap() error    { return e.Cause }
func (e *ValidationError) Kind() Kind       { return KindValidation }
func (e *ValidationError) ToolName() string { return e.Tool }
func (*ValidationError) sealed()            {}

// AuthzError means the caller lacks a scope the tool requires.
type AuthzError struct {
	Tool           string
	RequiredScopes []string
	UserScopes     []string
}

func (e *AuthzError) Error() string {
	return fmt.Sprintf("not authorized to call %s: missing scopes [%s]",
		e.Tool, strings.Join(e.Missing(), ", "))
}
func (e *AuthzError) Kind() Kind       { return KindAuthz }
func (e *AuthzError) ToolName() string { return e.Tool }
func (*AuthzError) sealed()            {}

// Missing returns the required scopes UserScopes does not grant.
func (e *AuthzError) Missing() []string {
	return registry.MissingScopes(e.UserScopes, e.RequiredScopes)
}

// ConfirmRequiredError means a human must approve the call before it runs.
// Args are the exact arguments that were evaluated; re-submitting them with
// confirmation lets the call proceed.
type ConfirmRequiredError struct {
	Tool   string
	Args   json.RawMessage
	Reason string
}

func (e *ConfirmRequiredError) Error() string {
	return fmt.Sprintf("%s requires confirmation: %s", e.Tool, e.Reason)
}
func (e *ConfirmRequiredError) Kind() Kind       { return KindConfirmRequired }
func (e *ConfirmRequiredError) ToolName() string { return e.Tool }
func (*ConfirmRequiredError) sealed()            {}

// ExecutionError means the handler ran and failed. Message is the handler's
// error text, unchanged.
type ExecutionError struct {
	Tool    string
	Message string
}

func (e *ExecutionError) Error() string    { return e.Message }
func (e *ExecutionError) Kind() Kind       { return KindExecution }
func (e *ExecutionError) ToolName() string { return e.Tool }
func (*ExecutionError) sealed()            {}

// KindOf returns the taxonomy kind of err, or "" if err is not (or does not wrap) one.
func KindOf(err error) Kind {
	var te Error
	if errors.As(err, &te) {
		return te.Kind()
	}
	return ""
}
