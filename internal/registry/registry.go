package registry

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrDuplicate is matched by DuplicateToolError.
	ErrDuplicate = errors.New("tool already registered")
	// ErrNotFound is matched by NotFoundError.
	ErrNotFound = errors.New("tool not found")
	// ErrSealed is returned by Register after Seal.
	ErrSealed = errors.New("registry is sealed")
)

// DuplicateToolError is returned when a tool name is registered twice.
type DuplicateToolError struct {
	Name string
}

func (e *DuplicateToolError) Error() string { return fmt.Sprintf("tool already registered: %s", e.Name) }
func (e *DuplicateToolError) Is(target error) bool { return target == ErrDuplicate }

// NotFoundError is returned when no tool with the given name exists.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("tool not found: %s", e.Name) }
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ToolRegistry provides tool definitions to the pipeline.
type ToolRegistry interface {
	// Get returns the definition for name, or a *NotFoundError.
	Get(name string) (*ToolDefinition, error)
	// List returns all definitions in registration order.
	List() []*ToolDefinition
}

// Registry is the in-process tool catalog. Tools are registered at startup;
// after Seal the registry is read-only and reads take no lock.
type Registry struct {
	mu     sync.Mutex
	sealed atomic.Bool
	tools  map[string]*ToolDefinition
	order  []*ToolDefinition
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{tools: make(map[string]*ToolDefinition)}
}

// Register adds a tool. The definition is copied; later changes to def have no effect.
func (r *Registry) Register(def ToolDefinition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("Register: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed.Load() {
		return fmt.Errorf("Register %s: %w", def.Name, ErrSealed)
	}
	if _, exists := r.tools[def.Name]; exists {
		return &DuplicateToolError{Name: def.Name}
	}

	def.RequiredScopes = append([]string(nil), def.RequiredScopes...)
	stored := &def
	r.tools[def.Name] = stored
	r.order = append(r.order, stored)
	return nil
}

// MustRegister is Register for init-time wiring.
func (r *Registry) MustRegister(defs ...ToolDefinition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Seal makes the registry read-only.
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed.Store(true)
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*ToolDefinition, error) {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	td, ok := r.tools[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return td, nil
}

// List returns every tool in registration order.
func (r *Registry) List() []*ToolDefinition {
	if !r.sealed.Load() {
		r.mu.Lock()
		defer r.mu.Unlock()
	}
	out := make([]*ToolDefinition, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.List())
}

func validateDefinition(def ToolDefinition) error {
	if def.Name == "" {
		return errors.New("tool name cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool %s: handler cannot be nil", def.Name)
	}
	if def.ParameterSchema == nil {
		return fmt.Errorf("tool %s: parameter schema cannot be nil", def.Name)
	}
	switch def.Confirmation.Mode {
	case "", ConfirmNone, ConfirmAlways:
	case ConfirmAboveThreshold:
		if def.Confirmation.Limit.Currency == "" {
			return fmt.Errorf("tool %s: above_threshold policy needs a limit currency", def.Name)
		}
	default:
		return fmt.Errorf("tool %s: unknown confirmation mode %q", def.Name, def.Confirmation.Mode)
	}
	return nil
}
