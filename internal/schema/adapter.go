package schema

import (
	"fmt"
	"sync"

	"github.com/lumastudio/agentgate/internal/metrics"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
)

// FunctionSchema is the function-calling description of a tool sent to the LLM provider.
type FunctionSchema struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description" yaml:"description"`
	Parameters  map[string]any `json:"parameters" yaml:"parameters"`
}

// FallbackParameters is the permissive schema used when conversion fails.
func FallbackParameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{},
		"required":   []any{},
	}
}

// Adapter converts tool argument schemas into function-calling JSON Schema.
// Conversion never fails: broken schemas degrade to FallbackParameters.
// Results are memoised per tool name.
type Adapter struct {
	cache  sync.Map // map[string]*adapted
	logger *zap.Logger
}

type adapted struct {
	once     sync.Once
	params   map[string]any
	compiled *jsonschema.Schema // nil = accept any JSON value
	fallback bool
}

// NewAdapter creates an Adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	return &Adapter{logger: logger}
}

// ToolSchema returns the function schema for a tool. The returned parameters
// are a private copy.
func (a *Adapter) ToolSchema(name, description string, src Source) FunctionSchema {
	e := a.load(name, src)
	return FunctionSchema{
		Name:        name,
		Description: description,
		Parameters:  clone(e.params).(map[string]any),
	}
}

// Compiled returns the validator for the tool's parameters, built from the same
// resolved schema the LLM sees. nil means arguments are not schema-checked.
func (a *Adapter) Compiled(name string, src Source) *jsonschema.Schema {
	return a.load(name, src).compiled
}

// UsedFallback reports whether the tool's schema degraded to FallbackParameters.
func (a *Adapter) UsedFallback(name string, src Source) bool {
	return a.load(name, src).fallback
}

func (a *Adapter) load(name string, src Source) *adapted {
	v, _ := a.cache.LoadOrStore(name, &adapted{})
	e := v.(*adapted)
	e.once.Do(func() {
		params, err := Convert(src)
		if err != nil {
			a.logger.Warn("tool schema conversion failed, using permissive fallback",
				zap.String("tool_name", name),
				zap.Error(err),
			)
			metrics.SchemaFallback(name)
			params = FallbackParameters()
			e.fallback = true
		}
		e.params = params

		compiled, err := compile(params)
		if err != nil {
			a.logger.Warn("tool schema compile failed, arguments will not be schema-checked",
				zap.String("tool_name", name),
				zap.Error(err),
			)
		}
		e.compiled = compiled
	})
	return e
}

// Convert turns src into a self-contained object schema. Unlike ToolSchema it
// reports failures instead of falling back.
func Convert(src Source) (params map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			params, err = nil, fmt.Errorf("schema conversion panicked: %v", r)
		}
	}()

	if src == nil {
		return nil, fmt.Errorf("nil schema source")
	}
	doc, err := src.JSONSchema()
	if err != nil {
		return nil, err
	}
	resolved, err := resolve(doc)
	if err != nil {
		return nil, err
	}
	if _, ok := resolved["type"]; !ok {
		return nil, fmt.Errorf("resolved schema has no type")
	}
	if !isObjectSchema(resolved) {
		return nil, fmt.Errorf("resolved schema type %v is not object", resolved["type"])
	}
	if _, ok := resolved["properties"]; !ok {
		resolved["properties"] = map[string]any{}
	}
	if _, ok := resolved["required"]; !ok {
		resolved["required"] = []any{}
	}
	return resolved, nil
}

func compile(params map[string]any) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", clone(params)); err != nil {
		return nil, err
	}
	return c.Compile("schema.json")
}

func clone(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, c := range t {
			out[k] = clone(c)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, c := range t {
			out[i] = clone(c)
		}
		return out
	default:
		return t
	}
}
