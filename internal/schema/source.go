package schema

import (
	"encoding/json"
	"fmt"

	"github.com/invopop/jsonschema"
)

// Source yields the JSON Schema form of a tool's argument schema.
// The result may use $ref indirection into $defs or definitions.
type Source interface {
	JSONSchema() (map[string]any, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func() (map[string]any, error)

func (f SourceFunc) JSONSchema() (map[string]any, error) { return f() }

// For reflects the Go type T into JSON Schema. Fields without omitempty are
// required and unknown properties are rejected.
func For[T any]() Source {
	return SourceFunc(func() (map[string]any, error) {
		r := &jsonschema.Reflector{
			Anonymous:                 true,
			AllowAdditionalProperties: false,
		}
		s := r.Reflect(new(T))
		raw, err := json.Marshal(s)
		if err != nil {
			return nil, fmt.Errorf("reflect %T: %w", *new(T), err)
		}
		return decodeObject(raw)
	})
}

// Raw uses a literal JSON Schema document.
func Raw(doc string) Source {
	return SourceFunc(func() (map[string]any, error) {
		return decodeObject([]byte(doc))
	})
}

// Map uses an already-decoded JSON Schema document. The map is deep-copied on each call.
func Map(doc map[string]any) Source {
	return SourceFunc(func() (map[string]any, error) {
		raw, err := json.Marshal(doc)
		if err != nil {
			return nil, err
		}
		return decodeObject(raw)
	})
}

func decodeObject(raw []byte) (map[string]any, error) {
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("schema is not a JSON object: %w", err)
	}
	if out == nil {
		return nil, fmt.Errorf("schema is null")
	}
	return out, nil
}
