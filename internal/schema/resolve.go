package schema

import (
	"fmt"
	"strings"
)

// maxRefDepth bounds $ref inlining; self-referencing schemas exceed it.
const maxRefDepth = 16

// resolve returns a self-contained copy of doc: a root $ref is replaced by its
// target and nested refs are inlined. Meta keys ($schema, $id, $defs,
// definitions) are dropped from the result.
func resolve(doc map[string]any) (map[string]any, error) {
	defs := map[string]map[string]any{}
	collectDefs(doc, "$defs", defs)
	collectDefs(doc, "definitions", defs)

	out, err := inline(doc, defs, 0)
	if err != nil {
		return nil, err
	}
	m, ok := out.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("resolved schema is %T, not an object", out)
	}
	for _, k := range []string{"$schema", "$id", "$defs", "definitions"} {
		delete(m, k)
	}
	return m, nil
}

func collectDefs(doc map[string]any, key string, into map[string]map[string]any) {
	raw, ok := doc[key].(map[string]any)
	if !ok {
		return
	}
	for name, v := range raw {
		if def, ok := v.(map[string]any); ok {
			into["#/"+key+"/"+escapePointer(name)] = def
		}
	}
}

func inline(node any, defs map[string]map[string]any, depth int) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		if ref, ok := v["$ref"].(string); ok {
			if depth >= maxRefDepth {
				return nil, fmt.Errorf("$ref %s: nesting deeper than %d (cyclic schema?)", ref, maxRefDepth)
			}
			target, ok := defs[ref]
			if !ok {
				return nil, fmt.Errorf("unresolvable $ref %q", ref)
			}
			resolved, err := inline(target, defs, depth+1)
			if err != nil {
				return nil, err
			}
			merged := resolved.(map[string]any)
			// Sibling keywords (description, title) override the target's.
			for k, sib := range v {
				if k == "$ref" || k == "$defs" || k == "definitions" {
					continue
				}
				out, err := inline(sib, defs, depth)
				if err != nil {
					return nil, err
				}
				merged[k] = out
			}
			return merged, nil
		}
		out := make(map[string]any, len(v))
		for k, child := range v {
			if k == "$defs" || k == "definitions" {
				continue
			}
			c, err := inline(child, defs, depth)
			if err != nil {
				return nil, err
			}
			out[k] = c
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, child := range v {
			c, err := inline(child, defs, depth)
			if err != nil {
				return nil, err
			}
			out[i] = c
		}
		return out, nil
	default:
		return v, nil
	}
}

func escapePointer(s string) string {
	s = strings.ReplaceAll(s, "~", "~0")
	return strings.ReplaceAll(s, "/", "~1")
}

// isObjectSchema reports whether s declares type "object" (alone or in a type list).
func isObjectSchema(s map[string]any) bool {
	switch t := s["type"].(type) {
	case string:
		return t == "object"
	case []any:
		for _, e := range t {
			if e == "object" {
				return true
			}
		}
	}
	return false
}
