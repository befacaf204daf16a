package tape

import (
	"encoding/json"
	"fmt"
	"strings"
)

// strippedKeywords are JSON-Schema keywords strict function-calling APIs
// reject. definitions is the draft-07 spelling of $defs.
var strippedKeywords = map[string]bool{
	"$schema":              true,
	"$defs":                true,
	"definitions":          true,
	"title":                true,
	"additionalProperties": true,
}

// FlattenSchema normalizes a JSON-Schema document for strict consumers:
// local $ref pointers are inlined against $defs/definitions, and the
// keywords strict APIs reject are stripped at every level. Reference cycles
// are a hard error. The result is deterministic (sorted keys) and flattening
// an already-flat schema returns it unchanged.
func FlattenSchema(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 {
		return json.RawMessage(`{"properties":{},"type":"object"}`), nil
	}
	var root map[string]any
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil, fmt.Errorf("schema: parse: %w", err)
	}

	defs := map[string]any{}
	for _, key := range []string{"$defs", "definitions"} {
		if m, ok := root[key].(map[string]any); ok {
			for name, sub := range m {
				defs[name] = sub
			}
		}
	}

	flat, err := flattenNode(root, defs, nil)
	if err != nil {
		return nil, err
	}
	out, err := json.Marshal(flat)
	if err != nil {
		return nil, fmt.Errorf("schema: encode: %w", err)
	}
	return out, nil
}

func flattenNode(node, defs map[string]any, stack []string) (map[string]any, error) {
	if ref, ok := node["$ref"]; ok {
		refStr, ok := ref.(string)
		if !ok {
			return nil, fmt.Errorf("schema: $ref must be a string, got %T", ref)
		}
		name, target, err := resolveRef(refStr, defs)
		if err != nil {
			return nil, err
		}
		for _, seen := range stack {
			if seen == name {
				return nil, fmt.Errorf("schema: reference cycle: %s", strings.Join(append(stack, name), " -> "))
			}
		}
		// Sibling keys of $ref (typically description) override the target.
		merged := make(map[string]any, len(target)+len(node))
		for k, v := range target {
			merged[k] = v
		}
		for k, v := range node {
			if k != "$ref" {
				merged[k] = v
			}
		}
		return flattenNode(merged, defs, append(stack, name))
	}

	out := make(map[string]any, len(node))
	for key, val := range node {
		if strippedKeywords[key] {
			continue
		}
		switch key {
		case "properties":
			props, ok := val.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("schema: properties must be an object, got %T", val)
			}
			flatProps := make(map[string]any, len(props))
			for name, sub := range props {
				flat, err := flattenValue(sub, defs, stack)
				if err != nil {
					return nil, err
				}
				flatProps[name] = flat
			}
			out[key] = flatProps
		case "items", "prefixItems", "allOf", "anyOf", "oneOf":
			flat, err := flattenValue(val, defs, stack)
			if err != nil {
				return nil, err
			}
			out[key] = flat
		default:
			out[key] = val
		}
	}
	return out, nil
}

// flattenValue recurses into subschemas that may be a single schema object
// or a list of them (items in tuple form, allOf/anyOf/oneOf, prefixItems).
func flattenValue(val any, defs map[string]any, stack []string) (any, error) {
	switch v := val.(type) {
	case map[string]any:
		return flattenNode(v, defs, stack)
	case []any:
		out := make([]any, len(v))
		for i, sub := range v {
			flat, err := flattenValue(sub, defs, stack)
			if err != nil {
				return nil, err
			}
			out[i] = flat
		}
		return out, nil
	default:
		return val, nil
	}
}

func resolveRef(ref string, defs map[string]any) (string, map[string]any, error) {
	var name string
	switch {
	case strings.HasPrefix(ref, "#/$defs/"):
		name = strings.TrimPrefix(ref, "#/$defs/")
	case strings.HasPrefix(ref, "#/definitions/"):
		name = strings.TrimPrefix(ref, "#/definitions/")
	default:
		return "", nil, fmt.Errorf("schema: unsupported reference %q, only local #/$defs and #/definitions resolve", ref)
	}
	if strings.Contains(name, "/") {
		return "", nil, fmt.Errorf("schema: unsupported nested reference %q", ref)
	}
	target, ok := defs[name].(map[string]any)
	if !ok {
		return "", nil, fmt.Errorf("schema: unresolved reference %q", ref)
	}
	return name, target, nil
}
