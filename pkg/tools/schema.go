package tools

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CleanSchema strips the meta-schema reference remote servers embed in their
// input schemas. The validator resolves "$schema" against the network
// otherwise, and the function-calling API rejects it anyway.
func CleanSchema(schema map[string]any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if k == "$schema" {
			continue
		}
		out[k] = v
	}
	return out
}

// ensureStrict closes object schemas that declare properties but no
// additionalProperties constraint, so unknown fields fail validation.
func ensureStrict(schema map[string]any) map[string]any {
	if schema["type"] != "object" {
		return schema
	}
	if _, ok := schema["properties"]; !ok {
		return schema
	}
	if _, ok := schema["additionalProperties"]; !ok {
		schema["additionalProperties"] = false
	}
	return schema
}

// compileSchema builds a validator for one tool schema. The schema is
// round-tripped through JSON first so the compiler sees decoded-JSON types
// whatever Go values the definition used.
func compileSchema(name string, schema map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshaling schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decoding schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := compiler.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("adding schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("compiling schema: %w", err)
	}
	return compiled, nil
}

// Schema builder helpers for the builtin tool definitions.

// Object builds a strict object schema.
func Object(props map[string]any, required ...string) map[string]any {
	if required == nil {
		required = []string{}
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// String builds a string property schema.
func String(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// Integer builds an integer property schema.
func Integer(description string) map[string]any {
	return map[string]any{"type": "integer", "description": description}
}

// Boolean builds a boolean property schema.
func Boolean(description string) map[string]any {
	return map[string]any{"type": "boolean", "description": description}
}

// Array builds an array property schema with the given item schema.
func Array(description string, items map[string]any) map[string]any {
	return map[string]any{"type": "array", "description": description, "items": items}
}

// StringEnum builds a string property restricted to the given values.
func StringEnum(description string, values ...string) map[string]any {
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return map[string]any{"type": "string", "description": description, "enum": enum}
}
