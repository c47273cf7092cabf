package tool

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// validateArgs checks a call's parsed arguments against the tool's
// declared parameter schema. Compiled schemas are cached per tool id;
// a tool with no declared schema, or one whose schema itself doesn't
// compile, is not gated here (the tool's own input parsing still runs).
func (r *Registry) validateArgs(t Tool, args json.RawMessage) error {
	params := t.Parameters()
	if len(params) == 0 {
		return nil
	}

	schema, err := r.compiledSchema(t.ID(), params)
	if err != nil || schema == nil {
		return nil
	}

	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(args))
	if err != nil {
		return fmt.Errorf("arguments are not valid JSON: %w", err)
	}
	return schema.Validate(instance)
}

// compiledSchema compiles (or returns the cached) schema for a tool.
func (r *Registry) compiledSchema(id string, params json.RawMessage) (*jsonschema.Schema, error) {
	r.mu.RLock()
	cached, ok := r.schemas[id]
	r.mu.RUnlock()
	if ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(params))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	url := "qbit://tool/" + id + ".schema.json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if r.schemas == nil {
		r.schemas = make(map[string]*jsonschema.Schema)
	}
	r.schemas[id] = schema
	r.mu.Unlock()
	return schema, nil
}
