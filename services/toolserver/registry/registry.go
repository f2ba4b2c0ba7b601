// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package registry holds the static table of tools the server exposes.
//
// Tools are collected by a Builder at startup. Build compiles every input
// schema and returns a Registry that can never be modified afterwards, so it
// is shared by all request goroutines without locking.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
)

// Handler executes one tool invocation with already-validated arguments.
type Handler interface {
	Call(ctx context.Context, call Call) (*Result, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, call Call) (*Result, error)

// Call implements Handler.
func (f HandlerFunc) Call(ctx context.Context, call Call) (*Result, error) {
	return f(ctx, call)
}

// Tool is one registration.
type Tool struct {
	Name        string
	Description string

	// InputSchema is a JSON Schema document describing the arguments object.
	InputSchema map[string]any

	// OutputSchema is advertised in tools/list but not enforced.
	OutputSchema map[string]any

	// ReadOnly tools never mutate sessions or append ledger entries.
	ReadOnly bool

	Handler Handler
}

// Descriptor is the tools/list view of a tool.
type Descriptor struct {
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	InputSchema  map[string]any `json:"inputSchema"`
	OutputSchema map[string]any `json:"outputSchema,omitempty"`
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema

	// defaults holds the JSON encoding of each top-level property default.
	defaults map[string]json.RawMessage
}

// =============================================================================
// Builder
// =============================================================================

// Builder collects tools before the registry is sealed.
//
// Builder is not safe for concurrent use; it is meant to be driven from a
// single goroutine during startup.
type Builder struct {
	tools []*registered
	names map[string]struct{}
	errs  []error
	built bool
}

// NewBuilder returns an empty builder.
func NewBuilder() *Builder {
	return &Builder{names: make(map[string]struct{})}
}

// Register adds a tool.
//
// # Description
//
// Compiles the tool's input schema immediately. Problems are not returned
// here; they accumulate and are reported together by Build, so a startup
// wiring function can register every tool and check once.
//
// # Inputs
//
//   - tool: Must have a non-empty unique Name and a Handler. A nil
//     InputSchema is treated as an empty object schema.
//
// # Outputs
//
//   - *Builder: The receiver, for chaining.
func (b *Builder) Register(tool Tool) *Builder {
	if b.built {
		b.errs = append(b.errs, fmt.Errorf("register %q: registry already built", tool.Name))
		return b
	}
	if tool.Name == "" {
		b.errs = append(b.errs, errors.New("register: tool name is empty"))
		return b
	}
	if tool.Handler == nil {
		b.errs = append(b.errs, fmt.Errorf("register %q: nil handler", tool.Name))
		return b
	}
	if _, dup := b.names[tool.Name]; dup {
		b.errs = append(b.errs, fmt.Errorf("register %q: duplicate tool name", tool.Name))
		return b
	}
	if tool.InputSchema == nil {
		tool.InputSchema = map[string]any{"type": "object"}
	}

	schema, err := compileSchema(tool.Name, tool.InputSchema)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("register %q: %w", tool.Name, err))
		return b
	}
	defaults, err := propertyDefaults(tool.InputSchema)
	if err != nil {
		b.errs = append(b.errs, fmt.Errorf("register %q: %w", tool.Name, err))
		return b
	}

	b.names[tool.Name] = struct{}{}
	b.tools = append(b.tools, &registered{tool: tool, schema: schema, defaults: defaults})
	return b
}

// Build seals the builder and returns the registry. Any registration
// error makes Build fail.
func (b *Builder) Build() (*Registry, error) {
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	b.built = true

	r := &Registry{
		ordered: make([]*registered, len(b.tools)),
		byName:  make(map[string]*registered, len(b.tools)),
	}
	copy(r.ordered, b.tools)
	for _, t := range r.ordered {
		r.byName[t.tool.Name] = t
	}
	return r, nil
}

// compileSchema round-trips the document through JSON so Go literals such
// as int values reach the compiler in the shape it expects.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal input schema: %w", err)
	}
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse input schema: %w", err)
	}

	url := "tool-" + name + ".json"
	c := jsonschema.NewCompiler()
	if err := c.AddResource(url, parsed); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile input schema: %w", err)
	}
	return schema, nil
}

// =============================================================================
// Registry
// =============================================================================

// Registry is the sealed tool table. All methods are safe for concurrent
// use because nothing mutates it after Build.
type Registry struct {
	ordered []*registered
	byName  map[string]*registered
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	t, ok := r.byName[name]
	if !ok {
		return Tool{}, false
	}
	return t.tool, true
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.ordered))
	for i, t := range r.ordered {
		names[i] = t.tool.Name
	}
	return names
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	return len(r.ordered)
}

// List returns the descriptors of every tool in registration order.
func (r *Registry) List() []Descriptor {
	out := make([]Descriptor, len(r.ordered))
	for i, t := range r.ordered {
		out[i] = Descriptor{
			Name:         t.tool.Name,
			Description:  t.tool.Description,
			InputSchema:  t.tool.InputSchema,
			OutputSchema: t.tool.OutputSchema,
		}
	}
	return out
}

// Validate checks args against the tool's input schema. Defaults are not
// applied; Invoke fills them after validation passes.
//
// # Outputs
//
//   - error: NotFound with code tool_not_found for an unknown tool,
//     InvalidParams with code invalid_arguments when the schema rejects
//     the arguments, nil otherwise.
func (r *Registry) Validate(name string, args map[string]any) error {
	t, ok := r.byName[name]
	if !ok {
		return apperr.NotFound(CodeToolNotFound, "Tool not found: %s", name)
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return apperr.InvalidParams(CodeInvalidArguments, "arguments for %s are not JSON encodable: %v", name, err)
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.InvalidParams(CodeInvalidArguments, "arguments for %s: %v", name, err)
	}
	if err := t.schema.Validate(inst); err != nil {
		return apperr.InvalidParams(CodeInvalidArguments, "invalid arguments for %s: %v", name, err).
			WithRemediation("Fix the arguments to match inputSchema from tools/list.")
	}
	return nil
}

// Invoke resolves, validates and runs a tool. It is the single invocation
// path shared by tools/call and by pipelines that chain tools.
//
// The handler only runs when validation passes, and sees a copy of the
// arguments with every absent top-level property that declares a
// "default" filled in. Module and TraceID on the returned result default
// to the tool name and call trace id.
func (r *Registry) Invoke(ctx context.Context, call Call) (*Result, error) {
	if err := r.Validate(call.Name, call.Arguments); err != nil {
		return nil, err
	}
	t := r.byName[call.Name]
	args, err := t.withDefaults(call.Arguments)
	if err != nil {
		return nil, apperr.Internal(err, CodeInvalidArguments)
	}
	call.Arguments = args

	res, err := t.tool.Handler.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, apperr.Internal(fmt.Errorf("tool %s returned no result", call.Name), "empty_result")
	}
	if res.Module == "" {
		res.Module = call.Name
	}
	if res.TraceID == "" {
		res.TraceID = call.TraceID
	}
	return res, nil
}

// withDefaults returns a copy of args with absent defaults decoded fresh,
// so handlers may mutate them without touching the schema.
func (t *registered) withDefaults(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(args)+len(t.defaults))
	for k, v := range args {
		out[k] = v
	}
	for k, raw := range t.defaults {
		if _, ok := out[k]; ok {
			continue
		}
		var v any
		if err := json.Unmarshal(raw, &v); err != nil {
			return nil, fmt.Errorf("decode default for %s: %w", k, err)
		}
		out[k] = v
	}
	return out, nil
}

func propertyDefaults(schema map[string]any) (map[string]json.RawMessage, error) {
	props, _ := schema["properties"].(map[string]any)
	defaults := make(map[string]json.RawMessage)
	for name, p := range props {
		prop, ok := p.(map[string]any)
		if !ok {
			continue
		}
		d, ok := prop["default"]
		if !ok {
			continue
		}
		raw, err := json.Marshal(d)
		if err != nil {
			return nil, fmt.Errorf("marshal default for %s: %w", name, err)
		}
		defaults[name] = raw
	}
	return defaults, nil
}

// Error codes used by the registry.
const (
	CodeToolNotFound     = "tool_not_found"
	CodeInvalidArguments = "invalid_arguments"
)
