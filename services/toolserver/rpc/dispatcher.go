// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rpc implements the JSON-RPC 2.0 dispatcher behind POST /rpc.
//
// # Description
//
// A request moves through received, resolved, invoked, measured and
// responded. Authentication happens in HTTP middleware before the body
// reaches Handle, so a rejected request never touches the registry.
// Every request that reaches Handle is measured exactly once and logged
// as one rpc_request event, whatever its outcome.
//
// # Error Mapping
//
//	-32700  body is not JSON
//	-32600  not a JSON-RPC 2.0 request object
//	-32601  unknown method or unknown tool
//	-32602  bad params, schema failure, NotFound or InvalidParams from a tool
//	-32000  a bounded call timed out
//	-32603  anything else; the detail is logged, never returned
//
// Transform and persistence failures are not protocol errors. Tools report
// them as results with status fail or error so they reach the ledger.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AnalystToolkit/pkg/logging"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/observability"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/registry"
	"github.com/AleutianAI/AnalystToolkit/services/toolserver/templates"
)

// =============================================================================
// Collaborators
// =============================================================================

// Tools is the part of the registry the dispatcher uses.
type Tools interface {
	Lookup(name string) (registry.Tool, bool)
	List() []registry.Descriptor
	Invoke(ctx context.Context, call registry.Call) (*registry.Result, error)
}

// Resources serves the golden template catalog.
type Resources interface {
	List(ctx context.Context) ([]templates.Template, error)
	Read(ctx context.Context, uri string) (templates.Content, error)
}

// ToolStatusRecorder counts tool results by status.
type ToolStatusRecorder interface {
	RecordToolStatus(tool, status string)
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithResources enables the resources/* methods.
func WithResources(r Resources) Option {
	return func(d *Dispatcher) { d.resources = r }
}

// WithResourceTimeout bounds resources/list and resources/read.
func WithResourceTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) { d.resourceTimeout = timeout }
}

// WithResourceTemplates controls whether resources/templates/list
// advertises the template URI pattern.
func WithResourceTemplates(advertise bool) Option {
	return func(d *Dispatcher) { d.advertiseTemplates = advertise }
}

// WithMetrics sets the request accounting sink.
func WithMetrics(m *observability.RuntimeMetrics) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// WithToolStatus counts tool results by status.
func WithToolStatus(r ToolStatusRecorder) Option {
	return func(d *Dispatcher) { d.toolStatus = r }
}

// WithTracer sets the tracer used for request spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the clock used for latency.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// =============================================================================
// Dispatcher
// =============================================================================

// Dispatcher routes JSON-RPC requests to the registry and the template
// catalog.
//
// # Thread Safety
//
// Safe for concurrent use. It holds no mutable state of its own.
type Dispatcher struct {
	tools              Tools
	resources          Resources
	info               ServerInfo
	resourceTimeout    time.Duration
	advertiseTemplates bool

	metrics    *observability.RuntimeMetrics
	toolStatus ToolStatusRecorder
	tracer     trace.Tracer
	logger     *logging.Logger
	now        func() time.Time
}

// NewDispatcher creates a dispatcher over tools.
//
// # Inputs
//
//   - tools: The sealed tool registry. Must not be nil.
//   - info: Name and version reported by initialize.
//   - opts: Optional collaborators. Without WithMetrics requests are not
//     counted; without WithResources the resource list is empty.
func NewDispatcher(tools Tools, info ServerInfo, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		tools:              tools,
		info:               info,
		resourceTimeout:    5 * time.Second,
		advertiseTemplates: true,
		tracer:             otel.Tracer("analyst.toolserver.rpc"),
		logger:             logging.Nop(),
		now:                time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// outcome is what one dispatched request produced, plus the fields the
// request log and metrics need.
type outcome struct {
	resp      Response
	method    string
	tool      string
	runID     string
	sessionID string
	level     logging.Level
	cause     error
}

func (o *outcome) fail(id json.RawMessage, code int, message string, env *apperr.Envelope, level logging.Level) {
	o.resp = failure(id, code, message, env)
	o.level = level
}

// Handle decodes body, dispatches it and returns the response to send.
//
// # Description
//
// Handle never returns a transport-level failure: every outcome, including
// a panicking tool, is a well-formed JSON-RPC response. The request is
// measured and logged before Handle returns.
//
// # Inputs
//
//   - ctx: Request context. Its deadline bounds tool execution.
//   - body: Raw HTTP request body.
//   - traceID: Correlation id attached to results, envelopes and logs.
//
// # Outputs
//
//   - Response: Always HTTP 200 material.
func (d *Dispatcher) Handle(ctx context.Context, body []byte, traceID string) Response {
	start := d.now()
	o := &outcome{level: logging.LevelInfo}

	ctx, span := d.tracer.Start(ctx, "rpc.request", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	if req, ok := d.decode(body, traceID, o); ok {
		o.method = req.Method
		span.SetName("rpc " + req.Method)
		span.SetAttributes(
			attribute.String("rpc.system", "jsonrpc"),
			attribute.String("rpc.method", req.Method),
		)
		d.dispatch(ctx, req, traceID, o)
	}
	if o.tool != "" {
		span.SetAttributes(attribute.String("tool", o.tool))
	}
	if !o.resp.OK() {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", o.resp.Error.Code))
		cause := o.cause
		if cause == nil {
			cause = o.resp.Error
		}
		observability.RecordError(span, cause)
	}

	d.finish(o, traceID, d.now().Sub(start))
	return o.resp
}

// decode validates the request envelope. Batches are not supported.
func (d *Dispatcher) decode(body []byte, traceID string, o *outcome) (Request, bool) {
	trimmed := bytes.TrimSpace(body)
	if !json.Valid(trimmed) {
		env := envelope(apperr.InvalidParams("parse_error", "request body is not valid JSON"), traceID)
		o.fail(nil, CodeParseError, "Parse error", &env, logging.LevelWarn)
		return Request{}, false
	}
	if len(trimmed) > 0 && trimmed[0] == '[' {
		env := envelope(apperr.InvalidParams("batch_unsupported", "batch requests are not supported"), traceID)
		o.fail(nil, CodeInvalidRequest, "Invalid Request: batch requests are not supported", &env, logging.LevelWarn)
		return Request{}, false
	}

	var req Request
	if err := json.Unmarshal(trimmed, &req); err != nil {
		env := envelope(apperr.InvalidParams("invalid_request", "request is not a JSON-RPC object: %v", err), traceID)
		o.fail(nil, CodeInvalidRequest, "Invalid Request", &env, logging.LevelWarn)
		return Request{}, false
	}
	if req.JSONRPC != Version || req.Method == "" {
		o.method = req.Method
		env := envelope(apperr.InvalidParams("invalid_request", "jsonrpc must be %q and method must be set", Version), traceID)
		o.fail(req.ID, CodeInvalidRequest, "Invalid Request", &env, logging.LevelWarn)
		return Request{}, false
	}
	return req, true
}

func (d *Dispatcher) dispatch(ctx context.Context, req Request, traceID string, o *outcome) {
	switch req.Method {
	case MethodInitialize:
		o.resp = result(req.ID, initializeResult{
			ProtocolVersion: ProtocolVersion,
			ServerInfo:      d.info,
			Capabilities: map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
		})
	case MethodToolsList:
		o.resp = result(req.ID, map[string]any{"tools": d.tools.List()})
	case MethodToolsCall:
		d.callTool(ctx, req, traceID, o)
	case MethodResourcesList:
		d.listResources(ctx, req, traceID, o)
	case MethodResourceTemplates:
		d.listResourceTemplates(req, o)
	case MethodResourcesRead:
		d.readResource(ctx, req, traceID, o)
	default:
		env := envelope(apperr.NotFound("method_not_found", "Unknown method: %s", req.Method), traceID)
		o.fail(req.ID, CodeMethodNotFound, "Unknown method: "+req.Method, &env, logging.LevelWarn)
	}
}

// =============================================================================
// tools/call
// =============================================================================

func (d *Dispatcher) callTool(ctx context.Context, req Request, traceID string, o *outcome) {
	var params toolsCallParams
	if err := decodeParams(req.Params, &params); err != nil {
		env := envelope(err, traceID)
		o.fail(req.ID, CodeInvalidParams, err.Error(), &env, logging.LevelWarn)
		return
	}
	if params.Name == "" {
		env := envelope(apperr.InvalidParams("missing_tool_name", "Missing 'name' in params"), traceID)
		o.fail(req.ID, CodeInvalidParams, "Missing 'name' in params", &env, logging.LevelWarn)
		return
	}
	o.tool = params.Name
	if _, ok := d.tools.Lookup(params.Name); !ok {
		env := envelope(apperr.NotFound(registry.CodeToolNotFound, "Tool not found: %s", params.Name), traceID)
		o.fail(req.ID, CodeMethodNotFound, "Tool not found: "+params.Name, &env, logging.LevelWarn)
		return
	}

	res, err := d.invoke(ctx, registry.Call{Name: params.Name, Arguments: params.Arguments, TraceID: traceID})
	if err != nil {
		d.toolError(req.ID, params.Name, traceID, err, o)
		return
	}
	o.runID = res.RunID
	o.sessionID = res.SessionID
	if res.Failed() {
		o.level = logging.LevelWarn
	}
	if d.toolStatus != nil {
		d.toolStatus.RecordToolStatus(params.Name, string(res.Status))
	}
	o.resp = result(req.ID, res)
}

// invoke runs the tool and turns a panic into an internal error.
func (d *Dispatcher) invoke(ctx context.Context, call registry.Call) (res *registry.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("tool panicked", "tool", call.Name, "trace_id", call.TraceID,
				"panic", fmt.Sprint(r), "stack", string(debug.Stack()))
			res, err = nil, apperr.Internal(fmt.Errorf("tool %s panicked: %v", call.Name, r), "tool_panic")
		}
	}()
	return d.tools.Invoke(ctx, call)
}

// toolError maps an error returned by a tool onto the wire.
//
// Transform and persistence errors that escape a handler are still tool
// outcomes, so they become status=error results rather than protocol
// errors.
func (d *Dispatcher) toolError(id json.RawMessage, tool, traceID string, err error, o *outcome) {
	o.cause = err
	switch apperr.KindOf(err) {
	case apperr.KindNotFound, apperr.KindInvalidParams:
		env := envelope(err, traceID)
		o.fail(id, CodeInvalidParams, env.Message, &env, logging.LevelWarn)
	case apperr.KindTimeout:
		env := envelope(err, traceID)
		o.fail(id, CodeTimeout, env.Message, &env, logging.LevelWarn)
	case apperr.KindAuth:
		env := envelope(err, traceID)
		o.fail(id, CodeUnauthorized, env.Message, &env, logging.LevelWarn)
	case apperr.KindTransform, apperr.KindPersistence:
		res := registry.ErrorResult(tool, "", "", traceID, err)
		if d.toolStatus != nil {
			d.toolStatus.RecordToolStatus(tool, string(res.Status))
		}
		o.cause = nil
		o.level = logging.LevelWarn
		o.resp = result(id, res)
	default:
		d.logger.Error("tool call failed", "tool", tool, "trace_id", traceID, "error", err)
		env := envelope(err, traceID)
		o.fail(id, CodeInternal, fmt.Sprintf("Internal error (trace_id=%s)", traceID), &env, logging.LevelError)
	}
}

// =============================================================================
// resources/*
// =============================================================================

func (d *Dispatcher) listResources(ctx context.Context, req Request, traceID string, o *outcome) {
	if d.resources == nil {
		o.resp = result(req.ID, map[string]any{"resources": []templates.Template{}})
		return
	}
	ctx, cancel := d.resourceContext(ctx)
	defer cancel()

	list, err := d.resources.List(ctx)
	switch {
	case err == nil:
		if list == nil {
			list = []templates.Template{}
		}
		o.resp = result(req.ID, map[string]any{"resources": list})
	case apperr.Is(err, apperr.KindTimeout):
		o.cause = err
		env := envelope(apperr.Timeout(err, templates.CodeListTimeout, "Template resource listing exceeded configured timeout."), traceID)
		env.Remediation = "Increase ANALYST_MCP_RESOURCE_TIMEOUT_SEC and retry. Check template storage I/O latency."
		o.fail(req.ID, CodeTimeout, "Resource listing timed out. "+d.timeoutHint(), &env, logging.LevelWarn)
	default:
		d.resourceFailure(req.ID, traceID, err, o)
	}
}

func (d *Dispatcher) listResourceTemplates(req Request, o *outcome) {
	items := []resourceTemplate{}
	if d.advertiseTemplates && d.resources != nil {
		items = append(items, resourceTemplate{
			URITemplate: templates.URITemplate,
			Name:        "golden_template",
			Description: "Golden configuration template by name.",
			MimeType:    templates.MimeType,
		})
	}
	o.resp = result(req.ID, map[string]any{"resourceTemplates": items})
}

func (d *Dispatcher) readResource(ctx context.Context, req Request, traceID string, o *outcome) {
	var params resourcesReadParams
	if err := decodeParams(req.Params, &params); err != nil || params.URI == "" {
		env := envelope(apperr.InvalidParams(templates.CodeInvalidURI, "resources/read requires a non-empty string URI.").
			WithRemediation("Pass a valid analyst://templates/... URI from resources/list."), traceID)
		o.fail(req.ID, CodeInvalidParams, "Missing or invalid 'uri' in params", &env, logging.LevelWarn)
		return
	}
	if d.resources == nil {
		env := envelope(apperr.NotFound(templates.CodeNotFound, "Template resource not found for URI: %s", params.URI), traceID)
		o.fail(req.ID, CodeInvalidParams, "Resource not found: "+params.URI, &env, logging.LevelWarn)
		return
	}
	ctx, cancel := d.resourceContext(ctx)
	defer cancel()

	content, err := d.resources.Read(ctx, params.URI)
	switch {
	case err == nil:
		o.resp = result(req.ID, map[string]any{"contents": []templates.Content{content}})
	case apperr.Is(err, apperr.KindNotFound):
		env := envelope(err, traceID)
		o.fail(req.ID, CodeInvalidParams, "Resource not found: "+params.URI, &env, logging.LevelWarn)
	case apperr.Is(err, apperr.KindInvalidParams):
		env := envelope(err, traceID)
		o.fail(req.ID, CodeInvalidParams, env.Message, &env, logging.LevelWarn)
	case apperr.Is(err, apperr.KindTimeout):
		o.cause = err
		env := envelope(apperr.Timeout(err, templates.CodeReadTimeout, "Template read timed out for URI: "+params.URI), traceID)
		env.Remediation = "Retry once. If repeated, increase ANALYST_MCP_RESOURCE_TIMEOUT_SEC and validate storage responsiveness."
		o.fail(req.ID, CodeTimeout, "Resource read timed out. "+d.timeoutHint(), &env, logging.LevelWarn)
	default:
		d.resourceFailure(req.ID, traceID, err, o)
	}
}

func (d *Dispatcher) resourceFailure(id json.RawMessage, traceID string, err error, o *outcome) {
	o.cause = err
	d.logger.Error("resource request failed", "trace_id", traceID, "error", err)
	env := envelope(err, traceID)
	o.fail(id, CodeInternal, fmt.Sprintf("Internal error (trace_id=%s)", traceID), &env, logging.LevelError)
}

func (d *Dispatcher) resourceContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.resourceTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.resourceTimeout)
}

func (d *Dispatcher) timeoutHint() string {
	return fmt.Sprintf("Try increasing ANALYST_MCP_RESOURCE_TIMEOUT_SEC (current=%gs).", d.resourceTimeout.Seconds())
}

// =============================================================================
// Measurement
// =============================================================================

// finish records the request and writes the rpc_request event.
func (d *Dispatcher) finish(o *outcome, traceID string, elapsed time.Duration) {
	method := o.method
	if method == "" {
		method = "unknown"
	}
	ok := o.resp.OK()
	if d.metrics != nil {
		d.metrics.Record(method, o.tool, elapsed, ok)
	}

	fields := []any{
		"event", "rpc_request",
		"method", method,
		"tool", o.tool,
		"run_id", o.runID,
		"session_id", o.sessionID,
		"trace_id", traceID,
		"duration_ms", float64(elapsed.Microseconds()) / 1000,
		"ok", ok,
	}
	if !ok {
		fields = append(fields, "error_code", o.resp.Error.Code)
	}
	d.logger.Log(o.level, "rpc_request", fields...)
}

// =============================================================================
// Helpers
// =============================================================================

// decodeParams unmarshals params into dst. Absent or null params leave dst
// zero.
func decodeParams(raw json.RawMessage, dst any) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if raw[0] != '{' {
		return apperr.InvalidParams("invalid_params", "params must be an object")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return apperr.InvalidParams("invalid_params", "invalid params: %v", err)
	}
	return nil
}

func envelope(err error, traceID string) apperr.Envelope {
	return apperr.ToEnvelope(err, traceID)
}
