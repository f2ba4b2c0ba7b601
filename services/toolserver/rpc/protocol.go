// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rpc

import (
	"encoding/json"
	"fmt"

	"github.com/AleutianAI/AnalystToolkit/services/toolserver/apperr"
)

// Version is the only accepted value of the jsonrpc member.
const Version = "2.0"

// ProtocolVersion is reported by initialize.
const ProtocolVersion = "2024-05-01"

// JSON-RPC error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeTimeout        = -32000
	CodeUnauthorized   = -32001
)

// Methods.
const (
	MethodInitialize        = "initialize"
	MethodToolsList         = "tools/list"
	MethodToolsCall         = "tools/call"
	MethodResourcesList     = "resources/list"
	MethodResourceTemplates = "resources/templates/list"
	MethodResourcesRead     = "resources/read"
)

// Request is a JSON-RPC 2.0 request object.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response object. Exactly one of Result and
// Error is set. A nil ID is rendered as null.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// OK reports whether the response carries a result.
func (r Response) OK() bool {
	return r.Error == nil
}

// Error is the JSON-RPC error member. Data carries the structured
// envelope clients branch on.
type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc %d: %s", e.Code, e.Message)
}

// ErrorData wraps the envelope under "error".
type ErrorData struct {
	Error apperr.Envelope `json:"error"`
}

func result(id json.RawMessage, v any) Response {
	return Response{JSONRPC: Version, ID: id, Result: v}
}

func failure(id json.RawMessage, code int, message string, env *apperr.Envelope) Response {
	e := &Error{Code: code, Message: message}
	if env != nil {
		e.Data = &ErrorData{Error: *env}
	}
	return Response{JSONRPC: Version, ID: id, Error: e}
}

// Unauthorized is the body returned for /rpc requests rejected by auth.
func Unauthorized(traceID string) Response {
	env := apperr.ToEnvelope(apperr.New(apperr.KindAuth, "unauthorized", "missing or invalid bearer token"), traceID)
	return failure(nil, CodeUnauthorized, "Unauthorized", &env)
}

// RateLimited is the body returned for /rpc requests over the rate limit.
func RateLimited(traceID string) Response {
	env := apperr.ToEnvelope(apperr.New(apperr.KindTimeout, "rate_limited", "request rate limit exceeded"), traceID)
	env.Remediation = "Back off and retry; the server enforces a request rate limit."
	return failure(nil, CodeTimeout, "Rate limit exceeded", &env)
}

// ServerInfo is returned by initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

type toolsCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

// resourceTemplate is one resources/templates/list item.
type resourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name"`
	Description string `json:"description"`
	MimeType    string `json:"mimeType"`
}
