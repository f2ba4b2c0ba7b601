// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package apperr defines the error taxonomy shared by every tool server
// component and the wire envelope errors are rendered into.
//
// # Kinds
//
//	NotFound     unknown session, run, tool, resource, or job
//	InvalidParams arguments failed schema or semantic validation
//	Auth         missing or wrong bearer credential
//	Persistence  ledger or state backing store unreachable or write failed
//	Transform    a transformation reported fail or error
//	Timeout      a bounded external call exceeded its budget
//	Internal     anything unexpected; detail is logged, never returned
//
// Components return *Error values built with New or Wrap; the dispatcher
// classifies them with KindOf and renders them with ToEnvelope.
package apperr

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error for propagation and wire mapping.
type Kind string

const (
	KindNotFound      Kind = "not_found"
	KindInvalidParams Kind = "invalid_params"
	KindAuth          Kind = "auth"
	KindPersistence   Kind = "persistence"
	KindTransform     Kind = "transform"
	KindTimeout       Kind = "timeout"
	KindInternal      Kind = "internal"
)

// category maps a Kind onto the coarse category string carried in
// envelopes. Clients branch on the category, not the kind.
func (k Kind) category() string {
	switch k {
	case KindNotFound:
		return "io"
	case KindInvalidParams:
		return "config"
	case KindAuth:
		return "auth"
	case KindPersistence:
		return "io"
	case KindTransform:
		return "transform"
	case KindTimeout:
		return "transport"
	default:
		return "internal"
	}
}

// Error is a classified error.
type Error struct {
	Kind        Kind
	Code        string
	Message     string
	Remediation string
	Retryable   bool
	Cause       error
}

func (e *Error) Error() string {
	switch {
	case e.Message != "" && e.Cause != nil:
		return e.Message + ": " + e.Cause.Error()
	case e.Message != "":
		return e.Message
	case e.Cause != nil:
		return e.Cause.Error()
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a classified error with no underlying cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Retryable: defaultRetryable(kind)}
}

// Newf is New with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return New(kind, code, fmt.Sprintf(format, args...))
}

// Wrap classifies cause. A nil cause yields nil so call sites can write
// `return apperr.Wrap(err, ...)` unconditionally.
//
// Context deadline errors are always classified as timeouts regardless of
// the requested kind, so a slow GCS read surfaces as KindTimeout even when
// the loader wraps it as a persistence failure.
func Wrap(cause error, kind Kind, code, message string) error {
	if cause == nil {
		return nil
	}
	if errors.Is(cause, context.DeadlineExceeded) && kind != KindTimeout {
		kind = KindTimeout
	}
	return &Error{
		Kind:      kind,
		Code:      code,
		Message:   message,
		Retryable: defaultRetryable(kind),
		Cause:     cause,
	}
}

// WithRemediation returns a copy of e carrying a remediation hint.
func (e *Error) WithRemediation(hint string) *Error {
	cp := *e
	cp.Remediation = hint
	return &cp
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindPersistence:
		return true
	default:
		return false
	}
}

// KindOf returns the kind of the outermost classified error in err's
// chain, KindTimeout for bare deadline errors, and KindInternal otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindInternal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// As extracts the classified error, if any.
func As(err error) (*Error, bool) {
	var classified *Error
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// Convenience constructors for the common cases.

func NotFound(code, format string, args ...any) *Error {
	return Newf(KindNotFound, code, format, args...)
}

func InvalidParams(code, format string, args ...any) *Error {
	return Newf(KindInvalidParams, code, format, args...)
}

func Persistence(cause error, code, message string) error {
	return Wrap(cause, KindPersistence, code, message)
}

func Timeout(cause error, code, message string) error {
	return Wrap(cause, KindTimeout, code, message)
}

func Internal(cause error, code string) error {
	return Wrap(cause, KindInternal, code, "internal error")
}

// =============================================================================
// Wire Envelope
// =============================================================================

// Envelope is the structured error object returned to clients, both inside
// JSON-RPC error data and inside tool results with status "error".
type Envelope struct {
	Category    string `json:"category"`
	Code        string `json:"code"`
	Message     string `json:"message"`
	Remediation string `json:"remediation"`
	Retryable   bool   `json:"retryable"`
	TraceID     string `json:"trace_id,omitempty"`
}

// ToEnvelope renders err for clients.
//
// Internal errors never expose their message; clients get a generic text
// and the trace id to correlate with server logs.
func ToEnvelope(err error, traceID string) Envelope {
	classified, ok := As(err)
	if !ok {
		kind := KindOf(err)
		classified = &Error{Kind: kind, Code: string(kind), Message: err.Error(), Retryable: defaultRetryable(kind)}
	}

	env := Envelope{
		Category:    classified.Kind.category(),
		Code:        classified.Code,
		Message:     classified.Error(),
		Remediation: classified.Remediation,
		Retryable:   classified.Retryable,
		TraceID:     traceID,
	}
	if env.Code == "" {
		env.Code = string(classified.Kind)
	}
	if env.Remediation == "" {
		env.Remediation = defaultRemediation(classified.Kind)
	}
	if classified.Kind == KindInternal {
		env.Message = "internal error"
	}
	return env
}

func defaultRemediation(kind Kind) string {
	switch kind {
	case KindNotFound:
		return "Check the identifier; sessions expire after the idle TTL."
	case KindInvalidParams:
		return "Fix the arguments to match the tool's input schema (see tools/list)."
	case KindAuth:
		return "Send 'Authorization: Bearer <token>' with the configured token."
	case KindPersistence:
		return "Check the history directory or storage backend and retry."
	case KindTransform:
		return "Inspect the summary for failing rules and adjust the module config."
	case KindTimeout:
		return "Retry once; if it repeats, raise the configured timeout."
	default:
		return "Retry once. If it persists, inspect server logs with the trace_id."
	}
}
