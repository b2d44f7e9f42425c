//
//  Copyright © Control Core Inc. All rights reserved.
//

// Package common provides shared types and utilities used across the
// control plane packages.
//
// # Error Handling
//
// The [Error] type carries a machine-readable [Kind] so that subsystems can
// signal typed failures upward and the HTTP gateway can map each kind to a
// stable response shape in exactly one place.  Field-level problems are
// reported through [FieldError] lists attached to validation errors.
package common

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for transport mapping and audit records.
type Kind string

// Error kinds understood by the gateway.  The 401/403 family deliberately
// maps to indistinguishable responses; see the gateway error mapper.
const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindForbidden        Kind = "forbidden"
	KindTenantMismatch   Kind = "tenant_mismatch"
	KindValidation       Kind = "validation"
	KindConflict         Kind = "conflict"
	KindNotFound         Kind = "not_found"
	KindUpstreamFailure  Kind = "upstream_failure"
	KindProductionLocked Kind = "production_locked"
	KindSchemaDrift      Kind = "schema_drift_fatal"
	KindUnavailable      Kind = "unavailable"
	KindInternal         Kind = "internal"
)

// FieldError describes a single invalid field in a validation failure.
type FieldError struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Error is the structured error passed between subsystems.
type Error struct {
	Kind   Kind
	Reason string
	Fields []FieldError
	Cause  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if len(e.Fields) == 0 {
		return fmt.Sprintf("%s(kind-%s)", e.Reason, e.Kind)
	}

	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f.Path, f.Reason))
	}
	return fmt.Sprintf("%s(kind-%s): %s", e.Reason, e.Kind, strings.Join(parts, "; "))
}

// Unwrap exposes the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new [Error] with the specified kind and message.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Reason: msg}
}

// NewErrorf creates a new [Error] with a formatted message.
func NewErrorf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// WrapError creates a new [Error] that wraps cause.
func WrapError(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Reason: msg, Cause: cause}
}

// Validation creates a validation [Error] with the given field problems.
func Validation(msg string, fields ...FieldError) *Error {
	return &Error{Kind: KindValidation, Reason: msg, Fields: fields}
}

// NotFound creates a not_found [Error].  Callers must use the same message
// whether the row is absent or belongs to another tenant.
func NotFound(entity string) *Error {
	return &Error{Kind: KindNotFound, Reason: fmt.Sprintf("%s not found", entity)}
}

// KindOf returns the [Kind] of err, or [KindInternal] when err carries no
// classification.
func KindOf(err error) Kind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
