// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package apperr defines the router's typed error taxonomy and its HTTP
// rendering. Components return *Error values; handlers translate them to
// JSON envelopes at the edge.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind classifies an error for HTTP status mapping.
type Kind int

const (
	// KindValidation is bad input. 400, or 403 for GPU-requirement
	// violations (see HTTPStatus).
	KindValidation Kind = iota

	// KindNotFound is an unknown node, task, user, or record. 404.
	KindNotFound

	// KindNoAgents means the online set is empty. 503.
	KindNoAgents

	// KindUnavailable is a transient routing failure: warm-up refusal,
	// an offline node chosen, draining. 503.
	KindUnavailable

	// KindUpstream is a failed call to a worker. 502.
	KindUpstream

	// KindTimeout is an upstream deadline. 504.
	KindTimeout

	// KindAuthentication is a missing or invalid credential. 401.
	KindAuthentication

	// KindAuthorization is a valid credential with insufficient role. 403.
	KindAuthorization

	// KindDatabase is a persistence failure. 500.
	KindDatabase

	// KindInternal is everything else. 500.
	KindInternal
)

// Error carries a Kind, a client-facing message, and an optional wrapped
// cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap exposes the cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New creates an error with the given kind and formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a kinded message.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Validation is shorthand for New(KindValidation, ...), matching the
// registration handlers' most common failure.
func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

// NotFound is shorthand for New(KindNotFound, ...).
func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

// ErrNoAgents is returned by selection when no online node exists.
var ErrNoAgents = &Error{Kind: KindNoAgents, Message: "No available nodes"}

// KindOf extracts the Kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to its response status code.
//
// GPU-requirement validation failures are rendered 403 rather than 400:
// the node is well-formed but categorically not admissible to the fleet.
func HTTPStatus(err error) int {
	var appErr *Error
	if !errors.As(err, &appErr) {
		return http.StatusInternalServerError
	}
	switch appErr.Kind {
	case KindValidation:
		if strings.Contains(appErr.Message, "GPU hardware is required") {
			return http.StatusForbidden
		}
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindNoAgents, KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream:
		return http.StatusBadGateway
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindDatabase, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
