// Copyright 2021-2022 The docwatch Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// ErrorKind classification of an operation failure
type ErrorKind int

const (
	// KindUnknown is an error that does not belong to the known classes
	KindUnknown ErrorKind = iota
	// KindInvalidInput is missing / malformed caller input. Never retried.
	KindInvalidInput
	// KindUnauthorized is missing / invalid auth, or an unknown / consumed session
	KindUnauthorized
	// KindUpstreamError is a failure reported by an external provider
	KindUpstreamError
	// KindUnavailable is a failure to reach the shared store
	KindUnavailable
)

// String toString function
func (k ErrorKind) String() string {
	switch k {
	case KindInvalidInput:
		return "InvalidInput"
	case KindUnauthorized:
		return "Unauthorized"
	case KindUpstreamError:
		return "UpstreamError"
	case KindUnavailable:
		return "Unavailable"
	default:
		return "Unknown"
	}
}

// HTTPStatus the HTTP response code used when surfacing this kind of error
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindUpstreamError:
		return http.StatusBadGateway
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// OperationError a classified operation failure
type OperationError struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

// Error implements error
func (e *OperationError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause.Error())
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause for errors.Is / errors.As
func (e *OperationError) Unwrap() error {
	return e.Cause
}

func newOperationError(kind ErrorKind, cause error, format string, args ...interface{}) error {
	return &OperationError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// InvalidInput define a KindInvalidInput error
func InvalidInput(cause error, format string, args ...interface{}) error {
	return newOperationError(KindInvalidInput, cause, format, args...)
}

// Unauthorized define a KindUnauthorized error
func Unauthorized(cause error, format string, args ...interface{}) error {
	return newOperationError(KindUnauthorized, cause, format, args...)
}

// UpstreamError define a KindUpstreamError error
func UpstreamError(cause error, format string, args ...interface{}) error {
	return newOperationError(KindUpstreamError, cause, format, args...)
}

// Unavailable define a KindUnavailable error
func Unavailable(cause error, format string, args ...interface{}) error {
	return newOperationError(KindUnavailable, cause, format, args...)
}

// KindOf return the kind of the outermost OperationError in the chain
func KindOf(err error) ErrorKind {
	var opErr *OperationError
	if errors.As(err, &opErr) {
		return opErr.Kind
	}
	return KindUnknown
}

// IsKind whether the error chain carries an OperationError of the given kind
func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
