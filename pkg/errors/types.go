// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ValidationError represents rejected input at a system boundary.
// HTTP mapping: 400.
type ValidationError struct {
	Field      string
	Message    string
	Suggestion string
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

func (e *ValidationError) HTTPStatus() int { return http.StatusBadRequest }

// ConflictError represents a uniqueness or state violation.
// HTTP mapping: 409.
type ConflictError struct {
	Resource string
	Key      string
	Reason   string
}

func (e *ConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s conflict on %s: %s", e.Resource, e.Key, e.Reason)
	}
	return fmt.Sprintf("%s conflict on %s", e.Resource, e.Key)
}

func (e *ConflictError) HTTPStatus() int { return http.StatusConflict }

// NotFoundError represents a missing resource.
// HTTP mapping: 404.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

func (e *NotFoundError) HTTPStatus() int { return http.StatusNotFound }

// ExternalUnavailableError represents a downstream service or queue that
// could not be reached. Retried per policy; surfaces as 502 once the retry
// budget is exhausted.
type ExternalUnavailableError struct {
	Target string
	Reason string
	Cause  error
}

func (e *ExternalUnavailableError) Error() string {
	msg := fmt.Sprintf("%s unavailable", e.Target)
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	return msg
}

func (e *ExternalUnavailableError) Unwrap() error { return e.Cause }

func (e *ExternalUnavailableError) HTTPStatus() int { return http.StatusBadGateway }

// TimeoutError represents a deadline exceeded on an external call. Treated
// as ExternalUnavailable for retry purposes.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
	Cause     error
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

func (e *TimeoutError) Unwrap() error { return e.Cause }

func (e *TimeoutError) HTTPStatus() int { return http.StatusBadGateway }

// ConfigurationError represents invalid or missing required environment
// configuration. Fatal only at process startup; never raised mid-request.
type ConfigurationError struct {
	Key    string
	Reason string
	Cause  error
}

func (e *ConfigurationError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("configuration error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("configuration error: %s", e.Reason)
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

// InternalError represents an invariant violation. Fatal to the request
// that triggered it; logged with the underlying cause. HTTP mapping: 500.
type InternalError struct {
	Message string
	Cause   error
}

func (e *InternalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("internal error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("internal error: %s", e.Message)
}

func (e *InternalError) Unwrap() error { return e.Cause }

func (e *InternalError) HTTPStatus() int { return http.StatusInternalServerError }

// HTTPStatuser is implemented by every taxonomy error above; it lets the
// HTTP control surface map an arbitrary error to a status code without a
// type switch at every call site.
type HTTPStatuser interface {
	HTTPStatus() int
}

// StatusCode returns the taxonomy HTTP status for err, falling back to 500
// for errors that do not implement HTTPStatuser (programmer errors that
// escaped classification).
func StatusCode(err error) int {
	var s HTTPStatuser
	if As(err, &s) {
		return s.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Code returns the taxonomy code string used in the {error:{code,...}}
// response envelope.
func Code(err error) string {
	switch {
	case isType[*ValidationError](err):
		return "validation"
	case isType[*ConflictError](err):
		return "conflict"
	case isType[*NotFoundError](err):
		return "not_found"
	case isType[*ExternalUnavailableError](err):
		return "external_unavailable"
	case isType[*TimeoutError](err):
		return "timeout"
	case isType[*ConfigurationError](err):
		return "configuration"
	default:
		return "internal"
	}
}

func isType[T error](err error) bool {
	var target T
	return As(err, &target)
}
