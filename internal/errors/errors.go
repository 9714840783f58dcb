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

// Package errors provides the typed error taxonomy for the run engine.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a class of internal error for TaskRunInternalError.
type Code string

const (
	CodeNoExecutionSnapshot Code = "TASK_HAS_NO_EXECUTION_SNAPSHOT"
	CodeHandleError         Code = "HANDLE_ERROR_ERROR"
	CodeQueueNotFound       Code = "QUEUE_NOT_FOUND"
	CodeLockTimeout         Code = "LOCK_ACQUISITION_TIMEOUT"
)

// ValidationError is a bad-input error surfaced to the caller immediately;
// it never causes a run's state to change.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) StatusCode() int { return http.StatusBadRequest }

func Validation(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError signals a stale snapshot id or a lock already held by
// another process. Retryable at the caller; the engine itself aborts the
// step and releases whatever it had acquired.
type ConflictError struct {
	Resource string
	Message  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
}

func (e *ConflictError) StatusCode() int { return http.StatusConflict }

func Conflict(resource, format string, args ...any) error {
	return &ConflictError{Resource: resource, Message: fmt.Sprintf(format, args...)}
}

// NotFoundError surfaces as 404 at the API boundary.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Resource, e.ID)
}

func (e *NotFoundError) StatusCode() int { return http.StatusNotFound }

func NotFound(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// InternalError is a recoverable engine error carrying a Code. Raising one
// for a given run triggers systemFailure(runId, error) and is terminal for
// that run.
type InternalError struct {
	Code    Code
	Message string
	Err     error
}

func (e *InternalError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *InternalError) Unwrap() error { return e.Err }

func (e *InternalError) StatusCode() int { return http.StatusInternalServerError }

func Internal(code Code, err error, format string, args ...any) error {
	return &InternalError{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// OutOfEntitlementError is raised at trigger time; no run is created.
type OutOfEntitlementError struct {
	Message string
}

func (e *OutOfEntitlementError) Error() string { return e.Message }

func (e *OutOfEntitlementError) StatusCode() int { return http.StatusTooManyRequests }

func OutOfEntitlement(format string, args ...any) error {
	return &OutOfEntitlementError{Message: fmt.Sprintf(format, args...)}
}

// StatusCoder is implemented by every error in this package so the HTTP
// layer can translate it without a type switch per call site.
type StatusCoder interface {
	StatusCode() int
}

// HTTPStatus returns the status code an error should be surfaced with at
// the API boundary, defaulting to 500 for anything not in this taxonomy.
func HTTPStatus(err error) int {
	var sc StatusCoder
	if errors.As(err, &sc) {
		return sc.StatusCode()
	}
	return http.StatusInternalServerError
}

// Is* helpers let callers branch without importing the concrete types.
func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsNotFound(err error) bool {
	var e *NotFoundError
	return errors.As(err, &e)
}
