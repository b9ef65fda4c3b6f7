// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package job

import (
	"fmt"
	"runtime/debug"
)

// Error carries structured failure information associated with a job or a
// context record. It is persisted alongside the record and reported back to
// API callers.
type Error struct {
	Message    string `json:"message"`
	ErrorClass string `json:"errorClass"`
	StackTrace string `json:"stackTrace,omitempty"`
}

// Error returns the error string associated with the error
func (e *Error) Error() string {
	if e.ErrorClass != "" {
		return fmt.Sprintf("%s: %s", e.ErrorClass, e.Message)
	}
	return e.Message
}

// NewError builds a structured Error from a plain error, recording the
// dynamic type of err as the error class.
func NewError(err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Message:    err.Error(),
		ErrorClass: fmt.Sprintf("%T", err),
	}
}

// NewErrorWithStack builds a structured Error from a plain error and attaches
// the stack trace of the calling goroutine.
func NewErrorWithStack(err error) *Error {
	jobErr := NewError(err)
	if jobErr != nil {
		jobErr.StackTrace = string(debug.Stack())
	}
	return jobErr
}
