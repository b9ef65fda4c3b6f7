// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package cerrors

import (
	"fmt"

	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// ErrContextAlreadyExists indicates that a context creation request named a
// context which is already owned by the supervisor.
type ErrContextAlreadyExists struct {
	Name string
}

// Error returns the error string associated with the error
func (e *ErrContextAlreadyExists) Error() string {
	return fmt.Sprintf("context %s already exists", e.Name)
}

// ErrNoSuchContext indicates that the requested context is not owned by the
// supervisor. This is returned, never thrown across a component boundary.
type ErrNoSuchContext struct {
	Name string
}

// Error returns the error string associated with the error
func (e *ErrNoSuchContext) Error() string {
	return fmt.Sprintf("no such context: %s", e.Name)
}

// ErrNoSuchJob indicates that no job record exists for the given id.
type ErrNoSuchJob struct {
	ID types.JobID
}

// Error returns the error string associated with the error
func (e *ErrNoSuchJob) Error() string {
	return fmt.Sprintf("no such job: %s", e.ID)
}

// ErrNoSuchBinary indicates that no binary metadata entry exists for the
// given app name.
type ErrNoSuchBinary struct {
	AppName string
}

// Error returns the error string associated with the error
func (e *ErrNoSuchBinary) Error() string {
	return fmt.Sprintf("no such binary: %s", e.AppName)
}

// ErrContextInitFailed indicates that a context could not be initialized
// within its creation timeout, or that the underlying execution context could
// not be constructed. The partially created job manager has been forcibly
// terminated by the time this error is returned.
type ErrContextInitFailed struct {
	Name string
	Err  error
}

// Error returns the error string associated with the error
func (e *ErrContextInitFailed) Error() string {
	return fmt.Sprintf("context %s failed to initialize: %v", e.Name, e.Err)
}

// Unwrap returns the underlying cause of the initialization failure
func (e *ErrContextInitFailed) Unwrap() error {
	return e.Err
}

// ErrContextStopFailed indicates that a context did not confirm termination
// within the deletion timeout. The supervisor keeps the mapping entry, so the
// caller may retry the stop request.
type ErrContextStopFailed struct {
	Name string
	Err  error
}

// Error returns the error string associated with the error
func (e *ErrContextStopFailed) Error() string {
	return fmt.Sprintf("context %s failed to stop: %v", e.Name, e.Err)
}

// Unwrap returns the underlying cause of the stop failure
func (e *ErrContextStopFailed) Unwrap() error {
	return e.Err
}

// ErrContextStopInProgress indicates that a stop request for the context has
// already been accepted and has not completed yet.
type ErrContextStopInProgress struct {
	Name string
}

// Error returns the error string associated with the error
func (e *ErrContextStopInProgress) Error() string {
	return fmt.Sprintf("context %s stop already in progress", e.Name)
}

// ErrJobCapacityExceeded indicates that a job submission was rejected because
// every execution slot of the target context is taken.
type ErrJobCapacityExceeded struct {
	ContextName string
	MaxJobs     int
}

// Error returns the error string associated with the error
func (e *ErrJobCapacityExceeded) Error() string {
	return fmt.Sprintf("context %s is at capacity (%d running jobs)", e.ContextName, e.MaxJobs)
}

// ErrClasspathResolution indicates that a binary referenced by a job
// submission could not be resolved into a classpath entry.
type ErrClasspathResolution struct {
	AppName string
	Err     error
}

// Error returns the error string associated with the error
func (e *ErrClasspathResolution) Error() string {
	return fmt.Sprintf("could not resolve classpath entry %s: %v", e.AppName, e.Err)
}

// Unwrap returns the underlying cause of the resolution failure
func (e *ErrClasspathResolution) Unwrap() error {
	return e.Err
}

// ErrReconnectFailed indicates that a context recorded as live in storage
// could not be reached at its recorded address after a process restart.
type ErrReconnectFailed struct {
	Name    string
	Address string
	Err     error
}

// Error returns the error string associated with the error
func (e *ErrReconnectFailed) Error() string {
	return fmt.Sprintf("could not reconnect to context %s at %s: %v", e.Name, e.Address, e.Err)
}

// Unwrap returns the underlying cause of the reconnect failure
func (e *ErrReconnectFailed) Unwrap() error {
	return e.Err
}
