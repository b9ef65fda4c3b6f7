// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package engine

import (
	"context"

	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

// Engine abstracts the external compute runtime that actually executes job
// code. The orchestration layer only creates execution contexts through it
// and submits job units into them; how submitted code runs is entirely the
// engine's business.
type Engine interface {
	// NewContext builds a live execution context. Construction failures
	// must be returned, not deferred to the first job submission.
	NewContext(name string, cfg config.Context) (Context, error)
}

// Sink receives intermediate lifecycle signals from a running job unit.
type Sink interface {
	// JobRunning is called when the job unit moves from scheduled to
	// actually executing.
	JobRunning(id types.JobID)
}

// Context is one live execution context inside the engine.
type Context interface {
	// AppID returns the engine-assigned application id of the context.
	AppID() string

	// WebUIURL returns the engine's monitoring UI address for the context,
	// or an empty string if the engine has none.
	WebUIURL() string

	// Run executes one job unit synchronously: it returns once the job has
	// finished, failed, or was killed via ctx cancellation (in which case
	// the returned error is ctx.Err()). The classpath is the ordered list
	// of resolved binary storage ids.
	Run(ctx context.Context, id types.JobID, entryPoint string, classpath []string, cfg []byte, sink Sink) error

	// Stop tears the execution context down, interrupting running jobs.
	Stop(ctx context.Context) error

	// Done is closed when the execution context terminates for any reason,
	// including engine-side crashes. It is the liveness signal the job
	// manager and the supervisor probe.
	Done() <-chan struct{}
}
