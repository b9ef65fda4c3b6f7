// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package local

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/engine"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

var log = logging.GetLogger("plugin/engines/local")

// EntryPoint is the function type job units resolve to in the local engine.
// The configuration blob is the job's opaque configuration as submitted.
type EntryPoint func(ctx context.Context, cfg []byte) error

// Local implements an in-process compute engine: entry points are Go
// functions executed on goroutines. It exists for development and testing of
// the orchestration layer; it ignores classpaths, as all code is already
// linked in.
type Local struct {
	mu          sync.Mutex
	entryPoints map[string]EntryPoint
}

// New returns a local engine with no registered entry points.
func New() *Local {
	return &Local{entryPoints: make(map[string]EntryPoint)}
}

// Register makes an entry point available to job submissions.
func (l *Local) Register(name string, fn EntryPoint) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.entryPoints[name]; ok {
		return fmt.Errorf("entry point %s is already registered", name)
	}
	l.entryPoints[name] = fn
	return nil
}

func (l *Local) lookup(name string) (EntryPoint, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fn, ok := l.entryPoints[name]
	return fn, ok
}

// NewContext builds a new local execution context
func (l *Local) NewContext(name string, cfg config.Context) (engine.Context, error) {
	if failure, ok := cfg["local.fail-context-init"]; ok {
		// test hook: force a construction failure
		return nil, fmt.Errorf("forced context init failure: %s", failure)
	}
	return &localContext{
		engine: l,
		name:   name,
		appID:  "local-" + uuid.NewString(),
		done:   make(chan struct{}),
	}, nil
}

type localContext struct {
	engine *Local
	name   string
	appID  string

	stopOnce sync.Once
	done     chan struct{}
}

func (c *localContext) AppID() string {
	return c.appID
}

func (c *localContext) WebUIURL() string {
	return ""
}

func (c *localContext) Done() <-chan struct{} {
	return c.done
}

// Run executes the entry point on the calling goroutine
func (c *localContext) Run(ctx context.Context, id types.JobID, entryPoint string, classpath []string, cfg []byte, sink engine.Sink) error {
	select {
	case <-c.done:
		return fmt.Errorf("execution context %s is stopped", c.name)
	default:
	}
	fn, ok := c.engine.lookup(entryPoint)
	if !ok {
		return fmt.Errorf("unknown entry point %s", entryPoint)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	// a context stop interrupts every running job
	go func() {
		select {
		case <-c.done:
			cancel()
		case <-runCtx.Done():
		}
	}()

	sink.JobRunning(id)
	log.Debugf("job %s running entry point %s in context %s", id, entryPoint, c.name)
	if err := fn(runCtx, cfg); err != nil {
		if runCtx.Err() != nil {
			return runCtx.Err()
		}
		return err
	}
	return runCtx.Err()
}

// Stop tears the local context down
func (c *localContext) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.done) })
	return nil
}
