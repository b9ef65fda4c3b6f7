// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package manager implements the per-context job manager. One Manager owns
// one execution context in the engine, a fixed number of job slots, and the
// status tracker for the jobs it started. All slot accounting happens on a
// single goroutine; job units run on goroutines of their own and only talk
// back through messages and the tracker.
package manager

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JRocket1415/spark-jobserver/pkg/callback"
	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/engine"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/tracker"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

var log = logging.GetLogger("manager")

// engineStopTimeout bounds engine context teardown on internal shutdown
// paths, where no caller context is available.
var engineStopTimeout = 30 * time.Second

// JobRequest describes one job submission.
type JobRequest struct {
	// EntryPoint names the code the engine should invoke.
	EntryPoint string
	// Binaries is the ordered list of app names forming the classpath.
	Binaries []string
	// Config is the opaque job configuration passed through to the engine.
	Config []byte
	// CallbackURL, if set, receives the terminal JobInfo via HTTP POST.
	CallbackURL string
}

// EngineData is the engine-side identity of a live context.
type EngineData struct {
	AppID    string
	WebUIURL string
}

type acquireSlotMsg struct {
	id     types.JobID
	cancel context.CancelFunc
	errCh  chan error
}

type releaseSlotMsg struct {
	id types.JobID
}

type killJobMsg struct {
	id    types.JobID
	errCh chan error
}

type stopMsg struct {
	force bool
	errCh chan error
}

// Manager runs jobs inside one execution context.
type Manager struct {
	name      string
	contextID types.ContextID
	cfg       config.Context
	maxJobs   int
	adHoc     bool

	eng    engine.Engine
	facade *storage.Facade

	engCtx engine.Context
	trk    *tracker.Tracker

	msgs chan interface{}
	done chan struct{}

	// set by the run loop before done is closed; the close of done
	// publishes it to readers
	completed bool

	// loop-owned: job id -> cancel func of the job unit's run context
	running map[types.JobID]context.CancelFunc
}

// Opt is a Manager configuration option.
type Opt func(*Manager)

// OptionAdHoc marks the manager as single-use: it offers exactly one job
// slot and tears its context down as soon as that job reaches a final state.
func OptionAdHoc() Opt {
	return func(m *Manager) { m.adHoc = true }
}

// New creates a Manager for the named context. The manager is inert until
// Initialize succeeds.
func New(name string, contextID types.ContextID, cfg config.Context, eng engine.Engine, facade *storage.Facade, maxJobs int, opts ...Opt) *Manager {
	m := &Manager{
		name:      name,
		contextID: contextID,
		cfg:       cfg,
		maxJobs:   maxJobs,
		eng:       eng,
		facade:    facade,
		msgs:      make(chan interface{}),
		done:      make(chan struct{}),
		running:   make(map[types.JobID]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.adHoc {
		m.maxJobs = 1
	}
	return m
}

// Initialize builds the execution context in the engine and starts the
// manager's processing goroutine. On failure nothing is left running and the
// returned error wraps the engine's.
func (m *Manager) Initialize() error {
	engCtx, err := m.eng.NewContext(m.name, m.cfg)
	if err != nil {
		close(m.done)
		return &cerrors.ErrContextInitFailed{Name: m.name, Err: err}
	}
	m.engCtx = engCtx
	m.trk = tracker.New(m.name, m.facade)
	go m.run()
	return nil
}

// Name returns the context name the manager serves.
func (m *Manager) Name() string {
	return m.name
}

// ContextID returns the id of the context record the manager serves.
func (m *Manager) ContextID() types.ContextID {
	return m.contextID
}

// Engine returns the engine-side identity of the context.
func (m *Manager) Engine() EngineData {
	return EngineData{AppID: m.engCtx.AppID(), WebUIURL: m.engCtx.WebUIURL()}
}

// Tracker returns the status tracker owned by the manager.
func (m *Manager) Tracker() *tracker.Tracker {
	return m.trk
}

// Done is closed when the manager has terminated, whether by request or
// because its engine context or tracker went away. The supervisor watches it.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// Completed reports whether the manager tore itself down on purpose after
// finishing its work, as an ad-hoc manager does once its single job is done.
// Only meaningful after Done is closed.
func (m *Manager) Completed() bool {
	select {
	case <-m.done:
		return m.completed
	default:
		return false
	}
}

// Alive reports whether the manager is still serving requests.
func (m *Manager) Alive() bool {
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

// StartJob submits one job. Classpath resolution and persistence of the job
// configuration happen on the caller's goroutine; the processing loop is only
// asked for a slot. On success the job id is returned immediately and the
// job unit proceeds on a goroutine of its own. A non-nil listener is
// subscribed to the job's events before the first one can fire.
func (m *Manager) StartJob(ctx context.Context, req *JobRequest, listener tracker.Listener, eventTypes job.EventTypeSet) (types.JobID, error) {
	binaries, classpath, err := m.resolveClasspath(ctx, req.Binaries)
	if err != nil {
		return "", err
	}

	id := types.JobID(uuid.New().String())
	info := &job.JobInfo{
		ID:          id,
		ContextID:   m.contextID,
		ContextName: m.name,
		EntryPoint:  req.EntryPoint,
		State:       job.StateCreating,
		StartTime:   time.Now(),
		Binaries:    binaries,
		CallbackURL: req.CallbackURL,
	}

	runCtx, cancel := context.WithCancel(context.Background())
	msg := acquireSlotMsg{id: id, cancel: cancel, errCh: make(chan error, 1)}
	select {
	case m.msgs <- msg:
	case <-m.done:
		cancel()
		return "", &cerrors.ErrNoSuchContext{Name: m.name}
	case <-ctx.Done():
		cancel()
		return "", ctx.Err()
	}
	if err := <-msg.errCh; err != nil {
		cancel()
		return "", err
	}

	if len(req.Config) > 0 {
		if err := m.facade.SaveJobConfig(ctx, id, req.Config); err != nil {
			log.Warningf("context %s: could not persist config of job %s: %v", m.name, id, err)
		}
	}
	if listener != nil {
		m.trk.Subscribe(id, listener, eventTypes)
	}
	if req.CallbackURL != "" {
		m.trk.Subscribe(id, callback.New(req.CallbackURL), job.NewEventTypeSet(job.FinalEventTypes...))
	}
	m.trk.JobInit(info)

	go m.runJob(runCtx, id, req.EntryPoint, classpath, req.Config)
	return id, nil
}

// KillJob cancels one running job. The job unit reports the killed state
// through the tracker on its way out.
func (m *Manager) KillJob(ctx context.Context, id types.JobID) error {
	msg := killJobMsg{id: id, errCh: make(chan error, 1)}
	select {
	case m.msgs <- msg:
	case <-m.done:
		return &cerrors.ErrNoSuchContext{Name: m.name}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop terminates the manager. With force set, running jobs are cancelled
// first; without it, the request is rejected while jobs are still running.
// The manager keeps draining job units past ctx expiry, so a timed-out stop
// still completes eventually and shows up on Done.
func (m *Manager) Stop(ctx context.Context, force bool) error {
	msg := stopMsg{force: force, errCh: make(chan error, 1)}
	select {
	case m.msgs <- msg:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolveClasspath turns app names into resolved binary records and their
// storage ids, preserving order.
func (m *Manager) resolveClasspath(ctx context.Context, appNames []string) ([]job.BinaryInfo, []string, error) {
	binaries := make([]job.BinaryInfo, 0, len(appNames))
	classpath := make([]string, 0, len(appNames))
	for _, appName := range appNames {
		bin, err := m.facade.GetBinary(ctx, appName)
		if err != nil {
			return nil, nil, &cerrors.ErrClasspathResolution{AppName: appName, Err: err}
		}
		binaries = append(binaries, *bin)
		classpath = append(classpath, bin.StorageID)
	}
	return binaries, classpath, nil
}

// runJob is the job unit: it drives one job through the engine and reports
// every transition to the tracker. It always releases its slot on exit.
func (m *Manager) runJob(ctx context.Context, id types.JobID, entryPoint string, classpath []string, cfg []byte) {
	defer func() {
		select {
		case m.msgs <- releaseSlotMsg{id: id}:
		case <-m.done:
		}
	}()
	m.trk.JobStarted(id)
	err := m.engCtx.Run(ctx, id, entryPoint, classpath, cfg, m.trk)
	switch {
	case err == nil:
		m.trk.JobFinished(id)
	case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
		m.trk.JobKilled(id)
	default:
		m.trk.JobFailed(id, err)
	}
	m.trk.JobTerminated(id)
}

func (m *Manager) run() {
	defer close(m.done)
	for {
		select {
		case msg := <-m.msgs:
			switch msg := msg.(type) {
			case acquireSlotMsg:
				if len(m.running) >= m.maxJobs {
					msg.errCh <- &cerrors.ErrJobCapacityExceeded{ContextName: m.name, MaxJobs: m.maxJobs}
					continue
				}
				m.running[msg.id] = msg.cancel
				msg.errCh <- nil
			case releaseSlotMsg:
				delete(m.running, msg.id)
				if m.adHoc {
					log.Debugf("ad-hoc context %s: job done, shutting down", m.name)
					m.completed = true
					m.shutdown(nil)
					return
				}
			case killJobMsg:
				cancel, ok := m.running[msg.id]
				if !ok {
					msg.errCh <- &cerrors.ErrNoSuchJob{ID: msg.id}
					continue
				}
				cancel()
				msg.errCh <- nil
			case stopMsg:
				if !msg.force && len(m.running) > 0 {
					msg.errCh <- fmt.Errorf("context %s has %d running jobs", m.name, len(m.running))
					continue
				}
				for _, cancel := range m.running {
					cancel()
				}
				msg.errCh <- m.shutdown(nil)
				return
			}
		case <-m.engCtx.Done():
			log.Errorf("context %s: execution context terminated, shutting down", m.name)
			for _, cancel := range m.running {
				cancel()
			}
			_ = m.shutdown(nil)
			return
		case <-m.trk.Done():
			log.Errorf("context %s: status tracker terminated, shutting down", m.name)
			for _, cancel := range m.running {
				cancel()
			}
			_ = m.shutdown(nil)
			return
		}
	}
}

// shutdown stops the engine context and drains the remaining job units so
// that every final state still reaches the tracker before it is closed.
func (m *Manager) shutdown(ctx context.Context) error {
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), engineStopTimeout)
		defer cancel()
	}
	stopErr := m.engCtx.Stop(ctx)
	if stopErr != nil {
		log.Warningf("context %s: engine stop: %v", m.name, stopErr)
	}
	for len(m.running) > 0 {
		switch msg := (<-m.msgs).(type) {
		case releaseSlotMsg:
			delete(m.running, msg.id)
		case acquireSlotMsg:
			msg.errCh <- &cerrors.ErrContextStopInProgress{Name: m.name}
		case killJobMsg:
			msg.errCh <- &cerrors.ErrContextStopInProgress{Name: m.name}
		case stopMsg:
			msg.errCh <- &cerrors.ErrContextStopInProgress{Name: m.name}
		}
	}
	m.trk.Close()
	return stopErr
}
