// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

// Package supervisor implements the context supervisor, the single owner of
// the name to job manager mapping. Every mapping mutation happens on its
// processing goroutine; context initialization and teardown run on worker
// goroutines that report back through internal messages, so the loop never
// blocks on the engine or on storage.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/JRocket1415/spark-jobserver/pkg/cerrors"
	"github.com/JRocket1415/spark-jobserver/pkg/config"
	"github.com/JRocket1415/spark-jobserver/pkg/engine"
	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/manager"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

var log = logging.GetLogger("supervisor")

// persistTimeout bounds background persistence of context records.
var persistTimeout = 30 * time.Second

// adHocRetries is how many generated names are tried before an ad-hoc
// context creation gives up on collisions.
const adHocRetries = 3

type entryState int

const (
	entryInitializing entryState = iota
	entryRunning
	entryStopping
)

type entry struct {
	info  *job.ContextInfo
	state entryState
	mgr   *manager.Manager
}

type addResult struct {
	mgr *manager.Manager
	err error
}

type addMsg struct {
	name   string
	cfg    config.Context
	adHoc  bool
	respCh chan addResult
}

type initDoneMsg struct {
	name   string
	mgr    *manager.Manager
	err    error
	respCh chan addResult
}

type getMsg struct {
	name   string
	respCh chan addResult
}

type stopCtxMsg struct {
	name   string
	force  bool
	respCh chan error
}

type stopDoneMsg struct {
	name   string
	err    error
	respCh chan error
}

type listMsg struct {
	respCh chan []*job.ContextInfo
}

type terminationMsg struct {
	name string
	mgr  *manager.Manager
}

type closeMsg struct {
	respCh chan struct{}
}

// Supervisor owns the mapping from context names to live job managers.
type Supervisor struct {
	cfg    *config.Server
	eng    engine.Engine
	facade *storage.Facade

	msgs chan interface{}
	done chan struct{}

	// loop-owned
	contexts map[string]*entry
}

// New builds the supervisor, reconciles storage against reality, and starts
// the processing goroutine.
func New(ctx context.Context, cfg *config.Server, eng engine.Engine, facade *storage.Facade) (*Supervisor, error) {
	s := &Supervisor{
		cfg:      cfg,
		eng:      eng,
		facade:   facade,
		msgs:     make(chan interface{}),
		done:     make(chan struct{}),
		contexts: make(map[string]*entry),
	}
	if err := s.reconcile(ctx); err != nil {
		return nil, fmt.Errorf("startup reconciliation failed: %w", err)
	}
	go s.run()
	return s, nil
}

// reconcile settles context records left over from a previous process life.
// In cluster mode a recorded address is probed first and reachable contexts
// are left alone; everything else is marked failed together with its
// non-final jobs.
func (s *Supervisor) reconcile(ctx context.Context) error {
	infos, err := s.facade.ListContexts(ctx, &storage.ContextQuery{States: job.NonFinalStates})
	if err != nil {
		return err
	}
	for _, info := range infos {
		var cause error
		if s.cfg.ClusterMode && info.Address != "" {
			conn, dialErr := net.DialTimeout("tcp", info.Address, time.Duration(s.cfg.ReconnectTimeout))
			if dialErr == nil {
				_ = conn.Close()
				log.Warningf("context %s still reachable at %s, leaving its record untouched", info.Name, info.Address)
				continue
			}
			cause = &cerrors.ErrReconnectFailed{Name: info.Name, Address: info.Address, Err: dialErr}
		} else {
			cause = fmt.Errorf("server restarted while context %s was live", info.Name)
		}
		log.Warningf("failing stale context %s: %v", info.Name, cause)
		now := time.Now()
		info.State = job.StateError
		info.EndTime = &now
		info.Error = job.NewError(cause)
		if err := s.facade.SaveContext(ctx, info); err != nil {
			return err
		}
		if err := s.failNonFinalJobs(ctx, info.ID, cause); err != nil {
			return err
		}
	}
	return nil
}

// failNonFinalJobs marks every open job of a context as failed with the
// given cause.
func (s *Supervisor) failNonFinalJobs(ctx context.Context, id types.ContextID, cause error) error {
	jobs, err := s.facade.ListJobs(ctx, &storage.JobQuery{ContextID: id, States: job.NonFinalStates})
	if err != nil {
		return err
	}
	for _, ji := range jobs {
		now := time.Now()
		ji.State = job.StateError
		ji.EndTime = &now
		ji.Error = job.NewError(cause)
		if err := s.facade.SaveJob(ctx, ji); err != nil {
			return err
		}
	}
	return nil
}

// AddContext creates a named context and blocks until it is live or its
// creation failed. The supervisor keeps initializing past ctx expiry; a
// caller that gave up simply never sees the result.
func (s *Supervisor) AddContext(ctx context.Context, name string, ctxCfg config.Context) (*manager.Manager, error) {
	if err := job.CheckContextName(name); err != nil {
		return nil, err
	}
	return s.add(ctx, name, ctxCfg, false)
}

// StartAdHocContext creates a throwaway single-job context with a generated
// name and blocks until it is live. The caller submits its one job to the
// returned manager; once that job reaches a final state the context tears
// itself down.
func (s *Supervisor) StartAdHocContext(ctx context.Context, entryPoint string, ctxCfg config.Context) (*manager.Manager, error) {
	var lastErr error
	for i := 0; i < adHocRetries; i++ {
		name := s.adHocName(entryPoint)
		mgr, err := s.add(ctx, name, ctxCfg, true)
		if err == nil {
			return mgr, nil
		}
		lastErr = err
		var dup *cerrors.ErrContextAlreadyExists
		if !errors.As(err, &dup) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *Supervisor) adHocName(entryPoint string) string {
	token := uuid.New().String()[:8]
	parts := ""
	if s.cfg.ContextNamespace != "" {
		parts = s.cfg.ContextNamespace + "-"
	}
	return parts + sanitizeName(entryPoint) + "-" + token
}

// sanitizeName strips every character a context name may not contain.
func sanitizeName(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		}
	}
	if len(out) == 0 {
		return "adhoc"
	}
	return string(out)
}

func (s *Supervisor) add(ctx context.Context, name string, ctxCfg config.Context, adHoc bool) (*manager.Manager, error) {
	msg := addMsg{name: name, cfg: ctxCfg, adHoc: adHoc, respCh: make(chan addResult, 1)}
	select {
	case s.msgs <- msg:
	case <-s.done:
		return nil, errors.New("supervisor is shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-msg.respCh:
		return res.mgr, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetContext returns the live job manager for the named context. A manager
// that turns out to be dead is removed from the mapping and reported as
// missing, never handed out.
func (s *Supervisor) GetContext(ctx context.Context, name string) (*manager.Manager, error) {
	msg := getMsg{name: name, respCh: make(chan addResult, 1)}
	select {
	case s.msgs <- msg:
	case <-s.done:
		return nil, &cerrors.ErrNoSuchContext{Name: name}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-msg.respCh:
		return res.mgr, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// GetEngineData returns the engine-side identity of a live context.
func (s *Supervisor) GetEngineData(ctx context.Context, name string) (manager.EngineData, error) {
	mgr, err := s.GetContext(ctx, name)
	if err != nil {
		return manager.EngineData{}, err
	}
	return mgr.Engine(), nil
}

// StopContext terminates a live context, waiting up to the configured
// deletion timeout for the manager to confirm. On failure the mapping entry
// is kept so the caller may retry; a second request while the first is still
// pending is rejected.
func (s *Supervisor) StopContext(ctx context.Context, name string, force bool) error {
	msg := stopCtxMsg{name: name, force: force, respCh: make(chan error, 1)}
	select {
	case s.msgs <- msg:
	case <-s.done:
		return &cerrors.ErrNoSuchContext{Name: name}
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.respCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListContexts returns a snapshot of the contexts currently owned by the
// supervisor, newest first.
func (s *Supervisor) ListContexts(ctx context.Context) ([]*job.ContextInfo, error) {
	msg := listMsg{respCh: make(chan []*job.ContextInfo, 1)}
	select {
	case s.msgs <- msg:
	case <-s.done:
		return nil, errors.New("supervisor is shut down")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case infos := <-msg.respCh:
		return infos, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close force-stops every owned context and shuts the supervisor down.
func (s *Supervisor) Close(ctx context.Context) error {
	infos, err := s.ListContexts(ctx)
	if err != nil {
		return err
	}
	for _, info := range infos {
		if err := s.StopContext(ctx, info.Name, true); err != nil {
			var inProgress *cerrors.ErrContextStopInProgress
			if !errors.As(err, &inProgress) {
				log.Warningf("could not stop context %s on shutdown: %v", info.Name, err)
			}
		}
	}
	msg := closeMsg{respCh: make(chan struct{})}
	select {
	case s.msgs <- msg:
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	for {
		msg := <-s.msgs
		switch msg := msg.(type) {
		case addMsg:
			s.handleAdd(msg)
		case initDoneMsg:
			s.handleInitDone(msg)
		case getMsg:
			s.handleGet(msg)
		case stopCtxMsg:
			s.handleStop(msg)
		case stopDoneMsg:
			s.handleStopDone(msg)
		case terminationMsg:
			s.handleTermination(msg)
		case listMsg:
			infos := make([]*job.ContextInfo, 0, len(s.contexts))
			for _, e := range s.contexts {
				snapshot := *e.info
				infos = append(infos, &snapshot)
			}
			msg.respCh <- infos
		case closeMsg:
			close(msg.respCh)
			return
		}
	}
}

func (s *Supervisor) handleAdd(msg addMsg) {
	if _, ok := s.contexts[msg.name]; ok {
		msg.respCh <- addResult{err: &cerrors.ErrContextAlreadyExists{Name: msg.name}}
		return
	}
	merged := s.cfg.ContextDefaults.Merge(msg.cfg)
	serialized, err := merged.Serialize()
	if err != nil {
		msg.respCh <- addResult{err: fmt.Errorf("could not serialize context configuration: %w", err)}
		return
	}
	info := &job.ContextInfo{
		ID:        types.ContextID(uuid.New().String()),
		Name:      msg.name,
		Config:    serialized,
		Address:   s.cfg.BindAddress,
		StartTime: time.Now(),
		State:     job.StateCreating,
	}
	s.contexts[msg.name] = &entry{info: info, state: entryInitializing}
	s.persistContext(info)
	go s.initialize(info, merged, msg.adHoc, msg.respCh)
}

// initialize builds the job manager off the loop and reports the outcome as
// an internal message. A manager that only becomes ready after the creation
// timeout is torn down again instead of leaking.
func (s *Supervisor) initialize(info *job.ContextInfo, ctxCfg config.Context, adHoc bool, respCh chan addResult) {
	maxJobs := ctxCfg.MaxJobs(s.cfg.MaxJobsPerContext)
	var opts []manager.Opt
	if adHoc {
		opts = append(opts, manager.OptionAdHoc())
	}
	mgr := manager.New(info.Name, info.ID, ctxCfg, s.eng, s.facade, maxJobs, opts...)

	resCh := make(chan error, 1)
	go func() { resCh <- mgr.Initialize() }()

	timeout := time.Duration(s.cfg.ContextCreationTimeout)
	select {
	case err := <-resCh:
		if err != nil {
			mgr = nil
		}
		s.send(initDoneMsg{name: info.Name, mgr: mgr, err: err, respCh: respCh})
	case <-time.After(timeout):
		go func() {
			if err := <-resCh; err == nil {
				stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ContextDeletionTimeout))
				defer cancel()
				_ = mgr.Stop(stopCtx, true)
			}
		}()
		err := &cerrors.ErrContextInitFailed{Name: info.Name, Err: fmt.Errorf("initialization timed out after %s", timeout)}
		s.send(initDoneMsg{name: info.Name, err: err, respCh: respCh})
	}
}

func (s *Supervisor) handleInitDone(msg initDoneMsg) {
	e, ok := s.contexts[msg.name]
	if !ok || e.state != entryInitializing {
		// entry disappeared while initializing, don't leak the manager
		if msg.mgr != nil {
			go func() {
				stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ContextDeletionTimeout))
				defer cancel()
				_ = msg.mgr.Stop(stopCtx, true)
			}()
		}
		return
	}
	if msg.err != nil {
		delete(s.contexts, msg.name)
		now := time.Now()
		e.info.State = job.StateError
		e.info.EndTime = &now
		e.info.Error = job.NewError(msg.err)
		s.persistContext(e.info)
		msg.respCh <- addResult{err: msg.err}
		return
	}
	e.mgr = msg.mgr
	e.state = entryRunning
	e.info.State = job.StateRunning
	s.persistContext(e.info)
	go s.watchTermination(msg.name, msg.mgr)
	log.Infof("context %s is live (app id %s)", msg.name, msg.mgr.Engine().AppID)
	msg.respCh <- addResult{mgr: msg.mgr}
}

// watchTermination turns a manager's Done signal into a supervisor message.
func (s *Supervisor) watchTermination(name string, mgr *manager.Manager) {
	<-mgr.Done()
	s.send(terminationMsg{name: name, mgr: mgr})
}

func (s *Supervisor) handleGet(msg getMsg) {
	e, ok := s.contexts[msg.name]
	if !ok || e.state != entryRunning {
		msg.respCh <- addResult{err: &cerrors.ErrNoSuchContext{Name: msg.name}}
		return
	}
	if !e.mgr.Alive() {
		s.removeTerminated(msg.name, e)
		msg.respCh <- addResult{err: &cerrors.ErrNoSuchContext{Name: msg.name}}
		return
	}
	msg.respCh <- addResult{mgr: e.mgr}
}

func (s *Supervisor) handleStop(msg stopCtxMsg) {
	e, ok := s.contexts[msg.name]
	if !ok {
		msg.respCh <- &cerrors.ErrNoSuchContext{Name: msg.name}
		return
	}
	if e.state != entryRunning {
		msg.respCh <- &cerrors.ErrContextStopInProgress{Name: msg.name}
		return
	}
	e.state = entryStopping
	e.info.State = job.StateStopping
	s.persistContext(e.info)
	mgr := e.mgr
	go func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Duration(s.cfg.ContextDeletionTimeout))
		defer cancel()
		err := mgr.Stop(stopCtx, msg.force)
		s.send(stopDoneMsg{name: msg.name, err: err, respCh: msg.respCh})
	}()
}

func (s *Supervisor) handleStopDone(msg stopDoneMsg) {
	e, ok := s.contexts[msg.name]
	if !ok {
		msg.respCh <- nil
		return
	}
	if msg.err != nil {
		e.state = entryRunning
		e.info.State = job.StateRunning
		s.persistContext(e.info)
		msg.respCh <- &cerrors.ErrContextStopFailed{Name: msg.name, Err: msg.err}
		return
	}
	delete(s.contexts, msg.name)
	now := time.Now()
	e.info.State = job.StateFinished
	e.info.EndTime = &now
	s.persistContext(e.info)
	log.Infof("context %s stopped", msg.name)
	msg.respCh <- nil
}

func (s *Supervisor) handleTermination(msg terminationMsg) {
	e, ok := s.contexts[msg.name]
	if !ok || e.mgr != msg.mgr {
		return
	}
	switch e.state {
	case entryStopping:
		// the pending stop request reports the outcome
	case entryRunning:
		s.removeTerminated(msg.name, e)
	}
}

// removeTerminated drops a terminated context from the mapping. A manager
// that tore itself down after finishing its work, as an ad-hoc one does, is
// recorded as Finished; anything else is a crash and goes through
// removeDead.
func (s *Supervisor) removeTerminated(name string, e *entry) {
	if e.mgr.Completed() {
		delete(s.contexts, name)
		now := time.Now()
		e.info.State = job.StateFinished
		e.info.EndTime = &now
		s.persistContext(e.info)
		log.Infof("ad-hoc context %s finished", name)
		return
	}
	log.Errorf("context %s terminated unexpectedly", name)
	s.removeDead(name, e)
}

// removeDead drops a dead context from the mapping, records the failure, and
// fails its open jobs.
func (s *Supervisor) removeDead(name string, e *entry) {
	delete(s.contexts, name)
	now := time.Now()
	e.info.State = job.StateError
	e.info.EndTime = &now
	e.info.Error = job.NewError(errors.New("job manager terminated unexpectedly"))
	s.persistContext(e.info)
	id := e.info.ID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.failNonFinalJobs(ctx, id, errors.New("context terminated unexpectedly")); err != nil {
			log.Warningf("could not fail open jobs of dead context %s: %v", name, err)
		}
	}()
}

// persistContext saves a context record snapshot on a background goroutine.
func (s *Supervisor) persistContext(info *job.ContextInfo) {
	snapshot := *info
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := s.facade.SaveContext(ctx, &snapshot); err != nil {
			log.Warningf("could not persist state %s of context %s: %v", snapshot.State, snapshot.Name, err)
		}
	}()
}

func (s *Supervisor) send(msg interface{}) {
	select {
	case s.msgs <- msg:
	case <-s.done:
	}
}
