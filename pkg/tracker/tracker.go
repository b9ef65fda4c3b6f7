// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package tracker

import (
	"context"
	"sync"
	"time"

	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/logging"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
)

var log = logging.GetLogger("tracker")

// persistTimeout bounds the background persistence of one status update.
var persistTimeout = 30 * time.Second

// Event is one observed job state transition, delivered to subscribers.
type Event struct {
	Type job.EventType
	// Info is a snapshot of the job record after the transition.
	Info job.JobInfo
	Time time.Time
}

// Listener receives job status events. OnJobEvent is called from the
// tracker's processing goroutine, in observation order for any given job;
// implementations must return promptly and hand slow work off to their own
// goroutines.
type Listener interface {
	OnJobEvent(ev Event)
}

type subscribeMsg struct {
	id         types.JobID
	listener   Listener
	eventTypes job.EventTypeSet
	ackCh      chan struct{}
}

type unsubscribeMsg struct {
	id       types.JobID
	listener Listener
	ackCh    chan struct{}
}

type initMsg struct {
	info *job.JobInfo
}

type eventMsg struct {
	id        types.JobID
	eventType job.EventType
	jobErr    *job.Error
}

type terminatedMsg struct {
	id types.JobID
}

// Tracker is the single point of truth for job state changes within one job
// manager. It owns the subscriber registry and the in-memory view of its
// jobs; both are only ever touched by its processing goroutine. State
// changes are persisted through the facade on background goroutines
// (fire-and-confirm: a persistence failure is logged but never stalls the
// delivery of the event to subscribers).
type Tracker struct {
	contextName string
	facade      *storage.Facade

	msgs chan interface{}
	done chan struct{}

	closeOnce sync.Once
	closing   chan struct{}

	// loop-owned state
	jobs map[types.JobID]*job.JobInfo
	subs map[types.JobID]map[Listener]job.EventTypeSet
}

// New creates a Tracker for one context's job manager and starts its
// processing goroutine.
func New(contextName string, facade *storage.Facade) *Tracker {
	t := &Tracker{
		contextName: contextName,
		facade:      facade,
		msgs:        make(chan interface{}),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
		jobs:        make(map[types.JobID]*job.JobInfo),
		subs:        make(map[types.JobID]map[Listener]job.EventTypeSet),
	}
	go t.run()
	return t
}

// Done is closed when the tracker's processing goroutine has exited, for any
// reason. The owning job manager watches it: a tracker that went away makes
// the manager's state unrecoverable.
func (t *Tracker) Done() <-chan struct{} {
	return t.done
}

// Close shuts the tracker down. Pending messages already accepted are
// processed first.
func (t *Tracker) Close() {
	t.closeOnce.Do(func() { close(t.closing) })
	<-t.done
}

func (t *Tracker) send(msg interface{}) {
	select {
	case t.msgs <- msg:
	case <-t.done:
	}
}

// JobInit registers a newly submitted job with the tracker, persists its
// initial record, and notifies subscribers interested in submission events.
func (t *Tracker) JobInit(info *job.JobInfo) {
	t.send(initMsg{info: info})
}

// JobStarted records that the job unit has been started.
func (t *Tracker) JobStarted(id types.JobID) {
	t.send(eventMsg{id: id, eventType: job.EventTypeJobStarted})
}

// JobRunning records that the job's code is actually executing.
func (t *Tracker) JobRunning(id types.JobID) {
	t.send(eventMsg{id: id, eventType: job.EventTypeJobRunning})
}

// JobRestarting records that the job is being restarted by its context.
func (t *Tracker) JobRestarting(id types.JobID) {
	t.send(eventMsg{id: id, eventType: job.EventTypeJobRestarting})
}

// JobFinished records successful completion.
func (t *Tracker) JobFinished(id types.JobID) {
	t.send(eventMsg{id: id, eventType: job.EventTypeJobFinished})
}

// JobFailed records failure with the given cause.
func (t *Tracker) JobFailed(id types.JobID, err error) {
	t.send(eventMsg{id: id, eventType: job.EventTypeJobError, jobErr: job.NewError(err)})
}

// JobKilled records that the job was killed before completing.
func (t *Tracker) JobKilled(id types.JobID) {
	t.send(eventMsg{id: id, eventType: job.EventTypeJobKilled})
}

// JobTerminated tells the tracker that the job unit has exited. Every
// subscription for the job is removed: no subscription may outlive its job.
func (t *Tracker) JobTerminated(id types.JobID) {
	t.send(terminatedMsg{id: id})
}

// Subscribe registers a listener for the given job, restricted to the given
// event types (an empty set means all). It returns once the registration is
// in effect.
func (t *Tracker) Subscribe(id types.JobID, listener Listener, eventTypes job.EventTypeSet) {
	msg := subscribeMsg{id: id, listener: listener, eventTypes: eventTypes, ackCh: make(chan struct{})}
	t.send(msg)
	select {
	case <-msg.ackCh:
	case <-t.done:
	}
}

// Unsubscribe removes a listener registration for the given job. It returns
// once the removal is in effect.
func (t *Tracker) Unsubscribe(id types.JobID, listener Listener) {
	msg := unsubscribeMsg{id: id, listener: listener, ackCh: make(chan struct{})}
	t.send(msg)
	select {
	case <-msg.ackCh:
	case <-t.done:
	}
}

func (t *Tracker) run() {
	defer close(t.done)
	for {
		select {
		case msg := <-t.msgs:
			t.handle(msg)
		case <-t.closing:
			return
		}
	}
}

func (t *Tracker) handle(msg interface{}) {
	switch msg := msg.(type) {
	case subscribeMsg:
		listeners, ok := t.subs[msg.id]
		if !ok {
			listeners = make(map[Listener]job.EventTypeSet)
			t.subs[msg.id] = listeners
		}
		listeners[msg.listener] = msg.eventTypes
		close(msg.ackCh)
	case unsubscribeMsg:
		if listeners, ok := t.subs[msg.id]; ok {
			delete(listeners, msg.listener)
			if len(listeners) == 0 {
				delete(t.subs, msg.id)
			}
		}
		close(msg.ackCh)
	case initMsg:
		snapshot := *msg.info
		snapshot.Binaries = append([]job.BinaryInfo{}, msg.info.Binaries...)
		snapshot.State = job.StateCreating
		t.jobs[snapshot.ID] = &snapshot
		t.persist(&snapshot)
		t.deliver(snapshot.ID, job.EventTypeJobSubmitted, &snapshot)
	case eventMsg:
		t.applyEvent(msg)
	case terminatedMsg:
		delete(t.subs, msg.id)
		delete(t.jobs, msg.id)
	}
}

func (t *Tracker) applyEvent(msg eventMsg) {
	info, ok := t.jobs[msg.id]
	if !ok {
		log.Warningf("context %s: dropping %s for unknown job %s", t.contextName, msg.eventType, msg.id)
		return
	}
	// final states are terminal: a late event cannot move the job out
	if info.State.IsFinal() {
		log.Debugf("context %s: ignoring %s for final job %s", t.contextName, msg.eventType, msg.id)
		return
	}
	state, err := job.EventTypeToState(msg.eventType)
	if err != nil {
		log.Errorf("context %s: %v", t.contextName, err)
		return
	}
	info.State = state
	if state.IsFinal() {
		now := time.Now()
		info.EndTime = &now
		info.Error = msg.jobErr
	}
	snapshot := *info
	snapshot.Binaries = append([]job.BinaryInfo{}, info.Binaries...)
	t.persist(&snapshot)
	t.deliver(msg.id, msg.eventType, &snapshot)
}

// persist saves the record on a background goroutine so that storage latency
// never delays event delivery.
func (t *Tracker) persist(snapshot *job.JobInfo) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := t.facade.SaveJob(ctx, snapshot); err != nil {
			log.Warningf("context %s: could not persist status %s of job %s: %v", t.contextName, snapshot.State, snapshot.ID, err)
		}
	}()
}

func (t *Tracker) deliver(id types.JobID, eventType job.EventType, snapshot *job.JobInfo) {
	listeners := t.subs[id]
	if len(listeners) == 0 {
		return
	}
	ev := Event{Type: eventType, Info: *snapshot, Time: time.Now()}
	for listener, eventTypes := range listeners {
		if eventTypes.Contains(eventType) {
			listener.OnJobEvent(ev)
		}
	}
}
