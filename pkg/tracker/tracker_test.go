// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package tracker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JRocket1415/spark-jobserver/pkg/job"
	"github.com/JRocket1415/spark-jobserver/pkg/storage"
	"github.com/JRocket1415/spark-jobserver/pkg/tracker"
	"github.com/JRocket1415/spark-jobserver/pkg/types"
	"github.com/JRocket1415/spark-jobserver/plugins/storage/memory"
)

type recordingListener struct {
	mu     sync.Mutex
	events []tracker.Event
	wake   chan struct{}
}

func newRecordingListener() *recordingListener {
	return &recordingListener{wake: make(chan struct{}, 16)}
}

func (l *recordingListener) OnJobEvent(ev tracker.Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
	l.wake <- struct{}{}
}

func (l *recordingListener) snapshot() []tracker.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]tracker.Event{}, l.events...)
}

// waitFor blocks until the listener has seen an event of the given type.
func (l *recordingListener) waitFor(t *testing.T, eventType job.EventType) {
	deadline := time.After(5 * time.Second)
	for {
		for _, ev := range l.snapshot() {
			if ev.Type == eventType {
				return
			}
		}
		select {
		case <-l.wake:
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", eventType)
		}
	}
}

func newTestFacade(t *testing.T) *storage.Facade {
	backend, err := memory.New()
	require.NoError(t, err)
	facade, err := storage.New(backend)
	require.NoError(t, err)
	t.Cleanup(facade.Close)
	return facade
}

func newJob(id types.JobID) *job.JobInfo {
	return &job.JobInfo{
		ID:          id,
		ContextID:   "ctx-1",
		ContextName: "batch",
		EntryPoint:  "wordcount",
		StartTime:   time.Now(),
	}
}

func TestSubscriberSeesOnlyRequestedEvents(t *testing.T) {
	facade := newTestFacade(t)
	trk := tracker.New("batch", facade)
	defer trk.Close()

	listener := newRecordingListener()
	trk.Subscribe("j1", listener, job.NewEventTypeSet(job.EventTypeJobStarted, job.EventTypeJobFinished))

	trk.JobInit(newJob("j1"))
	trk.JobStarted("j1")
	trk.JobRunning("j1")
	trk.JobFinished("j1")
	listener.waitFor(t, job.EventTypeJobFinished)

	events := listener.snapshot()
	require.Len(t, events, 2)
	require.Equal(t, job.EventTypeJobStarted, events[0].Type)
	require.Equal(t, job.EventTypeJobFinished, events[1].Type)
	require.Equal(t, job.StateFinished, events[1].Info.State)
	require.NotNil(t, events[1].Info.EndTime)
}

func TestEmptySetMatchesEverything(t *testing.T) {
	facade := newTestFacade(t)
	trk := tracker.New("batch", facade)
	defer trk.Close()

	listener := newRecordingListener()
	trk.Subscribe("j1", listener, job.NewEventTypeSet())

	trk.JobInit(newJob("j1"))
	trk.JobStarted("j1")
	trk.JobRunning("j1")
	trk.JobFinished("j1")
	listener.waitFor(t, job.EventTypeJobFinished)

	events := listener.snapshot()
	require.Len(t, events, 4)
	require.Equal(t, job.EventTypeJobSubmitted, events[0].Type)
	require.Equal(t, job.EventTypeJobStarted, events[1].Type)
	require.Equal(t, job.EventTypeJobRunning, events[2].Type)
	require.Equal(t, job.EventTypeJobFinished, events[3].Type)
}

func TestTerminationRemovesSubscriptions(t *testing.T) {
	facade := newTestFacade(t)
	trk := tracker.New("batch", facade)
	defer trk.Close()

	listener := newRecordingListener()
	trk.Subscribe("j1", listener, job.NewEventTypeSet())

	trk.JobInit(newJob("j1"))
	trk.JobFailed("j1", errors.New("boom"))
	listener.waitFor(t, job.EventTypeJobError)
	trk.JobTerminated("j1")

	// a new job reusing the id must not reach the old listener
	trk.JobInit(newJob("j1"))
	trk.JobFinished("j1")

	other := newRecordingListener()
	trk.Subscribe("j2", other, job.NewEventTypeSet())
	trk.JobInit(newJob("j2"))
	trk.JobFinished("j2")
	other.waitFor(t, job.EventTypeJobFinished)

	for _, ev := range listener.snapshot() {
		require.NotEqual(t, job.EventTypeJobFinished, ev.Type)
	}
}

func TestFinalStateIsNotOverridden(t *testing.T) {
	facade := newTestFacade(t)
	trk := tracker.New("batch", facade)
	defer trk.Close()

	listener := newRecordingListener()
	trk.Subscribe("j1", listener, job.NewEventTypeSet())

	trk.JobInit(newJob("j1"))
	trk.JobKilled("j1")
	listener.waitFor(t, job.EventTypeJobKilled)
	trk.JobFinished("j1")

	// drain through a second job to make sure the loop has moved on
	sentinel := newRecordingListener()
	trk.Subscribe("j2", sentinel, job.NewEventTypeSet())
	trk.JobInit(newJob("j2"))
	sentinel.waitFor(t, job.EventTypeJobSubmitted)

	for _, ev := range listener.snapshot() {
		require.NotEqual(t, job.EventTypeJobFinished, ev.Type)
	}
}

func TestEventsArePersisted(t *testing.T) {
	facade := newTestFacade(t)
	trk := tracker.New("batch", facade)
	defer trk.Close()

	trk.JobInit(newJob("j1"))
	trk.JobStarted("j1")
	trk.JobFinished("j1")

	require.Eventually(t, func() bool {
		got, err := facade.GetJob(context.Background(), "j1")
		if err != nil {
			return false
		}
		return got.State == job.StateFinished && got.EndTime != nil
	}, 5*time.Second, 10*time.Millisecond)
}
