// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package job

import "fmt"

// EventType identifies a job status event type that subscribers can register
// interest in.
type EventType uint16

// list of existing job status event types.
const (
	EventTypeJobSubmitted EventType = iota
	EventTypeJobStarted
	EventTypeJobRunning
	EventTypeJobRestarting
	EventTypeJobFinished
	EventTypeJobError
	EventTypeJobKilled
)

var eventTypeNames = map[EventType]string{
	EventTypeJobSubmitted:  "job_submitted",
	EventTypeJobStarted:    "job_started",
	EventTypeJobRunning:    "job_running",
	EventTypeJobRestarting: "job_restarting",
	EventTypeJobFinished:   "job_finished",
	EventTypeJobError:      "job_error",
	EventTypeJobKilled:     "job_killed",
}

func (e EventType) String() string {
	if name, ok := eventTypeNames[e]; ok {
		return name
	}
	return "unknown_event"
}

// AllEventTypes gathers every job status event type, in the order the
// corresponding state transitions are observed.
var AllEventTypes = []EventType{
	EventTypeJobSubmitted,
	EventTypeJobStarted,
	EventTypeJobRunning,
	EventTypeJobRestarting,
	EventTypeJobFinished,
	EventTypeJobError,
	EventTypeJobKilled,
}

// FinalEventTypes gathers all event types that mark the end of a job.
var FinalEventTypes = []EventType{
	EventTypeJobFinished,
	EventTypeJobError,
	EventTypeJobKilled,
}

// States corresponding to events.
var eventStates = map[EventType]State{
	EventTypeJobSubmitted:  StateCreating,
	EventTypeJobStarted:    StateStarted,
	EventTypeJobRunning:    StateRunning,
	EventTypeJobRestarting: StateRestarting,
	EventTypeJobFinished:   StateFinished,
	EventTypeJobError:      StateError,
	EventTypeJobKilled:     StateKilled,
}

// EventTypeToState maps a job status event type to the job state the event
// transitions the job into.
func EventTypeToState(e EventType) (State, error) {
	if state, ok := eventStates[e]; ok {
		return state, nil
	}
	return "", fmt.Errorf("invalid job event type %d", e)
}

// EventTypeSet is the set of event types one subscriber is interested in.
type EventTypeSet map[EventType]bool

// NewEventTypeSet builds an EventTypeSet from a list of event types. An empty
// list yields a set matching every event type.
func NewEventTypeSet(eventTypes ...EventType) EventTypeSet {
	set := make(EventTypeSet, len(eventTypes))
	for _, e := range eventTypes {
		set[e] = true
	}
	return set
}

// Contains returns whether the set matches the given event type. A nil or
// empty set matches everything.
func (s EventTypeSet) Contains(e EventType) bool {
	if len(s) == 0 {
		return true
	}
	return s[e]
}
