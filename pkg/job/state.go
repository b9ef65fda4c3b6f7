// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package job

import "fmt"

// State represents the lifecycle state of a job or a context. The same closed
// set of states is used for both record kinds; not every state is reachable
// by both (e.g. only contexts go through Stopping).
type State string

// List of supported states.
const (
	StateCreating   State = "Creating"
	StateStarted    State = "Started"
	StateRunning    State = "Running"
	StateRestarting State = "Restarting"
	StateStopping   State = "Stopping"
	StateFinished   State = "Finished"
	StateError      State = "Error"
	StateKilled     State = "Killed"
)

// FinalStates gathers all states that are terminal: once a record carries one
// of these, no further save may move it out of it.
var FinalStates = []State{
	StateFinished,
	StateError,
	StateKilled,
}

// NonFinalStates gathers all states from which further transitions are
// allowed.
var NonFinalStates = []State{
	StateCreating,
	StateStarted,
	StateRunning,
	StateRestarting,
	StateStopping,
}

// IsFinal returns whether the state is terminal.
func (s State) IsFinal() bool {
	for _, final := range FinalStates {
		if s == final {
			return true
		}
	}
	return false
}

func (s State) String() string {
	return string(s)
}

// ParseState validates a state string against the closed set of supported
// states.
func ParseState(s string) (State, error) {
	for _, known := range append(append([]State{}, NonFinalStates...), FinalStates...) {
		if State(s) == known {
			return known, nil
		}
	}
	return "", fmt.Errorf("unknown state %q", s)
}
