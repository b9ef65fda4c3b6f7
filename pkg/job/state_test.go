// Copyright (c) Facebook, Inc. and its affiliates.
//
// This source code is licensed under the MIT license found in the
// LICENSE file in the root directory of this source tree.

package job

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStateIsFinal(t *testing.T) {
	for _, state := range FinalStates {
		require.True(t, state.IsFinal(), "state %s should be final", state)
	}
	for _, state := range NonFinalStates {
		require.False(t, state.IsFinal(), "state %s should not be final", state)
	}
}

func TestParseState(t *testing.T) {
	state, err := ParseState("Running")
	require.NoError(t, err)
	require.Equal(t, StateRunning, state)

	_, err = ParseState("Sleeping")
	require.Error(t, err)
}

func TestEventTypeToState(t *testing.T) {
	state, err := EventTypeToState(EventTypeJobFinished)
	require.NoError(t, err)
	require.Equal(t, StateFinished, state)
	require.True(t, state.IsFinal())

	_, err = EventTypeToState(EventType(1000))
	require.Error(t, err)
}

func TestEventTypeSet(t *testing.T) {
	set := NewEventTypeSet(EventTypeJobStarted, EventTypeJobFinished)
	require.True(t, set.Contains(EventTypeJobStarted))
	require.True(t, set.Contains(EventTypeJobFinished))
	require.False(t, set.Contains(EventTypeJobRunning))

	// an empty set matches every event type
	require.True(t, NewEventTypeSet().Contains(EventTypeJobKilled))
}
