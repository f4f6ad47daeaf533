package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	cases := []struct {
		from State
		to   State
		want bool
	}{
		{StateSubmitted, StateInProgress, true},
		{StateSubmitted, StateSucceeded, true},
		{StateSubmitted, StateTimedOut, true},
		{StateInProgress, StateInProgress, true},
		{StateInProgress, StateFailed, true},
		{StateInProgress, StateSubmitted, false},
		{StateSucceeded, StateFailed, false},
		{StateFailed, StateInProgress, false},
		{StateTimedOut, StateSucceeded, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

func TestTerminalStatesHaveNoTransitions(t *testing.T) {
	for _, from := range []State{StateSucceeded, StateFailed, StateTimedOut} {
		assert.True(t, from.IsTerminal())
		for _, to := range []State{StateSubmitted, StateInProgress, StateSucceeded, StateFailed, StateTimedOut} {
			assert.False(t, from.CanTransition(to), "%s -> %s", from, to)
		}
	}
}
