/*
Copyright (C) 2026 Hayai Broadcast

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package scheduler

// State is the playout scheduler's lifecycle state.
type State string

const (
	// StateIdle means no item is playing and nothing is queued to start.
	StateIdle State = "idle"

	// StatePrefetching means the next item is resolving and playback
	// starts as soon as it is ready.
	StatePrefetching State = "prefetching"

	// StatePlaying means one item is on air.
	StatePlaying State = "playing"

	// StateTransitioning means the engine is mixing between two items.
	StateTransitioning State = "transitioning"

	// StateStalled means the playhead has nothing ready to put on air:
	// the on-air live source stopped producing, or the last item ended
	// with no ready successor. Playback resumes as soon as a source
	// becomes available.
	StateStalled State = "stalled"

	// StateStopped is the terminal state after a clean shutdown.
	StateStopped State = "stopped"

	// StateError is the terminal state after an unrecoverable failure.
	StateError State = "error"
)

var validTransitions = map[State][]State{
	StateIdle:          {StatePrefetching, StatePlaying, StateStopped, StateError},
	StatePrefetching:   {StatePlaying, StateIdle, StateStopped, StateError},
	StatePlaying:       {StateTransitioning, StateStalled, StatePrefetching, StateIdle, StateStopped, StateError},
	StateTransitioning: {StatePlaying, StateStalled, StatePrefetching, StateIdle, StateStopped, StateError},
	StateStalled:       {StateTransitioning, StatePrefetching, StatePlaying, StateIdle, StateStopped, StateError},
	StateStopped:       {},
	StateError:         {},
}

func validTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
