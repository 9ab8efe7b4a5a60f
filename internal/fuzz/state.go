package fuzz

import "fmt"

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StatePaused   State = "paused" // reserved
	StateCrashed  State = "crashed"
	StateError    State = "error"
)

// validTransitions lists the allowed moves out of each state. Stop may force
// stopped from anywhere and is not listed.
var validTransitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateRunning, StateError},
	StateRunning:  {StatePaused, StateCrashed, StateStopped},
	StatePaused:   {StateRunning, StateStopped},
	StateCrashed:  {StateStarting, StateStopped},
	StateError:    {StateStarting, StateStopped},
}

func CanTransition(from, to State) bool {
	if to == StateStopped {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid state transition %s -> %s", from, to)
	}
	return nil
}
