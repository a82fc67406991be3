package system

import "fmt"

type SystemState int

const (
	StateInitializing SystemState = iota
	StateRunning
	StateStopping
	StateStopped
	StateError
)

var stateNames = [...]string{
	StateInitializing: "INITIALIZING",
	StateRunning:      "RUNNING",
	StateStopping:     "STOPPING",
	StateStopped:      "STOPPED",
	StateError:        "ERROR",
}

func (s SystemState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Error may be entered from any live state; Stopped is terminal.
var nextStates = map[SystemState]map[SystemState]bool{
	StateInitializing: {StateRunning: true, StateStopping: true, StateError: true},
	StateRunning:      {StateStopping: true, StateError: true},
	StateStopping:     {StateStopped: true, StateError: true},
	StateError:        {StateStopping: true, StateStopped: true},
	StateStopped:      {},
}

func ValidateTransition(from, to SystemState) error {
	next, ok := nextStates[from]
	if !ok {
		return fmt.Errorf("invalid current state: %s", from)
	}
	if !next[to] {
		return fmt.Errorf("invalid state transition: %s -> %s", from, to)
	}
	return nil
}
