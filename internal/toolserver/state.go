package toolserver

import (
	"fmt"
	"time"
)

// State is the lifecycle state of the supervised process.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateReady
	StateBusy
	StateCrashed
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCrashed:
		return "crashed"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var transitions = map[State][]State{
	StateStopped:  {StateStarting},
	StateStarting: {StateReady, StateStopped},
	StateReady:    {StateBusy, StateCrashed, StateStopping},
	StateBusy:     {StateReady, StateCrashed},
	StateCrashed:  {StateStarting, StateStopping, StateStopped},
	StateStopping: {StateStopped},
}

func canTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ProcessInfo describes the current tool server process.
type ProcessInfo struct {
	State     State
	PID       int
	StartedAt time.Time
	Restarts  int
}
