package controller

import "fmt"

// State is where the controller is in handling a mode change.
type State string

const (
	StateIdle              State = "Idle"
	StatePlanning          State = "Planning"
	StateExecutingInline   State = "ExecutingInline"
	StateExecutingDeferred State = "ExecutingDeferred"
)

// ValidTransitions defines allowed single-hop state transitions
var ValidTransitions = map[State][]State{
	StateIdle: {
		StatePlanning,
	},
	StatePlanning: {
		StateIdle,              // nothing to run, or planning failed
		StateExecutingInline,   // live switch or boot plan
		StateExecutingDeferred, // waits for logout in the background
	},
	StateExecutingInline: {
		StateIdle,
	},
	StateExecutingDeferred: {
		StateIdle,     // background plan finished or failed
		StatePlanning, // superseded by a newer request
	},
}

// CanTransitionTo checks if a transition from current state to target state is valid
func (s State) CanTransitionTo(target State) error {
	allowed, ok := ValidTransitions[s]
	if !ok {
		return fmt.Errorf("%w: unknown state: %s", ErrInvalidState, s)
	}

	for _, valid := range allowed {
		if valid == target {
			return nil
		}
	}

	return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidState, s, target)
}

func (s State) String() string {
	return string(s)
}
