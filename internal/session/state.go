package session

// State is a session lifecycle state.
type State string

// Session states.
const (
	StatePreparing State = "preparing"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

var transitions = map[State][]State{
	StatePreparing: {StateRunning, StateFailed, StateCancelled},
	StateRunning:   {StatePaused, StateCompleted, StateFailed, StateCancelled},
	StatePaused:    {StateRunning, StateCompleted, StateFailed, StateCancelled},
}

// CanTransition reports whether the state machine allows s to move to next.
func (s State) CanTransition(next State) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether s ends the session.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}
