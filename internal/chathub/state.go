package chathub

// State is the lifecycle stage of one connection.
type State int

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanTransition reports whether s may move to next.
func (s State) CanTransition(next State) bool {
	switch s {
	case StateConnecting:
		return next == StateAuthenticated || next == StateClosed
	case StateAuthenticated:
		return next == StateActive || next == StateDraining || next == StateClosed
	case StateActive:
		return next == StateDraining
	case StateDraining:
		return next == StateClosed
	default:
		return false
	}
}
