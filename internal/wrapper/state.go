package wrapper

// State is the lifecycle state of a container instance.
type State int

const (
	// StateStarting is set between spawn and the PID showing up in the
	// process table.
	StateStarting State = iota

	// StateRunning means the process is visible but has not been checked yet.
	StateRunning

	// StateHealthy means the last liveness check found a matching process.
	StateHealthy

	// StateUnhealthy means the last liveness check found no matching process.
	StateUnhealthy

	// StateTerminated is absorbing. The process has exited or never started.
	StateTerminated
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// IsTerminal returns true if no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateTerminated
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	switch from {
	case StateStarting:
		return to == StateRunning || to == StateTerminated
	case StateRunning, StateHealthy, StateUnhealthy:
		return to == StateHealthy || to == StateUnhealthy || to == StateTerminated
	default:
		return false
	}
}
