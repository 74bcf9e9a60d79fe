// Package connection drives a tunnel through connect, diagnose, repair and
// verify until it is connected or has definitively failed.
package connection

// State represents the current state of the connection manager.
type State string

const (
	// StateIdle is the state of a manager that has never connected.
	StateIdle State = "idle"
	// StateConnecting indicates the tunnel is being established.
	StateConnecting State = "connecting"
	// StateConnected indicates the tunnel is up and traffic is sampled.
	StateConnected State = "connected"
	// StateDisconnected indicates the tunnel was closed or dropped.
	StateDisconnected State = "disconnected"
	// StateDiagnosing indicates a failed attempt is being classified.
	StateDiagnosing State = "diagnosing"
	// StateRepairing indicates a repair plan is running on the remote host.
	StateRepairing State = "repairing"
	// StateVerifying indicates the repair is being verified.
	StateVerifying State = "verifying"
	// StateFailed indicates the connection could not be established.
	StateFailed State = "failed"
)

// IsBusy returns true while a connect request is being processed.
func (s State) IsBusy() bool {
	switch s {
	case StateConnecting, StateDiagnosing, StateRepairing, StateVerifying:
		return true
	default:
		return false
	}
}

// CanConnect returns true if a new connect request is accepted.
func (s State) CanConnect() bool {
	return s == StateIdle || s == StateDisconnected || s == StateFailed
}

// CanDisconnect returns true if there is something to tear down.
func (s State) CanDisconnect() bool {
	return s.IsBusy() || s == StateConnected
}

var validTransitions = map[State][]State{
	StateIdle: {
		StateConnecting,
	},
	StateConnecting: {
		StateConnected,
		StateDiagnosing,
		StateDisconnected,
		StateFailed,
	},
	StateConnected: {
		StateDisconnected,
	},
	StateDiagnosing: {
		StateRepairing,
		StateFailed,
		StateDisconnected,
	},
	StateRepairing: {
		StateVerifying,
		StateFailed,
		StateDisconnected,
	},
	StateVerifying: {
		StateConnecting,
		StateDiagnosing,
		StateFailed,
		StateDisconnected,
	},
	StateDisconnected: {
		StateConnecting,
	},
	StateFailed: {
		StateConnecting,
		StateDisconnected,
	},
}

// IsValidTransition checks if transitioning from one state to another is allowed.
func IsValidTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllStates returns all possible states.
func AllStates() []State {
	return []State{
		StateIdle,
		StateConnecting,
		StateConnected,
		StateDisconnected,
		StateDiagnosing,
		StateRepairing,
		StateVerifying,
		StateFailed,
	}
}
