// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package hass

// State is the connection state of the protocol client.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthPending
	StateReady
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthPending:
		return "auth_pending"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// allowedTransitions lists the legal successor states. Any state may move to
// Disconnected on transport failure and to Closed on shutdown.
var allowedTransitions = map[State][]State{
	StateDisconnected: {StateConnecting, StateClosed},
	StateConnecting:   {StateAuthPending, StateDisconnected, StateClosed},
	StateAuthPending:  {StateReady, StateDisconnected, StateClosed},
	StateReady:        {StateDisconnected, StateClosed},
	StateClosed:       {},
}

// CanTransition reports whether from -> to is a legal state change.
func CanTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// StateListener observes client state changes. It runs on the client loop and must not block.
type StateListener func(old, new State)
