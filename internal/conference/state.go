// Package conference owns the conferencing session lifecycle: construction
// from credentials, device selection, lifecycle observation, start, and
// guaranteed teardown.
package conference

import "fmt"

// State is one conference session lifecycle state
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitializing  State = "initializing"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateReconnecting  State = "reconnecting"
	// StateDisconnected is terminal, clean or errored
	StateDisconnected State = "disconnected"
)

type lifecycleEvent string

const (
	eventInitialize  lifecycleEvent = "initialize"
	eventOutputBound lifecycleEvent = "output_bound"
	eventConnected   lifecycleEvent = "connected"
	eventReconnect   lifecycleEvent = "reconnect"
	eventDisconnect  lifecycleEvent = "disconnect"
	eventFail        lifecycleEvent = "fail"
)

// transition applies one lifecycle event to the current state. Disconnects
// and failures are accepted from every state; everything else must follow
// uninitialized → initializing → connecting → connected ⇄ reconnecting.
func transition(current State, ev lifecycleEvent) (State, error) {
	switch ev {
	case eventFail, eventDisconnect:
		return StateDisconnected, nil
	}

	switch current {
	case StateUninitialized:
		if ev == eventInitialize {
			return StateInitializing, nil
		}
	case StateInitializing:
		if ev == eventOutputBound {
			return StateConnecting, nil
		}
	case StateConnecting:
		if ev == eventConnected {
			return StateConnected, nil
		}
	case StateConnected:
		if ev == eventReconnect {
			return StateReconnecting, nil
		}
		if ev == eventConnected {
			return StateConnected, nil
		}
	case StateReconnecting:
		if ev == eventConnected {
			return StateConnected, nil
		}
		if ev == eventReconnect {
			return StateReconnecting, nil
		}
	case StateDisconnected:
		// terminal
	}

	return current, invalidTransition(current, ev)
}

func invalidTransition(state State, ev lifecycleEvent) error {
	return fmt.Errorf("invalid transition: %s --(%s)--> ?", state, ev)
}

// stateOrdinal maps a state to its metrics gauge value
func stateOrdinal(s State) int {
	switch s {
	case StateUninitialized:
		return 0
	case StateInitializing:
		return 1
	case StateConnecting:
		return 2
	case StateConnected:
		return 3
	case StateReconnecting:
		return 4
	case StateDisconnected:
		return 5
	}
	return -1
}
