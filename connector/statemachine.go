// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connector

import "fmt"

// State is a leaf state of the connector state chart.  The Active super
// state covers everything but Inactive; the Connected super state covers
// the handshake states and Idle.
type State int

const (
	StateInactive State = iota
	StateConnecting
	StateRetry
	StateIdentifying
	StateRegistering
	StateLoggingIn
	StateGranting
	StateIdle
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateInactive:
		return "Inactive"
	case StateConnecting:
		return "Connecting"
	case StateRetry:
		return "Retry"
	case StateIdentifying:
		return "Identifying"
	case StateRegistering:
		return "Registering"
	case StateLoggingIn:
		return "LoggingIn"
	case StateGranting:
		return "Granting"
	case StateIdle:
		return "Idle"
	case StateDisconnecting:
		return "Disconnecting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// inActive reports membership in the Active super state.
func (s State) inActive() bool {
	return s != StateInactive
}

// inConnected reports membership in the Connected super state.
func (s State) inConnected() bool {
	switch s {
	case StateIdentifying, StateRegistering, StateLoggingIn,
		StateGranting, StateIdle:
		return true
	}
	return false
}

// machineEvent drives the state chart.
type machineEvent int

const (
	evStart machineEvent = iota
	evConnected
	evDisconnected
	evNoConnect
	evBasicError
	evFatalError
	evReconnect
	evAwaitLogin
	evAwaitRegister
	evAwaitGranted
	evAccount
	evClose
	evRetryTimer
)

func (e machineEvent) String() string {
	switch e {
	case evStart:
		return "start"
	case evConnected:
		return "connected"
	case evDisconnected:
		return "disconnected"
	case evNoConnect:
		return "noConnect"
	case evBasicError:
		return "basicError"
	case evFatalError:
		return "fatalError"
	case evReconnect:
		return "reconnect"
	case evAwaitLogin:
		return "awaitLogin"
	case evAwaitRegister:
		return "awaitRegister"
	case evAwaitGranted:
		return "awaitGranted"
	case evAccount:
		return "account"
	case evClose:
		return "close"
	case evRetryTimer:
		return "retryTimer"
	}
	return fmt.Sprintf("event(%d)", int(e))
}

// action is the side effect a transition asks the connector to perform.
type action int

const (
	actNone action = iota
	actConnect  // open the socket
	actRetry    // arm the retry timer
	actClose    // close the socket, resume per machine.resume
	actIdle     // entered steady state
	actFinished // reached Inactive while closing
)

// machine is the connector state chart: leaf states plus a transition table.
// Disconnecting is a transient state that remembers where to resume once the
// socket is down.
type machine struct {
	state   State
	resume  State // continuation after Disconnecting
	closing bool  // close requested, every resume becomes Inactive
}

// submit applies ev.  It returns the side effect and whether the event was
// handled in the current state at all.
func (m *machine) submit(ev machineEvent) (action, bool) {
	if ev == evClose {
		m.closing = true
		switch m.state {
		case StateInactive:
			return actFinished, true
		case StateDisconnecting:
			m.resume = StateInactive
			return actNone, true
		case StateRetry:
			m.state = StateInactive
			return actFinished, true
		default:
			m.state = StateDisconnecting
			m.resume = StateInactive
			return actClose, true
		}
	}

	switch m.state {
	case StateInactive:
		switch ev {
		case evStart, evReconnect:
			if m.closing {
				return actNone, true
			}
			m.state = StateConnecting
			return actConnect, true
		case evDisconnected:
			// stale socket teardown
			return actNone, true
		}

	case StateConnecting:
		switch ev {
		case evConnected:
			m.state = StateIdentifying
			return actNone, true
		case evDisconnected:
			return m.toRetry()
		case evNoConnect:
			m.state = StateInactive
			if m.closing {
				return actFinished, true
			}
			return actNone, true
		case evBasicError, evReconnect:
			return m.disconnectInto(StateConnecting)
		case evFatalError:
			return m.disconnectInto(StateInactive)
		}

	case StateRetry:
		switch ev {
		case evRetryTimer, evReconnect:
			m.state = StateConnecting
			return actConnect, true
		case evFatalError:
			m.state = StateInactive
			return actNone, true
		case evDisconnected:
			return actNone, true
		}

	case StateIdentifying, StateRegistering, StateLoggingIn,
		StateGranting, StateIdle:
		switch ev {
		case evAwaitLogin:
			if m.state == StateIdentifying {
				m.state = StateLoggingIn
				return actNone, true
			}
		case evAwaitRegister:
			if m.state == StateIdentifying {
				m.state = StateRegistering
				return actNone, true
			}
		case evAwaitGranted:
			if m.state == StateIdentifying {
				m.state = StateGranting
				return actNone, true
			}
		case evAccount:
			switch m.state {
			case StateRegistering, StateLoggingIn, StateGranting:
				m.state = StateIdle
				return actIdle, true
			}
		case evBasicError:
			return m.disconnectInto(StateRetry)
		case evFatalError:
			return m.disconnectInto(StateInactive)
		case evReconnect:
			return m.disconnectInto(StateConnecting)
		case evDisconnected:
			// unexpected socket drop
			return m.toRetry()
		}

	case StateDisconnecting:
		switch ev {
		case evDisconnected:
			next := m.resume
			if m.closing {
				next = StateInactive
			}
			m.state = next
			switch next {
			case StateConnecting:
				return actConnect, true
			case StateRetry:
				return actRetry, true
			default:
				if m.closing {
					return actFinished, true
				}
				return actNone, true
			}
		case evReconnect:
			if !m.closing {
				m.resume = StateConnecting
			}
			return actNone, true
		case evFatalError:
			m.resume = StateInactive
			return actNone, true
		case evBasicError:
			// already going down
			return actNone, true
		}
	}

	return actNone, false
}

func (m *machine) toRetry() (action, bool) {
	if m.closing {
		m.state = StateInactive
		return actFinished, true
	}
	m.state = StateRetry
	return actRetry, true
}

func (m *machine) disconnectInto(resume State) (action, bool) {
	m.state = StateDisconnecting
	m.resume = resume
	return actClose, true
}
