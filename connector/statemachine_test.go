// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connector

import (
	"testing"
	"time"
)

func TestHandshakeTransitions(t *testing.T) {
	var m machine

	steps := []struct {
		ev    machineEvent
		state State
		act   action
	}{
		{evStart, StateConnecting, actConnect},
		{evConnected, StateIdentifying, actNone},
		{evAwaitRegister, StateRegistering, actNone},
		{evAccount, StateIdle, actIdle},
		{evBasicError, StateDisconnecting, actClose},
		{evDisconnected, StateRetry, actRetry},
		{evRetryTimer, StateConnecting, actConnect},
		{evConnected, StateIdentifying, actNone},
		{evAwaitLogin, StateLoggingIn, actNone},
		{evAccount, StateIdle, actIdle},
		{evReconnect, StateDisconnecting, actClose},
		{evDisconnected, StateConnecting, actConnect},
		{evConnected, StateIdentifying, actNone},
		{evAwaitGranted, StateGranting, actNone},
		{evAccount, StateIdle, actIdle},
		{evFatalError, StateDisconnecting, actClose},
		{evDisconnected, StateInactive, actNone},
	}
	for i, step := range steps {
		act, handled := m.submit(step.ev)
		if !handled {
			t.Fatalf("step %v: %v not handled in %v", i, step.ev,
				m.state)
		}
		if m.state != step.state || act != step.act {
			t.Fatalf("step %v (%v): got state %v act %v, want %v %v",
				i, step.ev, m.state, act, step.state, step.act)
		}
	}
}

func TestSuperStates(t *testing.T) {
	if StateInactive.inActive() {
		t.Fatal("Inactive in Active")
	}
	for _, s := range []State{StateConnecting, StateRetry,
		StateIdentifying, StateIdle, StateDisconnecting} {
		if !s.inActive() {
			t.Fatalf("%v not in Active", s)
		}
	}
	for _, s := range []State{StateIdentifying, StateRegistering,
		StateLoggingIn, StateGranting, StateIdle} {
		if !s.inConnected() {
			t.Fatalf("%v not in Connected", s)
		}
	}
	for _, s := range []State{StateInactive, StateConnecting, StateRetry,
		StateDisconnecting} {
		if s.inConnected() {
			t.Fatalf("%v in Connected", s)
		}
	}
}

func TestUnexpectedDropGoesToRetry(t *testing.T) {
	m := machine{state: StateIdle}
	act, handled := m.submit(evDisconnected)
	if !handled || m.state != StateRetry || act != actRetry {
		t.Fatalf("drop from idle: %v %v %v", handled, m.state, act)
	}
}

func TestNoConnect(t *testing.T) {
	m := machine{state: StateConnecting}
	act, handled := m.submit(evNoConnect)
	if !handled || m.state != StateInactive || act != actNone {
		t.Fatalf("noConnect: %v %v %v", handled, m.state, act)
	}
}

func TestCloseFromEverywhere(t *testing.T) {
	// an open socket is torn down first
	m := machine{state: StateIdle}
	act, _ := m.submit(evClose)
	if m.state != StateDisconnecting || act != actClose {
		t.Fatalf("close from idle: %v %v", m.state, act)
	}
	act, _ = m.submit(evDisconnected)
	if m.state != StateInactive || act != actFinished {
		t.Fatalf("close completion: %v %v", m.state, act)
	}

	// idle states finish immediately
	m = machine{state: StateRetry}
	act, _ = m.submit(evClose)
	if m.state != StateInactive || act != actFinished {
		t.Fatalf("close from retry: %v %v", m.state, act)
	}

	m = machine{state: StateInactive}
	act, _ = m.submit(evClose)
	if act != actFinished {
		t.Fatalf("close from inactive: %v", act)
	}

	// no restart once closing
	m = machine{state: StateInactive, closing: true}
	act, _ = m.submit(evReconnect)
	if m.state != StateInactive || act != actNone {
		t.Fatalf("reconnect while closing: %v %v", m.state, act)
	}
}

func TestReconnectDuringDisconnect(t *testing.T) {
	m := machine{state: StateIdle}
	m.submit(evBasicError) // Disconnecting, resume Retry
	m.submit(evReconnect)  // upgrade resume to Connecting
	act, _ := m.submit(evDisconnected)
	if m.state != StateConnecting || act != actConnect {
		t.Fatalf("resume after reconnect: %v %v", m.state, act)
	}
}

// The retry ladder is the documented backoff sequence, clamped at its last
// entry.
func TestRetryLadder(t *testing.T) {
	want := []time.Duration{
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		time.Minute,
		5 * time.Minute,
		5 * time.Minute,
		5 * time.Minute,
	}
	for i, w := range want {
		if got := retryDelay(i); got != w {
			t.Fatalf("attempt %v: got %v, want %v", i, got, w)
		}
	}
}
