// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connector

import (
	"github.com/fleetsync/fleetsync/wire"
	"github.com/google/uuid"
)

// RemoteState is the coarse connection state reported to the engine.
type RemoteState int

const (
	RemoteDisconnected RemoteState = iota
	RemoteReconnecting
	RemoteReady
	RemoteReadyWithChanges
	RemoteSending
)

func (s RemoteState) String() string {
	switch s {
	case RemoteDisconnected:
		return "Disconnected"
	case RemoteReconnecting:
		return "Reconnecting"
	case RemoteReady:
		return "Ready"
	case RemoteReadyWithChanges:
		return "ReadyWithChanges"
	case RemoteSending:
		return "Sending"
	}
	return "Unknown"
}

// Event is delivered to the engine facade through Connector.Events.
type Event interface {
	event()
}

// StateEvent reports a coarse connection state change.
type StateEvent struct {
	State RemoteState
}

// UploadDone confirms an uploaded change.
type UploadDone struct {
	Key string
}

// DeviceUploadDone confirms an uploaded device addressed change.
type DeviceUploadDone struct {
	Key      string
	DeviceID uuid.UUID
}

// DownloadData delivers one decrypted remote change.
type DownloadData struct {
	ID   uint64
	Data []byte
}

// DevicesListed delivers the current device list.
type DevicesListed struct {
	Devices []wire.DeviceInfo
}

// LoginRequested asks the user to confirm an untrusted import.
type LoginRequested struct {
	Device wire.DeviceInfo
}

// AccountAccessGranted reports an accepted import partner.
type AccountAccessGranted struct {
	DeviceID uuid.UUID
}

// ImportCompleted reports that a staged import finished.
type ImportCompleted struct{}

// UploadLimit propagates the server's upload limit.
type UploadLimit struct {
	Limit uint32
}

// ProgressAdded reports the estimated number of incoming changes.
type ProgressAdded struct {
	Estimate uint32
}

// ProgressIncrement reports one completed download.
type ProgressIncrement struct{}

// ControllerError carries a user presentable error message.
type ControllerError struct {
	Message string
}

// DeviceNameChanged reports a new device name.
type DeviceNameChanged struct {
	Name string
}

// SyncEnabledChanged reports a toggled sync switch.
type SyncEnabledChanged struct {
	Enabled bool
}

// Finalized reports completed shutdown.
type Finalized struct{}

func (StateEvent) event()           {}
func (UploadDone) event()           {}
func (DeviceUploadDone) event()     {}
func (DownloadData) event()         {}
func (DevicesListed) event()        {}
func (LoginRequested) event()       {}
func (AccountAccessGranted) event() {}
func (ImportCompleted) event()      {}
func (UploadLimit) event()          {}
func (ProgressAdded) event()        {}
func (ProgressIncrement) event()    {}
func (ControllerError) event()      {}
func (DeviceNameChanged) event()    {}
func (SyncEnabledChanged) event()   {}
func (Finalized) event()            {}
