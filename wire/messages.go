// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

const (
	// NonceSize is the length of handshake and export nonces.
	NonceSize = 32
)

// Error classifications sent by the server.  CanRecover decides whether the
// client retries or goes inactive.
const (
	ErrorUnknown = iota
	ErrorIncompatibleVersion
	ErrorAuthentication
	ErrorAccess
	ErrorKeyIndex
	ErrorClient
	ErrorServer
	ErrorUnexpectedMessage
)

// server to client

// Error reports a protocol level failure.
type Error struct {
	Type       uint32
	CanRecover bool
	Message    string
}

// Identify opens every handshake.  The nonce must be echoed back signed in
// the Register, Login or Access reply.
type Identify struct {
	Nonce       []byte
	UploadLimit uint32
}

// Account concludes a registration; the server assigned the device id.
type Account struct {
	DeviceID uuid.UUID
}

// KeyUpdate delivers a rotated account secret, wrapped for this device and
// authenticated with a CMAC under the secret preceding it.
type KeyUpdate struct {
	KeyIndex uint32
	Scheme   string
	Key      []byte
	CMAC     []byte
}

// Welcome concludes a login.
type Welcome struct {
	HasChanges bool
	KeyUpdates []KeyUpdate // ordered by ascending index
}

// Grant concludes an import; the partner device accepted and wrapped the
// account secret for us.
type Grant struct {
	DeviceID uuid.UUID
	KeyIndex uint32
	Scheme   string
	Secret   []byte
}

// ChangeAck confirms an uploaded Change.
type ChangeAck struct {
	DataID string
}

// DeviceChangeAck confirms an uploaded DeviceChange.
type DeviceChangeAck struct {
	DataID   string
	DeviceID uuid.UUID
}

// Changed streams one remote change during a download.
type Changed struct {
	DataIndex uint64
	KeyIndex  uint32
	Salt      []byte
	Data      []byte
}

// ChangedInfo is the first Changed of a download and carries the estimated
// total.
type ChangedInfo struct {
	ChangeEstimate uint32
	Changed
}

// LastChanged terminates a download stream.
type LastChanged struct{}

// DeviceInfo describes one device of the account.
type DeviceInfo struct {
	DeviceID    uuid.UUID
	Name        string
	Fingerprint []byte
}

// Devices answers a ListDevices request.
type Devices struct {
	Devices []DeviceInfo
}

// Removed reports that a device left the account.
type Removed struct {
	DeviceID uuid.UUID
}

// Proof forwards an Access attempt to the exporting partner device.
type Proof struct {
	PNonce      []byte
	DeviceID    uuid.UUID
	DeviceName  string
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	MacScheme   string
	CMAC        []byte
	TrustCMAC   []byte // empty for untrusted imports
}

// MacUpdateAck confirms a MacUpdate.
type MacUpdateAck struct{}

// DeviceKey describes a peer device during key rotation, including the CMAC
// proving it knows the previous secret.
type DeviceKey struct {
	DeviceID    uuid.UUID
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	CMAC        []byte
}

// DeviceKeys answers a KeyChange request.  Duplicated means another device
// already rotated to the same index.
type DeviceKeys struct {
	Duplicated bool
	KeyIndex   uint32
	Devices    []DeviceKey
}

// NewKeyAck confirms a NewKey fan-out; the new generation may be activated.
type NewKeyAck struct {
	KeyIndex uint32
}

// client to server

// Register creates a fresh device on the account.  Sent signed with the
// newly generated sign key.
type Register struct {
	Name        string
	Nonce       []byte
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	CMAC        []byte
}

// Login authenticates an existing device.  Sent signed with the stored sign
// key.
type Login struct {
	DeviceID uuid.UUID
	Name     string
	Nonce    []byte
}

// Access requests account membership via a staged import.  Sent signed with
// the newly generated sign key.
type Access struct {
	Name        string
	Nonce       []byte
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
	PNonce      []byte
	PartnerID   uuid.UUID
	MacScheme   string
	MAC         []byte
	TrustMAC    []byte // present only for trusted imports
}

// Sync asks the server to stream pending changes.
type Sync struct{}

// Change uploads an encrypted change payload.
type Change struct {
	DataID   string
	KeyIndex uint32
	Salt     []byte
	Data     []byte
}

// DeviceChange uploads an encrypted change payload addressed to a single
// device.
type DeviceChange struct {
	DataID   string
	DeviceID uuid.UUID
	KeyIndex uint32
	Salt     []byte
	Data     []byte
}

// ChangedAck confirms a downloaded change so the server can drop it.
type ChangedAck struct {
	DataIndex uint64
}

// ListDevices requests the device list.
type ListDevices struct{}

// Remove deletes a device from the account.  Removing oneself resets the
// account.
type Remove struct {
	DeviceID uuid.UUID
}

// Accept grants a pending Proof and carries the wrapped account secret.
type Accept struct {
	DeviceID uuid.UUID
	KeyIndex uint32
	Scheme   string
	Secret   []byte
}

// Deny rejects a pending Proof.
type Deny struct {
	DeviceID uuid.UUID
}

// MacUpdate re-registers the CMAC of the active secret with the server.
type MacUpdate struct {
	KeyIndex uint32
	CMAC     []byte
}

// KeyChange initiates a rotation to NextIndex.
type KeyChange struct {
	NextIndex uint32
}

// NewKeyDevice carries the rotated secret wrapped for one peer plus a CMAC
// under the previous secret.
type NewKeyDevice struct {
	DeviceID uuid.UUID
	Secret   []byte
	CMAC     []byte
}

// NewKey fans the rotated secret out to all peers.
type NewKey struct {
	KeyIndex uint32
	Scheme   string
	CMAC     []byte
	Devices  []NewKeyDevice
}

func init() {
	register("Error", func() interface{} { return new(Error) })
	register("Identify", func() interface{} { return new(Identify) })
	register("Account", func() interface{} { return new(Account) })
	register("Welcome", func() interface{} { return new(Welcome) })
	register("Grant", func() interface{} { return new(Grant) })
	register("ChangeAck", func() interface{} { return new(ChangeAck) })
	register("DeviceChangeAck", func() interface{} { return new(DeviceChangeAck) })
	register("Changed", func() interface{} { return new(Changed) })
	register("ChangedInfo", func() interface{} { return new(ChangedInfo) })
	register("LastChanged", func() interface{} { return new(LastChanged) })
	register("Devices", func() interface{} { return new(Devices) })
	register("Removed", func() interface{} { return new(Removed) })
	register("Proof", func() interface{} { return new(Proof) })
	register("MacUpdateAck", func() interface{} { return new(MacUpdateAck) })
	register("DeviceKeys", func() interface{} { return new(DeviceKeys) })
	register("NewKeyAck", func() interface{} { return new(NewKeyAck) })

	register("Register", func() interface{} { return new(Register) })
	register("Login", func() interface{} { return new(Login) })
	register("Access", func() interface{} { return new(Access) })
	register("Sync", func() interface{} { return new(Sync) })
	register("Change", func() interface{} { return new(Change) })
	register("DeviceChange", func() interface{} { return new(DeviceChange) })
	register("ChangedAck", func() interface{} { return new(ChangedAck) })
	register("ListDevices", func() interface{} { return new(ListDevices) })
	register("Remove", func() interface{} { return new(Remove) })
	register("Accept", func() interface{} { return new(Accept) })
	register("Deny", func() interface{} { return new(Deny) })
	register("MacUpdate", func() interface{} { return new(MacUpdate) })
	register("KeyChange", func() interface{} { return new(KeyChange) })
	register("NewKey", func() interface{} { return new(NewKey) })
}

// KeyUpdateSignatureData is the byte string authenticated by a Welcome
// KeyUpdate CMAC: the receiving device id followed by the update fields.
func KeyUpdateSignatureData(deviceID uuid.UUID, u KeyUpdate) []byte {
	var bb bytes.Buffer
	bb.Write(deviceID[:])
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], u.KeyIndex)
	bb.Write(idx[:])
	bb.WriteString(u.Scheme)
	bb.Write(u.Key)
	return bb.Bytes()
}

// NewKeySignatureData is the byte string authenticated by a NewKeyDevice
// CMAC: the rotation header followed by the per device fields.
func NewKeySignatureData(m *NewKey, d NewKeyDevice) []byte {
	var bb bytes.Buffer
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], m.KeyIndex)
	bb.Write(idx[:])
	bb.WriteString(m.Scheme)
	bb.Write(d.DeviceID[:])
	bb.Write(d.Secret)
	return bb.Bytes()
}

// ProofSignatureData is the byte string authenticated by a Proof CMAC.
func ProofSignatureData(pNonce []byte, partnerID uuid.UUID, macScheme string) []byte {
	var bb bytes.Buffer
	bb.Write(pNonce)
	bb.Write(partnerID[:])
	bb.WriteString(macScheme)
	return bb.Bytes()
}
