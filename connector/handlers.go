// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connector

import (
	"errors"
	"fmt"
	"time"

	"github.com/fleetsync/fleetsync/keyring"
	"github.com/fleetsync/fleetsync/wire"
	"github.com/google/uuid"
)

// Localized controller error texts, keyed by wire error type.
var controllerErrorTexts = map[uint32]string{
	wire.ErrorIncompatibleVersion: "Server is not compatible with your " +
		"application version.",
	wire.ErrorAuthentication: "Authentication failed. Try to remove and " +
		"add your device again, or reset your account!",
	wire.ErrorAccess: "Account access (import) failed. The partner device " +
		"was not available or did not accept your request!",
	wire.ErrorKeyIndex: "Cannot update key! This client is not using the " +
		"latest existing keys.",
	wire.ErrorClient: "Internal application error. Check the logs for " +
		"details.",
	wire.ErrorServer: "Internal application error. Check the logs for " +
		"details.",
	wire.ErrorUnexpectedMessage: "Internal application error. Check the " +
		"logs for details.",
}

// frameReceived dispatches one inbound frame.  Runs on the event loop.
func (c *Connector) frameReceived(epoch int, frame []byte) {
	if epoch != c.connEpoch {
		return
	}

	if wire.IsPing(frame) {
		c.awaitingPing = false
		if t := c.keepaliveMinutes(); t > 0 {
			c.pingTimer.arm(time.Duration(t)*keepaliveUnit, c.ping)
		}
		return
	}

	msg, err := wire.Unmarshal(frame)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownMessage) {
			c.log.Warn(idRPC, "unknown message received: %v", err)
		} else {
			c.log.Critical(idRPC, "remote message error: %v", err)
		}
		c.triggerError(true)
		return
	}

	switch m := msg.(type) {
	case *wire.Error:
		c.onError(m, "")
	case *wire.Identify:
		c.onIdentify(m)
	case *wire.Account:
		c.onAccount(m, true)
	case *wire.Welcome:
		c.onWelcome(m)
	case *wire.Grant:
		c.onGrant(m)
	case *wire.ChangeAck:
		c.onChangeAck(m)
	case *wire.DeviceChangeAck:
		c.onDeviceChangeAck(m)
	case *wire.Changed:
		c.onChanged(m)
	case *wire.ChangedInfo:
		c.onChangedInfo(m)
	case *wire.LastChanged:
		c.onLastChanged(m)
	case *wire.Devices:
		c.onDevices(m)
	case *wire.Removed:
		c.onRemoved(m)
	case *wire.Proof:
		c.onProof(m)
	case *wire.MacUpdateAck:
		c.onMacUpdateAck(m)
	case *wire.DeviceKeys:
		c.onDeviceKeys(m)
	case *wire.NewKeyAck:
		c.onNewKeyAck(m)
	default:
		c.log.Warn(idRPC, "unhandled message type %T", msg)
		c.triggerError(true)
	}
}

// checkIdle verifies that a steady state message is allowed right now.
func (c *Connector) checkIdle(name string) bool {
	if c.isIdle() {
		return true
	}
	c.log.Warn(idRPC, "unexpected %v in state %v", name, c.sm.state)
	c.triggerError(true)
	return false
}

func (c *Connector) onError(m *wire.Error, name string) {
	if name != "" {
		c.log.Critical(idRPC, "local error on %v: %v", name, m.Message)
	} else {
		c.log.Critical(idRPC, "server error %v (recoverable=%v): %v",
			m.Type, m.CanRecover, m.Message)
	}
	c.triggerError(m.CanRecover)

	if !m.CanRecover {
		text, found := controllerErrorTexts[m.Type]
		if !found {
			text = "Unknown error occurred."
		}
		c.emit(ControllerError{Message: text})
	}
}

// onIdentify answers the server's challenge with one of the three handshake
// variants: login for a known identity, access for a staged import and
// registration otherwise.
func (c *Connector) onIdentify(m *wire.Identify) {
	if c.sm.state != StateIdentifying {
		c.log.Warn(idRPC, "unexpected Identify in state %v", c.sm.state)
		c.triggerError(true)
		return
	}

	c.emit(UploadLimit{Limit: m.UploadLimit})

	if c.deviceID != uuid.Nil {
		msg := &wire.Login{
			DeviceID: c.deviceID,
			Name:     c.DeviceName(),
			Nonce:    m.Nonce,
		}
		c.submit(evAwaitLogin)
		err := c.sendSignedMessage(msg)
		if err != nil {
			c.clientError("Login", err)
			return
		}
		c.log.Dbg(idRPC, "sent login message for device id %v",
			c.deviceID)
		return
	}

	err := c.ring.CreatePrivateKeys(m.Nonce)
	if err != nil {
		c.clientError("Identify", err)
		return
	}
	keys := c.ring.KeySet()

	// register or import?
	pNonce, staged := c.sets.GetBytes(keyImportNonce)
	if !staged {
		err = c.ring.EnsureSecretKey()
		if err != nil {
			c.clientError("Register", err)
			return
		}
		cmac, err := c.ring.GenerateActiveKeyCmac()
		if err != nil {
			c.clientError("Register", err)
			return
		}
		msg := &wire.Register{
			Name:        c.DeviceName(),
			Nonce:       m.Nonce,
			SignScheme:  keys.SignScheme,
			SignKey:     keys.SignKey,
			CryptScheme: keys.CryptScheme,
			CryptKey:    keys.CryptKey,
			CMAC:        cmac,
		}
		c.submit(evAwaitRegister)
		err = c.sendSignedMessage(msg)
		if err != nil {
			c.clientError("Register", err)
			return
		}
		c.log.Dbg(idRPC, "sent registration message for new id")
		return
	}

	scheme, _ := c.sets.Get(keyImportScheme)
	importCmac, _ := c.sets.GetBytes(keyImportCmac)
	partner, _ := c.sets.GetUUID(keyImportPartner)

	// the trust mac is only computable when the export password was known
	var trustMac []byte
	if key, found := c.sets.GetBytes(keyImportKey); found {
		trustMac, err = c.ring.CreateExportCmacForKeys(scheme, key)
		if err != nil {
			c.clientError("Access", err)
			return
		}
	}

	msg := &wire.Access{
		Name:        c.DeviceName(),
		Nonce:       m.Nonce,
		SignScheme:  keys.SignScheme,
		SignKey:     keys.SignKey,
		CryptScheme: keys.CryptScheme,
		CryptKey:    keys.CryptKey,
		PNonce:      pNonce,
		PartnerID:   partner,
		MacScheme:   scheme,
		MAC:         importCmac,
		TrustMAC:    trustMac,
	}
	c.submit(evAwaitGranted)
	err = c.sendSignedMessage(msg)
	if err != nil {
		c.clientError("Access", err)
		return
	}
	c.log.Dbg(idRPC, "sent access message for new id")
}

func (c *Connector) onAccount(m *wire.Account, checkState bool) {
	if checkState && c.sm.state != StateRegistering {
		c.log.Warn(idRPC, "unexpected Account in state %v", c.sm.state)
		c.triggerError(true)
		return
	}

	c.deviceID = m.DeviceID
	c.sets.SetUUID(keyDeviceID, c.deviceID)
	// make sure the effective config is stored, in case it came from
	// defaults
	c.storeConfig(c.loadConfig())

	err := c.ring.StorePrivateKeys(c.deviceID)
	if err != nil {
		c.clientError("Account", err)
		return
	}

	c.log.Dbg(idRPC, "registration successful")
	c.expectChanges = false
	c.submit(evAccount)
}

func (c *Connector) onWelcome(m *wire.Welcome) {
	if c.sm.state != StateLoggingIn {
		c.log.Warn(idRPC, "unexpected Welcome in state %v", c.sm.state)
		c.triggerError(true)
		return
	}

	c.log.Dbg(idRPC, "login successful")
	c.expectChanges = m.HasChanges
	c.submit(evAccount)

	keyUpdated := false
	prev := c.ring.KeyIndex()
	for _, update := range m.KeyUpdates { // ordered by index
		// a skipped index means we cannot verify the chain
		if update.KeyIndex != prev+1 {
			c.log.Critical(idRPC, "non-consecutive key update %v "+
				"after %v", update.KeyIndex, prev)
			c.onError(&wire.Error{
				Type:       wire.ErrorKeyIndex,
				CanRecover: false,
				Message:    "key update chain broken",
			}, "")
			return
		}

		// verify the new key with the key before it
		err := c.ring.VerifyCmac(prev,
			wire.KeyUpdateSignatureData(c.deviceID, update),
			update.CMAC)
		if err != nil {
			c.clientError("Welcome", err)
			return
		}
		err = c.ring.DecryptSecretKey(update.KeyIndex, update.Scheme,
			update.Key, false)
		if err != nil {
			c.clientError("Welcome", err)
			return
		}
		prev = update.KeyIndex
		keyUpdated = true
	}

	sendCmac, _ := c.sets.GetBool(keySendCmac)
	if keyUpdated || sendCmac {
		c.sendKeyUpdate()
	}
}

func (c *Connector) onGrant(m *wire.Grant) {
	if c.sm.state != StateGranting {
		c.log.Warn(idRPC, "unexpected Grant in state %v", c.sm.state)
		c.triggerError(true)
		return
	}

	c.log.Dbg(idRPC, "account access granted")
	err := c.ring.DecryptSecretKey(m.KeyIndex, m.Scheme, m.Secret, true)
	if err != nil {
		c.clientError("Grant", err)
		return
	}

	c.onAccount(&wire.Account{DeviceID: m.DeviceID}, false)

	// import succeeded, drop the staging keys
	c.sets.Remove(keyImport)

	// update the server cmac
	c.sendKeyUpdate()
	c.emit(ImportCompleted{})
}

// sendKeyUpdate persists the pending-cmac marker before the MacUpdate goes
// out, so a crash between the two is recovered on the next login.
func (c *Connector) sendKeyUpdate() {
	c.sets.SetBool(keySendCmac, true)
	cmac, err := c.ring.GenerateActiveKeyCmac()
	if err != nil {
		c.clientError("MacUpdate", err)
		return
	}
	c.sendMessage(&wire.MacUpdate{
		KeyIndex: c.ring.KeyIndex(),
		CMAC:     cmac,
	})
}

func (c *Connector) onMacUpdateAck(m *wire.MacUpdateAck) {
	if c.checkIdle("MacUpdateAck") {
		c.sets.Remove(keySendCmac)
	}
}

func (c *Connector) onChangeAck(m *wire.ChangeAck) {
	if c.checkIdle("ChangeAck") {
		c.emit(UploadDone{Key: m.DataID})
	}
}

func (c *Connector) onDeviceChangeAck(m *wire.DeviceChangeAck) {
	if c.checkIdle("DeviceChangeAck") {
		c.emit(DeviceUploadDone{Key: m.DataID, DeviceID: m.DeviceID})
	}
}

func (c *Connector) onChanged(m *wire.Changed) {
	if !c.checkIdle("Changed") {
		return
	}

	data, err := c.ring.DecryptData(m.KeyIndex, m.Salt, m.Data)
	if err != nil {
		c.clientError("Changed", err)
		return
	}
	// every received change re-arms the download guard
	c.beginSpecialOp(downloadTimeout, true)
	c.emit(DownloadData{ID: m.DataIndex, Data: data})
}

func (c *Connector) onChangedInfo(m *wire.ChangedInfo) {
	if !c.checkIdle("ChangedInfo") {
		return
	}

	c.log.Dbg(idRPC, "started downloading, estimated changes: %v",
		m.ChangeEstimate)
	c.emit(StateEvent{RemoteReadyWithChanges})
	c.emit(ProgressAdded{Estimate: m.ChangeEstimate})
	c.onChanged(&m.Changed)
}

func (c *Connector) onLastChanged(m *wire.LastChanged) {
	if !c.checkIdle("LastChanged") {
		return
	}

	c.log.Dbg(idRPC, "completed downloading changes")
	c.endOp()
	c.emit(StateEvent{RemoteReady})
}

func (c *Connector) onDevices(m *wire.Devices) {
	if !c.checkIdle("Devices") {
		return
	}

	c.log.Dbg(idRPC, "received list of devices with %v entries",
		len(m.Devices))
	c.deviceCache = append([]wire.DeviceInfo(nil), m.Devices...)
	c.emit(DevicesListed{Devices: c.deviceCache})
}

func (c *Connector) onRemoved(m *wire.Removed) {
	if !c.checkIdle("Removed") {
		return
	}

	c.log.Dbg(idRPC, "device with id %v was removed", m.DeviceID)
	if c.deviceID == m.DeviceID {
		c.sets.Remove(keyDeviceID)
		if err := c.ring.DeleteKeyMaterial(c.deviceID); err != nil {
			c.log.Warn(idCon, "could not delete key material: %v",
				err)
		}
		c.deviceID = uuid.Nil
		c.submit(evReconnect)
		return
	}

	// in case the device was known, drop it from the cache
	for i, info := range c.deviceCache {
		if info.DeviceID == m.DeviceID {
			c.deviceCache = append(c.deviceCache[:i],
				c.deviceCache[i+1:]...)
			c.emit(DevicesListed{Devices: c.deviceCache})
			break
		}
	}
}

// onProof handles a forwarded import attempt against one of our pending
// exports.
func (c *Connector) onProof(m *wire.Proof) {
	if !c.checkIdle("Proof") {
		return
	}

	err := c.verifyProof(m)
	if err != nil {
		c.log.Warn(idRPC, "rejecting Proof: %v", err)
		c.sendMessage(&wire.Deny{DeviceID: m.DeviceID})
	}
}

func (c *Connector) verifyProof(m *wire.Proof) error {
	key, found := c.exportsCache[string(m.PNonce)]
	if !found {
		return fmt.Errorf("proof for non existing export")
	}
	delete(c.exportsCache, string(m.PNonce))

	macData := wire.ProofSignatureData(m.PNonce, c.deviceID, m.MacScheme)
	err := c.ring.VerifyImportCmac(m.MacScheme, key, macData, m.CMAC)
	if err != nil {
		return err
	}

	keys := &keyring.PublicKeySet{
		SignScheme:  m.SignScheme,
		SignKey:     m.SignKey,
		CryptScheme: m.CryptScheme,
		CryptKey:    m.CryptKey,
	}

	trusted := len(m.TrustCMAC) != 0
	if trusted {
		err = c.ring.VerifyImportCmacForKeys(m.MacScheme, key, keys,
			m.TrustCMAC)
		if err != nil {
			return err
		}
		c.log.Info(idRPC, "accepted trusted import proof request "+
			"for device %v", m.DeviceID)
	} else {
		c.log.Info(idRPC, "received untrusted import proof request "+
			"for device %v", m.DeviceID)
	}

	c.activeProofs[m.DeviceID] = keys
	if trusted {
		// ready to go, send back the accept
		c.loginReply(m.DeviceID, true)
		return nil
	}

	// untrusted: the user has to confirm; auto deny on timeout
	c.emit(LoginRequested{Device: wire.DeviceInfo{
		DeviceID:    m.DeviceID,
		Name:        m.DeviceName,
		Fingerprint: keys.Fingerprint(),
	}})

	deviceID := m.DeviceID
	t := newOpTimer(c)
	c.proofTimers[deviceID] = t
	t.arm(c.proofTTL, func() {
		delete(c.proofTimers, deviceID)
		if _, pending := c.activeProofs[deviceID]; pending {
			delete(c.activeProofs, deviceID)
			c.log.Warn(idRPC, "rejecting Proof after timeout")
			c.sendMessage(&wire.Deny{DeviceID: deviceID})
		}
	})
	return nil
}

// loginReply resolves a pending proof.  Runs on the event loop.
func (c *Connector) loginReply(deviceID uuid.UUID, accept bool) {
	if !c.isIdle() {
		c.log.Warn(idCon, "can't react to login when not in idle "+
			"state, ignoring request")
		return
	}

	keys, found := c.activeProofs[deviceID]
	if !found {
		c.log.Warn(idCon, "received login reply for non existing "+
			"request, probably already handled")
		return
	}
	delete(c.activeProofs, deviceID)
	if t, armed := c.proofTimers[deviceID]; armed {
		t.disarm()
		delete(c.proofTimers, deviceID)
	}

	if !accept {
		c.sendMessage(&wire.Deny{DeviceID: deviceID})
		return
	}

	index, scheme, secret, err := c.ring.EncryptActiveSecret(keys)
	if err != nil {
		c.log.Warn(idCon, "failed to reply to login: %v", err)
		// simply send a deny
		c.sendMessage(&wire.Deny{DeviceID: deviceID})
		return
	}
	c.sendMessage(&wire.Accept{
		DeviceID: deviceID,
		KeyIndex: index,
		Scheme:   scheme,
		Secret:   secret,
	})
	c.emit(AccountAccessGranted{DeviceID: deviceID})
}

// onDeviceKeys answers a rotation request: wrap the staged secret for every
// peer that can prove it knows the previous one.
func (c *Connector) onDeviceKeys(m *wire.DeviceKeys) {
	if !c.checkIdle("DeviceKeys") {
		return
	}

	if m.Duplicated {
		// another device rotated to the same index first
		err := c.ring.ActivateNextKey(m.KeyIndex)
		if err != nil {
			c.clientError("DeviceKeys", err)
		}
		return
	}

	index, scheme, err := c.ring.GenerateNextKey()
	if err != nil {
		c.clientError("DeviceKeys", err)
		return
	}
	reply := &wire.NewKey{KeyIndex: index, Scheme: scheme}
	// cmac for the new key; not stored for resend
	reply.CMAC, err = c.ring.GenerateEncryptionKeyCmac(index)
	if err != nil {
		c.clientError("DeviceKeys", err)
		return
	}

	prev := c.ring.KeyIndex()
	for _, info := range m.Devices {
		peer := &keyring.PublicKeySet{
			SignScheme:  info.SignScheme,
			SignKey:     info.SignKey,
			CryptScheme: info.CryptScheme,
			CryptKey:    info.CryptKey,
		}

		// the device must know the previous secret, which is still
		// the current one
		err := c.ring.VerifyEncryptionKeyCmac(prev, peer, info.CMAC)
		if err == nil {
			var update wire.NewKeyDevice
			update.DeviceID = info.DeviceID
			_, _, update.Secret, err = c.ring.EncryptSecretKey(
				index, peer)
			if err == nil {
				update.CMAC, err = c.ring.CreateCmac(
					wire.NewKeySignatureData(reply, update))
			}
			if err == nil {
				reply.Devices = append(reply.Devices, update)
				c.log.Dbg(idRPC, "prepared key update for "+
					"device %v", info.DeviceID)
				continue
			}
		}
		c.log.Warn(idRPC, "failed to prepare key update for device "+
			"%v, device is going to be excluded from "+
			"synchronization: %v", info.DeviceID, err)
	}

	c.sendMessage(reply)
	c.log.Dbg(idRPC, "sent key update to server")
}

func (c *Connector) onNewKeyAck(m *wire.NewKeyAck) {
	if !c.checkIdle("NewKeyAck") {
		return
	}

	err := c.ring.ActivateNextKey(m.KeyIndex)
	if err != nil {
		c.clientError("NewKeyAck", err)
	}
}
