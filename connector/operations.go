// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connector

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/fleetsync/fleetsync/wire"
	"github.com/google/uuid"
)

// ExportData is the payload handed to an importing device out of band.
type ExportData struct {
	PartnerID uuid.UUID
	Trusted   bool
	PNonce    []byte
	Scheme    string
	Salt      []byte
	CMAC      []byte
	Config    *RemoteConfig
}

// SignData is the byte string the export CMAC covers.
func (d *ExportData) SignData() []byte {
	var bb bytes.Buffer
	bb.Write(d.PNonce)
	bb.Write(d.PartnerID[:])
	bb.WriteString(d.Scheme)
	return bb.Bytes()
}

// Reconnect schedules a clean reconnect.
func (c *Connector) Reconnect() {
	c.post(func() { c.submit(evReconnect) })
}

// Disconnect takes the connector to Inactive without an error message.
func (c *Connector) Disconnect() {
	c.post(func() { c.triggerError(false) })
}

// Resync asks the server to stream pending changes.
func (c *Connector) Resync() {
	c.post(func() {
		if !c.isIdle() {
			c.log.Info(idCon, "cannot resync when not in idle "+
				"state, ignoring request")
			return
		}
		c.emit(StateEvent{RemoteSending})
		c.sendMessage(&wire.Sync{})
	})
}

// ListDevices requests the account's device list.
func (c *Connector) ListDevices() {
	c.post(func() {
		if !c.isIdle() {
			c.log.Info(idCon, "cannot list devices when not in "+
				"idle state, ignoring request")
			return
		}
		c.sendMessage(&wire.ListDevices{})
	})
}

// RemoveDevice removes a partner device from the account.
func (c *Connector) RemoveDevice(deviceID uuid.UUID) {
	c.post(func() {
		if !c.isIdle() {
			c.log.Info(idCon, "cannot remove a device when not "+
				"in idle state, ignoring request")
			return
		}
		if deviceID == c.deviceID {
			c.log.Warn(idCon, "cannot delete your own device, "+
				"reset the account instead")
			return
		}
		c.sendMessage(&wire.Remove{DeviceID: deviceID})
	})
}

// ResetAccount removes this device from the account and deletes the local
// identity.  With clearConfig the stored server configuration and any
// staged import are dropped as well.
func (c *Connector) ResetAccount(clearConfig bool) {
	c.post(func() { c.resetAccount(clearConfig) })
}

func (c *Connector) resetAccount(clearConfig bool) {
	if clearConfig { // always clear imports along with the config
		c.sets.Remove("remote")
		c.sets.Remove(keyImport)
	}

	devID := c.deviceID
	if devID == uuid.Nil {
		devID, _ = c.sets.GetUUID(keyDeviceID)
	}

	if devID == uuid.Nil {
		c.log.Info(idCon, "skipping server reset, not registered to "+
			"a server")
		// still reconnect, this "completes" the operation and is
		// needed for imports
		c.submit(evReconnect)
		return
	}

	c.clearCaches(true)
	c.sets.Remove(keyDeviceID)
	if err := c.ring.DeleteKeyMaterial(devID); err != nil {
		c.log.Warn(idCon, "could not delete key material: %v", err)
	}

	if c.isIdle() {
		// delete yourself; the remote disconnects once done
		c.sendMessage(&wire.Remove{DeviceID: devID})
	} else {
		c.deviceID = uuid.Nil
		c.submit(evReconnect)
	}
}

// UploadData encrypts and uploads one change payload.
func (c *Connector) UploadData(key string, changeData []byte) {
	c.post(func() {
		if !c.isIdle() {
			c.log.Info(idCon, "cannot upload when not in idle "+
				"state, ignoring request")
			return
		}
		index, salt, data, err := c.ring.EncryptData(changeData)
		if err != nil {
			c.clientError("Change", err)
			return
		}
		c.sendMessage(&wire.Change{
			DataID:   key,
			KeyIndex: index,
			Salt:     salt,
			Data:     data,
		})
	})
}

// UploadDeviceData encrypts and uploads one change payload addressed to a
// single device.
func (c *Connector) UploadDeviceData(key string, deviceID uuid.UUID, changeData []byte) {
	c.post(func() {
		if !c.isIdle() {
			c.log.Info(idCon, "cannot upload when not in idle "+
				"state, ignoring request")
			return
		}
		index, salt, data, err := c.ring.EncryptData(changeData)
		if err != nil {
			c.clientError("DeviceChange", err)
			return
		}
		c.sendMessage(&wire.DeviceChange{
			DataID:   key,
			DeviceID: deviceID,
			KeyIndex: index,
			Salt:     salt,
			Data:     data,
		})
	})
}

// DownloadDone acknowledges a downloaded change.
func (c *Connector) DownloadDone(id uint64) {
	c.post(func() {
		if !c.isIdle() {
			c.log.Info(idCon, "cannot ack download when not in "+
				"idle state, ignoring request")
			return
		}
		c.sendMessage(&wire.ChangedAck{DataIndex: id})
		c.emit(ProgressIncrement{})
		c.beginSpecialOp(downloadTimeout, false)
	})
}

// InitKeyUpdate starts a rotation of the account secret.
func (c *Connector) InitKeyUpdate() {
	c.post(func() {
		if !c.isIdle() {
			c.log.Warn(idCon, "can't update secret keys when not "+
				"in idle state, ignoring request")
			return
		}
		c.initKeyUpdate()
	})
}

func (c *Connector) initKeyUpdate() {
	c.sendMessage(&wire.KeyChange{NextIndex: c.ring.KeyIndex() + 1})
}

// LoginReply resolves a pending untrusted import request.
func (c *Connector) LoginReply(deviceID uuid.UUID, accept bool) {
	c.post(func() { c.loginReply(deviceID, accept) })
}

// ExportAccount produces the payload a new device imports this account
// with.  An empty password yields an untrusted export that the user of this
// device must confirm interactively.
func (c *Connector) ExportAccount(includeServer bool, password string) (*ExportData, []byte, error) {
	var data *ExportData
	var key []byte
	var err error
	c.call(func() {
		data, key, err = c.exportAccount(includeServer, password)
	})
	return data, key, err
}

func (c *Connector) exportAccount(includeServer bool, password string) (*ExportData, []byte, error) {
	if c.deviceID == uuid.Nil {
		return nil, nil, fmt.Errorf("cannot export data without " +
			"being registered on a server")
	}

	data := &ExportData{
		PartnerID: c.deviceID,
		Trusted:   password != "",
		PNonce:    make([]byte, wire.NonceSize),
	}
	_, err := io.ReadFull(rand.Reader, data.PNonce)
	if err != nil {
		return nil, nil, err
	}

	var key []byte
	data.Scheme, data.Salt, key, err = c.ring.GenerateExportKey(password)
	if err != nil {
		return nil, nil, err
	}
	data.CMAC, err = c.ring.CreateExportCmac(data.Scheme, key,
		data.SignData())
	if err != nil {
		return nil, nil, err
	}

	if includeServer {
		cfg := c.loadConfig()
		data.Config = &cfg
	}

	c.exportsCache[string(data.PNonce)] = key
	return data, key, nil
}

// PrepareImport stages an export payload.  The caller is expected to reset
// the account afterwards; the next identify round then runs the access
// path.
func (c *Connector) PrepareImport(data *ExportData, key []byte) {
	c.post(func() {
		if data.Config != nil {
			c.storeConfig(*data.Config)
		} else {
			c.sets.Remove("remote")
		}
		c.sets.SetBytes(keyImportNonce, data.PNonce)
		c.sets.SetUUID(keyImportPartner, data.PartnerID)
		c.sets.Set(keyImportScheme, data.Scheme)
		c.sets.SetBytes(keyImportCmac, data.CMAC)
		if data.Trusted {
			c.sets.SetBytes(keyImportKey, key)
		} else {
			c.sets.Remove(keyImportKey)
		}
	})
}

// IsSyncEnabled reports the sync switch.
func (c *Connector) IsSyncEnabled() bool {
	return c.sValue(keyEnabled) == "true"
}

// SetSyncEnabled toggles the sync switch and reconnects.  Setting the
// current value again is a no-op.
func (c *Connector) SetSyncEnabled(enabled bool) {
	c.post(func() {
		if c.IsSyncEnabled() == enabled {
			return
		}
		c.sets.SetBool(keyEnabled, enabled)
		c.submit(evReconnect)
		c.emit(SyncEnabledChanged{Enabled: enabled})
	})
}

// DeviceName returns the effective device name.
func (c *Connector) DeviceName() string {
	return c.sValue(keyDeviceName)
}

// SetDeviceName overrides the device name and reconnects.
func (c *Connector) SetDeviceName(name string) {
	c.post(func() {
		if c.sValue(keyDeviceName) == name {
			return
		}
		c.sets.Set(keyDeviceName, name)
		c.emit(DeviceNameChanged{Name: name})
		c.submit(evReconnect)
	})
}

// ResetDeviceName drops the name override and reconnects.
func (c *Connector) ResetDeviceName() {
	c.post(func() {
		if !c.sets.Contains(keyDeviceName) {
			return
		}
		c.sets.Remove(keyDeviceName)
		c.emit(DeviceNameChanged{Name: c.DeviceName()})
		c.submit(evReconnect)
	})
}
