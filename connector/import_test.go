// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package connector

import (
	"bytes"
	"testing"

	"github.com/fleetsync/fleetsync/keyring"
	"github.com/fleetsync/fleetsync/wire"
	"github.com/google/uuid"
)

// Scenario: a staged import runs the access path on the next identify round
// and activates the granted secret.
func TestImportAccessPath(t *testing.T) {
	ts := newTestServer(t)
	c := newTestConnector(t, ts.url(), 0)
	partner := uuid.MustParse("bbbbbbbb-0000-0000-0000-000000000005")
	granted := uuid.MustParse("aaaaaaaa-0000-0000-0000-00000000000d")

	// what the exporting device would have handed over out of band
	export := &ExportData{
		PartnerID: partner,
		Trusted:   false,
		PNonce:    testNonce(),
		Scheme:    keyring.ExportSchemeNone,
		CMAC:      []byte{1, 2, 3, 4},
	}
	c.PrepareImport(export, nil)
	c.Start()

	tc := ts.accept(t)
	tc.send(t, &wire.Identify{Nonce: testNonce(), UploadLimit: 1 << 20})

	msg := tc.nextSigned(t, nil)
	access, ok := msg.(*wire.Access)
	if !ok {
		t.Fatalf("expected Access, got %T", msg)
	}
	if !bytes.Equal(access.PNonce, export.PNonce) ||
		access.PartnerID != partner ||
		access.MacScheme != export.Scheme ||
		!bytes.Equal(access.MAC, export.CMAC) {
		t.Fatalf("access does not echo the staged import: %+v", access)
	}
	if len(access.TrustMAC) != 0 {
		t.Fatal("untrusted import carries a trust mac")
	}

	// the partner accepted; the server forwards the wrapped secret
	secret := make([]byte, 32)
	copy(secret, bytes.Repeat([]byte{0x21}, 32))
	wrapped, err := c.ring.Encrypt(access.CryptScheme, access.CryptKey,
		secret)
	if err != nil {
		t.Fatal(err)
	}
	tc.send(t, &wire.Grant{
		DeviceID: granted,
		KeyIndex: 5,
		Scheme:   keyring.SchemeSecretbox,
		Secret:   wrapped,
	})

	waitState(t, c, RemoteReady)
	waitFor(t, c, func(ev Event) bool {
		_, ok := ev.(ImportCompleted)
		return ok
	})

	// the granted generation is active and the cmac went out
	msg = tc.next(t)
	mac, ok := msg.(*wire.MacUpdate)
	if !ok || mac.KeyIndex != 5 {
		t.Fatalf("expected MacUpdate 5, got %T %+v", msg, msg)
	}
	if c.ring.KeyIndex() != 5 {
		t.Fatalf("active generation %v, want 5", c.ring.KeyIndex())
	}

	// identity persisted, staging gone
	if id, _ := c.sets.GetUUID(keyDeviceID); id != granted {
		t.Fatalf("device id %v", id)
	}
	if c.sets.Contains(keyImportNonce) || c.sets.Contains(keyImportCmac) {
		t.Fatal("import staging survived the grant")
	}
}
