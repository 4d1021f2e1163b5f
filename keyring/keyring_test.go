// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"bytes"
	"errors"
	"io"
	"path/filepath"
	"testing"

	"github.com/fleetsync/fleetsync/debug"
	"github.com/fleetsync/fleetsync/keystore"
	"github.com/fleetsync/fleetsync/settings"
	"github.com/google/uuid"
)

// fast schemes keep most tests snappy; the RSA paths have their own test
var testOpts = Options{
	SignScheme:  SchemeEd25519,
	CryptScheme: SchemeSntrup,
}

func newTestRing(t *testing.T, opts Options) *Ring {
	t.Helper()

	sets, err := settings.Open(filepath.Join(t.TempDir(), "sync.ini"))
	if err != nil {
		t.Fatal(err)
	}
	log := debug.NewWriter(io.Discard, "15:04:05")
	r := New(log, 0, sets, keystore.NewMemStore(), opts)
	err = r.Initialize()
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func TestDataRoundtrip(t *testing.T) {
	r := newTestRing(t, testOpts)
	err := r.CreatePrivateKeys([]byte("nonce"))
	if err != nil {
		t.Fatal(err)
	}
	err = r.EnsureSecretKey()
	if err != nil {
		t.Fatal(err)
	}

	plain := []byte("property grid cell 42")
	index, salt, ciphertext, err := r.EncryptData(plain)
	if err != nil {
		t.Fatal(err)
	}
	if index != r.KeyIndex() {
		t.Fatalf("encrypted under %v, active is %v", index, r.KeyIndex())
	}

	out, err := r.DecryptData(index, salt, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, out) {
		t.Fatalf("roundtrip mismatch: %q", out)
	}

	// decryption is bound to the declared generation
	_, err = r.DecryptData(index+1, salt, ciphertext)
	if !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex, got %v", err)
	}

	// tampering must not go unnoticed
	ciphertext[0] ^= 0xff
	_, err = r.DecryptData(index, salt, ciphertext)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt, got %v", err)
	}
}

func TestRotation(t *testing.T) {
	r := newTestRing(t, testOpts)
	err := r.CreatePrivateKeys(nil)
	if err != nil {
		t.Fatal(err)
	}
	err = r.EnsureSecretKey()
	if err != nil {
		t.Fatal(err)
	}
	if r.KeyIndex() != 1 {
		t.Fatalf("initial index %v", r.KeyIndex())
	}

	index, scheme, err := r.GenerateNextKey()
	if err != nil {
		t.Fatal(err)
	}
	if index != 2 || scheme != SchemeSecretbox {
		t.Fatalf("next key %v %v", index, scheme)
	}
	if !r.HasKeyUpdate() {
		t.Fatal("staged key not reported")
	}
	if r.KeyIndex() != 1 {
		t.Fatal("staging must not activate")
	}

	// the staged generation already answers cmacs
	_, err = r.GenerateEncryptionKeyCmac(2)
	if err != nil {
		t.Fatal(err)
	}

	err = r.ActivateNextKey(2)
	if err != nil {
		t.Fatal(err)
	}
	if r.KeyIndex() != 2 || r.HasKeyUpdate() {
		t.Fatalf("activation failed: index %v staged %v", r.KeyIndex(),
			r.HasKeyUpdate())
	}

	// activating an old or current index never decreases the generation
	err = r.ActivateNextKey(1)
	if err != nil {
		t.Fatal(err)
	}
	err = r.ActivateNextKey(2)
	if err != nil {
		t.Fatal(err)
	}
	if r.KeyIndex() != 2 {
		t.Fatalf("index decreased to %v", r.KeyIndex())
	}

	// an unknown future index is an error
	err = r.ActivateNextKey(9)
	if !errors.Is(err, ErrUnknownIndex) {
		t.Fatalf("expected ErrUnknownIndex, got %v", err)
	}

	// old generations keep decrypting
	_, err = r.GenerateEncryptionKeyCmac(1)
	if err != nil {
		t.Fatal(err)
	}
}

func TestExportCmac(t *testing.T) {
	r := newTestRing(t, testOpts)

	scheme, salt, key, err := r.GenerateExportKey("")
	if err != nil {
		t.Fatal(err)
	}
	if scheme != ExportSchemeNone {
		t.Fatalf("untrusted scheme %v", scheme)
	}
	if len(salt) != exportSaltSize || len(key) != secretKeySize {
		t.Fatalf("sizes %v %v", len(salt), len(key))
	}

	data := []byte("nonce|partner|scheme")
	mac, err := r.CreateExportCmac(scheme, key, data)
	if err != nil {
		t.Fatal(err)
	}
	err = r.VerifyImportCmac(scheme, key, data, mac)
	if err != nil {
		t.Fatal(err)
	}
	err = r.VerifyImportCmac(scheme, key, []byte("other"), mac)
	if !errors.Is(err, ErrCmacMismatch) {
		t.Fatalf("expected ErrCmacMismatch, got %v", err)
	}

	// trusted exports are password derived and reproducible
	scheme, salt, key, err = r.GenerateExportKey("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if scheme != ExportSchemeScrypt {
		t.Fatalf("trusted scheme %v", scheme)
	}
	again, err := r.RecoverExportKey(scheme, salt, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key, again) {
		t.Fatal("derivation not reproducible")
	}
}

func TestSecretKeyExchange(t *testing.T) {
	for _, opts := range []Options{
		testOpts,
		{SignScheme: SchemeEd25519, CryptScheme: SchemeRsaOaep,
			RSABits: 2048},
	} {
		a := newTestRing(t, opts)
		b := newTestRing(t, opts)
		if err := a.CreatePrivateKeys([]byte("a")); err != nil {
			t.Fatal(err)
		}
		if err := b.CreatePrivateKeys([]byte("b")); err != nil {
			t.Fatal(err)
		}
		if err := a.EnsureSecretKey(); err != nil {
			t.Fatal(err)
		}

		index, scheme, wrapped, err := a.EncryptActiveSecret(b.KeySet())
		if err != nil {
			t.Fatal(err)
		}
		err = b.DecryptSecretKey(index, scheme, wrapped, true)
		if err != nil {
			t.Fatal(err)
		}
		if b.KeyIndex() != index {
			t.Fatalf("peer active %v, want %v", b.KeyIndex(), index)
		}

		// the fleet now shares the secret
		gi, salt, ciphertext, err := a.EncryptData([]byte("shared"))
		if err != nil {
			t.Fatal(err)
		}
		plain, err := b.DecryptData(gi, salt, ciphertext)
		if err != nil {
			t.Fatal(err)
		}
		if !bytes.Equal(plain, []byte("shared")) {
			t.Fatalf("peer decrypted %q", plain)
		}

		// and both sides can prove it to each other
		mac, err := b.GenerateActiveKeyCmac()
		if err != nil {
			t.Fatal(err)
		}
		err = a.VerifyEncryptionKeyCmac(index, b.KeySet(), mac)
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestSignVerifySchemes(t *testing.T) {
	for _, scheme := range []string{SchemeEd25519, SchemeEcdsa,
		SchemeRsaPss} {
		opts := Options{
			SignScheme:  scheme,
			CryptScheme: SchemeSntrup,
			RSABits:     2048,
		}
		r := newTestRing(t, opts)
		err := r.CreatePrivateKeys([]byte(scheme))
		if err != nil {
			t.Fatalf("%v: %v", scheme, err)
		}

		msg := []byte("signed frame bytes")
		sig, err := r.Sign(msg)
		if err != nil {
			t.Fatalf("%v: %v", scheme, err)
		}
		err = r.Verify(scheme, r.PublicSignKey(), msg, sig)
		if err != nil {
			t.Fatalf("%v: %v", scheme, err)
		}
		err = r.Verify(scheme, r.PublicSignKey(), []byte("other"), sig)
		if err == nil {
			t.Fatalf("%v: forged message verified", scheme)
		}
	}
}

func TestEcnrRejected(t *testing.T) {
	r := newTestRing(t, Options{
		SignScheme:  SchemeEcnr,
		CryptScheme: SchemeSntrup,
	})
	err := r.CreatePrivateKeys(nil)
	if !errors.Is(err, ErrScheme) {
		t.Fatalf("expected ErrScheme, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	r := newTestRing(t, testOpts)
	err := r.CreatePrivateKeys(nil)
	if err != nil {
		t.Fatal(err)
	}

	fp1, err := r.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	fp2, err := r.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fp1, fp2) {
		t.Fatal("fingerprint not stable")
	}

	// the wire form digests to the same value
	if !bytes.Equal(fp1, r.KeySet().Fingerprint()) {
		t.Fatal("key set fingerprint differs")
	}

	// a key change clears the memo
	err = r.CreatePrivateKeys([]byte("fresh"))
	if err != nil {
		t.Fatal(err)
	}
	fp3, err := r.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(fp1, fp3) {
		t.Fatal("fingerprint survived key change")
	}
}

func TestStoreLoad(t *testing.T) {
	sets, err := settings.Open(filepath.Join(t.TempDir(), "sync.ini"))
	if err != nil {
		t.Fatal(err)
	}
	log := debug.NewWriter(io.Discard, "15:04:05")
	store := keystore.NewMemStore()

	r := New(log, 0, sets, store, testOpts)
	if err = r.Initialize(); err != nil {
		t.Fatal(err)
	}
	if err = r.CreatePrivateKeys([]byte("x")); err != nil {
		t.Fatal(err)
	}
	if err = r.EnsureSecretKey(); err != nil {
		t.Fatal(err)
	}

	deviceID := uuid.MustParse("41414141-4242-4343-4444-454545454545")
	err = r.StorePrivateKeys(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	index, salt, ciphertext, err := r.EncryptData([]byte("persisted"))
	if err != nil {
		t.Fatal(err)
	}
	fp, err := r.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}

	// a second ring over the same store picks everything up
	o := New(log, 0, sets, store, testOpts)
	if err = o.Initialize(); err != nil {
		t.Fatal(err)
	}
	err = o.LoadKeyMaterial(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	if o.KeyIndex() != index {
		t.Fatalf("active index %v, want %v", o.KeyIndex(), index)
	}
	plain, err := o.DecryptData(index, salt, ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, []byte("persisted")) {
		t.Fatalf("decrypted %q", plain)
	}
	ofp, err := o.Fingerprint()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(fp, ofp) {
		t.Fatal("fingerprint changed across reload")
	}

	// deleting the material removes the sealed blobs
	err = o.DeleteKeyMaterial(deviceID)
	if err != nil {
		t.Fatal(err)
	}
	p := New(log, 0, sets, store, testOpts)
	if err = p.Initialize(); err != nil {
		t.Fatal(err)
	}
	err = p.LoadKeyMaterial(deviceID)
	if err == nil {
		t.Fatal("loaded deleted key material")
	}
}

func TestKeystoreUnavailable(t *testing.T) {
	sets, err := settings.Open(filepath.Join(t.TempDir(), "sync.ini"))
	if err != nil {
		t.Fatal(err)
	}
	store := keystore.NewMemStore()
	store.FailOpen = true

	r := New(debug.NewWriter(io.Discard, "15:04:05"), 0, sets, store,
		testOpts)
	err = r.Initialize()
	if !errors.Is(err, ErrKeystoreUnavailable) {
		t.Fatalf("expected ErrKeystoreUnavailable, got %v", err)
	}
	if r.Available() {
		t.Fatal("ring claims availability")
	}
	err = r.StorePrivateKeys(uuid.New())
	if !errors.Is(err, ErrKeystoreUnavailable) {
		t.Fatalf("expected ErrKeystoreUnavailable, got %v", err)
	}
}
