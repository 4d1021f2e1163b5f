// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keyring owns a device's cryptographic material: the asymmetric sign and
// crypt key pair sealed in the keystore, and the generation indexed family
// of symmetric account secrets shared across the fleet.
package keyring

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/fleetsync/fleetsync/debug"
	"github.com/fleetsync/fleetsync/keystore"
	"github.com/fleetsync/fleetsync/settings"
	"github.com/google/uuid"
	"golang.org/x/crypto/sha3"
)

// Settings keys for the persisted scheme tags.
const (
	KeySignScheme  = "scheme/signing"
	KeyCryptScheme = "scheme/encryption"
)

// Keystore name templates.
const (
	signKeyTemplate  = "device/%v/sign-key"
	cryptKeyTemplate = "device/%v/crypt-key"
	secretsTemplate  = "device/%v/secrets"
)

var (
	ErrKeystoreUnavailable = errors.New("keystore unavailable")
	ErrNoKeys              = errors.New("no key material loaded")
)

// Options selects the schemes used when generating fresh key material.
type Options struct {
	SignScheme  string
	CryptScheme string
	RSABits     int
}

func (o *Options) fill() {
	if o.SignScheme == "" {
		o.SignScheme = SchemeRsaPss
	}
	if o.CryptScheme == "" {
		o.CryptScheme = SchemeRsaOaep
	}
	if o.RSABits == 0 {
		o.RSABits = 4096
	}
}

// Ring is the crypto controller.
type Ring struct {
	sync.Mutex

	log  *debug.Debug
	id   int
	sets *settings.Settings
	opts Options

	store     keystore.Store
	available bool

	signKey  signKey
	cryptKey cryptKey
	deviceID uuid.UUID // set once keys are stored or loaded

	secrets map[uint32]*secret
	active  uint32
	staged  *secret

	fingerprint []byte
}

// New returns an uninitialized ring.  Initialize must be called before any
// operation that touches the keystore.
func New(log *debug.Debug, id int, sets *settings.Settings, store keystore.Store, opts Options) *Ring {
	opts.fill()
	return &Ring{
		log:     log,
		id:      id,
		sets:    sets,
		opts:    opts,
		store:   store,
		secrets: make(map[uint32]*secret),
	}
}

// Initialize opens the keystore.  On failure the ring is marked unavailable
// and every sealed-key operation returns ErrKeystoreUnavailable until a
// later Initialize succeeds.
func (r *Ring) Initialize() error {
	r.Lock()
	defer r.Unlock()

	err := r.store.Open()
	if err != nil {
		r.available = false
		r.log.Error(r.id, "could not open keystore: %v", err)
		return fmt.Errorf("%w: %v", ErrKeystoreUnavailable, err)
	}
	r.available = true
	return nil
}

// Finalize closes the keystore.
func (r *Ring) Finalize() {
	r.Lock()
	defer r.Unlock()

	r.available = false
	err := r.store.Close()
	if err != nil {
		r.log.Warn(r.id, "could not close keystore: %v", err)
	}
}

// Available reports whether the keystore could be opened.
func (r *Ring) Available() bool {
	r.Lock()
	defer r.Unlock()

	return r.available
}

// CreatePrivateKeys generates a fresh asymmetric pair.  The nonce is mixed
// into the random stream before generation.  Both keys are self validated;
// a validation failure is a hard error.
func (r *Ring) CreatePrivateKeys(nonce []byte) error {
	r.Lock()
	defer r.Unlock()

	r.fingerprint = nil
	rng := mixedReader(nonce)

	sk, err := generateSignKey(r.opts.SignScheme, rng, r.opts.RSABits)
	if err != nil {
		return err
	}
	err = sk.selfCheck(rng, validationRounds)
	if err != nil {
		return err
	}

	ck, err := generateCryptKey(r.opts.CryptScheme, rng, r.opts.RSABits)
	if err != nil {
		return err
	}
	err = ck.selfCheck(rng, validationRounds)
	if err != nil {
		return err
	}

	r.signKey = sk
	r.cryptKey = ck
	r.deviceID = uuid.Nil
	r.log.Dbg(r.id, "generated new private keys")
	return nil
}

// StorePrivateKeys seals the pair and the secret family under deviceID and
// records the scheme tags in settings.
func (r *Ring) StorePrivateKeys(deviceID uuid.UUID) error {
	r.Lock()
	defer r.Unlock()

	if !r.available {
		return ErrKeystoreUnavailable
	}
	if r.signKey == nil || r.cryptKey == nil {
		return ErrNoKeys
	}

	signBlob, err := r.signKey.Private()
	if err != nil {
		return fmt.Errorf("could not serialize sign key: %v", err)
	}
	cryptBlob, err := r.cryptKey.Private()
	if err != nil {
		return fmt.Errorf("could not serialize crypt key: %v", err)
	}

	err = r.sets.Set(KeySignScheme, r.signKey.Scheme())
	if err != nil {
		return err
	}
	err = r.store.Save(fmt.Sprintf(signKeyTemplate, deviceID), signBlob)
	if err != nil {
		return fmt.Errorf("could not store sign key: %v", err)
	}

	err = r.sets.Set(KeyCryptScheme, r.cryptKey.Scheme())
	if err != nil {
		return err
	}
	err = r.store.Save(fmt.Sprintf(cryptKeyTemplate, deviceID), cryptBlob)
	if err != nil {
		return fmt.Errorf("could not store crypt key: %v", err)
	}

	r.deviceID = deviceID
	err = r.persistSecrets()
	if err != nil {
		return err
	}

	r.log.Dbg(r.id, "stored private keys for %v", deviceID)
	return nil
}

// LoadKeyMaterial unseals the pair and the secret family for deviceID.
func (r *Ring) LoadKeyMaterial(deviceID uuid.UUID) error {
	r.Lock()
	defer r.Unlock()

	if !r.available {
		return ErrKeystoreUnavailable
	}
	r.fingerprint = nil

	signScheme, found := r.sets.Get(KeySignScheme)
	if !found {
		return fmt.Errorf("could not load sign scheme")
	}
	signBlob, err := r.store.Load(fmt.Sprintf(signKeyTemplate, deviceID))
	if err != nil {
		return fmt.Errorf("could not load sign key: %v", err)
	}
	sk, err := loadSignKey(signScheme, signBlob)
	if err != nil {
		return err
	}
	err = sk.selfCheck(rand.Reader, validationRounds)
	if err != nil {
		return err
	}

	cryptScheme, found := r.sets.Get(KeyCryptScheme)
	if !found {
		return fmt.Errorf("could not load crypt scheme")
	}
	cryptBlob, err := r.store.Load(fmt.Sprintf(cryptKeyTemplate, deviceID))
	if err != nil {
		return fmt.Errorf("could not load crypt key: %v", err)
	}
	ck, err := loadCryptKey(cryptScheme, cryptBlob)
	if err != nil {
		return err
	}
	err = ck.selfCheck(rand.Reader, validationRounds)
	if err != nil {
		return err
	}

	r.signKey = sk
	r.cryptKey = ck
	r.deviceID = deviceID

	err = r.loadSecrets()
	if err != nil {
		return err
	}

	r.log.Dbg(r.id, "loaded private keys for %v", deviceID)
	return nil
}

// DeleteKeyMaterial removes everything sealed under deviceID.
func (r *Ring) DeleteKeyMaterial(deviceID uuid.UUID) error {
	r.Lock()
	defer r.Unlock()

	if !r.available {
		return ErrKeystoreUnavailable
	}

	err := r.store.Remove(fmt.Sprintf(signKeyTemplate, deviceID))
	if err != nil {
		return fmt.Errorf("could not remove sign key: %v", err)
	}
	err = r.store.Remove(fmt.Sprintf(cryptKeyTemplate, deviceID))
	if err != nil {
		return fmt.Errorf("could not remove crypt key: %v", err)
	}
	err = r.store.Remove(fmt.Sprintf(secretsTemplate, deviceID))
	if err != nil {
		return fmt.Errorf("could not remove secrets: %v", err)
	}

	r.clearKeyMaterialLocked()
	return nil
}

// ClearKeyMaterial drops all in-memory key material without touching the
// keystore.
func (r *Ring) ClearKeyMaterial() {
	r.Lock()
	defer r.Unlock()

	r.clearKeyMaterialLocked()
}

func (r *Ring) clearKeyMaterialLocked() {
	r.signKey = nil
	r.cryptKey = nil
	r.deviceID = uuid.Nil
	r.secrets = make(map[uint32]*secret)
	r.active = 0
	r.staged = nil
	r.fingerprint = nil
}

// HasKeys reports whether an asymmetric pair is loaded.
func (r *Ring) HasKeys() bool {
	r.Lock()
	defer r.Unlock()

	return r.signKey != nil && r.cryptKey != nil
}

// Sign signs message with the private sign key.
func (r *Ring) Sign(message []byte) ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	if r.signKey == nil {
		return nil, ErrNoKeys
	}
	return r.signKey.Sign(rand.Reader, message)
}

// Verify checks sig over message against a peer sign key.
func (r *Ring) Verify(scheme string, pub, message, sig []byte) error {
	return verifySignature(scheme, pub, message, sig)
}

// Encrypt encrypts message to a peer crypt key.  Used only while fanning out
// rotated secrets.
func (r *Ring) Encrypt(scheme string, pub, message []byte) ([]byte, error) {
	return encryptTo(scheme, rand.Reader, pub, message)
}

// Decrypt decrypts message with the private crypt key.
func (r *Ring) Decrypt(message []byte) ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	if r.cryptKey == nil {
		return nil, ErrNoKeys
	}
	return r.cryptKey.Decrypt(message)
}

// SignScheme returns the scheme tag of the loaded sign key.
func (r *Ring) SignScheme() string {
	r.Lock()
	defer r.Unlock()

	if r.signKey == nil {
		return ""
	}
	return r.signKey.Scheme()
}

// CryptScheme returns the scheme tag of the loaded crypt key.
func (r *Ring) CryptScheme() string {
	r.Lock()
	defer r.Unlock()

	if r.cryptKey == nil {
		return ""
	}
	return r.cryptKey.Scheme()
}

// PublicSignKey returns the serialized public sign key.
func (r *Ring) PublicSignKey() []byte {
	r.Lock()
	defer r.Unlock()

	if r.signKey == nil {
		return nil
	}
	return r.signKey.Public()
}

// PublicCryptKey returns the serialized public crypt key.
func (r *Ring) PublicCryptKey() []byte {
	r.Lock()
	defer r.Unlock()

	if r.cryptKey == nil {
		return nil
	}
	return r.cryptKey.Public()
}

// PublicKeySet is a peer's public key material as it travels on the wire.
type PublicKeySet struct {
	SignScheme  string
	SignKey     []byte
	CryptScheme string
	CryptKey    []byte
}

// Fingerprint digests a key set the way Ring.Fingerprint does for the own
// keys.
func (p *PublicKeySet) Fingerprint() []byte {
	return fingerprintKeys(p.SignScheme, p.SignKey, p.CryptScheme,
		p.CryptKey)
}

// Verify checks sig over message against the set's sign key.
func (p *PublicKeySet) Verify(message, sig []byte) error {
	return verifySignature(p.SignScheme, p.SignKey, message, sig)
}

// KeySet returns the own public key material in wire form.
func (r *Ring) KeySet() *PublicKeySet {
	r.Lock()
	defer r.Unlock()

	if r.signKey == nil || r.cryptKey == nil {
		return nil
	}
	return &PublicKeySet{
		SignScheme:  r.signKey.Scheme(),
		SignKey:     r.signKey.Public(),
		CryptScheme: r.cryptKey.Scheme(),
		CryptKey:    r.cryptKey.Public(),
	}
}

// Fingerprint returns the memoized SHA3-256 digest of the own public key
// material.  Cleared on every key change.
func (r *Ring) Fingerprint() ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	if r.signKey == nil || r.cryptKey == nil {
		return nil, ErrNoKeys
	}
	if r.fingerprint == nil {
		r.fingerprint = fingerprintKeys(r.signKey.Scheme(),
			r.signKey.Public(), r.cryptKey.Scheme(),
			r.cryptKey.Public())
	}
	return r.fingerprint, nil
}

func fingerprintKeys(signScheme string, signKey []byte, cryptScheme string, cryptKey []byte) []byte {
	h := sha3.New256()
	h.Write([]byte(signScheme))
	h.Write(signKey)
	h.Write([]byte(cryptScheme))
	h.Write(cryptKey)
	return h.Sum(nil)
}

// mixedReader xors the system entropy stream with a SHAKE stream seeded from
// nonce, so caller provided entropy is folded in without ever weakening the
// system source.
func mixedReader(nonce []byte) io.Reader {
	shake := sha3.NewShake256()
	shake.Write(nonce)
	return &xorReader{a: rand.Reader, b: shake}
}

type xorReader struct {
	a, b io.Reader
}

func (x *xorReader) Read(p []byte) (int, error) {
	n, err := io.ReadFull(x.a, p)
	if err != nil {
		return n, err
	}
	mask := make([]byte, n)
	_, err = io.ReadFull(x.b, mask)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		p[i] ^= mask[i]
	}
	return n, nil
}
