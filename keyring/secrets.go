// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"bytes"
	"crypto/aes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/aead/cmac"
	xdr "github.com/davecgh/go-xdr/xdr2"
	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

// Export key derivation scheme tags.
const (
	ExportSchemeScrypt = "SCRYPT"
	ExportSchemeNone   = "NONE"
)

const (
	secretKeySize = 32
	saltSize      = 24 // secretbox nonce
	cmacSize      = 16

	exportSaltSize = 32

	// scrypt parameters for export key derivation
	scryptN = 32768
	scryptR = 8
	scryptP = 1
)

var (
	ErrNoSecret       = errors.New("no account secret")
	ErrUnknownIndex   = errors.New("unknown key index")
	ErrCmacMismatch   = errors.New("cmac verification failed")
	ErrSecretMismatch = errors.New("secret key size mismatch")
)

// secret is one generation of the account secret.
type secret struct {
	index  uint32
	scheme string
	key    [secretKeySize]byte
}

// secretRec is the keystore serialization of a secret.
type secretRec struct {
	Index  uint32
	Scheme string
	Key    []byte
}

type secretsBlob struct {
	Active    uint32
	HasStaged bool
	Staged    secretRec
	Secrets   []secretRec
}

// EnsureSecretKey creates the initial account secret (generation 1, active)
// if no generation exists yet.  Called on the registration path before the
// first key CMAC is produced.
func (r *Ring) EnsureSecretKey() error {
	r.Lock()
	defer r.Unlock()

	if len(r.secrets) != 0 {
		return nil
	}

	s := &secret{index: 1, scheme: SchemeSecretbox}
	_, err := io.ReadFull(rand.Reader, s.key[:])
	if err != nil {
		return fmt.Errorf("could not generate account secret: %v", err)
	}
	r.secrets[s.index] = s
	r.active = s.index
	return r.persistSecrets()
}

// KeyIndex returns the active generation index, zero when none exists.
func (r *Ring) KeyIndex() uint32 {
	r.Lock()
	defer r.Unlock()

	return r.active
}

// HasSecret reports whether an active generation exists.
func (r *Ring) HasSecret() bool {
	r.Lock()
	defer r.Unlock()

	return r.active != 0
}

// EncryptData encrypts plaintext under the active generation with a fresh
// salt.
func (r *Ring) EncryptData(plaintext []byte) (uint32, []byte, []byte, error) {
	r.Lock()
	defer r.Unlock()

	s := r.secrets[r.active]
	if s == nil {
		return 0, nil, nil, ErrNoSecret
	}

	var nonce [saltSize]byte
	_, err := io.ReadFull(rand.Reader, nonce[:])
	if err != nil {
		return 0, nil, nil, err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &s.key)
	return s.index, nonce[:], ciphertext, nil
}

// DecryptData decrypts ciphertext under exactly the named generation.
func (r *Ring) DecryptData(index uint32, salt, ciphertext []byte) ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	s := r.secrets[index]
	if s == nil {
		return nil, fmt.Errorf("%w: %v", ErrUnknownIndex, index)
	}
	if len(salt) != saltSize {
		return nil, ErrDecrypt
	}

	var nonce [saltSize]byte
	copy(nonce[:], salt)
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &s.key)
	if !ok {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

// EncryptSecretKey wraps the generation at index for a peer.  The returned
// scheme names the wrapped key's symmetric algorithm.
func (r *Ring) EncryptSecretKey(index uint32, peer *PublicKeySet) (uint32, string, []byte, error) {
	r.Lock()
	defer r.Unlock()

	s, err := r.secretAt(index)
	if err != nil {
		return 0, "", nil, err
	}
	ciphertext, err := encryptTo(peer.CryptScheme, rand.Reader,
		peer.CryptKey, s.key[:])
	if err != nil {
		return 0, "", nil, fmt.Errorf("could not wrap secret: %v", err)
	}
	return s.index, s.scheme, ciphertext, nil
}

// EncryptActiveSecret wraps the active generation for a peer.
func (r *Ring) EncryptActiveSecret(peer *PublicKeySet) (uint32, string, []byte, error) {
	return r.EncryptSecretKey(r.KeyIndex(), peer)
}

// DecryptSecretKey recovers a generation delivered by a peer and imports it.
// A newer index than the active one always becomes active; with activate set
// the delivered generation also activates when the device has no secret yet.
func (r *Ring) DecryptSecretKey(index uint32, scheme string, ciphertext []byte, activate bool) error {
	r.Lock()
	defer r.Unlock()

	if r.cryptKey == nil {
		return ErrNoKeys
	}
	plain, err := r.cryptKey.Decrypt(ciphertext)
	if err != nil {
		return err
	}
	if len(plain) != secretKeySize {
		return ErrSecretMismatch
	}

	s := &secret{index: index, scheme: scheme}
	copy(s.key[:], plain)
	zero(plain)
	r.secrets[index] = s

	if index > r.active || (activate && r.active == 0) {
		r.active = index
	}
	return r.persistSecrets()
}

// GenerateNextKey stages the next generation without activating it.  The
// staged key becomes active only through ActivateNextKey once the server has
// acknowledged the rotation.
func (r *Ring) GenerateNextKey() (uint32, string, error) {
	r.Lock()
	defer r.Unlock()

	s := &secret{index: r.active + 1, scheme: SchemeSecretbox}
	_, err := io.ReadFull(rand.Reader, s.key[:])
	if err != nil {
		return 0, "", fmt.Errorf("could not generate account secret: %v",
			err)
	}
	r.staged = s
	err = r.persistSecrets()
	if err != nil {
		return 0, "", err
	}
	return s.index, s.scheme, nil
}

// ActivateNextKey commits the generation at index.  A no-op for index at or
// below the active generation.
func (r *Ring) ActivateNextKey(index uint32) error {
	r.Lock()
	defer r.Unlock()

	if index <= r.active {
		return nil
	}

	if r.staged != nil && r.staged.index == index {
		r.secrets[index] = r.staged
		r.staged = nil
	}
	if r.secrets[index] == nil {
		return fmt.Errorf("%w: %v", ErrUnknownIndex, index)
	}
	r.active = index
	return r.persistSecrets()
}

// HasKeyUpdate reports whether a staged rotation is waiting for its ack.
func (r *Ring) HasKeyUpdate() bool {
	r.Lock()
	defer r.Unlock()

	return r.staged != nil
}

// GenerateEncryptionKeyCmac proves knowledge of the generation at index by
// authenticating the own public key material with it.
func (r *Ring) GenerateEncryptionKeyCmac(index uint32) ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	if r.signKey == nil || r.cryptKey == nil {
		return nil, ErrNoKeys
	}
	s, err := r.secretAt(index)
	if err != nil {
		return nil, err
	}
	data := keyCmacData(r.signKey.Scheme(), r.signKey.Public(),
		r.cryptKey.Scheme(), r.cryptKey.Public(), index)
	return computeCmac(s.key[:], data)
}

// GenerateActiveKeyCmac proves knowledge of the active generation.
func (r *Ring) GenerateActiveKeyCmac() ([]byte, error) {
	return r.GenerateEncryptionKeyCmac(r.KeyIndex())
}

// VerifyEncryptionKeyCmac checks a peer's proof of the generation at index.
func (r *Ring) VerifyEncryptionKeyCmac(index uint32, peer *PublicKeySet, mac []byte) error {
	r.Lock()
	defer r.Unlock()

	s, err := r.secretAt(index)
	if err != nil {
		return err
	}
	data := keyCmacData(peer.SignScheme, peer.SignKey, peer.CryptScheme,
		peer.CryptKey, index)
	return verifyCmac(s.key[:], data, mac)
}

// VerifyCmac checks mac over data under the generation at index.
func (r *Ring) VerifyCmac(index uint32, data, mac []byte) error {
	r.Lock()
	defer r.Unlock()

	s, err := r.secretAt(index)
	if err != nil {
		return err
	}
	return verifyCmac(s.key[:], data, mac)
}

// CreateCmac authenticates data under the active generation.
func (r *Ring) CreateCmac(data []byte) ([]byte, error) {
	r.Lock()
	defer r.Unlock()

	s := r.secrets[r.active]
	if s == nil {
		return nil, ErrNoSecret
	}
	return computeCmac(s.key[:], data)
}

// GenerateExportKey derives the key an exported account is proven with.  An
// empty password yields an untrusted export: the key is random and the
// scheme tag records that no derivation took place.
func (r *Ring) GenerateExportKey(password string) (string, []byte, []byte, error) {
	salt := make([]byte, exportSaltSize)
	_, err := io.ReadFull(rand.Reader, salt)
	if err != nil {
		return "", nil, nil, err
	}

	if password == "" {
		key := make([]byte, secretKeySize)
		_, err = io.ReadFull(rand.Reader, key)
		if err != nil {
			return "", nil, nil, err
		}
		return ExportSchemeNone, salt, key, nil
	}

	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR,
		scryptP, secretKeySize)
	if err != nil {
		return "", nil, nil, fmt.Errorf("could not derive export key: %v",
			err)
	}
	return ExportSchemeScrypt, salt, key, nil
}

// RecoverExportKey re-derives an export key from the partner's salt.
func (r *Ring) RecoverExportKey(scheme string, salt []byte, password string) ([]byte, error) {
	switch scheme {
	case ExportSchemeScrypt:
		key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR,
			scryptP, secretKeySize)
		if err != nil {
			return nil, fmt.Errorf("could not derive export key: %v",
				err)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

// CreateExportCmac authenticates data under an export key.
func (r *Ring) CreateExportCmac(scheme string, key, data []byte) ([]byte, error) {
	if scheme != ExportSchemeScrypt && scheme != ExportSchemeNone {
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
	return computeCmac(key, data)
}

// VerifyImportCmac is the dual of CreateExportCmac.
func (r *Ring) VerifyImportCmac(scheme string, key, data, mac []byte) error {
	if scheme != ExportSchemeScrypt && scheme != ExportSchemeNone {
		return fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
	return verifyCmac(key, data, mac)
}

// CreateExportCmacForKeys authenticates the own public key material under an
// export key.  This is the trust mac of a trusted import.
func (r *Ring) CreateExportCmacForKeys(scheme string, key []byte) ([]byte, error) {
	ks := r.KeySet()
	if ks == nil {
		return nil, ErrNoKeys
	}
	return r.CreateExportCmac(scheme, key, keySetData(ks))
}

// VerifyImportCmacForKeys checks a trust mac against a peer key set.
func (r *Ring) VerifyImportCmacForKeys(scheme string, key []byte, peer *PublicKeySet, mac []byte) error {
	return r.VerifyImportCmac(scheme, key, keySetData(peer), mac)
}

// secretAt returns the generation at index, allowing the staged one.  Lock
// must be held.
func (r *Ring) secretAt(index uint32) (*secret, error) {
	if s := r.secrets[index]; s != nil {
		return s, nil
	}
	if r.staged != nil && r.staged.index == index {
		return r.staged, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrUnknownIndex, index)
}

func keyCmacData(signScheme string, signKey []byte, cryptScheme string, cryptKey []byte, index uint32) []byte {
	var bb bytes.Buffer
	bb.WriteString(signScheme)
	bb.Write(signKey)
	bb.WriteString(cryptScheme)
	bb.Write(cryptKey)
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], index)
	bb.Write(idx[:])
	return bb.Bytes()
}

func keySetData(p *PublicKeySet) []byte {
	var bb bytes.Buffer
	bb.WriteString(p.SignScheme)
	bb.Write(p.SignKey)
	bb.WriteString(p.CryptScheme)
	bb.Write(p.CryptKey)
	return bb.Bytes()
}

func computeCmac(key, data []byte) ([]byte, error) {
	c, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cmac.Sum(data, c, cmacSize)
}

func verifyCmac(key, data, mac []byte) error {
	c, err := aes.NewCipher(key)
	if err != nil {
		return err
	}
	if !cmac.Verify(mac, data, c, cmacSize) {
		return ErrCmacMismatch
	}
	return nil
}

// persistSecrets seals the secret family when a device id is known.  Lock
// must be held.
func (r *Ring) persistSecrets() error {
	if r.deviceID == uuid.Nil {
		return nil
	}
	if !r.available {
		return ErrKeystoreUnavailable
	}

	blob := secretsBlob{Active: r.active}
	if r.staged != nil {
		blob.HasStaged = true
		blob.Staged = secretRec{
			Index:  r.staged.index,
			Scheme: r.staged.scheme,
			Key:    r.staged.key[:],
		}
	}
	for _, s := range r.secrets {
		blob.Secrets = append(blob.Secrets, secretRec{
			Index:  s.index,
			Scheme: s.scheme,
			Key:    s.key[:],
		})
	}

	var bb bytes.Buffer
	_, err := xdr.Marshal(&bb, blob)
	if err != nil {
		return fmt.Errorf("could not marshal secrets: %v", err)
	}
	return r.store.Save(fmt.Sprintf(secretsTemplate, r.deviceID),
		bb.Bytes())
}

// loadSecrets restores the secret family.  Lock must be held.
func (r *Ring) loadSecrets() error {
	blob, err := r.store.Load(fmt.Sprintf(secretsTemplate, r.deviceID))
	if err != nil {
		// a device without secrets is legal right after an import
		r.secrets = make(map[uint32]*secret)
		r.active = 0
		r.staged = nil
		return nil
	}

	var rec secretsBlob
	_, err = xdr.Unmarshal(bytes.NewReader(blob), &rec)
	if err != nil {
		return fmt.Errorf("could not unmarshal secrets: %v", err)
	}

	r.secrets = make(map[uint32]*secret)
	for _, sr := range rec.Secrets {
		if len(sr.Key) != secretKeySize {
			return ErrSecretMismatch
		}
		s := &secret{index: sr.Index, scheme: sr.Scheme}
		copy(s.key[:], sr.Key)
		r.secrets[s.index] = s
	}
	r.active = rec.Active
	r.staged = nil
	if rec.HasStaged {
		if len(rec.Staged.Key) != secretKeySize {
			return ErrSecretMismatch
		}
		s := &secret{index: rec.Staged.Index, scheme: rec.Staged.Scheme}
		copy(s.key[:], rec.Staged.Key)
		r.staged = s
	}
	return nil
}

// zero wipes a byte slice.
func zero(in []byte) {
	for i := range in {
		in[i] = 0
	}
}
