// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keyring

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/agl/ed25519"
	"github.com/companyzero/sntrup4591761"
	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/sha3"
)

// Scheme tags.  The tags are canonical algorithm names and travel on the
// wire next to the key blobs they describe.
const (
	SchemeRsaPss    = "RSA-PSS-SHA3-512"
	SchemeEcdsa     = "ECDSA-ECP-SHA3-512"
	SchemeEcnr      = "ECNR-ECP-SHA3-512"
	SchemeEd25519   = "ED25519"
	SchemeRsaOaep   = "RSA-OAEP-SHA3-512"
	SchemeSntrup    = "SNTRUP4591761"
	SchemeSecretbox = "XSALSA20-POLY1305"
	SchemeAesCmac   = "AES-256-CMAC"
)

var (
	ErrScheme    = errors.New("unsupported scheme")
	ErrVerify    = errors.New("verify error")
	ErrDecrypt   = errors.New("decrypt failure")
	ErrShortBlob = errors.New("blob too short")

	// validationRounds is the number of self-check rounds a freshly
	// generated or loaded key must pass.
	validationRounds = 3

	validationMsg = []byte("fleetsync key validation")
)

// signKey is a private signing key under one scheme.
type signKey interface {
	Scheme() string
	Public() []byte
	Private() ([]byte, error)
	Sign(rng io.Reader, message []byte) ([]byte, error)
	selfCheck(rng io.Reader, rounds int) error
}

// cryptKey is a private decryption key under one scheme.
type cryptKey interface {
	Scheme() string
	Public() []byte
	Private() ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
	selfCheck(rng io.Reader, rounds int) error
}

func generateSignKey(scheme string, rng io.Reader, rsaBits int) (signKey, error) {
	switch scheme {
	case SchemeRsaPss:
		key, err := rsa.GenerateKey(rng, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("could not generate sign key: %v",
				err)
		}
		return &rsaPssKey{key: key}, nil
	case SchemeEcdsa:
		key, err := ecdsa.GenerateKey(elliptic.P521(), rng)
		if err != nil {
			return nil, fmt.Errorf("could not generate sign key: %v",
				err)
		}
		return &ecdsaKey{key: key}, nil
	case SchemeEd25519:
		pub, priv, err := ed25519.GenerateKey(rng)
		if err != nil {
			return nil, fmt.Errorf("could not generate sign key: %v",
				err)
		}
		return &ed25519Key{pub: pub, priv: priv}, nil
	case SchemeEcnr:
		// recognized but not provided by any backend
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	default:
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

func loadSignKey(scheme string, blob []byte) (signKey, error) {
	switch scheme {
	case SchemeRsaPss:
		key, err := parsePKCS8RSA(blob)
		if err != nil {
			return nil, err
		}
		return &rsaPssKey{key: key}, nil
	case SchemeEcdsa:
		key, err := parsePKCS8ECDSA(blob)
		if err != nil {
			return nil, err
		}
		return &ecdsaKey{key: key}, nil
	case SchemeEd25519:
		if len(blob) != ed25519.PrivateKeySize {
			return nil, ErrShortBlob
		}
		priv := new([ed25519.PrivateKeySize]byte)
		copy(priv[:], blob)
		pub := new([ed25519.PublicKeySize]byte)
		copy(pub[:], blob[32:])
		return &ed25519Key{pub: pub, priv: priv}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

func generateCryptKey(scheme string, rng io.Reader, rsaBits int) (cryptKey, error) {
	switch scheme {
	case SchemeRsaOaep:
		key, err := rsa.GenerateKey(rng, rsaBits)
		if err != nil {
			return nil, fmt.Errorf("could not generate crypt key: %v",
				err)
		}
		return &rsaOaepKey{key: key}, nil
	case SchemeSntrup:
		pub, priv, err := sntrup4591761.GenerateKey(rng)
		if err != nil {
			return nil, fmt.Errorf("could not generate crypt key: %v",
				err)
		}
		return &sntrupKey{pub: pub, priv: priv}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

func loadCryptKey(scheme string, blob []byte) (cryptKey, error) {
	switch scheme {
	case SchemeRsaOaep:
		key, err := parsePKCS8RSA(blob)
		if err != nil {
			return nil, err
		}
		return &rsaOaepKey{key: key}, nil
	case SchemeSntrup:
		if len(blob) != sntrup4591761.PrivateKeySize+
			sntrup4591761.PublicKeySize {
			return nil, ErrShortBlob
		}
		priv := new([sntrup4591761.PrivateKeySize]byte)
		copy(priv[:], blob)
		pub := new([sntrup4591761.PublicKeySize]byte)
		copy(pub[:], blob[sntrup4591761.PrivateKeySize:])
		return &sntrupKey{pub: pub, priv: priv}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

// verifySignature checks sig over message against a serialized public key of
// the named scheme.
func verifySignature(scheme string, pub, message, sig []byte) error {
	digest := sha3.Sum512(message)
	switch scheme {
	case SchemeRsaPss:
		key, err := parsePKIXRSA(pub)
		if err != nil {
			return err
		}
		err = rsa.VerifyPSS(key, crypto.SHA3_512, digest[:], sig, nil)
		if err != nil {
			return ErrVerify
		}
		return nil
	case SchemeEcdsa:
		key, err := parsePKIXECDSA(pub)
		if err != nil {
			return err
		}
		if !ecdsa.VerifyASN1(key, digest[:], sig) {
			return ErrVerify
		}
		return nil
	case SchemeEd25519:
		if len(pub) != ed25519.PublicKeySize ||
			len(sig) != ed25519.SignatureSize {
			return ErrVerify
		}
		var pk [ed25519.PublicKeySize]byte
		var sg [ed25519.SignatureSize]byte
		copy(pk[:], pub)
		copy(sg[:], sig)
		if !ed25519.Verify(&pk, message, &sg) {
			return ErrVerify
		}
		return nil
	default:
		return fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

// encryptTo encrypts message to a serialized public key of the named scheme.
func encryptTo(scheme string, rng io.Reader, pub, message []byte) ([]byte, error) {
	switch scheme {
	case SchemeRsaOaep:
		key, err := parsePKIXRSA(pub)
		if err != nil {
			return nil, err
		}
		return rsa.EncryptOAEP(sha3.New512(), rng, key, message, nil)
	case SchemeSntrup:
		if len(pub) != sntrup4591761.PublicKeySize {
			return nil, ErrShortBlob
		}
		pk := new([sntrup4591761.PublicKeySize]byte)
		copy(pk[:], pub)
		ct, shared, err := sntrup4591761.Encapsulate(rng, pk)
		if err != nil {
			return nil, fmt.Errorf("could not encapsulate: %v", err)
		}
		var nonce [24]byte
		_, err = io.ReadFull(rng, nonce[:])
		if err != nil {
			return nil, err
		}
		var key [32]byte
		copy(key[:], shared[:])
		sealed := secretbox.Seal(nil, message, &nonce, &key)
		out := make([]byte, 0, len(ct)+len(nonce)+len(sealed))
		out = append(out, ct[:]...)
		out = append(out, nonce[:]...)
		out = append(out, sealed...)
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrScheme, scheme)
	}
}

// RSA-PSS-SHA3-512

type rsaPssKey struct {
	key *rsa.PrivateKey
}

func (k *rsaPssKey) Scheme() string { return SchemeRsaPss }

func (k *rsaPssKey) Public() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.key.PublicKey)
	if err != nil {
		// marshalling a valid in-memory key cannot fail
		panic(err)
	}
	return der
}

func (k *rsaPssKey) Private() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func (k *rsaPssKey) Sign(rng io.Reader, message []byte) ([]byte, error) {
	digest := sha3.Sum512(message)
	return rsa.SignPSS(rng, k.key, crypto.SHA3_512, digest[:], nil)
}

func (k *rsaPssKey) selfCheck(rng io.Reader, rounds int) error {
	err := k.key.Validate()
	if err != nil {
		return fmt.Errorf("sign key failed validation: %v", err)
	}
	return signCheck(k, rng, rounds)
}

// ECDSA-ECP-SHA3-512

type ecdsaKey struct {
	key *ecdsa.PrivateKey
}

func (k *ecdsaKey) Scheme() string { return SchemeEcdsa }

func (k *ecdsaKey) Public() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.key.PublicKey)
	if err != nil {
		panic(err)
	}
	return der
}

func (k *ecdsaKey) Private() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func (k *ecdsaKey) Sign(rng io.Reader, message []byte) ([]byte, error) {
	digest := sha3.Sum512(message)
	return ecdsa.SignASN1(rng, k.key, digest[:])
}

func (k *ecdsaKey) selfCheck(rng io.Reader, rounds int) error {
	if !k.key.Curve.IsOnCurve(k.key.X, k.key.Y) {
		return fmt.Errorf("sign key failed validation: not on curve")
	}
	return signCheck(k, rng, rounds)
}

// ED25519

type ed25519Key struct {
	pub  *[ed25519.PublicKeySize]byte
	priv *[ed25519.PrivateKeySize]byte
}

func (k *ed25519Key) Scheme() string { return SchemeEd25519 }

func (k *ed25519Key) Public() []byte {
	return append([]byte(nil), k.pub[:]...)
}

func (k *ed25519Key) Private() ([]byte, error) {
	return append([]byte(nil), k.priv[:]...), nil
}

func (k *ed25519Key) Sign(rng io.Reader, message []byte) ([]byte, error) {
	sig := ed25519.Sign(k.priv, message)
	return sig[:], nil
}

func (k *ed25519Key) selfCheck(rng io.Reader, rounds int) error {
	return signCheck(k, rng, rounds)
}

// RSA-OAEP-SHA3-512

type rsaOaepKey struct {
	key *rsa.PrivateKey
}

func (k *rsaOaepKey) Scheme() string { return SchemeRsaOaep }

func (k *rsaOaepKey) Public() []byte {
	der, err := x509.MarshalPKIXPublicKey(&k.key.PublicKey)
	if err != nil {
		panic(err)
	}
	return der
}

func (k *rsaOaepKey) Private() ([]byte, error) {
	return x509.MarshalPKCS8PrivateKey(k.key)
}

func (k *rsaOaepKey) Decrypt(ciphertext []byte) ([]byte, error) {
	plain, err := rsa.DecryptOAEP(sha3.New512(), nil, k.key, ciphertext,
		nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (k *rsaOaepKey) selfCheck(rng io.Reader, rounds int) error {
	err := k.key.Validate()
	if err != nil {
		return fmt.Errorf("crypt key failed validation: %v", err)
	}
	return cryptCheck(k, rng, rounds)
}

// SNTRUP4591761

type sntrupKey struct {
	pub  *[sntrup4591761.PublicKeySize]byte
	priv *[sntrup4591761.PrivateKeySize]byte
}

func (k *sntrupKey) Scheme() string { return SchemeSntrup }

func (k *sntrupKey) Public() []byte {
	return append([]byte(nil), k.pub[:]...)
}

func (k *sntrupKey) Private() ([]byte, error) {
	// private followed by public so the pair can be reloaded
	out := make([]byte, 0, len(k.priv)+len(k.pub))
	out = append(out, k.priv[:]...)
	out = append(out, k.pub[:]...)
	return out, nil
}

func (k *sntrupKey) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < sntrup4591761.CiphertextSize+24 {
		return nil, ErrShortBlob
	}
	ct := new([sntrup4591761.CiphertextSize]byte)
	copy(ct[:], ciphertext)
	shared, ok := sntrup4591761.Decapsulate(ct, k.priv)
	if ok != 1 {
		return nil, ErrDecrypt
	}
	var nonce [24]byte
	copy(nonce[:], ciphertext[sntrup4591761.CiphertextSize:])
	var key [32]byte
	copy(key[:], shared[:])
	plain, good := secretbox.Open(nil,
		ciphertext[sntrup4591761.CiphertextSize+24:], &nonce, &key)
	if !good {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (k *sntrupKey) selfCheck(rng io.Reader, rounds int) error {
	return cryptCheck(k, rng, rounds)
}

// signCheck runs sign/verify rounds against the key's own public half.
func signCheck(k signKey, rng io.Reader, rounds int) error {
	for i := 0; i < rounds; i++ {
		sig, err := k.Sign(rng, validationMsg)
		if err != nil {
			return fmt.Errorf("sign key failed validation: %v", err)
		}
		err = verifySignature(k.Scheme(), k.Public(), validationMsg,
			sig)
		if err != nil {
			return fmt.Errorf("sign key failed validation: %v", err)
		}
	}
	return nil
}

// cryptCheck runs encrypt/decrypt rounds against the key's own public half.
func cryptCheck(k cryptKey, rng io.Reader, rounds int) error {
	for i := 0; i < rounds; i++ {
		ct, err := encryptTo(k.Scheme(), rng, k.Public(), validationMsg)
		if err != nil {
			return fmt.Errorf("crypt key failed validation: %v", err)
		}
		plain, err := k.Decrypt(ct)
		if err != nil {
			return fmt.Errorf("crypt key failed validation: %v", err)
		}
		if !bytes.Equal(plain, validationMsg) {
			return fmt.Errorf("crypt key failed validation: " +
				"roundtrip mismatch")
		}
	}
	return nil
}

// PKCS8/PKIX helpers

func parsePKCS8RSA(blob []byte) (*rsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(blob)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %v", err)
	}
	rk, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("could not parse private key: not RSA")
	}
	return rk, nil
}

func parsePKCS8ECDSA(blob []byte) (*ecdsa.PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(blob)
	if err != nil {
		return nil, fmt.Errorf("could not parse private key: %v", err)
	}
	ek, ok := key.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("could not parse private key: not ECDSA")
	}
	return ek, nil
}

func parsePKIXRSA(blob []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("could not parse public key: %v", err)
	}
	rk, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("could not parse public key: not RSA")
	}
	return rk, nil
}

func parsePKIXECDSA(blob []byte) (*ecdsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(blob)
	if err != nil {
		return nil, fmt.Errorf("could not parse public key: %v", err)
	}
	ek, ok := key.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("could not parse public key: not ECDSA")
	}
	return ek, nil
}
