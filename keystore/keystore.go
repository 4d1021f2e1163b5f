// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// keystore abstracts the platform secret store that seals a device's private
// key material.  Keys are opaque byte blobs addressed by slash separated
// names such as device/<uuid>/sign-key.
package keystore

import "errors"

var (
	ErrClosed   = errors.New("keystore closed")
	ErrNotFound = errors.New("key not found")
)

// Store is the sealing interface used by the crypto controller.  A store is
// opened before first use and must tolerate repeated Open calls.
type Store interface {
	Open() error
	Close() error

	// Load returns the sealed blob stored under name or ErrNotFound.
	Load(name string) ([]byte, error)

	// Save seals blob under name, replacing any previous value.
	Save(name string, blob []byte) error

	// Remove deletes name.  Removing a missing name is not an error.
	Remove(name string) error
}
