// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func TestBoltStore(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "keys.db")
	s := NewBoltStore(filename)

	_, err := s.Load("device/x/sign-key")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}

	err = s.Open()
	if err != nil {
		t.Fatal(err)
	}
	// opening twice is fine
	err = s.Open()
	if err != nil {
		t.Fatal(err)
	}

	blob := []byte("sealed key material")
	err = s.Save("device/x/sign-key", blob)
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.Load("device/x/sign-key")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("load mismatch: %x", got)
	}

	_, err = s.Load("device/x/crypt-key")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = s.Remove("device/x/sign-key")
	if err != nil {
		t.Fatal(err)
	}
	// removing again is not an error
	err = s.Remove("device/x/sign-key")
	if err != nil {
		t.Fatal(err)
	}
	_, err = s.Load("device/x/sign-key")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	err = s.Close()
	if err != nil {
		t.Fatal(err)
	}

	// reopen and verify persistence
	err = s.Open()
	if err != nil {
		t.Fatal(err)
	}
	err = s.Save("device/y/crypt-key", blob)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	r := NewBoltStore(filename)
	err = r.Open()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err = r.Load("device/y/crypt-key")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatalf("reload mismatch: %x", got)
	}
}
