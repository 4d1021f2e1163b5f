// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package keystore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var keysBucket = []byte("keys")

// BoltStore seals key material into a bbolt file with owner-only
// permissions.  It stands in for a platform secret store on systems without
// one.
type BoltStore struct {
	filename string
	db       *bolt.DB
}

// NewBoltStore returns an unopened store backed by filename.
func NewBoltStore(filename string) *BoltStore {
	return &BoltStore{filename: filename}
}

func (s *BoltStore) Open() error {
	if s.db != nil {
		return nil
	}

	err := os.MkdirAll(filepath.Dir(s.filename), 0700)
	if err != nil {
		return fmt.Errorf("could not create keystore directory: %v", err)
	}

	db, err := bolt.Open(s.filename, 0600, &bolt.Options{
		Timeout: time.Second,
	})
	if err != nil {
		return fmt.Errorf("could not open keystore: %v", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(keysBucket)
		return err
	})
	if err != nil {
		db.Close()
		return fmt.Errorf("could not create keystore bucket: %v", err)
	}

	s.db = db
	return nil
}

func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *BoltStore) Load(name string) ([]byte, error) {
	if s.db == nil {
		return nil, ErrClosed
	}

	var blob []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(keysBucket).Get([]byte(name))
		if v == nil {
			return ErrNotFound
		}
		blob = make([]byte, len(v))
		copy(blob, v)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return blob, nil
}

func (s *BoltStore) Save(name string, blob []byte) error {
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Put([]byte(name), blob)
	})
}

func (s *BoltStore) Remove(name string) error {
	if s.db == nil {
		return ErrClosed
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(keysBucket).Delete([]byte(name))
	})
}
