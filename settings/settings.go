// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// settings is a hierarchical persistent key/value store.  Keys are slash
// separated paths such as remote/url or device/<uuid>/sign-key.  On disk the
// store is an ini file whose section is the key's path prefix; every mutation
// is written back atomically so callers can rely on the store surviving a
// crash between two operations.
package settings

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	ini "github.com/vaughan0/go-ini"
)

type Settings struct {
	sync.Mutex
	filename string
	values   map[string]string
}

// Open loads the store at filename, creating an empty one if the file does
// not exist yet.
func Open(filename string) (*Settings, error) {
	s := &Settings{
		filename: filename,
		values:   make(map[string]string),
	}

	err := os.MkdirAll(filepath.Dir(filename), 0700)
	if err != nil {
		return nil, fmt.Errorf("could not create settings directory: %v",
			err)
	}

	f, err := ini.LoadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("could not load settings: %v", err)
	}

	for section, keys := range f {
		for k, v := range keys {
			name := k
			if section != "" {
				name = section + "/" + k
			}
			s.values[name] = v
		}
	}

	return s, nil
}

func (s *Settings) Get(key string) (string, bool) {
	s.Lock()
	defer s.Unlock()

	v, found := s.values[key]
	return v, found
}

func (s *Settings) Contains(key string) bool {
	_, found := s.Get(key)
	return found
}

func (s *Settings) Set(key, value string) error {
	s.Lock()
	defer s.Unlock()

	s.values[key] = value
	return s.save()
}

// Remove deletes key and everything below key/.
func (s *Settings) Remove(key string) error {
	s.Lock()
	defer s.Unlock()

	prefix := key + "/"
	for k := range s.values {
		if k == key || strings.HasPrefix(k, prefix) {
			delete(s.values, k)
		}
	}
	return s.save()
}

// ChildKeys returns the immediate child names below prefix, sorted.
func (s *Settings) ChildKeys(prefix string) []string {
	s.Lock()
	defer s.Unlock()

	var children []string
	seen := make(map[string]bool)
	p := prefix + "/"
	for k := range s.values {
		if !strings.HasPrefix(k, p) {
			continue
		}
		name := strings.SplitN(k[len(p):], "/", 2)[0]
		if !seen[name] {
			seen[name] = true
			children = append(children, name)
		}
	}
	sort.Strings(children)
	return children
}

// typed accessors

func (s *Settings) GetBytes(key string) ([]byte, bool) {
	v, found := s.Get(key)
	if !found {
		return nil, false
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, false
	}
	return b, true
}

func (s *Settings) SetBytes(key string, b []byte) error {
	return s.Set(key, base64.StdEncoding.EncodeToString(b))
}

func (s *Settings) GetBool(key string) (bool, bool) {
	v, found := s.Get(key)
	if !found {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func (s *Settings) SetBool(key string, b bool) error {
	return s.Set(key, strconv.FormatBool(b))
}

func (s *Settings) GetInt(key string) (int, bool) {
	v, found := s.Get(key)
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func (s *Settings) SetInt(key string, n int) error {
	return s.Set(key, strconv.Itoa(n))
}

func (s *Settings) GetUUID(key string) (uuid.UUID, bool) {
	v, found := s.Get(key)
	if !found {
		return uuid.Nil, false
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func (s *Settings) SetUUID(key string, id uuid.UUID) error {
	return s.Set(key, id.String())
}

// save writes the ini file atomically.  Lock must be held.
func (s *Settings) save() error {
	// group keys by section
	sections := make(map[string]map[string]string)
	for k, v := range s.values {
		section := ""
		name := k
		if i := strings.LastIndex(k, "/"); i != -1 {
			section = k[:i]
			name = k[i+1:]
		}
		if sections[section] == nil {
			sections[section] = make(map[string]string)
		}
		sections[section][name] = v
	}

	var names []string
	for section := range sections {
		names = append(names, section)
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, section := range names {
		if section != "" {
			fmt.Fprintf(&sb, "[%v]\n", section)
		}
		keys := sections[section]
		var kn []string
		for k := range keys {
			kn = append(kn, k)
		}
		sort.Strings(kn)
		for _, k := range kn {
			fmt.Fprintf(&sb, "%v = %v\n", k, keys[k])
		}
		sb.WriteString("\n")
	}

	tmp := s.filename + ".tmp"
	err := os.WriteFile(tmp, []byte(sb.String()), 0600)
	if err != nil {
		return fmt.Errorf("could not write settings: %v", err)
	}
	err = os.Rename(tmp, s.filename)
	if err != nil {
		return fmt.Errorf("could not rename settings: %v", err)
	}
	return nil
}
