// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// wire implements the binary frame format spoken between a device and the
// relay server.
//
// Every frame is a self contained message: an XDR encoded type name followed
// by the XDR encoded message fields.  A signed frame additionally carries a
// trailing signature over all preceding bytes; the verifying side reads the
// message first, remembers the cursor and checks the signature against the
// prefix.
//
// The ping frame is the single byte 0xff.  Typed frames always open with a
// four byte XDR length so the two can never be confused.
package wire

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	xdr "github.com/davecgh/go-xdr/xdr2"
)

var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotRegistered  = errors.New("message type not registered")
	ErrShortFrame     = errors.New("short frame")
)

// PingPayload is the keepalive frame.  It is not a typed message.
var PingPayload = []byte{0xff}

// IsPing returns true if frame is the keepalive singleton.
func IsPing(frame []byte) bool {
	return bytes.Equal(frame, PingPayload)
}

// registry maps wire type names to factories for the concrete message
// structs.  Names travel on the wire, so they are part of the protocol.
var registry = make(map[string]func() interface{})

// names is the inverse mapping, keyed by reflect type.
var names = make(map[reflect.Type]string)

func register(name string, factory func() interface{}) {
	registry[name] = factory
	names[reflect.TypeOf(factory())] = name
}

// Name returns the wire type name of msg.
func Name(msg interface{}) (string, error) {
	n, ok := names[reflect.TypeOf(msg)]
	if !ok {
		return "", fmt.Errorf("%w: %T", ErrNotRegistered, msg)
	}
	return n, nil
}

// Marshal encodes msg into a frame.  msg must be a pointer to a registered
// message struct.
func Marshal(msg interface{}) ([]byte, error) {
	name, err := Name(msg)
	if err != nil {
		return nil, err
	}

	var bb bytes.Buffer
	_, err = xdr.Marshal(&bb, name)
	if err != nil {
		return nil, fmt.Errorf("could not marshal type name %v: %v",
			name, err)
	}
	_, err = xdr.Marshal(&bb, msg)
	if err != nil {
		return nil, fmt.Errorf("could not marshal %v: %v", name, err)
	}

	return bb.Bytes(), nil
}

// MarshalSigned encodes msg and appends a signature over the encoded bytes.
func MarshalSigned(msg interface{}, sign func([]byte) ([]byte, error)) ([]byte, error) {
	frame, err := Marshal(msg)
	if err != nil {
		return nil, err
	}

	signature, err := sign(frame)
	if err != nil {
		return nil, fmt.Errorf("could not sign message: %v", err)
	}

	bb := bytes.NewBuffer(frame)
	_, err = xdr.Marshal(bb, signature)
	if err != nil {
		return nil, fmt.Errorf("could not marshal signature: %v", err)
	}

	return bb.Bytes(), nil
}

// Unmarshal decodes a frame into its typed message.  Trailing bytes, such as
// a signature, are ignored; use UnmarshalSigned to verify them.
func Unmarshal(frame []byte) (interface{}, error) {
	msg, _, err := decode(frame)
	return msg, err
}

// UnmarshalSigned decodes a frame, then reads the trailing signature and
// hands it to verify together with the exact bytes it covers.
func UnmarshalSigned(frame []byte, verify func(message, signature []byte) error) (interface{}, error) {
	msg, br, err := decode(frame)
	if err != nil {
		return nil, err
	}

	// cursor sits right behind the message, in front of the signature
	cursor := len(frame) - br.Len()

	var signature []byte
	_, err = xdr.Unmarshal(br, &signature)
	if err != nil {
		return nil, fmt.Errorf("could not unmarshal signature: %v", err)
	}

	err = verify(frame[:cursor], signature)
	if err != nil {
		return nil, err
	}

	return msg, nil
}

func decode(frame []byte) (interface{}, *bytes.Reader, error) {
	if len(frame) < 4 {
		return nil, nil, ErrShortFrame
	}

	br := bytes.NewReader(frame)
	var name string
	_, err := xdr.Unmarshal(br, &name)
	if err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal type name: %v",
			err)
	}

	factory, ok := registry[name]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %q", ErrUnknownMessage, name)
	}

	msg := factory()
	_, err = xdr.Unmarshal(br, msg)
	if err != nil {
		return nil, nil, fmt.Errorf("could not unmarshal %v: %v",
			name, err)
	}

	return msg, br, nil
}
