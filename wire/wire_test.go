// Copyright (c) 2026 The fleetsync developers.
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package wire

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/google/uuid"
)

func TestFrameRoundtrip(t *testing.T) {
	id := uuid.MustParse("b57a1b56-56b8-4de1-8101-27a5cbf3a3f3")
	in := &Proof{
		PNonce:      bytes.Repeat([]byte{0x5a}, NonceSize),
		DeviceID:    id,
		DeviceName:  "test device",
		SignScheme:  "ED25519",
		SignKey:     []byte{1, 2, 3},
		CryptScheme: "SNTRUP4591761",
		CryptKey:    []byte{4, 5, 6},
		MacScheme:   "NONE",
		CMAC:        []byte{7, 8},
		TrustCMAC:   []byte{9},
	}

	frame, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	out, ok := msg.(*Proof)
	if !ok {
		t.Fatalf("wrong type %T", msg)
	}
	if !reflect.DeepEqual(in, out) {
		t.Fatalf("roundtrip mismatch: %v != %v", in, out)
	}
}

func TestUnknownMessage(t *testing.T) {
	var bb bytes.Buffer
	// hand rolled frame with a type name nobody registered
	bb.Write([]byte{0, 0, 0, 7})
	bb.WriteString("Bogus!!")
	bb.Write([]byte{0})

	_, err := Unmarshal(bb.Bytes())
	if !errors.Is(err, ErrUnknownMessage) {
		t.Fatalf("expected ErrUnknownMessage, got %v", err)
	}
}

func TestUnregisteredMarshal(t *testing.T) {
	type notAMessage struct{}
	_, err := Marshal(&notAMessage{})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered, got %v", err)
	}
}

func TestSignedEnvelope(t *testing.T) {
	in := &Login{
		DeviceID: uuid.MustParse("11111111-2222-3333-4444-555555555555"),
		Name:     "laptop",
		Nonce:    bytes.Repeat([]byte{0x01}, NonceSize),
	}

	// signature is a digest stand-in so the test does not depend on a
	// key scheme
	sign := func(msg []byte) ([]byte, error) {
		sum := byte(0)
		for _, b := range msg {
			sum ^= b
		}
		return []byte{sum, 0xab}, nil
	}

	frame, err := MarshalSigned(in, sign)
	if err != nil {
		t.Fatal(err)
	}

	var signedOver []byte
	msg, err := UnmarshalSigned(frame, func(message, signature []byte) error {
		signedOver = message
		want, _ := sign(message)
		if !bytes.Equal(want, signature) {
			return fmt.Errorf("bad signature")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msg, in) {
		t.Fatalf("roundtrip mismatch")
	}

	// the signature covers exactly the unsigned frame
	plain, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(signedOver, plain) {
		t.Fatalf("signature does not cover the message bytes")
	}

	// flip a payload byte, the verifier must see it
	frame[len(plain)-1] ^= 0xff
	_, err = UnmarshalSigned(frame, func(message, signature []byte) error {
		want, _ := sign(message)
		if !bytes.Equal(want, signature) {
			return fmt.Errorf("bad signature")
		}
		return nil
	})
	if err == nil {
		t.Fatalf("tampered frame verified")
	}
}

func TestPingIsNoTypedFrame(t *testing.T) {
	if !IsPing(PingPayload) {
		t.Fatal("ping payload does not match itself")
	}
	_, err := Unmarshal(PingPayload)
	if err == nil {
		t.Fatal("ping payload decoded as a typed message")
	}

	frame, err := Marshal(&LastChanged{})
	if err != nil {
		t.Fatal(err)
	}
	if IsPing(frame) {
		t.Fatal("typed frame mistaken for ping")
	}
}

func TestChangedInfoEmbedsChanged(t *testing.T) {
	in := &ChangedInfo{
		ChangeEstimate: 3,
		Changed: Changed{
			DataIndex: 99,
			KeyIndex:  7,
			Salt:      []byte{1, 2},
			Data:      []byte{3, 4},
		},
	}
	frame, err := Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	msg, err := Unmarshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(msg, in) {
		t.Fatalf("roundtrip mismatch: %v != %v", in, msg)
	}
}
