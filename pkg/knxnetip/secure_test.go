package knxnetip

import (
	"bytes"
	"errors"
	"testing"

	"github.com/knxsecure/transport/pkg/crypto"
	"github.com/knxsecure/transport/pkg/knxerrors"
)

func testKey() [crypto.SessionKeySize]byte {
	var key [crypto.SessionKeySize]byte
	for i := range key {
		key[i] = byte(i + 1)
	}
	return key
}

func TestWrapUnwrapRoundTrip(t *testing.T) {
	key := testKey()
	seq := [6]byte{0, 0, 0, 0, 0, 7}
	serial := [6]byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06}
	plaintext := []byte("a tunneling request payload")

	frame, err := Wrap(key, 0x1234, seq, serial, 0, plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	sw, err := Unwrap(key, frame)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}

	if sw.SessionID != 0x1234 {
		t.Errorf("SessionID = 0x%04x, want 0x1234", sw.SessionID)
	}
	if sw.Seq != seq {
		t.Errorf("Seq mismatch")
	}
	if sw.Serial != serial {
		t.Errorf("Serial mismatch")
	}
	if !bytes.Equal(sw.Plaintext, plaintext) {
		t.Errorf("plaintext mismatch: got %q want %q", sw.Plaintext, plaintext)
	}
}

func TestWrapUnwrapMinimumPlaintext(t *testing.T) {
	key := testKey()
	seq := [6]byte{}
	serial := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	// The smallest legal plaintext is a bare inner KNXnet/IP header with
	// no body; there is no such thing as a zero-length plaintext.
	inner := Header{ServiceType: SessionStatus, TotalLength: HeaderSize}.Encode()

	frame, err := Wrap(key, 1, seq, serial, 0, inner)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}
	if len(frame) != MinSecureWrapperLength {
		t.Fatalf("minimum-plaintext frame length = %d, want %d", len(frame), MinSecureWrapperLength)
	}

	sw, err := Unwrap(key, frame)
	if err != nil {
		t.Fatalf("Unwrap: %v", err)
	}
	if !bytes.Equal(sw.Plaintext, inner) {
		t.Fatalf("plaintext mismatch: got %q want %q", sw.Plaintext, inner)
	}
}

func TestUnwrapRejectsBelowMinimumLength(t *testing.T) {
	key := testKey()
	h := Header{ServiceType: SecureWrapper, TotalLength: 20}
	frame := append(h.Encode(), make([]byte, 20-HeaderSize)...)

	_, err := Unwrap(key, frame)
	if !errors.Is(err, knxerrors.ErrFrameMalformed) {
		t.Fatalf("expected ErrFrameMalformed for undersized frame, got %v", err)
	}
}

func TestUnwrapRejectsNonSecureWrapperServiceType(t *testing.T) {
	key := testKey()
	h := Header{ServiceType: SessionStatus, TotalLength: uint16(MinSecureWrapperLength)}
	frame := append(h.Encode(), make([]byte, MinSecureWrapperLength-HeaderSize)...)

	_, err := Unwrap(key, frame)
	if !errors.Is(err, knxerrors.ErrFrameMalformed) {
		t.Fatalf("expected ErrFrameMalformed for wrong service type, got %v", err)
	}
}

func TestUnwrapDetectsBitFlip(t *testing.T) {
	key := testKey()
	seq := [6]byte{0, 0, 0, 0, 0, 1}
	serial := [6]byte{1, 2, 3, 4, 5, 6}
	plaintext := []byte("flip a bit somewhere in here")

	frame, err := Wrap(key, 0x4242, seq, serial, 0, plaintext)
	if err != nil {
		t.Fatalf("Wrap: %v", err)
	}

	for _, idx := range []int{0, HeaderSize, HeaderSize + 8, len(frame) - 1} {
		flipped := append([]byte(nil), frame...)
		flipped[idx] ^= 0x01
		if idx == 4 || idx == 5 {
			// totalLength bytes are excluded by the property test, not this one.
			continue
		}
		if _, err := Unwrap(key, flipped); err == nil {
			t.Fatalf("bit flip at offset %d was not detected", idx)
		}
	}
}

func TestWrapSequenceStrictlyIncreasing(t *testing.T) {
	key := testKey()
	serial := [6]byte{9, 9, 9, 9, 9, 9}

	var prev uint64
	for i := uint64(0); i < 5; i++ {
		var seq [6]byte
		seq[5] = byte(i)
		frame, err := Wrap(key, 1, seq, serial, 0, []byte("x"))
		if err != nil {
			t.Fatalf("Wrap: %v", err)
		}
		sw, err := Unwrap(key, frame)
		if err != nil {
			t.Fatalf("Unwrap: %v", err)
		}
		var got uint64
		for _, b := range sw.Seq {
			got = got<<8 | uint64(b)
		}
		if i > 0 && got <= prev {
			t.Fatalf("sequence did not increase: prev=%d got=%d", prev, got)
		}
		prev = got
	}
}
