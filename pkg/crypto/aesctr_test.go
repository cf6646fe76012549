package crypto

import (
	"bytes"
	"testing"
)

func TestCTRCryptRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x03}, SessionKeySize)
	info := SecurityInfo([6]byte{0, 0, 0, 0, 0, 1}, [6]byte{1, 2, 3, 4, 5, 6}, 0, 10)
	plaintext := []byte("0123456789")

	ciphertext, err := CTRCrypt(key, info, plaintext)
	if err != nil {
		t.Fatalf("CTRCrypt encrypt: %v", err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatalf("ciphertext equals plaintext")
	}

	decrypted, err := CTRCrypt(key, info, ciphertext)
	if err != nil {
		t.Fatalf("CTRCrypt decrypt: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", decrypted, plaintext)
	}
}

func TestCTRCryptMACVariantUsesDistinctKeystream(t *testing.T) {
	key := bytes.Repeat([]byte{0x04}, SessionKeySize)
	seq := [6]byte{0, 0, 0, 0, 0, 5}
	serial := [6]byte{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}

	frameInfo := SecurityInfo(seq, serial, 0, 16)
	macInfo := SecurityInfo(seq, serial, MACCounterField, 16)

	data := bytes.Repeat([]byte{0x00}, 16)

	frameKeystream, err := CTRCrypt(key, frameInfo, data)
	if err != nil {
		t.Fatalf("CTRCrypt: %v", err)
	}
	macKeystream, err := CTRCrypt(key, macInfo, data)
	if err != nil {
		t.Fatalf("CTRCrypt: %v", err)
	}

	if bytes.Equal(frameKeystream, macKeystream) {
		t.Fatalf("frame and MAC counter variants produced identical keystreams")
	}
}

func TestCTRCryptRejectsBadKeySize(t *testing.T) {
	var info [SecurityInfoSize]byte
	if _, err := CTRCrypt(make([]byte, 8), info, []byte("x")); err != ErrInvalidCTRKeySize {
		t.Fatalf("expected ErrInvalidCTRKeySize, got %v", err)
	}
}

func TestSecurityInfoLayout(t *testing.T) {
	seq := [6]byte{0, 0, 0, 0, 0x01, 0x02}
	serial := [6]byte{0x10, 0x20, 0x30, 0x40, 0x50, 0x60}
	info := SecurityInfo(seq, serial, 0x00ff, 0x1234)

	if !bytes.Equal(info[0:6], seq[:]) {
		t.Fatalf("sequence number field mismatch")
	}
	if !bytes.Equal(info[6:12], serial[:]) {
		t.Fatalf("serial number field mismatch")
	}
	if info[12] != 0x00 || info[13] != 0xff {
		t.Fatalf("counter field mismatch: %x %x", info[12], info[13])
	}
	if info[14] != 0x12 || info[15] != 0x34 {
		t.Fatalf("frame length field mismatch: %x %x", info[14], info[15])
	}
}
