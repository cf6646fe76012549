package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
)

// SecurityInfoSize is the size of the AES-CTR counter block used by the
// secure wrapper: [6B sequence number][6B serial number][2B message
// tag][2B frame length].
const SecurityInfoSize = aes.BlockSize

// MACCounterField is the counter field value used when the security-info
// block encrypts a MAC rather than a frame body.
const MACCounterField = 0xff00

// ErrInvalidCTRKeySize is returned when an AES-CTR key is not 16 bytes.
var ErrInvalidCTRKeySize = errors.New("crypto: AES-CTR key must be 16 bytes")

// SecurityInfo builds the 16-byte counter block used as the AES-CTR IV:
// sequence number and serial number feed the block verbatim, counter is
// either the two-byte message tag carried on the wire or the fixed
// MACCounterField sentinel when the call is encrypting a MAC rather than
// a frame body, and frameLen is the plaintext length being protected.
func SecurityInfo(seq [6]byte, serial [6]byte, counter uint16, frameLen uint16) [SecurityInfoSize]byte {
	var info [SecurityInfoSize]byte
	copy(info[0:6], seq[:])
	copy(info[6:12], serial[:])
	binary.BigEndian.PutUint16(info[12:14], counter)
	binary.BigEndian.PutUint16(info[14:16], frameLen)
	return info
}

// CTRCrypt encrypts or decrypts data using AES-CTR with the given
// 16-byte security-info block as the initial counter value, returning
// the result in a new slice and leaving data unchanged. CTR mode is its
// own inverse, so the same function serves both directions.
func CTRCrypt(key []byte, info [SecurityInfoSize]byte, data []byte) ([]byte, error) {
	if len(key) != SessionKeySize {
		return nil, ErrInvalidCTRKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(data))
	stream := cipher.NewCTR(block, info[:])
	stream.XORKeyStream(out, data)
	return out, nil
}
