package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

// MACSize is the length of a CBC-MAC tag (one AES block).
const MACSize = aes.BlockSize

// ErrInvalidMACKeySize is returned when a CBC-MAC key is not 16 bytes.
var ErrInvalidMACKeySize = errors.New("crypto: CBC-MAC key must be 16 bytes")

// CBCMAC computes an AES-128 CBC-MAC over data: CBC-encrypt with a
// zero IV and zero-pad the input up to a multiple of the block size; the
// MAC is the final ciphertext block. This is the raw primitive behind
// every authentication tag in the secure session handshake and the
// secure wrapper.
func CBCMAC(key, data []byte) ([MACSize]byte, error) {
	var mac [MACSize]byte

	if len(key) != SessionKeySize {
		return mac, ErrInvalidMACKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return mac, err
	}

	padded := padZero(data, aes.BlockSize)

	var iv [aes.BlockSize]byte
	mode := cipher.NewCBCEncrypter(block, iv[:])
	ciphertext := make([]byte, len(padded))
	mode.CryptBlocks(ciphertext, padded)

	copy(mac[:], ciphertext[len(ciphertext)-aes.BlockSize:])
	return mac, nil
}

// padZero right-pads data with zero bytes up to the next multiple of
// blockSize. Data already aligned to blockSize (including empty input)
// is returned unpadded, matching the protocol's explicit length-prefixed
// associated data, which never relies on padding to mark its own end.
func padZero(data []byte, blockSize int) []byte {
	remainder := len(data) % blockSize
	if remainder == 0 {
		return data
	}
	out := make([]byte, len(data)+blockSize-remainder)
	copy(out, data)
	return out
}
