// Package crypto provides the cryptographic primitives used by the
// KNXnet/IP secure session handshake and secure wrapper: X25519 key
// agreement, the protocol's literal session-key derivation, AES-CBC-MAC,
// and AES-CTR encryption with an explicit security-info counter block.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"errors"

	"golang.org/x/crypto/curve25519"
)

// PublicKeySize and PrivateKeySize are the X25519 scalar/point sizes.
const (
	PublicKeySize  = curve25519.PointSize
	PrivateKeySize = curve25519.ScalarSize

	// SessionKeySize is the length of the session key derived from the
	// ECDH shared secret (first 16 bytes of SHA-256, per the protocol's
	// literal derivation — not HKDF).
	SessionKeySize = 16
)

// ErrInvalidPublicKey is returned when a peer's public key is all-zero or
// otherwise rejected by curve25519 (a low-order point).
var ErrInvalidPublicKey = errors.New("crypto: invalid x25519 public key")

// KeyPair holds an X25519 private scalar and its corresponding public
// point, both in their native little-endian wire representation.
type KeyPair struct {
	Private [PrivateKeySize]byte
	Public  [PublicKeySize]byte
}

// GenerateKeyPair creates a fresh X25519 keypair using crypto/rand.
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, err
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// NewKeyPairFromPrivate builds a KeyPair around a caller-supplied private
// scalar. Used by tests that need a deterministic, injectable keypair to
// reproduce a known-answer handshake.
func NewKeyPairFromPrivate(private [PrivateKeySize]byte) (*KeyPair, error) {
	pub, err := curve25519.X25519(private[:], curve25519.Basepoint)
	if err != nil {
		return nil, err
	}
	kp := &KeyPair{Private: private}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SharedSecret computes the X25519 Diffie-Hellman shared secret between
// this keypair's private scalar and a peer's public point.
//
// The public key is transmitted on the wire in little-endian byte order,
// which is curve25519's native representation, so no byte-order reversal
// is needed here — callers decoding a KNXnet/IP SessionResponse hand this
// function the 32 bytes exactly as they appeared on the wire.
func (kp *KeyPair) SharedSecret(peerPublic [PublicKeySize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(kp.Private[:], peerPublic[:])
	if err != nil {
		return nil, ErrInvalidPublicKey
	}
	return secret, nil
}

// DeriveSessionKey implements the protocol's literal session-key
// derivation: the session key is the first SessionKeySize bytes of
// SHA-256 over the raw ECDH shared secret. This is deliberately not
// HKDF — the wire format was fixed before this core existed, and an
// HKDF-based derivation would produce a key the peer cannot reproduce.
func DeriveSessionKey(sharedSecret []byte) [SessionKeySize]byte {
	digest := sha256.Sum256(sharedSecret)
	var key [SessionKeySize]byte
	copy(key[:], digest[:SessionKeySize])
	return key
}

// XORPublicKeys XORs two 32-byte public keys together. Used to build the
// associated data for the session-auth and device-authentication MACs,
// which bind both parties' ephemeral public keys without transmitting
// them again.
func XORPublicKeys(a, b [PublicKeySize]byte) [PublicKeySize]byte {
	var out [PublicKeySize]byte
	for i := range out {
		out[i] = a[i] ^ b[i]
	}
	return out
}
