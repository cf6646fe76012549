package crypto

import (
	"crypto/sha256"

	"golang.org/x/crypto/pbkdf2"
)

// KeyringPBKDF2Iterations is the iteration count used by the ETS keyring
// format to derive a key-wrapping key from the keyring password.
const KeyringPBKDF2Iterations = 65536

// DeriveKeyringKey derives the symmetric key used to decrypt per-entry
// key material (tool keys, group keys) stored in a keyring, from the
// keyring password and the salt carried alongside the encrypted entry.
//
// This is unrelated to DeriveSessionKey: the session key comes from an
// X25519 ECDH exchange truncated to 16 bytes, while the keyring key comes
// from PBKDF2-HMAC-SHA256 over a caller-supplied password, matching how
// ETS-exported keyrings protect their key material at rest.
func DeriveKeyringKey(password string, salt []byte, keyLen int) []byte {
	return pbkdf2.Key([]byte(password), salt, KeyringPBKDF2Iterations, keyLen, sha256.New)
}
