package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"fmt"

	"github.com/knxsecure/transport/pkg/crypto"
	"github.com/knxsecure/transport/pkg/knxerrors"
)

// UnwrapKey derives the PBKDF2 key-wrapping key from password and
// enc.Salt and AES-CBC-decrypts enc.Ciphertext, returning the raw
// 16-byte tool or group key (§4.1 keyring key unwrap). A concrete
// Keyring's DecryptKey method calls this; it is exported so any such
// implementation can reuse the unwrap step instead of reimplementing it.
func UnwrapKey(enc EncryptedKey, password string) ([16]byte, error) {
	var key [16]byte
	if len(enc.Ciphertext) != 16 {
		return key, knxerrors.Wrap(knxerrors.ErrKeyringSignatureMismatch,
			fmt.Errorf("keystore: encrypted key must be 16 bytes, got %d", len(enc.Ciphertext)))
	}

	wrapKey := crypto.DeriveKeyringKey(password, enc.Salt, 16)
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		return key, knxerrors.Wrap(knxerrors.ErrKeyringSignatureMismatch, err)
	}

	cipher.NewCBCDecrypter(block, enc.IV[:]).CryptBlocks(key[:], enc.Ciphertext)
	return key, nil
}
