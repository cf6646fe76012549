package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/knxsecure/transport/pkg/crypto"
)

func encryptForTest(t *testing.T, password string, salt []byte, iv [16]byte, plain [16]byte) []byte {
	t.Helper()
	wrapKey := crypto.DeriveKeyringKey(password, salt, 16)
	block, err := aes.NewCipher(wrapKey)
	if err != nil {
		t.Fatalf("aes.NewCipher: %v", err)
	}
	ct := make([]byte, 16)
	cipher.NewCBCEncrypter(block, iv[:]).CryptBlocks(ct, plain[:])
	return ct
}

func TestUnwrapKeyRoundTrip(t *testing.T) {
	var plain [16]byte
	for i := range plain {
		plain[i] = byte(i + 1)
	}
	salt := []byte("keyring-salt")
	var iv [16]byte
	copy(iv[:], []byte("0123456789abcdef"))

	ct := encryptForTest(t, "s3cret", salt, iv, plain)
	enc := EncryptedKey{Ciphertext: ct, Salt: salt, IV: iv}

	got, err := UnwrapKey(enc, "s3cret")
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if got != plain {
		t.Fatalf("UnwrapKey() = %v, want %v", got, plain)
	}
}

func TestUnwrapKeyWrongPasswordProducesGarbage(t *testing.T) {
	var plain [16]byte
	for i := range plain {
		plain[i] = byte(i + 1)
	}
	salt := []byte("keyring-salt")
	var iv [16]byte
	copy(iv[:], []byte("0123456789abcdef"))

	ct := encryptForTest(t, "s3cret", salt, iv, plain)
	enc := EncryptedKey{Ciphertext: ct, Salt: salt, IV: iv}

	got, err := UnwrapKey(enc, "wrong")
	if err != nil {
		t.Fatalf("UnwrapKey: %v", err)
	}
	if got == plain {
		t.Fatal("expected wrong password to fail to recover the original key")
	}
}

func TestUnwrapKeyRejectsWrongLength(t *testing.T) {
	enc := EncryptedKey{Ciphertext: []byte{1, 2, 3}}
	if _, err := UnwrapKey(enc, "whatever"); err == nil {
		t.Fatal("expected error for non-16-byte ciphertext")
	}
}
