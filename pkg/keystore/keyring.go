package keystore

// EncryptedKey is a keyring's per-entry protected key material: the
// AES-CBC ciphertext of a raw 16-byte tool or group key, under a
// PBKDF2-SHA256 key-wrapping key derived from the keyring password and
// this entry's own salt (§4.1 keyring key unwrap). The keyring artifact
// itself carries the salt and IV; this module never parses that
// artifact, only the values a Keyring implementation surfaces through
// this type.
type EncryptedKey struct {
	Ciphertext []byte
	Salt       []byte
	IV         [16]byte
}

// Device is one entry in a keyring's device table.
type Device interface {
	// ToolKey returns the device's encrypted tool key, if it has one.
	ToolKey() (EncryptedKey, bool)
}

// Interface is one logical KNXnet/IP interface declared by a keyring,
// carrying its own address and the group→senders topology it declares.
type Interface interface {
	Address() IndividualAddress
	Groups() map[GroupAddress]map[IndividualAddress]struct{}
}

// Keyring is the artifact a Keystore ingests. It is produced by parsing
// and signature-checking an ETS-exported keyring file, which is out of
// scope for this module (§1); only this consumption contract is defined
// here (§6.3).
type Keyring interface {
	VerifySignature(password string) bool
	Devices() map[IndividualAddress]Device
	Groups() map[GroupAddress]EncryptedKey
	Interfaces() map[IndividualAddress][]Interface
	DecryptKey(enc EncryptedKey, password string) ([16]byte, error)
}
