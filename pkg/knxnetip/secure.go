package knxnetip

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/knxsecure/transport/pkg/crypto"
	"github.com/knxsecure/transport/pkg/knxerrors"
)

// MinSecureWrapperLength is the smallest legal secure wrapper frame: a
// header, session id, sequence number, serial number, message tag, MAC,
// and the mandatory inner KNXnet/IP header every wrapped plaintext
// carries — there is no such thing as a zero-length plaintext (§3,
// §4.3, §6.1, §8 boundary behavior: totalLength < 44 is rejected
// without attempting decryption).
const MinSecureWrapperLength = HeaderSize + 2 + 6 + 6 + 2 + HeaderSize + crypto.MACSize

// SecureWrapper holds the parsed (and, after Unwrap, decrypted) fields
// of a secure wrapper frame (§3, §4.3).
type SecureWrapper struct {
	SessionID uint16
	Seq       [6]byte
	Serial    [6]byte
	Tag       uint16
	Plaintext []byte
}

func macInput(msgLen uint16, parts ...[]byte) []byte {
	size := 16 + 2
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, make([]byte, 16)...)
	var lenField [2]byte
	binary.BigEndian.PutUint16(lenField[:], msgLen)
	buf = append(buf, lenField[:]...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

// Wrap implements §4.3 wrap(plainPacket, sessionId, seq, sno, tag, key):
// it builds a secure-wrapper frame authenticating plaintext under a
// CBC-MAC and encrypting both the plaintext and the MAC under AES-CTR
// keyed off seq/serial/tag.
func Wrap(key [crypto.SessionKeySize]byte, sessionID uint16, seq [6]byte, serial [6]byte, tag uint16, plaintext []byte) ([]byte, error) {
	totalLength := HeaderSize + 2 + 6 + 6 + 2 + len(plaintext) + crypto.MACSize
	header := Header{ServiceType: SecureWrapper, TotalLength: uint16(totalLength)}
	headerBytes := header.Encode()

	var sessionIDBytes [2]byte
	binary.BigEndian.PutUint16(sessionIDBytes[:], sessionID)

	msgLen := uint16(HeaderSize + len(plaintext))
	mac, err := crypto.CBCMAC(key[:], macInput(msgLen, headerBytes, sessionIDBytes[:], plaintext))
	if err != nil {
		return nil, err
	}

	frameInfo := crypto.SecurityInfo(seq, serial, tag, uint16(len(plaintext)))
	ciphertext, err := crypto.CTRCrypt(key[:], frameInfo, plaintext)
	if err != nil {
		return nil, err
	}

	macInfo := crypto.SecurityInfo(seq, serial, crypto.MACCounterField, uint16(crypto.MACSize))
	encMac, err := crypto.CTRCrypt(key[:], macInfo, mac[:])
	if err != nil {
		return nil, err
	}

	var tagBytes [2]byte
	binary.BigEndian.PutUint16(tagBytes[:], tag)

	out := make([]byte, 0, totalLength)
	out = append(out, headerBytes...)
	out = append(out, sessionIDBytes[:]...)
	out = append(out, seq[:]...)
	out = append(out, serial[:]...)
	out = append(out, tagBytes[:]...)
	out = append(out, ciphertext...)
	out = append(out, encMac...)
	return out, nil
}

// Unwrap implements §4.3 unwrap(frame, key): it validates the frame
// shape, decrypts the MAC and ciphertext, and recomputes the CBC-MAC to
// authenticate the frame before returning its plaintext.
func Unwrap(key [crypto.SessionKeySize]byte, frame []byte) (SecureWrapper, error) {
	var sw SecureWrapper

	header, err := DecodeHeader(frame)
	if err != nil {
		return sw, err
	}
	if !header.IsSecure() || header.ServiceType != SecureWrapper {
		return sw, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("service type 0x%04x is not SecureWrapper", uint16(header.ServiceType)))
	}
	if header.TotalLength < MinSecureWrapperLength {
		return sw, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("secure wrapper length %d below minimum %d", header.TotalLength, MinSecureWrapperLength))
	}
	if len(frame) < int(header.TotalLength) {
		return sw, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("frame truncated: have %d bytes, header claims %d", len(frame), header.TotalLength))
	}

	offset := HeaderSize
	sw.SessionID = binary.BigEndian.Uint16(frame[offset : offset+2])
	offset += 2
	copy(sw.Seq[:], frame[offset:offset+6])
	offset += 6
	copy(sw.Serial[:], frame[offset:offset+6])
	offset += 6
	sw.Tag = binary.BigEndian.Uint16(frame[offset : offset+2])
	offset += 2

	cipherEnd := int(header.TotalLength) - crypto.MACSize
	ciphertext := frame[offset:cipherEnd]
	encMac := frame[cipherEnd:header.TotalLength]

	macInfo := crypto.SecurityInfo(sw.Seq, sw.Serial, crypto.MACCounterField, uint16(crypto.MACSize))
	mac, err := crypto.CTRCrypt(key[:], macInfo, encMac)
	if err != nil {
		return sw, err
	}

	frameInfo := crypto.SecurityInfo(sw.Seq, sw.Serial, sw.Tag, uint16(len(ciphertext)))
	plaintext, err := crypto.CTRCrypt(key[:], frameInfo, ciphertext)
	if err != nil {
		return sw, err
	}

	var sessionIDBytes [2]byte
	binary.BigEndian.PutUint16(sessionIDBytes[:], sw.SessionID)
	msgLen := uint16(HeaderSize + len(plaintext))
	headerBytes := Header{ServiceType: header.ServiceType, TotalLength: header.TotalLength}.Encode()
	expectedMac, err := crypto.CBCMAC(key[:], macInput(msgLen, headerBytes, sessionIDBytes[:], plaintext))
	if err != nil {
		return sw, err
	}

	if subtle.ConstantTimeCompare(expectedMac[:], mac) != 1 {
		return sw, knxerrors.ErrAuthenticationFailed
	}

	sw.Plaintext = plaintext
	return sw, nil
}

// HandshakeMAC computes the CBC-MAC used by the session-response
// device-authentication check and the session-auth user-authentication
// body (§4.4 steps 2-3): CBC-MAC(key, [16B zeros, 2B msgLen, header,
// field, body]). Both call sites share this exact shape: the
// session-response check places the session id in the 2-byte field
// slot, the session-auth body places the user id there instead.
func HandshakeMAC(key [crypto.SessionKeySize]byte, msgLen uint16, header Header, field uint16, body []byte) ([crypto.MACSize]byte, error) {
	var fieldBytes [2]byte
	binary.BigEndian.PutUint16(fieldBytes[:], field)
	return crypto.CBCMAC(key[:], macInput(msgLen, header.Encode(), fieldBytes[:], body))
}

// EncryptHandshakeMAC encrypts a handshake MAC under AES-CTR using the
// 0xff00 counter variant, as required for both the device-authentication
// MAC in SessionResponse and the user-authentication MAC in SessionAuth.
func EncryptHandshakeMAC(key [crypto.SessionKeySize]byte, seq [6]byte, serial [6]byte, mac [crypto.MACSize]byte) ([]byte, error) {
	info := crypto.SecurityInfo(seq, serial, crypto.MACCounterField, uint16(crypto.MACSize))
	return crypto.CTRCrypt(key[:], info, mac[:])
}
