package knxnetip

import (
	"encoding/binary"
	"fmt"

	"github.com/knxsecure/transport/pkg/knxerrors"
)

// HeaderSize is the fixed size of a KNXnet/IP frame header in bytes.
const HeaderSize = 6

// ProtocolVersion is the only KNXnet/IP protocol version this core
// understands (§4.2).
const ProtocolVersion = 0x10

// Header is the 6-byte KNXnet/IP frame header: structure length (always
// HeaderSize), protocol version, service type, and total frame length
// including the header itself. All multi-byte fields are big-endian.
type Header struct {
	ServiceType ServiceType
	TotalLength uint16
}

// Size returns the encoded size of a header; it is always HeaderSize,
// exposed as a method to mirror the wire-codec idiom used for the
// variable-length structures elsewhere in this package.
func (h Header) Size() int {
	return HeaderSize
}

// Encode serializes the header to its 6-byte wire form.
func (h Header) Encode() []byte {
	buf := make([]byte, HeaderSize)
	h.EncodeTo(buf)
	return buf
}

// EncodeTo writes the header into buf, which must be at least HeaderSize
// bytes long, and returns the number of bytes written.
func (h Header) EncodeTo(buf []byte) int {
	buf[0] = HeaderSize
	buf[1] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[2:4], uint16(h.ServiceType))
	binary.BigEndian.PutUint16(buf[4:6], h.TotalLength)
	return HeaderSize
}

// IsSecure reports whether this header's service type belongs to the
// secure-session handshake or carries a secure wrapper.
func (h Header) IsSecure() bool {
	return h.ServiceType.IsSecure()
}

// DecodeHeader parses a 6-byte KNXnet/IP header from the front of data.
// It does not require len(data) == HeaderSize; callers reading from a
// streaming buffer pass the full accumulated buffer and DecodeHeader only
// looks at the first HeaderSize bytes.
func DecodeHeader(data []byte) (Header, error) {
	var h Header

	if len(data) < HeaderSize {
		return h, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("header needs %d bytes, got %d", HeaderSize, len(data)))
	}

	if data[0] != HeaderSize {
		return h, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("unexpected structure length %d", data[0]))
	}
	if data[1] != ProtocolVersion {
		return h, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("unsupported protocol version 0x%02x", data[1]))
	}

	h.ServiceType = ServiceType(binary.BigEndian.Uint16(data[2:4]))
	h.TotalLength = binary.BigEndian.Uint16(data[4:6])

	if h.TotalLength < HeaderSize {
		return h, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("total length %d shorter than header", h.TotalLength))
	}

	return h, nil
}
