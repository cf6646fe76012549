package knxnetip

import (
	"encoding/binary"
	"fmt"

	"github.com/knxsecure/transport/pkg/knxerrors"
)

// HPAISize is the fixed wire size of a Host Protocol Address Information
// descriptor.
const HPAISize = 8

// HostProtocol identifies the transport protocol carried by an HPAI.
type HostProtocol uint8

const (
	HostProtocolUDP HostProtocol = 0x01
	HostProtocolTCP HostProtocol = 0x02
)

// HPAI is the 8-byte endpoint descriptor used in secure handshakes over
// TCP (§4.2). A TCP secure session always carries the degenerate
// HPAI.Tcp form: protocol TCP, address 0.0.0.0, port 0 — the server
// infers the real endpoint from the TCP connection itself.
type HPAI struct {
	Protocol HostProtocol
	Address  [4]byte
	Port     uint16
}

// Tcp returns the degenerate HPAI used to announce "this handshake rides
// the existing TCP connection" during secure session setup.
func Tcp() HPAI {
	return HPAI{Protocol: HostProtocolTCP}
}

// Encode serializes the HPAI to its 8-byte wire form.
func (h HPAI) Encode() []byte {
	buf := make([]byte, HPAISize)
	buf[0] = HPAISize
	buf[1] = byte(h.Protocol)
	copy(buf[2:6], h.Address[:])
	binary.BigEndian.PutUint16(buf[6:8], h.Port)
	return buf
}

// DecodeHPAI parses an 8-byte HPAI from the front of data.
func DecodeHPAI(data []byte) (HPAI, error) {
	var h HPAI
	if len(data) < HPAISize {
		return h, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("HPAI needs %d bytes, got %d", HPAISize, len(data)))
	}
	if data[0] != HPAISize {
		return h, knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("unexpected HPAI length %d", data[0]))
	}
	h.Protocol = HostProtocol(data[1])
	copy(h.Address[:], data[2:6])
	h.Port = binary.BigEndian.Uint16(data[6:8])
	return h, nil
}
