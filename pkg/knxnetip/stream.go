package knxnetip

import (
	"io"

	"github.com/knxsecure/transport/pkg/knxerrors"
)

// DefaultReceiveBufferSize is the fixed receive buffer size used by a TCP
// connection's frame reassembly loop (§4.5, §5 Config).
const DefaultReceiveBufferSize = 512

// FrameStream reassembles a byte stream from a single TCP socket into
// complete KNXnet/IP frames, implementing the fixed-buffer,
// offset-accumulator algorithm of §4.5: parse-when-enough-bytes,
// copy-back compaction of leftover bytes, and skip-and-continue for
// frames too large for the buffer to ever hold whole.
//
// A FrameStream is not safe for concurrent use; a TcpConnection owns
// exactly one, read from its single receive goroutine.
type FrameStream struct {
	r      io.Reader
	buf    []byte
	offset int
}

// NewFrameStream wraps r with a frame reassembly buffer of the given
// size. A non-positive size falls back to DefaultReceiveBufferSize.
func NewFrameStream(r io.Reader, bufferSize int) *FrameStream {
	if bufferSize <= 0 {
		bufferSize = DefaultReceiveBufferSize
	}
	return &FrameStream{r: r, buf: make([]byte, bufferSize)}
}

// ReadFrame blocks until one complete KNXnet/IP frame (header included)
// has arrived on the stream, and returns a copy of it independent of the
// stream's internal buffer. It returns an error only when the underlying
// reader does (including io.EOF on a closed connection); malformed
// headers and oversized frames are handled internally per §4.5 and never
// surface as errors from ReadFrame.
func (s *FrameStream) ReadFrame() ([]byte, error) {
	for {
		if s.offset >= HeaderSize {
			header, err := DecodeHeader(s.buf[:s.offset])
			if err != nil {
				// Malformed header: the buffer's leading bytes cannot be
				// resynchronized, so drop everything accumulated so far.
				s.offset = 0
			} else {
				total := int(header.TotalLength)
				switch {
				case total <= s.offset:
					frame := make([]byte, total)
					copy(frame, s.buf[:total])
					remaining := s.offset - total
					copy(s.buf, s.buf[total:s.offset])
					s.offset = remaining
					return frame, nil
				case total > len(s.buf):
					if err := s.discard(total - s.offset); err != nil {
						return nil, err
					}
					s.offset = 0
					continue
				}
			}
		}

		n, err := s.r.Read(s.buf[s.offset:])
		if n > 0 {
			s.offset += n
		}
		if err != nil {
			return nil, err
		}
	}
}

// discard reads and throws away exactly n bytes from the stream, used to
// skip past a frame larger than the buffer will ever hold.
func (s *FrameStream) discard(n int) error {
	scratch := make([]byte, len(s.buf))
	for n > 0 {
		chunk := len(scratch)
		if chunk > n {
			chunk = n
		}
		read, err := s.r.Read(scratch[:chunk])
		n -= read
		if err != nil {
			return err
		}
	}
	return nil
}

// ChannelID extracts the one-byte sub-connection channel id from a
// decoded plain (non-secure) frame body, per the per-service-type offset
// table in ChannelIDOffset.
func ChannelID(serviceType ServiceType, body []byte) (uint8, bool) {
	offset, ok := serviceType.ChannelIDOffset()
	if !ok || len(body) <= offset {
		return 0, false
	}
	return body[offset], true
}

// SessionID extracts the two-byte session id that leads the body of a
// secure-session frame (§4.5 point 4). SecureWrapper and SessionResponse
// both begin their body with this field. SessionAuth (user id first) and
// SessionStatus (one status byte) bodies do not; they travel inside a
// SecureWrapper.
func SessionID(body []byte) (uint16, error) {
	if len(body) < 2 {
		return 0, knxerrors.Wrap(knxerrors.ErrFrameMalformed, io.ErrUnexpectedEOF)
	}
	return uint16(body[0])<<8 | uint16(body[1]), nil
}
