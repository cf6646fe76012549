package secsession

import "time"

// Config tunes a SecureSession's handshake and keep-alive timing (§4.4,
// §5 Config).
type Config struct {
	// HandshakeHalfDeadline bounds each half of the handshake: the wait
	// for SessionResponse, and separately the wait for SessionStatus
	// after sending SessionAuth.
	HandshakeHalfDeadline time.Duration

	// KeepAliveInterval is the period between authenticated-state
	// keep-alive SessionStatus messages.
	KeepAliveInterval time.Duration
}

// WithDefaults fills unset fields with the values named in §4.4.
func (c Config) WithDefaults() Config {
	if c.HandshakeHalfDeadline <= 0 {
		c.HandshakeHalfDeadline = 10 * time.Second
	}
	if c.KeepAliveInterval <= 0 {
		c.KeepAliveInterval = 30 * time.Second
	}
	return c
}
