package tcpconn

import "time"

// Config tunes a TcpConnection's dial behavior and receive buffer.
type Config struct {
	// DialTimeout bounds the initial TCP connect.
	DialTimeout time.Duration

	// ReceiveBufferSize sizes the fixed reassembly buffer passed to
	// knxnetip.NewFrameStream (§4.5).
	ReceiveBufferSize int
}

// WithDefaults fills unset fields with the connection's defaults: a 5s
// dial timeout and a 512-byte receive buffer.
func (c Config) WithDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.ReceiveBufferSize <= 0 {
		c.ReceiveBufferSize = 512
	}
	return c
}
