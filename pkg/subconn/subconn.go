// Package subconn implements the channel-id-keyed sub-connection
// registry shared by secured sessions and plain TCP connections (§4.6):
// tunneling, device-configuration, and object-server sub-connections all
// follow the same Pending → OK → Closed lifecycle, bound to a channel id
// by the first inbound frame that carries a channel id not yet bound
// (normally the ConnectResponse).
package subconn

import "sync"

// State is a sub-connection's position in its lifecycle (§3).
type State int

const (
	Pending State = iota
	OK
	Closed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "Pending"
	case OK:
		return "OK"
	case Closed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Listener receives frames routed to a sub-connection, whether decrypted
// (secured session) or plain (unsecured connection).
type Listener func(frame []byte)

// SubConnection is one registered handle: a tunneling, device
// configuration, or object-server logical connection multiplexed over a
// shared TCP socket (§3, §4.6).
type SubConnection struct {
	mu        sync.Mutex
	state     State
	channelID uint8
	bound     bool
	listener  Listener
	registry  *Registry
}

// ChannelID returns the bound channel id, valid once State is OK.
func (c *SubConnection) ChannelID() uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channelID
}

// State returns the sub-connection's current lifecycle state.
func (c *SubConnection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *SubConnection) bind(channelID uint8) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.channelID = channelID
	c.bound = true
	c.state = OK
}

// Deliver passes frame to the registered listener. It is a no-op on a
// closed sub-connection.
func (c *SubConnection) Deliver(frame []byte) error {
	c.mu.Lock()
	state := c.state
	listener := c.listener
	c.mu.Unlock()
	if state == Closed || listener == nil {
		return nil
	}
	listener(frame)
	return nil
}

// Close transitions the sub-connection to Closed and removes it from its
// registry, if bound. Close is idempotent (§4.6). The caller or the
// parent's shutdown calls it; a DisconnectResponse does not.
func (c *SubConnection) Close() error {
	c.mu.Lock()
	if c.state == Closed {
		c.mu.Unlock()
		return nil
	}
	c.state = Closed
	bound := c.bound
	channelID := c.channelID
	registry := c.registry
	c.mu.Unlock()

	if bound && registry != nil {
		registry.Remove(channelID)
	}
	return nil
}
