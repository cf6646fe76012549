package tcpconn

import (
	"net"

	"github.com/knxsecure/transport/pkg/knxnetip"
)

func (c *TcpConnection) receiveLoop(conn net.Conn) {
	defer c.wg.Done()

	stream := knxnetip.NewFrameStream(conn, c.cfg.ReceiveBufferSize)
	for {
		frame, err := stream.ReadFrame()
		if err != nil {
			c.log.Infof("tcpconn: receive loop ending: %v", err)
			c.teardown()
			return
		}
		c.dispatch(frame)
	}
}

func (c *TcpConnection) dispatch(frame []byte) {
	header, err := knxnetip.DecodeHeader(frame)
	if err != nil {
		c.log.Warnf("tcpconn: dropping frame with malformed header: %v", err)
		return
	}
	body := frame[knxnetip.HeaderSize:]

	if header.ServiceType.IsSecure() {
		c.dispatchSecure(header, frame, body)
		return
	}

	if header.ServiceType.IsBroadcast() {
		for _, sub := range c.subConns.All() {
			_ = sub.Deliver(frame)
		}
		return
	}

	channelID, ok := knxnetip.ChannelID(header.ServiceType, body)
	if !ok {
		c.log.Warnf("tcpconn: service type %v carries no channel id, dropping", header.ServiceType)
		return
	}

	sub, found := c.subConns.Lookup(channelID)
	if !found {
		sub = c.subConns.BindNextPending(channelID)
	}
	if sub == nil {
		c.log.Warnf("tcpconn: no sub-connection for channel %d, dropping", channelID)
		return
	}
	_ = sub.Deliver(frame)
}

// dispatchSecure routes the two wire-level secure service types: an
// unbound SessionResponse goes to whichever session is mid-handshake, a
// SecureWrapper goes to the session named by the leading session id in
// its body (§4.5 point 4).
func (c *TcpConnection) dispatchSecure(header knxnetip.Header, frame, body []byte) {
	switch header.ServiceType {
	case knxnetip.SessionResponse:
		pending := c.getPendingSession()
		if pending == nil {
			c.log.Warn("tcpconn: unsolicited SessionResponse, dropping")
			return
		}
		pending.HandleSessionResponse(body)

	case knxnetip.SecureWrapper:
		sessionID, err := knxnetip.SessionID(body)
		if err != nil {
			c.log.Warnf("tcpconn: malformed secure wrapper, dropping: %v", err)
			return
		}
		c.sessionsMu.RLock()
		sess, found := c.sessions[sessionID]
		c.sessionsMu.RUnlock()
		if !found {
			c.log.Warnf("tcpconn: no session bound for id 0x%04x, dropping", sessionID)
			return
		}
		sess.HandleSecureFrame(frame)

	default:
		c.log.Warnf("tcpconn: unexpected secure service type %v at top level, dropping", header.ServiceType)
	}
}
