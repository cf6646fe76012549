// Package tcpconn implements the single-socket TCP connection multiplexer
// a KNXnet/IP secure client keeps open to one server (§4.5): one
// net.Conn, reassembled into frames by knxnetip.FrameStream, dispatched
// to bound secure sessions by session id or to unsecured sub-connections
// by channel id.
package tcpconn

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/knxsecure/transport/pkg/knxerrors"
	"github.com/knxsecure/transport/pkg/knxlog"
	"github.com/knxsecure/transport/pkg/knxnetip"
	"github.com/knxsecure/transport/pkg/secsession"
	"github.com/knxsecure/transport/pkg/subconn"
)

// TcpConnection owns one TCP socket to a KNXnet/IP secure server and
// multiplexes it between however many secure sessions and unsecured
// sub-connections the caller establishes over it (§4.5, §4.6).
//
// It implements secsession.Host, so a SecureSession never needs to know
// it is talking to a real socket rather than some other frame sink.
type TcpConnection struct {
	server string
	cfg    Config
	log    knxlog.Logger
	logger knxlog.Factory

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	sessionsMu sync.RWMutex
	sessions   map[uint16]*secsession.SecureSession

	// handshakeMu serializes EstablishSecureSession calls on this
	// connection: only one handshake may be in flight at a time, so an
	// unsolicited SessionResponse has exactly one pending session to
	// route to (§4.5 point 4).
	handshakeMu sync.Mutex

	pendingMu      sync.Mutex
	pendingSession *secsession.SecureSession

	subConns *subconn.Registry

	wg sync.WaitGroup
}

// New returns a TcpConnection that will dial server ("host:port") lazily
// on the first Connect or EstablishSecureSession call.
func New(server string, cfg Config, factory knxlog.Factory) *TcpConnection {
	return &TcpConnection{
		server:   server,
		cfg:      cfg.WithDefaults(),
		log:      knxlog.New(factory, "tcpconn"),
		logger:   factory,
		sessions: make(map[uint16]*secsession.SecureSession),
		subConns: subconn.NewRegistry(),
	}
}

// Connect dials the server if not already connected. It is idempotent
// and safe to call before every operation that needs the socket up.
func (c *TcpConnection) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, errors.New("tcpconn: connection closed"))
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.server)
	if err != nil {
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, err)
	}
	return c.attachConn(conn)
}

// attachConn adopts an already-established net.Conn and starts the
// receive loop over it. Production code reaches it only through Connect;
// tests call it directly with an in-memory pipe to skip dialing.
func (c *TcpConnection) attachConn(conn net.Conn) error {
	c.mu.Lock()
	if c.connected {
		c.mu.Unlock()
		conn.Close()
		return nil
	}
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.wg.Add(1)
	go c.receiveLoop(conn)
	return nil
}

// SubConnections returns the registry of unsecured sub-connections
// (tunneling and discovery exchanges that precede a secure session).
func (c *TcpConnection) SubConnections() *subconn.Registry {
	return c.subConns
}

// EstablishSecureSession dials if necessary, then drives a SecureSession
// handshake to completion under this connection's handshake lock. The
// lock means at most one SessionRequest is outstanding on the socket at
// a time, matching the single pending-response slot a server expects.
func (c *TcpConnection) EstablishSecureSession(ctx context.Context, cfg secsession.Config, userID uint8, userKey, deviceAuthKey [16]byte) (*secsession.SecureSession, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}

	c.handshakeMu.Lock()
	defer c.handshakeMu.Unlock()

	serial, err := localSerialNumber()
	if err != nil {
		return nil, err
	}

	sess, err := secsession.New(c, cfg, userID, userKey, deviceAuthKey, serial, c.logger)
	if err != nil {
		return nil, err
	}

	c.setPendingSession(sess)
	defer c.clearPendingSession(sess)

	if err := sess.EnsureOpen(ctx); err != nil {
		if errors.Is(err, knxerrors.ErrInterrupted) {
			_ = c.Close()
		}
		return nil, err
	}
	return sess, nil
}

func (c *TcpConnection) setPendingSession(s *secsession.SecureSession) {
	c.pendingMu.Lock()
	c.pendingSession = s
	c.pendingMu.Unlock()
}

func (c *TcpConnection) clearPendingSession(s *secsession.SecureSession) {
	c.pendingMu.Lock()
	if c.pendingSession == s {
		c.pendingSession = nil
	}
	c.pendingMu.Unlock()
}

func (c *TcpConnection) getPendingSession() *secsession.SecureSession {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return c.pendingSession
}

// WriteFrame implements secsession.Host.
func (c *TcpConnection) WriteFrame(frame []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, errors.New("tcpconn: not connected"))
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := conn.Write(frame); err != nil {
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, err)
	}
	return nil
}

// BindSession implements secsession.Host.
func (c *TcpConnection) BindSession(id uint16, s *secsession.SecureSession) {
	c.sessionsMu.Lock()
	c.sessions[id] = s
	c.sessionsMu.Unlock()
}

// UnbindSession implements secsession.Host.
func (c *TcpConnection) UnbindSession(id uint16) {
	c.sessionsMu.Lock()
	delete(c.sessions, id)
	c.sessionsMu.Unlock()
}

// Close tears down every bound session and sub-connection, then the
// socket, and waits for the receive loop to exit. It is idempotent; the
// connection is not reusable afterward.
func (c *TcpConnection) Close() error {
	if !c.teardown() {
		return nil
	}
	c.wg.Wait()
	return nil
}

// teardown does the actual close work and reports whether it ran (false
// means some other call already closed the connection). It does not
// join the receive loop's goroutine: the receive loop itself calls
// teardown on read error or EOF, from inside that same goroutine, and
// waiting there would deadlock forever on its own wg.Done.
func (c *TcpConnection) teardown() bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()

	c.sessionsMu.Lock()
	sessions := make([]*secsession.SecureSession, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[uint16]*secsession.SecureSession)
	c.sessionsMu.Unlock()
	for _, s := range sessions {
		_ = s.Close()
	}

	c.subConns.CloseAll()

	if conn != nil {
		conn.Close()
	}
	return true
}
