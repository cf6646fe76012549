// Package secsession implements the KNXnet/IP secure session state
// machine: the session-request / session-response / session-auth /
// session-status handshake, keep-alive scheduling, sequence-counter
// enforcement, and routing of decrypted frames to secured
// sub-connections (§4.4).
package secsession

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/knxsecure/transport/pkg/crypto"
	"github.com/knxsecure/transport/pkg/knxerrors"
	"github.com/knxsecure/transport/pkg/knxlog"
	"github.com/knxsecure/transport/pkg/knxnetip"
	"github.com/knxsecure/transport/pkg/subconn"
	"github.com/pion/logging"
)

// Host is the subset of TcpConnection behavior a SecureSession depends
// on: writing raw frames to the shared socket, and binding/unbinding
// itself in the connection's session-id registry so inbound secure
// frames are routed to it (§4.5 point 4). This interface, not a direct
// import of pkg/tcpconn, is what keeps a SecureSession usable without
// pulling in the connection multiplexer.
type Host interface {
	WriteFrame(frame []byte) error
	BindSession(sessionID uint16, session *SecureSession)
	UnbindSession(sessionID uint16)
}

type handshakeResult struct {
	body []byte
	err  error
}

// SecureSession drives one KNXnet/IP secure session's handshake and
// steady-state lifecycle on top of a shared TCP connection (§3, §4.4).
// A SecureSession is safe for concurrent use; EnsureOpen should not be
// called concurrently for the same session, mirroring the
// sessionRequestLock the source serializes handshakes under.
type SecureSession struct {
	host Host
	cfg  Config
	log  logging.LeveledLogger

	userID        uint8
	userKey       [crypto.SessionKeySize]byte
	deviceAuthKey [crypto.SessionKeySize]byte
	serial        [6]byte

	mu         sync.Mutex
	state      State
	sessionID  uint16
	sessionKey [crypto.SessionKeySize]byte
	sendSeq    uint64
	rcvSeq     uint64
	closed     bool

	subConns *subconn.Registry

	keyPair         *crypto.KeyPair
	handshakeCh     chan handshakeResult
	keepAliveCancel context.CancelFunc
}

// New creates a SecureSession in the Idle state. userID must lie in
// [1,127] (§3). A zero deviceAuthKey skips device-authentication
// verification during the handshake, with a logged warning (§4.4 step 2).
func New(host Host, cfg Config, userID uint8, userKey, deviceAuthKey [crypto.SessionKeySize]byte, serial [6]byte, factory knxlog.Factory) (*SecureSession, error) {
	if userID < 1 || userID > 127 {
		return nil, fmt.Errorf("secsession: user id %d out of range [1,127]", userID)
	}
	return &SecureSession{
		host:          host,
		cfg:           cfg.WithDefaults(),
		log:           knxlog.New(factory, "secsession"),
		userID:        userID,
		userKey:       userKey,
		deviceAuthKey: deviceAuthKey,
		serial:        serial,
		state:         Idle,
		subConns:      subconn.NewRegistry(),
		handshakeCh:   make(chan handshakeResult, 1),
	}, nil
}

// State returns the session's current lifecycle state.
func (s *SecureSession) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SessionID returns the server-assigned session id, valid once the
// handshake has progressed past SessionResponse.
func (s *SecureSession) SessionID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// EnsureOpen drives the session through its handshake if it has not
// already completed, blocking the caller up to two handshake halves
// (§4.4 step 4, §5 suspension points). Calling EnsureOpen on an already
// Authenticated session is a no-op.
func (s *SecureSession) EnsureOpen(ctx context.Context) error {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == Authenticated {
		return nil
	}
	if state != Idle {
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, fmt.Errorf("secsession: cannot open session in state %s", state))
	}

	keyPair, err := crypto.GenerateKeyPair()
	if err != nil {
		return err
	}
	s.keyPair = keyPair

	reqHeader := knxnetip.Header{
		ServiceType: knxnetip.SessionRequest,
		TotalLength: uint16(knxnetip.HeaderSize + knxnetip.HPAISize + crypto.PublicKeySize),
	}
	reqBody := append(knxnetip.Tcp().Encode(), keyPair.Public[:]...)
	reqFrame := append(reqHeader.Encode(), reqBody...)

	firstHalf, cancel := context.WithTimeout(ctx, s.cfg.HandshakeHalfDeadline)
	defer cancel()

	if err := s.host.WriteFrame(reqFrame); err != nil {
		s.resetToIdle()
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, err)
	}

	responseBody, err := s.awaitHandshake(firstHalf)
	if err != nil {
		s.resetToIdle()
		return err
	}
	if err := s.handleSessionResponseBody(responseBody); err != nil {
		s.resetToIdle()
		return err
	}

	s.mu.Lock()
	s.state = Unauthenticated
	s.mu.Unlock()

	secondHalf, cancel2 := context.WithTimeout(ctx, s.cfg.HandshakeHalfDeadline)
	defer cancel2()

	statusBody, err := s.awaitHandshake(secondHalf)
	if err != nil {
		s.resetToIdle()
		return err
	}
	return s.handleSessionStatusBody(statusBody)
}

func (s *SecureSession) awaitHandshake(ctx context.Context) ([]byte, error) {
	select {
	case res := <-s.handshakeCh:
		return res.body, res.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return nil, knxerrors.Wrap(knxerrors.ErrInterrupted, ctx.Err())
		}
		return nil, knxerrors.Wrap(knxerrors.ErrSessionTimeout, ctx.Err())
	}
}

func (s *SecureSession) resetToIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		s.state = Idle
	}
}

// HandleSessionResponse delivers an unwrapped SessionResponse body
// (everything past the 6-byte header) to a session waiting in the
// handshake's first half. The connection calls this for a session it
// has recorded as the one currently in the session-request stage
// (§4.5 point 4). The body is held in a one-slot buffer until the
// handshake reads it; a body arriving while that slot is full is dropped.
func (s *SecureSession) HandleSessionResponse(body []byte) {
	select {
	case s.handshakeCh <- handshakeResult{body: body}:
	default:
	}
}

func (s *SecureSession) handleSessionResponseBody(body []byte) error {
	const macInputLen = knxnetip.HeaderSize + 2 + crypto.PublicKeySize
	wantLen := 2 + crypto.PublicKeySize + crypto.MACSize
	if len(body) < wantLen {
		return knxerrors.Wrap(knxerrors.ErrFrameMalformed, fmt.Errorf("secsession: session response too short: %d bytes", len(body)))
	}

	sessionID := uint16(body[0])<<8 | uint16(body[1])
	if sessionID == 0 {
		return knxerrors.Wrap(knxerrors.ErrAuthenticationFailed, errors.New("secsession: server rejected session request (sessionId=0)"))
	}

	var serverPublic [crypto.PublicKeySize]byte
	copy(serverPublic[:], body[2:2+crypto.PublicKeySize])
	encDeviceMac := body[2+crypto.PublicKeySize : wantLen]

	sharedSecret, err := s.keyPair.SharedSecret(serverPublic)
	if err != nil {
		return err
	}
	sessionKey := crypto.DeriveSessionKey(sharedSecret)

	s.mu.Lock()
	s.sessionID = sessionID
	s.sessionKey = sessionKey
	s.mu.Unlock()
	s.host.BindSession(sessionID, s)

	xored := crypto.XORPublicKeys(serverPublic, s.keyPair.Public)

	var zeroDeviceAuthKey [crypto.SessionKeySize]byte
	if s.deviceAuthKey != zeroDeviceAuthKey {
		responseHeader := knxnetip.Header{
			ServiceType: knxnetip.SessionResponse,
			TotalLength: uint16(knxnetip.HeaderSize + wantLen),
		}
		expectedMac, err := knxnetip.HandshakeMAC(s.deviceAuthKey, macInputLen, responseHeader, sessionID, xored[:])
		if err != nil {
			return err
		}
		var zeroSeq, zeroSerial [6]byte
		info := crypto.SecurityInfo(zeroSeq, zeroSerial, crypto.MACCounterField, uint16(crypto.MACSize))
		decryptedMac, err := crypto.CTRCrypt(s.deviceAuthKey[:], info, encDeviceMac)
		if err != nil {
			return err
		}
		if subtle.ConstantTimeCompare(expectedMac[:], decryptedMac) != 1 {
			s.failAndClose(knxerrors.ErrAuthenticationFailed)
			return knxerrors.ErrAuthenticationFailed
		}
	} else {
		s.log.Warn("secsession: deviceAuthKey is zero, skipping device authentication")
	}

	return s.sendSessionAuth(sessionID, xored)
}

func (s *SecureSession) sendSessionAuth(sessionID uint16, xored [crypto.PublicKeySize]byte) error {
	const macInputLen = knxnetip.HeaderSize + 2 + crypto.PublicKeySize
	authHeader := knxnetip.Header{
		ServiceType: knxnetip.SessionAuth,
		TotalLength: uint16(knxnetip.HeaderSize + 2 + crypto.MACSize),
	}
	mac, err := knxnetip.HandshakeMAC(s.userKey, macInputLen, authHeader, uint16(s.userID), xored[:])
	if err != nil {
		return err
	}
	var zeroSeq, zeroSerial [6]byte
	encMac, err := knxnetip.EncryptHandshakeMAC(s.userKey, zeroSeq, zeroSerial, mac)
	if err != nil {
		return err
	}

	var userField [2]byte
	userField[1] = s.userID
	authBody := make([]byte, 0, len(userField)+len(encMac))
	authBody = append(authBody, userField[:]...)
	authBody = append(authBody, encMac...)
	authFrame := append(authHeader.Encode(), authBody...)

	key := s.sessionKeyCopy()
	seq := s.nextSendSeq()
	wrapped, err := knxnetip.Wrap(key, sessionID, seq, s.serial, 0, authFrame)
	if err != nil {
		return err
	}

	// Enter Unauthenticated before the frame is on the wire, so a
	// SessionStatus reply that arrives right away is routed to the
	// handshake waiter.
	s.mu.Lock()
	s.state = Unauthenticated
	s.mu.Unlock()
	return s.host.WriteFrame(wrapped)
}

func (s *SecureSession) handleSessionStatusBody(body []byte) error {
	if len(body) < 1 {
		return knxerrors.Wrap(knxerrors.ErrFrameMalformed, errors.New("secsession: empty session status body"))
	}
	code := knxnetip.SessionStatusCode(body[0])
	switch code {
	case knxnetip.StatusAuthSuccess:
		s.mu.Lock()
		s.state = Authenticated
		s.mu.Unlock()
		s.startKeepAlive()
		return nil
	case knxnetip.StatusAuthFailed, knxnetip.StatusUnauthorized:
		_ = s.Close()
		return knxerrors.ErrAuthenticationFailed
	default:
		s.resetToIdle()
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, fmt.Errorf("secsession: unexpected session status %d during handshake", code))
	}
}

// HandleSecureFrame processes one fully-received SecureWrapper frame
// whose session id is bound to this session: it unwraps, enforces the
// sequence-counter and session-id invariants (§4.4 steady state), and
// either feeds the handshake waiter or dispatches to a sub-connection.
func (s *SecureSession) HandleSecureFrame(frame []byte) {
	key := s.sessionKeyCopy()
	s.mu.Lock()
	state := s.state
	sessionID := s.sessionID
	rcvSeq := s.rcvSeq
	s.mu.Unlock()

	sw, err := knxnetip.Unwrap(key, frame)
	if err != nil {
		s.log.Warnf("secsession: failed to unwrap secure frame: %v", err)
		if errors.Is(err, knxerrors.ErrAuthenticationFailed) {
			s.failAndClose(err)
		}
		return
	}
	if sw.SessionID != sessionID {
		s.log.Warnf("secsession: session id mismatch: got %d want %d", sw.SessionID, sessionID)
		s.failAndClose(knxerrors.ErrSessionMismatch)
		return
	}
	if sw.Tag != 0 {
		s.log.Warnf("secsession: nonzero message tag %d, dropping frame", sw.Tag)
		return
	}

	seqVal := seqToUint64(sw.Seq)
	if seqVal < rcvSeq {
		s.log.Warnf("secsession: replay detected: seq %d < rcvSeq %d", seqVal, rcvSeq)
		s.failAndClose(knxerrors.ErrReplayDetected)
		return
	}
	s.mu.Lock()
	s.rcvSeq = seqVal + 1
	s.mu.Unlock()

	innerHeader, err := knxnetip.DecodeHeader(sw.Plaintext)
	if err != nil {
		s.log.Warnf("secsession: malformed inner frame: %v", err)
		return
	}

	switch {
	case state == Unauthenticated && innerHeader.ServiceType == knxnetip.SessionStatus:
		body := append([]byte(nil), sw.Plaintext[knxnetip.HeaderSize:]...)
		select {
		case s.handshakeCh <- handshakeResult{body: body}:
		default:
		}
	case innerHeader.ServiceType == knxnetip.SessionStatus:
		s.handleStatusSteadyState(sw.Plaintext[knxnetip.HeaderSize:])
	default:
		s.dispatchToSubConnection(innerHeader, sw.Plaintext)
	}
}

func (s *SecureSession) handleStatusSteadyState(body []byte) {
	if len(body) < 1 {
		return
	}
	switch knxnetip.SessionStatusCode(body[0]) {
	case knxnetip.StatusTimeout, knxnetip.StatusUnauthorized:
		s.log.Warnf("secsession: server closed session with status %d", body[0])
		_ = s.Close()
	case knxnetip.StatusClose:
		_ = s.Close()
	case knxnetip.StatusKeepAlive:
	}
}

func (s *SecureSession) dispatchToSubConnection(header knxnetip.Header, plaintext []byte) {
	if header.ServiceType.IsBroadcast() {
		for _, sub := range s.subConns.All() {
			if err := sub.Deliver(plaintext); err != nil {
				s.log.Warnf("secsession: sub-connection delivery failed: %v", err)
			}
		}
		return
	}

	body := plaintext[knxnetip.HeaderSize:]
	channelID, ok := knxnetip.ChannelID(header.ServiceType, body)
	if !ok {
		s.log.Warnf("secsession: service type %v carries no channel id, dropping", header.ServiceType)
		return
	}

	sub, found := s.subConns.Lookup(channelID)
	if !found {
		sub = s.subConns.BindNextPending(channelID)
	}
	if sub == nil {
		s.log.Warnf("secsession: no sub-connection for channel %d, dropping", channelID)
		return
	}
	if err := sub.Deliver(plaintext); err != nil {
		s.log.Warnf("secsession: sub-connection delivery failed: %v", err)
	}
}

// NewSubConnection enqueues a secured sub-connection in the Pending state,
// at the moment the caller sends a ConnectRequest over this session. The
// first inbound frame carrying a channel id not yet bound (normally the
// ConnectResponse; its status byte is not checked) binds it to that
// channel id (§4.6); until then it receives nothing.
func (s *SecureSession) NewSubConnection(listener subconn.Listener) *subconn.SubConnection {
	return s.subConns.NewPending(listener)
}

// Send wraps an already-encoded inner KNXnet/IP frame under this
// session's key and writes it to the shared connection (§4.3, §4.4
// steady state). The session must be Authenticated.
func (s *SecureSession) Send(plaintext []byte) error {
	s.mu.Lock()
	state := s.state
	sessionID := s.sessionID
	key := s.sessionKey
	s.mu.Unlock()
	if state != Authenticated {
		return knxerrors.Wrap(knxerrors.ErrTransportFailed, fmt.Errorf("secsession: cannot send in state %s", state))
	}
	seq := s.nextSendSeq()
	wrapped, err := knxnetip.Wrap(key, sessionID, seq, s.serial, 0, plaintext)
	if err != nil {
		return err
	}
	return s.host.WriteFrame(wrapped)
}

func (s *SecureSession) startKeepAlive() {
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.keepAliveCancel = cancel
	interval := s.cfg.KeepAliveInterval
	s.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.sendKeepAlive(); err != nil {
					s.log.Warnf("secsession: keep-alive failed: %v", err)
					_ = s.Close()
					return
				}
			}
		}
	}()
}

func (s *SecureSession) sendKeepAlive() error {
	header := knxnetip.Header{ServiceType: knxnetip.SessionStatus, TotalLength: knxnetip.HeaderSize + 1}
	body := append(header.Encode(), byte(knxnetip.StatusKeepAlive))
	return s.Send(body)
}

func (s *SecureSession) failAndClose(reason error) {
	s.log.Warnf("secsession: closing session %d: %v", s.SessionID(), reason)
	_ = s.Close()
}

func (s *SecureSession) sessionKeyCopy() [crypto.SessionKeySize]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionKey
}

func (s *SecureSession) nextSendSeq() [6]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.sendSeq
	s.sendSeq++
	return uint64ToSeq(v)
}

func seqToUint64(seq [6]byte) uint64 {
	var v uint64
	for _, b := range seq {
		v = v<<8 | uint64(b)
	}
	return v
}

func uint64ToSeq(v uint64) [6]byte {
	var b [6]byte
	for i := 5; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

// Close tears the session down: it best-effort-notifies the peer with a
// wrapped SessionStatus(Close=5) if authenticated, cancels the
// keep-alive goroutine, closes every secured sub-connection, and unbinds
// itself from the owning connection (§4.4 Close). Close is idempotent.
func (s *SecureSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	state := s.state
	sessionID := s.sessionID
	key := s.sessionKey
	cancel := s.keepAliveCancel
	s.state = Closed
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if state == Authenticated {
		seq := s.nextSendSeq()
		header := knxnetip.Header{ServiceType: knxnetip.SessionStatus, TotalLength: knxnetip.HeaderSize + 1}
		body := append(header.Encode(), byte(knxnetip.StatusClose))
		if wrapped, err := knxnetip.Wrap(key, sessionID, seq, s.serial, 0, body); err == nil {
			_ = s.host.WriteFrame(wrapped)
		}
	}

	s.subConns.CloseAll()
	s.host.UnbindSession(sessionID)
	return nil
}
