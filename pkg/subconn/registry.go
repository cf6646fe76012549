package subconn

import "sync"

// Registry holds one container's sub-connections: a channel-id map for
// bound connections, and a FIFO of connect requests awaiting their first
// ConnectResponse (§4.6). A TcpConnection owns one Registry for its
// unsecured sub-connections; a SecureSession owns one for its secured
// sub-connections.
type Registry struct {
	mu        sync.RWMutex
	byChannel map[uint8]*SubConnection
	pending   []*SubConnection
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{byChannel: make(map[uint8]*SubConnection)}
}

// NewPending creates a sub-connection in the Pending state and enqueues
// it at the tail of the connect-request FIFO, at the moment the caller
// sends a ConnectRequest (§4.6).
func (r *Registry) NewPending(listener Listener) *SubConnection {
	sub := &SubConnection{state: Pending, listener: listener, registry: r}
	r.mu.Lock()
	r.pending = append(r.pending, sub)
	r.mu.Unlock()
	return sub
}

// BindNextPending pops the head of the connect-request FIFO, binds it to
// channelID, and inserts it into the channel map. It returns nil if the
// FIFO is empty, meaning the response arrived unsolicited.
func (r *Registry) BindNextPending(channelID uint8) *SubConnection {
	r.mu.Lock()
	if len(r.pending) == 0 {
		r.mu.Unlock()
		return nil
	}
	sub := r.pending[0]
	r.pending = r.pending[1:]
	r.byChannel[channelID] = sub
	r.mu.Unlock()

	sub.bind(channelID)
	return sub
}

// Lookup returns the sub-connection bound to channelID, if any.
func (r *Registry) Lookup(channelID uint8) (*SubConnection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.byChannel[channelID]
	return sub, ok
}

// Remove deletes channelID from the bound map without closing the
// sub-connection; SubConnection.Close calls this on itself.
func (r *Registry) Remove(channelID uint8) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byChannel, channelID)
}

// All returns every currently bound sub-connection, used for broadcast
// dispatch of SearchResponse/DescriptionResponse (§4.5 point 5).
func (r *Registry) All() []*SubConnection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*SubConnection, 0, len(r.byChannel))
	for _, sub := range r.byChannel {
		out = append(out, sub)
	}
	return out
}

// CloseAll closes every bound and pending sub-connection, used when the
// owning connection or session shuts down.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	subs := make([]*SubConnection, 0, len(r.byChannel)+len(r.pending))
	for _, sub := range r.byChannel {
		subs = append(subs, sub)
	}
	subs = append(subs, r.pending...)
	r.byChannel = make(map[uint8]*SubConnection)
	r.pending = nil
	r.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Close()
	}
}
