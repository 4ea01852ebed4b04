// Package transport defines the fragment-oriented link the handshake runs
// over and provides an in-memory implementation for tests and demos.
//
// A Transport moves opaque fragments no larger than MaxFragmentSize to a
// connected peer. Inbound traffic and link events are delivered through a
// Handler. Callbacks for one endpoint are never invoked concurrently, and
// never from inside Send, so a handler may call back into the transport.
package transport

// PeerID identifies a connected peer on a transport.
type PeerID string

// String returns the peer identifier.
func (p PeerID) String() string {
	return string(p)
}

// Transport sends fragments to connected peers.
type Transport interface {
	// Send queues one fragment for peer. The fragment must not exceed
	// MaxFragmentSize(peer). OnSendComplete fires once it has been handed
	// to the link.
	Send(peer PeerID, fragment []byte) error

	// MaxFragmentSize returns the largest fragment the link to peer
	// carries, or 0 if peer is not connected.
	MaxFragmentSize(peer PeerID) int

	// Close tears down the connection to peer. OnDisconnect fires for both
	// ends.
	Close(peer PeerID) error
}

// Handler receives link events.
type Handler interface {
	OnConnect(peer PeerID)
	OnFragment(peer PeerID, fragment []byte)
	OnSendComplete(peer PeerID)
	OnDisconnect(peer PeerID)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are ignored.
type HandlerFuncs struct {
	Connect      func(peer PeerID)
	Fragment     func(peer PeerID, fragment []byte)
	SendComplete func(peer PeerID)
	Disconnect   func(peer PeerID)
}

// OnConnect implements Handler.
func (h HandlerFuncs) OnConnect(peer PeerID) {
	if h.Connect != nil {
		h.Connect(peer)
	}
}

// OnFragment implements Handler.
func (h HandlerFuncs) OnFragment(peer PeerID, fragment []byte) {
	if h.Fragment != nil {
		h.Fragment(peer, fragment)
	}
}

// OnSendComplete implements Handler.
func (h HandlerFuncs) OnSendComplete(peer PeerID) {
	if h.SendComplete != nil {
		h.SendComplete(peer)
	}
}

// OnDisconnect implements Handler.
func (h HandlerFuncs) OnDisconnect(peer PeerID) {
	if h.Disconnect != nil {
		h.Disconnect(peer)
	}
}

var _ Handler = HandlerFuncs{}
