package securechannel

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/logging"

	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/crypto"
	"github.com/backkem/peerauth/pkg/metrics"
	"github.com/backkem/peerauth/pkg/transport"
)

// Errors returned by the Manager.
var (
	ErrNoSession     = errors.New("securechannel: no session for peer")
	ErrManagerClosed = errors.New("securechannel: manager closed")
)

// Callbacks provides callback functions for Manager events. Callbacks run
// outside the manager lock and may call back into the Manager.
type Callbacks struct {
	// OnSessionEstablished is called when a session reaches Ready.
	OnSessionEstablished func(peer transport.PeerID, info SessionInfo)

	// OnSessionError is called when a handshake or session fails. stage is
	// the state the failure occurred in.
	OnSessionError func(peer transport.PeerID, err error, stage string)

	// OnAppData is called for each decrypted application payload.
	OnAppData func(peer transport.PeerID, payload []byte)

	// OnSessionClosed is called when the link to an established or
	// handshaking peer goes away without an error.
	OnSessionClosed func(peer transport.PeerID)
}

// SessionInfo describes an established session.
type SessionInfo struct {
	ConnectionID string
	Role         Role
	PeerSubject  string
	PeerChain    credentials.Chain
}

// ManagerConfig configures the Manager.
type ManagerConfig struct {
	// Role is used for every connection the manager accepts.
	Role Role

	// Store supplies own credentials. Required.
	Store credentials.Store

	// Transport carries fragments. Required.
	Transport transport.Transport

	// Provider supplies crypto primitives. Default: crypto.DefaultProvider.
	Provider crypto.Provider

	// MaxMessageSize bounds reassembly per session.
	MaxMessageSize int

	// FlowControl is passed to every Session.
	FlowControl bool

	// Now is the certificate validity clock. Default: time.Now.
	Now func() time.Time

	// Metrics records handshake outcomes. Nil disables metrics.
	Metrics *metrics.Metrics

	// Callbacks for Manager events.
	Callbacks Callbacks

	// LoggerFactory for manager and session loggers. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// connection tracks one peer.
type connection struct {
	id          string
	session     *Session
	startTime   time.Time
	established bool
}

// notification is a callback deferred until the lock is released.
type notification func(cb *Callbacks)

// Manager owns one Session per connected peer and feeds it transport
// events. It implements transport.Handler.
type Manager struct {
	config ManagerConfig
	log    logging.LeveledLogger

	mu      sync.Mutex
	conns   map[transport.PeerID]*connection
	pending []notification
	closed  bool
}

// NewManager creates a Manager.
func NewManager(config ManagerConfig) (*Manager, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("securechannel: manager config: %w", credentials.ErrNotProvisioned)
	}
	if config.Transport == nil {
		return nil, errors.New("securechannel: manager config: transport is required")
	}
	m := &Manager{
		config: config,
		conns:  make(map[transport.PeerID]*connection),
	}
	if config.LoggerFactory != nil {
		m.log = config.LoggerFactory.NewLogger("securechannel")
	}
	return m, nil
}

// OnConnect implements transport.Handler. It creates a session for peer and
// starts the handshake.
func (m *Manager) OnConnect(peer transport.PeerID) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	if old, ok := m.conns[peer]; ok {
		m.dropLocked(peer, old)
	}

	id := uuid.NewString()
	session, err := NewSession(Config{
		Role:           m.config.Role,
		Store:          m.config.Store,
		Transport:      m.config.Transport,
		Peer:           peer,
		Provider:       m.config.Provider,
		MaxMessageSize: m.config.MaxMessageSize,
		FlowControl:    m.config.FlowControl,
		Now:            m.config.Now,
		OnAppData:      m.appDataSink(peer),
		ConnectionID:   id,
		LoggerFactory:  m.config.LoggerFactory,
	})
	if err != nil {
		m.mu.Unlock()
		if m.log != nil {
			m.log.Warnf("cannot create session for %s: %v", peer, err)
		}
		m.notifyError(peer, err, StateIdle.String())
		_ = m.config.Transport.Close(peer)
		return
	}

	conn := &connection{id: id, session: session, startTime: time.Now()}
	m.conns[peer] = conn
	if m.log != nil {
		m.log.Infof("connection %s to %s opened as %s", id, peer, m.config.Role)
	}
	m.config.Metrics.HandshakeStarted(m.config.Role.String())
	m.handleLocked(peer, conn, EventStart{})
}

// OnFragment implements transport.Handler.
func (m *Manager) OnFragment(peer transport.PeerID, fragment []byte) {
	m.dispatch(peer, EventFragmentReceived{Data: fragment})
}

// OnSendComplete implements transport.Handler.
func (m *Manager) OnSendComplete(peer transport.PeerID) {
	m.dispatch(peer, EventSendComplete{})
}

// OnDisconnect implements transport.Handler.
func (m *Manager) OnDisconnect(peer transport.PeerID) {
	m.mu.Lock()
	conn, ok := m.conns[peer]
	if !ok {
		m.mu.Unlock()
		return
	}
	_ = conn.session.HandleEvent(EventConnectionClosed{})
	m.removeLocked(peer, conn)
	m.pending = append(m.pending, func(cb *Callbacks) {
		if cb.OnSessionClosed != nil {
			cb.OnSessionClosed(peer)
		}
	})
	m.flushLocked()
}

// SendAppData encrypts and sends payload to an established peer.
func (m *Manager) SendAppData(peer transport.PeerID, payload []byte) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	conn, ok := m.conns[peer]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	err := conn.session.SendAppData(payload)
	var he *HandshakeError
	switch {
	case err == nil:
		m.config.Metrics.AppDataSent(len(payload))
	case errors.As(err, &he):
		m.failLocked(peer, conn, err)
	}
	m.flushLocked()
	return err
}

// State returns the session state for peer.
func (m *Manager) State(peer transport.PeerID) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[peer]
	if !ok {
		return 0, false
	}
	return conn.session.State(), true
}

// SessionKey returns the session key for an established peer.
func (m *Manager) SessionKey(peer transport.PeerID) (SessionKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[peer]
	if !ok {
		return SessionKey{}, false
	}
	return conn.session.SessionKey()
}

// Peers returns the peers with a live session.
func (m *Manager) Peers() []transport.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]transport.PeerID, 0, len(m.conns))
	for p := range m.conns {
		peers = append(peers, p)
	}
	return peers
}

// CloseSession wipes the session for peer and closes the transport
// connection.
func (m *Manager) CloseSession(peer transport.PeerID) error {
	m.mu.Lock()
	conn, ok := m.conns[peer]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNoSession, peer)
	}
	m.dropLocked(peer, conn)
	m.mu.Unlock()
	return m.config.Transport.Close(peer)
}

// Close wipes every session. Transport connections are left to the owner
// of the transport.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for peer, conn := range m.conns {
		m.dropLocked(peer, conn)
	}
	m.closed = true
	m.pending = nil
}

func (m *Manager) dispatch(peer transport.PeerID, ev Event) {
	m.mu.Lock()
	conn, ok := m.conns[peer]
	if !ok {
		m.mu.Unlock()
		if m.log != nil {
			m.log.Tracef("dropping %s for %s: no session", ev.eventName(), peer)
		}
		return
	}
	m.handleLocked(peer, conn, ev)
}

// handleLocked feeds ev to the session and fires callbacks after releasing
// the lock. Must be called with m.mu held; returns with it released.
func (m *Manager) handleLocked(peer transport.PeerID, conn *connection, ev Event) {
	err := conn.session.HandleEvent(ev)
	if err != nil {
		m.failLocked(peer, conn, err)
	} else if !conn.established && conn.session.State() == StateReady {
		conn.established = true
		elapsed := time.Since(conn.startTime)
		m.config.Metrics.HandshakeCompleted(conn.session.Role().String(), elapsed)
		if m.log != nil {
			m.log.Infof("connection %s: session with %s established in %s", conn.id, peer, elapsed)
		}
		info := SessionInfo{
			ConnectionID: conn.id,
			Role:         conn.session.Role(),
			PeerChain:    conn.session.PeerChain(),
		}
		if leaf := info.PeerChain.Leaf(); leaf != nil {
			info.PeerSubject = leaf.Subject
		}
		m.pending = append(m.pending, func(cb *Callbacks) {
			if cb.OnSessionEstablished != nil {
				cb.OnSessionEstablished(peer, info)
			}
		})
	}
	m.flushLocked()
}

// failLocked records a session failure, removes the session and closes
// the transport connection.
func (m *Manager) failLocked(peer transport.PeerID, conn *connection, err error) {
	if errors.Is(err, ErrSessionTerminated) {
		return
	}
	stage := conn.session.State().String()
	kind := "Unknown"
	var he *HandshakeError
	if errors.As(err, &he) {
		stage = he.State.String()
		kind = he.Kind.String()
	}
	if m.log != nil {
		m.log.Warnf("connection %s: session error at %s: %v", conn.id, stage, err)
	}
	m.config.Metrics.HandshakeFailed(kind, stage)
	m.removeLocked(peer, conn)
	m.pending = append(m.pending, func(cb *Callbacks) {
		if cb.OnSessionError != nil {
			cb.OnSessionError(peer, err, stage)
		}
	})
	m.pending = append(m.pending, func(*Callbacks) {
		_ = m.config.Transport.Close(peer)
	})
}

func (m *Manager) dropLocked(peer transport.PeerID, conn *connection) {
	conn.session.Close()
	m.removeLocked(peer, conn)
}

func (m *Manager) removeLocked(peer transport.PeerID, conn *connection) {
	if conn.established {
		m.config.Metrics.SessionEnded()
	}
	if m.conns[peer] == conn {
		delete(m.conns, peer)
	}
}

// flushLocked releases m.mu and runs deferred notifications.
func (m *Manager) flushLocked() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()

	for _, n := range pending {
		n(&m.config.Callbacks)
	}
}

func (m *Manager) notifyError(peer transport.PeerID, err error, stage string) {
	if m.config.Callbacks.OnSessionError != nil {
		m.config.Callbacks.OnSessionError(peer, err, stage)
	}
}

// appDataSink queues decrypted payloads as notifications. The session
// calls it from HandleEvent, i.e. with m.mu held.
func (m *Manager) appDataSink(peer transport.PeerID) func([]byte) {
	return func(payload []byte) {
		m.config.Metrics.AppDataReceived(len(payload))
		m.pending = append(m.pending, func(cb *Callbacks) {
			if cb.OnAppData != nil {
				cb.OnAppData(peer, payload)
			}
		})
	}
}

var _ transport.Handler = (*Manager)(nil)
