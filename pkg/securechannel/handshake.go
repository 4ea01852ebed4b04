package securechannel

import (
	"time"

	"github.com/pion/logging"

	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/crypto"
	"github.com/backkem/peerauth/pkg/fragment"
	"github.com/backkem/peerauth/pkg/transport"
)

// Role is the handshake participant role.
type Role int

const (
	// RoleInitiator is the peer that mirrors the responder.
	RoleInitiator Role = iota
	// RoleResponder is the peer that leads every phase.
	RoleResponder
)

// String returns the role name.
func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "Initiator"
	case RoleResponder:
		return "Responder"
	default:
		return "Unknown"
	}
}

// State is the handshake state.
type State int

const (
	// StateIdle is the state before EventStart.
	StateIdle State = iota
	// StateSendingOwnChain means the own chain is being transmitted.
	StateSendingOwnChain
	// StateAwaitingPeerChain waits for the peer's certificate chain.
	StateAwaitingPeerChain
	// StateVerifyingChain is entered while the peer chain is checked.
	StateVerifyingChain
	// StateAwaitingChallenge waits for the peer's challenge.
	StateAwaitingChallenge
	// StateAwaitingChallengeResponse waits for the answer to our challenge.
	StateAwaitingChallengeResponse
	// StateSendingOwnEphemeralKey means the signed ephemeral key is being transmitted.
	StateSendingOwnEphemeralKey
	// StateAwaitingPeerEphemeralKey waits for the peer's signed ephemeral key.
	StateAwaitingPeerEphemeralKey
	// StateDerivingSession is entered while the session key is derived.
	StateDerivingSession
	// StateReady means the session key is established.
	StateReady
	// StateClosed means the connection went away.
	StateClosed
	// StateFailed means the handshake or session hit a fatal error.
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSendingOwnChain:
		return "SendingOwnChain"
	case StateAwaitingPeerChain:
		return "AwaitingPeerChain"
	case StateVerifyingChain:
		return "VerifyingChain"
	case StateAwaitingChallenge:
		return "AwaitingChallenge"
	case StateAwaitingChallengeResponse:
		return "AwaitingChallengeResponse"
	case StateSendingOwnEphemeralKey:
		return "SendingOwnEphemeralKey"
	case StateAwaitingPeerEphemeralKey:
		return "AwaitingPeerEphemeralKey"
	case StateDerivingSession:
		return "DerivingSession"
	case StateReady:
		return "Ready"
	case StateClosed:
		return "Closed"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// IsTerminal reports whether no further events are accepted.
func (s State) IsTerminal() bool {
	return s == StateClosed || s == StateFailed
}

// isSending reports whether s is a state that lasts until the outbox drains.
func (s State) isSending() bool {
	return s == StateSendingOwnChain || s == StateSendingOwnEphemeralKey
}

// Event is an input to Session.HandleEvent.
type Event interface {
	eventName() string
}

// EventStart begins the handshake.
type EventStart struct{}

// EventFragmentReceived carries one inbound fragment.
type EventFragmentReceived struct {
	Data []byte
}

// EventSendComplete reports that the transport finished sending a fragment.
type EventSendComplete struct{}

// EventConnectionClosed reports that the link went away.
type EventConnectionClosed struct{}

func (EventStart) eventName() string            { return "Start" }
func (EventFragmentReceived) eventName() string { return "FragmentReceived" }
func (EventSendComplete) eventName() string     { return "SendComplete" }
func (EventConnectionClosed) eventName() string { return "ConnectionClosed" }

// Config configures a Session.
type Config struct {
	// Role selects initiator or responder behavior.
	Role Role

	// Store supplies the own chain, device key and pinned root. Required.
	Store credentials.Store

	// Transport and Peer identify the link the session sends on. Required.
	Transport transport.Transport
	Peer      transport.PeerID

	// Provider supplies the crypto primitives. Default: crypto.DefaultProvider.
	Provider crypto.Provider

	// MaxMessageSize bounds reassembly. Default: fragment.DefaultMaxMessageSize.
	MaxMessageSize int

	// FlowControl keeps one fragment in flight and waits for
	// EventSendComplete before sending the next.
	FlowControl bool

	// Now is the clock used for certificate validity. Default: time.Now.
	Now func() time.Time

	// OnAppData receives decrypted application payloads.
	OnAppData func(payload []byte)

	// ConnectionID tags log lines.
	ConnectionID string

	// LoggerFactory creates the "securechannel" logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// DefaultConfig returns a configuration with defaults filled in for the
// given role. Store, Transport and Peer must still be set.
func DefaultConfig(role Role) Config {
	return Config{
		Role:           role,
		MaxMessageSize: fragment.DefaultMaxMessageSize,
		Now:            time.Now,
	}
}
