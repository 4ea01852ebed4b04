package securechannel

import (
	"errors"
	"fmt"
)

// ErrorKind classifies handshake failures.
type ErrorKind int

const (
	// KindTransport covers fragmentation and link failures.
	KindTransport ErrorKind = iota
	// KindChain covers certificate parsing and chain verification failures.
	KindChain
	// KindAuth covers failed proofs of key possession.
	KindAuth
	// KindCrypto covers primitive failures and invalid key material.
	KindCrypto
	// KindProtocol covers messages that are malformed or out of order.
	KindProtocol
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "Transport"
	case KindChain:
		return "Chain"
	case KindAuth:
		return "Auth"
	case KindCrypto:
		return "Crypto"
	case KindProtocol:
		return "Protocol"
	default:
		return "Unknown"
	}
}

// Protocol errors.
var (
	ErrUnexpectedMessage  = errors.New("securechannel: unexpected message for current state")
	ErrUnknownMessageType = errors.New("securechannel: unknown message type")
	ErrMalformedMessage   = errors.New("securechannel: malformed message")
	ErrNotReady           = errors.New("securechannel: session not established")
	ErrAlreadyStarted     = errors.New("securechannel: handshake already started")
	ErrNoChallenge        = errors.New("securechannel: no outstanding challenge")
	ErrUnknownEvent       = errors.New("securechannel: unknown event")

	// ErrSessionTerminated is returned for any event after Closed or Failed.
	ErrSessionTerminated = errors.New("securechannel: session terminated")
)

// Authentication and crypto errors.
var (
	ErrChallengeResponseInvalid = errors.New("securechannel: challenge response verification failed")
	ErrEphemeralKeyInvalid      = errors.New("securechannel: ephemeral key signature verification failed")
	ErrInvalidPeerKey           = errors.New("securechannel: invalid peer public key")
	ErrReplay                   = errors.New("securechannel: replayed or reordered message counter")
	ErrDecryptFailed            = errors.New("securechannel: application data decryption failed")
)

// Chain verification errors.
var (
	ErrChainLinkage      = errors.New("securechannel: issuer does not match next subject")
	ErrIssuerNotCA       = errors.New("securechannel: issuing certificate is not a CA")
	ErrSignatureMismatch = errors.New("securechannel: certificate signature verification failed")
	ErrInvalidRootKey    = errors.New("securechannel: invalid pinned root public key")
)

// HandshakeError is the error a Session reports when it fails. State is the
// state the session was in when the failure occurred.
type HandshakeError struct {
	Kind  ErrorKind
	State State
	Err   error
}

// Error implements error.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("securechannel: %s error in %s: %v", e.Kind, e.State, e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// ChainError reports a chain verification failure. Depth is the index of
// the failing certificate in the leaf-first chain, or -1 when the chain
// container itself could not be parsed.
type ChainError struct {
	Depth int
	Err   error
}

// Error implements error.
func (e *ChainError) Error() string {
	return fmt.Sprintf("securechannel: chain verification failed at depth %d: %v", e.Depth, e.Err)
}

// Unwrap returns the underlying error.
func (e *ChainError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a handshake or chain error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Kind == kind
	}
	var ce *ChainError
	if errors.As(err, &ce) {
		return kind == KindChain
	}
	return false
}

// KindOf returns the kind of a handshake or chain error.
func KindOf(err error) (ErrorKind, bool) {
	var he *HandshakeError
	if errors.As(err, &he) {
		return he.Kind, true
	}
	var ce *ChainError
	if errors.As(err, &ce) {
		return KindChain, true
	}
	return 0, false
}
