package securechannel

import (
	"errors"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/crypto"
	"github.com/backkem/peerauth/pkg/fragment"
	"github.com/backkem/peerauth/pkg/transport"
)

// Session runs the handshake for one connection and, once Ready, protects
// application data.
//
// All input arrives through HandleEvent. A Session is not safe for
// concurrent use; callers deliver one event at a time (Manager does this).
//
// Responder:
//  1. EventStart: send CertChain, await the initiator's chain
//  2. verify it, send Challenge
//  3. verify ChallengeResponse, await the initiator's Challenge
//  4. answer it, send EphemeralKey, await the initiator's EphemeralKey
//  5. derive the session key
//
// Initiator:
//  1. EventStart: await the responder's chain
//  2. verify it, send CertChain, await Challenge
//  3. answer it, send own Challenge
//  4. verify ChallengeResponse, await EphemeralKey
//  5. verify it, derive the session key, send own EphemeralKey
//
// The initiator derives before its EphemeralKey has drained so that AppData
// from a responder that is already Ready is accepted.
type Session struct {
	role   Role
	state  State
	config Config
	log    logging.LeveledLogger

	verifier *ChainVerifier
	auth     *Authenticator
	ka       *KeyAgreement
	provider crypto.Provider

	reassembler *fragment.Reassembler

	// outbox holds fragments not yet handed to the transport. afterSend is
	// the state a Sending* state moves to once the outbox drains.
	outbox    [][]byte
	inFlight  bool
	afterSend State

	// Own credentials.
	deviceKey *crypto.P256KeyPair
	ownChain  []byte
	rootKey   []byte

	// Peer identity after chain verification.
	peerLeafKey []byte
	peerChain   credentials.Chain

	// Outstanding challenge we issued.
	challenge    Challenge
	hasChallenge bool

	// Key agreement.
	ephemeral     *crypto.P256KeyPair
	peerEphemeral []byte
	sessionKey    SessionKey
	hasSessionKey bool
	appData       *appDataChannel

	err error
}

// NewSession creates a session in StateIdle. Credentials are read from the
// store once, here.
func NewSession(config Config) (*Session, error) {
	if config.Store == nil {
		return nil, fmt.Errorf("securechannel: config: %w", credentials.ErrNotProvisioned)
	}
	if config.Transport == nil {
		return nil, errors.New("securechannel: config: transport is required")
	}

	chain, err := config.Store.OwnChain()
	if err != nil {
		return nil, fmt.Errorf("load own chain: %w", err)
	}
	ownChain, err := chain.Encode()
	if err != nil {
		return nil, fmt.Errorf("encode own chain: %w", err)
	}
	deviceKey, err := config.Store.DeviceKey()
	if err != nil {
		return nil, fmt.Errorf("load device key: %w", err)
	}
	rootKey, err := config.Store.RootPublicKey()
	if err != nil {
		return nil, fmt.Errorf("load root key: %w", err)
	}

	provider := config.Provider
	if provider == nil {
		provider = crypto.NewDefaultProvider()
	}

	s := &Session{
		role:        config.Role,
		state:       StateIdle,
		config:      config,
		provider:    provider,
		verifier:    NewChainVerifier(provider, config.Now),
		auth:        NewAuthenticator(provider),
		ka:          NewKeyAgreement(provider),
		reassembler: fragment.NewReassembler(config.MaxMessageSize),
		deviceKey:   deviceKey,
		ownChain:    ownChain,
		rootKey:     rootKey,
	}
	if config.LoggerFactory != nil {
		s.log = config.LoggerFactory.NewLogger("securechannel")
	}
	return s, nil
}

// Role returns the session role.
func (s *Session) Role() Role {
	return s.role
}

// State returns the current state.
func (s *Session) State() State {
	return s.state
}

// Peer returns the transport peer.
func (s *Session) Peer() transport.PeerID {
	return s.config.Peer
}

// Err returns the error that moved the session to StateFailed.
func (s *Session) Err() error {
	return s.err
}

// PeerChain returns the verified peer chain, or nil before verification.
func (s *Session) PeerChain() credentials.Chain {
	return s.peerChain
}

// SessionKey returns a copy of the session key once Ready.
func (s *Session) SessionKey() (SessionKey, bool) {
	if s.state != StateReady || !s.hasSessionKey {
		return SessionKey{}, false
	}
	return s.sessionKey, true
}

// HandleEvent advances the state machine. A returned *HandshakeError means
// the session is now Failed. After Closed or Failed every event returns
// ErrSessionTerminated.
func (s *Session) HandleEvent(ev Event) error {
	if s.state.IsTerminal() {
		return ErrSessionTerminated
	}

	switch e := ev.(type) {
	case EventStart:
		return s.handleStart()
	case EventFragmentReceived:
		return s.handleFragment(e.Data)
	case EventSendComplete:
		return s.handleSendComplete()
	case EventConnectionClosed:
		s.close()
		return nil
	default:
		return s.fail(KindProtocol, ErrUnknownEvent)
	}
}

// SendAppData encrypts and sends payload. Only valid in StateReady.
func (s *Session) SendAppData(payload []byte) error {
	if s.state.IsTerminal() {
		return ErrSessionTerminated
	}
	if s.state != StateReady {
		return ErrNotReady
	}
	body, err := s.appData.seal(payload)
	if err != nil {
		return s.fail(KindCrypto, err)
	}
	return s.send(&Message{Type: MessageTypeAppData, Body: body})
}

// Close wipes secrets and moves to StateClosed. It does not touch the
// transport.
func (s *Session) Close() {
	if !s.state.IsTerminal() {
		s.close()
	}
}

func (s *Session) handleStart() error {
	if s.state != StateIdle {
		return s.fail(KindProtocol, ErrAlreadyStarted)
	}
	if s.log != nil {
		s.log.Debugf("[%s] %s starting handshake with %s", s.config.ConnectionID, s.role, s.config.Peer)
	}
	if s.role == RoleInitiator {
		s.setState(StateAwaitingPeerChain)
		return nil
	}
	return s.sendOwnChain(StateAwaitingPeerChain)
}

func (s *Session) handleFragment(data []byte) error {
	if s.log != nil {
		s.log.Tracef("[%s] fragment from %s: %d bytes", s.config.ConnectionID, s.config.Peer, len(data))
	}
	raw, err := s.reassembler.Push(data)
	if err != nil {
		return s.fail(KindTransport, err)
	}
	if raw == nil {
		return nil
	}
	msg, err := DecodeMessage(raw)
	if err != nil {
		return s.fail(KindProtocol, err)
	}
	if s.log != nil {
		s.log.Debugf("[%s] received %s (%d bytes) in %s", s.config.ConnectionID, msg.Type, len(msg.Body), s.state)
	}
	return s.handleMessage(msg)
}

// expecting returns the state inbound messages are validated against.
// While a Sending* state drains, that is the state that follows it.
func (s *Session) expecting() State {
	if s.state.isSending() {
		return s.afterSend
	}
	return s.state
}

func (s *Session) handleMessage(msg *Message) error {
	switch {
	case msg.Type == MessageTypeCertChain && s.expecting() == StateAwaitingPeerChain:
		return s.handlePeerChain(msg.Body)
	case msg.Type == MessageTypeChallenge && s.expecting() == StateAwaitingChallenge:
		return s.handleChallenge(msg.Body)
	case msg.Type == MessageTypeChallengeResponse && s.expecting() == StateAwaitingChallengeResponse:
		return s.handleChallengeResponse(msg.Body)
	case msg.Type == MessageTypeEphemeralKey && s.expecting() == StateAwaitingPeerEphemeralKey:
		return s.handlePeerEphemeralKey(msg.Body)
	case msg.Type == MessageTypeAppData && s.expecting() == StateReady && s.appData != nil:
		return s.handleAppData(msg.Body)
	default:
		return s.fail(KindProtocol, fmt.Errorf("%w: %s in %s", ErrUnexpectedMessage, msg.Type, s.state))
	}
}

func (s *Session) handlePeerChain(body []byte) error {
	s.setState(StateVerifyingChain)
	leafKey, chain, err := s.verifier.VerifyEncoded(body, s.rootKey)
	if err != nil {
		return s.fail(KindChain, err)
	}
	s.peerLeafKey = leafKey
	s.peerChain = chain
	if s.log != nil {
		s.log.Debugf("[%s] verified peer chain, leaf %s", s.config.ConnectionID, chain.Leaf())
	}

	if s.role == RoleInitiator {
		return s.sendOwnChain(StateAwaitingChallenge)
	}
	if err := s.sendChallenge(); err != nil {
		return err
	}
	s.setState(StateAwaitingChallengeResponse)
	return nil
}

func (s *Session) handleChallenge(body []byte) error {
	var c Challenge
	copy(c[:], body)
	sig, err := s.auth.SignChallenge(c, s.deviceKey)
	if err != nil {
		return s.fail(KindCrypto, err)
	}
	if err := s.send(&Message{Type: MessageTypeChallengeResponse, Body: sig}); err != nil {
		return err
	}

	if s.role == RoleInitiator {
		if err := s.sendChallenge(); err != nil {
			return err
		}
		s.setState(StateAwaitingChallengeResponse)
		return nil
	}
	return s.sendOwnEphemeralKey(StateAwaitingPeerEphemeralKey)
}

func (s *Session) handleChallengeResponse(body []byte) error {
	if !s.hasChallenge {
		return s.fail(KindProtocol, ErrNoChallenge)
	}
	err := s.auth.VerifyResponse(s.challenge, body, s.peerLeafKey)
	s.clearChallenge()
	if err != nil {
		return s.fail(KindAuth, err)
	}
	if s.log != nil {
		s.log.Debugf("[%s] peer proved possession of its device key", s.config.ConnectionID)
	}

	if s.role == RoleInitiator {
		s.setState(StateAwaitingPeerEphemeralKey)
	} else {
		s.setState(StateAwaitingChallenge)
	}
	return nil
}

func (s *Session) handlePeerEphemeralKey(body []byte) error {
	signed, err := DecodeSignedKey(body)
	if err != nil {
		return s.fail(KindProtocol, err)
	}
	peerPub, err := s.ka.VerifyPeerKey(*signed, s.peerLeafKey)
	if err != nil {
		return s.fail(KindAuth, err)
	}
	s.peerEphemeral = peerPub

	if s.role == RoleInitiator {
		return s.sendOwnEphemeralKey(StateReady)
	}
	return s.enter(StateDerivingSession)
}

func (s *Session) handleAppData(body []byte) error {
	payload, err := s.appData.open(body)
	if err != nil {
		return s.fail(KindCrypto, err)
	}
	if s.config.OnAppData != nil {
		s.config.OnAppData(payload)
	}
	return nil
}

func (s *Session) handleSendComplete() error {
	if !s.config.FlowControl {
		return nil
	}
	s.inFlight = false
	return s.pump()
}

func (s *Session) sendOwnChain(next State) error {
	s.setState(StateSendingOwnChain)
	s.afterSend = next
	if err := s.send(&Message{Type: MessageTypeCertChain, Body: s.ownChain}); err != nil {
		return err
	}
	return s.advance()
}

func (s *Session) sendChallenge() error {
	c, err := s.auth.IssueChallenge()
	if err != nil {
		return s.fail(KindCrypto, err)
	}
	s.challenge = c
	s.hasChallenge = true
	return s.send(&Message{Type: MessageTypeChallenge, Body: c[:]})
}

// sendOwnEphemeralKey generates and sends the own ephemeral key. When the
// peer's key is already known the session key is derived first.
func (s *Session) sendOwnEphemeralKey(next State) error {
	eph, signed, err := s.ka.GenerateEphemeral(s.deviceKey)
	if err != nil {
		return s.fail(KindCrypto, err)
	}
	s.ephemeral = eph
	body, err := signed.Encode()
	if err != nil {
		return s.fail(KindProtocol, err)
	}
	if s.peerEphemeral != nil {
		s.setState(StateDerivingSession)
		if err := s.deriveSession(); err != nil {
			return err
		}
	}

	s.setState(StateSendingOwnEphemeralKey)
	s.afterSend = next
	if err := s.send(&Message{Type: MessageTypeEphemeralKey, Body: body}); err != nil {
		return err
	}
	return s.advance()
}

// send fragments msg onto the outbox and pumps it.
func (s *Session) send(msg *Message) error {
	maxFrag := s.config.Transport.MaxFragmentSize(s.config.Peer)
	frags, err := fragment.Split(msg.Encode(), maxFrag)
	if err != nil {
		return s.fail(KindTransport, fmt.Errorf("%w: peer %s", err, s.config.Peer))
	}
	if s.log != nil {
		s.log.Debugf("[%s] sending %s (%d bytes, %d fragments)", s.config.ConnectionID, msg.Type, len(msg.Body), len(frags))
	}
	s.outbox = append(s.outbox, frags...)
	return s.pump()
}

// pump hands queued fragments to the transport: all of them without flow
// control, one at a time with it.
func (s *Session) pump() error {
	for len(s.outbox) > 0 && !s.inFlight {
		frag := s.outbox[0]
		s.outbox[0] = nil
		s.outbox = s.outbox[1:]
		if err := s.config.Transport.Send(s.config.Peer, frag); err != nil {
			return s.fail(KindTransport, err)
		}
		if s.config.FlowControl {
			s.inFlight = true
		}
	}
	return s.advance()
}

// advance leaves a Sending* state once everything has been sent.
func (s *Session) advance() error {
	if !s.state.isSending() || len(s.outbox) > 0 || s.inFlight {
		return nil
	}
	return s.enter(s.afterSend)
}

// enter moves to next. StateDerivingSession runs the derivation and ends in
// StateReady.
func (s *Session) enter(next State) error {
	switch next {
	case StateDerivingSession:
		s.setState(StateDerivingSession)
		if err := s.deriveSession(); err != nil {
			return err
		}
		return s.enter(StateReady)
	case StateReady:
		s.setState(StateReady)
		if s.log != nil {
			s.log.Infof("[%s] session established with %s as %s", s.config.ConnectionID, s.config.Peer, s.role)
		}
		return nil
	default:
		s.setState(next)
		return nil
	}
}

// deriveSession turns both ephemeral keys into the session key and opens the
// AppData channel. The own ephemeral private key is dropped afterwards.
func (s *Session) deriveSession() error {
	key, err := s.ka.DeriveSessionKey(s.ephemeral, s.peerEphemeral)
	if err != nil {
		return s.fail(KindCrypto, err)
	}
	s.ephemeral.Zeroize()
	s.ephemeral = nil

	ch, err := newAppDataChannel(s.provider, key, s.role)
	if err != nil {
		key.Zeroize()
		return s.fail(KindCrypto, err)
	}
	s.sessionKey = key
	s.hasSessionKey = true
	s.appData = ch
	return nil
}

func (s *Session) setState(next State) {
	if s.log != nil && next != s.state {
		s.log.Tracef("[%s] %s -> %s", s.config.ConnectionID, s.state, next)
	}
	s.state = next
}

func (s *Session) clearChallenge() {
	crypto.Zeroize(s.challenge[:])
	s.hasChallenge = false
}

// fail wipes secrets, moves to StateFailed and returns the classified error.
func (s *Session) fail(kind ErrorKind, err error) error {
	var he *HandshakeError
	if errors.As(err, &he) {
		kind = he.Kind
		err = he.Err
	}
	herr := &HandshakeError{Kind: kind, State: s.state, Err: err}
	if s.log != nil {
		s.log.Warnf("[%s] handshake with %s failed: %v", s.config.ConnectionID, s.config.Peer, herr)
	}
	s.wipe()
	s.err = herr
	s.state = StateFailed
	return herr
}

func (s *Session) close() {
	if s.log != nil {
		s.log.Debugf("[%s] connection to %s closed in %s", s.config.ConnectionID, s.config.Peer, s.state)
	}
	s.wipe()
	s.state = StateClosed
}

// wipe clears every secret and buffer the session holds. The device key
// belongs to the store and is left alone. For the ephemeral key pair only the
// copies this package owns are zeroed; see crypto.P256KeyPair.Zeroize.
func (s *Session) wipe() {
	if s.ephemeral != nil {
		s.ephemeral.Zeroize()
		s.ephemeral = nil
	}
	s.sessionKey.Zeroize()
	s.hasSessionKey = false
	if s.appData != nil {
		s.appData.zeroize()
		s.appData = nil
	}
	s.clearChallenge()
	s.reassembler.Reset()
	s.outbox = nil
	s.inFlight = false
	s.peerEphemeral = nil
}
