// Package securechannel implements mutual certificate authentication and
// session establishment between two peers over a fragment-limited link.
//
// The handshake runs in four phases, each led by the responder:
//
//	Responder                               Initiator
//	   |------------ CertChain(R) ------------->|
//	   |<----------- CertChain(I) --------------|
//	   |------------ Challenge(R) ------------->|
//	   |<-- ChallengeResponse(I), Challenge(I) -|
//	   |--- ChallengeResponse(R) -------------->|
//	   |--- EphemeralKey(R) ------------------->|
//	   |<----------- EphemeralKey(I) -----------|
//
// Both sides then derive the same SessionKey and may exchange AppData.
//
// Each logical message is a one-byte type followed by its body, split into
// fragments by pkg/fragment.
package securechannel

import (
	"fmt"

	"github.com/backkem/peerauth/pkg/crypto"
)

// MessageType identifies a handshake or application message.
type MessageType uint8

// Message types.
const (
	MessageTypeCertChain         MessageType = 0x01
	MessageTypeChallenge         MessageType = 0x02
	MessageTypeChallengeResponse MessageType = 0x03
	MessageTypeEphemeralKey      MessageType = 0x04
	MessageTypeAppData           MessageType = 0x05
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case MessageTypeCertChain:
		return "CertChain"
	case MessageTypeChallenge:
		return "Challenge"
	case MessageTypeChallengeResponse:
		return "ChallengeResponse"
	case MessageTypeEphemeralKey:
		return "EphemeralKey"
	case MessageTypeAppData:
		return "AppData"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(t))
	}
}

// Message is a decoded logical message.
type Message struct {
	Type MessageType
	Body []byte
}

// Encode returns type || body.
func (m *Message) Encode() []byte {
	out := make([]byte, 1+len(m.Body))
	out[0] = byte(m.Type)
	copy(out[1:], m.Body)
	return out
}

// DecodeMessage splits a reassembled message into type and body and checks
// the body size for fixed-size types.
func DecodeMessage(data []byte) (*Message, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty message", ErrMalformedMessage)
	}
	m := &Message{Type: MessageType(data[0]), Body: data[1:]}

	switch m.Type {
	case MessageTypeCertChain, MessageTypeEphemeralKey:
		if len(m.Body) == 0 {
			return nil, fmt.Errorf("%w: empty %s body", ErrMalformedMessage, m.Type)
		}
	case MessageTypeChallenge:
		if len(m.Body) != ChallengeSize {
			return nil, fmt.Errorf("%w: challenge is %d bytes", ErrMalformedMessage, len(m.Body))
		}
	case MessageTypeChallengeResponse:
		if len(m.Body) != crypto.P256SignatureSizeBytes {
			return nil, fmt.Errorf("%w: challenge response is %d bytes", ErrMalformedMessage, len(m.Body))
		}
	case MessageTypeAppData:
		if len(m.Body) < appDataOverhead {
			return nil, fmt.Errorf("%w: application data is %d bytes", ErrMalformedMessage, len(m.Body))
		}
	default:
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, data[0])
	}
	return m, nil
}
