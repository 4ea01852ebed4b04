package securechannel

import (
	"fmt"

	"github.com/backkem/peerauth/pkg/crypto"
)

// ChallengeSize is the size of a challenge nonce.
const ChallengeSize = 32

// Challenge is a random nonce the verifier asks the prover to sign.
type Challenge [ChallengeSize]byte

// Authenticator issues challenges and checks proofs of possession of the
// long-term device key. It holds no state; a session keeps its own
// outstanding challenge and discards it after one verification.
type Authenticator struct {
	provider crypto.Provider
}

// NewAuthenticator creates an Authenticator. A nil provider selects the
// default provider.
func NewAuthenticator(provider crypto.Provider) *Authenticator {
	if provider == nil {
		provider = crypto.NewDefaultProvider()
	}
	return &Authenticator{provider: provider}
}

// IssueChallenge draws a fresh challenge from the provider's CSPRNG.
func (a *Authenticator) IssueChallenge() (Challenge, error) {
	var c Challenge
	b, err := a.provider.Random(ChallengeSize)
	if err != nil {
		return c, fmt.Errorf("issue challenge: %w", err)
	}
	copy(c[:], b)
	return c, nil
}

// SignChallenge signs SHA-256(challenge) with the device key.
func (a *Authenticator) SignChallenge(c Challenge, key *crypto.P256KeyPair) ([]byte, error) {
	sig, err := a.provider.Sign(key, a.provider.Hash(c[:]))
	if err != nil {
		return nil, fmt.Errorf("sign challenge: %w", err)
	}
	return sig, nil
}

// VerifyResponse checks that signature is a valid signature of
// SHA-256(challenge) under proverPublicKey. Any failure, including a
// malformed signature, is ErrChallengeResponseInvalid.
func (a *Authenticator) VerifyResponse(c Challenge, signature, proverPublicKey []byte) error {
	ok, err := a.provider.Verify(proverPublicKey, a.provider.Hash(c[:]), signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChallengeResponseInvalid, err)
	}
	if !ok {
		return ErrChallengeResponseInvalid
	}
	return nil
}
