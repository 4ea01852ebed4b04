package securechannel

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/backkem/peerauth/pkg/crypto"
)

// SessionKeySize is the size of the derived session key.
const SessionKeySize = 32

// sessionKeyInfo is the HKDF info string for the session key.
var sessionKeyInfo = []byte("peerauth session")

// SessionKey is the symmetric key both peers derive at the end of the
// handshake.
type SessionKey [SessionKeySize]byte

// Zeroize clears the key.
func (k *SessionKey) Zeroize() {
	crypto.Zeroize(k[:])
}

// SignedKey is an ephemeral public key signed with the long-term device key.
type SignedKey struct {
	PublicKey []byte `cbor:"1,keyasint"`
	Signature []byte `cbor:"2,keyasint"`
}

// Encode returns the CBOR encoding of the signed key.
func (s *SignedKey) Encode() ([]byte, error) {
	data, err := wireEncMode.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return data, nil
}

// DecodeSignedKey parses a CBOR-encoded signed key.
func DecodeSignedKey(data []byte) (*SignedKey, error) {
	var s SignedKey
	if err := wireDecMode.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("%w: ephemeral key: %v", ErrMalformedMessage, err)
	}
	if len(s.PublicKey) != crypto.P256PublicKeySizeBytes || len(s.Signature) != crypto.P256SignatureSizeBytes {
		return nil, fmt.Errorf("%w: ephemeral key field sizes", ErrMalformedMessage)
	}
	return &s, nil
}

// KeyAgreement generates signed ephemeral keys and derives the session key.
type KeyAgreement struct {
	provider crypto.Provider
}

// NewKeyAgreement creates a KeyAgreement. A nil provider selects the
// default provider.
func NewKeyAgreement(provider crypto.Provider) *KeyAgreement {
	if provider == nil {
		provider = crypto.NewDefaultProvider()
	}
	return &KeyAgreement{provider: provider}
}

// GenerateEphemeral creates a fresh ephemeral key pair and signs
// SHA-256(public key) with the device key.
func (k *KeyAgreement) GenerateEphemeral(deviceKey *crypto.P256KeyPair) (*crypto.P256KeyPair, SignedKey, error) {
	eph, err := k.provider.GenerateKeyPair()
	if err != nil {
		return nil, SignedKey{}, fmt.Errorf("generate ephemeral key: %w", err)
	}
	pub := eph.PublicKey()
	sig, err := k.provider.Sign(deviceKey, k.provider.Hash(pub))
	if err != nil {
		eph.Zeroize()
		return nil, SignedKey{}, fmt.Errorf("sign ephemeral key: %w", err)
	}
	return eph, SignedKey{PublicKey: pub, Signature: sig}, nil
}

// VerifyPeerKey checks the peer's ephemeral key against the leaf public key
// of its verified chain and returns the ephemeral public key. An invalid
// point is a crypto error; a signature that does not verify is an auth
// error.
func (k *KeyAgreement) VerifyPeerKey(signed SignedKey, peerChainPublicKey []byte) ([]byte, error) {
	if err := crypto.ValidateP256PublicKey(signed.PublicKey); err != nil {
		return nil, &HandshakeError{Kind: KindCrypto, Err: fmt.Errorf("%w: %v", ErrInvalidPeerKey, err)}
	}
	ok, err := k.provider.Verify(peerChainPublicKey, k.provider.Hash(signed.PublicKey), signed.Signature)
	if err != nil || !ok {
		if err == nil {
			err = ErrEphemeralKeyInvalid
		} else {
			err = fmt.Errorf("%w: %v", ErrEphemeralKeyInvalid, err)
		}
		return nil, &HandshakeError{Kind: KindAuth, Err: err}
	}
	return bytes.Clone(signed.PublicKey), nil
}

// DeriveSessionKey computes
//
//	HKDF-SHA256(ECDH(own, peer), salt = SHA-256(min(pubA, pubB) || max(pubA, pubB)), "peerauth session")
//
// so both sides arrive at the same key regardless of role. The raw shared
// secret is wiped before returning.
func (k *KeyAgreement) DeriveSessionKey(own *crypto.P256KeyPair, peerPublicKey []byte) (SessionKey, error) {
	var key SessionKey

	secret, err := k.provider.ECDH(own, peerPublicKey)
	if err != nil {
		return key, &HandshakeError{Kind: KindCrypto, Err: err}
	}
	defer crypto.Zeroize(secret)

	ownPub := own.PublicKey()
	lo, hi := ownPub, peerPublicKey
	if bytes.Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}
	salt := k.provider.Hash(append(bytes.Clone(lo), hi...))

	okm, err := crypto.HKDFSHA256(secret, salt, sessionKeyInfo, SessionKeySize)
	if err != nil {
		return key, &HandshakeError{Kind: KindCrypto, Err: err}
	}
	copy(key[:], okm)
	crypto.Zeroize(okm)
	return key, nil
}

// wireEncMode and wireDecMode serialise CBOR message bodies.
var (
	wireEncMode cbor.EncMode
	wireDecMode cbor.DecMode
)

func init() {
	var err error
	wireEncMode, err = cbor.EncOptions{Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create wire CBOR encoder mode: %v", err))
	}
	wireDecMode, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxMapPairs:       16,
		MaxNestedLevels:   4,
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create wire CBOR decoder mode: %v", err))
	}
}
