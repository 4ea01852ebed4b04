package crypto

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Provider is the set of primitives the handshake needs. Every call is
// synchronous and bounded in time.
type Provider interface {
	// Hash returns the SHA-256 digest of data.
	Hash(data []byte) []byte

	// Sign signs a digest with a long-term or ephemeral key (raw r || s).
	Sign(key *P256KeyPair, digest []byte) ([]byte, error)

	// Verify checks an r || s signature over a digest.
	Verify(publicKey, digest, signature []byte) (bool, error)

	// GenerateKeyPair creates a fresh P-256 key pair.
	GenerateKeyPair() (*P256KeyPair, error)

	// ECDH computes the raw shared secret with a peer public key.
	ECDH(own *P256KeyPair, peerPublicKey []byte) ([]byte, error)

	// Seal and Open are the AEAD operations.
	Seal(key, nonce, aad, plaintext []byte) ([]byte, error)
	Open(key, nonce, aad, ciphertext []byte) ([]byte, error)

	// Random returns n bytes from a cryptographically secure source.
	Random(n int) ([]byte, error)
}

// DefaultProvider implements Provider with the Go standard library curves
// and golang.org/x/crypto.
type DefaultProvider struct {
	// Rand is the entropy source. Nil means crypto/rand.
	Rand io.Reader
}

// NewDefaultProvider returns a provider backed by crypto/rand.
func NewDefaultProvider() *DefaultProvider {
	return &DefaultProvider{}
}

func (p *DefaultProvider) reader() io.Reader {
	if p.Rand != nil {
		return p.Rand
	}
	return rand.Reader
}

// Hash implements Provider.
func (p *DefaultProvider) Hash(data []byte) []byte {
	return SHA256Slice(data)
}

// Sign implements Provider.
func (p *DefaultProvider) Sign(key *P256KeyPair, digest []byte) ([]byte, error) {
	return P256SignDigest(p.reader(), key, digest)
}

// Verify implements Provider.
func (p *DefaultProvider) Verify(publicKey, digest, signature []byte) (bool, error) {
	return P256VerifyDigest(publicKey, digest, signature)
}

// GenerateKeyPair implements Provider.
func (p *DefaultProvider) GenerateKeyPair() (*P256KeyPair, error) {
	return GenerateP256KeyPair(p.reader())
}

// ECDH implements Provider.
func (p *DefaultProvider) ECDH(own *P256KeyPair, peerPublicKey []byte) ([]byte, error) {
	return P256ECDH(own, peerPublicKey)
}

// Seal implements Provider.
func (p *DefaultProvider) Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	return AEADSeal(key, nonce, aad, plaintext)
}

// Open implements Provider.
func (p *DefaultProvider) Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	return AEADOpen(key, nonce, aad, ciphertext)
}

// Random implements Provider.
func (p *DefaultProvider) Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(p.reader(), buf); err != nil {
		return nil, fmt.Errorf("failed to generate random: %w", err)
	}
	return buf, nil
}

// Zeroize overwrites b with zeros.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var _ Provider = (*DefaultProvider)(nil)
