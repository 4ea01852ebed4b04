package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
)

// P-256 sizes.
const (
	// P256GroupSizeBytes is the scalar and coordinate size.
	P256GroupSizeBytes = 32

	// P256PublicKeySizeBytes is the uncompressed public key size.
	// Format: 0x04 || X (32 bytes) || Y (32 bytes) = 65 bytes
	P256PublicKeySizeBytes = 65

	// P256SignatureSizeBytes is the raw signature size (r || s).
	P256SignatureSizeBytes = 64

	// SharedSecretSize is the size of the raw ECDH output (x-coordinate).
	SharedSecretSize = 32
)

// pemBlockType is the PEM block type used for device private keys.
const pemBlockType = "EC PRIVATE KEY"

// Errors for P-256 operations.
var (
	ErrInvalidPublicKey  = errors.New("crypto: invalid P-256 public key")
	ErrInvalidPrivateKey = errors.New("crypto: invalid P-256 private key")
	ErrInvalidSignature  = errors.New("crypto: invalid signature encoding")
	ErrInvalidDigest     = errors.New("crypto: digest must be 32 bytes")
	ErrECDHFailed        = errors.New("crypto: ECDH agreement failed")
)

// P256KeyPair is a P-256 key pair usable for both ECDSA and ECDH.
type P256KeyPair struct {
	ecdhPrivate  *ecdh.PrivateKey
	ecdsaPrivate *ecdsa.PrivateKey
}

// PublicKey returns the public key in uncompressed format (65 bytes).
func (kp *P256KeyPair) PublicKey() []byte {
	return kp.ecdhPrivate.PublicKey().Bytes()
}

// PrivateKey returns the private scalar (32 bytes).
func (kp *P256KeyPair) PrivateKey() []byte {
	return kp.ecdhPrivate.Bytes()
}

// Zeroize overwrites the ECDSA scalar words in place and drops both private
// keys. The scalar inside *ecdh.PrivateKey (and the copy crypto/ecdsa caches
// after the first signature) is unexported and cannot be cleared from
// outside the standard library; those copies are only released to the
// garbage collector. Callers needing a guaranteed wipe must not rely on this.
func (kp *P256KeyPair) Zeroize() {
	if kp == nil {
		return
	}
	if kp.ecdsaPrivate != nil && kp.ecdsaPrivate.D != nil {
		clear(kp.ecdsaPrivate.D.Bits())
		kp.ecdsaPrivate.D.SetInt64(0)
	}
	kp.ecdsaPrivate = nil
	kp.ecdhPrivate = nil
}

// GenerateP256KeyPair generates a new key pair from the given entropy source.
// A nil reader means crypto/rand.
func GenerateP256KeyPair(r io.Reader) (*P256KeyPair, error) {
	if r == nil {
		r = rand.Reader
	}
	ecdhPriv, err := ecdh.P256().GenerateKey(r)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 key: %w", err)
	}
	return newKeyPair(ecdhPriv)
}

// P256KeyPairFromPrivateKey creates a key pair from a raw private scalar.
func P256KeyPairFromPrivateKey(privateKey []byte) (*P256KeyPair, error) {
	if len(privateKey) != P256GroupSizeBytes {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPrivateKey, P256GroupSizeBytes, len(privateKey))
	}
	ecdhPriv, err := ecdh.P256().NewPrivateKey(privateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return newKeyPair(ecdhPriv)
}

func newKeyPair(ecdhPriv *ecdh.PrivateKey) (*P256KeyPair, error) {
	pub, err := parsePublicKey(ecdhPriv.PublicKey().Bytes())
	if err != nil {
		return nil, err
	}
	scalar := ecdhPriv.Bytes()
	defer Zeroize(scalar)
	return &P256KeyPair{
		ecdhPrivate: ecdhPriv,
		ecdsaPrivate: &ecdsa.PrivateKey{
			PublicKey: *pub,
			D:         new(big.Int).SetBytes(scalar),
		},
	}, nil
}

// parsePublicKey parses an uncompressed P-256 point and checks it is on the curve.
func parsePublicKey(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != P256PublicKeySizeBytes || data[0] != 0x04 {
		return nil, fmt.Errorf("%w: want %d-byte uncompressed point", ErrInvalidPublicKey, P256PublicKeySizeBytes)
	}
	x := new(big.Int).SetBytes(data[1:33])
	y := new(big.Int).SetBytes(data[33:65])
	if !elliptic.P256().IsOnCurve(x, y) {
		return nil, fmt.Errorf("%w: point is not on the curve", ErrInvalidPublicKey)
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// ValidateP256PublicKey checks that a public key is a valid uncompressed point.
func ValidateP256PublicKey(publicKey []byte) error {
	_, err := parsePublicKey(publicKey)
	return err
}

// P256SignDigest signs a 32-byte digest and returns r || s (64 bytes), each
// component left-padded to 32 bytes.
func P256SignDigest(r io.Reader, keyPair *P256KeyPair, digest []byte) ([]byte, error) {
	if keyPair == nil || keyPair.ecdsaPrivate == nil {
		return nil, ErrInvalidPrivateKey
	}
	if len(digest) != SHA256LenBytes {
		return nil, ErrInvalidDigest
	}
	if r == nil {
		r = rand.Reader
	}
	sr, ss, err := ecdsa.Sign(r, keyPair.ecdsaPrivate, digest)
	if err != nil {
		return nil, fmt.Errorf("ECDSA sign failed: %w", err)
	}
	sig := make([]byte, P256SignatureSizeBytes)
	sr.FillBytes(sig[:P256GroupSizeBytes])
	ss.FillBytes(sig[P256GroupSizeBytes:])
	return sig, nil
}

// P256VerifyDigest verifies an r || s signature over a 32-byte digest.
// A malformed key or signature is an error; a well-formed signature that does
// not verify returns false with no error.
func P256VerifyDigest(publicKey, digest, signature []byte) (bool, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return false, err
	}
	if len(digest) != SHA256LenBytes {
		return false, ErrInvalidDigest
	}
	if len(signature) != P256SignatureSizeBytes {
		return false, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidSignature, P256SignatureSizeBytes, len(signature))
	}
	r := new(big.Int).SetBytes(signature[:P256GroupSizeBytes])
	s := new(big.Int).SetBytes(signature[P256GroupSizeBytes:])
	return ecdsa.Verify(pub, digest, r, s), nil
}

// P256ECDH computes the ECDH shared secret (x-coordinate, 32 bytes).
func P256ECDH(keyPair *P256KeyPair, peerPublicKey []byte) ([]byte, error) {
	if keyPair == nil || keyPair.ecdhPrivate == nil {
		return nil, ErrInvalidPrivateKey
	}
	if len(peerPublicKey) != P256PublicKeySizeBytes {
		return nil, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPublicKey, P256PublicKeySizeBytes, len(peerPublicKey))
	}
	peerPub, err := ecdh.P256().NewPublicKey(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	secret, err := keyPair.ecdhPrivate.ECDH(peerPub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrECDHFailed, err)
	}
	return secret, nil
}

// MarshalPrivateKeyPEM encodes the key pair as a SEC 1 PEM block.
func MarshalPrivateKeyPEM(keyPair *P256KeyPair) ([]byte, error) {
	der, err := x509.MarshalECPrivateKey(keyPair.ecdsaPrivate)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: pemBlockType, Bytes: der}), nil
}

// ParsePrivateKeyPEM decodes a SEC 1 PEM block produced by MarshalPrivateKeyPEM.
func ParsePrivateKeyPEM(data []byte) (*P256KeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("%w: no %s block", ErrInvalidPrivateKey, pemBlockType)
	}
	key, err := x509.ParseECPrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	if key.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrInvalidPrivateKey)
	}
	return P256KeyPairFromPrivateKey(key.D.FillBytes(make([]byte, P256GroupSizeBytes)))
}

// MarshalPublicKeyPEM encodes an uncompressed P-256 public key as a PKIX PEM block.
func MarshalPublicKeyPEM(publicKey []byte) ([]byte, error) {
	pub, err := parsePublicKey(publicKey)
	if err != nil {
		return nil, err
	}
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}), nil
}

// ParsePublicKeyPEM decodes a PKIX PEM block into an uncompressed P-256 point.
func ParsePublicKeyPEM(data []byte) ([]byte, error) {
	block, _ := pem.Decode(data)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("%w: no PUBLIC KEY block", ErrInvalidPublicKey)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	pub, ok := key.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not a P-256 key", ErrInvalidPublicKey)
	}
	ecdhPub, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	return ecdhPub.Bytes(), nil
}
