package crypto

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// AEAD sizes for ChaCha20-Poly1305 (RFC 8439).
const (
	// SymmetricKeySize is the AEAD key length.
	SymmetricKeySize = chacha20poly1305.KeySize

	// NonceSize is the AEAD nonce length.
	NonceSize = chacha20poly1305.NonceSize

	// TagSize is the authentication tag length appended to ciphertexts.
	TagSize = chacha20poly1305.Overhead
)

// ErrAuthenticationFailed is returned when an AEAD tag does not verify.
var ErrAuthenticationFailed = errors.New("crypto: message authentication failed")

// AEADSeal encrypts and authenticates plaintext with ChaCha20-Poly1305.
// Returns ciphertext with the 16-byte tag appended.
func AEADSeal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("AEAD init: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("AEAD nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// AEADOpen verifies and decrypts a ChaCha20-Poly1305 ciphertext.
func AEADOpen(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("AEAD init: %w", err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("AEAD nonce must be %d bytes, got %d", aead.NonceSize(), len(nonce))
	}
	if len(ciphertext) < TagSize {
		return nil, ErrAuthenticationFailed
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAuthenticationFailed
	}
	return plaintext, nil
}
