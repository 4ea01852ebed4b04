package credentials

import "errors"

// Certificate parsing and encoding errors.
var (
	// ErrInvalidCertificate indicates a malformed certificate structure.
	ErrInvalidCertificate = errors.New("credentials: invalid certificate")

	// ErrInvalidSerialNumber indicates the serial number is empty or too long.
	ErrInvalidSerialNumber = errors.New("credentials: serial number must be 1-20 bytes")

	// ErrInvalidName indicates an empty or oversized issuer/subject name.
	ErrInvalidName = errors.New("credentials: invalid name")

	// ErrInvalidPublicKey indicates the public key is malformed.
	ErrInvalidPublicKey = errors.New("credentials: invalid public key")

	// ErrInvalidSignature indicates the signature is malformed.
	ErrInvalidSignature = errors.New("credentials: invalid signature")

	// ErrInvalidTime indicates NotAfter precedes NotBefore.
	ErrInvalidTime = errors.New("credentials: invalid validity period")

	// ErrCertificateTooLarge indicates the certificate exceeds size limits.
	ErrCertificateTooLarge = errors.New("credentials: certificate exceeds maximum size")

	// ErrCertificateExpired indicates the validity period has ended.
	ErrCertificateExpired = errors.New("credentials: certificate expired")

	// ErrCertificateNotYetValid indicates the validity period has not started.
	ErrCertificateNotYetValid = errors.New("credentials: certificate not yet valid")
)

// Chain errors.
var (
	ErrInvalidChain = errors.New("credentials: invalid certificate chain")
	ErrEmptyChain   = errors.New("credentials: empty certificate chain")
	ErrChainTooLong = errors.New("credentials: certificate chain too long")
)

// Store errors.
var (
	ErrNotProvisioned = errors.New("credentials: device not provisioned")
	ErrKeyMismatch    = errors.New("credentials: device key does not match leaf certificate")
)
