// Package credentials defines the compact device certificate format, the
// leaf-first certificate chain, a local issuing helper and the certificate
// store that supplies a device's own credentials to the handshake.
//
// Certificates are encoded as canonical CBOR maps with integer keys so that
// they stay small enough to cross a fragment-limited link in a handful of
// fragments. The signature covers the canonical encoding of every field
// except the signature itself.
package credentials

import (
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/backkem/peerauth/pkg/crypto"
)

// Size limits.
const (
	// MaxCertificateSize is the maximum encoded certificate size.
	MaxCertificateSize = 400

	// MaxSerialNumSize is the maximum serial number size.
	MaxSerialNumSize = 20

	// MaxNameLength is the maximum length of an issuer or subject name.
	MaxNameLength = 64

	// PublicKeySize is the uncompressed P-256 public key size.
	PublicKeySize = crypto.P256PublicKeySizeBytes

	// SignatureSize is the raw ECDSA signature size (r || s).
	SignatureSize = crypto.P256SignatureSizeBytes
)

// Certificate is a device or intermediate CA certificate.
type Certificate struct {
	SerialNum []byte `cbor:"1,keyasint"`
	Issuer    string `cbor:"2,keyasint"`
	Subject   string `cbor:"3,keyasint"`
	NotBefore int64  `cbor:"4,keyasint"`           // Unix seconds
	NotAfter  int64  `cbor:"5,keyasint,omitempty"` // Unix seconds, 0 = no expiration
	IsCA      bool   `cbor:"6,keyasint,omitempty"`
	PublicKey []byte `cbor:"7,keyasint"` // 65 bytes uncompressed
	Signature []byte `cbor:"8,keyasint,omitempty"`
}

// certEncMode produces canonical encodings so TBS bytes are reproducible.
var certEncMode cbor.EncMode

// certDecMode rejects duplicate keys, unknown fields and indefinite lengths.
var certDecMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
	}
	certEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create certificate CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyEnforcedAPF,
		IndefLength:       cbor.IndefLengthForbidden,
		ExtraReturnErrors: cbor.ExtraDecErrorUnknownField,
		MaxArrayElements:  64,
		MaxMapPairs:       64,
		MaxNestedLevels:   4,
	}
	certDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create certificate CBOR decoder mode: %v", err))
	}
}

// Encode returns the canonical CBOR encoding of the certificate.
func (c *Certificate) Encode() ([]byte, error) {
	data, err := certEncMode.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if len(data) > MaxCertificateSize {
		return nil, ErrCertificateTooLarge
	}
	return data, nil
}

// TBSBytes returns the to-be-signed encoding: the certificate without its
// signature.
func (c *Certificate) TBSBytes() ([]byte, error) {
	tbs := *c
	tbs.Signature = nil
	data, err := certEncMode.Marshal(&tbs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	return data, nil
}

// DecodeCertificate parses and structurally validates a certificate.
func DecodeCertificate(data []byte) (*Certificate, error) {
	if len(data) > MaxCertificateSize {
		return nil, ErrCertificateTooLarge
	}
	var c Certificate
	if err := certDecMode.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCertificate, err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks field sizes. It does not check signatures.
func (c *Certificate) Validate() error {
	if len(c.SerialNum) == 0 || len(c.SerialNum) > MaxSerialNumSize {
		return ErrInvalidSerialNumber
	}
	if c.Subject == "" || len(c.Subject) > MaxNameLength {
		return fmt.Errorf("%w: subject", ErrInvalidName)
	}
	if c.Issuer == "" || len(c.Issuer) > MaxNameLength {
		return fmt.Errorf("%w: issuer", ErrInvalidName)
	}
	if c.NotAfter != 0 && c.NotAfter < c.NotBefore {
		return ErrInvalidTime
	}
	if err := crypto.ValidateP256PublicKey(c.PublicKey); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPublicKey, err)
	}
	if len(c.Signature) != SignatureSize {
		return ErrInvalidSignature
	}
	return nil
}

// NotBeforeTime returns NotBefore as a time.Time.
func (c *Certificate) NotBeforeTime() time.Time {
	return time.Unix(c.NotBefore, 0).UTC()
}

// NotAfterTime returns NotAfter as a time.Time, or the zero time when the
// certificate has no expiration.
func (c *Certificate) NotAfterTime() time.Time {
	if c.NotAfter == 0 {
		return time.Time{}
	}
	return time.Unix(c.NotAfter, 0).UTC()
}

// ValidAt reports whether t falls inside the validity window.
func (c *Certificate) ValidAt(t time.Time) error {
	if t.Before(c.NotBeforeTime()) {
		return ErrCertificateNotYetValid
	}
	if notAfter := c.NotAfterTime(); !notAfter.IsZero() && t.After(notAfter) {
		return ErrCertificateExpired
	}
	return nil
}

// String returns a short description for logs.
func (c *Certificate) String() string {
	return fmt.Sprintf("%q issued by %q (serial %x)", c.Subject, c.Issuer, c.SerialNum)
}
