package credentials

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/backkem/peerauth/pkg/crypto"
)

// DefaultValidity is the validity period used when IssueOptions leaves it unset.
const DefaultValidity = 365 * 24 * time.Hour

// clockSkew backdates NotBefore so freshly issued certificates verify on
// peers whose clocks run slightly behind.
const clockSkew = time.Minute

// ErrNotCA is returned when a non-CA authority is asked to issue.
var ErrNotCA = errors.New("credentials: authority is not a CA")

// Authority issues certificates. A root authority has no certificate of its
// own: its public key is what peers pin.
//
// This is local provisioning tooling for tests and the demo CLI; it is not
// an issuance protocol.
type Authority struct {
	Name string
	Key  *crypto.P256KeyPair

	// Cert is nil for the root.
	Cert *Certificate

	// chain is this authority's own certificate path, leaf-first, excluding
	// the root.
	chain Chain
}

// IssueOptions describes a certificate to issue.
type IssueOptions struct {
	Subject   string
	PublicKey []byte
	IsCA      bool

	// NotBefore defaults to now minus a minute.
	NotBefore time.Time

	// Validity defaults to DefaultValidity. Negative means no expiration.
	Validity time.Duration
}

// NewRootAuthority generates a root key pair.
func NewRootAuthority(name string) (*Authority, error) {
	key, err := crypto.GenerateP256KeyPair(nil)
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	return &Authority{Name: name, Key: key}, nil
}

// RootPublicKey returns the key peers pin. Only meaningful for a root.
func (a *Authority) RootPublicKey() []byte {
	return a.Key.PublicKey()
}

// Chain returns the authority's own certificate path (empty for the root).
func (a *Authority) Chain() Chain {
	return append(Chain(nil), a.chain...)
}

// Issue signs a new certificate.
func (a *Authority) Issue(opts IssueOptions) (*Certificate, error) {
	if a.Cert != nil && !a.Cert.IsCA {
		return nil, ErrNotCA
	}

	serial := make([]byte, 8)
	if _, err := rand.Read(serial); err != nil {
		return nil, fmt.Errorf("generate serial: %w", err)
	}
	// Keep serials positive when read as big-endian integers.
	serial[0] &= 0x7F
	serial[0] |= 0x01

	notBefore := opts.NotBefore
	if notBefore.IsZero() {
		notBefore = time.Now().Add(-clockSkew)
	}
	var notAfter int64
	switch {
	case opts.Validity == 0:
		notAfter = notBefore.Add(DefaultValidity).Unix()
	case opts.Validity > 0:
		notAfter = notBefore.Add(opts.Validity).Unix()
	}

	cert := &Certificate{
		SerialNum: serial,
		Issuer:    a.Name,
		Subject:   opts.Subject,
		NotBefore: notBefore.Unix(),
		NotAfter:  notAfter,
		IsCA:      opts.IsCA,
		PublicKey: opts.PublicKey,
	}
	if err := a.Sign(cert); err != nil {
		return nil, err
	}
	if err := cert.Validate(); err != nil {
		return nil, err
	}
	return cert, nil
}

// Sign (re)computes the certificate signature with the authority key.
// Exposed so tests can re-sign deliberately altered certificates.
func (a *Authority) Sign(cert *Certificate) error {
	tbs, err := cert.TBSBytes()
	if err != nil {
		return err
	}
	sig, err := crypto.P256SignDigest(nil, a.Key, crypto.SHA256Slice(tbs))
	if err != nil {
		return fmt.Errorf("sign certificate: %w", err)
	}
	cert.Signature = sig
	return nil
}

// NewIntermediate creates a subordinate CA.
func (a *Authority) NewIntermediate(name string) (*Authority, error) {
	key, err := crypto.GenerateP256KeyPair(nil)
	if err != nil {
		return nil, fmt.Errorf("generate intermediate key: %w", err)
	}
	cert, err := a.Issue(IssueOptions{Subject: name, PublicKey: key.PublicKey(), IsCA: true})
	if err != nil {
		return nil, err
	}
	return &Authority{
		Name:  name,
		Key:   key,
		Cert:  cert,
		chain: append(Chain{cert}, a.chain...),
	}, nil
}

// IssueDevice issues a leaf certificate for key and returns the full chain
// the device presents during the handshake.
func (a *Authority) IssueDevice(name string, key *crypto.P256KeyPair) (Chain, error) {
	leaf, err := a.Issue(IssueOptions{Subject: name, PublicKey: key.PublicKey()})
	if err != nil {
		return nil, err
	}
	chain := append(Chain{leaf}, a.chain...)
	if len(chain) > MaxChainDepth {
		return nil, ErrChainTooLong
	}
	return chain, nil
}
