package securechannel

import (
	"bytes"
	"fmt"
	"time"

	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/crypto"
)

// ChainVerifier checks a leaf-first certificate chain against a pinned root
// public key. The root is never part of the chain.
//
// For each adjacent pair (cert[i], cert[i+1]) the verifier requires:
//  1. cert[i].Issuer == cert[i+1].Subject
//  2. cert[i+1] is a CA certificate
//  3. cert[i] is signed by cert[i+1]'s key
//
// The last certificate must be signed by the pinned root, and every
// certificate must be inside its validity window.
type ChainVerifier struct {
	provider crypto.Provider
	now      func() time.Time
}

// NewChainVerifier creates a verifier. A nil provider selects the default
// provider; a nil clock selects time.Now.
func NewChainVerifier(provider crypto.Provider, now func() time.Time) *ChainVerifier {
	if provider == nil {
		provider = crypto.NewDefaultProvider()
	}
	if now == nil {
		now = time.Now
	}
	return &ChainVerifier{provider: provider, now: now}
}

// VerifyEncoded parses an encoded chain and verifies it. A container that
// cannot be parsed fails at depth -1; an undecodable certificate fails at
// its own index.
func (v *ChainVerifier) VerifyEncoded(raw []byte, pinnedRoot []byte) ([]byte, credentials.Chain, error) {
	raws, err := credentials.SplitChain(raw)
	if err != nil {
		return nil, nil, &ChainError{Depth: -1, Err: err}
	}
	chain := make(credentials.Chain, len(raws))
	for i, r := range raws {
		cert, err := credentials.DecodeCertificate(r)
		if err != nil {
			return nil, nil, &ChainError{Depth: i, Err: err}
		}
		chain[i] = cert
	}
	leafKey, err := v.Verify(chain, pinnedRoot)
	if err != nil {
		return nil, nil, err
	}
	return leafKey, chain, nil
}

// Verify checks chain and returns the leaf public key.
func (v *ChainVerifier) Verify(chain credentials.Chain, pinnedRoot []byte) ([]byte, error) {
	if len(chain) == 0 {
		return nil, &ChainError{Depth: -1, Err: credentials.ErrEmptyChain}
	}
	if len(chain) > credentials.MaxChainDepth {
		return nil, &ChainError{Depth: -1, Err: credentials.ErrChainTooLong}
	}
	if err := crypto.ValidateP256PublicKey(pinnedRoot); err != nil {
		return nil, &ChainError{Depth: len(chain) - 1, Err: fmt.Errorf("%w: %v", ErrInvalidRootKey, err)}
	}

	now := v.now()
	for i, cert := range chain {
		var signerKey []byte
		if i+1 < len(chain) {
			issuer := chain[i+1]
			if cert.Issuer != issuer.Subject {
				return nil, &ChainError{Depth: i, Err: fmt.Errorf("%w: %q != %q", ErrChainLinkage, cert.Issuer, issuer.Subject)}
			}
			if !issuer.IsCA {
				return nil, &ChainError{Depth: i + 1, Err: ErrIssuerNotCA}
			}
			signerKey = issuer.PublicKey
		} else {
			signerKey = pinnedRoot
		}

		if err := v.verifySignature(cert, signerKey); err != nil {
			return nil, &ChainError{Depth: i, Err: err}
		}
		if err := cert.ValidAt(now); err != nil {
			return nil, &ChainError{Depth: i, Err: err}
		}
	}

	return bytes.Clone(chain.Leaf().PublicKey), nil
}

// verifySignature checks that cert was signed by signerKey over its TBS bytes.
func (v *ChainVerifier) verifySignature(cert *credentials.Certificate, signerKey []byte) error {
	tbs, err := cert.TBSBytes()
	if err != nil {
		return err
	}
	ok, err := v.provider.Verify(signerKey, v.provider.Hash(tbs), cert.Signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	if !ok {
		return ErrSignatureMismatch
	}
	return nil
}
