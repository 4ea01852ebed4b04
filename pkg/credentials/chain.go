package credentials

import (
	"fmt"
)

// MaxChainDepth is the maximum number of certificates in a transmitted chain.
// The pinned root is never part of the chain.
const MaxChainDepth = 4

// Chain is an ordered, leaf-first certificate chain. The last certificate is
// issued directly by the pinned root.
type Chain []*Certificate

// Leaf returns the first certificate, or nil for an empty chain.
func (c Chain) Leaf() *Certificate {
	if len(c) == 0 {
		return nil
	}
	return c[0]
}

// Encode returns the chain as a CBOR array of certificate byte strings.
func (c Chain) Encode() ([]byte, error) {
	if len(c) == 0 {
		return nil, ErrEmptyChain
	}
	if len(c) > MaxChainDepth {
		return nil, ErrChainTooLong
	}
	raws := make([][]byte, len(c))
	for i, cert := range c {
		raw, err := cert.Encode()
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		raws[i] = raw
	}
	data, err := certEncMode.Marshal(raws)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	return data, nil
}

// SplitChain decodes the outer chain array without parsing the certificates,
// so a caller can attribute a parse failure to a chain position.
func SplitChain(data []byte) ([][]byte, error) {
	var raws [][]byte
	if err := certDecMode.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
	}
	if len(raws) == 0 {
		return nil, ErrEmptyChain
	}
	if len(raws) > MaxChainDepth {
		return nil, ErrChainTooLong
	}
	return raws, nil
}

// DecodeChain parses an encoded chain.
func DecodeChain(data []byte) (Chain, error) {
	raws, err := SplitChain(data)
	if err != nil {
		return nil, err
	}
	chain := make(Chain, len(raws))
	for i, raw := range raws {
		cert, err := DecodeCertificate(raw)
		if err != nil {
			return nil, fmt.Errorf("certificate %d: %w", i, err)
		}
		chain[i] = cert
	}
	return chain, nil
}
