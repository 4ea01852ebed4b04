package credentials

import (
	"bytes"
	"sync"

	"github.com/backkem/peerauth/pkg/crypto"
)

// Store supplies a device's own credentials and the pinned root at
// handshake start. Implementations must be safe for concurrent access.
type Store interface {
	// OwnChain returns this device's certificate chain, leaf-first.
	OwnChain() (Chain, error)

	// DeviceKey returns the long-term private key bound to the leaf.
	DeviceKey() (*crypto.P256KeyPair, error)

	// RootPublicKey returns the pinned root public key (65 bytes).
	RootPublicKey() ([]byte, error)
}

// MemoryStore is an in-memory Store.
type MemoryStore struct {
	mu    sync.RWMutex
	chain Chain
	key   *crypto.P256KeyPair
	root  []byte
}

// NewMemoryStore creates a store holding the given credentials.
func NewMemoryStore(chain Chain, key *crypto.P256KeyPair, rootPublicKey []byte) *MemoryStore {
	return &MemoryStore{chain: chain, key: key, root: rootPublicKey}
}

// OwnChain implements Store.
func (s *MemoryStore) OwnChain() (Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.chain) == 0 {
		return nil, ErrNotProvisioned
	}
	return append(Chain(nil), s.chain...), nil
}

// DeviceKey implements Store.
func (s *MemoryStore) DeviceKey() (*crypto.P256KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.key == nil {
		return nil, ErrNotProvisioned
	}
	return s.key, nil
}

// RootPublicKey implements Store.
func (s *MemoryStore) RootPublicKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.root) == 0 {
		return nil, ErrNotProvisioned
	}
	return bytes.Clone(s.root), nil
}

// Set replaces the stored credentials.
func (s *MemoryStore) Set(chain Chain, key *crypto.P256KeyPair, rootPublicKey []byte) error {
	if err := checkKeyMatchesLeaf(chain, key); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chain = chain
	s.key = key
	s.root = rootPublicKey
	return nil
}

func checkKeyMatchesLeaf(chain Chain, key *crypto.P256KeyPair) error {
	leaf := chain.Leaf()
	if leaf == nil || key == nil {
		return ErrNotProvisioned
	}
	if !bytes.Equal(leaf.PublicKey, key.PublicKey()) {
		return ErrKeyMismatch
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
