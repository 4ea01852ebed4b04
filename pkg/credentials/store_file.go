package credentials

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/backkem/peerauth/pkg/crypto"
)

// File names inside a credential directory.
const (
	chainFile     = "chain.cbor"
	deviceKeyFile = "device-key.pem"
	rootKeyFile   = "root.pem"
)

// FileStore is a Store backed by a directory:
//
//	chain.cbor      leaf-first chain (CBOR)
//	device-key.pem  SEC 1 private key
//	root.pem        pinned root public key (PKIX)
//
// Files are read on Load and cached.
type FileStore struct {
	mu      sync.RWMutex
	baseDir string
	mem     *MemoryStore
}

// NewFileStore creates a store rooted at baseDir. Call Load before use.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{baseDir: baseDir, mem: &MemoryStore{}}
}

// Dir returns the base directory.
func (s *FileStore) Dir() string {
	return s.baseDir
}

// Load reads the credential files.
func (s *FileStore) Load() error {
	chainData, err := os.ReadFile(filepath.Join(s.baseDir, chainFile))
	if err != nil {
		return notProvisioned(err)
	}
	chain, err := DecodeChain(chainData)
	if err != nil {
		return fmt.Errorf("load %s: %w", chainFile, err)
	}

	keyData, err := os.ReadFile(filepath.Join(s.baseDir, deviceKeyFile))
	if err != nil {
		return notProvisioned(err)
	}
	key, err := crypto.ParsePrivateKeyPEM(keyData)
	if err != nil {
		return fmt.Errorf("load %s: %w", deviceKeyFile, err)
	}

	rootData, err := os.ReadFile(filepath.Join(s.baseDir, rootKeyFile))
	if err != nil {
		return notProvisioned(err)
	}
	root, err := crypto.ParsePublicKeyPEM(rootData)
	if err != nil {
		return fmt.Errorf("load %s: %w", rootKeyFile, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Set(chain, key, root)
}

// Save writes the credentials to the directory, creating it if needed.
func (s *FileStore) Save(chain Chain, key *crypto.P256KeyPair, rootPublicKey []byte) error {
	if err := checkKeyMatchesLeaf(chain, key); err != nil {
		return err
	}
	chainData, err := chain.Encode()
	if err != nil {
		return err
	}
	keyData, err := crypto.MarshalPrivateKeyPEM(key)
	if err != nil {
		return err
	}
	rootData, err := crypto.MarshalPublicKeyPEM(rootPublicKey)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("create %s: %w", s.baseDir, err)
	}
	files := []struct {
		name string
		data []byte
		mode os.FileMode
	}{
		{chainFile, chainData, 0o644},
		{deviceKeyFile, keyData, 0o600},
		{rootKeyFile, rootData, 0o644},
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(s.baseDir, f.name), f.data, f.mode); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mem.Set(chain, key, rootPublicKey)
}

// OwnChain implements Store.
func (s *FileStore) OwnChain() (Chain, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.OwnChain()
}

// DeviceKey implements Store.
func (s *FileStore) DeviceKey() (*crypto.P256KeyPair, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.DeviceKey()
}

// RootPublicKey implements Store.
func (s *FileStore) RootPublicKey() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mem.RootPublicKey()
}

func notProvisioned(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrNotProvisioned, err)
	}
	return err
}

var _ Store = (*FileStore)(nil)
