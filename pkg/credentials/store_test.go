package credentials

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	empty := NewMemoryStore(nil, nil, nil)
	_, err := empty.OwnChain()
	assert.ErrorIs(t, err, ErrNotProvisioned)
	_, err = empty.DeviceKey()
	assert.ErrorIs(t, err, ErrNotProvisioned)
	_, err = empty.RootPublicKey()
	assert.ErrorIs(t, err, ErrNotProvisioned)

	root, err := NewRootAuthority("root")
	require.NoError(t, err)
	key := newDeviceKey(t)
	chain, err := root.IssueDevice("device", key)
	require.NoError(t, err)

	require.NoError(t, empty.Set(chain, key, root.RootPublicKey()))
	got, err := empty.OwnChain()
	require.NoError(t, err)
	assert.Equal(t, chain, got)

	assert.ErrorIs(t, empty.Set(chain, newDeviceKey(t), root.RootPublicKey()), ErrKeyMismatch)
}

func TestFileStore_SaveLoad(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "device")

	root, err := NewRootAuthority("root")
	require.NoError(t, err)
	ica, err := root.NewIntermediate("ica")
	require.NoError(t, err)
	key := newDeviceKey(t)
	chain, err := ica.IssueDevice("device", key)
	require.NoError(t, err)

	require.NoError(t, NewFileStore(dir).Save(chain, key, root.RootPublicKey()))

	info, err := os.Stat(filepath.Join(dir, deviceKeyFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded := NewFileStore(dir)
	require.NoError(t, loaded.Load())

	gotChain, err := loaded.OwnChain()
	require.NoError(t, err)
	assert.Equal(t, chain, gotChain)

	gotKey, err := loaded.DeviceKey()
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), gotKey.PublicKey())

	gotRoot, err := loaded.RootPublicKey()
	require.NoError(t, err)
	assert.Equal(t, root.RootPublicKey(), gotRoot)
}

func TestFileStore_LoadMissing(t *testing.T) {
	err := NewFileStore(t.TempDir()).Load()
	assert.ErrorIs(t, err, ErrNotProvisioned)
}
