package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/peerauth/pkg/config"
	"github.com/backkem/peerauth/pkg/credentials"
)

func TestProvision(t *testing.T) {
	dir := t.TempDir()
	path, err := provision(provisionOptions{
		OutDir:        dir,
		Devices:       []string{"sensor", "hub", "lamp"},
		RootName:      "root",
		Intermediates: 2,
		MaxFragment:   20,
		LogLevel:      "warn",
	})
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Devices, 3)
	assert.Equal(t, config.RoleInitiator, cfg.Devices[0].Role)
	assert.Equal(t, config.RoleResponder, cfg.Devices[2].Role)

	store := credentials.NewFileStore(filepath.Join(dir, "hub"))
	require.NoError(t, store.Load())
	chain, err := store.OwnChain()
	require.NoError(t, err)
	assert.Len(t, chain, 3)
	assert.Equal(t, "hub", chain.Leaf().Subject)
}

func TestProvision_Limits(t *testing.T) {
	_, err := provision(provisionOptions{OutDir: t.TempDir()})
	assert.ErrorIs(t, err, config.ErrNoDevices)

	_, err = provision(provisionOptions{OutDir: t.TempDir(), Devices: []string{"a"}, Intermediates: credentials.MaxChainDepth})
	assert.Error(t, err)
}

func TestRunDemo(t *testing.T) {
	dir := t.TempDir()
	path, err := provision(provisionOptions{
		OutDir:        dir,
		Devices:       []string{"sensor", "hub"},
		RootName:      "root",
		Intermediates: 1,
		MaxFragment:   20,
		LogLevel:      "error",
	})
	require.NoError(t, err)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out, logs bytes.Buffer
	err = runDemo(ctx, cfg, demoOptions{Message: "ping", ShowMetrics: true}, &out, cfg.LoggerFactory(&logs))
	require.NoError(t, err)

	assert.Contains(t, out.String(), `Responder received: "ping"`)
	assert.Contains(t, out.String(), `Initiator received: "ack: ping"`)
	assert.Contains(t, out.String(), "session key fingerprint")
	assert.Contains(t, out.String(), "peerauth_handshake_completed_total")
}

func TestRunDemo_ForeignRoot(t *testing.T) {
	a, err := provision(provisionOptions{OutDir: t.TempDir(), Devices: []string{"sensor"}, RootName: "a", MaxFragment: 20, LogLevel: "error"})
	require.NoError(t, err)
	b, err := provision(provisionOptions{OutDir: t.TempDir(), Devices: []string{"hub"}, RootName: "b", MaxFragment: 20, LogLevel: "error"})
	require.NoError(t, err)

	cfgA, err := config.Load(a)
	require.NoError(t, err)
	cfgB, err := config.Load(b)
	require.NoError(t, err)
	hub := cfgB.Devices[0]
	hub.Role = config.RoleResponder
	cfgA.Devices = append(cfgA.Devices, hub)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var out bytes.Buffer
	err = runDemo(ctx, cfgA, demoOptions{Message: "ping"}, &out, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "VerifyingChain")
}

func TestRootCommand(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer

	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"provision", "--out", dir, "--devices", "a,b", "--log-level", "error"})
	require.NoError(t, cmd.Execute())

	cmd = newRootCommand()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"demo", "--config", filepath.Join(dir, configFileName), "--message", "hi"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), `Responder received: "hi"`)
}
