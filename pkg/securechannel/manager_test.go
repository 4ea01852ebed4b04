package securechannel

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/metrics"
	"github.com/backkem/peerauth/pkg/transport"
)

const waitTimeout = 5 * time.Second

type sessionErr struct {
	peer  transport.PeerID
	err   error
	stage string
}

// managerProbe collects Manager callbacks on channels.
type managerProbe struct {
	established chan SessionInfo
	errors      chan sessionErr
	appData     chan []byte
	closed      chan transport.PeerID
}

func newManagerProbe() *managerProbe {
	return &managerProbe{
		established: make(chan SessionInfo, 4),
		errors:      make(chan sessionErr, 4),
		appData:     make(chan []byte, 16),
		closed:      make(chan transport.PeerID, 4),
	}
}

func (p *managerProbe) callbacks() Callbacks {
	return Callbacks{
		OnSessionEstablished: func(peer transport.PeerID, info SessionInfo) { p.established <- info },
		OnSessionError: func(peer transport.PeerID, err error, stage string) {
			p.errors <- sessionErr{peer: peer, err: err, stage: stage}
		},
		OnAppData:       func(peer transport.PeerID, payload []byte) { p.appData <- payload },
		OnSessionClosed: func(peer transport.PeerID) { p.closed <- peer },
	}
}

type managerSide struct {
	manager  *Manager
	probe    *managerProbe
	registry *prometheus.Registry
	endpoint *transport.PipeEndpoint
}

func newManagerSide(t *testing.T, role Role, store credentials.Store, ep *transport.PipeEndpoint) *managerSide {
	t.Helper()
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	require.NoError(t, err)

	side := &managerSide{probe: newManagerProbe(), registry: reg, endpoint: ep}
	side.manager, err = NewManager(ManagerConfig{
		Role:        role,
		Store:       store,
		Transport:   ep,
		FlowControl: true,
		Metrics:     m,
		Callbacks:   side.probe.callbacks(),
	})
	require.NoError(t, err)
	return side
}

func startPipe(t *testing.T, initStore, respStore credentials.Store) (*transport.Pipe, *managerSide, *managerSide) {
	t.Helper()
	pipe := transport.NewPipe("initiator", "responder", transport.DefaultPipeConfig())
	t.Cleanup(func() { _ = pipe.Close() })

	init := newManagerSide(t, RoleInitiator, initStore, pipe.Endpoint(0))
	resp := newManagerSide(t, RoleResponder, respStore, pipe.Endpoint(1))
	require.NoError(t, init.endpoint.Start(init.manager))
	require.NoError(t, resp.endpoint.Start(resp.manager))
	return pipe, init, resp
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(waitTimeout):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

// metricValue returns the value of the series of name whose labels include
// every given label, or 0 if none exists.
func metricValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			if !hasLabels(m, labels) {
				continue
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				return float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	return 0
}

func hasLabels(m *dto.Metric, labels map[string]string) bool {
	found := 0
	for _, lp := range m.GetLabel() {
		if v, ok := labels[lp.GetName()]; ok && v == lp.GetValue() {
			found++
		}
	}
	return found == len(labels)
}

func TestManager_EstablishOverPipe(t *testing.T) {
	pki := newTestPKI(t)
	_, init, resp := startPipe(t, pki.device(t, "sensor", 1), pki.device(t, "hub", 1))

	initInfo := waitFor(t, init.probe.established, "initiator established")
	respInfo := waitFor(t, resp.probe.established, "responder established")

	assert.Equal(t, RoleInitiator, initInfo.Role)
	assert.Equal(t, "hub", initInfo.PeerSubject)
	assert.Equal(t, "sensor", respInfo.PeerSubject)
	assert.NotEmpty(t, initInfo.ConnectionID)
	assert.NotEqual(t, initInfo.ConnectionID, respInfo.ConnectionID)

	ki, ok := init.manager.SessionKey("responder")
	require.True(t, ok)
	kr, ok := resp.manager.SessionKey("initiator")
	require.True(t, ok)
	assert.Equal(t, ki, kr)

	state, ok := init.manager.State("responder")
	require.True(t, ok)
	assert.Equal(t, StateReady, state)
	assert.Equal(t, []transport.PeerID{"responder"}, init.manager.Peers())

	require.NoError(t, init.manager.SendAppData("responder", []byte("ping")))
	assert.Equal(t, []byte("ping"), waitFor(t, resp.probe.appData, "ping"))
	require.NoError(t, resp.manager.SendAppData("initiator", []byte("pong")))
	assert.Equal(t, []byte("pong"), waitFor(t, init.probe.appData, "pong"))

	role := map[string]string{"role": "Initiator"}
	assert.Equal(t, 1.0, metricValue(t, init.registry, "peerauth_handshake_started_total", role))
	assert.Equal(t, 1.0, metricValue(t, init.registry, "peerauth_handshake_completed_total", role))
	assert.Equal(t, 1.0, metricValue(t, init.registry, "peerauth_handshake_duration_seconds", role))
	assert.Equal(t, 1.0, metricValue(t, init.registry, "peerauth_session_active", nil))
	assert.Equal(t, 4.0, metricValue(t, init.registry, "peerauth_session_app_data_bytes_total", map[string]string{"direction": "tx"}))
	assert.Equal(t, 4.0, metricValue(t, resp.registry, "peerauth_session_app_data_bytes_total", map[string]string{"direction": "rx"}))
}

func TestManager_CloseSession(t *testing.T) {
	pki := newTestPKI(t)
	pipe, init, resp := startPipe(t, pki.device(t, "a", 0), pki.device(t, "b", 0))
	waitFor(t, init.probe.established, "initiator established")
	waitFor(t, resp.probe.established, "responder established")

	require.NoError(t, init.manager.CloseSession("responder"))
	assert.Equal(t, transport.PeerID("initiator"), waitFor(t, resp.probe.closed, "responder closed"))
	assert.True(t, pipe.Closed())

	_, ok := init.manager.State("responder")
	assert.False(t, ok)
	assert.ErrorIs(t, init.manager.SendAppData("responder", []byte("x")), ErrNoSession)
	assert.ErrorIs(t, init.manager.CloseSession("responder"), ErrNoSession)

	assert.Eventually(t, func() bool {
		return metricValue(t, resp.registry, "peerauth_session_active", nil) == 0
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, 0.0, metricValue(t, init.registry, "peerauth_session_active", nil))
}

func TestManager_ChainFailureClosesLink(t *testing.T) {
	initStore := newTestPKI(t).device(t, "a", 1)
	respStore := newTestPKI(t).device(t, "b", 1)
	pipe, init, resp := startPipe(t, initStore, respStore)

	failure := waitFor(t, init.probe.errors, "initiator error")
	assert.Equal(t, transport.PeerID("responder"), failure.peer)
	assert.Equal(t, StateVerifyingChain.String(), failure.stage)
	assert.True(t, IsKind(failure.err, KindChain))

	waitFor(t, resp.probe.closed, "responder closed")
	assert.True(t, pipe.Closed())
	assert.Empty(t, init.manager.Peers())

	assert.Equal(t, 1.0, metricValue(t, init.registry, "peerauth_handshake_failures_total",
		map[string]string{"kind": "Chain", "state": "VerifyingChain"}))
	assert.Equal(t, 0.0, metricValue(t, init.registry, "peerauth_handshake_completed_total", nil))

	select {
	case info := <-resp.probe.established:
		t.Fatalf("responder established with %s", info.PeerSubject)
	default:
	}
}

func TestManager_SendBeforeReady(t *testing.T) {
	pki := newTestPKI(t)
	pipe := transport.NewPipe("initiator", "responder", transport.PipeConfig{MaxFragmentSize: 20})
	t.Cleanup(func() { _ = pipe.Close() })

	init := newManagerSide(t, RoleInitiator, pki.device(t, "a", 0), pipe.Endpoint(0))
	require.NoError(t, init.endpoint.Start(init.manager))

	// Without auto-processing OnConnect is the only event delivered.
	require.Eventually(t, func() bool {
		s, ok := init.manager.State("responder")
		return ok && s == StateAwaitingPeerChain
	}, waitTimeout, time.Millisecond)

	assert.ErrorIs(t, init.manager.SendAppData("responder", []byte("early")), ErrNotReady)
	state, _ := init.manager.State("responder")
	assert.Equal(t, StateAwaitingPeerChain, state)
}

func TestManager_Close(t *testing.T) {
	pki := newTestPKI(t)
	_, init, resp := startPipe(t, pki.device(t, "a", 0), pki.device(t, "b", 0))
	waitFor(t, init.probe.established, "initiator established")
	waitFor(t, resp.probe.established, "responder established")

	init.manager.Close()
	assert.Empty(t, init.manager.Peers())
	assert.ErrorIs(t, init.manager.SendAppData("responder", nil), ErrManagerClosed)
}

func TestNewManager_Validation(t *testing.T) {
	_, err := NewManager(ManagerConfig{Transport: &fakeLink{maxFrag: 20}})
	assert.ErrorIs(t, err, credentials.ErrNotProvisioned)

	_, err = NewManager(ManagerConfig{Store: credentials.NewMemoryStore(nil, nil, nil)})
	assert.Error(t, err)
}

func TestManager_UnprovisionedStoreReportsError(t *testing.T) {
	pipe := transport.NewPipe("initiator", "responder", transport.DefaultPipeConfig())
	t.Cleanup(func() { _ = pipe.Close() })

	side := newManagerSide(t, RoleInitiator, credentials.NewMemoryStore(nil, nil, nil), pipe.Endpoint(0))
	require.NoError(t, side.endpoint.Start(side.manager))

	failure := waitFor(t, side.probe.errors, "session error")
	assert.ErrorIs(t, failure.err, credentials.ErrNotProvisioned)
	assert.Equal(t, StateIdle.String(), failure.stage)
	assert.Eventually(t, pipe.Closed, waitTimeout, time.Millisecond)
}
