package transport

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects handler events for one endpoint.
type recorder struct {
	mu           sync.Mutex
	connected    []PeerID
	fragments    [][]byte
	sendComplete int
	disconnected chan PeerID
	fragmentCh   chan []byte
}

func newRecorder() *recorder {
	return &recorder{
		disconnected: make(chan PeerID, 1),
		fragmentCh:   make(chan []byte, 64),
	}
}

func (r *recorder) OnConnect(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.connected = append(r.connected, peer)
}

func (r *recorder) OnFragment(peer PeerID, fragment []byte) {
	r.mu.Lock()
	r.fragments = append(r.fragments, fragment)
	r.mu.Unlock()
	r.fragmentCh <- fragment
}

func (r *recorder) OnSendComplete(peer PeerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sendComplete++
}

func (r *recorder) OnDisconnect(peer PeerID) {
	r.disconnected <- peer
}

func (r *recorder) sendCompleteCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendComplete
}

func waitFragment(t *testing.T, r *recorder) []byte {
	t.Helper()
	select {
	case f := <-r.fragmentCh:
		return f
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for fragment")
		return nil
	}
}

func newTestPipe(t *testing.T, config PipeConfig) (*Pipe, *recorder, *recorder) {
	t.Helper()
	config.LoggerFactory = logging.NewDefaultLoggerFactory()
	p := NewPipe("alice", "bob", config)
	t.Cleanup(func() { _ = p.Close() })

	r0, r1 := newRecorder(), newRecorder()
	require.NoError(t, p.Endpoint(0).Start(r0))
	require.NoError(t, p.Endpoint(1).Start(r1))
	return p, r0, r1
}

func TestPipe_DeliversInOrder(t *testing.T) {
	p, r0, r1 := newTestPipe(t, DefaultPipeConfig())
	alice, bob := p.Endpoint(0), p.Endpoint(1)

	assert.Equal(t, PeerID("alice"), alice.LocalPeer())
	assert.Equal(t, PeerID("bob"), alice.RemotePeer())

	for i := byte(0); i < 10; i++ {
		require.NoError(t, alice.Send("bob", []byte{i, i}))
	}
	for i := byte(0); i < 10; i++ {
		assert.Equal(t, []byte{i, i}, waitFragment(t, r1))
	}

	require.NoError(t, bob.Send("alice", []byte("hi")))
	assert.Equal(t, []byte("hi"), waitFragment(t, r0))

	assert.Eventually(t, func() bool { return r0.sendCompleteCount() == 10 }, time.Second, time.Millisecond)
	r1.mu.Lock()
	assert.Equal(t, []PeerID{"alice"}, r1.connected)
	r1.mu.Unlock()
}

func TestPipe_ManualProcess(t *testing.T) {
	config := DefaultPipeConfig()
	config.AutoProcess = false
	p, _, r1 := newTestPipe(t, config)
	assert.False(t, p.AutoProcess())

	require.NoError(t, p.Endpoint(0).Send("bob", []byte{1}))
	require.NoError(t, p.Endpoint(0).Send("bob", []byte{2}))

	select {
	case <-r1.fragmentCh:
		t.Fatal("fragment delivered without processing")
	case <-time.After(20 * time.Millisecond):
	}

	assert.Eventually(t, func() bool {
		p.Process()
		r1.mu.Lock()
		defer r1.mu.Unlock()
		return len(r1.fragments) == 2
	}, time.Second, time.Millisecond)
}

func TestPipe_SendErrors(t *testing.T) {
	config := DefaultPipeConfig()
	config.MaxFragmentSize = 4
	p := NewPipe("alice", "bob", config)
	defer p.Close()
	alice := p.Endpoint(0)

	assert.ErrorIs(t, alice.Send("bob", []byte{1}), ErrNotStarted)
	assert.ErrorIs(t, alice.Start(nil), ErrNoHandler)
	require.NoError(t, alice.Start(newRecorder()))
	assert.ErrorIs(t, alice.Start(newRecorder()), ErrAlreadyStarted)

	assert.ErrorIs(t, alice.Send("carol", []byte{1}), ErrConnectionNotFound)
	assert.ErrorIs(t, alice.Send("bob", []byte{1, 2, 3, 4, 5}), ErrFragmentTooLarge)
	assert.NoError(t, alice.Send("bob", []byte{1, 2, 3, 4}))

	assert.Equal(t, 4, alice.MaxFragmentSize("bob"))
	assert.Zero(t, alice.MaxFragmentSize("carol"))
}

func TestPipe_CloseNotifiesBothEnds(t *testing.T) {
	p, r0, r1 := newTestPipe(t, DefaultPipeConfig())

	require.NoError(t, p.Endpoint(1).Close("alice"))
	assert.True(t, p.Closed())

	for _, r := range []*recorder{r0, r1} {
		select {
		case <-r.disconnected:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for disconnect")
		}
	}

	assert.ErrorIs(t, p.Endpoint(0).Send("bob", []byte{1}), ErrClosed)
	assert.Zero(t, p.Endpoint(0).MaxFragmentSize("bob"))
	assert.NoError(t, p.Close())
}

func TestPipe_HandlerMaySendFromCallback(t *testing.T) {
	p := NewPipe("alice", "bob", DefaultPipeConfig())
	defer p.Close()
	alice, bob := p.Endpoint(0), p.Endpoint(1)

	echoed := make(chan []byte, 1)
	require.NoError(t, bob.Start(HandlerFuncs{
		Fragment: func(peer PeerID, fragment []byte) {
			_ = bob.Send(peer, fragment)
		},
	}))
	require.NoError(t, alice.Start(HandlerFuncs{
		Fragment: func(peer PeerID, fragment []byte) {
			echoed <- fragment
		},
	}))

	require.NoError(t, alice.Send("bob", []byte("ping")))
	select {
	case got := <-echoed:
		assert.Equal(t, []byte("ping"), got)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for echo")
	}
}
