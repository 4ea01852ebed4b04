package securechannel

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/backkem/peerauth/pkg/credentials"
	"github.com/backkem/peerauth/pkg/crypto"
	"github.com/backkem/peerauth/pkg/fragment"
	"github.com/backkem/peerauth/pkg/transport"
)

// fakeLink is a Transport that records fragments for the test to deliver.
type fakeLink struct {
	maxFrag int
	queue   [][]byte
	total   int
	closed  bool
	sendErr error
}

func (f *fakeLink) Send(peer transport.PeerID, frag []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	if len(frag) > f.maxFrag {
		return transport.ErrFragmentTooLarge
	}
	f.queue = append(f.queue, bytes.Clone(frag))
	f.total++
	return nil
}

func (f *fakeLink) MaxFragmentSize(peer transport.PeerID) int {
	return f.maxFrag
}

func (f *fakeLink) Close(peer transport.PeerID) error {
	f.closed = true
	return nil
}

func (f *fakeLink) take() [][]byte {
	q := f.queue
	f.queue = nil
	return q
}

// testPKI is a root with helpers for provisioning devices under it.
type testPKI struct {
	root *credentials.Authority
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	root, err := credentials.NewRootAuthority("test-root")
	require.NoError(t, err)
	return &testPKI{root: root}
}

// device provisions a device with the given number of intermediates.
func (p *testPKI) device(t *testing.T, name string, intermediates int) *credentials.MemoryStore {
	t.Helper()
	ca := p.root
	var err error
	for i := 0; i < intermediates; i++ {
		ca, err = ca.NewIntermediate(name + "-ica")
		require.NoError(t, err)
	}
	key, err := crypto.GenerateP256KeyPair(nil)
	require.NoError(t, err)
	chain, err := ca.IssueDevice(name, key)
	require.NoError(t, err)
	return credentials.NewMemoryStore(chain, key, p.root.RootPublicKey())
}

// endpoint is one side of a test pair.
type endpoint struct {
	role    Role
	session *Session
	link    *fakeLink
	err     error
	appData [][]byte

	// Used only when tampering.
	rx *fragment.Reassembler

	// SendComplete events withheld by pairOptions.holdAck.
	held int
}

func (e *endpoint) handle(ev Event) {
	if e.session.State().IsTerminal() {
		return
	}
	if err := e.session.HandleEvent(ev); err != nil && e.err == nil {
		e.err = err
	}
}

type pairOptions struct {
	maxFrag     int
	flowControl bool
	initStore   credentials.Store
	respStore   credentials.Store

	// tamper may rewrite a complete outbound message before delivery.
	tamper func(from Role, msg *Message)

	// holdAck is asked after each delivered fragment whether the sender's
	// SendComplete should be withheld until releaseAcks. Models links that
	// acknowledge after the peer has already processed the fragment.
	holdAck func(from *endpoint) bool
}

// pair runs an initiator and a responder against each other over fakeLinks,
// delivering fragments synchronously.
type pair struct {
	t     *testing.T
	opts  pairOptions
	init  *endpoint
	resp  *endpoint
	steps int
}

func newPair(t *testing.T, opts pairOptions) *pair {
	t.Helper()
	if opts.maxFrag == 0 {
		opts.maxFrag = transport.DefaultMaxFragmentSize
	}
	if opts.initStore == nil || opts.respStore == nil {
		pki := newTestPKI(t)
		if opts.initStore == nil {
			opts.initStore = pki.device(t, "initiator", 1)
		}
		if opts.respStore == nil {
			opts.respStore = pki.device(t, "responder", 1)
		}
	}

	p := &pair{t: t, opts: opts}
	p.init = p.newEndpoint(RoleInitiator, opts.initStore, "responder")
	p.resp = p.newEndpoint(RoleResponder, opts.respStore, "initiator")
	return p
}

func (p *pair) newEndpoint(role Role, store credentials.Store, peer transport.PeerID) *endpoint {
	p.t.Helper()
	e := &endpoint{
		role: role,
		link: &fakeLink{maxFrag: p.opts.maxFrag},
		rx:   fragment.NewReassembler(0),
	}
	config := DefaultConfig(role)
	config.Store = store
	config.Transport = e.link
	config.Peer = peer
	config.FlowControl = p.opts.flowControl
	config.OnAppData = func(payload []byte) {
		e.appData = append(e.appData, payload)
	}
	s, err := NewSession(config)
	require.NoError(p.t, err)
	e.session = s
	return e
}

// start delivers EventStart to both sides, initiator first.
func (p *pair) start() {
	p.init.handle(EventStart{})
	p.resp.handle(EventStart{})
}

// run moves fragments until neither side has anything queued.
func (p *pair) run() {
	p.t.Helper()
	for p.steps = 0; p.steps < 10000; p.steps++ {
		moved := p.flush(RoleResponder, p.resp, p.init)
		moved = p.flush(RoleInitiator, p.init, p.resp) || moved
		if !moved {
			return
		}
	}
	p.t.Fatal("handshake did not settle")
}

func (p *pair) flush(role Role, from, to *endpoint) bool {
	frags := from.link.take()
	for _, frag := range frags {
		if p.opts.tamper == nil {
			to.handle(EventFragmentReceived{Data: frag})
		} else {
			p.deliverTampered(role, from, to, frag)
		}
		if p.opts.holdAck != nil && p.opts.holdAck(from) {
			from.held++
			continue
		}
		from.handle(EventSendComplete{})
	}
	return len(frags) > 0
}

// releaseAcks delivers every withheld SendComplete.
func (p *pair) releaseAcks() {
	for _, e := range []*endpoint{p.init, p.resp} {
		for ; e.held > 0; e.held-- {
			e.handle(EventSendComplete{})
		}
	}
}

func (p *pair) deliverTampered(role Role, from, to *endpoint, frag []byte) {
	raw, err := from.rx.Push(frag)
	require.NoError(p.t, err)
	if raw == nil {
		return
	}
	msg, err := DecodeMessage(raw)
	require.NoError(p.t, err)
	p.opts.tamper(role, msg)
	out, err := fragment.Split(msg.Encode(), p.opts.maxFrag)
	require.NoError(p.t, err)
	for _, f := range out {
		to.handle(EventFragmentReceived{Data: f})
	}
}

// handshake starts both sides and runs to completion.
func (p *pair) handshake() {
	p.t.Helper()
	p.start()
	p.run()
}

// messageFragments encodes msg into fragments for direct injection.
func messageFragments(t *testing.T, msg *Message, maxFrag int) [][]byte {
	t.Helper()
	frags, err := fragment.Split(msg.Encode(), maxFrag)
	require.NoError(t, err)
	return frags
}
