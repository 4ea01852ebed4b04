package transport

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pion/logging"
	"github.com/pion/transport/v3/test"
)

// DefaultMaxFragmentSize matches the smallest BLE ATT payload (MTU 23 minus
// the 3-byte ATT header).
const DefaultMaxFragmentSize = 20

// readBufferSize bounds a single read from the bridge.
const readBufferSize = 64 * 1024

// PipeConfig configures a Pipe.
type PipeConfig struct {
	// MaxFragmentSize is the link fragment limit in both directions.
	// Default: DefaultMaxFragmentSize
	MaxFragmentSize int

	// AutoProcess enables automatic delivery in a background goroutine.
	// Default: true
	AutoProcess bool

	// ProcessInterval is how often the auto-processor delivers fragments.
	// Default: 1ms
	ProcessInterval time.Duration

	// LoggerFactory creates the "transport-pipe" logger. Nil disables logging.
	LoggerFactory logging.LoggerFactory
}

// DefaultPipeConfig returns the default pipe configuration.
func DefaultPipeConfig() PipeConfig {
	return PipeConfig{
		MaxFragmentSize: DefaultMaxFragmentSize,
		AutoProcess:     true,
		ProcessInterval: 1 * time.Millisecond,
	}
}

// Pipe is a point-to-point, in-memory fragment link between two endpoints.
// It wraps pion's test.Bridge; each endpoint implements Transport.
//
// By default fragments are delivered by a background goroutine. With
// AutoProcess disabled, call Tick or Process to move fragments, which gives
// tests full control over interleaving.
type Pipe struct {
	bridge *test.Bridge
	log    logging.LeveledLogger

	mu              sync.RWMutex
	closed          bool
	autoProcess     bool
	processInterval time.Duration
	stopCh          chan struct{}
	wg              sync.WaitGroup

	ends [2]*PipeEndpoint
}

// NewPipe creates a pipe between peers a and b. Endpoint(0) belongs to a
// and talks to b; Endpoint(1) belongs to b and talks to a.
func NewPipe(a, b PeerID, config PipeConfig) *Pipe {
	if config.MaxFragmentSize == 0 {
		config.MaxFragmentSize = DefaultMaxFragmentSize
	}
	if config.ProcessInterval == 0 {
		config.ProcessInterval = 1 * time.Millisecond
	}

	p := &Pipe{
		bridge:          test.NewBridge(),
		autoProcess:     config.AutoProcess,
		processInterval: config.ProcessInterval,
		stopCh:          make(chan struct{}),
	}
	if config.LoggerFactory != nil {
		p.log = config.LoggerFactory.NewLogger("transport-pipe")
	}

	p.ends[0] = newPipeEndpoint(p, p.bridge.GetConn0(), a, b, config.MaxFragmentSize)
	p.ends[1] = newPipeEndpoint(p, p.bridge.GetConn1(), b, a, config.MaxFragmentSize)

	if p.autoProcess {
		p.startAutoProcess()
	}
	return p
}

// Endpoint returns endpoint 0 or 1.
func (p *Pipe) Endpoint(i int) *PipeEndpoint {
	return p.ends[i&1]
}

func (p *Pipe) startAutoProcess() {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.processInterval)
		defer ticker.Stop()

		for {
			select {
			case <-p.stopCh:
				return
			case <-ticker.C:
				for p.bridge.Tick() > 0 {
				}
			}
		}
	}()
}

// AutoProcess returns whether auto-processing is enabled.
func (p *Pipe) AutoProcess() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.autoProcess
}

// Tick delivers at most one fragment in each direction and returns the
// number delivered. A fragment is only delivered once the receiving
// endpoint has been started.
func (p *Pipe) Tick() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return 0
	}
	return p.bridge.Tick()
}

// Process delivers fragments until none can be delivered and returns the
// number delivered.
func (p *Pipe) Process() int {
	count := 0
	for {
		n := p.Tick()
		if n == 0 {
			return count
		}
		count += n
	}
}

// Closed reports whether the pipe has been closed.
func (p *Pipe) Closed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

// Close tears down both endpoints. Each started endpoint reports
// OnDisconnect once. Undelivered fragments are dropped.
func (p *Pipe) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	if p.autoProcess {
		close(p.stopCh)
	}
	p.mu.Unlock()

	p.wg.Wait()

	if p.log != nil {
		p.log.Debugf("closing pipe %s <-> %s", p.ends[0].local, p.ends[1].local)
	}

	var errs []error
	for _, e := range p.ends {
		if err := e.shutdown(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

type pipeEventKind int

const (
	pipeEventConnect pipeEventKind = iota
	pipeEventFragment
	pipeEventSendComplete
	pipeEventDisconnect
)

type pipeEvent struct {
	kind pipeEventKind
	data []byte
}

// PipeEndpoint is one end of a Pipe. It implements Transport for its single
// remote peer.
type PipeEndpoint struct {
	pipe     *Pipe
	conn     net.Conn
	local    PeerID
	remote   PeerID
	maxFrag  int
	connOnce sync.Once

	mu      sync.Mutex
	handler Handler
	started bool
	queue   []pipeEvent
	wake    chan struct{}
	stopped bool
}

func newPipeEndpoint(p *Pipe, conn net.Conn, local, remote PeerID, maxFrag int) *PipeEndpoint {
	return &PipeEndpoint{
		pipe:    p,
		conn:    conn,
		local:   local,
		remote:  remote,
		maxFrag: maxFrag,
		wake:    make(chan struct{}, 1),
	}
}

// LocalPeer returns this endpoint's identity.
func (e *PipeEndpoint) LocalPeer() PeerID {
	return e.local
}

// RemotePeer returns the identity of the other end.
func (e *PipeEndpoint) RemotePeer() PeerID {
	return e.remote
}

// Start begins delivering events to h, starting with OnConnect.
func (e *PipeEndpoint) Start(h Handler) error {
	if h == nil {
		return ErrNoHandler
	}
	if e.pipe.Closed() {
		return ErrClosed
	}

	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	e.handler = h
	e.mu.Unlock()

	e.enqueue(pipeEvent{kind: pipeEventConnect})
	go e.readLoop()
	go e.dispatchLoop()
	return nil
}

// Send implements Transport.
func (e *PipeEndpoint) Send(peer PeerID, fragment []byte) error {
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if !started {
		return ErrNotStarted
	}
	if peer != e.remote {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, peer)
	}
	if len(fragment) > e.maxFrag {
		return fmt.Errorf("%w: %d > %d", ErrFragmentTooLarge, len(fragment), e.maxFrag)
	}
	if e.pipe.Closed() {
		return ErrClosed
	}

	if _, err := e.conn.Write(fragment); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	if log := e.pipe.log; log != nil {
		log.Tracef("%s -> %s: %d bytes", e.local, e.remote, len(fragment))
	}
	e.enqueue(pipeEvent{kind: pipeEventSendComplete})
	return nil
}

// MaxFragmentSize implements Transport.
func (e *PipeEndpoint) MaxFragmentSize(peer PeerID) int {
	if peer != e.remote || e.pipe.Closed() {
		return 0
	}
	return e.maxFrag
}

// Close implements Transport. Closing either end closes the whole pipe.
func (e *PipeEndpoint) Close(peer PeerID) error {
	if peer != e.remote {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, peer)
	}
	return e.pipe.Close()
}

func (e *PipeEndpoint) shutdown() error {
	// readLoop observes the closed conn and queues the disconnect.
	var err error
	e.connOnce.Do(func() {
		err = e.conn.Close()
	})
	return err
}

func (e *PipeEndpoint) enqueue(ev pipeEvent) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.queue = append(e.queue, ev)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *PipeEndpoint) readLoop() {
	buf := make([]byte, readBufferSize)
	for {
		n, err := e.conn.Read(buf)
		if err != nil {
			e.enqueue(pipeEvent{kind: pipeEventDisconnect})
			return
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		e.enqueue(pipeEvent{kind: pipeEventFragment, data: data})
	}
}

// dispatchLoop delivers queued events in order from a single goroutine.
func (e *PipeEndpoint) dispatchLoop() {
	for range e.wake {
		e.mu.Lock()
		events := e.queue
		e.queue = nil
		h := e.handler
		e.mu.Unlock()

		for _, ev := range events {
			switch ev.kind {
			case pipeEventConnect:
				h.OnConnect(e.remote)
			case pipeEventFragment:
				h.OnFragment(e.remote, ev.data)
			case pipeEventSendComplete:
				h.OnSendComplete(e.remote)
			case pipeEventDisconnect:
				e.mu.Lock()
				e.stopped = true
				e.queue = nil
				e.mu.Unlock()
				h.OnDisconnect(e.remote)
				return
			}
		}
	}
}

var _ Transport = (*PipeEndpoint)(nil)
