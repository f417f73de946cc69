package netpool

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dropbox/godropbox/errors"
	"github.com/edwingeng/deque/v2"
)

// A bounded pool of sockets to a single node, with node health tracking.
// A node is either up, or down with a retry deadline; a down node hands
// out no connections until a revival probe succeeds.  All methods are
// threadsafe.
type NodePool struct {
	addr    NetworkAddress
	options ConnectionOptions

	// Counting semaphore bounding checked-out connections.  nil when the
	// pool is unbounded.
	tokens chan struct{}

	numActive int32 // atomic counter

	mutex    sync.Mutex
	idle     *deque.Deque[net.Conn] // guarded by mutex
	down     bool                   // guarded by mutex
	downSince time.Time             // guarded by mutex
	retryAt  time.Time              // guarded by mutex
	lameDuck bool                   // guarded by mutex

	dialOk        *metrics.Counter
	dialErr       *metrics.Counter
	exhausted     *metrics.Counter
	deaths        *metrics.Counter
	revivals      *metrics.Counter
}

func NewNodePool(addr NetworkAddress, options ConnectionOptions) *NodePool {
	var tokens chan struct{}
	if options.MaxActiveConnections > 0 {
		tokens = make(chan struct{}, options.MaxActiveConnections)
		for i := int32(0); i < options.MaxActiveConnections; i++ {
			tokens <- struct{}{}
		}
	}

	return &NodePool{
		addr:    addr,
		options: options,
		tokens:  tokens,
		idle:    deque.NewDeque[net.Conn](),
		dialOk: metrics.GetOrCreateCounter(fmt.Sprintf(
			`kettlemc_dials_total{addr=%q,result="ok"}`, addr.Address)),
		dialErr: metrics.GetOrCreateCounter(fmt.Sprintf(
			`kettlemc_dials_total{addr=%q,result="err"}`, addr.Address)),
		exhausted: metrics.GetOrCreateCounter(fmt.Sprintf(
			`kettlemc_pool_exhausted_total{addr=%q}`, addr.Address)),
		deaths: metrics.GetOrCreateCounter(fmt.Sprintf(
			`kettlemc_node_deaths_total{addr=%q}`, addr.Address)),
		revivals: metrics.GetOrCreateCounter(fmt.Sprintf(
			`kettlemc_node_revivals_total{addr=%q}`, addr.Address)),
	}
}

func (p *NodePool) Addr() NetworkAddress {
	return p.addr
}

// This returns the number of checked-out connections.
func (p *NodePool) NumActive() int32 {
	return atomic.LoadInt32(&p.numActive)
}

// This returns the number of alive idle connections.
func (p *NodePool) NumIdle() int {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.idle.Len()
}

// This returns true when the node is marked down.
func (p *NodePool) IsDown() bool {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.down
}

// This gets a connection from the pool.  The connection remains checked
// out until ReleaseConnection or DiscardConnection is called on it.
//
// Failure modes: *NodeDownError when the node is down, a
// *PoolExhaustedError when MaxActiveConnections connections are checked
// out for longer than QueueTimeout, or a dial error (which also marks the
// node down).
func (p *NodePool) Get() (ManagedConn, error) {
	p.mutex.Lock()
	if p.lameDuck {
		p.mutex.Unlock()
		return nil, errors.Newf(
			"Pool to %s is shutting down",
			p.addr.Address)
	}
	if p.down {
		err := &NodeDownError{Addr: p.addr, RetryAt: p.retryAt}
		p.mutex.Unlock()
		return nil, err
	}
	p.mutex.Unlock()

	if !p.acquireToken() {
		p.exhausted.Inc()
		return nil, &PoolExhaustedError{Addr: p.addr}
	}
	atomic.AddInt32(&p.numActive, 1)

	if conn := p.popIdle(); conn != nil {
		return newManagedConn(p.addr, conn, p, p.options), nil
	}

	conn, err := p.open()
	if err != nil {
		atomic.AddInt32(&p.numActive, -1)
		p.releaseToken()
		p.markDown(err)
		return nil, err
	}
	return newManagedConn(p.addr, conn, p, p.options), nil
}

func (p *NodePool) acquireToken() bool {
	if p.tokens == nil {
		return true
	}

	select {
	case <-p.tokens:
		return true
	default:
	}

	timer := time.NewTimer(p.options.queueTimeout())
	defer timer.Stop()

	select {
	case <-p.tokens:
		return true
	case <-timer.C:
		return false
	}
}

func (p *NodePool) releaseToken() {
	if p.tokens != nil {
		p.tokens <- struct{}{}
	}
}

func (p *NodePool) popIdle() net.Conn {
	p.mutex.Lock()
	defer p.mutex.Unlock()

	if p.idle.Len() == 0 {
		return nil
	}
	return p.idle.PopFront()
}

// Dial a fresh connection and run the AfterConnect hook (e.g., the auth
// handshake) on it.
func (p *NodePool) open() (net.Conn, error) {
	conn, err := p.options.dial(p.addr.Network, p.addr.Address)
	if err != nil {
		p.dialErr.Inc()
		return nil, errors.Wrapf(
			err,
			"Failed to connect to %s",
			p.addr.Address)
	}

	if p.options.AfterConnect != nil {
		if err := p.options.AfterConnect(conn, p.addr); err != nil {
			p.dialErr.Inc()
			_ = conn.Close()
			return nil, errors.Wrapf(
				err,
				"Connection setup failed for %s",
				p.addr.Address)
		}
	}

	p.dialOk.Inc()
	return conn, nil
}

// Returns a healthy connection to the idle deque.
func (p *NodePool) release(conn net.Conn) {
	atomic.AddInt32(&p.numActive, -1)

	p.mutex.Lock()
	if p.lameDuck || p.down {
		p.mutex.Unlock()
		_ = conn.Close()
		p.releaseToken()
		return
	}

	p.idle.PushFront(conn)
	var evicted net.Conn
	if p.options.MaxIdleConnections > 0 &&
		uint32(p.idle.Len()) > p.options.MaxIdleConnections {

		evicted = p.idle.PopBack()
	}
	p.mutex.Unlock()

	if evicted != nil {
		_ = evicted.Close()
	}
	p.releaseToken()
}

// Destroys a poisoned connection and marks the node down.  A socket that
// observed an I/O error or a protocol violation may have partial frames
// on the wire and is never safe to reuse.
func (p *NodePool) discard(conn net.Conn) {
	atomic.AddInt32(&p.numActive, -1)
	_ = conn.Close()
	p.releaseToken()

	p.markDown(errors.Newf(
		"Connection to %s discarded",
		p.addr.Address))
}

func (p *NodePool) markDown(cause error) {
	now := p.options.getCurrentTime()

	p.mutex.Lock()
	if p.down || p.lameDuck {
		p.mutex.Unlock()
		return
	}
	p.down = true
	p.downSince = now
	p.retryAt = now.Add(p.options.deadTimeout())
	drained := p.drainIdleLocked()
	p.mutex.Unlock()

	for _, idleConn := range drained {
		_ = idleConn.Close()
	}

	p.deaths.Inc()
	p.options.logInfo("Marking node ", p.addr.Address, " down: ", cause)
	if p.options.OnNodeDown != nil {
		p.options.OnNodeDown(p.addr)
	}
}

func (p *NodePool) drainIdleLocked() []net.Conn {
	drained := make([]net.Conn, 0, p.idle.Len())
	for p.idle.Len() > 0 {
		drained = append(drained, p.idle.PopBack())
	}
	return drained
}

// Attempts to revive a down node by opening a single probe connection.
// Returns true if the node transitioned back up.  No-op unless the node
// is down and its retry deadline has passed.
func (p *NodePool) maybeRevive() bool {
	now := p.options.getCurrentTime()

	p.mutex.Lock()
	if !p.down || p.lameDuck || now.Before(p.retryAt) {
		p.mutex.Unlock()
		return false
	}
	p.mutex.Unlock()

	conn, err := p.open()

	p.mutex.Lock()
	if err != nil {
		p.retryAt = now.Add(p.options.deadTimeout())
		p.mutex.Unlock()
		return false
	}
	p.down = false
	p.idle.PushFront(conn)
	p.mutex.Unlock()

	p.revivals.Inc()
	p.options.logInfo("Node ", p.addr.Address, " revived")
	if p.options.OnNodeUp != nil {
		p.options.OnNodeUp(p.addr)
	}
	return true
}

// Eagerly dials MinIdleConnections connections.  Dial failures are
// logged, not fatal; the node stays up until a checked-out connection
// actually fails.
func (p *NodePool) warmUp() {
	for i := uint32(0); i < p.options.MinIdleConnections; i++ {
		conn, err := p.open()
		if err != nil {
			p.options.logError(err)
			return
		}

		p.mutex.Lock()
		if p.lameDuck || p.down {
			p.mutex.Unlock()
			_ = conn.Close()
			return
		}
		p.idle.PushFront(conn)
		p.mutex.Unlock()
	}
}

// Enter lame duck mode: the pool no longer hands out connections, and
// all idle connections are closed immediately (including checked-out
// connections that are released back afterward).
func (p *NodePool) EnterLameDuckMode() {
	p.mutex.Lock()
	p.lameDuck = true
	drained := p.drainIdleLocked()
	p.mutex.Unlock()

	for _, idleConn := range drained {
		_ = idleConn.Close()
	}
}
