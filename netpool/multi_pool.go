package netpool

import (
	"sync"
	"time"

	"github.com/dropbox/godropbox/errors"
	"github.com/puzpuzpuz/xsync/v3"
)

// A pool of node pools, one per registered (network, address) entry.
// The pools for each node act independently.  For example
// ("tcp", "localhost:11211") could act as cache node 0 and
// ("tcp", "localhost:11212") could act as cache node 1.
//
// A background prober periodically retries down nodes; a successful
// probe transitions the node back up and fires OnNodeUp.
type MultiNodePool struct {
	options ConnectionOptions

	pools *xsync.MapOf[string, *NodePool]

	closeOnce sync.Once
	closed    chan struct{}
}

func NewMultiNodePool(options ConnectionOptions) *MultiNodePool {
	p := &MultiNodePool{
		options: options,
		pools:   xsync.NewMapOf[string, *NodePool](),
		closed:  make(chan struct{}),
	}

	go p.reviveLoop()

	return p
}

// This associates (network, address) to the pool, and eagerly dials
// MinIdleConnections connections to it.
func (p *MultiNodePool) Register(network string, address string) error {
	addr := NetworkAddress{Network: network, Address: address}

	select {
	case <-p.closed:
		return errors.Newf(
			"Cannot register %s to closed pool",
			addr.String())
	default:
	}

	pool, loaded := p.pools.LoadOrStore(
		addr.String(),
		NewNodePool(addr, p.options))
	if loaded {
		return errors.Newf("%s is already registered", addr.String())
	}

	pool.warmUp()
	return nil
}

// This dissociates (network, address) from the pool and closes all of
// its idle connections.  Checked-out connections are closed as they are
// returned.
func (p *MultiNodePool) Unregister(network string, address string) error {
	addr := NetworkAddress{Network: network, Address: address}

	pool, loaded := p.pools.LoadAndDelete(addr.String())
	if !loaded {
		return errors.Newf("%s is not registered", addr.String())
	}

	pool.EnterLameDuckMode()
	return nil
}

// This returns the list of registered (network, address) entries.
func (p *MultiNodePool) ListRegistered() []NetworkAddress {
	result := make([]NetworkAddress, 0)
	p.pools.Range(func(key string, pool *NodePool) bool {
		result = append(result, pool.Addr())
		return true
	})
	return result
}

// This gets a connection to (network, address) from the node's pool.
func (p *MultiNodePool) Get(
	network string,
	address string) (ManagedConn, error) {

	addr := NetworkAddress{Network: network, Address: address}

	pool, inMap := p.pools.Load(addr.String())
	if !inMap {
		return nil, errors.Newf("%s is not registered", addr.String())
	}
	return pool.Get()
}

// This returns true when the given address is registered and its node is
// marked down.
func (p *MultiNodePool) IsDown(network string, address string) bool {
	addr := NetworkAddress{Network: network, Address: address}

	pool, inMap := p.pools.Load(addr.String())
	if !inMap {
		return false
	}
	return pool.IsDown()
}

// This returns the total number of checked-out connections.
func (p *MultiNodePool) NumActive() int32 {
	total := int32(0)
	p.pools.Range(func(key string, pool *NodePool) bool {
		total += pool.NumActive()
		return true
	})
	return total
}

// This stops the revival prober and closes all idle connections.
func (p *MultiNodePool) Close() {
	p.closeOnce.Do(func() {
		close(p.closed)
	})

	p.pools.Range(func(key string, pool *NodePool) bool {
		pool.EnterLameDuckMode()
		return true
	})
}

func (p *MultiNodePool) reviveLoop() {
	ticker := time.NewTicker(p.options.deadTimeout())
	defer ticker.Stop()

	for {
		select {
		case <-p.closed:
			return
		case <-ticker.C:
			p.probeDownNodes()
		}
	}
}

func (p *MultiNodePool) probeDownNodes() {
	p.pools.Range(func(key string, pool *NodePool) bool {
		pool.maybeRevive()
		return true
	})
}
