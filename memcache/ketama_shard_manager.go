package memcache

import (
	"sync"

	"github.com/kettlemc/kettlemc/ketama"
	"github.com/kettlemc/kettlemc/netpool"
)

// A shard manager that maps keys to servers with a ketama consistent
// hash ring, so that adding or removing a server only redistributes the
// affected slice of the keyspace.
//
// The ring is built over the servers currently believed alive.  The
// connection pool reports node deaths and revivals through callbacks;
// each transition atomically swaps in a rebuilt ring, so a dead server
// stops receiving keys immediately and its keyspace spills over to the
// remaining servers.
type KetamaShardManager struct {
	pool *netpool.MultiNodePool

	rwMutex sync.RWMutex
	addrs   []string        // guarded by rwMutex; shard id = index
	shardId map[string]int  // guarded by rwMutex
	alive   map[string]bool // guarded by rwMutex
	ring    *ketama.Ring    // guarded by rwMutex (atomically replaced)

	logError func(err error)
	logInfo  func(v ...interface{})
}

// This creates a KetamaShardManager serving the given "host:port"
// server addresses.  The manager owns the connection pool it creates
// from options; Close releases it.
func NewKetamaShardManager(
	serverAddrs []string,
	logError func(err error),
	logInfo func(v ...interface{}),
	options netpool.ConnectionOptions) ShardManager {

	m := &KetamaShardManager{
		shardId:  make(map[string]int),
		alive:    make(map[string]bool),
		logError: logError,
		logInfo:  logInfo,
	}

	// The pool drives ring membership through these hooks.
	options.OnNodeDown = m.handleNodeDown
	options.OnNodeUp = m.handleNodeUp
	m.pool = netpool.NewMultiNodePool(options)

	m.UpdateServers(serverAddrs)

	return m
}

// This updates the manager to serve a new set of server addresses.
// Connections to removed servers are closed; added servers join the
// ring immediately.
func (m *KetamaShardManager) UpdateServers(serverAddrs []string) {
	m.rwMutex.Lock()
	defer m.rwMutex.Unlock()

	newAddrs := make(map[string]bool, len(serverAddrs))
	for _, addr := range serverAddrs {
		newAddrs[addr] = true
	}

	for _, addr := range m.addrs {
		if !newAddrs[addr] {
			if err := m.pool.Unregister("tcp", addr); err != nil {
				m.logError(err)
			}
			delete(m.alive, addr)
		}
	}

	known := make(map[string]bool, len(m.addrs))
	for _, addr := range m.addrs {
		known[addr] = true
	}
	for _, addr := range serverAddrs {
		if known[addr] {
			continue
		}
		known[addr] = true
		if err := m.pool.Register("tcp", addr); err != nil {
			m.logError(err)
			continue
		}
		m.alive[addr] = true
	}

	m.addrs = make([]string, 0, len(serverAddrs))
	m.shardId = make(map[string]int, len(serverAddrs))
	for _, addr := range serverAddrs {
		if _, inMap := m.shardId[addr]; inMap {
			continue
		}
		m.shardId[addr] = len(m.addrs)
		m.addrs = append(m.addrs, addr)
	}

	m.rebuildRingLocked()
}

func (m *KetamaShardManager) rebuildRingLocked() {
	aliveAddrs := make([]string, 0, len(m.addrs))
	for _, addr := range m.addrs {
		if m.alive[addr] {
			aliveAddrs = append(aliveAddrs, addr)
		}
	}
	m.ring = ketama.New(aliveAddrs)
}

func (m *KetamaShardManager) handleNodeDown(addr netpool.NetworkAddress) {
	m.rwMutex.Lock()
	defer m.rwMutex.Unlock()

	if !m.alive[addr.Address] {
		return
	}
	m.alive[addr.Address] = false
	m.rebuildRingLocked()
	m.logInfo("Server ", addr.Address, " left the ring")
}

func (m *KetamaShardManager) handleNodeUp(addr netpool.NetworkAddress) {
	m.rwMutex.Lock()
	defer m.rwMutex.Unlock()

	if _, inMap := m.shardId[addr.Address]; !inMap {
		return // no longer a member
	}
	if m.alive[addr.Address] {
		return
	}
	m.alive[addr.Address] = true
	m.rebuildRingLocked()
	m.logInfo("Server ", addr.Address, " rejoined the ring")
}

// Grabs a consistent view of the ring and the shard id table.  pool.Get
// must never be called while holding rwMutex: a dial failure inside
// pool.Get reports back through handleNodeDown, which takes the write
// lock.
func (m *KetamaShardManager) snapshot() (*ketama.Ring, map[string]int) {
	m.rwMutex.RLock()
	defer m.rwMutex.RUnlock()
	return m.ring, m.shardId
}

// See ShardManager interface for documentation.
func (m *KetamaShardManager) GetShard(
	key string) (
	shardId int,
	conn netpool.ManagedConn,
	err error) {

	ring, shardIds := m.snapshot()

	addr, ok := ring.Node(key)
	if !ok {
		return -1, nil, nil
	}
	shardId = shardIds[addr]

	conn, err = m.pool.Get("tcp", addr)
	if err != nil {
		m.logError(err)
		conn = nil
	}
	return
}

// See ShardManager interface for documentation.
func (m *KetamaShardManager) GetShardsForKeys(
	keys []string) map[int]*ShardMapping {

	ring, shardIds := m.snapshot()

	results := make(map[int]*ShardMapping)

	for _, key := range keys {
		shardId := -1
		addr, ok := ring.Node(key)
		if ok {
			shardId = shardIds[addr]
		}

		entry, inMap := results[shardId]
		if !inMap {
			entry = &ShardMapping{}
			if shardId != -1 {
				m.fillEntryWithConnection(addr, entry)
			}
			entry.Keys = make([]string, 0, 1)
			results[shardId] = entry
		}
		entry.Keys = append(entry.Keys, key)
	}

	return results
}

// See ShardManager interface for documentation.
func (m *KetamaShardManager) GetShardsForItems(
	items []*Item) map[int]*ShardMapping {

	ring, shardIds := m.snapshot()

	results := make(map[int]*ShardMapping)

	for _, item := range items {
		shardId := -1
		addr, ok := ring.Node(item.Key)
		if ok {
			shardId = shardIds[addr]
		}

		entry, inMap := results[shardId]
		if !inMap {
			entry = &ShardMapping{}
			if shardId != -1 {
				m.fillEntryWithConnection(addr, entry)
			}
			entry.Items = make([]*Item, 0, 1)
			results[shardId] = entry
		}
		entry.Items = append(entry.Items, item)
	}

	return results
}

// See ShardManager interface for documentation.
func (m *KetamaShardManager) GetAllShards() map[int]netpool.ManagedConn {
	m.rwMutex.RLock()
	addrs := make([]string, len(m.addrs))
	copy(addrs, m.addrs)
	m.rwMutex.RUnlock()

	results := make(map[int]netpool.ManagedConn)
	for i, addr := range addrs {
		conn, err := m.pool.Get("tcp", addr)
		if err != nil {
			m.logError(err)
			conn = nil
		}
		results[i] = conn
	}

	return results
}

// See ShardManager interface for documentation.
func (m *KetamaShardManager) Close() {
	m.pool.Close()
}

func (m *KetamaShardManager) fillEntryWithConnection(
	addr string,
	entry *ShardMapping) {

	conn, err := m.pool.Get("tcp", addr)
	if err != nil {
		m.logError(err)
		entry.ConnErr = err
	} else {
		entry.Connection = conn
	}
}
