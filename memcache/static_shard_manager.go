package memcache

import (
	"sync"

	"github.com/kettlemc/kettlemc/netpool"
)

// A shard manager that distributes keys over a fixed list of servers
// with a caller-provided shard function (e.g., a modulo over a cheap
// hash).  Unlike the ketama manager it does not reshuffle the keyspace
// when a server dies; keys mapped to a dead server are unavailable until
// the server revives (single-key operations fail with a connection error,
// multi-gets report those keys as misses).
type StaticShardManager struct {
	getShardId func(key string, numShard int) (shard int)
	pool       *netpool.MultiNodePool

	rwMutex sync.RWMutex
	addrs   []string // guarded by rwMutex

	logError func(err error)
	logInfo  func(v ...interface{})
}

// This creates a StaticShardManager, which returns connections from a
// static list of servers.
func NewStaticShardManager(
	serverAddrs []string,
	shardFunc func(key string, numShard int) (shard int),
	logError func(err error),
	logInfo func(v ...interface{}),
	options netpool.ConnectionOptions) ShardManager {

	m := &StaticShardManager{
		getShardId: shardFunc,
		pool:       netpool.NewMultiNodePool(options),
		addrs:      make([]string, len(serverAddrs)),
		logError:   logError,
		logInfo:    logInfo,
	}
	copy(m.addrs, serverAddrs)

	for _, addr := range m.addrs {
		if err := m.pool.Register("tcp", addr); err != nil {
			m.logError(err)
		}
	}

	return m
}

func (m *StaticShardManager) addrForKey(key string) (int, string) {
	m.rwMutex.RLock()
	defer m.rwMutex.RUnlock()

	shardId := m.getShardId(key, len(m.addrs))
	if shardId < 0 || shardId >= len(m.addrs) {
		return -1, ""
	}
	return shardId, m.addrs[shardId]
}

// See ShardManager interface for documentation.
func (m *StaticShardManager) GetShard(
	key string) (
	shardId int,
	conn netpool.ManagedConn,
	err error) {

	shardId, addr := m.addrForKey(key)
	if shardId == -1 {
		return
	}

	conn, err = m.pool.Get("tcp", addr)
	if err != nil {
		m.logError(err)
		conn = nil
	}
	return
}

// See ShardManager interface for documentation.
func (m *StaticShardManager) GetShardsForKeys(
	keys []string) map[int]*ShardMapping {

	results := make(map[int]*ShardMapping)

	for _, key := range keys {
		shardId, addr := m.addrForKey(key)

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
func (m *StaticShardManager) GetShardsForItems(
	items []*Item) map[int]*ShardMapping {

	results := make(map[int]*ShardMapping)

	for _, item := range items {
		shardId, addr := m.addrForKey(item.Key)

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
func (m *StaticShardManager) GetAllShards() map[int]netpool.ManagedConn {
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
func (m *StaticShardManager) Close() {
	m.pool.Close()
}

func (m *StaticShardManager) fillEntryWithConnection(
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
