package memcache

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
	"github.com/dropbox/godropbox/errors"
	"github.com/kettlemc/kettlemc/netpool"
)

// A sharded memcache client implementation where sharding management is
// handled by the provided ShardManager, and the protocol dialect by the
// provided ClientShardFactory.
type ShardedClient struct {
	manager ShardManager
	factory ClientShardFactory
}

// This creates a new ShardedClient.  Use NewRawBinaryClient or
// NewRawAsciiClient as the factory.
func NewShardedClient(
	manager ShardManager,
	factory ClientShardFactory) Client {

	return &ShardedClient{
		manager: manager,
		factory: factory,
	}
}

func (c *ShardedClient) release(
	rawClient ClientShard,
	conn netpool.ManagedConn) {

	if rawClient.IsValidState() {
		_ = conn.ReleaseConnection()
	} else {
		// The connection may have partial frames on the wire; discarding
		// also marks the node down.
		_ = conn.DiscardConnection()
	}
}

func (c *ShardedClient) unmappedError(key string) error {
	return errors.Newf("Key '%s' does not map to any memcache shard", key)
}

func (c *ShardedClient) connectionError(shard int, err error) error {
	if err == nil {
		return errors.Newf(
			"Connection unavailable for memcache shard %d", shard)
	}
	return errors.Wrapf(
		err,
		"Connection unavailable for memcache shard %d", shard)
}

func recordGetResult(conn netpool.ManagedConn, ok bool) {
	result := "ok"
	if !ok {
		result = "err"
	}
	metrics.GetOrCreateCounter(fmt.Sprintf(
		`kettlemc_sharded_gets_total{addr=%q,result=%q}`,
		conn.Key().Address,
		result)).Inc()
}

// See Client interface for documentation.
func (c *ShardedClient) Get(key string) GetResponse {
	shard, conn, err := c.manager.GetShard(key)
	if shard == -1 {
		return NewGetErrorResponse(key, c.unmappedError(key))
	}
	if err != nil {
		return NewGetErrorResponse(key, c.connectionError(shard, err))
	}
	if conn == nil {
		return NewGetErrorResponse(key, c.connectionError(shard, nil))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	result := client.Get(key)
	recordGetResult(conn, client.IsValidState())
	return result
}

func (c *ShardedClient) getMultiHelper(
	shard int,
	conn netpool.ManagedConn,
	connErr error,
	keys []string,
	resultsChannel chan map[string]GetResponse) {

	var results map[string]GetResponse
	if shard == -1 {
		results = make(map[string]GetResponse)
		for _, key := range keys {
			results[key] = NewGetErrorResponse(key, c.unmappedError(key))
		}
	} else if connErr != nil || conn == nil {
		// Multi-get is best-effort: keys routed to an unavailable shard
		// come back as cache misses, never as errors.
		results = make(map[string]GetResponse)
		for _, key := range keys {
			// NOTE: zero is an invalid version id.
			results[key] = NewGetResponse(key, StatusKeyNotFound, 0, nil, 0)
		}
	} else {
		client := c.factory(shard, conn)
		defer c.release(client, conn)

		results = client.GetMulti(keys)
		recordGetResult(conn, client.IsValidState())

		// A shard failing mid-pipeline also degrades to misses.
		if !client.IsValidState() {
			for _, key := range keys {
				if resp, inMap := results[key]; !inMap || resp.Error() != nil {
					results[key] = NewGetResponse(
						key, StatusKeyNotFound, 0, nil, 0)
				}
			}
		}
	}
	resultsChannel <- results
}

// See Client interface for documentation.
func (c *ShardedClient) GetMulti(keys []string) map[string]GetResponse {
	shardMapping := c.manager.GetShardsForKeys(keys)

	resultsChannel := make(chan map[string]GetResponse, len(shardMapping))
	for shard, mapping := range shardMapping {
		go c.getMultiHelper(
			shard,
			mapping.Connection,
			mapping.ConnErr,
			mapping.Keys,
			resultsChannel)
	}

	results := make(map[string]GetResponse)
	for i := 0; i < len(shardMapping); i++ {
		for key, resp := range <-resultsChannel {
			results[key] = resp
		}
	}
	return results
}

func (c *ShardedClient) mutate(
	mutateFunc func(Client, *Item) MutateResponse,
	item *Item) MutateResponse {

	shard, conn, err := c.manager.GetShard(item.Key)
	if shard == -1 {
		return NewMutateErrorResponse(item.Key, c.unmappedError(item.Key))
	}
	if err != nil || conn == nil {
		return NewMutateErrorResponse(
			item.Key,
			c.connectionError(shard, err))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return mutateFunc(client, item)
}

// A helper used to specify a set mutation operation on a shard client.
func setMutator(shardClient Client, shardItem *Item) MutateResponse {
	return shardClient.Set(shardItem)
}

// See Client interface for documentation.
func (c *ShardedClient) Set(item *Item) MutateResponse {
	return c.mutate(setMutator, item)
}

func (c *ShardedClient) mutateMultiHelper(
	mutateMultiFunc func(Client, []*Item) []MutateResponse,
	shard int,
	conn netpool.ManagedConn,
	connErr error,
	items []*Item,
	resultsChannel chan []MutateResponse) {

	var results []MutateResponse
	if shard == -1 {
		results = make([]MutateResponse, 0, len(items))
		for _, item := range items {
			results = append(
				results,
				NewMutateErrorResponse(item.Key, c.unmappedError(item.Key)))
		}
	} else if connErr != nil || conn == nil {
		results = make([]MutateResponse, 0, len(items))
		for _, item := range items {
			results = append(
				results,
				NewMutateErrorResponse(
					item.Key,
					c.connectionError(shard, connErr)))
		}
	} else {
		client := c.factory(shard, conn)
		defer c.release(client, conn)

		results = mutateMultiFunc(client, items)
	}

	resultsChannel <- results
}

func (c *ShardedClient) mutateMulti(
	mutateMultiFunc func(Client, []*Item) []MutateResponse,
	items []*Item) []MutateResponse {

	shardMapping := c.manager.GetShardsForItems(items)

	resultsChannel := make(chan []MutateResponse, len(shardMapping))
	for shard, mapping := range shardMapping {
		go c.mutateMultiHelper(
			mutateMultiFunc,
			shard,
			mapping.Connection,
			mapping.ConnErr,
			mapping.Items,
			resultsChannel)
	}

	results := make([]MutateResponse, 0, len(items))
	for i := 0; i < len(shardMapping); i++ {
		results = append(results, (<-resultsChannel)...)
	}
	return results
}

// A helper used to specify a SetMulti mutation operation on a shard
// client.
func setMultiMutator(shardClient Client, shardItems []*Item) []MutateResponse {
	return shardClient.SetMulti(shardItems)
}

// See Client interface for documentation.
func (c *ShardedClient) SetMulti(items []*Item) []MutateResponse {
	return c.mutateMulti(setMultiMutator, items)
}

// A helper used to specify an Add mutation operation on a shard client.
func addMutator(shardClient Client, shardItem *Item) MutateResponse {
	return shardClient.Add(shardItem)
}

// See Client interface for documentation.
func (c *ShardedClient) Add(item *Item) MutateResponse {
	return c.mutate(addMutator, item)
}

// A helper used to specify an AddMulti mutation operation on a shard
// client.
func addMultiMutator(shardClient Client, shardItems []*Item) []MutateResponse {
	return shardClient.AddMulti(shardItems)
}

// See Client interface for documentation.
func (c *ShardedClient) AddMulti(items []*Item) []MutateResponse {
	return c.mutateMulti(addMultiMutator, items)
}

// A helper used to specify a Replace mutation operation on a shard
// client.
func replaceMutator(shardClient Client, shardItem *Item) MutateResponse {
	return shardClient.Replace(shardItem)
}

// See Client interface for documentation.
func (c *ShardedClient) Replace(item *Item) MutateResponse {
	return c.mutate(replaceMutator, item)
}

// See Client interface for documentation.
func (c *ShardedClient) Delete(key string) MutateResponse {
	shard, conn, err := c.manager.GetShard(key)
	if shard == -1 {
		return NewMutateErrorResponse(key, c.unmappedError(key))
	}
	if err != nil || conn == nil {
		return NewMutateErrorResponse(key, c.connectionError(shard, err))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Delete(key)
}

func (c *ShardedClient) deleteMultiHelper(
	shard int,
	conn netpool.ManagedConn,
	connErr error,
	keys []string,
	resultsChannel chan []MutateResponse) {

	var results []MutateResponse
	if shard == -1 {
		results = make([]MutateResponse, 0, len(keys))
		for _, key := range keys {
			results = append(
				results,
				NewMutateErrorResponse(key, c.unmappedError(key)))
		}
	} else if connErr != nil || conn == nil {
		results = make([]MutateResponse, 0, len(keys))
		for _, key := range keys {
			results = append(
				results,
				NewMutateErrorResponse(
					key,
					c.connectionError(shard, connErr)))
		}
	} else {
		client := c.factory(shard, conn)
		defer c.release(client, conn)

		results = client.DeleteMulti(keys)
	}
	resultsChannel <- results
}

// See Client interface for documentation.
func (c *ShardedClient) DeleteMulti(keys []string) []MutateResponse {
	shardMapping := c.manager.GetShardsForKeys(keys)

	resultsChannel := make(chan []MutateResponse, len(shardMapping))
	for shard, mapping := range shardMapping {
		go c.deleteMultiHelper(
			shard,
			mapping.Connection,
			mapping.ConnErr,
			mapping.Keys,
			resultsChannel)
	}

	results := make([]MutateResponse, 0, len(keys))
	for i := 0; i < len(shardMapping); i++ {
		results = append(results, (<-resultsChannel)...)
	}
	return results
}

// See Client interface for documentation.
func (c *ShardedClient) Append(key string, value []byte) MutateResponse {
	shard, conn, err := c.manager.GetShard(key)
	if shard == -1 {
		return NewMutateErrorResponse(key, c.unmappedError(key))
	}
	if err != nil || conn == nil {
		return NewMutateErrorResponse(key, c.connectionError(shard, err))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Append(key, value)
}

// See Client interface for documentation.
func (c *ShardedClient) Prepend(key string, value []byte) MutateResponse {
	shard, conn, err := c.manager.GetShard(key)
	if shard == -1 {
		return NewMutateErrorResponse(key, c.unmappedError(key))
	}
	if err != nil || conn == nil {
		return NewMutateErrorResponse(key, c.connectionError(shard, err))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Prepend(key, value)
}

// See Client interface for documentation.
func (c *ShardedClient) Increment(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	shard, conn, err := c.manager.GetShard(key)
	if shard == -1 {
		return NewCountErrorResponse(key, c.unmappedError(key))
	}
	if err != nil || conn == nil {
		return NewCountErrorResponse(key, c.connectionError(shard, err))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Increment(key, delta, initValue, expiration)
}

// See Client interface for documentation.
func (c *ShardedClient) Decrement(
	key string,
	delta uint64,
	initValue uint64,
	expiration uint32) CountResponse {

	shard, conn, err := c.manager.GetShard(key)
	if shard == -1 {
		return NewCountErrorResponse(key, c.unmappedError(key))
	}
	if err != nil || conn == nil {
		return NewCountErrorResponse(key, c.connectionError(shard, err))
	}

	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Decrement(key, delta, initValue, expiration)
}

func (c *ShardedClient) flushHelper(
	shard int,
	conn netpool.ManagedConn,
	expiration uint32) Response {

	if conn == nil {
		return NewErrorResponse(c.connectionError(shard, nil))
	}
	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Flush(expiration)
}

// See Client interface for documentation.
func (c *ShardedClient) Flush(expiration uint32) Response {
	var err error
	status := StatusNoError
	for shard, conn := range c.manager.GetAllShards() {
		response := c.flushHelper(shard, conn, expiration)
		if status == StatusNoError {
			status = response.Status()
		}
		if response.Error() != nil {
			if err == nil {
				err = response.Error()
			} else {
				err = errors.Wrap(response.Error(), err.Error())
			}
		}
	}

	if err != nil {
		return &genericResponse{err: err, status: status}
	}

	return NewResponse(StatusNoError)
}

func (c *ShardedClient) statHelper(
	shard int,
	conn netpool.ManagedConn,
	statsKey string) StatResponse {

	if conn == nil {
		return NewStatErrorResponse(
			c.connectionError(shard, nil),
			make(map[int](map[string]string)))
	}
	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Stat(statsKey)
}

// See Client interface for documentation.
func (c *ShardedClient) Stat(statsKey string) StatResponse {
	statEntries := make(map[int](map[string]string))

	var err error
	status := StatusNoError
	for shard, conn := range c.manager.GetAllShards() {
		response := c.statHelper(shard, conn, statsKey)
		if status == StatusNoError {
			status = response.Status()
		}
		if response.Error() != nil {
			if err == nil {
				err = response.Error()
			} else {
				err = errors.Wrap(response.Error(), err.Error())
			}
		}

		for shardId, entries := range response.Entries() {
			statEntries[shardId] = entries
		}
	}

	if err != nil {
		return &genericResponse{
			err:         err,
			status:      status,
			statEntries: statEntries,
		}
	}

	return NewStatResponse(StatusNoError, statEntries)
}

func (c *ShardedClient) versionHelper(
	shard int,
	conn netpool.ManagedConn) VersionResponse {

	if conn == nil {
		return NewVersionErrorResponse(
			c.connectionError(shard, nil),
			make(map[int]string))
	}
	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Version()
}

// See Client interface for documentation.
func (c *ShardedClient) Version() VersionResponse {
	shardConns := c.manager.GetAllShards()

	var err error
	status := StatusNoError
	versions := make(map[int]string)
	for shard, conn := range shardConns {
		response := c.versionHelper(shard, conn)
		if status == StatusNoError {
			status = response.Status()
		}
		if response.Error() != nil {
			if err == nil {
				err = response.Error()
			} else {
				err = errors.Wrap(response.Error(), err.Error())
			}
			continue
		}

		for shardId, versionString := range response.Versions() {
			versions[shardId] = versionString
		}
	}

	if err != nil {
		return &genericResponse{err: err, status: status, versions: versions}
	}

	return NewVersionResponse(StatusNoError, versions)
}

func (c *ShardedClient) verbosityHelper(
	shard int,
	conn netpool.ManagedConn,
	verbosity uint32) Response {

	if conn == nil {
		return NewErrorResponse(c.connectionError(shard, nil))
	}
	client := c.factory(shard, conn)
	defer c.release(client, conn)

	return client.Verbosity(verbosity)
}

// See Client interface for documentation.
func (c *ShardedClient) Verbosity(verbosity uint32) Response {
	var err error
	status := StatusNoError
	for shard, conn := range c.manager.GetAllShards() {
		response := c.verbosityHelper(shard, conn, verbosity)
		if status == StatusNoError {
			status = response.Status()
		}
		if response.Error() != nil {
			if err == nil {
				err = response.Error()
			} else {
				err = errors.Wrap(response.Error(), err.Error())
			}
		}
	}

	if err != nil {
		return &genericResponse{err: err, status: status}
	}

	return NewResponse(StatusNoError)
}
