package memcache

import (
	"io"
	"net"

	. "github.com/dropbox/godropbox/gocheck2"
	check "gopkg.in/check.v1"

	"github.com/kettlemc/kettlemc/netpool"
)

type fakeManagedConn struct {
	fakeNetConn
	addr netpool.NetworkAddress
}

func (c *fakeManagedConn) Key() netpool.NetworkAddress { return c.addr }
func (c *fakeManagedConn) RawConn() net.Conn           { return &c.fakeNetConn }
func (c *fakeManagedConn) Owner() *netpool.NodePool    { return nil }
func (c *fakeManagedConn) ReleaseConnection() error    { return nil }
func (c *fakeManagedConn) DiscardConnection() error    { return nil }

// A shard client stub that serves requests straight from an in-memory
// backend, ignoring the wire channel.
type stubShardClient struct {
	Client
	shard int
}

func (s *stubShardClient) ShardId() int       { return s.shard }
func (s *stubShardClient) IsValidState() bool { return true }

// A two-shard manager splitting keys on their first byte.  Shard 1 can
// be taken down to exercise the degraded paths.
type fakeShardManager struct {
	shardOneDown bool
}

func (m *fakeShardManager) shardForKey(key string) int {
	if key != "" && key[0] < 'm' {
		return 0
	}
	return 1
}

func (m *fakeShardManager) connFor(shard int) netpool.ManagedConn {
	if shard == 1 && m.shardOneDown {
		return nil
	}
	return &fakeManagedConn{
		addr: netpool.NetworkAddress{Network: "tcp", Address: "fake:11211"},
	}
}

func (m *fakeShardManager) GetShard(
	key string) (int, netpool.ManagedConn, error) {

	shard := m.shardForKey(key)
	return shard, m.connFor(shard), nil
}

func (m *fakeShardManager) GetShardsForKeys(
	keys []string) map[int]*ShardMapping {

	results := make(map[int]*ShardMapping)
	for _, key := range keys {
		shard := m.shardForKey(key)
		entry, inMap := results[shard]
		if !inMap {
			entry = &ShardMapping{Connection: m.connFor(shard)}
			results[shard] = entry
		}
		entry.Keys = append(entry.Keys, key)
	}
	return results
}

func (m *fakeShardManager) GetShardsForItems(
	items []*Item) map[int]*ShardMapping {

	results := make(map[int]*ShardMapping)
	for _, item := range items {
		shard := m.shardForKey(item.Key)
		entry, inMap := results[shard]
		if !inMap {
			entry = &ShardMapping{Connection: m.connFor(shard)}
			results[shard] = entry
		}
		entry.Items = append(entry.Items, item)
	}
	return results
}

func (m *fakeShardManager) GetAllShards() map[int]netpool.ManagedConn {
	return map[int]netpool.ManagedConn{
		0: m.connFor(0),
		1: m.connFor(1),
	}
}

func (m *fakeShardManager) Close() {
}

type ShardedClientSuite struct {
	manager  *fakeShardManager
	backends []Client
	client   Client
}

var _ = check.Suite(&ShardedClientSuite{})

func (s *ShardedClientSuite) SetUpTest(c *check.C) {
	s.manager = &fakeShardManager{}
	s.backends = []Client{NewInMemoryClient(), NewInMemoryClient()}

	factory := func(shard int, channel io.ReadWriter) ClientShard {
		return &stubShardClient{
			Client: s.backends[shard],
			shard:  shard,
		}
	}
	s.client = NewShardedClient(s.manager, factory)
}

func (s *ShardedClientSuite) TestRouting(c *check.C) {
	resp := s.client.Set(&Item{Key: "apple", Value: []byte("red")})
	c.Assert(resp.Error(), check.IsNil)
	resp = s.client.Set(&Item{Key: "zebra", Value: []byte("striped")})
	c.Assert(resp.Error(), check.IsNil)

	// Each backend only holds its own shard's key.
	c.Assert(
		s.backends[0].Get("apple").Status(),
		check.Equals,
		StatusNoError)
	c.Assert(
		s.backends[0].Get("zebra").Status(),
		check.Equals,
		StatusKeyNotFound)
	c.Assert(
		s.backends[1].Get("zebra").Status(),
		check.Equals,
		StatusNoError)

	getResp := s.client.Get("apple")
	c.Assert(getResp.Error(), check.IsNil)
	c.Assert(getResp.Value(), check.DeepEquals, []byte("red"))
}

func (s *ShardedClientSuite) TestGetMultiMergesShards(c *check.C) {
	c.Assert(
		s.client.Set(&Item{Key: "apple", Value: []byte("1")}).Error(),
		check.IsNil)
	c.Assert(
		s.client.Set(&Item{Key: "zebra", Value: []byte("2")}).Error(),
		check.IsNil)

	responses := s.client.GetMulti([]string{"apple", "zebra", "missing"})
	c.Assert(len(responses), check.Equals, 3)
	c.Assert(responses["apple"].Value(), check.DeepEquals, []byte("1"))
	c.Assert(responses["zebra"].Value(), check.DeepEquals, []byte("2"))
	c.Assert(responses["missing"].Status(), check.Equals, StatusKeyNotFound)
}

func (s *ShardedClientSuite) TestGetMultiDeadShardYieldsMisses(c *check.C) {
	c.Assert(
		s.client.Set(&Item{Key: "apple", Value: []byte("1")}).Error(),
		check.IsNil)
	c.Assert(
		s.client.Set(&Item{Key: "zebra", Value: []byte("2")}).Error(),
		check.IsNil)

	s.manager.shardOneDown = true

	responses := s.client.GetMulti([]string{"apple", "zebra"})
	c.Assert(responses["apple"].Error(), check.IsNil)
	c.Assert(responses["apple"].Value(), check.DeepEquals, []byte("1"))

	// The dead shard's key is a miss, not an error.
	c.Assert(responses["zebra"].Error(), check.IsNil)
	c.Assert(responses["zebra"].Status(), check.Equals, StatusKeyNotFound)
}

func (s *ShardedClientSuite) TestMutateDeadShardFails(c *check.C) {
	s.manager.shardOneDown = true

	resp := s.client.Set(&Item{Key: "zebra", Value: []byte("2")})
	c.Assert(resp.Error(), check.NotNil)

	delResp := s.client.Delete("zebra")
	c.Assert(delResp.Error(), check.NotNil)

	countResp := s.client.Increment("zebra", 1, 1, 0)
	c.Assert(countResp.Error(), check.NotNil)
}

func (s *ShardedClientSuite) TestSetMultiFanOut(c *check.C) {
	items := []*Item{
		{Key: "apple", Value: []byte("1")},
		{Key: "zebra", Value: []byte("2")},
		{Key: "banana", Value: []byte("3")},
	}

	responses := s.client.SetMulti(items)
	c.Assert(len(responses), check.Equals, 3)
	for _, resp := range responses {
		c.Assert(resp.Error(), check.IsNil)
	}

	c.Assert(
		s.backends[0].Get("banana").Status(),
		check.Equals,
		StatusNoError)
}

func (s *ShardedClientSuite) TestVersionFanOut(c *check.C) {
	resp := s.client.Version()
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(len(resp.Versions()) >= 1, IsTrue)
}
