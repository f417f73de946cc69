package memcache

import (
	"fmt"
	"io"
	"net"
	"time"

	. "github.com/dropbox/godropbox/gocheck2"
	check "gopkg.in/check.v1"

	"github.com/kettlemc/kettlemc/netpool"
)

type fakeNetConn struct{}

func (c *fakeNetConn) Read(b []byte) (int, error)         { return 0, io.EOF }
func (c *fakeNetConn) Write(b []byte) (int, error)        { return len(b), nil }
func (c *fakeNetConn) Close() error                       { return nil }
func (c *fakeNetConn) LocalAddr() net.Addr                { return &net.TCPAddr{} }
func (c *fakeNetConn) RemoteAddr() net.Addr               { return &net.TCPAddr{} }
func (c *fakeNetConn) SetDeadline(t time.Time) error      { return nil }
func (c *fakeNetConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *fakeNetConn) SetWriteDeadline(t time.Time) error { return nil }

func silentConnectionOptions() netpool.ConnectionOptions {
	return netpool.ConnectionOptions{
		MaxActiveConnections: 4,
		Dial: func(network string, address string) (net.Conn, error) {
			return &fakeNetConn{}, nil
		},
		LogError: func(err error) {},
		LogInfo:  func(v ...interface{}) {},
	}
}

type KetamaShardManagerSuite struct {
	manager *KetamaShardManager
}

var _ = check.Suite(&KetamaShardManagerSuite{})

var ketamaTestServers = []string{
	"cache0:11211",
	"cache1:11211",
	"cache2:11211",
}

func (s *KetamaShardManagerSuite) SetUpTest(c *check.C) {
	s.manager = NewKetamaShardManager(
		ketamaTestServers,
		func(err error) {},
		func(v ...interface{}) {},
		silentConnectionOptions()).(*KetamaShardManager)
}

func (s *KetamaShardManagerSuite) TearDownTest(c *check.C) {
	s.manager.Close()
}

func (s *KetamaShardManagerSuite) TestGetShardIsStable(c *check.C) {
	shard, conn, err := s.manager.GetShard("some-key")
	c.Assert(err, check.IsNil)
	c.Assert(shard == -1, IsFalse)
	c.Assert(conn, check.NotNil)
	c.Assert(conn.ReleaseConnection(), check.IsNil)

	again, conn, err := s.manager.GetShard("some-key")
	c.Assert(err, check.IsNil)
	c.Assert(again, check.Equals, shard)
	c.Assert(conn.ReleaseConnection(), check.IsNil)
}

func (s *KetamaShardManagerSuite) TestAllShardsReceiveKeys(c *check.C) {
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		shard, conn, err := s.manager.GetShard(fmt.Sprintf("key-%d", i))
		c.Assert(err, check.IsNil)
		seen[shard] = true
		c.Assert(conn.ReleaseConnection(), check.IsNil)
	}
	c.Assert(len(seen), check.Equals, len(ketamaTestServers))
}

func (s *KetamaShardManagerSuite) TestShardsForKeysMatchesGetShard(c *check.C) {
	keys := make([]string, 60)
	expected := make(map[string]int)
	for i := range keys {
		keys[i] = fmt.Sprintf("key-%d", i)
		shard, conn, err := s.manager.GetShard(keys[i])
		c.Assert(err, check.IsNil)
		expected[keys[i]] = shard
		c.Assert(conn.ReleaseConnection(), check.IsNil)
	}

	mappings := s.manager.GetShardsForKeys(keys)

	total := 0
	for shard, mapping := range mappings {
		c.Assert(mapping.ConnErr, check.IsNil)
		c.Assert(mapping.Connection, check.NotNil)
		for _, key := range mapping.Keys {
			c.Assert(expected[key], check.Equals, shard)
			total++
		}
		c.Assert(mapping.Connection.ReleaseConnection(), check.IsNil)
	}
	c.Assert(total, check.Equals, len(keys))
}

func (s *KetamaShardManagerSuite) TestNodeDeathRedistributes(c *check.C) {
	shard, conn, err := s.manager.GetShard("doomed-key")
	c.Assert(err, check.IsNil)

	// Poisoning the connection marks the node down and rebuilds the ring
	// without it.
	c.Assert(conn.DiscardConnection(), check.IsNil)

	for i := 0; i < 300; i++ {
		newShard, newConn, err := s.manager.GetShard(fmt.Sprintf("key-%d", i))
		c.Assert(err, check.IsNil)
		c.Assert(newShard == shard, IsFalse)
		c.Assert(newConn, check.NotNil)
		c.Assert(newConn.ReleaseConnection(), check.IsNil)
	}
}

func (s *KetamaShardManagerSuite) TestAllNodesDown(c *check.C) {
	for {
		shard, conn, err := s.manager.GetShard("any-key")
		c.Assert(err, check.IsNil)
		if shard == -1 {
			c.Assert(conn, check.IsNil)
			break
		}
		c.Assert(conn.DiscardConnection(), check.IsNil)
	}
}

func (s *KetamaShardManagerSuite) TestGetAllShards(c *check.C) {
	conns := s.manager.GetAllShards()
	c.Assert(len(conns), check.Equals, len(ketamaTestServers))
	for _, conn := range conns {
		c.Assert(conn, check.NotNil)
		c.Assert(conn.ReleaseConnection(), check.IsNil)
	}
}

func (s *KetamaShardManagerSuite) TestUpdateServers(c *check.C) {
	s.manager.UpdateServers([]string{"cache0:11211"})

	for i := 0; i < 50; i++ {
		shard, conn, err := s.manager.GetShard(fmt.Sprintf("key-%d", i))
		c.Assert(err, check.IsNil)
		c.Assert(shard, check.Equals, 0)
		c.Assert(conn.ReleaseConnection(), check.IsNil)
	}
}

func (s *KetamaShardManagerSuite) TestEmptyServerList(c *check.C) {
	manager := NewKetamaShardManager(
		nil,
		func(err error) {},
		func(v ...interface{}) {},
		silentConnectionOptions())
	defer manager.Close()

	shard, conn, err := manager.GetShard("key")
	c.Assert(err, check.IsNil)
	c.Assert(shard, check.Equals, -1)
	c.Assert(conn, check.IsNil)
}
