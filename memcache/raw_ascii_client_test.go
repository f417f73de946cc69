package memcache

import (
	. "github.com/dropbox/godropbox/gocheck2"
	check "gopkg.in/check.v1"
)

type RawAsciiClientSuite struct {
	channel *scriptedChannel
	client  *RawAsciiClient
}

var _ = check.Suite(&RawAsciiClientSuite{})

func (s *RawAsciiClientSuite) SetUpTest(c *check.C) {
	s.channel = &scriptedChannel{}
	s.client = NewRawAsciiClient(0, s.channel).(*RawAsciiClient)
}

func (s *RawAsciiClientSuite) TestGetHit(c *check.C) {
	s.channel.in.WriteString(
		"VALUE greeting 42 5 99\r\nhello\r\nEND\r\n")

	resp := s.client.Get("greeting")
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(resp.Value(), check.DeepEquals, []byte("hello"))
	c.Assert(resp.Flags(), check.Equals, uint32(42))
	c.Assert(resp.DataVersionId(), check.Equals, uint64(99))

	c.Assert(s.channel.out.String(), check.Equals, "gets greeting\r\n")
	c.Assert(s.client.IsValidState(), IsTrue)
}

func (s *RawAsciiClientSuite) TestGetMiss(c *check.C) {
	s.channel.in.WriteString("END\r\n")

	resp := s.client.Get("missing")
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(resp.Status(), check.Equals, StatusKeyNotFound)
}

func (s *RawAsciiClientSuite) TestGetMulti(c *check.C) {
	s.channel.in.WriteString(
		"VALUE k1 0 2 7\r\nv1\r\nVALUE k3 0 2 9\r\nv3\r\nEND\r\n")

	responses := s.client.GetMulti([]string{"k1", "k2", "k3"})
	c.Assert(responses["k1"].Value(), check.DeepEquals, []byte("v1"))
	c.Assert(responses["k2"].Status(), check.Equals, StatusKeyNotFound)
	c.Assert(responses["k3"].Value(), check.DeepEquals, []byte("v3"))

	c.Assert(s.channel.out.String(), check.Equals, "gets k1 k2 k3\r\n")
}

func (s *RawAsciiClientSuite) TestUnexpectedKeyPoisonsClient(c *check.C) {
	s.channel.in.WriteString(
		"VALUE interloper 0 2 7\r\nv1\r\nEND\r\n")

	responses := s.client.GetMulti([]string{"k1"})
	c.Assert(responses["k1"].Error(), check.NotNil)
	c.Assert(s.client.IsValidState(), IsFalse)
}

func (s *RawAsciiClientSuite) TestSet(c *check.C) {
	s.channel.in.WriteString("STORED\r\n")

	resp := s.client.Set(&Item{
		Key:        "greeting",
		Value:      []byte("hello"),
		Flags:      42,
		Expiration: 300,
	})
	c.Assert(resp.Error(), check.IsNil)

	c.Assert(
		s.channel.out.String(),
		check.Equals,
		"set greeting 42 300 5\r\nhello\r\n")
}

func (s *RawAsciiClientSuite) TestSetWithCas(c *check.C) {
	s.channel.in.WriteString("EXISTS\r\n")

	resp := s.client.Set(&Item{
		Key:           "greeting",
		Value:         []byte("hello"),
		DataVersionId: 7,
	})
	c.Assert(resp.Error(), check.NotNil)
	c.Assert(resp.Status(), check.Equals, StatusKeyExists)

	c.Assert(
		s.channel.out.String(),
		check.Equals,
		"cas greeting 0 0 5 7\r\nhello\r\n")
}

func (s *RawAsciiClientSuite) TestAddWithCasRejected(c *check.C) {
	resp := s.client.Add(&Item{
		Key:           "greeting",
		Value:         []byte("hello"),
		DataVersionId: 7,
	})
	c.Assert(resp.Error(), check.NotNil)
	c.Assert(s.channel.out.Len(), check.Equals, 0)
}

func (s *RawAsciiClientSuite) TestDelete(c *check.C) {
	s.channel.in.WriteString("DELETED\r\nNOT_FOUND\r\n")

	responses := s.client.DeleteMulti([]string{"k1", "k2"})
	c.Assert(responses[0].Error(), check.IsNil)
	c.Assert(responses[1].Error(), check.NotNil)
	c.Assert(responses[1].Status(), check.Equals, StatusKeyNotFound)

	c.Assert(
		s.channel.out.String(),
		check.Equals,
		"delete k1\r\ndelete k2\r\n")
}

func (s *RawAsciiClientSuite) TestIncrement(c *check.C) {
	s.channel.in.WriteString("43\r\n")

	resp := s.client.Increment("counter", 1, 0, NeverSeedCounter)
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(resp.Count(), check.Equals, uint64(43))

	c.Assert(s.channel.out.String(), check.Equals, "incr counter 1\r\n")
}

func (s *RawAsciiClientSuite) TestIncrementRequiresNeverSeed(c *check.C) {
	resp := s.client.Increment("counter", 1, 5, 0)
	c.Assert(resp.Error(), check.NotNil)
	c.Assert(s.channel.out.Len(), check.Equals, 0)
}

func (s *RawAsciiClientSuite) TestFlush(c *check.C) {
	s.channel.in.WriteString("OK\r\n")

	resp := s.client.Flush(0)
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(s.channel.out.String(), check.Equals, "flush_all 0\r\n")
}

func (s *RawAsciiClientSuite) TestStat(c *check.C) {
	s.channel.in.WriteString(
		"STAT pid 4242\r\nSTAT version 1.4.25\r\nEND\r\n")

	resp := s.client.Stat("")
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(resp.Entries(), check.DeepEquals, map[int](map[string]string){
		0: {
			"pid":     "4242",
			"version": "1.4.25",
		},
	})
}

func (s *RawAsciiClientSuite) TestVersion(c *check.C) {
	s.channel.in.WriteString("VERSION 1.4.25\r\n")

	resp := s.client.Version()
	c.Assert(resp.Error(), check.IsNil)
	c.Assert(resp.Versions(), check.DeepEquals, map[int]string{0: "1.4.25"})
}
