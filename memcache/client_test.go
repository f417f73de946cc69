package memcache

import (
	"fmt"
	"time"

	. "github.com/dropbox/godropbox/gocheck2"
	"github.com/dropbox/godropbox/time2"
	check "gopkg.in/check.v1"

	"github.com/kettlemc/kettlemc/transcoder"
)

type CacheClientSuite struct {
	clock *time2.MockClock
	cache *CacheClient
}

var _ = check.Suite(&CacheClientSuite{})

func (s *CacheClientSuite) SetUpTest(c *check.C) {
	s.clock = &time2.MockClock{}
	s.clock.Set(time.Unix(1700000000, 0))

	s.cache = NewCacheClientWithOptions(
		NewInMemoryClientWithClock(s.clock.Now),
		CacheClientOptions{NowFunc: s.clock.Now})
}

func (s *CacheClientSuite) TestStringRoundTrip(c *check.C) {
	result := s.cache.StoreForever(StoreModeSet, "greeting", "hello")
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Cas == 0, IsFalse)

	result = s.cache.Get("greeting")
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.Equals, "hello")
}

func (s *CacheClientSuite) TestInt64RoundTrip(c *check.C) {
	result := s.cache.StoreForever(StoreModeSet, "TestLong", int64(65432123456))
	c.Assert(result.Success, IsTrue)

	result = s.cache.Get("TestLong")
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.Equals, int64(65432123456))
}

func (s *CacheClientSuite) TestLargeBufferRoundTrip(c *check.C) {
	payload := make([]byte, 200*1024)
	for i := range payload {
		payload[i] = byte(i % 256)
	}

	result := s.cache.StoreForever(StoreModeSet, "blob", payload)
	c.Assert(result.Success, IsTrue)

	result = s.cache.Get("blob")
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.DeepEquals, interface{}(payload))
}

type testObject struct {
	FieldA string
	FieldB string
	FieldC int64
	FieldD bool
}

func (s *CacheClientSuite) TestCompositeWithExpiration(c *check.C) {
	original := testObject{
		FieldA: "Hello",
		FieldB: "World",
		FieldC: 19810619,
		FieldD: true,
	}

	result := s.cache.Store(
		StoreModeSet, "Hello_World", original, 5*time.Second)
	c.Assert(result.Success, IsTrue)

	fetched := testObject{}
	result = s.cache.GetInto("Hello_World", &fetched)
	c.Assert(result.Success, IsTrue)
	c.Assert(fetched, check.Equals, original)

	// Past the expiration the entry is gone.
	s.clock.Advance(8 * time.Second)
	result = s.cache.GetInto("Hello_World", &testObject{})
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyNotFound))
}

func (s *CacheClientSuite) TestStoreModeSemantics(c *check.C) {
	// Set on a fresh key succeeds.
	c.Assert(
		s.cache.StoreForever(StoreModeSet, "VALUE", "1").Success,
		IsTrue)

	// Add on a known key fails and leaves the value untouched.
	result := s.cache.StoreForever(StoreModeAdd, "VALUE", "2")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyExists))
	c.Assert(s.cache.Get("VALUE").Value, check.Equals, "1")

	// Replace on a known key succeeds.
	c.Assert(
		s.cache.StoreForever(StoreModeReplace, "VALUE", "4").Success,
		IsTrue)
	c.Assert(s.cache.Get("VALUE").Value, check.Equals, "4")

	// Remove, then Replace fails but Add succeeds.
	c.Assert(s.cache.Remove("VALUE").Success, IsTrue)

	result = s.cache.StoreForever(StoreModeReplace, "VALUE", "8")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyNotFound))

	c.Assert(
		s.cache.StoreForever(StoreModeAdd, "VALUE", "16").Success,
		IsTrue)
	c.Assert(s.cache.Get("VALUE").Value, check.Equals, "16")
}

func (s *CacheClientSuite) TestCompareAndStore(c *check.C) {
	result := s.cache.StoreForever(StoreModeSet, "cas-key", "v")
	c.Assert(result.Success, IsTrue)
	cas1 := result.Cas

	result = s.cache.StoreForever(StoreModeSet, "cas-key", "v2")
	c.Assert(result.Success, IsTrue)
	cas2 := result.Cas
	c.Assert(cas1 == cas2, IsFalse)

	// A stale token loses.
	result = s.cache.CompareAndStore(StoreModeSet, "cas-key", "v3", cas1, 0)
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyExists))

	// The current token wins.
	result = s.cache.CompareAndStore(StoreModeSet, "cas-key", "v3", cas2, 0)
	c.Assert(result.Success, IsTrue)
	c.Assert(s.cache.Get("cas-key").Value, check.Equals, "v3")

	// A zero token is rejected client side.
	result = s.cache.CompareAndStore(StoreModeSet, "cas-key", "v4", 0, 0)
	c.Assert(result.Success, IsFalse)
}

func (s *CacheClientSuite) TestExpirationValidation(c *check.C) {
	c.Assert(
		s.cache.Store(StoreModeSet, "k", "v", 0).Success,
		IsFalse)
	c.Assert(
		s.cache.Store(StoreModeSet, "k", "v", -time.Second).Success,
		IsFalse)

	// Far-future ttls are converted to an absolute epoch expiration.
	result := s.cache.Store(StoreModeSet, "k", "v", 45*24*time.Hour)
	c.Assert(result.Success, IsTrue)
	c.Assert(s.cache.Get("k").Success, IsTrue)

	s.clock.Advance(46 * 24 * time.Hour)
	c.Assert(s.cache.Get("k").Success, IsFalse)
}

func (s *CacheClientSuite) TestStoreUntil(c *check.C) {
	deadline := s.clock.Now().Add(10 * time.Second)
	result := s.cache.StoreUntil(StoreModeSet, "k", "v", deadline)
	c.Assert(result.Success, IsTrue)

	s.clock.Advance(11 * time.Second)
	c.Assert(s.cache.Get("k").Success, IsFalse)

	// A deadline in the past is rejected.
	result = s.cache.StoreUntil(
		StoreModeSet, "k", "v", s.clock.Now().Add(-time.Minute))
	c.Assert(result.Success, IsFalse)
}

func (s *CacheClientSuite) TestMultiGet(c *check.C) {
	keys := make([]string, 100)
	for i := range keys {
		keys[i] = fmt.Sprintf("multi-key-%d", i)
		result := s.cache.StoreForever(StoreModeSet, keys[i], i)
		c.Assert(result.Success, IsTrue)
	}

	results := s.cache.MultiGetWithCas(keys)
	c.Assert(len(results), check.Equals, 100)
	for i, key := range keys {
		c.Assert(results[key].Success, IsTrue)
		c.Assert(results[key].Value, check.Equals, i)
		c.Assert(results[key].Cas == 0, IsFalse)
	}
}

func (s *CacheClientSuite) TestMultiGetMisses(c *check.C) {
	c.Assert(s.cache.StoreForever(StoreModeSet, "present", "v").Success, IsTrue)

	results := s.cache.MultiGet([]string{"present", "absent"})
	c.Assert(results["present"].Success, IsTrue)
	c.Assert(results["absent"].Success, IsFalse)
	c.Assert(results["absent"].StatusCode, check.Equals, uint16(StatusKeyNotFound))
	c.Assert(results["absent"].Message, check.Equals, "")
}

func (s *CacheClientSuite) TestIncrementSeedsLargeInitial(c *check.C) {
	initial := uint64(5600000000000) + 1234

	result := s.cache.Increment("VALUE", 2, initial, 0)
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.Equals, initial)

	result = s.cache.Increment("VALUE", 24, 10, 0)
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.Equals, initial+24)
}

func (s *CacheClientSuite) TestIncrementNeverSeed(c *check.C) {
	result := s.cache.Increment("missing", 1, 1, NeverSeedCounter)
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyNotFound))
}

func (s *CacheClientSuite) TestDecrementSaturates(c *check.C) {
	result := s.cache.Increment("counter", 0, 5, 0)
	c.Assert(result.Success, IsTrue)

	result = s.cache.Decrement("counter", 100, 0, 0)
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.Equals, uint64(0))
}

func (s *CacheClientSuite) TestRemoveIdempotence(c *check.C) {
	c.Assert(s.cache.StoreForever(StoreModeSet, "gone", "v").Success, IsTrue)
	c.Assert(s.cache.Remove("gone").Success, IsTrue)

	result := s.cache.Remove("gone")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyNotFound))

	result = s.cache.Remove("gone")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.StatusCode, check.Equals, uint16(StatusKeyNotFound))
}

func (s *CacheClientSuite) TestAppendPrepend(c *check.C) {
	c.Assert(
		s.cache.StoreForever(StoreModeSet, "concat", []byte("mid")).Success,
		IsTrue)
	c.Assert(s.cache.Append("concat", []byte("-end")).Success, IsTrue)
	c.Assert(s.cache.Prepend("concat", []byte("start-")).Success, IsTrue)

	result := s.cache.Get("concat")
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.DeepEquals, interface{}([]byte("start-mid-end")))
}

func (s *CacheClientSuite) TestFlush(c *check.C) {
	c.Assert(s.cache.StoreForever(StoreModeSet, "a", "1").Success, IsTrue)
	c.Assert(s.cache.StoreForever(StoreModeSet, "b", "2").Success, IsTrue)

	c.Assert(s.cache.Flush(0).Success, IsTrue)
	c.Assert(s.cache.Get("a").Success, IsFalse)
	c.Assert(s.cache.Get("b").Success, IsFalse)
}

func (s *CacheClientSuite) TestTranscoderMismatchKeepsRawPayload(c *check.C) {
	// Store raw bytes claiming an int64 type tag; the decode must fail
	// but surface the payload.
	backend := NewInMemoryClient()
	backend.Set(&Item{
		Key:   "corrupt",
		Value: []byte("definitely not an int64"),
		Flags: transcoder.FlagInt64,
	})

	cache := NewCacheClient(backend)
	result := cache.Get("corrupt")
	c.Assert(result.Success, IsFalse)
	c.Assert(result.Message == "", IsFalse)
	c.Assert(
		result.RawValue,
		check.DeepEquals,
		[]byte("definitely not an int64"))
}

func (s *CacheClientSuite) TestKeyTransformerApplied(c *check.C) {
	backend := NewInMemoryClient()
	cache := NewCacheClientWithOptions(backend, CacheClientOptions{
		KeyTransformer: NewLowercaseKeyTransformer(),
	})

	c.Assert(cache.StoreForever(StoreModeSet, "MiXeD", "v").Success, IsTrue)
	c.Assert(cache.Get("mixed").Success, IsTrue)
	c.Assert(cache.Get("MIXED").Value, check.Equals, "v")

	// The backend only ever sees the transformed key.
	resp := backend.Get("mixed")
	c.Assert(resp.Status(), check.Equals, StatusNoError)
}

func (s *CacheClientSuite) TestCounterValueInterop(c *check.C) {
	// Counters hold ascii numbers; a value stored as a string is
	// incrementable.
	c.Assert(s.cache.StoreForever(StoreModeSet, "n", "41").Success, IsTrue)

	result := s.cache.Increment("n", 1, 0, NeverSeedCounter)
	c.Assert(result.Success, IsTrue)
	c.Assert(result.Value, check.Equals, uint64(42))
}
