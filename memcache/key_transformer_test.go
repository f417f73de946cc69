package memcache

import (
	. "github.com/dropbox/godropbox/gocheck2"
	check "gopkg.in/check.v1"
)

type KeyTransformerSuite struct {
}

var _ = check.Suite(&KeyTransformerSuite{})

func (s *KeyTransformerSuite) TestIdentity(c *check.C) {
	t := NewIdentityKeyTransformer()
	c.Assert(t.Transform("Hello_World"), check.Equals, "Hello_World")
}

func (s *KeyTransformerSuite) TestLowercase(c *check.C) {
	t := NewLowercaseKeyTransformer()
	c.Assert(t.Transform("Hello_World"), check.Equals, "hello_world")
	c.Assert(t.Transform("already-lower"), check.Equals, "already-lower")
}

func (s *KeyTransformerSuite) TestSha1(c *check.C) {
	t := NewSha1KeyTransformer()

	// Arbitrarily long keys map to 40 hex characters, safely under the
	// protocol's key length cap.
	longKey := make([]byte, 10000)
	for i := range longKey {
		longKey[i] = byte('a' + i%26)
	}
	transformed := t.Transform(string(longKey))
	c.Assert(len(transformed), check.Equals, 40)
	c.Assert(isValidKeyString(transformed), IsTrue)

	// Deterministic, and distinct for distinct keys.
	c.Assert(t.Transform(string(longKey)), check.Equals, transformed)
	c.Assert(t.Transform("other") == transformed, IsFalse)
}
