package memcache

import (
	"encoding/binary"

	check "gopkg.in/check.v1"
)

type SaslSuite struct {
	channel *scriptedChannel
}

var _ = check.Suite(&SaslSuite{})

func (s *SaslSuite) SetUpTest(c *check.C) {
	s.channel = &scriptedChannel{}
}

func (s *SaslSuite) TestPlainHandshake(c *check.C) {
	s.channel.in.Write(buildResponse(
		opSaslListMechs,
		StatusNoError,
		0,
		0,
		nil,
		nil,
		[]byte("CRAM-MD5 PLAIN")))
	s.channel.in.Write(buildResponse(
		opSaslAuth, StatusNoError, 0, 0, nil, nil, []byte("Authenticated")))

	auth := NewPlainAuthenticator("user", "secret")
	c.Assert(auth.Authenticate(s.channel), check.IsNil)

	// First frame lists mechanisms, second carries the PLAIN initial
	// response.
	listReq, err := readRequestForTest(&s.channel.out)
	c.Assert(err, check.IsNil)
	c.Assert(listReq.OpCode, check.Equals, byte(opSaslListMechs))

	authHdr := header{}
	c.Assert(
		binary.Read(&s.channel.out, binary.BigEndian, &authHdr),
		check.IsNil)
	c.Assert(authHdr.OpCode, check.Equals, byte(opSaslAuth))
	c.Assert(authHdr.KeyLength, check.Equals, uint16(len("PLAIN")))

	body := make([]byte, authHdr.TotalBodyLength)
	_, err = s.channel.out.Read(body)
	c.Assert(err, check.IsNil)
	c.Assert(string(body[:5]), check.Equals, "PLAIN")
	c.Assert(body[5:], check.DeepEquals, []byte("\x00user\x00secret"))
}

func (s *SaslSuite) TestRejectedCredentials(c *check.C) {
	s.channel.in.Write(buildResponse(
		opSaslListMechs, StatusNoError, 0, 0, nil, nil, []byte("PLAIN")))
	s.channel.in.Write(buildResponse(
		opSaslAuth,
		StatusAuthRequired,
		0,
		0,
		nil,
		nil,
		[]byte("Auth failure")))

	auth := NewPlainAuthenticator("user", "wrong")
	c.Assert(auth.Authenticate(s.channel), check.NotNil)
}

func (s *SaslSuite) TestNoSupportedMechanism(c *check.C) {
	s.channel.in.Write(buildResponse(
		opSaslListMechs, StatusNoError, 0, 0, nil, nil, []byte("CRAM-MD5")))

	auth := NewPlainAuthenticator("user", "secret")
	c.Assert(auth.Authenticate(s.channel), check.NotNil)
}

func (s *SaslSuite) TestContinueLoopIsBounded(c *check.C) {
	s.channel.in.Write(buildResponse(
		opSaslListMechs, StatusNoError, 0, 0, nil, nil, []byte("PLAIN")))
	s.channel.in.Write(buildResponse(
		opSaslAuth, StatusAuthContinue, 0, 0, nil, nil, nil))
	for i := 0; i < maxAuthSteps; i++ {
		s.channel.in.Write(buildResponse(
			opSaslStep, StatusAuthContinue, 0, 0, nil, nil, nil))
	}

	auth := NewPlainAuthenticator("user", "secret")
	c.Assert(auth.Authenticate(s.channel), check.NotNil)
}

func (s *SaslSuite) TestContinueThenSuccess(c *check.C) {
	s.channel.in.Write(buildResponse(
		opSaslListMechs, StatusNoError, 0, 0, nil, nil, []byte("PLAIN")))
	s.channel.in.Write(buildResponse(
		opSaslAuth, StatusAuthContinue, 0, 0, nil, nil, nil))
	s.channel.in.Write(buildResponse(
		opSaslStep, StatusNoError, 0, 0, nil, nil, nil))

	auth := NewPlainAuthenticator("user", "secret")
	c.Assert(auth.Authenticate(s.channel), check.IsNil)
}
