package memcache

import (
	"io"
	"strings"

	"github.com/dropbox/godropbox/errors"
)

// An AuthContinue loop is not time-bounded by the protocol; cap the
// number of continuation steps so a misbehaving server cannot wedge
// connection setup.
const maxAuthSteps = 8

// Performs an authentication handshake on a freshly opened connection
// before the connection is used for regular operations.
type Authenticator interface {
	Authenticate(channel io.ReadWriter) error
}

type plainAuthenticator struct {
	username string
	password string
}

// This creates an Authenticator implementing the SASL PLAIN mechanism.
func NewPlainAuthenticator(username string, password string) Authenticator {
	return &plainAuthenticator{
		username: username,
		password: password,
	}
}

func (a *plainAuthenticator) exchange(
	channel io.ReadWriter,
	code opCode,
	key []byte,
	value []byte) (*responsePacket, error) {

	if err := writeRequest(channel, code, 0, 0, key, value); err != nil {
		return nil, err
	}

	resp, err := readResponse(channel)
	if err != nil {
		return nil, err
	}
	if resp.opCode != code {
		return nil, errors.Newf(
			"Invalid response op code: %d (expecting %d)",
			resp.opCode,
			code)
	}
	return resp, nil
}

// See Authenticator interface for documentation.
//
// The handshake is: list the server's mechanisms, pick PLAIN, then send
// the initial response.  The server either accepts, asks for more steps
// (which PLAIN never needs, but a step limit guards the loop anyway), or
// rejects the credentials.
func (a *plainAuthenticator) Authenticate(channel io.ReadWriter) error {
	resp, err := a.exchange(channel, opSaslListMechs, nil, nil)
	if err != nil {
		return errors.Wrap(err, "Failed to list SASL mechanisms")
	}
	if resp.status != StatusNoError {
		return errors.Wrap(
			NewStatusCodeError(resp.status),
			"Failed to list SASL mechanisms")
	}

	mechanism := ""
	for _, offered := range strings.Fields(string(resp.value)) {
		if offered == "PLAIN" {
			mechanism = offered
			break
		}
	}
	if mechanism == "" {
		return errors.Newf(
			"Server offers no supported SASL mechanism: %s",
			string(resp.value))
	}

	payload := []byte("\x00" + a.username + "\x00" + a.password)
	resp, err = a.exchange(channel, opSaslAuth, []byte(mechanism), payload)
	if err != nil {
		return errors.Wrap(err, "SASL authentication failed")
	}

	for steps := 0; resp.status == StatusAuthContinue; steps++ {
		if steps == maxAuthSteps {
			return errors.Newf(
				"SASL handshake did not converge after %d steps",
				maxAuthSteps)
		}

		resp, err = a.exchange(channel, opSaslStep, []byte(mechanism), payload)
		if err != nil {
			return errors.Wrap(err, "SASL step failed")
		}
	}

	if resp.status != StatusNoError {
		return errors.Wrap(
			NewStatusCodeError(resp.status),
			"SASL authentication rejected")
	}
	return nil
}
