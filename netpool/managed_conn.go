package netpool

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/dropbox/godropbox/errors"
)

// A connection managed by a node pool.  NOTE: SetDeadline,
// SetReadDeadline and SetWriteDeadline are disabled for managed
// connections (The deadlines are set by the pool with respect to the
// receive/send timeouts specified in ConnectionOptions).
type ManagedConn interface {
	net.Conn

	// This returns the original (network, address) entry used for creating
	// the connection.
	Key() NetworkAddress

	// This returns the underlying net.Conn implementation.
	RawConn() net.Conn

	// This returns the node pool which owns this connection.
	Owner() *NodePool

	// This indicates a user is done with the connection and releases the
	// connection back to the node pool.
	ReleaseConnection() error

	// This indicates the connection is in an invalid state.  The
	// connection is closed, and the owning node is marked down.
	DiscardConnection() error
}

type managedConnImpl struct {
	addr    NetworkAddress
	conn    net.Conn
	pool    *NodePool
	options ConnectionOptions

	// Set once the connection is released or discarded.  A finished
	// connection must not be handed back to the pool a second time.
	finished int32
}

func newManagedConn(
	addr NetworkAddress,
	conn net.Conn,
	pool *NodePool,
	options ConnectionOptions) ManagedConn {

	return &managedConnImpl{
		addr:    addr,
		conn:    conn,
		pool:    pool,
		options: options,
	}
}

// See ManagedConn for documentation.
func (c *managedConnImpl) Key() NetworkAddress {
	return c.addr
}

// See ManagedConn for documentation.
func (c *managedConnImpl) RawConn() net.Conn {
	return c.conn
}

// See ManagedConn for documentation.
func (c *managedConnImpl) Owner() *NodePool {
	return c.pool
}

// See ManagedConn for documentation.
func (c *managedConnImpl) ReleaseConnection() error {
	if !atomic.CompareAndSwapInt32(&c.finished, 0, 1) {
		return errors.New("Connection was already returned to the pool")
	}
	c.pool.release(c.conn)
	return nil
}

// See ManagedConn for documentation.
func (c *managedConnImpl) DiscardConnection() error {
	if !atomic.CompareAndSwapInt32(&c.finished, 0, 1) {
		return errors.New("Connection was already returned to the pool")
	}
	c.pool.discard(c.conn)
	return nil
}

// See net.Conn for documentation
func (c *managedConnImpl) Read(b []byte) (n int, err error) {
	if c.options.ReceiveTimeout > 0 {
		deadline := c.options.getCurrentTime().Add(c.options.ReceiveTimeout)
		_ = c.conn.SetReadDeadline(deadline)
	}
	n, err = c.conn.Read(b)
	if err != nil {
		err = errors.Wrap(err, "Read error")
	}
	return
}

// See net.Conn for documentation
func (c *managedConnImpl) Write(b []byte) (n int, err error) {
	if c.options.SendTimeout > 0 {
		deadline := c.options.getCurrentTime().Add(c.options.SendTimeout)
		_ = c.conn.SetWriteDeadline(deadline)
	}
	n, err = c.conn.Write(b)
	if err != nil {
		err = errors.Wrap(err, "Write error")
	}
	return
}

// Close discards the connection (a closed connection is never safe to
// reuse).
func (c *managedConnImpl) Close() error {
	return c.DiscardConnection()
}

// See net.Conn for documentation
func (c *managedConnImpl) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// See net.Conn for documentation
func (c *managedConnImpl) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline is disabled for managed connections.
func (c *managedConnImpl) SetDeadline(t time.Time) error {
	return errors.New("Cannot set deadline for managed connection")
}

// SetReadDeadline is disabled for managed connections.
func (c *managedConnImpl) SetReadDeadline(t time.Time) error {
	return errors.New("Cannot set read deadline for managed connection")
}

// SetWriteDeadline is disabled for managed connections.
func (c *managedConnImpl) SetWriteDeadline(t time.Time) error {
	return errors.New("Cannot set write deadline for managed connection")
}
