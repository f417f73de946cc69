package netpool

import (
	stderrors "errors"
	"fmt"
	"time"
)

// Returned by Get when the pool is at MaxActiveConnections and no
// connection was returned within QueueTimeout.
type PoolExhaustedError struct {
	Addr NetworkAddress
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("Connection pool to %s exhausted", e.Addr.Address)
}

// Returned by Get when the node is marked down.  The node will not hand
// out connections until a revival probe succeeds.
type NodeDownError struct {
	Addr    NetworkAddress
	RetryAt time.Time
}

func (e *NodeDownError) Error() string {
	return fmt.Sprintf("Node %s is down", e.Addr.Address)
}

func IsPoolExhausted(err error) bool {
	var exhausted *PoolExhaustedError
	return stderrors.As(err, &exhausted)
}

func IsNodeDown(err error) bool {
	var down *NodeDownError
	return stderrors.As(err, &down)
}
