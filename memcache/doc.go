// Package memcache implements a client for the memcached binary protocol,
// with a parallel ascii protocol client, consistent-hash sharding across a
// fleet of servers, pooled connections with node health tracking, and an
// optional SASL authentication handshake on freshly opened connections.
package memcache
