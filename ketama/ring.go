// Package ketama implements a consistent hash ring for distributing cache
// keys across a set of server nodes.  Each node contributes 160 virtual
// points to the ring, derived from md5 digests of the node identifier, so
// that membership changes only redistribute the affected node's keys.
package ketama

import (
	"crypto/md5"
	"fmt"
	"hash/fnv"
	"sort"
)

const (
	// Each node occupies pointsPerNode positions on the ring.  Every md5
	// digest of "<node>-<i>" yields four ring positions, so 40 digests per
	// node produce 160 points.
	pointsPerNode  = 160
	digestsPerNode = pointsPerNode / 4
)

type point struct {
	hash uint32
	node string
}

type pointsByHash []point

func (p pointsByHash) Len() int      { return len(p) }
func (p pointsByHash) Swap(i, j int) { p[i], p[j] = p[j], p[i] }
func (p pointsByHash) Less(i, j int) bool {
	if p[i].hash != p[j].hash {
		return p[i].hash < p[j].hash
	}
	return p[i].node < p[j].node
}

// An immutable ring snapshot.  Lookups are safe for concurrent use; a
// membership change requires building a new Ring.
type Ring struct {
	points []point
	nodes  []string
}

// This builds a ring from the given node identifiers (typically
// "host:port" strings).  Duplicate identifiers are ignored.  The resulting
// ring depends only on the set of nodes, not on their order.
func New(nodes []string) *Ring {
	seen := make(map[string]struct{}, len(nodes))
	uniqueNodes := make([]string, 0, len(nodes))
	for _, node := range nodes {
		if _, inMap := seen[node]; inMap {
			continue
		}
		seen[node] = struct{}{}
		uniqueNodes = append(uniqueNodes, node)
	}

	ring := &Ring{
		points: make([]point, 0, len(uniqueNodes)*pointsPerNode),
		nodes:  uniqueNodes,
	}
	ring.generateCircle()
	return ring
}

func (r *Ring) generateCircle() {
	for _, node := range r.nodes {
		for i := 0; i < digestsPerNode; i++ {
			digest := md5.Sum([]byte(fmt.Sprintf("%s-%d", node, i)))
			for j := 0; j < 4; j++ {
				r.points = append(r.points, point{
					hash: hashVal(digest[j*4 : j*4+4]),
					node: node,
				})
			}
		}
	}

	sort.Sort(pointsByHash(r.points))
}

// This returns the node responsible for the given key, or false if the
// ring is empty.
func (r *Ring) Node(key string) (string, bool) {
	if len(r.points) == 0 {
		return "", false
	}

	// A single-node ring always maps to that node; skip hashing entirely.
	if len(r.nodes) == 1 {
		return r.nodes[0], true
	}

	target := HashKey(key)
	pos := sort.Search(
		len(r.points),
		func(i int) bool { return r.points[i].hash >= target })
	if pos == len(r.points) {
		// Wrapped past the highest point; the first point takes over.
		pos = 0
	}
	return r.points[pos].node, true
}

// This returns the ring's member nodes.  The returned slice must not be
// modified.
func (r *Ring) Nodes() []string {
	return r.nodes
}

// This returns the total number of virtual points on the ring.
func (r *Ring) NumPoints() int {
	return len(r.points)
}

// HashKey maps a cache key to its ring position using 32-bit FNV-1a.
func HashKey(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32()
}

func hashVal(b []byte) uint32 {
	return (uint32(b[3]) << 24) |
		(uint32(b[2]) << 16) |
		(uint32(b[1]) << 8) |
		uint32(b[0])
}
