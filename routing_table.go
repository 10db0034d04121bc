package dht

// Kademlia routing table: buckets of at most K nodes, indexed by the
// canonical highest-set-bit rule, with liveness-checked eviction of the
// least-recently-seen entry in a full bucket before a new node is
// allowed to replace it.

import (
	"math/bits"
	"sort"
	"sync"

	log "github.com/golang/glog"
)

// PingFunc probes a node and reports whether it responded within the
// RPC deadline. The routing table has no network access of its own; the
// engine supplies this callback so bucket eviction can be unit tested
// with a stub.
type PingFunc func(Node) bool

type bucketEntry struct {
	nodes []Node // index 0 = least recently seen, last = most recently seen
}

// RoutingTable holds every known remote node, bucketed by XOR distance
// from localID.
type RoutingTable struct {
	mu      sync.Mutex
	localID NodeID
	buckets map[int]*bucketEntry
}

// NewRoutingTable creates an empty table for the given local node ID.
func NewRoutingTable(localID NodeID) *RoutingTable {
	return &RoutingTable{
		localID: localID,
		buckets: make(map[int]*bucketEntry),
	}
}

// bucketIndex implements the canonical Kademlia rule: bucket i holds
// nodes whose XOR distance falls in [2^i, 2^(i+1)). That is the position
// (counting the least significant bit as 0) of the highest set bit of d.
// A zero distance (only possible for two copies of the same ID) is
// assigned to bucket 0, the closest bucket, since it can't be any closer.
func bucketIndex(d NodeID) int {
	for i, b := range d {
		if b == 0 {
			continue
		}
		// bits.LeadingZeros8 counts zero bits before the first set bit,
		// scanning from the MSB of the byte.
		msbPos := i*8 + bits.LeadingZeros8(b)
		return (idLen*8 - 1) - msbPos
	}
	return 0
}

// Len reports the total number of nodes across all buckets.
func (rt *RoutingTable) Len() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// Insert adds or refreshes n in the routing table: a node already
// present (by full equality) moves to the tail; a non-full bucket
// appends; a full bucket evicts only after probing its
// least-recently-seen entry with ping.
func (rt *RoutingTable) Insert(n Node, ping PingFunc) {
	rt.mu.Lock()
	idx := bucketIndex(rt.localID.XOR(n.ID))
	b, ok := rt.buckets[idx]
	if !ok {
		b = &bucketEntry{}
		rt.buckets[idx] = b
	}

	for i, existing := range b.nodes {
		if existing.Equal(n) {
			b.nodes = append(append(b.nodes[:i], b.nodes[i+1:]...), n)
			rt.mu.Unlock()
			return
		}
	}

	if len(b.nodes) < kNodes {
		b.nodes = append(b.nodes, n)
		rt.mu.Unlock()
		return
	}

	head := b.nodes[0]
	rt.mu.Unlock()

	// Liveness check happens outside the lock: it's a blocking network
	// call and must not stall concurrent routing-table readers.
	if ping == nil || ping(head) {
		rt.mu.Lock()
		rt.moveToTail(idx, head)
		rt.mu.Unlock()
		return
	}

	rt.mu.Lock()
	rt.replaceHead(idx, n)
	rt.mu.Unlock()
}

func (rt *RoutingTable) moveToTail(idx int, target Node) {
	b, ok := rt.buckets[idx]
	if !ok {
		return
	}
	for i, n := range b.nodes {
		if n.Equal(target) {
			b.nodes = append(append(b.nodes[:i], b.nodes[i+1:]...), n)
			return
		}
	}
}

func (rt *RoutingTable) replaceHead(idx int, n Node) {
	b, ok := rt.buckets[idx]
	if !ok || len(b.nodes) == 0 {
		log.Warningf("dht: replaceHead called on empty bucket %d", idx)
		return
	}
	b.nodes[0] = n
}

// ClosestK returns up to k known nodes sorted ascending by XOR distance
// to target, ties broken by byte-lexicographic node ID. This scans
// every bucket rather than starting at target's bucket and expanding
// outward, which is simpler and correct at the cost of being O(total
// nodes) per call.
func (rt *RoutingTable) ClosestK(target NodeID, k int) []Node {
	rt.mu.Lock()
	all := make([]Node, 0, rt.lenLocked())
	for _, b := range rt.buckets {
		all = append(all, b.nodes...)
	}
	rt.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		di := target.XOR(all[i].ID)
		dj := target.XOR(all[j].ID)
		for x := range di {
			if di[x] != dj[x] {
				return di[x] < dj[x]
			}
		}
		return all[i].ID.Less(all[j].ID)
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

func (rt *RoutingTable) lenLocked() int {
	n := 0
	for _, b := range rt.buckets {
		n += len(b.nodes)
	}
	return n
}

// Remove deletes n from whichever bucket holds it. The engine itself
// never calls it; nodes leave the table only through Insert's eviction.
func (rt *RoutingTable) Remove(n Node) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := bucketIndex(rt.localID.XOR(n.ID))
	b, ok := rt.buckets[idx]
	if !ok {
		return
	}
	for i, existing := range b.nodes {
		if existing.Equal(n) {
			b.nodes = append(b.nodes[:i], b.nodes[i+1:]...)
			return
		}
	}
}
