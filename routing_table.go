package dht

import (
	"context"
	"sort"
	"sync"
	"time"
)

const (
	// K the maximum number of contacts held by a bucket
	K = 8
	// KEY_BYTES the length of a node id in bytes
	KEY_BYTES = 20
	// KEY_BITS the length of a node id in bits
	KEY_BITS = KEY_BYTES * 8
)

// routing table stores buckets of every known contact on the network.
// the buckets ranges always partition [0, 2^160)
type routingTable struct {
	// the id of the local node, which is never stored in the table
	self ID
	// buckets ordered by the start of their range
	buckets []*bucket
	mu      sync.RWMutex
}

// newRoutingTable creates a new routing table with a single bucket covering the keyspace
func newRoutingTable(self ID, idle time.Duration) *routingTable {
	return &routingTable{
		self:    self,
		buckets: []*bucket{newBucket(ZeroID(), KeyspaceRange(), idle)},
	}
}

// bucket returns the bucket responsible for the id
func (t *routingTable) bucket(id ID) *bucket {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for _, b := range t.buckets {
		if b.belongs(id) {
			return b
		}
	}

	return nil
}

// get returns the contact with the given id
func (t *routingTable) get(id ID) *Contact {
	b := t.bucket(id)
	if b == nil {
		return nil
	}
	return b.get(id)
}

func (t *routingTable) has(id ID) bool {
	return t.get(id) != nil
}

// contacts returns every contact in the table, in bucket order
func (t *routingTable) contacts() []*Contact {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var cs []*Contact

	for _, b := range t.buckets {
		cs = append(cs, b.snapshot()...)
	}

	return cs
}

// size returns the number of buckets
func (t *routingTable) size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.buckets)
}

// find returns the contact with the id, or the K closest known contacts
func (t *routingTable) find(id ID) FindResult {
	if c := t.get(id); c != nil {
		return FindResult{Exact: c}
	}

	return FindResult{Closest: closest(t.contacts(), id, K)}
}

// insert adds a contact to the table. If its bucket is full and also
// covers the local nodes id, the bucket is split and the insert retried
func (t *routingTable) insert(ctx context.Context, c *Contact, rpc RPC) bool {
	if c.ID.Equal(t.self) {
		return false
	}

	for {
		b := t.bucket(c.ID)
		if b == nil {
			return false
		}

		switch b.insert(ctx, c, rpc) {
		case inserted:
			return true
		case misrouted:
			// the bucket was split while we were waiting on it
			continue
		}

		if !t.split(b, c.ID) {
			return false
		}
	}
}

// split divides a full bucket that covers the local nodes id. It returns
// false if the bucket can't be split, true if the insert should be retried
func (t *routingTable) split(b *bucket, id ID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	b.mu.Lock()
	// another insert got here first, so the bucket may have changed
	stale := !b.belongs(id) || !b.full()
	owner := b.belongs(t.self)
	b.mu.Unlock()

	if stale {
		return true
	}

	if !owner {
		return false
	}

	lower := b.split()

	for i := range t.buckets {
		if t.buckets[i] == b {
			t.buckets = append(t.buckets, nil)
			copy(t.buckets[i+1:], t.buckets[i:])
			t.buckets[i] = lower
			break
		}
	}

	return true
}

// closest ranks contacts by their distance to the target and returns the
// first n. Contacts at equal distance keep their original order
func closest(contacts []*Contact, target ID, n int) []*Contact {
	distances := make([]ID, len(contacts))
	for i, c := range contacts {
		distances[i] = c.ID.Difference(target)
	}

	sort.Stable(&byDistance{contacts: contacts, distances: distances})

	if len(contacts) > n {
		contacts = contacts[:n]
	}

	return contacts
}

// sorts contacts by their precomputed distances
type byDistance struct {
	contacts  []*Contact
	distances []ID
}

func (s *byDistance) Len() int {
	return len(s.contacts)
}

func (s *byDistance) Swap(x, y int) {
	s.contacts[x], s.contacts[y] = s.contacts[y], s.contacts[x]
	s.distances[x], s.distances[y] = s.distances[y], s.distances[x]
}

func (s *byDistance) Less(x, y int) bool {
	return s.distances[x].Compare(s.distances[y]) < 0
}
