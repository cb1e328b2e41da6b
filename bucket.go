package dht

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	// the number of liveness refreshes a full bucket makes before rejecting a contact
	maxRefreshRounds = 2
)

// the outcome of a single insert attempt
type insertResult int

const (
	inserted insertResult = iota
	// the bucket is full and holds no bad contacts
	rejected
	// the contact no longer belongs to the bucket, as it was split
	misrouted
)

// bucket holds up to K contacts whose ids fall within [min, max)
type bucket struct {
	min   ID
	max   ID
	width ID
	// the amount of time before a good contact needs checking
	idle     time.Duration
	contacts []*Contact
	// concurrent inserts share a single refresh round
	refreshes singleflight.Group
	mu        sync.Mutex
}

// newBucket creates an empty bucket covering [min, min+width)
func newBucket(min, width ID, idle time.Duration) *bucket {
	return &bucket{
		min:      min,
		max:      min.Add(width),
		width:    width,
		idle:     idle,
		contacts: make([]*Contact, 0, K),
	}
}

// belongs reports whether the id falls within the buckets range
func (b *bucket) belongs(id ID) bool {
	return b.min.Compare(id) <= 0 && b.max.Compare(id) > 0
}

// compare orders buckets by the start of their range
func (b *bucket) compare(other *bucket) int {
	return b.min.Compare(other.min)
}

func (b *bucket) full() bool {
	return len(b.contacts) == K
}

// size returns the number of contacts held
func (b *bucket) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// snapshot returns a copy of the buckets contacts
func (b *bucket) snapshot() []*Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := make([]*Contact, len(b.contacts))
	copy(cs, b.contacts)

	return cs
}

// gets a contact by its id
func (b *bucket) get(id ID) *Contact {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.find(id)
}

func (b *bucket) find(id ID) *Contact {
	for _, c := range b.contacts {
		if c.ID.Equal(id) {
			return c
		}
	}
	return nil
}

func (b *bucket) has(id ID) bool {
	return b.get(id) != nil
}

// removes a contact if it exists
func (b *bucket) remove(id ID) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(id)
}

func (b *bucket) removeLocked(id ID) {
	for i := range b.contacts {
		if b.contacts[i].ID.Equal(id) {
			copy(b.contacts[i:], b.contacts[i+1:])
			b.contacts[len(b.contacts)-1] = nil
			b.contacts = b.contacts[:len(b.contacts)-1]
			return
		}
	}
}

// replace swaps an existing contact for a new one
func (b *bucket) replace(old, c *Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeLocked(old.ID)
	b.contacts = append(b.contacts, c)
}

// sorts contacts by the time they were last heard from, oldest first
func (b *bucket) sortLocked() {
	sort.SliceStable(b.contacts, func(i, j int) bool {
		return b.contacts[i].LastHeard().Before(b.contacts[j].LastHeard())
	})
}

// try makes a single attempt at inserting a contact. If the contact
// exists, its last heard time is refreshed. If the bucket is full, the
// oldest bad contact is evicted in favour of the new one
func (b *bucket) try(c *Contact) insertResult {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.belongs(c.ID) {
		return misrouted
	}

	if ec := b.find(c.ID); ec != nil {
		ec.heard(time.Now())
		return inserted
	}

	if !b.full() {
		b.contacts = append(b.contacts, c)
		return inserted
	}

	b.sortLocked()

	for _, ec := range b.contacts {
		if ec.IsBad() {
			b.removeLocked(ec.ID)
			b.contacts = append(b.contacts, c)
			return inserted
		}
	}

	return rejected
}

// insert adds a contact to the bucket. If the bucket is full and has no
// bad contacts, questionable and overdue contacts are pinged and the
// insert retried, up to maxRefreshRounds times
func (b *bucket) insert(ctx context.Context, c *Contact, rpc RPC) insertResult {
	for round := 0; ; round++ {
		r := b.try(c)
		if r != rejected || round == maxRefreshRounds {
			return r
		}

		b.refresh(ctx, rpc)
	}
}

// refresh pings every questionable or overdue contact and waits for all of
// them. Callers that arrive while a refresh is running wait on that one
func (b *bucket) refresh(ctx context.Context, rpc RPC) {
	b.refreshes.Do("refresh", func() (any, error) {
		b.ping(ctx, rpc)
		return nil, nil
	})
}

func (b *bucket) ping(ctx context.Context, rpc RPC) {
	var g errgroup.Group

	for _, c := range b.snapshot() {
		if !c.IsQuestionable() && !c.IsOverdue(b.idle) {
			continue
		}

		c := c

		g.Go(func() error {
			c.Ping(ctx, rpc)
			return nil
		})
	}

	g.Wait()
}

// split halves the buckets range. The returned bucket takes the lower half
// of the range and its contacts, this bucket keeps the upper half
func (b *bucket) split() *bucket {
	b.mu.Lock()
	defer b.mu.Unlock()

	width := b.width.Halve()
	lower := newBucket(b.min, width, b.idle)

	b.min = lower.max
	b.width = width

	contacts := b.contacts
	b.contacts = make([]*Contact, 0, K)

	for _, c := range contacts {
		if b.belongs(c.ID) {
			b.contacts = append(b.contacts, c)
		} else {
			lower.contacts = append(lower.contacts, c)
		}
	}

	return lower
}

// merge absorbs an adjacent buckets range and contacts. It fails
// without modifying either bucket if the ranges are not adjacent or
// the combined contacts would not fit
func (b *bucket) merge(other *bucket) bool {
	if b == other {
		return false
	}

	// lock in range order so two merges can't deadlock
	first, second := b, other
	if first.compare(second) > 0 {
		first, second = second, first
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if len(b.contacts)+len(other.contacts) > K {
		return false
	}

	switch {
	case b.min.Equal(other.max):
		b.min = other.min
	case b.max.Equal(other.min):
		b.max = other.max
	default:
		return false
	}

	b.width = b.width.Add(other.width)
	b.contacts = append(b.contacts, other.contacts...)

	return true
}
