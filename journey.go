package dht

import (
	"hash/maphash"
	"sort"
	"sync"
)

// journey tracks the state of an iterative lookup: the candidates
// that have not been queried yet, ordered by their distance to the
// destination, and the contacts already queried
type journey struct {
	// id to skip, as its this node
	source ID
	// the target we want to arrive at
	destination ID
	// a set of contacts we have already seen
	visited map[uint64]struct{}
	// hasher for our set of visited contacts
	hasher maphash.Hash
	// candidates that we can send requests to
	candidates []*Contact
	// the computed distances of each of the candidates
	distances []ID
	// contacts that replied, in the order they were queried
	contacted []*Contact
	// the remaining queries we can make
	remaining int
	mu        sync.Mutex
}

func newJourney(source, destination ID, queries int) *journey {
	var hasher maphash.Hash
	hasher.SetSeed(maphash.MakeSeed())

	return &journey{
		source:      source,
		destination: destination,
		visited:     make(map[uint64]struct{}),
		hasher:      hasher,
		remaining:   queries,
	}
}

func (j *journey) key(id ID) uint64 {
	j.hasher.Reset()
	j.hasher.Write(id.Bytes())
	return j.hasher.Sum64()
}

// adds candidates to the journey. contacts that have been seen before
// on this journey, or are this node, are skipped
func (j *journey) add(contacts []*Contact) {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, c := range contacts {
		if c.ID.Equal(j.source) {
			continue
		}

		k := j.key(c.ID)

		_, ok := j.visited[k]
		if ok {
			continue
		}

		j.visited[k] = struct{}{}

		j.candidates = append(j.candidates, c)
		j.distances = append(j.distances, c.ID.Difference(j.destination))
	}

	sort.Stable(j)
}

// next returns the closest unqueried candidate. It returns nil when
// there are no candidates left or the query budget is spent
func (j *journey) next() *Contact {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.remaining < 1 || len(j.candidates) == 0 {
		return nil
	}

	j.remaining--

	c := j.candidates[0]

	j.candidates[0] = nil
	j.candidates = j.candidates[1:]
	j.distances = j.distances[1:]

	return c
}

// replied records a contact that answered a query
func (j *journey) replied(c *Contact) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.contacted = append(j.contacted, c)
}

// closest returns the n closest contacts that either replied or are
// still waiting to be queried
func (j *journey) closest(n int) []*Contact {
	j.mu.Lock()
	defer j.mu.Unlock()

	all := make([]*Contact, 0, len(j.contacted)+len(j.candidates))
	all = append(all, j.contacted...)
	all = append(all, j.candidates...)

	return closest(all, j.destination, n)
}

// Len returns the number of unqueried candidates
func (j *journey) Len() int {
	return len(j.candidates)
}

// Swap swaps two candidates and their distances from the destination
func (j *journey) Swap(x, y int) {
	j.candidates[x], j.candidates[y] = j.candidates[y], j.candidates[x]
	j.distances[x], j.distances[y] = j.distances[y], j.distances[x]
}

// Less returns true if x is closer to the destination than y
func (j *journey) Less(x, y int) bool {
	return j.distances[x].Compare(j.distances[y]) < 0
}
