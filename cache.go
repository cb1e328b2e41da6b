package dht

import (
	"hash/maphash"
	"sync"

	"github.com/pkg/errors"
)

var (
	// ErrRequestTimeout returned when a pending request has not recevied a response before the timeout
	ErrRequestTimeout = errors.New("request timeout")
)

// a pending request
type request struct {
	reply chan FindResult
}

// cache tracks requests that are waiting on a reply. Requests are
// keyed by the id of the contact they were sent to and the
// transaction token of the request
type cache struct {
	requests sync.Map
	hasher   sync.Pool
}

func newCache() *cache {
	seed := maphash.MakeSeed()

	return &cache{
		hasher: sync.Pool{
			New: func() any {
				var hasher maphash.Hash
				hasher.SetSeed(seed)
				return &hasher
			},
		},
	}
}

func (c *cache) key(id ID, tx []byte) uint64 {
	h := c.hasher.Get().(*maphash.Hash)

	h.Reset()
	h.Write(id.Bytes())
	h.Write(tx)

	k := h.Sum64()

	c.hasher.Put(h)

	return k
}

// set registers a pending request and returns the channel its reply will be delivered on
func (c *cache) set(id ID, tx []byte) <-chan FindResult {
	r := &request{reply: make(chan FindResult, 1)}

	c.requests.Store(c.key(id, tx), r)

	return r.reply
}

// pop removes a pending request. only one caller will ever receive it
func (c *cache) pop(id ID, tx []byte) (*request, bool) {
	r, ok := c.requests.LoadAndDelete(c.key(id, tx))
	if !ok {
		return nil, false
	}

	return r.(*request), true
}

// resolve delivers a reply to the pending request it matches. Replies
// that match nothing, or arrive after their request timed out, are dropped
func (c *cache) resolve(id ID, tx []byte, result FindResult) bool {
	r, ok := c.pop(id, tx)
	if !ok {
		return false
	}

	r.reply <- result

	return true
}

// pending returns the number of requests waiting on a reply
func (c *cache) pending() int {
	var n int

	c.requests.Range(func(key, value any) bool {
		n++
		return true
	})

	return n
}
