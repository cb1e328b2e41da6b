package dht

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheResolve(t *testing.T) {
	c := newCache()

	id := RandomID(KEY_BYTES)
	tx := []byte{1, 2, 3, 4}
	found := RandomContact()

	ch := c.set(id, tx)
	assert.Equal(t, 1, c.pending())

	// a different transaction or contact matches nothing
	assert.False(t, c.resolve(id, []byte{4, 3, 2, 1}, FindResult{}))
	assert.False(t, c.resolve(RandomID(KEY_BYTES), tx, FindResult{}))
	assert.Equal(t, 1, c.pending())

	assert.True(t, c.resolve(id, tx, FindResult{Exact: found}))
	assert.Equal(t, 0, c.pending())

	r := <-ch
	assert.Equal(t, found, r.Exact)

	// a late duplicate is dropped
	assert.False(t, c.resolve(id, tx, FindResult{}))
}

func TestCachePopOnce(t *testing.T) {
	c := newCache()

	id := RandomID(KEY_BYTES)
	tx := []byte{5, 6, 7, 8}

	c.set(id, tx)

	r, ok := c.pop(id, tx)
	require.True(t, ok)
	require.NotNil(t, r)

	// once timed out, the reply can't be delivered
	_, ok = c.pop(id, tx)
	assert.False(t, ok)
	assert.False(t, c.resolve(id, tx, FindResult{}))
}

func TestCacheConcurrentResolve(t *testing.T) {
	c := newCache()

	id := RandomID(KEY_BYTES)
	tx := []byte{9, 9, 9, 9}
	ch := c.set(id, tx)

	var wg sync.WaitGroup
	var delivered int32

	for i := 0; i < 16; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			if c.resolve(id, tx, FindResult{}) {
				atomic.AddInt32(&delivered, 1)
			}
		}()
	}

	wg.Wait()

	assert.Equal(t, int32(1), delivered)
	assert.Len(t, ch, 1)
}
