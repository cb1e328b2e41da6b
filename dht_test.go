package dht

import (
	"context"
	"net"
	"testing"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/purehyperbole/kadnode/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDHT(t testing.TB, cfg *Config) *DHT {
	if cfg == nil {
		cfg = &Config{}
	}

	cfg.ListenAddress = "127.0.0.1:0"

	if cfg.Listeners < 1 {
		cfg.Listeners = 2
	}

	if cfg.PingTimeout == 0 {
		cfg.PingTimeout = 250 * time.Millisecond
	}

	if cfg.FindTimeout == 0 {
		cfg.FindTimeout = 250 * time.Millisecond
	}

	d, err := New(cfg)
	require.Nil(t, err)

	t.Cleanup(func() {
		d.Close()
	})

	return d
}

// silentPeer is a udp socket that never replies to anything
func silentPeer(t testing.TB) (*Contact, *net.UDPConn) {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.Nil(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	c, err := ContactFromAddr(conn.LocalAddr().(*net.UDPAddr))
	require.Nil(t, err)

	return c, conn
}

// remote returns a fresh contact for another node, so the nodes own contact is left alone
func remote(t testing.TB, d *DHT) *Contact {
	c, err := ContactFromAddr(d.Contact().Addr())
	require.Nil(t, err)
	return c
}

func TestDHTListenOnFreePort(t *testing.T) {
	d := newTestDHT(t, &Config{Listeners: 4})

	assert.NotZero(t, d.Contact().Port)
	assert.Len(t, d.listeners, 4)
	assert.True(t, d.ID().Equal(d.Contact().ID))
	assert.Empty(t, d.Contacts())
}

func TestDHTPing(t *testing.T) {
	a := newTestDHT(t, nil)
	b := newTestDHT(t, nil)

	c := remote(t, b)

	require.True(t, a.Ping(context.Background(), c))
	assert.True(t, c.IsGood())
	assert.WithinDuration(t, time.Now(), c.LastHeard(), time.Second)

	// b learns about a from the ping
	assert.Eventually(t, func() bool {
		return b.Lookup(a.ID()).Found()
	}, time.Second, 10*time.Millisecond)

	assert.Equal(t, 0, a.cache.pending())
}

func TestDHTPingTimeout(t *testing.T) {
	a := newTestDHT(t, &Config{PingTimeout: 50 * time.Millisecond})
	c, _ := silentPeer(t)

	assert.False(t, a.Ping(context.Background(), c))
	assert.True(t, c.IsQuestionable())

	assert.False(t, a.Ping(context.Background(), c))
	assert.True(t, c.IsBad())

	// timed out requests are cleaned up
	assert.Equal(t, 0, a.cache.pending())
}

func TestDHTOnInsert(t *testing.T) {
	inserted := make(chan *Contact, 10)

	a := newTestDHT(t, &Config{
		OnInsert: func(c *Contact) {
			inserted <- c
		},
	})

	b := newTestDHT(t, nil)

	require.True(t, b.Ping(context.Background(), remote(t, a)))

	select {
	case c := <-inserted:
		assert.True(t, c.ID.Equal(b.ID()))
	case <-time.After(time.Second):
		t.Fatal("contact was not inserted")
	}
}

func TestDHTBootstrapAndFindNode(t *testing.T) {
	seed := newTestDHT(t, nil)

	nodes := make([]*DHT, 6)

	for i := range nodes {
		nodes[i] = newTestDHT(t, &Config{
			BootstrapAddresses: []string{seed.Contact().String()},
		})

		assert.True(t, nodes[i].Lookup(seed.ID()).Found())
	}

	x := newTestDHT(t, &Config{
		BootstrapAddresses: []string{seed.Contact().String()},
	})

	// the seed can hold every node without splitting away from any of them
	require.Eventually(t, func() bool {
		return len(seed.Contacts()) == len(nodes)+1
	}, 2*time.Second, 10*time.Millisecond)

	for _, n := range nodes {
		r := x.FindNode(context.Background(), n.ID())
		require.True(t, r.Found())

		assert.True(t, r.Exact.ID.Equal(n.ID()))
		assert.Equal(t, n.Contact().String(), r.Exact.String())
	}
}

func TestDHTFindNodeMissing(t *testing.T) {
	seed := newTestDHT(t, nil)

	nodes := make([]*DHT, 5)

	for i := range nodes {
		nodes[i] = newTestDHT(t, &Config{
			BootstrapAddresses: []string{seed.Contact().String()},
		})
	}

	ids := map[string]bool{seed.ID().String(): true}
	for _, n := range nodes {
		ids[n.ID().String()] = true
	}

	target := RandomID(KEY_BYTES)

	r := nodes[0].FindNode(context.Background(), target)
	require.False(t, r.Found())
	require.NotEmpty(t, r.Closest)
	assert.LessOrEqual(t, len(r.Closest), K)

	for i, c := range r.Closest {
		assert.True(t, ids[c.ID.String()])
		assert.False(t, c.ID.Equal(nodes[0].ID()))

		if i > 0 {
			prev := r.Closest[i-1].ID.Difference(target)
			assert.Equal(t, -1, prev.Compare(c.ID.Difference(target)))
		}
	}
}

func TestDHTFindNodeUnresponsive(t *testing.T) {
	d := newTestDHT(t, &Config{
		FindTimeout: 50 * time.Millisecond,
		MaxQueries:  3,
	})

	silent := make([]*Contact, 6)

	for i := range silent {
		silent[i], _ = silentPeer(t)
		require.True(t, d.Insert(context.Background(), silent[i]))
	}

	r := d.FindNode(context.Background(), RandomID(KEY_BYTES))

	// contacts that never answered are left out, the ones the
	// lookup never got to are still candidates
	assert.False(t, r.Found())
	require.Len(t, r.Closest, 3)

	for _, c := range r.Closest {
		assert.True(t, c.IsGood())
	}

	var questionable int

	for _, c := range silent {
		if c.IsQuestionable() {
			questionable++
		}
	}

	assert.Equal(t, 3, questionable)
}

func TestDHTFindNodeCancelled(t *testing.T) {
	d := newTestDHT(t, nil)
	c, _ := silentPeer(t)

	require.True(t, d.Insert(context.Background(), c))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	r := d.FindNode(ctx, RandomID(KEY_BYTES))

	assert.False(t, r.Found())
}

func TestDHTBootstrapFailure(t *testing.T) {
	c, _ := silentPeer(t)

	_, err := New(&Config{
		ListenAddress:      "127.0.0.1:0",
		BootstrapAddresses: []string{c.String(), "not an address"},
		Listeners:          1,
		FindTimeout:        20 * time.Millisecond,
	})

	assert.ErrorIs(t, err, ErrBootstrapFailed)
}

func TestDHTBootstrapPartialFailure(t *testing.T) {
	seed := newTestDHT(t, nil)
	c, _ := silentPeer(t)

	d := newTestDHT(t, &Config{
		BootstrapAddresses: []string{c.String(), seed.Contact().String()},
		FindTimeout:        20 * time.Millisecond,
	})

	assert.True(t, d.Lookup(seed.ID()).Found())
	assert.False(t, d.Lookup(c.ID).Found())
}

func TestDHTClose(t *testing.T) {
	a := newTestDHT(t, nil)
	b := newTestDHT(t, nil)

	require.Nil(t, a.Close())

	c := remote(t, b)

	// requests after closing fail without blaming the contact
	assert.False(t, a.Ping(context.Background(), c))
	assert.True(t, c.IsGood())

	_, err := a.Request(context.Background(), c, protocol.CommandPING, ID{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDHTWireProtocol(t *testing.T) {
	d := newTestDHT(t, &Config{Listeners: 1})
	_, conn := silentPeer(t)

	// garbage is dropped without a reply
	_, err := conn.WriteToUDP([]byte("definitely not an event"), d.Contact().Addr())
	require.Nil(t, err)

	buf := flatbuffers.NewBuilder(1024)
	tx := []byte{1, 3, 3, 7}
	sender := RandomID(KEY_BYTES)

	_, err = conn.WriteToUDP(eventPing(buf, tx, sender.Bytes()), d.Contact().Addr())
	require.Nil(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))

	data := make([]byte, MaxEventSize)

	n, _, err := conn.ReadFromUDP(data)
	require.Nil(t, err)

	m, err := decodeEvent(data[:n])
	require.Nil(t, err)

	assert.Equal(t, protocol.CommandPONG, m.cmd)
	assert.Equal(t, tx, m.tx)
	assert.True(t, m.sender.Equal(d.ID()))

	// the sender is identified by its address, not the id it claims
	local, err := ContactFromAddr(conn.LocalAddr().(*net.UDPAddr))
	require.Nil(t, err)

	assert.Eventually(t, func() bool {
		return d.Lookup(local.ID).Found()
	}, time.Second, 10*time.Millisecond)

	assert.False(t, d.Lookup(sender).Found())

	// find requests are answered from the routing table
	_, err = conn.WriteToUDP(eventFind(buf, tx, sender.Bytes(), local.ID.Bytes()), d.Contact().Addr())
	require.Nil(t, err)

	n, _, err = conn.ReadFromUDP(data)
	require.Nil(t, err)

	m, err = decodeEvent(data[:n])
	require.Nil(t, err)

	assert.Equal(t, protocol.CommandFOUND, m.cmd)
	require.True(t, m.found.Found())
	assert.True(t, m.found.Exact.Equal(local))
}

func TestDHTRejectsUnspecifiedListenAddress(t *testing.T) {
	for _, address := range []string{"0.0.0.0:0", ":0", "224.0.0.1:0"} {
		_, err := New(&Config{
			ListenAddress: address,
			Listeners:     1,
		})

		assert.ErrorIs(t, err, ErrInvalidAddress, address)
	}
}

func TestDHTNeverStoresItself(t *testing.T) {
	a := newTestDHT(t, nil)

	nodes := make([]*DHT, 4)

	for i := range nodes {
		nodes[i] = newTestDHT(t, &Config{
			BootstrapAddresses: []string{a.Contact().String()},
		})
	}

	// every peer knows about a and will hand it back during lookups
	for _, n := range nodes {
		require.Eventually(t, func() bool {
			return n.Lookup(a.ID()).Found()
		}, time.Second, 10*time.Millisecond)
	}

	a.FindNode(context.Background(), RandomID(KEY_BYTES))
	a.FindNode(context.Background(), a.ID())

	time.Sleep(50 * time.Millisecond)

	assert.False(t, a.Lookup(a.ID()).Found())

	for _, c := range a.Contacts() {
		assert.False(t, c.ID.Equal(a.ID()))
		assert.NotEqual(t, a.Contact().String(), c.String())
	}
}

func TestDHTHandlesTrafficDuringStartup(t *testing.T) {
	// reserve a free port, then release it for the node to take
	_, reserved := silentPeer(t)
	addr := reserved.LocalAddr().(*net.UDPAddr)
	reserved.Close()

	_, conn := silentPeer(t)

	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		buf := flatbuffers.NewBuilder(1024)
		ping := eventPing(buf, []byte{1, 2, 3, 4}, RandomID(KEY_BYTES).Bytes())

		for {
			select {
			case <-done:
				return
			default:
				conn.WriteToUDP(ping, addr)
			}
		}
	}()

	d, err := New(&Config{
		ListenAddress: addr.String(),
		Listeners:     4,
		PingTimeout:   250 * time.Millisecond,
	})

	close(done)
	<-stopped

	require.Nil(t, err)
	defer d.Close()

	b := newTestDHT(t, nil)

	// the node may still be working through the flood
	assert.Eventually(t, func() bool {
		return b.Ping(context.Background(), remote(t, d))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDHTBoundsPendingInserts(t *testing.T) {
	a := newTestDHT(t, &Config{MaxPendingInserts: 1})
	b := newTestDHT(t, nil)

	// take the only slot, so senders are answered but not inserted
	require.True(t, a.inserts.TryAcquire(1))

	require.True(t, b.Ping(context.Background(), remote(t, a)))

	assert.Never(t, func() bool {
		return a.Lookup(b.ID()).Found()
	}, 100*time.Millisecond, 10*time.Millisecond)

	a.inserts.Release(1)

	require.True(t, b.Ping(context.Background(), remote(t, a)))

	assert.Eventually(t, func() bool {
		return a.Lookup(b.ID()).Found()
	}, time.Second, 10*time.Millisecond)
}

func TestDHTDropsOversizedDatagrams(t *testing.T) {
	d := newTestDHT(t, &Config{Listeners: 1})
	_, conn := silentPeer(t)

	buf := flatbuffers.NewBuilder(1024)
	ping := eventPing(buf, []byte{4, 3, 2, 1}, RandomID(KEY_BYTES).Bytes())

	// a valid event followed by padding that overflows the read buffer
	oversized := make([]byte, MaxEventSize+1024)
	copy(oversized, ping)

	_, err := conn.WriteToUDP(oversized, d.Contact().Addr())
	require.Nil(t, err)

	data := make([]byte, MaxEventSize)

	conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))

	_, _, err = conn.ReadFromUDP(data)
	require.Error(t, err)

	// the same event at its real size is answered
	_, err = conn.WriteToUDP(ping, d.Contact().Addr())
	require.Nil(t, err)

	conn.SetReadDeadline(time.Now().Add(time.Second))

	n, _, err := conn.ReadFromUDP(data)
	require.Nil(t, err)

	m, err := decodeEvent(data[:n])
	require.Nil(t, err)
	assert.Equal(t, protocol.CommandPONG, m.cmd)
	assert.Equal(t, []byte{4, 3, 2, 1}, m.tx)
}
