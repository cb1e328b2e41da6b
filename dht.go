package dht

import (
	"context"
	"crypto/rand"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/pkg/errors"
	"github.com/purehyperbole/kadnode/protocol"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

const (
	// the length of a transaction token
	txLength = 4
	// the number of times a bootstrap node is retried
	bootstrapRetries = 3
)

var (
	// ErrBootstrapFailed returned when none of the bootstrap nodes replied
	ErrBootstrapFailed = errors.New("bootstrapping failed")
	// ErrClosed returned when making requests after the dht has been closed
	ErrClosed = errors.New("dht closed")
)

// DHT represents the local node on the distributed hash table
type DHT struct {
	// config used for the dht
	config *Config
	// the contact details of this node
	self *Contact
	// routing table that stores routing information about the network
	routing *routingTable
	// cache that tracks requests sent to other nodes
	cache *cache
	// udp listeners that are handling requests to/from other nodes
	listeners []*listener
	// pool of flatbuffer builder bufs to use when sending events
	pool sync.Pool
	// bounds the number of senders being inserted at once
	inserts *semaphore.Weighted
	// the current listener to use when sending data
	cl     int32
	logger *zap.Logger
	// cancelled when the dht is closed
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new dht node listening on the configured address. If
// bootstrap addresses are provided, it joins the network through them
func New(cfg *Config) (*DHT, error) {
	cfg.defaults()

	if cfg.Listeners < 1 {
		cfg.Listeners = runtime.GOMAXPROCS(0)
	}

	addr, err := net.ResolveUDPAddr("udp4", cfg.ListenAddress)
	if err != nil {
		return nil, errors.Wrap(err, "invalid listen address")
	}

	// the node id is derived from the listen address, so it must be
	// the address peers will see datagrams coming from
	if addr.IP == nil || addr.IP.IsUnspecified() || addr.IP.IsMulticast() {
		return nil, errors.Wrapf(ErrInvalidAddress, "listen address %q must be a specific unicast ip", cfg.ListenAddress)
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &DHT{
		config:  cfg,
		cache:   newCache(),
		inserts: semaphore.NewWeighted(int64(cfg.MaxPendingInserts)),
		logger:  cfg.Logger,
		ctx:     ctx,
		cancel:  cancel,
		pool: sync.Pool{
			New: func() any {
				return flatbuffers.NewBuilder(1024)
			},
		},
	}

	// start the udp listeners
	err = d.listen(addr)
	if err != nil {
		cancel()
		return nil, err
	}

	d.logger.Info("listening", zap.Stringer("address", d.self), zap.Stringer("id", d.self.ID))

	if len(cfg.BootstrapAddresses) > 0 {
		err = d.Bootstrap(ctx, cfg.BootstrapAddresses...)
		if err != nil {
			d.Close()
			return nil, err
		}
	}

	return d, nil
}

func (d *DHT) listen(addr *net.UDPAddr) error {
	conns := make([]*net.UDPConn, 0, d.config.Listeners)

	for i := 0; i < d.config.Listeners; i++ {
		cfg := net.ListenConfig{
			Control: control,
		}

		// start one of several listeners
		c, err := cfg.ListenPacket(context.Background(), "udp4", addr.String())
		if err != nil {
			for _, conn := range conns {
				conn.Close()
			}
			return errors.Wrap(err, "failed to listen")
		}

		conn := c.(*net.UDPConn)

		if d.config.SocketBufferSize > 0 {
			conn.SetReadBuffer(d.config.SocketBufferSize)
			conn.SetWriteBuffer(d.config.SocketBufferSize)
		}

		// the first listener may have been given a free port,
		// so the rest need to share that port
		if i == 0 {
			addr = conn.LocalAddr().(*net.UDPAddr)
		}

		conns = append(conns, conn)
	}

	self, err := ContactFromAddr(addr)
	if err != nil {
		for _, conn := range conns {
			conn.Close()
		}
		return err
	}

	d.self = self
	d.routing = newRoutingTable(self.ID, d.config.IdleTimeout)

	listeners := make([]*listener, len(conns))

	for i, conn := range conns {
		listeners[i] = newListener(conn, d.config.SocketBatchSize, d.handle, d.logger)
	}

	// every listener must be in place before any of them can handle
	// a datagram, as replies are written through all of them
	d.listeners = listeners

	for _, l := range d.listeners {
		l.start()
	}

	return nil
}

// ID returns the id of this node
func (d *DHT) ID() ID {
	return d.self.ID
}

// Contact returns the contact details of this node
func (d *DHT) Contact() *Contact {
	return d.self
}

// Contacts returns every contact in the routing table
func (d *DHT) Contacts() []*Contact {
	return d.routing.contacts()
}

// Lookup finds the target in the local routing table only
func (d *DHT) Lookup(target ID) FindResult {
	return d.routing.find(target)
}

// Insert adds a contact to the routing table. It returns false if
// the contacts bucket is full and can't be split
func (d *DHT) Insert(ctx context.Context, c *Contact) bool {
	buckets := d.routing.size()

	ok := d.routing.insert(ctx, c, d)

	if n := d.routing.size(); n > buckets {
		d.logger.Debug("routing table split", zap.Int("buckets", n))
	}

	if ok && d.config.OnInsert != nil {
		d.config.OnInsert(c)
	}

	return ok
}

// Ping checks whether a contact is alive
func (d *DHT) Ping(ctx context.Context, c *Contact) bool {
	return c.Ping(ctx, d)
}

// FindNode iteratively searches the network for the target. It
// returns the contact holding the target id if one is found, or
// otherwise the K closest contacts it has seen. Unresponsive contacts
// never fail the lookup, they are left out of the result
func (d *DHT) FindNode(ctx context.Context, target ID) FindResult {
	if c := d.routing.get(target); c != nil {
		return FindResult{Exact: c}
	}

	j := newJourney(d.self.ID, target, d.config.MaxQueries)
	j.add(d.routing.contacts())

	for ctx.Err() == nil {
		c := j.next()
		if c == nil {
			break
		}

		r, ok := c.Find(ctx, d, target)
		if !ok {
			d.logger.Debug("find request failed", zap.Stringer("contact", c), zap.Stringer("status", c.Status()))
			continue
		}

		j.replied(c)

		if r.Exact != nil {
			if r.Exact.ID.Equal(target) {
				return r
			}
			r.Closest = append(r.Closest, r.Exact)
		}

		for _, rc := range r.Closest {
			if rc.ID.Equal(target) {
				return FindResult{Exact: rc}
			}
		}

		j.add(r.Closest)
	}

	return FindResult{Closest: j.closest(K)}
}

// Bootstrap joins the network by asking each of the given nodes for
// the contacts closest to this node, then looking up this nodes own id.
// It fails only if none of the nodes reply
func (d *DHT) Bootstrap(ctx context.Context, addresses ...string) error {
	var successes int32
	var g errgroup.Group

	for _, address := range addresses {
		address := address

		g.Go(func() error {
			addr, err := net.ResolveUDPAddr("udp4", address)
			if err != nil {
				d.logger.Warn("invalid bootstrap address", zap.String("address", address), zap.Error(err))
				return nil
			}

			seed, err := ContactFromAddr(addr)
			if err != nil {
				d.logger.Warn("invalid bootstrap address", zap.String("address", address), zap.Error(err))
				return nil
			}

			var found FindResult

			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond

			err = backoff.Retry(backoff.Operation(func() error {
				r, ok := seed.Find(ctx, d, d.self.ID)
				if !ok {
					return errors.Errorf("no reply from %s", seed)
				}
				found = r
				return nil
			}), backoff.WithContext(backoff.WithMaxRetries(b, bootstrapRetries), ctx))

			if err != nil {
				d.logger.Warn("bootstrap failed", zap.String("address", address), zap.Error(err))
				return nil
			}

			atomic.AddInt32(&successes, 1)

			d.Insert(ctx, seed)

			for _, c := range found.Closest {
				d.Insert(ctx, c)
			}

			return nil
		})
	}

	g.Wait()

	if successes < 1 {
		return ErrBootstrapFailed
	}

	d.FindNode(ctx, d.self.ID)

	d.logger.Info("bootstrapped", zap.Int32("seeds", successes), zap.Int("contacts", len(d.routing.contacts())))

	return nil
}

// Close shuts down the dht
func (d *DHT) Close() error {
	d.cancel()

	d.logger.Debug("closing", zap.Int("pending", d.cache.pending()))

	var err error

	for i := 0; i < len(d.listeners); i++ {
		lerr := d.listeners[i].close()
		if lerr != nil && err == nil {
			err = lerr
		}
	}

	return err
}

// Request sends a ping or find request to a contact and waits for the reply
func (d *DHT) Request(ctx context.Context, to *Contact, cmd protocol.Command, target ID) (FindResult, error) {
	if d.ctx.Err() != nil {
		return FindResult{}, ErrClosed
	}

	timeout := d.config.PingTimeout
	if cmd == protocol.CommandFIND {
		timeout = d.config.FindTimeout
	}

	tx := make([]byte, txLength)
	rand.Read(tx)

	// get a spare buffer to generate our request with
	buf := d.pool.Get().(*flatbuffers.Builder)

	var req []byte

	switch cmd {
	case protocol.CommandPING:
		req = eventPing(buf, tx, d.self.ID.Bytes())
	case protocol.CommandFIND:
		req = eventFind(buf, tx, d.self.ID.Bytes(), target.Bytes())
	default:
		d.pool.Put(buf)
		return FindResult{}, errors.Errorf("%s is not a request", cmd)
	}

	// register the request before sending so a fast reply can't be missed
	reply := d.cache.set(to.ID, tx)

	err := d.write(req, to.Addr())

	d.pool.Put(buf)

	if err != nil {
		d.cache.pop(to.ID, tx)
		return FindResult{}, errors.Wrap(err, "failed to send request")
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	select {
	case r := <-reply:
		return r, nil
	case <-d.ctx.Done():
		if _, ok := d.cache.pop(to.ID, tx); !ok {
			return <-reply, nil
		}
		return FindResult{}, ErrClosed
	case <-ctx.Done():
		// the reply may have been delivered just as we timed out
		if _, ok := d.cache.pop(to.ID, tx); !ok {
			return <-reply, nil
		}

		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return FindResult{}, ErrRequestTimeout
		}

		return FindResult{}, ctx.Err()
	}
}

// Reply sends a pong or found reply to a contact
func (d *DHT) Reply(to *Contact, cmd protocol.Command, tx []byte, result FindResult) error {
	// get a spare buffer to generate our reply with
	buf := d.pool.Get().(*flatbuffers.Builder)
	defer d.pool.Put(buf)

	var resp []byte

	switch cmd {
	case protocol.CommandPONG:
		resp = eventPong(buf, tx, d.self.ID.Bytes())
	case protocol.CommandFOUND:
		resp = eventFound(buf, tx, d.self.ID.Bytes(), result)
	default:
		return errors.Errorf("%s is not a reply", cmd)
	}

	return d.write(resp, to.Addr())
}

// write sends data using the next listener
func (d *DHT) write(data []byte, to *net.UDPAddr) error {
	l := d.listeners[(atomic.AddInt32(&d.cl, 1)-1)%int32(len(d.listeners))]
	return l.write(data, to)
}

// handle processes a datagram received by one of the listeners
func (d *DHT) handle(data []byte, addr *net.UDPAddr) {
	m, err := decodeEvent(data)
	if err != nil {
		d.logger.Debug("dropping malformed event", zap.Stringer("from", addr), zap.Error(err))
		return
	}

	sender, err := ContactFromAddr(addr)
	if err != nil {
		d.logger.Debug("dropping event", zap.Stringer("from", addr), zap.Error(err))
		return
	}

	sender.heard(time.Now())

	if !m.sender.Equal(sender.ID) {
		// the sender may be behind a nat
		d.logger.Debug("sender id does not match its address", zap.Stringer("from", addr), zap.Stringer("id", m.sender))
	}

	switch m.cmd {
	case protocol.CommandPING:
		err = sender.Pong(d, m.tx)
	case protocol.CommandPONG:
		d.cache.resolve(sender.ID, m.tx, FindResult{})
	case protocol.CommandFIND:
		r := d.routing.find(m.target)
		if r.Found() {
			err = sender.FoundContact(d, m.tx, r.Exact)
		} else {
			err = sender.FoundClosest(d, m.tx, r.Closest)
		}
	case protocol.CommandFOUND:
		d.cache.resolve(sender.ID, m.tx, m.found)
	}

	if err != nil {
		d.logger.Warn("failed to reply", zap.Stringer("to", sender), zap.Stringer("cmd", m.cmd), zap.Error(err))
	}

	// every message is a sign of life, so try to add the sender to our routing table.
	// this may need to ping other contacts, so don't block the listener
	if !d.inserts.TryAcquire(1) {
		d.logger.Debug("too many pending inserts, skipping sender", zap.Stringer("contact", sender))
		return
	}

	go func() {
		defer d.inserts.Release(1)

		if d.Insert(d.ctx, sender) {
			d.logger.Debug("contact updated", zap.Stringer("contact", sender), zap.Stringer("id", sender.ID))
		}
	}()
}
