package dht

import (
	"time"

	"go.uber.org/zap"
)

const (
	// DefaultTimeout the default time to wait for a reply to a request
	DefaultTimeout = 2 * time.Second
	// DefaultIdleTimeout the default time before a good contact is considered overdue
	DefaultIdleTimeout = 2 * time.Second
	// DefaultMaxQueries the default number of requests made by a single lookup
	DefaultMaxQueries = 15
	// DefaultSocketBatchSize the default number of datagrams read per syscall
	DefaultSocketBatchSize = 32
	// DefaultMaxPendingInserts the default number of senders that can be inserted at once
	DefaultMaxPendingInserts = 64
)

// Config configuration parameters for the dht
type Config struct {
	// ListenAddress the udp ipv4 address and port to listen on. The node id is derived from it,
	// so it must be a specific unicast address. A port of 0 picks a free port
	ListenAddress string
	// BootstrapAddresses the udp ip and port of the bootstrap nodes
	BootstrapAddresses []string
	// Listeners the number of threads that will listen on the designated udp port
	Listeners int
	// PingTimeout the amount of time to wait for a pong before a contact is demoted
	PingTimeout time.Duration
	// FindTimeout the amount of time to wait for a found reply before a contact is demoted
	FindTimeout time.Duration
	// IdleTimeout the amount of time a good contact can go unheard before it needs checking
	IdleTimeout time.Duration
	// MaxQueries the maximum number of find requests a lookup will make
	MaxQueries int
	// SocketBufferSize sets the size of the udp sockets send and receive buffer
	SocketBufferSize int
	// SocketBatchSize the number of udp messages that will be read from the underlying socket at once
	SocketBatchSize int
	// MaxPendingInserts the number of received senders that can be waiting on
	// a routing table insert. Senders arriving while all slots are taken are skipped
	MaxPendingInserts int
	// Logger used to log events. Defaults to a no-op logger
	Logger *zap.Logger
	// OnInsert is called whenever a contact is added to or refreshed in the routing table
	OnInsert func(c *Contact)
}

// applies defaults to any unset values
func (c *Config) defaults() {
	if c.PingTimeout <= 0 {
		c.PingTimeout = DefaultTimeout
	}

	if c.FindTimeout <= 0 {
		c.FindTimeout = DefaultTimeout
	}

	if c.IdleTimeout <= 0 {
		c.IdleTimeout = DefaultIdleTimeout
	}

	if c.MaxQueries < 1 {
		c.MaxQueries = DefaultMaxQueries
	}

	if c.SocketBatchSize < 1 {
		c.SocketBatchSize = DefaultSocketBatchSize
	}

	if c.MaxPendingInserts < 1 {
		c.MaxPendingInserts = DefaultMaxPendingInserts
	}

	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}
