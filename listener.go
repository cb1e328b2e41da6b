package dht

import (
	"net"
	"sync/atomic"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

const (
	// MaxEventSize the largest datagram we will read. events are far smaller
	// than this, anything larger is truncated and dropped as malformed
	MaxEventSize = 8192
)

// a udp socket listener that reads batches of incoming datagrams
// and hands them to the dht
type listener struct {
	// udp listener
	conn *net.UDPConn
	// batch reader for the udp listener
	pconn *ipv4.PacketConn
	// the number of datagrams to read at once
	batch int
	// handles each received datagram. the data is only valid until it returns
	handler func(data []byte, addr *net.UDPAddr)
	logger  *zap.Logger
	closed  atomic.Bool
}

// newListener wraps a bound socket. Nothing is read until start is called
func newListener(conn *net.UDPConn, batch int, handler func([]byte, *net.UDPAddr), logger *zap.Logger) *listener {
	return &listener{
		conn:    conn,
		pconn:   ipv4.NewPacketConn(conn),
		batch:   batch,
		handler: handler,
		logger:  logger,
	}
}

func (l *listener) start() {
	go l.process()
}

func (l *listener) process() {
	msgs := make([]ipv4.Message, l.batch)

	for i := range msgs {
		msgs[i].Buffers = [][]byte{make([]byte, MaxEventSize)}
	}

	for {
		n, err := l.pconn.ReadBatch(msgs, 0)
		if err != nil {
			if l.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}

			l.logger.Warn("failed to read from socket", zap.Error(err))

			continue
		}

		for i := 0; i < n; i++ {
			addr, ok := msgs[i].Addr.(*net.UDPAddr)
			if !ok {
				continue
			}

			if truncated(&msgs[i]) {
				l.logger.Debug("dropping oversized datagram", zap.Stringer("from", addr))
				continue
			}

			l.handler(msgs[i].Buffers[0][:msgs[i].N], addr)
		}
	}
}

// truncated reports whether the datagram was larger than the read buffer
func truncated(m *ipv4.Message) bool {
	return m.Flags&unix.MSG_TRUNC != 0
}

// write sends a datagram to the given address
func (l *listener) write(data []byte, to *net.UDPAddr) error {
	_, err := l.conn.WriteToUDP(data, to)
	return err
}

func (l *listener) close() error {
	l.closed.Store(true)
	return l.conn.Close()
}

// "borrow" this from github.com/libp2p/go-reuseport as we don't care about other operating systems right now :)
func control(network, address string, c syscall.RawConn) error {
	var err error

	c.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
		if err != nil {
			return
		}

		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
		if err != nil {
			return
		}
	})

	return err
}
