package dht

import (
	"fmt"
	"net"

	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/pkg/errors"
	"github.com/purehyperbole/kadnode/protocol"
)

// ErrMalformedEvent returned when a received datagram can't be decoded
var ErrMalformedEvent = errors.New("malformed event")

func eventPing(buf *flatbuffers.Builder, tx, sender []byte) []byte {
	buf.Reset()

	etx := buf.CreateByteVector(tx)
	snd := buf.CreateByteVector(sender)

	protocol.EventStart(buf)
	protocol.EventAddCmd(buf, protocol.CommandPING)
	protocol.EventAddTx(buf, etx)
	protocol.EventAddSender(buf, snd)

	e := protocol.EventEnd(buf)

	buf.Finish(e)

	return buf.FinishedBytes()
}

func eventPong(buf *flatbuffers.Builder, tx, sender []byte) []byte {
	buf.Reset()

	etx := buf.CreateByteVector(tx)
	snd := buf.CreateByteVector(sender)

	protocol.EventStart(buf)
	protocol.EventAddCmd(buf, protocol.CommandPONG)
	protocol.EventAddTx(buf, etx)
	protocol.EventAddSender(buf, snd)

	e := protocol.EventEnd(buf)

	buf.Finish(e)

	return buf.FinishedBytes()
}

func eventFind(buf *flatbuffers.Builder, tx, sender, target []byte) []byte {
	buf.Reset()

	tgt := buf.CreateByteVector(target)
	etx := buf.CreateByteVector(tx)
	snd := buf.CreateByteVector(sender)

	protocol.EventStart(buf)
	protocol.EventAddCmd(buf, protocol.CommandFIND)
	protocol.EventAddTx(buf, etx)
	protocol.EventAddSender(buf, snd)
	protocol.EventAddTarget(buf, tgt)

	e := protocol.EventEnd(buf)

	buf.Finish(e)

	return buf.FinishedBytes()
}

func eventFound(buf *flatbuffers.Builder, tx, sender []byte, result FindResult) []byte {
	buf.Reset()

	contacts := result.Closest
	if result.Exact != nil {
		contacts = []*Contact{result.Exact}
	}

	// construct the peer vector
	ps := make([]flatbuffers.UOffsetT, len(contacts))

	for i, c := range contacts {
		host := buf.CreateString(c.Host.String())

		protocol.PeerStart(buf)
		protocol.PeerAddHost(buf, host)
		protocol.PeerAddPort(buf, c.Port)
		ps[i] = protocol.PeerEnd(buf)
	}

	protocol.EventStartPeersVector(buf, len(ps))

	// prepend peers to vector in reverse order
	for i := len(ps) - 1; i >= 0; i-- {
		buf.PrependUOffsetT(ps[i])
	}

	pv := buf.EndVector(len(ps))

	etx := buf.CreateByteVector(tx)
	snd := buf.CreateByteVector(sender)

	protocol.EventStart(buf)
	protocol.EventAddCmd(buf, protocol.CommandFOUND)
	protocol.EventAddTx(buf, etx)
	protocol.EventAddSender(buf, snd)
	protocol.EventAddExact(buf, result.Exact != nil)
	protocol.EventAddPeers(buf, pv)

	e := protocol.EventEnd(buf)

	buf.Finish(e)

	return buf.FinishedBytes()
}

// message is a decoded event, copied out of the read buffer
type message struct {
	cmd    protocol.Command
	sender ID
	tx     []byte
	target ID
	found  FindResult
}

// decodeEvent reads an event from an untrusted datagram. flatbuffers
// panics when reading out of bounds, so any panic is treated as a
// malformed event
func decodeEvent(data []byte) (m *message, err error) {
	// the root offset, plus the smallest possible vtable and table
	if len(data) < 12 {
		return nil, ErrMalformedEvent
	}

	defer func() {
		if r := recover(); r != nil {
			m = nil
			err = errors.Wrap(ErrMalformedEvent, fmt.Sprint(r))
		}
	}()

	e := protocol.GetRootAsEvent(data, 0)

	if e.Cmd() < protocol.CommandPING || e.Cmd() > protocol.CommandFOUND {
		return nil, errors.Wrapf(ErrMalformedEvent, "unknown command %d", e.Cmd())
	}

	if e.TxLength() < 1 {
		return nil, errors.Wrap(ErrMalformedEvent, "missing transaction token")
	}

	if e.SenderLength() < 1 {
		return nil, errors.Wrap(ErrMalformedEvent, "missing sender")
	}

	m = &message{
		cmd:    e.Cmd(),
		sender: IDFromBytes(e.SenderBytes()),
		tx:     make([]byte, e.TxLength()),
	}

	copy(m.tx, e.TxBytes())

	switch m.cmd {
	case protocol.CommandFIND:
		if e.TargetLength() < 1 {
			return nil, errors.Wrap(ErrMalformedEvent, "missing find target")
		}
		m.target = IDFromBytes(e.TargetBytes())
	case protocol.CommandFOUND:
		m.found, err = decodeFound(e)
		if err != nil {
			return nil, err
		}
	}

	return m, nil
}

// decodeFound reads the contacts from a found event
func decodeFound(e *protocol.Event) (FindResult, error) {
	n := e.PeersLength()
	if n > K {
		return FindResult{}, errors.Wrapf(ErrMalformedEvent, "found event has %d peers", n)
	}

	contacts := make([]*Contact, 0, n)

	for i := 0; i < n; i++ {
		p := new(protocol.Peer)

		if !e.Peers(p, i) {
			return FindResult{}, errors.Wrap(ErrMalformedEvent, "bad found peer data")
		}

		// string copies the host out of the reusable read buffer
		ip := net.ParseIP(string(p.Host()))
		if ip == nil {
			return FindResult{}, errors.Wrap(ErrMalformedEvent, "found peer has an invalid host")
		}

		c, err := ContactFromAddr(&net.UDPAddr{IP: ip, Port: int(p.Port())})
		if err != nil {
			return FindResult{}, errors.Wrap(ErrMalformedEvent, err.Error())
		}

		contacts = append(contacts, c)
	}

	if e.Exact() {
		if len(contacts) != 1 {
			return FindResult{}, errors.Wrap(ErrMalformedEvent, "exact found event must hold one peer")
		}
		return FindResult{Exact: contacts[0]}, nil
	}

	return FindResult{Closest: contacts}, nil
}
