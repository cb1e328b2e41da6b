package dht

import (
	"context"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/purehyperbole/kadnode/protocol"
)

// ErrInvalidAddress returned when a contact is created from anything
// other than an ipv4 host and port
var ErrInvalidAddress = errors.New("contact address must be an ipv4 host and port")

// Status is the liveness state of a contact
type Status int32

const (
	// StatusGood the contact has replied to us
	StatusGood Status = iota
	// StatusQuestionable the contact missed one request
	StatusQuestionable
	// StatusBad the contact missed two or more consecutive requests
	StatusBad
)

func (s Status) String() string {
	switch s {
	case StatusGood:
		return "good"
	case StatusQuestionable:
		return "questionable"
	case StatusBad:
		return "bad"
	default:
		return "unknown"
	}
}

// RPC sends requests to contacts and waits for their replies
type RPC interface {
	// Request sends a ping or find request and blocks until the matching
	// reply is received or the request times out
	Request(ctx context.Context, to *Contact, cmd protocol.Command, target ID) (FindResult, error)
	// Reply sends a pong or found reply, echoing the requests transaction token
	Reply(to *Contact, cmd protocol.Command, tx []byte, result FindResult) error
}

// FindResult is the answer to a find request. Either Exact is set
// to the contact holding the target id, or Closest holds the closest
// contacts known to the responder
type FindResult struct {
	Exact   *Contact
	Closest []*Contact
}

// Found reports whether the result is an exact match
func (r FindResult) Found() bool {
	return r.Exact != nil
}

// Contact is a remote peer on the network
type Contact struct {
	// ID is the sha1 of the packed host and port. It never changes
	ID ID
	// Host the ipv4 address of the peer
	Host net.IP
	// Port the udp port of the peer
	Port uint16

	status    Status
	lastHeard time.Time
	mu        sync.Mutex
}

// NewContact creates a contact from an ipv4 host and a port
func NewContact(host string, port int) (*Contact, error) {
	ip := net.ParseIP(host).To4()
	if ip == nil || port < 0 || port > 65535 {
		return nil, ErrInvalidAddress
	}

	return newContact(ip, uint16(port)), nil
}

// ContactFromString creates a contact from a "host:port" string
func ContactFromString(address string) (*Contact, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}

	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}

	return NewContact(host, p)
}

// ContactFromAddr creates a contact from a udp address
func ContactFromAddr(addr *net.UDPAddr) (*Contact, error) {
	if addr == nil {
		return nil, ErrInvalidAddress
	}

	ip := addr.IP.To4()
	if ip == nil || addr.Port < 0 || addr.Port > 65535 {
		return nil, ErrInvalidAddress
	}

	return newContact(ip, uint16(addr.Port)), nil
}

// ContactFromPacked creates a contact from its 6 byte packed form
func ContactFromPacked(b []byte) (*Contact, error) {
	if len(b) < 6 {
		return nil, ErrInvalidAddress
	}

	ip := make(net.IP, 4)
	copy(ip, b[:4])

	return newContact(ip, binary.BigEndian.Uint16(b[4:6])), nil
}

// RandomContact creates a contact with a random address
func RandomContact() *Contact {
	b := make([]byte, 6)
	rand.Read(b)

	c, _ := ContactFromPacked(b)

	return c
}

func newContact(ip net.IP, port uint16) *Contact {
	c := &Contact{
		Host:   ip,
		Port:   port,
		status: StatusGood,
	}

	h := sha1.Sum(c.Packed())
	c.ID = IDFromBytes(h[:])

	return c
}

// Packed returns the 4 byte host followed by the big-endian port
func (c *Contact) Packed() []byte {
	b := make([]byte, 6)
	copy(b, c.Host.To4())
	binary.BigEndian.PutUint16(b[4:], c.Port)
	return b
}

// Addr returns the udp address of the contact
func (c *Contact) Addr() *net.UDPAddr {
	return &net.UDPAddr{IP: c.Host, Port: int(c.Port)}
}

func (c *Contact) String() string {
	return net.JoinHostPort(c.Host.String(), strconv.Itoa(int(c.Port)))
}

// Equal reports whether both contacts have the same id
func (c *Contact) Equal(other *Contact) bool {
	return c.ID.Equal(other.ID)
}

// Compare compares the ids of both contacts
func (c *Contact) Compare(other *Contact) int {
	return c.ID.Compare(other.ID)
}

// Status returns the current liveness status
func (c *Contact) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// LastHeard returns the last time a reply or request was received from the contact
func (c *Contact) LastHeard() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeard
}

// IsGood reports whether the contact is good
func (c *Contact) IsGood() bool {
	return c.Status() == StatusGood
}

// IsQuestionable reports whether the contact is questionable
func (c *Contact) IsQuestionable() bool {
	return c.Status() == StatusQuestionable
}

// IsBad reports whether the contact is bad
func (c *Contact) IsBad() bool {
	return c.Status() == StatusBad
}

// IsOverdue reports whether a good contact has not been heard from
// within the idle period and should be checked before being trusted
func (c *Contact) IsOverdue(idle time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status == StatusGood && time.Since(c.lastHeard) > idle
}

// heard refreshes the last heard time
func (c *Contact) heard(t time.Time) {
	c.mu.Lock()
	c.lastHeard = t
	c.mu.Unlock()
}

// promote marks the contact as good after a reply
func (c *Contact) promote() {
	c.mu.Lock()
	c.status = StatusGood
	c.lastHeard = time.Now()
	c.mu.Unlock()
}

// demote moves the contact one step towards bad after a missed reply
func (c *Contact) demote() {
	c.mu.Lock()
	if c.status < StatusBad {
		c.status++
	}
	c.mu.Unlock()
}

// settle updates the liveness of the contact with the outcome of a request
func (c *Contact) settle(err error) bool {
	if err == nil {
		c.promote()
		return true
	}

	// the caller gave up on the request, so this says nothing about the contact
	if errors.Is(err, context.Canceled) || errors.Is(err, ErrClosed) {
		return false
	}

	c.demote()

	return false
}

// Ping checks the contact is alive
func (c *Contact) Ping(ctx context.Context, rpc RPC) bool {
	_, err := rpc.Request(ctx, c, protocol.CommandPING, ID{})
	return c.settle(err)
}

// Find asks the contact for the target, or the closest contacts it knows of
func (c *Contact) Find(ctx context.Context, rpc RPC, target ID) (FindResult, bool) {
	r, err := rpc.Request(ctx, c, protocol.CommandFIND, target)
	if !c.settle(err) {
		return FindResult{}, false
	}
	return r, true
}

// Pong replies to a ping from the contact
func (c *Contact) Pong(rpc RPC, tx []byte) error {
	return rpc.Reply(c, protocol.CommandPONG, tx, FindResult{})
}

// FoundContact replies to a find from the contact with the exact match
func (c *Contact) FoundContact(rpc RPC, tx []byte, found *Contact) error {
	return rpc.Reply(c, protocol.CommandFOUND, tx, FindResult{Exact: found})
}

// FoundClosest replies to a find from the contact with the closest known contacts
func (c *Contact) FoundClosest(rpc RPC, tx []byte, closest []*Contact) error {
	return rpc.Reply(c, protocol.CommandFOUND, tx, FindResult{Closest: closest})
}
