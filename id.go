package dht

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"math/big"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrDivisionByZero returned when dividing an id by zero
	ErrDivisionByZero = errors.New("division by zero")
	// ErrNegativeResult returned when subtracting a larger id from a smaller one
	ErrNegativeResult = errors.New("subtraction result is negative")
	// ErrInvalidBinary returned when a bit string contains anything other than 0 or 1
	ErrInvalidBinary = errors.New("invalid binary id")
)

// ID is an immutable, arbitrary length unsigned integer used both as a
// node identifier and as a coordinate in the keyspace. The zero value is 0
type ID struct {
	n *big.Int
}

// IDFromBytes creates an id from a big-endian byte buffer. Leading zero
// bytes are ignored, so buffers of different lengths holding the same
// value produce equal ids
func IDFromBytes(b []byte) ID {
	return ID{n: new(big.Int).SetBytes(b)}
}

// IDFromBinary creates an id from a literal bit string, such as "1011"
func IDFromBinary(s string) (ID, error) {
	if s == "" || strings.Trim(s, "01") != "" {
		return ID{}, ErrInvalidBinary
	}

	n, ok := new(big.Int).SetString(s, 2)
	if !ok {
		return ID{}, ErrInvalidBinary
	}

	return ID{n: n}, nil
}

// RandomID generates a random id from the given number of bytes
func RandomID(length int) ID {
	b := make([]byte, length)
	rand.Read(b)
	return IDFromBytes(b)
}

// ZeroID returns 0
func ZeroID() ID {
	return ID{n: new(big.Int)}
}

// OneID returns 1
func OneID() ID {
	return ID{n: big.NewInt(1)}
}

// KeyspaceRange returns 2^160, the width of the keyspace covered by 20 byte ids
func KeyspaceRange() ID {
	return ID{n: new(big.Int).Lsh(big.NewInt(1), KEY_BITS)}
}

// MinID returns the smaller of two ids
func MinID(a, b ID) ID {
	if a.Compare(b) < 0 {
		return a
	}
	return b
}

// MaxID returns the larger of two ids
func MaxID(a, b ID) ID {
	if a.Compare(b) > 0 {
		return a
	}
	return b
}

// int returns the underlying value. It must never be mutated
func (id ID) int() *big.Int {
	if id.n == nil {
		return new(big.Int)
	}
	return id.n
}

// Compare returns -1, 0 or +1 depending on whether id is less than,
// equal to or greater than other
func (id ID) Compare(other ID) int {
	return id.int().Cmp(other.int())
}

// Equal reports whether both ids hold the same value
func (id ID) Equal(other ID) bool {
	return id.Compare(other) == 0
}

// IsZero reports whether the id is 0
func (id ID) IsZero() bool {
	return id.int().Sign() == 0
}

// Difference returns the absolute difference between two ids. This is the
// distance metric used to rank contacts, in place of the xor distance
func (id ID) Difference(other ID) ID {
	return ID{n: new(big.Int).Abs(new(big.Int).Sub(id.int(), other.int()))}
}

// Add returns id + other
func (id ID) Add(other ID) ID {
	return ID{n: new(big.Int).Add(id.int(), other.int())}
}

// Subtract returns id - other. Ids are unsigned, so other must not be
// greater than id
func (id ID) Subtract(other ID) (ID, error) {
	if id.Compare(other) < 0 {
		return ID{}, ErrNegativeResult
	}
	return ID{n: new(big.Int).Sub(id.int(), other.int())}, nil
}

// Multiply returns id * other
func (id ID) Multiply(other ID) ID {
	return ID{n: new(big.Int).Mul(id.int(), other.int())}
}

// Divide returns the quotient and remainder of id / other
func (id ID) Divide(other ID) (ID, ID, error) {
	if other.IsZero() {
		return ID{}, ID{}, ErrDivisionByZero
	}

	q, r := new(big.Int).QuoRem(id.int(), other.int(), new(big.Int))

	return ID{n: q}, ID{n: r}, nil
}

// Halve shifts the id right by one bit
func (id ID) Halve() ID {
	return ID{n: new(big.Int).Rsh(id.int(), 1)}
}

// Double shifts the id left by one bit
func (id ID) Double() ID {
	return ID{n: new(big.Int).Lsh(id.int(), 1)}
}

// Clone returns a copy of the id
func (id ID) Clone() ID {
	return ID{n: new(big.Int).Set(id.int())}
}

// Bytes returns the minimal big-endian representation of the id.
// Zero is represented by a single zero byte
func (id ID) Bytes() []byte {
	b := id.int().Bytes()
	if len(b) == 0 {
		return []byte{0}
	}
	return b
}

// Base64 returns the base64 encoding of the ids minimal bytes
func (id ID) Base64() string {
	return base64.StdEncoding.EncodeToString(id.Bytes())
}

// Binary returns the id as a bit string without leading zeros
func (id ID) Binary() string {
	return id.int().Text(2)
}

// BitLen returns the number of significant bits
func (id ID) BitLen() int {
	return id.int().BitLen()
}

func (id ID) String() string {
	return hex.EncodeToString(id.Bytes())
}
