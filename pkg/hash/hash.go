package hash

import (
	"crypto/sha1"
	"fmt"
	"math/big"
	"net/netip"
	"strconv"
)

const (
	// Bits is the size of the identifier space in bits (2^160)
	Bits = 160

	// HexLen is the length of an identifier rendered as fixed-width hex text.
	HexLen = Bits / 4
)

var (
	// ringSize is 2^Bits, the size of the Chord ring
	ringSize = new(big.Int).Lsh(big.NewInt(1), Bits)

	zero = big.NewInt(0)
	one  = big.NewInt(1)
)

// octetSum returns the sum of the four IPv4 octets of addr.
// Non-IPv4 addresses sum to zero.
func octetSum(addr netip.Addr) uint32 {
	if !addr.Is4() {
		return 0
	}
	b := addr.As4()
	return uint32(b[0]) + uint32(b[1]) + uint32(b[2]) + uint32(b[3])
}

// digest hashes the decimal text of v with SHA-1.
func digest(v uint32) *big.Int {
	sum := sha1.Sum([]byte(strconv.FormatUint(uint64(v), 10)))
	return new(big.Int).SetBytes(sum[:])
}

// HashAddress places a node address on the ring.
// The input is the decimal text of the sum of the four address octets, so
// distinct addresses with the same octet sum collide.
func HashAddress(addr netip.Addr) *big.Int {
	return digest(octetSum(addr))
}

// FingerTestPoint returns the i-th finger test point of addr in an m-entry
// finger table. The point is derived by re-hashing the perturbed octet sum
// (sum + 2^i mod 2^m) rather than by adding 2^i in identifier space, so the
// points are not evenly spaced on the ring.
func FingerTestPoint(addr netip.Addr, i, m int) *big.Int {
	if i < 0 || m <= 0 || m > 31 {
		return digest(octetSum(addr))
	}
	var extra uint32
	if i < m {
		extra = uint32(1) << uint(i)
	}
	return digest(octetSum(addr) + extra)
}

// Format renders id as fixed-width lower case hex.
// A nil id renders as the empty string, which is the wire form of "unset".
func Format(id *big.Int) string {
	if id == nil {
		return ""
	}
	return fmt.Sprintf("%0*x", HexLen, mod(id))
}

// Short returns the first 8 hex digits of id for log fields.
func Short(id *big.Int) string {
	s := Format(id)
	if len(s) > 8 {
		return s[:8]
	}
	if s == "" {
		return "nil"
	}
	return s
}

// Parse decodes the hex text produced by Format.
// The empty string decodes to nil (unset) without error.
func Parse(s string) (*big.Int, error) {
	if s == "" {
		return nil, nil
	}
	if len(s) > HexLen {
		return nil, fmt.Errorf("identifier %q longer than %d hex digits", s, HexLen)
	}
	id, ok := new(big.Int).SetString(s, 16)
	if !ok || id.Sign() < 0 {
		return nil, fmt.Errorf("identifier %q is not hex", s)
	}
	return id, nil
}

// Between checks if id is in the range (start, end) on the Chord ring (exclusive on both ends).
// The range wraps around if end < start; start == end means the whole ring except start.
//
// This is the only containment primitive; every other range test is built on it.
//
// Examples:
//   - Between(5, 3, 7) = true    // 5 is in (3, 7)
//   - Between(7, 3, 7) = false   // open interval
//   - Between(1, 8, 3) = true    // wraparound
//   - Between(9, 8, 3) = true    // wraparound
func Between(id, start, end *big.Int) bool {
	if id == nil || start == nil || end == nil {
		return false
	}

	id = mod(id)
	start = mod(start)
	end = mod(end)

	switch start.Cmp(end) {
	case -1:
		return id.Cmp(start) > 0 && id.Cmp(end) < 0
	case 1:
		return id.Cmp(start) > 0 || id.Cmp(end) < 0
	default:
		return id.Cmp(start) != 0
	}
}

// InRange checks if id is in the range (start, end] on the Chord ring.
func InRange(id, start, end *big.Int) bool {
	if id == nil || end == nil {
		return false
	}
	return Between(id, start, end) || mod(id).Cmp(mod(end)) == 0
}

// Equal reports whether a and b name the same point on the ring.
func Equal(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return mod(a).Cmp(mod(b)) == 0
}

// Distance computes the clockwise distance from start to end on the Chord ring.
// Returns (end - start) mod 2^Bits.
func Distance(start, end *big.Int) *big.Int {
	if start == nil || end == nil {
		return new(big.Int)
	}
	return mod(new(big.Int).Sub(end, start))
}

// mod returns x mod 2^Bits in [0, 2^Bits).
func mod(x *big.Int) *big.Int {
	return new(big.Int).Mod(x, ringSize)
}

// RingSize returns 2^Bits, the size of the Chord ring.
func RingSize() *big.Int {
	return new(big.Int).Set(ringSize)
}

// MaxID returns the maximum valid ID on the ring (2^Bits - 1).
func MaxID() *big.Int {
	return new(big.Int).Sub(ringSize, one)
}

// IsValidID checks if an ID is within the valid range [0, 2^Bits).
func IsValidID(id *big.Int) bool {
	if id == nil {
		return false
	}
	return id.Cmp(zero) >= 0 && id.Cmp(ringSize) < 0
}
