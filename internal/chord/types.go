package chord

import (
	"fmt"
	"math/big"
	"net/netip"

	"github.com/zde37/gochord/pkg/hash"
)

// State is the node's position in the membership lifecycle.
type State int

const (
	// StateIdle means the node is started but not part of a ring.
	StateIdle State = iota
	// StateSolo means the node is the landmark and its own successor.
	StateSolo
	// StateJoining means a CHORD_JOIN is outstanding.
	StateJoining
	// StateMember means the node has a successor other than itself.
	StateMember
	// StateLeaving means the node has announced its departure.
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateSolo:
		return "SOLO"
	case StateJoining:
		return "JOINING"
	case StateMember:
		return "MEMBER"
	case StateLeaving:
		return "LEAVING"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// InRing reports whether the node participates in ring traffic.
func (s State) InRing() bool {
	return s == StateSolo || s == StateMember
}

// NodeAddress represents a node in the Chord ring with its identifier and network address.
type NodeAddress struct {
	ID   *big.Int   // Node identifier in the ring (0 to 2^160 - 1)
	Addr netip.Addr // IPv4 address; every node listens on the same port
}

// NewNodeAddress creates a new NodeAddress with the given parameters.
// The ID is copied to prevent external modification.
func NewNodeAddress(id *big.Int, addr netip.Addr) *NodeAddress {
	if id == nil {
		return &NodeAddress{ID: new(big.Int), Addr: addr}
	}
	return &NodeAddress{ID: new(big.Int).Set(id), Addr: addr}
}

// nodeFromWire builds a NodeAddress from the id text and address carried in
// a message. An empty or unparsable id yields nil.
func nodeFromWire(id string, addr netip.Addr) (*NodeAddress, error) {
	parsed, err := hash.Parse(id)
	if err != nil {
		return nil, err
	}
	if parsed == nil {
		return nil, nil
	}
	return &NodeAddress{ID: parsed, Addr: addr}, nil
}

// String returns a human-readable representation of the node address.
func (n *NodeAddress) String() string {
	if n == nil {
		return "NodeAddress{nil}"
	}
	return fmt.Sprintf("NodeAddress{ID: %s, Addr: %s}", hash.Short(n.ID), n.Addr)
}

// IDText returns the fixed-width hex id used on the wire, or "" for nil.
func (n *NodeAddress) IDText() string {
	if n == nil {
		return ""
	}
	return hash.Format(n.ID)
}

// WireAddr returns the address to put on the wire; nil becomes 0.0.0.0.
func (n *NodeAddress) WireAddr() netip.Addr {
	if n == nil || !n.Addr.IsValid() {
		return netip.IPv4Unspecified()
	}
	return n.Addr
}

// Equals checks if two NodeAddress instances are equal.
func (n *NodeAddress) Equals(other *NodeAddress) bool {
	if n == nil && other == nil {
		return true
	}
	if n == nil || other == nil {
		return false
	}
	return hash.Equal(n.ID, other.ID) && n.Addr == other.Addr
}

// SameID reports whether both nodes sit on the same ring position.
func (n *NodeAddress) SameID(other *NodeAddress) bool {
	if n == nil || other == nil {
		return false
	}
	return hash.Equal(n.ID, other.ID)
}

// Copy creates a deep copy of the NodeAddress.
func (n *NodeAddress) Copy() *NodeAddress {
	if n == nil {
		return nil
	}
	return NewNodeAddress(n.ID, n.Addr)
}

// IsNil checks if the NodeAddress is nil or has a nil ID.
func (n *NodeAddress) IsNil() bool {
	return n == nil || n.ID == nil
}

// FingerEntry represents an entry in the finger table. Start is the test
// point the entry was resolved for and Node the node that owns it.
type FingerEntry struct {
	Start *big.Int
	Node  *NodeAddress
}

// NewFingerEntry creates a new FingerEntry with the given parameters.
// The start ID is copied to prevent external modification.
func NewFingerEntry(start *big.Int, node *NodeAddress) *FingerEntry {
	var startCopy *big.Int
	if start != nil {
		startCopy = new(big.Int).Set(start)
	}

	return &FingerEntry{
		Start: startCopy,
		Node:  node.Copy(),
	}
}

// String returns a human-readable representation of the finger entry.
func (f *FingerEntry) String() string {
	if f == nil {
		return "FingerEntry{nil}"
	}
	startStr := "<nil>"
	if f.Start != nil {
		startStr = hash.Short(f.Start)
	}
	nodeStr := "<nil>"
	if f.Node != nil {
		nodeStr = f.Node.String()
	}
	return fmt.Sprintf("FingerEntry{Start: %s, Node: %s}", startStr, nodeStr)
}

// Copy creates a deep copy of the FingerEntry.
func (f *FingerEntry) Copy() *FingerEntry {
	if f == nil {
		return nil
	}
	return NewFingerEntry(f.Start, f.Node)
}

// IsNil checks if the FingerEntry is nil or has nil fields.
func (f *FingerEntry) IsNil() bool {
	return f == nil || f.Start == nil || f.Node.IsNil()
}

// Snapshot is a point-in-time copy of a node's ring state.
type Snapshot struct {
	State        State
	Self         *NodeAddress
	Successor    *NodeAddress
	Predecessor  *NodeAddress
	Fingers      []*FingerEntry
	PendingPings int
}
