// Package wire defines the ring protocol's datagram frames.
//
// Every frame is laid out in network byte order as
//
//	type:1 | transactionId:4 | payload
//
// Strings carry a 2-byte length prefix, lists a 2-byte count prefix and
// addresses are 4-byte IPv4. Identifiers travel as the hex text produced by
// hash.Format; the empty string means "unset".
//
// An unset address has no wire form of its own. The zero netip.Addr is
// written as 0.0.0.0 and decodes as netip.IPv4Unspecified, so senders that
// need frames to round-trip use the unspecified address for "unset".
package wire

import (
	"fmt"
	"net/netip"
)

// Type is the one-byte message tag.
type Type uint8

// Message types
const (
	TypePingReq      Type = 1
	TypePingRsp      Type = 2
	TypeChordJoin    Type = 3
	TypeChordJoinRsp Type = 4
	TypeRingState    Type = 5
	TypeStableReq    Type = 6
	TypeStableRsp    Type = 7
	TypeChordLeave   Type = 8
	TypeSetPred      Type = 9
	TypeNotify       Type = 10
	TypeFingerReq    Type = 11
	TypeFingerRsp    Type = 12
)

var typeNames = map[Type]string{
	TypePingReq:      "PING_REQ",
	TypePingRsp:      "PING_RSP",
	TypeChordJoin:    "CHORD_JOIN",
	TypeChordJoinRsp: "CHORD_JOIN_RSP",
	TypeRingState:    "RING_STATE",
	TypeStableReq:    "STABLE_REQ",
	TypeStableRsp:    "STABLE_RSP",
	TypeChordLeave:   "CHORD_LEAVE",
	TypeSetPred:      "SET_PRED",
	TypeNotify:       "NOTIFY",
	TypeFingerReq:    "FINGER_REQ",
	TypeFingerRsp:    "FINGER_RSP",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

// Message is one decoded frame.
type Message struct {
	TransactionID uint32
	Payload       Payload
}

// Type returns the tag of the message payload.
func (m Message) Type() Type {
	if m.Payload == nil {
		return 0
	}
	return m.Payload.Type()
}

// Payload is implemented by every message body.
type Payload interface {
	Type() Type
	encode(w *writer)
	decode(r *reader)
}

// PingReq asks the peer to echo Payload.
type PingReq struct {
	Payload string
}

// PingRsp echoes the payload of a PingReq.
type PingRsp struct {
	Payload string
}

// ChordJoin asks the ring to place RequesterID.
type ChordJoin struct {
	RequesterID string
	LandmarkID  string
	Originator  netip.Addr
	Landmark    netip.Addr
}

// ChordJoinRsp tells the joiner its successor.
type ChordJoinRsp struct {
	SuccessorID string
	Successor   netip.Addr
}

// RingState walks the ring once, starting and ending at OriginatorID.
type RingState struct {
	OriginatorID string
}

// StableReq asks the successor for its predecessor.
type StableReq struct{}

// StableRsp carries the responder's predecessor, or the responder itself
// when it has none. Stable is set when that predecessor is the requester.
type StableRsp struct {
	PredecessorID string
	Predecessor   netip.Addr
	Stable        bool
}

// ChordLeave announces a departure to both neighbours.
type ChordLeave struct {
	SuccessorID   string
	PredecessorID string
	Successor     netip.Addr
	Predecessor   netip.Addr
}

// SetPred asserts NodeID as the receiver's predecessor.
type SetPred struct {
	NodeID string
	Node   netip.Addr
}

// Notify proposes NodeID as the receiver's predecessor.
type Notify struct {
	NodeID string
	Node   netip.Addr
}

// FingerReq walks the ring resolving finger test points.
// Pending is a stack: the next test point to resolve is the last element.
type FingerReq struct {
	Pending       []string
	ResolvedIDs   []string
	ResolvedAddrs []netip.Addr
	Originator    netip.Addr
}

// FingerRsp returns the resolved finger entries to the originator.
type FingerRsp struct {
	ResolvedIDs   []string
	ResolvedAddrs []netip.Addr
}

func (PingReq) Type() Type      { return TypePingReq }
func (PingRsp) Type() Type      { return TypePingRsp }
func (ChordJoin) Type() Type    { return TypeChordJoin }
func (ChordJoinRsp) Type() Type { return TypeChordJoinRsp }
func (RingState) Type() Type    { return TypeRingState }
func (StableReq) Type() Type    { return TypeStableReq }
func (StableRsp) Type() Type    { return TypeStableRsp }
func (ChordLeave) Type() Type   { return TypeChordLeave }
func (SetPred) Type() Type      { return TypeSetPred }
func (Notify) Type() Type       { return TypeNotify }
func (FingerReq) Type() Type    { return TypeFingerReq }
func (FingerRsp) Type() Type    { return TypeFingerRsp }

// newPayload returns an empty payload for tag t, or nil if t is unknown.
func newPayload(t Type) Payload {
	switch t {
	case TypePingReq:
		return &PingReq{}
	case TypePingRsp:
		return &PingRsp{}
	case TypeChordJoin:
		return &ChordJoin{}
	case TypeChordJoinRsp:
		return &ChordJoinRsp{}
	case TypeRingState:
		return &RingState{}
	case TypeStableReq:
		return &StableReq{}
	case TypeStableRsp:
		return &StableRsp{}
	case TypeChordLeave:
		return &ChordLeave{}
	case TypeSetPred:
		return &SetPred{}
	case TypeNotify:
		return &Notify{}
	case TypeFingerReq:
		return &FingerReq{}
	case TypeFingerRsp:
		return &FingerRsp{}
	}
	return nil
}
