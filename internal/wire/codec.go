package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net/netip"
)

const headerLen = 1 + 4

var (
	// ErrMalformedMessage is returned for frames that cannot be decoded
	ErrMalformedMessage = errors.New("malformed message")

	// ErrFieldTooLarge is returned when a field does not fit its length prefix
	ErrFieldTooLarge = errors.New("field too large for frame")
)

// Encode serializes m into a single frame.
func Encode(m Message) ([]byte, error) {
	if m.Payload == nil {
		return nil, fmt.Errorf("encode: nil payload")
	}
	if err := validate(m.Payload); err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Payload.Type(), err)
	}

	w := &writer{buf: make([]byte, 0, 64)}
	w.u8(uint8(m.Payload.Type()))
	w.u32(m.TransactionID)
	m.Payload.encode(w)
	if w.err != nil {
		return nil, fmt.Errorf("encode %s: %w", m.Payload.Type(), w.err)
	}
	return w.buf, nil
}

// Decode parses one frame. Every failure wraps ErrMalformedMessage.
func Decode(frame []byte) (Message, error) {
	if len(frame) < headerLen {
		return Message{}, fmt.Errorf("%w: frame of %d bytes is shorter than the header", ErrMalformedMessage, len(frame))
	}

	t := Type(frame[0])
	p := newPayload(t)
	if p == nil {
		return Message{}, fmt.Errorf("%w: unknown type tag %d", ErrMalformedMessage, frame[0])
	}

	r := &reader{buf: frame[1:]}
	txn := r.u32()
	p.decode(r)
	if r.err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, t, r.err)
	}
	if len(r.buf) != 0 {
		return Message{}, fmt.Errorf("%w: %s: %d trailing bytes", ErrMalformedMessage, t, len(r.buf))
	}
	if err := validate(p); err != nil {
		return Message{}, fmt.Errorf("%w: %s: %v", ErrMalformedMessage, t, err)
	}
	return Message{TransactionID: txn, Payload: p}, nil
}

func validate(p Payload) error {
	switch v := p.(type) {
	case *FingerReq:
		if len(v.ResolvedIDs) != len(v.ResolvedAddrs) {
			return fmt.Errorf("%d resolved ids but %d addresses", len(v.ResolvedIDs), len(v.ResolvedAddrs))
		}
	case *FingerRsp:
		if len(v.ResolvedIDs) != len(v.ResolvedAddrs) {
			return fmt.Errorf("%d resolved ids but %d addresses", len(v.ResolvedIDs), len(v.ResolvedAddrs))
		}
	}
	return nil
}

func (m *PingReq) encode(w *writer) { w.str(m.Payload) }
func (m *PingReq) decode(r *reader) { m.Payload = r.str() }

func (m *PingRsp) encode(w *writer) { w.str(m.Payload) }
func (m *PingRsp) decode(r *reader) { m.Payload = r.str() }

func (m *ChordJoin) encode(w *writer) {
	w.str(m.RequesterID)
	w.str(m.LandmarkID)
	w.addr(m.Originator)
	w.addr(m.Landmark)
}

func (m *ChordJoin) decode(r *reader) {
	m.RequesterID = r.str()
	m.LandmarkID = r.str()
	m.Originator = r.addr()
	m.Landmark = r.addr()
}

func (m *ChordJoinRsp) encode(w *writer) {
	w.str(m.SuccessorID)
	w.addr(m.Successor)
}

func (m *ChordJoinRsp) decode(r *reader) {
	m.SuccessorID = r.str()
	m.Successor = r.addr()
}

func (m *RingState) encode(w *writer) { w.str(m.OriginatorID) }
func (m *RingState) decode(r *reader) { m.OriginatorID = r.str() }

func (m *StableReq) encode(*writer) {}
func (m *StableReq) decode(*reader) {}

func (m *StableRsp) encode(w *writer) {
	w.str(m.PredecessorID)
	w.addr(m.Predecessor)
	w.boolean(m.Stable)
}

func (m *StableRsp) decode(r *reader) {
	m.PredecessorID = r.str()
	m.Predecessor = r.addr()
	m.Stable = r.boolean()
}

func (m *ChordLeave) encode(w *writer) {
	w.str(m.SuccessorID)
	w.str(m.PredecessorID)
	w.addr(m.Successor)
	w.addr(m.Predecessor)
}

func (m *ChordLeave) decode(r *reader) {
	m.SuccessorID = r.str()
	m.PredecessorID = r.str()
	m.Successor = r.addr()
	m.Predecessor = r.addr()
}

func (m *SetPred) encode(w *writer) {
	w.str(m.NodeID)
	w.addr(m.Node)
}

func (m *SetPred) decode(r *reader) {
	m.NodeID = r.str()
	m.Node = r.addr()
}

func (m *Notify) encode(w *writer) {
	w.str(m.NodeID)
	w.addr(m.Node)
}

func (m *Notify) decode(r *reader) {
	m.NodeID = r.str()
	m.Node = r.addr()
}

func (m *FingerReq) encode(w *writer) {
	w.strs(m.Pending)
	w.strs(m.ResolvedIDs)
	w.addrs(m.ResolvedAddrs)
	w.addr(m.Originator)
}

func (m *FingerReq) decode(r *reader) {
	m.Pending = r.strs()
	m.ResolvedIDs = r.strs()
	m.ResolvedAddrs = r.addrs()
	m.Originator = r.addr()
}

func (m *FingerRsp) encode(w *writer) {
	w.strs(m.ResolvedIDs)
	w.addrs(m.ResolvedAddrs)
}

func (m *FingerRsp) decode(r *reader) {
	m.ResolvedIDs = r.strs()
	m.ResolvedAddrs = r.addrs()
}

// writer appends big-endian fields and remembers the first error.
type writer struct {
	buf []byte
	err error
}

func (w *writer) u8(v uint8) { w.buf = append(w.buf, v) }

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }

func (w *writer) u32(v uint32) { w.buf = binary.BigEndian.AppendUint32(w.buf, v) }

func (w *writer) count(n int) {
	if n > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("%w: %d exceeds %d", ErrFieldTooLarge, n, math.MaxUint16)
		}
		return
	}
	w.u16(uint16(n))
}

func (w *writer) str(s string) {
	w.count(len(s))
	w.buf = append(w.buf, s...)
}

func (w *writer) strs(ss []string) {
	w.count(len(ss))
	for _, s := range ss {
		w.str(s)
	}
}

// addr writes a 4-byte IPv4 address. The zero Addr is written as 0.0.0.0.
func (w *writer) addr(a netip.Addr) {
	if !a.IsValid() {
		w.buf = append(w.buf, 0, 0, 0, 0)
		return
	}
	if !a.Is4() {
		if w.err == nil {
			w.err = fmt.Errorf("address %s is not IPv4", a)
		}
		return
	}
	b := a.As4()
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) addrs(as []netip.Addr) {
	w.count(len(as))
	for _, a := range as {
		w.addr(a)
	}
}

func (w *writer) boolean(v bool) {
	if v {
		w.u8(1)
		return
	}
	w.u8(0)
}

// reader consumes big-endian fields and remembers the first error.
type reader struct {
	buf []byte
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < n {
		r.err = fmt.Errorf("need %d bytes, have %d", n, len(r.buf))
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) str() string {
	n := int(r.u16())
	b := r.take(n)
	if b == nil {
		return ""
	}
	return string(b)
}

// strs returns nil for an empty list so that decode(encode(m)) == m for
// messages built with nil slices.
func (r *reader) strs() []string {
	n := int(r.u16())
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]string, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.str())
	}
	return out
}

func (r *reader) addr() netip.Addr {
	b := r.take(4)
	if b == nil {
		return netip.Addr{}
	}
	return netip.AddrFrom4([4]byte(b))
}

func (r *reader) addrs() []netip.Addr {
	n := int(r.u16())
	if n == 0 || r.err != nil {
		return nil
	}
	out := make([]netip.Addr, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		out = append(out, r.addr())
	}
	return out
}

func (r *reader) boolean() bool {
	switch r.u8() {
	case 0:
		return false
	case 1:
		return true
	default:
		if r.err == nil {
			r.err = fmt.Errorf("invalid bool byte")
		}
		return false
	}
}
