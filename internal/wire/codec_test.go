package wire

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	idA = "17ba0791499db908433b80f37c5fbc89b870084b"
	idB = "7b52009b64fd0a2a49e6d8a939753077792b0554"
	idC = "bd307a3ec329e10a2cff8fb87480823da114f8f4"
	idD = "f1abd670358e036c31296e66b3b66c382ac00812"
)

var (
	addrA = netip.MustParseAddr("10.0.0.1")
	addrB = netip.MustParseAddr("10.0.0.2")
	addrC = netip.MustParseAddr("10.0.0.3")
	addrD = netip.MustParseAddr("10.0.0.4")
	zero4 = netip.IPv4Unspecified()
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{name: "ping req", msg: Message{TransactionID: 1, Payload: &PingReq{Payload: "hello"}}},
		{name: "ping req empty payload", msg: Message{TransactionID: 0, Payload: &PingReq{}}},
		{name: "ping rsp", msg: Message{TransactionID: 0xffffffff, Payload: &PingRsp{Payload: "héllo"}}},
		{name: "ping rsp empty payload", msg: Message{TransactionID: 7, Payload: &PingRsp{}}},
		{
			name: "chord join",
			msg: Message{TransactionID: 42, Payload: &ChordJoin{
				RequesterID: idA, LandmarkID: idB, Originator: addrA, Landmark: addrB,
			}},
		},
		{
			name: "chord join landmark unset",
			msg: Message{TransactionID: 43, Payload: &ChordJoin{
				RequesterID: idA, Originator: addrA, Landmark: addrB,
			}},
		},
		{
			name: "chord join all zero",
			msg:  Message{Payload: &ChordJoin{Originator: zero4, Landmark: zero4}},
		},
		{
			name: "chord join rsp",
			msg:  Message{TransactionID: 42, Payload: &ChordJoinRsp{SuccessorID: idC, Successor: addrC}},
		},
		{name: "ring state", msg: Message{TransactionID: 9, Payload: &RingState{OriginatorID: idD}}},
		{name: "ring state empty", msg: Message{TransactionID: 9, Payload: &RingState{}}},
		{name: "stable req", msg: Message{TransactionID: 10, Payload: &StableReq{}}},
		{
			name: "stable rsp stable",
			msg: Message{TransactionID: 11, Payload: &StableRsp{
				PredecessorID: idA, Predecessor: addrA, Stable: true,
			}},
		},
		{
			name: "stable rsp not stable",
			msg:  Message{TransactionID: 12, Payload: &StableRsp{PredecessorID: idB, Predecessor: addrB}},
		},
		{
			name: "chord leave",
			msg: Message{TransactionID: 13, Payload: &ChordLeave{
				SuccessorID: idC, PredecessorID: idA, Successor: addrC, Predecessor: addrA,
			}},
		},
		{
			name: "chord leave without predecessor",
			msg: Message{TransactionID: 14, Payload: &ChordLeave{
				SuccessorID: idC, Successor: addrC, Predecessor: zero4,
			}},
		},
		{name: "set pred", msg: Message{TransactionID: 15, Payload: &SetPred{NodeID: idB, Node: addrB}}},
		{name: "notify", msg: Message{TransactionID: 16, Payload: &Notify{NodeID: idD, Node: addrD}}},
		{
			name: "finger req empty tables",
			msg:  Message{TransactionID: 17, Payload: &FingerReq{Originator: addrA}},
		},
		{
			name: "finger req full stack",
			msg: Message{TransactionID: 18, Payload: &FingerReq{
				Pending:    []string{idD, idC, idB, idA},
				Originator: addrA,
			}},
		},
		{
			name: "finger req partially resolved",
			msg: Message{TransactionID: 19, Payload: &FingerReq{
				Pending:       []string{idD, idC},
				ResolvedIDs:   []string{idB, idB},
				ResolvedAddrs: []netip.Addr{addrB, addrB},
				Originator:    addrA,
			}},
		},
		{name: "finger rsp empty", msg: Message{TransactionID: 20, Payload: &FingerRsp{}}},
		{
			name: "finger rsp full",
			msg: Message{TransactionID: 21, Payload: &FingerRsp{
				ResolvedIDs:   []string{idA, idB, idC, idD},
				ResolvedAddrs: []netip.Addr{addrA, addrB, addrC, zero4},
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := Encode(tt.msg)
			require.NoError(t, err)
			assert.Equal(t, byte(tt.msg.Type()), frame[0])

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.msg, got)
		})
	}
}

func TestEncode_Layout(t *testing.T) {
	frame, err := Encode(Message{
		TransactionID: 0x01020304,
		Payload:       &SetPred{NodeID: "ab", Node: netip.MustParseAddr("192.168.0.9")},
	})
	require.NoError(t, err)

	assert.Equal(t, []byte{
		9,          // SET_PRED
		1, 2, 3, 4, // transaction id, big endian
		0, 2, 'a', 'b', // length-prefixed id
		192, 168, 0, 9, // address
	}, frame)
}

func TestEncode_StableReqIsHeaderOnly(t *testing.T) {
	frame, err := Encode(Message{TransactionID: 5, Payload: &StableReq{}})
	require.NoError(t, err)
	assert.Len(t, frame, headerLen)
}

func TestEncode_Errors(t *testing.T) {
	t.Run("nil payload", func(t *testing.T) {
		_, err := Encode(Message{})
		assert.Error(t, err)
	})

	t.Run("string too long", func(t *testing.T) {
		_, err := Encode(Message{Payload: &PingReq{Payload: strings.Repeat("x", 70000)}})
		assert.ErrorIs(t, err, ErrFieldTooLarge)
	})

	t.Run("ipv6 address", func(t *testing.T) {
		_, err := Encode(Message{Payload: &Notify{NodeID: idA, Node: netip.MustParseAddr("::1")}})
		assert.Error(t, err)
	})

	t.Run("mismatched finger lists", func(t *testing.T) {
		_, err := Encode(Message{Payload: &FingerRsp{ResolvedIDs: []string{idA}}})
		assert.Error(t, err)
	})
}

func TestEncode_ZeroAddrWritesUnspecified(t *testing.T) {
	frame, err := Encode(Message{Payload: &ChordJoinRsp{SuccessorID: idA}})
	require.NoError(t, err)

	got, err := Decode(frame)
	require.NoError(t, err)
	successor := got.Payload.(*ChordJoinRsp).Successor
	assert.Equal(t, zero4, successor)
	assert.True(t, successor.IsValid(), "decodes as 0.0.0.0, not the zero Addr")

	again, err := Encode(got)
	require.NoError(t, err)
	assert.Equal(t, frame, again, "the unspecified address round-trips")
}

func TestDecode_Malformed(t *testing.T) {
	valid, err := Encode(Message{TransactionID: 3, Payload: &ChordJoin{
		RequesterID: idA, LandmarkID: idB, Originator: addrA, Landmark: addrB,
	}})
	require.NoError(t, err)

	tests := []struct {
		name  string
		frame []byte
	}{
		{name: "empty", frame: nil},
		{name: "header too short", frame: []byte{1, 0, 0}},
		{name: "unknown tag", frame: []byte{99, 0, 0, 0, 1}},
		{name: "zero tag", frame: []byte{0, 0, 0, 0, 1}},
		{name: "missing string", frame: []byte{1, 0, 0, 0, 1}},
		{name: "string shorter than prefix", frame: []byte{1, 0, 0, 0, 1, 0, 5, 'a'}},
		{name: "truncated join", frame: valid[:len(valid)-1]},
		{name: "trailing bytes", frame: append(append([]byte{}, valid...), 0)},
		{name: "bad bool", frame: []byte{7, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 2}},
		{name: "finger list count overruns", frame: []byte{12, 0, 0, 0, 1, 0, 3, 0, 0}},
		{name: "finger lists mismatched", frame: []byte{12, 0, 0, 0, 1, 0, 1, 0, 0, 0, 0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.frame)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestType_String(t *testing.T) {
	assert.Equal(t, "CHORD_JOIN", TypeChordJoin.String())
	assert.Equal(t, "FINGER_RSP", TypeFingerRsp.String())
	assert.Equal(t, "UNKNOWN(77)", Type(77).String())
	assert.Equal(t, Type(0), Message{}.Type())
}
