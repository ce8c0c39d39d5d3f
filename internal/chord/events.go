package chord

import (
	"net/netip"
	"time"

	"github.com/zde37/gochord/internal/wire"
)

// Ring update event types
const (
	EventNodeJoin           = "node_join"
	EventNodeLeave          = "node_leave"
	EventStabilization      = "stabilization"
	EventSuccessorChanged   = "successor_changed"
	EventPredecessorChanged = "predecessor_changed"
	EventFingersUpdated     = "fingers_updated"
	EventRingReport         = "ring_report"
	EventPingFailure        = "ping_failure"
)

// RingUpdateBroadcaster is an interface for broadcasting ring updates.
// This allows the node to notify external systems (like WebSocket clients)
// when the ring topology changes without creating circular dependencies.
type RingUpdateBroadcaster interface {
	// BroadcastRingUpdate sends a ring update notification.
	// The update parameter can be any data structure that will be serialized and sent.
	BroadcastRingUpdate(update any) error
}

// RingUpdateEvent represents a ring topology change event.
type RingUpdateEvent struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id"`
	Address   string `json:"address"`
	Timestamp int64  `json:"timestamp"`
	Message   string `json:"message"`
}

// Hooks are the callbacks an application can register on a node. They are
// invoked synchronously on the node's goroutine and must not block. Any of
// them may be nil.
type Hooks struct {
	// PingSuccess fires when a PING_RSP matches an application ping.
	PingSuccess func(to netip.Addr, txn uint32, payload string, rtt time.Duration)
	// PingFailure fires when an application ping times out or cannot be sent.
	PingFailure func(to netip.Addr, txn uint32, payload string, err error)
	// PingReceived fires for every inbound PING_REQ.
	PingReceived func(from netip.Addr, payload string)
	// PredecessorChanged fires whenever the predecessor pointer changes.
	PredecessorChanged func(old, current *NodeAddress)
	// SuccessorChanged fires whenever the successor pointer changes.
	SuccessorChanged func(old, current *NodeAddress)
	// RingReport fires when a ring walk reaches this node, and for the
	// originator when the walk starts.
	RingReport func(originator string, s Snapshot)
	// SendFailure fires when an outbound datagram is abandoned.
	SendFailure func(to netip.Addr, t wire.Type, err error)
	// Left fires once the node has announced its departure.
	Left func()
}

func (n *Node) emit(eventType, message string) {
	if n.broadcaster == nil {
		return
	}

	event := RingUpdateEvent{
		Type:      eventType,
		NodeID:    n.self.IDText(),
		Address:   n.self.Addr.String(),
		Timestamp: n.sched.Now().Unix(),
		Message:   message,
	}
	if err := n.broadcaster.BroadcastRingUpdate(event); err != nil {
		n.logger.Warn().
			Err(err).
			Str("event", eventType).
			Msg("Failed to broadcast ring update")
	}
}
