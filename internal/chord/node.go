// Package chord implements a Chord ring node driven by datagrams and timers.
//
// A Node owns its ring state exclusively. Every exported method and every
// inbound datagram must be handled on the goroutine of the node's Scheduler;
// the node does no locking of its own.
package chord

import (
	"fmt"
	"math/big"
	"math/rand"
	"net/netip"
	"sort"

	"github.com/emirpasic/gods/trees/avltree"
	"github.com/emirpasic/gods/utils"
	"github.com/zde37/gochord/internal/clock"
	"github.com/zde37/gochord/internal/config"
	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
	"github.com/zde37/gochord/pkg/hash"
)

// Transport delivers one datagram. Inbound datagrams are handed to
// Node.HandleDatagram by whoever owns the socket.
type Transport interface {
	Send(to netip.AddrPort, frame []byte) error
}

var broadcastAddr = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// Node is a single member of a Chord ring.
type Node struct {
	// Node identity
	self *NodeAddress
	port uint16

	config    *config.Config
	transport Transport
	sched     clock.Scheduler
	logger    *pkg.Logger

	hooks       Hooks
	broadcaster RingUpdateBroadcaster

	// Ring state
	state       State
	successor   *NodeAddress
	predecessor *NodeAddress

	// Finger table. fingerPoints[i] is the i-th test point and fingerOrder
	// lists the point indices nearest first, which is the order a walk
	// resolves them in.
	fingerTable  []*FingerEntry
	fingerPoints []*big.Int
	fingerOrder  []int
	fingerTxn    uint32
	fingerActive bool

	join   joinAttempt
	placed placement
	walks  map[string]uint32

	// Outstanding pings keyed by transaction id
	pings *avltree.Tree

	nextTxn uint32

	stabilizeTimer clock.Timer
	fingerTimer    clock.Timer
	auditTimer     clock.Timer
	started        bool
	stopped        bool
}

// NewNode creates a node for cfg. The ring identifier is derived from the
// configured host address.
func NewNode(cfg *config.Config, transport Transport, sched clock.Scheduler, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if sched == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	addr, err := cfg.Addr()
	if err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	nodeID := hash.HashAddress(addr)

	n := &Node{
		self:        NewNodeAddress(nodeID, addr),
		port:        uint16(cfg.Port),
		config:      cfg,
		transport:   transport,
		sched:       sched,
		logger:      logger.WithFields(pkg.Fields{"node_id": hash.Short(nodeID), "addr": addr.String()}),
		state:       StateIdle,
		fingerTable: make([]*FingerEntry, cfg.FingerEntries),
		walks:       make(map[string]uint32),
		pings:       avltree.NewWith(utils.UInt32Comparator),
		nextTxn:     rand.Uint32(),
	}
	n.fingerPoints, n.fingerOrder = fingerTestPoints(addr, nodeID, cfg.FingerEntries)

	n.logger.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("node_id", hash.Format(nodeID)).
		Msg("Node created")

	return n, nil
}

// fingerTestPoints returns the m test points of a node and their indices
// sorted by clockwise distance from the node, nearest first.
func fingerTestPoints(addr netip.Addr, id *big.Int, m int) ([]*big.Int, []int) {
	points := make([]*big.Int, m)
	order := make([]int, m)
	for i := range points {
		points[i] = hash.FingerTestPoint(addr, i, m)
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		da := hash.Distance(id, points[order[a]])
		db := hash.Distance(id, points[order[b]])
		return da.Cmp(db) < 0
	})
	return points, order
}

// ID returns the node's identifier.
func (n *Node) ID() *big.Int {
	return new(big.Int).Set(n.self.ID)
}

// Address returns the node's identity.
func (n *Node) Address() *NodeAddress {
	return n.self.Copy()
}

// State returns the node's lifecycle state.
func (n *Node) State() State {
	return n.state
}

// SetHooks replaces the registered application callbacks.
func (n *Node) SetHooks(h Hooks) {
	n.hooks = h
}

// SetBroadcaster sets the sink for ring update events.
func (n *Node) SetBroadcaster(b RingUpdateBroadcaster) {
	n.broadcaster = b
}

// SeedTransactions sets the next transaction id. Hosts that need
// reproducible runs use it instead of the random seed.
func (n *Node) SeedTransactions(seed uint32) {
	n.nextTxn = seed
}

// Start starts the ping audit and, if a landmark is configured, either
// bootstraps the ring or joins through it.
func (n *Node) Start() error {
	if n.stopped {
		return fmt.Errorf("node is stopped")
	}
	if n.started {
		return nil
	}
	n.started = true
	n.auditTimer = n.sched.Every(n.config.PingTimeout, n.auditPings)

	landmark, err := n.config.LandmarkAddr()
	if err != nil {
		return fmt.Errorf("invalid landmark: %w", err)
	}
	if !landmark.IsValid() {
		n.logger.Info().Msg("No landmark configured, waiting for a join command")
		return nil
	}
	return n.Join(landmark)
}

// Stop cancels every timer. The node ignores all traffic afterwards.
func (n *Node) Stop() {
	if n.stopped {
		return
	}
	n.stopped = true
	n.stopMaintenance()
	n.cancelJoin()
	if n.auditTimer != nil {
		n.auditTimer.Stop()
		n.auditTimer = nil
	}
	n.logger.Info().Str("state", n.state.String()).Msg("Node stopped")
}

// Snapshot returns a copy of the node's ring state.
func (n *Node) Snapshot() Snapshot {
	fingers := make([]*FingerEntry, len(n.fingerTable))
	for i, f := range n.fingerTable {
		fingers[i] = f.Copy()
	}
	return Snapshot{
		State:        n.state,
		Self:         n.self.Copy(),
		Successor:    n.successor.Copy(),
		Predecessor:  n.predecessor.Copy(),
		Fingers:      fingers,
		PendingPings: n.pings.Size(),
	}
}

func (n *Node) isSelf(node *NodeAddress) bool {
	return node != nil && node.Addr == n.self.Addr
}

func (n *Node) nextTransactionID() uint32 {
	txn := n.nextTxn
	n.nextTxn++
	return txn
}

func routable(addr netip.Addr) bool {
	return addr.Is4() && !addr.IsUnspecified() && addr != broadcastAddr
}

// send encodes p and hands it to the transport. Failures are reported through
// the SendFailure hook and returned; they never change ring state.
func (n *Node) send(to netip.Addr, txn uint32, p wire.Payload) error {
	if !routable(to) {
		err := fmt.Errorf("%s to %s: %w", p.Type(), to, pkg.ErrUnroutableDestination)
		n.sendFailed(to, p.Type(), err)
		return err
	}

	frame, err := wire.Encode(wire.Message{TransactionID: txn, Payload: p})
	if err != nil {
		n.sendFailed(to, p.Type(), err)
		return err
	}

	if err := n.transport.Send(netip.AddrPortFrom(to, n.port), frame); err != nil {
		err = fmt.Errorf("send %s to %s: %w", p.Type(), to, err)
		n.sendFailed(to, p.Type(), err)
		return err
	}

	n.logger.Trace().
		Str("type", p.Type().String()).
		Uint32("txn", txn).
		Str("to", to.String()).
		Msg("Sent message")
	return nil
}

func (n *Node) sendFailed(to netip.Addr, t wire.Type, err error) {
	n.logger.Warn().
		Err(err).
		Str("type", t.String()).
		Str("to", to.String()).
		Msg("Send abandoned")
	if n.hooks.SendFailure != nil {
		n.hooks.SendFailure(to, t, err)
	}
}

// HandleDatagram decodes one inbound frame and dispatches it by type.
func (n *Node) HandleDatagram(src netip.AddrPort, frame []byte) {
	if n.stopped || n.state == StateLeaving {
		return
	}

	msg, err := wire.Decode(frame)
	if err != nil {
		n.logger.Warn().
			Err(err).
			Str("from", src.String()).
			Int("bytes", len(frame)).
			Msg("Dropping malformed message")
		return
	}

	from := src.Addr().Unmap()
	txn := msg.TransactionID

	n.logger.Trace().
		Str("type", msg.Type().String()).
		Uint32("txn", txn).
		Str("from", from.String()).
		Msg("Received message")

	switch p := msg.Payload.(type) {
	case *wire.PingReq:
		n.handlePingReq(from, txn, p)
	case *wire.PingRsp:
		n.handlePingRsp(from, txn, p)
	case *wire.ChordJoin:
		n.handleJoin(txn, p)
	case *wire.ChordJoinRsp:
		n.handleJoinRsp(txn, p)
	case *wire.RingState:
		n.handleRingState(txn, p)
	case *wire.StableReq:
		n.handleStableReq(from, txn)
	case *wire.StableRsp:
		n.handleStableRsp(from, p)
	case *wire.ChordLeave:
		n.handleLeave(from, p)
	case *wire.SetPred:
		n.considerPredecessor(p.NodeID, p.Node, "set_pred")
	case *wire.Notify:
		n.considerPredecessor(p.NodeID, p.Node, "notify")
	case *wire.FingerReq:
		n.handleFingerReq(txn, p)
	case *wire.FingerRsp:
		n.handleFingerRsp(txn, p)
	}
}

// setSuccessor updates the successor pointer and keeps the lifecycle state
// and finger entry 0 in line with it.
func (n *Node) setSuccessor(node *NodeAddress) {
	if node == nil || n.successor.Equals(node) {
		return
	}

	old := n.successor
	n.successor = node.Copy()

	switch {
	case n.state == StateSolo && !n.isSelf(node):
		n.state = StateMember
	case n.state == StateMember && n.isSelf(node):
		n.state = StateSolo
	}

	if len(n.fingerTable) > 0 {
		n.fingerTable[0] = NewFingerEntry(n.fingerPoints[0], node)
	}

	n.logger.Debug().
		Str("successor_id", hash.Short(node.ID)).
		Str("successor_addr", node.Addr.String()).
		Str("state", n.state.String()).
		Msg("Successor updated")

	if n.hooks.SuccessorChanged != nil {
		n.hooks.SuccessorChanged(old.Copy(), node.Copy())
	}
	n.emit(EventSuccessorChanged, fmt.Sprintf("successor is now %s", node.Addr))
}

// setPredecessor sets the predecessor; nil clears it.
func (n *Node) setPredecessor(node *NodeAddress) {
	if n.predecessor.Equals(node) {
		return
	}

	old := n.predecessor
	n.predecessor = node.Copy()

	if node == nil {
		n.logger.Debug().Msg("Predecessor cleared")
	} else {
		n.logger.Debug().
			Str("predecessor_id", hash.Short(node.ID)).
			Str("predecessor_addr", node.Addr.String()).
			Msg("Predecessor updated")
	}

	if n.hooks.PredecessorChanged != nil {
		n.hooks.PredecessorChanged(old.Copy(), node.Copy())
	}
	msg := "predecessor cleared"
	if node != nil {
		msg = fmt.Sprintf("predecessor is now %s", node.Addr)
	}
	n.emit(EventPredecessorChanged, msg)
}

// initFingerTable points every finger at successor.
func (n *Node) initFingerTable(successor *NodeAddress) {
	for i := range n.fingerTable {
		n.fingerTable[i] = NewFingerEntry(n.fingerPoints[i], successor)
	}

	n.logger.Debug().
		Int("entries", len(n.fingerTable)).
		Msg("Finger table initialized")
}

// enterRing is called once the node has a successor, as landmark or joiner.
func (n *Node) enterRing(successor *NodeAddress) {
	n.predecessor = nil
	n.successor = nil
	if n.isSelf(successor) {
		n.state = StateSolo
	} else {
		n.state = StateMember
	}
	n.setSuccessor(successor)
	n.initFingerTable(successor)
	n.startMaintenance()
}

func (n *Node) startMaintenance() {
	if n.stabilizeTimer == nil {
		n.stabilizeTimer = n.sched.Every(n.config.StabilizeInterval, n.stabilize)
	}
	if n.fingerTimer == nil {
		n.fingerTimer = n.sched.Every(n.config.FixFingersInterval, n.fixFingers)
	}
}

func (n *Node) stopMaintenance() {
	if n.stabilizeTimer != nil {
		n.stabilizeTimer.Stop()
		n.stabilizeTimer = nil
	}
	if n.fingerTimer != nil {
		n.fingerTimer.Stop()
		n.fingerTimer = nil
	}
}
