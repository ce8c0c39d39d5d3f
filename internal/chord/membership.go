package chord

import (
	"fmt"
	"net/netip"

	"github.com/zde37/gochord/internal/clock"
	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
	"github.com/zde37/gochord/pkg/hash"
)

// joinAttempt tracks the outstanding CHORD_JOIN of a JOINING node.
type joinAttempt struct {
	txn      uint32
	landmark netip.Addr
	sent     int
	timer    clock.Timer
}

// placement remembers the last joiner this node adopted as its successor and
// the successor it handed back, so a lost CHORD_JOIN_RSP can be answered again.
type placement struct {
	joiner    *NodeAddress
	successor *NodeAddress
}

func (n *Node) checkCanJoin() error {
	switch n.state {
	case StateLeaving:
		return pkg.ErrNodeLeaving
	case StateSolo, StateMember, StateJoining:
		return pkg.ErrAlreadyInRing
	}
	return nil
}

// BecomeLandmark makes the node the first member of a new ring.
func (n *Node) BecomeLandmark() error {
	if err := n.checkCanJoin(); err != nil {
		return err
	}

	n.logger.Info().Msg("Creating new Chord ring")
	n.enterRing(n.self)
	n.emit(EventNodeJoin, "created ring as landmark")
	return nil
}

// Join asks the ring reachable through landmark to place this node. Joining
// through the node's own address creates a new ring instead.
func (n *Node) Join(landmark netip.Addr) error {
	if err := n.checkCanJoin(); err != nil {
		return err
	}
	if landmark == n.self.Addr {
		return n.BecomeLandmark()
	}
	if !routable(landmark) {
		return fmt.Errorf("join through %s: %w", landmark, pkg.ErrUnroutableDestination)
	}

	n.logger.Info().
		Str("landmark", landmark.String()).
		Msg("Joining Chord ring")

	n.state = StateJoining
	n.join = joinAttempt{
		txn:      n.nextTransactionID(),
		landmark: landmark,
	}
	return n.sendJoin()
}

func (n *Node) sendJoin() error {
	n.join.sent++
	err := n.send(n.join.landmark, n.join.txn, &wire.ChordJoin{
		RequesterID: n.self.IDText(),
		Originator:  n.self.Addr,
		Landmark:    n.join.landmark,
	})
	if err != nil {
		n.state = StateIdle
		n.join = joinAttempt{}
		return fmt.Errorf("join: %w", err)
	}
	n.join.timer = n.sched.AfterFunc(n.config.JoinRetryInterval, n.joinTimedOut)
	return nil
}

func (n *Node) joinTimedOut() {
	if n.state != StateJoining {
		return
	}
	if n.join.sent >= n.config.JoinAttempts {
		n.logger.Error().
			Str("landmark", n.join.landmark.String()).
			Int("attempts", n.join.sent).
			Msg("Join failed, no response from the ring")
		n.state = StateIdle
		n.join = joinAttempt{}
		return
	}

	n.logger.Warn().
		Str("landmark", n.join.landmark.String()).
		Int("attempt", n.join.sent+1).
		Msg("Join response overdue, resending")
	if err := n.sendJoin(); err != nil {
		n.logger.Error().Err(err).Msg("Join retry failed")
	}
}

func (n *Node) cancelJoin() {
	if n.join.timer != nil {
		n.join.timer.Stop()
	}
	n.join = joinAttempt{}
}

// handleJoin places the requester if it falls in the arc this node owns and
// forwards the request to the successor otherwise.
func (n *Node) handleJoin(txn uint32, p *wire.ChordJoin) {
	if !n.state.InRing() {
		n.logger.Debug().Str("state", n.state.String()).Msg("Not in a ring, dropping join request")
		return
	}

	joiner, err := nodeFromWire(p.RequesterID, p.Originator)
	if err != nil || joiner == nil {
		n.logger.Warn().Err(err).Msg("Join request without a valid requester id")
		return
	}
	if n.isSelf(joiner) {
		n.logger.Warn().Msg("Join request returned to its originator, dropping")
		return
	}
	if joiner.Equals(n.successor) {
		n.answerRepeatJoin(txn, joiner)
		return
	}

	succ := n.successor
	owns := n.isSelf(succ) ||
		hash.Between(joiner.ID, n.self.ID, succ.ID) ||
		hash.Equal(joiner.ID, succ.ID)
	if owns {
		n.placeJoiner(txn, joiner)
		return
	}

	switch {
	case p.LandmarkID == "":
		p.LandmarkID = n.self.IDText()
		p.Landmark = n.self.Addr
	case p.LandmarkID == n.self.IDText() && p.Landmark == n.self.Addr:
		n.logger.Warn().
			Str("joiner", joiner.Addr.String()).
			Msg("Join request walked the whole ring without a placement, dropping")
		return
	}

	n.logger.Debug().
		Str("joiner_id", hash.Short(joiner.ID)).
		Str("next", succ.Addr.String()).
		Msg("Forwarding join request")
	_ = n.send(succ.Addr, txn, p)
}

// placeJoiner answers with the current successor before adopting the joiner
// as the new one.
func (n *Node) placeJoiner(txn uint32, joiner *NodeAddress) {
	old := n.successor.Copy()

	n.logger.Info().
		Str("joiner_id", hash.Short(joiner.ID)).
		Str("joiner_addr", joiner.Addr.String()).
		Str("successor_id", hash.Short(old.ID)).
		Msg("Placing joining node")

	if err := n.send(joiner.Addr, txn, &wire.ChordJoinRsp{
		SuccessorID: old.IDText(),
		Successor:   old.WireAddr(),
	}); err != nil {
		return
	}
	n.setSuccessor(joiner)
	n.placed = placement{joiner: joiner.Copy(), successor: old}
	n.emit(EventNodeJoin, fmt.Sprintf("placed %s as successor", joiner.Addr))
}

// answerRepeatJoin handles a join request from a node that is already our
// successor. If we placed it, the response was lost and is sent again under
// the request's transaction id; otherwise there is nothing to answer with.
func (n *Node) answerRepeatJoin(txn uint32, joiner *NodeAddress) {
	if !joiner.Equals(n.placed.joiner) {
		n.logger.Debug().
			Str("joiner", joiner.Addr.String()).
			Msg("Joiner is already our successor, ignoring duplicate request")
		return
	}

	n.logger.Info().
		Str("joiner_addr", joiner.Addr.String()).
		Uint32("txn", txn).
		Msg("Repeated join request, resending placement")
	_ = n.send(joiner.Addr, txn, &wire.ChordJoinRsp{
		SuccessorID: n.placed.successor.IDText(),
		Successor:   n.placed.successor.WireAddr(),
	})
}

func (n *Node) handleJoinRsp(txn uint32, p *wire.ChordJoinRsp) {
	if n.state != StateJoining || txn != n.join.txn {
		n.logger.Debug().Uint32("txn", txn).Msg("Unexpected join response, ignoring")
		return
	}

	succ, err := nodeFromWire(p.SuccessorID, p.Successor)
	if err != nil || succ == nil {
		n.logger.Warn().Err(err).Msg("Join response without a valid successor")
		return
	}

	n.cancelJoin()
	n.enterRing(succ)

	n.logger.Info().
		Str("successor_id", hash.Short(succ.ID)).
		Str("successor_addr", succ.Addr.String()).
		Msg("Joined Chord ring")
	n.emit(EventNodeJoin, fmt.Sprintf("joined ring with successor %s", succ.Addr))
}

// Leave announces the departure to both neighbours and stops taking part in
// the ring. No acknowledgement is awaited.
func (n *Node) Leave() error {
	switch n.state {
	case StateLeaving:
		return pkg.ErrNodeLeaving
	case StateIdle, StateJoining:
		return pkg.ErrNotInRing
	}

	succ, pred := n.successor, n.predecessor
	msg := &wire.ChordLeave{
		SuccessorID:   succ.IDText(),
		PredecessorID: pred.IDText(),
		Successor:     succ.WireAddr(),
		Predecessor:   pred.WireAddr(),
	}

	n.logger.Info().
		Str("successor", succ.Addr.String()).
		Str("predecessor", pred.WireAddr().String()).
		Msg("Leaving Chord ring")

	n.state = StateLeaving
	n.stopMaintenance()
	n.fingerActive = false
	n.pings.Clear()

	txn := n.nextTransactionID()
	if !n.isSelf(succ) {
		_ = n.send(succ.Addr, txn, msg)
	}
	if pred != nil && !n.isSelf(pred) && !pred.Equals(succ) {
		_ = n.send(pred.Addr, txn, msg)
	}

	if n.hooks.Left != nil {
		n.hooks.Left()
	}
	n.emit(EventNodeLeave, "left ring")
	return nil
}

// handleLeave repairs the pointer that referenced the leaving node. The two
// roles are checked independently so a two-node ring collapses correctly.
func (n *Node) handleLeave(from netip.Addr, p *wire.ChordLeave) {
	if !n.state.InRing() {
		return
	}

	self := n.self.IDText()

	if p.SuccessorID == self && (n.predecessor == nil || n.predecessor.Addr == from) {
		pred, err := nodeFromWire(p.PredecessorID, p.Predecessor)
		if err != nil {
			n.logger.Warn().Err(err).Msg("Leave message with invalid predecessor id")
			return
		}
		if n.isSelf(pred) {
			pred = nil
		}
		n.setPredecessor(pred)
	}

	if p.PredecessorID == self && n.successor.Addr == from {
		succ, err := nodeFromWire(p.SuccessorID, p.Successor)
		if err != nil || succ == nil {
			n.logger.Warn().Err(err).Msg("Leave message without a valid successor")
			return
		}
		n.setSuccessor(succ)
		if n.isSelf(succ) {
			n.setPredecessor(nil)
		}
	}

	n.logger.Info().
		Str("leaving", from.String()).
		Msg("Neighbour left the ring")
	n.emit(EventNodeLeave, fmt.Sprintf("%s left the ring", from))
}

// RingWalk reports this node's state and sends a RING_STATE around the ring.
func (n *Node) RingWalk() error {
	if !n.state.InRing() {
		return pkg.ErrNotInRing
	}

	origin := n.self.IDText()
	n.report(origin)
	if n.isSelf(n.successor) {
		return nil
	}
	return n.send(n.successor.Addr, n.nextTransactionID(), &wire.RingState{OriginatorID: origin})
}

func (n *Node) handleRingState(txn uint32, p *wire.RingState) {
	if !n.state.InRing() {
		return
	}
	if p.OriginatorID == n.self.IDText() {
		n.logger.Debug().Msg("Ring walk returned to its originator")
		return
	}
	if last, seen := n.walks[p.OriginatorID]; seen && last == txn {
		n.logger.Debug().Msg("Ring walk already seen, dropping")
		return
	}
	n.walks[p.OriginatorID] = txn

	n.report(p.OriginatorID)
	if n.isSelf(n.successor) {
		return
	}
	_ = n.send(n.successor.Addr, txn, p)
}

func (n *Node) report(origin string) {
	s := n.Snapshot()

	n.logger.Info().
		Str("originator", truncateHex(origin, 8)).
		Str("state", s.State.String()).
		Str("successor", s.Successor.WireAddr().String()).
		Str("predecessor", s.Predecessor.WireAddr().String()).
		Msg("Ring state")

	if n.hooks.RingReport != nil {
		n.hooks.RingReport(origin, s)
	}
	n.emit(EventRingReport, fmt.Sprintf("successor %s predecessor %s",
		s.Successor.WireAddr(), s.Predecessor.WireAddr()))
}

// truncateHex safely truncates a hex string to the specified length.
func truncateHex(hexStr string, maxLen int) string {
	if len(hexStr) > maxLen {
		return hexStr[:maxLen]
	}
	return hexStr
}
