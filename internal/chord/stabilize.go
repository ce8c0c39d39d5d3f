package chord

import (
	"fmt"
	"net/netip"

	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
	"github.com/zde37/gochord/pkg/hash"
)

const predecessorCheckPayload = "predecessor-check"

// Stabilize runs one stabilization round immediately.
func (n *Node) Stabilize() error {
	if !n.state.InRing() {
		return pkg.ErrNotInRing
	}
	n.stabilize()
	return nil
}

// stabilize verifies the node's immediate successor and tells the successor
// about this node. The reply is handled by handleStableRsp.
func (n *Node) stabilize() {
	if !n.state.InRing() {
		return
	}

	if n.config.CheckPredecessor && n.predecessor != nil && !n.isSelf(n.predecessor) {
		n.checkPredecessor()
	}

	succ := n.successor
	if n.isSelf(succ) {
		return
	}

	_ = n.send(succ.Addr, n.nextTransactionID(), &wire.StableReq{})
	n.logger.Debug().
		Str("successor", hash.Short(succ.ID)).
		Msg("Stabilize request sent")
}

// handleStableReq answers with our predecessor, or ourselves when we have
// none. Stable tells the requester it already is that predecessor.
func (n *Node) handleStableReq(from netip.Addr, txn uint32) {
	if !n.state.InRing() || from == n.self.Addr {
		return
	}

	reported := n.predecessor
	if reported == nil {
		reported = n.self
	}

	_ = n.send(from, txn, &wire.StableRsp{
		PredecessorID: reported.IDText(),
		Predecessor:   reported.WireAddr(),
		Stable:        reported.Addr == from,
	})
}

func (n *Node) handleStableRsp(from netip.Addr, p *wire.StableRsp) {
	if n.state != StateMember {
		return
	}
	if from != n.successor.Addr {
		n.logger.Debug().
			Str("from", from.String()).
			Msg("Stabilize response from a node that is no longer our successor, ignoring")
		return
	}

	reported, err := nodeFromWire(p.PredecessorID, p.Predecessor)
	if err != nil || reported == nil {
		n.logger.Warn().Err(err).Msg("Stabilize response without a valid predecessor")
		return
	}

	succ := n.successor
	switch {
	case hash.Equal(reported.ID, succ.ID):
		// The successor has no predecessor yet.
		_ = n.send(succ.Addr, n.nextTransactionID(), &wire.SetPred{
			NodeID: n.self.IDText(),
			Node:   n.self.Addr,
		})
	case hash.Between(reported.ID, n.self.ID, succ.ID):
		n.logger.Debug().
			Str("new_successor", hash.Short(reported.ID)).
			Msg("Tightening successor")
		n.setSuccessor(reported)
	}

	if !p.Stable {
		n.emit(EventStabilization, fmt.Sprintf("successor %s reports predecessor %s", succ.Addr, reported.Addr))
	}

	_ = n.send(n.successor.Addr, n.nextTransactionID(), &wire.Notify{
		NodeID: n.self.IDText(),
		Node:   n.self.Addr,
	})
}

// considerPredecessor applies SET_PRED and NOTIFY: the candidate is adopted
// if we have no predecessor or it lies between the current one and us.
func (n *Node) considerPredecessor(id string, addr netip.Addr, via string) {
	if !n.state.InRing() {
		return
	}

	candidate, err := nodeFromWire(id, addr)
	if err != nil || candidate == nil {
		n.logger.Warn().Err(err).Str("via", via).Msg("Predecessor candidate without a valid id")
		return
	}
	if n.isSelf(candidate) {
		return
	}

	pred := n.predecessor
	if pred == nil || hash.Between(candidate.ID, pred.ID, n.self.ID) {
		n.setPredecessor(candidate)
		n.logger.Debug().
			Str("new_predecessor", hash.Short(candidate.ID)).
			Str("via", via).
			Msg("Predecessor updated")
	}
}

// checkPredecessor pings the predecessor. If the ping times out while the
// predecessor is unchanged, auditPings clears it.
func (n *Node) checkPredecessor() {
	for _, v := range n.pings.Values() {
		p := v.(*PendingPing)
		if p.Internal && p.Dest == n.predecessor.Addr {
			return
		}
	}
	if _, err := n.ping(n.predecessor.Addr, predecessorCheckPayload, true); err != nil {
		n.logger.Debug().Err(err).Msg("Predecessor check not sent")
	}
}
