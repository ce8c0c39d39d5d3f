package chord

import (
	"fmt"
	"net/netip"

	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
	"github.com/zde37/gochord/pkg/hash"
)

// FixFingers rebuilds the finger table immediately.
func (n *Node) FixFingers() error {
	if !n.state.InRing() {
		return pkg.ErrNotInRing
	}
	n.fixFingers()
	return nil
}

// fixFingers starts a finger walk. Test points are pushed farthest first so
// the top of the stack is the point nearest to this node; the local arc is
// resolved before anything is sent.
func (n *Node) fixFingers() {
	if !n.state.InRing() {
		return
	}

	pending := make([]string, 0, len(n.fingerOrder))
	for i := len(n.fingerOrder) - 1; i >= 0; i-- {
		pending = append(pending, hash.Format(n.fingerPoints[n.fingerOrder[i]]))
	}

	req := &wire.FingerReq{Pending: pending, Originator: n.self.Addr}
	n.resolveFingers(req)

	if len(req.Pending) == 0 {
		n.applyFingers(req.ResolvedIDs, req.ResolvedAddrs)
		return
	}

	n.fingerTxn = n.nextTransactionID()
	n.fingerActive = true
	n.logger.Debug().
		Int("pending", len(req.Pending)).
		Int("resolved", len(req.ResolvedIDs)).
		Msg("Finger walk started")
	if err := n.send(n.successor.Addr, n.fingerTxn, req); err != nil {
		n.fingerActive = false
	}
}

// resolveFingers pops every pending test point that falls in (self, successor]
// and records the successor as its owner.
func (n *Node) resolveFingers(req *wire.FingerReq) {
	succ := n.successor
	for len(req.Pending) > 0 {
		top := req.Pending[len(req.Pending)-1]
		point, err := hash.Parse(top)
		if err != nil || point == nil {
			n.logger.Warn().Err(err).Str("point", top).Msg("Dropping invalid finger test point")
			req.Pending = req.Pending[:len(req.Pending)-1]
			continue
		}
		if !hash.InRange(point, n.self.ID, succ.ID) {
			return
		}
		req.Pending = req.Pending[:len(req.Pending)-1]
		req.ResolvedIDs = append(req.ResolvedIDs, succ.IDText())
		req.ResolvedAddrs = append(req.ResolvedAddrs, succ.WireAddr())
	}
}

func (n *Node) handleFingerReq(txn uint32, p *wire.FingerReq) {
	if !n.state.InRing() {
		return
	}

	if p.Originator == n.self.Addr {
		if !n.fingerActive || txn != n.fingerTxn {
			return
		}
		n.resolveFingers(p)
		n.applyFingers(p.ResolvedIDs, p.ResolvedAddrs)
		return
	}

	n.resolveFingers(p)

	if len(p.Pending) == 0 || n.successor.Addr == p.Originator {
		_ = n.send(p.Originator, txn, &wire.FingerRsp{
			ResolvedIDs:   p.ResolvedIDs,
			ResolvedAddrs: p.ResolvedAddrs,
		})
		return
	}
	_ = n.send(n.successor.Addr, txn, p)
}

func (n *Node) handleFingerRsp(txn uint32, p *wire.FingerRsp) {
	if !n.state.InRing() {
		return
	}
	if !n.fingerActive || txn != n.fingerTxn {
		n.logger.Debug().Uint32("txn", txn).Msg("Stale finger response, ignoring")
		return
	}
	n.applyFingers(p.ResolvedIDs, p.ResolvedAddrs)
}

// applyFingers overwrites the table with the resolved owners, in the order
// the points were resolved, then forces entry 0 to the live successor.
func (n *Node) applyFingers(ids []string, addrs []netip.Addr) {
	n.fingerActive = false

	for k := 0; k < len(ids) && k < len(n.fingerOrder); k++ {
		owner, err := nodeFromWire(ids[k], addrs[k])
		if err != nil || owner == nil {
			n.logger.Warn().Err(err).Int("entry", k).Msg("Finger entry without a valid id")
			continue
		}
		i := n.fingerOrder[k]
		n.fingerTable[i] = NewFingerEntry(n.fingerPoints[i], owner)
	}
	if len(n.fingerTable) > 0 {
		n.fingerTable[0] = NewFingerEntry(n.fingerPoints[0], n.successor)
	}

	n.logger.Debug().
		Int("resolved", len(ids)).
		Int("entries", len(n.fingerTable)).
		Msg("Finger table updated")
	n.emit(EventFingersUpdated, fmt.Sprintf("%d of %d fingers resolved", len(ids), len(n.fingerTable)))
}
