package chord

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
)

// PendingPing is an outstanding PING_REQ.
type PendingPing struct {
	TxnID    uint32
	Dest     netip.Addr
	Payload  string
	Sent     time.Time
	Internal bool // predecessor check, not reported through the hooks
}

// SendPing pings addr and returns the transaction id used. The outcome is
// reported later through the PingSuccess or PingFailure hook.
func (n *Node) SendPing(addr netip.Addr, payload string) (uint32, error) {
	if n.stopped || n.state == StateLeaving {
		return 0, pkg.ErrNodeLeaving
	}
	return n.ping(addr, payload, false)
}

func (n *Node) ping(addr netip.Addr, payload string, internal bool) (uint32, error) {
	txn := n.nextTransactionID()
	entry := &PendingPing{
		TxnID:    txn,
		Dest:     addr,
		Payload:  payload,
		Sent:     n.sched.Now(),
		Internal: internal,
	}
	n.pings.Put(txn, entry)

	if err := n.send(addr, txn, &wire.PingReq{Payload: payload}); err != nil {
		n.pings.Remove(txn)
		n.pingFailed(entry, err)
		return txn, err
	}

	n.logger.Debug().
		Uint32("txn", txn).
		Str("to", addr.String()).
		Bool("internal", internal).
		Msg("Ping sent")
	return txn, nil
}

// PendingPings returns the outstanding pings in transaction id order.
func (n *Node) PendingPings() []PendingPing {
	out := make([]PendingPing, 0, n.pings.Size())
	for _, v := range n.pings.Values() {
		out = append(out, *v.(*PendingPing))
	}
	return out
}

func (n *Node) handlePingReq(from netip.Addr, txn uint32, p *wire.PingReq) {
	_ = n.send(from, txn, &wire.PingRsp{Payload: p.Payload})

	if n.hooks.PingReceived != nil {
		n.hooks.PingReceived(from, p.Payload)
	}
}

func (n *Node) handlePingRsp(from netip.Addr, txn uint32, p *wire.PingRsp) {
	v, found := n.pings.Get(txn)
	if !found {
		n.logger.Debug().
			Err(pkg.ErrStalePingResponse).
			Uint32("txn", txn).
			Str("from", from.String()).
			Msg("Ignoring ping response")
		return
	}
	n.pings.Remove(txn)

	entry := v.(*PendingPing)
	rtt := n.sched.Now().Sub(entry.Sent)

	n.logger.Debug().
		Uint32("txn", txn).
		Str("from", from.String()).
		Dur("rtt", rtt).
		Msg("Ping response received")

	if entry.Internal {
		return
	}
	if n.hooks.PingSuccess != nil {
		n.hooks.PingSuccess(entry.Dest, txn, p.Payload, rtt)
	}
}

// auditPings expires every ping whose age has reached the ping timeout, in
// transaction id order.
func (n *Node) auditPings() {
	now := n.sched.Now()

	var expired []*PendingPing
	it := n.pings.Iterator()
	for it.Next() {
		entry := it.Value().(*PendingPing)
		if !entry.Sent.Add(n.config.PingTimeout).After(now) {
			expired = append(expired, entry)
		}
	}

	for _, entry := range expired {
		n.pings.Remove(entry.TxnID)
		n.pingFailed(entry, fmt.Errorf("ping %d to %s: %w", entry.TxnID, entry.Dest, pkg.ErrPingTimeout))
	}
}

func (n *Node) pingFailed(entry *PendingPing, err error) {
	if entry.Internal {
		if n.predecessor != nil && n.predecessor.Addr == entry.Dest {
			n.logger.Warn().
				Str("predecessor", entry.Dest.String()).
				Msg("Predecessor did not answer, clearing it")
			n.setPredecessor(nil)
		}
		return
	}

	n.logger.Info().
		Err(err).
		Uint32("txn", entry.TxnID).
		Str("to", entry.Dest.String()).
		Msg("Ping failed")

	if n.hooks.PingFailure != nil {
		n.hooks.PingFailure(entry.Dest, entry.TxnID, entry.Payload, err)
	}
	n.emit(EventPingFailure, fmt.Sprintf("ping to %s failed", entry.Dest))
}
