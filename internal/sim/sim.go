// Package sim runs many ring nodes in one process over an in-memory network
// and a virtual clock. Runs are deterministic: the same sequence of calls
// always produces the same ring.
package sim

import (
	"fmt"
	"math/big"
	"net/netip"
	"sort"
	"strings"
	"time"

	"github.com/zde37/gochord/internal/chord"
	"github.com/zde37/gochord/internal/clock"
	"github.com/zde37/gochord/internal/config"
	"github.com/zde37/gochord/internal/transport"
	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
	"github.com/zde37/gochord/pkg/hash"
)

// Epoch is the virtual time every cluster starts at.
var Epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Options configure a cluster.
type Options struct {
	// Config is the template for every node; Host and Landmark are set per node.
	Config *config.Config
	// Latency is the one-way delay of every datagram.
	Latency time.Duration
	// Seed makes transaction ids reproducible across runs.
	Seed   uint32
	Logger *pkg.Logger
}

// DefaultOptions returns options with a 1ms network and default node config.
func DefaultOptions() Options {
	return Options{
		Config:  config.DefaultConfig(),
		Latency: time.Millisecond,
		Seed:    1,
		Logger:  pkg.NewNop(),
	}
}

// PingResult is one application ping outcome observed through the hooks.
type PingResult struct {
	To      netip.Addr
	TxnID   uint32
	Payload string
	RTT     time.Duration
	Err     error
}

// Report is one RING_STATE report observed at a member.
type Report struct {
	Originator string
	Snapshot   chord.Snapshot
}

// Member is a node in the cluster together with everything its hooks saw.
type Member struct {
	*chord.Node
	endpoint *transport.MemEndpoint

	PingSuccesses []PingResult
	PingFailures  []PingResult
	PingsReceived []string
	Reports       []Report
	SendFailures  []wire.Type
	Events        []chord.RingUpdateEvent
	Left          bool
}

// BroadcastRingUpdate records ring update events.
func (m *Member) BroadcastRingUpdate(update any) error {
	if ev, ok := update.(chord.RingUpdateEvent); ok {
		m.Events = append(m.Events, ev)
	}
	return nil
}

func (m *Member) hooks() chord.Hooks {
	return chord.Hooks{
		PingSuccess: func(to netip.Addr, txn uint32, payload string, rtt time.Duration) {
			m.PingSuccesses = append(m.PingSuccesses, PingResult{To: to, TxnID: txn, Payload: payload, RTT: rtt})
		},
		PingFailure: func(to netip.Addr, txn uint32, payload string, err error) {
			m.PingFailures = append(m.PingFailures, PingResult{To: to, TxnID: txn, Payload: payload, Err: err})
		},
		PingReceived: func(_ netip.Addr, payload string) {
			m.PingsReceived = append(m.PingsReceived, payload)
		},
		RingReport: func(originator string, s chord.Snapshot) {
			m.Reports = append(m.Reports, Report{Originator: originator, Snapshot: s})
		},
		SendFailure: func(_ netip.Addr, t wire.Type, _ error) {
			m.SendFailures = append(m.SendFailures, t)
		},
		Left: func() {
			m.Left = true
		},
	}
}

// Cluster is a set of nodes sharing a virtual clock and network.
type Cluster struct {
	Clock   *clock.Manual
	Network *transport.MemNetwork

	opts    Options
	logger  *pkg.Logger
	members map[netip.Addr]*Member
	order   []netip.Addr
}

// NewCluster creates an empty cluster.
func NewCluster(opts Options) (*Cluster, error) {
	if opts.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	clk := clock.NewManual(Epoch)
	network, err := transport.NewMemNetwork(clk, opts.Latency, opts.Logger)
	if err != nil {
		return nil, err
	}

	return &Cluster{
		Clock:   clk,
		Network: network,
		opts:    opts,
		logger:  opts.Logger.Component("sim"),
		members: make(map[netip.Addr]*Member),
	}, nil
}

// Add creates and starts a node at host. It takes no part in a ring until
// Create or Join is called.
func (c *Cluster) Add(host string) (*Member, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("invalid host %q: %w", host, err)
	}
	if _, exists := c.members[addr]; exists {
		return nil, fmt.Errorf("node %s already exists", host)
	}
	for _, other := range c.members {
		if hash.Equal(other.ID(), hash.HashAddress(addr)) {
			return nil, fmt.Errorf("node %s collides with %s on the ring", host, other.Address().Addr)
		}
	}

	cfg := *c.opts.Config
	cfg.Host = host
	cfg.Landmark = ""

	m := &Member{}
	var node *chord.Node
	endpoint, err := c.Network.Attach(netip.AddrPortFrom(addr, uint16(cfg.Port)), func(from netip.AddrPort, frame []byte) {
		node.HandleDatagram(from, frame)
	})
	if err != nil {
		return nil, err
	}

	node, err = chord.NewNode(&cfg, endpoint, c.Clock, c.opts.Logger.WithFields(pkg.Fields{"node": host}))
	if err != nil {
		_ = endpoint.Close()
		return nil, err
	}
	node.SeedTransactions(c.opts.Seed*1_000_003 + uint32(len(c.order))*100_000)

	m.Node = node
	m.endpoint = endpoint
	node.SetHooks(m.hooks())
	node.SetBroadcaster(m)

	if err := node.Start(); err != nil {
		_ = endpoint.Close()
		return nil, err
	}

	c.members[addr] = m
	c.order = append(c.order, addr)
	c.logger.Debug().Str("host", host).Str("id", hash.Short(node.ID())).Msg("Node added")
	return m, nil
}

// Member returns the node at host, or nil.
func (c *Cluster) Member(host string) *Member {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil
	}
	return c.members[addr]
}

func (c *Cluster) mustMember(host string) (*Member, error) {
	m := c.Member(host)
	if m == nil {
		return nil, fmt.Errorf("no node at %s", host)
	}
	return m, nil
}

// Members returns the nodes in the order they were added.
func (c *Cluster) Members() []*Member {
	out := make([]*Member, 0, len(c.order))
	for _, addr := range c.order {
		if m, ok := c.members[addr]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Create makes host the landmark of a new ring.
func (c *Cluster) Create(host string) error {
	m, err := c.mustMember(host)
	if err != nil {
		return err
	}
	return m.BecomeLandmark()
}

// Join asks host to join through landmark and lets the exchange complete.
func (c *Cluster) Join(host, landmark string) error {
	m, err := c.mustMember(host)
	if err != nil {
		return err
	}
	lm, err := netip.ParseAddr(landmark)
	if err != nil {
		return fmt.Errorf("invalid landmark %q: %w", landmark, err)
	}
	if err := m.Node.Join(lm); err != nil {
		return err
	}
	c.Run(c.roundTrip())
	if m.State() == chord.StateJoining {
		return fmt.Errorf("%s did not receive a join response", host)
	}
	return nil
}

// Leave makes host leave gracefully and delivers its announcements.
func (c *Cluster) Leave(host string) error {
	m, err := c.mustMember(host)
	if err != nil {
		return err
	}
	if err := m.Node.Leave(); err != nil {
		return err
	}
	c.Run(c.opts.Latency)
	m.Node.Stop()
	c.remove(m)
	return nil
}

// Crash removes host without telling anyone.
func (c *Cluster) Crash(host string) error {
	m, err := c.mustMember(host)
	if err != nil {
		return err
	}
	m.Node.Stop()
	c.remove(m)
	return nil
}

func (c *Cluster) remove(m *Member) {
	_ = m.endpoint.Close()
	delete(c.members, m.Address().Addr)
}

// Run advances virtual time by d.
func (c *Cluster) Run(d time.Duration) {
	c.Clock.Advance(d)
}

// roundTrip is long enough for any message to travel the whole ring and back.
func (c *Cluster) roundTrip() time.Duration {
	hops := len(c.members) + 2
	return time.Duration(2*hops)*c.opts.Latency + time.Millisecond
}

// Stabilize runs the given number of stabilization rounds on every member,
// letting each round's messages settle before the next.
func (c *Cluster) Stabilize(rounds int) {
	for r := 0; r < rounds; r++ {
		for _, m := range c.Members() {
			if m.State().InRing() {
				_ = m.Node.Stabilize()
			}
		}
		c.Run(4*c.opts.Latency + time.Millisecond)
	}
}

// FixFingers rebuilds every member's finger table and waits for the walks.
func (c *Cluster) FixFingers() {
	for _, m := range c.Members() {
		if m.State().InRing() {
			_ = m.Node.FixFingers()
		}
	}
	c.Run(c.roundTrip())
}

// Sorted returns the in-ring members ordered by identifier.
func (c *Cluster) Sorted() []*Member {
	var out []*Member
	for _, m := range c.Members() {
		if m.State().InRing() {
			out = append(out, m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID().Cmp(out[j].ID()) < 0
	})
	return out
}

// Owner returns the member responsible for id: the first member clockwise
// from id, inclusive.
func (c *Cluster) Owner(id *big.Int) *Member {
	sorted := c.Sorted()
	if len(sorted) == 0 {
		return nil
	}
	for _, m := range sorted {
		if m.ID().Cmp(id) >= 0 {
			return m
		}
	}
	return sorted[0]
}

// ExpectedFingers returns the owner of each of m's finger test points.
func (c *Cluster) ExpectedFingers(m *Member) []*Member {
	entries := c.opts.Config.FingerEntries
	out := make([]*Member, entries)
	for i := range out {
		out[i] = c.Owner(hash.FingerTestPoint(m.Address().Addr, i, entries))
	}
	return out
}

// Ring follows successor pointers from host and returns the addresses in
// ring order, starting at host.
func (c *Cluster) Ring(host string) ([]netip.Addr, error) {
	start, err := c.mustMember(host)
	if err != nil {
		return nil, err
	}

	var out []netip.Addr
	cur := start
	for i := 0; i <= len(c.members); i++ {
		out = append(out, cur.Address().Addr)
		succ := cur.Snapshot().Successor
		if succ == nil {
			return out, fmt.Errorf("%s has no successor", cur.Address().Addr)
		}
		if succ.Addr == start.Address().Addr {
			return out, nil
		}
		next, ok := c.members[succ.Addr]
		if !ok {
			return out, fmt.Errorf("%s points at departed node %s", cur.Address().Addr, succ.Addr)
		}
		cur = next
	}
	return out, fmt.Errorf("successor pointers from %s do not close a ring", host)
}

// Verify checks that every in-ring member's successor and predecessor are
// its neighbours in identifier order.
func (c *Cluster) Verify() error {
	sorted := c.Sorted()
	n := len(sorted)
	var problems []string

	for i, m := range sorted {
		snap := m.Snapshot()
		wantSucc := sorted[(i+1)%n].Address()
		wantPred := sorted[(i-1+n)%n].Address()

		if !snap.Successor.Equals(wantSucc) {
			problems = append(problems, fmt.Sprintf("%s: successor %s, want %s", snap.Self.Addr, addrOf(snap.Successor), wantSucc.Addr))
		}
		if n == 1 {
			if snap.Predecessor != nil {
				problems = append(problems, fmt.Sprintf("%s: alone but has predecessor %s", snap.Self.Addr, snap.Predecessor.Addr))
			}
			continue
		}
		if !snap.Predecessor.Equals(wantPred) {
			problems = append(problems, fmt.Sprintf("%s: predecessor %s, want %s", snap.Self.Addr, addrOf(snap.Predecessor), wantPred.Addr))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("ring inconsistent: %s", strings.Join(problems, "; "))
	}
	return nil
}

func addrOf(n *chord.NodeAddress) string {
	if n == nil {
		return "none"
	}
	return n.Addr.String()
}

// Dump renders every member's state in identifier order.
func (c *Cluster) Dump() string {
	var b strings.Builder
	fmt.Fprintf(&b, "t=%s nodes=%d\n", c.Clock.Now().Sub(Epoch), len(c.members))
	for _, m := range c.Sorted() {
		snap := m.Snapshot()
		fmt.Fprintf(&b, "%-15s %s %-6s succ=%-15s pred=%-15s fingers=[",
			snap.Self.Addr, hash.Short(snap.Self.ID), snap.State, addrOf(snap.Successor), addrOf(snap.Predecessor))
		for i, f := range snap.Fingers {
			if i > 0 {
				b.WriteString(" ")
			}
			if f.IsNil() {
				b.WriteString("-")
				continue
			}
			b.WriteString(f.Node.Addr.String())
		}
		b.WriteString("]\n")
	}
	return b.String()
}
