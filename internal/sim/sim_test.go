package sim

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zde37/gochord/internal/chord"
	"github.com/zde37/gochord/internal/config"
	"github.com/zde37/gochord/internal/wire"
	"github.com/zde37/gochord/pkg"
)

// Identifiers are compared as numbers. In numeric order the test hosts sit
// on the ring as A(.1) < X(.11) < B(.2) < D(.9) < C(.3).
const (
	hostA = "10.0.0.1"
	hostX = "10.0.0.11"
	hostB = "10.0.0.2"
	hostD = "10.0.0.9"
	hostC = "10.0.0.3"
)

func newCluster(t *testing.T, mutate ...func(*Options)) *Cluster {
	t.Helper()
	opts := DefaultOptions()
	for _, m := range mutate {
		m(&opts)
	}
	c, err := NewCluster(opts)
	require.NoError(t, err)
	return c
}

// ring builds a stabilized ring from hosts, all joining through the first.
func ring(t *testing.T, c *Cluster, hosts ...string) {
	t.Helper()
	for _, h := range hosts {
		_, err := c.Add(h)
		require.NoError(t, err)
	}
	require.NoError(t, c.Create(hosts[0]))
	for _, h := range hosts[1:] {
		require.NoError(t, c.Join(h, hosts[0]))
	}
	c.Stabilize(3)
	require.NoError(t, c.Verify())
}

func addrs(hosts ...string) []netip.Addr {
	out := make([]netip.Addr, len(hosts))
	for i, h := range hosts {
		out[i] = netip.MustParseAddr(h)
	}
	return out
}

func TestNewCluster(t *testing.T) {
	_, err := NewCluster(Options{Logger: pkg.NewNop()})
	assert.Error(t, err, "nil config")

	_, err = NewCluster(Options{Config: config.DefaultConfig()})
	assert.Error(t, err, "nil logger")

	bad := config.DefaultConfig()
	bad.FingerEntries = 0
	_, err = NewCluster(Options{Config: bad, Logger: pkg.NewNop()})
	assert.Error(t, err, "invalid config")
}

func TestCluster_Add(t *testing.T) {
	c := newCluster(t)

	m, err := c.Add(hostA)
	require.NoError(t, err)
	assert.Equal(t, chord.StateIdle, m.State())

	_, err = c.Add(hostA)
	assert.Error(t, err, "duplicate host")

	_, err = c.Add("10.0.1.0")
	assert.Error(t, err, "same octet sum as 10.0.0.1")

	_, err = c.Add("not-an-ip")
	assert.Error(t, err)

	assert.Nil(t, c.Member(hostB))
	assert.Error(t, c.Create(hostB))
}

func TestCluster_JoinPlacement(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB, hostC)

	order, err := c.Ring(hostA)
	require.NoError(t, err)
	assert.Equal(t, addrs(hostA, hostB, hostC), order)

	_, err = c.Add(hostX)
	require.NoError(t, err)
	require.NoError(t, c.Join(hostX, hostA))

	x := c.Member(hostX)
	assert.Equal(t, chord.StateMember, x.State())
	assert.Equal(t, netip.MustParseAddr(hostB), x.Snapshot().Successor.Addr, "X lands between A and B")
	assert.Equal(t, netip.MustParseAddr(hostX), c.Member(hostA).Snapshot().Successor.Addr)

	c.Stabilize(2)
	require.NoError(t, c.Verify())
	assert.Equal(t, netip.MustParseAddr(hostX), c.Member(hostB).Snapshot().Predecessor.Addr)
	assert.Equal(t, netip.MustParseAddr(hostA), x.Snapshot().Predecessor.Addr)

	order, err = c.Ring(hostA)
	require.NoError(t, err)
	assert.Equal(t, addrs(hostA, hostX, hostB, hostC), order)
}

func TestCluster_JoinForwardedAroundTheRing(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB, hostC)

	// D falls between B and C, so A forwards the request to B.
	_, err := c.Add(hostD)
	require.NoError(t, err)
	require.NoError(t, c.Join(hostD, hostA))

	assert.Equal(t, netip.MustParseAddr(hostC), c.Member(hostD).Snapshot().Successor.Addr)
	assert.Equal(t, netip.MustParseAddr(hostD), c.Member(hostB).Snapshot().Successor.Addr)

	c.Stabilize(2)
	require.NoError(t, c.Verify())
}

func TestCluster_JoinThroughAnyMember(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB)

	for _, h := range []string{hostC, hostX, hostD} {
		_, err := c.Add(h)
		require.NoError(t, err)
		require.NoError(t, c.Join(h, hostB))
		c.Stabilize(2)
	}
	require.NoError(t, c.Verify())

	order, err := c.Ring(hostA)
	require.NoError(t, err)
	assert.Equal(t, addrs(hostA, hostX, hostB, hostD, hostC), order)
}

func TestCluster_JoinWithoutAnswer(t *testing.T) {
	c := newCluster(t)
	m, err := c.Add(hostA)
	require.NoError(t, err)

	err = c.Join(hostA, "10.0.0.77")
	assert.Error(t, err)
	assert.Equal(t, chord.StateJoining, m.State())

	cfg := config.DefaultConfig()
	c.Run(time.Duration(cfg.JoinAttempts) * cfg.JoinRetryInterval)
	assert.Equal(t, chord.StateIdle, m.State())
}

func TestCluster_Leave(t *testing.T) {
	t.Run("three nodes", func(t *testing.T) {
		c := newCluster(t)
		ring(t, c, hostA, hostB, hostC)

		b := c.Member(hostB)
		require.NoError(t, c.Leave(hostB))
		assert.True(t, b.Left)
		assert.Equal(t, chord.StateLeaving, b.State())

		require.NoError(t, c.Verify(), "neighbours repaired without stabilization")
		order, err := c.Ring(hostA)
		require.NoError(t, err)
		assert.Equal(t, addrs(hostA, hostC), order)
	})

	t.Run("two nodes collapse to one", func(t *testing.T) {
		c := newCluster(t)
		ring(t, c, hostA, hostB)

		require.NoError(t, c.Leave(hostB))

		a := c.Member(hostA)
		assert.Equal(t, chord.StateSolo, a.State())
		assert.Nil(t, a.Snapshot().Predecessor)
		require.NoError(t, c.Verify())
	})

	t.Run("landmark leaves", func(t *testing.T) {
		c := newCluster(t)
		ring(t, c, hostA, hostX, hostB, hostC)

		require.NoError(t, c.Leave(hostA))
		require.NoError(t, c.Verify())

		_, err := c.Add(hostD)
		require.NoError(t, err)
		require.NoError(t, c.Join(hostD, hostX))
		c.Stabilize(2)
		require.NoError(t, c.Verify())
	})
}

func TestCluster_CrashedPredecessorIsCleared(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB, hostC)

	require.NoError(t, c.Crash(hostC))

	a := c.Member(hostA)
	require.NotNil(t, a.Snapshot().Predecessor)

	c.Stabilize(1)
	c.Run(2 * config.DefaultConfig().PingTimeout)

	assert.Nil(t, a.Snapshot().Predecessor)
	assert.Empty(t, a.PingFailures, "predecessor checks are not application pings")
}

func TestCluster_FingerConvergence(t *testing.T) {
	tests := []struct {
		name    string
		entries int
	}{
		{name: "four entries", entries: 4},
		{name: "eight entries", entries: 8},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCluster(t, func(o *Options) {
				cfg := config.DefaultConfig()
				cfg.FingerEntries = tt.entries
				o.Config = cfg
			})
			ring(t, c, hostA, hostX, hostB, hostD, hostC)

			c.FixFingers()

			for _, m := range c.Sorted() {
				snap := m.Snapshot()
				expected := c.ExpectedFingers(m)
				require.Len(t, snap.Fingers, tt.entries)

				assert.True(t, snap.Fingers[0].Node.Equals(snap.Successor),
					"%s: entry 0 tracks the successor", snap.Self.Addr)
				for i := 1; i < tt.entries; i++ {
					assert.True(t, snap.Fingers[i].Node.Equals(expected[i].Address()),
						"%s finger %d: got %s want %s", snap.Self.Addr, i, snap.Fingers[i].Node.Addr, expected[i].Address().Addr)
				}
			}
		})
	}
}

func TestCluster_FingerEntryZeroFollowsSuccessor(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB, hostC)
	c.FixFingers()

	_, err := c.Add(hostX)
	require.NoError(t, err)
	require.NoError(t, c.Join(hostX, hostA))

	a := c.Member(hostA).Snapshot()
	assert.Equal(t, netip.MustParseAddr(hostX), a.Fingers[0].Node.Addr)
}

func TestCluster_Ping(t *testing.T) {
	t.Run("answered", func(t *testing.T) {
		c := newCluster(t)
		a, err := c.Add(hostA)
		require.NoError(t, err)
		b, err := c.Add(hostB)
		require.NoError(t, err)

		txn, err := a.SendPing(netip.MustParseAddr(hostB), "hello")
		require.NoError(t, err)
		c.Run(10 * time.Millisecond)

		require.Len(t, a.PingSuccesses, 1)
		assert.Equal(t, txn, a.PingSuccesses[0].TxnID)
		assert.Equal(t, "hello", a.PingSuccesses[0].Payload)
		assert.Equal(t, 2*time.Millisecond, a.PingSuccesses[0].RTT)
		assert.Equal(t, []string{"hello"}, b.PingsReceived)
		assert.Empty(t, a.PendingPings())
	})

	t.Run("timeout then stale response", func(t *testing.T) {
		c := newCluster(t, func(o *Options) { o.Latency = 2500 * time.Millisecond })
		a, err := c.Add(hostA)
		require.NoError(t, err)
		b, err := c.Add(hostB)
		require.NoError(t, err)

		_, err = a.SendPing(netip.MustParseAddr(hostB), "slow")
		require.NoError(t, err)

		c.Run(10 * time.Second)

		require.Len(t, a.PingFailures, 1, "exactly one failure")
		assert.ErrorIs(t, a.PingFailures[0].Err, pkg.ErrPingTimeout)
		assert.Empty(t, a.PingSuccesses, "late response is stale")
		assert.Equal(t, []string{"slow"}, b.PingsReceived)
	})

	t.Run("no such host", func(t *testing.T) {
		c := newCluster(t)
		a, err := c.Add(hostA)
		require.NoError(t, err)

		_, err = a.SendPing(netip.MustParseAddr("10.0.0.50"), "void")
		require.NoError(t, err)
		c.Run(5 * time.Second)

		require.Len(t, a.PingFailures, 1)
		assert.ErrorIs(t, a.PingFailures[0].Err, pkg.ErrPingTimeout)
	})

	t.Run("unroutable", func(t *testing.T) {
		c := newCluster(t)
		a, err := c.Add(hostA)
		require.NoError(t, err)

		_, err = a.SendPing(netip.IPv4Unspecified(), "nowhere")
		assert.ErrorIs(t, err, pkg.ErrUnroutableDestination)

		require.Len(t, a.PingFailures, 1)
		assert.ErrorIs(t, a.PingFailures[0].Err, pkg.ErrUnroutableDestination)
		assert.Equal(t, []wire.Type{wire.TypePingReq}, a.SendFailures)
	})
}

func TestCluster_RingWalk(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB, hostC, hostD)

	a := c.Member(hostA)
	require.NoError(t, a.RingWalk())
	c.Run(20 * time.Millisecond)

	for _, m := range c.Members() {
		require.Len(t, m.Reports, 1, "%s reports once", m.Address().Addr)
		assert.Equal(t, a.Address().IDText(), m.Reports[0].Originator)
		assert.Equal(t, chord.StateMember, m.Reports[0].Snapshot.State)
	}
}

func TestCluster_Events(t *testing.T) {
	c := newCluster(t)
	ring(t, c, hostA, hostB)

	var types []string
	for _, ev := range c.Member(hostA).Events {
		types = append(types, ev.Type)
		assert.Equal(t, hostA, ev.Address)
	}
	assert.Contains(t, types, chord.EventNodeJoin)
	assert.Contains(t, types, chord.EventSuccessorChanged)
	assert.Contains(t, types, chord.EventPredecessorChanged)
}

func TestCluster_LossyNetworkRecoversThroughRetries(t *testing.T) {
	c := newCluster(t)
	_, err := c.Add(hostA)
	require.NoError(t, err)
	b, err := c.Add(hostB)
	require.NoError(t, err)
	require.NoError(t, c.Create(hostA))

	dropped := false
	c.Network.SetDropFunc(func(_, _ netip.AddrPort, frame []byte) bool {
		if !dropped && wire.Type(frame[0]) == wire.TypeChordJoin {
			dropped = true
			return true
		}
		return false
	})

	assert.Error(t, c.Join(hostB, hostA), "first request is lost")
	c.Run(config.DefaultConfig().JoinRetryInterval + 10*time.Millisecond)

	assert.Equal(t, chord.StateMember, b.State())
	c.Stabilize(2)
	require.NoError(t, c.Verify())

	_, lost := c.Network.Stats()
	assert.Equal(t, 1, lost)
}

func TestCluster_LostJoinResponseIsResent(t *testing.T) {
	c := newCluster(t)
	a, err := c.Add(hostA)
	require.NoError(t, err)
	b, err := c.Add(hostB)
	require.NoError(t, err)
	require.NoError(t, c.Create(hostA))

	dropped := false
	c.Network.SetDropFunc(func(_, _ netip.AddrPort, frame []byte) bool {
		if !dropped && wire.Type(frame[0]) == wire.TypeChordJoinRsp {
			dropped = true
			return true
		}
		return false
	})

	assert.Error(t, c.Join(hostB, hostA), "response is lost")
	assert.Equal(t, chord.StateMember, a.State(), "placement already happened")
	assert.Equal(t, chord.StateJoining, b.State())

	c.Run(config.DefaultConfig().JoinRetryInterval + 10*time.Millisecond)

	assert.Equal(t, chord.StateMember, b.State())
	c.Stabilize(3)
	require.NoError(t, c.Verify())

	_, lost := c.Network.Stats()
	assert.Equal(t, 1, lost)
}

func TestCluster_Deterministic(t *testing.T) {
	run := func() string {
		c := newCluster(t)
		ring(t, c, hostA, hostX, hostB, hostD, hostC)
		c.FixFingers()
		require.NoError(t, c.Leave(hostD))
		c.Stabilize(2)
		c.FixFingers()
		return c.Dump()
	}

	first := run()
	assert.Equal(t, first, run())
	assert.Contains(t, first, "nodes=4")
}
