package transport

import (
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/zde37/gochord/internal/clock"
	"github.com/zde37/gochord/pkg"
)

// DropFunc decides whether a datagram is lost in flight.
type DropFunc func(from, to netip.AddrPort, frame []byte) bool

// MemNetwork is an in-memory datagram network. Deliveries are scheduled on
// a clock.Scheduler so a simulation driven by a manual clock is fully
// deterministic. Datagrams to unknown addresses vanish, as they would on UDP.
type MemNetwork struct {
	sched   clock.Scheduler
	latency time.Duration
	logger  *pkg.Logger

	mu        sync.Mutex
	endpoints map[netip.AddrPort]Handler
	drop      DropFunc
	delivered int
	dropped   int
}

// NewMemNetwork creates a network whose datagrams arrive after latency.
func NewMemNetwork(sched clock.Scheduler, latency time.Duration, logger *pkg.Logger) (*MemNetwork, error) {
	if sched == nil {
		return nil, fmt.Errorf("scheduler cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if latency < 0 {
		return nil, fmt.Errorf("latency cannot be negative")
	}

	return &MemNetwork{
		sched:     sched,
		latency:   latency,
		logger:    logger.Component("memnet"),
		endpoints: make(map[netip.AddrPort]Handler),
	}, nil
}

// Attach registers a handler for addr and returns the endpoint used to send
// from it.
func (m *MemNetwork) Attach(addr netip.AddrPort, h Handler) (*MemEndpoint, error) {
	if h == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.endpoints[addr]; exists {
		return nil, fmt.Errorf("address %s already attached", addr)
	}
	m.endpoints[addr] = h
	return &MemEndpoint{network: m, addr: addr}, nil
}

// Detach removes addr. Datagrams already in flight to it are dropped.
func (m *MemNetwork) Detach(addr netip.AddrPort) {
	m.mu.Lock()
	delete(m.endpoints, addr)
	m.mu.Unlock()
}

// SetDropFunc installs a loss model; nil delivers everything.
func (m *MemNetwork) SetDropFunc(f DropFunc) {
	m.mu.Lock()
	m.drop = f
	m.mu.Unlock()
}

// Stats returns the number of datagrams delivered and dropped so far.
func (m *MemNetwork) Stats() (delivered, dropped int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.delivered, m.dropped
}

func (m *MemNetwork) send(from, to netip.AddrPort, frame []byte) {
	m.mu.Lock()
	drop := m.drop
	m.mu.Unlock()

	if drop != nil && drop(from, to, frame) {
		m.count(false)
		m.logger.Trace().
			Str("from", from.String()).
			Str("to", to.String()).
			Msg("Datagram dropped by loss model")
		return
	}

	data := make([]byte, len(frame))
	copy(data, frame)

	m.sched.AfterFunc(m.latency, func() {
		m.mu.Lock()
		h, ok := m.endpoints[to]
		m.mu.Unlock()

		if !ok {
			m.count(false)
			m.logger.Trace().
				Str("to", to.String()).
				Msg("Datagram to unattached address dropped")
			return
		}
		m.count(true)
		h(from, data)
	})
}

func (m *MemNetwork) count(delivered bool) {
	m.mu.Lock()
	if delivered {
		m.delivered++
	} else {
		m.dropped++
	}
	m.mu.Unlock()
}

// MemEndpoint is one attached address on a MemNetwork.
type MemEndpoint struct {
	network *MemNetwork
	addr    netip.AddrPort
	closed  bool
}

// Addr returns the endpoint's address.
func (e *MemEndpoint) Addr() netip.AddrPort {
	return e.addr
}

// Send queues frame for delivery to the given address.
func (e *MemEndpoint) Send(to netip.AddrPort, frame []byte) error {
	if e.closed {
		return ErrClosed
	}
	e.network.send(e.addr, to, frame)
	return nil
}

// Close detaches the endpoint from its network.
func (e *MemEndpoint) Close() error {
	if e.closed {
		return nil
	}
	e.closed = true
	e.network.Detach(e.addr)
	return nil
}
