// Package transport carries encoded ring messages between nodes, over UDP in
// a real deployment and over an in-memory network in simulations.
package transport

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/zde37/gochord/pkg"
)

// MaxDatagramSize is the largest frame the UDP transport reads in one call.
const MaxDatagramSize = 64 * 1024

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Handler receives one inbound datagram. The frame is owned by the handler.
type Handler func(from netip.AddrPort, frame []byte)

// UDP is a datagram transport bound to a single local socket.
type UDP struct {
	conn   *net.UDPConn
	logger *pkg.Logger

	closed    atomic.Bool
	closeOnce sync.Once
}

// ListenUDP binds a UDP socket on addr. Port 0 picks a free port.
func ListenUDP(addr netip.AddrPort, logger *pkg.Logger) (*UDP, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	u := &UDP{
		conn:   conn,
		logger: logger.Component("udp"),
	}
	u.logger.Info().
		Str("address", u.LocalAddr().String()).
		Msg("UDP transport listening")
	return u, nil
}

// LocalAddr returns the bound address.
func (u *UDP) LocalAddr() netip.AddrPort {
	return u.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

// Send writes one datagram to the given address.
func (u *UDP) Send(to netip.AddrPort, frame []byte) error {
	if u.closed.Load() {
		return ErrClosed
	}
	if _, err := u.conn.WriteToUDPAddrPort(frame, to); err != nil {
		return fmt.Errorf("write to %s: %w", to, err)
	}
	return nil
}

// Serve reads datagrams until the transport is closed, handing each one to h
// on the calling goroutine. It returns nil after Close.
func (u *UDP) Serve(h Handler) error {
	buf := make([]byte, MaxDatagramSize)
	for {
		n, src, err := u.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if u.closed.Load() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			u.logger.Warn().Err(err).Msg("UDP read failed")
			continue
		}

		frame := make([]byte, n)
		copy(frame, buf[:n])
		h(netip.AddrPortFrom(src.Addr().Unmap(), src.Port()), frame)
	}
}

// Close releases the socket. Serve returns once the pending read unblocks.
func (u *UDP) Close() error {
	var err error
	u.closeOnce.Do(func() {
		u.closed.Store(true)
		err = u.conn.Close()
		u.logger.Info().Msg("UDP transport closed")
	})
	return err
}
