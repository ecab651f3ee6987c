/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package udp

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// MaxDatagramSize is the receive buffer used per datagram. TFTP tops out at
// 516 bytes and SNTP at 48, so this leaves generous headroom.
const MaxDatagramSize = 2048

// connTxQueue bounds the number of staged transmissions between flushes.
const connTxQueue = 32

// ConnSocket is a Socket backed by a net.UDPConn. Receives go through a
// raw non-blocking recvfrom so an empty queue maps to ErrExhausted without
// ever suspending; sends are staged and written out by Flush, which the
// pump calls after every engine step.
type ConnSocket struct {
	conn    *net.UDPConn
	raw     syscall.RawConn
	rcvbuf  int
	scratch [MaxDatagramSize]byte
	tx      []Datagram
}

// NewConnSocket returns an unbound socket. rcvbuf, when positive, is applied
// as SO_RCVBUF at bind time.
func NewConnSocket(rcvbuf int) *ConnSocket {
	return &ConnSocket{rcvbuf: rcvbuf}
}

// Bind opens a UDP listener on the local endpoint with SO_REUSEADDR set, so
// a restarting daemon does not race its predecessor's lingering socket.
func (s *ConnSocket) Bind(local netip.AddrPort) error {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				soErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", formatBindAddr(local))
	if err != nil {
		return fmt.Errorf("binding %v: %w", local, err)
	}
	conn := pc.(*net.UDPConn)
	if s.rcvbuf > 0 {
		if err := conn.SetReadBuffer(s.rcvbuf); err != nil {
			log.Warningf("failed to set receive buffer to %d: %v", s.rcvbuf, err)
		}
	}
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return err
	}
	s.conn = conn
	s.raw = raw
	return nil
}

// IsOpen reports whether the socket is bound.
func (s *ConnSocket) IsOpen() bool {
	return s.conn != nil
}

// CanSend reports whether a datagram can be staged.
func (s *ConnSocket) CanSend() bool {
	return s.conn != nil && len(s.tx) < connTxQueue
}

// Recv performs one non-blocking read. An empty receive queue maps to
// ErrExhausted.
func (s *ConnSocket) Recv() ([]byte, netip.AddrPort, error) {
	if s.conn == nil {
		return nil, netip.AddrPort{}, ErrExhausted
	}
	var n int
	var sa unix.Sockaddr
	var rerr error
	err := s.raw.Read(func(fd uintptr) bool {
		n, sa, rerr = unix.Recvfrom(int(fd), s.scratch[:], unix.MSG_DONTWAIT)
		// done either way, never park on the poller
		return true
	})
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	if rerr != nil {
		if rerr == unix.EAGAIN || rerr == unix.EWOULDBLOCK {
			return nil, netip.AddrPort{}, ErrExhausted
		}
		return nil, netip.AddrPort{}, rerr
	}
	payload := make([]byte, n)
	copy(payload, s.scratch[:n])
	return payload, sockaddrToAddrPort(sa), nil
}

func sockaddrToAddrPort(sa unix.Sockaddr) netip.AddrPort {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrPortFrom(netip.AddrFrom4(sa.Addr), uint16(sa.Port))
	case *unix.SockaddrInet6:
		return netip.AddrPortFrom(netip.AddrFrom16(sa.Addr).Unmap(), uint16(sa.Port))
	}
	return netip.AddrPort{}
}

// Send stages a datagram and returns its payload buffer. The datagram goes
// on the wire at the next Flush.
func (s *ConnSocket) Send(length int, to netip.AddrPort) ([]byte, error) {
	if !s.CanSend() {
		return nil, ErrExhausted
	}
	d := Datagram{Payload: make([]byte, length), Remote: to}
	s.tx = append(s.tx, d)
	return d.Payload, nil
}

// Flush writes out every staged datagram.
func (s *ConnSocket) Flush() error {
	for len(s.tx) > 0 {
		d := s.tx[0]
		s.tx = s.tx[1:]
		if _, err := s.conn.WriteToUDPAddrPort(d.Payload, d.Remote); err != nil {
			return fmt.Errorf("sending to %v: %w", d.Remote, err)
		}
	}
	return nil
}

// Close releases the underlying connection.
func (s *ConnSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// LocalAddr returns the bound endpoint, or the zero value when unbound.
func (s *ConnSocket) LocalAddr() netip.AddrPort {
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.LocalAddr().(*net.UDPAddr).AddrPort()
}

func formatBindAddr(local netip.AddrPort) string {
	if !local.Addr().IsValid() || local.Addr().IsUnspecified() {
		return fmt.Sprintf(":%d", local.Port())
	}
	return local.String()
}
