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

import "net/netip"

// Datagram is one queued payload with its peer endpoint.
type Datagram struct {
	Payload []byte
	Remote  netip.AddrPort
}

// BufferedSocket is an in-memory Socket backed by rx/tx queues. The owner
// pushes received datagrams with Enqueue and drains staged transmissions
// with Dequeue; the engines see the regular non-blocking Socket contract.
// It is the building block for tests and for embedders that pump datagrams
// from their own network stack.
type BufferedSocket struct {
	local netip.AddrPort
	open  bool
	rx    []Datagram
	tx    []Datagram
	txCap int
}

// NewBufferedSocket returns a socket whose tx queue holds up to txCap
// datagrams. txCap <= 0 means unbounded.
func NewBufferedSocket(txCap int) *BufferedSocket {
	return &BufferedSocket{txCap: txCap}
}

// Bind marks the socket open on the local endpoint.
func (s *BufferedSocket) Bind(local netip.AddrPort) error {
	s.local = local
	s.open = true
	return nil
}

// IsOpen reports whether Bind was called.
func (s *BufferedSocket) IsOpen() bool {
	return s.open
}

// CanSend reports whether the tx queue has room.
func (s *BufferedSocket) CanSend() bool {
	return s.txCap <= 0 || len(s.tx) < s.txCap
}

// Recv pops the oldest received datagram.
func (s *BufferedSocket) Recv() ([]byte, netip.AddrPort, error) {
	if len(s.rx) == 0 {
		return nil, netip.AddrPort{}, ErrExhausted
	}
	d := s.rx[0]
	s.rx = s.rx[1:]
	return d.Payload, d.Remote, nil
}

// Send stages a datagram and returns its payload buffer for the caller to
// fill in place.
func (s *BufferedSocket) Send(length int, to netip.AddrPort) ([]byte, error) {
	if !s.CanSend() {
		return nil, ErrExhausted
	}
	d := Datagram{Payload: make([]byte, length), Remote: to}
	s.tx = append(s.tx, d)
	return d.Payload, nil
}

// LocalAddr returns the endpoint passed to Bind.
func (s *BufferedSocket) LocalAddr() netip.AddrPort {
	return s.local
}

// Enqueue appends a datagram to the receive queue.
func (s *BufferedSocket) Enqueue(payload []byte, from netip.AddrPort) {
	s.rx = append(s.rx, Datagram{Payload: payload, Remote: from})
}

// Dequeue pops the oldest staged transmission, if any.
func (s *BufferedSocket) Dequeue() (Datagram, bool) {
	if len(s.tx) == 0 {
		return Datagram{}, false
	}
	d := s.tx[0]
	s.tx = s.tx[1:]
	return d, true
}
