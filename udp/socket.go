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

/*
Package udp provides the datagram socket abstraction consumed by the
protocol engines. Engines never talk to the network directly: they hold a
Handle into a caller-provided SocketSet and drive whatever Socket
implementation the owner registered there, which keeps them runnable on
top of anything from a real UDP connection to an in-memory queue.
*/
package udp

import (
	"errors"
	"net/netip"
)

// ErrExhausted is returned by Recv when no datagram is queued and by Send
// when there is no room to stage one. Engines fold it into normal control
// flow; it never signals a failure.
var ErrExhausted = errors.New("exhausted")

// Socket is a non-blocking datagram socket.
//
// Send returns a payload buffer of exactly the requested length. The caller
// must fill it before the next operation on the socket; implementations are
// free to transmit staged payloads lazily.
type Socket interface {
	// Bind opens the socket on the given local endpoint.
	Bind(local netip.AddrPort) error
	// IsOpen reports whether the socket is bound.
	IsOpen() bool
	// CanSend reports whether a Send would succeed.
	CanSend() bool
	// Recv returns one queued datagram and its source endpoint, or
	// ErrExhausted when nothing is pending.
	Recv() ([]byte, netip.AddrPort, error)
	// Send stages a datagram of the given length to the remote endpoint and
	// returns the payload buffer to fill.
	Send(length int, to netip.AddrPort) ([]byte, error)
}

// Handle identifies a socket within a SocketSet.
type Handle int

// SocketSet is a flat table of sockets owned by the caller and shared with
// the engines. Engines retain only Handles, never Socket references.
type SocketSet struct {
	sockets []Socket
}

// NewSocketSet returns an empty socket set.
func NewSocketSet() *SocketSet {
	return &SocketSet{}
}

// Add registers a socket and returns its handle.
func (s *SocketSet) Add(sock Socket) Handle {
	for i, slot := range s.sockets {
		if slot == nil {
			s.sockets[i] = sock
			return Handle(i)
		}
	}
	s.sockets = append(s.sockets, sock)
	return Handle(len(s.sockets) - 1)
}

// Get returns the socket registered under the handle. It panics on a stale
// handle, same as indexing any table with a dangling key would.
func (s *SocketSet) Get(h Handle) Socket {
	sock := s.sockets[h]
	if sock == nil {
		panic("udp: stale socket handle")
	}
	return sock
}

// Remove releases the handle. The socket itself is left to the owner to
// close.
func (s *SocketSet) Remove(h Handle) {
	s.sockets[h] = nil
}
