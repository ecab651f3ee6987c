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
Package tftp implements a TFTP server engine (RFC 1350, octet mode).

The server owns one UDP socket bound to port 69 and multiplexes any number
of concurrent transfers, keyed by client endpoint, over it. File access
goes through a caller-provided Context; the engine itself never touches
storage. Like the SNTP client, it is driven cooperatively: the owner calls
Serve after polling the network stack and sleeps until NextPoll.
*/
package tftp

import (
	"errors"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opennetsys/netapps/stats"
	"github.com/opennetsys/netapps/tftp/protocol"
	"github.com/opennetsys/netapps/udp"
)

// Port is the IANA port for TFTP servers.
const Port = 69

// BlockSize is the fixed DATA payload size; a shorter block ends the
// transfer.
const BlockSize = 512

// MaxRetries is the number of retransmissions attempted before a transfer
// is abandoned.
const MaxRetries = 10

// RetryTimeout is the interval between consecutive retransmissions.
const RetryTimeout = 200 * time.Millisecond

// servePollInterval is the scheduling floor between Serve calls, so that
// retransmission timers keep advancing while the socket is idle.
const servePollInterval = 50 * time.Millisecond

// Server is a TFTP server engine.
type Server struct {
	udpHandle udp.Handle
	nextPoll  time.Time

	Stats stats.Stats
}

// NewServer creates a server over the given socket, which is added to the
// provided set.
func NewServer(sockets *udp.SocketSet, sock udp.Socket, now time.Time) *Server {
	handle := sockets.Add(sock)

	log.Debug("tftp: initialised")

	return &Server{
		udpHandle: handle,
		nextPoll:  now,
		Stats:     stats.NewNop(),
	}
}

// NextPoll returns the duration until the next poll activity, saturating
// at zero. Useful for suspending execution after polling.
func (s *Server) NextPoll(now time.Time) time.Duration {
	d := s.nextPoll.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Serve performs one dispatch step: it processes at most one incoming
// datagram, or advances the retransmission timers of every active transfer
// when the socket is idle. File errors are handled internally by relaying
// an ERROR packet to the client and terminating the transfer; only
// transport-level errors are returned.
//
// The context and the transfer table must be persisted across calls.
func (s *Server) Serve(sockets *udp.SocketSet, context Context, transfers *Transfers, now time.Time) error {
	sock := sockets.Get(s.udpHandle)

	// Bind the socket if necessary
	if !sock.IsOpen() {
		if err := sock.Bind(netip.AddrPortFrom(netip.Addr{}, Port)); err != nil {
			return err
		}
	}

	// Schedule next activation
	s.nextPoll = now.Add(servePollInterval)

	payload, ep, err := sock.Recv()
	if err != nil {
		if !errors.Is(err, udp.ErrExhausted) {
			return err
		}
		// Nothing to receive, advance retransmission timers
		if !sock.CanSend() {
			return nil
		}
		for i, xfer := range transfers.slots {
			if xfer == nil {
				continue
			}
			resent, drop, err := xfer.processTimeout(sock, now)
			if err != nil {
				return err
			}
			if resent {
				s.Stats.IncTFTPRetransmits()
			}
			if drop {
				s.closeTransfer(context, transfers, i)
			}
		}
		return nil
	}

	s.Stats.IncTFTPPackets()
	return s.dispatch(sock, context, transfers, payload, ep, now)
}

func (s *Server) dispatch(sock udp.Socket, context Context, transfers *Transfers, payload []byte, ep netip.AddrPort, now time.Time) error {
	// Validate packet length
	pkt := protocol.Packet(payload)
	if err := pkt.CheckLen(); err != nil {
		return s.sendError(sock, ep, protocol.ErrorAccessViolation, "Packet truncated")
	}

	// Validate packet contents
	repr, err := protocol.Parse(pkt)
	if err != nil {
		return s.sendError(sock, ep, protocol.ErrorAccessViolation, "Malformed packet")
	}

	idx := transfers.find(ep)

	switch repr := repr.(type) {
	case *protocol.ReadRequest:
		return s.request(sock, context, transfers, ep, now, idx, repr.Filename, repr.Mode, false)
	case *protocol.WriteRequest:
		return s.request(sock, context, transfers, ep, now, idx, repr.Filename, repr.Mode, true)

	case *protocol.Data:
		if idx < 0 {
			return s.sendError(sock, ep, protocol.ErrorAccessViolation, "Data packet without active transfer")
		}
		return s.data(sock, context, transfers, idx, now, repr)

	case *protocol.Ack:
		if idx < 0 {
			return s.sendError(sock, ep, protocol.ErrorAccessViolation, "Data packet without active transfer")
		}
		return s.ack(sock, context, transfers, idx, now, repr)

	case *protocol.Error:
		return s.sendError(sock, ep, protocol.ErrorIllegalOperation, "Unknown operation")
	}
	return s.sendError(sock, ep, protocol.ErrorIllegalOperation, "Unknown operation")
}

// request handles an RRQ or WRQ.
func (s *Server) request(sock udp.Socket, context Context, transfers *Transfers, ep netip.AddrPort, now time.Time, idx int, filename string, mode protocol.Mode, isWrite bool) error {
	if idx >= 0 {
		// Multiple connections from the same endpoint are not supported
		log.Debugf("tftp: multiple connection attempts from %v", ep)
		return s.sendError(sock, ep, protocol.ErrorAccessViolation, "Multiple connections not supported")
	}

	if mode != protocol.ModeOctet {
		return s.sendError(sock, ep, protocol.ErrorIllegalOperation, "Only octet mode is supported")
	}

	slot := transfers.alloc()
	if slot < 0 {
		log.Debugf("tftp: connections exhausted")
		return s.sendError(sock, ep, protocol.ErrorAccessViolation, "No more available connections")
	}

	handle, err := context.Open(filename, isWrite)
	if err != nil {
		log.Debugf("tftp: unable to open %q: %v", filename, err)
		return s.sendError(sock, ep, protocol.ErrorFileNotFound, "Unable to open requested file")
	}

	xfer := &Transfer{
		handle:   handle,
		ep:       ep,
		isWrite:  isWrite,
		blockNum: 1,
		timeout:  now.Add(RetryTimeout),
	}

	kind := "read"
	if isWrite {
		kind = "write"
	}
	log.Debugf("tftp: %s request from %v for %q", kind, ep, filename)

	if isWrite {
		if err := xfer.sendAck(sock, 0); err != nil {
			return err
		}
	} else {
		readFailed, err := xfer.sendData(sock)
		if err != nil {
			return err
		}
		if readFailed {
			context.Close(handle)
			return nil
		}
	}

	transfers.slots[slot] = xfer
	s.Stats.IncTFTPTransfersOpened()
	return nil
}

// data handles a DATA packet for an active transfer.
func (s *Server) data(sock udp.Socket, context Context, transfers *Transfers, idx int, now time.Time, repr *protocol.Data) error {
	xfer := transfers.slots[idx]

	// Reset retransmission state
	xfer.timeout = now.Add(RetryTimeout)
	xfer.retries = 0

	if !xfer.isWrite {
		return s.sendError(sock, xfer.ep, protocol.ErrorAccessViolation, "Not a read connection")
	}

	// Unexpected block, re-acknowledge the previous one
	if repr.BlockNum != xfer.blockNum {
		return xfer.sendAck(sock, xfer.blockNum-1)
	}

	xfer.blockNum++

	if _, err := xfer.handle.Write(repr.Data); err != nil {
		log.Debugf("tftp: %v: write failed: %v", xfer.ep, err)
		if serr := s.sendError(sock, xfer.ep, protocol.ErrorAccessViolation, "Error writing file"); serr != nil {
			return serr
		}
		s.closeTransfer(context, transfers, idx)
		return nil
	}

	lastBlock := len(repr.Data) < BlockSize

	if err := xfer.sendAck(sock, repr.BlockNum); err != nil {
		return err
	}
	if lastBlock {
		s.closeTransfer(context, transfers, idx)
	}
	return nil
}

// ack handles an ACK packet for an active transfer.
func (s *Server) ack(sock udp.Socket, context Context, transfers *Transfers, idx int, now time.Time, repr *protocol.Ack) error {
	xfer := transfers.slots[idx]

	// Reset retransmission state
	xfer.timeout = now.Add(RetryTimeout)
	xfer.retries = 0

	if xfer.isWrite {
		return s.sendError(sock, xfer.ep, protocol.ErrorAccessViolation, "Not a write connection")
	}

	// Duplicate or late ACK, resend the block in flight
	if repr.BlockNum != xfer.blockNum {
		return xfer.resendData(sock)
	}

	xfer.blockNum++

	if xfer.lastLen < BlockSize {
		// Final block acknowledged
		s.closeTransfer(context, transfers, idx)
		return nil
	}

	readFailed, err := xfer.sendData(sock)
	if err != nil {
		return err
	}
	if readFailed {
		s.closeTransfer(context, transfers, idx)
	}
	return nil
}

// closeTransfer terminates a transfer, releasing the handle and freeing up
// the transfer slot.
func (s *Server) closeTransfer(context Context, transfers *Transfers, idx int) {
	xfer := transfers.slots[idx]
	if xfer == nil {
		return
	}
	log.Debugf("tftp: closing %v", xfer.ep)
	transfers.slots[idx] = nil
	context.Close(xfer.handle)
	s.Stats.IncTFTPTransfersClosed()
}

// sendError wraps SendError with stats accounting.
func (s *Server) sendError(sock udp.Socket, ep netip.AddrPort, code protocol.ErrorCode, msg string) error {
	s.Stats.IncTFTPErrorsSent()
	return SendError(sock, ep, code, msg)
}

// SendError transmits a single ERROR packet to the endpoint. It does not
// terminate an active transfer; that decision stays with the state machine
// or the caller.
func SendError(sock udp.Socket, ep netip.AddrPort, code protocol.ErrorCode, msg string) error {
	log.Debugf("tftp: %v: %v: %s", ep, code, msg)

	repr := &protocol.Error{Code: code, Msg: msg}
	payload, err := sock.Send(repr.BufferLen(), ep)
	if err != nil {
		return err
	}
	return repr.Emit(protocol.Packet(payload))
}
