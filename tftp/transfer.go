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

package tftp

import (
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opennetsys/netapps/tftp/protocol"
	"github.com/opennetsys/netapps/udp"
)

// Transfer is one active lockstep exchange with a client endpoint.
//
// A read transfer holds the last DATA block sent so it can answer duplicate
// or lost ACKs; a write transfer remembers the last ACK emitted for the
// same purpose. Exactly one of the two roles applies for the lifetime of
// the transfer.
type Transfer struct {
	handle Handle
	ep     netip.AddrPort

	isWrite  bool
	blockNum uint16
	// TODO: move the block buffer into a pool shared by the slot table so
	// idle slots stop costing 512 bytes each
	lastData [BlockSize]byte
	lastLen  int
	lastAck  uint16

	retries int
	timeout time.Time
}

// Endpoint returns the client endpoint owning this transfer.
func (t *Transfer) Endpoint() netip.AddrPort {
	return t.ep
}

// processTimeout advances the retransmission timer. When the deadline has
// passed it resends the last primitive and rearms, until the retry budget
// runs out; then it reports that the transfer should be dropped.
func (t *Transfer) processTimeout(sock udp.Socket, now time.Time) (resent, drop bool, err error) {
	if now.Before(t.timeout) {
		return false, false, nil
	}
	if t.retries < MaxRetries {
		t.retries++
		t.timeout = now.Add(RetryTimeout)
		if t.isWrite {
			return true, false, t.sendAck(sock, t.lastAck)
		}
		return true, false, t.resendData(sock)
	}
	log.Debugf("tftp: %v: connection timeout", t.ep)
	return false, true, nil
}

// sendData reads the next block from the handle and transmits it.
// readFailed reports a storage error, after which the peer has been told
// and the transfer must be terminated.
func (t *Transfer) sendData(sock udp.Socket) (readFailed bool, err error) {
	n, rerr := t.handle.Read(t.lastData[:])
	if rerr != nil {
		log.Debugf("tftp: %v: read failed: %v", t.ep, rerr)
		return true, SendError(sock, t.ep, protocol.ErrorAccessViolation, "Error occurred while reading the file")
	}
	t.lastLen = n
	return false, t.resendData(sock)
}

// resendData retransmits the currently held block.
func (t *Transfer) resendData(sock udp.Socket) error {
	log.Debugf("tftp: %v: sending data block #%d", t.ep, t.blockNum)

	data := &protocol.Data{
		BlockNum: t.blockNum,
		Data:     t.lastData[:t.lastLen],
	}
	payload, err := sock.Send(data.BufferLen(), t.ep)
	if err != nil {
		return err
	}
	return data.Emit(protocol.Packet(payload))
}

// sendAck transmits an acknowledgment for the given block.
func (t *Transfer) sendAck(sock udp.Socket, block uint16) error {
	log.Debugf("tftp: %v: sending ack #%d", t.ep, block)

	t.lastAck = block
	ack := &protocol.Ack{BlockNum: block}
	payload, err := sock.Send(ack.BufferLen(), t.ep)
	if err != nil {
		return err
	}
	return ack.Emit(protocol.Packet(payload))
}

// Transfers is the slot table holding active transfers. A table created
// with NewTransfers has fixed capacity; one created with
// NewGrowableTransfers allocates a slot per concurrent transfer on demand.
type Transfers struct {
	slots    []*Transfer
	growable bool
}

// NewTransfers returns a table with a fixed number of slots.
func NewTransfers(capacity int) *Transfers {
	return &Transfers{slots: make([]*Transfer, capacity)}
}

// NewGrowableTransfers returns a table that grows on demand.
func NewGrowableTransfers() *Transfers {
	return &Transfers{growable: true}
}

// Active returns the number of transfers in flight.
func (ts *Transfers) Active() int {
	n := 0
	for _, t := range ts.slots {
		if t != nil {
			n++
		}
	}
	return n
}

// find returns the slot index of the transfer owned by ep, or -1.
func (ts *Transfers) find(ep netip.AddrPort) int {
	for i, t := range ts.slots {
		if t != nil && t.ep == ep {
			return i
		}
	}
	return -1
}

// alloc returns the index of a free slot, growing the table if allowed,
// or -1 when the table is full.
func (ts *Transfers) alloc() int {
	for i, t := range ts.slots {
		if t == nil {
			return i
		}
	}
	if ts.growable {
		ts.slots = append(ts.slots, nil)
		return len(ts.slots) - 1
	}
	return -1
}
