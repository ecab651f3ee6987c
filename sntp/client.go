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
Package sntp implements an SNTPv4 client engine (RFC 4330).

The client owns one UDP socket and is driven cooperatively: the owner calls
Poll after polling the network stack, then sleeps until NextPoll. Requests
are paced with exponential backoff between MinRequestInterval and
MaxRequestInterval; a valid server response yields the Unix timestamp of the
server's transmit time and pushes the next request out by
MaxRequestInterval.
*/
package sntp

import (
	"errors"
	"net/netip"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/opennetsys/netapps/sntp/protocol"
	"github.com/opennetsys/netapps/stats"
	"github.com/opennetsys/netapps/udp"
)

// Port is the IANA port for SNTP servers.
const Port = 123

// Request pacing bounds.
const (
	MinRequestInterval = 60 * time.Second
	MaxRequestInterval = 24 * time.Hour
)

// DiffSec1970To2036 is the number of seconds between 1970 and Feb 7, 2036
// 06:28:16 UTC (NTP epoch 1). Adding it to an NTP-era-1 seconds value with
// u32 wraparound yields Unix seconds for any timestamp in the 1970-2036
// window, and keeps wrapping consistently past 2036 for consumers that
// interpret the result modulo 2^32.
const DiffSec1970To2036 uint32 = 2085978496

// Client is an SNTPv4 client engine.
type Client struct {
	udpHandle udp.Handle
	server    netip.Addr
	// when to send the next request
	nextRequest time.Time
	// current backoff interval
	currInterval time.Duration

	Stats stats.Stats
}

// NewClient creates a client performing requests to the specified server.
// The socket is added to the provided set; the first request fires on the
// first Poll at or after now.
func NewClient(sockets *udp.SocketSet, sock udp.Socket, server netip.Addr, now time.Time) *Client {
	handle := sockets.Add(sock)

	log.Debug("sntp: initialised")

	return &Client{
		udpHandle:    handle,
		server:       server,
		nextRequest:  now,
		currInterval: MinRequestInterval,
		Stats:        stats.NewNop(),
	}
}

// NextPoll returns the duration until the next request is due, saturating
// at zero. Useful for suspending execution after polling.
func (c *Client) NextPoll(now time.Time) time.Duration {
	d := c.nextRequest.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// Poll processes one incoming packet and sends a request when the backoff
// timer expires. If a valid response is received, the Unix timestamp
// corresponding to the server transmit time is returned with ok set.
// Only transport-level errors are returned; invalid responses are dropped.
func (c *Client) Poll(sockets *udp.SocketSet, now time.Time) (ts uint32, ok bool, err error) {
	sock := sockets.Get(c.udpHandle)

	// Bind the socket if necessary
	if !sock.IsOpen() {
		if err := sock.Bind(netip.AddrPortFrom(netip.Addr{}, Port)); err != nil {
			return 0, false, err
		}
	}

	payload, _, err := sock.Recv()
	switch {
	case err == nil:
		ts, ok = c.receive(payload)
	case errors.Is(err, udp.ErrExhausted):
		// no packet pending
	default:
		return 0, false, err
	}

	if ok {
		// A valid timestamp was received. Push the next request out to the
		// maximum interval and hand the timestamp to the caller.
		c.nextRequest = now.Add(MaxRequestInterval)
		c.Stats.IncSNTPResponses()
		return ts, true, nil
	}

	if sock.CanSend() && !now.Before(c.nextRequest) {
		// The timeout has expired. Send a request, then double the interval
		// up to the maximum.
		if err := c.request(sock); err != nil {
			return 0, false, err
		}
		c.nextRequest = now.Add(c.currInterval)
		c.currInterval = min(MaxRequestInterval, c.currInterval*2)
	}
	return 0, false, nil
}

// receive validates a response and converts its transmit timestamp.
func (c *Client) receive(payload []byte) (uint32, bool) {
	repr, err := protocol.Parse(protocol.Packet(payload))
	if err != nil {
		log.Debugf("sntp: invalid packet: %v", err)
		c.Stats.IncSNTPBadPackets()
		return 0, false
	}

	if repr.ProtocolMode != protocol.ModeServer {
		log.Debugf("sntp: invalid mode in response: %v", repr.ProtocolMode)
		c.Stats.IncSNTPBadPackets()
		return 0, false
	}
	if repr.Stratum == protocol.StratumKissOfDeath {
		log.Debug("sntp: kiss o' death received, doing nothing")
		c.Stats.IncSNTPKissOfDeath()
		return 0, false
	}

	return repr.XmitTimestamp.Sec + DiffSec1970To2036, true
}

// request sends a client mode datagram to the configured server.
func (c *Client) request(sock udp.Socket) error {
	repr := &protocol.Repr{
		Version:      4,
		ProtocolMode: protocol.ModeClient,
	}

	ep := netip.AddrPortFrom(c.server, Port)

	log.Debugf("sntp: sending request to %v", ep)

	payload, err := sock.Send(repr.BufferLen(), ep)
	if err != nil {
		return err
	}
	if err := repr.Emit(protocol.Packet(payload)); err != nil {
		return err
	}
	c.Stats.IncSNTPRequests()
	return nil
}
