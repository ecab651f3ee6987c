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
Package protocol implements the SNTPv4 wire format of RFC 4330.
It provides quick and transparent translation between 48 bytes and
simply accessible struct in the most efficient way.
*/
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PacketSizeBytes sets the size of SNTP packet
const PacketSizeBytes = 48

// Codec errors
var (
	ErrTruncated = errors.New("truncated packet")
	ErrMalformed = errors.New("malformed packet")
)

/*
http://seriot.ch/ntp.php
https://tools.ietf.org/html/rfc4330
   0                   1                   2                   3
   0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1 2 3 4 5 6 7 8 9 0 1
0 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |LI | VN  |Mode |    Stratum     |     Poll      |  Precision   |
4 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Delay                            |
8 +-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                         Root Dispersion                       |
12+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                          Reference ID                         |
16+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                     Reference Timestamp (64)                  +
  |                                                               |
24+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Originate Timestamp (64)                 +
  |                                                               |
32+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Receive Timestamp (64)                   +
  |                                                               |
40+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
  |                                                               |
  +                      Transmit Timestamp (64)                  +
  |                                                               |
48+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+-+
*/

// Field offsets within the 48-byte datagram.
const (
	offSettings       = 0
	offStratum        = 1
	offPollInterval   = 2
	offPrecision      = 3
	offRootDelay      = 4
	offRootDispersion = 8
	offRefID          = 12
	offRefTimestamp   = 16
	offOrigTimestamp  = 24
	offRecvTimestamp  = 32
	offXmitTimestamp  = 40
)

// LeapIndicator is the two-bit LI field warning of an impending leap second.
type LeapIndicator uint8

// Possible leap indicator values
const (
	LeapNoWarning LeapIndicator = iota
	LeapSixtyOne
	LeapFiftyNine
	LeapUnsynchronized
)

// ProtocolMode is the three-bit association mode field.
type ProtocolMode uint8

// Possible protocol mode values
const (
	ModeReserved ProtocolMode = iota
	ModeSymmetricActive
	ModeSymmetricPassive
	ModeClient
	ModeServer
	ModeBroadcast
	ModeControl
	ModePrivate
)

func (m ProtocolMode) String() string {
	switch m {
	case ModeReserved:
		return "reserved"
	case ModeSymmetricActive:
		return "symmetric active"
	case ModeSymmetricPassive:
		return "symmetric passive"
	case ModeClient:
		return "client"
	case ModeServer:
		return "server"
	case ModeBroadcast:
		return "broadcast"
	case ModeControl:
		return "control"
	case ModePrivate:
		return "private"
	}
	return fmt.Sprintf("unknown(%d)", uint8(m))
}

// Stratum encodes the position of the server in the synchronization chain.
// The raw byte is preserved; values between StratumPrimary and
// StratumUnsynchronized exclusive are secondary references, values above
// StratumUnsynchronized are reserved.
type Stratum uint8

// Well-known stratum values
const (
	StratumKissOfDeath    Stratum = 0
	StratumPrimary        Stratum = 1
	StratumUnsynchronized Stratum = 16
)

// IsSecondary reports whether the stratum is a secondary reference (2..15).
func (s Stratum) IsSecondary() bool {
	return s > StratumPrimary && s < StratumUnsynchronized
}

// IsReserved reports whether the stratum falls in the reserved range (>16).
func (s Stratum) IsReserved() bool {
	return s > StratumUnsynchronized
}

func (s Stratum) String() string {
	switch {
	case s == StratumKissOfDeath:
		return "kiss o' death"
	case s == StratumPrimary:
		return "primary"
	case s.IsSecondary():
		return fmt.Sprintf("secondary(%d)", uint8(s))
	case s == StratumUnsynchronized:
		return "unsynchronized"
	}
	return fmt.Sprintf("reserved(%d)", uint8(s))
}

// Timestamp is the NTP 64-bit fixed-point format: seconds since the NTP
// epoch (Jan 1, 1900) plus a 32-bit second fraction.
type Timestamp struct {
	Sec  uint32
	Frac uint32
}

// Packet is a read/write wrapper around a raw SNTP datagram buffer.
// Accessors do not panic as long as CheckLen passed.
type Packet []byte

// CheckLen ensures that no accessor method will panic if called.
// Returns ErrTruncated if the buffer is too short.
func (p Packet) CheckLen() error {
	if len(p) < PacketSizeBytes {
		return ErrTruncated
	}
	return nil
}

// LeapIndicator returns the LI field of this packet.
func (p Packet) LeapIndicator() LeapIndicator {
	return LeapIndicator(p[offSettings] >> 6)
}

// Version returns the VN field of this packet.
func (p Packet) Version() uint8 {
	return p[offSettings] >> 3 & 0b111
}

// ProtocolMode returns the mode field of this packet.
func (p Packet) ProtocolMode() ProtocolMode {
	return ProtocolMode(p[offSettings] & 0b111)
}

// Stratum returns the stratum field of this packet.
func (p Packet) Stratum() Stratum {
	return Stratum(p[offStratum])
}

// PollInterval returns the log2 seconds poll interval of this packet.
func (p Packet) PollInterval() int8 {
	return int8(p[offPollInterval])
}

// Precision returns the log2 seconds clock precision of this packet.
func (p Packet) Precision() int8 {
	return int8(p[offPrecision])
}

// RootDelay returns the total roundtrip delay to the reference clock in NTP
// short format.
func (p Packet) RootDelay() uint32 {
	return binary.BigEndian.Uint32(p[offRootDelay:])
}

// RootDispersion returns the maximum error relative to the reference clock
// in NTP short format.
func (p Packet) RootDispersion() uint32 {
	return binary.BigEndian.Uint32(p[offRootDispersion:])
}

// ReferenceID returns the 4-byte reference identifier of this packet.
func (p Packet) ReferenceID() [4]byte {
	var id [4]byte
	copy(id[:], p[offRefID:offRefID+4])
	return id
}

// ReferenceTimestamp returns the time the server clock was last set.
func (p Packet) ReferenceTimestamp() Timestamp {
	return p.timestamp(offRefTimestamp)
}

// OriginateTimestamp returns the time the request departed the client.
func (p Packet) OriginateTimestamp() Timestamp {
	return p.timestamp(offOrigTimestamp)
}

// ReceiveTimestamp returns the time the request arrived at the server.
func (p Packet) ReceiveTimestamp() Timestamp {
	return p.timestamp(offRecvTimestamp)
}

// TransmitTimestamp returns the time the reply departed the server.
func (p Packet) TransmitTimestamp() Timestamp {
	return p.timestamp(offXmitTimestamp)
}

func (p Packet) timestamp(off int) Timestamp {
	return Timestamp{
		Sec:  binary.BigEndian.Uint32(p[off:]),
		Frac: binary.BigEndian.Uint32(p[off+4:]),
	}
}

// SetLeapIndicator sets the LI field of this packet.
func (p Packet) SetLeapIndicator(li LeapIndicator) {
	p[offSettings] = p[offSettings]&0b0011_1111 | uint8(li)<<6
}

// SetVersion sets the VN field of this packet.
func (p Packet) SetVersion(v uint8) {
	p[offSettings] = p[offSettings]&0b1100_0111 | v&0b111<<3
}

// SetProtocolMode sets the mode field of this packet.
func (p Packet) SetProtocolMode(m ProtocolMode) {
	p[offSettings] = p[offSettings]&0b1111_1000 | uint8(m)&0b111
}

// SetStratum sets the stratum field of this packet.
func (p Packet) SetStratum(s Stratum) {
	p[offStratum] = uint8(s)
}

// SetPollInterval sets the poll interval field of this packet.
func (p Packet) SetPollInterval(pi int8) {
	p[offPollInterval] = uint8(pi)
}

// SetPrecision sets the precision field of this packet.
func (p Packet) SetPrecision(pr int8) {
	p[offPrecision] = uint8(pr)
}

// SetRootDelay sets the root delay field of this packet.
func (p Packet) SetRootDelay(rd uint32) {
	binary.BigEndian.PutUint32(p[offRootDelay:], rd)
}

// SetRootDispersion sets the root dispersion field of this packet.
func (p Packet) SetRootDispersion(rd uint32) {
	binary.BigEndian.PutUint32(p[offRootDispersion:], rd)
}

// SetReferenceID sets the reference identifier of this packet.
func (p Packet) SetReferenceID(id [4]byte) {
	copy(p[offRefID:offRefID+4], id[:])
}

// SetReferenceTimestamp sets the reference timestamp of this packet.
func (p Packet) SetReferenceTimestamp(ts Timestamp) {
	p.setTimestamp(offRefTimestamp, ts)
}

// SetOriginateTimestamp sets the originate timestamp of this packet.
func (p Packet) SetOriginateTimestamp(ts Timestamp) {
	p.setTimestamp(offOrigTimestamp, ts)
}

// SetReceiveTimestamp sets the receive timestamp of this packet.
func (p Packet) SetReceiveTimestamp(ts Timestamp) {
	p.setTimestamp(offRecvTimestamp, ts)
}

// SetTransmitTimestamp sets the transmit timestamp of this packet.
func (p Packet) SetTransmitTimestamp(ts Timestamp) {
	p.setTimestamp(offXmitTimestamp, ts)
}

func (p Packet) setTimestamp(off int, ts Timestamp) {
	binary.BigEndian.PutUint32(p[off:], ts.Sec)
	binary.BigEndian.PutUint32(p[off+4:], ts.Frac)
}

// Repr is the parsed representation of an SNTP datagram.
type Repr struct {
	LeapIndicator  LeapIndicator
	Version        uint8
	ProtocolMode   ProtocolMode
	Stratum        Stratum
	PollInterval   int8
	Precision      int8
	RootDelay      uint32
	RootDispersion uint32
	ReferenceID    [4]byte
	RefTimestamp   Timestamp
	OrigTimestamp  Timestamp
	RecvTimestamp  Timestamp
	XmitTimestamp  Timestamp
}

// BufferLen returns the length of the buffer required to emit this
// representation.
func (r *Repr) BufferLen() int {
	return PacketSizeBytes
}

// Parse returns the representation of a length-checked packet buffer.
func Parse(p Packet) (*Repr, error) {
	if err := p.CheckLen(); err != nil {
		return nil, err
	}
	return &Repr{
		LeapIndicator:  p.LeapIndicator(),
		Version:        p.Version(),
		ProtocolMode:   p.ProtocolMode(),
		Stratum:        p.Stratum(),
		PollInterval:   p.PollInterval(),
		Precision:      p.Precision(),
		RootDelay:      p.RootDelay(),
		RootDispersion: p.RootDispersion(),
		ReferenceID:    p.ReferenceID(),
		RefTimestamp:   p.ReferenceTimestamp(),
		OrigTimestamp:  p.OriginateTimestamp(),
		RecvTimestamp:  p.ReceiveTimestamp(),
		XmitTimestamp:  p.TransmitTimestamp(),
	}, nil
}

// Emit writes this representation into the packet buffer.
func (r *Repr) Emit(p Packet) error {
	if err := p.CheckLen(); err != nil {
		return err
	}
	p[offSettings] = 0
	p.SetLeapIndicator(r.LeapIndicator)
	p.SetVersion(r.Version)
	p.SetProtocolMode(r.ProtocolMode)
	p.SetStratum(r.Stratum)
	p.SetPollInterval(r.PollInterval)
	p.SetPrecision(r.Precision)
	p.SetRootDelay(r.RootDelay)
	p.SetRootDispersion(r.RootDispersion)
	p.SetReferenceID(r.ReferenceID)
	p.SetReferenceTimestamp(r.RefTimestamp)
	p.SetOriginateTimestamp(r.OrigTimestamp)
	p.SetReceiveTimestamp(r.RecvTimestamp)
	p.SetTransmitTimestamp(r.XmitTimestamp)
	return nil
}
