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
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opennetsys/netapps/tftp/protocol"
	"github.com/opennetsys/netapps/udp"
)

var (
	clientEp  = netip.MustParseAddrPort("192.0.2.1:49152")
	client2Ep = netip.MustParseAddrPort("192.0.2.2:49152")
	start     = time.Unix(1700000000, 0)
)

type testHandle struct {
	name    string
	data    []byte
	pos     int
	written bytes.Buffer
	readErr error
	// fail reads after this many successful ones; <0 never fails
	failReadAfter int
	writeErr      error
	closed        bool
}

func (h *testHandle) Read(buf []byte) (int, error) {
	if h.readErr != nil && h.failReadAfter == 0 {
		return 0, h.readErr
	}
	if h.failReadAfter > 0 {
		h.failReadAfter--
	}
	n := copy(buf, h.data[h.pos:])
	h.pos += n
	return n, nil
}

func (h *testHandle) Write(buf []byte) (int, error) {
	if h.writeErr != nil {
		return 0, h.writeErr
	}
	return h.written.Write(buf)
}

type testContext struct {
	files   map[string][]byte
	handles []*testHandle
	openErr error
	readErr error
	// pass through to the handle
	failReadAfter int
	writeErr      error
}

func (c *testContext) Open(filename string, writeMode bool) (Handle, error) {
	if c.openErr != nil {
		return nil, c.openErr
	}
	h := &testHandle{name: filename, readErr: c.readErr, failReadAfter: c.failReadAfter, writeErr: c.writeErr}
	if !writeMode {
		data, ok := c.files[filename]
		if !ok {
			return nil, errors.New("no such file")
		}
		h.data = data
	}
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *testContext) Close(h Handle) {
	h.(*testHandle).closed = true
}

func newTestServer(t *testing.T) (*Server, *udp.SocketSet, *udp.BufferedSocket) {
	t.Helper()
	sockets := udp.NewSocketSet()
	sock := udp.NewBufferedSocket(0)
	server := NewServer(sockets, sock, start)
	return server, sockets, sock
}

func enqueue(t *testing.T, sock *udp.BufferedSocket, ep netip.AddrPort, repr protocol.Repr) {
	t.Helper()
	buf := make(protocol.Packet, repr.BufferLen())
	require.NoError(t, repr.Emit(buf))
	sock.Enqueue(buf, ep)
}

func dequeue(t *testing.T, sock *udp.BufferedSocket) (protocol.Repr, netip.AddrPort) {
	t.Helper()
	d, ok := sock.Dequeue()
	require.True(t, ok, "expected an outgoing packet")
	pkt := protocol.Packet(d.Payload)
	require.NoError(t, pkt.CheckLen())
	repr, err := protocol.Parse(pkt)
	require.NoError(t, err)
	return repr, d.Remote
}

func requireNoPacket(t *testing.T, sock *udp.BufferedSocket) {
	t.Helper()
	d, ok := sock.Dequeue()
	require.False(t, ok, "unexpected outgoing packet: %x", d.Payload)
}

func requireData(t *testing.T, sock *udp.BufferedSocket, ep netip.AddrPort, block uint16, size int) *protocol.Data {
	t.Helper()
	repr, to := dequeue(t, sock)
	require.Equal(t, ep, to)
	data, ok := repr.(*protocol.Data)
	require.True(t, ok, "expected DATA, got %#v", repr)
	require.Equal(t, block, data.BlockNum)
	require.Len(t, data.Data, size)
	return data
}

func requireAck(t *testing.T, sock *udp.BufferedSocket, ep netip.AddrPort, block uint16) {
	t.Helper()
	repr, to := dequeue(t, sock)
	require.Equal(t, ep, to)
	ack, ok := repr.(*protocol.Ack)
	require.True(t, ok, "expected ACK, got %#v", repr)
	require.Equal(t, block, ack.BlockNum)
}

func requireError(t *testing.T, sock *udp.BufferedSocket, ep netip.AddrPort, code protocol.ErrorCode, msg string) {
	t.Helper()
	repr, to := dequeue(t, sock)
	require.Equal(t, ep, to)
	perr, ok := repr.(*protocol.Error)
	require.True(t, ok, "expected ERROR, got %#v", repr)
	require.Equal(t, code, perr.Code)
	require.Equal(t, msg, perr.Msg)
}

func fileOfSize(n int) []byte {
	data := make([]byte, n)
	for i := range data {
		data[i] = byte(i)
	}
	return data
}

func TestServeBindsLazily(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	require.False(t, sock.IsOpen())

	require.NoError(t, server.Serve(sockets, &testContext{}, NewTransfers(1), start))
	require.True(t, sock.IsOpen())
	require.Equal(t, uint16(Port), sock.LocalAddr().Port())
	require.Equal(t, servePollInterval, server.NextPoll(start))
}

func TestReadLockstep(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"rfc1350.txt": fileOfSize(1100)}}
	transfers := NewTransfers(4)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "rfc1350.txt", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	first := requireData(t, sock, clientEp, 1, 512)
	require.Equal(t, fileOfSize(1100)[:512], first.Data)
	require.Equal(t, 1, transfers.Active())

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 1})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 2, 512)

	// duplicate ACK for the previous block: the block in flight is resent
	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 1})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 2, 512)

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 2})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 3, 76)

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 3})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireNoPacket(t, sock)
	require.Equal(t, 0, transfers.Active())
	require.True(t, context.handles[0].closed)
}

func TestReadExactMultipleEndsWithEmptyBlock(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(512)}}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 512)

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 1})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 2, 0)

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 2})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	require.Equal(t, 0, transfers.Active())
}

func TestWriteLockstep(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{}
	transfers := NewTransfers(4)

	enqueue(t, sock, clientEp, &protocol.WriteRequest{Filename: "upload.bin", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 0)
	require.Equal(t, 1, transfers.Active())

	payload := fileOfSize(812)

	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 1, Data: payload[:512]})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 1)
	require.Equal(t, 1, transfers.Active())

	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 2, Data: payload[512:]})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 2)
	require.Equal(t, 0, transfers.Active())

	require.True(t, context.handles[0].closed)
	require.Equal(t, payload, context.handles[0].written.Bytes())
}

func TestWriteDuplicateDataReacked(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.WriteRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 0)

	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 1, Data: fileOfSize(512)})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 1)

	// the same block again: re-acknowledged, not re-written
	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 1, Data: fileOfSize(512)})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 1)
	require.Equal(t, 512, context.handles[0].written.Len())
}

func TestRetransmissionBound(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(1024)}}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 512)

	// drive the timers with an idle socket until the transfer is abandoned
	sent := 0
	now := start
	for i := 0; i < MaxRetries+5; i++ {
		now = now.Add(RetryTimeout)
		require.NoError(t, server.Serve(sockets, context, transfers, now))
		if d, ok := sock.Dequeue(); ok {
			data, err := protocol.Parse(protocol.Packet(d.Payload))
			require.NoError(t, err)
			require.Equal(t, uint16(1), data.(*protocol.Data).BlockNum)
			sent++
		}
	}
	require.Equal(t, MaxRetries, sent)
	require.Equal(t, 0, transfers.Active())
	require.True(t, context.handles[0].closed)
	requireNoPacket(t, sock)
}

func TestTimerQuietBeforeDeadline(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(10)}}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 10)

	// deadline not reached: nothing resent, transfer kept
	require.NoError(t, server.Serve(sockets, context, transfers, start.Add(10*time.Millisecond)))
	requireNoPacket(t, sock)
	require.Equal(t, 1, transfers.Active())
}

func TestMultiTransferIsolation(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"a": fileOfSize(1024), "b": fileOfSize(700)}}
	transfers := NewTransfers(4)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "a", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 512)

	enqueue(t, sock, client2Ep, &protocol.ReadRequest{Filename: "b", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, client2Ep, 1, 512)
	require.Equal(t, 2, transfers.Active())

	// progress on one does not affect the other
	enqueue(t, sock, client2Ep, &protocol.Ack{BlockNum: 1})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, client2Ep, 2, 700-512)

	// a second request from an endpoint that owns a transfer is refused
	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "b", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Multiple connections not supported")
	require.Equal(t, 2, transfers.Active())

	// the refused request leaves the first transfer intact
	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 1})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 2, 512)
}

func TestCapacityExhaustion(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(100)}}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 100)

	enqueue(t, sock, client2Ep, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, client2Ep, protocol.ErrorAccessViolation, "No more available connections")
}

func TestGrowableTable(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(100)}}
	transfers := NewGrowableTransfers()

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 100)

	enqueue(t, sock, client2Ep, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, client2Ep, 1, 100)
	require.Equal(t, 2, transfers.Active())
}

func TestOnlyOctetModeSupported(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeNetAscii})
	require.NoError(t, server.Serve(sockets, &testContext{}, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorIllegalOperation, "Only octet mode is supported")
	require.Equal(t, 0, transfers.Active())
}

func TestOpenFailure(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	transfers := NewTransfers(1)
	context := &testContext{openErr: errors.New("permission denied")}

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorFileNotFound, "Unable to open requested file")
	require.Equal(t, 0, transfers.Active())
}

func TestInitialReadFailure(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	transfers := NewTransfers(1)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(100)}, readErr: errors.New("io error")}

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Error occurred while reading the file")
	require.Equal(t, 0, transfers.Active())
	require.True(t, context.handles[0].closed)
}

func TestMidTransferReadFailure(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	transfers := NewTransfers(1)
	context := &testContext{
		files:         map[string][]byte{"f": fileOfSize(1024)},
		readErr:       errors.New("io error"),
		failReadAfter: 1,
	}

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 512)

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 1})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Error occurred while reading the file")
	require.Equal(t, 0, transfers.Active())
	require.True(t, context.handles[0].closed)
}

func TestWriteFailure(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	transfers := NewTransfers(1)
	context := &testContext{writeErr: errors.New("disk full")}

	enqueue(t, sock, clientEp, &protocol.WriteRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 0)

	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 1, Data: fileOfSize(512)})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Error writing file")
	require.Equal(t, 0, transfers.Active())
	require.True(t, context.handles[0].closed)
}

func TestTruncatedPacket(t *testing.T) {
	server, sockets, sock := newTestServer(t)

	sock.Enqueue([]byte{0x00, 0x03, 0x00}, clientEp)
	require.NoError(t, server.Serve(sockets, &testContext{}, NewTransfers(1), start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Packet truncated")
}

func TestUnknownOpcode(t *testing.T) {
	server, sockets, sock := newTestServer(t)

	// an unknown opcode fails the length check, not the parse
	sock.Enqueue([]byte{0x00, 0x2a, 0x00, 0x00}, clientEp)
	require.NoError(t, server.Serve(sockets, &testContext{}, NewTransfers(1), start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Packet truncated")
}

func TestMalformedPacket(t *testing.T) {
	server, sockets, sock := newTestServer(t)

	// valid opcode, unterminated request
	sock.Enqueue([]byte{0x00, 0x01, 'f'}, clientEp)
	require.NoError(t, server.Serve(sockets, &testContext{}, NewTransfers(1), start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Malformed packet")
}

func TestDataWithoutTransfer(t *testing.T) {
	server, sockets, sock := newTestServer(t)

	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 1, Data: []byte{1, 2, 3}})
	require.NoError(t, server.Serve(sockets, &testContext{}, NewTransfers(1), start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Data packet without active transfer")
}

func TestErrorPacketRejected(t *testing.T) {
	server, sockets, sock := newTestServer(t)

	enqueue(t, sock, clientEp, &protocol.Error{Code: protocol.ErrorUndefined, Msg: "boom"})
	require.NoError(t, server.Serve(sockets, &testContext{}, NewTransfers(1), start))
	requireError(t, sock, clientEp, protocol.ErrorIllegalOperation, "Unknown operation")
}

func TestDataOnReadTransfer(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{files: map[string][]byte{"f": fileOfSize(1024)}}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.ReadRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireData(t, sock, clientEp, 1, 512)

	enqueue(t, sock, clientEp, &protocol.Data{BlockNum: 1, Data: []byte{1}})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Not a read connection")
	// the transfer itself survives
	require.Equal(t, 1, transfers.Active())
}

func TestAckOnWriteTransfer(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.WriteRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 0)

	enqueue(t, sock, clientEp, &protocol.Ack{BlockNum: 0})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireError(t, sock, clientEp, protocol.ErrorAccessViolation, "Not a write connection")
	require.Equal(t, 1, transfers.Active())
}

func TestWriteTimerResendsAck(t *testing.T) {
	server, sockets, sock := newTestServer(t)
	context := &testContext{}
	transfers := NewTransfers(1)

	enqueue(t, sock, clientEp, &protocol.WriteRequest{Filename: "f", Mode: protocol.ModeOctet})
	require.NoError(t, server.Serve(sockets, context, transfers, start))
	requireAck(t, sock, clientEp, 0)

	require.NoError(t, server.Serve(sockets, context, transfers, start.Add(RetryTimeout)))
	requireAck(t, sock, clientEp, 0)
}
