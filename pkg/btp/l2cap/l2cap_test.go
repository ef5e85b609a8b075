package l2cap

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/protocol"
	"github.com/loopholelabs/bttester/pkg/btp/slots"
	"github.com/loopholelabs/bttester/pkg/btp/transport"
	"github.com/loopholelabs/bttester/pkg/btp/transport/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPeer = packets.AddressLE{
	Type: packets.AddressRandom,
	Addr: packets.Address{0x11, 0x22, 0x33, 0x44, 0x55, 0x66},
}

type testSetup struct {
	svc   *Service
	ms    *protocol.MockSender
	tr    *sim.Transport
	table *slots.Table
	pool  *bufpool.Pool
}

func setup(t *testing.T, capacity int, buffers int) *testSetup {
	table, err := slots.NewTable(capacity)
	require.NoError(t, err)
	ts := &testSetup{
		ms:    protocol.NewMockSender(),
		tr:    sim.New(sim.Options{}, nil),
		table: table,
		pool:  bufpool.NewPool(buffers, DefaultMTU),
	}
	ts.svc = NewService(ts.ms, ts.tr, ts.table, ts.pool, DefaultConfig(), nil)
	ts.tr.AddLEPeer(testPeer)
	return ts
}

func connectCmd(addr packets.AddressLE, psm uint16) []byte {
	return packets.EncodeL2CAPConnect(&packets.L2CAPConnectCommand{Address: addr, PSM: psm})
}

// connect issues a Connect and returns the allocated id and simulated channel.
func (ts *testSetup) connect(t *testing.T, psm uint16) (uint8, *sim.Chan) {
	ts.svc.HandleCommand(packets.L2CAPConnect, 0, connectCmd(testPeer, psm))
	f := ts.ms.Last()
	require.NotNil(t, f)
	require.Equal(t, packets.L2CAPConnect, f.Opcode)
	id, err := packets.DecodeL2CAPConnectResponse(f.Data)
	require.NoError(t, err)
	chans := ts.tr.Channels()
	return id, chans[len(chans)-1]
}

func assertStatus(t *testing.T, f *packets.Frame, status packets.Status) {
	require.NotNil(t, f)
	assert.Equal(t, packets.ServiceL2CAP, f.Service)
	assert.Equal(t, packets.OpcodeStatus, f.Opcode)
	s, err := packets.DecodeStatus(f.Data)
	assert.NoError(t, err)
	assert.Equal(t, status, s)
}

func TestReadSupportedCommands(t *testing.T) {
	ts := setup(t, 1, 1)

	ts.svc.HandleCommand(packets.L2CAPReadSupportedCommands, 0, nil)

	assert.Equal(t, 1, ts.ms.Len())
	f := ts.ms.Last()
	assert.Equal(t, packets.L2CAPReadSupportedCommands, f.Opcode)
	assert.Equal(t, []byte{0x06}, f.Data)

	for op := 0; op < 8; op++ {
		want := byte(op) == packets.L2CAPReadSupportedCommands || byte(op) == packets.L2CAPConnect
		assert.Equal(t, want, packets.HasBit(f.Data, byte(op)), "opcode %d", op)
	}

	// Pure query
	assert.Equal(t, 1, ts.table.GetMetrics().Free)
}

func TestUnknownCommand(t *testing.T) {
	ts := setup(t, 1, 1)

	for _, op := range []byte{0x00, 0x03, 0x04, 0x05, 0x7f, 0x81} {
		ts.svc.HandleCommand(op, 0, []byte{1, 2, 3})
		assertStatus(t, ts.ms.Last(), packets.StatusUnknownCommand)
	}
	assert.Equal(t, 6, ts.ms.Len())
	assert.Equal(t, uint64(6), ts.svc.GetMetrics().UnknownCommands)
}

func TestConnectScenario(t *testing.T) {
	ts := setup(t, 1, 1)

	id, ch := ts.connect(t, 0x80)
	assert.Equal(t, uint8(0), id)
	assert.Equal(t, uint16(0x80), ch.PSM())
	assert.Equal(t, DefaultMTU, ch.MaxRx())

	// Slot is taken
	ts.svc.HandleCommand(packets.L2CAPConnect, 0, connectCmd(testPeer, 0x80))
	assertStatus(t, ts.ms.Last(), packets.StatusFailed)

	require.NoError(t, ch.Disconnect(0x13))
	f := ts.ms.Last()
	assert.Equal(t, packets.L2CAPEventDisconnected, f.Opcode)
	ev, err := packets.DecodeL2CAPDisconnectedEvent(f.Data)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), ev.ChanID)
	assert.Equal(t, uint16(0x13), ev.Result)
	assert.Equal(t, uint16(0x80), ev.PSM)
	assert.Equal(t, testPeer, ev.Address)

	c, err := ts.table.Get(0)
	assert.NoError(t, err)
	assert.Equal(t, slots.StateFree, c.State)

	id, _ = ts.connect(t, 0x80)
	assert.Equal(t, uint8(0), id)
}

func TestConnectFailures(t *testing.T) {
	ts := setup(t, 2, 1)

	// Malformed
	ts.svc.HandleCommand(packets.L2CAPConnect, 0, []byte{1, 2})
	assertStatus(t, ts.ms.Last(), packets.StatusFailed)

	// Unknown peer
	other := packets.AddressLE{Addr: packets.Address{9, 9, 9, 9, 9, 9}}
	ts.svc.HandleCommand(packets.L2CAPConnect, 0, connectCmd(other, 0x80))
	assertStatus(t, ts.ms.Last(), packets.StatusFailed)

	// Transport refuses, the slot must not leak
	ts.tr.SetRefuse(transport.ErrRefused)
	ts.svc.HandleCommand(packets.L2CAPConnect, 0, connectCmd(testPeer, 0x80))
	assertStatus(t, ts.ms.Last(), packets.StatusFailed)
	assert.Equal(t, 2, ts.table.GetMetrics().Free)

	ts.tr.SetRefuse(nil)
	id, _ := ts.connect(t, 0x80)
	assert.Equal(t, uint8(0), id)

	met := ts.svc.GetMetrics()
	assert.Equal(t, uint64(3), met.ConnectFailures)
	assert.Equal(t, uint64(1), met.Connects)
	assert.Equal(t, uint64(4), met.Commands)
}

func TestEventOrder(t *testing.T) {
	ts := setup(t, 1, 2)
	id, ch := ts.connect(t, 0x25)
	ts.ms.Reset()

	require.NoError(t, ch.Establish())
	for i := 0; i < 5; i++ {
		require.NoError(t, ch.Deliver([]byte(fmt.Sprintf("sdu-%d", i))))
	}
	require.NoError(t, ch.Disconnect(0))

	frames := ts.ms.Frames()
	require.Equal(t, 7, len(frames))

	assert.Equal(t, packets.L2CAPEventConnected, frames[0].Opcode)
	ce, err := packets.DecodeL2CAPConnectedEvent(frames[0].Data)
	require.NoError(t, err)
	assert.Equal(t, id, ce.ChanID)
	assert.Equal(t, uint16(0x25), ce.PSM)
	assert.Equal(t, testPeer, ce.Address)

	for i := 0; i < 5; i++ {
		f := frames[1+i]
		assert.Equal(t, packets.L2CAPEventDataReceived, f.Opcode)
		de, err := packets.DecodeL2CAPDataReceivedEvent(f.Data)
		require.NoError(t, err)
		assert.Equal(t, id, de.ChanID)
		assert.Equal(t, []byte(fmt.Sprintf("sdu-%d", i)), de.Data)
	}
	assert.Equal(t, packets.L2CAPEventDisconnected, frames[6].Opcode)

	// Buffers all came back
	assert.Equal(t, 2, ts.pool.GetMetrics().Free)
}

func TestDataReceived(t *testing.T) {
	ts := setup(t, 1, 1)
	_, ch := ts.connect(t, 0x80)
	require.NoError(t, ch.Establish())
	ts.ms.Reset()

	data := make([]byte, DefaultMTU)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, ch.Deliver(data))

	assert.Equal(t, 1, ts.ms.Len())
	f := ts.ms.Last()
	ev, err := packets.DecodeL2CAPDataReceivedEvent(f.Data)
	require.NoError(t, err)
	assert.Equal(t, len(data), len(ev.Data))
	assert.Equal(t, data, ev.Data)
	assert.Equal(t, uint16(len(data)), uint16(f.Data[1])|uint16(f.Data[2])<<8)

	// Single buffer pool, so this only works if it was released
	require.NoError(t, ch.Deliver([]byte{1}))
	assert.Equal(t, 2, ts.ms.Len())
}

func TestBufferExhausted(t *testing.T) {
	ts := setup(t, 1, 1)
	_, ch := ts.connect(t, 0x80)
	require.NoError(t, ch.Establish())
	ts.ms.Reset()

	held, err := ts.pool.Acquire()
	require.NoError(t, err)

	err = ch.Deliver([]byte{1, 2, 3})
	assert.ErrorIs(t, err, bufpool.ErrExhausted)
	assert.Equal(t, 0, ts.ms.Len())
	assert.Equal(t, uint64(1), ts.svc.GetMetrics().BufferExhausted)

	require.NoError(t, ts.pool.Release(held))
	assert.NoError(t, ch.Deliver([]byte{1, 2, 3}))
	assert.Equal(t, 1, ts.ms.Len())
}

func TestStaleCallbacks(t *testing.T) {
	ts := setup(t, 1, 1)
	_, ch := ts.connect(t, 0x80)
	ops := &channel{svc: ts.svc, id: 0}

	// Data before the channel is up is not reported
	buf, err := ops.AllocBuffer(ch)
	require.NoError(t, err)
	ops.Received(ch, buf)
	assert.Equal(t, 1, ts.ms.Len())

	require.NoError(t, ch.Disconnect(0))
	assert.Equal(t, 2, ts.ms.Len())

	// After the disconnect the handle belongs to nobody
	ops.Connected(ch)
	ops.Disconnected(ch, 0)
	buf, err = ops.AllocBuffer(ch)
	require.NoError(t, err)
	ops.Received(ch, buf)

	assert.Equal(t, 2, ts.ms.Len())
	assert.Equal(t, uint64(4), ts.svc.GetMetrics().DroppedCallbacks)
	assert.Equal(t, 1, ts.pool.GetMetrics().Free)

	// A callback through the wrong slot's ops is rejected too
	_, ch2 := ts.connect(t, 0x80)
	wrong := &channel{svc: ts.svc, id: 5}
	wrong.Connected(ch2)
	c, err := ts.table.Get(0)
	assert.NoError(t, err)
	assert.Equal(t, slots.StateConnecting, c.State)
}

func TestConnInfo(t *testing.T) {
	ts := setup(t, 2, 1)

	br := packets.Address{0xa0, 0xa1, 0xa2, 0xa3, 0xa4, 0xa5}
	ts.tr.AddBRPeer(br)

	ts.svc.HandleCommand(packets.L2CAPConnect, 0, connectCmd(packets.AddressLE{Type: packets.AddressPublic, Addr: br}, 0x1001))
	id, err := packets.DecodeL2CAPConnectResponse(ts.ms.Last().Data)
	require.NoError(t, err)
	assert.Equal(t, uint8(0), id)

	chans := ts.tr.Channels()
	require.NoError(t, chans[0].Establish())
	ev, err := packets.DecodeL2CAPConnectedEvent(ts.ms.Last().Data)
	require.NoError(t, err)
	assert.Equal(t, br, ev.Address.Addr)
	assert.Equal(t, packets.AddressPublic, ev.Address.Type)

	// Info failing still produces the event, with a zero address
	conn := ts.tr.LookupConn(testPeer).(*sim.Conn)
	conn.SetInfoError(errors.New("link gone"))
	id, ch := ts.connect(t, 0x80)
	assert.Equal(t, uint8(1), id)
	require.NoError(t, ch.Establish())

	f := ts.ms.Last()
	assert.Equal(t, packets.L2CAPEventConnected, f.Opcode)
	ev, err = packets.DecodeL2CAPConnectedEvent(f.Data)
	require.NoError(t, err)
	assert.Equal(t, uint8(1), ev.ChanID)
	assert.Equal(t, packets.AddressLE{}, ev.Address)
}

func TestSendErrorContained(t *testing.T) {
	ts := setup(t, 1, 1)
	ts.ms.SetError(errors.New("link down"))

	ts.svc.HandleCommand(packets.L2CAPReadSupportedCommands, 0, nil)
	ts.svc.HandleCommand(0x42, 0, nil)
	assert.Equal(t, uint64(2), ts.svc.GetMetrics().SendErrors)
}

func TestConcurrentChannels(t *testing.T) {
	capacity := 4
	ts := setup(t, capacity, 2)

	chans := make(map[uint8]*sim.Chan)
	for i := 0; i < capacity; i++ {
		id, ch := ts.connect(t, 0x80)
		chans[id] = ch
	}
	assert.Equal(t, capacity, len(chans))
	ts.ms.Reset()

	var wg sync.WaitGroup
	for _, ch := range chans {
		wg.Add(1)
		go func(ch *sim.Chan) {
			defer wg.Done()
			assert.NoError(t, ch.Establish())
			for i := 0; i < 20; i++ {
				// The pool is smaller than the number of channels
				for ch.Deliver([]byte{byte(i)}) != nil {
				}
			}
			assert.NoError(t, ch.Disconnect(0))
		}(ch)
	}
	wg.Wait()

	// Per channel: connected, 0..19 in order, disconnected
	next := make(map[uint8]int)
	for _, f := range ts.ms.Frames() {
		switch f.Opcode {
		case packets.L2CAPEventConnected:
			ev, err := packets.DecodeL2CAPConnectedEvent(f.Data)
			require.NoError(t, err)
			assert.Equal(t, 0, next[ev.ChanID])
			next[ev.ChanID] = 1
		case packets.L2CAPEventDataReceived:
			ev, err := packets.DecodeL2CAPDataReceivedEvent(f.Data)
			require.NoError(t, err)
			assert.Equal(t, []byte{byte(next[ev.ChanID] - 1)}, ev.Data)
			next[ev.ChanID]++
		case packets.L2CAPEventDisconnected:
			ev, err := packets.DecodeL2CAPDisconnectedEvent(f.Data)
			require.NoError(t, err)
			assert.Equal(t, 21, next[ev.ChanID])
			next[ev.ChanID] = -1
		}
	}
	for id := range chans {
		assert.Equal(t, -1, next[id])
	}
	assert.Equal(t, capacity, ts.table.GetMetrics().Free)
}

func TestDataReceivedCappedAtMTU(t *testing.T) {
	table, err := slots.NewTable(1)
	require.NoError(t, err)
	ts := &testSetup{
		ms:    protocol.NewMockSender(),
		tr:    sim.New(sim.Options{}, nil),
		table: table,
		pool:  bufpool.NewPool(1, DefaultMTU+32),
	}
	ts.svc = NewService(ts.ms, ts.tr, ts.table, ts.pool, DefaultConfig(), nil)
	ts.tr.AddLEPeer(testPeer)

	id, ch := ts.connect(t, 0x80)
	require.NoError(t, ch.Establish())
	frames := ts.ms.Len()

	// The transport hands over more than the advertised receive size
	sdu := make([]byte, DefaultMTU+32)
	for i := range sdu {
		sdu[i] = byte(i)
	}
	ops := &channel{svc: ts.svc, id: id}
	buf, err := ops.AllocBuffer(ch)
	require.NoError(t, err)
	_, err = buf.Write(sdu)
	require.NoError(t, err)
	ops.Received(ch, buf)

	require.Equal(t, frames+1, ts.ms.Len())
	f := ts.ms.Last()
	assert.Equal(t, packets.L2CAPEventDataReceived, f.Opcode)
	assert.Equal(t, DefaultMTU, int(f.Data[1])|int(f.Data[2])<<8)

	ev, err := packets.DecodeL2CAPDataReceivedEvent(f.Data)
	require.NoError(t, err)
	assert.Equal(t, id, ev.ChanID)
	assert.Equal(t, sdu[:DefaultMTU], ev.Data)
	assert.Equal(t, 1, ts.pool.GetMetrics().Free)
}
