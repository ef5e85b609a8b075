package sim

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingOps struct {
	lock   sync.Mutex
	pool   *bufpool.Pool
	events []string
	data   [][]byte
}

func (ro *recordingOps) AllocBuffer(ch transport.Chan) (*bufpool.Buffer, error) {
	return ro.pool.Acquire()
}

func (ro *recordingOps) Received(ch transport.Chan, buf *bufpool.Buffer) {
	ro.lock.Lock()
	defer ro.lock.Unlock()
	d := make([]byte, buf.Len())
	copy(d, buf.Bytes())
	ro.data = append(ro.data, d)
	ro.events = append(ro.events, "data")
	_ = ro.pool.Release(buf)
}

func (ro *recordingOps) Connected(ch transport.Chan) {
	ro.lock.Lock()
	defer ro.lock.Unlock()
	ro.events = append(ro.events, "connected")
}

func (ro *recordingOps) Disconnected(ch transport.Chan, reason uint16) {
	ro.lock.Lock()
	defer ro.lock.Unlock()
	ro.events = append(ro.events, "disconnected")
}

func (ro *recordingOps) Events() []string {
	ro.lock.Lock()
	defer ro.lock.Unlock()
	return append([]string{}, ro.events...)
}

func TestSimLifecycle(t *testing.T) {
	tr := New(Options{}, nil)
	addr := packets.AddressLE{Type: packets.AddressRandom, Addr: packets.Address{1, 2, 3, 4, 5, 6}}

	assert.Nil(t, tr.LookupConn(addr))
	tr.AddLEPeer(addr)
	conn := tr.LookupConn(addr)
	require.NotNil(t, conn)

	info, err := conn.Info()
	assert.NoError(t, err)
	assert.Equal(t, transport.LinkLE, info.Type)
	assert.Equal(t, addr, info.LE.Dst)

	ops := &recordingOps{pool: bufpool.NewPool(1, 8)}
	ch, err := tr.Connect(conn, 0x80, ops, 8)
	require.NoError(t, err)
	sc := ch.(*Chan)
	assert.Equal(t, uint16(0x80), sc.PSM())

	// No data before the channel is up
	assert.ErrorIs(t, sc.Deliver([]byte{1}), transport.ErrNotConnected)

	assert.NoError(t, sc.Establish())
	assert.NoError(t, sc.Deliver([]byte{1, 2, 3}))
	assert.ErrorIs(t, sc.Deliver(make([]byte, 9)), ErrTooLarge)
	assert.NoError(t, sc.Disconnect(0x13))
	assert.ErrorIs(t, sc.Disconnect(0x13), ErrClosed)
	assert.ErrorIs(t, sc.Establish(), ErrClosed)

	assert.Equal(t, []string{"connected", "data", "disconnected"}, ops.Events())
	assert.Equal(t, [][]byte{{1, 2, 3}}, ops.data)
}

func TestSimRefuse(t *testing.T) {
	tr := New(Options{}, nil)
	conn := tr.AddBRPeer(packets.Address{6, 5, 4, 3, 2, 1})

	info, err := conn.Info()
	assert.NoError(t, err)
	assert.Equal(t, transport.LinkBR, info.Type)

	tr.SetRefuse(transport.ErrRefused)
	_, err = tr.Connect(conn, 0x80, &recordingOps{}, 8)
	assert.ErrorIs(t, err, transport.ErrRefused)

	tr.SetRefuse(nil)
	_, err = tr.Connect(conn, 0x80, &recordingOps{}, 8)
	assert.NoError(t, err)
	assert.Equal(t, 1, len(tr.Channels()))

	_, err = tr.Connect(nil, 0x80, &recordingOps{}, 8)
	assert.ErrorIs(t, err, transport.ErrNotConnected)

	conn.SetInfoError(errors.New("gone"))
	_, err = conn.Info()
	assert.Error(t, err)
}

func TestSimAutoEstablish(t *testing.T) {
	tr := New(Options{AutoEstablish: time.Millisecond}, nil)
	addr := packets.AddressLE{Addr: packets.Address{1, 1, 1, 1, 1, 1}}
	conn := tr.AddLEPeer(addr)

	ops := &recordingOps{pool: bufpool.NewPool(1, 8)}
	_, err := tr.Connect(conn, 0x25, ops, 8)
	require.NoError(t, err)

	tr.Wait()
	assert.Equal(t, []string{"connected"}, ops.Events())
}
