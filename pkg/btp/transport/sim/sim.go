package sim

import (
	"errors"
	"sync"
	"time"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/transport"
	"github.com/loopholelabs/logging/types"
)

var ErrTooLarge = errors.New("sdu larger than receive mtu")
var ErrClosed = errors.New("channel closed")

type chanState int

const (
	chanConnecting = chanState(0)
	chanConnected  = chanState(1)
	chanClosed     = chanState(2)
)

// Conn is a simulated ACL link.
type Conn struct {
	lock    sync.Mutex
	info    transport.ConnInfo
	infoErr error
}

func (c *Conn) Info() (*transport.ConnInfo, error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.infoErr != nil {
		return nil, c.infoErr
	}
	info := c.info
	return &info, nil
}

// SetInfoError makes Info fail, nil restores it.
func (c *Conn) SetInfoError(err error) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.infoErr = err
}

// Chan is a simulated channel. Its callbacks run on the caller's goroutine.
type Chan struct {
	lock  sync.Mutex
	conn  *Conn
	psm   uint16
	ops   transport.ChanOps
	maxRx int
	state chanState
}

func (c *Chan) Conn() transport.Conn {
	return c.conn
}

func (c *Chan) PSM() uint16 {
	return c.psm
}

func (c *Chan) MaxRx() int {
	return c.maxRx
}

// Establish reports the channel as connected.
func (c *Chan) Establish() error {
	c.lock.Lock()
	if c.state != chanConnecting {
		c.lock.Unlock()
		return ErrClosed
	}
	c.state = chanConnected
	c.lock.Unlock()
	c.ops.Connected(c)
	return nil
}

// Disconnect tears the channel down with the given reason.
func (c *Chan) Disconnect(reason uint16) error {
	c.lock.Lock()
	if c.state == chanClosed {
		c.lock.Unlock()
		return ErrClosed
	}
	c.state = chanClosed
	c.lock.Unlock()
	c.ops.Disconnected(c, reason)
	return nil
}

// Deliver hands one SDU to the channel owner. If no receive buffer is
// available the SDU is dropped and the allocation error returned.
func (c *Chan) Deliver(data []byte) error {
	c.lock.Lock()
	if c.state != chanConnected {
		c.lock.Unlock()
		return transport.ErrNotConnected
	}
	c.lock.Unlock()

	if len(data) > c.maxRx {
		return ErrTooLarge
	}
	buf, err := c.ops.AllocBuffer(c)
	if err != nil {
		return err
	}
	n := len(data)
	if n > buf.Cap() {
		n = buf.Cap()
	}
	_, _ = buf.Write(data[:n])
	c.ops.Received(c, buf)
	return nil
}

type Options struct {
	// AutoEstablish fires Connected this long after a successful Connect. Zero disables it.
	AutoEstablish time.Duration
}

type Transport struct {
	lock    sync.Mutex
	opts    Options
	log     types.Logger
	peers   map[packets.AddressLE]*Conn
	chans   []*Chan
	refuse  error
	pending sync.WaitGroup
}

func New(opts Options, log types.Logger) *Transport {
	return &Transport{
		opts:  opts,
		log:   log,
		peers: make(map[packets.AddressLE]*Conn),
	}
}

// AddLEPeer creates a connected LE link to addr.
func (t *Transport) AddLEPeer(addr packets.AddressLE) *Conn {
	c := &Conn{info: transport.ConnInfo{
		Type: transport.LinkLE,
		LE:   transport.LEInfo{Dst: addr},
	}}
	t.lock.Lock()
	t.peers[addr] = c
	t.lock.Unlock()
	return c
}

// AddBRPeer creates a connected BR/EDR link to addr. It is looked up as a public address.
func (t *Transport) AddBRPeer(addr packets.Address) *Conn {
	c := &Conn{info: transport.ConnInfo{
		Type: transport.LinkBR,
		BR:   transport.BRInfo{Dst: addr},
	}}
	t.lock.Lock()
	t.peers[packets.AddressLE{Type: packets.AddressPublic, Addr: addr}] = c
	t.lock.Unlock()
	return c
}

func (t *Transport) RemovePeer(addr packets.AddressLE) {
	t.lock.Lock()
	defer t.lock.Unlock()
	delete(t.peers, addr)
}

// SetRefuse makes Connect fail with err until cleared with nil.
func (t *Transport) SetRefuse(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.refuse = err
}

func (t *Transport) LookupConn(addr packets.AddressLE) transport.Conn {
	t.lock.Lock()
	defer t.lock.Unlock()
	c, ok := t.peers[addr]
	if !ok {
		return nil
	}
	return c
}

func (t *Transport) Connect(conn transport.Conn, psm uint16, ops transport.ChanOps, maxRx int) (transport.Chan, error) {
	sc, ok := conn.(*Conn)
	if !ok || sc == nil {
		return nil, transport.ErrNotConnected
	}

	t.lock.Lock()
	if t.refuse != nil {
		err := t.refuse
		t.lock.Unlock()
		return nil, err
	}
	ch := &Chan{
		conn:  sc,
		psm:   psm,
		ops:   ops,
		maxRx: maxRx,
		state: chanConnecting,
	}
	t.chans = append(t.chans, ch)
	t.lock.Unlock()

	if t.log != nil {
		t.log.Debug().Int("psm", int(psm)).Int("maxRx", maxRx).Msg("sim connect submitted")
	}

	if t.opts.AutoEstablish > 0 {
		t.pending.Add(1)
		go func() {
			defer t.pending.Done()
			time.Sleep(t.opts.AutoEstablish)
			_ = ch.Establish()
		}()
	}
	return ch, nil
}

// Channels lists every channel ever created, oldest first.
func (t *Transport) Channels() []*Chan {
	t.lock.Lock()
	defer t.lock.Unlock()
	c := make([]*Chan, len(t.chans))
	copy(c, t.chans)
	return c
}

// Wait blocks until pending automatic callbacks have fired.
func (t *Transport) Wait() {
	t.pending.Wait()
}
