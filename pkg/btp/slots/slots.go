package slots

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/transport"
)

var ErrNoFreeSlot = errors.New("no free channel slot")
var ErrUnknownChannel = errors.New("unknown channel")
var ErrBadState = errors.New("channel in wrong state")
var ErrBadCapacity = errors.New("capacity must be between 1 and 256")

type State int

const (
	StateFree       = State(0)
	StateConnecting = State(1)
	StateConnected  = State(2)
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

// Channel is a snapshot of one slot. The id doubles as the slot index.
type Channel struct {
	ID    uint8
	State State
	PSM   uint16
	MaxRx int
	Peer  packets.AddressLE
	Chan  transport.Chan
}

type Table struct {
	lock   sync.Mutex
	slots  []Channel
	byChan map[transport.Chan]uint8

	metricAllocations  uint64
	metricAllocFailed  uint64
	metricReleases     uint64
	metricUnknownLooks uint64
}

type Metrics struct {
	Capacity       int
	Free           int
	Connecting     int
	Connected      int
	Allocations    uint64
	AllocFailed    uint64
	Releases       uint64
	UnknownLookups uint64
}

func NewTable(capacity int) (*Table, error) {
	if capacity < 1 || capacity > 256 {
		return nil, ErrBadCapacity
	}
	t := &Table{
		slots:  make([]Channel, capacity),
		byChan: make(map[transport.Chan]uint8),
	}
	for i := range t.slots {
		t.slots[i].ID = uint8(i)
	}
	return t, nil
}

func (t *Table) Capacity() int {
	return len(t.slots)
}

// Allocate reserves the lowest numbered free slot and moves it to Connecting.
func (t *Table) Allocate() (uint8, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	for i := range t.slots {
		if t.slots[i].State != StateFree {
			continue
		}
		t.slots[i] = Channel{
			ID:    uint8(i),
			State: StateConnecting,
		}
		atomic.AddUint64(&t.metricAllocations, 1)
		return uint8(i), nil
	}
	atomic.AddUint64(&t.metricAllocFailed, 1)
	return 0, ErrNoFreeSlot
}

// Bind attaches the transport channel to a reserved slot.
func (t *Table) Bind(id uint8, ch transport.Chan, psm uint16, maxRx int, peer packets.AddressLE) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if int(id) >= len(t.slots) {
		return ErrUnknownChannel
	}
	s := &t.slots[id]
	if s.State != StateConnecting || s.Chan != nil {
		return ErrBadState
	}
	if _, ok := t.byChan[ch]; ok {
		return ErrBadState
	}
	s.Chan = ch
	s.PSM = psm
	s.MaxRx = maxRx
	s.Peer = peer
	t.byChan[ch] = id
	return nil
}

// SetConnected moves a bound slot from Connecting to Connected.
func (t *Table) SetConnected(id uint8) error {
	t.lock.Lock()
	defer t.lock.Unlock()
	if int(id) >= len(t.slots) {
		return ErrUnknownChannel
	}
	s := &t.slots[id]
	if s.State != StateConnecting || s.Chan == nil {
		return ErrBadState
	}
	s.State = StateConnected
	return nil
}

// Release frees the slot and forgets its transport channel.
// Releasing a free slot does nothing.
func (t *Table) Release(id uint8) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if int(id) >= len(t.slots) {
		return
	}
	s := &t.slots[id]
	if s.State == StateFree {
		return
	}
	if s.Chan != nil {
		delete(t.byChan, s.Chan)
	}
	t.slots[id] = Channel{ID: id}
	atomic.AddUint64(&t.metricReleases, 1)
}

// LookupByTransport finds the slot owning ch.
func (t *Table) LookupByTransport(ch transport.Chan) (Channel, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	id, ok := t.byChan[ch]
	if !ok {
		atomic.AddUint64(&t.metricUnknownLooks, 1)
		return Channel{}, ErrUnknownChannel
	}
	return t.slots[id], nil
}

func (t *Table) Get(id uint8) (Channel, error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	if int(id) >= len(t.slots) {
		return Channel{}, ErrUnknownChannel
	}
	return t.slots[id], nil
}

func (t *Table) GetMetrics() *Metrics {
	m := &Metrics{
		Capacity:       len(t.slots),
		Allocations:    atomic.LoadUint64(&t.metricAllocations),
		AllocFailed:    atomic.LoadUint64(&t.metricAllocFailed),
		Releases:       atomic.LoadUint64(&t.metricReleases),
		UnknownLookups: atomic.LoadUint64(&t.metricUnknownLooks),
	}
	t.lock.Lock()
	for _, s := range t.slots {
		switch s.State {
		case StateFree:
			m.Free++
		case StateConnecting:
			m.Connecting++
		case StateConnected:
			m.Connected++
		}
	}
	t.lock.Unlock()
	return m
}
