package bufpool

import (
	"errors"
	"sync"
	"sync/atomic"
)

var ErrExhausted = errors.New("no free buffer")
var ErrBufferFull = errors.New("buffer full")
var ErrNotOwned = errors.New("buffer not owned by pool")
var ErrDoubleRelease = errors.New("buffer already released")

// Buffer is a fixed capacity receive buffer on loan from a Pool.
type Buffer struct {
	pool  *Pool
	data  []byte
	n     int
	inUse bool
}

func (b *Buffer) Bytes() []byte {
	return b.data[:b.n]
}

func (b *Buffer) Len() int {
	return b.n
}

func (b *Buffer) Cap() int {
	return len(b.data)
}

func (b *Buffer) Reset() {
	b.n = 0
}

// Write appends p. Nothing is written if p would overflow the buffer.
func (b *Buffer) Write(p []byte) (int, error) {
	if b.n+len(p) > len(b.data) {
		return 0, ErrBufferFull
	}
	copy(b.data[b.n:], p)
	b.n += len(p)
	return len(p), nil
}

// Pool hands out a fixed number of equally sized buffers. It never grows.
type Pool struct {
	lock    sync.Mutex
	size    int
	buffers []*Buffer
	free    []*Buffer

	metricAcquired  uint64
	metricReleased  uint64
	metricExhausted uint64
}

type Metrics struct {
	Size      int
	Count     int
	Free      int
	InUse     int
	Acquired  uint64
	Released  uint64
	Exhausted uint64
}

func NewPool(count int, size int) *Pool {
	p := &Pool{
		size:    size,
		buffers: make([]*Buffer, count),
		free:    make([]*Buffer, 0, count),
	}
	for i := 0; i < count; i++ {
		b := &Buffer{
			pool: p,
			data: make([]byte, size),
		}
		p.buffers[i] = b
		p.free = append(p.free, b)
	}
	return p
}

func (p *Pool) Size() int {
	return p.size
}

// Acquire never blocks. If every buffer is on loan it returns ErrExhausted.
func (p *Pool) Acquire() (*Buffer, error) {
	p.lock.Lock()
	defer p.lock.Unlock()
	if len(p.free) == 0 {
		atomic.AddUint64(&p.metricExhausted, 1)
		return nil, ErrExhausted
	}
	b := p.free[len(p.free)-1]
	p.free = p.free[:len(p.free)-1]
	b.inUse = true
	b.n = 0
	atomic.AddUint64(&p.metricAcquired, 1)
	return b, nil
}

func (p *Pool) Release(b *Buffer) error {
	if b == nil || b.pool != p {
		return ErrNotOwned
	}
	p.lock.Lock()
	defer p.lock.Unlock()
	if !b.inUse {
		return ErrDoubleRelease
	}
	b.inUse = false
	b.n = 0
	p.free = append(p.free, b)
	atomic.AddUint64(&p.metricReleased, 1)
	return nil
}

func (p *Pool) GetMetrics() *Metrics {
	p.lock.Lock()
	free := len(p.free)
	p.lock.Unlock()
	return &Metrics{
		Size:      p.size,
		Count:     len(p.buffers),
		Free:      free,
		InUse:     len(p.buffers) - free,
		Acquired:  atomic.LoadUint64(&p.metricAcquired),
		Released:  atomic.LoadUint64(&p.metricReleased),
		Exhausted: atomic.LoadUint64(&p.metricExhausted),
	}
}
