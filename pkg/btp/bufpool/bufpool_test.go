package bufpool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolExhaustion(t *testing.T) {
	p := NewPool(2, 16)

	b1, err := p.Acquire()
	require.NoError(t, err)
	b2, err := p.Acquire()
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)

	_, err = p.Acquire()
	assert.ErrorIs(t, err, ErrExhausted)

	assert.NoError(t, p.Release(b1))
	b3, err := p.Acquire()
	assert.NoError(t, err)
	assert.Same(t, b1, b3)

	met := p.GetMetrics()
	assert.Equal(t, 2, met.InUse)
	assert.Equal(t, uint64(3), met.Acquired)
	assert.Equal(t, uint64(1), met.Exhausted)
}

func TestPoolRelease(t *testing.T) {
	p := NewPool(1, 16)
	other := NewPool(1, 16)

	b, err := p.Acquire()
	require.NoError(t, err)

	ob, err := other.Acquire()
	require.NoError(t, err)
	assert.ErrorIs(t, p.Release(ob), ErrNotOwned)
	assert.ErrorIs(t, p.Release(nil), ErrNotOwned)

	assert.NoError(t, p.Release(b))
	assert.ErrorIs(t, p.Release(b), ErrDoubleRelease)
	assert.Equal(t, 1, p.GetMetrics().Free)
}

func TestBufferWrite(t *testing.T) {
	p := NewPool(1, 4)
	b, err := p.Acquire()
	require.NoError(t, err)

	n, err := b.Write([]byte{1, 2, 3})
	assert.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = b.Write([]byte{4, 5})
	assert.ErrorIs(t, err, ErrBufferFull)
	assert.Equal(t, []byte{1, 2, 3}, b.Bytes())
	assert.Equal(t, 4, b.Cap())

	// A recycled buffer comes back empty
	assert.NoError(t, p.Release(b))
	b, err = p.Acquire()
	require.NoError(t, err)
	assert.Equal(t, 0, b.Len())
}

func TestPoolConcurrent(t *testing.T) {
	p := NewPool(4, 8)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b, err := p.Acquire()
				if err != nil {
					continue
				}
				_, _ = b.Write([]byte{byte(j)})
				assert.NoError(t, p.Release(b))
			}
		}()
	}
	wg.Wait()

	met := p.GetMetrics()
	assert.Equal(t, 4, met.Free)
	assert.Equal(t, met.Acquired, met.Released)
}
