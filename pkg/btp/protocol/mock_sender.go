package protocol

import (
	"context"
	"sync"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
)

// MockSender keeps every frame it is given, in order.
type MockSender struct {
	lock   sync.Mutex
	frames []*packets.Frame
	notify chan struct{}
	err    error
}

func NewMockSender() *MockSender {
	return &MockSender{
		notify: make(chan struct{}, 1),
	}
}

// SetError makes subsequent sends fail with err (nil to clear).
func (ms *MockSender) SetError(err error) {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.err = err
}

func (ms *MockSender) SendFrame(service byte, opcode byte, index byte, data []byte) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if ms.err != nil {
		return ms.err
	}
	d := make([]byte, len(data))
	copy(d, data)
	ms.frames = append(ms.frames, &packets.Frame{
		Service: service,
		Opcode:  opcode,
		Index:   index,
		Data:    d,
	})
	select {
	case ms.notify <- struct{}{}:
	default:
	}
	return nil
}

func (ms *MockSender) Frames() []*packets.Frame {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	f := make([]*packets.Frame, len(ms.frames))
	copy(f, ms.frames)
	return f
}

func (ms *MockSender) Len() int {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	return len(ms.frames)
}

// Last returns the most recent frame, or nil.
func (ms *MockSender) Last() *packets.Frame {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	if len(ms.frames) == 0 {
		return nil
	}
	return ms.frames[len(ms.frames)-1]
}

func (ms *MockSender) Reset() {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.frames = nil
}

// WaitForFrames blocks until at least n frames have been sent.
func (ms *MockSender) WaitForFrames(ctx context.Context, n int) error {
	for {
		if ms.Len() >= n {
			return nil
		}
		select {
		case <-ms.notify:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
