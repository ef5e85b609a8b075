package protocol

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/logging/types"
)

var ErrClosed = errors.New("protocol closed")

type RW struct {
	ctx          context.Context
	r            io.Reader
	w            io.Writer
	wLock        sync.Mutex
	handlers     map[byte]Handler
	handlersLock sync.Mutex
	hooks        []FrameHook
	hooksLock    sync.Mutex
	log          types.Logger

	metricFramesSent    uint64
	metricDataSent      uint64
	metricFramesRecv    uint64
	metricDataRecv      uint64
	metricWriteErrors   uint64
	metricUnknownFrames uint64
}

type Metrics struct {
	FramesSent    uint64
	DataSent      uint64
	FramesRecv    uint64
	DataRecv      uint64
	WriteErrors   uint64
	UnknownFrames uint64
}

func NewRW(ctx context.Context, r io.Reader, w io.Writer, log types.Logger) *RW {
	return &RW{
		ctx:      ctx,
		r:        r,
		w:        w,
		handlers: make(map[byte]Handler),
		log:      log,
	}
}

func (p *RW) GetMetrics() *Metrics {
	return &Metrics{
		FramesSent:    atomic.LoadUint64(&p.metricFramesSent),
		DataSent:      atomic.LoadUint64(&p.metricDataSent),
		FramesRecv:    atomic.LoadUint64(&p.metricFramesRecv),
		DataRecv:      atomic.LoadUint64(&p.metricDataRecv),
		WriteErrors:   atomic.LoadUint64(&p.metricWriteErrors),
		UnknownFrames: atomic.LoadUint64(&p.metricUnknownFrames),
	}
}

// Register routes all commands for service to h.
func (p *RW) Register(service byte, h Handler) {
	p.handlersLock.Lock()
	defer p.handlersLock.Unlock()
	p.handlers[service] = h
}

func (p *RW) AddHook(hook FrameHook) {
	p.hooksLock.Lock()
	defer p.hooksLock.Unlock()
	p.hooks = append(p.hooks, hook)
}

func (p *RW) runHooks(dir Direction, frame []byte) {
	p.hooksLock.Lock()
	hooks := p.hooks
	p.hooksLock.Unlock()
	for _, h := range hooks {
		h(dir, frame)
	}
}

// SendFrame encodes and writes a single frame.
func (p *RW) SendFrame(service byte, opcode byte, index byte, data []byte) error {
	if p.ctx.Err() != nil {
		return ErrClosed
	}
	buffer, err := packets.EncodeFrame(&packets.Frame{
		Service: service,
		Opcode:  opcode,
		Index:   index,
		Data:    data,
	})
	if err != nil {
		return err
	}

	p.wLock.Lock()
	defer p.wLock.Unlock()

	_, err = p.w.Write(buffer)
	if err != nil {
		atomic.AddUint64(&p.metricWriteErrors, 1)
		return err
	}
	atomic.AddUint64(&p.metricFramesSent, 1)
	atomic.AddUint64(&p.metricDataSent, uint64(len(data)))

	p.runHooks(DirectionOut, buffer)
	return nil
}

func (p *RW) readFrame() ([]byte, error) {
	header := make([]byte, packets.HeaderSize)
	_, err := io.ReadFull(p.r, header)
	if err != nil {
		return nil, err
	}
	h, err := packets.DecodeHeader(header)
	if err != nil {
		return nil, err
	}

	buffer := make([]byte, packets.HeaderSize+int(h.Length))
	copy(buffer, header)
	_, err = io.ReadFull(p.r, buffer[packets.HeaderSize:])
	if err != nil {
		return nil, err
	}
	return buffer, nil
}

// Handle reads frames until the reader fails or the context is cancelled.
// Commands are dispatched one at a time, in arrival order.
func (p *RW) Handle() error {
	var readErr error
	frames := make(chan []byte, 8)

	go func() {
		defer close(frames)
		for {
			f, err := p.readFrame()
			if err != nil {
				readErr = err
				return
			}
			select {
			case frames <- f:
			case <-p.ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return p.ctx.Err()
		case f, ok := <-frames:
			if !ok {
				// Closing the reader is how callers unblock us on cancel
				if readErr == nil || p.ctx.Err() != nil {
					return p.ctx.Err()
				}
				return readErr
			}
			p.dispatch(f)
		}
	}
}

func (p *RW) dispatch(buffer []byte) {
	atomic.AddUint64(&p.metricFramesRecv, 1)
	atomic.AddUint64(&p.metricDataRecv, uint64(len(buffer)-packets.HeaderSize))
	p.runHooks(DirectionIn, buffer)

	f, err := packets.DecodeFrame(buffer)
	if err != nil {
		// readFrame only hands over complete frames
		return
	}

	// Event opcodes are just unknown commands on the way in; the handler answers them.
	p.handlersLock.Lock()
	h, ok := p.handlers[f.Service]
	p.handlersLock.Unlock()

	if !ok {
		atomic.AddUint64(&p.metricUnknownFrames, 1)
		if p.log != nil {
			p.log.Debug().Int("service", int(f.Service)).Int("opcode", int(f.Opcode)).Msg("no handler for service")
		}
		err = p.SendFrame(f.Service, packets.OpcodeStatus, f.Index, packets.EncodeStatus(packets.StatusUnknownCommand))
		if err != nil && p.log != nil {
			p.log.Error().Err(err).Msg("could not send status")
		}
		return
	}
	h.HandleCommand(f.Opcode, f.Index, f.Data)
}
