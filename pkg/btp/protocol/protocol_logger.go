package protocol

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/logging/types"
)

// Logger wraps a Sender and traces every frame that goes through it.
type Logger struct {
	name   string
	sender Sender
	log    types.Logger

	metricTotalFrames  uint64
	metricTotalErrors  uint64
	metricByOpcodeLock sync.Mutex
	metricByOpcode     map[byte]uint64
}

func NewLogger(name string, sender Sender, log types.Logger) *Logger {
	return &Logger{
		name:           name,
		sender:         sender,
		log:            log,
		metricByOpcode: make(map[byte]uint64),
	}
}

type LoggerMetrics struct {
	TotalFrames uint64
	TotalErrors uint64
	ByOpcode    map[byte]uint64
}

func (m *LoggerMetrics) String() string {
	return fmt.Sprintf("LoggerMetrics(frames %d errors %d opcodes %v)", m.TotalFrames, m.TotalErrors, m.ByOpcode)
}

func (pl *Logger) GetMetrics() *LoggerMetrics {
	byOpcode := make(map[byte]uint64)
	pl.metricByOpcodeLock.Lock()
	for op, v := range pl.metricByOpcode {
		byOpcode[op] = v
	}
	pl.metricByOpcodeLock.Unlock()

	return &LoggerMetrics{
		TotalFrames: atomic.LoadUint64(&pl.metricTotalFrames),
		TotalErrors: atomic.LoadUint64(&pl.metricTotalErrors),
		ByOpcode:    byOpcode,
	}
}

func (pl *Logger) SendFrame(service byte, opcode byte, index byte, data []byte) error {
	if pl.log != nil {
		pl.log.Trace().
			Str("name", pl.name).
			Int("service", int(service)).
			Str("opcode", packets.L2CAPOpcodeString(opcode)).
			Int("index", int(index)).
			Int("length", len(data)).
			Msg("protocol.SendFrame")
	}

	err := pl.sender.SendFrame(service, opcode, index, data)

	atomic.AddUint64(&pl.metricTotalFrames, 1)
	pl.metricByOpcodeLock.Lock()
	pl.metricByOpcode[opcode]++
	pl.metricByOpcodeLock.Unlock()

	if err != nil {
		atomic.AddUint64(&pl.metricTotalErrors, 1)
		if pl.log != nil {
			pl.log.Error().Str("name", pl.name).Err(err).Msg("protocol.SendFrame failed")
		}
	}
	return err
}
