package l2cap

import (
	"sync"
	"sync/atomic"

	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/protocol"
	"github.com/loopholelabs/bttester/pkg/btp/slots"
	"github.com/loopholelabs/bttester/pkg/btp/transport"
	"github.com/loopholelabs/logging/types"
)

const DefaultIndex = 0
const DefaultMTU = 230

type Config struct {
	// Index is the controller index reported in responses and events.
	Index byte
	// MTU is the receive size advertised to the transport on connect.
	MTU int
}

func DefaultConfig() *Config {
	return &Config{
		Index: DefaultIndex,
		MTU:   DefaultMTU,
	}
}

// Service answers L2CAP commands from the test controller and turns
// transport callbacks into events.
//
// Commands and callbacks are processed one at a time under a single lock,
// so events for a channel leave in the order the transport raised them.
type Service struct {
	lock   sync.Mutex
	sender protocol.Sender
	tr     transport.Transport
	table  *slots.Table
	pool   *bufpool.Pool
	config *Config
	log    types.Logger

	metricCommands           uint64
	metricUnknownCommands    uint64
	metricConnects           uint64
	metricConnectFailures    uint64
	metricEventsConnected    uint64
	metricEventsDisconnected uint64
	metricEventsData         uint64
	metricDataBytes          uint64
	metricDroppedCallbacks   uint64
	metricBufferExhausted    uint64
	metricSendErrors         uint64
}

type Metrics struct {
	Commands           uint64
	UnknownCommands    uint64
	Connects           uint64
	ConnectFailures    uint64
	EventsConnected    uint64
	EventsDisconnected uint64
	EventsData         uint64
	DataBytes          uint64
	DroppedCallbacks   uint64
	BufferExhausted    uint64
	SendErrors         uint64
}

func NewService(sender protocol.Sender, tr transport.Transport, table *slots.Table, pool *bufpool.Pool, config *Config, log types.Logger) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	return &Service{
		sender: sender,
		tr:     tr,
		table:  table,
		pool:   pool,
		config: config,
		log:    log,
	}
}

func (s *Service) GetMetrics() *Metrics {
	return &Metrics{
		Commands:           atomic.LoadUint64(&s.metricCommands),
		UnknownCommands:    atomic.LoadUint64(&s.metricUnknownCommands),
		Connects:           atomic.LoadUint64(&s.metricConnects),
		ConnectFailures:    atomic.LoadUint64(&s.metricConnectFailures),
		EventsConnected:    atomic.LoadUint64(&s.metricEventsConnected),
		EventsDisconnected: atomic.LoadUint64(&s.metricEventsDisconnected),
		EventsData:         atomic.LoadUint64(&s.metricEventsData),
		DataBytes:          atomic.LoadUint64(&s.metricDataBytes),
		DroppedCallbacks:   atomic.LoadUint64(&s.metricDroppedCallbacks),
		BufferExhausted:    atomic.LoadUint64(&s.metricBufferExhausted),
		SendErrors:         atomic.LoadUint64(&s.metricSendErrors),
	}
}

func (s *Service) send(opcode byte, index byte, data []byte) {
	err := s.sender.SendFrame(packets.ServiceL2CAP, opcode, index, data)
	if err != nil {
		atomic.AddUint64(&s.metricSendErrors, 1)
		if s.log != nil {
			s.log.Error().Err(err).Str("opcode", packets.L2CAPOpcodeString(opcode)).Msg("could not send frame")
		}
	}
}

// rsp sends a bare status. Success is signalled by echoing the opcode with no payload.
func (s *Service) rsp(opcode byte, index byte, status packets.Status) {
	if status == packets.StatusSuccess {
		s.send(opcode, index, nil)
		return
	}
	s.send(packets.OpcodeStatus, index, packets.EncodeStatus(status))
}
