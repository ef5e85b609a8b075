package l2cap

import (
	"sync/atomic"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
)

var supportedCommands = []byte{
	packets.L2CAPReadSupportedCommands,
	packets.L2CAPConnect,
}

// HandleCommand answers exactly one command with exactly one frame.
func (s *Service) HandleCommand(opcode byte, index byte, data []byte) {
	s.lock.Lock()
	defer s.lock.Unlock()

	atomic.AddUint64(&s.metricCommands, 1)

	switch opcode {
	case packets.L2CAPReadSupportedCommands:
		s.readSupportedCommands()
	case packets.L2CAPConnect:
		s.connect(data)
	default:
		atomic.AddUint64(&s.metricUnknownCommands, 1)
		if s.log != nil {
			s.log.Debug().Int("opcode", int(opcode)).Int("index", int(index)).Msg("unknown l2cap command")
		}
		s.rsp(opcode, index, packets.StatusUnknownCommand)
	}
}

func (s *Service) readSupportedCommands() {
	mask := make([]byte, 1)
	for _, op := range supportedCommands {
		packets.SetBit(mask, op)
	}
	s.send(packets.L2CAPReadSupportedCommands, s.config.Index, mask)
}

// connect submits a channel connect to the transport. The response only
// says the request was accepted; establishment is reported by an event.
func (s *Service) connect(data []byte) {
	cmd, err := packets.DecodeL2CAPConnect(data)
	if err != nil {
		s.connectFailed("malformed command", err)
		return
	}

	conn := s.tr.LookupConn(cmd.Address)
	if conn == nil {
		s.connectFailed("no connection to peer", nil)
		return
	}

	id, err := s.table.Allocate()
	if err != nil {
		s.connectFailed("no free channel", err)
		return
	}

	ch, err := s.tr.Connect(conn, cmd.PSM, &channel{svc: s, id: id}, s.config.MTU)
	if err != nil {
		s.table.Release(id)
		s.connectFailed("transport refused connect", err)
		return
	}

	err = s.table.Bind(id, ch, cmd.PSM, s.config.MTU, cmd.Address)
	if err != nil {
		// The transport now owns a channel nobody tracks. Its callbacks will be dropped.
		s.table.Release(id)
		s.connectFailed("could not bind channel", err)
		return
	}

	atomic.AddUint64(&s.metricConnects, 1)
	if s.log != nil {
		s.log.Debug().
			Int("chan_id", int(id)).
			Int("psm", int(cmd.PSM)).
			Str("peer", cmd.Address.String()).
			Msg("l2cap connect submitted")
	}
	s.send(packets.L2CAPConnect, s.config.Index, packets.EncodeL2CAPConnectResponse(id))
}

// connectFailed reports every cause with the same status.
func (s *Service) connectFailed(reason string, err error) {
	atomic.AddUint64(&s.metricConnectFailures, 1)
	if s.log != nil {
		s.log.Debug().Err(err).Str("reason", reason).Msg("l2cap connect failed")
	}
	s.rsp(packets.L2CAPConnect, s.config.Index, packets.StatusFailed)
}
