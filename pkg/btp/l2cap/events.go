package l2cap

import (
	"sync/atomic"

	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/slots"
	"github.com/loopholelabs/bttester/pkg/btp/transport"
)

// channel is registered with the transport for one slot. It carries the
// slot id only to cross check the reverse lookup.
type channel struct {
	svc *Service
	id  uint8
}

func (c *channel) AllocBuffer(ch transport.Chan) (*bufpool.Buffer, error) {
	buf, err := c.svc.pool.Acquire()
	if err != nil {
		atomic.AddUint64(&c.svc.metricBufferExhausted, 1)
		if c.svc.log != nil {
			c.svc.log.Debug().Int("chan_id", int(c.id)).Msg("no receive buffer, transport must drop")
		}
		return nil, err
	}
	return buf, nil
}

func (c *channel) Connected(ch transport.Chan) {
	s := c.svc
	s.lock.Lock()
	defer s.lock.Unlock()

	sc, ok := c.owner(ch, "connected")
	if !ok {
		return
	}
	err := s.table.SetConnected(sc.ID)
	if err != nil {
		s.dropped(sc.ID, "connected", err)
		return
	}

	ev := &packets.L2CAPConnectedEvent{
		ChanID:  sc.ID,
		PSM:     sc.PSM,
		Address: s.peerAddress(ch),
	}
	atomic.AddUint64(&s.metricEventsConnected, 1)
	if s.log != nil {
		s.log.Debug().Int("chan_id", int(sc.ID)).Str("peer", ev.Address.String()).Msg("l2cap channel connected")
	}
	s.send(packets.L2CAPEventConnected, s.config.Index, packets.EncodeL2CAPConnectedEvent(ev))
}

// Disconnected frees the slot before the event goes out. The service lock
// is held throughout, so the id cannot be handed out again until the event
// has been sent.
func (c *channel) Disconnected(ch transport.Chan, reason uint16) {
	s := c.svc
	s.lock.Lock()
	defer s.lock.Unlock()

	sc, ok := c.owner(ch, "disconnected")
	if !ok {
		return
	}

	ev := &packets.L2CAPDisconnectedEvent{
		Result:  reason,
		ChanID:  sc.ID,
		PSM:     sc.PSM,
		Address: s.peerAddress(ch),
	}
	s.table.Release(sc.ID)

	atomic.AddUint64(&s.metricEventsDisconnected, 1)
	if s.log != nil {
		s.log.Debug().Int("chan_id", int(sc.ID)).Int("reason", int(reason)).Msg("l2cap channel disconnected")
	}
	s.send(packets.L2CAPEventDisconnected, s.config.Index, packets.EncodeL2CAPDisconnectedEvent(ev))
}

// Received copies the SDU into an event and returns the buffer to the pool
// before anything is sent.
func (c *channel) Received(ch transport.Chan, buf *bufpool.Buffer) {
	s := c.svc
	s.lock.Lock()
	defer s.lock.Unlock()

	sc, ok := c.owner(ch, "received")
	if !ok {
		s.releaseBuffer(buf)
		return
	}
	if sc.State != slots.StateConnected {
		s.releaseBuffer(buf)
		s.dropped(sc.ID, "received", slots.ErrBadState)
		return
	}

	data := buf.Bytes()
	if len(data) > sc.MaxRx {
		if s.log != nil {
			s.log.Warn().Int("chan_id", int(sc.ID)).Int("length", len(data)).Int("max", sc.MaxRx).Msg("sdu exceeds receive mtu, truncating")
		}
		data = data[:sc.MaxRx]
	}
	payload := packets.EncodeL2CAPDataReceivedEvent(&packets.L2CAPDataReceivedEvent{
		ChanID: sc.ID,
		Data:   data,
	})
	s.releaseBuffer(buf)

	atomic.AddUint64(&s.metricEventsData, 1)
	atomic.AddUint64(&s.metricDataBytes, uint64(len(payload)-3))
	s.send(packets.L2CAPEventDataReceived, s.config.Index, payload)
}

// owner resolves ch back to its slot. A miss means the transport is calling
// about a channel we no longer (or never) owned, which is logged and ignored.
func (c *channel) owner(ch transport.Chan, what string) (slots.Channel, bool) {
	sc, err := c.svc.table.LookupByTransport(ch)
	if err == nil && sc.ID != c.id {
		err = slots.ErrUnknownChannel
	}
	if err != nil {
		c.svc.dropped(c.id, what, err)
		return slots.Channel{}, false
	}
	return sc, true
}

func (s *Service) dropped(id uint8, what string, err error) {
	atomic.AddUint64(&s.metricDroppedCallbacks, 1)
	if s.log != nil {
		s.log.Error().Err(err).Int("chan_id", int(id)).Str("callback", what).Msg("ignoring transport callback")
	}
}

func (s *Service) releaseBuffer(buf *bufpool.Buffer) {
	err := s.pool.Release(buf)
	if err != nil && s.log != nil {
		s.log.Error().Err(err).Msg("could not release receive buffer")
	}
}

// peerAddress reads the remote address from the link. A failed query
// yields a zero address rather than suppressing the event.
func (s *Service) peerAddress(ch transport.Chan) packets.AddressLE {
	var addr packets.AddressLE
	conn := ch.Conn()
	if conn == nil {
		return addr
	}
	info, err := conn.Info()
	if err != nil {
		if s.log != nil {
			s.log.Warn().Err(err).Msg("could not read connection info")
		}
		return addr
	}
	switch info.Type {
	case transport.LinkLE:
		addr = info.LE.Dst
	case transport.LinkBR:
		addr.Addr = info.BR.Dst
	}
	return addr
}
