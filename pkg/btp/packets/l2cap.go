package packets

import (
	"encoding/binary"
)

const (
	L2CAPReadSupportedCommands = byte(0x01)
	L2CAPConnect               = byte(0x02)
)

const (
	L2CAPEventConnected    = OpcodeEvent | byte(0x01)
	L2CAPEventDisconnected = OpcodeEvent | byte(0x02)
	L2CAPEventDataReceived = OpcodeEvent | byte(0x03)
)

func L2CAPOpcodeString(op byte) string {
	switch op {
	case OpcodeStatus:
		return "Status"
	case L2CAPReadSupportedCommands:
		return "ReadSupportedCommands"
	case L2CAPConnect:
		return "Connect"

		// Events
	case L2CAPEventConnected:
		return "EventConnected"
	case L2CAPEventDisconnected:
		return "EventDisconnected"
	case L2CAPEventDataReceived:
		return "EventDataReceived"
	}
	return "unknown"
}

type L2CAPConnectCommand struct {
	Address AddressLE
	PSM     uint16
}

func EncodeL2CAPConnect(c *L2CAPConnectCommand) []byte {
	buff := make([]byte, 1+AddressSize+2)
	buff[0] = byte(c.Address.Type)
	copy(buff[1:], c.Address.Addr[:])
	binary.LittleEndian.PutUint16(buff[1+AddressSize:], c.PSM)
	return buff
}

func DecodeL2CAPConnect(buff []byte) (*L2CAPConnectCommand, error) {
	if len(buff) < 1+AddressSize+2 {
		return nil, ErrInvalidPacket
	}
	c := &L2CAPConnectCommand{}
	c.Address.Type = AddressType(buff[0])
	copy(c.Address.Addr[:], buff[1:1+AddressSize])
	c.PSM = binary.LittleEndian.Uint16(buff[1+AddressSize:])
	return c, nil
}

func EncodeL2CAPConnectResponse(chanID uint8) []byte {
	return []byte{chanID}
}

func DecodeL2CAPConnectResponse(buff []byte) (uint8, error) {
	if len(buff) != 1 {
		return 0, ErrInvalidPacket
	}
	return buff[0], nil
}

type L2CAPConnectedEvent struct {
	ChanID  uint8
	PSM     uint16
	Address AddressLE
}

func EncodeL2CAPConnectedEvent(ev *L2CAPConnectedEvent) []byte {
	buff := make([]byte, 1+2+1+AddressSize)
	buff[0] = ev.ChanID
	binary.LittleEndian.PutUint16(buff[1:], ev.PSM)
	buff[3] = byte(ev.Address.Type)
	copy(buff[4:], ev.Address.Addr[:])
	return buff
}

func DecodeL2CAPConnectedEvent(buff []byte) (*L2CAPConnectedEvent, error) {
	if len(buff) != 1+2+1+AddressSize {
		return nil, ErrInvalidPacket
	}
	ev := &L2CAPConnectedEvent{
		ChanID: buff[0],
		PSM:    binary.LittleEndian.Uint16(buff[1:]),
	}
	ev.Address.Type = AddressType(buff[3])
	copy(ev.Address.Addr[:], buff[4:])
	return ev, nil
}

type L2CAPDisconnectedEvent struct {
	Result  uint16
	ChanID  uint8
	PSM     uint16
	Address AddressLE
}

func EncodeL2CAPDisconnectedEvent(ev *L2CAPDisconnectedEvent) []byte {
	buff := make([]byte, 2+1+2+1+AddressSize)
	binary.LittleEndian.PutUint16(buff, ev.Result)
	buff[2] = ev.ChanID
	binary.LittleEndian.PutUint16(buff[3:], ev.PSM)
	buff[5] = byte(ev.Address.Type)
	copy(buff[6:], ev.Address.Addr[:])
	return buff
}

func DecodeL2CAPDisconnectedEvent(buff []byte) (*L2CAPDisconnectedEvent, error) {
	if len(buff) != 2+1+2+1+AddressSize {
		return nil, ErrInvalidPacket
	}
	ev := &L2CAPDisconnectedEvent{
		Result: binary.LittleEndian.Uint16(buff),
		ChanID: buff[2],
		PSM:    binary.LittleEndian.Uint16(buff[3:]),
	}
	ev.Address.Type = AddressType(buff[5])
	copy(ev.Address.Addr[:], buff[6:])
	return ev, nil
}

type L2CAPDataReceivedEvent struct {
	ChanID uint8
	Data   []byte
}

func EncodeL2CAPDataReceivedEvent(ev *L2CAPDataReceivedEvent) []byte {
	buff := make([]byte, 1+2+len(ev.Data))
	buff[0] = ev.ChanID
	binary.LittleEndian.PutUint16(buff[1:], uint16(len(ev.Data)))
	copy(buff[3:], ev.Data)
	return buff
}

func DecodeL2CAPDataReceivedEvent(buff []byte) (*L2CAPDataReceivedEvent, error) {
	if len(buff) < 3 {
		return nil, ErrInvalidPacket
	}
	l := binary.LittleEndian.Uint16(buff[1:])
	if 3+int(l) != len(buff) {
		return nil, ErrInvalidPacket
	}
	return &L2CAPDataReceivedEvent{
		ChanID: buff[0],
		Data:   buff[3:],
	}, nil
}
