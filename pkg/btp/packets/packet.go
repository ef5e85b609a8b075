package packets

import (
	"encoding/binary"
	"errors"
)

var ErrInvalidPacket = errors.New("invalid packet")
var ErrPayloadTooLarge = errors.New("payload too large")

// HeaderSize is service(1) + opcode(1) + index(1) + length(2)
const HeaderSize = 5

const MaxPayload = 0xffff

const (
	ServiceCore  = byte(0)
	ServiceGAP   = byte(1)
	ServiceGATT  = byte(2)
	ServiceL2CAP = byte(3)
)

// OpcodeStatus is shared by every service for plain status responses.
const OpcodeStatus = byte(0x00)

// Events live in the upper half of the opcode space.
const OpcodeEvent = byte(0x80)

type Status byte

const (
	StatusSuccess        = Status(0x00)
	StatusFailed         = Status(0x01)
	StatusUnknownCommand = Status(0x02)
	StatusNotReady       = Status(0x03)
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "Success"
	case StatusFailed:
		return "Failed"
	case StatusUnknownCommand:
		return "UnknownCommand"
	case StatusNotReady:
		return "NotReady"
	}
	return "unknown"
}

func IsEvent(opcode byte) bool {
	return (opcode & OpcodeEvent) == OpcodeEvent
}

type Header struct {
	Service byte
	Opcode  byte
	Index   byte
	Length  uint16
}

func EncodeHeader(h *Header) []byte {
	buff := make([]byte, HeaderSize)
	buff[0] = h.Service
	buff[1] = h.Opcode
	buff[2] = h.Index
	binary.LittleEndian.PutUint16(buff[3:], h.Length)
	return buff
}

func DecodeHeader(buff []byte) (*Header, error) {
	if len(buff) < HeaderSize {
		return nil, ErrInvalidPacket
	}
	return &Header{
		Service: buff[0],
		Opcode:  buff[1],
		Index:   buff[2],
		Length:  binary.LittleEndian.Uint16(buff[3:]),
	}, nil
}

// Frame is one command, response or event.
type Frame struct {
	Service byte
	Opcode  byte
	Index   byte
	Data    []byte
}

func EncodeFrame(f *Frame) ([]byte, error) {
	if len(f.Data) > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	buff := make([]byte, HeaderSize+len(f.Data))
	buff[0] = f.Service
	buff[1] = f.Opcode
	buff[2] = f.Index
	binary.LittleEndian.PutUint16(buff[3:], uint16(len(f.Data)))
	copy(buff[HeaderSize:], f.Data)
	return buff, nil
}

func DecodeFrame(buff []byte) (*Frame, error) {
	h, err := DecodeHeader(buff)
	if err != nil {
		return nil, err
	}
	if len(buff) != HeaderSize+int(h.Length) {
		return nil, ErrInvalidPacket
	}
	return &Frame{
		Service: h.Service,
		Opcode:  h.Opcode,
		Index:   h.Index,
		Data:    buff[HeaderSize:],
	}, nil
}

func EncodeStatus(s Status) []byte {
	return []byte{byte(s)}
}

func DecodeStatus(buff []byte) (Status, error) {
	if len(buff) != 1 {
		return 0, ErrInvalidPacket
	}
	return Status(buff[0]), nil
}

// SetBit marks opcode as supported in a supported-commands bitmask.
func SetBit(mask []byte, opcode byte) {
	mask[opcode/8] |= 1 << (opcode % 8)
}

func HasBit(mask []byte, opcode byte) bool {
	if int(opcode/8) >= len(mask) {
		return false
	}
	return mask[opcode/8]&(1<<(opcode%8)) != 0
}
