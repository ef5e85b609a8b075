package protocol

// Sender pushes one frame towards the test controller.
type Sender interface {
	SendFrame(service byte, opcode byte, index byte, data []byte) error
}

// Handler consumes the commands addressed to one service.
// Every command must be answered through the Sender it was registered with.
type Handler interface {
	HandleCommand(opcode byte, index byte, data []byte)
}

type Direction byte

const DirectionIn = Direction(0)
const DirectionOut = Direction(1)

func (d Direction) String() string {
	if d == DirectionIn {
		return "in"
	}
	return "out"
}

// FrameHook observes raw frames as they cross the wire.
type FrameHook func(dir Direction, frame []byte)
