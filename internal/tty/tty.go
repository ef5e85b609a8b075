package tty

import (
	"errors"
	"fmt"
	"io"

	"github.com/tarm/serial"
)

var ErrUnsupportedBaud = errors.New("unsupported baud rate")
var ErrNotTerminal = errors.New("not a terminal device")

const DefaultBaud = 115200

var baudRates = map[int]bool{
	9600:    true,
	19200:   true,
	38400:   true,
	57600:   true,
	115200:  true,
	230400:  true,
	460800:  true,
	921600:  true,
	1000000: true,
}

// Open opens a serial device in raw 8N1 at baud. Reads block until data
// arrives.
func Open(path string, baud int) (io.ReadWriteCloser, error) {
	if !baudRates[baud] {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedBaud, baud)
	}

	err := checkTerminal(path)
	if err != nil {
		return nil, err
	}

	port, err := serial.OpenPort(&serial.Config{
		Name: path,
		Baud: baud,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open serial device %s: %w", path, err)
	}
	return port, nil
}
