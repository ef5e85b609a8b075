package packets

import (
	"fmt"
)

const AddressSize = 6

type AddressType byte

const (
	AddressPublic = AddressType(0x00)
	AddressRandom = AddressType(0x01)
)

// Address is a device address in over-the-air (little-endian) byte order.
type Address [AddressSize]byte

// AddressLE is an address together with its type.
type AddressLE struct {
	Type AddressType
	Addr Address
}

func (a Address) String() string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X", a[5], a[4], a[3], a[2], a[1], a[0])
}

func (a AddressLE) String() string {
	t := "public"
	if a.Type == AddressRandom {
		t = "random"
	}
	return fmt.Sprintf("%s (%s)", a.Addr.String(), t)
}

// ParseAddress reads "AA:BB:CC:DD:EE:FF" (most significant byte first).
func ParseAddress(s string) (Address, error) {
	var a Address
	var b [AddressSize]byte
	n, err := fmt.Sscanf(s, "%02x:%02x:%02x:%02x:%02x:%02x", &b[5], &b[4], &b[3], &b[2], &b[1], &b[0])
	if err != nil || n != AddressSize {
		return a, fmt.Errorf("bad address %q: %w", s, ErrInvalidPacket)
	}
	copy(a[:], b[:])
	return a, nil
}
