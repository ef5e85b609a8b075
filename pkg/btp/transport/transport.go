package transport

import (
	"errors"

	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
)

var ErrRefused = errors.New("connect refused")
var ErrNotConnected = errors.New("not connected")

type LinkType byte

const (
	LinkLE = LinkType(0)
	LinkBR = LinkType(1)
)

func (lt LinkType) String() string {
	switch lt {
	case LinkLE:
		return "le"
	case LinkBR:
		return "br"
	}
	return "unknown"
}

type LEInfo struct {
	Dst packets.AddressLE
}

type BRInfo struct {
	Dst packets.Address
}

// ConnInfo describes an ACL link. Only the member matching Type is valid.
type ConnInfo struct {
	Type LinkType
	LE   LEInfo
	BR   BRInfo
}

// Conn is a link level connection to a peer.
type Conn interface {
	Info() (*ConnInfo, error)
}

// Chan is a transport owned connection oriented channel.
type Chan interface {
	Conn() Conn
}

// ChanOps receives callbacks for a channel. A Received buffer belongs to
// the callee, which must hand it back to its pool.
type ChanOps interface {
	AllocBuffer(ch Chan) (*bufpool.Buffer, error)
	Received(ch Chan, buf *bufpool.Buffer)
	Connected(ch Chan)
	Disconnected(ch Chan, reason uint16)
}

// Transport is the connection oriented transport the tester drives.
//
// Connect only submits the request. The outcome is reported later through
// ops, never from inside the Connect call itself.
type Transport interface {
	LookupConn(addr packets.AddressLE) Conn
	Connect(conn Conn, psm uint16, ops ChanOps, maxRx int) (Chan, error)
}
