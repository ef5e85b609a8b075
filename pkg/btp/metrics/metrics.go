package metrics

import (
	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/l2cap"
	"github.com/loopholelabs/bttester/pkg/btp/protocol"
	"github.com/loopholelabs/bttester/pkg/btp/slots"
	"github.com/loopholelabs/bttester/pkg/btp/trace"
)

type TesterMetrics interface {
	Shutdown()
	RemoveAllID(id string)

	AddProtocol(id string, name string, proto *protocol.RW)
	RemoveProtocol(id string, name string)

	AddProtocolLogger(id string, name string, pl *protocol.Logger)
	RemoveProtocolLogger(id string, name string)

	AddSlots(id string, name string, table *slots.Table)
	RemoveSlots(id string, name string)

	AddBufferPool(id string, name string, pool *bufpool.Pool)
	RemoveBufferPool(id string, name string)

	AddL2CAP(id string, name string, svc *l2cap.Service)
	RemoveL2CAP(id string, name string)

	AddRecorder(id string, name string, rec *trace.Recorder)
	RemoveRecorder(id string, name string)
}
