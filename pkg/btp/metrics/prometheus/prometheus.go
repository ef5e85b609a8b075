package prometheus

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loopholelabs/bttester/pkg/btp/bufpool"
	"github.com/loopholelabs/bttester/pkg/btp/l2cap"
	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/protocol"
	"github.com/loopholelabs/bttester/pkg/btp/slots"
	"github.com/loopholelabs/bttester/pkg/btp/trace"
	"github.com/prometheus/client_golang/prometheus"
)

type MetricsConfig struct {
	Namespace      string
	SubProtocol    string
	SubFrames      string
	SubSlots       string
	SubBufferPool  string
	SubL2CAP       string
	SubRecorder    string
	TickProtocol   time.Duration
	TickFrames     time.Duration
	TickSlots      time.Duration
	TickBufferPool time.Duration
	TickL2CAP      time.Duration
	TickRecorder   time.Duration
}

func DefaultConfig() *MetricsConfig {
	return &MetricsConfig{
		Namespace:      "bttester",
		SubProtocol:    "protocol",
		SubFrames:      "frames",
		SubSlots:       "slots",
		SubBufferPool:  "bufferPool",
		SubL2CAP:       "l2cap",
		SubRecorder:    "recorder",
		TickProtocol:   100 * time.Millisecond,
		TickFrames:     100 * time.Millisecond,
		TickSlots:      100 * time.Millisecond,
		TickBufferPool: 100 * time.Millisecond,
		TickL2CAP:      100 * time.Millisecond,
		TickRecorder:   time.Second,
	}
}

type Metrics struct {
	reg    prometheus.Registerer
	lock   sync.Mutex
	config *MetricsConfig

	// protocol
	protocolFramesSent    *prometheus.GaugeVec
	protocolDataSent      *prometheus.GaugeVec
	protocolFramesRecv    *prometheus.GaugeVec
	protocolDataRecv      *prometheus.GaugeVec
	protocolWriteErrors   *prometheus.GaugeVec
	protocolUnknownFrames *prometheus.GaugeVec

	// frames
	framesTotal    *prometheus.GaugeVec
	framesErrors   *prometheus.GaugeVec
	framesByOpcode *prometheus.GaugeVec

	// slots
	slotsCapacity       *prometheus.GaugeVec
	slotsFree           *prometheus.GaugeVec
	slotsConnecting     *prometheus.GaugeVec
	slotsConnected      *prometheus.GaugeVec
	slotsAllocations    *prometheus.GaugeVec
	slotsAllocFailed    *prometheus.GaugeVec
	slotsReleases       *prometheus.GaugeVec
	slotsUnknownLookups *prometheus.GaugeVec

	// bufferPool
	bufferPoolSize      *prometheus.GaugeVec
	bufferPoolCount     *prometheus.GaugeVec
	bufferPoolFree      *prometheus.GaugeVec
	bufferPoolInUse     *prometheus.GaugeVec
	bufferPoolAcquired  *prometheus.GaugeVec
	bufferPoolReleased  *prometheus.GaugeVec
	bufferPoolExhausted *prometheus.GaugeVec

	// l2cap
	l2capCommands           *prometheus.GaugeVec
	l2capUnknownCommands    *prometheus.GaugeVec
	l2capConnects           *prometheus.GaugeVec
	l2capConnectFailures    *prometheus.GaugeVec
	l2capEventsConnected    *prometheus.GaugeVec
	l2capEventsDisconnected *prometheus.GaugeVec
	l2capEventsData         *prometheus.GaugeVec
	l2capDataBytes          *prometheus.GaugeVec
	l2capDroppedCallbacks   *prometheus.GaugeVec
	l2capBufferExhausted    *prometheus.GaugeVec
	l2capSendErrors         *prometheus.GaugeVec

	// recorder
	recorderRecords *prometheus.GaugeVec
	recorderBytes   *prometheus.GaugeVec
	recorderFailed  *prometheus.GaugeVec

	cancelfns map[string]context.CancelFunc
}

func New(reg prometheus.Registerer, config *MetricsConfig) *Metrics {
	labels := []string{"instance_id", "name"}

	gauge := func(sub string, name string, help string, extra ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: sub, Name: name, Help: help}, append(labels, extra...))
	}

	met := &Metrics{
		config: config,
		reg:    reg,

		// Protocol
		protocolFramesSent:    gauge(config.SubProtocol, "frames_sent", "Frames sent"),
		protocolDataSent:      gauge(config.SubProtocol, "data_sent", "Payload bytes sent"),
		protocolFramesRecv:    gauge(config.SubProtocol, "frames_recv", "Frames recv"),
		protocolDataRecv:      gauge(config.SubProtocol, "data_recv", "Payload bytes recv"),
		protocolWriteErrors:   gauge(config.SubProtocol, "write_errors", "Write errors"),
		protocolUnknownFrames: gauge(config.SubProtocol, "unknown_frames", "Frames with no handler"),

		// Frames
		framesTotal:    gauge(config.SubFrames, "total", "Frames sent through the logger"),
		framesErrors:   gauge(config.SubFrames, "errors", "Frames that failed to send"),
		framesByOpcode: gauge(config.SubFrames, "by_opcode", "Frames sent per opcode", "opcode"),

		// Slots
		slotsCapacity:       gauge(config.SubSlots, "capacity", "Slot capacity"),
		slotsFree:           gauge(config.SubSlots, "free", "Free slots"),
		slotsConnecting:     gauge(config.SubSlots, "connecting", "Slots connecting"),
		slotsConnected:      gauge(config.SubSlots, "connected", "Slots connected"),
		slotsAllocations:    gauge(config.SubSlots, "allocations", "Allocations"),
		slotsAllocFailed:    gauge(config.SubSlots, "alloc_failed", "Failed allocations"),
		slotsReleases:       gauge(config.SubSlots, "releases", "Releases"),
		slotsUnknownLookups: gauge(config.SubSlots, "unknown_lookups", "Lookups for unknown channels"),

		// BufferPool
		bufferPoolSize:      gauge(config.SubBufferPool, "size", "Buffer size"),
		bufferPoolCount:     gauge(config.SubBufferPool, "count", "Buffer count"),
		bufferPoolFree:      gauge(config.SubBufferPool, "free", "Free buffers"),
		bufferPoolInUse:     gauge(config.SubBufferPool, "in_use", "Buffers in use"),
		bufferPoolAcquired:  gauge(config.SubBufferPool, "acquired", "Buffers acquired"),
		bufferPoolReleased:  gauge(config.SubBufferPool, "released", "Buffers released"),
		bufferPoolExhausted: gauge(config.SubBufferPool, "exhausted", "Acquires with no free buffer"),

		// L2CAP
		l2capCommands:           gauge(config.SubL2CAP, "commands", "Commands"),
		l2capUnknownCommands:    gauge(config.SubL2CAP, "unknown_commands", "Unknown commands"),
		l2capConnects:           gauge(config.SubL2CAP, "connects", "Connects accepted"),
		l2capConnectFailures:    gauge(config.SubL2CAP, "connect_failures", "Connects failed"),
		l2capEventsConnected:    gauge(config.SubL2CAP, "events_connected", "Connected events"),
		l2capEventsDisconnected: gauge(config.SubL2CAP, "events_disconnected", "Disconnected events"),
		l2capEventsData:         gauge(config.SubL2CAP, "events_data", "Data received events"),
		l2capDataBytes:          gauge(config.SubL2CAP, "data_bytes", "Data bytes forwarded"),
		l2capDroppedCallbacks:   gauge(config.SubL2CAP, "dropped_callbacks", "Dropped callbacks"),
		l2capBufferExhausted:    gauge(config.SubL2CAP, "buffer_exhausted", "Receive buffer refusals"),
		l2capSendErrors:         gauge(config.SubL2CAP, "send_errors", "Send errors"),

		// Recorder
		recorderRecords: gauge(config.SubRecorder, "records", "Frames captured"),
		recorderBytes:   gauge(config.SubRecorder, "bytes", "Capture bytes written"),
		recorderFailed:  gauge(config.SubRecorder, "failed", "Capture write failed"),

		cancelfns: make(map[string]context.CancelFunc),
	}

	// Register all the metrics
	reg.MustRegister(met.protocolFramesSent, met.protocolDataSent, met.protocolFramesRecv, met.protocolDataRecv,
		met.protocolWriteErrors, met.protocolUnknownFrames)

	reg.MustRegister(met.framesTotal, met.framesErrors, met.framesByOpcode)

	reg.MustRegister(met.slotsCapacity, met.slotsFree, met.slotsConnecting, met.slotsConnected,
		met.slotsAllocations, met.slotsAllocFailed, met.slotsReleases, met.slotsUnknownLookups)

	reg.MustRegister(met.bufferPoolSize, met.bufferPoolCount, met.bufferPoolFree, met.bufferPoolInUse,
		met.bufferPoolAcquired, met.bufferPoolReleased, met.bufferPoolExhausted)

	reg.MustRegister(
		met.l2capCommands,
		met.l2capUnknownCommands,
		met.l2capConnects,
		met.l2capConnectFailures,
		met.l2capEventsConnected,
		met.l2capEventsDisconnected,
		met.l2capEventsData,
		met.l2capDataBytes,
		met.l2capDroppedCallbacks,
		met.l2capBufferExhausted,
		met.l2capSendErrors)

	reg.MustRegister(met.recorderRecords, met.recorderBytes, met.recorderFailed)

	return met
}

func (m *Metrics) remove(subsystem string, id string, name string) {
	m.lock.Lock()
	key := fmt.Sprintf("%s_%s_%s", subsystem, id, name)
	cancelfn, ok := m.cancelfns[key]
	if ok {
		cancelfn()
		delete(m.cancelfns, key)
	}
	m.lock.Unlock()
}

func (m *Metrics) add(subsystem string, id string, name string, interval time.Duration, tickfn func()) {
	ctx, cancelfn := context.WithCancel(context.TODO())
	m.lock.Lock()
	m.cancelfns[fmt.Sprintf("%s_%s_%s", subsystem, id, name)] = cancelfn
	m.lock.Unlock()

	// Publish once straight away so short lived agents still report.
	tickfn()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				tickfn()
			}
		}
	}()
}

// Shutdown everything
func (m *Metrics) Shutdown() {
	m.lock.Lock()
	for _, cancelfn := range m.cancelfns {
		cancelfn()
	}
	m.cancelfns = make(map[string]context.CancelFunc)
	m.lock.Unlock()
}

// RemoveAllID stops every ticker registered under id.
func (m *Metrics) RemoveAllID(id string) {
	m.lock.Lock()
	for key, cancelfn := range m.cancelfns {
		if strings.Contains(key, fmt.Sprintf("_%s_", id)) {
			cancelfn()
			delete(m.cancelfns, key)
		}
	}
	m.lock.Unlock()
}

func (m *Metrics) AddProtocol(id string, name string, proto *protocol.RW) {
	m.add(m.config.SubProtocol, id, name, m.config.TickProtocol, func() {
		met := proto.GetMetrics()
		m.protocolFramesSent.WithLabelValues(id, name).Set(float64(met.FramesSent))
		m.protocolDataSent.WithLabelValues(id, name).Set(float64(met.DataSent))
		m.protocolFramesRecv.WithLabelValues(id, name).Set(float64(met.FramesRecv))
		m.protocolDataRecv.WithLabelValues(id, name).Set(float64(met.DataRecv))
		m.protocolWriteErrors.WithLabelValues(id, name).Set(float64(met.WriteErrors))
		m.protocolUnknownFrames.WithLabelValues(id, name).Set(float64(met.UnknownFrames))
	})
}

func (m *Metrics) RemoveProtocol(id string, name string) {
	m.remove(m.config.SubProtocol, id, name)
}

func (m *Metrics) AddProtocolLogger(id string, name string, pl *protocol.Logger) {
	m.add(m.config.SubFrames, id, name, m.config.TickFrames, func() {
		met := pl.GetMetrics()
		m.framesTotal.WithLabelValues(id, name).Set(float64(met.TotalFrames))
		m.framesErrors.WithLabelValues(id, name).Set(float64(met.TotalErrors))
		for op, v := range met.ByOpcode {
			m.framesByOpcode.WithLabelValues(id, name, packets.L2CAPOpcodeString(op)).Set(float64(v))
		}
	})
}

func (m *Metrics) RemoveProtocolLogger(id string, name string) {
	m.remove(m.config.SubFrames, id, name)
}

func (m *Metrics) AddSlots(id string, name string, table *slots.Table) {
	m.add(m.config.SubSlots, id, name, m.config.TickSlots, func() {
		met := table.GetMetrics()
		m.slotsCapacity.WithLabelValues(id, name).Set(float64(met.Capacity))
		m.slotsFree.WithLabelValues(id, name).Set(float64(met.Free))
		m.slotsConnecting.WithLabelValues(id, name).Set(float64(met.Connecting))
		m.slotsConnected.WithLabelValues(id, name).Set(float64(met.Connected))
		m.slotsAllocations.WithLabelValues(id, name).Set(float64(met.Allocations))
		m.slotsAllocFailed.WithLabelValues(id, name).Set(float64(met.AllocFailed))
		m.slotsReleases.WithLabelValues(id, name).Set(float64(met.Releases))
		m.slotsUnknownLookups.WithLabelValues(id, name).Set(float64(met.UnknownLookups))
	})
}

func (m *Metrics) RemoveSlots(id string, name string) {
	m.remove(m.config.SubSlots, id, name)
}

func (m *Metrics) AddBufferPool(id string, name string, pool *bufpool.Pool) {
	m.add(m.config.SubBufferPool, id, name, m.config.TickBufferPool, func() {
		met := pool.GetMetrics()
		m.bufferPoolSize.WithLabelValues(id, name).Set(float64(met.Size))
		m.bufferPoolCount.WithLabelValues(id, name).Set(float64(met.Count))
		m.bufferPoolFree.WithLabelValues(id, name).Set(float64(met.Free))
		m.bufferPoolInUse.WithLabelValues(id, name).Set(float64(met.InUse))
		m.bufferPoolAcquired.WithLabelValues(id, name).Set(float64(met.Acquired))
		m.bufferPoolReleased.WithLabelValues(id, name).Set(float64(met.Released))
		m.bufferPoolExhausted.WithLabelValues(id, name).Set(float64(met.Exhausted))
	})
}

func (m *Metrics) RemoveBufferPool(id string, name string) {
	m.remove(m.config.SubBufferPool, id, name)
}

func (m *Metrics) AddL2CAP(id string, name string, svc *l2cap.Service) {
	m.add(m.config.SubL2CAP, id, name, m.config.TickL2CAP, func() {
		met := svc.GetMetrics()
		m.l2capCommands.WithLabelValues(id, name).Set(float64(met.Commands))
		m.l2capUnknownCommands.WithLabelValues(id, name).Set(float64(met.UnknownCommands))
		m.l2capConnects.WithLabelValues(id, name).Set(float64(met.Connects))
		m.l2capConnectFailures.WithLabelValues(id, name).Set(float64(met.ConnectFailures))
		m.l2capEventsConnected.WithLabelValues(id, name).Set(float64(met.EventsConnected))
		m.l2capEventsDisconnected.WithLabelValues(id, name).Set(float64(met.EventsDisconnected))
		m.l2capEventsData.WithLabelValues(id, name).Set(float64(met.EventsData))
		m.l2capDataBytes.WithLabelValues(id, name).Set(float64(met.DataBytes))
		m.l2capDroppedCallbacks.WithLabelValues(id, name).Set(float64(met.DroppedCallbacks))
		m.l2capBufferExhausted.WithLabelValues(id, name).Set(float64(met.BufferExhausted))
		m.l2capSendErrors.WithLabelValues(id, name).Set(float64(met.SendErrors))
	})
}

func (m *Metrics) RemoveL2CAP(id string, name string) {
	m.remove(m.config.SubL2CAP, id, name)
}

func (m *Metrics) AddRecorder(id string, name string, rec *trace.Recorder) {
	m.add(m.config.SubRecorder, id, name, m.config.TickRecorder, func() {
		met := rec.GetMetrics()
		m.recorderRecords.WithLabelValues(id, name).Set(float64(met.Records))
		m.recorderBytes.WithLabelValues(id, name).Set(float64(met.Bytes))
		failed := 0.0
		if met.Failed {
			failed = 1
		}
		m.recorderFailed.WithLabelValues(id, name).Set(failed)
	})
}

func (m *Metrics) RemoveRecorder(id string, name string) {
	m.remove(m.config.SubRecorder, id, name)
}
