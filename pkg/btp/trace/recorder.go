package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loopholelabs/bttester/pkg/btp/packets"
	"github.com/loopholelabs/bttester/pkg/btp/protocol"
)

var ErrBadCapture = errors.New("bad capture")

var captureMagic = []byte("BTPCAP01")

// recordHeaderSize is direction(1) + unix nanos(8) + length(4)
const recordHeaderSize = 1 + 8 + 4

// maxRecordFrame is the largest frame the wire can carry.
const maxRecordFrame = packets.HeaderSize + packets.MaxPayload

type Record struct {
	Dir   protocol.Direction
	Time  time.Time
	Frame []byte
}

// Recorder appends every frame it sees to a capture stream.
type Recorder struct {
	lock sync.Mutex
	w    io.Writer
	err  error
	now  func() time.Time

	metricRecords uint64
	metricBytes   uint64
}

func NewRecorder(w io.Writer) (*Recorder, error) {
	_, err := w.Write(captureMagic)
	if err != nil {
		return nil, err
	}
	return &Recorder{
		w:   w,
		now: time.Now,
	}, nil
}

// Record has the FrameHook signature so it can be handed to RW.AddHook.
// After the first write error it stops writing; see Err.
func (r *Recorder) Record(dir protocol.Direction, frame []byte) {
	r.lock.Lock()
	defer r.lock.Unlock()
	if r.err != nil {
		return
	}

	buffer := make([]byte, recordHeaderSize+len(frame))
	buffer[0] = byte(dir)
	binary.LittleEndian.PutUint64(buffer[1:], uint64(r.now().UnixNano()))
	binary.LittleEndian.PutUint32(buffer[9:], uint32(len(frame)))
	copy(buffer[recordHeaderSize:], frame)

	_, err := r.w.Write(buffer)
	if err != nil {
		r.err = err
		return
	}
	atomic.AddUint64(&r.metricRecords, 1)
	atomic.AddUint64(&r.metricBytes, uint64(len(buffer)))
}

func (r *Recorder) Err() error {
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.err
}

func (r *Recorder) Records() uint64 {
	return atomic.LoadUint64(&r.metricRecords)
}

type Metrics struct {
	Records uint64
	Bytes   uint64
	Failed  bool
}

func (r *Recorder) GetMetrics() *Metrics {
	return &Metrics{
		Records: atomic.LoadUint64(&r.metricRecords),
		Bytes:   atomic.LoadUint64(&r.metricBytes),
		Failed:  r.Err() != nil,
	}
}

func ReadCapture(rd io.Reader) ([]*Record, error) {
	magic := make([]byte, len(captureMagic))
	_, err := io.ReadFull(rd, magic)
	if err != nil || !bytes.Equal(magic, captureMagic) {
		return nil, ErrBadCapture
	}

	records := make([]*Record, 0)
	header := make([]byte, recordHeaderSize)
	for {
		_, err := io.ReadFull(rd, header)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return nil, ErrBadCapture
		}
		length := binary.LittleEndian.Uint32(header[9:])
		if length > maxRecordFrame {
			return nil, ErrBadCapture
		}
		frame := make([]byte, length)
		_, err = io.ReadFull(rd, frame)
		if err != nil {
			return nil, ErrBadCapture
		}
		records = append(records, &Record{
			Dir:   protocol.Direction(header[0]),
			Time:  time.Unix(0, int64(binary.LittleEndian.Uint64(header[1:]))),
			Frame: frame,
		})
	}
}
