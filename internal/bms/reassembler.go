// Package bms decodes the multi-frame measurement messages of the battery
// management units.
package bms

import (
	"encoding/binary"
	"log/slog"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/logging"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/status"
)

const (
	NumMeasurements = 19
	NumCells        = 12
	NumTemps        = 4
	NumPressures    = 2

	// messageLen is the byte length of a complete measurement message.
	messageLen = 2 * NumMeasurements

	DefaultTimeout = 30 * time.Second
)

var errorMarker = []byte("ERROR")

// Measurements holds the raw little-endian words of one message in wire
// order: cells, stack voltage, temperatures, pressures.
type Measurements [NumMeasurements]uint16

// Cell returns the voltage of cell i (0..11) in mV.
func (m Measurements) Cell(i int) uint16 { return m[i] }

func (m Measurements) Cells() []uint16 { return append([]uint16(nil), m[:NumCells]...) }

// Stack returns the stack voltage in mV.
func (m Measurements) Stack() uint16 { return m[NumCells] }

// Temp returns temperature i (0..3) in d°C.
func (m Measurements) Temp(i int) int16 { return int16(m[NumCells+1+i]) }

func (m Measurements) Pressure(i int) uint16 { return m[NumCells+1+NumTemps+i] }

// Data is the latest decoded message and the link health.
type Data struct {
	Measurements
	Status  status.Status
	Updated time.Time
}

type config struct {
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	bufSize int
}

type Option func(*config)

// WithTimeout sets how long the unit may stay silent before it is flagged.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(c *config) { c.now = now } }

func WithLogger(l *slog.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithFilterBuffer sizes the device receive channel.
func WithFilterBuffer(n int) Option { return func(c *config) { c.bufSize = n } }

func newConfig(opts []Option) config {
	c := config{timeout: DefaultTimeout, now: time.Now, logger: logging.Component("bms")}
	for _, o := range opts {
		o(&c)
	}
	return c
}

// Reassembler accumulates fragments into measurement messages. It is not
// safe for concurrent use.
type Reassembler struct {
	cfg  config
	next uint8
	buf  []byte
	last time.Time
	data Data
}

func NewReassembler(opts ...Option) *Reassembler {
	return newReassembler(newConfig(opts))
}

func newReassembler(cfg config) *Reassembler {
	return &Reassembler{
		cfg:  cfg,
		buf:  make([]byte, 0, messageLen+8),
		last: cfg.now(),
		data: Data{Status: status.Status{Code: status.OK}},
	}
}

// Feed consumes one fragment. The first payload byte carries the fragment
// index in its low nibble and the fragment count in its high nibble.
func (r *Reassembler) Feed(fr can.Frame) {
	if fr.DLC == 0 {
		r.fault(metrics.BMSFaultSequence, "bms_empty_fragment", "can_id", fr.ID)
		return
	}
	hdr := fr.Data[0]
	idx, count := hdr&0x0F, hdr>>4
	if idx == 0 && count == 1 && fr.DLC == 8 && string(fr.Data[1:6]) == string(errorMarker) {
		r.data.Status = status.Status{Code: status.CommError, ErrorCode: uint16(fr.Data[7])}
		metrics.IncBMSFault(metrics.BMSFaultReported)
		r.cfg.logger.Warn("bms_reported_error", "code", fr.Data[7])
		return
	}
	if idx != r.next || idx >= count {
		r.fault(metrics.BMSFaultSequence, "bms_sequence_fault", "index", idx, "count", count, "expected", r.next)
		return
	}
	r.buf = append(r.buf, fr.Data[1:fr.DLC]...)
	r.next++
	if idx == count-1 {
		r.complete()
	}
}

func (r *Reassembler) complete() {
	if len(r.buf)%2 != 0 {
		r.fault(metrics.BMSFaultOdd, "bms_odd_length", "bytes", len(r.buf))
		return
	}
	if len(r.buf) != messageLen {
		r.cfg.logger.Warn("bms_decode_anomaly", "bytes", len(r.buf), "want", messageLen)
	}
	var m Measurements
	for i := 0; i < NumMeasurements && 2*i+1 < len(r.buf); i++ {
		m[i] = binary.LittleEndian.Uint16(r.buf[2*i:])
	}
	now := r.cfg.now()
	r.data = Data{Measurements: m, Status: status.Status{Code: status.OK}, Updated: now}
	r.last = now
	r.reset()
}

// CheckTimeout flags the link COMM_ERROR when nothing completed within the
// timeout. It reports whether the status changed.
func (r *Reassembler) CheckTimeout(now time.Time) bool {
	if !r.data.Status.OK() || now.Sub(r.last) <= r.cfg.timeout {
		return false
	}
	r.data.Status = status.Status{Code: status.CommError}
	r.reset()
	metrics.IncBMSFault(metrics.BMSFaultTimeout)
	r.cfg.logger.Warn("bms_timeout", "silent_for", now.Sub(r.last).String())
	return true
}

// Snapshot returns the latest message and status.
func (r *Reassembler) Snapshot() Data { return r.data }

// Pending is the number of bytes accumulated for the message in progress.
func (r *Reassembler) Pending() int { return len(r.buf) }

func (r *Reassembler) fault(kind, event string, attrs ...any) {
	r.data.Status = status.Status{Code: status.CommError}
	r.reset()
	metrics.IncBMSFault(kind)
	r.cfg.logger.Warn(event, attrs...)
}

func (r *Reassembler) reset() {
	r.next = 0
	r.buf = r.buf[:0]
}
