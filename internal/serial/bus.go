package serial

import (
	"bytes"
	"errors"
	"io"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
)

const (
	readBufSize = 256
	// largeBufferReclaimThreshold is the capacity above which the RX
	// accumulation buffer is reallocated once fully drained.
	largeBufferReclaimThreshold = 16 * 1024
)

// Bus adapts a UART CAN adapter to node.Bus. It is driven by a single
// goroutine (the node worker) and is not safe for concurrent use.
type Bus struct {
	port    Port
	codec   Codec
	acc     *bytes.Buffer
	buf     []byte
	pending []can.RawFrame
}

// NewBus wraps an open port. The port's own read timeout is the poll window.
func NewBus(p Port) *Bus {
	return &Bus{port: p, acc: bytes.NewBuffer(nil), buf: make([]byte, readBufSize)}
}

// ReadFrame returns the next decoded frame, reading the port at most once.
func (b *Bus) ReadFrame(fr *can.RawFrame) error {
	if b.pop(fr) {
		return nil
	}
	n, err := b.port.Read(b.buf)
	if n > 0 {
		b.acc.Write(b.buf[:n])
		b.codec.DecodeStream(b.acc, func(f can.RawFrame) { b.pending = append(b.pending, f) })
		if b.acc.Len() == 0 && cap(b.acc.Bytes()) > largeBufferReclaimThreshold {
			b.acc = bytes.NewBuffer(nil)
		}
	}
	if err != nil && !errors.Is(err, io.EOF) {
		metrics.IncError(metrics.ErrSerialRead)
		return err
	}
	if b.pop(fr) {
		return nil
	}
	return can.ErrReadTimeout
}

func (b *Bus) pop(fr *can.RawFrame) bool {
	if len(b.pending) == 0 {
		return false
	}
	*fr = b.pending[0]
	b.pending = b.pending[1:]
	if len(b.pending) == 0 {
		b.pending = nil
	}
	return true
}

// WriteFrame encodes fr in the adapter envelope and writes it.
func (b *Bus) WriteFrame(fr can.Frame) error {
	if _, err := b.port.Write(b.codec.Encode(fr)); err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return err
	}
	return nil
}

func (b *Bus) Close() error { return b.port.Close() }
