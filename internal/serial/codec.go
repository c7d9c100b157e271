package serial

import (
	"bytes"
	"encoding/binary"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
)

// Codec implements the UART envelope spoken by USB/RS232 CAN adapters:
//
//	TX: 2D D4 LEN INS FLAGS ID(4, BE) PAYLOAD CHK
//	RX: 2D D4 LEN ID(4, BE) PAYLOAD CHK
//
// LEN counts the bytes after itself including the checksum. CHK is
// 0x2D + LEN + sum(bytes between LEN and CHK), modulo 256.
type Codec struct{}

const (
	pre0 = 0x2D
	pre1 = 0xD4

	insSend      = 2    // transmit request
	flagsClassic = 0x80 // FLAGS bit 7: classic CAN frame, DLC in the low nibble
	flagsDLC     = 0x0F
)

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	// If unread < 25% of capacity, compact.
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// envelope wraps data as [0x2D, 0xD4, len+1, data..., checksum].
func envelope(data []byte) []byte {
	n := len(data)
	frame := make([]byte, n+4)

	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(n + 1)

	sum := frame[2] + pre0
	for i, b := range data {
		frame[3+i] = b
		sum += b
	}
	frame[3+n] = sum
	return frame
}

// Encode builds the adapter transmit request for a standard frame.
func (Codec) Encode(f can.Frame) []byte {
	tab := make([]byte, 6+f.DLC) // INS(1) + FLAGS(1) + ID(4) + PAYLOAD(0..8)
	tab[0] = insSend
	tab[1] = flagsClassic | f.DLC&flagsDLC
	binary.BigEndian.PutUint32(tab[2:6], uint32(f.ID)&can.CAN_SFF_MASK)
	copy(tab[6:], f.Payload())
	return envelope(tab)
}

// DecodeStream consumes complete frames from in, emitting each via out.
// Partial frames stay buffered; garbage and checksum failures are skipped one
// byte at a time to resynchronise on the preamble. Identifiers above 0x7FF are
// flagged extended so the node can discard them.
func (Codec) DecodeStream(in *bytes.Buffer, out func(can.RawFrame)) {
	const (
		// ln = ID(4) + PAYLOAD(0..8) + checksum(1)
		minLn = 4 + 0 + 1
		maxLn = 4 + 8 + 1
	)
	header := []byte{pre0, pre1}

	for {
		data := in.Bytes()
		// Periodically compact to avoid unbounded growth from misaligned garbage
		_ = CompactBuffer(in)
		if len(data) < 3 { // need preamble + len
			return
		}

		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case next buffer starts with preamble second byte
			if in.Len() > 1 {
				last := data[len(data)-1]
				in.Reset()
				_ = in.WriteByte(last)
			}
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}

		ln := int(data[2])
		if ln < minLn || ln > maxLn {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := 3 + ln // 2 preamble + 1 len + ln
		if len(data) < req {
			return
		}
		sum := uint(pre0) + uint(data[2])
		for _, b := range data[3 : req-1] {
			sum += uint(b)
		}
		if byte(sum) != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}

		id := binary.BigEndian.Uint32(data[3:7])
		payload := data[7 : req-1]

		var f can.RawFrame
		f.CANID = id
		if id > can.CAN_SFF_MASK {
			f.CANID = id&can.CAN_EFF_MASK | can.CAN_EFF_FLAG
		}
		f.Len = uint8(len(payload))
		copy(f.Data[:], payload)

		out(f)
		in.Next(req)
	}
}
