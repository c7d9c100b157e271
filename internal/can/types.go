package can

import (
	"errors"
	"fmt"
)

// SocketCAN flag bits for can_id (same values as <linux/can.h>)
const (
	CAN_EFF_FLAG = 0x80000000
	CAN_RTR_FLAG = 0x40000000
	CAN_ERR_FLAG = 0x20000000
	CAN_SFF_MASK = 0x7FF
	CAN_EFF_MASK = 0x1FFFFFFF
)

// MaxDataLen is the classic CAN payload limit.
const MaxDataLen = 8

var (
	ErrInvalidID  = errors.New("can: identifier outside 11-bit range")
	ErrInvalidLen = errors.New("can: data length above 8")
	// ErrReadTimeout is returned by bus backends when no frame arrived within
	// the configured poll window. It is not a fault.
	ErrReadTimeout = errors.New("can: read timeout")
)

// Frame is one classic CAN datagram with a standard 11-bit identifier.
// Only the first DLC bytes of Data are meaningful. Frames are passed by value
// and never mutated after construction.
type Frame struct {
	ID   uint16
	DLC  uint8
	Data [MaxDataLen]byte
}

// NewFrame builds a frame, rejecting identifiers above 0x7FF and payloads
// longer than 8 bytes.
func NewFrame(id uint16, payload []byte) (Frame, error) {
	var f Frame
	if id > CAN_SFF_MASK {
		return f, fmt.Errorf("%w: 0x%X", ErrInvalidID, id)
	}
	if len(payload) > MaxDataLen {
		return f, fmt.Errorf("%w: %d", ErrInvalidLen, len(payload))
	}
	f.ID = id
	f.DLC = uint8(len(payload))
	copy(f.Data[:], payload)
	return f, nil
}

// MustFrame is NewFrame that panics on invalid input. Intended for tests and
// constant frames.
func MustFrame(id uint16, payload ...byte) Frame {
	f, err := NewFrame(id, payload)
	if err != nil {
		panic(err)
	}
	return f
}

// Validate reports whether the frame respects the 11-bit id and DLC limits.
func (f Frame) Validate() error {
	if f.ID > CAN_SFF_MASK {
		return ErrInvalidID
	}
	if f.DLC > MaxDataLen {
		return ErrInvalidLen
	}
	return nil
}

// Payload returns the meaningful bytes of the frame.
func (f Frame) Payload() []byte { return f.Data[:f.DLC] }

func (f Frame) String() string {
	return fmt.Sprintf("%03X [%d] % X", f.ID, f.DLC, f.Data[:f.DLC])
}

// RawFrame mirrors the kernel can_frame: CANID carries the EFF/RTR/ERR flags in
// its upper bits. Bus backends read into RawFrame so the node can discard error,
// remote and extended frames before dispatch.
type RawFrame struct {
	CANID uint32
	Len   uint8
	Data  [MaxDataLen]byte
}

// Standard converts a raw frame into a Frame. It reports false for error,
// remote and extended frames, and for lengths above 8.
func (r RawFrame) Standard() (Frame, bool) {
	if r.CANID&(CAN_ERR_FLAG|CAN_RTR_FLAG|CAN_EFF_FLAG) != 0 {
		return Frame{}, false
	}
	if r.CANID > CAN_SFF_MASK || r.Len > MaxDataLen {
		return Frame{}, false
	}
	f := Frame{ID: uint16(r.CANID), DLC: r.Len}
	copy(f.Data[:], r.Data[:r.Len])
	return f, true
}

// Raw converts a Frame into its kernel representation.
func (f Frame) Raw() RawFrame {
	r := RawFrame{CANID: uint32(f.ID) & CAN_SFF_MASK, Len: f.DLC}
	copy(r.Data[:], f.Data[:f.DLC])
	return r
}
