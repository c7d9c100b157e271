package node

import (
	"fmt"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
)

// Filter routes frames whose identifier matches Address under Mask to C.
//
// Name identifies the receive channel. Two filters with the same
// (address, mask) are the same route; binding it to a second name or to a
// second channel is a conflict. Once installed, the node owns C and closes it on removal or
// shutdown; consumers only receive from it.
type Filter struct {
	Address uint16
	Mask    uint16
	Name    string
	C       chan can.Frame
}

// NewFilter builds a filter with a bounded receive channel of the given size.
func NewFilter(address, mask uint16, name string, size int) Filter {
	if size <= 0 {
		size = defaultFilterBuffer
	}
	return Filter{
		Address: address & can.CAN_SFF_MASK,
		Mask:    mask & can.CAN_SFF_MASK,
		Name:    name,
		C:       make(chan can.Frame, size),
	}
}

// Match reports whether id is routed by this filter.
func (f Filter) Match(id uint16) bool { return id&f.Mask == f.Address&f.Mask }

// sameRoute compares the effective (address, mask) pair; address bits outside
// the mask do not change which frames match.
func (f Filter) sameRoute(o Filter) bool {
	return f.Mask == o.Mask && f.Address&f.Mask == o.Address&o.Mask
}

func (f Filter) String() string {
	return fmt.Sprintf("0x%03X/0x%03X->%s", f.Address, f.Mask, f.Name)
}

// closeAndDrain closes the channel and discards anything still queued.
func closeAndDrain(ch chan can.Frame) {
	if ch == nil {
		return
	}
	close(ch)
	for range ch {
	}
}
