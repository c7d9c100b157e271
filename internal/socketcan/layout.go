package socketcan

import (
	"encoding/binary"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
)

// frameSize is sizeof(struct can_frame) for classic CAN.
const frameSize = 16

// struct can_frame (linux/can.h):
//
//	can_id  u32   [0:4]  (includes EFF/RTR/ERR flags)
//	can_dlc u8    [4]
//	pad     3B    [5:8]
//	data    [8]   [8:16]
//
// The kernel provides fields in host byte order. On common Linux archs
// (little-endian) this matches binary.LittleEndian.
func decodeCANFrame(buf []byte, fr *can.RawFrame) {
	fr.CANID = binary.LittleEndian.Uint32(buf[0:4])
	dlc := buf[4]
	if dlc > can.MaxDataLen {
		dlc = can.MaxDataLen
	}
	fr.Len = dlc
	fr.Data = [can.MaxDataLen]byte{}
	copy(fr.Data[:], buf[8:8+int(dlc)])
}

func encodeCANFrame(buf []byte, fr can.Frame) {
	r := fr.Raw()
	binary.LittleEndian.PutUint32(buf[0:4], r.CANID)
	buf[4] = r.Len
	copy(buf[8:frameSize], r.Data[:r.Len])
}
