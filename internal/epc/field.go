package epc

import (
	einride "go.einride.tech/can"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
)

// field is a little-endian bit range inside the 64-bit payload.
type field struct {
	start  uint8
	length uint8
	signed bool
}

func (f field) get(d *einride.Data) int64 {
	u := d.UnsignedBitsLittleEndian(f.start, f.length)
	if !f.signed || f.length == 64 {
		return int64(u)
	}
	if u&(1<<(f.length-1)) != 0 {
		u |= ^uint64(0) << f.length
	}
	return int64(u)
}

func (f field) set(d *einride.Data, v int64) {
	d.SetUnsignedBitsLittleEndian(f.start, f.length, uint64(v)&f.mask())
}

func (f field) mask() uint64 {
	if f.length == 64 {
		return ^uint64(0)
	}
	return 1<<f.length - 1
}

func u(start, length uint8) field { return field{start: start, length: length} }
func s(start, length uint8) field { return field{start: start, length: length, signed: true} }

// Wire layout of every EPC message.
var (
	modeEnable   = u(0, 1)
	modeCode     = u(1, 3)
	modeLimit    = u(4, 2)
	modeRef      = s(16, 16)
	modeLimitRef = s(32, 32)

	limMaxU = u(0, 16)
	limMinU = u(16, 16)
	limMaxS = s(0, 16)
	limMinS = s(16, 16)

	perAckEnable  = u(0, 1)
	perAckPeriod  = u(1, 15)
	perElecEnable = u(16, 1)
	perElecPeriod = u(17, 15)
	perTempEnable = u(32, 1)
	perTempPeriod = u(33, 15)

	infoDeviceID = u(0, 6)
	infoFirmware = u(6, 5)
	infoHardware = u(11, 13)
	infoSerial   = u(24, 8)

	statusFlags = u(0, 6)
	statusCode  = u(6, 10)

	elecLSVolt = u(0, 16)
	elecLSCurr = s(16, 16)
	elecHSVolt = u(32, 16)

	tempBody    = s(0, 16)
	tempAnode   = s(16, 16)
	tempAmbient = s(32, 16)

	requestType = u(0, 8)
)

// Payload lengths of each message type.
const (
	modeLen     = 8
	limitLen    = 4
	periodicLen = 6
	infoLen     = 4
	statusLen   = 2
	elecLen     = 6
	tempLen     = 6
	requestLen  = 1
)

func payloadOf(fr can.Frame) *einride.Data {
	d := einride.Data(fr.Data)
	return &d
}

func frameOf(id uint16, dlc uint8, d *einride.Data) can.Frame {
	return can.Frame{ID: id, DLC: dlc, Data: [8]byte(*d)}
}

func boolBit(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
