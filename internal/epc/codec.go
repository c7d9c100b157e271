package epc

import (
	"fmt"

	einride "go.einride.tech/can"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
)

// Control is the content of a MODE frame.
type Control struct {
	Enable         bool
	Mode           Mode
	LimitType      LimitType
	Reference      int32
	LimitReference int32
}

// EncodeControl packs c into the 8-byte MODE frame of device dev.
func EncodeControl(dev uint8, c Control) can.Frame {
	var d einride.Data
	modeEnable.set(&d, boolBit(c.Enable))
	modeCode.set(&d, int64(c.Mode))
	modeLimit.set(&d, int64(c.LimitType))
	modeRef.set(&d, int64(c.Reference))
	modeLimitRef.set(&d, int64(c.LimitReference))
	return frameOf(FrameID(dev, MsgMode), modeLen, &d)
}

// DecodeControl unpacks a MODE frame.
func DecodeControl(fr can.Frame) Control {
	d := payloadOf(fr)
	return Control{
		Enable:         modeEnable.get(d) == 1,
		Mode:           Mode(modeCode.get(d)),
		LimitType:      LimitType(modeLimit.get(d)),
		Reference:      int32(modeRef.get(d)),
		LimitReference: int32(modeLimitRef.get(d)),
	}
}

func limitFields(k LimitKind) (field, field) {
	if k.signed() {
		return limMaxS, limMinS
	}
	return limMaxU, limMinU
}

// EncodeLimit packs a {max, min} pair into the limit frame for kind k.
func EncodeLimit(dev uint8, k LimitKind, l Limit) can.Frame {
	var d einride.Data
	hi, lo := limitFields(k)
	hi.set(&d, int64(l.Max))
	lo.set(&d, int64(l.Min))
	return frameOf(FrameID(dev, limitMsg[k]), limitLen, &d)
}

// DecodeLimit unpacks a limit frame for kind k.
func DecodeLimit(k LimitKind, fr can.Frame) Limit {
	d := payloadOf(fr)
	hi, lo := limitFields(k)
	return Limit{Max: int32(hi.get(d)), Min: int32(lo.get(d))}
}

func EncodePeriodic(dev uint8, p Periodic) can.Frame {
	var d einride.Data
	perAckEnable.set(&d, boolBit(p.AckEnabled))
	perAckPeriod.set(&d, int64(p.AckPeriod))
	perElecEnable.set(&d, boolBit(p.ElectEnabled))
	perElecPeriod.set(&d, int64(p.ElectPeriod))
	perTempEnable.set(&d, boolBit(p.TempEnabled))
	perTempPeriod.set(&d, int64(p.TempPeriod))
	return frameOf(FrameID(dev, MsgPeriodic), periodicLen, &d)
}

func DecodePeriodic(fr can.Frame) Periodic {
	d := payloadOf(fr)
	return Periodic{
		AckEnabled:   perAckEnable.get(d) == 1,
		AckPeriod:    uint16(perAckPeriod.get(d)),
		ElectEnabled: perElecEnable.get(d) == 1,
		ElectPeriod:  uint16(perElecPeriod.get(d)),
		TempEnabled:  perTempEnable.get(d) == 1,
		TempPeriod:   uint16(perTempPeriod.get(d)),
	}
}

// EncodeRequest asks device dev to transmit a frame of type t.
func EncodeRequest(dev uint8, t MsgType) can.Frame {
	var d einride.Data
	requestType.set(&d, int64(t))
	return frameOf(FrameID(dev, MsgRequest), requestLen, &d)
}

// Info is the content of an INFO frame.
type Info struct {
	DeviceID        uint8
	FirmwareVersion uint8
	HardwareVersion HWVersion
	SerialNumber    uint8
}

func EncodeInfo(dev uint8, i Info) can.Frame {
	var d einride.Data
	infoDeviceID.set(&d, int64(i.DeviceID))
	infoFirmware.set(&d, int64(i.FirmwareVersion))
	infoHardware.set(&d, int64(i.HardwareVersion))
	infoSerial.set(&d, int64(i.SerialNumber))
	return frameOf(FrameID(dev, MsgInfo), infoLen, &d)
}

func DecodeInfo(fr can.Frame) Info {
	d := payloadOf(fr)
	return Info{
		DeviceID:        uint8(infoDeviceID.get(d)),
		FirmwareVersion: uint8(infoFirmware.get(d)),
		HardwareVersion: HWVersion(infoHardware.get(d)),
		SerialNumber:    uint8(infoSerial.get(d)),
	}
}

func EncodeStatus(dev uint8, flags StatusFlags, code uint16) can.Frame {
	var d einride.Data
	statusFlags.set(&d, int64(flags))
	statusCode.set(&d, int64(code))
	return frameOf(FrameID(dev, MsgStatus), statusLen, &d)
}

func DecodeStatus(fr can.Frame) (StatusFlags, uint16) {
	d := payloadOf(fr)
	return StatusFlags(statusFlags.get(d)), uint16(statusCode.get(d))
}

// Electrical is the content of an ELEC_MEAS frame.
type Electrical struct {
	LSVoltage int32 // mV
	LSCurrent int32 // mA
	HSVoltage int32 // mV
}

// LSPower derives the low-side power in dW.
func (e Electrical) LSPower() int32 {
	return int32(int64(e.LSCurrent) * int64(e.LSVoltage) / 100000)
}

func EncodeElectrical(dev uint8, e Electrical) can.Frame {
	var d einride.Data
	elecLSVolt.set(&d, int64(e.LSVoltage))
	elecLSCurr.set(&d, int64(e.LSCurrent))
	elecHSVolt.set(&d, int64(e.HSVoltage))
	return frameOf(FrameID(dev, MsgElecMeas), elecLen, &d)
}

func DecodeElectrical(fr can.Frame) Electrical {
	d := payloadOf(fr)
	return Electrical{
		LSVoltage: int32(elecLSVolt.get(d)),
		LSCurrent: int32(elecLSCurr.get(d)),
		HSVoltage: int32(elecHSVolt.get(d)),
	}
}

// Temperatures is the content of a TEMP_MEAS frame, in d°C.
type Temperatures struct {
	Body    int32
	Anode   int32
	Ambient int32
}

func EncodeTemperatures(dev uint8, t Temperatures) can.Frame {
	var d einride.Data
	tempBody.set(&d, int64(t.Body))
	tempAnode.set(&d, int64(t.Anode))
	tempAmbient.set(&d, int64(t.Ambient))
	return frameOf(FrameID(dev, MsgTempMeas), tempLen, &d)
}

func DecodeTemperatures(fr can.Frame) Temperatures {
	d := payloadOf(fr)
	return Temperatures{
		Body:    int32(tempBody.get(d)),
		Anode:   int32(tempAnode.get(d)),
		Ambient: int32(tempAmbient.get(d)),
	}
}

// minLen is the shortest payload accepted for each inbound message type.
var minLen = map[MsgType]uint8{
	MsgMode:      modeLen,
	MsgRequest:   requestLen,
	MsgLSVoltLim: limitLen,
	MsgLSCurrLim: limitLen,
	MsgHSVoltLim: limitLen,
	MsgLSPwrLim:  limitLen,
	MsgTempLim:   limitLen,
	MsgPeriodic:  periodicLen,
	MsgInfo:      infoLen,
	MsgStatus:    statusLen,
	MsgElecMeas:  elecLen,
	MsgTempMeas:  tempLen,
}

// limitKindOf maps a limit message type back to its kind.
func limitKindOf(t MsgType) (LimitKind, bool) {
	for k, m := range limitMsg {
		if m == t {
			return LimitKind(k), true
		}
	}
	return 0, false
}

// checkFrame verifies that fr is a well-formed frame of a known type.
func checkFrame(fr can.Frame) (MsgType, error) {
	_, t := SplitID(fr.ID)
	want, ok := minLen[t]
	if !ok {
		return t, fmt.Errorf("unknown message type 0x%X", uint8(t))
	}
	if fr.DLC < want {
		return t, fmt.Errorf("%s payload %d bytes, want %d", t, fr.DLC, want)
	}
	return t, nil
}
