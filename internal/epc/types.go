package epc

import (
	"errors"
	"fmt"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/status"
)

var (
	// ErrRange reports a setpoint, limit or property outside its bounds.
	ErrRange = errors.New("epc: value out of range")
	// ErrInvalidLimit reports a limit type that cannot be combined with the
	// requested mode.
	ErrInvalidLimit = errors.New("epc: invalid limit for mode")
	ErrNotOpen      = errors.New("epc: device not open")
	ErrFirmware     = errors.New("epc: firmware not supported")
)

// MsgType is the low nibble of an EPC frame identifier.
type MsgType uint8

const (
	MsgMode      MsgType = 0x0
	MsgRequest   MsgType = 0x1
	MsgLSVoltLim MsgType = 0x2
	MsgLSCurrLim MsgType = 0x3
	MsgHSVoltLim MsgType = 0x4
	MsgLSPwrLim  MsgType = 0x5
	MsgTempLim   MsgType = 0x6
	MsgPeriodic  MsgType = 0x7
	MsgInfo      MsgType = 0xA
	MsgStatus    MsgType = 0xB
	MsgElecMeas  MsgType = 0xC
	MsgTempMeas  MsgType = 0xD
)

var msgNames = map[MsgType]string{
	MsgMode: "MODE", MsgRequest: "REQUEST", MsgLSVoltLim: "LS_VOLT_LIM", MsgLSCurrLim: "LS_CURR_LIM",
	MsgHSVoltLim: "HS_VOLT_LIM", MsgLSPwrLim: "LS_PWR_LIM", MsgTempLim: "TEMP_LIM", MsgPeriodic: "PERIODIC",
	MsgInfo: "INFO", MsgStatus: "STATUS", MsgElecMeas: "ELEC_MEAS", MsgTempMeas: "TEMP_MEAS",
}

func (t MsgType) String() string {
	if s, ok := msgNames[t]; ok {
		return s
	}
	return fmt.Sprintf("MsgType(0x%X)", uint8(t))
}

// DeviceMask routes every message type of one device to one filter.
const DeviceMask = 0x7F0

// MaxDeviceID is the largest device id representable in the 6-bit INFO field.
const MaxDeviceID = 0x3F

// FrameID composes the identifier device_id<<4 | message_type.
func FrameID(dev uint8, t MsgType) uint16 { return uint16(dev&0x7F)<<4 | uint16(t&0x0F) }

// SplitID is the inverse of FrameID.
func SplitID(id uint16) (uint8, MsgType) { return uint8(id>>4) & 0x7F, MsgType(id & 0x0F) }

// Mode is the converter control state.
type Mode uint8

const (
	ModeWait Mode = iota
	ModeCC
	ModeCV
	ModeCP
	// ModeIdle and ModeError are only ever observed, never commanded.
	ModeIdle
	ModeError
)

func (m Mode) String() string {
	switch m {
	case ModeWait:
		return "WAIT"
	case ModeCC:
		return "CC_MODE"
	case ModeCV:
		return "CV_MODE"
	case ModeCP:
		return "CP_MODE"
	case ModeIdle:
		return "IDLE"
	case ModeError:
		return "ERROR"
	default:
		return fmt.Sprintf("Mode(%d)", uint8(m))
	}
}

// LimitType selects the quantity that ends a control step.
type LimitType uint8

const (
	LimitTime LimitType = iota
	LimitVoltage
	LimitCurrent
	LimitPower
)

func (l LimitType) String() string {
	switch l {
	case LimitTime:
		return "TIME"
	case LimitVoltage:
		return "VOLTAGE"
	case LimitCurrent:
		return "CURRENT"
	case LimitPower:
		return "POWER"
	default:
		return fmt.Sprintf("LimitType(%d)", uint8(l))
	}
}

// Range is an inclusive [Min, Max] interval.
type Range struct{ Min, Max int32 }

func (r Range) Contains(v int32) bool { return v >= r.Min && v <= r.Max }

// LimitKind names one of the five configurable limit pairs.
type LimitKind uint8

const (
	LSVolt LimitKind = iota // low-side voltage, mV
	LSCurr                  // low-side current, mA
	LSPwr                   // low-side power, dW
	HSVolt                  // high-side voltage, mV
	Temp                    // temperature, d°C
	numLimitKinds
)

// Hardware bounds every configured limit must lie within.
var hwBounds = [numLimitKinds]Range{
	LSVolt: {Min: 400, Max: 5100},
	LSCurr: {Min: -15500, Max: 15500},
	LSPwr:  {Min: -800, Max: 800},
	HSVolt: {Min: 5300, Max: 14500},
	Temp:   {Min: -200, Max: 700},
}

var limitMsg = [numLimitKinds]MsgType{
	LSVolt: MsgLSVoltLim, LSCurr: MsgLSCurrLim, LSPwr: MsgLSPwrLim, HSVolt: MsgHSVoltLim, Temp: MsgTempLim,
}

var limitNames = [numLimitKinds]string{"ls_volt", "ls_curr", "ls_pwr", "hs_volt", "temp"}

func (k LimitKind) String() string {
	if k < numLimitKinds {
		return limitNames[k]
	}
	return fmt.Sprintf("LimitKind(%d)", uint8(k))
}

// HardwareBounds returns the fixed hardware range for the kind.
func (k LimitKind) HardwareBounds() Range { return hwBounds[k] }

// signed reports whether the wire fields of the kind are two's complement.
func (k LimitKind) signed() bool { return k != LSVolt && k != HSVolt }

// Limit is a {max, min} pair.
type Limit struct {
	Max int32
	Min int32
}

// Range returns the limit as an interval.
func (l Limit) Range() Range { return Range{Min: l.Min, Max: l.Max} }

// Check validates l against the hardware bounds of k.
func (k LimitKind) Check(l Limit) error {
	if k >= numLimitKinds {
		return fmt.Errorf("%w: unknown limit kind %d", ErrRange, k)
	}
	b := hwBounds[k]
	if l.Min > l.Max {
		return fmt.Errorf("%w: %s min %d above max %d", ErrRange, k, l.Min, l.Max)
	}
	if !b.Contains(l.Min) || !b.Contains(l.Max) {
		return fmt.Errorf("%w: %s [%d, %d] outside hardware [%d, %d]", ErrRange, k, l.Min, l.Max, b.Min, b.Max)
	}
	return nil
}

// Limits is the device limit model.
type Limits struct {
	LSVolt Limit
	LSCurr Limit
	LSPwr  Limit
	HSVolt Limit
	Temp   Limit
}

// NewLimits validates each pair against its hardware bounds.
func NewLimits(lsVolt, lsCurr, lsPwr, hsVolt, temp Limit) (Limits, error) {
	l := Limits{LSVolt: lsVolt, LSCurr: lsCurr, LSPwr: lsPwr, HSVolt: hsVolt, Temp: temp}
	for k := LimitKind(0); k < numLimitKinds; k++ {
		if err := k.Check(l.Get(k)); err != nil {
			return Limits{}, err
		}
	}
	return l, nil
}

// HardwareLimits opens every pair to the full hardware range.
func HardwareLimits() Limits {
	var l Limits
	for k := LimitKind(0); k < numLimitKinds; k++ {
		b := hwBounds[k]
		l.set(k, Limit{Max: b.Max, Min: b.Min})
	}
	return l
}

func (l Limits) Get(k LimitKind) Limit {
	switch k {
	case LSVolt:
		return l.LSVolt
	case LSCurr:
		return l.LSCurr
	case LSPwr:
		return l.LSPwr
	case HSVolt:
		return l.HSVolt
	default:
		return l.Temp
	}
}

func (l *Limits) set(k LimitKind, v Limit) {
	switch k {
	case LSVolt:
		l.LSVolt = v
	case LSCurr:
		l.LSCurr = v
	case LSPwr:
		l.LSPwr = v
	case HSVolt:
		l.HSVolt = v
	default:
		l.Temp = v
	}
}

// HWVersion is the 13-bit hardware version word. Some bits advertise which
// temperature sensors are fitted.
type HWVersion uint16

const maxHWVersion = 0x1FFF

func (h HWVersion) HasBodyTemp() bool    { return h&(1<<9) != 0 }
func (h HWVersion) HasAnodeTemp() bool   { return h&(0b11<<7) != 0 }
func (h HWVersion) HasAmbientTemp() bool { return h&(1<<10) != 0 }

// Periodic configures the unsolicited frames the converter emits. Periods
// are in milliseconds.
type Periodic struct {
	AckEnabled   bool
	AckPeriod    uint16
	ElectEnabled bool
	ElectPeriod  uint16
	TempEnabled  bool
	TempPeriod   uint16
}

const maxPeriod = 0x7FFF

func (p Periodic) validate() error {
	for _, v := range []uint16{p.AckPeriod, p.ElectPeriod, p.TempPeriod} {
		if v > maxPeriod {
			return fmt.Errorf("%w: period %d above %d ms", ErrRange, v, maxPeriod)
		}
	}
	return nil
}

// Properties is the device identity and limit model.
type Properties struct {
	DeviceID        uint8 // 6-bit CAN base id
	FirmwareVersion uint8 // 5 bits
	HardwareVersion HWVersion
	SerialNumber    uint8
	Limits          Limits
	Periodic        Periodic
}

// NewProperties validates the identity fields and every limit pair.
func NewProperties(deviceID, firmware uint8, hw HWVersion, serial uint8, limits Limits) (Properties, error) {
	if deviceID > MaxDeviceID {
		return Properties{}, fmt.Errorf("%w: device id %d above %d", ErrRange, deviceID, MaxDeviceID)
	}
	if firmware > 0x1F {
		return Properties{}, fmt.Errorf("%w: firmware version %d", ErrRange, firmware)
	}
	if hw > maxHWVersion {
		return Properties{}, fmt.Errorf("%w: hardware version 0x%X", ErrRange, uint16(hw))
	}
	if _, err := NewLimits(limits.LSVolt, limits.LSCurr, limits.LSPwr, limits.HSVolt, limits.Temp); err != nil {
		return Properties{}, err
	}
	return Properties{
		DeviceID:        deviceID,
		FirmwareVersion: firmware,
		HardwareVersion: hw,
		SerialNumber:    serial,
		Limits:          limits,
	}, nil
}

// BaseID is the identifier of the device's MODE frames; all its message
// types share it under DeviceMask.
func (p Properties) BaseID() uint16 { return FrameID(p.DeviceID, MsgMode) }

// StatusFlags are the six fault bits of a STATUS frame.
type StatusFlags uint8

const (
	FlagHSVolt StatusFlags = 1 << iota
	FlagLSVolt
	FlagLSCurr
	FlagComm
	FlagTemp
	FlagInternal
)

// Status maps the flags and error code to a device status.
func (f StatusFlags) Status(code uint16) status.Status {
	switch {
	case f == 0:
		return status.Status{Code: status.OK}
	case f&FlagComm != 0:
		return status.Status{Code: status.CommError, ErrorCode: code}
	default:
		return status.Status{Code: status.InternalError, ErrorCode: code}
	}
}

// LiveData is the continuously refreshed state of a converter. Units follow
// Limits; LSPower is derived on reception.
type LiveData struct {
	Mode           Mode
	LimitMode      LimitType
	LimitReference int32
	Reference      int32
	LSVoltage      int32
	LSCurrent      int32
	LSPower        int32
	HSVoltage      int32
	BodyTemp       int32
	AnodeTemp      int32
	AmbientTemp    int32
	Status         status.Status
	Faults         StatusFlags
}

// defaultLiveData is the state of a device that has not reported yet.
func defaultLiveData() LiveData {
	return LiveData{Mode: ModeIdle, LimitMode: LimitTime, Status: status.Status{Code: status.OK}}
}
