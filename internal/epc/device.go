package epc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Masterminds/semver"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/logging"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/node"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/status"
)

const (
	// maxDrain bounds the frames consumed by one read-back.
	maxDrain = 64

	defaultSendTimeout = 500 * time.Millisecond
)

type Option func(*Device)

func WithLogger(l *slog.Logger) Option {
	return func(d *Device) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithFilterBuffer sizes the device receive channel.
func WithFilterBuffer(n int) Option { return func(d *Device) { d.bufSize = n } }

// WithSendTimeout bounds how long a control call waits for the node to
// report the transmit outcome.
func WithSendTimeout(t time.Duration) Option {
	return func(d *Device) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithLimits replaces the initial limit model, which otherwise spans the
// full hardware range.
func WithLimits(l Limits) Option { return func(d *Device) { d.props.Limits = l } }

// Device drives one power converter through a node. It is safe for
// concurrent use; calls are serialised.
type Device struct {
	node    node.Client
	id      uint8
	name    string
	bufSize int
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.Mutex
	filter node.Filter
	open   bool
	live   LiveData
	props  Properties
}

// NewDevice prepares a driver for the converter with the given CAN device id.
// No frames are exchanged until Open.
func NewDevice(n node.Client, deviceID uint8, opts ...Option) (*Device, error) {
	if deviceID > MaxDeviceID {
		return nil, fmt.Errorf("%w: device id %d above %d", ErrRange, deviceID, MaxDeviceID)
	}
	d := &Device{
		node:    n,
		id:      deviceID,
		name:    fmt.Sprintf("epc_%d", deviceID),
		timeout: defaultSendTimeout,
		live:    defaultLiveData(),
		props:   Properties{DeviceID: deviceID, Limits: HardwareLimits()},
	}
	d.logger = logging.Component("epc").With("device", d.name)
	for _, o := range opts {
		o(d)
	}
	if _, err := NewLimits(d.props.Limits.LSVolt, d.props.Limits.LSCurr, d.props.Limits.LSPwr, d.props.Limits.HSVolt, d.props.Limits.Temp); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Device) ID() uint8      { return d.id }
func (d *Device) Name() string   { return d.name }
func (d *Device) BaseID() uint16 { return FrameID(d.id, MsgMode) }

// Open installs the device filter on the node.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	f := node.NewFilter(d.BaseID(), DeviceMask, d.name, d.bufSize)
	if err := d.node.AddFilter(ctx, f); err != nil {
		return fmt.Errorf("%s open: %w", d.name, err)
	}
	d.filter = f
	d.open = true
	d.logger.Info("epc_opened", "filter", f.String())
	return nil
}

// Close removes the device filter. The node closes and drains its channel.
func (d *Device) Close(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		return nil
	}
	// The filter stays installed until the node confirms the removal, so a
	// failed Close can be retried.
	if err := d.node.RemoveFilter(ctx, d.filter); err != nil {
		return fmt.Errorf("%s close: %w", d.name, err)
	}
	d.open = false
	d.logger.Info("epc_closed")
	return nil
}

// SetCVMode regulates the low-side voltage to ref mV until the limit is hit.
func (d *Device) SetCVMode(ref int32, limitType LimitType, limitRef int32) error {
	return d.control(ModeCV, ref, limitType, limitRef)
}

// SetCCMode regulates the low-side current to ref mA until the limit is hit.
func (d *Device) SetCCMode(ref int32, limitType LimitType, limitRef int32) error {
	return d.control(ModeCC, ref, limitType, limitRef)
}

// SetCPMode regulates the low-side power to ref dW until the limit is hit.
func (d *Device) SetCPMode(ref int32, limitType LimitType, limitRef int32) error {
	return d.control(ModeCP, ref, limitType, limitRef)
}

// SetWaitMode holds the output for limitRef ms.
func (d *Device) SetWaitMode(limitRef int32) error {
	return d.control(ModeWait, 0, LimitTime, limitRef)
}

// Disable turns the output off.
func (d *Device) Disable() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.send(EncodeControl(d.id, Control{Mode: ModeWait, LimitType: LimitTime})); err != nil {
		return err
	}
	d.drain()
	return nil
}

// controlled maps each regulating mode to the quantity it regulates.
var controlled = map[Mode]struct {
	kind  LimitKind
	limit LimitType
}{
	ModeCV: {LSVolt, LimitVoltage},
	ModeCC: {LSCurr, LimitCurrent},
	ModeCP: {LSPwr, LimitPower},
}

func (d *Device) control(mode Mode, ref int32, lt LimitType, limitRef int32) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.validateControl(mode, ref, lt, limitRef); err != nil {
		return err
	}
	c := Control{Enable: true, Mode: mode, LimitType: lt, Reference: ref, LimitReference: limitRef}
	if err := d.send(EncodeControl(d.id, c)); err != nil {
		return err
	}
	d.logger.Debug("epc_control_sent", "mode", mode, "ref", ref, "limit", lt, "limit_ref", limitRef)
	d.drain()
	return nil
}

func (d *Device) validateControl(mode Mode, ref int32, lt LimitType, limitRef int32) error {
	if lt > LimitPower {
		return fmt.Errorf("%w: %s", ErrInvalidLimit, lt)
	}
	if q, ok := controlled[mode]; ok {
		if lt == q.limit {
			return fmt.Errorf("%w: %s cannot end on a %s limit", ErrInvalidLimit, mode, lt)
		}
		if r := d.props.Limits.Get(q.kind).Range(); !r.Contains(ref) {
			return fmt.Errorf("%w: %s reference %d outside [%d, %d]", ErrRange, mode, ref, r.Min, r.Max)
		}
	}
	return d.checkLimitRef(lt, limitRef)
}

func (d *Device) checkLimitRef(lt LimitType, v int32) error {
	var r Range
	switch lt {
	case LimitTime:
		if v < 0 {
			return fmt.Errorf("%w: time limit %d ms is negative", ErrRange, v)
		}
		return nil
	case LimitVoltage:
		r = d.props.Limits.LSVolt.Range()
	case LimitCurrent:
		r = d.props.Limits.LSCurr.Range()
	default:
		r = d.props.Limits.LSPwr.Range()
	}
	if !r.Contains(v) {
		return fmt.Errorf("%w: %s limit %d outside [%d, %d]", ErrRange, lt, v, r.Min, r.Max)
	}
	return nil
}

// SetPeriodic configures the unsolicited ack, electrical and temperature
// frames.
func (d *Device) SetPeriodic(p Periodic) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := p.validate(); err != nil {
		return err
	}
	if err := d.send(EncodePeriodic(d.id, p)); err != nil {
		return err
	}
	d.props.Periodic = p
	d.drain()
	return nil
}

func (d *Device) SetLSVoltLimit(max, min int32) error { return d.setLimit(LSVolt, Limit{Max: max, Min: min}) }
func (d *Device) SetLSCurrLimit(max, min int32) error { return d.setLimit(LSCurr, Limit{Max: max, Min: min}) }
func (d *Device) SetLSPwrLimit(max, min int32) error  { return d.setLimit(LSPwr, Limit{Max: max, Min: min}) }
func (d *Device) SetHSVoltLimit(max, min int32) error { return d.setLimit(HSVolt, Limit{Max: max, Min: min}) }
func (d *Device) SetTempLimit(max, min int32) error   { return d.setLimit(Temp, Limit{Max: max, Min: min}) }

func (d *Device) setLimit(k LimitKind, l Limit) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := k.Check(l); err != nil {
		return err
	}
	if err := d.send(EncodeLimit(d.id, k, l)); err != nil {
		return err
	}
	d.props.Limits.set(k, l)
	d.drain()
	return nil
}

// GetData returns the latest live data. With update set, fresh mode, status
// and measurement frames are requested first; their answers may arrive after
// the call returns.
func (d *Device) GetData(update bool) LiveData {
	d.mu.Lock()
	defer d.mu.Unlock()
	if update {
		d.request(MsgMode, MsgStatus, MsgElecMeas, MsgTempMeas)
	}
	d.drain()
	return d.live
}

// GetProperties returns the identity, limit and periodic configuration.
func (d *Device) GetProperties(update bool) Properties {
	d.mu.Lock()
	defer d.mu.Unlock()
	if update {
		d.request(MsgInfo, MsgLSVoltLim, MsgLSCurrLim, MsgHSVoltLim, MsgLSPwrLim, MsgTempLim, MsgPeriodic)
	}
	d.drain()
	return d.props
}

// CheckFirmware verifies the last reported firmware version against a
// semver constraint such as ">= 3". Versions are read as MAJOR.0.0.
func (d *Device) CheckFirmware(constraint string) error {
	c, err := semver.NewConstraint(constraint)
	if err != nil {
		return fmt.Errorf("%s: firmware constraint %q: %w", d.name, constraint, err)
	}
	d.mu.Lock()
	fw := d.props.FirmwareVersion
	d.mu.Unlock()
	v, err := semver.NewVersion(fmt.Sprintf("%d.0.0", fw))
	if err != nil {
		return fmt.Errorf("%s: firmware version %d: %w", d.name, fw, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s reports %s, require %s", ErrFirmware, d.name, v, constraint)
	}
	return nil
}

func (d *Device) send(fr can.Frame) error {
	if !d.open {
		return fmt.Errorf("%s: %w", d.name, ErrNotOpen)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	if err := d.node.Send(ctx, fr); err != nil {
		_, t := SplitID(fr.ID)
		return fmt.Errorf("%s send %s: %w", d.name, t, err)
	}
	return nil
}

// request queues REQUEST frames without waiting for the outcome.
func (d *Device) request(types ...MsgType) {
	if !d.open {
		return
	}
	for _, t := range types {
		if err := d.node.Submit(node.Send{Frame: EncodeRequest(d.id, t)}); err != nil {
			d.logger.Warn("epc_request_failed", "type", t, "error", err)
			return
		}
	}
}

func (d *Device) drain() {
	if !d.open {
		return
	}
	for i := 0; i < maxDrain; i++ {
		select {
		case fr, ok := <-d.filter.C:
			if !ok {
				d.channelLost()
				return
			}
			d.handle(fr)
		default:
			return
		}
	}
}

// channelLost handles a filter channel closed by the node shutting down.
func (d *Device) channelLost() {
	d.open = false
	d.live.Status = status.Status{Code: status.CommError}
	d.logger.Warn("epc_channel_closed")
}

func (d *Device) handle(fr can.Frame) {
	t, err := checkFrame(fr)
	if err != nil {
		d.anomaly(fr, err)
		return
	}
	switch t {
	case MsgMode:
		c := DecodeControl(fr)
		if c.Mode > ModeCP {
			d.anomaly(fr, fmt.Errorf("mode code %d is not commandable", uint8(c.Mode)))
			return
		}
		d.live.Mode = c.Mode
		if !c.Enable {
			d.live.Mode = ModeIdle
		}
		d.live.LimitMode = c.LimitType
		d.live.Reference = c.Reference
		d.live.LimitReference = c.LimitReference
	case MsgRequest:
		if req := MsgType(requestType.get(payloadOf(fr))); req == MsgRequest || minLen[req] == 0 {
			d.anomaly(fr, fmt.Errorf("malformed request echo for type 0x%X", uint8(req)))
		}
	case MsgLSVoltLim, MsgLSCurrLim, MsgHSVoltLim, MsgLSPwrLim, MsgTempLim:
		k, _ := limitKindOf(t)
		l := DecodeLimit(k, fr)
		if err := k.Check(l); err != nil {
			d.anomaly(fr, err)
			return
		}
		d.props.Limits.set(k, l)
	case MsgPeriodic:
		d.props.Periodic = DecodePeriodic(fr)
	case MsgInfo:
		info := DecodeInfo(fr)
		if info.DeviceID != d.id {
			d.anomaly(fr, fmt.Errorf("info reports device id %d", info.DeviceID))
			return
		}
		d.props.FirmwareVersion = info.FirmwareVersion
		d.props.HardwareVersion = info.HardwareVersion
		d.props.SerialNumber = info.SerialNumber
	case MsgStatus:
		flags, code := DecodeStatus(fr)
		prev := d.live.Status
		d.live.Faults = flags
		d.live.Status = flags.Status(code)
		if flags != 0 {
			d.live.Mode = ModeError
		}
		if d.live.Status != prev {
			d.logger.Info("epc_status_changed", "from", prev.String(), "to", d.live.Status.String())
		}
	case MsgElecMeas:
		e := DecodeElectrical(fr)
		d.live.LSVoltage = e.LSVoltage
		d.live.LSCurrent = e.LSCurrent
		d.live.HSVoltage = e.HSVoltage
		d.live.LSPower = e.LSPower()
	case MsgTempMeas:
		tm := DecodeTemperatures(fr)
		hw := d.props.HardwareVersion
		if hw.HasBodyTemp() {
			d.live.BodyTemp = tm.Body
		}
		if hw.HasAnodeTemp() {
			d.live.AnodeTemp = tm.Anode
		}
		if hw.HasAmbientTemp() {
			d.live.AmbientTemp = tm.Ambient
		}
	}
}

func (d *Device) anomaly(fr can.Frame, err error) {
	metrics.IncEPCAnomaly()
	d.logger.Warn("epc_decode_anomaly", "frame", fr.String(), "error", err)
}
