package epc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/node"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/status"
)

// fakeNode records traffic and lets tests play the converter side of the
// device filter channel.
type fakeNode struct {
	mu        sync.Mutex
	sent      []can.Frame
	submitted []can.Frame
	sendErr   error
	filter    node.Filter
	adds      int
	removed   bool
	removeErr error
}

func (f *fakeNode) Submit(cmd node.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := cmd.(node.Send); ok {
		f.submitted = append(f.submitted, s.Frame)
	}
	return nil
}

func (f *fakeNode) Send(_ context.Context, fr can.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, fr)
	return nil
}

func (f *fakeNode) AddFilter(_ context.Context, flt node.Filter) error {
	f.adds++
	f.filter = flt
	return nil
}

func (f *fakeNode) RemoveFilter(_ context.Context, flt node.Filter) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	if flt.Name != f.filter.Name {
		return fmt.Errorf("%w: %s", node.ErrConfigConflict, flt.Name)
	}
	f.removed = true
	close(f.filter.C)
	return nil
}

func (f *fakeNode) deliver(frs ...can.Frame) {
	for _, fr := range frs {
		f.filter.C <- fr
	}
}

func (f *fakeNode) sentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func openDevice(t *testing.T, id uint8, opts ...Option) (*Device, *fakeNode) {
	t.Helper()
	fn := &fakeNode{}
	d, err := NewDevice(fn, id, opts...)
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d, fn
}

func TestDeviceOpenInstallsDeviceFilter(t *testing.T) {
	_, fn := openDevice(t, 3)
	if fn.filter.Address != 0x030 || fn.filter.Mask != DeviceMask || fn.filter.Name != "epc_3" {
		t.Fatalf("unexpected filter %s", fn.filter)
	}
	if _, err := NewDevice(fn, 64); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange for device id 64, got %v", err)
	}
}

func TestDeviceControlValidation(t *testing.T) {
	d, fn := openDevice(t, 3)

	rejected := []struct {
		name string
		call func() error
		want error
	}{
		{"cv voltage limit", func() error { return d.SetCVMode(4000, LimitVoltage, 3000) }, ErrInvalidLimit},
		{"cc current limit", func() error { return d.SetCCMode(1000, LimitCurrent, 0) }, ErrInvalidLimit},
		{"cp power limit", func() error { return d.SetCPMode(100, LimitPower, 0) }, ErrInvalidLimit},
		{"cv ref above", func() error { return d.SetCVMode(5101, LimitTime, 1000) }, ErrRange},
		{"cv ref below", func() error { return d.SetCVMode(399, LimitTime, 1000) }, ErrRange},
		{"cc ref above", func() error { return d.SetCCMode(15501, LimitTime, 1000) }, ErrRange},
		{"cp ref below", func() error { return d.SetCPMode(-801, LimitTime, 1000) }, ErrRange},
		{"cc voltage limit ref", func() error { return d.SetCCMode(1000, LimitVoltage, 5101) }, ErrRange},
		{"cv current limit ref", func() error { return d.SetCVMode(4000, LimitCurrent, -15501) }, ErrRange},
		{"wait negative", func() error { return d.SetWaitMode(-1) }, ErrRange},
		{"bogus limit type", func() error { return d.SetCVMode(4000, LimitType(7), 0) }, ErrInvalidLimit},
	}
	for _, tc := range rejected {
		if err := tc.call(); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if n := fn.sentCount(); n != 0 {
		t.Fatalf("rejected calls must not touch the bus, %d frames sent", n)
	}

	accepted := []func() error{
		func() error { return d.SetCVMode(5100, LimitTime, 0) },
		func() error { return d.SetCVMode(400, LimitCurrent, -15500) },
		func() error { return d.SetCCMode(-15500, LimitVoltage, 400) },
		func() error { return d.SetCCMode(15500, LimitPower, 800) },
		func() error { return d.SetCPMode(-800, LimitVoltage, 5100) },
		func() error { return d.SetWaitMode(0) },
		d.Disable,
	}
	for i, call := range accepted {
		if err := call(); err != nil {
			t.Fatalf("accepted call %d: %v", i, err)
		}
	}
	if n := fn.sentCount(); n != len(accepted) {
		t.Fatalf("expected %d frames, got %d", len(accepted), n)
	}
	if c := DecodeControl(fn.sent[len(fn.sent)-1]); c.Enable {
		t.Fatalf("disable must clear the enable bit: %+v", c)
	}
}

func TestDeviceConfiguredLimitsNarrowReference(t *testing.T) {
	d, fn := openDevice(t, 4)
	if err := d.SetLSVoltLimit(4200, 3000); err != nil {
		t.Fatal(err)
	}
	if got := fn.sent[0]; got.ID != 0x042 {
		t.Fatalf("limit frame id 0x%03X", got.ID)
	}
	if err := d.SetCVMode(4201, LimitTime, 10); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange above configured max, got %v", err)
	}
	if err := d.SetCVMode(4200, LimitTime, 10); err != nil {
		t.Fatalf("configured max must be accepted: %v", err)
	}
	if err := d.SetCCMode(0, LimitVoltage, 2999); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange for voltage limit below configured min, got %v", err)
	}
	if err := d.SetLSVoltLimit(5200, 3000); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange beyond hardware, got %v", err)
	}
	if err := d.SetTempLimit(-10, 10); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange for min above max, got %v", err)
	}
	if got := d.GetProperties(false).Limits.LSVolt; got != (Limit{Max: 4200, Min: 3000}) {
		t.Fatalf("limit model not updated: %+v", got)
	}
	if err := d.SetPeriodic(Periodic{AckPeriod: 0x8000}); !errors.Is(err, ErrRange) {
		t.Fatalf("expected ErrRange for period, got %v", err)
	}
}

func TestDeviceNotOpen(t *testing.T) {
	d, err := NewDevice(&fakeNode{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.SetWaitMode(100); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
	if got := d.GetData(true); got.Mode != ModeIdle || !got.Status.OK() {
		t.Fatalf("unexpected default live data %+v", got)
	}
}

func TestDeviceSendBusError(t *testing.T) {
	d, fn := openDevice(t, 2)
	fn.sendErr = fmt.Errorf("%w: ENOBUFS", node.ErrBus)
	if err := d.SetWaitMode(100); !errors.Is(err, node.ErrBus) {
		t.Fatalf("expected ErrBus, got %v", err)
	}
}

func TestDeviceGetDataDecodes(t *testing.T) {
	d, fn := openDevice(t, 3)
	fn.deliver(
		EncodeInfo(3, Info{DeviceID: 3, FirmwareVersion: 4, HardwareVersion: 1 << 9, SerialNumber: 7}),
		EncodeControl(3, Control{Enable: true, Mode: ModeCC, LimitType: LimitVoltage, Reference: -2000, LimitReference: 3000}),
		EncodeElectrical(3, Electrical{LSVoltage: 3700, LSCurrent: -2000, HSVoltage: 12000}),
		EncodeTemperatures(3, Temperatures{Body: 251, Anode: 300, Ambient: 200}),
	)
	got := d.GetData(false)
	if got.Mode != ModeCC || got.LimitMode != LimitVoltage || got.Reference != -2000 || got.LimitReference != 3000 {
		t.Fatalf("mode fields %+v", got)
	}
	if got.LSVoltage != 3700 || got.LSCurrent != -2000 || got.HSVoltage != 12000 || got.LSPower != -74 {
		t.Fatalf("electrical fields %+v", got)
	}
	if got.BodyTemp != 251 || got.AnodeTemp != 0 || got.AmbientTemp != 0 {
		t.Fatalf("temperatures must follow hardware capabilities: %+v", got)
	}

	fn.deliver(EncodeStatus(3, FlagComm, 12))
	got = d.GetData(false)
	if got.Status != (status.Status{Code: status.CommError, ErrorCode: 12}) || got.Mode != ModeError {
		t.Fatalf("status %v mode %s", got.Status, got.Mode)
	}

	fn.deliver(EncodeControl(3, Control{Enable: false, Mode: ModeCV}), EncodeStatus(3, 0, 0))
	got = d.GetData(false)
	if got.Mode != ModeIdle || !got.Status.OK() {
		t.Fatalf("expected idle and OK, got %s %v", got.Mode, got.Status)
	}
}

func TestDeviceGetDataRequests(t *testing.T) {
	d, fn := openDevice(t, 3)
	d.GetData(true)
	want := []MsgType{MsgMode, MsgStatus, MsgElecMeas, MsgTempMeas}
	if len(fn.submitted) != len(want) {
		t.Fatalf("expected %d requests, got %d", len(want), len(fn.submitted))
	}
	for i, fr := range fn.submitted {
		if fr.ID != 0x031 || fr.DLC != 1 || MsgType(fr.Data[0]) != want[i] {
			t.Fatalf("request %d: %v", i, fr)
		}
	}
	fn.submitted = nil
	d.GetProperties(true)
	if len(fn.submitted) != 7 {
		t.Fatalf("expected 7 property requests, got %d", len(fn.submitted))
	}
}

func TestDeviceDrainBound(t *testing.T) {
	d, fn := openDevice(t, 6, WithFilterBuffer(128))
	for i := 0; i < 100; i++ {
		fn.deliver(EncodeElectrical(6, Electrical{LSVoltage: int32(1000 + i)}))
	}
	got := d.GetData(false)
	if got.LSVoltage != 1000+maxDrain-1 {
		t.Fatalf("expected last drained voltage %d, got %d", 1000+maxDrain-1, got.LSVoltage)
	}
	if left := len(fn.filter.C); left != 100-maxDrain {
		t.Fatalf("expected %d frames left, got %d", 100-maxDrain, left)
	}
}

func TestDeviceDecodeAnomalies(t *testing.T) {
	d, fn := openDevice(t, 3)
	before := metrics.Snap().EPCAnomalies
	fn.deliver(
		can.MustFrame(0x038, 1, 2, 3),                        // unknown type
		can.MustFrame(0x03C, 1, 2),                           // truncated measurement
		can.MustFrame(0x031, 0x0F),                           // request echo for an unknown type
		EncodeInfo(3, Info{DeviceID: 9, FirmwareVersion: 1}), // wrong identity
		EncodeLimit(3, LSVolt, Limit{Max: 6000, Min: 400}),   // beyond hardware
		EncodeRequest(3, MsgStatus),                          // ordinary echo
		EncodeLimit(3, LSPwr, Limit{Max: 500, Min: -500}),    // valid readback
	)
	p := d.GetProperties(false)
	if got := metrics.Snap().EPCAnomalies - before; got != 5 {
		t.Fatalf("expected 5 anomalies, got %d", got)
	}
	if p.FirmwareVersion != 0 || p.Limits.LSVolt != HardwareLimits().LSVolt {
		t.Fatalf("anomalous frames must not update properties: %+v", p)
	}
	if p.Limits.LSPwr != (Limit{Max: 500, Min: -500}) {
		t.Fatalf("power limit readback missing: %+v", p.Limits.LSPwr)
	}
}

func TestDeviceModeEchoWithUnknownCode(t *testing.T) {
	d, fn := openDevice(t, 3)
	fn.deliver(EncodeControl(3, Control{Enable: true, Mode: ModeCV, LimitType: LimitTime, Reference: 3700, LimitReference: 1000}))
	if got := d.GetData(false); got.Mode != ModeCV {
		t.Fatalf("mode = %v want CV_MODE", got.Mode)
	}
	before := metrics.Snap().EPCAnomalies
	for _, code := range []Mode{4, 5, 6, 7} {
		fn.deliver(EncodeControl(3, Control{Enable: true, Mode: code, Reference: 1}))
	}
	got := d.GetData(false)
	if n := metrics.Snap().EPCAnomalies - before; n != 4 {
		t.Fatalf("expected 4 anomalies, got %d", n)
	}
	if got.Mode != ModeCV || got.Reference != 3700 {
		t.Fatalf("unknown mode codes must not update live data: %+v", got)
	}
}

func TestDeviceCheckFirmware(t *testing.T) {
	d, fn := openDevice(t, 3)
	fn.deliver(EncodeInfo(3, Info{DeviceID: 3, FirmwareVersion: 3}))
	if p := d.GetProperties(false); p.FirmwareVersion != 3 {
		t.Fatalf("firmware %d", p.FirmwareVersion)
	}
	if err := d.CheckFirmware(">= 3"); err != nil {
		t.Fatalf("expected firmware 3 to satisfy >= 3: %v", err)
	}
	if err := d.CheckFirmware(">= 4"); !errors.Is(err, ErrFirmware) {
		t.Fatalf("expected ErrFirmware, got %v", err)
	}
	if err := d.CheckFirmware("not a constraint"); err == nil || errors.Is(err, ErrFirmware) {
		t.Fatalf("expected a constraint parse error, got %v", err)
	}
}

func TestDeviceCloseAndLostChannel(t *testing.T) {
	d, fn := openDevice(t, 3)
	if err := d.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !fn.removed {
		t.Fatalf("filter not removed")
	}
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("second close should be a no-op: %v", err)
	}

	d2, fn2 := openDevice(t, 4)
	close(fn2.filter.C) // node shut down underneath the device
	if got := d2.GetData(false); got.Status.Code != status.CommError {
		t.Fatalf("expected COMM_ERROR after losing the channel, got %v", got.Status)
	}
	if err := d2.SetWaitMode(10); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("expected ErrNotOpen, got %v", err)
	}
}

func TestDeviceFailedCloseKeepsFilter(t *testing.T) {
	d, fn := openDevice(t, 3)
	fn.removeErr = node.ErrQueueFull
	if err := d.Close(context.Background()); !errors.Is(err, node.ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	if err := d.Open(context.Background()); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if fn.adds != 1 {
		t.Fatalf("reopen installed a second filter (%d adds)", fn.adds)
	}
	fn.deliver(EncodeElectrical(3, Electrical{LSVoltage: 3700}))
	if got := d.GetData(false); got.LSVoltage != 3700 {
		t.Fatalf("LSVoltage = %d, want 3700", got.LSVoltage)
	}
	fn.removeErr = nil
	if err := d.Close(context.Background()); err != nil {
		t.Fatalf("retry close: %v", err)
	}
	if !fn.removed {
		t.Fatalf("filter not removed on retry")
	}
}
