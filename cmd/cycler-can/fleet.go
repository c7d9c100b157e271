package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/bms"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/epc"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/node"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/status"
)

type epcUnit struct {
	entry epcEntry
	dev   *epc.Device
	last  status.Status
}

type bmsUnit struct {
	entry bmsEntry
	dev   *bms.Device
	last  status.Status
}

// fleet owns the devices listed in the inventory and polls them.
type fleet struct {
	epcs    []*epcUnit
	bmss    []*bmsUnit
	l       *slog.Logger
	polling sync.WaitGroup
}

// openFleet opens every device, pushes configured limits and periodic
// settings to the converters and drops converters whose firmware does not
// satisfy their constraint.
func openFleet(ctx context.Context, n node.Client, inv *inventory, cfg *appConfig, l *slog.Logger) (*fleet, error) {
	f := &fleet{l: l}
	for _, e := range inv.EPC {
		limits, err := e.limits()
		if err != nil {
			f.close(ctx)
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
		dev, err := epc.NewDevice(n, e.ID,
			epc.WithFilterBuffer(cfg.filterBuffer),
			epc.WithLimits(limits),
			epc.WithLogger(l.With("component", "epc", "device", e.Name)),
		)
		if err == nil {
			err = dev.Open(ctx)
		}
		if err != nil {
			f.close(ctx)
			return nil, fmt.Errorf("%s: %w", e.Name, err)
		}
		dev.GetProperties(true)
		f.epcs = append(f.epcs, &epcUnit{entry: e, dev: dev})
	}
	if len(f.epcs) > 0 && cfg.settle > 0 {
		select {
		case <-time.After(cfg.settle):
		case <-ctx.Done():
			f.close(context.Background())
			return nil, ctx.Err()
		}
	}
	kept := f.epcs[:0]
	for _, u := range f.epcs {
		if err := u.configure(); err != nil {
			l.Error("epc_rejected", "device", u.entry.Name, "error", err)
			_ = u.dev.Close(ctx)
			continue
		}
		kept = append(kept, u)
	}
	f.epcs = kept

	for _, b := range inv.BMS {
		opts := []bms.Option{
			bms.WithFilterBuffer(cfg.filterBuffer),
			bms.WithLogger(l.With("component", "bms", "device", b.Name)),
		}
		if t, _ := b.timeout(); t > 0 {
			opts = append(opts, bms.WithTimeout(t))
		}
		dev, err := bms.NewDevice(n, b.CANID, opts...)
		if err == nil {
			err = dev.Open(ctx)
		}
		if err != nil {
			f.close(ctx)
			return nil, fmt.Errorf("%s: %w", b.Name, err)
		}
		f.bmss = append(f.bmss, &bmsUnit{entry: b, dev: dev})
	}
	l.Info("fleet_open", "epc", len(f.epcs), "bms", len(f.bmss))
	return f, nil
}

func (u *epcUnit) configure() error {
	u.dev.GetProperties(false)
	if u.entry.Firmware != "" {
		if err := u.dev.CheckFirmware(u.entry.Firmware); err != nil {
			return err
		}
	}
	lim := u.entry.Limits
	set := []struct {
		pair *pairEntry
		fn   func(max, min int32) error
	}{
		{lim.LSVolt, u.dev.SetLSVoltLimit},
		{lim.LSCurr, u.dev.SetLSCurrLimit},
		{lim.LSPwr, u.dev.SetLSPwrLimit},
		{lim.HSVolt, u.dev.SetHSVoltLimit},
		{lim.Temp, u.dev.SetTempLimit},
	}
	for _, s := range set {
		if s.pair == nil {
			continue
		}
		if err := s.fn(s.pair.Max, s.pair.Min); err != nil {
			return err
		}
	}
	if p, ok := u.entry.periodic(); ok {
		if err := u.dev.SetPeriodic(p); err != nil {
			return err
		}
	}
	return nil
}

// poll refreshes every device once and exports its status.
func (f *fleet) poll() {
	for _, u := range f.epcs {
		d := u.dev.GetData(true)
		metrics.SetDeviceStatus("epc", u.entry.Name, int(d.Status.Code))
		if d.Status != u.last {
			f.l.Info("device_status", "device", u.entry.Name, "from", u.last.String(), "to", d.Status.String())
			u.last = d.Status
		}
		f.l.Debug("epc_data", "device", u.entry.Name, "mode", d.Mode.String(),
			"ls_voltage_mv", d.LSVoltage, "ls_current_ma", d.LSCurrent, "ls_power_dw", d.LSPower,
			"hs_voltage_mv", d.HSVoltage, "status", d.Status.String())
	}
	for _, u := range f.bmss {
		d := u.dev.GetData()
		metrics.SetDeviceStatus("bms", u.entry.Name, int(d.Status.Code))
		if d.Status != u.last {
			f.l.Info("device_status", "device", u.entry.Name, "from", u.last.String(), "to", d.Status.String())
			u.last = d.Status
		}
		f.l.Debug("bms_data", "device", u.entry.Name, "stack_mv", d.Stack(), "cells_mv", d.Cells(), "status", d.Status.String())
	}
}

// run polls at the given interval until ctx is cancelled.
func (f *fleet) run(ctx context.Context, interval time.Duration) {
	f.polling.Add(1)
	go func() {
		defer f.polling.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				f.poll()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// close disables converter outputs and removes every filter. It waits for
// the poll loop, so the context given to run must already be cancelled.
func (f *fleet) close(ctx context.Context) {
	f.polling.Wait()
	for _, u := range f.epcs {
		if err := u.dev.Disable(); err != nil {
			f.l.Warn("epc_disable_failed", "device", u.entry.Name, "error", err)
		}
		if err := u.dev.Close(ctx); err != nil {
			f.l.Warn("device_close_failed", "device", u.entry.Name, "error", err)
		}
	}
	for _, u := range f.bmss {
		if err := u.dev.Close(ctx); err != nil {
			f.l.Warn("device_close_failed", "device", u.entry.Name, "error", err)
		}
	}
	f.epcs, f.bmss = nil, nil
}
