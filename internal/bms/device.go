package bms

import (
	"context"
	"fmt"
	"sync"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/node"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/status"
)

// maxDrain bounds the fragments consumed by one GetData call.
const maxDrain = 64

// Device reads one battery management unit through a node.
type Device struct {
	node  node.Client
	canID uint16
	name  string
	cfg   config

	mu     sync.Mutex
	filter node.Filter
	open   bool
	r      *Reassembler
}

// NewDevice prepares a driver for the unit transmitting on canID.
func NewDevice(n node.Client, canID uint16, opts ...Option) (*Device, error) {
	if canID > can.CAN_SFF_MASK {
		return nil, fmt.Errorf("%w: 0x%X", can.ErrInvalidID, canID)
	}
	cfg := newConfig(opts)
	name := fmt.Sprintf("bms_%03x", canID)
	cfg.logger = cfg.logger.With("device", name)
	return &Device{node: n, canID: canID, name: name, cfg: cfg, r: newReassembler(cfg)}, nil
}

func (d *Device) Name() string { return d.name }

// Open installs an exact-match filter for the unit.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.open {
		return nil
	}
	f := node.NewFilter(d.canID, can.CAN_SFF_MASK, d.name, d.cfg.bufSize)
	if err := d.node.AddFilter(ctx, f); err != nil {
		return fmt.Errorf("%s open: %w", d.name, err)
	}
	d.filter = f
	d.open = true
	d.cfg.logger.Info("bms_opened", "filter", f.String())
	return nil
}

// Close removes the filter; the node closes and drains its channel.
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
	d.cfg.logger.Info("bms_closed")
	return nil
}

// GetData feeds pending fragments to the reassembler, applies the silence
// timeout and returns the latest snapshot. It never fails; link problems are
// reported through Data.Status.
func (d *Device) GetData() Data {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drain()
	d.r.CheckTimeout(d.cfg.now())
	return d.r.Snapshot()
}

func (d *Device) drain() {
	if !d.open {
		return
	}
	for i := 0; i < maxDrain; i++ {
		select {
		case fr, ok := <-d.filter.C:
			if !ok {
				d.open = false
				d.r.data.Status = status.Status{Code: status.CommError}
				d.cfg.logger.Warn("bms_channel_closed")
				return
			}
			d.r.Feed(fr)
		default:
			return
		}
	}
}
