//go:build !linux

package socketcan

import (
	"errors"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/can"
)

// ErrUnsupported is returned by Open on platforms without SocketCAN.
var ErrUnsupported = errors.New("socketcan: unsupported on this platform")

// Device is a placeholder so non-linux builds compile.
type Device struct{}

func Open(iface string, readTimeout time.Duration) (*Device, error) { return nil, ErrUnsupported }

func (d *Device) Close() error                    { return ErrUnsupported }
func (d *Device) ReadFrame(fr *can.RawFrame) error { return ErrUnsupported }
func (d *Device) WriteFrame(fr can.Frame) error    { return ErrUnsupported }
