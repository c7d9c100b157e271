package main

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/node"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/serial"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/socketcan"
)

// openSerialPort is a hook for tests.
var openSerialPort = serial.Open

// openSocketCAN is a hook for tests.
var openSocketCAN = func(iface string, readTimeout time.Duration) (node.Bus, error) {
	dev, err := socketcan.Open(iface, readTimeout)
	if err != nil {
		return nil, err
	}
	return dev, nil
}

// openBus opens the configured backend. The poll timeout doubles as the
// backend read timeout so that an idle bus yields can.ErrReadTimeout.
func openBus(cfg *appConfig, l *slog.Logger) (node.Bus, error) {
	switch cfg.backend {
	case "serial":
		p, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.pollTimeout)
		if err != nil {
			return nil, fmt.Errorf("open serial %s: %w", cfg.serialDev, err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
		return serial.NewBus(p), nil
	case "socketcan":
		b, err := openSocketCAN(cfg.canIf, cfg.pollTimeout)
		if err != nil {
			return nil, fmt.Errorf("socketcan open %s: %w", cfg.canIf, err)
		}
		l.Info("socketcan_open", "if", cfg.canIf)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use serial|socketcan)", cfg.backend)
	}
}
