package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/node"
)

func main() {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("cycler-can %s (commit %s, built %s)\n", version, commit, date)
		return
	}
	if cfg == nil {
		os.Exit(2)
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	inv, err := loadInventory(cfg.devicesFile)
	if err != nil {
		l.Error("inventory_error", "file", cfg.devicesFile, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	bus, err := openBus(cfg, l)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		os.Exit(1)
	}
	// The node outlives ctx so that converter outputs can still be disabled
	// during shutdown.
	n := node.Start(context.Background(), bus, node.Config{
		QueueSize:    cfg.queueSize,
		FilterBuffer: cfg.filterBuffer,
		PollTimeout:  cfg.pollTimeout,
	}, node.WithLogger(l.With("component", "node")))

	metrics.SetReadinessFunc(func() bool { return n.Working() && ctx.Err() == nil })
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
		if port, perr := portOf(cfg.metricsAddr); perr != nil {
			l.Warn("mdns_skipped", "error", perr)
		} else if cleanupMDNS, merr := startMDNS(ctx, cfg, port); merr != nil {
			l.Warn("mdns_start_failed", "error", merr)
		} else {
			defer cleanupMDNS()
			if cfg.mdnsEnable {
				l.Info("mdns_started", "service", mdnsServiceType, "port", port)
			}
		}
	}

	f, err := openFleet(ctx, n, inv, cfg, l)
	if err != nil {
		l.Error("fleet_open_error", "error", err)
		n.Stop()
		os.Exit(1)
	}
	f.run(ctx, cfg.pollInterval)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case <-n.Done():
		l.Error("node_stopped", "error", n.Err())
	}
	cancel()
	closeCtx, closeCancel := context.WithTimeout(context.Background(), 2*time.Second)
	f.close(closeCtx)
	closeCancel()
	n.Stop()
	wg.Wait()
}
