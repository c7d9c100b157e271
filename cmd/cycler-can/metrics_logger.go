package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"rx", snap.Rx,
		"tx", snap.Tx,
		"unmatched", snap.Unmatched,
		"ignored", snap.Ignored,
		"filter_drops", snap.FilterDrops,
		"queue_rejects", snap.QueueRejects,
		"filters", snap.Filters,
		"epc_anomalies", snap.EPCAnomalies,
		"bms_faults", snap.BMSFaults,
		"malformed", snap.MalformedFrame,
		"errors", snap.Errors,
	)
}
