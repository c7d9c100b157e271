package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := baseConfig()
	base.metricsAddr = ":9100"

	t.Setenv("CYCLER_CAN_BAUD", "230400")
	t.Setenv("CYCLER_CAN_MDNS_ENABLE", "true")
	t.Setenv("CYCLER_CAN_POLL_TIMEOUT", "50ms")
	t.Setenv("CYCLER_CAN_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CYCLER_CAN_DEVICES", " /srv/devices.yaml ")
	t.Setenv("CYCLER_CAN_METRICS", "")
	t.Setenv("CYCLER_CAN_LOG_LEVEL", "")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.baud != 230400 {
		t.Fatalf("expected baud override, got %d", base.baud)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.pollTimeout != 50*time.Millisecond {
		t.Fatalf("expected pollTimeout 50ms got %v", base.pollTimeout)
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.devicesFile != "/srv/devices.yaml" {
		t.Fatalf("expected trimmed devices path got %q", base.devicesFile)
	}
	if base.metricsAddr != "" {
		t.Fatalf("expected empty metrics address to disable the endpoint, got %q", base.metricsAddr)
	}
	if base.logLevel != "info" {
		t.Fatalf("empty value must not override, got %q", base.logLevel)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := &appConfig{baud: 115200, metricsAddr: ":9100"}
	t.Setenv("CYCLER_CAN_BAUD", "230400")
	t.Setenv("CYCLER_CAN_METRICS", ":9200")
	set := map[string]struct{}{"baud": {}, "metrics-addr": {}}
	if err := applyEnvOverrides(base, set); err != nil {
		t.Fatalf("err: %v", err)
	}
	if base.baud != 115200 {
		t.Fatalf("expected baud unchanged 115200 got %d", base.baud)
	}
	if base.metricsAddr != ":9100" {
		t.Fatalf("expected metrics address unchanged got %q", base.metricsAddr)
	}
}

func TestApplyEnvOverrides_BadInt(t *testing.T) {
	base := &appConfig{queueSize: 128}
	t.Setenv("CYCLER_CAN_QUEUE_SIZE", "notint")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for bad integer")
	}
	if base.queueSize != 128 {
		t.Fatalf("queue size changed to %d", base.queueSize)
	}
}

func TestApplyEnvOverrides_NonPositiveInt(t *testing.T) {
	base := &appConfig{filterBuffer: 64}
	t.Setenv("CYCLER_CAN_FILTER_BUFFER", "0")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for zero buffer")
	}
}

func TestApplyEnvOverrides_BadBoolKeepsApplying(t *testing.T) {
	base := &appConfig{}
	t.Setenv("CYCLER_CAN_MDNS_ENABLE", "maybe")
	t.Setenv("CYCLER_CAN_MDNS_NAME", "rack-1")
	err := applyEnvOverrides(base, map[string]struct{}{})
	if err == nil {
		t.Fatalf("expected error for bad boolean")
	}
	if base.mdnsName != "rack-1" {
		t.Fatalf("later variables should still apply, got %q", base.mdnsName)
	}
}

func TestApplyEnvOverrides_BadDuration(t *testing.T) {
	base := &appConfig{}
	t.Setenv("CYCLER_CAN_SETTLE", "-1s")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err == nil {
		t.Fatalf("expected error for negative duration")
	}
}
