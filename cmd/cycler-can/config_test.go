package main

import (
	"testing"
	"time"
)

func baseConfig() *appConfig {
	return &appConfig{
		backend:      "serial",
		canIf:        "can0",
		serialDev:    "/dev/null",
		baud:         115200,
		pollTimeout:  20 * time.Millisecond,
		queueSize:    128,
		filterBuffer: 64,
		devicesFile:  "devices.yaml",
		pollInterval: time.Second,
		settle:       0,
		logFormat:    "text",
		logLevel:     "info",
	}
}

func TestConfigValidate_OK(t *testing.T) {
	if err := baseConfig().validate(); err != nil {
		t.Fatalf("expected ok got %v", err)
	}
	c := baseConfig()
	c.backend = "socketcan"
	c.serialDev = ""
	if err := c.validate(); err != nil {
		t.Fatalf("socketcan: expected ok got %v", err)
	}
}

func TestConfigValidate_Errors(t *testing.T) {
	tests := []struct {
		name string
		mod  func(*appConfig)
	}{
		{"badFormat", func(c *appConfig) { c.logFormat = "xx" }},
		{"badLevel", func(c *appConfig) { c.logLevel = "nope" }},
		{"badBackend", func(c *appConfig) { c.backend = "x" }},
		{"noSerial", func(c *appConfig) { c.serialDev = "" }},
		{"badBaud", func(c *appConfig) { c.baud = 0 }},
		{"noCanIf", func(c *appConfig) { c.backend = "socketcan"; c.canIf = "" }},
		{"badPollTimeout", func(c *appConfig) { c.pollTimeout = 0 }},
		{"badQueue", func(c *appConfig) { c.queueSize = 0 }},
		{"badFilterBuffer", func(c *appConfig) { c.filterBuffer = -1 }},
		{"badPollInterval", func(c *appConfig) { c.pollInterval = 0 }},
		{"badSettle", func(c *appConfig) { c.settle = -time.Second }},
		{"noDevices", func(c *appConfig) { c.devicesFile = "" }},
	}
	for _, tc := range tests {
		c := baseConfig()
		tc.mod(c)
		if err := c.validate(); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
	var nilCfg *appConfig
	if err := nilCfg.validate(); err == nil {
		t.Fatalf("nil config: expected error")
	}
}

func TestPortOf(t *testing.T) {
	for addr, want := range map[string]int{":9100": 9100, "0.0.0.0:80": 80, "[::1]:9200": 9200} {
		got, err := portOf(addr)
		if err != nil || got != want {
			t.Fatalf("portOf(%q) = %d, %v; want %d", addr, got, err, want)
		}
	}
	for _, addr := range []string{"9100", ":http", ":0", ":70000"} {
		if _, err := portOf(addr); err == nil {
			t.Fatalf("portOf(%q): expected error", addr)
		}
	}
}
