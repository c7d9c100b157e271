package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type appConfig struct {
	backend         string
	canIf           string
	serialDev       string
	baud            int
	pollTimeout     time.Duration
	queueSize       int
	filterBuffer    int
	devicesFile     string
	pollInterval    time.Duration
	settle          time.Duration
	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration
	mdnsEnable      bool
	mdnsName        string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	fs := flag.CommandLine
	fs.StringVar(&cfg.backend, "backend", "socketcan", "CAN backend: serial|socketcan")
	fs.StringVar(&cfg.canIf, "can-if", "can0", "SocketCAN interface (when --backend=socketcan)")
	fs.StringVar(&cfg.serialDev, "serial", "/dev/ttyUSB0", "Serial CAN adapter path (when --backend=serial)")
	fs.IntVar(&cfg.baud, "baud", 115200, "Serial baud rate")
	fs.DurationVar(&cfg.pollTimeout, "poll-timeout", 20*time.Millisecond, "Bus receive window per node iteration")
	fs.IntVar(&cfg.queueSize, "queue-size", 128, "Node command queue capacity")
	fs.IntVar(&cfg.filterBuffer, "filter-buffer", 64, "Per-device receive channel capacity (frames)")
	fs.StringVar(&cfg.devicesFile, "devices", "/etc/cycler-can/devices.yaml", "Device inventory (YAML)")
	fs.DurationVar(&cfg.pollInterval, "poll-interval", time.Second, "Interval between device data polls")
	fs.DurationVar(&cfg.settle, "settle", 200*time.Millisecond, "Wait for property replies after opening a converter")
	fs.StringVar(&cfg.logFormat, "log-format", "text", "Log format: text|json")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "Log level: debug|info|warn|error")
	fs.StringVar(&cfg.metricsAddr, "metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	fs.DurationVar(&cfg.logMetricsEvery, "log-metrics-interval", 0, "If >0, periodically log metrics counters")
	fs.BoolVar(&cfg.mdnsEnable, "mdns-enable", false, "Advertise the metrics endpoint over mDNS")
	fs.StringVar(&cfg.mdnsName, "mdns-name", "", "mDNS instance name (default cycler-can-<hostname>)")
	showVersion := fs.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Explicitly set flags take precedence over the environment.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate checks values and ranges. It does not open devices or files.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.backend {
	case "serial":
		if c.serialDev == "" {
			return errors.New("serial backend needs --serial")
		}
		if c.baud <= 0 {
			return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
		}
	case "socketcan":
		if c.canIf == "" {
			return errors.New("socketcan backend needs --can-if")
		}
	default:
		return fmt.Errorf("invalid backend: %s", c.backend)
	}
	if c.pollTimeout <= 0 {
		return fmt.Errorf("poll-timeout must be > 0")
	}
	if c.queueSize <= 0 {
		return fmt.Errorf("queue-size must be > 0 (got %d)", c.queueSize)
	}
	if c.filterBuffer <= 0 {
		return fmt.Errorf("filter-buffer must be > 0 (got %d)", c.filterBuffer)
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.settle < 0 {
		return fmt.Errorf("settle must be >= 0")
	}
	if c.devicesFile == "" {
		return errors.New("devices file required")
	}
	return nil
}

const envPrefix = "CYCLER_CAN_"

// applyEnvOverrides maps CYCLER_CAN_* variables onto cfg for every flag not
// in set. Empty values are ignored. The first parse error is returned; later
// variables are still applied.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	e := envApplier{set: set}
	e.str("backend", "BACKEND", &c.backend)
	e.str("can-if", "IF", &c.canIf)
	e.str("serial", "SERIAL", &c.serialDev)
	e.positiveInt("baud", "BAUD", &c.baud)
	e.duration("poll-timeout", "POLL_TIMEOUT", &c.pollTimeout)
	e.positiveInt("queue-size", "QUEUE_SIZE", &c.queueSize)
	e.positiveInt("filter-buffer", "FILTER_BUFFER", &c.filterBuffer)
	e.str("devices", "DEVICES", &c.devicesFile)
	e.duration("poll-interval", "POLL_INTERVAL", &c.pollInterval)
	e.duration("settle", "SETTLE", &c.settle)
	e.str("log-format", "LOG_FORMAT", &c.logFormat)
	e.str("log-level", "LOG_LEVEL", &c.logLevel)
	if _, ok := set["metrics-addr"]; !ok {
		// An empty value is meaningful here: it disables the endpoint.
		if v, ok := os.LookupEnv(envPrefix + "METRICS"); ok {
			c.metricsAddr = strings.TrimSpace(v)
		}
	}
	e.duration("log-metrics-interval", "LOG_METRICS_INTERVAL", &c.logMetricsEvery)
	e.boolean("mdns-enable", "MDNS_ENABLE", &c.mdnsEnable)
	e.str("mdns-name", "MDNS_NAME", &c.mdnsName)
	return e.err
}

type envApplier struct {
	set map[string]struct{}
	err error
}

func (e *envApplier) lookup(flagName, key string) (string, bool) {
	if _, ok := e.set[flagName]; ok {
		return "", false
	}
	v, ok := os.LookupEnv(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envApplier) fail(key string, err error) {
	if e.err == nil {
		e.err = fmt.Errorf("invalid %s%s: %w", envPrefix, key, err)
	}
}

func (e *envApplier) str(flagName, key string, dst *string) {
	if v, ok := e.lookup(flagName, key); ok {
		*dst = v
	}
}

func (e *envApplier) positiveInt(flagName, key string, dst *int) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if n <= 0 {
		e.fail(key, fmt.Errorf("%d is not positive", n))
		return
	}
	*dst = n
}

func (e *envApplier) duration(flagName, key string, dst *time.Duration) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(key, err)
		return
	}
	if d < 0 {
		e.fail(key, fmt.Errorf("negative duration %s", d))
		return
	}
	*dst = d
}

func (e *envApplier) boolean(flagName, key string, dst *bool) {
	v, ok := e.lookup(flagName, key)
	if !ok {
		return
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.fail(key, fmt.Errorf("not a boolean: %q", v))
	}
}
