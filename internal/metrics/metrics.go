package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/WattRex/Battery-Cycler-Drivers-sub000/internal/logging"
)

// Prometheus counters
var (
	NodeRxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_rx_frames_total",
		Help: "Total valid CAN frames read off the bus by the node.",
	})
	NodeTxFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_tx_frames_total",
		Help: "Total CAN frames written to the bus by the node.",
	})
	NodeUnmatchedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_unmatched_frames_total",
		Help: "Total received frames that matched no installed filter.",
	})
	NodeIgnoredFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_ignored_frames_total",
		Help: "Total received error, remote or extended frames skipped by the node.",
	})
	FilterDroppedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filter_dropped_frames_total",
		Help: "Total matched frames dropped because the filter channel was full.",
	})
	CommandsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "node_commands_rejected_total",
		Help: "Total commands refused because the inbound queue was full.",
	})
	ActiveFilters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "node_active_filters",
		Help: "Number of filters currently installed on the node.",
	})
	EPCDecodeAnomalies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "epc_decode_anomalies_total",
		Help: "Total EPC frames of unknown type or malformed content.",
	})
	BMSFaults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bms_comm_faults_total",
		Help: "BMS communication faults by kind.",
	}, []string{"kind"})
	DeviceStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "device_status",
		Help: "Last observed device status code (0 ok, 1 comm error, 2 internal error).",
	}, []string{"family", "device"})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed adapter frames (invalid length, bad checksum).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSocketCANRead  = "socketcan_read"
	ErrSocketCANWrite = "socketcan_write"
	ErrNodeFatal      = "node_fatal"
	ErrFilterConflict = "filter_conflict"
)

// BMS fault kinds.
const (
	BMSFaultSequence = "sequence"
	BMSFaultOdd      = "odd_length"
	BMSFaultTimeout  = "timeout"
	BMSFaultReported = "reported"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRx        uint64
	localTx        uint64
	localUnmatched uint64
	localIgnored   uint64
	localDropped   uint64
	localRejected  uint64
	localFilters   uint64
	localAnomalies uint64
	localBMSFaults uint64
	localErrors    uint64
	localMalformed uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Rx             uint64
	Tx             uint64
	Unmatched      uint64
	Ignored        uint64
	FilterDrops    uint64
	QueueRejects   uint64
	Filters        uint64
	EPCAnomalies   uint64
	BMSFaults      uint64
	Errors         uint64 // sum across error labels
	MalformedFrame uint64
}

func Snap() Snapshot {
	return Snapshot{
		Rx:             atomic.LoadUint64(&localRx),
		Tx:             atomic.LoadUint64(&localTx),
		Unmatched:      atomic.LoadUint64(&localUnmatched),
		Ignored:        atomic.LoadUint64(&localIgnored),
		FilterDrops:    atomic.LoadUint64(&localDropped),
		QueueRejects:   atomic.LoadUint64(&localRejected),
		Filters:        atomic.LoadUint64(&localFilters),
		EPCAnomalies:   atomic.LoadUint64(&localAnomalies),
		BMSFaults:      atomic.LoadUint64(&localBMSFaults),
		Errors:         atomic.LoadUint64(&localErrors),
		MalformedFrame: atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func IncRx() {
	NodeRxFrames.Inc()
	atomic.AddUint64(&localRx, 1)
}

func IncTx() {
	NodeTxFrames.Inc()
	atomic.AddUint64(&localTx, 1)
}

func IncUnmatched() {
	NodeUnmatchedFrames.Inc()
	atomic.AddUint64(&localUnmatched, 1)
}

func IncIgnored() {
	NodeIgnoredFrames.Inc()
	atomic.AddUint64(&localIgnored, 1)
}

// IncFilterDrop counts a matched frame lost to a full filter channel.
func IncFilterDrop() {
	FilterDroppedFrames.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncQueueReject() {
	CommandsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetFilters(n int) {
	ActiveFilters.Set(float64(n))
	atomic.StoreUint64(&localFilters, uint64(n))
}

func IncEPCAnomaly() {
	EPCDecodeAnomalies.Inc()
	atomic.AddUint64(&localAnomalies, 1)
}

func IncBMSFault(kind string) {
	BMSFaults.WithLabelValues(kind).Inc()
	atomic.AddUint64(&localBMSFaults, 1)
}

// SetDeviceStatus publishes the status code of one device.
func SetDeviceStatus(family, device string, code int) {
	DeviceStatus.WithLabelValues(family, device).Set(float64(code))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrSerialRead, ErrSerialWrite,
		ErrSocketCANRead, ErrSocketCANWrite,
		ErrNodeFatal, ErrFilterConflict,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, k := range []string{BMSFaultSequence, BMSFaultOdd, BMSFaultTimeout, BMSFaultReported} {
		BMSFaults.WithLabelValues(k).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}
