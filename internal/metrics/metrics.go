// Package metrics defines the Prometheus collectors exported on /metrics.
//
// Collectors are package-level and registered once into Registry. Record*
// helpers are safe to call before Register; values are simply not exported
// until then.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// --- Namespace and subsystems ---
	Namespace       = "signalflow"
	EngineComponent = "engine"
	APIComponent    = "api"
	EdgeComponent   = "edge"
)

// Preemption outcomes.
const (
	PreemptAccepted = "accepted"
	PreemptRejected = "rejected"
	PreemptQueued   = "queued"
	PreemptCleared  = "cleared"
	PreemptExpired  = "expired"
)

var (
	// IntersectionLabels is the common label set for per-intersection series.
	IntersectionLabels = []string{"intersection"}

	// OptimizationBuckets spans sub-millisecond proportional splits to
	// multi-second swarm searches.
	OptimizationBuckets = []float64{
		0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
	}
)

// --- Engine metrics ---
var (
	signalChanges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "signal_changes_total",
			Help:      "Counter of signal head transitions broken out by intersection and new status.",
		},
		append(IntersectionLabels, "status"),
	)

	cyclesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "cycles_completed_total",
			Help:      "Counter of completed signal cycles per intersection.",
		},
		IntersectionLabels,
	)

	preemptions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "preemptions_total",
			Help:      "Counter of emergency preemption requests broken out by intersection and outcome.",
		},
		append(IntersectionLabels, "outcome"),
	)

	samples = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "traffic_samples_total",
			Help:      "Counter of traffic samples ingested per intersection.",
		},
		IntersectionLabels,
	)

	optimizations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "optimization_runs_total",
			Help:      "Counter of timing optimizations broken out by algorithm and result.",
		},
		[]string{"algorithm", "result"},
	)

	optimizationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "optimization_duration_seconds",
			Help:      "Timing optimization latency distribution in seconds per algorithm.",
			Buckets:   OptimizationBuckets,
		},
		[]string{"algorithm"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "queue_depth",
			Help:      "Number of events waiting in the engine queue.",
		},
	)

	controllerMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: EngineComponent,
			Name:      "controller_mode",
			Help:      "1 for the current mode of each intersection controller, 0 otherwise.",
		},
		append(IntersectionLabels, "mode"),
	)
)

// --- API and edge metrics ---
var (
	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: APIComponent,
			Name:      "requests_total",
			Help:      "Counter of HTTP requests broken out by route pattern and status code.",
		},
		[]string{"route", "code"},
	)

	httpLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: APIComponent,
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency distribution in seconds per route pattern.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	streamClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: APIComponent,
			Name:      "stream_clients",
			Help:      "Number of connected traffic stream websocket clients.",
		},
	)

	edgeMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: EdgeComponent,
			Name:      "messages_total",
			Help:      "Counter of MQTT messages broken out by direction and kind.",
		},
		[]string{"direction", "kind"},
	)

	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "build_info",
			Help:      "General information about the running binary.",
		},
		[]string{"version"},
	)
)

// Registry holds every signalflow collector plus the Go and process collectors.
var Registry = prometheus.NewRegistry()

var registerMetrics sync.Once

// Register adds all collectors to Registry. Safe to call more than once.
func Register(customCollectors ...prometheus.Collector) {
	registerMetrics.Do(func() {
		Registry.MustRegister(signalChanges)
		Registry.MustRegister(cyclesCompleted)
		Registry.MustRegister(preemptions)
		Registry.MustRegister(samples)
		Registry.MustRegister(optimizations)
		Registry.MustRegister(optimizationDuration)
		Registry.MustRegister(queueDepth)
		Registry.MustRegister(controllerMode)
		Registry.MustRegister(httpRequests)
		Registry.MustRegister(httpLatency)
		Registry.MustRegister(streamClients)
		Registry.MustRegister(edgeMessages)
		Registry.MustRegister(buildInfo)
		Registry.MustRegister(collectors.NewGoCollector())
		Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		for _, collector := range customCollectors {
			Registry.MustRegister(collector)
		}
	})
}

// Reset clears every signalflow series. Used by tests.
func Reset() {
	signalChanges.Reset()
	cyclesCompleted.Reset()
	preemptions.Reset()
	samples.Reset()
	optimizations.Reset()
	optimizationDuration.Reset()
	queueDepth.Set(0)
	controllerMode.Reset()
	httpRequests.Reset()
	httpLatency.Reset()
	streamClients.Set(0)
	edgeMessages.Reset()
	buildInfo.Reset()
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordSignalChange counts a signal head entering status.
func RecordSignalChange(intersection, status string) {
	signalChanges.WithLabelValues(intersection, status).Inc()
}

// RecordCycle counts a completed cycle.
func RecordCycle(intersection string) {
	cyclesCompleted.WithLabelValues(intersection).Inc()
}

// RecordPreemption counts a preemption request outcome.
func RecordPreemption(intersection, outcome string) {
	preemptions.WithLabelValues(intersection, outcome).Inc()
}

// RecordSample counts an ingested traffic sample.
func RecordSample(intersection string) {
	samples.WithLabelValues(intersection).Inc()
}

// RecordOptimization records an optimizer run and its latency.
func RecordOptimization(algorithm string, d time.Duration, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	optimizations.WithLabelValues(algorithm, result).Inc()
	optimizationDuration.WithLabelValues(algorithm).Observe(d.Seconds())
}

// SetQueueDepth reports the engine queue length.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetControllerMode marks mode as current for intersection and clears the others.
func SetControllerMode(intersection, mode string, modes []string) {
	for _, m := range modes {
		v := 0.0
		if m == mode {
			v = 1
		}
		controllerMode.WithLabelValues(intersection, m).Set(v)
	}
}

// RecordHTTPRequest records a served HTTP request.
func RecordHTTPRequest(route, code string, d time.Duration) {
	httpRequests.WithLabelValues(route, code).Inc()
	httpLatency.WithLabelValues(route).Observe(d.Seconds())
}

// StreamClientConnected and StreamClientDisconnected track websocket clients.
func StreamClientConnected()    { streamClients.Inc() }
func StreamClientDisconnected() { streamClients.Dec() }

// RecordEdgeMessage counts an MQTT message. direction is "in" or "out".
func RecordEdgeMessage(direction, kind string) {
	edgeMessages.WithLabelValues(direction, kind).Inc()
}

// RecordBuildInfo exports the binary version.
func RecordBuildInfo(version string) {
	buildInfo.WithLabelValues(version).Set(1)
}
