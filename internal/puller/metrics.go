package puller

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

const (
	// MetricsSubsystem is a subsystem shared by all metrics exposed by this
	// package.
	MetricsSubsystem = "puller"
)

// Metrics contains metrics exposed by this package.
type Metrics struct {
	// Number of connected peers.
	Peers metrics.Gauge
	// Number of heights still to be downloaded.
	RequiredHeights metrics.Gauge
	// Number of outstanding block requests.
	InFlightRequests metrics.Gauge
	// Number of heights waiting in peer queues.
	QueuedHeights metrics.Gauge
	// Lowest, median and highest score among connected peers. A peer that
	// disconnects no longer counts; per-peer scores are in Puller.Status.
	MinPeerScore    metrics.Gauge
	MedianPeerScore metrics.Gauge
	MaxPeerScore    metrics.Gauge
	// Number of heights placed on the tallest peers by the last pass.
	SpeculativeHeights metrics.Gauge
	// Number of heights the last pass could not place.
	DeferredHeights metrics.Gauge
	// Number of heights no peer could be asked for for a long time.
	StarvedHeights metrics.Gauge
	// Number of heights no peer advertises that keep failing.
	StalledHeights metrics.Gauge

	// Number of validated blocks.
	BlocksDelivered metrics.Counter
	// Number of blocks that failed validation.
	InvalidBlocks metrics.Counter
	// Number of requests that timed out.
	Timeouts metrics.Counter
	// Number of block requests handed to the network.
	RequestsSent metrics.Counter
	// Number of block requests the network failed to send.
	SendFailures metrics.Counter
	// Number of assignment passes.
	AssignmentPasses metrics.Counter

	// Time between a request and its validated block, in seconds.
	DeliveryLatency metrics.Histogram
}

// PrometheusMetrics returns Metrics build using Prometheus client library.
// Optionally, labels can be provided along with their values ("foo",
// "fooValue").
func PrometheusMetrics(namespace string, labelsAndValues ...string) *Metrics {
	labels := []string{}
	for i := 0; i < len(labelsAndValues); i += 2 {
		labels = append(labels, labelsAndValues[i])
	}
	gauge := func(name, help string) metrics.Gauge {
		return prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels).With(labelsAndValues...)
	}
	counter := func(name, help string) metrics.Counter {
		return prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      name,
			Help:      help,
		}, labels).With(labelsAndValues...)
	}

	return &Metrics{
		Peers:              gauge("peers", "Number of connected peers."),
		RequiredHeights:    gauge("required_heights", "Number of heights still to be downloaded."),
		InFlightRequests:   gauge("in_flight_requests", "Number of outstanding block requests."),
		QueuedHeights:      gauge("queued_heights", "Number of heights waiting in peer queues."),
		MinPeerScore:       gauge("min_peer_score", "Lowest score among connected peers."),
		MedianPeerScore:    gauge("median_peer_score", "Median score of connected peers."),
		MaxPeerScore:       gauge("max_peer_score", "Highest score among connected peers."),
		SpeculativeHeights: gauge("speculative_heights", "Number of heights placed on the tallest peers by the last pass."),
		DeferredHeights:    gauge("deferred_heights", "Number of heights the last pass could not place."),
		StarvedHeights:     gauge("starved_heights", "Number of heights no peer could be asked for for a long time."),
		StalledHeights:     gauge("stalled_heights", "Number of heights no peer advertises that keep failing."),

		BlocksDelivered:  counter("blocks_delivered", "Number of validated blocks."),
		InvalidBlocks:    counter("invalid_blocks", "Number of blocks that failed validation."),
		Timeouts:         counter("timeouts", "Number of requests that timed out."),
		RequestsSent:     counter("requests_sent", "Number of block requests handed to the network."),
		SendFailures:     counter("send_failures", "Number of block requests the network failed to send."),
		AssignmentPasses: counter("assignment_passes", "Number of assignment passes."),

		DeliveryLatency: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: MetricsSubsystem,
			Name:      "delivery_latency_seconds",
			Help:      "Time between a request and its validated block, in seconds.",
			Buckets:   stdprometheus.ExponentialBuckets(0.01, 2, 12),
		}, labels).With(labelsAndValues...),
	}
}

// NopMetrics returns no-op Metrics.
func NopMetrics() *Metrics {
	return &Metrics{
		Peers:              discard.NewGauge(),
		RequiredHeights:    discard.NewGauge(),
		InFlightRequests:   discard.NewGauge(),
		QueuedHeights:      discard.NewGauge(),
		MinPeerScore:       discard.NewGauge(),
		MedianPeerScore:    discard.NewGauge(),
		MaxPeerScore:       discard.NewGauge(),
		SpeculativeHeights: discard.NewGauge(),
		DeferredHeights:    discard.NewGauge(),
		StarvedHeights:     discard.NewGauge(),
		StalledHeights:     discard.NewGauge(),
		BlocksDelivered:    discard.NewCounter(),
		InvalidBlocks:      discard.NewCounter(),
		Timeouts:           discard.NewCounter(),
		RequestsSent:       discard.NewCounter(),
		SendFailures:       discard.NewCounter(),
		AssignmentPasses:   discard.NewCounter(),
		DeliveryLatency:    discard.NewHistogram(),
	}
}
