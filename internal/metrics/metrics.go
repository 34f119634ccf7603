// Package metrics provides Prometheus metrics for tsbridge components.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

var registerOnce sync.Once

const (
	// Namespace is the Prometheus namespace for all tsbridge metrics.
	Namespace = "tsbridge"

	// Subsystem constants for metric organization.
	SubsystemSubscription = "subscription"
	SubsystemPool         = "pool"
)

// Label constants for consistent labeling across metrics.
const (
	LabelSource    = "source"
	LabelTarget    = "target"
	LabelResult    = "result"
	LabelErrorType = "error_type"
	LabelConnState = "state"
)

// Poll results.
const (
	PollResultRows  = "rows"
	PollResultEmpty = "empty"
	PollResultError = "error"
)

var (
	// Subscription metrics

	// PollsTotal counts polls by outcome.
	PollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "polls_total",
			Help:      "Total number of subscription polls",
		},
		[]string{LabelSource, LabelResult},
	)

	// RowsTotal counts rows fetched from the source.
	RowsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "rows_total",
			Help:      "Total number of rows fetched",
		},
		[]string{LabelSource},
	)

	// RecordsEmittedTotal counts records accepted downstream.
	RecordsEmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "records_emitted_total",
			Help:      "Total number of records emitted downstream",
		},
		[]string{LabelSource, LabelTarget},
	)

	// RowErrorsTotal counts skipped rows and records.
	RowErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "row_errors_total",
			Help:      "Total number of rows or records skipped because of an error",
		},
		[]string{LabelSource, LabelErrorType},
	)

	// PollDuration tracks how long polls take.
	PollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "poll_duration_seconds",
			Help:      "Duration of subscription polls in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{LabelSource},
	)

	// State tracks the run state (0=idle, 1=starting, 2=running, 3=stopping, 4=stopped).
	State = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "state",
			Help:      "Current run state (0=idle, 1=starting, 2=running, 3=stopping, 4=stopped)",
		},
		[]string{LabelSource},
	)

	// DeadLetterTotal counts rows written to the dead-letter store.
	DeadLetterTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "deadletter_total",
			Help:      "Total number of rows sent to the dead-letter store",
		},
		[]string{LabelSource},
	)

	// EmitRetriesTotal counts emit retry attempts.
	EmitRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SubsystemSubscription,
			Name:      "emit_retries_total",
			Help:      "Total number of emit retry attempts",
		},
		[]string{LabelSource},
	)

	// Pool metrics

	// PoolConnections tracks source pool connections by state.
	PoolConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SubsystemPool,
			Name:      "connections",
			Help:      "Source pool connections by state (acquired, idle, total, max)",
		},
		[]string{LabelConnState},
	)

	// allMetrics contains all metrics for registration.
	allMetrics = []prometheus.Collector{
		// Subscription
		PollsTotal,
		RowsTotal,
		RecordsEmittedTotal,
		RowErrorsTotal,
		PollDuration,
		State,
		DeadLetterTotal,
		EmitRetriesTotal,
		// Pool
		PoolConnections,
	}
)

// Register registers all tsbridge metrics with the default Prometheus registry.
// It is safe to call multiple times; subsequent calls are no-ops.
func Register() {
	registerOnce.Do(func() {
		for _, m := range allMetrics {
			prometheus.MustRegister(m)
		}
	})
}

// RegisterWith registers all tsbridge metrics with the given registry.
func RegisterWith(reg prometheus.Registerer) {
	for _, m := range allMetrics {
		reg.MustRegister(m)
	}
}

// NewRegistry creates a new Prometheus registry with all tsbridge metrics
// and standard Go runtime collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	RegisterWith(reg)

	return reg
}
