package runtime

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels of gobflow_runtime_messages_total.
const (
	OutcomeAcked    = "acked"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"
	OutcomeDropped  = "dropped"
	OutcomeSkipped  = "skipped"
)

// RuntimeMetrics tracks message outcomes, handler latency and offload spills.
type RuntimeMetrics struct {
	mu sync.Mutex

	messagesTotal  *prometheus.CounterVec
	handlerSeconds *prometheus.HistogramVec
	spillsTotal    *prometheus.CounterVec
	spilledBytes   *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

// newRuntimeCounterVec creates a new counter vec in the gobflow namespace.
func newRuntimeCounterVec(subsystem, name, help string, labels []string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "gobflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		},
		labels,
	)
}

// newRuntimeHistogramVec creates a new histogram vec in the gobflow namespace.
func newRuntimeHistogramVec(subsystem, name, help string, buckets []float64, labels []string) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "gobflow",
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		labels,
	)
}

// NewRuntimeMetrics creates the runtime collectors. A nil registerer uses the
// Prometheus default registerer.
func NewRuntimeMetrics(registerer prometheus.Registerer) *RuntimeMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &RuntimeMetrics{
		registerer:     registerer,
		messagesTotal:  newRuntimeCounterVec("runtime", "messages_total", "Messages handled per queue and outcome", []string{"queue", "outcome"}),
		handlerSeconds: newRuntimeHistogramVec("runtime", "handler_seconds", "Time spent in service handlers", []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 1800}, []string{"queue"}),
		spillsTotal:    newRuntimeCounterVec("offload", "spills_total", "Message contents written to the offload store", nil),
		spilledBytes:   newRuntimeHistogramVec("offload", "spilled_bytes", "Size of offloaded contents", prometheus.ExponentialBuckets(1024, 4, 8), nil),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *RuntimeMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	var err error
	if m.messagesTotal, err = register(m.registerer, m.messagesTotal); err != nil {
		return err
	}
	if m.handlerSeconds, err = register(m.registerer, m.handlerSeconds); err != nil {
		return err
	}
	if m.spillsTotal, err = register(m.registerer, m.spillsTotal); err != nil {
		return err
	}
	if m.spilledBytes, err = register(m.registerer, m.spilledBytes); err != nil {
		return err
	}

	m.registered = true
	return nil
}

// register returns the collector already registered under the same
// descriptor, so several services in one process share their series.
func register[T prometheus.Collector](r prometheus.Registerer, c T) (T, error) {
	err := r.Register(c)
	if err == nil {
		return c, nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing, nil
		}
	}
	return c, err
}

// RecordOutcome counts a handled message.
func (m *RuntimeMetrics) RecordOutcome(queue, outcome string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(queue, outcome).Inc()
}

// ObserveHandler records how long a handler ran.
func (m *RuntimeMetrics) ObserveHandler(queue string, d time.Duration) {
	if m == nil {
		return
	}
	m.handlerSeconds.WithLabelValues(queue).Observe(d.Seconds())
}

// RecordSpill matches offload.WithSpillHook.
func (m *RuntimeMetrics) RecordSpill(_ string, size int) {
	if m == nil {
		return
	}
	m.spillsTotal.WithLabelValues().Inc()
	m.spilledBytes.WithLabelValues().Observe(float64(size))
}
