package runtime

import (
	"iter"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/protostream/internal/runtime/pipeline"
)

const metricsSubsystem = "stream"

var streamLabels = []string{"request_type", "item_type", "transport", "role"}

// streamMetrics holds the Prometheus collectors of MetricsMiddleware.
type streamMetrics struct {
	mu sync.Mutex

	started  *prometheus.CounterVec
	items    *prometheus.CounterVec
	errors   *prometheus.CounterVec
	duration *prometheus.HistogramVec

	registerer prometheus.Registerer
	registered bool
}

func newStreamCounterVec(namespace, name, help string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
		},
		streamLabels,
	)
}

func newStreamHistogramVec(namespace, name, help string, buckets []float64) *prometheus.HistogramVec {
	return prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: metricsSubsystem,
			Name:      name,
			Help:      help,
			Buckets:   buckets,
		},
		streamLabels,
	)
}

func newStreamMetrics(registerer prometheus.Registerer, namespace string) *streamMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	return &streamMetrics{
		registerer: registerer,
		started:    newStreamCounterVec(namespace, "streams_started_total", "Total number of streams started"),
		items:      newStreamCounterVec(namespace, "stream_items_total", "Total number of items yielded by streams"),
		errors:     newStreamCounterVec(namespace, "stream_errors_total", "Total number of streams that ended with an error"),
		duration:   newStreamHistogramVec(namespace, "stream_duration_seconds", "Time from the first pull to the end of a stream", prometheus.DefBuckets),
	}
}

// Register registers the Prometheus collectors. Safe to call multiple times.
func (m *streamMetrics) Register() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.registered {
		return nil
	}

	collectors := []prometheus.Collector{m.started, m.items, m.errors, m.duration}
	for i, c := range collectors {
		if err := m.registerer.Register(c); err != nil {
			are, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				return err
			}
			m.adopt(i, are.ExistingCollector)
		}
	}

	m.registered = true
	return nil
}

// adopt switches to the collector another service already registered under
// the same name, so two services in one process share their series.
func (m *streamMetrics) adopt(i int, existing prometheus.Collector) {
	switch i {
	case 0:
		if c, ok := existing.(*prometheus.CounterVec); ok {
			m.started = c
		}
	case 1:
		if c, ok := existing.(*prometheus.CounterVec); ok {
			m.items = c
		}
	case 2:
		if c, ok := existing.(*prometheus.CounterVec); ok {
			m.errors = c
		}
	case 3:
		if h, ok := existing.(*prometheus.HistogramVec); ok {
			m.duration = h
		}
	}
}

// MetricsMiddleware counts streams, items and errors and observes stream
// durations. It passes streams through untouched when metrics are disabled.
type MetricsMiddleware struct {
	metrics *streamMetrics
}

func (m *MetricsMiddleware) Execute(mc *pipeline.Context) iter.Seq2[any, error] {
	if m.metrics == nil {
		return mc.Proceed()
	}
	return func(yield func(any, error) bool) {
		labels := prometheus.Labels{
			"request_type": typeName(mc.RequestType),
			"item_type":    typeName(mc.ItemType),
			"transport":    mc.Transport.Name,
			"role":         mc.Transport.Role.String(),
		}
		start := time.Now()
		m.metrics.started.With(labels).Inc()
		defer func() {
			m.metrics.duration.With(labels).Observe(time.Since(start).Seconds())
		}()

		items := m.metrics.items.With(labels)
		for item, err := range mc.Proceed() {
			if err != nil {
				m.metrics.errors.With(labels).Inc()
				yield(nil, err)
				return
			}
			items.Inc()
			if !yield(item, nil) {
				return
			}
		}
	}
}
