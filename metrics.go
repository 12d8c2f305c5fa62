package keybridge

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// unregisteredLabel is the command label for names with no handler, so
// arbitrary caller input cannot create new series.
const unregisteredLabel = "_unregistered"

type dispatchMetrics struct {
	total   *prometheus.CounterVec
	latency prometheus.Histogram
}

func newDispatchMetrics(reg prometheus.Registerer) (*dispatchMetrics, error) {
	m := &dispatchMetrics{
		total: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keybridge_dispatch_total",
				Help: "host command dispatches by command and outcome.",
			},
			[]string{"command", "outcome"},
		),
		latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "keybridge_dispatch_seconds",
				Help:    "time spent in one dispatch, including registry lock wait.",
				Buckets: []float64{0.00001, 0.0001, 0.001, 0.01, 0.1, 1},
			},
		),
	}
	if err := registerOrReuse(reg, m.total, func(c prometheus.Collector) { m.total = c.(*prometheus.CounterVec) }); err != nil {
		return nil, err
	}
	if err := registerOrReuse(reg, m.latency, func(c prometheus.Collector) { m.latency = c.(prometheus.Histogram) }); err != nil {
		return nil, err
	}
	return m, nil
}

// registerOrReuse lets several dispatchers share one registerer.
func registerOrReuse(reg prometheus.Registerer, c prometheus.Collector, reuse func(prometheus.Collector)) error {
	err := reg.Register(c)
	if err == nil {
		return nil
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		reuse(are.ExistingCollector)
		return nil
	}
	return err
}

func (m *dispatchMetrics) observe(command string, s Status, d time.Duration) {
	if m == nil {
		return
	}
	m.total.WithLabelValues(command, s.outcome()).Inc()
	m.latency.Observe(d.Seconds())
}
