package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	requestsTotal     *prometheus.CounterVec
	reservationsTotal *prometheus.CounterVec
	queueDepth        prometheus.Gauge
	gpuWaitSeconds    prometheus.Histogram

	initOnce sync.Once
	initErr  error
)

// Init registers all collectors with the given registry. Thread-safe;
// only the first call's registry is used.
func Init(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		requestsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpuproxy_requests_total",
				Help: "Proxied requests by path and outcome",
			},
			[]string{"path", "outcome"},
		)
		reservationsTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gpuproxy_gpu_reservations_total",
				Help: "GPU reservations by model",
			},
			[]string{"model"},
		)
		queueDepth = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "gpuproxy_queue_depth",
				Help: "Requests currently parked in model queues",
			},
		)
		gpuWaitSeconds = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gpuproxy_gpu_wait_seconds",
				Help:    "Time spent waiting for a GPU reservation",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		)

		for _, c := range []prometheus.Collector{requestsTotal, reservationsTotal, queueDepth, gpuWaitSeconds} {
			if err := registry.Register(c); err != nil {
				initErr = err
				return
			}
		}
	})
	return initErr
}

func ObserveRequest(path, outcome string) {
	if requestsTotal != nil {
		requestsTotal.WithLabelValues(path, outcome).Inc()
	}
}

func ObserveReservation(model string, waitSeconds float64) {
	if reservationsTotal != nil {
		reservationsTotal.WithLabelValues(model).Inc()
		gpuWaitSeconds.Observe(waitSeconds)
	}
}

func SetQueueDepth(depth int) {
	if queueDepth != nil {
		queueDepth.Set(float64(depth))
	}
}
