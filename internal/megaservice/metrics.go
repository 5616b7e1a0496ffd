package megaservice

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics tracks megaservice latencies. Collectors are registered on first use only,
// so services that never handle tokens do not export empty token histograms.
type Metrics struct {
	registerer prometheus.Registerer

	tokenOnce   sync.Once
	requestOnce sync.Once
	pendingOnce sync.Once

	firstTokenLatency prometheus.Histogram
	interTokenLatency prometheus.Histogram
	requestLatency    prometheus.Histogram
	requestPending    prometheus.Gauge
}

// defaultMetrics is shared by every orchestrator of the process
var defaultMetrics = NewMetrics(prometheus.DefaultRegisterer)

func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{registerer: reg}
}

// register returns the collector already registered under the same name, if any.
// Any other registration failure panics, as MustRegister would.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var already prometheus.AlreadyRegisteredError
	if stderrors.As(err, &already) {
		if existing, ok := already.ExistingCollector.(T); ok {
			return existing
		}
	}
	panic(err)
}

// TokenUpdate observes the latency of a token started at start and returns the
// start of the next one
func (m *Metrics) TokenUpdate(start time.Time, first bool) time.Time {
	m.tokenOnce.Do(func() {
		m.firstTokenLatency = register(m.registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "megaservice_first_token_latency",
			Help: "First token latency (histogram)",
		}))
		m.interTokenLatency = register(m.registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "megaservice_inter_token_latency",
			Help: "Inter-token latency (histogram)",
		}))
	})

	now := time.Now()
	if first {
		m.firstTokenLatency.Observe(now.Sub(start).Seconds())
	} else {
		m.interTokenLatency.Observe(now.Sub(start).Seconds())
	}
	return now
}

func (m *Metrics) RequestUpdate(start time.Time) {
	m.requestOnce.Do(func() {
		m.requestLatency = register(m.registerer, prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "megaservice_request_latency",
			Help: "Whole LLM request/reply latency (histogram)",
		}))
	})
	m.requestLatency.Observe(time.Since(start).Seconds())
}

func (m *Metrics) PendingUpdate(increase bool) {
	m.pendingOnce.Do(func() {
		m.requestPending = register(m.registerer, prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "megaservice_request_pending",
			Help: "Count of currently pending requests (gauge)",
		}))
	})
	if increase {
		m.requestPending.Inc()
	} else {
		m.requestPending.Dec()
	}
}
