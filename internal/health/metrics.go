package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for health checks.
type Metrics struct {
	checksTotal *prometheus.CounterVec
	checkStatus *prometheus.GaugeVec
}

// NewMetrics creates health metrics registered on registerer. A nil
// registerer leaves them unregistered.
func NewMetrics(namespace string, registerer prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "avamitm"
	}

	m := &Metrics{
		checksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "checks_total",
				Help:      "Total number of health checks performed by probe type",
			},
			[]string{"type"},
		),
		checkStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "health",
				Name:      "check_status",
				Help:      "Current health check status (1=healthy, 0=unhealthy)",
			},
			[]string{"check"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(m.checksTotal, m.checkStatus)
	}

	m.init()
	return m
}

// init pre-initializes label combinations so the series appear before the
// first probe.
func (m *Metrics) init() {
	for _, probe := range []string{"liveness", "readiness", "health"} {
		m.checksTotal.WithLabelValues(probe)
	}
	m.checkStatus.WithLabelValues("overall")
}

func (m *Metrics) recordProbe(probe string) {
	m.checksTotal.WithLabelValues(probe).Inc()
}

func (m *Metrics) setStatus(check string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.checkStatus.WithLabelValues(check).Set(v)
}
