package tls

import (
	"crypto/x509"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus metrics for certificate supply.
type Metrics struct {
	certificatesIssued *prometheus.CounterVec
	issuanceDuration   *prometheus.HistogramVec
	cacheRequests      *prometheus.CounterVec
	cacheEvictions     prometheus.Counter
	cacheEntries       prometheus.Gauge
	materializeErrors  *prometheus.CounterVec
	certificateExpiry  *prometheus.GaugeVec

	registry *prometheus.Registry
}

// MetricsOption is a functional option for configuring Metrics.
type MetricsOption func(*Metrics)

// WithRegistry sets a custom Prometheus registry.
func WithRegistry(registry *prometheus.Registry) MetricsOption {
	return func(m *Metrics) {
		m.registry = registry
	}
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string, opts ...MetricsOption) *Metrics {
	if namespace == "" {
		namespace = "avamitm"
	}

	m := &Metrics{}

	for _, opt := range opts {
		opt(m)
	}

	if m.registry == nil {
		m.registry = prometheus.NewRegistry()
	}

	m.certificatesIssued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificates_issued_total",
			Help:      "Total number of leaf certificates issued by kind and result",
		},
		[]string{"kind", "result"},
	)

	m.issuanceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "issuance_duration_seconds",
			Help:      "Leaf certificate issuance duration in seconds",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"kind"},
	)

	m.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "cache_requests_total",
			Help:      "Total number of issuance cache lookups by result",
		},
		[]string{"result"},
	)

	m.cacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "cache_evictions_total",
			Help:      "Total number of issued certificates evicted from the cache",
		},
	)

	m.cacheEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "cache_entries",
			Help:      "Number of issued certificates held in the cache",
		},
	)

	m.materializeErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "materialize_errors_total",
			Help:      "Total number of handshakes that received no certificate by reason",
		},
		[]string{"reason"},
	)

	m.certificateExpiry = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "tls",
			Name:      "certificate_expiry_seconds",
			Help:      "Time until certificate expiry in seconds",
		},
		[]string{"subject", "type"},
	)

	m.registry.MustRegister(
		m.certificatesIssued,
		m.issuanceDuration,
		m.cacheRequests,
		m.cacheEvictions,
		m.cacheEntries,
		m.materializeErrors,
		m.certificateExpiry,
	)

	return m
}

// RecordIssuance records one leaf issuance attempt.
func (m *Metrics) RecordIssuance(kind string, success bool, duration time.Duration) {
	result := "success"
	if !success {
		result = "failure"
	}
	m.certificatesIssued.WithLabelValues(kind, result).Inc()
	m.issuanceDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCacheRequest records an issuance cache lookup.
func (m *Metrics) RecordCacheRequest(result string) {
	m.cacheRequests.WithLabelValues(result).Inc()
}

// RecordCacheEviction records an evicted cache entry.
func (m *Metrics) RecordCacheEviction() {
	m.cacheEvictions.Inc()
}

// SetCacheEntries sets the current number of cache entries.
func (m *Metrics) SetCacheEntries(n int) {
	m.cacheEntries.Set(float64(n))
}

// RecordMaterializeError records a handshake that received no certificate.
func (m *Metrics) RecordMaterializeError(reason string) {
	m.materializeErrors.WithLabelValues(reason).Inc()
}

// UpdateCertificateExpiry updates the certificate expiry metric.
func (m *Metrics) UpdateCertificateExpiry(cert *x509.Certificate, certType string) {
	if cert == nil {
		return
	}

	subject := cert.Subject.CommonName
	if subject == "" {
		subject = cert.Subject.String()
	}

	m.certificateExpiry.WithLabelValues(subject, certType).Set(time.Until(cert.NotAfter).Seconds())
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// NopMetrics is a no-op implementation of metrics for testing.
type NopMetrics struct{}

// NewNopMetrics creates a new NopMetrics instance.
func NewNopMetrics() *NopMetrics {
	return &NopMetrics{}
}

// RecordIssuance is a no-op.
func (m *NopMetrics) RecordIssuance(_ string, _ bool, _ time.Duration) {}

// RecordCacheRequest is a no-op.
func (m *NopMetrics) RecordCacheRequest(_ string) {}

// RecordCacheEviction is a no-op.
func (m *NopMetrics) RecordCacheEviction() {}

// SetCacheEntries is a no-op.
func (m *NopMetrics) SetCacheEntries(_ int) {}

// RecordMaterializeError is a no-op.
func (m *NopMetrics) RecordMaterializeError(_ string) {}

// UpdateCertificateExpiry is a no-op.
func (m *NopMetrics) UpdateCertificateExpiry(_ *x509.Certificate, _ string) {}

// MetricsRecorder defines the interface for recording certificate supply metrics.
type MetricsRecorder interface {
	RecordIssuance(kind string, success bool, duration time.Duration)
	RecordCacheRequest(result string)
	RecordCacheEviction()
	SetCacheEntries(n int)
	RecordMaterializeError(reason string)
	UpdateCertificateExpiry(cert *x509.Certificate, certType string)
}

// Ensure implementations satisfy the interface.
var (
	_ MetricsRecorder = (*Metrics)(nil)
	_ MetricsRecorder = (*NopMetrics)(nil)
)
