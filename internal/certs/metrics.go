package certs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	certExpiryTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "etcd_operator",
			Name:      "certificate_expiry_timestamp",
			Help:      "Unix timestamp when the endpoint's installed certificate expires",
		},
		[]string{"namespace", "name", "endpoint"},
	)

	certIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etcd_operator",
			Name:      "certificates_issued_total",
			Help:      "Total number of certificates installed per endpoint",
		},
		[]string{"namespace", "name", "endpoint"},
	)

	certRotationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etcd_operator",
			Name:      "certificate_rotation_total",
			Help:      "Total number of completed certificate rotations per endpoint",
		},
		[]string{"namespace", "name", "endpoint"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		certExpiryTimestamp,
		certIssuedTotal,
		certRotationTotal,
	)
}

// certMetrics provides helpers to record certificate metrics for one
// endpoint of a cluster.
type certMetrics struct {
	namespace string
	name      string
	endpoint  string
}

func newCertMetrics(namespace, name, endpoint string) *certMetrics {
	return &certMetrics{namespace: namespace, name: name, endpoint: endpoint}
}

func (m *certMetrics) setExpiry(expiry time.Time) {
	certExpiryTimestamp.
		WithLabelValues(m.namespace, m.name, m.endpoint).
		Set(float64(expiry.Unix()))
}

func (m *certMetrics) incrementIssued() {
	certIssuedTotal.
		WithLabelValues(m.namespace, m.name, m.endpoint).
		Inc()
}

func (m *certMetrics) incrementRotation() {
	certRotationTotal.
		WithLabelValues(m.namespace, m.name, m.endpoint).
		Inc()
}
