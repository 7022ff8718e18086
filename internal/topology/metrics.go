package topology

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	membershipChangesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etcd_operator",
			Name:      "membership_changes_total",
			Help:      "Total number of membership mutations issued against the store",
		},
		[]string{"namespace", "name", "action"},
	)

	quorumAtRiskGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "etcd_operator",
			Name:      "quorum_at_risk",
			Help:      "Set to 1 while the cluster has exactly two voting members",
		},
		[]string{"namespace", "name"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		membershipChangesTotal,
		quorumAtRiskGauge,
	)
}
