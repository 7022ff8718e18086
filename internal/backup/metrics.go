package backup

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

var (
	snapshotTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etcd_operator",
			Name:      "snapshots_total",
			Help:      "Total number of snapshot attempts by result",
		},
		[]string{"namespace", "name", "result"},
	)

	lastSnapshotTimestamp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "etcd_operator",
			Name:      "last_snapshot_timestamp",
			Help:      "Unix timestamp of the last successful snapshot upload",
		},
		[]string{"namespace", "name"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		snapshotTotal,
		lastSnapshotTimestamp,
	)
}
