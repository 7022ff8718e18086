package controller

import (
	"github.com/prometheus/client_golang/prometheus"
	"sigs.k8s.io/controller-runtime/pkg/metrics"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
)

var (
	reconcileDurationHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "etcd_operator",
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation loops in seconds",
			// Buckets chosen to capture fast reconciles and longer tail up to 60s.
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		},
		[]string{"namespace", "name", "controller"},
	)

	reconcileErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "etcd_operator",
			Name:      "reconcile_errors_total",
			Help:      "Total number of reconciliation errors",
		},
		[]string{"namespace", "name", "controller", "reason"},
	)

	clusterReadyMembersGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "etcd_operator",
			Name:      "cluster_ready_members",
			Help:      "Number of healthy members for an EtcdCluster",
		},
		[]string{"namespace", "name"},
	)

	clusterPhaseGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "etcd_operator",
			Name:      "cluster_phase",
			Help:      "Current phase of an EtcdCluster (1 = active phase)",
		},
		[]string{"namespace", "name", "phase"},
	)
)

func init() {
	metrics.Registry.MustRegister(
		reconcileDurationHistogram,
		reconcileErrorsTotal,
		clusterReadyMembersGauge,
		clusterPhaseGauge,
	)
}

// ReconcileMetrics provides helpers to record reconcile-level metrics for a
// specific controller and EtcdCluster.
type ReconcileMetrics struct {
	namespace  string
	name       string
	controller string
}

// NewReconcileMetrics creates a new ReconcileMetrics instance.
func NewReconcileMetrics(namespace, name, controller string) *ReconcileMetrics {
	return &ReconcileMetrics{
		namespace:  namespace,
		name:       name,
		controller: controller,
	}
}

// ObserveDuration records the duration of a reconcile loop in seconds.
func (m *ReconcileMetrics) ObserveDuration(durationSeconds float64) {
	reconcileDurationHistogram.
		WithLabelValues(m.namespace, m.name, m.controller).
		Observe(durationSeconds)
}

// IncrementError increments the reconcile error counter with the given reason.
// Reason values should be low-cardinality strings (for example, "QuorumViolation").
func (m *ReconcileMetrics) IncrementError(reason string) {
	reconcileErrorsTotal.
		WithLabelValues(m.namespace, m.name, m.controller, reason).
		Inc()
}

// ClusterMetrics provides helpers to record per-cluster state metrics.
type ClusterMetrics struct {
	namespace string
	name      string
}

// NewClusterMetrics creates a new ClusterMetrics instance.
func NewClusterMetrics(namespace, name string) *ClusterMetrics {
	return &ClusterMetrics{
		namespace: namespace,
		name:      name,
	}
}

// SetReadyMembers records the number of healthy members for the cluster.
func (m *ClusterMetrics) SetReadyMembers(readyMembers int32) {
	clusterReadyMembersGauge.
		WithLabelValues(m.namespace, m.name).
		Set(float64(readyMembers))
}

// SetPhase records the current phase for the cluster. The gauge is set to 1
// for the provided phase. Other historical phase series will naturally age
// out in Prometheus retention.
func (m *ClusterMetrics) SetPhase(phase etcdv1alpha1.ClusterPhase) {
	clusterPhaseGauge.
		WithLabelValues(m.namespace, m.name, string(phase)).
		Set(1.0)
}

// Clear removes all per-cluster metrics for this cluster. This should be
// called during finalization to avoid leaving stale series after deletion.
func (m *ClusterMetrics) Clear() {
	clusterReadyMembersGauge.
		DeleteLabelValues(m.namespace, m.name)

	for _, phase := range []etcdv1alpha1.ClusterPhase{
		etcdv1alpha1.ClusterPhaseInitializing,
		etcdv1alpha1.ClusterPhaseRunning,
		etcdv1alpha1.ClusterPhaseBackingUp,
		etcdv1alpha1.ClusterPhaseFailed,
	} {
		clusterPhaseGauge.
			DeleteLabelValues(m.namespace, m.name, string(phase))
	}
}
