package constants

// Common condition reasons used by the operator for various Status conditions.
const (
	// ReasonReady indicates a resource is fully prepared and functional.
	ReasonReady = "Ready"
	// ReasonError indicates a generic failure state.
	ReasonError = "Error"
	// ReasonPaused indicates reconciliation is disabled for the resource.
	ReasonPaused = "Paused"
	// ReasonReconciling indicates the resource is currently being reconciled.
	ReasonReconciling = "Reconciling"
	// ReasonIdle indicates the resource is in an idle state.
	ReasonIdle = "Idle"

	// ReasonQuorumViolation indicates a topology change was rejected locally
	// because it would drop alive voters below the quorum floor.
	ReasonQuorumViolation = "QuorumViolation"
	// ReasonTwoMemberCluster indicates the cluster has exactly two voting
	// members and no removal can preserve quorum without intervention.
	ReasonTwoMemberCluster = "TwoMemberCluster"
	// ReasonClusterIdentityMismatch indicates a reused data volume belongs to
	// a different logical cluster and the join requires operator confirmation.
	ReasonClusterIdentityMismatch = "ClusterIdentityMismatch"
	// ReasonCsrPending indicates trust material is waiting on the external
	// certificate provider.
	ReasonCsrPending = "CsrPending"
)
