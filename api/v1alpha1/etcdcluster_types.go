/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package v1alpha1

import (
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeletionPolicy defines what happens to member data volumes when the CR is deleted.
// +kubebuilder:validation:Enum=Retain;Delete
type DeletionPolicy string

const (
	// EtcdClusterFinalizer is the finalizer used to ensure cleanup logic
	// runs before an EtcdCluster is fully deleted.
	EtcdClusterFinalizer = "etcd.quorumkit.io/etcdcluster-finalizer"

	// DeletionPolicyRetain keeps member data volumes so a future cluster
	// incarnation can reattach them.
	DeletionPolicyRetain DeletionPolicy = "Retain"
	// DeletionPolicyDelete removes member data volumes together with the cluster.
	DeletionPolicyDelete DeletionPolicy = "Delete"
)

// ClusterPhase is a high-level summary of cluster state.
// +kubebuilder:validation:Enum=Initializing;Running;BackingUp;Failed
type ClusterPhase string

const (
	ClusterPhaseInitializing ClusterPhase = "Initializing"
	ClusterPhaseRunning      ClusterPhase = "Running"
	ClusterPhaseBackingUp    ClusterPhase = "BackingUp"
	ClusterPhaseFailed       ClusterPhase = "Failed"
)

// ConditionType identifies a specific aspect of cluster health or lifecycle.
// This type is kept as a strong string alias to avoid stringly-typed code.
type ConditionType string

const (
	// ConditionAvailable indicates whether the cluster is generally available.
	ConditionAvailable ConditionType = "Available"
	// ConditionTLSReady indicates whether trust material for every enabled
	// endpoint has reached the Active phase.
	ConditionTLSReady ConditionType = "TLSReady"
	// ConditionQuorumAtRisk warns that the cluster has exactly two voting
	// members, a topology from which no removal can preserve quorum without
	// operator intervention. It never blocks reconciliation.
	ConditionQuorumAtRisk ConditionType = "QuorumAtRisk"
	// ConditionAuthEnabled reflects whether the internal admin credential has
	// been applied and authentication enabled on the cluster.
	ConditionAuthEnabled ConditionType = "AuthEnabled"
	// ConditionDegraded indicates the operator has detected a problem requiring attention.
	ConditionDegraded ConditionType = "Degraded"
	// ConditionBackingUp indicates whether a snapshot is currently in progress.
	ConditionBackingUp ConditionType = "BackingUp"
)

// MemberRole is the raft role a cluster member holds.
// +kubebuilder:validation:Enum=voter;learner
type MemberRole string

const (
	// MemberRoleVoter participates in quorum and leader election.
	MemberRoleVoter MemberRole = "voter"
	// MemberRoleLearner receives replicated state without voting, used for
	// staged joins.
	MemberRoleLearner MemberRole = "learner"
)

// MemberHealth is the observed reachability of a member.
// +kubebuilder:validation:Enum=healthy;unreachable;unknown
type MemberHealth string

const (
	MemberHealthHealthy     MemberHealth = "healthy"
	MemberHealthUnreachable MemberHealth = "unreachable"
	MemberHealthUnknown     MemberHealth = "unknown"
)

// TrustEndpoint names a TLS transport endpoint of a member.
// +kubebuilder:validation:Enum=peer;client
type TrustEndpoint string

const (
	// TrustEndpointPeer is the peer-to-peer (raft) transport.
	TrustEndpointPeer TrustEndpoint = "peer"
	// TrustEndpointClient is the client-to-server transport.
	TrustEndpointClient TrustEndpoint = "client"
)

// CertificatePhase is the lifecycle phase of an endpoint's certificate.
// +kubebuilder:validation:Enum=NoRelation;CsrPending;Active;ExpiringSoon;Rotating;Error
type CertificatePhase string

const (
	// CertificatePhaseNoRelation means no trust relationship exists for the
	// endpoint; the transport runs unencrypted.
	CertificatePhaseNoRelation CertificatePhase = "NoRelation"
	// CertificatePhaseCsrPending means a signing request has been submitted
	// to the provider and no matching certificate has arrived yet.
	CertificatePhaseCsrPending CertificatePhase = "CsrPending"
	// CertificatePhaseActive means a valid certificate is installed.
	CertificatePhaseActive CertificatePhase = "Active"
	// CertificatePhaseExpiringSoon means the installed certificate is within
	// the configured rotation lead time of its expiry.
	CertificatePhaseExpiringSoon CertificatePhase = "ExpiringSoon"
	// CertificatePhaseRotating means a replacement signing request is in
	// flight while the old certificate remains in use.
	CertificatePhaseRotating CertificatePhase = "Rotating"
	// CertificatePhaseError means the provider failed and no certificate
	// within its validity window is available for the endpoint.
	CertificatePhaseError CertificatePhase = "Error"
)

// StagedJoinConfig controls whether new members join as learners and when
// they are promoted to voters.
type StagedJoinConfig struct {
	// Enabled adds new members as learners instead of voters.
	// +kubebuilder:default=false
	// +optional
	Enabled bool `json:"enabled,omitempty"`
	// PromotionThresholdPercent is how far (in percent of the leader's raft
	// index) a learner must have caught up before it is promoted to voter.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:validation:Maximum=100
	// +kubebuilder:default=90
	// +optional
	PromotionThresholdPercent int32 `json:"promotionThresholdPercent,omitempty"`
}

// TopologyConfig is the desired membership of the cluster.
type TopologyConfig struct {
	// Replicas is the number of members the orchestration layer intends to exist.
	// Member names are derived from the cluster name and ordinal: <name>-<n>.
	// +kubebuilder:validation:Minimum=1
	Replicas int32 `json:"replicas"`
	// StagedJoin controls learner-based staged joins.
	// +optional
	StagedJoin *StagedJoinConfig `json:"stagedJoin,omitempty"`
}

// EndpointTLSConfig configures trust for a single transport endpoint.
// The peer and client endpoints are independent: enabling or removing one
// never affects the other.
type EndpointTLSConfig struct {
	// Enabled establishes a trust relationship for this endpoint.
	Enabled bool `json:"enabled"`
	// PrivateKeySecretRef optionally references a Secret holding an externally
	// supplied private key (key "tls.key", PEM). When unset, a key is
	// generated and kept only in the member's own Secret.
	// +optional
	PrivateKeySecretRef *corev1.LocalObjectReference `json:"privateKeySecretRef,omitempty"`
	// ExtraSANs are additional DNS names or IP addresses bound into the
	// certificate alongside the member's advertised addresses.
	// +optional
	ExtraSANs []string `json:"extraSANs,omitempty"`
	// RotationLeadTime is a duration string (for example, "240h") before
	// expiry at which renewal starts. No certificate is renewed earlier.
	// +kubebuilder:default="240h"
	// +optional
	RotationLeadTime string `json:"rotationLeadTime,omitempty"`
}

// TLSConfig captures trust configuration for both transport endpoints.
type TLSConfig struct {
	// Peer configures the peer-to-peer transport.
	// +optional
	Peer EndpointTLSConfig `json:"peer,omitempty"`
	// Client configures the client-to-server transport.
	// +optional
	Client EndpointTLSConfig `json:"client,omitempty"`
}

// CredentialsConfig configures the internal administrative identity.
type CredentialsConfig struct {
	// SecretRef optionally references an externally managed Secret holding
	// the admin password (key "password"). When unset, the operator generates
	// a random credential on first reconciliation.
	// +optional
	SecretRef *corev1.LocalObjectReference `json:"secretRef,omitempty"`
}

// BackupTarget describes an S3-compatible object storage destination for snapshots.
type BackupTarget struct {
	// Endpoint is the HTTP(S) endpoint for the object storage service.
	// +kubebuilder:validation:MinLength=1
	Endpoint string `json:"endpoint"`
	// Bucket is the bucket name.
	// +kubebuilder:validation:MinLength=1
	Bucket string `json:"bucket"`
	// Region is the region to use for S3-compatible clients. For many
	// S3-compatible stores this can be any non-empty value.
	// +kubebuilder:default=us-east-1
	// +optional
	Region string `json:"region,omitempty"`
	// PathPrefix is an optional prefix within the bucket for this cluster's snapshots.
	// +optional
	PathPrefix string `json:"pathPrefix,omitempty"`
	// CredentialsSecretRef optionally references a Secret containing
	// credentials for the object store. The Secret must exist in the same
	// namespace as the EtcdCluster.
	// +optional
	CredentialsSecretRef *corev1.LocalObjectReference `json:"credentialsSecretRef,omitempty"`
	// UsePathStyle enables path-style addressing, required by MinIO and most
	// S3-compatible stores.
	// +kubebuilder:default=false
	// +optional
	UsePathStyle bool `json:"usePathStyle,omitempty"`
}

// BackupConfig configures scheduled snapshots.
type BackupConfig struct {
	// Schedule is a cron expression for snapshot timing, for example "0 2 * * *".
	// +kubebuilder:validation:MinLength=1
	Schedule string `json:"schedule"`
	// Target is the object storage destination.
	Target BackupTarget `json:"target"`
	// MaxSnapshots is the number of snapshots retained in the bucket.
	// Older snapshots beyond this count are pruned after each upload.
	// +kubebuilder:validation:Minimum=1
	// +kubebuilder:default=7
	// +optional
	MaxSnapshots int32 `json:"maxSnapshots,omitempty"`
}

// EtcdClusterSpec defines the desired state of an EtcdCluster.
type EtcdClusterSpec struct {
	// Topology is the desired membership.
	Topology TopologyConfig `json:"topology"`
	// TLS configures trust for the peer and client endpoints.
	// +optional
	TLS TLSConfig `json:"tls,omitempty"`
	// Credentials configures the internal admin identity.
	// +optional
	Credentials CredentialsConfig `json:"credentials,omitempty"`
	// DeletionPolicy controls what happens to member data volumes when the
	// CR is deleted.
	// +kubebuilder:default=Retain
	// +optional
	DeletionPolicy DeletionPolicy `json:"deletionPolicy,omitempty"`
	// Backup configures scheduled snapshots to object storage.
	// +optional
	Backup *BackupConfig `json:"backup,omitempty"`
	// Paused suspends reconciliation of this cluster.
	// +optional
	Paused bool `json:"paused,omitempty"`
}

// MemberStatus is the observed state of one cluster member.
type MemberStatus struct {
	// ID is the store-assigned member identifier, hex-encoded.
	// +optional
	ID string `json:"id,omitempty"`
	// Name is the unique member name derived from the cluster name and ordinal.
	Name string `json:"name"`
	// PeerURL is the member's advertised peer endpoint.
	// +optional
	PeerURL string `json:"peerURL,omitempty"`
	// ClientURL is the member's advertised client endpoint.
	// +optional
	ClientURL string `json:"clientURL,omitempty"`
	// Role is the member's raft role.
	// +optional
	Role MemberRole `json:"role,omitempty"`
	// Health is the member's observed reachability.
	// +optional
	Health MemberHealth `json:"health,omitempty"`
}

// CertificateStatus is the observed certificate lifecycle state for one endpoint.
type CertificateStatus struct {
	// Endpoint names the transport this state belongs to.
	Endpoint TrustEndpoint `json:"endpoint"`
	// Phase is the lifecycle phase.
	Phase CertificatePhase `json:"phase"`
	// Fingerprint identifies the outstanding signing request, if any.
	// Provider responses are matched against it, never by arrival order.
	// +optional
	Fingerprint string `json:"fingerprint,omitempty"`
	// NotAfter is the expiry time of the installed certificate.
	// +optional
	NotAfter *metav1.Time `json:"notAfter,omitempty"`
	// Message carries detail for the Error phase.
	// +optional
	Message string `json:"message,omitempty"`
}

// BackupStatus tracks snapshot scheduling and history.
type BackupStatus struct {
	// LastSnapshotTime is when the last successful snapshot completed.
	// +optional
	LastSnapshotTime *metav1.Time `json:"lastSnapshotTime,omitempty"`
	// LastSnapshotKey is the object key of the last uploaded snapshot.
	// +optional
	LastSnapshotKey string `json:"lastSnapshotKey,omitempty"`
	// NextScheduled is the next time a snapshot is due.
	// +optional
	NextScheduled *metav1.Time `json:"nextScheduled,omitempty"`
}

// EtcdClusterStatus defines the observed state of an EtcdCluster.
type EtcdClusterStatus struct {
	// Phase is a high-level summary of cluster state.
	// +optional
	Phase ClusterPhase `json:"phase,omitempty"`
	// Members is the live membership as last observed from the store.
	// Never treated as a cache: every reconciliation re-reads the store.
	// +optional
	Members []MemberStatus `json:"members,omitempty"`
	// ReadyMembers counts members observed healthy.
	// +optional
	ReadyMembers int32 `json:"readyMembers,omitempty"`
	// Certificates holds one entry per trust endpoint.
	// +optional
	Certificates []CertificateStatus `json:"certificates,omitempty"`
	// CredentialGeneration increases whenever the applied admin credential
	// content changes. A bumped generation means the store accepted the change.
	// +optional
	CredentialGeneration int64 `json:"credentialGeneration,omitempty"`
	// AuthEnabled records that authentication has been enabled on the store.
	// +optional
	AuthEnabled bool `json:"authEnabled,omitempty"`
	// ObservedTopologyGeneration is the spec generation the topology
	// reconciler last acted on.
	// +optional
	ObservedTopologyGeneration int64 `json:"observedTopologyGeneration,omitempty"`
	// Backup tracks snapshot scheduling and history.
	// +optional
	Backup *BackupStatus `json:"backup,omitempty"`
	// Conditions represent the latest available observations of the cluster's state.
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +kubebuilder:object:root=true
// +kubebuilder:subresource:status
// +kubebuilder:printcolumn:name="Replicas",type=integer,JSONPath=`.spec.topology.replicas`
// +kubebuilder:printcolumn:name="Ready",type=integer,JSONPath=`.status.readyMembers`
// +kubebuilder:printcolumn:name="Phase",type=string,JSONPath=`.status.phase`
// +kubebuilder:printcolumn:name="Age",type=date,JSONPath=`.metadata.creationTimestamp`

// EtcdCluster is the Schema for the etcdclusters API.
type EtcdCluster struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec   EtcdClusterSpec   `json:"spec,omitempty"`
	Status EtcdClusterStatus `json:"status,omitempty"`
}

// +kubebuilder:object:root=true

// EtcdClusterList contains a list of EtcdCluster.
type EtcdClusterList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []EtcdCluster `json:"items"`
}

func init() {
	SchemeBuilder.Register(&EtcdCluster{}, &EtcdClusterList{})
}
