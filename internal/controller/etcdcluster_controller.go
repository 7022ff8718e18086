package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/util/workqueue"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/log"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	backupmanager "github.com/quorumkit/etcd-operator/internal/backup"
	certmanager "github.com/quorumkit/etcd-operator/internal/certs"
	configmanager "github.com/quorumkit/etcd-operator/internal/config"
	"github.com/quorumkit/etcd-operator/internal/constants"
	"github.com/quorumkit/etcd-operator/internal/credentials"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/etcd"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
	"github.com/quorumkit/etcd-operator/internal/storage"
	"github.com/quorumkit/etcd-operator/internal/topology"
)

const controllerName = "etcdcluster"

// safetyNetRequeue is the requeue interval for converged clusters. It keeps
// member health, certificate expiry, and the snapshot schedule under periodic
// observation even when no watch event fires; the jitter spreads the resyncs
// of many clusters apart.
func safetyNetRequeue() time.Duration {
	window := float64(constants.RequeueSafetyNetJitter) / float64(constants.RequeueSafetyNetBase)
	return wait.Jitter(constants.RequeueSafetyNetBase, window)
}

// EtcdClusterReconciler reconciles an EtcdCluster object.
type EtcdClusterReconciler struct {
	client.Client
	Scheme *runtime.Scheme

	// CertProvider is the external certificate authority used for endpoint
	// trust material.
	CertProvider certmanager.Provider

	// ConnectStore overrides how the member store is dialed. Left nil in
	// production, where the real client is used.
	ConnectStore func(ctx context.Context, cfg etcd.Config) (etcd.API, error)

	// OpenBackupTarget overrides how the snapshot target is opened. Left nil
	// in production, where the real S3 client is used.
	OpenBackupTarget backupmanager.OpenObjectStoreFunc
}

// +kubebuilder:rbac:groups=etcd.quorumkit.io,resources=etcdclusters,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=etcd.quorumkit.io,resources=etcdclusters/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=etcd.quorumkit.io,resources=etcdclusters/finalizers,verbs=update
// +kubebuilder:rbac:groups="",resources=secrets,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims,verbs=get;list;watch;delete

// Reconcile is part of the main Kubernetes reconciliation loop which aims to
// move the current state of the cluster closer to the desired state.
// For more details, check Reconcile and its Result here:
// - https://pkg.go.dev/sigs.k8s.io/controller-runtime@v0.22.4/pkg/reconcile
func (r *EtcdClusterReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	logger := log.FromContext(ctx).WithValues(
		"cluster_namespace", req.Namespace,
		"cluster_name", req.Name,
		"controller", controllerName,
	)

	reconcileMetrics := NewReconcileMetrics(req.Namespace, req.Name, controllerName)
	start := time.Now()
	defer func() {
		reconcileMetrics.ObserveDuration(time.Since(start).Seconds())
	}()

	cluster := &etcdv1alpha1.EtcdCluster{}
	if err := r.Get(ctx, req.NamespacedName, cluster); err != nil {
		if apierrors.IsNotFound(err) {
			logger.Info("EtcdCluster resource not found; assuming it was deleted")
			return ctrl.Result{}, nil
		}

		return ctrl.Result{}, fmt.Errorf("failed to get EtcdCluster %s/%s: %w", req.Namespace, req.Name, err)
	}

	if !cluster.DeletionTimestamp.IsZero() {
		logger.Info("EtcdCluster is marked for deletion")
		if containsFinalizer(cluster.Finalizers, etcdv1alpha1.EtcdClusterFinalizer) {
			if err := r.handleDeletion(ctx, logger, cluster); err != nil {
				return ctrl.Result{}, err
			}

			NewClusterMetrics(cluster.Namespace, cluster.Name).Clear()

			cluster.Finalizers = removeFinalizer(cluster.Finalizers, etcdv1alpha1.EtcdClusterFinalizer)
			if err := r.Update(ctx, cluster); err != nil {
				return ctrl.Result{}, fmt.Errorf("failed to remove finalizer from EtcdCluster %s/%s: %w", cluster.Namespace, cluster.Name, err)
			}
		}

		return ctrl.Result{}, nil
	}

	if !containsFinalizer(cluster.Finalizers, etcdv1alpha1.EtcdClusterFinalizer) {
		cluster.Finalizers = append(cluster.Finalizers, etcdv1alpha1.EtcdClusterFinalizer)
		if err := r.Update(ctx, cluster); err != nil {
			return ctrl.Result{}, fmt.Errorf("failed to add finalizer to EtcdCluster %s/%s: %w", cluster.Namespace, cluster.Name, err)
		}

		// Requeue to observe the resource with the finalizer attached.
		return ctrl.Result{}, nil
	}

	if cluster.Spec.Paused {
		logger.Info("Reconciliation is paused for EtcdCluster")
		if err := r.updateStatusForPaused(ctx, logger, cluster); err != nil {
			return ctrl.Result{}, err
		}
		return ctrl.Result{}, nil
	}

	peers := peerstate.NewStore(r.Client, r.Scheme)

	if err := r.reconcileCerts(ctx, logger, cluster); err != nil {
		reconcileMetrics.IncrementError("CertificateProvider")
		r.setTLSCondition(cluster, err)

		if statusErr := r.Status().Update(ctx, cluster); statusErr != nil {
			return ctrl.Result{}, fmt.Errorf("failed to update TLSReady condition for EtcdCluster %s/%s after TLS error: %w", cluster.Namespace, cluster.Name, statusErr)
		}

		return r.completeWithError(logger, reconcileMetrics, err)
	}
	r.setTLSCondition(cluster, nil)

	store, err := r.connect(ctx, logger, cluster, peers)
	if err != nil {
		return r.completeWithError(logger, reconcileMetrics, err)
	}
	if store != nil {
		defer func() {
			if closeErr := store.Close(); closeErr != nil {
				logger.Error(closeErr, "failed to close store client")
			}
		}()
	}

	var errs []error

	if err := r.reconcileConfig(ctx, logger, cluster, peers); err != nil {
		errs = append(errs, err)
	}

	if err := r.reconcileCredentials(ctx, logger, cluster, peers, store); err != nil {
		errs = append(errs, err)
	}

	outcome, err := r.reconcileTopology(ctx, logger, cluster, peers, store)
	if err != nil {
		errs = append(errs, err)
	}

	if err := r.reconcileBackup(ctx, logger, cluster, store); err != nil {
		errs = append(errs, err)
	}

	reconcileErr := errors.Join(errs...)

	if err := r.updateStatus(ctx, logger, cluster, peers, outcome, reconcileErr); err != nil {
		return ctrl.Result{}, err
	}

	if reconcileErr != nil {
		return r.completeWithError(logger, reconcileMetrics, reconcileErr)
	}

	if outcome.Changed {
		// A membership mutation was issued this pass; observe its effect soon
		// instead of waiting for the safety net.
		return ctrl.Result{RequeueAfter: constants.RequeueShort}, nil
	}

	for _, cert := range cluster.Status.Certificates {
		switch cert.Phase {
		case etcdv1alpha1.CertificatePhaseCsrPending, etcdv1alpha1.CertificatePhaseRotating:
			// Trust material is waiting on the provider; poll it rather than
			// waiting for the safety net.
			return ctrl.Result{RequeueAfter: constants.RequeueStandard}, nil
		}
	}

	return ctrl.Result{RequeueAfter: safetyNetRequeue()}, nil
}

// completeWithError maps a reconciliation error onto a requeue decision.
// Transient failures requeue after a fixed delay, unknown failures are handed
// to the workqueue's backoff, and blocked failures wait for operator action
// signaled through a spec or state change.
func (r *EtcdClusterReconciler) completeWithError(logger logr.Logger, metrics *ReconcileMetrics, err error) (ctrl.Result, error) {
	metrics.IncrementError(errorReason(err))

	requeue, after := operrors.ShouldRequeue(err)
	if !requeue {
		logger.Error(err, "reconciliation is blocked pending operator intervention")
		return ctrl.Result{}, nil
	}

	if after > 0 {
		logger.Info("requeueing after transient failure", "after", after, "error", err.Error())
		return ctrl.Result{RequeueAfter: after}, nil
	}

	return ctrl.Result{}, err
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, operrors.ErrQuorumViolation):
		return constants.ReasonQuorumViolation
	case errors.Is(err, operrors.ErrClusterIdentityMismatch):
		return constants.ReasonClusterIdentityMismatch
	case errors.Is(err, operrors.ErrCredentialApplyFailure):
		return "CredentialApplyFailure"
	case errors.Is(err, operrors.ErrCertificateProvider):
		return "CertificateProvider"
	case errors.Is(err, operrors.ErrTransientConnection):
		return "TransientConnection"
	case errors.Is(err, operrors.ErrTransientKubernetesAPI):
		return "KubernetesAPIError"
	default:
		return "Unknown"
	}
}

func (r *EtcdClusterReconciler) reconcileCerts(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster) error {
	logger.Info("Reconciling trust material for EtcdCluster")
	manager := certmanager.NewManager(r.Client, r.Scheme, r.CertProvider)

	var errs []error
	statuses := make([]etcdv1alpha1.CertificateStatus, 0, 2)
	for _, endpoint := range []etcdv1alpha1.TrustEndpoint{etcdv1alpha1.TrustEndpointPeer, etcdv1alpha1.TrustEndpointClient} {
		status, err := manager.Reconcile(ctx, logger, cluster, endpoint)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s endpoint: %w", endpoint, err))
		}
		statuses = append(statuses, status)
	}

	cluster.Status.Certificates = statuses

	return errors.Join(errs...)
}

// setTLSCondition derives the TLSReady condition from the per-endpoint
// certificate statuses recorded by the certificate manager.
func (r *EtcdClusterReconciler) setTLSCondition(cluster *etcdv1alpha1.EtcdCluster, reconcileErr error) {
	status := metav1.ConditionTrue
	reason := constants.ReasonReady
	message := "Trust material for all enabled endpoints is in place"

	if reconcileErr != nil {
		status = metav1.ConditionFalse
		reason = constants.ReasonError
		message = fmt.Sprintf("failed to reconcile trust material: %v", reconcileErr)
	} else {
		for _, cert := range cluster.Status.Certificates {
			switch cert.Phase {
			case etcdv1alpha1.CertificatePhaseCsrPending:
				status = metav1.ConditionFalse
				reason = constants.ReasonCsrPending
				message = fmt.Sprintf("certificate for the %s endpoint is awaiting issuance", cert.Endpoint)
			case etcdv1alpha1.CertificatePhaseError:
				status = metav1.ConditionFalse
				reason = constants.ReasonError
				message = fmt.Sprintf("certificate for the %s endpoint reported an error: %s", cert.Endpoint, cert.Message)
			}
		}
	}

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionTLSReady),
		Status:             status,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: metav1.Now(),
		Reason:             reason,
		Message:            message,
	})
}

// connect dials the member store for this pass. Before the cluster has been
// bootstrapped there is nothing to dial and a nil store is returned; the
// managers treat that as "defer any store-side work".
func (r *EtcdClusterReconciler) connect(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, peers *peerstate.Store) (etcd.API, error) {
	state, bootstrapped, err := peers.Get(ctx, cluster, peerstate.KeyInitialClusterState)
	if err != nil {
		return nil, err
	}
	if !bootstrapped || state == "" {
		return nil, nil
	}

	cfg := etcd.Config{}
	for _, name := range topology.DesiredMemberNames(cluster) {
		cfg.Endpoints = append(cfg.Endpoints, topology.ClientURL(cluster, name))
	}

	if cluster.Spec.TLS.Client.Enabled {
		tlsConfig, ready, err := clientTLSConfig(ctx, r.Client, cluster)
		if err != nil {
			return nil, err
		}
		if !ready {
			// The client endpoint secret has not been populated yet. Leave
			// the store unreachable rather than dialing with the wrong
			// transport; the certificate manager converges first.
			logger.Info("client trust material not yet available, deferring store connection")
			return nil, nil
		}
		cfg.TLS = tlsConfig
	}

	credManager := credentials.NewManager(r.Client, r.Scheme, peers)

	authEnabled, _, err := peers.Get(ctx, cluster, peerstate.KeyAuthentication)
	if err != nil {
		return nil, err
	}
	if authEnabled == "enabled" {
		cred, found, err := credManager.Current(ctx, cluster)
		if err != nil {
			return nil, err
		}
		if found {
			cfg.Username = cred.Username
			cfg.Password = cred.Password
		}
	}

	dial := r.ConnectStore
	if dial == nil {
		dial = func(ctx context.Context, cfg etcd.Config) (etcd.API, error) {
			return etcd.New(ctx, cfg)
		}
	}

	store, err := dial(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if cfg.Username == "" {
		return store, nil
	}

	// Verify the session before handing the store to the managers. A store
	// that rejects the recorded credential after a half-applied rotation
	// still accepts the referenced external password; dialing with it lets
	// the credential manager finish the rotation instead of retrying a
	// password the store no longer knows.
	if _, probeErr := store.ListMembers(ctx); probeErr != nil && etcd.IsAuthFailed(probeErr) {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error(closeErr, "failed to close store client after rejected credential")
		}

		desired, supplied, err := credManager.DesiredPassword(ctx, cluster)
		if err != nil {
			return nil, err
		}
		if !supplied || desired == cfg.Password {
			return nil, operrors.WrapCredentialApplyFailure(
				fmt.Errorf("store rejected the recorded admin credential: %w", probeErr))
		}

		logger.Info("store rejected the recorded admin credential, re-authenticating with the referenced credential")
		cfg.Password = desired
		recovered, err := dial(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if _, err := recovered.ListMembers(ctx); err != nil {
			if closeErr := recovered.Close(); closeErr != nil {
				logger.Error(closeErr, "failed to close store client after rejected credential")
			}
			return nil, operrors.WrapCredentialApplyFailure(
				fmt.Errorf("store rejected both the recorded and the referenced admin credential: %w", err))
		}
		return recovered, nil
	}

	return store, nil
}

func (r *EtcdClusterReconciler) reconcileConfig(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, peers *peerstate.Store) error {
	logger.Info("Reconciling member configuration for EtcdCluster")
	manager := configmanager.NewManager(r.Client, r.Scheme, peers)
	return manager.Reconcile(ctx, logger, cluster)
}

func (r *EtcdClusterReconciler) reconcileCredentials(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, peers *peerstate.Store, store etcd.API) error {
	logger.Info("Reconciling admin credential for EtcdCluster")
	manager := credentials.NewManager(r.Client, r.Scheme, peers)
	cred, err := manager.Ensure(ctx, logger, cluster, store)
	if err != nil {
		return err
	}

	cluster.Status.CredentialGeneration = cred.Generation

	return nil
}

func (r *EtcdClusterReconciler) reconcileTopology(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, peers *peerstate.Store, store etcd.API) (topology.Outcome, error) {
	logger.Info("Reconciling membership for EtcdCluster")
	reconciler := topology.NewReconciler(peers, storage.NewCoordinator(peers))
	outcome, err := reconciler.Reconcile(ctx, logger, cluster, store)

	cluster.Status.Members = outcome.Members
	cluster.Status.ReadyMembers = outcome.ReadyMembers
	cluster.Status.ObservedTopologyGeneration = cluster.Generation

	return outcome, err
}

func (r *EtcdClusterReconciler) reconcileBackup(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API) error {
	if cluster.Spec.Backup == nil {
		return nil
	}

	logger.Info("Reconciling snapshots for EtcdCluster")

	// A snapshot may take a while to stream; surface it in status before the
	// manager starts so observers see the cluster as backing up while the
	// upload runs. The regular status update at the end of the pass resets
	// phase and condition.
	if store != nil {
		due, err := backupDue(cluster)
		if err == nil && due {
			if err := r.markBackupInProgress(ctx, logger, cluster); err != nil {
				return err
			}
		}
	}

	manager := backupmanager.NewManager(r.Client, r.OpenBackupTarget)
	status, err := manager.Reconcile(ctx, logger, cluster, store)
	if status != nil {
		cluster.Status.Backup = status
	}
	return err
}

func backupDue(cluster *etcdv1alpha1.EtcdCluster) (bool, error) {
	var last time.Time
	if cluster.Status.Backup != nil && cluster.Status.Backup.LastSnapshotTime != nil {
		last = cluster.Status.Backup.LastSnapshotTime.Time
	}
	return backupmanager.IsDue(cluster.Spec.Backup.Schedule, last, cluster.CreationTimestamp.Time, time.Now().UTC())
}

func (r *EtcdClusterReconciler) markBackupInProgress(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster) error {
	cluster.Status.Phase = etcdv1alpha1.ClusterPhaseBackingUp
	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionBackingUp),
		Status:             metav1.ConditionTrue,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: metav1.Now(),
		Reason:             "SnapshotInProgress",
		Message:            "A snapshot is being streamed to the backup target",
	})

	if err := r.Status().Update(ctx, cluster); err != nil {
		return fmt.Errorf("failed to record snapshot progress for EtcdCluster %s/%s: %w", cluster.Namespace, cluster.Name, err)
	}

	NewClusterMetrics(cluster.Namespace, cluster.Name).SetPhase(etcdv1alpha1.ClusterPhaseBackingUp)
	logger.Info("Snapshot is due, marked EtcdCluster as backing up")

	return nil
}

// handleDeletion applies the cluster's DeletionPolicy. Owned Secrets and
// ConfigMaps are garbage collected through owner references; the policy only
// decides the fate of member data volumes, which the operator does not own.
func (r *EtcdClusterReconciler) handleDeletion(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster) error {
	policy := cluster.Spec.DeletionPolicy
	if policy == "" {
		policy = etcdv1alpha1.DeletionPolicyRetain
	}

	logger.Info("Applying DeletionPolicy for EtcdCluster", "deletionPolicy", string(policy))

	if policy == etcdv1alpha1.DeletionPolicyRetain {
		return nil
	}

	for _, member := range topology.DesiredMemberNames(cluster) {
		pvc := &corev1.PersistentVolumeClaim{}
		name := types.NamespacedName{Namespace: cluster.Namespace, Name: dataVolumeClaimName(member)}
		if err := r.Get(ctx, name, pvc); err != nil {
			if apierrors.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to get PVC %s for deletion: %w", name.Name, err)
		}

		if err := r.Delete(ctx, pvc); err != nil && !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to delete PVC %s: %w", name.Name, err)
		}
		logger.Info("Deleted member data volume", "pvc", name.Name)
	}

	return nil
}

// dataVolumeClaimName follows the StatefulSet volume claim template naming
// convention for the member's data volume.
func dataVolumeClaimName(member string) string {
	return "data-" + member
}

func (r *EtcdClusterReconciler) updateStatusForPaused(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster) error {
	if cluster.Status.Phase == "" {
		cluster.Status.Phase = etcdv1alpha1.ClusterPhaseInitializing
	}

	now := metav1.Now()

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionAvailable),
		Status:             metav1.ConditionUnknown,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             constants.ReasonPaused,
		Message:            "Reconciliation is paused; availability is not being evaluated",
	})

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionDegraded),
		Status:             metav1.ConditionFalse,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             constants.ReasonPaused,
		Message:            "Cluster is paused; no new degradation has been evaluated",
	})

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionTLSReady),
		Status:             metav1.ConditionUnknown,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             constants.ReasonPaused,
		Message:            "Trust material is not being evaluated while reconciliation is paused",
	})

	if err := r.Status().Update(ctx, cluster); err != nil {
		return fmt.Errorf("failed to update status for paused EtcdCluster %s/%s: %w", cluster.Namespace, cluster.Name, err)
	}

	logger.Info("Updated status for paused EtcdCluster")

	return nil
}

func (r *EtcdClusterReconciler) updateStatus(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, peers *peerstate.Store, outcome topology.Outcome, reconcileErr error) error {
	desired := cluster.Spec.Topology.Replicas
	available := outcome.ReadyMembers == desired && outcome.ReadyMembers > 0

	authState, _, err := peers.Get(ctx, cluster, peerstate.KeyAuthentication)
	if err != nil {
		return err
	}
	cluster.Status.AuthEnabled = authState == "enabled"

	switch {
	case operrors.IsBlocked(reconcileErr):
		cluster.Status.Phase = etcdv1alpha1.ClusterPhaseFailed
	case available:
		cluster.Status.Phase = etcdv1alpha1.ClusterPhaseRunning
	default:
		cluster.Status.Phase = etcdv1alpha1.ClusterPhaseInitializing
	}

	now := metav1.Now()

	availableStatus := metav1.ConditionFalse
	availableReason := "MembersUnhealthy"
	availableMessage := fmt.Sprintf("Only %d/%d members are healthy", outcome.ReadyMembers, desired)
	if available {
		availableStatus = metav1.ConditionTrue
		availableReason = "AllMembersHealthy"
		availableMessage = fmt.Sprintf("All %d members are healthy", outcome.ReadyMembers)
	} else if outcome.ReadyMembers == 0 {
		availableReason = "NoMembersHealthy"
		availableMessage = "No members are healthy yet"
	}

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionAvailable),
		Status:             availableStatus,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             availableReason,
		Message:            availableMessage,
	})

	quorumStatus := metav1.ConditionFalse
	quorumReason := "QuorumSafe"
	quorumMessage := "Membership changes can preserve quorum"
	if outcome.QuorumAtRisk {
		quorumStatus = metav1.ConditionTrue
		quorumReason = constants.ReasonTwoMemberCluster
		quorumMessage = "The cluster has exactly two voting members; no removal can preserve quorum"
	}

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionQuorumAtRisk),
		Status:             quorumStatus,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             quorumReason,
		Message:            quorumMessage,
	})

	authStatus := metav1.ConditionFalse
	authReason := "AuthenticationPending"
	authMessage := "Authentication has not been enabled on the store yet"
	if cluster.Status.AuthEnabled {
		authStatus = metav1.ConditionTrue
		authReason = "AuthenticationEnabled"
		authMessage = "Authentication is enabled and the admin credential is applied"
	}

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionAuthEnabled),
		Status:             authStatus,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             authReason,
		Message:            authMessage,
	})

	degradedStatus := metav1.ConditionFalse
	degradedReason := constants.ReasonReconciling
	degradedMessage := "No degradation has been recorded by the controller"
	if operrors.IsBlocked(reconcileErr) {
		degradedStatus = metav1.ConditionTrue
		degradedReason = errorReason(reconcileErr)
		degradedMessage = reconcileErr.Error()
	}

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionDegraded),
		Status:             degradedStatus,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             degradedReason,
		Message:            degradedMessage,
	})

	meta.SetStatusCondition(&cluster.Status.Conditions, metav1.Condition{
		Type:               string(etcdv1alpha1.ConditionBackingUp),
		Status:             metav1.ConditionFalse,
		ObservedGeneration: cluster.Generation,
		LastTransitionTime: now,
		Reason:             constants.ReasonIdle,
		Message:            "No snapshot is currently in progress",
	})

	clusterMetrics := NewClusterMetrics(cluster.Namespace, cluster.Name)
	clusterMetrics.SetReadyMembers(outcome.ReadyMembers)
	clusterMetrics.SetPhase(cluster.Status.Phase)

	if err := r.Status().Update(ctx, cluster); err != nil {
		return fmt.Errorf("failed to update status for EtcdCluster %s/%s: %w", cluster.Namespace, cluster.Name, err)
	}

	logger.Info("Updated status for EtcdCluster", "readyMembers", outcome.ReadyMembers, "phase", cluster.Status.Phase)

	return nil
}

func containsFinalizer(finalizers []string, value string) bool {
	for _, f := range finalizers {
		if f == value {
			return true
		}
	}
	return false
}

func removeFinalizer(finalizers []string, value string) []string {
	result := make([]string, 0, len(finalizers))
	for _, f := range finalizers {
		if f == value {
			continue
		}
		result = append(result, f)
	}
	return result
}

// SetupWithManager sets up the controller with the Manager.
// It registers watches on the EtcdCluster CR and its owned ConfigMaps and
// Secrets so that changes to peer state, member configuration, and trust
// material trigger reconciliation of the parent EtcdCluster.
func (r *EtcdClusterReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&etcdv1alpha1.EtcdCluster{}).
		// Watch owned ConfigMaps - peer state and rendered member configuration
		Owns(&corev1.ConfigMap{}).
		// Watch owned Secrets - trust material and the admin credential
		Owns(&corev1.Secret{}).
		WithOptions(controller.Options{
			MaxConcurrentReconciles: 3,
			RateLimiter:             workqueue.NewTypedItemExponentialFailureRateLimiter[ctrl.Request](1*time.Second, 60*time.Second),
		}).
		Named(controllerName).
		Complete(r)
}
