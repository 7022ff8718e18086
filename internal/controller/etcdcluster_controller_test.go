package controller

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	backupmanager "github.com/quorumkit/etcd-operator/internal/backup"
	certmanager "github.com/quorumkit/etcd-operator/internal/certs"
	"github.com/quorumkit/etcd-operator/internal/constants"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/etcd"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
	"github.com/quorumkit/etcd-operator/internal/topology"
)

func newTestScheme(t *testing.T) *runtime.Scheme {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, etcdv1alpha1.AddToScheme(scheme))
	return scheme
}

func newTestCluster(replicas int32) *etcdv1alpha1.EtcdCluster {
	return &etcdv1alpha1.EtcdCluster{
		ObjectMeta: metav1.ObjectMeta{
			Name:       "test-etcd",
			Namespace:  "default",
			UID:        types.UID("cluster-uid"),
			Finalizers: []string{etcdv1alpha1.EtcdClusterFinalizer},
		},
		Spec: etcdv1alpha1.EtcdClusterSpec{
			Topology: etcdv1alpha1.TopologyConfig{Replicas: replicas},
		},
	}
}

// bootstrappedPeerState returns the peer state bucket for a cluster that has
// already gone through its first incarnation.
func bootstrappedPeerState(cluster *etcdv1alpha1.EtcdCluster) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.Name + constants.SuffixPeerState,
			Namespace: cluster.Namespace,
		},
		Data: map[string]string{
			peerstate.KeyInitialClusterState: "existing",
			peerstate.KeyClusterID:           string(cluster.UID),
		},
	}
}

func newTestReconciler(t *testing.T, store etcd.API, objs ...client.Object) (*EtcdClusterReconciler, client.Client) {
	t.Helper()

	scheme := newTestScheme(t)
	c := fake.NewClientBuilder().
		WithScheme(scheme).
		WithObjects(objs...).
		WithStatusSubresource(&etcdv1alpha1.EtcdCluster{}).
		Build()

	r := &EtcdClusterReconciler{
		Client:       c,
		Scheme:       scheme,
		CertProvider: &certmanager.MockProvider{},
	}
	if store != nil {
		r.ConnectStore = func(ctx context.Context, cfg etcd.Config) (etcd.API, error) {
			return store, nil
		}
	}
	return r, c
}

func requestFor(cluster *etcdv1alpha1.EtcdCluster) ctrl.Request {
	return ctrl.Request{NamespacedName: types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name}}
}

func getCluster(t *testing.T, c client.Client, cluster *etcdv1alpha1.EtcdCluster) *etcdv1alpha1.EtcdCluster {
	t.Helper()

	got := &etcdv1alpha1.EtcdCluster{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name}, got))
	return got
}

// runningStore returns a mock store whose membership matches the desired
// topology of the given cluster, with every member healthy.
func runningStore(cluster *etcdv1alpha1.EtcdCluster) *etcd.MockAPI {
	var members []etcd.Member
	for i, name := range topology.DesiredMemberNames(cluster) {
		members = append(members, etcd.Member{
			ID:         uint64(i + 1),
			Name:       name,
			PeerURLs:   []string{topology.PeerURL(cluster, name)},
			ClientURLs: []string{topology.ClientURL(cluster, name)},
		})
	}
	return &etcd.MockAPI{
		ListMembersFunc: func(ctx context.Context) ([]etcd.Member, error) {
			return members, nil
		},
	}
}

func TestReconcileMissingClusterIsIgnored(t *testing.T) {
	r, _ := newTestReconciler(t, nil)

	result, err := r.Reconcile(context.Background(), ctrl.Request{
		NamespacedName: types.NamespacedName{Namespace: "default", Name: "gone"},
	})
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)
}

func TestReconcileAddsFinalizer(t *testing.T) {
	cluster := newTestCluster(3)
	cluster.Finalizers = nil
	r, c := newTestReconciler(t, nil, cluster)

	result, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)

	got := getCluster(t, c, cluster)
	assert.Contains(t, got.Finalizers, etcdv1alpha1.EtcdClusterFinalizer)
	// Nothing else happens until the finalizer is observed.
	assert.Empty(t, got.Status.Members)
}

func TestReconcilePausedSetsConditions(t *testing.T) {
	cluster := newTestCluster(3)
	cluster.Spec.Paused = true
	r, c := newTestReconciler(t, nil, cluster)

	_, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)

	got := getCluster(t, c, cluster)
	assert.Equal(t, etcdv1alpha1.ClusterPhaseInitializing, got.Status.Phase)

	available := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionAvailable))
	require.NotNil(t, available)
	assert.Equal(t, metav1.ConditionUnknown, available.Status)
	assert.Equal(t, "Paused", available.Reason)

	// Paused clusters issue no store calls and write no peer state.
	cm := &corev1.ConfigMap{}
	err = c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name + constants.SuffixPeerState}, cm)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestReconcileBootstrapsNewCluster(t *testing.T) {
	cluster := newTestCluster(3)
	r, c := newTestReconciler(t, nil, cluster)

	result, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)
	assert.Greater(t, result.RequeueAfter, time.Duration(0))

	cm := &corev1.ConfigMap{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name + constants.SuffixPeerState}, cm))
	assert.Equal(t, "new", cm.Data[peerstate.KeyInitialClusterState])
	for _, name := range topology.DesiredMemberNames(cluster) {
		assert.Contains(t, cm.Data[peerstate.KeyInitialCluster], fmt.Sprintf("%s=", name))
	}

	got := getCluster(t, c, cluster)
	assert.Equal(t, etcdv1alpha1.ClusterPhaseInitializing, got.Status.Phase)
	assert.Len(t, got.Status.Members, 3)
	assert.Zero(t, got.Status.ReadyMembers)

	tlsReady := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionTLSReady))
	require.NotNil(t, tlsReady)
	assert.Equal(t, metav1.ConditionTrue, tlsReady.Status)

	// The admin credential is generated up front even though the store is
	// not reachable yet; applying it is deferred.
	secret := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name + constants.SuffixAdminCredential}, secret))
	assert.NotEmpty(t, secret.Data[constants.SecretKeyPassword])
	assert.False(t, got.Status.AuthEnabled)
}

func TestReconcileRunningClusterReportsAvailable(t *testing.T) {
	cluster := newTestCluster(3)
	store := runningStore(cluster)

	var dialed []etcd.Config
	r, c := newTestReconciler(t, nil, cluster, bootstrappedPeerState(cluster))
	r.ConnectStore = func(ctx context.Context, cfg etcd.Config) (etcd.API, error) {
		dialed = append(dialed, cfg)
		return store, nil
	}

	result, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.RequeueAfter, constants.RequeueSafetyNetBase)

	require.Len(t, dialed, 1)
	assert.Len(t, dialed[0].Endpoints, 3)
	assert.Nil(t, dialed[0].TLS)
	// Authentication was not enabled when the store was dialed.
	assert.Empty(t, dialed[0].Username)

	got := getCluster(t, c, cluster)
	assert.Equal(t, etcdv1alpha1.ClusterPhaseRunning, got.Status.Phase)
	assert.Equal(t, int32(3), got.Status.ReadyMembers)
	assert.Len(t, got.Status.Members, 3)

	available := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionAvailable))
	require.NotNil(t, available)
	assert.Equal(t, metav1.ConditionTrue, available.Status)

	// A reachable store lets the credential manager finish auth bootstrap.
	assert.True(t, got.Status.AuthEnabled)
	assert.Equal(t, int64(1), got.Status.CredentialGeneration)
	authCond := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionAuthEnabled))
	require.NotNil(t, authCond)
	assert.Equal(t, metav1.ConditionTrue, authCond.Status)

	quorum := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionQuorumAtRisk))
	require.NotNil(t, quorum)
	assert.Equal(t, metav1.ConditionFalse, quorum.Status)

	// Membership already converged, nothing was mutated.
	assert.Empty(t, store.AddedPeerURLs)
	assert.Empty(t, store.RemovedIDs)
}

func TestReconcileBlockedRemovalSetsDegraded(t *testing.T) {
	// Two voting members and a desired topology of one: no removal can
	// preserve quorum, so the controller must hold and surface the conflict
	// instead of retrying.
	cluster := newTestCluster(1)
	members := []etcd.Member{
		{ID: 1, Name: "test-etcd-0", PeerURLs: []string{"http://test-etcd-0.test-etcd.default.svc:2380"}, ClientURLs: []string{"http://test-etcd-0.test-etcd.default.svc:2379"}},
		{ID: 2, Name: "test-etcd-1", PeerURLs: []string{"http://test-etcd-1.test-etcd.default.svc:2380"}, ClientURLs: []string{"http://test-etcd-1.test-etcd.default.svc:2379"}},
	}
	store := &etcd.MockAPI{
		ListMembersFunc: func(ctx context.Context) ([]etcd.Member, error) {
			return members, nil
		},
	}

	r, c := newTestReconciler(t, store, cluster, bootstrappedPeerState(cluster))

	result, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)
	assert.Equal(t, ctrl.Result{}, result)

	assert.Empty(t, store.RemovedIDs)

	got := getCluster(t, c, cluster)
	assert.Equal(t, etcdv1alpha1.ClusterPhaseFailed, got.Status.Phase)

	degraded := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionDegraded))
	require.NotNil(t, degraded)
	assert.Equal(t, metav1.ConditionTrue, degraded.Status)
	assert.Equal(t, "QuorumViolation", degraded.Reason)
}

func TestReconcileDefersConnectionUntilClientTrustReady(t *testing.T) {
	cluster := newTestCluster(3)
	cluster.Spec.TLS.Client.Enabled = true

	connectCalled := false
	r, c := newTestReconciler(t, nil, cluster, bootstrappedPeerState(cluster))
	r.ConnectStore = func(ctx context.Context, cfg etcd.Config) (etcd.API, error) {
		connectCalled = true
		return &etcd.MockAPI{}, nil
	}

	_, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)

	assert.False(t, connectCalled, "store must not be dialed before client trust material exists")

	got := getCluster(t, c, cluster)
	tlsReady := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionTLSReady))
	require.NotNil(t, tlsReady)
	assert.Equal(t, metav1.ConditionFalse, tlsReady.Status)
	assert.Equal(t, "CsrPending", tlsReady.Reason)
}

func dataVolume(cluster *etcdv1alpha1.EtcdCluster, member string) *corev1.PersistentVolumeClaim {
	return &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      dataVolumeClaimName(member),
			Namespace: cluster.Namespace,
		},
	}
}

func TestReconcileDeletionPolicyDeleteRemovesDataVolumes(t *testing.T) {
	cluster := newTestCluster(2)
	cluster.Spec.DeletionPolicy = etcdv1alpha1.DeletionPolicyDelete
	now := metav1.Now()
	cluster.DeletionTimestamp = &now

	unrelated := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: "data-other-0", Namespace: cluster.Namespace},
	}

	r, c := newTestReconciler(t, nil, cluster,
		dataVolume(cluster, "test-etcd-0"),
		dataVolume(cluster, "test-etcd-1"),
		unrelated,
	)

	_, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)

	for _, member := range []string{"test-etcd-0", "test-etcd-1"} {
		pvc := &corev1.PersistentVolumeClaim{}
		err := c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: dataVolumeClaimName(member)}, pvc)
		assert.True(t, apierrors.IsNotFound(err), "expected PVC for %s to be deleted", member)
	}

	pvc := &corev1.PersistentVolumeClaim{}
	assert.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: "data-other-0"}, pvc))

	// The finalizer was released.
	got := &etcdv1alpha1.EtcdCluster{}
	err = c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name}, got)
	assert.True(t, apierrors.IsNotFound(err))
}

func TestReconcileDeletionPolicyRetainKeepsDataVolumes(t *testing.T) {
	cluster := newTestCluster(2)
	now := metav1.Now()
	cluster.DeletionTimestamp = &now

	r, c := newTestReconciler(t, nil, cluster,
		dataVolume(cluster, "test-etcd-0"),
		dataVolume(cluster, "test-etcd-1"),
	)

	_, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)

	for _, member := range []string{"test-etcd-0", "test-etcd-1"} {
		pvc := &corev1.PersistentVolumeClaim{}
		assert.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: dataVolumeClaimName(member)}, pvc))
	}
}

func TestReconcileFinishesInterruptedCredentialRotation(t *testing.T) {
	// A previous pass applied the rotated password to the store but was
	// interrupted before the managed Secret advanced. The store now rejects
	// the recorded password and only accepts the referenced one.
	cluster := newTestCluster(3)
	cluster.Spec.Credentials.SecretRef = &corev1.LocalObjectReference{Name: "admin-external"}

	peerState := bootstrappedPeerState(cluster)
	peerState.Data[peerstate.KeyAuthentication] = "enabled"

	managed := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.Name + constants.SuffixAdminCredential,
			Namespace: cluster.Namespace,
		},
		Data: map[string][]byte{
			constants.SecretKeyPassword: []byte("recorded-pw"),
			"generation":                []byte("1"),
		},
	}
	external := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{Name: "admin-external", Namespace: cluster.Namespace},
		Data:       map[string][]byte{constants.SecretKeyPassword: []byte("rotated-pw")},
	}

	healthy := runningStore(cluster)
	var ensured []string
	healthy.EnsureUserFunc = func(ctx context.Context, name, password string) error {
		ensured = append(ensured, password)
		return nil
	}
	rejecting := &etcd.MockAPI{
		ListMembersFunc: func(ctx context.Context) ([]etcd.Member, error) {
			return nil, rpctypes.ErrAuthFailed
		},
	}

	var dialed []string
	r, c := newTestReconciler(t, nil, cluster, peerState, managed, external)
	r.ConnectStore = func(ctx context.Context, cfg etcd.Config) (etcd.API, error) {
		dialed = append(dialed, cfg.Password)
		if cfg.Password == "recorded-pw" {
			return rejecting, nil
		}
		return healthy, nil
	}

	_, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)

	// First dial uses the recorded password, the retry uses the referenced
	// one, and the rotation completes as an idempotent re-apply.
	assert.Equal(t, []string{"recorded-pw", "rotated-pw"}, dialed)
	assert.Equal(t, []string{"rotated-pw"}, ensured)

	secret := &corev1.Secret{}
	require.NoError(t, c.Get(context.Background(), types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name + constants.SuffixAdminCredential}, secret))
	assert.Equal(t, "rotated-pw", string(secret.Data[constants.SecretKeyPassword]))
	assert.Equal(t, "2", string(secret.Data["generation"]))

	got := getCluster(t, c, cluster)
	assert.Equal(t, int64(2), got.Status.CredentialGeneration)
	assert.Equal(t, etcdv1alpha1.ClusterPhaseRunning, got.Status.Phase)
}

// recordingObjectStore is an in-memory snapshot target for controller tests.
type recordingObjectStore struct {
	uploads []string
}

func (s *recordingObjectStore) Upload(ctx context.Context, key string, body io.Reader) error {
	if _, err := io.Copy(io.Discard, body); err != nil {
		return err
	}
	s.uploads = append(s.uploads, key)
	return nil
}

func (s *recordingObjectStore) List(ctx context.Context, prefix string) ([]backupmanager.ObjectInfo, error) {
	infos := make([]backupmanager.ObjectInfo, 0, len(s.uploads))
	for _, key := range s.uploads {
		infos = append(infos, backupmanager.ObjectInfo{Key: key})
	}
	return infos, nil
}

func (s *recordingObjectStore) DeleteBatch(ctx context.Context, keys []string) error {
	return nil
}

func TestReconcileMarksClusterBackingUpDuringSnapshot(t *testing.T) {
	cluster := newTestCluster(3)
	cluster.CreationTimestamp = metav1.NewTime(time.Now().Add(-48 * time.Hour))
	cluster.Spec.Backup = &etcdv1alpha1.BackupConfig{
		Schedule:     "0 2 * * *",
		Target:       etcdv1alpha1.BackupTarget{Endpoint: "http://minio.default.svc:9000", Bucket: "snapshots"},
		MaxSnapshots: 7,
	}

	store := runningStore(cluster)
	store.SnapshotFunc = func(ctx context.Context) (io.ReadCloser, error) {
		return io.NopCloser(strings.NewReader("snapshot-payload")), nil
	}

	objects := &recordingObjectStore{}
	var observedPhase etcdv1alpha1.ClusterPhase
	var observedCondition *metav1.Condition

	r, c := newTestReconciler(t, store, cluster, bootstrappedPeerState(cluster))
	r.OpenBackupTarget = func(ctx context.Context, cfg backupmanager.S3Config) (backupmanager.ObjectStore, error) {
		mid := getCluster(t, c, cluster)
		observedPhase = mid.Status.Phase
		observedCondition = meta.FindStatusCondition(mid.Status.Conditions, string(etcdv1alpha1.ConditionBackingUp))
		return objects, nil
	}

	_, err := r.Reconcile(context.Background(), requestFor(cluster))
	require.NoError(t, err)

	// The intermediate status was visible while the snapshot streamed.
	assert.Equal(t, etcdv1alpha1.ClusterPhaseBackingUp, observedPhase)
	require.NotNil(t, observedCondition)
	assert.Equal(t, metav1.ConditionTrue, observedCondition.Status)
	assert.Equal(t, "SnapshotInProgress", observedCondition.Reason)

	require.Len(t, objects.uploads, 1)

	got := getCluster(t, c, cluster)
	require.NotNil(t, got.Status.Backup)
	assert.Equal(t, objects.uploads[0], got.Status.Backup.LastSnapshotKey)
	require.NotNil(t, got.Status.Backup.NextScheduled)
	assert.Equal(t, etcdv1alpha1.ClusterPhaseRunning, got.Status.Phase)

	backing := meta.FindStatusCondition(got.Status.Conditions, string(etcdv1alpha1.ConditionBackingUp))
	require.NotNil(t, backing)
	assert.Equal(t, metav1.ConditionFalse, backing.Status)
	assert.Equal(t, "Idle", backing.Reason)
}

func TestErrorReason(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		reason string
	}{
		{"quorum", operrors.WrapQuorumViolation(errors.New("no safe removal")), "QuorumViolation"},
		{"transient", operrors.WrapTransientConnection(errors.New("dial failed")), "TransientConnection"},
		{"unknown", errors.New("broken"), "Unknown"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.reason, errorReason(tc.err))
		})
	}
}
