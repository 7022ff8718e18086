package topology

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	clientgoscheme "k8s.io/client-go/kubernetes/scheme"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/etcd"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
	"github.com/quorumkit/etcd-operator/internal/storage"
)

// fakeStore keeps a mutable member list behind a MockAPI so reconciliation
// passes observe their own mutations, the way a live cluster would.
type fakeStore struct {
	*etcd.MockAPI

	mu      sync.Mutex
	members []etcd.Member
	nextID  uint64
	health  map[string]etcd.Health
}

func newFakeStore(members ...etcd.Member) *fakeStore {
	s := &fakeStore{
		MockAPI: &etcd.MockAPI{},
		members: append([]etcd.Member{}, members...),
		nextID:  100,
		health:  map[string]etcd.Health{},
	}

	s.ListMembersFunc = func(ctx context.Context) ([]etcd.Member, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return append([]etcd.Member{}, s.members...), nil
	}
	s.AddMemberFunc = func(ctx context.Context, peerURL string, learner bool) (*etcd.Member, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.nextID++
		m := etcd.Member{ID: s.nextID, PeerURLs: []string{peerURL}, IsLearner: learner}
		s.members = append(s.members, m)
		return &m, nil
	}
	s.RemoveMemberFunc = func(ctx context.Context, id uint64) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, m := range s.members {
			if m.ID == id {
				s.members = append(s.members[:i], s.members[i+1:]...)
				return nil
			}
		}
		return rpctypes.ErrMemberNotFound
	}
	s.PromoteMemberFunc = func(ctx context.Context, id uint64) error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, m := range s.members {
			if m.ID == id {
				s.members[i].IsLearner = false
				return nil
			}
		}
		return rpctypes.ErrMemberNotFound
	}
	s.MemberHealthFunc = func(ctx context.Context, clientURL string) etcd.Health {
		s.mu.Lock()
		defer s.mu.Unlock()
		if h, ok := s.health[clientURL]; ok {
			return h
		}
		return etcd.HealthHealthy
	}

	return s
}

func (s *fakeStore) setHealth(clientURL string, h etcd.Health) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.health[clientURL] = h
}

type topoFixture struct {
	reconciler *Reconciler
	peers      *peerstate.Store
	cluster    *etcdv1alpha1.EtcdCluster
}

func newTopoFixture(t *testing.T, replicas int32) *topoFixture {
	t.Helper()

	scheme := runtime.NewScheme()
	require.NoError(t, clientgoscheme.AddToScheme(scheme))
	require.NoError(t, etcdv1alpha1.AddToScheme(scheme))

	cluster := &etcdv1alpha1.EtcdCluster{
		ObjectMeta: metav1.ObjectMeta{Name: "test-cluster", Namespace: "default", UID: "cluster-uid"},
		Spec: etcdv1alpha1.EtcdClusterSpec{
			Topology: etcdv1alpha1.TopologyConfig{Replicas: replicas},
		},
	}

	c := fake.NewClientBuilder().WithScheme(scheme).WithObjects(cluster).Build()
	peers := peerstate.NewStore(c, scheme)

	return &topoFixture{
		reconciler: NewReconciler(peers, storage.NewCoordinator(peers)),
		peers:      peers,
		cluster:    cluster,
	}
}

// member builds a started member for the fixture cluster by ordinal.
func (f *topoFixture) member(id uint64, ordinal int, learner bool) etcd.Member {
	name := fmt.Sprintf("%s-%d", f.cluster.Name, ordinal)
	return etcd.Member{
		ID:         id,
		Name:       name,
		PeerURLs:   []string{PeerURL(f.cluster, name)},
		ClientURLs: []string{ClientURL(f.cluster, name)},
		IsLearner:  learner,
	}
}

func TestDesiredMemberNames(t *testing.T) {
	f := newTopoFixture(t, 3)
	assert.Equal(t, []string{"test-cluster-0", "test-cluster-1", "test-cluster-2"}, DesiredMemberNames(f.cluster))
}

func TestAdvertisedURLs(t *testing.T) {
	f := newTopoFixture(t, 1)

	assert.Equal(t, "http://test-cluster-0.test-cluster.default.svc:2380", PeerURL(f.cluster, "test-cluster-0"))
	assert.Equal(t, "http://test-cluster-0.test-cluster.default.svc:2379", ClientURL(f.cluster, "test-cluster-0"))

	f.cluster.Spec.TLS.Peer.Enabled = true
	f.cluster.Spec.TLS.Client.Enabled = true
	assert.Equal(t, "https://test-cluster-0.test-cluster.default.svc:2380", PeerURL(f.cluster, "test-cluster-0"))
	assert.Equal(t, "https://test-cluster-0.test-cluster.default.svc:2379", ClientURL(f.cluster, "test-cluster-0"))
}

func TestQuorumFloor(t *testing.T) {
	tests := []struct {
		voters int
		want   int
	}{
		{voters: 1, want: 1},
		{voters: 2, want: 2},
		{voters: 3, want: 2},
		{voters: 4, want: 3},
		{voters: 5, want: 3},
		{voters: 7, want: 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, quorumFloor(tt.voters), "voters=%d", tt.voters)
	}
}

func TestComputeDelta(t *testing.T) {
	f := newTopoFixture(t, 3)

	tests := []struct {
		name       string
		observed   []etcd.Member
		wantAdd    []string
		wantRemove []uint64
	}{
		{
			name:     "converged",
			observed: []etcd.Member{f.member(1, 0, false), f.member(2, 1, false), f.member(3, 2, false)},
		},
		{
			name:     "missing member",
			observed: []etcd.Member{f.member(1, 0, false), f.member(2, 1, false)},
			wantAdd:  []string{"test-cluster-2"},
		},
		{
			name: "extra member",
			observed: []etcd.Member{
				f.member(1, 0, false), f.member(2, 1, false), f.member(3, 2, false),
				{ID: 4, Name: "test-cluster-3", PeerURLs: []string{"http://test-cluster-3.test-cluster.default.svc:2380"}},
			},
			wantRemove: []uint64{4},
		},
		{
			name: "unstarted member matched by peer URL",
			observed: []etcd.Member{
				f.member(1, 0, false), f.member(2, 1, false),
				{ID: 3, PeerURLs: []string{PeerURL(f.cluster, "test-cluster-2")}},
			},
		},
		{
			name: "unstarted member with foreign peer URL removed",
			observed: []etcd.Member{
				f.member(1, 0, false), f.member(2, 1, false), f.member(3, 2, false),
				{ID: 9, PeerURLs: []string{"http://stale.example.com:2380"}},
			},
			wantRemove: []uint64{9},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			toAdd, toRemove := computeDelta(f.cluster, DesiredMemberNames(f.cluster), tt.observed)
			assert.Equal(t, tt.wantAdd, toAdd)

			removeIDs := make([]uint64, 0, len(toRemove))
			for _, m := range toRemove {
				removeIDs = append(removeIDs, m.ID)
			}
			if len(tt.wantRemove) == 0 {
				assert.Empty(t, removeIDs)
			} else {
				assert.Equal(t, tt.wantRemove, removeIDs)
			}
		})
	}
}

func TestGuardRemoval(t *testing.T) {
	voter := func(id uint64, name string) etcd.Member {
		return etcd.Member{ID: id, Name: name, ClientURLs: []string{"http://" + name + ":2379"}}
	}

	tests := []struct {
		name      string
		victim    etcd.Member
		observed  []etcd.Member
		unhealthy []uint64
		wantErr   bool
	}{
		{
			name:     "four to three with all healthy",
			victim:   voter(4, "d"),
			observed: []etcd.Member{voter(1, "a"), voter(2, "b"), voter(3, "c"), voter(4, "d")},
		},
		{
			name:      "remove unhealthy third member with two alive",
			victim:    voter(3, "c"),
			observed:  []etcd.Member{voter(1, "a"), voter(2, "b"), voter(3, "c")},
			unhealthy: []uint64{3},
		},
		{
			name:      "remove third member while another voter is down",
			victim:    voter(3, "c"),
			observed:  []etcd.Member{voter(1, "a"), voter(2, "b"), voter(3, "c")},
			unhealthy: []uint64{2, 3},
			wantErr:   true,
		},
		{
			name:     "two member cluster never shrinks",
			victim:   voter(2, "b"),
			observed: []etcd.Member{voter(1, "a"), voter(2, "b")},
			wantErr:  true,
		},
		{
			name:     "learner removal is always safe",
			victim:   etcd.Member{ID: 5, Name: "l", IsLearner: true},
			observed: []etcd.Member{voter(1, "a"), voter(2, "b"), {ID: 5, Name: "l", IsLearner: true}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			health := map[uint64]etcd.Health{}
			for _, m := range tt.observed {
				health[m.ID] = etcd.HealthHealthy
			}
			for _, id := range tt.unhealthy {
				health[id] = etcd.HealthUnreachable
			}

			err := guardRemoval(tt.victim, tt.observed, health)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, operrors.ErrQuorumViolation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestReconcileIdempotent(t *testing.T) {
	f := newTopoFixture(t, 3)
	store := newFakeStore(f.member(1, 0, false), f.member(2, 1, false), f.member(3, 2, false))

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Empty(t, store.AddedPeerURLs)
	assert.Empty(t, store.RemovedIDs)

	// A second pass with identical desired and observed state issues no
	// further mutations.
	outcome, err = f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.False(t, outcome.Changed)
	assert.Empty(t, store.AddedPeerURLs)
	assert.Empty(t, store.RemovedIDs)
	assert.Equal(t, int32(3), outcome.ReadyMembers)
}

func TestReconcileScaleUp(t *testing.T) {
	f := newTopoFixture(t, 3)
	store := newFakeStore(f.member(1, 0, false), f.member(2, 1, false))

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, []string{PeerURL(f.cluster, "test-cluster-2")}, store.AddedPeerURLs)
	assert.Empty(t, store.RemovedIDs)

	state, _, err := f.peers.Get(context.Background(), f.cluster, peerstate.KeyInitialClusterState)
	require.NoError(t, err)
	assert.Equal(t, "existing", state)

	joining, _, err := f.peers.GetMember(context.Background(), f.cluster, "test-cluster-2", peerstate.MemberKeyState)
	require.NoError(t, err)
	assert.Equal(t, "joining", joining)
}

func TestReconcileRemovesExtraMember(t *testing.T) {
	f := newTopoFixture(t, 3)
	extra := etcd.Member{
		ID:         4,
		Name:       "test-cluster-3",
		PeerURLs:   []string{"http://test-cluster-3.test-cluster.default.svc:2380"},
		ClientURLs: []string{"http://test-cluster-3.test-cluster.default.svc:2379"},
	}
	store := newFakeStore(f.member(1, 0, false), f.member(2, 1, false), f.member(3, 2, false), extra)

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, []uint64{4}, store.RemovedIDs)
	assert.Len(t, outcome.Members, 3)
}

func TestReconcileRejectsQuorumViolatingRemoval(t *testing.T) {
	f := newTopoFixture(t, 2)
	third := etcd.Member{
		ID:         3,
		Name:       "test-cluster-2",
		PeerURLs:   []string{"http://test-cluster-2.test-cluster.default.svc:2380"},
		ClientURLs: []string{"http://test-cluster-2.test-cluster.default.svc:2379"},
	}
	store := newFakeStore(f.member(1, 0, false), f.member(2, 1, false), third)
	// The removal target is down, and so is one of the surviving voters.
	store.setHealth(third.ClientURLs[0], etcd.HealthUnreachable)
	store.setHealth(ClientURL(f.cluster, "test-cluster-1"), etcd.HealthUnreachable)

	_, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, operrors.ErrQuorumViolation)
	assert.Empty(t, store.RemovedIDs)
}

func TestReconcileAllowsRemovalOfUnhealthyThirdMember(t *testing.T) {
	f := newTopoFixture(t, 2)
	third := etcd.Member{
		ID:         3,
		Name:       "test-cluster-2",
		PeerURLs:   []string{"http://test-cluster-2.test-cluster.default.svc:2380"},
		ClientURLs: []string{"http://test-cluster-2.test-cluster.default.svc:2379"},
	}
	store := newFakeStore(f.member(1, 0, false), f.member(2, 1, false), third)
	store.setHealth(third.ClientURLs[0], etcd.HealthUnreachable)

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, store.RemovedIDs)
	// The surviving pair is a recognized unsafe state.
	assert.True(t, outcome.QuorumAtRisk)
}

func TestReconcilePureScaleDownUsesCurrentCounts(t *testing.T) {
	f := newTopoFixture(t, 1)
	store := newFakeStore(f.member(1, 0, false), f.member(2, 1, false), f.member(3, 2, false))

	_, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.Error(t, err)
	assert.ErrorIs(t, err, operrors.ErrQuorumViolation)

	// The first removal is quorum-safe against three voters; the second is
	// evaluated against the re-read two-voter membership and rejected.
	assert.Len(t, store.RemovedIDs, 1)
}

func TestReconcilePerItemIndependence(t *testing.T) {
	f := newTopoFixture(t, 3)
	store := newFakeStore(f.member(1, 0, false))

	// The first addition hits a name collision; the second proceeds anyway.
	underlying := store.AddMemberFunc
	store.AddMemberFunc = func(ctx context.Context, peerURL string, learner bool) (*etcd.Member, error) {
		if peerURL == PeerURL(f.cluster, "test-cluster-1") {
			return nil, rpctypes.ErrPeerURLExist
		}
		return underlying(ctx, peerURL, learner)
	}

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.Error(t, err)
	assert.True(t, outcome.Changed)
	assert.Len(t, store.AddedPeerURLs, 2)
}

func TestReconcileStagedJoin(t *testing.T) {
	f := newTopoFixture(t, 3)
	f.cluster.Spec.Topology.StagedJoin = &etcdv1alpha1.StagedJoinConfig{Enabled: true}

	leader := f.member(1, 0, false)
	store := newFakeStore(leader)
	store.EndpointStatusFunc = func(ctx context.Context, endpoint string) (*etcd.EndpointStatus, error) {
		return &etcd.EndpointStatus{MemberID: 1, LeaderID: 1, RaftIndex: 100}, nil
	}

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	// Only one learner is staged even though two members are missing.
	require.Len(t, store.AddedPeerURLs, 1)

	learning, _, err := f.peers.Get(context.Background(), f.cluster, peerstate.KeyLearningMember)
	require.NoError(t, err)
	assert.Equal(t, "test-cluster-1", learning)
}

func TestReconcilePromotesCaughtUpLearner(t *testing.T) {
	f := newTopoFixture(t, 2)
	f.cluster.Spec.Topology.StagedJoin = &etcdv1alpha1.StagedJoinConfig{Enabled: true, PromotionThresholdPercent: 90}

	leader := f.member(1, 0, false)
	learner := f.member(2, 1, true)
	store := newFakeStore(leader, learner)
	store.EndpointStatusFunc = func(ctx context.Context, endpoint string) (*etcd.EndpointStatus, error) {
		if endpoint == leader.ClientURLs[0] {
			return &etcd.EndpointStatus{MemberID: 1, LeaderID: 1, RaftIndex: 100}, nil
		}
		return &etcd.EndpointStatus{MemberID: 2, LeaderID: 1, RaftIndex: 95}, nil
	}

	require.NoError(t, f.peers.Put(context.Background(), f.cluster, map[string]string{
		peerstate.KeyLearningMember: learner.Name,
	}))

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.True(t, outcome.Changed)
	assert.Equal(t, []uint64{2}, store.PromotedIDs)

	_, found, err := f.peers.Get(context.Background(), f.cluster, peerstate.KeyLearningMember)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReconcileHoldsBackLaggingLearner(t *testing.T) {
	f := newTopoFixture(t, 2)
	f.cluster.Spec.Topology.StagedJoin = &etcdv1alpha1.StagedJoinConfig{Enabled: true, PromotionThresholdPercent: 90}

	leader := f.member(1, 0, false)
	learner := f.member(2, 1, true)
	store := newFakeStore(leader, learner)
	store.EndpointStatusFunc = func(ctx context.Context, endpoint string) (*etcd.EndpointStatus, error) {
		if endpoint == leader.ClientURLs[0] {
			return &etcd.EndpointStatus{MemberID: 1, LeaderID: 1, RaftIndex: 100}, nil
		}
		return &etcd.EndpointStatus{MemberID: 2, LeaderID: 1, RaftIndex: 50}, nil
	}

	_, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.Empty(t, store.PromotedIDs)
}

func TestReconcileTLSGateDefersAddition(t *testing.T) {
	f := newTopoFixture(t, 2)
	f.cluster.Spec.TLS.Peer.Enabled = true
	store := newFakeStore(f.member(1, 0, false))

	_, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.Error(t, err)
	assert.Empty(t, store.AddedPeerURLs)

	// Once the peer certificate is active the addition proceeds.
	f.cluster.Status.Certificates = []etcdv1alpha1.CertificateStatus{
		{Endpoint: etcdv1alpha1.TrustEndpointPeer, Phase: etcdv1alpha1.CertificatePhaseActive},
	}
	_, err = f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.Len(t, store.AddedPeerURLs, 1)
}

func TestReconcileRecoveryJoinSkipsMemberAdd(t *testing.T) {
	f := newTopoFixture(t, 2)
	store := newFakeStore(f.member(1, 0, false))
	ctx := context.Background()

	require.NoError(t, f.peers.Put(ctx, f.cluster, map[string]string{
		peerstate.KeyClusterID: string(f.cluster.UID),
	}))
	require.NoError(t, f.peers.PutMember(ctx, f.cluster, "test-cluster-1", map[string]string{
		"volume-reused":     "true",
		"data-dir-nonempty": "true",
	}))

	outcome, err := f.reconciler.Reconcile(ctx, logr.Discard(), f.cluster, store)
	require.NoError(t, err)
	assert.Empty(t, store.AddedPeerURLs)
	assert.False(t, outcome.Changed)

	state, _, err := f.peers.GetMember(ctx, f.cluster, "test-cluster-1", peerstate.MemberKeyState)
	require.NoError(t, err)
	assert.Equal(t, "recovering", state)
}

func TestBootstrapSignalsNewCluster(t *testing.T) {
	f := newTopoFixture(t, 3)

	outcome, err := f.reconciler.Reconcile(context.Background(), logr.Discard(), f.cluster, nil)
	require.NoError(t, err)
	assert.Len(t, outcome.Members, 3)

	state, _, err := f.peers.Get(context.Background(), f.cluster, peerstate.KeyInitialClusterState)
	require.NoError(t, err)
	assert.Equal(t, "new", state)

	initial, _, err := f.peers.Get(context.Background(), f.cluster, peerstate.KeyInitialCluster)
	require.NoError(t, err)
	assert.Contains(t, initial, "test-cluster-0=http://test-cluster-0.test-cluster.default.svc:2380")
	assert.Contains(t, initial, "test-cluster-2=")
}
