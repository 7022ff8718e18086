// Package topology reconciles desired cluster membership against the store's
// live member list. Every decision re-reads live membership through the store
// API; nothing is cached across passes. The store's add and remove calls are
// the only linearization point, so each one is individually guarded by the
// quorum floor before it is issued.
package topology

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-logr/logr"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	"github.com/quorumkit/etcd-operator/internal/constants"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/etcd"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
	"github.com/quorumkit/etcd-operator/internal/storage"
)

const defaultPromotionThresholdPercent = int32(90)

// Reconciler drives membership toward the desired topology.
type Reconciler struct {
	peers   *peerstate.Store
	storage *storage.Coordinator
}

// NewReconciler constructs a topology Reconciler.
func NewReconciler(peers *peerstate.Store, coordinator *storage.Coordinator) *Reconciler {
	return &Reconciler{peers: peers, storage: coordinator}
}

// Outcome reports what one reconciliation pass observed and changed.
type Outcome struct {
	// Members is the observed membership after the pass.
	Members []etcdv1alpha1.MemberStatus
	// ReadyMembers counts members probed healthy.
	ReadyMembers int32
	// QuorumAtRisk is set while the cluster has exactly two voting members.
	QuorumAtRisk bool
	// Changed reports whether any membership mutation was issued.
	Changed bool
}

// DesiredMemberNames derives the intended member set from the topology.
// Names follow the StatefulSet ordinal convention.
func DesiredMemberNames(cluster *etcdv1alpha1.EtcdCluster) []string {
	names := make([]string, 0, cluster.Spec.Topology.Replicas)
	for i := int32(0); i < cluster.Spec.Topology.Replicas; i++ {
		names = append(names, fmt.Sprintf("%s-%d", cluster.Name, i))
	}
	return names
}

// PeerURL returns the advertised peer URL for a named member.
func PeerURL(cluster *etcdv1alpha1.EtcdCluster, name string) string {
	scheme := "http"
	if cluster.Spec.TLS.Peer.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s.%s.svc:%d", scheme, name, cluster.Name, cluster.Namespace, constants.PortPeer)
}

// ClientURL returns the advertised client URL for a named member.
func ClientURL(cluster *etcdv1alpha1.EtcdCluster, name string) string {
	scheme := "http"
	if cluster.Spec.TLS.Client.Enabled {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s.%s.%s.svc:%d", scheme, name, cluster.Name, cluster.Namespace, constants.PortClient)
}

// quorumFloor is the minimum count of alive voters required for safe
// progress given the current number of voting members.
func quorumFloor(voters int) int {
	return voters/2 + 1
}

// computeDelta splits membership into names to add and members to remove.
// Members that exist but have not started yet carry no name, so they are
// matched by advertised peer URL instead.
func computeDelta(cluster *etcdv1alpha1.EtcdCluster, desired []string, observed []etcd.Member) (toAdd []string, toRemove []etcd.Member) {
	desiredNames := make(map[string]struct{}, len(desired))
	desiredPeerURLs := make(map[string]string, len(desired))
	for _, name := range desired {
		desiredNames[name] = struct{}{}
		desiredPeerURLs[PeerURL(cluster, name)] = name
	}

	observedNames := make(map[string]struct{}, len(observed))
	observedPeerURLs := make(map[string]struct{})
	for _, m := range observed {
		if m.Name != "" {
			observedNames[m.Name] = struct{}{}
		}
		for _, u := range m.PeerURLs {
			observedPeerURLs[u] = struct{}{}
		}
	}

	for _, name := range desired {
		if _, ok := observedNames[name]; ok {
			continue
		}
		if _, ok := observedPeerURLs[PeerURL(cluster, name)]; ok {
			// Added but not started yet.
			continue
		}
		toAdd = append(toAdd, name)
	}
	sort.Strings(toAdd)

	for _, m := range observed {
		if m.Name != "" {
			if _, ok := desiredNames[m.Name]; ok {
				continue
			}
			toRemove = append(toRemove, m)
			continue
		}

		wanted := false
		for _, u := range m.PeerURLs {
			if _, ok := desiredPeerURLs[u]; ok {
				wanted = true
				break
			}
		}
		if !wanted {
			toRemove = append(toRemove, m)
		}
	}
	sort.Slice(toRemove, func(i, j int) bool { return toRemove[i].ID < toRemove[j].ID })

	return toAdd, toRemove
}

// Reconcile applies one pass of the topology loop: additions first, then
// removals one at a time, each removal checked against freshly re-read
// membership. Failures of independent items do not stop the pass; they are
// joined and surfaced together.
func (r *Reconciler) Reconcile(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API) (Outcome, error) {
	if store == nil {
		return r.bootstrap(ctx, logger, cluster)
	}

	observed, err := store.ListMembers(ctx)
	if err != nil {
		return Outcome{}, err
	}

	desired := DesiredMemberNames(cluster)
	toAdd, toRemove := computeDelta(cluster, desired, observed)

	var errs []error
	outcome := Outcome{}

	if changed, err := r.promoteReadyLearners(ctx, logger, cluster, store, observed); err != nil {
		errs = append(errs, err)
	} else if changed {
		outcome.Changed = true
	}

	for _, name := range toAdd {
		added, learner, err := r.addMember(ctx, logger, cluster, store, observed, name)
		if err != nil {
			// Independent items in the same pass proceed.
			errs = append(errs, fmt.Errorf("add %s: %w", name, err))
			continue
		}
		if added {
			outcome.Changed = true
		}
		if learner {
			// Staged joins admit one learner at a time; the rest of the
			// additions wait for its promotion.
			break
		}
	}

	if len(toRemove) > 0 {
		changed, err := r.removeMembers(ctx, logger, cluster, store, desired)
		if err != nil {
			errs = append(errs, err)
		}
		if changed {
			outcome.Changed = true
		}
	}

	final, err := store.ListMembers(ctx)
	if err != nil {
		return outcome, errors.Join(append(errs, err)...)
	}

	outcome.Members, outcome.ReadyMembers = r.observeMembers(ctx, store, final)
	outcome.QuorumAtRisk = countVoters(final) == 2
	if outcome.QuorumAtRisk {
		quorumAtRiskGauge.WithLabelValues(cluster.Namespace, cluster.Name).Set(1)
		logger.Info("cluster has exactly two voting members, no removal can preserve quorum")
	} else {
		quorumAtRiskGauge.WithLabelValues(cluster.Namespace, cluster.Name).Set(0)
	}

	return outcome, errors.Join(errs...)
}

// bootstrap handles the first incarnation before any store endpoint exists.
// The initial member set is signaled through peer state so member processes
// can start with a consistent initial cluster string.
func (r *Reconciler) bootstrap(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster) (Outcome, error) {
	desired := DesiredMemberNames(cluster)

	pairs := make([]string, 0, len(desired))
	for _, name := range desired {
		pairs = append(pairs, fmt.Sprintf("%s=%s", name, PeerURL(cluster, name)))
	}

	state, _, err := r.peers.Get(ctx, cluster, peerstate.KeyInitialClusterState)
	if err != nil {
		return Outcome{}, err
	}
	if state == "" {
		logger.Info("bootstrapping new cluster", "members", len(desired))
		if err := r.peers.Put(ctx, cluster, map[string]string{
			peerstate.KeyInitialClusterState: "new",
			peerstate.KeyInitialCluster:      strings.Join(pairs, ","),
		}); err != nil {
			return Outcome{}, err
		}
	}

	members := make([]etcdv1alpha1.MemberStatus, 0, len(desired))
	for _, name := range desired {
		members = append(members, etcdv1alpha1.MemberStatus{
			Name:      name,
			PeerURL:   PeerURL(cluster, name),
			ClientURL: ClientURL(cluster, name),
			Role:      etcdv1alpha1.MemberRoleVoter,
			Health:    etcdv1alpha1.MemberHealthUnknown,
		})
	}

	return Outcome{Members: members}, nil
}

func (r *Reconciler) addMember(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API, observed []etcd.Member, name string) (added, learner bool, err error) {
	// A member cannot serve its peer transport without trust material; leave
	// it absent and retry once the certificate is issued.
	if cluster.Spec.TLS.Peer.Enabled && !peerCertificateReady(cluster) {
		return false, false, fmt.Errorf("peer certificate not yet issued")
	}

	volume, err := r.storage.ObserveVolume(ctx, cluster, name)
	if err != nil {
		return false, false, err
	}
	mode, err := r.storage.Admit(ctx, logger, cluster, volume)
	if err != nil {
		return false, false, err
	}

	if mode == storage.RecoveryJoin {
		// The on-disk raft identity is reused; the member rejoins without a
		// fresh membership entry.
		logger.Info("admitting member with pre-existing data directory", "member", name)
		return false, false, r.peers.PutMember(ctx, cluster, name, map[string]string{
			peerstate.MemberKeyState: "recovering",
		})
	}

	if staged := cluster.Spec.Topology.StagedJoin; staged != nil && staged.Enabled {
		// The store allows a single unpromoted learner; stage the next join
		// after this one has been promoted.
		for _, m := range observed {
			if m.IsLearner {
				logger.V(1).Info("deferring staged join, another learner is still catching up", "member", name)
				return false, false, nil
			}
		}
		learner = true
	}

	member, err := store.AddMember(ctx, PeerURL(cluster, name), learner)
	if err != nil {
		if etcd.IsNameCollision(err) {
			return false, false, fmt.Errorf("member name or peer URL already registered: %w", err)
		}
		if etcd.IsQuorumUnsafe(err) {
			return false, false, operrors.WrapQuorumViolation(fmt.Errorf("store rejected addition of %s: %w", name, err))
		}
		return false, false, err
	}
	membershipChangesTotal.WithLabelValues(cluster.Namespace, cluster.Name, "add").Inc()

	role := "voter"
	if learner {
		role = "learner"
	}
	logger.Info("added member", "member", name, "id", member.ID, "role", role)

	entries := map[string]string{
		peerstate.KeyInitialClusterState: "existing",
		peerstate.KeyInitialCluster:      initialClusterString(cluster, observed, name),
	}
	if learner {
		entries[peerstate.KeyLearningMember] = name
	}
	if err := r.peers.Put(ctx, cluster, entries); err != nil {
		return true, learner, err
	}

	return true, learner, r.peers.PutMember(ctx, cluster, name, map[string]string{
		peerstate.MemberKeyState: "joining",
	})
}

// initialClusterString renders the initial cluster value handed to a member
// joining an existing cluster.
func initialClusterString(cluster *etcdv1alpha1.EtcdCluster, observed []etcd.Member, joining string) string {
	pairs := make([]string, 0, len(observed)+1)
	for _, m := range observed {
		if m.Name == "" || len(m.PeerURLs) == 0 {
			continue
		}
		pairs = append(pairs, fmt.Sprintf("%s=%s", m.Name, m.PeerURLs[0]))
	}
	pairs = append(pairs, fmt.Sprintf("%s=%s", joining, PeerURL(cluster, joining)))
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}

// promoteReadyLearners promotes staged learners whose log has caught up to
// the configured fraction of the leader's raft index.
func (r *Reconciler) promoteReadyLearners(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API, observed []etcd.Member) (bool, error) {
	var learners []etcd.Member
	for _, m := range observed {
		if m.IsLearner {
			learners = append(learners, m)
		}
	}
	if len(learners) == 0 {
		return false, nil
	}

	leaderIndex, ok := r.leaderRaftIndex(ctx, store, observed)
	if !ok {
		return false, nil
	}

	threshold := defaultPromotionThresholdPercent
	if staged := cluster.Spec.Topology.StagedJoin; staged != nil && staged.PromotionThresholdPercent > 0 {
		threshold = staged.PromotionThresholdPercent
	}

	changed := false
	var errs []error
	for _, learner := range learners {
		if len(learner.ClientURLs) == 0 {
			continue
		}
		status, err := store.EndpointStatus(ctx, learner.ClientURLs[0])
		if err != nil {
			continue
		}
		if status.RaftIndex*100 < leaderIndex*uint64(threshold) {
			logger.V(1).Info("learner still catching up",
				"member", learner.Name, "raftIndex", status.RaftIndex, "leaderIndex", leaderIndex)
			continue
		}

		if err := store.PromoteMember(ctx, learner.ID); err != nil {
			if etcd.IsLearnerNotReady(err) {
				continue
			}
			errs = append(errs, fmt.Errorf("promote %s: %w", learner.Name, err))
			continue
		}
		membershipChangesTotal.WithLabelValues(cluster.Namespace, cluster.Name, "promote").Inc()
		logger.Info("promoted learner to voter", "member", learner.Name, "id", learner.ID)
		changed = true

		if err := r.peers.Put(ctx, cluster, map[string]string{peerstate.KeyLearningMember: ""}); err != nil {
			errs = append(errs, err)
		}
	}

	return changed, errors.Join(errs...)
}

func (r *Reconciler) leaderRaftIndex(ctx context.Context, store etcd.API, observed []etcd.Member) (uint64, bool) {
	for _, m := range observed {
		if m.IsLearner || len(m.ClientURLs) == 0 {
			continue
		}
		status, err := store.EndpointStatus(ctx, m.ClientURLs[0])
		if err != nil {
			continue
		}
		if status.IsLeader() {
			return status.RaftIndex, true
		}
	}
	return 0, false
}

// removeMembers processes removals strictly one at a time. The membership
// list and member health are re-read before every single removal so the
// quorum guard always runs against the current state, not the state from the
// start of the pass.
func (r *Reconciler) removeMembers(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API, desired []string) (bool, error) {
	changed := false
	var errs []error

	for {
		observed, err := store.ListMembers(ctx)
		if err != nil {
			errs = append(errs, err)
			break
		}

		_, toRemove := computeDelta(cluster, desired, observed)
		if len(toRemove) == 0 {
			break
		}

		victim := pickRemovalCandidate(ctx, store, toRemove)
		health := r.probeVoters(ctx, store, observed)

		if err := guardRemoval(victim, observed, health); err != nil {
			// The same guard would reject every further removal against this
			// membership state; stop the removal loop for this pass.
			errs = append(errs, fmt.Errorf("remove %s: %w", memberLabel(victim), err))
			break
		}

		if err := store.RemoveMember(ctx, victim.ID); err != nil {
			if etcd.IsMemberNotFound(err) {
				// Already gone; converged from another pass.
				continue
			}
			if etcd.IsQuorumUnsafe(err) {
				errs = append(errs, operrors.WrapQuorumViolation(
					fmt.Errorf("store rejected removal of %s: %w", memberLabel(victim), err)))
				break
			}
			errs = append(errs, fmt.Errorf("remove %s: %w", memberLabel(victim), err))
			break
		}
		membershipChangesTotal.WithLabelValues(cluster.Namespace, cluster.Name, "remove").Inc()
		logger.Info("removed member", "member", memberLabel(victim), "id", victim.ID)
		changed = true

		if victim.Name != "" {
			// Clear the member's advisory state; volume destroy-vs-retain is
			// the orchestration layer's call, applied through the cluster's
			// deletion policy.
			if err := r.peers.PutMember(ctx, cluster, victim.Name, map[string]string{
				peerstate.MemberKeyState: "",
			}); err != nil {
				errs = append(errs, err)
			}
		}
	}

	return changed, errors.Join(errs...)
}

// pickRemovalCandidate prefers unreachable members so a replacement scale
// down retires dead members before healthy ones. Best effort: health probes
// never block a removal decision on their own.
func pickRemovalCandidate(ctx context.Context, store etcd.API, candidates []etcd.Member) etcd.Member {
	for _, m := range candidates {
		if m.IsLearner {
			return m
		}
	}
	for _, m := range candidates {
		if len(m.ClientURLs) == 0 {
			continue
		}
		if store.MemberHealth(ctx, m.ClientURLs[0]) == etcd.HealthUnreachable {
			return m
		}
	}
	return candidates[0]
}

func (r *Reconciler) probeVoters(ctx context.Context, store etcd.API, observed []etcd.Member) map[uint64]etcd.Health {
	health := make(map[uint64]etcd.Health, len(observed))
	for _, m := range observed {
		if m.IsLearner {
			continue
		}
		if len(m.ClientURLs) == 0 {
			health[m.ID] = etcd.HealthUnreachable
			continue
		}
		health[m.ID] = store.MemberHealth(ctx, m.ClientURLs[0])
	}
	return health
}

// guardRemoval rejects a removal that would drop alive voters below the
// quorum floor for the voter count at the time of this specific removal.
// Learners never vote, so removing one is always quorum-safe.
func guardRemoval(victim etcd.Member, observed []etcd.Member, health map[uint64]etcd.Health) error {
	if victim.IsLearner {
		return nil
	}

	voters := countVoters(observed)
	floor := quorumFloor(voters)

	aliveAfter := 0
	for _, m := range observed {
		if m.IsLearner || m.ID == victim.ID {
			continue
		}
		if health[m.ID] == etcd.HealthHealthy {
			aliveAfter++
		}
	}

	if aliveAfter < floor {
		return operrors.WrapQuorumViolation(fmt.Errorf(
			"removal would leave %d alive voters, quorum floor is %d of %d", aliveAfter, floor, voters))
	}
	return nil
}

func countVoters(members []etcd.Member) int {
	voters := 0
	for _, m := range members {
		if !m.IsLearner {
			voters++
		}
	}
	return voters
}

func (r *Reconciler) observeMembers(ctx context.Context, store etcd.API, members []etcd.Member) ([]etcdv1alpha1.MemberStatus, int32) {
	statuses := make([]etcdv1alpha1.MemberStatus, 0, len(members))
	ready := int32(0)

	for _, m := range members {
		status := etcdv1alpha1.MemberStatus{
			ID:     fmt.Sprintf("%x", m.ID),
			Name:   m.Name,
			Role:   etcdv1alpha1.MemberRoleVoter,
			Health: etcdv1alpha1.MemberHealthUnknown,
		}
		if m.IsLearner {
			status.Role = etcdv1alpha1.MemberRoleLearner
		}
		if len(m.PeerURLs) > 0 {
			status.PeerURL = m.PeerURLs[0]
		}
		if len(m.ClientURLs) > 0 {
			status.ClientURL = m.ClientURLs[0]
			switch store.MemberHealth(ctx, m.ClientURLs[0]) {
			case etcd.HealthHealthy:
				status.Health = etcdv1alpha1.MemberHealthHealthy
				ready++
			case etcd.HealthUnreachable:
				status.Health = etcdv1alpha1.MemberHealthUnreachable
			}
		}
		statuses = append(statuses, status)
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })
	return statuses, ready
}

// peerCertificateReady reports whether the peer endpoint has usable trust
// material. Rotation phases still present the previous certificate.
func peerCertificateReady(cluster *etcdv1alpha1.EtcdCluster) bool {
	for _, cert := range cluster.Status.Certificates {
		if cert.Endpoint != etcdv1alpha1.TrustEndpointPeer {
			continue
		}
		switch cert.Phase {
		case etcdv1alpha1.CertificatePhaseActive,
			etcdv1alpha1.CertificatePhaseExpiringSoon,
			etcdv1alpha1.CertificatePhaseRotating:
			return true
		}
	}
	return false
}

func memberLabel(m etcd.Member) string {
	if m.Name != "" {
		return m.Name
	}
	return fmt.Sprintf("%x", m.ID)
}
