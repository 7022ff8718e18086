// Package storage decides how a joining member attaches its data volume. A
// member with no prior on-disk state joins fresh; a member carrying a data
// directory from an earlier incarnation rejoins in recovery mode, and only
// into the same logical cluster it came from.
package storage

import (
	"context"
	"fmt"

	"github.com/go-logr/logr"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
)

// JoinMode selects how a member is admitted into the cluster.
type JoinMode string

const (
	// FreshJoin adds the member as a brand-new voter with no prior state.
	FreshJoin JoinMode = "FreshJoin"
	// RecoveryJoin reuses the member's pre-existing on-disk identity.
	RecoveryJoin JoinMode = "RecoveryJoin"
)

// AnnotationForceRecoveryJoin is the operator's explicit confirmation that a
// reused volume may be admitted despite a cluster identity mismatch.
const AnnotationForceRecoveryJoin = "etcd.quorumkit.io/force-recovery-join"

// Per-member peer state keys under which members report their volume facts.
const (
	memberKeyVolumeReused    = "volume-reused"
	memberKeyDataDirNonEmpty = "data-dir-nonempty"
	memberKeyVolumeClusterID = "volume-cluster-id"
)

// Volume captures the observed facts about a member's data volume.
type Volume struct {
	MemberName string
	// Reused reports whether the volume existed before this member's pod.
	Reused bool
	// DataDirNonEmpty reports whether the data directory holds prior state.
	DataDirNonEmpty bool
	// ClusterID is the identity marker found on the volume, empty if none.
	ClusterID string
}

// Classify selects the join mode for a volume. It is a pure function of the
// volume's state: repeated calls on the same volume always agree.
func Classify(v Volume) JoinMode {
	if v.DataDirNonEmpty {
		return RecoveryJoin
	}
	return FreshJoin
}

// Coordinator admits member volumes against the cluster's identity marker.
type Coordinator struct {
	peers *peerstate.Store
}

// NewCoordinator constructs a Coordinator backed by the given peer state store.
func NewCoordinator(peers *peerstate.Store) *Coordinator {
	return &Coordinator{peers: peers}
}

// ObserveVolume reads the volume facts a member has reported into peer state.
// A member that has reported nothing yet is indistinguishable from one with a
// fresh empty volume, which is the safe default for classification.
func (c *Coordinator) ObserveVolume(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster, member string) (Volume, error) {
	v := Volume{MemberName: member}

	reused, _, err := c.peers.GetMember(ctx, cluster, member, memberKeyVolumeReused)
	if err != nil {
		return Volume{}, err
	}
	v.Reused = reused == "true"

	nonEmpty, _, err := c.peers.GetMember(ctx, cluster, member, memberKeyDataDirNonEmpty)
	if err != nil {
		return Volume{}, err
	}
	v.DataDirNonEmpty = nonEmpty == "true"

	id, _, err := c.peers.GetMember(ctx, cluster, member, memberKeyVolumeClusterID)
	if err != nil {
		return Volume{}, err
	}
	v.ClusterID = id

	return v, nil
}

// Admit classifies the volume and, for recovery joins, verifies the volume's
// identity marker matches the cluster it is rejoining. On the first fresh
// admission it records the cluster identity marker so later recovery joins
// have something to compare against.
func (c *Coordinator) Admit(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, v Volume) (JoinMode, error) {
	mode := Classify(v)

	clusterID, found, err := c.peers.Get(ctx, cluster, peerstate.KeyClusterID)
	if err != nil {
		return "", err
	}

	if mode == FreshJoin {
		if !found {
			if err := c.peers.Put(ctx, cluster, map[string]string{
				peerstate.KeyClusterID: string(cluster.UID),
			}); err != nil {
				return "", err
			}
		}
		return FreshJoin, nil
	}

	if v.ClusterID == "" || !found || v.ClusterID == clusterID {
		// A marker-less data directory predates identity tracking and is
		// admitted as-is, matching the pre-existing recovery behavior.
		return RecoveryJoin, nil
	}

	if cluster.Annotations[AnnotationForceRecoveryJoin] == "true" {
		logger.Info("admitting recovery join despite identity mismatch, forced by annotation",
			"member", v.MemberName,
			"volumeClusterID", v.ClusterID,
			"clusterID", clusterID)
		return RecoveryJoin, nil
	}

	return "", operrors.WrapClusterIdentityMismatch(
		fmt.Errorf("volume for member %s carries cluster identity %s, expected %s", v.MemberName, v.ClusterID, clusterID))
}
