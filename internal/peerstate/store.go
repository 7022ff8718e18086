// Package peerstate implements the shared coordination bucket members use for
// advisory handshakes. It is backed by a ConfigMap and offers no
// compare-and-swap: writes are last-writer-wins and every protocol built on
// it must tolerate stale or duplicate signals.
package peerstate

import (
	"context"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	"github.com/quorumkit/etcd-operator/internal/constants"
)

// Well-known cluster-level keys.
const (
	// KeyInitialClusterState is "new" for the first incarnation and
	// "existing" once the cluster has been bootstrapped.
	KeyInitialClusterState = "initial-cluster-state"
	// KeyInitialCluster is the initial-cluster string handed to a joining
	// member's process.
	KeyInitialCluster = "initial-cluster"
	// KeyLearningMember names the member currently joining as a learner.
	// Unset once the member has been promoted to voter.
	KeyLearningMember = "learning-member"
	// KeyAuthentication is "enabled" once authentication has been turned on.
	KeyAuthentication = "enabled-authentication"
	// KeyClusterID is the logical cluster identity marker compared against
	// reused data volumes.
	KeyClusterID = "cluster-id"
)

// Well-known per-member keys, stored as member/<name>/<key>.
const (
	// MemberKeyState tracks the member through the join protocol.
	MemberKeyState = "state"
)

// Store reads and writes the peer state bucket for one cluster.
type Store struct {
	client client.Client
	scheme *runtime.Scheme
}

// NewStore constructs a Store using the provided Kubernetes client.
// The scheme is used to set OwnerReferences on the backing ConfigMap.
func NewStore(c client.Client, scheme *runtime.Scheme) *Store {
	return &Store{client: c, scheme: scheme}
}

func bucketName(cluster *etcdv1alpha1.EtcdCluster) string {
	return cluster.Name + constants.SuffixPeerState
}

// MemberKey builds the bucket key for a per-member entry.
func MemberKey(member, key string) string {
	return fmt.Sprintf("member.%s.%s", member, key)
}

// Get returns the value for a cluster-level key. A missing bucket reads the
// same as a missing key: both can happen under eventual visibility and mean
// "not signaled yet".
func (s *Store) Get(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster, key string) (string, bool, error) {
	cm := &corev1.ConfigMap{}
	err := s.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: bucketName(cluster)}, cm)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read peer state bucket for %s/%s: %w", cluster.Namespace, cluster.Name, err)
	}

	v, ok := cm.Data[key]
	return v, ok, nil
}

// GetMember returns the value for a per-member key.
func (s *Store) GetMember(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster, member, key string) (string, bool, error) {
	return s.Get(ctx, cluster, MemberKey(member, key))
}

// Put applies the given entries read-modify-write. An empty value deletes the
// key. Collisions with concurrent writers resolve last-writer-wins; the next
// reconciliation pass self-corrects because every signal is idempotent.
func (s *Store) Put(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster, entries map[string]string) error {
	cm := &corev1.ConfigMap{}
	name := types.NamespacedName{Namespace: cluster.Namespace, Name: bucketName(cluster)}

	err := s.client.Get(ctx, name, cm)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return fmt.Errorf("failed to read peer state bucket for %s/%s: %w", cluster.Namespace, cluster.Name, err)
		}

		cm = &corev1.ConfigMap{
			ObjectMeta: metav1.ObjectMeta{
				Namespace: cluster.Namespace,
				Name:      name.Name,
			},
			Data: map[string]string{},
		}
		applyEntries(cm, entries)

		if err := controllerutil.SetControllerReference(cluster, cm, s.scheme); err != nil {
			return fmt.Errorf("failed to set owner reference on peer state bucket %s/%s: %w", cluster.Namespace, name.Name, err)
		}

		if err := s.client.Create(ctx, cm); err != nil {
			if apierrors.IsAlreadyExists(err) {
				// Another reconciler created it first; retry the write path.
				return s.Put(ctx, cluster, entries)
			}
			return fmt.Errorf("failed to create peer state bucket %s/%s: %w", cluster.Namespace, name.Name, err)
		}
		return nil
	}

	if cm.Data == nil {
		cm.Data = map[string]string{}
	}
	applyEntries(cm, entries)

	if err := s.client.Update(ctx, cm); err != nil {
		return fmt.Errorf("failed to update peer state bucket %s/%s: %w", cluster.Namespace, name.Name, err)
	}

	return nil
}

// PutMember applies per-member entries.
func (s *Store) PutMember(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster, member string, entries map[string]string) error {
	prefixed := make(map[string]string, len(entries))
	for k, v := range entries {
		prefixed[MemberKey(member, k)] = v
	}
	return s.Put(ctx, cluster, prefixed)
}

func applyEntries(cm *corev1.ConfigMap, entries map[string]string) {
	for k, v := range entries {
		if v == "" {
			delete(cm.Data, k)
			continue
		}
		cm.Data[k] = v
	}
}
