package backup

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/utils/ptr"
	"sigs.k8s.io/controller-runtime/pkg/client"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/etcd"
)

// OpenObjectStoreFunc opens the object storage target for one snapshot.
type OpenObjectStoreFunc func(ctx context.Context, cfg S3Config) (ObjectStore, error)

// Manager evaluates the backup schedule and, when a snapshot is due, streams
// one from the store into object storage.
type Manager struct {
	client client.Client

	// now is overridable for tests.
	now  func() time.Time
	open OpenObjectStoreFunc
}

// NewManager constructs a backup Manager. A nil open falls back to the real
// S3 client.
func NewManager(c client.Client, open OpenObjectStoreFunc) *Manager {
	if open == nil {
		open = func(ctx context.Context, cfg S3Config) (ObjectStore, error) {
			return OpenS3(ctx, cfg)
		}
	}
	return &Manager{
		client: c,
		now:    time.Now,
		open:   open,
	}
}

// Reconcile runs one schedule evaluation. It returns the updated backup
// status; a nil status means backups are not configured. Snapshots are only
// taken when a store connection is available, otherwise the due snapshot
// stays due and is retried on the next pass.
func (m *Manager) Reconcile(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API) (*etcdv1alpha1.BackupStatus, error) {
	cfg := cluster.Spec.Backup
	if cfg == nil {
		return nil, nil
	}

	status := &etcdv1alpha1.BackupStatus{}
	if cluster.Status.Backup != nil {
		status = cluster.Status.Backup.DeepCopy()
	}

	now := m.now().UTC()
	var last time.Time
	if status.LastSnapshotTime != nil {
		last = status.LastSnapshotTime.Time
	}

	due, err := IsDue(cfg.Schedule, last, cluster.CreationTimestamp.Time, now)
	if err != nil {
		return status, err
	}

	if due && store != nil {
		key, err := m.snapshot(ctx, logger, cluster, store, now)
		if err != nil {
			snapshotTotal.WithLabelValues(cluster.Namespace, cluster.Name, "failure").Inc()
			return status, err
		}
		snapshotTotal.WithLabelValues(cluster.Namespace, cluster.Name, "success").Inc()
		lastSnapshotTimestamp.WithLabelValues(cluster.Namespace, cluster.Name).Set(float64(now.Unix()))

		status.LastSnapshotTime = ptr.To(metav1.NewTime(now))
		status.LastSnapshotKey = key
		last = now
	}

	next, err := NextRun(cfg.Schedule, last, now)
	if err != nil {
		return status, err
	}
	status.NextScheduled = ptr.To(metav1.NewTime(next))

	return status, nil
}

func (m *Manager) snapshot(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API, now time.Time) (string, error) {
	s3cfg, err := m.targetConfig(ctx, cluster)
	if err != nil {
		return "", err
	}

	objects, err := m.open(ctx, s3cfg)
	if err != nil {
		return "", operrors.WrapTransientConnection(
			fmt.Errorf("failed to open snapshot target for %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}

	reader, err := store.Snapshot(ctx)
	if err != nil {
		return "", operrors.WrapTransientConnection(
			fmt.Errorf("failed to start snapshot of %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}
	defer func() {
		_ = reader.Close()
	}()

	key, err := SnapshotKey(cluster.Namespace, cluster.Name, now)
	if err != nil {
		return "", err
	}

	if err := objects.Upload(ctx, key, reader); err != nil {
		return "", operrors.WrapTransientConnection(
			fmt.Errorf("failed to upload snapshot of %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}
	logger.Info("uploaded snapshot", "key", key)

	// Pruning failures do not undo the snapshot that was just taken.
	prefix := SnapshotPrefix(cluster.Namespace, cluster.Name)
	if _, err := Prune(ctx, logger, objects, prefix, cluster.Spec.Backup.MaxSnapshots); err != nil {
		logger.Error(err, "failed to prune old snapshots", "prefix", prefix)
	}

	return key, nil
}

// targetConfig resolves the cluster's backup target into an S3Config,
// reading static credentials from the referenced Secret when one is set.
func (m *Manager) targetConfig(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster) (S3Config, error) {
	target := cluster.Spec.Backup.Target
	cfg := S3Config{
		Endpoint:     target.Endpoint,
		Bucket:       target.Bucket,
		Region:       target.Region,
		UsePathStyle: target.UsePathStyle,
	}

	if target.CredentialsSecretRef == nil {
		return cfg, nil
	}

	secret := &corev1.Secret{}
	name := types.NamespacedName{Namespace: cluster.Namespace, Name: target.CredentialsSecretRef.Name}
	if err := m.client.Get(ctx, name, secret); err != nil {
		return S3Config{}, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to read backup credentials %s: %w", name, err))
	}

	cfg.AccessKeyID = string(secret.Data[SecretKeyAccessKeyID])
	cfg.SecretAccessKey = string(secret.Data[SecretKeySecretAccessKey])
	cfg.SessionToken = string(secret.Data[SecretKeySessionToken])
	return cfg, nil
}
