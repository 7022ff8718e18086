// Package credentials owns the internal administrative identity of the store.
// The credential is generated once if nothing is supplied, adopted from an
// external Secret when one is referenced, and applied to the running store
// before its generation counter advances. Callers authenticate with whatever
// Current returns at call time; caching a credential across an update
// boundary would race the rotation.
package credentials

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	"github.com/quorumkit/etcd-operator/internal/constants"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/etcd"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
)

const (
	secretKeyGeneration = "generation"

	passwordBytes = 24
)

// Credential is the administrative identity handed to store clients.
type Credential struct {
	Username   string
	Password   string
	Generation int64
}

// Manager reconciles the administrative credential for one cluster.
type Manager struct {
	client client.Client
	scheme *runtime.Scheme
	peers  *peerstate.Store
}

// NewManager constructs a credential Manager.
func NewManager(c client.Client, scheme *runtime.Scheme, peers *peerstate.Store) *Manager {
	return &Manager{client: c, scheme: scheme, peers: peers}
}

func managedSecretName(cluster *etcdv1alpha1.EtcdCluster) string {
	return cluster.Name + constants.SuffixAdminCredential
}

// Current returns the applied credential without side effects. Dependents
// call this lazily on every authentication attempt instead of holding a copy.
func (m *Manager) Current(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster) (Credential, bool, error) {
	secret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: managedSecretName(cluster)}, secret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return Credential{}, false, nil
		}
		return Credential{}, false, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to read credential secret for %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}

	return credentialFromSecret(secret), true, nil
}

func credentialFromSecret(secret *corev1.Secret) Credential {
	gen, _ := strconv.ParseInt(string(secret.Data[secretKeyGeneration]), 10, 64)
	return Credential{
		Username:   constants.InternalUser,
		Password:   string(secret.Data[constants.SecretKeyPassword]),
		Generation: gen,
	}
}

// Ensure reconciles the credential and returns the authoritative value.
//
// With no prior secret it generates a random password, stores it at
// generation 1, and bootstraps authentication on the store. When an external
// Secret is referenced and its content differs from the applied value, the
// new password is applied to the running store first and the generation is
// bumped only on success; a failed apply leaves the previous credential
// authoritative and is retried on the next pass.
//
// store may be nil while the cluster has no reachable endpoint yet; pending
// apply work is then deferred, never dropped.
func (m *Manager) Ensure(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API) (Credential, error) {
	current, exists, err := m.Current(ctx, cluster)
	if err != nil {
		return Credential{}, err
	}

	if !exists {
		return m.bootstrap(ctx, logger, cluster, store)
	}

	desired, supplied, err := m.DesiredPassword(ctx, cluster)
	if err != nil {
		return current, err
	}
	if supplied && desired != current.Password {
		return m.rotate(ctx, logger, cluster, store, current, desired)
	}

	// Content unchanged. Finish any deferred auth bootstrap.
	if err := m.ensureApplied(ctx, cluster, store, current); err != nil {
		return current, err
	}

	return current, nil
}

// DesiredPassword returns the password held by the referenced external
// Secret, when one is configured. A store that rejects the applied credential
// but accepts this one is mid-rotation: a previous pass updated the store and
// was interrupted before the managed Secret advanced. Dialing with the
// desired value lets the rotation finish.
func (m *Manager) DesiredPassword(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster) (string, bool, error) {
	ref := cluster.Spec.Credentials.SecretRef
	if ref == nil || ref.Name == "" {
		return "", false, nil
	}

	secret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: ref.Name}, secret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", false, fmt.Errorf("referenced credential secret %s/%s not found", cluster.Namespace, ref.Name)
		}
		return "", false, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to read referenced credential secret %s/%s: %w", cluster.Namespace, ref.Name, err))
	}

	password, ok := secret.Data[constants.SecretKeyPassword]
	if !ok || len(password) == 0 {
		return "", false, fmt.Errorf("referenced credential secret %s/%s has no %q key", cluster.Namespace, ref.Name, constants.SecretKeyPassword)
	}

	return string(password), true, nil
}

func (m *Manager) bootstrap(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API) (Credential, error) {
	password, supplied, err := m.DesiredPassword(ctx, cluster)
	if err != nil {
		return Credential{}, err
	}
	if !supplied {
		password, err = generatePassword()
		if err != nil {
			return Credential{}, fmt.Errorf("failed to generate credential: %w", err)
		}
	}

	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Namespace: cluster.Namespace,
			Name:      managedSecretName(cluster),
		},
		Type: corev1.SecretTypeOpaque,
		Data: map[string][]byte{
			constants.SecretKeyPassword: []byte(password),
			secretKeyGeneration:         []byte("1"),
		},
	}
	if err := controllerutil.SetControllerReference(cluster, secret, m.scheme); err != nil {
		return Credential{}, fmt.Errorf("failed to set owner reference on credential secret: %w", err)
	}

	if err := m.client.Create(ctx, secret); err != nil {
		if apierrors.IsAlreadyExists(err) {
			// Lost the creation race; re-read and continue with the winner.
			current, _, rerr := m.Current(ctx, cluster)
			if rerr != nil {
				return Credential{}, rerr
			}
			return current, nil
		}
		return Credential{}, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to create credential secret for %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}

	logger.Info("created administrative credential", "generation", 1)
	cred := Credential{Username: constants.InternalUser, Password: password, Generation: 1}

	if err := m.ensureApplied(ctx, cluster, store, cred); err != nil {
		return cred, err
	}

	return cred, nil
}

// ensureApplied turns on authentication and syncs the internal user on the
// store, then signals completion through peer state. Safe to repeat.
func (m *Manager) ensureApplied(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster, store etcd.API, cred Credential) error {
	applied, _, err := m.peers.Get(ctx, cluster, peerstate.KeyAuthentication)
	if err != nil {
		return err
	}
	if applied == "enabled" {
		return nil
	}

	if store == nil {
		return operrors.WrapCredentialApplyFailure(fmt.Errorf("store not reachable, authentication bootstrap deferred"))
	}

	if err := store.EnsureUser(ctx, cred.Username, cred.Password); err != nil {
		return operrors.WrapCredentialApplyFailure(fmt.Errorf("failed to sync user %s: %w", cred.Username, err))
	}
	if err := store.EnableAuth(ctx); err != nil {
		return operrors.WrapCredentialApplyFailure(fmt.Errorf("failed to enable authentication: %w", err))
	}

	return m.peers.Put(ctx, cluster, map[string]string{peerstate.KeyAuthentication: "enabled"})
}

func (m *Manager) rotate(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, store etcd.API, current Credential, password string) (Credential, error) {
	if store == nil {
		return current, operrors.WrapCredentialApplyFailure(fmt.Errorf("store not reachable, credential update deferred"))
	}

	// Apply to the store first. The generation advances only once the store
	// has accepted the new value, so a failure here leaves the previous
	// credential authoritative. A pass interrupted after the store accepted
	// the value but before the Secret advanced is recovered at dial time:
	// the controller re-authenticates with the desired password and this
	// step becomes an idempotent re-apply.
	if err := store.EnsureUser(ctx, current.Username, password); err != nil {
		return current, operrors.WrapCredentialApplyFailure(
			fmt.Errorf("failed to apply credential update for %s: %w", current.Username, err))
	}

	secret := &corev1.Secret{}
	if err := m.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: managedSecretName(cluster)}, secret); err != nil {
		return current, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to read credential secret for %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}

	generation := current.Generation + 1
	secret.Data[constants.SecretKeyPassword] = []byte(password)
	secret.Data[secretKeyGeneration] = []byte(strconv.FormatInt(generation, 10))
	if err := m.client.Update(ctx, secret); err != nil {
		return current, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to update credential secret for %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}

	logger.Info("applied administrative credential update", "generation", generation)

	return Credential{Username: current.Username, Password: password, Generation: generation}, nil
}

func generatePassword() (string, error) {
	buf := make([]byte, passwordBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
