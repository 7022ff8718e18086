// Package config renders the per-member configuration file consumed by the
// member processes and publishes the rendered files into a ConfigMap. Each
// member's pod projects its own key from the ConfigMap as etcd.conf.yml.
package config

import (
	"context"
	"fmt"
	"path"

	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	"github.com/quorumkit/etcd-operator/internal/constants"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
	"github.com/quorumkit/etcd-operator/internal/peerstate"
	"github.com/quorumkit/etcd-operator/internal/topology"
)

const (
	dataDir            = "/var/lib/etcd"
	tlsPeerMountPath   = "/etc/etcd/tls/peer"
	tlsClientMountPath = "/etc/etcd/tls/client"
)

// memberConfig mirrors the subset of the member process's YAML configuration
// schema the operator manages.
type memberConfig struct {
	Name                     string `yaml:"name"`
	DataDir                  string `yaml:"data-dir"`
	InitialAdvertisePeerURLs string `yaml:"initial-advertise-peer-urls"`
	ListenPeerURLs           string `yaml:"listen-peer-urls"`
	ListenClientURLs         string `yaml:"listen-client-urls"`
	AdvertiseClientURLs      string `yaml:"advertise-client-urls"`
	InitialCluster           string `yaml:"initial-cluster"`
	InitialClusterState      string `yaml:"initial-cluster-state"`
	InitialClusterToken      string `yaml:"initial-cluster-token"`

	SnapshotCount           int    `yaml:"snapshot-count"`
	HeartbeatInterval       int    `yaml:"heartbeat-interval"`
	ElectionTimeout         int    `yaml:"election-timeout"`
	QuotaBackendBytes       int64  `yaml:"quota-backend-bytes"`
	MaxSnapshots            int    `yaml:"max-snapshots"`
	MaxWALs                 int    `yaml:"max-wals"`
	StrictReconfigCheck     bool   `yaml:"strict-reconfig-check"`
	AutoCompactionMode      string `yaml:"auto-compaction-mode"`
	AutoCompactionRetention string `yaml:"auto-compaction-retention"`

	ClientSecurity *transportSecurity `yaml:"client-transport-security,omitempty"`
	PeerSecurity   *transportSecurity `yaml:"peer-transport-security,omitempty"`
}

type transportSecurity struct {
	CertFile       string `yaml:"cert-file"`
	KeyFile        string `yaml:"key-file"`
	TrustedCAFile  string `yaml:"trusted-ca-file"`
	ClientCertAuth bool   `yaml:"client-cert-auth"`
}

// ClusterView carries the coordination signals a rendered config depends on.
// Both values come from the peer state store so every member renders against
// the same view of the join protocol.
type ClusterView struct {
	// InitialCluster is the name=peerURL join string.
	InitialCluster string
	// InitialClusterState is "new" for the first incarnation, "existing" for
	// members joining a running cluster.
	InitialClusterState string
}

// Render produces the configuration file for one member. It is a pure
// function of its inputs; identical inputs always render identical bytes.
func Render(cluster *etcdv1alpha1.EtcdCluster, member string, view ClusterView) ([]byte, error) {
	cfg := memberConfig{
		Name:                     member,
		DataDir:                  dataDir,
		InitialAdvertisePeerURLs: topology.PeerURL(cluster, member),
		ListenPeerURLs:           topology.PeerURL(cluster, member),
		ListenClientURLs:         topology.ClientURL(cluster, member),
		AdvertiseClientURLs:      topology.ClientURL(cluster, member),
		InitialCluster:           view.InitialCluster,
		InitialClusterState:      view.InitialClusterState,
		InitialClusterToken:      cluster.Name,

		SnapshotCount:           10000,
		HeartbeatInterval:       100,
		ElectionTimeout:         1000,
		QuotaBackendBytes:       0,
		MaxSnapshots:            5,
		MaxWALs:                 5,
		StrictReconfigCheck:     false,
		AutoCompactionMode:      "periodic",
		AutoCompactionRetention: "1",
	}

	if cluster.Spec.TLS.Client.Enabled {
		cfg.ClientSecurity = &transportSecurity{
			CertFile:       path.Join(tlsClientMountPath, constants.SecretKeyTLSCert),
			KeyFile:        path.Join(tlsClientMountPath, constants.SecretKeyTLSKey),
			TrustedCAFile:  path.Join(tlsClientMountPath, constants.SecretKeyCACert),
			ClientCertAuth: true,
		}
	}
	if cluster.Spec.TLS.Peer.Enabled {
		cfg.PeerSecurity = &transportSecurity{
			CertFile:       path.Join(tlsPeerMountPath, constants.SecretKeyTLSCert),
			KeyFile:        path.Join(tlsPeerMountPath, constants.SecretKeyTLSKey),
			TrustedCAFile:  path.Join(tlsPeerMountPath, constants.SecretKeyCACert),
			ClientCertAuth: true,
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to render configuration for member %s: %w", member, err)
	}
	return out, nil
}

// MemberConfigKey is the ConfigMap key carrying the given member's rendered
// configuration file.
func MemberConfigKey(member string) string {
	return member + ".conf.yml"
}

// Manager publishes rendered member configuration.
type Manager struct {
	client client.Client
	scheme *runtime.Scheme
	peers  *peerstate.Store
}

// NewManager constructs a config Manager.
func NewManager(c client.Client, scheme *runtime.Scheme, peers *peerstate.Store) *Manager {
	return &Manager{client: c, scheme: scheme, peers: peers}
}

// Reconcile renders one configuration file per desired member and applies the
// ConfigMap. Members render against the coordination signals currently in the
// peer state store, so a member restarted after a membership change picks up
// the join parameters of the cluster as it is now.
func (m *Manager) Reconcile(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster) error {
	view, err := m.clusterView(ctx, cluster)
	if err != nil {
		return err
	}

	data := map[string]string{}
	for _, member := range topology.DesiredMemberNames(cluster) {
		rendered, err := Render(cluster, member, view)
		if err != nil {
			return err
		}
		data[MemberConfigKey(member)] = string(rendered)
	}

	cm := &corev1.ConfigMap{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "ConfigMap"},
		ObjectMeta: metav1.ObjectMeta{
			Namespace: cluster.Namespace,
			Name:      cluster.Name + constants.SuffixMemberConfig,
		},
		Data: data,
	}
	if err := controllerutil.SetControllerReference(cluster, cm, m.scheme); err != nil {
		return fmt.Errorf("failed to set owner reference on config for %s/%s: %w", cluster.Namespace, cluster.Name, err)
	}

	if err := m.client.Patch(ctx, cm, client.Apply, client.FieldOwner("etcd-config-manager"), client.ForceOwnership); err != nil {
		return operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to apply member configuration for %s/%s: %w", cluster.Namespace, cluster.Name, err))
	}

	logger.V(1).Info("applied member configuration", "members", len(data))
	return nil
}

func (m *Manager) clusterView(ctx context.Context, cluster *etcdv1alpha1.EtcdCluster) (ClusterView, error) {
	initialCluster, _, err := m.peers.Get(ctx, cluster, peerstate.KeyInitialCluster)
	if err != nil {
		return ClusterView{}, err
	}
	state, found, err := m.peers.Get(ctx, cluster, peerstate.KeyInitialClusterState)
	if err != nil {
		return ClusterView{}, err
	}
	if !found {
		// Not bootstrapped yet; members render as founding voters.
		state = "new"
	}
	return ClusterView{InitialCluster: initialCluster, InitialClusterState: state}, nil
}
