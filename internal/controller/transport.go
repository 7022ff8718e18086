package controller

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/client"

	etcdv1alpha1 "github.com/quorumkit/etcd-operator/api/v1alpha1"
	"github.com/quorumkit/etcd-operator/internal/constants"
	operrors "github.com/quorumkit/etcd-operator/internal/errors"
)

// clientTLSConfig builds the TLS configuration for dialing the store's client
// endpoint from the cluster's client trust Secret. It reports not-ready while
// the Secret is absent or not yet fully populated by the certificate manager.
func clientTLSConfig(ctx context.Context, c client.Client, cluster *etcdv1alpha1.EtcdCluster) (*tls.Config, bool, error) {
	secret := &corev1.Secret{}
	name := types.NamespacedName{Namespace: cluster.Namespace, Name: cluster.Name + constants.SuffixTLSClient}
	if err := c.Get(ctx, name, secret); err != nil {
		if apierrors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to read client trust secret %s: %w", name.Name, err))
	}

	certPEM := secret.Data[constants.SecretKeyTLSCert]
	keyPEM := secret.Data[constants.SecretKeyTLSKey]
	caPEM := secret.Data[constants.SecretKeyCACert]
	if len(certPEM) == 0 || len(keyPEM) == 0 || len(caPEM) == 0 {
		return nil, false, nil
	}

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, false, fmt.Errorf("failed to parse client certificate from secret %s: %w", name.Name, err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, false, fmt.Errorf("failed to parse CA chain from secret %s", name.Name)
	}

	return &tls.Config{
		MinVersion:   tls.VersionTLS12,
		Certificates: []tls.Certificate{cert},
		RootCAs:      pool,
	}, true, nil
}
