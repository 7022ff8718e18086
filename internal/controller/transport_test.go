package controller

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/controller-runtime/pkg/client/fake"

	"github.com/quorumkit/etcd-operator/internal/constants"
)

func selfSignedPEM(t *testing.T) (certPEM, keyPEM []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "test-etcd-client"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	require.NoError(t, err)

	keyDER, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)

	certPEM = pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM = pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})
	return certPEM, keyPEM
}

func TestClientTLSConfigMissingSecretIsNotReady(t *testing.T) {
	cluster := newTestCluster(3)
	c := fake.NewClientBuilder().WithScheme(newTestScheme(t)).Build()

	cfg, ready, err := clientTLSConfig(context.Background(), c, cluster)
	require.NoError(t, err)
	assert.False(t, ready)
	assert.Nil(t, cfg)
}

func TestClientTLSConfigPartialSecretIsNotReady(t *testing.T) {
	cluster := newTestCluster(3)
	_, keyPEM := selfSignedPEM(t)
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.Name + constants.SuffixTLSClient,
			Namespace: cluster.Namespace,
		},
		Data: map[string][]byte{
			constants.SecretKeyTLSKey: keyPEM,
		},
	}
	c := fake.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(secret).Build()

	_, ready, err := clientTLSConfig(context.Background(), c, cluster)
	require.NoError(t, err)
	assert.False(t, ready)
}

func TestClientTLSConfigBuildsTransport(t *testing.T) {
	cluster := newTestCluster(3)
	certPEM, keyPEM := selfSignedPEM(t)
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.Name + constants.SuffixTLSClient,
			Namespace: cluster.Namespace,
		},
		Data: map[string][]byte{
			constants.SecretKeyTLSCert: certPEM,
			constants.SecretKeyTLSKey:  keyPEM,
			constants.SecretKeyCACert:  certPEM,
		},
	}
	c := fake.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(secret).Build()

	cfg, ready, err := clientTLSConfig(context.Background(), c, cluster)
	require.NoError(t, err)
	assert.True(t, ready)
	require.NotNil(t, cfg)
	assert.Equal(t, uint16(tls.VersionTLS12), cfg.MinVersion)
	assert.Len(t, cfg.Certificates, 1)
	assert.NotNil(t, cfg.RootCAs)
}

func TestClientTLSConfigRejectsGarbage(t *testing.T) {
	cluster := newTestCluster(3)
	secret := &corev1.Secret{
		ObjectMeta: metav1.ObjectMeta{
			Name:      cluster.Name + constants.SuffixTLSClient,
			Namespace: cluster.Namespace,
		},
		Data: map[string][]byte{
			constants.SecretKeyTLSCert: []byte("not a certificate"),
			constants.SecretKeyTLSKey:  []byte("not a key"),
			constants.SecretKeyCACert:  []byte("not a ca"),
		},
	}
	c := fake.NewClientBuilder().WithScheme(newTestScheme(t)).WithObjects(secret).Build()

	_, _, err := clientTLSConfig(context.Background(), c, cluster)
	assert.Error(t, err)
}
