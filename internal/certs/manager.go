// Package certs drives per-endpoint certificate lifecycles against an
// external certificate provider. Peer and client endpoints are independent:
// each carries its own key material, its own signing requests, and its own
// phase, so withdrawing trust for one never affects the other.
package certs

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"strings"
	"time"

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
)

const (
	privateKeyKey  = constants.SecretKeyTLSKey
	certificateKey = constants.SecretKeyTLSCert
	caChainKey     = constants.SecretKeyCACert
	pendingCSRKey  = constants.SecretKeyCSR
	pendingFPKey   = constants.SecretKeyFingerprint
	installedFPKey = "installed-fingerprint"

	defaultRotationLeadTime = 240 * time.Hour
)

// Manager reconciles trust material for one endpoint of an EtcdCluster.
// Certificates come from an external Provider; the Manager builds signing
// requests, matches issued certificates back by request fingerprint, and
// swaps them in without ever leaving the endpoint certificate-less while a
// trust relationship exists.
type Manager struct {
	client   client.Client
	scheme   *runtime.Scheme
	provider Provider

	now func() time.Time
}

// NewManager constructs a Manager submitting requests to the given provider.
// The scheme is used to set OwnerReferences on created Secrets for garbage
// collection.
func NewManager(c client.Client, scheme *runtime.Scheme, provider Provider) *Manager {
	return &Manager{
		client:   c,
		scheme:   scheme,
		provider: provider,
		now:      time.Now,
	}
}

// Provider calls carry their own deadline so an unresponsive provider cannot
// stall the reconcile pass.

func (m *Manager) submitCSR(ctx context.Context, csrPEM []byte) error {
	ctx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout)
	defer cancel()
	return m.provider.SubmitCSR(ctx, csrPEM)
}

func (m *Manager) fetchIssued(ctx context.Context, fingerprint string) (*IssuedCertificate, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout)
	defer cancel()
	return m.provider.FetchIssued(ctx, fingerprint)
}

func (m *Manager) revoke(ctx context.Context, certPEM []byte) error {
	ctx, cancel := context.WithTimeout(ctx, constants.ProviderCallTimeout)
	defer cancel()
	return m.provider.Revoke(ctx, certPEM)
}

func endpointSecretName(cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint) string {
	if endpoint == etcdv1alpha1.TrustEndpointPeer {
		return cluster.Name + constants.SuffixTLSPeer
	}
	return cluster.Name + constants.SuffixTLSClient
}

func endpointConfig(cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint) etcdv1alpha1.EndpointTLSConfig {
	if endpoint == etcdv1alpha1.TrustEndpointPeer {
		return cluster.Spec.TLS.Peer
	}
	return cluster.Spec.TLS.Client
}

// applySecret creates or patches a Secret using Server-Side Apply.
func (m *Manager) applySecret(ctx context.Context, secret *corev1.Secret) error {
	secret.TypeMeta = metav1.TypeMeta{APIVersion: "v1", Kind: "Secret"}
	return m.client.Patch(ctx, secret, client.Apply, client.FieldOwner("etcd-cert-manager"), client.ForceOwnership)
}

// Reconcile advances the endpoint's certificate state machine by one step and
// reports the observed phase. It is safe to interrupt at any point: every
// decision is re-derived from the Secret's content on the next pass.
func (m *Manager) Reconcile(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint) (etcdv1alpha1.CertificateStatus, error) {
	cfg := endpointConfig(cluster, endpoint)
	metrics := newCertMetrics(cluster.Namespace, cluster.Name, string(endpoint))

	if !cfg.Enabled {
		return m.withdraw(ctx, logger, cluster, endpoint)
	}

	secretName := endpointSecretName(cluster, endpoint)
	secret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: secretName}, secret)
	if err != nil {
		if !apierrors.IsNotFound(err) {
			return errorStatus(endpoint, err), operrors.WrapTransientKubernetesAPI(
				fmt.Errorf("failed to get TLS Secret %s/%s: %w", cluster.Namespace, secretName, err))
		}
		secret = &corev1.Secret{
			ObjectMeta: metav1.ObjectMeta{Namespace: cluster.Namespace, Name: secretName},
			Type:       corev1.SecretTypeOpaque,
			Data:       map[string][]byte{},
		}
		if err := controllerutil.SetControllerReference(cluster, secret, m.scheme); err != nil {
			return errorStatus(endpoint, err), fmt.Errorf("failed to set owner reference on TLS Secret %s/%s: %w", cluster.Namespace, secretName, err)
		}
	}
	if secret.Data == nil {
		secret.Data = map[string][]byte{}
	}

	if err := m.ensurePrivateKey(ctx, logger, cluster, cfg, secret); err != nil {
		return errorStatus(endpoint, err), err
	}

	if len(secret.Data[certificateKey]) == 0 {
		return m.reconcilePending(ctx, logger, cluster, endpoint, secret, metrics)
	}

	return m.reconcileInstalled(ctx, logger, cluster, endpoint, cfg, secret, metrics)
}

// withdraw handles a removed trust relationship: local use of the
// certificate stops immediately and revocation is requested best-effort.
func (m *Manager) withdraw(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint) (etcdv1alpha1.CertificateStatus, error) {
	secretName := endpointSecretName(cluster, endpoint)
	secret := &corev1.Secret{}
	err := m.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: secretName}, secret)
	if err != nil {
		if apierrors.IsNotFound(err) {
			return etcdv1alpha1.CertificateStatus{Endpoint: endpoint, Phase: etcdv1alpha1.CertificatePhaseNoRelation}, nil
		}
		return errorStatus(endpoint, err), operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to get TLS Secret %s/%s: %w", cluster.Namespace, secretName, err))
	}

	if certPEM := secret.Data[certificateKey]; len(certPEM) > 0 && m.provider != nil {
		if err := m.revoke(ctx, certPEM); err != nil {
			logger.V(1).Info("best-effort revocation failed", "endpoint", endpoint, "error", err.Error())
		}
	}

	if err := m.client.Delete(ctx, secret); err != nil && !apierrors.IsNotFound(err) {
		return errorStatus(endpoint, err), operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to delete TLS Secret %s/%s: %w", cluster.Namespace, secretName, err))
	}

	logger.Info("trust relationship withdrawn, certificate retired", "endpoint", endpoint)
	return etcdv1alpha1.CertificateStatus{Endpoint: endpoint, Phase: etcdv1alpha1.CertificatePhaseNoRelation}, nil
}

// ensurePrivateKey sources the endpoint key from a referenced Secret when
// configured, generating one locally otherwise. A key content change
// invalidates the installed certificate and any outstanding request, forcing
// re-issuance on the same pass.
func (m *Manager) ensurePrivateKey(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, cfg etcdv1alpha1.EndpointTLSConfig, secret *corev1.Secret) error {
	if cfg.PrivateKeySecretRef != nil && cfg.PrivateKeySecretRef.Name != "" {
		refName := cfg.PrivateKeySecretRef.Name
		external := &corev1.Secret{}
		err := m.client.Get(ctx, types.NamespacedName{Namespace: cluster.Namespace, Name: refName}, external)
		if err != nil {
			if apierrors.IsNotFound(err) {
				return fmt.Errorf("referenced private key secret %s/%s not found", cluster.Namespace, refName)
			}
			return operrors.WrapTransientKubernetesAPI(
				fmt.Errorf("failed to read private key secret %s/%s: %w", cluster.Namespace, refName, err))
		}
		keyPEM, ok := external.Data[constants.SecretKeyTLSKey]
		if !ok || len(keyPEM) == 0 {
			return fmt.Errorf("referenced private key secret %s/%s has no %q key", cluster.Namespace, refName, constants.SecretKeyTLSKey)
		}

		if stored := secret.Data[privateKeyKey]; len(stored) > 0 && string(stored) != string(keyPEM) {
			logger.Info("endpoint private key changed, discarding certificate and outstanding request")
			delete(secret.Data, certificateKey)
			delete(secret.Data, caChainKey)
			delete(secret.Data, installedFPKey)
			delete(secret.Data, pendingCSRKey)
			delete(secret.Data, pendingFPKey)
		}
		secret.Data[privateKeyKey] = keyPEM
		return nil
	}

	if len(secret.Data[privateKeyKey]) > 0 {
		return nil
	}

	keyPEM, err := generatePrivateKey()
	if err != nil {
		return fmt.Errorf("failed to generate endpoint private key: %w", err)
	}
	secret.Data[privateKeyKey] = keyPEM
	return nil
}

// reconcilePending drives an endpoint with no installed certificate toward
// Active. Only one request is ever outstanding per endpoint; the stored
// fingerprint deduplicates rebuild attempts across interrupted passes.
func (m *Manager) reconcilePending(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint, secret *corev1.Secret, metrics *certMetrics) (etcdv1alpha1.CertificateStatus, error) {
	pending := etcdv1alpha1.CertificateStatus{Endpoint: endpoint, Phase: etcdv1alpha1.CertificatePhaseCsrPending}

	fingerprint, err := m.ensureRequest(ctx, logger, cluster, endpoint, secret)
	if err != nil {
		return pending, err
	}
	pending.Fingerprint = fingerprint

	issued, ok, err := m.fetchIssued(ctx, fingerprint)
	if err != nil {
		return pending, operrors.WrapCertificateProvider(
			fmt.Errorf("failed to fetch issued certificate for %s endpoint: %w", endpoint, err))
	}
	if !ok {
		return pending, nil
	}

	if err := m.install(ctx, logger, cluster, endpoint, secret, fingerprint, issued, metrics); err != nil {
		return pending, err
	}

	cert, _ := parseCertificate(issued.CertificatePEM)
	return activeStatus(endpoint, fingerprint, cert), nil
}

// reconcileInstalled evaluates expiry and rotation for an endpoint that
// already presents a certificate. The installed certificate stays in use
// until a replacement is installed and confirmed valid, so rotation never
// opens a window without trust material.
func (m *Manager) reconcileInstalled(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint, cfg etcdv1alpha1.EndpointTLSConfig, secret *corev1.Secret, metrics *certMetrics) (etcdv1alpha1.CertificateStatus, error) {
	now := m.now()

	cert, err := parseCertificate(secret.Data[certificateKey])
	if err != nil {
		logger.Info("installed certificate could not be parsed, re-issuing", "endpoint", endpoint)
		delete(secret.Data, certificateKey)
		delete(secret.Data, caChainKey)
		delete(secret.Data, installedFPKey)
		return m.reconcilePending(ctx, logger, cluster, endpoint, secret, metrics)
	}
	metrics.setExpiry(cert.NotAfter)

	installedFP := string(secret.Data[installedFPKey])

	// A rotation already in flight is matched by its own fingerprint.
	if pendingFP := string(secret.Data[pendingFPKey]); pendingFP != "" && pendingFP != installedFP {
		return m.completeRotation(ctx, logger, cluster, endpoint, secret, cert, installedFP, pendingFP, metrics)
	}

	leadTime := rotationLeadTime(cfg)
	remaining := cert.NotAfter.Sub(now)
	if remaining >= leadTime {
		return activeStatus(endpoint, installedFP, cert), nil
	}

	// Within the rotation window. Build a request with the same key; routine
	// renewal never regenerates key material.
	logger.Info("certificate within rotation lead time, requesting renewal",
		"endpoint", endpoint, "notAfter", cert.NotAfter, "leadTime", leadTime.String())

	delete(secret.Data, pendingCSRKey)
	delete(secret.Data, pendingFPKey)
	if _, err := m.ensureRequest(ctx, logger, cluster, endpoint, secret); err != nil {
		status := etcdv1alpha1.CertificateStatus{
			Endpoint:    endpoint,
			Phase:       etcdv1alpha1.CertificatePhaseExpiringSoon,
			Fingerprint: installedFP,
			NotAfter:    timePtr(cert.NotAfter),
		}
		if cert.NotAfter.Before(now) {
			status.Phase = etcdv1alpha1.CertificatePhaseError
			status.Message = "certificate expired and renewal request could not be submitted"
		}
		return status, err
	}

	return etcdv1alpha1.CertificateStatus{
		Endpoint:    endpoint,
		Phase:       etcdv1alpha1.CertificatePhaseRotating,
		Fingerprint: installedFP,
		NotAfter:    timePtr(cert.NotAfter),
	}, nil
}

func (m *Manager) completeRotation(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint, secret *corev1.Secret, oldCert *x509.Certificate, installedFP, pendingFP string, metrics *certMetrics) (etcdv1alpha1.CertificateStatus, error) {
	rotating := etcdv1alpha1.CertificateStatus{
		Endpoint:    endpoint,
		Phase:       etcdv1alpha1.CertificatePhaseRotating,
		Fingerprint: installedFP,
		NotAfter:    timePtr(oldCert.NotAfter),
	}

	// Re-submit the outstanding request before polling. Submission is
	// idempotent, so a rotation interrupted after persisting the request but
	// before the provider saw it resumes here instead of polling forever.
	if csrPEM := secret.Data[pendingCSRKey]; len(csrPEM) > 0 {
		if err := m.submitCSR(ctx, csrPEM); err != nil {
			return rotating, operrors.WrapCertificateProvider(
				fmt.Errorf("failed to submit rotation request for %s endpoint: %w", endpoint, err))
		}
	}

	issued, ok, err := m.fetchIssued(ctx, pendingFP)
	if err != nil {
		if oldCert.NotAfter.Before(m.now()) {
			rotating.Phase = etcdv1alpha1.CertificatePhaseError
			rotating.Message = "certificate expired while the provider is unavailable"
		}
		return rotating, operrors.WrapCertificateProvider(
			fmt.Errorf("failed to fetch rotated certificate for %s endpoint: %w", endpoint, err))
	}
	if !ok {
		return rotating, nil
	}

	// Validate the replacement before swapping; the old certificate remains
	// in use until the new one is confirmed usable.
	newCert, err := parseCertificate(issued.CertificatePEM)
	if err != nil {
		return rotating, operrors.WrapCertificateProvider(
			fmt.Errorf("provider returned an unparseable certificate for %s endpoint: %w", endpoint, err))
	}
	if m.now().After(newCert.NotAfter) {
		return rotating, operrors.WrapCertificateProvider(
			fmt.Errorf("provider returned an already-expired certificate for %s endpoint", endpoint))
	}

	if err := m.install(ctx, logger, cluster, endpoint, secret, pendingFP, issued, metrics); err != nil {
		return rotating, err
	}
	metrics.incrementRotation()

	return activeStatus(endpoint, pendingFP, newCert), nil
}

// ensureRequest guarantees exactly one outstanding signing request for the
// endpoint and returns its fingerprint. The stored request is re-submitted on
// every pass: submission is idempotent, so a pass interrupted between
// persisting the request and handing it to the provider cannot strand it.
func (m *Manager) ensureRequest(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint, secret *corev1.Secret) (string, error) {
	if fp := string(secret.Data[pendingFPKey]); fp != "" && len(secret.Data[pendingCSRKey]) > 0 {
		if err := m.submitCSR(ctx, secret.Data[pendingCSRKey]); err != nil {
			return "", operrors.WrapCertificateProvider(
				fmt.Errorf("failed to submit signing request for %s endpoint: %w", endpoint, err))
		}
		return fp, nil
	}

	csrPEM, fingerprint, err := buildCSR(cluster, endpoint, secret.Data[privateKeyKey])
	if err != nil {
		return "", fmt.Errorf("failed to build signing request for %s endpoint: %w", endpoint, err)
	}

	secret.Data[pendingCSRKey] = csrPEM
	secret.Data[pendingFPKey] = []byte(fingerprint)
	if err := m.applySecret(ctx, secret.DeepCopy()); err != nil {
		return "", operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to persist signing request for %s endpoint: %w", endpoint, err))
	}

	if err := m.submitCSR(ctx, csrPEM); err != nil {
		return "", operrors.WrapCertificateProvider(
			fmt.Errorf("failed to submit signing request for %s endpoint: %w", endpoint, err))
	}

	logger.Info("submitted signing request", "endpoint", endpoint, "fingerprint", fingerprint)
	return fingerprint, nil
}

func (m *Manager) install(ctx context.Context, logger logr.Logger, cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint, secret *corev1.Secret, fingerprint string, issued *IssuedCertificate, metrics *certMetrics) error {
	secret.Data[certificateKey] = issued.CertificatePEM
	secret.Data[caChainKey] = issued.CAChainPEM
	secret.Data[installedFPKey] = []byte(fingerprint)
	delete(secret.Data, pendingCSRKey)
	delete(secret.Data, pendingFPKey)

	if err := m.applySecret(ctx, secret.DeepCopy()); err != nil {
		return operrors.WrapTransientKubernetesAPI(
			fmt.Errorf("failed to install certificate for %s endpoint of %s/%s: %w", endpoint, cluster.Namespace, cluster.Name, err))
	}

	if cert, err := parseCertificate(issued.CertificatePEM); err == nil {
		metrics.setExpiry(cert.NotAfter)
	}
	metrics.incrementIssued()

	logger.Info("installed certificate", "endpoint", endpoint, "fingerprint", fingerprint)
	return nil
}

func activeStatus(endpoint etcdv1alpha1.TrustEndpoint, fingerprint string, cert *x509.Certificate) etcdv1alpha1.CertificateStatus {
	status := etcdv1alpha1.CertificateStatus{
		Endpoint:    endpoint,
		Phase:       etcdv1alpha1.CertificatePhaseActive,
		Fingerprint: fingerprint,
	}
	if cert != nil {
		status.NotAfter = timePtr(cert.NotAfter)
	}
	return status
}

func timePtr(t time.Time) *metav1.Time {
	mt := metav1.NewTime(t)
	return &mt
}

func errorStatus(endpoint etcdv1alpha1.TrustEndpoint, err error) etcdv1alpha1.CertificateStatus {
	return etcdv1alpha1.CertificateStatus{
		Endpoint: endpoint,
		Phase:    etcdv1alpha1.CertificatePhaseError,
		Message:  err.Error(),
	}
}

func rotationLeadTime(cfg etcdv1alpha1.EndpointTLSConfig) time.Duration {
	if cfg.RotationLeadTime == "" {
		return defaultRotationLeadTime
	}
	d, err := time.ParseDuration(cfg.RotationLeadTime)
	if err != nil || d <= 0 {
		return defaultRotationLeadTime
	}
	return d
}

func generatePrivateKey() ([]byte, error) {
	privateKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	keyDER, err := x509.MarshalECPrivateKey(privateKey)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), nil
}

func parsePrivateKey(pemBytes []byte) (*ecdsa.PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "EC PRIVATE KEY" {
		return nil, fmt.Errorf("failed to decode private key PEM")
	}
	return x509.ParseECPrivateKey(block.Bytes)
}

func parseCertificate(pemBytes []byte) (*x509.Certificate, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, fmt.Errorf("failed to decode certificate PEM")
	}
	return x509.ParseCertificate(block.Bytes)
}

// buildCSR builds a signing request binding the endpoint's advertised
// addresses and returns it with its fingerprint. The fingerprint is the
// SHA-256 digest of the request in DER form; issued certificates are matched
// back by this value rather than by order of arrival.
func buildCSR(cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint, keyPEM []byte) ([]byte, string, error) {
	privateKey, err := parsePrivateKey(keyPEM)
	if err != nil {
		return nil, "", fmt.Errorf("failed to parse private key: %w", err)
	}

	dnsNames, ipAddresses := buildEndpointSANs(cluster, endpoint)

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   fmt.Sprintf("%s.%s.svc", cluster.Name, cluster.Namespace),
			Organization: []string{"etcd-operator"},
		},
		DNSNames:    dnsNames,
		IPAddresses: ipAddresses,
	}

	csrDER, err := x509.CreateCertificateRequest(rand.Reader, template, privateKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create signing request: %w", err)
	}

	csrPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: csrDER})
	sum := sha256.Sum256(csrDER)
	return csrPEM, fmt.Sprintf("%x", sum[:]), nil
}

// buildEndpointSANs computes the advertised addresses for one endpoint. Pod
// IPs are excluded: they change whenever a pod is recreated and would force
// needless rotations. The stable StatefulSet DNS entries cover every member.
func buildEndpointSANs(cluster *etcdv1alpha1.EtcdCluster, endpoint etcdv1alpha1.TrustEndpoint) ([]string, []net.IP) {
	cfg := endpointConfig(cluster, endpoint)

	dnsSet := map[string]struct{}{}
	ipSet := map[string]struct{}{}

	addDNS := func(name string) {
		name = strings.TrimSpace(name)
		if name == "" {
			return
		}
		dnsSet[name] = struct{}{}
	}
	addIP := func(ip net.IP) {
		if ip == nil {
			return
		}
		ipSet[ip.String()] = struct{}{}
	}

	addDNS("localhost")
	addIP(net.ParseIP("127.0.0.1"))

	name, namespace := cluster.Name, cluster.Namespace
	addDNS(fmt.Sprintf("%s.%s.svc", name, namespace))
	addDNS(fmt.Sprintf("%s.%s.svc.cluster.local", name, namespace))
	addDNS(fmt.Sprintf("*.%s.%s.svc", name, namespace))
	addDNS(fmt.Sprintf("*.%s.%s.svc.cluster.local", name, namespace))

	for i := int32(0); i < cluster.Spec.Topology.Replicas; i++ {
		addDNS(fmt.Sprintf("%s-%d.%s.%s.svc", name, i, name, namespace))
		addDNS(fmt.Sprintf("%s-%d.%s.%s.svc.cluster.local", name, i, name, namespace))
	}

	for _, san := range cfg.ExtraSANs {
		if ip := net.ParseIP(san); ip != nil {
			addIP(ip)
			continue
		}
		addDNS(san)
	}

	dnsNames := make([]string, 0, len(dnsSet))
	for n := range dnsSet {
		dnsNames = append(dnsNames, n)
	}
	ipAddresses := make([]net.IP, 0, len(ipSet))
	for key := range ipSet {
		ipAddresses = append(ipAddresses, net.ParseIP(key))
	}

	return dnsNames, ipAddresses
}
