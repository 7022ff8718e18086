package certs

import (
	"context"
	"crypto/sha256"
	"encoding/pem"
	"fmt"

	certificatesv1 "k8s.io/api/certificates/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	operrors "github.com/quorumkit/etcd-operator/internal/errors"
)

// csrNamePrefix namespaces the operator's CertificateSigningRequest objects.
const csrNamePrefix = "etcd-operator-"

// KubernetesProvider implements Provider on top of the certificates.k8s.io
// CSR API. The operator submits requests and polls for the signed result; an
// external approver and signer own the actual issuance decision.
type KubernetesProvider struct {
	client     kubernetes.Interface
	signerName string
	// caChain is the signer's CA bundle handed out with every issued
	// certificate. The CSR API does not return it.
	caChain []byte
}

var _ Provider = (*KubernetesProvider)(nil)

// NewKubernetesProvider constructs a KubernetesProvider submitting to the
// given signer. caChain is the signer's CA bundle in PEM form.
func NewKubernetesProvider(client kubernetes.Interface, signerName string, caChain []byte) *KubernetesProvider {
	return &KubernetesProvider{client: client, signerName: signerName, caChain: caChain}
}

// requestFingerprint recomputes the fingerprint the manager derived for this
// request, so the CSR object name is stable across submissions.
func requestFingerprint(csrPEM []byte) (string, error) {
	block, _ := pem.Decode(csrPEM)
	if block == nil {
		return "", fmt.Errorf("signing request is not PEM encoded")
	}
	sum := sha256.Sum256(block.Bytes)
	return fmt.Sprintf("%x", sum[:]), nil
}

func csrName(fingerprint string) string {
	return csrNamePrefix + fingerprint[:16]
}

// SubmitCSR creates the CertificateSigningRequest object. Resubmitting the
// same request finds the existing object and succeeds.
func (p *KubernetesProvider) SubmitCSR(ctx context.Context, csrPEM []byte) error {
	fingerprint, err := requestFingerprint(csrPEM)
	if err != nil {
		return operrors.WrapCertificateProvider(err)
	}

	csr := &certificatesv1.CertificateSigningRequest{
		ObjectMeta: metav1.ObjectMeta{
			Name: csrName(fingerprint),
		},
		Spec: certificatesv1.CertificateSigningRequestSpec{
			Request:    csrPEM,
			SignerName: p.signerName,
			Usages: []certificatesv1.KeyUsage{
				certificatesv1.UsageDigitalSignature,
				certificatesv1.UsageKeyEncipherment,
				certificatesv1.UsageServerAuth,
				certificatesv1.UsageClientAuth,
			},
		},
	}

	_, err = p.client.CertificatesV1().CertificateSigningRequests().Create(ctx, csr, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return operrors.WrapCertificateProvider(fmt.Errorf("failed to create signing request %s: %w", csr.Name, err))
	}

	return nil
}

// FetchIssued returns the signed certificate once the signer has populated
// it. A denied or failed request surfaces as a provider error so the manager
// records it instead of waiting forever.
func (p *KubernetesProvider) FetchIssued(ctx context.Context, fingerprint string) (*IssuedCertificate, bool, error) {
	csr, err := p.client.CertificatesV1().CertificateSigningRequests().Get(ctx, csrName(fingerprint), metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return nil, false, nil
		}
		return nil, false, operrors.WrapCertificateProvider(fmt.Errorf("failed to get signing request for fingerprint %s: %w", fingerprint, err))
	}

	for _, cond := range csr.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case certificatesv1.CertificateDenied:
			return nil, false, operrors.WrapCertificateProvider(fmt.Errorf("signing request %s was denied: %s", csr.Name, cond.Message))
		case certificatesv1.CertificateFailed:
			return nil, false, operrors.WrapCertificateProvider(fmt.Errorf("signing request %s failed: %s", csr.Name, cond.Message))
		}
	}

	if len(csr.Status.Certificate) == 0 {
		return nil, false, nil
	}

	return &IssuedCertificate{
		CertificatePEM: csr.Status.Certificate,
		CAChainPEM:     p.caChain,
	}, true, nil
}

// Revoke is a no-op: the CSR API has no revocation. Rotation retires the old
// certificate by replacing it locally, which is all the manager requires.
func (p *KubernetesProvider) Revoke(ctx context.Context, certPEM []byte) error {
	return nil
}
