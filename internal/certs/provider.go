package certs

import "context"

// IssuedCertificate is the provider's response to a signing request.
type IssuedCertificate struct {
	// CertificatePEM is the signed leaf certificate.
	CertificatePEM []byte
	// CAChainPEM is the issuing chain presented to transport peers.
	CAChainPEM []byte
}

// Provider is the external certificate authority interface. The operator is
// a requester and consumer of certificates, never an issuer.
//
// Issuance is asynchronous: SubmitCSR hands the request off and FetchIssued
// is polled with the request's fingerprint on later passes. Matching is by
// fingerprint, not arrival order, because several requests can be in flight
// across rotations.
type Provider interface {
	// SubmitCSR submits a PEM-encoded signing request. Submitting the same
	// request twice is harmless.
	SubmitCSR(ctx context.Context, csrPEM []byte) error
	// FetchIssued returns the issued certificate for the request with the
	// given fingerprint, or false while the provider has not signed it yet.
	FetchIssued(ctx context.Context, fingerprint string) (*IssuedCertificate, bool, error)
	// Revoke asks the provider to revoke a previously issued certificate.
	// Best effort; local use stops regardless of the outcome.
	Revoke(ctx context.Context, certPEM []byte) error
}
