package certs

import (
	"context"
	"sync"
)

// MockProvider is a configurable Provider implementation for tests.
type MockProvider struct {
	mu sync.Mutex

	// SubmitCSRFunc overrides SubmitCSR behavior.
	SubmitCSRFunc func(ctx context.Context, csrPEM []byte) error
	// FetchIssuedFunc overrides FetchIssued behavior.
	FetchIssuedFunc func(ctx context.Context, fingerprint string) (*IssuedCertificate, bool, error)
	// RevokeFunc overrides Revoke behavior.
	RevokeFunc func(ctx context.Context, certPEM []byte) error

	// Submitted records every CSR handed to SubmitCSR.
	Submitted [][]byte
	// Revoked records every certificate handed to Revoke.
	Revoked [][]byte
	// Issued maps request fingerprints to certificates FetchIssued returns
	// when FetchIssuedFunc is unset.
	Issued map[string]*IssuedCertificate
}

var _ Provider = (*MockProvider)(nil)

func (m *MockProvider) SubmitCSR(ctx context.Context, csrPEM []byte) error {
	m.mu.Lock()
	m.Submitted = append(m.Submitted, csrPEM)
	m.mu.Unlock()

	if m.SubmitCSRFunc != nil {
		return m.SubmitCSRFunc(ctx, csrPEM)
	}
	return nil
}

func (m *MockProvider) FetchIssued(ctx context.Context, fingerprint string) (*IssuedCertificate, bool, error) {
	if m.FetchIssuedFunc != nil {
		return m.FetchIssuedFunc(ctx, fingerprint)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	issued, ok := m.Issued[fingerprint]
	return issued, ok, nil
}

func (m *MockProvider) Revoke(ctx context.Context, certPEM []byte) error {
	m.mu.Lock()
	m.Revoked = append(m.Revoked, certPEM)
	m.mu.Unlock()

	if m.RevokeFunc != nil {
		return m.RevokeFunc(ctx, certPEM)
	}
	return nil
}

// SubmittedCount returns how many CSRs were submitted.
func (m *MockProvider) SubmittedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Submitted)
}
