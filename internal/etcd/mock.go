package etcd

import (
	"context"
	"io"
	"strings"
)

// MockAPI is a mock implementation of API for testing. It allows tests to
// control the behavior of store operations without a live cluster, and records
// membership mutations so idempotence can be asserted.
type MockAPI struct {
	// ListMembersFunc controls the behavior of ListMembers
	ListMembersFunc func(ctx context.Context) ([]Member, error)
	// AddMemberFunc controls the behavior of AddMember
	AddMemberFunc func(ctx context.Context, peerURL string, learner bool) (*Member, error)
	// RemoveMemberFunc controls the behavior of RemoveMember
	RemoveMemberFunc func(ctx context.Context, id uint64) error
	// PromoteMemberFunc controls the behavior of PromoteMember
	PromoteMemberFunc func(ctx context.Context, id uint64) error
	// EndpointStatusFunc controls the behavior of EndpointStatus
	EndpointStatusFunc func(ctx context.Context, endpoint string) (*EndpointStatus, error)
	// MemberHealthFunc controls the behavior of MemberHealth
	MemberHealthFunc func(ctx context.Context, clientURL string) Health
	// EnableAuthFunc controls the behavior of EnableAuth
	EnableAuthFunc func(ctx context.Context) error
	// EnsureUserFunc controls the behavior of EnsureUser
	EnsureUserFunc func(ctx context.Context, name, password string) error
	// SnapshotFunc controls the behavior of Snapshot
	SnapshotFunc func(ctx context.Context) (io.ReadCloser, error)

	// AddedPeerURLs records every AddMember call.
	AddedPeerURLs []string
	// RemovedIDs records every RemoveMember call.
	RemovedIDs []uint64
	// PromotedIDs records every PromoteMember call.
	PromotedIDs []uint64
}

var _ API = (*MockAPI)(nil)

// ListMembers implements API.
func (m *MockAPI) ListMembers(ctx context.Context) ([]Member, error) {
	if m.ListMembersFunc != nil {
		return m.ListMembersFunc(ctx)
	}
	return nil, nil
}

// AddMember implements API.
func (m *MockAPI) AddMember(ctx context.Context, peerURL string, learner bool) (*Member, error) {
	m.AddedPeerURLs = append(m.AddedPeerURLs, peerURL)
	if m.AddMemberFunc != nil {
		return m.AddMemberFunc(ctx, peerURL, learner)
	}
	return &Member{ID: uint64(len(m.AddedPeerURLs)), PeerURLs: []string{peerURL}, IsLearner: learner}, nil
}

// RemoveMember implements API.
func (m *MockAPI) RemoveMember(ctx context.Context, id uint64) error {
	m.RemovedIDs = append(m.RemovedIDs, id)
	if m.RemoveMemberFunc != nil {
		return m.RemoveMemberFunc(ctx, id)
	}
	return nil
}

// PromoteMember implements API.
func (m *MockAPI) PromoteMember(ctx context.Context, id uint64) error {
	m.PromotedIDs = append(m.PromotedIDs, id)
	if m.PromoteMemberFunc != nil {
		return m.PromoteMemberFunc(ctx, id)
	}
	return nil
}

// EndpointStatus implements API.
func (m *MockAPI) EndpointStatus(ctx context.Context, endpoint string) (*EndpointStatus, error) {
	if m.EndpointStatusFunc != nil {
		return m.EndpointStatusFunc(ctx, endpoint)
	}
	return &EndpointStatus{}, nil
}

// MemberHealth implements API.
func (m *MockAPI) MemberHealth(ctx context.Context, clientURL string) Health {
	if m.MemberHealthFunc != nil {
		return m.MemberHealthFunc(ctx, clientURL)
	}
	return HealthHealthy
}

// EnableAuth implements API.
func (m *MockAPI) EnableAuth(ctx context.Context) error {
	if m.EnableAuthFunc != nil {
		return m.EnableAuthFunc(ctx)
	}
	return nil
}

// EnsureUser implements API.
func (m *MockAPI) EnsureUser(ctx context.Context, name, password string) error {
	if m.EnsureUserFunc != nil {
		return m.EnsureUserFunc(ctx, name, password)
	}
	return nil
}

// Snapshot implements API.
func (m *MockAPI) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	if m.SnapshotFunc != nil {
		return m.SnapshotFunc(ctx)
	}
	return io.NopCloser(strings.NewReader("")), nil
}

// Close implements API.
func (m *MockAPI) Close() error {
	return nil
}
