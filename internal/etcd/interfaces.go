package etcd

import (
	"context"
	"io"
)

// API is the store membership surface consumed by the reconciler. The live
// membership list is the cluster's only linearization point: add and remove
// calls are where mutual exclusion happens, so every decision re-reads it
// through this interface instead of caching.
type API interface {
	// ListMembers returns the current cluster membership.
	ListMembers(ctx context.Context) ([]Member, error)
	// AddMember registers a new member with the given peer URL. When learner
	// is true the member joins without a vote and must be promoted later.
	AddMember(ctx context.Context, peerURL string, learner bool) (*Member, error)
	// RemoveMember removes the member with the given store-assigned ID.
	RemoveMember(ctx context.Context, id uint64) error
	// PromoteMember promotes a learner to voter. The store rejects the call
	// while the learner's log is not yet caught up.
	PromoteMember(ctx context.Context, id uint64) error
	// EndpointStatus reports raft progress of a single endpoint.
	EndpointStatus(ctx context.Context, endpoint string) (*EndpointStatus, error)
	// MemberHealth probes one member's client endpoint.
	MemberHealth(ctx context.Context, clientURL string) Health
	// EnableAuth turns on authentication for the whole cluster.
	EnableAuth(ctx context.Context) error
	// EnsureUser creates or updates the given user's password and grants it
	// the root role.
	EnsureUser(ctx context.Context, name, password string) error
	// Snapshot streams a consistent snapshot of the store's backend.
	Snapshot(ctx context.Context) (io.ReadCloser, error)
	// Close releases the underlying connection.
	Close() error
}

// Member mirrors one entry of the store's member list.
type Member struct {
	// ID is the store-assigned identifier.
	ID uint64
	// Name is empty for members that have not started yet.
	Name       string
	PeerURLs   []string
	ClientURLs []string
	IsLearner  bool
}

// EndpointStatus is the subset of the store's status response the reconciler
// consumes for leader lookup and learner promotion decisions.
type EndpointStatus struct {
	MemberID  uint64
	LeaderID  uint64
	RaftIndex uint64
}

// IsLeader reports whether the probed endpoint currently holds raft leadership.
func (s *EndpointStatus) IsLeader() bool {
	return s.MemberID == s.LeaderID && s.MemberID != 0
}

// Health is the observed reachability of a member endpoint.
type Health string

const (
	HealthHealthy     Health = "healthy"
	HealthDegraded    Health = "degraded"
	HealthUnreachable Health = "unreachable"
)
