// Package etcd wraps the store's membership, health, and auth APIs behind a
// narrow interface the reconciler can consume and tests can mock.
package etcd

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"time"

	"github.com/flowchartsman/retry"
	clientv3 "go.etcd.io/etcd/client/v3"
	"golang.org/x/time/rate"

	"github.com/quorumkit/etcd-operator/internal/constants"
	operatorerrors "github.com/quorumkit/etcd-operator/internal/errors"
)

const (
	dialTimeout = 5 * time.Second

	// Transient store failures are retried a bounded number of times with
	// jittered exponential backoff before the invocation gives up and the
	// controller requeues.
	retryAttempts     = 3
	retryInitialDelay = 200 * time.Millisecond
	retryMaxDelay     = 2 * time.Second

	// Member-API calls are rate limited so that concurrent reconcilers on
	// the same store cannot stampede it.
	callRatePerSecond = 10
	callBurst         = 20
)

// Config carries everything needed to dial the store for one reconciliation
// invocation. Credentials are passed by value and fetched fresh by the caller
// each invocation; clients are never reused across the credential update
// boundary.
type Config struct {
	Endpoints []string
	// Username and Password authenticate as the internal admin identity.
	// Both empty before authentication has been enabled.
	Username string
	Password string
	// TLS is nil for unencrypted client transports.
	TLS *tls.Config
}

// Client implements API against a live store.
type Client struct {
	cli     *clientv3.Client
	limiter *rate.Limiter
}

var _ API = (*Client)(nil)

// New dials the store. Dial failures surface as transient connection errors.
func New(ctx context.Context, cfg Config) (*Client, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one store endpoint is required")
	}

	cli, err := clientv3.New(clientv3.Config{
		Context:     ctx,
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
		Username:    cfg.Username,
		Password:    cfg.Password,
		TLS:         cfg.TLS,
	})
	if err != nil {
		return nil, operatorerrors.WrapTransientConnection(
			fmt.Errorf("failed to dial store at %v: %w", cfg.Endpoints, err),
		)
	}

	return &Client{
		cli:     cli,
		limiter: rate.NewLimiter(rate.Limit(callRatePerSecond), callBurst),
	}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.cli.Close()
}

// call runs one store RPC with rate limiting, a per-attempt deadline, and
// bounded jittered retry on transient failures. Non-transient store errors
// (name collision, quorum unsafe, not found, auth rejection) stop the retry
// loop immediately. A hung endpoint can therefore hold up an invocation for
// at most the deadline times the attempt count, never indefinitely.
func (c *Client) call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return operatorerrors.WrapTransientConnection(err)
	}

	retrier := retry.NewRetrier(retryAttempts, retryInitialDelay, retryMaxDelay)
	return retrier.RunContext(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, constants.StoreCallTimeout)
		defer cancel()

		if err := fn(callCtx); err != nil {
			if isTerminalStoreError(err) {
				return retry.Stop(err)
			}
			return err
		}
		return nil
	})
}

// ListMembers implements API.
func (c *Client) ListMembers(ctx context.Context) ([]Member, error) {
	var members []Member
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.cli.MemberList(ctx)
		if err != nil {
			return err
		}

		members = make([]Member, 0, len(resp.Members))
		for _, m := range resp.Members {
			members = append(members, Member{
				ID:         m.ID,
				Name:       m.Name,
				PeerURLs:   m.PeerURLs,
				ClientURLs: m.ClientURLs,
				IsLearner:  m.IsLearner,
			})
		}
		return nil
	})
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to list members: %w", err))
	}

	return members, nil
}

// AddMember implements API.
func (c *Client) AddMember(ctx context.Context, peerURL string, learner bool) (*Member, error) {
	var added *Member
	err := c.call(ctx, func(ctx context.Context) error {
		var resp *clientv3.MemberAddResponse
		var err error
		if learner {
			resp, err = c.cli.MemberAddAsLearner(ctx, []string{peerURL})
		} else {
			resp, err = c.cli.MemberAdd(ctx, []string{peerURL})
		}
		if err != nil {
			return err
		}

		added = &Member{
			ID:        resp.Member.ID,
			Name:      resp.Member.Name,
			PeerURLs:  resp.Member.PeerURLs,
			IsLearner: resp.Member.IsLearner,
		}
		return nil
	})
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to add member with peer URL %s: %w", peerURL, err))
	}

	return added, nil
}

// RemoveMember implements API.
func (c *Client) RemoveMember(ctx context.Context, id uint64) error {
	err := c.call(ctx, func(ctx context.Context) error {
		_, err := c.cli.MemberRemove(ctx, id)
		return err
	})
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to remove member %x: %w", id, err))
	}

	return nil
}

// PromoteMember implements API.
func (c *Client) PromoteMember(ctx context.Context, id uint64) error {
	err := c.call(ctx, func(ctx context.Context) error {
		_, err := c.cli.MemberPromote(ctx, id)
		return err
	})
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to promote member %x: %w", id, err))
	}

	return nil
}

// EndpointStatus implements API.
func (c *Client) EndpointStatus(ctx context.Context, endpoint string) (*EndpointStatus, error) {
	var status *EndpointStatus
	err := c.call(ctx, func(ctx context.Context) error {
		resp, err := c.cli.Status(ctx, endpoint)
		if err != nil {
			return err
		}

		status = &EndpointStatus{
			MemberID:  resp.Header.MemberId,
			LeaderID:  resp.Leader,
			RaftIndex: resp.RaftIndex,
		}
		return nil
	})
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to get status of endpoint %s: %w", endpoint, err))
	}

	return status, nil
}

// MemberHealth implements API. A reachable endpoint reporting alarms is
// degraded; an unreachable one is unreachable. The probe itself never
// returns an error: reachability is the answer.
func (c *Client) MemberHealth(ctx context.Context, clientURL string) Health {
	statusCtx, cancel := context.WithTimeout(ctx, constants.StoreCallTimeout)
	defer cancel()
	if _, err := c.cli.Status(statusCtx, clientURL); err != nil {
		return HealthUnreachable
	}

	alarmCtx, cancelAlarms := context.WithTimeout(ctx, constants.StoreCallTimeout)
	defer cancelAlarms()
	resp, err := c.cli.AlarmList(alarmCtx)
	if err != nil {
		return HealthDegraded
	}
	if len(resp.Alarms) > 0 {
		return HealthDegraded
	}

	return HealthHealthy
}

// EnableAuth implements API.
func (c *Client) EnableAuth(ctx context.Context) error {
	err := c.call(ctx, func(ctx context.Context) error {
		_, err := c.cli.AuthEnable(ctx)
		return err
	})
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to enable authentication: %w", err))
	}

	return nil
}

// EnsureUser implements API. Creating an already existing user falls through
// to a password change, so the operation is idempotent.
func (c *Client) EnsureUser(ctx context.Context, name, password string) error {
	err := c.call(ctx, func(ctx context.Context) error {
		if _, err := c.cli.UserAdd(ctx, name, password); err != nil {
			if !isUserExists(err) {
				return err
			}
			if _, err := c.cli.UserChangePassword(ctx, name, password); err != nil {
				return err
			}
		}

		if _, err := c.cli.UserGrantRole(ctx, name, "root"); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return classifyStoreError(fmt.Errorf("failed to ensure user %s: %w", name, err))
	}

	return nil
}

// Snapshot implements API. The returned stream outlives the per-call
// deadline; the caller owns its lifetime and closes it when done.
func (c *Client) Snapshot(ctx context.Context) (io.ReadCloser, error) {
	rc, err := c.cli.Snapshot(ctx)
	if err != nil {
		return nil, classifyStoreError(fmt.Errorf("failed to open snapshot stream: %w", err))
	}

	return rc, nil
}
