package errors

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/quorumkit/etcd-operator/internal/constants"
)

// Transient errors indicate temporary conditions that should be retried.
// These errors typically result in requeue with a delay.

// ErrTransientConnection indicates a transient connection error that should be retried.
// This includes timeouts, connection refused, DNS resolution failures, and network unreachable errors.
var ErrTransientConnection = errors.New("transient connection error")

// ErrTransientKubernetesAPI indicates a transient Kubernetes API error that should be retried.
// This includes rate limiting, temporary server errors, and network issues.
var ErrTransientKubernetesAPI = errors.New("transient Kubernetes API error")

// ErrQuorumViolation indicates a membership change was rejected locally
// because it would drop alive voters below floor(n/2)+1. It is never retried
// automatically; the desired topology has to change first.
var ErrQuorumViolation = errors.New("quorum violation")

// ErrClusterIdentityMismatch indicates a reused data volume carries identity
// markers from a different logical cluster. The join is refused until an
// operator explicitly confirms it; auto-resolving would risk data corruption
// or split-brain with stale raft state.
var ErrClusterIdentityMismatch = errors.New("cluster identity mismatch")

// ErrCredentialApplyFailure indicates the store did not accept a credential
// update. The previous credential remains authoritative; the update is
// retried, never dropped.
var ErrCredentialApplyFailure = errors.New("credential apply failure")

// ErrCertificateProvider indicates the external certificate provider failed
// or is unavailable. The endpoint keeps its last-known-good certificate while
// it is still within validity.
var ErrCertificateProvider = errors.New("certificate provider error")

// IsTransientConnection checks if an error is a transient connection error.
// This includes network timeouts, connection refused, DNS failures, and similar issues.
func IsTransientConnection(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransientConnection) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"connection refused",
		"connection reset",
		"connection timeout",
		"context deadline exceeded",
		"timeout",
		"i/o timeout",
		"no such host",
		"network is unreachable",
		"temporary failure",
		"dial tcp",
		"connection closed",
		"broken pipe",
		"etcdserver: request timed out",
		"etcdserver: leader changed",
		"etcdserver: too many requests",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

// IsTransientKubernetesAPI checks if an error is a transient Kubernetes API error.
func IsTransientKubernetesAPI(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, ErrTransientKubernetesAPI) {
		return true
	}

	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"rate limit",
		"too many requests",
		"server error",
		"service unavailable",
		"internal server error",
		"context deadline exceeded",
		"timeout",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// WrapTransientConnection wraps an error as a transient connection error.
// If the error is already a transient connection error, it is returned as-is.
func WrapTransientConnection(err error) error {
	if err == nil {
		return nil
	}

	if IsTransientConnection(err) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransientConnection, err)
}

// WrapTransientKubernetesAPI wraps an error as a transient Kubernetes API error.
func WrapTransientKubernetesAPI(err error) error {
	if err == nil {
		return nil
	}

	if IsTransientKubernetesAPI(err) {
		return err
	}

	return fmt.Errorf("%w: %w", ErrTransientKubernetesAPI, err)
}

// WrapQuorumViolation wraps an error as a quorum violation.
func WrapQuorumViolation(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrQuorumViolation, err)
}

// WrapClusterIdentityMismatch wraps an error as a cluster identity mismatch.
func WrapClusterIdentityMismatch(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrClusterIdentityMismatch, err)
}

// WrapCredentialApplyFailure wraps an error as a credential apply failure.
func WrapCredentialApplyFailure(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrCredentialApplyFailure, err)
}

// WrapCertificateProvider wraps an error as a certificate provider error.
func WrapCertificateProvider(err error) error {
	if err == nil {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrCertificateProvider, err)
}

// IsTransient checks if an error is transient (should be retried).
// Returns true for transient connection or Kubernetes API errors, and for
// credential apply and certificate provider failures, which are retried with
// backoff rather than surfaced immediately.
func IsTransient(err error) bool {
	return IsTransientConnection(err) ||
		IsTransientKubernetesAPI(err) ||
		errors.Is(err, ErrCredentialApplyFailure) ||
		errors.Is(err, ErrCertificateProvider)
}

// IsBlocked checks if an error requires operator intervention.
// Blocked errors are surfaced as conditions and never retried automatically.
func IsBlocked(err error) bool {
	if err == nil {
		return false
	}

	return errors.Is(err, ErrQuorumViolation) || errors.Is(err, ErrClusterIdentityMismatch)
}

// ShouldRequeue determines if an error should trigger a requeue.
// Transient errors should requeue; blocked errors should not.
// Returns (shouldRequeue, requeueAfter).
func ShouldRequeue(err error) (bool, time.Duration) {
	if err == nil {
		return false, 0
	}

	if IsBlocked(err) {
		return false, 0
	}

	if IsTransient(err) {
		return true, constants.RequeueShort
	}

	// For unknown errors, default to requeue (controller-runtime will handle backoff)
	return true, 0
}
