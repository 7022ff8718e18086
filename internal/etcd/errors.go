package etcd

import (
	"errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"

	operatorerrors "github.com/quorumkit/etcd-operator/internal/errors"
)

// The store distinguishes a small set of terminal conditions from everything
// else; everything else is treated as transient and retried.

// IsNameCollision reports whether the store rejected an add because a member
// with the same name or peer URL already exists.
func IsNameCollision(err error) bool {
	return errors.Is(err, rpctypes.ErrMemberExist) || errors.Is(err, rpctypes.ErrPeerURLExist)
}

// IsQuorumUnsafe reports whether the store itself rejected a membership
// change as unsafe for the current cluster health.
func IsQuorumUnsafe(err error) bool {
	return errors.Is(err, rpctypes.ErrUnhealthy) || errors.Is(err, rpctypes.ErrMemberNotEnoughStarted)
}

// IsMemberNotFound reports whether the store has no member with the given ID.
// A remove racing another reconciler can observe this; it means the removal
// already happened and is not an error for an idempotent pass.
func IsMemberNotFound(err error) bool {
	return errors.Is(err, rpctypes.ErrMemberNotFound)
}

// IsLearnerNotReady reports whether a promotion was refused because the
// learner's log has not caught up yet. The promotion is simply retried on a
// later pass.
func IsLearnerNotReady(err error) bool {
	return errors.Is(err, rpctypes.ErrMemberLearnerNotReady)
}

// IsAuthFailed reports whether the store rejected the session credential.
// Retrying with the same credential cannot help; the caller has to
// re-authenticate with a different one.
func IsAuthFailed(err error) bool {
	return errors.Is(err, rpctypes.ErrAuthFailed) || errors.Is(err, rpctypes.ErrInvalidAuthToken)
}

func isUserExists(err error) bool {
	return errors.Is(err, rpctypes.ErrUserAlreadyExist)
}

func isTerminalStoreError(err error) bool {
	return IsNameCollision(err) || IsQuorumUnsafe(err) || IsMemberNotFound(err) || IsLearnerNotReady(err) || IsAuthFailed(err)
}

// classifyStoreError maps a store RPC failure onto the operator taxonomy.
// Terminal store errors pass through unchanged so callers can match them;
// anything else is a transient connection failure.
func classifyStoreError(err error) error {
	if err == nil {
		return nil
	}

	if isTerminalStoreError(err) {
		return err
	}

	return operatorerrors.WrapTransientConnection(err)
}
