package fsy

import "errors"

var (
	// ErrConfigInvalid marks configuration that cannot be loaded. Fatal at startup.
	ErrConfigInvalid = errors.New("invalid configuration")

	// ErrUnknownTrustee is returned when a trustee name or node id has no
	// entry in the trust store.
	ErrUnknownTrustee = errors.New("unknown trustee")

	// ErrNotFound is returned when a target group does not exist locally.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized rejects a message from a trustee the target group does
	// not list in the required direction.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransferInProgress is routine contention: another apply holds the
	// group's lock. The sender retries on its next push tick or pull poll.
	ErrTransferInProgress = errors.New("transfer in progress")

	// ErrIntegrityMismatch means received content did not hash to the
	// declared content hash.
	ErrIntegrityMismatch = errors.New("integrity mismatch")

	// ErrApplyFailed wraps I/O failures while receiving or swapping.
	ErrApplyFailed = errors.New("apply failed")

	// ErrUnreachable wraps transport failures reaching a peer.
	ErrUnreachable = errors.New("peer unreachable")
)
