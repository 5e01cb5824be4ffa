package fsy

import (
	"io"
	"time"
)

// LockState is the lifecycle of one apply.
type LockState int

const (
	LockAcquiring LockState = iota
	LockReceiving
	LockSwapping
	LockCoolingDown
	LockReleased
	LockFailed
)

func (s LockState) String() string {
	switch s {
	case LockAcquiring:
		return "acquiring"
	case LockReceiving:
		return "receiving"
	case LockSwapping:
		return "swapping"
	case LockCoolingDown:
		return "cooling-down"
	case LockReleased:
		return "released"
	case LockFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Held reports whether the state still excludes other applies.
func (s LockState) Held() bool { return s != LockReleased && s != LockFailed }

// Writing reports whether the engine itself is writing next to the path.
func (s LockState) Writing() bool {
	return s == LockAcquiring || s == LockReceiving || s == LockSwapping
}

// LockRecord tracks one apply for one member. At most one record per
// member is Held at any time.
type LockRecord struct {
	Group       string
	Path        string
	LockPath    string
	SwapPath    string
	State       LockState
	AppliedHash string
	CreatedAt   time.Time
	SwappedAt   time.Time
	ReleasedAt  time.Time
}

func (r LockRecord) Member() Member { return Member{Group: r.Group, Path: r.Path} }

// LockManager serializes applies per member and replaces files atomically.
type LockManager interface {
	// Acquire claims the member whose file is localPath, writes the lock
	// marker and an empty swap file. It fails with ErrTransferInProgress
	// while another record for the member is Held.
	Acquire(m Member, localPath string) (Lease, error)

	// Busy reports whether an apply is currently writing for m.
	Busy(m Member) bool

	// GroupBusy reports whether any member of group is being written.
	GroupBusy(group string) bool

	// AppliedRecently reports whether hash is the content most recently
	// swapped in for m and the cooldown window has not elapsed.
	AppliedRecently(m Member, hash string) bool

	// Record returns the latest record for m.
	Record(m Member) (LockRecord, bool)

	// Sweep releases records whose cooldown elapsed and returns them.
	Sweep() []LockRecord

	// Recover cleans lock markers and swap files left by a previous process,
	// searching below the root of directory groups.
	Recover(groups []*TargetGroup) error
}

// Lease is a claimed apply. Exactly one of Commit or Abort ends it; Receive
// and Commit abort the lease themselves on failure.
type Lease interface {
	// Receive streams r into the swap file. Failures wrap ErrApplyFailed.
	Receive(r io.Reader) (int64, error)

	// Commit verifies the received content against hash and renames the swap
	// file over the local path.
	Commit(hash string) error

	// Abort discards the swap file and lock marker.
	Abort(cause error)

	Record() LockRecord
}
