package fsy

import "time"

// GroupState is the persisted last-known version of one member.
type GroupState struct {
	Group     string
	Path      string
	Version   Version
	Source    Source
	UpdatedAt time.Time
}

func (s *GroupState) Member() Member { return Member{Group: s.Group, Path: s.Path} }

// TransferRecord is a finished transfer as kept in history.
type TransferRecord struct {
	ID         string
	Group      string
	Path       string
	Trustee    string
	Kind       TransferKind
	Direction  Direction
	Hash       string
	Outcome    Outcome
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
}

func (r *TransferRecord) Member() Member { return Member{Group: r.Group, Path: r.Path} }

// StateStore persists member versions and transfer history across restarts.
type StateStore interface {
	// GetGroupState returns nil, nil for a member with no recorded version.
	GetGroupState(m Member) (*GroupState, error)
	// ListGroupStates returns every member's state ordered by group and path.
	ListGroupStates() ([]*GroupState, error)
	PutGroupState(st *GroupState) error

	RecordTransfer(rec *TransferRecord) error
	// ListTransfers returns the most recent transfers, newest first.
	ListTransfers(limit int) ([]*TransferRecord, error)

	Close() error
}
