package fsy

import (
	"fmt"
	"time"
)

// TransferKind distinguishes pushes from pulls.
type TransferKind int

const (
	KindPush TransferKind = iota + 1
	KindPull
)

func (k TransferKind) String() string {
	switch k {
	case KindPush:
		return "push"
	case KindPull:
		return "pull"
	default:
		return "unknown"
	}
}

// Direction is which way the payload moves, seen from this node.
type Direction int

const (
	Outbound Direction = iota + 1
	Inbound
)

func (d Direction) String() string {
	switch d {
	case Outbound:
		return "outbound"
	case Inbound:
		return "inbound"
	default:
		return "unknown"
	}
}

// Outcome is what a completed transfer achieved.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeUnchanged Outcome = "unchanged"
	OutcomeStale     Outcome = "stale"
	OutcomeSent      Outcome = "sent"
	OutcomeFailed    Outcome = "failed"
)

// TransferState is one step of a transfer attempt.
type TransferState int

const (
	TransferIdle TransferState = iota
	TransferHandshaking
	TransferTransmitting
	TransferAwaitingAck
	TransferReceiving
	TransferApplying
	TransferComplete
	TransferFailed
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "idle"
	case TransferHandshaking:
		return "handshaking"
	case TransferTransmitting:
		return "transmitting"
	case TransferAwaitingAck:
		return "awaiting-ack"
	case TransferReceiving:
		return "receiving"
	case TransferApplying:
		return "applying"
	case TransferComplete:
		return "complete"
	case TransferFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are allowed.
func (s TransferState) Terminal() bool { return s == TransferComplete || s == TransferFailed }

var transitions = map[Direction]map[TransferState][]TransferState{
	Outbound: {
		TransferIdle:         {TransferHandshaking},
		TransferHandshaking:  {TransferTransmitting, TransferComplete},
		TransferTransmitting: {TransferAwaitingAck},
		TransferAwaitingAck:  {TransferComplete},
	},
	Inbound: {
		TransferIdle:        {TransferHandshaking, TransferReceiving, TransferComplete},
		TransferHandshaking: {TransferReceiving, TransferComplete},
		TransferReceiving:   {TransferApplying},
		TransferApplying:    {TransferComplete},
	},
}

// Transfer is one attempt to move a member's content to or from a trustee.
// A Transfer is owned by a single goroutine until it is finished.
type Transfer struct {
	ID         string
	Group      string
	Path       string
	Trustee    string
	Kind       TransferKind
	Direction  Direction
	Version    Version
	State      TransferState
	Outcome    Outcome
	Attempts   int
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

func NewTransfer(id, group, trustee string, kind TransferKind, dir Direction, startedAt time.Time) *Transfer {
	return &Transfer{
		ID:        id,
		Group:     group,
		Trustee:   trustee,
		Kind:      kind,
		Direction: dir,
		StartedAt: startedAt,
	}
}

func (t *Transfer) Member() Member { return Member{Group: t.Group, Path: t.Path} }

// Advance moves to next if the transition is legal for the direction.
func (t *Transfer) Advance(next TransferState) error {
	if t.State.Terminal() {
		return fmt.Errorf("transfer %s already %s", t.ID, t.State)
	}
	for _, allowed := range transitions[t.Direction][t.State] {
		if allowed == next {
			t.State = next
			return nil
		}
	}
	return fmt.Errorf("transfer %s: illegal transition %s -> %s", t.ID, t.State, next)
}

// Retry rewinds an outbound attempt to Handshaking for another try.
func (t *Transfer) Retry() error {
	if t.Direction != Outbound || t.State.Terminal() || t.State == TransferIdle {
		return fmt.Errorf("transfer %s cannot retry from %s", t.ID, t.State)
	}
	t.State = TransferHandshaking
	return nil
}

// Complete finishes the transfer successfully.
func (t *Transfer) Complete(outcome Outcome, at time.Time) error {
	if err := t.Advance(TransferComplete); err != nil {
		return err
	}
	t.Outcome = outcome
	t.FinishedAt = at
	return nil
}

// Fail finishes the transfer with err. Failing a terminal transfer is a no-op.
func (t *Transfer) Fail(err error, at time.Time) {
	if t.State.Terminal() {
		return
	}
	t.State = TransferFailed
	t.Outcome = OutcomeFailed
	t.Err = err
	t.FinishedAt = at
}

// Record converts the finished transfer for the history table.
func (t *Transfer) Record() *TransferRecord {
	rec := &TransferRecord{
		ID:         t.ID,
		Group:      t.Group,
		Path:       t.Path,
		Trustee:    t.Trustee,
		Kind:       t.Kind,
		Direction:  t.Direction,
		Hash:       t.Version.Hash,
		Outcome:    t.Outcome,
		StartedAt:  t.StartedAt,
		FinishedAt: t.FinishedAt,
	}
	if t.Err != nil {
		rec.Error = t.Err.Error()
	}
	return rec
}
