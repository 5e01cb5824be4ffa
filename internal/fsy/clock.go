package fsy

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Clock abstracts time and tickers so the scheduler is deterministic in tests.
type Clock = clockwork.Clock

// IDGenerator abstracts unique ID generation so tests are deterministic.
type IDGenerator interface {
	New() string
}

// UUIDGenerator produces random UUIDs.
type UUIDGenerator struct{}

func (UUIDGenerator) New() string { return uuid.New().String() }

// backoffTimer runs retry waits on an engine clock, so fake clocks in tests
// control them.
type backoffTimer struct {
	clock Clock
	timer clockwork.Timer
}

func (t *backoffTimer) Start(d time.Duration) {
	t.Stop()
	t.timer = t.clock.NewTimer(d)
}

func (t *backoffTimer) Stop() {
	if t.timer != nil {
		t.timer.Stop()
	}
}

func (t *backoffTimer) C() <-chan time.Time { return t.timer.Chan() }
