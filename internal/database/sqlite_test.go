package database

import (
	"path/filepath"
	"testing"
	"time"

	"fsy-go/internal/config"
	"fsy-go/internal/fsy"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

var epoch = time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

func TestSQLiteStore_GroupState(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	got, err := s.GetGroupState(fsy.Member{Group: "notes"})
	if err != nil {
		t.Fatalf("GetGroupState() error = %v", err)
	}
	if got != nil {
		t.Fatalf("GetGroupState() on empty store = %+v, want nil", got)
	}

	first := &fsy.GroupState{
		Group:     "notes",
		Version:   fsy.Version{Hash: "aaa", Timestamp: epoch.Add(123 * time.Nanosecond)},
		Source:    fsy.LocalSource(),
		UpdatedAt: epoch,
	}
	if err := s.PutGroupState(first); err != nil {
		t.Fatalf("PutGroupState() error = %v", err)
	}

	second := &fsy.GroupState{
		Group:     "notes",
		Version:   fsy.Version{Hash: "bbb", Timestamp: epoch.Add(time.Second)},
		Source:    fsy.RemoteSource("laptop"),
		UpdatedAt: epoch.Add(time.Second),
	}
	if err := s.PutGroupState(second); err != nil {
		t.Fatalf("PutGroupState() overwrite error = %v", err)
	}

	got, err = s.GetGroupState(fsy.Member{Group: "notes"})
	if err != nil {
		t.Fatalf("GetGroupState() error = %v", err)
	}
	if got.Version.Hash != "bbb" {
		t.Errorf("Hash = %q, want %q", got.Version.Hash, "bbb")
	}
	if !got.Version.Timestamp.Equal(second.Version.Timestamp) {
		t.Errorf("Timestamp = %v, want %v", got.Version.Timestamp, second.Version.Timestamp)
	}
	if got.Source != fsy.RemoteSource("laptop") {
		t.Errorf("Source = %v, want remote:laptop", got.Source)
	}
}

func TestSQLiteStore_ListGroupStates(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for _, m := range []fsy.Member{{Group: "b"}, {Group: "a", Path: "z.txt"}, {Group: "c"}, {Group: "a", Path: "sub/m.txt"}} {
		st := &fsy.GroupState{Group: m.Group, Path: m.Path, Version: fsy.Version{Hash: m.String(), Timestamp: epoch}, Source: fsy.LocalSource(), UpdatedAt: epoch}
		if err := s.PutGroupState(st); err != nil {
			t.Fatalf("PutGroupState(%s) error = %v", m, err)
		}
	}

	states, err := s.ListGroupStates()
	if err != nil {
		t.Fatalf("ListGroupStates() error = %v", err)
	}
	want := []fsy.Member{{Group: "a", Path: "sub/m.txt"}, {Group: "a", Path: "z.txt"}, {Group: "b"}, {Group: "c"}}
	if len(states) != len(want) {
		t.Fatalf("len(ListGroupStates()) = %d, want %d", len(states), len(want))
	}
	for i, w := range want {
		if states[i].Member() != w {
			t.Errorf("states[%d] = %s, want %s", i, states[i].Member(), w)
		}
	}

	got, err := s.GetGroupState(fsy.Member{Group: "a", Path: "z.txt"})
	if err != nil || got == nil || got.Version.Hash != "a:z.txt" {
		t.Errorf("GetGroupState(a:z.txt) = %+v, %v", got, err)
	}
	if got, _ := s.GetGroupState(fsy.Member{Group: "a"}); got != nil {
		t.Errorf("GetGroupState(a) = %+v, want nil for the group root", got)
	}
}

func TestSQLiteStore_Transfers(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)

	for i := 0; i < 5; i++ {
		rec := &fsy.TransferRecord{
			ID:         string(rune('a' + i)),
			Group:      "notes",
			Path:       "sub/n.txt",
			Trustee:    "laptop",
			Kind:       fsy.KindPull,
			Direction:  fsy.Inbound,
			Hash:       "abc",
			Outcome:    fsy.OutcomeApplied,
			StartedAt:  epoch.Add(time.Duration(i) * time.Minute),
			FinishedAt: epoch.Add(time.Duration(i)*time.Minute + time.Second),
		}
		if i == 4 {
			rec.Kind, rec.Direction = fsy.KindPush, fsy.Outbound
			rec.Outcome, rec.Error = fsy.OutcomeFailed, "peer unreachable"
		}
		if err := s.RecordTransfer(rec); err != nil {
			t.Fatalf("RecordTransfer() error = %v", err)
		}
	}

	got, err := s.ListTransfers(3)
	if err != nil {
		t.Fatalf("ListTransfers() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len(ListTransfers(3)) = %d, want 3", len(got))
	}
	newest := got[0]
	if newest.ID != "e" {
		t.Errorf("newest.ID = %q, want %q", newest.ID, "e")
	}
	if newest.Kind != fsy.KindPush || newest.Direction != fsy.Outbound {
		t.Errorf("newest kind/direction = %v/%v, want push/outbound", newest.Kind, newest.Direction)
	}
	if newest.Error != "peer unreachable" || newest.Outcome != fsy.OutcomeFailed {
		t.Errorf("newest outcome = %q (%q)", newest.Outcome, newest.Error)
	}
	if newest.Path != "sub/n.txt" {
		t.Errorf("newest.Path = %q, want %q", newest.Path, "sub/n.txt")
	}
	if got[2].ID != "c" || got[2].Kind != fsy.KindPull || got[2].Direction != fsy.Inbound {
		t.Errorf("got[2] = %+v, want pull/inbound c", got[2])
	}

	if err := s.RecordTransfer(&fsy.TransferRecord{ID: "a"}); err == nil {
		t.Error("RecordTransfer() with duplicate id should return error")
	}
}

func TestNewStateStoreFromConfig(t *testing.T) {
	t.Parallel()

	t.Run("sqlite file per node", func(t *testing.T) {
		t.Parallel()
		dir := filepath.Join(t.TempDir(), "db")
		store, err := NewStateStoreFromConfig(config.DatabaseConfig{Type: "sqlite", DataDir: dir}, "nodeabc")
		if err != nil {
			t.Fatalf("NewStateStoreFromConfig() error = %v", err)
		}
		defer store.Close()

		if got := store.(*SQLiteStore).path; got != filepath.Join(dir, "nodeabc.db") {
			t.Errorf("path = %q, want %q", got, filepath.Join(dir, "nodeabc.db"))
		}
	})

	t.Run("sqlite requires data dir", func(t *testing.T) {
		t.Parallel()
		if _, err := NewStateStoreFromConfig(config.DatabaseConfig{Type: "sqlite"}, "n"); err == nil {
			t.Error("NewStateStoreFromConfig() without data_dir should return error")
		}
	})

	t.Run("memory", func(t *testing.T) {
		t.Parallel()
		store, err := NewStateStoreFromConfig(config.DatabaseConfig{Type: "memory"}, "n")
		if err != nil {
			t.Fatalf("NewStateStoreFromConfig() error = %v", err)
		}
		store.Close()
	})

	t.Run("unknown type", func(t *testing.T) {
		t.Parallel()
		if _, err := NewStateStoreFromConfig(config.DatabaseConfig{Type: "postgres"}, "n"); err == nil {
			t.Error("NewStateStoreFromConfig() with unknown type should return error")
		}
	})
}
