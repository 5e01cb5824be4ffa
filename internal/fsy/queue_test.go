package fsy

import (
	"errors"
	"testing"
	"time"
)

func TestEventQueue_DrainOrder(t *testing.T) {
	q := NewEventQueue(4)
	for _, p := range []string{"/a", "/b", "/c"} {
		if lost := q.Push(FileChanged{Path: p}); lost != nil {
			t.Fatalf("Push(%s) overwrote %v", p, lost)
		}
	}
	if q.Len() != 3 {
		t.Fatalf("Len() = %d, want 3", q.Len())
	}

	got := q.Drain()
	if len(got) != 3 {
		t.Fatalf("Drain() returned %d events, want 3", len(got))
	}
	for i, want := range []string{"/a", "/b", "/c"} {
		if p := got[i].(FileChanged).Path; p != want {
			t.Errorf("event %d = %s, want %s", i, p, want)
		}
	}
	if q.Len() != 0 {
		t.Errorf("Len() after Drain = %d, want 0", q.Len())
	}
}

func TestEventQueue_OverwritesOldest(t *testing.T) {
	q := NewEventQueue(2)
	q.Push(FileChanged{Path: "/1"})
	q.Push(FileChanged{Path: "/2"})

	lost := q.Push(FileChanged{Path: "/3"})
	if lost == nil || lost.(FileChanged).Path != "/1" {
		t.Fatalf("Push() overwrote %v, want /1", lost)
	}

	got := q.Drain()
	if len(got) != 2 || got[0].(FileChanged).Path != "/2" || got[1].(FileChanged).Path != "/3" {
		t.Errorf("Drain() = %v, want [/2 /3]", got)
	}
}

func TestEventQueue_WrapsAround(t *testing.T) {
	q := NewEventQueue(3)
	q.Push(FileChanged{Path: "/1"})
	q.Push(FileChanged{Path: "/2"})
	q.Drain()

	for _, p := range []string{"/3", "/4", "/5"} {
		q.Push(FileChanged{Path: p})
	}
	got := q.Drain()
	if len(got) != 3 || got[0].(FileChanged).Path != "/3" || got[2].(FileChanged).Path != "/5" {
		t.Errorf("Drain() = %v, want [/3 /4 /5]", got)
	}
}

func TestEngine_OverflowRejectsWaitingCaller(t *testing.T) {
	e := &Engine{queue: NewEventQueue(1), logger: NewNopLogger()}

	first := &applyRequest{offer: Offer{Group: "notes"}, reply: make(chan applyAdmission, 1)}
	e.enqueue(first)
	e.enqueue(FileChanged{Path: "/sync/notes.txt", At: time.Now()})

	select {
	case adm := <-first.reply:
		if !errors.Is(adm.err, ErrTransferInProgress) {
			t.Errorf("rejected admission error = %v, want ErrTransferInProgress", adm.err)
		}
	default:
		t.Fatal("overwritten request was not answered")
	}
}
