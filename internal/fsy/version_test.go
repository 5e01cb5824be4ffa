package fsy

import (
	"testing"
	"time"
)

func TestVersion_Supersedes(t *testing.T) {
	earlier := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	later := earlier.Add(time.Millisecond)

	tests := []struct {
		name string
		v    Version
		cur  Version
		want bool
	}{
		{name: "anything beats nothing", v: Version{Hash: "aa", Timestamp: earlier}, cur: Version{}, want: true},
		{name: "nothing beats nothing", v: Version{}, cur: Version{}, want: false},
		{name: "later wins", v: Version{Hash: "aa", Timestamp: later}, cur: Version{Hash: "bb", Timestamp: earlier}, want: true},
		{name: "earlier loses", v: Version{Hash: "bb", Timestamp: earlier}, cur: Version{Hash: "aa", Timestamp: later}, want: false},
		{name: "tie larger hash wins", v: Version{Hash: "bb", Timestamp: earlier}, cur: Version{Hash: "aa", Timestamp: earlier}, want: true},
		{name: "tie smaller hash loses", v: Version{Hash: "aa", Timestamp: earlier}, cur: Version{Hash: "bb", Timestamp: earlier}, want: false},
		{name: "same version", v: Version{Hash: "aa", Timestamp: earlier}, cur: Version{Hash: "aa", Timestamp: earlier}, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.v.Supersedes(tt.cur); got != tt.want {
				t.Errorf("Supersedes() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSource_RoundTrip(t *testing.T) {
	for _, s := range []Source{LocalSource(), RemoteSource("laptop"), RemoteSource("with:colon")} {
		if got := ParseSource(s.String()); got != s {
			t.Errorf("ParseSource(%q) = %+v, want %+v", s.String(), got, s)
		}
	}
	if LocalSource().String() != "local" {
		t.Errorf("LocalSource().String() = %q", LocalSource().String())
	}
}
