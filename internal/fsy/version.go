package fsy

import (
	"strings"
	"time"
)

// Source records where a group's current content came from.
type Source struct {
	Remote  bool
	Trustee string
}

// LocalSource is a change observed on the local filesystem.
func LocalSource() Source { return Source{} }

// RemoteSource is a change applied from trustee.
func RemoteSource(trustee string) Source { return Source{Remote: true, Trustee: trustee} }

func (s Source) String() string {
	if !s.Remote {
		return "local"
	}
	return "remote:" + s.Trustee
}

// ParseSource is the inverse of Source.String.
func ParseSource(s string) Source {
	if name, ok := strings.CutPrefix(s, "remote:"); ok {
		return RemoteSource(name)
	}
	return LocalSource()
}

// Version identifies one state of a group's content.
type Version struct {
	Hash      string
	Timestamp time.Time
}

func (v Version) IsZero() bool { return v.Hash == "" }

// Supersedes reports whether v wins over other under last-writer-wins:
// the later timestamp wins, and on a tie the larger hash wins.
func (v Version) Supersedes(other Version) bool {
	if v.IsZero() {
		return false
	}
	if other.IsZero() {
		return true
	}
	if !v.Timestamp.Equal(other.Timestamp) {
		return v.Timestamp.After(other.Timestamp)
	}
	return v.Hash > other.Hash
}
