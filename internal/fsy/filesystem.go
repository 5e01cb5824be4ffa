package fsy

import (
	"io"
	"time"
)

// FileSnapshot is the content identity of a synced file at one moment.
type FileSnapshot struct {
	Path    string
	Hash    string
	Size    int64
	ModTime time.Time
}

// FilesystemManager abstracts reads of synced paths so the engine can run
// against an in-memory filesystem in tests.
type FilesystemManager interface {
	// Snapshot hashes the file at path. A missing file yields (nil, nil).
	Snapshot(path string) (*FileSnapshot, error)

	// Open opens a synced file for reading.
	Open(path string) (io.ReadCloser, error)

	// IsDir reports whether path is an existing directory.
	IsDir(path string) bool

	// List returns the member paths of the regular files below dir, sorted.
	// Lock artifacts are skipped. A missing dir yields (nil, nil).
	List(dir string) ([]string, error)

	// Ignored reports whether the directory group rooted at root leaves the
	// member path alone.
	Ignored(root, member string) (bool, error)

	// CheckTarget verifies that path can be synced and reports whether it is
	// a directory. A file target is absent or a regular file, and its parent
	// directory exists.
	CheckTarget(path string) (dir bool, err error)
}
