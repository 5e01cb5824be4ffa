package fs

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/spf13/afero"

	"fsy-go/internal/fsy"
)

// Manager is the afero-backed FilesystemManager. Production code passes
// afero.NewOsFs(); tests pass afero.NewMemMapFs().
type Manager struct {
	fs afero.Fs
}

// Compile-time check that Manager implements fsy.FilesystemManager
var _ fsy.FilesystemManager = (*Manager)(nil)

func NewManager(fs afero.Fs) *Manager {
	return &Manager{fs: fs}
}

// Snapshot hashes the file at path. A missing file yields (nil, nil).
func (m *Manager) Snapshot(path string) (*fsy.FileSnapshot, error) {
	info, err := m.fs.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("not a regular file: %s", path)
	}

	f, err := m.fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	hash, size, err := HashReader(f)
	if err != nil {
		return nil, fmt.Errorf("hashing %s: %w", path, err)
	}
	return &fsy.FileSnapshot{Path: path, Hash: hash, Size: size, ModTime: info.ModTime()}, nil
}

// Open opens a file for reading.
func (m *Manager) Open(path string) (io.ReadCloser, error) {
	return m.fs.Open(path)
}

// IsDir reports whether path is an existing directory.
func (m *Manager) IsDir(path string) bool {
	info, err := m.fs.Stat(path)
	return err == nil && info.IsDir()
}

// List walks dir and returns the slash-separated relative paths of its
// regular files in lexical order. Lock artifacts and symlinks are skipped.
// A missing dir yields (nil, nil).
func (m *Manager) List(dir string) ([]string, error) {
	if _, err := m.fs.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var members []string
	err := afero.Walk(m.fs, dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() || fsy.IsArtifact(p) {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		members = append(members, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}
	sort.Strings(members)
	return members, nil
}

// Ignored consults the ignore file at root. It is read on every call so
// edits take effect without a restart.
func (m *Manager) Ignored(root, member string) (bool, error) {
	im, err := LoadIgnore(m.fs, root)
	if err != nil {
		return false, err
	}
	return im.Match(member), nil
}

// CheckTarget verifies that path is absent, a regular file or a directory,
// and that its parent directory exists. Symlinks are rejected: the swap
// rename would replace the link rather than its target.
func (m *Manager) CheckTarget(path string) (bool, error) {
	parent, err := m.fs.Stat(filepath.Dir(path))
	if err != nil {
		return false, fmt.Errorf("parent directory: %w", err)
	}
	if !parent.IsDir() {
		return false, fmt.Errorf("parent is not a directory: %s", filepath.Dir(path))
	}

	info, err := m.lstat(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat path: %w", err)
	}

	mode := info.Mode()
	switch {
	case mode.IsDir():
		return true, nil
	case mode&os.ModeSymlink != 0:
		return false, fmt.Errorf("symlinks not supported: %s", path)
	case mode&os.ModeDevice != 0:
		return false, fmt.Errorf("device files not supported: %s", path)
	case mode&os.ModeNamedPipe != 0:
		return false, fmt.Errorf("named pipes not supported: %s", path)
	case mode&os.ModeSocket != 0:
		return false, fmt.Errorf("sockets not supported: %s", path)
	}
	return false, nil
}

func (m *Manager) lstat(path string) (os.FileInfo, error) {
	if l, ok := m.fs.(afero.Lstater); ok {
		info, _, err := l.LstatIfPossible(path)
		return info, err
	}
	return m.fs.Stat(path)
}

// HashReader returns the lowercase hex SHA-256 of r and the bytes read.
func HashReader(r io.Reader) (string, int64, error) {
	h := sha256.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", n, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}
