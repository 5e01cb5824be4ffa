package swap

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/afero"

	"fsy-go/internal/fsy"
)

func LockPath(localPath string) string { return localPath + fsy.LockSuffix }
func SwapPath(localPath string) string { return localPath + fsy.SwapSuffix }

// marker is the on-disk content of a lock marker.
type marker struct {
	Group     string    `toml:"group"`
	Path      string    `toml:"path,omitempty"`
	PID       int       `toml:"pid"`
	CreatedAt time.Time `toml:"created_at"`
}

type applied struct {
	hash string
	at   time.Time
}

// Manager implements fsy.LockManager. Each member of a group locks on its
// own: the lock marker and swap file live in the same directory as the
// member file, so the final rename never crosses a filesystem boundary.
type Manager struct {
	fs     afero.Fs
	clock  fsy.Clock
	grace  time.Duration
	logger fsy.Logger
	pid    int

	mu      sync.Mutex
	records map[fsy.Member]*fsy.LockRecord
	applied map[fsy.Member]applied
}

var _ fsy.LockManager = (*Manager)(nil)

// NewManager creates a lock manager. grace is the cooldown after a swap
// during which the group stays locked and echoes are suppressed.
func NewManager(fs afero.Fs, clock fsy.Clock, grace time.Duration, logger fsy.Logger) *Manager {
	if logger == nil {
		logger = fsy.NewNopLogger()
	}
	return &Manager{
		fs:      fs,
		clock:   clock,
		grace:   grace,
		logger:  logger,
		pid:     os.Getpid(),
		records: make(map[fsy.Member]*fsy.LockRecord),
		applied: make(map[fsy.Member]applied),
	}
}

func (m *Manager) Acquire(member fsy.Member, localPath string) (fsy.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[member]; ok && rec.State.Held() {
		return nil, fmt.Errorf("%s is %s: %w", member, rec.State, fsy.ErrTransferInProgress)
	}

	rec := &fsy.LockRecord{
		Group:     member.Group,
		Path:      member.Path,
		LockPath:  LockPath(localPath),
		SwapPath:  SwapPath(localPath),
		State:     fsy.LockAcquiring,
		CreatedAt: m.clock.Now(),
	}

	// New members of a directory group may live in directories that do not
	// exist here yet.
	if member.Path != "" {
		if err := m.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
			return nil, fmt.Errorf("creating directory for %s: %w: %w", member, fsy.ErrApplyFailed, err)
		}
	}

	if err := m.writeMarker(rec); err != nil {
		if errors.Is(err, os.ErrExist) {
			// Another process, or a crash younger than the grace period.
			return nil, fmt.Errorf("%s has a lock marker on disk: %w", member, fsy.ErrTransferInProgress)
		}
		return nil, fmt.Errorf("writing lock marker: %w: %w", fsy.ErrApplyFailed, err)
	}

	f, err := m.fs.OpenFile(rec.SwapPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		m.fs.Remove(rec.LockPath)
		return nil, fmt.Errorf("creating swap file: %w: %w", fsy.ErrApplyFailed, err)
	}

	m.records[member] = rec
	return &lease{m: m, rec: rec, localPath: localPath, file: f, hash: sha256.New()}, nil
}

func (m *Manager) writeMarker(rec *fsy.LockRecord) error {
	f, err := m.fs.OpenFile(rec.LockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(marker{Group: rec.Group, Path: rec.Path, PID: m.pid, CreatedAt: rec.CreatedAt.UTC()})
	closeErr := f.Close()
	if encErr != nil || closeErr != nil {
		m.fs.Remove(rec.LockPath)
		return errors.Join(encErr, closeErr)
	}
	return nil
}

func (m *Manager) Busy(member fsy.Member) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[member]
	return ok && rec.State.Writing()
}

func (m *Manager) GroupBusy(group string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for member, rec := range m.records {
		if member.Group == group && rec.State.Writing() {
			return true
		}
	}
	return false
}

func (m *Manager) AppliedRecently(member fsy.Member, hash string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.applied[member]
	return ok && a.hash == hash && m.clock.Since(a.at) <= m.grace
}

func (m *Manager) Record(member fsy.Member) (fsy.LockRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[member]
	if !ok {
		return fsy.LockRecord{}, false
	}
	return *rec, true
}

func (m *Manager) Sweep() []fsy.LockRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	var released []fsy.LockRecord
	for _, rec := range m.records {
		if rec.State != fsy.LockCoolingDown || now.Sub(rec.SwappedAt) < m.grace {
			continue
		}
		m.removeIfExists(rec.SwapPath)
		m.removeIfExists(rec.LockPath)
		rec.State = fsy.LockReleased
		rec.ReleasedAt = now
		released = append(released, *rec)
	}
	return released
}

// Recover handles markers with no record in this process. Markers older
// than the grace period are removed with their swap files. Younger ones are
// adopted as cooling down and released by Sweep once the grace period ends.
// Directory groups are searched for artifacts below their root.
func (m *Manager) Recover(groups []*fsy.TargetGroup) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, g := range groups {
		members, err := m.artifactMembers(g)
		if err != nil {
			return fmt.Errorf("searching %s for lock artifacts: %w", g.LocalPath, err)
		}
		for _, rel := range members {
			if err := m.recoverMember(fsy.Member{Group: g.Name, Path: rel}, g.MemberPath(rel)); err != nil {
				return err
			}
		}
	}
	return nil
}

// artifactMembers lists the member paths of g that may have lock artifacts.
func (m *Manager) artifactMembers(g *fsy.TargetGroup) ([]string, error) {
	info, err := m.fs.Stat(g.LocalPath)
	if err != nil || !info.IsDir() {
		return []string{""}, nil
	}

	seen := make(map[string]bool)
	var members []string
	err = afero.Walk(m.fs, g.LocalPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() || !fsy.IsArtifact(p) {
			return nil
		}
		local := strings.TrimSuffix(strings.TrimSuffix(p, fsy.LockSuffix), fsy.SwapSuffix)
		rel, err := filepath.Rel(g.LocalPath, local)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !seen[rel] {
			seen[rel] = true
			members = append(members, rel)
		}
		return nil
	})
	return members, err
}

func (m *Manager) recoverMember(member fsy.Member, localPath string) error {
	if rec, ok := m.records[member]; ok && rec.State.Held() {
		return nil
	}
	now := m.clock.Now()
	lockPath, swapPath := LockPath(localPath), SwapPath(localPath)

	info, err := m.fs.Stat(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		if m.removeIfExists(swapPath) {
			m.logger.Info("removed orphaned swap file", "member", member, "path", swapPath)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat lock marker %s: %w", lockPath, err)
	}

	createdAt := m.markerTime(lockPath, info.ModTime())
	if now.Sub(createdAt) > m.grace {
		m.removeIfExists(swapPath)
		if err := m.fs.Remove(lockPath); err != nil {
			return fmt.Errorf("removing abandoned lock marker %s: %w", lockPath, err)
		}
		m.records[member] = &fsy.LockRecord{
			Group:      member.Group,
			Path:       member.Path,
			LockPath:   lockPath,
			SwapPath:   swapPath,
			State:      fsy.LockReleased,
			CreatedAt:  createdAt,
			ReleasedAt: now,
		}
		m.logger.Info("recovered abandoned lock", "member", member, "age", now.Sub(createdAt))
		return nil
	}

	m.records[member] = &fsy.LockRecord{
		Group:     member.Group,
		Path:      member.Path,
		LockPath:  lockPath,
		SwapPath:  swapPath,
		State:     fsy.LockCoolingDown,
		CreatedAt: createdAt,
		SwappedAt: createdAt,
	}
	m.logger.Info("adopted recent lock marker", "member", member, "age", now.Sub(createdAt))
	return nil
}

// markerTime reads created_at from a marker, falling back to its mtime.
func (m *Manager) markerTime(path string, fallback time.Time) time.Time {
	data, err := afero.ReadFile(m.fs, path)
	if err != nil {
		return fallback
	}
	var mk marker
	if _, err := toml.Decode(string(data), &mk); err != nil || mk.CreatedAt.IsZero() {
		return fallback
	}
	return mk.CreatedAt
}

func (m *Manager) removeIfExists(path string) bool {
	if err := m.fs.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("removing lock artifact", "path", path, "error", err)
		}
		return false
	}
	return true
}

func (m *Manager) setState(rec *fsy.LockRecord, s fsy.LockState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.State = s
}

func (m *Manager) coolDown(rec *fsy.LockRecord, hash string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	rec.State = fsy.LockCoolingDown
	rec.AppliedHash = hash
	rec.SwappedAt = now
	m.applied[rec.Member()] = applied{hash: hash, at: now}
}

// fail discards the swap file and marker. The record stays as Failed so the
// group is free for the next apply.
func (m *Manager) fail(rec *fsy.LockRecord) {
	m.removeIfExists(rec.SwapPath)
	m.removeIfExists(rec.LockPath)

	m.mu.Lock()
	defer m.mu.Unlock()
	rec.State = fsy.LockFailed
	rec.ReleasedAt = m.clock.Now()
}

// lease is one claimed apply.
type lease struct {
	m         *Manager
	rec       *fsy.LockRecord
	localPath string
	file      afero.File
	hash      hash.Hash
	done      bool
}

func (l *lease) Receive(r io.Reader) (int64, error) {
	if l.done {
		return 0, fmt.Errorf("lease for %s already finished: %w", l.rec.Member(), fsy.ErrApplyFailed)
	}
	l.m.setState(l.rec, fsy.LockReceiving)

	n, err := io.Copy(io.MultiWriter(l.file, l.hash), r)
	if err != nil {
		l.Abort(err)
		return n, fmt.Errorf("receiving into %s: %w: %w", l.rec.SwapPath, fsy.ErrApplyFailed, err)
	}
	return n, nil
}

func (l *lease) Commit(expected string) error {
	if l.done {
		return fmt.Errorf("lease for %s already finished: %w", l.rec.Member(), fsy.ErrApplyFailed)
	}

	if err := l.file.Sync(); err != nil {
		l.Abort(err)
		return fmt.Errorf("syncing swap file: %w: %w", fsy.ErrApplyFailed, err)
	}
	if err := l.file.Close(); err != nil {
		l.file = nil
		l.Abort(err)
		return fmt.Errorf("closing swap file: %w: %w", fsy.ErrApplyFailed, err)
	}
	l.file = nil

	got := hex.EncodeToString(l.hash.Sum(nil))
	if got != expected {
		err := fmt.Errorf("received content hashes to %s, declared %s: %w", got, expected, fsy.ErrIntegrityMismatch)
		l.Abort(err)
		return err
	}

	l.m.setState(l.rec, fsy.LockSwapping)

	mode := os.FileMode(0644)
	if info, err := l.m.fs.Stat(l.localPath); err == nil {
		mode = info.Mode().Perm()
	}
	if err := l.m.fs.Chmod(l.rec.SwapPath, mode); err != nil {
		l.Abort(err)
		return fmt.Errorf("setting swap file mode: %w: %w", fsy.ErrApplyFailed, err)
	}

	// rename(2) replaces the destination atomically; readers see the old or
	// the new file, never a mix.
	if err := l.m.fs.Rename(l.rec.SwapPath, l.localPath); err != nil {
		l.Abort(err)
		return fmt.Errorf("swapping into %s: %w: %w", l.localPath, fsy.ErrApplyFailed, err)
	}

	l.done = true
	l.m.coolDown(l.rec, expected)
	return nil
}

func (l *lease) Abort(cause error) {
	if l.done {
		return
	}
	l.done = true
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
	l.m.fail(l.rec)
	l.m.logger.Warn("apply aborted", "member", l.rec.Member(), "error", cause)
}

func (l *lease) Record() fsy.LockRecord {
	l.m.mu.Lock()
	defer l.m.mu.Unlock()
	return *l.rec
}
