package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"fsy-go/internal/database/migrations"
	"fsy-go/internal/fsy"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteStore implements fsy.StateStore using SQLite.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

var _ fsy.StateStore = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at path and migrates it to the current
// schema. path can be a file path or ":memory:".
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := OpenConnection(path)
	if err != nil {
		return nil, err
	}
	if err := migrations.EnsureCurrent(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrating %s: %w", path, err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// OpenConnection opens and configures a SQLite database connection with appropriate PRAGMAs.
// The pool is limited to one connection: each connection to ":memory:" is a
// separate database, and the engine writes from a single goroutine anyway.
func OpenConnection(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to set %q: %w", pragma, err)
		}
	}
	return db, nil
}

// Group states

func (s *SQLiteStore) GetGroupState(m fsy.Member) (*fsy.GroupState, error) {
	row := s.db.QueryRow(`
		SELECT group_name, member_path, content_hash, version_at, source, updated_at
		FROM group_states WHERE group_name = ? AND member_path = ?`, m.Group, m.Path)

	st, err := scanGroupState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state for %s: %w", m, err)
	}
	return st, nil
}

func (s *SQLiteStore) ListGroupStates() ([]*fsy.GroupState, error) {
	rows, err := s.db.Query(`
		SELECT group_name, member_path, content_hash, version_at, source, updated_at
		FROM group_states ORDER BY group_name, member_path`)
	if err != nil {
		return nil, fmt.Errorf("listing group states: %w", err)
	}
	defer rows.Close()

	var out []*fsy.GroupState
	for rows.Next() {
		st, err := scanGroupState(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning group state: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PutGroupState(st *fsy.GroupState) error {
	_, err := s.db.Exec(`
		INSERT INTO group_states (group_name, member_path, content_hash, version_at, source, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (group_name, member_path) DO UPDATE SET
			content_hash = excluded.content_hash,
			version_at   = excluded.version_at,
			source       = excluded.source,
			updated_at   = excluded.updated_at`,
		st.Group, st.Path, st.Version.Hash, st.Version.Timestamp.UnixNano(), st.Source.String(), st.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("writing state for %s: %w", st.Member(), err)
	}
	return nil
}

// Transfers

func (s *SQLiteStore) RecordTransfer(rec *fsy.TransferRecord) error {
	_, err := s.db.Exec(`
		INSERT INTO transfers (id, group_name, member_path, trustee_name, kind, direction, content_hash, outcome, error, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Group, rec.Path, rec.Trustee, rec.Kind.String(), rec.Direction.String(), rec.Hash,
		string(rec.Outcome), rec.Error, rec.StartedAt.UnixNano(), rec.FinishedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("recording transfer %s: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListTransfers(limit int) ([]*fsy.TransferRecord, error) {
	rows, err := s.db.Query(`
		SELECT id, group_name, member_path, trustee_name, kind, direction, content_hash, outcome, error, started_at, finished_at
		FROM transfers ORDER BY finished_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing transfers: %w", err)
	}
	defer rows.Close()

	var out []*fsy.TransferRecord
	for rows.Next() {
		var (
			rec                 fsy.TransferRecord
			kind, dir, outcome  string
			startedAt, finished int64
		)
		if err := rows.Scan(&rec.ID, &rec.Group, &rec.Path, &rec.Trustee, &kind, &dir, &rec.Hash, &outcome, &rec.Error, &startedAt, &finished); err != nil {
			return nil, fmt.Errorf("scanning transfer: %w", err)
		}
		rec.Kind = parseKind(kind)
		rec.Direction = parseDirection(dir)
		rec.Outcome = fsy.Outcome(outcome)
		rec.StartedAt = time.Unix(0, startedAt)
		rec.FinishedAt = time.Unix(0, finished)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGroupState(row scanner) (*fsy.GroupState, error) {
	var (
		st                   fsy.GroupState
		source               string
		versionAt, updatedAt int64
	)
	if err := row.Scan(&st.Group, &st.Path, &st.Version.Hash, &versionAt, &source, &updatedAt); err != nil {
		return nil, err
	}
	st.Version.Timestamp = time.Unix(0, versionAt)
	st.Source = fsy.ParseSource(source)
	st.UpdatedAt = time.Unix(0, updatedAt)
	return &st, nil
}

func parseKind(s string) fsy.TransferKind {
	if s == fsy.KindPull.String() {
		return fsy.KindPull
	}
	return fsy.KindPush
}

func parseDirection(s string) fsy.Direction {
	if s == fsy.Inbound.String() {
		return fsy.Inbound
	}
	return fsy.Outbound
}
