package archive

import (
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/go-go-golems/reasonance/pkg/session"
)

// ErrNotFound reports a session id with no archived snapshot.
var ErrNotFound = errors.New("archived session not found")

// Store persists archived session snapshots in sqlite. One row per session,
// the full snapshot serialized as JSON alongside the listing columns.
type Store struct {
	db *sql.DB
}

func NewStore(dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("archive store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmt := `CREATE TABLE IF NOT EXISTS session_archives (
		session_id TEXT NOT NULL PRIMARY KEY,
		created_at TEXT NOT NULL,
		archived_at TEXT NOT NULL,
		participant_count INTEGER NOT NULL,
		transcript_count INTEGER NOT NULL,
		snapshot TEXT NOT NULL
	);`
	if _, err := s.db.Exec(stmt); err != nil {
		return errors.Wrap(err, "archive store: migrate")
	}
	return nil
}

// Save writes the snapshot, replacing any previous archive of the session.
func (s *Store) Save(snap session.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "archive store: marshal snapshot")
	}

	archivedAt := time.Now()
	if snap.Metadata.ArchivedAt != nil {
		archivedAt = *snap.Metadata.ArchivedAt
	}

	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO session_archives
			(session_id, created_at, archived_at, participant_count, transcript_count, snapshot)
		VALUES (?, ?, ?, ?, ?, ?)`,
		snap.Metadata.SessionID,
		snap.Metadata.CreatedAt.Format(time.RFC3339Nano),
		archivedAt.Format(time.RFC3339Nano),
		snap.Metadata.ParticipantCount,
		snap.Metadata.TranscriptCount,
		string(raw),
	)
	return errors.Wrapf(err, "archive store: save %s", snap.Metadata.SessionID)
}

// Load returns the archived snapshot for the session id, or ErrNotFound.
func (s *Store) Load(sessionID string) (session.Snapshot, error) {
	var raw string
	err := s.db.QueryRow(
		`SELECT snapshot FROM session_archives WHERE session_id = ?`, sessionID,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return session.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return session.Snapshot{}, errors.Wrapf(err, "archive store: load %s", sessionID)
	}

	var snap session.Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return session.Snapshot{}, errors.Wrapf(err, "archive store: decode %s", sessionID)
	}
	return snap, nil
}

// List returns every archived snapshot, most recently archived first.
func (s *Store) List() ([]session.Snapshot, error) {
	rows, err := s.db.Query(
		`SELECT snapshot FROM session_archives ORDER BY archived_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "archive store: list")
	}
	defer func() { _ = rows.Close() }()

	var out []session.Snapshot
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, errors.Wrap(err, "archive store: list scan")
		}
		var snap session.Snapshot
		if err := json.Unmarshal([]byte(raw), &snap); err != nil {
			return nil, errors.Wrap(err, "archive store: list decode")
		}
		out = append(out, snap)
	}
	return out, errors.Wrap(rows.Err(), "archive store: list")
}
