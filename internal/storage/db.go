// Package storage is the durable session recovery store: a client-local
// SQLite database holding a single snapshot of the active call so an
// interrupted client can rejoin deterministically after a restart.
package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	_ "modernc.org/sqlite"

	"github.com/hearthapp/hearth/internal/signal"
)

var log = logging.Logger("storage")

// ErrLocked means another process already owns the store. Only one writer
// may recover and resume a call; the loser starts idle without restoring.
var ErrLocked = errors.New("storage: recovery store locked by another process")

// Snapshot is the persisted view of the active call. Media-track references
// are never serialized; date fields ride as RFC 3339 strings.
type Snapshot struct {
	Call    signal.CallInfo          `json:"call"`
	Roster  []signal.ParticipantInfo `json:"roster"`
	SavedAt time.Time                `json:"saved_at"`
}

// Store wraps the SQLite recovery database.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the recovery database under dataDir and claims the
// single-writer lock. A second process opening the same store gets ErrLocked
// instead of racing the first one for the snapshot.
func Open(dataDir string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "recovery.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection so the exclusive file lock below is held for the life
	// of the store.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 250;
		PRAGMA locking_mode = EXCLUSIVE;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _meta (
			key   TEXT PRIMARY KEY,
			value TEXT
		);
		CREATE TABLE IF NOT EXISTS snapshot (
			id       INTEGER PRIMARY KEY CHECK (id = 1),
			doc      TEXT NOT NULL,
			saved_at DATETIME NOT NULL
		);
	`); err != nil {
		db.Close()
		if isBusy(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("create schema: %w", err)
	}

	// First write claims the exclusive lock; under EXCLUSIVE locking mode it
	// is held until the connection closes.
	if _, err := db.Exec(
		`INSERT OR REPLACE INTO _meta (key, value) VALUES ('claimed_at', ?)`,
		time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		db.Close()
		if isBusy(err) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("claim writer lock: %w", err)
	}

	return &Store{db: db, path: dbPath}, nil
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// Close releases the writer lock.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save replaces the snapshot as a whole document. Partial field updates are
// deliberately impossible, which rules out interleaved-write corruption.
func (s *Store) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap.SavedAt.IsZero() {
		snap.SavedAt = time.Now().UTC()
	}
	doc, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshot (id, doc, saved_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, saved_at = excluded.saved_at
	`, string(doc), snap.SavedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

// Load returns the stored snapshot if it is restorable: younger than ttl and
// not an ended call. Stale or ended snapshots are cleared and (nil, nil) is
// returned so startup falls through to the idle state.
func (s *Store) Load(ttl time.Duration) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var doc string
	err := s.db.QueryRow(`SELECT doc FROM snapshot WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(doc), &snap); err != nil {
		// A corrupt document is unrecoverable; clear it rather than fail
		// startup forever.
		log.Warnf("discarding corrupt snapshot: %v", err)
		return nil, s.clearLocked()
	}

	if snap.Call.Status == "ended" {
		log.Debugf("discarding snapshot of ended call %s", snap.Call.CallID)
		return nil, s.clearLocked()
	}
	if time.Since(snap.SavedAt) > ttl {
		log.Infof("discarding snapshot older than %s (saved %s)", ttl, snap.SavedAt.Format(time.RFC3339))
		return nil, s.clearLocked()
	}
	return &snap, nil
}

// Clear removes the snapshot.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clearLocked()
}

func (s *Store) clearLocked() error {
	if _, err := s.db.Exec(`DELETE FROM snapshot WHERE id = 1`); err != nil {
		return fmt.Errorf("clear snapshot: %w", err)
	}
	return nil
}
