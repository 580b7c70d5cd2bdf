package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultDBFileName is the SQLite filename under app data dir.
	DefaultDBFileName = "alerts.db"
	// DefaultMaintenanceInterval spaces WAL truncation and tombstone pruning.
	DefaultMaintenanceInterval = 24 * time.Hour
	// DefaultTombstoneRetention is how long ids of deleted incoming messages
	// keep blocking re-delivery.
	DefaultTombstoneRetention = 30 * 24 * time.Hour

	sqliteParams = "_foreign_keys=on&_busy_timeout=5000"
)

var migrations = []string{
	`
CREATE TABLE IF NOT EXISTS messages (
  message_id     TEXT PRIMARY KEY,
  role           TEXT NOT NULL CHECK(role IN ('outgoing','incoming')),
  status         TEXT NOT NULL CHECK(status IN ('pending','sent','error','received','read')),
  title          TEXT NOT NULL DEFAULT '',
  content        TEXT NOT NULL,
  priority       TEXT NOT NULL CHECK(priority IN ('low','medium','high')) DEFAULT 'medium',
  location       TEXT,
  sender         TEXT NOT NULL DEFAULT '',
  receiver       TEXT NOT NULL DEFAULT 'broadcast',
  timestamp      TEXT NOT NULL,
  sender_profile TEXT,
  created_at     INTEGER NOT NULL,
  updated_at     INTEGER NOT NULL
);
`,
	`
CREATE TABLE IF NOT EXISTS seen_message_ids (
  message_id  TEXT PRIMARY KEY,
  received_at INTEGER NOT NULL
);
`,
	`
CREATE INDEX IF NOT EXISTS idx_messages_role_status_time
ON messages (role, status, created_at DESC);
`,
	`
CREATE INDEX IF NOT EXISTS idx_seen_message_received_at
ON seen_message_ids (received_at);
`,
	`
CREATE TABLE IF NOT EXISTS settings (
  key        TEXT PRIMARY KEY,
  value      TEXT NOT NULL,
  updated_at INTEGER NOT NULL
);
`,
}

// Store is the single writer of the persisted message log.
type Store struct {
	db *sql.DB

	// writeMu serializes read-modify-write operations on messages.
	writeMu sync.Mutex

	maintenanceEvery   time.Duration
	tombstoneRetention time.Duration
	quit               chan struct{}
	housekeeper        sync.WaitGroup
	closeOnce          sync.Once
}

// Open opens (or creates) alerts.db under the given data directory and runs migrations.
func Open(dataDir string) (*Store, string, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create storage directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, DefaultDBFileName)
	store, err := OpenPath(dbPath)
	if err != nil {
		return nil, "", err
	}
	return store, dbPath, nil
}

// OpenPath opens the alert database at dbPath, brings its schema up to date
// and starts background housekeeping.
func OpenPath(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", "file:"+filepath.ToSlash(dbPath)+"?"+sqliteParams)
	if err != nil {
		return nil, fmt.Errorf("open alert database: %w", err)
	}

	store := &Store{
		db:                 db,
		maintenanceEvery:   DefaultMaintenanceInterval,
		tombstoneRetention: DefaultTombstoneRetention,
		quit:               make(chan struct{}),
	}
	if err := store.prepare(); err != nil {
		_ = db.Close()
		return nil, err
	}

	store.housekeeper.Add(1)
	go store.housekeep()
	return store, nil
}

// prepare runs the startup steps in order and names the one that failed.
func (s *Store) prepare() error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"ping", s.db.Ping},
		{"journal mode", s.useWAL},
		{"schema", s.migrate},
		{"wal truncate", s.truncateWAL},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return fmt.Errorf("prepare alert database (%s): %w", step.name, err)
		}
	}
	return nil
}

// Close stops housekeeping and closes the database. It is safe to call twice.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		close(s.quit)
		s.housekeeper.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *Store) schemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("PRAGMA user_version;").Scan(&version)
	return version, err
}

// migrate applies every migration past user_version in one transaction.
func (s *Store) migrate() error {
	from, err := s.schemaVersion()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if from >= len(migrations) {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for step := from; step < len(migrations); step++ {
		version := step + 1
		if _, err := tx.Exec(migrations[step]); err != nil {
			return fmt.Errorf("migration %d: %w", version, err)
		}
		if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d;", version)); err != nil {
			return fmt.Errorf("record schema version %d: %w", version, err)
		}
	}
	return tx.Commit()
}

func (s *Store) useWAL() error {
	var mode string
	if err := s.db.QueryRow("PRAGMA journal_mode=WAL;").Scan(&mode); err != nil {
		return err
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("sqlite kept journal mode %q", mode)
	}
	return nil
}

func (s *Store) truncateWAL() error {
	_, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE);")
	return err
}

// housekeep runs maintain on every tick until Close.
func (s *Store) housekeep() {
	defer s.housekeeper.Done()
	if s.maintenanceEvery <= 0 {
		<-s.quit
		return
	}

	ticker := time.NewTicker(s.maintenanceEvery)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			_ = s.maintain(now)
		case <-s.quit:
			return
		}
	}
}

// maintain truncates the WAL and drops tombstones older than the retention
// window relative to now.
func (s *Store) maintain(now time.Time) error {
	if err := s.truncateWAL(); err != nil {
		return fmt.Errorf("truncate wal: %w", err)
	}
	if s.tombstoneRetention <= 0 {
		return nil
	}
	if _, err := s.PruneSeenIDs(now.Add(-s.tombstoneRetention).UnixMilli()); err != nil {
		return err
	}
	return nil
}
