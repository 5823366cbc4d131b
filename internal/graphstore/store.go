// Package graphstore implements C1, the durable transactional storage of
// Identities, Trusts, Scores, Configuration, and fetch-scheduler command
// rows (spec §4.1). It follows the teacher's SQLite-backed structured
// store (internal/store/sqlite.go), generalized from event/checkpoint
// tables to the WoT entity model and given real single-writer semantics.
package graphstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ParichayaHQ/credence/internal/wlog"
)

// Store is the transactional object container of spec §4.1: at most one
// writer at a time, readers see a consistent snapshot for the duration of
// their transaction, no partial writes are ever exposed.
type Store struct {
	db  *sql.DB
	log *wlog.Logger

	writerMu sync.Mutex // serializes BeginWrite; held for the lifetime of one Tx
	closed   bool
	mu       sync.RWMutex
}

// Open opens (creating if absent) the SQLite-backed graph store at dir.
func Open(dir string) (*Store, error) {
	path := filepath.Join(dir, "wot.sqlite")
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("graphstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite has one writer anyway; keeps pooling out of our way

	s := &Store{db: db, log: wlog.New("graphstore", wlog.LevelInfo)}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS identities (
		id TEXT PRIMARY KEY,
		request_uri TEXT NOT NULL,
		fetch_state INTEGER NOT NULL,
		latest_edition_hint INTEGER NOT NULL,
		nickname TEXT,
		publishes_trust_list INTEGER NOT NULL,
		contexts TEXT NOT NULL,
		properties TEXT NOT NULL,
		last_fetched_date DATETIME,
		last_changed_date DATETIME,
		is_own INTEGER NOT NULL DEFAULT 0,
		insert_uri TEXT,
		last_insert_date DATETIME
	);

	CREATE TABLE IF NOT EXISTS trusts (
		id TEXT PRIMARY KEY,
		truster_id TEXT NOT NULL,
		trustee_id TEXT NOT NULL,
		value INTEGER NOT NULL,
		comment TEXT NOT NULL,
		truster_edition INTEGER NOT NULL,
		UNIQUE(truster_id, trustee_id)
	);
	CREATE INDEX IF NOT EXISTS idx_trusts_truster ON trusts(truster_id);
	CREATE INDEX IF NOT EXISTS idx_trusts_trustee ON trusts(trustee_id);

	CREATE TABLE IF NOT EXISTS scores (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		value INTEGER NOT NULL,
		rank INTEGER NOT NULL,
		capacity INTEGER NOT NULL,
		UNIQUE(owner_id, target_id)
	);
	CREATE INDEX IF NOT EXISTS idx_scores_owner ON scores(owner_id);
	CREATE INDEX IF NOT EXISTS idx_scores_target ON scores(target_id);

	CREATE TABLE IF NOT EXISTS configuration (
		singleton INTEGER PRIMARY KEY CHECK (singleton = 0),
		strings TEXT NOT NULL,
		ints TEXT NOT NULL,
		database_format_version INTEGER NOT NULL,
		last_defrag_date DATETIME,
		last_verification_of_scores_date DATETIME
	);

	CREATE TABLE IF NOT EXISTS download_commands (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		identity_id TEXT NOT NULL,
		kind INTEGER NOT NULL, -- 0=start, 1=stop
		request_uri TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_download_commands_identity ON download_commands(identity_id);

	CREATE TABLE IF NOT EXISTS edition_hints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		edition INTEGER NOT NULL,
		source_capacity INTEGER NOT NULL,
		source_score REAL NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_edition_hints_target ON edition_hints(target_id);
	`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("graphstore: init schema: %w", err)
	}
	var cfgExists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM configuration WHERE singleton = 0`).Scan(&cfgExists); err != nil {
		return fmt.Errorf("graphstore: check configuration row: %w", err)
	}
	if cfgExists == 0 {
		_, err := s.db.Exec(`INSERT INTO configuration(singleton, strings, ints, database_format_version) VALUES (0, '{}', '{}', 1)`)
		if err != nil {
			return fmt.Errorf("graphstore: seed configuration row: %w", err)
		}
	}
	return nil
}

// Upgrade runs database format version upgrade routines at startup,
// before any other subsystem starts (spec §6 "Persisted state"). There
// is exactly one schema generation so far; this is the seam future
// migrations hang off.
func (s *Store) Upgrade(ctx context.Context) error {
	tx, err := s.BeginWrite(ctx)
	if err != nil {
		return err
	}
	cfg, err := tx.GetConfiguration(ctx)
	if err != nil {
		tx.Rollback()
		return err
	}
	switch cfg.DatabaseFormatVersion {
	case 1:
		// current version, nothing to do
	default:
		tx.Rollback()
		return fmt.Errorf("graphstore: unknown database format version %d", cfg.DatabaseFormatVersion)
	}
	return tx.Commit()
}

// Close cleanly shuts down the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// Tx is one transactional view of the store: a single writer's scope, or a
// read-only snapshot. On abnormal termination (no Commit call before the
// process dies) uncommitted changes are lost, matching the teacher's
// "no partial writes exposed" contract.
type Tx struct {
	store    *Store
	sqlTx    *sql.Tx
	readOnly bool
	done     bool
}

// BeginWrite starts the single writer transaction. It blocks until any
// prior writer has committed or rolled back (spec §4.1/§5 canonical lock
// order: this is the C1 transaction lock, acquired after the C2 writer
// lock and fetchSchedulerLock by callers that hold those).
func (s *Store) BeginWrite(ctx context.Context) (*Tx, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	s.writerMu.Lock()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.writerMu.Unlock()
		return nil, fmt.Errorf("graphstore: begin write: %w", err)
	}
	return &Tx{store: s, sqlTx: sqlTx}, nil
}

// BeginRead starts a read-only snapshot transaction. The pool holds a
// single connection, so a read transaction waits until any open
// transaction, the writer included, has ended.
func (s *Store) BeginRead(ctx context.Context) (*Tx, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("graphstore: begin read: %w", err)
	}
	return &Tx{store: s, sqlTx: sqlTx, readOnly: true}, nil
}

// Commit commits the transaction. Releases the writer lock if this was a
// write transaction.
func (t *Tx) Commit() error {
	if t.done {
		return ErrTxDone
	}
	t.done = true
	err := t.sqlTx.Commit()
	if !t.readOnly {
		t.store.writerMu.Unlock()
	}
	if err != nil {
		return fmt.Errorf("graphstore: commit: %w", err)
	}
	return nil
}

// Rollback aborts the transaction, discarding every mutation made through it.
func (t *Tx) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	err := t.sqlTx.Rollback()
	if !t.readOnly {
		t.store.writerMu.Unlock()
	}
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("graphstore: rollback: %w", err)
	}
	return nil
}

// now is the seam production code replaces with an injected clock via the
// caller passing an explicit timestamp; kept here only as a fallback for
// schema-level defaults.
func now() time.Time { return time.Now().UTC() }
