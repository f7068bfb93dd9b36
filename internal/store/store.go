// Package store provides the durable relational persistence layer:
// channels, members, roles, capabilities, chat, outbox, and audit.
//
// Migration design follows the teacher's pattern: SQL statements live
// in the [migrations] slice as ordered strings tracked by a
// schema_migrations table. To change the schema, append a new string
// — never edit or reorder existing entries.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var migrations = []string{
	`CREATE TABLE channels (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		name TEXT NOT NULL,
		parent_id TEXT REFERENCES channels(id),
		max_members INTEGER,
		max_talkers INTEGER,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_channels_server ON channels(server_id);`,

	`CREATE TABLE members (
		channel_id TEXT NOT NULL REFERENCES channels(id),
		user_id TEXT NOT NULL,
		display_name TEXT NOT NULL,
		muted INTEGER NOT NULL DEFAULT 0,
		deafened INTEGER NOT NULL DEFAULT 0,
		joined_at INTEGER NOT NULL,
		PRIMARY KEY (channel_id, user_id)
	);
	CREATE INDEX idx_members_channel ON members(channel_id);`,

	`CREATE TABLE roles (
		id TEXT NOT NULL,
		server_id TEXT NOT NULL,
		name TEXT NOT NULL,
		PRIMARY KEY (id, server_id)
	);`,

	`CREATE TABLE role_capabilities (
		role_id TEXT NOT NULL,
		server_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		effect TEXT NOT NULL CHECK(effect IN ('grant','deny')),
		PRIMARY KEY (role_id, server_id, capability)
	);`,

	`CREATE TABLE user_roles (
		server_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role_id TEXT NOT NULL,
		PRIMARY KEY (server_id, user_id, role_id)
	);
	CREATE INDEX idx_user_roles_lookup ON user_roles(server_id, user_id);`,

	`CREATE TABLE channel_overrides (
		channel_id TEXT NOT NULL REFERENCES channels(id),
		user_id TEXT NOT NULL,
		capability TEXT NOT NULL,
		effect TEXT NOT NULL CHECK(effect IN ('grant','deny')),
		PRIMARY KEY (channel_id, user_id, capability)
	);`,

	`CREATE TABLE chat_messages (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		channel_id TEXT NOT NULL REFERENCES channels(id),
		author_id TEXT NOT NULL,
		text TEXT NOT NULL,
		attachments TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_chat_channel_created ON chat_messages(channel_id, created_at DESC);`,

	`CREATE TABLE outbox_events (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		topic TEXT NOT NULL,
		key TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		published_at INTEGER,
		claimed_at INTEGER,
		claim_token TEXT,
		attempts INTEGER NOT NULL DEFAULT 0,
		dead INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX idx_outbox_unpublished ON outbox_events(server_id, id) WHERE published_at IS NULL;`,

	`CREATE TABLE audit_entries (
		id TEXT PRIMARY KEY,
		server_id TEXT NOT NULL,
		actor_id TEXT,
		action TEXT NOT NULL,
		target_type TEXT NOT NULL,
		target_id TEXT NOT NULL,
		context TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX idx_audit_server_created ON audit_entries(server_id, created_at DESC);`,
}

// Store persists gateway state in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and brings it to the
// latest schema version. The caller owns the resulting lifetime and
// must call Close.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("store opened", "path", path)
	return st, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	row := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`)
	if err := row.Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i := current; i < len(migrations); i++ {
		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration tx: %w", err)
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", i+1, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`, i+1, time.Now().Unix()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", i+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", i+1, err)
		}
		slog.Info("migration applied", "version", i+1)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// DB exposes the underlying *sql.DB for packages (outbox) that need to
// compose their own statements against the same connection pool.
func (s *Store) DB() *sql.DB { return s.db }

// Optimize runs SQLite's query planner maintenance pragma. Intended to
// be called periodically from a background ticker.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	return err
}

// Backup writes a consistent snapshot of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	_, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, destPath)
	if err != nil {
		return fmt.Errorf("backup database: %w", err)
	}
	return nil
}

// newID returns a lexicographically sortable, time-ordered identifier.
// outbox_events.id relies on this ordering: Claim's `ORDER BY id ASC`
// is how it picks the oldest unpublished events per spec §4.3's
// per-key ordering guarantee, which a random UUIDv4 would not provide.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// Entropy-source failure; fall back to a random id rather than
		// panicking, at the cost of ordering for this one row.
		return uuid.New().String()
	}
	return id.String()
}
