// Package sqlite implements the burrow data store backed by a SQLite
// database. It manages teams, team users, connections, connect tokens,
// captured inspector requests, and server settings.
package sqlite

import (
	"context"
	"fmt"
	"strings"

	"database/sql"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database connection for all burrow persistence
// operations.
type Store struct {
	db *sql.DB
}

const defaultMaxOpenConns = 10
const defaultMaxIdleConns = 10
const defaultConnectTokenPurgeLimit = 1000

// OpenOptions controls SQLite connection pool sizing.
type OpenOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// Open creates or opens the SQLite database at path, runs migrations,
// and enables WAL mode for improved concurrent read performance.
func Open(path string) (*Store, error) {
	return OpenWithOptions(path, OpenOptions{})
}

// OpenWithOptions is Open with tunable connection pool settings.
func OpenWithOptions(path string, opts OpenOptions) (*Store, error) {
	if err := ensureParentDir(path); err != nil {
		return nil, err
	}
	// Append per-connection PRAGMAs to the DSN so every pooled
	// connection gets them.
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	dsn := path + sep + "_pragma=foreign_keys(1)&_pragma=synchronous(normal)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}

	maxOpenConns := opts.MaxOpenConns
	if maxOpenConns <= 0 {
		maxOpenConns = defaultMaxOpenConns
	}
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	if maxIdleConns > maxOpenConns {
		maxIdleConns = maxOpenConns
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)

	// journal_mode persists in the database file; the per-connection
	// pragmas ride in on the DSN so every pooled connection gets them.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite setup (journal_mode): %w", err)
	}

	s := &Store{db: db}
	if err := s.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates all required tables and indexes if they do not
// already exist.
//
// The partial unique indexes on connections enforce subdomain and port
// exclusivity among non-closed rows at the database level, so two
// concurrent registrations can never both claim the same resource.
func (s *Store) Migrate(ctx context.Context) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS teams (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	slug TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS team_users (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	email TEXT NOT NULL,
	role TEXT NOT NULL,
	secret_key_hash TEXT NOT NULL UNIQUE,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	UNIQUE(team_id, email)
);
CREATE TABLE IF NOT EXISTS connections (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	type TEXT NOT NULL,
	subdomain TEXT NULL,
	port INTEGER NULL,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	started_at DATETIME NULL,
	closed_at DATETIME NULL,
	created_by TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS connect_tokens (
	token TEXT PRIMARY KEY,
	connection_id TEXT NOT NULL,
	expires_at DATETIME NOT NULL,
	used_at DATETIME NULL
);
CREATE TABLE IF NOT EXISTS inspector_requests (
	id TEXT PRIMARY KEY,
	team_id TEXT NOT NULL,
	subdomain TEXT NOT NULL,
	host TEXT NOT NULL,
	method TEXT NOT NULL,
	url TEXT NOT NULL,
	headers TEXT NOT NULL,
	body BLOB NULL,
	response_status INTEGER NOT NULL,
	response_headers TEXT NOT NULL,
	response_body BLOB NULL,
	is_replayed INTEGER NOT NULL DEFAULT 0,
	parent_id TEXT NULL,
	logged_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS server_settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_live_subdomain
	ON connections(subdomain) WHERE status != 'closed' AND subdomain IS NOT NULL;
CREATE UNIQUE INDEX IF NOT EXISTS idx_connections_live_port
	ON connections(port) WHERE status != 'closed' AND port IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_connections_team_status ON connections(team_id, status);
CREATE INDEX IF NOT EXISTS idx_connections_team_created ON connections(team_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_team_users_team ON team_users(team_id);
CREATE INDEX IF NOT EXISTS idx_team_users_hash ON team_users(secret_key_hash);
CREATE INDEX IF NOT EXISTS idx_connect_tokens_expires_at ON connect_tokens(expires_at);
CREATE INDEX IF NOT EXISTS idx_inspector_requests_team_subdomain ON inspector_requests(team_id, subdomain, logged_at DESC, id DESC);
`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "unique")
}
