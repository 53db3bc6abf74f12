package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultSessionTTLSeconds = 24 * 60 * 60
)

// Store is the CP Store: durable, single-writer, transactional state for
// sessions, jobs, results and approvals.
type Store struct {
	database *sql.DB
	dbPath   string
}

// Open creates (if needed) and opens the sqlite-backed store at dbPath,
// running migrations before returning.
func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db directory: %w", err)
	}

	database, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	// Single-writer semantics: the spec accepts one writer at a time, and
	// a single connection makes sqlite's own locking sufficient without a
	// separate application-level mutex.
	database.SetMaxOpenConns(1)

	store := &Store{
		database: database,
		dbPath:   dbPath,
	}
	if err := store.migrate(context.Background()); err != nil {
		_ = database.Close()
		return nil, err
	}

	return store, nil
}

func (store *Store) Close() error {
	return store.database.Close()
}

func (store *Store) DBPath() string {
	return store.dbPath
}

func (store *Store) migrate(ctx context.Context) error {
	statements := []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA journal_mode = WAL;`,
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			token TEXT NOT NULL,
			created_at TEXT NOT NULL,
			last_seen_at TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			dedupe_key TEXT NOT NULL,
			type TEXT NOT NULL,
			status INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			params_json TEXT NOT NULL,
			allowed_roots_json TEXT NOT NULL,
			approval_token TEXT NULL,
			lease_owner TEXT NULL,
			lease_expires_at TEXT NULL,
			error_message TEXT NULL,
			created_at TEXT NOT NULL,
			started_at TEXT NULL,
			finished_at TEXT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_dedupe_nonterminal
			ON jobs(dedupe_key) WHERE status IN (1, 2);`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_queued_order
			ON jobs(status, created_at, id);`,
		`CREATE TABLE IF NOT EXISTS results (
			job_id TEXT PRIMARY KEY,
			bytes BLOB NOT NULL,
			content_type TEXT NOT NULL,
			FOREIGN KEY(job_id) REFERENCES jobs(id)
		);`,
		`CREATE TABLE IF NOT EXISTS approvals (
			token TEXT PRIMARY KEY,
			plan_job_id TEXT NOT NULL,
			plan_hash TEXT NOT NULL,
			expires_at_ms INTEGER NOT NULL,
			consumed_at_ms INTEGER NULL,
			created_at TEXT NOT NULL
		);`,
	}

	for _, statement := range statements {
		if _, err := store.database.ExecContext(ctx, statement); err != nil {
			if isDuplicateColumnError(err) {
				continue
			}
			return fmt.Errorf("migrate: %w (statement: %s)", err, statement)
		}
	}
	return nil
}

func isDuplicateColumnError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "duplicate column name")
}

// CreateSession mints a fresh session with unguessable, high-entropy
// credentials and persists it.
func (store *Store) CreateSession(ctx context.Context) (Session, error) {
	id, err := randomToken(16)
	if err != nil {
		return Session{}, err
	}
	token, err := randomToken(32)
	if err != nil {
		return Session{}, err
	}

	now := nowTimestamp()
	_, err = store.database.ExecContext(
		ctx,
		`INSERT INTO sessions(id, token, created_at, last_seen_at) VALUES(?, ?, ?, ?)`,
		id, token, now, now,
	)
	if err != nil {
		return Session{}, err
	}

	return Session{ID: id, Token: token, CreatedAt: now, LastSeen: now}, nil
}

// Authenticate performs a constant-time credential comparison and, on
// success, touches last_seen_at.
func (store *Store) Authenticate(ctx context.Context, sessionID string, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}

	row := store.database.QueryRowContext(
		ctx,
		`SELECT token FROM sessions WHERE id = ?`,
		sessionID,
	)
	var storedToken string
	if err := row.Scan(&storedToken); err != nil {
		return false
	}
	if !constantTimeEquals(storedToken, token) {
		return false
	}

	_, _ = store.database.ExecContext(
		ctx,
		`UPDATE sessions SET last_seen_at = ? WHERE id = ?`,
		nowTimestamp(), sessionID,
	)
	return true
}

// ExpireIdleSessions removes sessions whose last_seen_at is older than ttl.
// Used by internal/maintenance; a zero ttl falls back to the default.
func (store *Store) ExpireIdleSessions(ctx context.Context, ttlSeconds int) (int64, error) {
	if ttlSeconds <= 0 {
		ttlSeconds = defaultSessionTTLSeconds
	}
	cutoff := time.Now().UTC().Add(-time.Duration(ttlSeconds) * time.Second).Format(time.RFC3339Nano)
	result, err := store.database.ExecContext(
		ctx,
		`DELETE FROM sessions WHERE last_seen_at < ?`,
		cutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func randomToken(numBytes int) (string, error) {
	buffer := make([]byte, numBytes)
	if _, err := rand.Read(buffer); err != nil {
		return "", fmt.Errorf("failed to generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buffer), nil
}

func constantTimeEquals(left string, right string) bool {
	if len(left) != len(right) {
		return false
	}
	var diff byte
	for index := 0; index < len(left); index++ {
		diff |= left[index] ^ right[index]
	}
	return diff == 0
}

func nowTimestamp() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func nullableText(value string) any {
	trimmedValue := strings.TrimSpace(value)
	if trimmedValue == "" {
		return nil
	}
	return trimmedValue
}

type rowScanner interface {
	Scan(dest ...any) error
}
