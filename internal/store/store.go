// Package store persists ambient server state — settings, banned UUIDs,
// the audit log, and the profile cache — in SQLite. The message log itself
// is explicitly process-lifetime only (a Non-goal of persistence) and never
// touches this package.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"hearthcore/internal/protocol"
)

// migrations is applied in order, once each, tracked via schema_migrations.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS settings (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS banned_uuids (
		uuid TEXT PRIMARY KEY,
		banned_at_unix_ms INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp_unix_ms INTEGER NOT NULL,
		actor_uuid TEXT NOT NULL,
		action TEXT NOT NULL,
		detail TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profiles (
		uuid TEXT PRIMARY KEY,
		username TEXT NOT NULL,
		full_name TEXT NOT NULL DEFAULT '',
		gender TEXT NOT NULL DEFAULT '',
		birth_date TEXT NOT NULL DEFAULT '',
		avatar_64_fp TEXT NOT NULL DEFAULT '',
		avatar_256_fp TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE INDEX IF NOT EXISTS idx_audit_log_timestamp ON audit_log(timestamp_unix_ms)`,
}

// Store wraps a SQLite-backed connection pool.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs pending migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("store: create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("ambient store opened", "path", path)
	return st, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		return fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA busy_timeout = 5000`); err != nil {
		return fmt.Errorf("store: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("store: create schema_migrations: %w", err)
	}

	applied := make(map[int]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("store: read schema_migrations: %w", err)
	}
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("store: scan schema_migrations: %w", err)
		}
		applied[v] = true
	}
	rows.Close()

	for i, stmt := range migrations {
		version := i + 1
		if applied[version] {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
		slog.Debug("store: migration applied", "version", version)
	}
	return nil
}

// GetSetting returns a setting's string value, or ok=false if unset.
func (s *Store) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get setting %q: %w", key, err)
	}
	return value, true, nil
}

// SetSetting upserts a setting's value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("store: set setting %q: %w", key, err)
	}
	return nil
}

// AllSettings returns every stored setting.
func (s *Store) AllSettings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM settings`)
	if err != nil {
		return nil, fmt.Errorf("store: list settings: %w", err)
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("store: scan setting: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Ban persists a banned UUID.
func (s *Store) Ban(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO banned_uuids (uuid, banned_at_unix_ms) VALUES (?, ?)`,
		uuid, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("store: ban %q: %w", uuid, err)
	}
	return nil
}

// Unban removes a UUID from the banned set.
func (s *Store) Unban(ctx context.Context, uuid string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM banned_uuids WHERE uuid = ?`, uuid)
	if err != nil {
		return fmt.Errorf("store: unban %q: %w", uuid, err)
	}
	return nil
}

// BannedUUIDs returns every banned UUID.
func (s *Store) BannedUUIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT uuid FROM banned_uuids ORDER BY banned_at_unix_ms`)
	if err != nil {
		return nil, fmt.Errorf("store: list banned uuids: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var uuid string
		if err := rows.Scan(&uuid); err != nil {
			return nil, fmt.Errorf("store: scan banned uuid: %w", err)
		}
		out = append(out, uuid)
	}
	return out, rows.Err()
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	Timestamp time.Time
	ActorUUID string
	Action    string
	Detail    string
}

// AppendAudit records one admin-visible action.
func (s *Store) AppendAudit(ctx context.Context, entry AuditEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (timestamp_unix_ms, actor_uuid, action, detail) VALUES (?, ?, ?, ?)`,
		ts.UnixMilli(), entry.ActorUUID, entry.Action, entry.Detail)
	if err != nil {
		return fmt.Errorf("store: append audit entry: %w", err)
	}
	return nil
}

// AuditLog returns the most recent limit audit entries, newest first.
func (s *Store) AuditLog(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_unix_ms, actor_uuid, action, detail FROM audit_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list audit log: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var tsMS int64
		var e AuditEntry
		if err := rows.Scan(&tsMS, &e.ActorUUID, &e.Action, &e.Detail); err != nil {
			return nil, fmt.Errorf("store: scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMS).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveProfile upserts a client's profile, so it survives a server restart
// even though the message log itself does not.
func (s *Store) SaveProfile(ctx context.Context, uuid string, p protocol.Profile) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profiles (uuid, username, full_name, gender, birth_date, avatar_64_fp, avatar_256_fp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			gender = excluded.gender,
			birth_date = excluded.birth_date,
			avatar_64_fp = excluded.avatar_64_fp,
			avatar_256_fp = excluded.avatar_256_fp`,
		uuid, p.Username, p.FullName, p.Gender, p.BirthDate, p.Avatar64FP, p.Avatar256FP)
	if err != nil {
		return fmt.Errorf("store: save profile %q: %w", uuid, err)
	}
	return nil
}

// Profiles returns every persisted profile, keyed by uuid.
func (s *Store) Profiles(ctx context.Context) (map[string]protocol.Profile, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT uuid, username, full_name, gender, birth_date, avatar_64_fp, avatar_256_fp FROM profiles`)
	if err != nil {
		return nil, fmt.Errorf("store: list profiles: %w", err)
	}
	defer rows.Close()
	out := make(map[string]protocol.Profile)
	for rows.Next() {
		var uuid string
		var p protocol.Profile
		if err := rows.Scan(&uuid, &p.Username, &p.FullName, &p.Gender, &p.BirthDate, &p.Avatar64FP, &p.Avatar256FP); err != nil {
			return nil, fmt.Errorf("store: scan profile: %w", err)
		}
		out[uuid] = p
	}
	return out, rows.Err()
}

// Optimize runs SQLite's PRAGMA optimize, matching the teacher's periodic
// maintenance call.
func (s *Store) Optimize(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `PRAGMA optimize`)
	if err != nil {
		return fmt.Errorf("store: optimize: %w", err)
	}
	return nil
}
