// Package store persists the one piece of durable state this server keeps:
// admission settings (room code and whether it's enforced). Sessions,
// sockets, file owners, and transfers are intentionally never written
// here — the server's Non-goals rule out durability for those.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrSettingNotFound is returned when no value exists for a settings key.
var ErrSettingNotFound = errors.New("setting not found")

const (
	keyRoomCode        = "room_code"
	keyRoomCodeEnabled = "room_code_enabled"
)

// Store persists settings in SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database and runs migrations.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	st := &Store{db: db}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.Info("sqlite store opened", "path", path)
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
	const schema = `
CREATE TABLE IF NOT EXISTS settings (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run sqlite migrations: %w", err)
	}
	slog.Debug("sqlite migrations applied")
	return nil
}

// GetSetting returns the stored value for key, or ErrSettingNotFound.
func (s *Store) GetSetting(ctx context.Context, key string) (string, error) {
	const q = `SELECT value FROM settings WHERE key = ?`
	var value string
	err := s.db.QueryRowContext(ctx, q, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrSettingNotFound
		}
		return "", fmt.Errorf("query setting %q: %w", key, err)
	}
	return value, nil
}

// SetSetting upserts key/value.
func (s *Store) SetSetting(ctx context.Context, key, value string) error {
	const q = `INSERT INTO settings (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`
	if _, err := s.db.ExecContext(ctx, q, key, value); err != nil {
		return fmt.Errorf("persist setting %q: %w", key, err)
	}
	slog.Debug("setting persisted", "key", key)
	return nil
}

// LoadAdmission reads persisted admission settings, defaulting to disabled
// with no code when nothing has been stored yet.
func (s *Store) LoadAdmission(ctx context.Context) (enabled bool, code string, err error) {
	code, err = s.GetSetting(ctx, keyRoomCode)
	if err != nil {
		if !errors.Is(err, ErrSettingNotFound) {
			return false, "", err
		}
		code = ""
	}

	enabledStr, err := s.GetSetting(ctx, keyRoomCodeEnabled)
	if err != nil {
		if !errors.Is(err, ErrSettingNotFound) {
			return false, "", err
		}
		enabledStr = "false"
	}

	return enabledStr == "true", code, nil
}

// SaveAdmission persists admission settings.
func (s *Store) SaveAdmission(ctx context.Context, enabled bool, code string) error {
	if err := s.SetSetting(ctx, keyRoomCode, code); err != nil {
		return err
	}
	value := "false"
	if enabled {
		value = "true"
	}
	return s.SetSetting(ctx, keyRoomCodeEnabled, value)
}
