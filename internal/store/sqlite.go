// Package store provides storage backends for FeatureStudio.
//
// This file implements an SQLite-backed store for sessions and chat transcripts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "embed"

	"github.com/BTreeMap/FeatureStudio/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serialises writers and keeps per-connection pragmas.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) CreateSession(session models.Session) error {
	if session.ID == "" {
		return models.ErrMissingSessionID
	}
	_, err := s.db.Exec(`INSERT INTO sessions (id, user_id, created_at) VALUES (?, ?, ?)`,
		session.ID, nilIfEmpty(session.UserID), utc(session.CreatedAt))
	if err != nil {
		slog.Error("SQLiteStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	slog.Debug("SQLiteStore CreateSession succeeded", "sessionID", session.ID, "userID", session.UserID)
	return nil
}

func (s *SQLiteStore) GetSession(id string) (models.Session, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT id, user_id, created_at FROM sessions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("SQLiteStore GetSession failed", "error", err, "sessionID", id)
		return models.Session{}, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return session, nil
}

func (s *SQLiteStore) ListSessions(userID string) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT id, user_id, created_at FROM sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		slog.Error("SQLiteStore ListSessions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			slog.Error("SQLiteStore ListSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("SQLiteStore ListSessions succeeded", "userID", userID, "count", len(sessions))
	return sessions, nil
}

func (s *SQLiteStore) AppendMessage(sessionID string, msg models.ChatMessage) error {
	ok, err := checkMessage(msg)
	if err != nil || !ok {
		return err
	}
	res, err := s.db.Exec(`
		INSERT INTO chat_messages (id, session_id, sender, content, created_at)
		SELECT ?, ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM sessions WHERE id = ?)`,
		msg.ID, sessionID, string(msg.Sender), msg.Content, utc(msg.Timestamp), sessionID)
	if err != nil {
		slog.Error("SQLiteStore AppendMessage failed", "error", err, "sessionID", sessionID, "messageID", msg.ID)
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateMessage(sessionID string, msg models.ChatMessage) error {
	ok, err := checkMessage(msg)
	if err != nil || !ok {
		return err
	}
	res, err := s.db.Exec(`UPDATE chat_messages SET sender = ?, content = ?, created_at = ? WHERE id = ? AND session_id = ?`,
		string(msg.Sender), msg.Content, utc(msg.Timestamp), msg.ID, sessionID)
	if err != nil {
		slog.Error("SQLiteStore UpdateMessage failed", "error", err, "sessionID", sessionID, "messageID", msg.ID)
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) ListMessages(sessionID string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT id, sender, content, created_at FROM chat_messages WHERE session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		slog.Error("SQLiteStore ListMessages query failed", "error", err, "sessionID", sessionID)
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	var msgs []models.ChatMessage
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
