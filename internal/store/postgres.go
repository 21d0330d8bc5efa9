// Package store provides storage backends for FeatureStudio.
//
// This file implements a PostgreSQL-backed store for sessions and chat transcripts.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/FeatureStudio/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) CreateSession(session models.Session) error {
	if session.ID == "" {
		return models.ErrMissingSessionID
	}
	_, err := s.db.Exec(`INSERT INTO sessions (id, user_id, created_at) VALUES ($1, $2, $3)`,
		session.ID, nilIfEmpty(session.UserID), utc(session.CreatedAt))
	if err != nil {
		slog.Error("PostgresStore CreateSession failed", "error", err, "sessionID", session.ID)
		return fmt.Errorf("failed to insert session %s: %w", session.ID, err)
	}
	slog.Debug("PostgresStore CreateSession succeeded", "sessionID", session.ID, "userID", session.UserID)
	return nil
}

func (s *PostgresStore) GetSession(id string) (models.Session, error) {
	session, err := scanSession(s.db.QueryRow(`SELECT id, user_id, created_at FROM sessions WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, models.ErrSessionNotFound
	}
	if err != nil {
		slog.Error("PostgresStore GetSession failed", "error", err, "sessionID", id)
		return models.Session{}, fmt.Errorf("failed to query session %s: %w", id, err)
	}
	return session, nil
}

func (s *PostgresStore) ListSessions(userID string) ([]models.Session, error) {
	rows, err := s.db.Query(`SELECT id, user_id, created_at FROM sessions WHERE user_id = $1 ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		slog.Error("PostgresStore ListSessions query failed", "error", err, "userID", userID)
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			slog.Error("PostgresStore ListSessions scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session rows: %w", err)
	}
	slog.Debug("PostgresStore ListSessions succeeded", "userID", userID, "count", len(sessions))
	return sessions, nil
}

func (s *PostgresStore) AppendMessage(sessionID string, msg models.ChatMessage) error {
	ok, err := checkMessage(msg)
	if err != nil || !ok {
		return err
	}
	res, err := s.db.Exec(`
		INSERT INTO chat_messages (id, session_id, sender, content, created_at)
		SELECT $1::text, $2::text, $3::text, $4::text, $5::timestamptz WHERE EXISTS (SELECT 1 FROM sessions WHERE id = $2::text)`,
		msg.ID, sessionID, string(msg.Sender), msg.Content, utc(msg.Timestamp))
	if err != nil {
		slog.Error("PostgresStore AppendMessage failed", "error", err, "sessionID", sessionID, "messageID", msg.ID)
		return fmt.Errorf("failed to insert message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrSessionNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateMessage(sessionID string, msg models.ChatMessage) error {
	ok, err := checkMessage(msg)
	if err != nil || !ok {
		return err
	}
	res, err := s.db.Exec(`UPDATE chat_messages SET sender = $1, content = $2, created_at = $3 WHERE id = $4 AND session_id = $5`,
		string(msg.Sender), msg.Content, utc(msg.Timestamp), msg.ID, sessionID)
	if err != nil {
		slog.Error("PostgresStore UpdateMessage failed", "error", err, "sessionID", sessionID, "messageID", msg.ID)
		return fmt.Errorf("failed to update message %s: %w", msg.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrMessageNotFound
	}
	return nil
}

func (s *PostgresStore) ListMessages(sessionID string) ([]models.ChatMessage, error) {
	rows, err := s.db.Query(`SELECT id, sender, content, created_at FROM chat_messages WHERE session_id = $1 ORDER BY seq`, sessionID)
	if err != nil {
		slog.Error("PostgresStore ListMessages query failed", "error", err, "sessionID", sessionID)
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

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
