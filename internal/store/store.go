// Package store provides storage backends for FeatureStudio.
//
// It persists sessions and chat transcripts so an authenticated analyst can resume a
// prior session. Backends: in-memory, SQLite and PostgreSQL.
package store

import (
	"strings"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// Store persists sessions and their chat transcripts.
// Typing placeholders are never persisted.
type Store interface {
	CreateSession(s models.Session) error
	GetSession(id string) (models.Session, error)
	// ListSessions returns the user's sessions, newest first.
	ListSessions(userID string) ([]models.Session, error)
	AppendMessage(sessionID string, msg models.ChatMessage) error
	UpdateMessage(sessionID string, msg models.ChatMessage) error
	// ListMessages returns the transcript in the order messages were appended.
	ListMessages(sessionID string) ([]models.ChatMessage, error)
	Close() error
}

// Opts holds configuration options for store backends.
type Opts struct {
	DSN string
}

// Option defines a configuration option for store backends.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType returns the database/sql driver name for dsn: "postgres" or "sqlite3".
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite3"
}

// New opens the backend matching dsn, or an in-memory store when dsn is empty.
func New(dsn string) (Store, error) {
	switch {
	case dsn == "":
		return NewInMemoryStore(), nil
	case DetectDSNType(dsn) == "postgres":
		return NewPostgresStore(WithPostgresDSN(dsn))
	default:
		return NewSQLiteStore(WithSQLiteDSN(dsn))
	}
}
