package store

import (
	"database/sql"
	"time"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// scanSession scans a Session from the columns id, user_id, created_at.
func scanSession(row rowScanner) (models.Session, error) {
	var s models.Session
	var userID sql.NullString
	if err := row.Scan(&s.ID, &userID, &s.CreatedAt); err != nil {
		return s, err
	}
	s.UserID = userID.String
	s.CreatedAt = s.CreatedAt.UTC()
	return s, nil
}

// scanMessage scans a ChatMessage from the columns id, sender, content, created_at.
func scanMessage(row rowScanner) (models.ChatMessage, error) {
	var m models.ChatMessage
	var sender string
	if err := row.Scan(&m.ID, &sender, &m.Content, &m.Timestamp); err != nil {
		return m, err
	}
	m.Sender = models.Sender(sender)
	m.Timestamp = m.Timestamp.UTC()
	return m, nil
}

// utc normalises timestamps before they are written.
func utc(t time.Time) time.Time {
	return t.UTC()
}

// checkMessage validates a message before it is written. It reports false for typing
// placeholders, which are skipped.
func checkMessage(msg models.ChatMessage) (bool, error) {
	if msg.IsTyping {
		return false, nil
	}
	if err := msg.Validate(); err != nil {
		return false, err
	}
	return true, nil
}
