package store

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// InMemoryStore keeps sessions and transcripts in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]models.Session
	messages map[string][]models.ChatMessage
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		sessions: make(map[string]models.Session),
		messages: make(map[string][]models.ChatMessage),
	}
}

func (s *InMemoryStore) CreateSession(session models.Session) error {
	if session.ID == "" {
		return models.ErrMissingSessionID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	session.CreatedAt = utc(session.CreatedAt)
	s.sessions[session.ID] = session
	slog.Debug("InMemoryStore.CreateSession: stored", "sessionID", session.ID)
	return nil
}

func (s *InMemoryStore) GetSession(id string) (models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return models.Session{}, models.ErrSessionNotFound
	}
	return session, nil
}

func (s *InMemoryStore) ListSessions(userID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Session
	if userID == "" {
		return out, nil
	}
	for _, session := range s.sessions {
		if session.UserID == userID {
			out = append(out, session)
		}
	}
	slices.SortFunc(out, func(a, b models.Session) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return out, nil
}

func (s *InMemoryStore) AppendMessage(sessionID string, msg models.ChatMessage) error {
	ok, err := checkMessage(msg)
	if err != nil || !ok {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sessionID]; !exists {
		return models.ErrSessionNotFound
	}
	msg.Timestamp = utc(msg.Timestamp)
	s.messages[sessionID] = append(s.messages[sessionID], msg)
	return nil
}

func (s *InMemoryStore) UpdateMessage(sessionID string, msg models.ChatMessage) error {
	ok, err := checkMessage(msg)
	if err != nil || !ok {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.messages[sessionID]
	i := slices.IndexFunc(msgs, func(m models.ChatMessage) bool { return m.ID == msg.ID })
	if i < 0 {
		return models.ErrMessageNotFound
	}
	msg.Timestamp = utc(msg.Timestamp)
	msgs[i] = msg
	return nil
}

func (s *InMemoryStore) ListMessages(sessionID string) ([]models.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.messages[sessionID]), nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
