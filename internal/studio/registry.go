package studio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"

	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/store"
	"github.com/BTreeMap/FeatureStudio/internal/util"
)

// GreetingText opens every new session's transcript.
const GreetingText = "Hello! I'm here to help you create better feature files. What requirement would you like to work on?"

// Registry defaults.
const (
	DefaultIdleTTL         = 30 * time.Minute
	DefaultCleanupInterval = 5 * time.Minute
)

// Opts holds configuration options for the registry.
type Opts struct {
	Clock           clockwork.Clock
	Scorer          Scorer
	IdleTTL         time.Duration
	CleanupInterval time.Duration
}

// Option defines a configuration option for the registry.
type Option func(*Opts)

// WithClock sets the time source shared by every workspace.
func WithClock(c clockwork.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithScorer enables local scoring of feature documents.
func WithScorer(s Scorer) Option {
	return func(o *Opts) { o.Scorer = s }
}

// WithIdleTTL sets how long an untouched workspace stays loaded.
func WithIdleTTL(d time.Duration) Option {
	return func(o *Opts) { o.IdleTTL = d }
}

// WithCleanupInterval sets how often expired workspaces are closed.
func WithCleanupInterval(d time.Duration) Option {
	return func(o *Opts) { o.CleanupInterval = d }
}

// Registry creates, resumes and caches the workspaces of live sessions.
// A workspace that is not touched for the idle TTL is closed; its history stays in the store.
type Registry struct {
	store  store.Store
	broker Broker
	clock  clockwork.Clock
	scorer Scorer
	ttl    time.Duration
	cache  *cache.Cache

	loadMu sync.Mutex
}

// NewRegistry creates a registry over st that publishes on broker.
func NewRegistry(st store.Store, broker Broker, opts ...Option) *Registry {
	cfg := Opts{IdleTTL: DefaultIdleTTL, CleanupInterval: DefaultCleanupInterval}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	c := cache.New(cfg.IdleTTL, cfg.CleanupInterval)
	c.OnEvicted(func(id string, v interface{}) {
		if w, ok := v.(*Workspace); ok {
			slog.Debug("Registry: workspace evicted", "sessionID", id)
			w.Close()
		}
	})

	return &Registry{
		store:  st,
		broker: broker,
		clock:  cfg.Clock,
		scorer: cfg.Scorer,
		ttl:    cfg.IdleTTL,
		cache:  c,
	}
}

// Create starts a new session for userID ("" for an anonymous visitor) and greets the analyst.
func (r *Registry) Create(userID string) (*Workspace, error) {
	now := r.clock.Now()
	session := models.Session{ID: util.NewSessionID(now), UserID: userID, CreatedAt: now}
	if err := r.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}

	w := newWorkspace(session, nil, r.store, r.broker, r.clock, r.scorer)
	greeting := models.ChatMessage{
		ID:        uuid.NewString(),
		Content:   GreetingText,
		Sender:    models.SenderAssistant,
		Timestamp: now,
	}
	if err := w.AppendMessage(greeting); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to greet session: %w", err)
	}

	r.cache.Set(session.ID, w, r.ttl)
	slog.Info("Registry.Create: session created", "sessionID", session.ID, "userID", userID)
	return w, nil
}

// Resume reopens the most recent session of userID. It returns ErrSessionNotFound when
// the user has none.
func (r *Registry) Resume(userID string) (*Workspace, error) {
	if userID == "" {
		return nil, models.ErrSessionNotFound
	}
	prior, err := r.store.ListSessions(userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	session, ok := util.ChooseSession(prior)
	if !ok {
		return nil, models.ErrSessionNotFound
	}
	slog.Debug("Registry.Resume: resuming session", "sessionID", session.ID, "userID", userID)
	return r.Get(session.ID)
}

// Open resumes the user's latest session when resume is set and one exists,
// and otherwise creates a new one.
func (r *Registry) Open(userID string, resume bool) (*Workspace, error) {
	if resume {
		w, err := r.Resume(userID)
		if err == nil {
			return w, nil
		}
		if !errors.Is(err, models.ErrSessionNotFound) {
			return nil, err
		}
	}
	return r.Create(userID)
}

// Get returns the workspace of a session, loading its history from the store if it is not live.
func (r *Registry) Get(id string) (*Workspace, error) {
	if w, ok := r.lookup(id); ok {
		return w, nil
	}

	r.loadMu.Lock()
	defer r.loadMu.Unlock()
	if w, ok := r.lookup(id); ok {
		return w, nil
	}

	session, err := r.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	history, err := r.store.ListMessages(id)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	// An expired entry not yet swept is closed before it is replaced.
	r.cache.Delete(id)
	w := newWorkspace(session, history, r.store, r.broker, r.clock, r.scorer)
	r.cache.Set(id, w, r.ttl)
	slog.Info("Registry.Get: session loaded", "sessionID", id, "history", len(history))
	return w, nil
}

// lookup returns a live workspace and refreshes its idle deadline.
func (r *Registry) lookup(id string) (*Workspace, bool) {
	v, ok := r.cache.Get(id)
	if !ok {
		return nil, false
	}
	w := v.(*Workspace)
	r.cache.Set(id, w, r.ttl)
	return w, true
}

// Sessions lists the sessions of userID, newest first.
func (r *Registry) Sessions(userID string) ([]models.Session, error) {
	return r.store.ListSessions(userID)
}

// Live returns the number of loaded workspaces.
func (r *Registry) Live() int {
	return r.cache.ItemCount()
}

// Close closes every live workspace.
func (r *Registry) Close() {
	for id, item := range r.cache.Items() {
		if w, ok := item.Object.(*Workspace); ok {
			w.Close()
		}
		slog.Debug("Registry.Close: workspace closed", "sessionID", id)
	}
	r.cache.OnEvicted(nil)
	r.cache.Flush()
}
