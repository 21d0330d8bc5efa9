// Package studio is the root shell of a FeatureStudio session.
//
// A Workspace owns everything one analyst session shares across panels: the feature
// document, the quality metrics and their tips, the chat transcript and the single
// loading Tracker. It reacts to broadcasts on the session's channels from one event
// loop goroutine and publishes every change back on the bus for the browser panels.
package studio

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FeatureStudio/internal/bus"
	"github.com/BTreeMap/FeatureStudio/internal/loading"
	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/store"
	"github.com/BTreeMap/FeatureStudio/internal/tips"
)

// Origins stamped on feature-update payloads published by the workspace itself.
const (
	OriginWorkflow = "workflow"
	OriginEditor   = "editor"
)

// DefaultScoreTimeout bounds one local scoring call.
const DefaultScoreTimeout = time.Minute

// featureFields are the payload fields that may carry the document, in priority order.
var featureFields = []string{"content", "text", "feature"}

// Broker is the part of the broadcast bus a workspace needs.
type Broker interface {
	bus.Publisher
	bus.Subscriber
}

// Scorer scores a feature document locally.
type Scorer interface {
	Score(ctx context.Context, feature string) (models.QualityMetrics, error)
}

// Snapshot is the full state of a workspace, served to clients that (re)connect.
type Snapshot struct {
	Session      models.Session              `json:"session"`
	Feature      string                      `json:"feature"`
	Metrics      models.QualityMetrics       `json:"metrics"`
	OverallLabel string                      `json:"overallLabel"`
	ScoreLabels  map[models.Criterion]string `json:"scoreLabels"`
	Tips         []models.Tip                `json:"tips"`
	Loading      models.LoadingState         `json:"loading"`
	Messages     []models.ChatMessage        `json:"messages"`
	InFlight     bool                        `json:"inFlight"`
}

// Workspace is the state of one session. It implements chat.Conversation.
type Workspace struct {
	session models.Session
	store   store.Store
	broker  Broker
	clock   clockwork.Clock
	scorer  Scorer
	tracker *loading.Tracker

	mu       sync.RWMutex
	feature  string
	metrics  models.QualityMetrics
	tips     []models.Tip
	messages []models.ChatMessage

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// newWorkspace builds a workspace over an existing transcript and starts its event loop.
// Subscriptions are registered before it returns.
func newWorkspace(session models.Session, history []models.ChatMessage, st store.Store, broker Broker, c clockwork.Clock, scorer Scorer) *Workspace {
	ctx, cancel := context.WithCancel(context.Background())
	w := &Workspace{
		session:  session,
		store:    st,
		broker:   broker,
		clock:    c,
		scorer:   scorer,
		tracker:  loading.NewTracker(session.ID, c),
		messages: history,
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	w.tracker.OnChange(w.publishLoadingState)

	feature := broker.Subscribe(ctx, bus.FeatureChannel(session.ID))
	metrics := broker.Subscribe(ctx, bus.MetricsChannel(session.ID))
	lifecycle := broker.Subscribe(ctx, bus.LoadingChannel(session.ID))
	go w.run(feature, metrics, lifecycle)

	slog.Debug("Workspace.newWorkspace: started", "sessionID", session.ID, "history", len(history))
	return w
}

// run is the workspace event loop. Every broadcast for the session is handled here,
// one at a time.
func (w *Workspace) run(feature, metrics, lifecycle *bus.Subscription) {
	defer close(w.done)
	featureC, metricsC, lifecycleC := feature.C(), metrics.C(), lifecycle.C()
	for {
		select {
		case <-w.ctx.Done():
			return
		case msg, ok := <-featureC:
			if !ok {
				return
			}
			if msg.Event == bus.EventFeatureUpdate {
				w.handleFeatureUpdate(msg.Payload)
			}
		case msg, ok := <-metricsC:
			if !ok {
				return
			}
			if msg.Event == bus.EventMetricsUpdate {
				w.handleMetricsUpdate(msg.Payload)
			}
		case msg, ok := <-lifecycleC:
			if !ok {
				return
			}
			if kind := models.LifecycleKind(msg.Event); models.IsValidLifecycleKind(kind) {
				w.tracker.Apply(kind)
			}
		}
	}
}

// handleFeatureUpdate applies a document relayed from the workflow.
func (w *Workspace) handleFeatureUpdate(payload json.RawMessage) {
	if gjson.GetBytes(payload, "origin").Exists() {
		return
	}
	doc, ok := featureFrom(payload)
	if !ok {
		slog.Warn("Workspace.handleFeatureUpdate: payload carries no document", "sessionID", w.session.ID)
		return
	}
	w.setFeature(doc)
	slog.Info("Workspace.handleFeatureUpdate: feature document replaced", "sessionID", w.session.ID, "length", len(doc))

	bus.EmitLifecycle(w.broker, w.session.ID, models.LifecycleFeatureReceived, w.clock.Now())
	bus.EmitLifecycle(w.broker, w.session.ID, models.LifecycleWaitingForMetrics, w.clock.Now())
	w.score(doc)
}

// featureFrom extracts the document from a feature-update payload.
func featureFrom(payload json.RawMessage) (string, bool) {
	for _, field := range featureFields {
		if v := gjson.GetBytes(payload, field); v.Type == gjson.String {
			return v.Str, true
		}
	}
	return "", false
}

// handleMetricsUpdate merges relayed scores, recomputes tips and completes the cycle.
func (w *Workspace) handleMetricsUpdate(payload json.RawMessage) {
	var update models.QualityMetrics
	if err := json.Unmarshal(payload, &update); err != nil {
		slog.Warn("Workspace.handleMetricsUpdate: invalid metrics payload", "sessionID", w.session.ID, "error", err)
		return
	}
	if update.IsEmpty() {
		slog.Warn("Workspace.handleMetricsUpdate: metrics update carries no scores", "sessionID", w.session.ID)
	}

	w.mu.Lock()
	w.metrics = w.metrics.Merge(update)
	w.tips = tips.TipsFrom(w.metrics)
	label, tipCount := w.metrics.OverallLabel(), len(w.tips)
	w.mu.Unlock()
	slog.Info("Workspace.handleMetricsUpdate: metrics merged", "sessionID", w.session.ID, "overall", label, "tips", tipCount)

	bus.EmitLifecycle(w.broker, w.session.ID, models.LifecycleMetricsReceived, w.clock.Now())
}

// score runs the local scorer, if any, and relays its result like an external scorer would.
func (w *Workspace) score(doc string) {
	if w.scorer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(w.ctx, DefaultScoreTimeout)
		defer cancel()
		metrics, err := w.scorer.Score(ctx, doc)
		if err != nil {
			slog.Error("Workspace.score: local scoring failed", "sessionID", w.session.ID, "error", err)
			bus.EmitLifecycle(w.broker, w.session.ID, models.LifecycleMetricsReceived, w.clock.Now())
			return
		}
		payload, err := metricsPayload(w.session.ID, metrics, w.clock.Now())
		if err != nil {
			slog.Error("Workspace.score: failed to encode metrics", "sessionID", w.session.ID, "error", err)
			bus.EmitLifecycle(w.broker, w.session.ID, models.LifecycleMetricsReceived, w.clock.Now())
			return
		}
		if _, err := w.broker.Publish(bus.MetricsChannel(w.session.ID), bus.EventMetricsUpdate, payload); err != nil {
			slog.Error("Workspace.score: failed to publish metrics", "sessionID", w.session.ID, "error", err)
		}
	}()
}

// metricsPayload builds the flat metrics-update payload {timestamp, sessionId, ...metrics}.
func metricsPayload(sessionID string, metrics models.QualityMetrics, now time.Time) (json.RawMessage, error) {
	flat, err := json.Marshal(metrics)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(flat, &fields); err != nil {
		return nil, err
	}
	fields["timestamp"], _ = json.Marshal(now.UTC().Format(time.RFC3339Nano))
	fields["sessionId"], _ = json.Marshal(sessionID)
	return json.Marshal(fields)
}

func (w *Workspace) publishLoadingState(state models.LoadingState) {
	if _, err := w.broker.Publish(bus.LoadingChannel(w.session.ID), bus.EventLoadingState, state); err != nil {
		slog.Error("Workspace.publishLoadingState: publish failed", "sessionID", w.session.ID, "error", err)
	}
}

func (w *Workspace) setFeature(doc string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.feature = doc
}

// publishFeature shows a document the workspace applied itself to the document panel.
func (w *Workspace) publishFeature(doc, origin string) {
	payload := map[string]string{
		"timestamp": w.clock.Now().UTC().Format(time.RFC3339Nano),
		"sessionId": w.session.ID,
		"content":   doc,
		"origin":    origin,
	}
	if _, err := w.broker.Publish(bus.FeatureChannel(w.session.ID), bus.EventFeatureUpdate, payload); err != nil {
		slog.Error("Workspace.publishFeature: publish failed", "sessionID", w.session.ID, "error", err)
	}
}

// SessionID returns the session identifier.
func (w *Workspace) SessionID() string { return w.session.ID }

// UserID returns the owning user, or "" for anonymous sessions.
func (w *Workspace) UserID() string { return w.session.UserID }

// Session returns the session record.
func (w *Workspace) Session() models.Session { return w.session }

// Tracker returns the session's shared loading tracker.
func (w *Workspace) Tracker() *loading.Tracker { return w.tracker }

// Feature returns the current feature document.
func (w *Workspace) Feature() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.feature
}

// ApplyFeature replaces the document with one returned by the workflow.
func (w *Workspace) ApplyFeature(doc string) {
	w.setFeature(doc)
	w.publishFeature(doc, OriginWorkflow)
	w.score(doc)
}

// EditFeature replaces the document with a local edit. Last writer wins.
func (w *Workspace) EditFeature(doc string) error {
	if len(doc) > models.MaxFeatureLength {
		return models.ErrFeatureTooLong
	}
	w.setFeature(doc)
	w.publishFeature(doc, OriginEditor)
	slog.Debug("Workspace.EditFeature: local edit applied", "sessionID", w.session.ID, "length", len(doc))
	return nil
}

// Metrics returns the merged quality metrics.
func (w *Workspace) Metrics() models.QualityMetrics {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.metrics
}

// Tips returns the tips derived from the current metrics.
func (w *Workspace) Tips() []models.Tip {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.tips)
}

// Messages returns the transcript, including a pending typing placeholder.
func (w *Workspace) Messages() []models.ChatMessage {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return slices.Clone(w.messages)
}

// AppendMessage adds a message to the transcript and announces it on the chat channel.
func (w *Workspace) AppendMessage(msg models.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}
	if err := w.store.AppendMessage(w.session.ID, msg); err != nil {
		return fmt.Errorf("failed to persist message: %w", err)
	}
	w.mu.Lock()
	w.messages = append(w.messages, msg)
	w.mu.Unlock()

	w.publishMessage(bus.EventMessageAdded, msg)
	return nil
}

// ReplaceMessage swaps the message carrying msg.ID, typically a typing placeholder,
// for msg and announces the change.
func (w *Workspace) ReplaceMessage(msg models.ChatMessage) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	w.mu.Lock()
	i := slices.IndexFunc(w.messages, func(m models.ChatMessage) bool { return m.ID == msg.ID })
	if i < 0 {
		w.mu.Unlock()
		return models.ErrMessageNotFound
	}
	prev := w.messages[i]
	w.messages[i] = msg
	w.mu.Unlock()

	var err error
	if prev.IsTyping {
		err = w.store.AppendMessage(w.session.ID, msg)
	} else {
		err = w.store.UpdateMessage(w.session.ID, msg)
	}
	if err != nil {
		slog.Error("Workspace.ReplaceMessage: failed to persist message", "sessionID", w.session.ID, "messageID", msg.ID, "error", err)
	}

	w.publishMessage(bus.EventMessageUpdated, msg)
	return err
}

func (w *Workspace) publishMessage(event string, msg models.ChatMessage) {
	if _, err := w.broker.Publish(bus.ChatChannel(w.session.ID), event, msg); err != nil {
		slog.Error("Workspace.publishMessage: publish failed", "sessionID", w.session.ID, "event", event, "error", err)
	}
}

// Snapshot returns the current state of the workspace.
func (w *Workspace) Snapshot() Snapshot {
	loadingState := w.tracker.Snapshot()
	w.mu.RLock()
	defer w.mu.RUnlock()
	return Snapshot{
		Session:      w.session,
		Feature:      w.feature,
		Metrics:      w.metrics,
		OverallLabel: w.metrics.OverallLabel(),
		ScoreLabels:  w.metrics.ScoreLabels(),
		Tips:         slices.Clone(w.tips),
		Loading:      loadingState,
		Messages:     slices.Clone(w.messages),
	}
}

// Close stops the event loop and releases the subscriptions.
func (w *Workspace) Close() {
	w.cancel()
	<-w.done
	w.tracker.Stop()
	slog.Debug("Workspace.Close: stopped", "sessionID", w.session.ID)
}
