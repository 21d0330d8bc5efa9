// Package chat implements the outbound request initiator: it sends an analyst's message
// to the AI workflow, drives the session's lifecycle events and reveals the assistant
// reply through a typing simulation.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/BTreeMap/FeatureStudio/internal/bus"
	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/workflow"
)

// Timing of the reply reveal.
const (
	// DefaultWatchdog is the longest a reply waits for the scoring signal.
	DefaultWatchdog = 10 * time.Second
	// DefaultTypingDelay is how long the typing placeholder is shown.
	DefaultTypingDelay = 2500 * time.Millisecond
)

// User-visible assistant texts.
const (
	// ApologyText replaces the reply when the workflow could not be reached.
	ApologyText = "Sorry, I'm having trouble connecting to the service right now. Please try again later."
	// WatchdogText is revealed when the workflow has not answered in time.
	WatchdogText = "I'm still working on your request. The feature document will update as soon as it is ready."
)

// Source tells where a revealed reply came from.
type Source string

const (
	SourceWorkflow Source = "workflow"
	SourceWatchdog Source = "watchdog"
	SourceFailure  Source = "failure"
)

// Reply is the assistant turn revealed for one SendAndWait call.
type Reply struct {
	Text      string `json:"text"`
	Source    Source `json:"source"`
	MessageID string `json:"messageId"`
}

// Conversation is the session state a request reads from and writes to.
type Conversation interface {
	SessionID() string
	UserID() string
	Feature() string
	ApplyFeature(doc string)
	AppendMessage(msg models.ChatMessage) error
	ReplaceMessage(msg models.ChatMessage) error
}

// Broker is the part of the broadcast bus the initiator needs.
type Broker interface {
	bus.Publisher
	bus.Subscriber
}

// Opts holds configuration options for the initiator.
type Opts struct {
	Clock       clockwork.Clock
	Watchdog    time.Duration
	TypingDelay time.Duration
}

// Option defines a configuration option for the initiator.
type Option func(*Opts)

// WithClock sets the time source used for the watchdog and the typing delay.
func WithClock(c clockwork.Clock) Option {
	return func(o *Opts) { o.Clock = c }
}

// WithWatchdog sets how long a reply may wait for metrics-received.
func WithWatchdog(d time.Duration) Option {
	return func(o *Opts) { o.Watchdog = d }
}

// WithTypingDelay sets how long the typing placeholder is shown.
func WithTypingDelay(d time.Duration) Option {
	return func(o *Opts) { o.TypingDelay = d }
}

// outcome is the settled result of one workflow call.
type outcome struct {
	resp workflow.Response
	err  error
}

// Initiator sends chat turns to the workflow, at most one in flight per session.
type Initiator struct {
	sender      workflow.Sender
	broker      Broker
	clock       clockwork.Clock
	watchdog    time.Duration
	typingDelay time.Duration

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewInitiator creates an initiator sending through sender and signalling on broker.
func NewInitiator(sender workflow.Sender, broker Broker, opts ...Option) *Initiator {
	cfg := Opts{Watchdog: DefaultWatchdog, TypingDelay: DefaultTypingDelay}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Initiator{
		sender:      sender,
		broker:      broker,
		clock:       cfg.Clock,
		watchdog:    cfg.Watchdog,
		typingDelay: cfg.TypingDelay,
		inFlight:    make(map[string]struct{}),
	}
}

// InFlight reports whether a workflow call for the session has not settled yet.
func (in *Initiator) InFlight(sessionID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	_, busy := in.inFlight[sessionID]
	return busy
}

func (in *Initiator) acquire(sessionID string) bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, busy := in.inFlight[sessionID]; busy {
		return false
	}
	in.inFlight[sessionID] = struct{}{}
	return true
}

func (in *Initiator) release(sessionID string) {
	in.mu.Lock()
	defer in.mu.Unlock()
	delete(in.inFlight, sessionID)
}

// SendAndWait sends text as the analyst's next turn and returns once the assistant
// reply has been revealed in conv.
//
// The reply is held until metrics-received is seen on the session's loading channel or
// the watchdog fires. If the watchdog fires before the workflow answers, WatchdogText is
// revealed instead; the late answer still updates the document but its text is dropped.
// The session stays in flight until the workflow call itself settles.
//
// Cancelling ctx only stops the wait: the request, the hold and the reveal carry on and
// the reply still reaches the transcript.
func (in *Initiator) SendAndWait(ctx context.Context, conv Conversation, text string) (Reply, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Reply{}, models.ErrEmptyMessage
	}
	if len(trimmed) > models.MaxChatMessageLength {
		return Reply{}, models.ErrMessageTooLong
	}
	sessionID := conv.SessionID()
	if !in.acquire(sessionID) {
		slog.Warn("Initiator.SendAndWait: request already in flight", "sessionID", sessionID)
		return Reply{}, models.ErrRequestInFlight
	}

	userMsg := models.ChatMessage{
		ID:        uuid.NewString(),
		Content:   trimmed,
		Sender:    models.SenderUser,
		Timestamp: in.clock.Now(),
	}
	if err := conv.AppendMessage(userMsg); err != nil {
		in.release(sessionID)
		return Reply{}, err
	}

	subCtx, cancelSub := context.WithCancel(context.Background())
	loading := in.broker.Subscribe(subCtx, bus.LoadingChannel(sessionID))

	bus.EmitLifecycle(in.broker, sessionID, models.LifecycleWaitingForFeature, in.clock.Now())

	req := workflow.Request{
		SessionID: sessionID,
		ChatInput: trimmed,
		Feature:   conv.Feature(),
		UserID:    conv.UserID(),
	}
	results := make(chan outcome, 1)
	go in.call(context.WithoutCancel(ctx), conv, req, results)

	revealed := make(chan turn, 1)
	go func() {
		defer cancelSub()
		reply, err := in.hold(conv, loading, results)
		revealed <- turn{reply: reply, err: err}
	}()

	select {
	case t := <-revealed:
		return t.reply, t.err
	case <-ctx.Done():
		slog.Info("Initiator.SendAndWait: caller gave up, reply will still be revealed", "sessionID", sessionID, "error", ctx.Err())
		return Reply{}, ctx.Err()
	}
}

// turn is the revealed result of one chat turn.
type turn struct {
	reply Reply
	err   error
}

// hold waits for the workflow result and the scoring signal, then reveals the reply.
func (in *Initiator) hold(conv Conversation, loading *bus.Subscription, results <-chan outcome) (Reply, error) {
	sessionID := conv.SessionID()
	watchdog := in.clock.NewTimer(in.watchdog)
	defer watchdog.Stop()

	var settled *outcome
	metricsSeen := false
	events := loading.C()
	for {
		select {
		case o := <-results:
			settled = &o
			if o.err != nil {
				watchdog.Stop()
				return in.revealNow(conv, ApologyText, SourceFailure)
			}
			if metricsSeen {
				watchdog.Stop()
				return in.reveal(conv, o.resp.Reply(), SourceWorkflow)
			}
			slog.Debug("Initiator.hold: reply held until metrics arrive", "sessionID", sessionID)

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if msg.Event != string(models.LifecycleMetricsReceived) {
				continue
			}
			metricsSeen = true
			if settled != nil {
				watchdog.Stop()
				return in.reveal(conv, settled.resp.Reply(), SourceWorkflow)
			}

		case <-watchdog.Chan():
			if settled == nil {
				select {
				case o := <-results:
					settled = &o
				default:
				}
			}
			switch {
			case settled == nil:
				slog.Warn("Initiator.hold: watchdog fired before the workflow answered", "sessionID", sessionID, "after", in.watchdog)
				go discardLate(sessionID, results)
				return in.reveal(conv, WatchdogText, SourceWatchdog)
			case settled.err != nil:
				return in.revealNow(conv, ApologyText, SourceFailure)
			default:
				slog.Debug("Initiator.hold: watchdog released held reply", "sessionID", sessionID)
				return in.reveal(conv, settled.resp.Reply(), SourceWorkflow)
			}
		}
	}
}

// call performs the workflow request and applies its side effects whether or not a
// reply is still awaited.
func (in *Initiator) call(ctx context.Context, conv Conversation, req workflow.Request, results chan<- outcome) {
	defer in.release(req.SessionID)

	resp, err := in.sender.Send(ctx, req)
	if err != nil {
		var httpErr *workflow.HTTPError
		if errors.As(err, &httpErr) {
			slog.Error("Initiator.call: workflow returned an error status", "sessionID", req.SessionID, "status", httpErr.StatusCode)
		} else {
			slog.Error("Initiator.call: workflow unreachable", "sessionID", req.SessionID, "error", err)
		}
		bus.EmitLifecycle(in.broker, req.SessionID, models.LifecycleFeatureReceived, in.clock.Now())
		bus.EmitLifecycle(in.broker, req.SessionID, models.LifecycleMetricsReceived, in.clock.Now())
		results <- outcome{err: err}
		return
	}

	if doc, ok := resp.Document(); ok {
		conv.ApplyFeature(doc)
		bus.EmitLifecycle(in.broker, req.SessionID, models.LifecycleFeatureReceived, in.clock.Now())
		slog.Debug("Initiator.call: feature document applied", "sessionID", req.SessionID, "length", len(doc))
	}
	results <- outcome{resp: resp}
	slog.Debug("Initiator.call: workflow settled", "sessionID", req.SessionID, "replyLength", len(resp.Reply()))
}

// discardLate drops the reply of a call that settled after the watchdog took over.
func discardLate(sessionID string, results <-chan outcome) {
	o := <-results
	if o.err != nil {
		return
	}
	slog.Info("Initiator.SendAndWait: late workflow reply discarded", "sessionID", sessionID, "replyLength", len(o.resp.Reply()))
}

// reveal shows a typing placeholder for the typing delay, then replaces it with text.
func (in *Initiator) reveal(conv Conversation, text string, source Source) (Reply, error) {
	id := uuid.NewString()
	placeholder := models.ChatMessage{
		ID:        id,
		Sender:    models.SenderAssistant,
		Timestamp: in.clock.Now(),
		IsTyping:  true,
	}
	if err := conv.AppendMessage(placeholder); err != nil {
		return Reply{}, err
	}

	in.clock.Sleep(in.typingDelay)

	final := models.ChatMessage{
		ID:        id,
		Content:   text,
		Sender:    models.SenderAssistant,
		Timestamp: in.clock.Now(),
	}
	if err := conv.ReplaceMessage(final); err != nil {
		return Reply{}, err
	}
	slog.Info("Initiator.reveal: assistant reply revealed", "sessionID", conv.SessionID(), "source", source)
	return Reply{Text: text, Source: source, MessageID: id}, nil
}

// revealNow appends text as an assistant turn without the typing simulation.
func (in *Initiator) revealNow(conv Conversation, text string, source Source) (Reply, error) {
	msg := models.ChatMessage{
		ID:        uuid.NewString(),
		Content:   text,
		Sender:    models.SenderAssistant,
		Timestamp: in.clock.Now(),
	}
	if err := conv.AppendMessage(msg); err != nil {
		return Reply{}, err
	}
	slog.Info("Initiator.revealNow: assistant reply revealed", "sessionID", conv.SessionID(), "source", source)
	return Reply{Text: text, Source: source, MessageID: msg.ID}, nil
}
