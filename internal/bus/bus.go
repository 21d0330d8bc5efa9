// Package bus provides the session-scoped broadcast bus of FeatureStudio.
//
// Channels are named (see channels.go) and delivery is fire-and-forget: messages are fanned
// out asynchronously to the subscribers present at publish time, dropped for subscribers
// whose buffer is full, and never persisted or replayed.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultBufferSize is the per-subscription buffer used when none is configured.
const DefaultBufferSize = 64

// Message is one broadcast delivered on a named channel.
type Message struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Publisher publishes broadcasts. Implemented by *Bus.
type Publisher interface {
	Publish(channel, event string, payload interface{}) (int, error)
}

// Subscriber opens subscriptions. Implemented by *Bus.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string) *Subscription
}

// Opts holds configuration for the bus.
type Opts struct {
	BufferSize int
	Now        func() time.Time
}

// Option configures the bus.
type Option func(*Opts)

// WithBufferSize sets the per-subscription buffer size.
func WithBufferSize(n int) Option {
	return func(o *Opts) {
		o.BufferSize = n
	}
}

// WithNow overrides the timestamp source stamped on published messages.
func WithNow(now func() time.Time) Option {
	return func(o *Opts) {
		o.Now = now
	}
}

// Bus is an in-process publish/subscribe transport keyed by channel name.
type Bus struct {
	mu         sync.RWMutex
	channels   map[string]map[*Subscription]struct{}
	closed     bool
	bufferSize int
	now        func() time.Time
}

// New creates a bus.
func New(opts ...Option) *Bus {
	cfg := Opts{BufferSize: DefaultBufferSize, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	slog.Debug("Bus.New: created broadcast bus", "bufferSize", cfg.BufferSize)
	return &Bus{
		channels:   make(map[string]map[*Subscription]struct{}),
		bufferSize: cfg.BufferSize,
		now:        cfg.Now,
	}
}

// Subscription receives the messages published on one channel.
type Subscription struct {
	bus     *Bus
	channel string
	ch      chan Message
	once    sync.Once
}

// C returns the delivery channel. It is closed when the subscription ends.
func (s *Subscription) C() <-chan Message { return s.ch }

// Channel returns the channel name this subscription listens on.
func (s *Subscription) Channel() string { return s.channel }

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.unsubscribe(s)
	})
}

// Subscribe registers a subscription on channel. Registration is complete when
// Subscribe returns, so messages published afterwards are delivered to it. The
// subscription ends when ctx is cancelled or Close is called.
func (b *Bus) Subscribe(ctx context.Context, channel string) *Subscription {
	sub := &Subscription{bus: b, channel: channel, ch: make(chan Message, b.bufferSize)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
		return sub
	}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[*Subscription]struct{})
		b.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	b.mu.Unlock()
	slog.Debug("Bus.Subscribe: subscribed", "channel", channel)

	go func() {
		<-ctx.Done()
		sub.Close()
	}()
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if subs, ok := b.channels[sub.channel]; ok {
		if _, present := subs[sub]; present {
			delete(subs, sub)
			close(sub.ch)
		}
		if len(subs) == 0 {
			delete(b.channels, sub.channel)
		}
	}
	slog.Debug("Bus.unsubscribe: subscription closed", "channel", sub.channel)
}

// Publish marshals payload and broadcasts it on channel. It never blocks and
// returns the number of subscribers that accepted the message; zero subscribers
// is not an error.
func (b *Bus) Publish(channel, event string, payload interface{}) (int, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
	case json.RawMessage:
		raw = p
	default:
		data, err := json.Marshal(payload)
		if err != nil {
			slog.Error("Bus.Publish: failed to marshal payload", "channel", channel, "event", event, "error", err)
			return 0, fmt.Errorf("failed to marshal %s payload: %w", event, err)
		}
		raw = data
	}
	return b.PublishMessage(Message{Channel: channel, Event: event, Payload: raw}), nil
}

// PublishMessage broadcasts an already encoded message. A zero Timestamp is stamped
// with the bus clock.
func (b *Bus) PublishMessage(msg Message) int {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = b.now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0
	}

	delivered := 0
	for sub := range b.channels[msg.Channel] {
		select {
		case sub.ch <- msg:
			delivered++
		default:
			slog.Warn("Bus.PublishMessage: subscriber buffer full, dropping message", "channel", msg.Channel, "event", msg.Event)
		}
	}
	slog.Debug("Bus.PublishMessage: broadcast", "channel", msg.Channel, "event", msg.Event, "delivered", delivered)
	return delivered
}

// SubscriberCount returns the number of active subscriptions on channel.
func (b *Bus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}

// Close shuts down the bus and closes every subscription channel.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, subs := range b.channels {
		for sub := range subs {
			close(sub.ch)
		}
	}
	b.channels = nil
	slog.Info("Bus.Close: broadcast bus closed")
}
