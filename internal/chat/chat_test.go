package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/BTreeMap/FeatureStudio/internal/bus"
	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/workflow"
)

const testSession = "session_1760868000000_abcdefghi"

// fakeConversation records the transcript and reports every write on events.
type fakeConversation struct {
	mu       sync.Mutex
	feature  string
	messages []models.ChatMessage
	events   chan models.ChatMessage
}

func newFakeConversation() *fakeConversation {
	return &fakeConversation{feature: "Feature: Draft", events: make(chan models.ChatMessage, 32)}
}

func (c *fakeConversation) SessionID() string { return testSession }
func (c *fakeConversation) UserID() string    { return "analyst-1" }

func (c *fakeConversation) Feature() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.feature
}

func (c *fakeConversation) ApplyFeature(doc string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feature = doc
}

func (c *fakeConversation) AppendMessage(msg models.ChatMessage) error {
	c.mu.Lock()
	c.messages = append(c.messages, msg)
	c.mu.Unlock()
	c.events <- msg
	return nil
}

func (c *fakeConversation) ReplaceMessage(msg models.ChatMessage) error {
	c.mu.Lock()
	defer func() { c.events <- msg }()
	defer c.mu.Unlock()
	for i := range c.messages {
		if c.messages[i].ID == msg.ID {
			c.messages[i] = msg
			return nil
		}
	}
	return models.ErrMessageNotFound
}

func (c *fakeConversation) Messages() []models.ChatMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChatMessage(nil), c.messages...)
}

type sendResult struct {
	resp workflow.Response
	err  error
}

// fakeSender hands every request to the test and blocks until the test answers.
type fakeSender struct {
	calls   chan workflow.Request
	replies chan sendResult
}

func newFakeSender() *fakeSender {
	return &fakeSender{calls: make(chan workflow.Request, 4), replies: make(chan sendResult, 4)}
}

func (s *fakeSender) Send(ctx context.Context, req workflow.Request) (workflow.Response, error) {
	s.calls <- req
	r := <-s.replies
	return r.resp, r.err
}

type harness struct {
	t         *testing.T
	clock     *clockwork.FakeClock
	bus       *bus.Bus
	sender    *fakeSender
	conv      *fakeConversation
	initiator *Initiator
	loading   *bus.Subscription
	done      chan sendOutcome
}

type sendOutcome struct {
	reply Reply
	err   error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	fake := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	b := bus.New(bus.WithNow(fake.Now))
	t.Cleanup(b.Close)
	sender := newFakeSender()
	h := &harness{
		t:         t,
		clock:     fake,
		bus:       b,
		sender:    sender,
		conv:      newFakeConversation(),
		initiator: NewInitiator(sender, b, WithClock(fake)),
		loading:   b.Subscribe(context.Background(), bus.LoadingChannel(testSession)),
		done:      make(chan sendOutcome, 1),
	}
	return h
}

// start runs SendAndWait in the background and returns the request it issued.
func (h *harness) start(text string) workflow.Request {
	h.t.Helper()
	return h.startWithContext(context.Background(), text)
}

func (h *harness) startWithContext(ctx context.Context, text string) workflow.Request {
	h.t.Helper()
	go func() {
		reply, err := h.initiator.SendAndWait(ctx, h.conv, text)
		h.done <- sendOutcome{reply, err}
	}()
	select {
	case req := <-h.sender.calls:
		h.waitTimers(1)
		return req
	case <-time.After(2 * time.Second):
		h.t.Fatal("workflow was not called")
		return workflow.Request{}
	}
}

func (h *harness) waitTimers(n int) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(h.t, h.clock.BlockUntilContext(ctx, n))
}

func (h *harness) nextLifecycle() models.LifecycleKind {
	h.t.Helper()
	select {
	case msg := <-h.loading.C():
		return models.LifecycleKind(msg.Event)
	case <-time.After(2 * time.Second):
		h.t.Fatal("no lifecycle event published")
		return ""
	}
}

func (h *harness) waitTyping() models.ChatMessage {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg := <-h.conv.events:
			if msg.IsTyping {
				return msg
			}
		case <-deadline:
			h.t.Fatal("typing placeholder never appeared")
			return models.ChatMessage{}
		}
	}
}

func (h *harness) result() sendOutcome {
	h.t.Helper()
	select {
	case out := <-h.done:
		return out
	case <-time.After(2 * time.Second):
		h.t.Fatal("SendAndWait did not return")
		return sendOutcome{}
	}
}

// finishTyping advances past the typing delay once the placeholder is shown.
func (h *harness) finishTyping() (models.ChatMessage, sendOutcome) {
	h.t.Helper()
	placeholder := h.waitTyping()
	h.waitTimers(1)
	h.clock.Advance(DefaultTypingDelay)
	return placeholder, h.result()
}

func TestSendAndWait_RevealsReplyAfterMetrics(t *testing.T) {
	h := newHarness(t)
	doc := "Feature: Login\n  Scenario: Successful login"

	req := h.start("  Add a login scenario ")
	require.Equal(t, "Add a login scenario", req.ChatInput)
	require.Equal(t, "Feature: Draft", req.Feature)
	require.Equal(t, testSession, req.SessionID)
	require.Equal(t, "analyst-1", req.UserID)
	require.Equal(t, models.LifecycleWaitingForFeature, h.nextLifecycle())

	msgs := h.conv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, models.SenderUser, msgs[0].Sender)
	require.Equal(t, "Add a login scenario", msgs[0].Content)

	h.sender.replies <- sendResult{resp: workflow.StructuredResponse{Text: "Done", Doc: &doc}}
	require.Equal(t, models.LifecycleFeatureReceived, h.nextLifecycle())
	require.Equal(t, doc, h.conv.Feature())

	// The scorer finishing releases the held reply.
	bus.EmitLifecycle(h.bus, testSession, models.LifecycleMetricsReceived, h.clock.Now())
	require.Equal(t, models.LifecycleMetricsReceived, h.nextLifecycle())

	placeholder, out := h.finishTyping()
	require.NoError(t, out.err)
	require.Equal(t, Reply{Text: "Done", Source: SourceWorkflow, MessageID: placeholder.ID}, out.reply)

	msgs = h.conv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, placeholder.ID, msgs[1].ID)
	require.False(t, msgs[1].IsTyping)
	require.Equal(t, "Done", msgs[1].Content)
	require.False(t, h.initiator.InFlight(testSession))
}

func TestSendAndWait_MetricsBeforeResponse(t *testing.T) {
	h := newHarness(t)
	h.start("Refine the scenarios")
	require.Equal(t, models.LifecycleWaitingForFeature, h.nextLifecycle())

	bus.EmitLifecycle(h.bus, testSession, models.LifecycleMetricsReceived, h.clock.Now())
	h.sender.replies <- sendResult{resp: workflow.TextResponse{Text: "Refined"}}

	_, out := h.finishTyping()
	require.NoError(t, out.err)
	require.Equal(t, "Refined", out.reply.Text)
	require.Equal(t, SourceWorkflow, out.reply.Source)
}

func TestSendAndWait_ResponseBeforeWatchdogIsHonored(t *testing.T) {
	h := newHarness(t)
	h.start("Add a logout scenario")

	h.sender.replies <- sendResult{resp: workflow.TextResponse{Text: "Added logout"}}
	require.Eventually(t, func() bool { return !h.initiator.InFlight(testSession) }, 2*time.Second, time.Millisecond)

	// No metrics ever arrive; the watchdog releases the held reply.
	h.clock.Advance(DefaultWatchdog)

	_, out := h.finishTyping()
	require.NoError(t, out.err)
	require.Equal(t, "Added logout", out.reply.Text)
	require.Equal(t, SourceWorkflow, out.reply.Source)
}

func TestSendAndWait_WatchdogBeforeResponseTakesPrecedence(t *testing.T) {
	h := newHarness(t)
	doc := "Feature: Late"
	h.start("Add a password reset scenario")
	require.Equal(t, models.LifecycleWaitingForFeature, h.nextLifecycle())

	h.clock.Advance(DefaultWatchdog)
	placeholder := h.waitTyping()

	// The underlying call is still pending, so the session stays busy.
	require.True(t, h.initiator.InFlight(testSession))
	_, err := h.initiator.SendAndWait(context.Background(), h.conv, "another one")
	require.ErrorIs(t, err, models.ErrRequestInFlight)

	h.waitTimers(1)
	h.clock.Advance(DefaultTypingDelay)
	out := h.result()
	require.NoError(t, out.err)
	require.Equal(t, Reply{Text: WatchdogText, Source: SourceWatchdog, MessageID: placeholder.ID}, out.reply)

	// The late answer still updates the document but never reaches the transcript.
	h.sender.replies <- sendResult{resp: workflow.StructuredResponse{Text: "Done", Doc: &doc}}
	require.Equal(t, models.LifecycleFeatureReceived, h.nextLifecycle())
	require.Eventually(t, func() bool { return !h.initiator.InFlight(testSession) }, 2*time.Second, time.Millisecond)
	require.Equal(t, doc, h.conv.Feature())

	msgs := h.conv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, WatchdogText, msgs[1].Content)
}

func TestSendAndWait_FailureUnblocksIndicators(t *testing.T) {
	h := newHarness(t)
	h.start("Add a login scenario")
	require.Equal(t, models.LifecycleWaitingForFeature, h.nextLifecycle())

	h.sender.replies <- sendResult{err: &workflow.HTTPError{StatusCode: 500}}
	out := h.result()
	require.NoError(t, out.err)
	require.Equal(t, ApologyText, out.reply.Text)
	require.Equal(t, SourceFailure, out.reply.Source)

	require.Equal(t, models.LifecycleFeatureReceived, h.nextLifecycle())
	require.Equal(t, models.LifecycleMetricsReceived, h.nextLifecycle())

	msgs := h.conv.Messages()
	require.Len(t, msgs, 2)
	require.Equal(t, models.SenderAssistant, msgs[1].Sender)
	require.False(t, msgs[1].IsTyping)
	require.Equal(t, "Feature: Draft", h.conv.Feature())
}

func TestSendAndWait_LateFailureStillUnblocks(t *testing.T) {
	h := newHarness(t)
	h.start("Add a login scenario")
	require.Equal(t, models.LifecycleWaitingForFeature, h.nextLifecycle())

	h.clock.Advance(DefaultWatchdog)
	_, out := h.finishTyping()
	require.Equal(t, SourceWatchdog, out.reply.Source)

	h.sender.replies <- sendResult{err: errors.New("connection reset")}
	require.Equal(t, models.LifecycleFeatureReceived, h.nextLifecycle())
	require.Equal(t, models.LifecycleMetricsReceived, h.nextLifecycle())
	require.Len(t, h.conv.Messages(), 2)
}

func TestSendAndWait_CallerCancelStillReveals(t *testing.T) {
	h := newHarness(t)
	doc := "Feature: Login"
	ctx, cancel := context.WithCancel(context.Background())
	h.startWithContext(ctx, "Add a login scenario")
	require.Equal(t, models.LifecycleWaitingForFeature, h.nextLifecycle())

	cancel()
	out := h.result()
	require.ErrorIs(t, out.err, context.Canceled)
	require.True(t, h.initiator.InFlight(testSession))

	h.sender.replies <- sendResult{resp: workflow.StructuredResponse{Text: "Done", Doc: &doc}}
	require.Equal(t, models.LifecycleFeatureReceived, h.nextLifecycle())
	bus.EmitLifecycle(h.bus, testSession, models.LifecycleMetricsReceived, h.clock.Now())

	placeholder := h.waitTyping()
	h.waitTimers(1)
	h.clock.Advance(DefaultTypingDelay)

	require.Eventually(t, func() bool {
		msgs := h.conv.Messages()
		return len(msgs) == 2 && !msgs[1].IsTyping
	}, 2*time.Second, time.Millisecond)
	msgs := h.conv.Messages()
	require.Equal(t, placeholder.ID, msgs[1].ID)
	require.Equal(t, "Done", msgs[1].Content)
	require.Equal(t, doc, h.conv.Feature())
	require.Eventually(t, func() bool { return !h.initiator.InFlight(testSession) }, 2*time.Second, time.Millisecond)
}

func TestSendAndWait_CallerCancelBeforeWatchdog(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	h.startWithContext(ctx, "Add a login scenario")
	cancel()
	require.ErrorIs(t, h.result().err, context.Canceled)

	// Nobody waits any more, but the watchdog still answers the analyst.
	h.clock.Advance(DefaultWatchdog)
	placeholder := h.waitTyping()
	h.waitTimers(1)
	h.clock.Advance(DefaultTypingDelay)

	require.Eventually(t, func() bool {
		msgs := h.conv.Messages()
		return len(msgs) == 2 && msgs[1].Content == WatchdogText
	}, 2*time.Second, time.Millisecond)
	require.Equal(t, placeholder.ID, h.conv.Messages()[1].ID)

	h.sender.replies <- sendResult{resp: workflow.TextResponse{Text: "late"}}
	require.Eventually(t, func() bool { return !h.initiator.InFlight(testSession) }, 2*time.Second, time.Millisecond)
	require.Len(t, h.conv.Messages(), 2)
}

func TestSendAndWait_RejectsEmptyText(t *testing.T) {
	h := newHarness(t)
	_, err := h.initiator.SendAndWait(context.Background(), h.conv, "   \n\t")
	require.ErrorIs(t, err, models.ErrEmptyMessage)
	require.Empty(t, h.conv.Messages())
	require.False(t, h.initiator.InFlight(testSession))
	select {
	case req := <-h.sender.calls:
		t.Fatalf("unexpected workflow call %+v", req)
	default:
	}
}
