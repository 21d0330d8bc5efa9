package api_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/BTreeMap/FeatureStudio/internal/api"
	"github.com/BTreeMap/FeatureStudio/internal/bus"
	"github.com/BTreeMap/FeatureStudio/internal/chat"
	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/studio"
	"github.com/BTreeMap/FeatureStudio/internal/testutil"
)

type testEnv struct {
	clock   *clockwork.FakeClock
	sender  *testutil.StubSender
	server  *api.Server
	handler http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	fake := clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC))
	sender := testutil.NewStubSender("I've added a login scenario.")
	server := testutil.NewTestServer(sender, api.WithClock(fake))
	t.Cleanup(func() { server.Close() })
	return &testEnv{clock: fake, sender: sender, server: server, handler: server.Handler()}
}

func (e *testEnv) do(t *testing.T, method, url string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	return testutil.Do(e.handler, testutil.CreateHTTPRequest(t, method, url, body))
}

func (e *testEnv) openSession(t *testing.T, userID string) studio.Snapshot {
	t.Helper()
	rr := e.do(t, http.MethodPost, "/api/sessions", api.OpenSessionRequest{UserID: userID})
	testutil.AssertHTTPStatus(t, http.StatusCreated, rr.Code, "open session")
	var snap studio.Snapshot
	testutil.DecodeResult(t, rr, &snap)
	return snap
}

func (e *testEnv) snapshot(t *testing.T, id string) studio.Snapshot {
	t.Helper()
	rr := e.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "get session")
	var snap studio.Snapshot
	testutil.DecodeResult(t, rr, &snap)
	return snap
}

func (e *testEnv) waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestOpenSessionGreets(t *testing.T) {
	env := newTestEnv(t)

	snap := env.openSession(t, "analyst-1")
	if !strings.HasPrefix(snap.Session.ID, "session_") {
		t.Errorf("unexpected session id %q", snap.Session.ID)
	}
	if len(snap.Messages) != 1 || snap.Messages[0].Content != studio.GreetingText {
		t.Errorf("expected greeting, got %+v", snap.Messages)
	}
	if snap.OverallLabel != "0/9" || snap.Loading.ProgressVisible {
		t.Errorf("expected idle empty workspace, got %+v", snap)
	}

	resumed := env.do(t, http.MethodPost, "/api/sessions", api.OpenSessionRequest{UserID: "analyst-1", Resume: true})
	var again studio.Snapshot
	testutil.DecodeResult(t, resumed, &again)
	if again.Session.ID != snap.Session.ID {
		t.Errorf("expected resume of %s, got %s", snap.Session.ID, again.Session.ID)
	}

	rr := env.do(t, http.MethodGet, "/api/sessions?userId=analyst-1", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "list sessions")
	var sessions []models.Session
	testutil.DecodeResult(t, rr, &sessions)
	if len(sessions) != 1 {
		t.Errorf("expected 1 session, got %d", len(sessions))
	}
}

func TestSessionErrors(t *testing.T) {
	env := newTestEnv(t)
	snap := env.openSession(t, "")

	tests := []struct {
		name   string
		method string
		url    string
		body   interface{}
		status int
	}{
		{"unknown session", http.MethodGet, "/api/sessions/session_0_unknown00", nil, http.StatusNotFound},
		{"list without user", http.MethodGet, "/api/sessions", nil, http.StatusBadRequest},
		{"empty message", http.MethodPost, "/api/sessions/" + snap.Session.ID + "/messages", api.ContentRequest{Content: "   "}, http.StatusBadRequest},
		{"unknown tip", http.MethodPost, "/api/sessions/" + snap.Session.ID + "/tips/alt-scenarios/apply", nil, http.StatusNotFound},
		{"oversized feature", http.MethodPut, "/api/sessions/" + snap.Session.ID + "/feature", api.ContentRequest{Content: strings.Repeat("x", models.MaxFeatureLength+1)}, http.StatusBadRequest},
		{"wrong method", http.MethodDelete, "/api/sessions/" + snap.Session.ID, nil, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.do(t, tt.method, tt.url, tt.body)
			testutil.AssertHTTPStatus(t, tt.status, rr.Code, tt.name)
		})
	}
	if len(env.sender.Requests()) != 0 {
		t.Error("rejected messages must not reach the workflow")
	}
}

func TestEditFeatureAndRelayedMetrics(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "").Session.ID

	rr := env.do(t, http.MethodPut, "/api/sessions/"+id+"/feature", api.ContentRequest{Content: "Feature: Login"})
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	if got := env.snapshot(t, id).Feature; got != "Feature: Login" {
		t.Errorf("expected edited feature, got %q", got)
	}

	rr = env.do(t, http.MethodPost, "/functions/receive-metrics", map[string]interface{}{
		"sessionId":             id,
		"alternative scenarios": 1,
		"given-when-then":       3,
		"specifications":        2,
		"overall":               6,
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "receive-metrics")

	env.waitFor(t, "metrics", func() bool { return env.snapshot(t, id).OverallLabel == "6/9" })
	rr = env.do(t, http.MethodGet, "/api/sessions/"+id+"/tips", nil)
	var list []models.Tip
	testutil.DecodeResult(t, rr, &list)
	if len(list) != 2 || list[0].ID != "alt-scenarios" || list[1].ID != "specifications" {
		t.Errorf("unexpected tips %+v", list)
	}
}

func TestDownloadFeature(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "").Session.ID

	rr := env.do(t, http.MethodGet, "/api/sessions/"+id+"/feature", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "download empty feature")
	if rr.Body.Len() != 0 {
		t.Errorf("expected empty document, got %q", rr.Body.String())
	}

	doc := "Feature: Login\n  Scenario: valid password\n"
	rr = env.do(t, http.MethodPut, "/api/sessions/"+id+"/feature", api.ContentRequest{Content: doc})
	testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))

	rr = env.do(t, http.MethodGet, "/api/sessions/"+id+"/feature", nil)
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "download feature")
	if ct := rr.Header().Get("Content-Type"); ct != "text/plain; charset=utf-8" {
		t.Errorf("unexpected content type %q", ct)
	}
	if cd := rr.Header().Get("Content-Disposition"); cd != `attachment; filename="feature.feature"` {
		t.Errorf("unexpected content disposition %q", cd)
	}
	if rr.Body.String() != doc {
		t.Errorf("expected %q, got %q", doc, rr.Body.String())
	}

	rr = env.do(t, http.MethodGet, "/api/sessions/session_0_unknown00/feature", nil)
	testutil.AssertHTTPStatus(t, http.StatusNotFound, rr.Code, "download unknown session")
}

func TestSendMessageRevealsAfterMetrics(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "analyst-1").Session.ID
	chatEvents := env.server.Bus().Subscribe(context.Background(), bus.ChatChannel(id))

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", api.ContentRequest{Content: "Add a login scenario"})
	}()

	select {
	case req := <-env.sender.Called:
		if req.ChatInput != "Add a login scenario" || req.SessionID != id || req.UserID != "analyst-1" {
			t.Errorf("unexpected workflow request %+v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("workflow was not called")
	}
	env.waitFor(t, "workflow to settle", func() bool { return !env.snapshot(t, id).InFlight })

	rr := env.do(t, http.MethodPost, "/functions/receive-metrics", map[string]interface{}{
		"sessionId": id,
		"metrics":   map[string]interface{}{"alternative scenarios": 3, "given-when-then": 3, "specifications": 3, "overall": 9},
	})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "receive-metrics")

	deadline := time.After(2 * time.Second)
	for typing := false; !typing; {
		select {
		case msg := <-chatEvents.C():
			var m models.ChatMessage
			testutil.MustUnmarshalJSON(t, msg.Payload, &m)
			typing = m.IsTyping
		case <-deadline:
			t.Fatal("typing placeholder never appeared")
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// The typing delay runs next to the loading bar's pending timer.
	if err := env.clock.BlockUntilContext(ctx, 2); err != nil {
		t.Fatalf("typing delay never started: %v", err)
	}
	env.clock.Advance(chat.DefaultTypingDelay)

	var out *httptest.ResponseRecorder
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("message request did not return")
	}
	testutil.AssertHTTPStatus(t, http.StatusOK, out.Code, "send message")
	var reply chat.Reply
	testutil.DecodeResult(t, out, &reply)
	if reply.Text != "I've added a login scenario." || reply.Source != chat.SourceWorkflow {
		t.Errorf("unexpected reply %+v", reply)
	}

	snap := env.snapshot(t, id)
	if len(snap.Messages) != 3 || snap.Messages[2].ID != reply.MessageID {
		t.Errorf("unexpected transcript %+v", snap.Messages)
	}
	if snap.OverallLabel != "9/9" || len(snap.Tips) != 0 {
		t.Errorf("unexpected quality state %+v", snap)
	}
}

func TestSecondMessageWhileInFlightConflicts(t *testing.T) {
	env := newTestEnv(t)
	env.sender.Gate = make(chan struct{})
	env.sender.Err = errors.New("connection refused")
	id := env.openSession(t, "").Session.ID

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", api.ContentRequest{Content: "first"})
	}()
	<-env.sender.Called

	rr := env.do(t, http.MethodPost, "/api/sessions/"+id+"/messages", api.ContentRequest{Content: "second"})
	testutil.AssertHTTPStatus(t, http.StatusConflict, rr.Code, "second message")
	if !env.snapshot(t, id).InFlight {
		t.Error("expected session to be in flight")
	}

	close(env.sender.Gate)
	var out *httptest.ResponseRecorder
	select {
	case out = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first request did not return")
	}
	testutil.AssertHTTPStatus(t, http.StatusOK, out.Code, "first message")
	var reply chat.Reply
	testutil.DecodeResult(t, out, &reply)
	if reply.Text != chat.ApologyText || reply.Source != chat.SourceFailure {
		t.Errorf("expected apology, got %+v", reply)
	}
	if len(env.sender.Requests()) != 1 {
		t.Errorf("expected one workflow call, got %d", len(env.sender.Requests()))
	}
}

func TestRelayFeatureRoute(t *testing.T) {
	env := newTestEnv(t)
	id := env.openSession(t, "").Session.ID

	rr := env.do(t, http.MethodPost, "/functions/receive-feature", map[string]string{"sessionId": id, "content": "Feature: Relayed"})
	testutil.AssertHTTPStatus(t, http.StatusOK, rr.Code, "receive-feature")
	var resp models.RelayResponse
	testutil.MustUnmarshalJSON(t, rr.Body.Bytes(), &resp)
	if !resp.Success || resp.Delivered < 1 {
		t.Errorf("expected delivery to the workspace, got %+v", resp)
	}

	env.waitFor(t, "feature", func() bool { return env.snapshot(t, id).Feature == "Feature: Relayed" })
	env.waitFor(t, "scoring phase", func() bool { return env.snapshot(t, id).Loading.WaitingForMetrics })
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(t, http.MethodGet, "/healthz", nil)
	resp := testutil.AssertJSONResponse(t, rr, string(models.APIStatusOK))
	if resp["message"] != "healthy" {
		t.Errorf("unexpected body: %v", resp)
	}
}
