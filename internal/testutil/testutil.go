// Package testutil provides common test utilities and helpers for FeatureStudio tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/BTreeMap/FeatureStudio/internal/api"
	"github.com/BTreeMap/FeatureStudio/internal/store"
	"github.com/BTreeMap/FeatureStudio/internal/workflow"
)

// TB is the subset of testing.TB used by the helpers.
type TB interface {
	Helper()
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// StubSender is a workflow.Sender answering every call with Response, or Err when set.
// When Gate is non-nil, each call blocks until a value is received from it.
type StubSender struct {
	Response workflow.Response
	Err      error
	Gate     chan struct{}
	Called   chan workflow.Request

	mu       sync.Mutex
	requests []workflow.Request
}

// NewStubSender creates a sender replying with text.
func NewStubSender(text string) *StubSender {
	return &StubSender{Response: workflow.TextResponse{Text: text}, Called: make(chan workflow.Request, 8)}
}

// Send records req and returns the configured outcome.
func (s *StubSender) Send(ctx context.Context, req workflow.Request) (workflow.Response, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.Called != nil {
		s.Called <- req
	}
	if s.Gate != nil {
		<-s.Gate
	}
	if s.Err != nil {
		return nil, s.Err
	}
	return s.Response, nil
}

// Requests returns the requests received so far.
func (s *StubSender) Requests() []workflow.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]workflow.Request(nil), s.requests...)
}

// NewTestServer creates a test API server with an in-memory store.
// This centralizes the test server creation logic used across multiple test files.
func NewTestServer(sender workflow.Sender, opts ...api.Option) *api.Server {
	return api.NewServer(store.NewInMemoryStore(), sender, nil, opts...)
}

// Do serves req on h and returns the recorded response.
func Do(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes an API envelope and validates its status field.
func AssertJSONResponse(t TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&response); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return nil
	}

	if status, ok := response["status"].(string); ok {
		if status != expectedStatus {
			t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
		}
	} else {
		t.Errorf("response missing or invalid 'status' field")
	}

	return response
}

// DecodeResult decodes the result field of an API envelope into target.
func DecodeResult(t TB, rr *httptest.ResponseRecorder, target interface{}) {
	t.Helper()
	var envelope struct {
		Status string          `json:"status"`
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("failed to decode JSON response: %v", err)
		return
	}
	if err := json.Unmarshal(envelope.Result, target); err != nil {
		t.Fatalf("failed to decode result: %v (body %s)", err, rr.Body.String())
	}
}

// CreateHTTPRequest creates an HTTP request with optional JSON body for testing.
func CreateHTTPRequest(t TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var reqBody *bytes.Buffer
	if body != nil {
		reqBody = bytes.NewBuffer(MustMarshalJSON(t, body))
	} else {
		reqBody = bytes.NewBuffer(nil)
	}

	req, err := http.NewRequest(method, url, reqBody)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// MustMarshalJSON marshals an object to JSON and fails test on error.
func MustMarshalJSON(t TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
