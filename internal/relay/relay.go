// Package relay provides the inbound update relay: HTTP functions that turn the external
// workflow's and scorer's callbacks into broadcasts on session-scoped channels.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jonboulle/clockwork"
	"github.com/tidwall/gjson"

	"github.com/BTreeMap/FeatureStudio/internal/bus"
	"github.com/BTreeMap/FeatureStudio/internal/models"
	"github.com/BTreeMap/FeatureStudio/internal/util"
)

// jsonResponses carries the relay error shape as its fallback body.
var jsonResponses = util.NewJSONWriter("Handler.respond", models.RelayError{Error: "Internal server error"})

// Routes served by the relay.
const (
	FeaturePath = "/functions/receive-feature"
	MetricsPath = "/functions/receive-metrics"
)

const (
	// maxBodyBytes caps a callback body.
	maxBodyBytes = 1 << 20
	// callIDPrefix tags the log lines of one callback.
	callIDPrefix = "relay_"
)

// receivedAtLayout matches the ISO-8601 UTC timestamps the callers expect.
const receivedAtLayout = "2006-01-02T15:04:05.000Z"

var corsHeaders = map[string]string{
	"Access-Control-Allow-Origin":  "*",
	"Access-Control-Allow-Headers": "authorization, x-client-info, apikey, content-type",
}

// Handler serves the receive-feature and receive-metrics functions.
type Handler struct {
	publisher bus.Publisher
	clock     clockwork.Clock
}

// NewHandler creates a relay publishing on p. A nil clock means the wall clock.
func NewHandler(p bus.Publisher, c clockwork.Clock) *Handler {
	if c == nil {
		c = clockwork.NewRealClock()
	}
	return &Handler{publisher: p, clock: c}
}

// Register mounts both functions on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(FeaturePath, h.ReceiveFeature)
	mux.HandleFunc(MetricsPath, h.ReceiveMetrics)
}

// ReceiveFeature broadcasts a feature document as feature-update on feature-updates-{sessionId}.
func (h *Handler) ReceiveFeature(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r, "receive-feature") {
		return
	}

	fields, sessionID, err := readPayload(r)
	if err != nil {
		h.fail(w, "receive-feature", fmt.Errorf("%w for feature updates", err))
		return
	}
	callID := util.GenerateRandomID(callIDPrefix, 8)
	slog.Debug("Handler.ReceiveFeature: feature received", "callID", callID, "sessionID", sessionID, "bytes", r.ContentLength)

	delivered, err := h.broadcast(bus.FeatureChannel(sessionID), bus.EventFeatureUpdate, sessionID, fields)
	if err != nil {
		h.fail(w, "receive-feature", err)
		return
	}
	slog.Info("Handler.ReceiveFeature: feature broadcasted", "callID", callID, "sessionID", sessionID, "delivered", delivered)
	h.succeed(w, "Feature received and broadcasted", delivered)
}

// ReceiveMetrics broadcasts quality metrics as metrics-update on quality-metrics-{sessionId}.
// Metrics may be nested under "metrics". Out-of-range scores are logged but still broadcast.
func (h *Handler) ReceiveMetrics(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r, "receive-metrics") {
		return
	}

	fields, sessionID, err := readPayload(r)
	if err != nil {
		h.fail(w, "receive-metrics", fmt.Errorf("%w for metrics updates", err))
		return
	}

	if nested, ok := fields["metrics"]; ok && truthy(gjson.ParseBytes(nested)) {
		metrics := gjson.ParseBytes(nested)
		if !metrics.IsObject() {
			h.fail(w, "receive-metrics", models.ErrInvalidMetrics)
			return
		}
		fields = make(map[string]json.RawMessage)
		if err := json.Unmarshal([]byte(metrics.Raw), &fields); err != nil {
			h.fail(w, "receive-metrics", fmt.Errorf("%w: %v", models.ErrInvalidMetrics, err))
			return
		}
	}

	callID := util.GenerateRandomID(callIDPrefix, 8)
	validateScores(sessionID, fields)
	slog.Debug("Handler.ReceiveMetrics: metrics received", "callID", callID, "sessionID", sessionID, "overall", string(fields[models.OverallKey]))

	delivered, err := h.broadcast(bus.MetricsChannel(sessionID), bus.EventMetricsUpdate, sessionID, fields)
	if err != nil {
		h.fail(w, "receive-metrics", err)
		return
	}
	slog.Info("Handler.ReceiveMetrics: metrics broadcasted", "callID", callID, "sessionID", sessionID, "delivered", delivered)
	h.succeed(w, "Metrics received and broadcasted", delivered)
}

// preflight answers OPTIONS and rejects other non-POST methods. It reports whether
// the request should be processed.
func (h *Handler) preflight(w http.ResponseWriter, r *http.Request, function string) bool {
	for k, v := range corsHeaders {
		w.Header().Set(k, v)
	}
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusOK)
		return false
	case http.MethodPost:
		return true
	default:
		slog.Warn("Handler.preflight: method not allowed", "function", function, "method", r.Method)
		w.Header().Set("Allow", http.MethodPost+", "+http.MethodOptions)
		jsonResponses.Write(w, http.StatusMethodNotAllowed, models.RelayError{Error: "Method not allowed"})
		return false
	}
}

// readPayload decodes a JSON object body and extracts its sessionId.
func readPayload(r *http.Request) (map[string]json.RawMessage, string, error) {
	if r.Body == nil {
		return nil, "", errors.New("request body is required")
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("reading body: %w", err)
	}
	if len(body) > maxBodyBytes {
		return nil, "", fmt.Errorf("body exceeds %d bytes", maxBodyBytes)
	}
	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		return nil, "", errors.New("body must be a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, "", fmt.Errorf("decoding body: %w", err)
	}
	sessionID := gjson.GetBytes(body, "sessionId")
	if !truthy(sessionID) {
		return nil, "", models.ErrMissingSessionID
	}
	return fields, sessionID.String(), nil
}

// validateScores logs criteria that are not numbers within the score range.
func validateScores(sessionID string, fields map[string]json.RawMessage) {
	for _, c := range models.Criteria {
		raw, ok := fields[string(c)]
		if !ok {
			continue
		}
		v := gjson.ParseBytes(raw)
		if v.Type != gjson.Number || v.Num < models.MinCriterionScore || v.Num > models.MaxCriterionScore {
			slog.Warn("Handler.ReceiveMetrics: score outside expected range",
				"sessionID", sessionID, "criterion", c, "value", v.Raw,
				"min", models.MinCriterionScore, "max", models.MaxCriterionScore)
		}
	}
}

// broadcast publishes fields stamped with the server timestamp and the sessionId.
func (h *Handler) broadcast(channel, event, sessionID string, fields map[string]json.RawMessage) (int, error) {
	payload := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		payload[k] = v
	}
	payload["timestamp"] = h.clock.Now().UTC().Format(receivedAtLayout)
	payload["sessionId"] = sessionID
	return h.publisher.Publish(channel, event, payload)
}

func (h *Handler) succeed(w http.ResponseWriter, message string, delivered int) {
	jsonResponses.Write(w, http.StatusOK, models.RelayResponse{
		Success:    true,
		Message:    message,
		ReceivedAt: h.clock.Now().UTC().Format(receivedAtLayout),
		Delivered:  delivered,
	})
}

func (h *Handler) fail(w http.ResponseWriter, function string, err error) {
	slog.Error("Handler.fail: relay function failed", "function", function, "error", err)
	jsonResponses.Write(w, http.StatusInternalServerError, models.RelayError{Error: "Internal server error", Details: err.Error()})
}

// truthy reports whether a JSON value would count as present for the callers.
func truthy(r gjson.Result) bool {
	switch r.Type {
	case gjson.String:
		return r.Str != ""
	case gjson.Number:
		return r.Num != 0
	case gjson.True, gjson.JSON:
		return true
	default:
		return false
	}
}
