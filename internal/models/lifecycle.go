package models

import "time"

// LifecycleKind names one of the four signals coordinating loading indicators.
type LifecycleKind string

const (
	// LifecycleWaitingForFeature: a new document-generation request started.
	LifecycleWaitingForFeature LifecycleKind = "waiting-for-feature"
	// LifecycleFeatureReceived: the document payload has arrived.
	LifecycleFeatureReceived LifecycleKind = "feature-received"
	// LifecycleWaitingForMetrics: the scoring phase has begun.
	LifecycleWaitingForMetrics LifecycleKind = "waiting-for-metrics"
	// LifecycleMetricsReceived: scores have arrived.
	LifecycleMetricsReceived LifecycleKind = "metrics-received"
)

// IsValidLifecycleKind checks if the given kind belongs to the lifecycle vocabulary.
func IsValidLifecycleKind(k LifecycleKind) bool {
	switch k {
	case LifecycleWaitingForFeature, LifecycleFeatureReceived, LifecycleWaitingForMetrics, LifecycleMetricsReceived:
		return true
	default:
		return false
	}
}

// LifecyclePayload is the payload carried by every lifecycle event on the wire.
type LifecyclePayload struct {
	Timestamp int64  `json:"ts"`
	SessionID string `json:"sessionId"`
}

// NewLifecyclePayload stamps a payload with the given time in Unix milliseconds.
func NewLifecyclePayload(sessionID string, now time.Time) LifecyclePayload {
	return LifecyclePayload{Timestamp: now.UnixMilli(), SessionID: sessionID}
}

// Phase is the coordinator state derived from lifecycle events.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseAwaitingFeature Phase = "awaiting-feature"
	PhaseAwaitingMetrics Phase = "awaiting-metrics"
)

// LoadingState is the derived visual state shared by every panel of a session.
// The zero value (with Phase empty) is treated as idle.
type LoadingState struct {
	Phase             Phase   `json:"phase"`
	WaitingForFeature bool    `json:"waitingForFeature"`
	WaitingForMetrics bool    `json:"waitingForMetrics"`
	ProgressValue     float64 `json:"progressValue"`
	ProgressVisible   bool    `json:"progressVisible"`
}

// IdleLoadingState returns the reset state {false,false,0,false}.
func IdleLoadingState() LoadingState {
	return LoadingState{Phase: PhaseIdle}
}
