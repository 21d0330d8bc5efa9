package bus

import (
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/FeatureStudio/internal/models"
)

// Channel name prefixes. Every channel is scoped to one session.
const (
	LoadingPrefix = "loading-state-"
	FeaturePrefix = "feature-updates-"
	MetricsPrefix = "quality-metrics-"
	ChatPrefix    = "chat-messages-"
)

// Content events.
const (
	EventFeatureUpdate  = "feature-update"
	EventMetricsUpdate  = "metrics-update"
	EventMessageAdded   = "message-added"
	EventMessageUpdated = "message-updated"

	// EventLoadingState carries the derived loading state on the loading-state channel.
	EventLoadingState = "loading-state"
)

// ChannelKind identifies the family a channel belongs to.
type ChannelKind string

const (
	ChannelLoading ChannelKind = "loading-state"
	ChannelFeature ChannelKind = "feature-updates"
	ChannelMetrics ChannelKind = "quality-metrics"
	ChannelChat    ChannelKind = "chat-messages"
)

var channelPrefixes = []struct {
	prefix string
	kind   ChannelKind
}{
	{LoadingPrefix, ChannelLoading},
	{FeaturePrefix, ChannelFeature},
	{MetricsPrefix, ChannelMetrics},
	{ChatPrefix, ChannelChat},
}

// LoadingChannel carries lifecycle events for a session.
func LoadingChannel(sessionID string) string { return LoadingPrefix + sessionID }

// FeatureChannel carries feature-update events for a session.
func FeatureChannel(sessionID string) string { return FeaturePrefix + sessionID }

// MetricsChannel carries metrics-update events for a session.
func MetricsChannel(sessionID string) string { return MetricsPrefix + sessionID }

// ChatChannel carries transcript changes for a session.
func ChatChannel(sessionID string) string { return ChatPrefix + sessionID }

// ParseChannel splits a channel name into its family and session ID.
func ParseChannel(name string) (ChannelKind, string, bool) {
	for _, p := range channelPrefixes {
		if sessionID, ok := strings.CutPrefix(name, p.prefix); ok && sessionID != "" {
			return p.kind, sessionID, true
		}
	}
	return "", "", false
}

// EmitLifecycle publishes a lifecycle event on the session's loading-state channel.
func EmitLifecycle(p Publisher, sessionID string, kind models.LifecycleKind, now time.Time) int {
	n, err := p.Publish(LoadingChannel(sessionID), string(kind), models.NewLifecyclePayload(sessionID, now))
	if err != nil {
		slog.Error("EmitLifecycle: publish failed", "sessionID", sessionID, "kind", kind, "error", err)
		return 0
	}
	slog.Debug("EmitLifecycle: lifecycle event published", "sessionID", sessionID, "kind", kind, "delivered", n)
	return n
}
