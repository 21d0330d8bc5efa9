package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gorilla/websocket"
)

// WebSocket keepalive settings.
const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxFrameSize   = 512 * 1024
	channelParam   = "channel"
	maxChannelsPer = 8
)

// ClientFrame is a broadcast sent by a browser panel over the WebSocket.
// Channel may be omitted when the connection listens on a single channel.
type ClientFrame struct {
	Channel string          `json:"channel,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Gateway exposes bus channels to browser panels over WebSocket.
//
// GET /realtime?channel=loading-state-{id}&channel=quality-metrics-{id} streams every
// message of the listed channels as JSON frames; frames sent by the client are
// published on one of those channels.
type Gateway struct {
	bus      *Bus
	upgrader websocket.Upgrader
}

// NewGateway creates a WebSocket gateway for the given bus.
func NewGateway(b *Bus) *Gateway {
	return &Gateway{
		bus: b,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Realtime messages are not authenticated; any origin may listen.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and pumps messages in both directions.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	channels := r.URL.Query()[channelParam]
	if len(channels) == 0 || len(channels) > maxChannelsPer {
		slog.Warn("Gateway.ServeHTTP: invalid channel list", "count", len(channels))
		http.Error(w, "between 1 and 8 channel parameters are required", http.StatusBadRequest)
		return
	}
	for _, ch := range channels {
		if _, _, ok := ParseChannel(ch); !ok {
			slog.Warn("Gateway.ServeHTTP: unknown channel", "channel", ch)
			http.Error(w, "unknown channel: "+ch, http.StatusBadRequest)
			return
		}
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Gateway.ServeHTTP: upgrade failed", "error", err)
		return
	}
	slog.Info("Gateway.ServeHTTP: client connected", "channels", channels, "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	merged := make(chan Message, g.bus.bufferSize)
	for _, ch := range channels {
		sub := g.bus.Subscribe(ctx, ch)
		slog.Debug("Gateway.ServeHTTP: subscribed", "channel", ch, "subscribers", g.bus.SubscriberCount(ch))
		go forward(ctx, sub, merged)
	}

	go g.writePump(ctx, cancel, conn, merged)
	g.readPump(cancel, conn, channels)
	slog.Info("Gateway.ServeHTTP: client disconnected", "channels", channels, "remote", r.RemoteAddr)
}

// forward copies one subscription into the connection's merged stream.
func forward(ctx context.Context, sub *Subscription, out chan<- Message) {
	for msg := range sub.C() {
		select {
		case out <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) readPump(cancel context.CancelFunc, conn *websocket.Conn, channels []string) {
	defer cancel()
	conn.SetReadLimit(maxFrameSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var frame ClientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("Gateway.readPump: unexpected close", "error", err)
			}
			return
		}
		if frame.Channel == "" && len(channels) == 1 {
			frame.Channel = channels[0]
		}
		if !slices.Contains(channels, frame.Channel) || frame.Event == "" {
			slog.Warn("Gateway.readPump: dropping frame for unsubscribed channel", "channel", frame.Channel, "event", frame.Event)
			continue
		}
		g.bus.PublishMessage(Message{Channel: frame.Channel, Event: frame.Event, Payload: frame.Payload})
	}
}

func (g *Gateway) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, in <-chan Message) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		cancel()
		conn.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case msg := <-in:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(msg); err != nil {
				slog.Warn("Gateway.writePump: write failed", "error", err, "channel", msg.Channel)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
