package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/opensource-finance/heron/internal/domain"
)

const (
	eventWriteWait  = 10 * time.Second
	eventPongWait   = 60 * time.Second
	eventPingPeriod = eventPongWait * 9 / 10
	eventBacklog    = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Events handles GET /events. Each connection subscribes to every event
// topic and receives the published envelopes as text frames. A client that
// falls behind loses events rather than slowing publishers.
func (h *Handler) Events(w http.ResponseWriter, r *http.Request) {
	if h.bus == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "event bus not available",
		})
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	out := make(chan []byte, eventBacklog)
	forward := func(_ context.Context, msg *domain.Message) error {
		select {
		case out <- msg.Payload:
		default:
			slog.Warn("event observer lagging, dropping event", "topic", msg.Topic)
		}
		return nil
	}

	var subs []domain.Subscription
	defer func() {
		for _, sub := range subs {
			sub.Unsubscribe()
		}
	}()
	for _, topic := range domain.EventTopics {
		sub, err := h.bus.Subscribe(ctx, topic, forward)
		if err != nil {
			slog.Error("failed to subscribe observer", "topic", topic, "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "event feed unavailable",
			})
			return
		}
		subs = append(subs, sub)
	}

	// Subscribed before the handshake completes so the client sees every
	// event published after it connects.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	// Reader: only control frames are expected; an error means the peer left.
	go func() {
		defer cancel()
		conn.SetReadDeadline(time.Now().Add(eventPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(eventPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(eventPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-out:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(eventWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
