package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/flasharb/internal/domain"
	"github.com/alanyoungcy/flasharb/internal/metrics"
)

const (
	// writeWait is the time allowed to write a ping to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message or pong.
	pongWait = 60 * time.Second

	// pingPeriod must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// WSFeed connects to an external scanner's websocket, reads one JSON
// candidate per text message and forwards it to the executor queue. It
// reconnects with exponential backoff.
type WSFeed struct {
	url string
	forwarder
}

// NewWSFeed creates a feed for the ws:// or wss:// endpoint url.
func NewWSFeed(url string, out chan<- domain.Candidate, m *metrics.Collector, logger *slog.Logger) *WSFeed {
	return &WSFeed{
		url: url,
		forwarder: forwarder{
			source:  "ws_feed",
			out:     out,
			metrics: m,
			now:     time.Now,
			logger:  logger.With(slog.String("component", "ws_feed")),
		},
	}
}

// Run connects and reads until ctx is cancelled.
func (f *WSFeed) Run(ctx context.Context) error {
	delay := reconnectDelay
	for {
		connected, err := f.runConnection(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			delay = reconnectDelay
		}
		f.logger.Warn("ws feed disconnected, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay = min(delay*2, maxReconnectDelay)
	}
}

// runConnection serves one connection. connected reports whether the dial
// succeeded, so the backoff resets after a healthy session.
func (f *WSFeed) runConnection(ctx context.Context) (connected bool, err error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("feed: dial %s: %w", f.url, err)
	}
	defer conn.Close()
	f.logger.Info("ws feed connected", slog.String("url", f.url))

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go f.pingLoop(ctx, conn, done)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return true, fmt.Errorf("feed: read: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))
		if msgType != websocket.TextMessage {
			continue
		}
		f.handle(ctx, data)
	}
}

// pingLoop keeps the connection alive and closes it when ctx ends, which
// unblocks ReadMessage.
func (f *WSFeed) pingLoop(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			conn.Close()
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
