package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/florianilch/kirodesk/internal/events"
)

const (
	wsSubprotocol   = "kirodesk.events.v1"
	wsWriteTimeout  = 5 * time.Second
	wsPingTimeout   = 10 * time.Second
	wsCloseShutdown = "server shutting down"
)

// streamContext ends when either the request or the server's streams are done.
func (s *Server) streamContext(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.streams, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// handleEventStream relays events as Server-Sent Events. The event field carries the event
// name and the data field its JSON payload.
func (s *Server) handleEventStream(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.streamContext(r.Context())
	defer cancel()

	sse, err := NewSSEWriter(w)
	if err != nil {
		writeJSONError(ctx, w, "streaming unsupported", kindInternal, http.StatusInternalServerError)
		return
	}

	sub := s.subs.Subscribe()
	defer sub.Close()

	w.WriteHeader(http.StatusOK)
	if err := sse.WriteComment("connected"); err != nil {
		return
	}
	slog.InfoContext(ctx, "event stream opened", "transport", "sse", "remote_addr", r.RemoteAddr)
	defer slog.InfoContext(ctx, "event stream closed", "transport", "sse", "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sse.WriteComment("ping"); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data := ev.Payload
			if len(data) == 0 {
				data = json.RawMessage("null")
			}
			if err := sse.WriteEvent(ev.ID, string(ev.Name), data); err != nil {
				slog.DebugContext(ctx, "writing event failed", "error", err)
				return
			}
		}
	}
}

// handleEventSocket relays events over a WebSocket. Each message is one JSON-encoded Event.
// Client messages are not expected; reading only serves to notice the peer closing.
func (s *Server) handleEventSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:   []string{wsSubprotocol},
		OriginPatterns: s.originPatterns,
	})
	if err != nil {
		// Accept has already written the HTTP error
		slog.InfoContext(r.Context(), "websocket upgrade rejected", "error", err)
		return
	}
	defer func() { _ = conn.CloseNow() }()

	if sp := conn.Subprotocol(); sp != wsSubprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "subprotocol "+wsSubprotocol+" required")
		return
	}

	ctx, cancel := s.streamContext(r.Context())
	defer cancel()
	ctx = conn.CloseRead(ctx)

	sub := s.subs.Subscribe()
	defer sub.Close()

	slog.InfoContext(ctx, "event stream opened", "transport", "websocket", "remote_addr", r.RemoteAddr)
	defer slog.InfoContext(ctx, "event stream closed", "transport", "websocket", "remote_addr", r.RemoteAddr)

	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if s.streams.Err() != nil {
				_ = conn.Close(websocket.StatusGoingAway, wsCloseShutdown)
			}
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, wsPingTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				slog.DebugContext(ctx, "websocket ping failed", "error", err)
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "event bus closed")
				return
			}
			if err := writeSocketEvent(ctx, conn, ev); err != nil {
				if !errors.Is(err, context.Canceled) {
					slog.DebugContext(ctx, "websocket write failed", "error", err)
				}
				return
			}
		}
	}
}

func writeSocketEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, b)
}
