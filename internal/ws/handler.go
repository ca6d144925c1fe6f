package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"ptyshare/internal/core"
	"ptyshare/internal/pty"
)

const (
	DefaultHelloTimeout = 10 * time.Second
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingInterval = 15 * time.Second

	maxMessageBytes = 1 << 20
	directQueue     = 64
)

// Handler serves one WebSocket per viewer of a shared session.
type Handler struct {
	Session      *core.Session
	Upgrader     websocket.Upgrader
	Limiter      *core.RateLimiter
	OutboxLimit  int
	HelloTimeout time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (h *Handler) helloTimeout() time.Duration {
	if h.HelloTimeout > 0 {
		return h.HelloTimeout
	}
	return DefaultHelloTimeout
}

func (h *Handler) writeTimeout() time.Duration {
	if h.WriteTimeout > 0 {
		return h.WriteTimeout
	}
	return DefaultWriteTimeout
}

func (h *Handler) pingInterval() time.Duration {
	if h.PingInterval > 0 {
		return h.PingInterval
	}
	return DefaultPingInterval
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	host := remoteHost(r)
	if !h.Limiter.Allow(host) {
		slog.Warn("ws upgrade rate limited", "remote", r.RemoteAddr)
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}
	conn, err := h.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageBytes)
	sessionID := h.Session.ID

	// First frame must be hello.
	_ = conn.SetReadDeadline(time.Now().Add(h.helloTimeout()))
	var first core.Envelope
	if err := conn.ReadJSON(&first); err != nil || first.Type != core.MsgHello {
		slog.Warn("ws missing hello", "remote", r.RemoteAddr, "err", err, "type", first.Type)
		h.writeNow(conn, core.ErrorEnvelope(sessionID, "hello_required"))
		return
	}
	var hello core.HelloPayload
	if len(first.Data) > 0 {
		if err := json.Unmarshal(first.Data, &hello); err != nil {
			slog.Warn("ws bad hello", "remote", r.RemoteAddr, "err", err)
			h.writeNow(conn, core.ErrorEnvelope(sessionID, "bad_hello_payload"))
			return
		}
	}

	client := core.NewClient(r.RemoteAddr, core.Size{Rows: hello.Rows, Cols: hello.Cols}, h.OutboxLimit)
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	welcome, err := h.Session.Connect(ctx, client, hello.Cursor())
	if err != nil {
		slog.Warn("ws connect failed", "remote", r.RemoteAddr, "err", err)
		h.writeNow(conn, core.ErrorEnvelope(sessionID, err.Error()))
		return
	}
	defer h.Session.Disconnect(client)

	if err := h.writeNow(conn, core.NewEnvelope(core.MsgWelcome, sessionID).WithData(welcome)); err != nil {
		return
	}
	if welcome.Truncated {
		notice := core.NewEnvelope(core.MsgTruncated, sessionID).WithData(core.TruncatedPayload{OldestSeq: welcome.OldestSeq})
		if err := h.writeNow(conn, notice); err != nil {
			return
		}
	}

	pongWait := 3 * h.pingInterval()
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	direct := make(chan core.Envelope, directQueue)
	reply := func(env core.Envelope) {
		select {
		case direct <- env:
		default:
			slog.Warn("ws reply dropped", "client_id", client.ID, "type", env.Type)
		}
	}

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		defer cancel()
		err := h.writeLoop(ctx, conn, client, direct)
		switch {
		case errors.Is(err, core.ErrBufferOverflow):
			h.closeWith(conn, websocket.CloseTryAgainLater, "buffer overflow")
		case errors.Is(err, errSessionExited):
			h.closeWith(conn, websocket.CloseNormalClosure, "process exited")
		case errors.Is(err, core.ErrClientClosed) && ctx.Err() == nil:
			h.closeWith(conn, websocket.CloseGoingAway, "server shutting down")
		case err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, core.ErrClientClosed):
			slog.Warn("ws write failed", "client_id", client.ID, "remote", r.RemoteAddr, "err", err)
		}
		// Unblocks the reader below.
		_ = conn.Close()
	}()

	h.readLoop(ctx, conn, client, pongWait, reply)
	cancel()
	<-writerDone
}

var errSessionExited = errors.New("session exited")

func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, pongWait time.Duration, reply func(core.Envelope)) {
	sessionID := h.Session.ID
	onResult := func(err error) {
		if err != nil {
			reply(core.ErrorEnvelope(sessionID, reason(err)))
		}
	}
	for {
		var msg core.Envelope
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				slog.Info("ws read ended", "client_id", client.ID, "err", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		switch msg.Type {
		case core.MsgInput:
			data, err := msg.Bytes()
			if err != nil {
				reply(core.ErrorEnvelope(sessionID, "bad_input_payload"))
				continue
			}
			if len(data) == 0 {
				continue
			}
			req := core.Request{Kind: core.RequestInput, ClientID: client.ID, Data: data, Reply: onResult}
			if err := h.Session.Submit(ctx, req); err != nil {
				if ctx.Err() != nil {
					return
				}
				reply(core.ErrorEnvelope(sessionID, reason(err)))
			}
		case core.MsgResize:
			var p core.ResizePayload
			if err := json.Unmarshal(msg.Data, &p); err != nil {
				reply(core.ErrorEnvelope(sessionID, "bad_resize_payload"))
				continue
			}
			req := core.Request{Kind: core.RequestResize, ClientID: client.ID, Size: core.Size{Rows: p.Rows, Cols: p.Cols}, Reply: onResult}
			if err := h.Session.Submit(ctx, req); err != nil {
				if ctx.Err() != nil {
					return
				}
				reply(core.ErrorEnvelope(sessionID, reason(err)))
			}
		case core.MsgPing:
			reply(core.NewEnvelope(core.MsgPong, sessionID))
		case core.MsgHello:
			reply(core.ErrorEnvelope(sessionID, "already_connected"))
		default:
			reply(core.ErrorEnvelope(sessionID, "unknown_type"))
		}
	}
}

// writeLoop is the only writer on conn once the client is connected.
func (h *Handler) writeLoop(ctx context.Context, conn *websocket.Conn, client *core.Client, direct <-chan core.Envelope) error {
	sessionID := h.Session.ID
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()
	for {
		frames, err := client.Drain()
		if err != nil {
			return err
		}
		for _, f := range frames {
			if err := h.writeNow(conn, core.EncodeFrame(sessionID, f)); err != nil {
				return err
			}
			client.Ack(f.Seq)
			if f.IsExit() {
				client.SetState(core.ClientDraining)
				return errSessionExited
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env := <-direct:
			if err := h.writeNow(conn, env); err != nil {
				return err
			}
		case <-client.Ready():
		case <-ticker.C:
			deadline := time.Now().Add(h.writeTimeout())
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return err
			}
		}
	}
}

func (h *Handler) writeNow(conn *websocket.Conn, env core.Envelope) error {
	_ = conn.SetWriteDeadline(time.Now().Add(h.writeTimeout()))
	return conn.WriteJSON(env)
}

func (h *Handler) closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
}

func reason(err error) string {
	switch {
	case errors.Is(err, pty.ErrNotRunning):
		return "process_not_running"
	case errors.Is(err, core.ErrInvalidSize):
		return "invalid_size"
	case errors.Is(err, core.ErrArbiterClosed):
		return "session_closed"
	case errors.Is(err, core.ErrSessionNotStarted):
		return "session_not_started"
	default:
		return err.Error()
	}
}
