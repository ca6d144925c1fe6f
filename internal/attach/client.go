// Package attach is the terminal-side viewer: it connects to a shared
// session, mirrors output to a local writer and forwards keystrokes and
// window size changes back.
package attach

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ptyshare/internal/core"
)

// DefaultDetachKey is Ctrl+\.
const DefaultDetachKey byte = 0x1c

var ErrDetached = errors.New("detached")

var errSessionChanged = errors.New("session changed")

type Client struct {
	URL       string
	From      core.Cursor
	Size      core.Size
	Input     io.Reader
	Output    io.Writer
	Resize    <-chan core.Size
	DetachKey byte
	Backoff   time.Duration
	Logger    *slog.Logger

	sessionID string
	lastSeq   uint64
	synced    bool
}

type keystrokes struct {
	data   []byte
	detach bool
	err    error
}

// Run attaches until the session exits, the user detaches or ctx ends.
// Dropped connections are retried with backoff and resume after the last
// sequence number seen.
func (c *Client) Run(ctx context.Context) (*core.ExitInfo, error) {
	if c.Output == nil {
		return nil, errors.New("output writer required")
	}
	target, err := NormalizeWSURL(c.URL)
	if err != nil {
		return nil, err
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.DetachKey == 0 {
		c.DetachKey = DefaultDetachKey
	}
	initial := c.Backoff
	if initial <= 0 {
		initial = time.Second
	}
	// The pump may stay blocked in Read after Run returns.
	var input <-chan keystrokes
	if c.Input != nil {
		input = c.pump()
	}

	backoff := initial
	for {
		connected, exit, err := c.runOnce(ctx, target, input)
		if exit != nil || errors.Is(err, ErrDetached) {
			return exit, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			c.Logger.Warn("attach disconnected", "url", target, "err", err)
		}
		if connected {
			backoff = initial
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < 8*initial {
			backoff *= 2
		}
	}
}

func (c *Client) pump() <-chan keystrokes {
	out := make(chan keystrokes, 16)
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := c.Input.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, c.DetachKey); i >= 0 {
					if i > 0 {
						out <- keystrokes{data: append([]byte(nil), chunk[:i]...)}
					}
					out <- keystrokes{detach: true}
					return
				}
				out <- keystrokes{data: append([]byte(nil), chunk...)}
			}
			if err != nil {
				out <- keystrokes{err: err}
				return
			}
		}
	}()
	return out
}

func (c *Client) hello() core.HelloPayload {
	from := c.From
	if c.synced {
		from = core.ReplayFrom(c.lastSeq + 1)
	}
	return core.HelloPayload{ReplayFrom: &from, Rows: c.Size.Rows, Cols: c.Size.Cols}
}

func (c *Client) runOnce(ctx context.Context, target string, input <-chan keystrokes) (bool, *core.ExitInfo, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, target, nil)
	if err != nil {
		return false, nil, err
	}
	defer conn.Close()
	c.Logger.Debug("attach connected", "url", target)

	// A nil envelope asks the writer to say goodbye and stop.
	send := make(chan *core.Envelope, 256)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for msg := range send {
			if msg == nil {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "detached"),
					time.Now().Add(time.Second))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				return
			}
		}
	}()
	enqueue := func(env core.Envelope) error {
		select {
		case send <- &env:
			return nil
		default:
			return errors.New("send queue full")
		}
	}
	finish := func() {
		select {
		case send <- nil:
		default:
		}
		close(send)
		select {
		case <-writerDone:
		case <-time.After(2 * time.Second):
		}
	}

	hello := core.NewEnvelope(core.MsgHello, "").WithData(c.hello())
	if err := enqueue(hello); err != nil {
		finish()
		return false, nil, err
	}

	msgs := make(chan core.Envelope)
	readErr := make(chan error, 1)
	readerDone := make(chan struct{})
	defer close(readerDone)
	go func() {
		for {
			var env core.Envelope
			if err := conn.ReadJSON(&env); err != nil {
				readErr <- err
				return
			}
			select {
			case msgs <- env:
			case <-readerDone:
				return
			}
		}
	}()

	connected := false
	for {
		select {
		case <-ctx.Done():
			finish()
			return connected, nil, ctx.Err()
		case err := <-readErr:
			finish()
			return connected, nil, err
		case k := <-input:
			switch {
			case k.detach:
				finish()
				return connected, nil, ErrDetached
			case k.err != nil:
				c.Logger.Debug("attach input closed", "err", k.err)
				input = nil
			default:
				env := core.NewEnvelope(core.MsgInput, "")
				env.DataB64 = base64.StdEncoding.EncodeToString(k.data)
				if err := enqueue(env); err != nil {
					c.Logger.Warn("attach input dropped", "bytes", len(k.data), "err", err)
				}
			}
		case size := <-c.Resize:
			if size.IsZero() {
				continue
			}
			c.Size = size
			_ = enqueue(core.NewEnvelope(core.MsgResize, "").WithData(core.ResizePayload{Rows: size.Rows, Cols: size.Cols}))
		case env := <-msgs:
			if env.Type == core.MsgWelcome {
				connected = true
			}
			exit, err := c.handle(env)
			if err != nil || exit != nil {
				finish()
				return connected, exit, err
			}
		}
	}
}

func (c *Client) handle(env core.Envelope) (*core.ExitInfo, error) {
	if env.Seq > 0 {
		if c.synced && env.Seq <= c.lastSeq {
			return nil, nil
		}
		c.lastSeq = env.Seq
		c.synced = true
	}
	switch env.Type {
	case core.MsgWelcome:
		var w core.Welcome
		if err := json.Unmarshal(env.Data, &w); err != nil {
			return nil, fmt.Errorf("decode welcome: %w", err)
		}
		// Sequence numbers restart with a new session.
		if c.sessionID != "" && w.SessionID != c.sessionID {
			c.Logger.Warn("attach session changed", "old_session_id", c.sessionID, "session_id", w.SessionID)
			c.sessionID = w.SessionID
			c.lastSeq = 0
			c.synced = false
			missed := w.NextSeq - w.OldestSeq
			if c.From.Kind != core.CursorTail && uint64(w.Replayed) < missed {
				return nil, errSessionChanged
			}
		}
		c.sessionID = w.SessionID
		c.Logger.Debug("attach welcome", "session_id", w.SessionID, "client_id", w.ClientID, "replayed", w.Replayed)
	case core.MsgOutput:
		data, err := env.Bytes()
		if err != nil {
			return nil, fmt.Errorf("decode output seq=%d: %w", env.Seq, err)
		}
		if _, err := c.Output.Write(data); err != nil {
			return nil, err
		}
	case core.MsgTruncated:
		var p core.TruncatedPayload
		_ = json.Unmarshal(env.Data, &p)
		c.Logger.Warn("attach history truncated", "oldest_seq", p.OldestSeq)
	case core.MsgError:
		var p core.ErrorPayload
		_ = json.Unmarshal(env.Data, &p)
		c.Logger.Warn("attach server error", "message", p.Message)
	case core.MsgExited:
		var info core.ExitInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			return nil, fmt.Errorf("decode exit: %w", err)
		}
		return &info, nil
	}
	return nil, nil
}

func NormalizeWSURL(base string) (string, error) {
	if strings.HasPrefix(base, "ws://") || strings.HasPrefix(base, "wss://") {
		return base, nil
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "":
		return "", fmt.Errorf("url %q has no scheme", base)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String(), nil
}
