package ws

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http/httptest"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ptyshare/internal/core"
	"ptyshare/internal/pty"
)

type fakeProcess struct {
	mu      sync.Mutex
	running bool
	onChunk func([]byte)
	onExit  func(pty.Exit)
	ready   chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{running: true, ready: make(chan struct{})}
}

func (f *fakeProcess) ReadLoop(onChunk func([]byte), onExit func(pty.Exit)) {
	f.mu.Lock()
	f.onChunk, f.onExit = onChunk, onExit
	f.mu.Unlock()
	close(f.ready)
}

func (f *fakeProcess) emit(b []byte) {
	<-f.ready
	f.onChunk(b)
}

func (f *fakeProcess) exit(code int) {
	<-f.ready
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.onExit(pty.Exit{Code: &code, Reason: "exited"})
}

func (f *fakeProcess) Write(p []byte) error {
	f.mu.Lock()
	running := f.running
	f.mu.Unlock()
	if !running {
		return pty.ErrNotRunning
	}
	return nil
}

func (f *fakeProcess) Resize(uint16, uint16) error { return nil }

func (f *fakeProcess) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeProcess) Stop(time.Duration) { f.exit(143) }

func (f *fakeProcess) Pid() int { return 1 }

func newSession(t *testing.T, cfg core.Config) *core.Session {
	t.Helper()
	s := core.NewSession(cfg)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start session: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
	return s
}

func fakeSession(t *testing.T, proc *fakeProcess, mutate func(*core.Config)) *core.Session {
	t.Helper()
	cfg := core.Config{
		Command: "fake",
		Spawner: func(pty.Config) (core.Process, error) { return proc, nil },
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s := newSession(t, cfg)
	<-proc.ready
	return s
}

func serve(t *testing.T, h *Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendHello(t *testing.T, conn *websocket.Conn, hello core.HelloPayload) core.Welcome {
	t.Helper()
	env := core.NewEnvelope(core.MsgHello, "").WithData(hello)
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	got := readEnv(t, conn)
	if got.Type != core.MsgWelcome {
		t.Fatalf("expected welcome, got %+v", got)
	}
	var welcome core.Welcome
	if err := json.Unmarshal(got.Data, &welcome); err != nil {
		t.Fatalf("decode welcome: %v", err)
	}
	return welcome
}

func readEnv(t *testing.T, conn *websocket.Conn) core.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env core.Envelope
	if err := conn.ReadJSON(&env); err != nil {
		t.Fatalf("read: %v", err)
	}
	return env
}

func payload(t *testing.T, env core.Envelope) string {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(env.DataB64)
	if err != nil {
		t.Fatalf("decode data_b64: %v", err)
	}
	return string(b)
}

func sendInput(t *testing.T, conn *websocket.Conn, s string) {
	t.Helper()
	env := core.NewEnvelope(core.MsgInput, "")
	env.DataB64 = base64.StdEncoding.EncodeToString([]byte(s))
	if err := conn.WriteJSON(env); err != nil {
		t.Fatalf("write input: %v", err)
	}
}

func TestEchoCommandEndToEnd(t *testing.T) {
	if _, err := exec.LookPath("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	sess := newSession(t, core.Config{Command: "/bin/sh", Args: []string{"-c", "echo hello"}})
	conn := dial(t, serve(t, &Handler{Session: sess}))
	sendHello(t, conn, core.HelloPayload{})

	var out strings.Builder
	var lastSeq uint64
	for {
		env := readEnv(t, conn)
		if env.Seq <= lastSeq {
			t.Fatalf("seq %d after %d", env.Seq, lastSeq)
		}
		lastSeq = env.Seq
		if env.Type == core.MsgOutput {
			out.WriteString(payload(t, env))
			continue
		}
		if env.Type != core.MsgExited {
			t.Fatalf("unexpected %+v", env)
		}
		var info core.ExitInfo
		if err := json.Unmarshal(env.Data, &info); err != nil {
			t.Fatalf("decode exit: %v", err)
		}
		if info.Code == nil || *info.Code != 0 {
			t.Fatalf("exit %+v, want code 0", info)
		}
		break
	}
	if !strings.Contains(out.String(), "hello") {
		t.Fatalf("output %q does not contain hello", out.String())
	}
}

func TestTwoClientsSeeInputEchoThenOutput(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, nil)
	url := serve(t, &Handler{Session: sess})

	a := dial(t, url)
	b := dial(t, url)
	wa := sendHello(t, a, core.HelloPayload{})
	sendHello(t, b, core.HelloPayload{})

	sendInput(t, a, "ls\n")

	conns := map[string]*websocket.Conn{"a": a, "b": b}
	echoes := make(map[string]core.Envelope)
	for name, conn := range conns {
		echo := readEnv(t, conn)
		if echo.Type != core.MsgInput || echo.ClientID != wa.ClientID || payload(t, echo) != "ls\n" {
			t.Fatalf("client %s first message %+v, want input echo", name, echo)
		}
		echoes[name] = echo
	}
	proc.emit([]byte("ls\n"))
	for name, conn := range conns {
		out := readEnv(t, conn)
		if out.Type != core.MsgOutput || out.Seq != echoes[name].Seq+1 || payload(t, out) != "ls\n" {
			t.Fatalf("client %s second message %+v, want output", name, out)
		}
	}
}

func TestLateJoinerReplaysFromCursor(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, nil)
	url := serve(t, &Handler{Session: sess})

	for _, s := range []string{"one", "two", "three"} {
		proc.emit([]byte(s))
	}

	conn := dial(t, url)
	from := core.ReplayFrom(2)
	welcome := sendHello(t, conn, core.HelloPayload{ReplayFrom: &from})
	if welcome.NextSeq != 4 || welcome.Replayed != 2 {
		t.Fatalf("welcome %+v", welcome)
	}
	for _, want := range []struct {
		seq  uint64
		data string
	}{{2, "two"}, {3, "three"}} {
		env := readEnv(t, conn)
		if env.Seq != want.seq || payload(t, env) != want.data {
			t.Fatalf("got seq %d %q, want %d %q", env.Seq, payload(t, env), want.seq, want.data)
		}
	}
	proc.emit([]byte("four"))
	if env := readEnv(t, conn); env.Seq != 4 || payload(t, env) != "four" {
		t.Fatalf("live frame %+v", env)
	}
}

func TestTruncatedCursorAttachesAtTail(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, func(cfg *core.Config) {
		cfg.History = core.HistoryConfig{MaxFrames: 2}
	})
	url := serve(t, &Handler{Session: sess})
	for i := 0; i < 5; i++ {
		proc.emit([]byte("x"))
	}

	conn := dial(t, url)
	from := core.ReplayFrom(1)
	welcome := sendHello(t, conn, core.HelloPayload{ReplayFrom: &from})
	if !welcome.Truncated {
		t.Fatalf("welcome %+v should be truncated", welcome)
	}
	notice := readEnv(t, conn)
	if notice.Type != core.MsgTruncated {
		t.Fatalf("expected truncated, got %+v", notice)
	}
	var tp core.TruncatedPayload
	if err := json.Unmarshal(notice.Data, &tp); err != nil || tp.OldestSeq != 4 {
		t.Fatalf("truncated payload %s err=%v", notice.Data, err)
	}
	proc.emit([]byte("live"))
	if env := readEnv(t, conn); env.Type != core.MsgOutput || env.Seq != 6 {
		t.Fatalf("expected live output seq 6, got %+v", env)
	}
}

func TestResizeAckReachesEveryClient(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, nil)
	url := serve(t, &Handler{Session: sess})
	a := dial(t, url)
	b := dial(t, url)
	wa := sendHello(t, a, core.HelloPayload{})
	sendHello(t, b, core.HelloPayload{})

	env := core.NewEnvelope(core.MsgResize, "").WithData(core.ResizePayload{Rows: 33, Cols: 111})
	if err := a.WriteJSON(env); err != nil {
		t.Fatalf("write resize: %v", err)
	}
	for _, conn := range []*websocket.Conn{a, b} {
		ack := readEnv(t, conn)
		if ack.Type != core.MsgResizeAck || ack.ClientID != wa.ClientID {
			t.Fatalf("expected resize-ack from a, got %+v", ack)
		}
		var p core.ResizePayload
		if err := json.Unmarshal(ack.Data, &p); err != nil || p.Rows != 33 || p.Cols != 111 {
			t.Fatalf("ack payload %s", ack.Data)
		}
	}
	if sess.Size() != (core.Size{Rows: 33, Cols: 111}) {
		t.Fatalf("session size %+v", sess.Size())
	}
}

func TestProtocolErrors(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, nil)
	url := serve(t, &Handler{Session: sess})

	t.Run("hello required", func(t *testing.T) {
		conn := dial(t, url)
		sendInput(t, conn, "x")
		env := readEnv(t, conn)
		if env.Type != core.MsgError || !strings.Contains(string(env.Data), "hello_required") {
			t.Fatalf("expected hello_required, got %+v", env)
		}
	})

	conn := dial(t, url)
	sendHello(t, conn, core.HelloPayload{})
	tests := []struct {
		name string
		env  core.Envelope
		want string
	}{
		{name: "unknown type", env: core.NewEnvelope("bogus", ""), want: "unknown_type"},
		{name: "bad resize", env: core.Envelope{Type: core.MsgResize, Data: json.RawMessage(`"x"`)}, want: "bad_resize_payload"},
		{name: "zero resize", env: core.NewEnvelope(core.MsgResize, "").WithData(core.ResizePayload{}), want: "invalid_size"},
		{name: "bad input", env: core.Envelope{Type: core.MsgInput, DataB64: "%%%"}, want: "bad_input_payload"},
		{name: "second hello", env: core.NewEnvelope(core.MsgHello, ""), want: "already_connected"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := conn.WriteJSON(tc.env); err != nil {
				t.Fatalf("write: %v", err)
			}
			env := readEnv(t, conn)
			if env.Type != core.MsgError {
				t.Fatalf("expected error, got %+v", env)
			}
			var p core.ErrorPayload
			if err := json.Unmarshal(env.Data, &p); err != nil || p.Message != tc.want {
				t.Fatalf("error payload %s, want %s", env.Data, tc.want)
			}
		})
	}

	t.Run("ping", func(t *testing.T) {
		if err := conn.WriteJSON(core.NewEnvelope(core.MsgPing, "")); err != nil {
			t.Fatalf("write: %v", err)
		}
		if env := readEnv(t, conn); env.Type != core.MsgPong {
			t.Fatalf("expected pong, got %+v", env)
		}
	})
}

func TestExitClosesConnectionsAndReachesLateJoiners(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, nil)
	url := serve(t, &Handler{Session: sess})
	conn := dial(t, url)
	sendHello(t, conn, core.HelloPayload{})

	proc.emit([]byte("bye"))
	proc.exit(7)

	if env := readEnv(t, conn); env.Type != core.MsgOutput {
		t.Fatalf("expected output, got %+v", env)
	}
	if env := readEnv(t, conn); env.Type != core.MsgExited {
		t.Fatalf("expected exited, got %+v", env)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal closure, got %v", err)
	}

	late := dial(t, url)
	tail := core.TailOnly()
	sendHello(t, late, core.HelloPayload{ReplayFrom: &tail})
	env := readEnv(t, late)
	if env.Type != core.MsgExited {
		t.Fatalf("late joiner expected exited, got %+v", env)
	}
	var info core.ExitInfo
	if err := json.Unmarshal(env.Data, &info); err != nil || info.Code == nil || *info.Code != 7 {
		t.Fatalf("exit payload %s", env.Data)
	}
}

func TestSlowClientIsEvictedWithoutStallingOthers(t *testing.T) {
	proc := newFakeProcess()
	sess := fakeSession(t, proc, nil)
	url := serve(t, &Handler{
		Session:      sess,
		OutboxLimit:  8,
		WriteTimeout: 200 * time.Millisecond,
	})

	slow := dial(t, url)
	sendHello(t, slow, core.HelloPayload{})
	fast := dial(t, url)
	sendHello(t, fast, core.HelloPayload{})

	chunk := []byte(strings.Repeat("z", 32*1024))
	const frames = 1000
	for i := 1; i <= frames; i++ {
		proc.emit(chunk)
		env := readEnv(t, fast)
		if env.Type != core.MsgOutput || env.Seq != uint64(i) {
			t.Fatalf("fast client got %s seq %d at step %d", env.Type, env.Seq, i)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for sess.Hub().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatalf("slow client not evicted, %d clients connected", sess.Hub().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
