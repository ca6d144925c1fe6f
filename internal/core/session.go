package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"ptyshare/internal/pty"
)

// Process is a running target attached to a pty.
type Process interface {
	Terminal
	ReadLoop(onChunk func([]byte), onExit func(pty.Exit))
	Stop(grace time.Duration)
	Pid() int
}

type Spawner func(cfg pty.Config) (Process, error)

// SpawnPTY starts cfg on a real pseudo-terminal.
func SpawnPTY(cfg pty.Config) (Process, error) {
	p, err := pty.Start(cfg)
	if err != nil {
		return nil, err
	}
	return p, nil
}

type Config struct {
	Command     string
	Args        []string
	Dir         string
	Env         map[string]string
	Rows        uint16
	Cols        uint16
	History     HistoryConfig
	OutboxLimit int
	QueueDepth  int
	StopGrace   time.Duration
	Spawner     Spawner
	Audit       *AuditLogger
	Logger      *slog.Logger
}

// Session ties one process to its history log, broadcast hub and input
// arbiter.
type Session struct {
	ID  string
	cfg Config

	history *History
	hub     *Hub
	audit   *AuditLogger
	log     *slog.Logger

	mu        sync.RWMutex
	proc      Process
	arbiter   *Arbiter
	status    SessionStatus
	size      Size
	sized     bool
	exit      *ExitInfo
	startedAt time.Time
	cancel    context.CancelFunc

	done chan struct{}
}

func NewSession(cfg Config) *Session {
	if cfg.Rows == 0 {
		cfg.Rows = pty.DefaultRows
	}
	if cfg.Cols == 0 {
		cfg.Cols = pty.DefaultCols
	}
	if cfg.Spawner == nil {
		cfg.Spawner = SpawnPTY
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 3 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	id := uuid.NewString()
	history := NewHistory(cfg.History)
	s := &Session{
		ID:      id,
		cfg:     cfg,
		history: history,
		hub:     NewHub(id, history),
		audit:   cfg.Audit,
		log:     logger.With("session_id", id),
		status:  SessionStarting,
		size:    Size{Rows: cfg.Rows, Cols: cfg.Cols},
		done:    make(chan struct{}),
	}
	s.hub.OnEvict = s.onEvict
	return s
}

// Start spawns the process and begins pumping its output. A spawn failure is
// returned as is and leaves the session unusable.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return errors.New("session already started")
	}
	proc, err := s.cfg.Spawner(pty.Config{
		Command: s.cfg.Command,
		Args:    s.cfg.Args,
		Dir:     s.cfg.Dir,
		Env:     s.cfg.Env,
		Rows:    s.size.Rows,
		Cols:    s.size.Cols,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	s.proc = proc
	s.status = SessionRunning
	s.startedAt = time.Now()

	actx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.arbiter = NewArbiter(s.cfg.QueueDepth, proc, s.hub.Publish, s.setSize)
	go s.arbiter.Run(actx)
	go proc.ReadLoop(s.onOutput, s.onExit)

	s.log.Info("session started", "command", s.cfg.Command, "args", s.cfg.Args, "pid", proc.Pid(),
		"rows", s.size.Rows, "cols", s.size.Cols)
	s.audit.Log(AuditEvent{SessionID: s.ID, Kind: "session.start", Meta: map[string]any{
		"command": s.cfg.Command,
		"args":    s.cfg.Args,
		"pid":     proc.Pid(),
	}})
	return nil
}

func (s *Session) onOutput(chunk []byte) {
	s.hub.Publish(Frame{Direction: DirOutput, Payload: chunk})
}

func (s *Session) onExit(e pty.Exit) {
	info := ExitInfo{Code: e.Code, Signal: e.Signal, Reason: e.Reason}
	s.mu.Lock()
	s.status = SessionExited
	s.exit = &info
	s.mu.Unlock()

	s.hub.Publish(Frame{Direction: DirControl, Control: &Control{Kind: ControlExit, Exit: &info}})

	attrs := []any{"reason", info.Reason}
	if info.Code != nil {
		attrs = append(attrs, "exit_code", *info.Code)
	}
	if info.Signal != "" {
		attrs = append(attrs, "signal", info.Signal)
	}
	if e.Err != nil {
		s.log.Error("session pty failed", append(attrs, "err", e.Err)...)
	} else {
		s.log.Info("session exited", attrs...)
	}
	meta := map[string]any{"reason": info.Reason}
	if info.Code != nil {
		meta["exit_code"] = *info.Code
	}
	if info.Signal != "" {
		meta["signal"] = info.Signal
	}
	s.audit.Log(AuditEvent{SessionID: s.ID, Kind: "session.exit", Meta: meta})
	close(s.done)
}

func (s *Session) setSize(size Size) {
	s.mu.Lock()
	s.size = size
	s.mu.Unlock()
}

func (s *Session) onEvict(c *Client) {
	s.log.Warn("client evicted", "client_id", c.ID, "remote", c.Remote, "err", ErrBufferOverflow)
	s.audit.Log(AuditEvent{Actor: c.ID, SessionID: s.ID, Kind: "client.evict", Meta: map[string]any{
		"remote": c.Remote,
		"cursor": c.Cursor(),
	}})
}

// Connect attaches c to the session. The first client that reports a
// terminal size resizes the pty to it.
func (s *Session) Connect(ctx context.Context, c *Client, from Cursor) (Welcome, error) {
	welcome, err := s.hub.Connect(c, from)
	if err != nil {
		return Welcome{}, err
	}
	s.mu.Lock()
	size := s.size
	claim := !s.sized && !c.Requested.IsZero() && s.status == SessionRunning
	if claim {
		s.sized = true
	}
	s.mu.Unlock()

	// A client joining at the tail of a finished session still needs the
	// exit notice. A duplicate is harmless: writers stop at the first one.
	if welcome.Replayed == 0 {
		if last, ok := s.history.Last(); ok && last.IsExit() {
			c.box.seed([]Frame{last})
		}
	}

	welcome.Rows = size.Rows
	welcome.Cols = size.Cols
	welcome.Command = append([]string{s.cfg.Command}, s.cfg.Args...)

	s.log.Info("client connected", "client_id", c.ID, "remote", c.Remote, "replay_from", from.String(),
		"replayed", welcome.Replayed, "truncated", welcome.Truncated)
	s.audit.Log(AuditEvent{Actor: c.ID, SessionID: s.ID, Kind: "client.connect", Meta: map[string]any{
		"remote":      c.Remote,
		"replay_from": from.String(),
		"replayed":    welcome.Replayed,
	}})

	if claim {
		if err := s.Submit(ctx, Request{Kind: RequestResize, ClientID: c.ID, Size: c.Requested}); err != nil {
			s.log.Warn("initial resize failed", "client_id", c.ID, "err", err)
		}
	}
	return welcome, nil
}

func (s *Session) Disconnect(c *Client) {
	s.hub.Disconnect(c.ID)
	s.log.Info("client disconnected", "client_id", c.ID, "remote", c.Remote, "cursor", c.Cursor())
	s.audit.Log(AuditEvent{Actor: c.ID, SessionID: s.ID, Kind: "client.disconnect", Meta: map[string]any{
		"remote": c.Remote,
		"cursor": c.Cursor(),
	}})
}

// Submit hands a client request to the arbiter.
func (s *Session) Submit(ctx context.Context, req Request) error {
	s.mu.RLock()
	arb := s.arbiter
	s.mu.RUnlock()
	if arb == nil {
		return ErrSessionNotStarted
	}
	switch req.Kind {
	case RequestInput:
		s.audit.Log(AuditEvent{Actor: req.ClientID, SessionID: s.ID, Kind: "client.input", Meta: inputDigest(req.Data)})
	case RequestResize:
		s.audit.Log(AuditEvent{Actor: req.ClientID, SessionID: s.ID, Kind: "client.resize", Meta: map[string]any{
			"rows": req.Size.Rows,
			"cols": req.Size.Cols,
		}})
	}
	return arb.Submit(ctx, req)
}

// Done is closed once the exit frame has been published.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Exit() *ExitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.exit == nil {
		return nil
	}
	info := *s.exit
	return &info
}

func (s *Session) Size() Size {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.size
}

func (s *Session) History() *History { return s.history }

func (s *Session) Hub() *Hub { return s.hub }

func (s *Session) Status() Status {
	s.mu.RLock()
	st := Status{
		SessionID: s.ID,
		Command:   append([]string{s.cfg.Command}, s.cfg.Args...),
		Status:    s.status,
		Rows:      s.size.Rows,
		Cols:      s.size.Cols,
	}
	if !s.startedAt.IsZero() {
		st.StartedAtMS = s.startedAt.UnixMilli()
	}
	if s.proc != nil && s.status == SessionRunning {
		st.Pid = s.proc.Pid()
	}
	if s.exit != nil {
		info := *s.exit
		st.Exit = &info
	}
	s.mu.RUnlock()

	st.OldestSeq = s.history.Oldest()
	st.NextSeq = s.history.Next()
	st.HistoryLen = s.history.Len()
	st.HistoryB = s.history.Bytes()
	st.Clients = s.hub.Clients()
	return st
}

// WaitClients blocks until every client has disconnected or ctx is done.
func (s *Session) WaitClients(ctx context.Context) error {
	return s.hub.WaitEmpty(ctx)
}

// Close stops the process if it is still running, waits for the exit to be
// published, then drops every remaining client.
func (s *Session) Close(ctx context.Context) error {
	s.mu.RLock()
	proc := s.proc
	status := s.status
	cancel := s.cancel
	s.mu.RUnlock()

	var err error
	if proc != nil && status == SessionRunning {
		go proc.Stop(s.cfg.StopGrace)
		select {
		case <-s.done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}
	if cancel != nil {
		cancel()
	}
	s.hub.CloseAll(ErrClientClosed)
	return err
}
