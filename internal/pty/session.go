package pty

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

type State string

const (
	StateRunning State = "running"
	StateExited  State = "exited"
)

const (
	DefaultRows       = 24
	DefaultCols       = 80
	DefaultDrainGrace = 200 * time.Millisecond

	readChunkSize = 32 * 1024
)

// ErrNotRunning is returned by Write once the process has exited.
var ErrNotRunning = errors.New("process not running")

// SpawnError reports a failure to start the target: missing or non-executable
// binary, or a pty that could not be allocated.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	if e.Command == "" {
		return "spawn: " + e.Err.Error()
	}
	return "spawn " + e.Command + ": " + e.Err.Error()
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Exit describes how the process ended. Code is set for a normal exit, Signal
// for a signaled one. Err carries the I/O error when the pty broke.
type Exit struct {
	Code   *int
	Signal string
	Reason string
	Err    error
}

type Config struct {
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	Rows    uint16
	Cols    uint16
	// DrainGrace bounds how long the reader may keep draining after the
	// child exits while descendants still hold the pty open.
	DrainGrace time.Duration
}

var hostEnvAllowList = []string{
	"PATH", "HOME", "USER", "SHELL", "TERM",
	"LANG", "LC_ALL", "LC_CTYPE",
	"TMPDIR", "XDG_RUNTIME_DIR", "XDG_CONFIG_HOME", "XDG_DATA_HOME",
}

func minimalHostEnv() []string {
	var env []string
	for _, key := range hostEnvAllowList {
		if val, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

func buildEnv(extra map[string]string, rows, cols uint16) []string {
	env := minimalHostEnv()
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	if _, ok := os.LookupEnv("TERM"); !ok {
		if _, set := extra["TERM"]; !set {
			env = append(env, "TERM=xterm-256color")
		}
	}
	env = append(env,
		"COLUMNS="+strconv.Itoa(int(cols)),
		"LINES="+strconv.Itoa(int(rows)),
	)
	return env
}

// Session owns one child process attached to a pseudo-terminal.
type Session struct {
	Command string
	Args    []string

	mu    sync.RWMutex
	cmd   *exec.Cmd
	ptmx  *os.File
	state State
	ioErr error

	inMu    sync.Mutex
	inQueue [][]byte
	inReady chan struct{}

	drainGrace time.Duration
	waitDone   chan struct{}
	waitErr    error
	closed     chan struct{}
	closeOnce  sync.Once
}

func Start(cfg Config) (*Session, error) {
	if cfg.Command == "" {
		return nil, &SpawnError{Err: errors.New("empty command")}
	}
	path, err := exec.LookPath(cfg.Command)
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}
	rows, cols := cfg.Rows, cfg.Cols
	if rows == 0 {
		rows = DefaultRows
	}
	if cols == 0 {
		cols = DefaultCols
	}

	cmd := exec.Command(path, cfg.Args...)
	cmd.Dir = cfg.Dir
	cmd.Env = buildEnv(cfg.Env, rows, cols)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, &SpawnError{Command: cfg.Command, Err: err}
	}

	grace := cfg.DrainGrace
	if grace <= 0 {
		grace = DefaultDrainGrace
	}
	s := &Session{
		Command:    cfg.Command,
		Args:       append([]string(nil), cfg.Args...),
		cmd:        cmd,
		ptmx:       ptmx,
		state:      StateRunning,
		inReady:    make(chan struct{}, 1),
		drainGrace: grace,
		waitDone:   make(chan struct{}),
		closed:     make(chan struct{}),
	}
	go s.wait()
	go s.writeLoop()
	return s, nil
}

func (s *Session) wait() {
	s.waitErr = s.cmd.Wait()
	close(s.waitDone)
}

// ReadLoop emits output chunks until the pty reaches end of stream, then
// reports the exit exactly once, after the last chunk.
func (s *Session) ReadLoop(onChunk func(chunk []byte), onExit func(Exit)) {
	s.mu.RLock()
	ptmx := s.ptmx
	s.mu.RUnlock()
	if ptmx == nil {
		return
	}

	readDone := make(chan struct{})
	go func() {
		select {
		case <-readDone:
			return
		case <-s.waitDone:
		}
		timer := time.NewTimer(s.drainGrace)
		defer timer.Stop()
		select {
		case <-readDone:
		case <-timer.C:
			s.closeMaster()
		}
	}()

	buf := make([]byte, readChunkSize)
	for {
		n, err := ptmx.Read(buf)
		if n > 0 {
			onChunk(append([]byte(nil), buf[:n]...))
		}
		if err != nil {
			if !endOfStream(err) {
				s.fail(err)
			}
			break
		}
	}
	close(readDone)
	<-s.waitDone

	exit := s.exitStatus()
	s.mu.Lock()
	s.state = StateExited
	s.mu.Unlock()
	s.Close()
	onExit(exit)
}

func endOfStream(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func (s *Session) exitStatus() Exit {
	s.mu.RLock()
	ioErr := s.ioErr
	s.mu.RUnlock()

	exit := Exit{Reason: "exited"}
	var ex *exec.ExitError
	switch {
	case s.waitErr == nil:
		if s.cmd.ProcessState != nil {
			code := s.cmd.ProcessState.ExitCode()
			exit.Code = &code
		}
	case errors.As(s.waitErr, &ex):
		if ws, ok := ex.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			exit.Signal = unix.SignalName(ws.Signal())
			if exit.Signal == "" {
				exit.Signal = ws.Signal().String()
			}
			exit.Reason = "signaled"
		} else {
			code := ex.ExitCode()
			exit.Code = &code
		}
	default:
		exit.Reason = s.waitErr.Error()
	}
	if ioErr != nil {
		exit.Reason = "io_error"
		exit.Err = ioErr
	}
	return exit
}

// fail records the first I/O error on the pty and kills the child; a broken
// pty is not recovered in place.
func (s *Session) fail(err error) {
	s.mu.Lock()
	if s.state == StateExited || s.ioErr != nil || errors.Is(err, os.ErrClosed) {
		s.mu.Unlock()
		return
	}
	s.ioErr = err
	proc := s.cmd.Process
	s.mu.Unlock()
	if proc != nil {
		_ = proc.Kill()
	}
}

// Write queues p for the child's input. It never blocks on the pty.
func (s *Session) Write(p []byte) error {
	s.mu.RLock()
	running := s.state == StateRunning
	s.mu.RUnlock()
	if !running {
		return ErrNotRunning
	}
	if len(p) == 0 {
		return nil
	}
	s.inMu.Lock()
	s.inQueue = append(s.inQueue, append([]byte(nil), p...))
	s.inMu.Unlock()
	select {
	case s.inReady <- struct{}{}:
	default:
	}
	return nil
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.closed:
			return
		case <-s.inReady:
		}
		for {
			s.inMu.Lock()
			if len(s.inQueue) == 0 {
				s.inMu.Unlock()
				break
			}
			chunk := s.inQueue[0]
			s.inQueue[0] = nil
			s.inQueue = s.inQueue[1:]
			s.inMu.Unlock()

			s.mu.RLock()
			ptmx := s.ptmx
			s.mu.RUnlock()
			if ptmx == nil {
				return
			}
			if _, err := ptmx.Write(chunk); err != nil {
				s.fail(err)
				return
			}
		}
	}
}

// Resize is a no-op once the process has exited.
func (s *Session) Resize(rows, cols uint16) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.ptmx == nil || s.state != StateRunning {
		return nil
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Stop sends SIGTERM and escalates to SIGKILL if the child outlives grace.
func (s *Session) Stop(grace time.Duration) {
	if grace <= 0 {
		grace = 3 * time.Second
	}
	s.mu.RLock()
	proc := s.cmd.Process
	s.mu.RUnlock()
	if proc == nil {
		return
	}
	_ = proc.Signal(syscall.SIGTERM)
	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case <-s.waitDone:
	case <-timer.C:
		_ = proc.Kill()
	}
}

func (s *Session) closeMaster() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ptmx != nil {
		_ = s.ptmx.Close()
		s.ptmx = nil
	}
}

// Close releases the pty. It does not signal the child.
func (s *Session) Close() {
	s.closeOnce.Do(func() { close(s.closed) })
	s.closeMaster()
}

func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) Running() bool {
	return s.State() == StateRunning
}

func (s *Session) Pid() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}
