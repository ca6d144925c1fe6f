package core

import (
	"sync"
	"time"

	"ptyshare/internal/pty"
)

// fakeProcess stands in for a pty session. Output is injected with emit and
// delivered synchronously on the caller's goroutine.
type fakeProcess struct {
	mu      sync.Mutex
	running bool
	writes  [][]byte
	resizes []Size
	onChunk func([]byte)
	onExit  func(pty.Exit)
	ready   chan struct{}
	stopped chan struct{}
}

func newFakeProcess() *fakeProcess {
	return &fakeProcess{running: true, ready: make(chan struct{}), stopped: make(chan struct{})}
}

func (f *fakeProcess) spawner() Spawner {
	return func(pty.Config) (Process, error) { return f, nil }
}

func (f *fakeProcess) ReadLoop(onChunk func([]byte), onExit func(pty.Exit)) {
	f.mu.Lock()
	f.onChunk = onChunk
	f.onExit = onExit
	f.mu.Unlock()
	close(f.ready)
}

func (f *fakeProcess) waitReady() {
	select {
	case <-f.ready:
	case <-time.After(5 * time.Second):
		panic("fake process never started")
	}
}

func (f *fakeProcess) emit(s string) {
	f.waitReady()
	f.mu.Lock()
	cb := f.onChunk
	f.mu.Unlock()
	cb([]byte(s))
}

func (f *fakeProcess) exitWith(code int) {
	f.waitReady()
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	cb := f.onExit
	f.mu.Unlock()
	cb(pty.Exit{Code: &code, Reason: "exited"})
}

func (f *fakeProcess) Write(p []byte) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return pty.ErrNotRunning
	}
	f.writes = append(f.writes, append([]byte(nil), p...))
	f.mu.Unlock()
	return nil
}

func (f *fakeProcess) Resize(rows, cols uint16) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		f.resizes = append(f.resizes, Size{Rows: rows, Cols: cols})
	}
	return nil
}

func (f *fakeProcess) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *fakeProcess) Stop(time.Duration) {
	select {
	case <-f.stopped:
	default:
		close(f.stopped)
	}
	f.exitWith(143)
}

func (f *fakeProcess) Pid() int { return 4242 }

func (f *fakeProcess) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.writes))
	for i, w := range f.writes {
		out[i] = string(w)
	}
	return out
}

func (f *fakeProcess) sizes() []Size {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Size(nil), f.resizes...)
}
