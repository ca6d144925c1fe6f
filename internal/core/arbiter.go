package core

import (
	"context"
	"errors"
	"sync"

	"ptyshare/internal/pty"
)

const DefaultQueueDepth = 1024

type RequestKind string

const (
	RequestInput  RequestKind = "input"
	RequestResize RequestKind = "resize"
)

// Request is a client's input or resize, applied by the arbiter in arrival
// order. Reply, when set, is called from the arbiter goroutine with the
// outcome and must not block.
type Request struct {
	Kind     RequestKind
	ClientID string
	Data     []byte
	Size     Size
	Reply    func(error)
}

// Terminal is the part of a running process the arbiter drives.
type Terminal interface {
	Write(p []byte) error
	Resize(rows, cols uint16) error
	Running() bool
}

// Arbiter serializes input and resize requests from all clients into one
// stream applied to the terminal.
type Arbiter struct {
	queue    chan Request
	term     Terminal
	publish  func(Frame) Frame
	onResize func(Size)

	done      chan struct{}
	closeOnce sync.Once
}

func NewArbiter(depth int, term Terminal, publish func(Frame) Frame, onResize func(Size)) *Arbiter {
	if depth <= 0 {
		depth = DefaultQueueDepth
	}
	return &Arbiter{
		queue:    make(chan Request, depth),
		term:     term,
		publish:  publish,
		onResize: onResize,
		done:     make(chan struct{}),
	}
}

// Submit enqueues req. It blocks only while the queue is full.
func (a *Arbiter) Submit(ctx context.Context, req Request) error {
	select {
	case <-a.done:
		return ErrArbiterClosed
	default:
	}
	select {
	case a.queue <- req:
		return nil
	case <-a.done:
		return ErrArbiterClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Arbiter) Run(ctx context.Context) {
	defer a.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.done:
			return
		case req := <-a.queue:
			a.apply(req)
		}
	}
}

func (a *Arbiter) Close() {
	a.closeOnce.Do(func() { close(a.done) })
}

func (a *Arbiter) apply(req Request) {
	var err error
	switch req.Kind {
	case RequestInput:
		err = a.applyInput(req)
	case RequestResize:
		err = a.applyResize(req)
	default:
		err = errors.New("unknown request kind " + string(req.Kind))
	}
	if req.Reply != nil {
		req.Reply(err)
	}
}

func (a *Arbiter) applyInput(req Request) error {
	if len(req.Data) == 0 {
		return nil
	}
	if !a.term.Running() {
		return pty.ErrNotRunning
	}
	payload := append([]byte(nil), req.Data...)
	if err := a.term.Write(payload); err != nil {
		return err
	}
	a.publish(Frame{Direction: DirInput, ClientID: req.ClientID, Payload: payload})
	return nil
}

func (a *Arbiter) applyResize(req Request) error {
	if req.Size.IsZero() {
		return ErrInvalidSize
	}
	// The size of a finished session is frozen.
	if !a.term.Running() {
		return nil
	}
	if err := a.term.Resize(req.Size.Rows, req.Size.Cols); err != nil {
		return err
	}
	size := req.Size
	f := a.publish(Frame{
		Direction: DirControl,
		ClientID:  req.ClientID,
		Control:   &Control{Kind: ControlResize, Size: &size},
	})
	if f.Seq > 0 && a.onResize != nil {
		a.onResize(size)
	}
	return nil
}
