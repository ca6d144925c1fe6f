package core

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultOutboxLimit = 1024

// outbox is a client's pending frames. Pushes never block; the owner drains
// it from its writer goroutine. Replayed backlog does not count against the
// limit, only frames published after the client connected.
type outbox struct {
	mu     sync.Mutex
	frames []Frame
	replay int
	limit  int
	notify chan struct{}
	closed bool
	err    error
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = DefaultOutboxLimit
	}
	return &outbox{limit: limit, notify: make(chan struct{}, 1)}
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}

func (o *outbox) seed(frames []Frame) {
	if len(frames) == 0 {
		return
	}
	o.mu.Lock()
	o.frames = append(o.frames, frames...)
	o.replay += len(frames)
	o.mu.Unlock()
	o.signal()
}

// push appends f and reports whether the live backlog is still within limit.
func (o *outbox) push(f Frame) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return true
	}
	o.frames = append(o.frames, f)
	ok := len(o.frames)-o.replay <= o.limit
	o.mu.Unlock()
	o.signal()
	return ok
}

// drain hands over pending frames. A closed outbox reports its error once the
// frames kept at close time have been taken.
func (o *outbox) drain() ([]Frame, error) {
	o.mu.Lock()
	out := o.frames
	o.frames = nil
	o.replay = 0
	closed, err := o.closed, o.err
	o.mu.Unlock()
	if len(out) > 0 {
		if closed {
			o.signal()
		}
		return out, nil
	}
	if closed {
		return nil, err
	}
	return nil, nil
}

func (o *outbox) pending() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.frames)
}

func (o *outbox) close(err error) bool {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return false
	}
	o.closed = true
	o.err = err
	// An evicted client gets nothing more; a closed one may still flush.
	if errors.Is(err, ErrBufferOverflow) {
		o.frames = nil
	}
	o.mu.Unlock()
	o.signal()
	return true
}

// Client is one connected viewer/controller as seen by the hub.
type Client struct {
	ID          string
	Remote      string
	Requested   Size
	ConnectedAt time.Time

	mu     sync.Mutex
	state  ClientState
	cursor uint64
	box    *outbox
}

func NewClient(remote string, requested Size, outboxLimit int) *Client {
	return &Client{
		ID:          uuid.NewString(),
		Remote:      remote,
		Requested:   requested,
		ConnectedAt: time.Now(),
		state:       ClientHandshaking,
		box:         newOutbox(outboxLimit),
	}
}

// Ready is signalled whenever frames are queued or the client is closed.
func (c *Client) Ready() <-chan struct{} { return c.box.notify }

// Drain takes every pending frame. After eviction or disconnect it returns
// the close reason.
func (c *Client) Drain() ([]Frame, error) { return c.box.drain() }

// Ack advances the replay cursor after seq has been written to the client.
func (c *Client) Ack(seq uint64) {
	c.mu.Lock()
	if seq > c.cursor {
		c.cursor = seq
	}
	c.mu.Unlock()
}

func (c *Client) Cursor() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cursor
}

func (c *Client) State() ClientState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) SetState(st ClientState) {
	c.mu.Lock()
	if c.state != ClientClosed {
		c.state = st
	}
	c.mu.Unlock()
}

func (c *Client) close(err error) bool {
	c.SetState(ClientClosed)
	return c.box.close(err)
}

func (c *Client) info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientInfo{
		ClientID:    c.ID,
		Remote:      c.Remote,
		State:       c.state,
		Cursor:      c.cursor,
		Requested:   c.Requested,
		ConnectedMS: c.ConnectedAt.UnixMilli(),
	}
}
