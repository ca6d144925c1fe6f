package core

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Hub numbers every frame through the history log and fans it out to the
// connected clients. Its lock is the single point where ordering is decided.
type Hub struct {
	sessionID string
	history   *History

	mu      sync.Mutex
	clients map[string]*Client
	changed chan struct{}
	exited  bool

	// OnEvict runs outside the hub lock after a client is dropped for
	// falling behind.
	OnEvict func(c *Client)
}

func NewHub(sessionID string, history *History) *Hub {
	return &Hub{
		sessionID: sessionID,
		history:   history,
		clients:   make(map[string]*Client),
		changed:   make(chan struct{}),
	}
}

func (h *Hub) History() *History { return h.history }

// Connect registers c and seeds its outbox with the replay backlog selected by
// from. A cursor that points before the oldest retained frame attaches the
// client at the tail and reports Truncated in the welcome; one beyond the
// newest frame is treated as the tail.
func (h *Hub) Connect(c *Client, from Cursor) (Welcome, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, dup := h.clients[c.ID]; dup {
		return Welcome{}, ErrDuplicateClient
	}

	var start uint64
	switch from.Kind {
	case CursorTail:
		start = h.history.Next()
	case CursorAt:
		start = min(from.Seq, h.history.Next())
	default:
		start = h.history.Oldest()
	}

	welcome := Welcome{SessionID: h.sessionID, ClientID: c.ID}
	backlog, err := h.history.Range(start)
	var truncErr *TruncatedError
	switch {
	case errors.As(err, &truncErr):
		welcome.Truncated = true
		backlog = nil
		start = h.history.Next()
	case err != nil:
		return Welcome{}, err
	}

	c.box.seed(backlog)
	c.mu.Lock()
	if start > 0 {
		c.cursor = start - 1
	}
	c.mu.Unlock()
	c.SetState(ClientSynced)
	h.clients[c.ID] = c
	h.notifyLocked()

	welcome.OldestSeq = h.history.Oldest()
	welcome.NextSeq = h.history.Next()
	welcome.Replayed = len(backlog)
	return welcome, nil
}

// Disconnect removes the client; it has no effect on other clients.
func (h *Hub) Disconnect(id string) {
	h.mu.Lock()
	c, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
		h.notifyLocked()
	}
	h.mu.Unlock()
	if ok {
		c.close(ErrClientClosed)
	}
}

// Publish appends f to the history and queues it for every client. Clients
// whose live backlog exceeds their outbox limit are evicted. Once the exit
// frame is published nothing else is; the frame comes back with Seq 0.
func (h *Hub) Publish(f Frame) Frame {
	var evicted []*Client
	h.mu.Lock()
	if h.exited {
		h.mu.Unlock()
		return f
	}
	f = h.history.Append(f)
	h.exited = f.IsExit()
	for id, c := range h.clients {
		if c.box.push(f) {
			continue
		}
		if c.close(ErrBufferOverflow) {
			evicted = append(evicted, c)
		}
		delete(h.clients, id)
	}
	if len(evicted) > 0 {
		h.notifyLocked()
	}
	onEvict := h.OnEvict
	h.mu.Unlock()

	if onEvict != nil {
		for _, c := range evicted {
			onEvict(c)
		}
	}
	return f
}

// CloseAll drops every client with err.
func (h *Hub) CloseAll(err error) {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		clients = append(clients, c)
		delete(h.clients, id)
	}
	h.notifyLocked()
	h.mu.Unlock()
	for _, c := range clients {
		c.close(err)
	}
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Clients() []ClientInfo {
	h.mu.Lock()
	out := make([]ClientInfo, 0, len(h.clients))
	for _, c := range h.clients {
		out = append(out, c.info())
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].ConnectedMS != out[j].ConnectedMS {
			return out[i].ConnectedMS < out[j].ConnectedMS
		}
		return out[i].ClientID < out[j].ClientID
	})
	return out
}

// WaitEmpty blocks until no client is connected or ctx is done.
func (h *Hub) WaitEmpty(ctx context.Context) error {
	for {
		h.mu.Lock()
		n := len(h.clients)
		changed := h.changed
		h.mu.Unlock()
		if n == 0 {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Hub) notifyLocked() {
	close(h.changed)
	h.changed = make(chan struct{})
}
