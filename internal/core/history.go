package core

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	DefaultHistoryFrames = 10000
	DefaultHistoryBytes  = 4 << 20
)

var (
	ErrTruncated         = errors.New("history truncated")
	ErrBufferOverflow    = errors.New("buffer overflow")
	ErrInvalidSize       = errors.New("invalid terminal size")
	ErrArbiterClosed     = errors.New("arbiter closed")
	ErrSessionNotStarted = errors.New("session not started")
	ErrClientClosed      = errors.New("client closed")
	ErrDuplicateClient   = errors.New("duplicate client id")
)

// TruncatedError is returned by Range when the requested sequence number has
// already been dropped from the log.
type TruncatedError struct {
	Oldest uint64
}

func (e *TruncatedError) Error() string {
	return "history truncated: oldest retained seq is " + strconv.FormatUint(e.Oldest, 10)
}

func (e *TruncatedError) Is(target error) bool { return target == ErrTruncated }

type HistoryConfig struct {
	MaxFrames int
	MaxBytes  int
}

// History is the append-only, sequence-numbered frame log of a session.
// Retention trims from the oldest end; the newest frame is always kept.
type History struct {
	mu       sync.RWMutex
	maxFrame int
	maxBytes int
	frames   []Frame
	oldest   uint64
	next     uint64
	bytes    int
}

func NewHistory(cfg HistoryConfig) *History {
	if cfg.MaxFrames <= 0 {
		cfg.MaxFrames = DefaultHistoryFrames
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultHistoryBytes
	}
	return &History{
		maxFrame: cfg.MaxFrames,
		maxBytes: cfg.MaxBytes,
		oldest:   1,
		next:     1,
	}
}

func (h *History) Append(f Frame) Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	f.Seq = h.next
	h.next++
	if f.Time.IsZero() {
		f.Time = time.Now()
	}
	h.frames = append(h.frames, f)
	h.bytes += f.size()
	h.trimLocked()
	return f
}

func (h *History) trimLocked() {
	drop := 0
	for len(h.frames)-drop > 1 && (len(h.frames)-drop > h.maxFrame || h.bytes > h.maxBytes) {
		h.bytes -= h.frames[drop].size()
		h.frames[drop] = Frame{}
		drop++
	}
	if drop == 0 {
		return
	}
	h.frames = h.frames[drop:]
	h.oldest = h.frames[0].Seq
}

// Range returns every retained frame with Seq >= from. from == 0 means the
// oldest retained frame.
func (h *History) Range(from uint64) ([]Frame, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rangeLocked(from)
}

func (h *History) rangeLocked(from uint64) ([]Frame, error) {
	if from == 0 {
		from = h.oldest
	}
	if from < h.oldest {
		return nil, &TruncatedError{Oldest: h.oldest}
	}
	if from >= h.next {
		return nil, nil
	}
	idx := int(from - h.oldest)
	out := make([]Frame, len(h.frames)-idx)
	copy(out, h.frames[idx:])
	return out, nil
}

// Last returns the newest retained frame.
func (h *History) Last() (Frame, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.frames) == 0 {
		return Frame{}, false
	}
	return h.frames[len(h.frames)-1], true
}

func (h *History) Oldest() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.oldest
}

func (h *History) Next() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.next
}

func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.frames)
}

func (h *History) Bytes() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bytes
}
