package core

import "time"

type SessionStatus string

const (
	SessionStarting SessionStatus = "starting"
	SessionRunning  SessionStatus = "running"
	SessionExited   SessionStatus = "exited"
)

type ClientState string

const (
	ClientHandshaking ClientState = "handshaking"
	ClientSynced      ClientState = "synced"
	ClientDraining    ClientState = "draining"
	ClientClosed      ClientState = "closed"
)

type Direction string

const (
	DirOutput  Direction = "output"
	DirInput   Direction = "input"
	DirControl Direction = "control"
)

type ControlKind string

const (
	ControlResize ControlKind = "resize"
	ControlExit   ControlKind = "exit"
)

type Size struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

func (s Size) IsZero() bool { return s.Rows == 0 || s.Cols == 0 }

type ExitInfo struct {
	Code   *int   `json:"exit_code,omitempty"`
	Signal string `json:"signal,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type Control struct {
	Kind ControlKind `json:"kind"`
	Size *Size       `json:"size,omitempty"`
	Exit *ExitInfo   `json:"exit,omitempty"`
}

// Frame is one entry of the session history. Frames are never mutated after
// they are appended.
type Frame struct {
	Seq       uint64    `json:"seq"`
	Direction Direction `json:"direction"`
	Payload   []byte    `json:"payload,omitempty"`
	ClientID  string    `json:"client_id,omitempty"`
	Time      time.Time `json:"time"`
	Control   *Control  `json:"control,omitempty"`
}

func (f Frame) size() int { return len(f.Payload) }

// IsExit reports whether f is the terminal exit notice of the session.
func (f Frame) IsExit() bool {
	return f.Direction == DirControl && f.Control != nil && f.Control.Kind == ControlExit
}

type ClientInfo struct {
	ClientID    string      `json:"client_id"`
	Remote      string      `json:"remote"`
	State       ClientState `json:"state"`
	Cursor      uint64      `json:"cursor"`
	Requested   Size        `json:"requested"`
	ConnectedMS int64       `json:"connected_at_ms"`
}

type Status struct {
	SessionID   string        `json:"session_id"`
	Command     []string      `json:"command"`
	Status      SessionStatus `json:"status"`
	Pid         int           `json:"pid,omitempty"`
	Rows        uint16        `json:"rows"`
	Cols        uint16        `json:"cols"`
	StartedAtMS int64         `json:"started_at_ms,omitempty"`
	OldestSeq   uint64        `json:"oldest_seq"`
	NextSeq     uint64        `json:"next_seq"`
	HistoryLen  int           `json:"history_frames"`
	HistoryB    int           `json:"history_bytes"`
	Exit        *ExitInfo     `json:"exit,omitempty"`
	Clients     []ClientInfo  `json:"clients"`
}

// Welcome is the handshake reply for a newly connected client.
type Welcome struct {
	SessionID string   `json:"session_id"`
	ClientID  string   `json:"client_id"`
	Rows      uint16   `json:"rows"`
	Cols      uint16   `json:"cols"`
	OldestSeq uint64   `json:"oldest_seq"`
	NextSeq   uint64   `json:"next_seq"`
	Command   []string `json:"command,omitempty"`
	Replayed  int      `json:"replayed"`
	Truncated bool     `json:"truncated,omitempty"`
}
