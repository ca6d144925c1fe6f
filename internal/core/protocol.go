package core

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	MsgHello     = "hello"
	MsgWelcome   = "welcome"
	MsgOutput    = "output"
	MsgInput     = "input"
	MsgResize    = "resize"
	MsgResizeAck = "resize-ack"
	MsgTruncated = "truncated"
	MsgExited    = "exited"
	MsgPing      = "ping"
	MsgPong      = "pong"
	MsgError     = "error"
)

// Envelope is the common WS message format.
type Envelope struct {
	Type      string          `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	ClientID  string          `json:"client_id,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
	TsMS      int64           `json:"ts_ms,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	DataB64   string          `json:"data_b64,omitempty"`
}

func NewEnvelope(msgType, sessionID string) Envelope {
	return Envelope{
		Type:      msgType,
		SessionID: sessionID,
		TsMS:      time.Now().UnixMilli(),
	}
}

// WithData marshals v into the envelope's data field.
func (e Envelope) WithData(v any) Envelope {
	raw, err := json.Marshal(v)
	if err == nil {
		e.Data = raw
	}
	return e
}

// Bytes decodes data_b64.
func (e Envelope) Bytes() ([]byte, error) {
	if e.DataB64 == "" {
		return nil, nil
	}
	return base64.StdEncoding.DecodeString(e.DataB64)
}

type CursorKind int

const (
	CursorFull CursorKind = iota
	CursorTail
	CursorAt
)

// Cursor selects where replay starts for a connecting client.
type Cursor struct {
	Kind CursorKind
	Seq  uint64
}

func FullReplay() Cursor { return Cursor{Kind: CursorFull} }
func TailOnly() Cursor { return Cursor{Kind: CursorTail} }
func ReplayFrom(seq uint64) Cursor { return Cursor{Kind: CursorAt, Seq: seq} }

func (c Cursor) String() string {
	switch c.Kind {
	case CursorTail:
		return "tail"
	case CursorAt:
		return strconv.FormatUint(c.Seq, 10)
	default:
		return "full"
	}
}

// ParseCursor accepts "full", "tail" or a sequence number.
func ParseCursor(s string) (Cursor, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "full":
		return FullReplay(), nil
	case "tail":
		return TailOnly(), nil
	}
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return Cursor{}, fmt.Errorf("invalid replay cursor %q", s)
	}
	if n == 0 {
		return FullReplay(), nil
	}
	return ReplayFrom(n), nil
}

func (c Cursor) MarshalJSON() ([]byte, error) {
	if c.Kind == CursorAt {
		return []byte(strconv.FormatUint(c.Seq, 10)), nil
	}
	return json.Marshal(c.String())
}

func (c *Cursor) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*c = FullReplay()
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		parsed, err := ParseCursor(s)
		if err != nil {
			return err
		}
		*c = parsed
		return nil
	}
	var n uint64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("invalid replay cursor %s", string(b))
	}
	if n == 0 {
		*c = FullReplay()
	} else {
		*c = ReplayFrom(n)
	}
	return nil
}

type HelloPayload struct {
	ReplayFrom *Cursor `json:"replay_from,omitempty"`
	Rows       uint16  `json:"rows,omitempty"`
	Cols       uint16  `json:"cols,omitempty"`
}

func (h HelloPayload) Cursor() Cursor {
	if h.ReplayFrom == nil {
		return FullReplay()
	}
	return *h.ReplayFrom
}

type ResizePayload struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

type TruncatedPayload struct {
	OldestSeq uint64 `json:"oldest_seq"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// EncodeFrame renders a history frame as the envelope clients receive.
func EncodeFrame(sessionID string, f Frame) Envelope {
	env := Envelope{
		SessionID: sessionID,
		Seq:       f.Seq,
		TsMS:      f.Time.UnixMilli(),
	}
	switch f.Direction {
	case DirOutput:
		env.Type = MsgOutput
		env.DataB64 = base64.StdEncoding.EncodeToString(f.Payload)
	case DirInput:
		env.Type = MsgInput
		env.ClientID = f.ClientID
		env.DataB64 = base64.StdEncoding.EncodeToString(f.Payload)
	case DirControl:
		env.ClientID = f.ClientID
		if f.Control == nil {
			env.Type = MsgError
			return env.WithData(ErrorPayload{Message: "malformed_control_frame"})
		}
		switch f.Control.Kind {
		case ControlResize:
			env.Type = MsgResizeAck
			var size Size
			if f.Control.Size != nil {
				size = *f.Control.Size
			}
			env = env.WithData(ResizePayload{Rows: size.Rows, Cols: size.Cols})
		case ControlExit:
			env.Type = MsgExited
			info := ExitInfo{}
			if f.Control.Exit != nil {
				info = *f.Control.Exit
			}
			env = env.WithData(info)
		}
	}
	return env
}

func ErrorEnvelope(sessionID, message string) Envelope {
	return NewEnvelope(MsgError, sessionID).WithData(ErrorPayload{Message: message})
}
