package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"
)

type AuditEvent struct {
	TsMS      int64          `json:"ts_ms"`
	Actor     string         `json:"actor"`
	SessionID string         `json:"session_id,omitempty"`
	Kind      string         `json:"kind"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// AuditLogger appends one JSON object per line. A nil logger discards events.
type AuditLogger struct {
	mu   sync.Mutex
	file *os.File
}

func NewAuditLogger(path string) (*AuditLogger, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &AuditLogger{file: f}, nil
}

func (a *AuditLogger) Close() error {
	if a == nil || a.file == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	err := a.file.Close()
	a.file = nil
	return err
}

func (a *AuditLogger) Log(event AuditEvent) {
	if a == nil {
		return
	}
	if event.TsMS == 0 {
		event.TsMS = time.Now().UnixMilli()
	}
	if event.Actor == "" {
		event.Actor = "system"
	}
	line, err := json.Marshal(event)
	if err != nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return
	}
	_, _ = a.file.Write(append(line, '\n'))
}

// inputDigest records input size and hash instead of the keystrokes.
func inputDigest(p []byte) map[string]any {
	sum := sha256.Sum256(p)
	return map[string]any{
		"bytes":  len(p),
		"sha256": hex.EncodeToString(sum[:]),
	}
}
