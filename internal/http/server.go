package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"ptyshare/internal/core"
	wshandler "ptyshare/internal/ws"
)

type Server struct {
	Session      *core.Session
	Limiter      *core.RateLimiter
	UIDir        string
	CheckOrigin  bool
	OutboxLimit  int
	HelloTimeout time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 32 * 1024,
		CheckOrigin: func(r *http.Request) bool {
			if s.CheckOrigin {
				return sameHostOrigin(r)
			}
			return true
		},
	}

	mux.Handle("/ws", &wshandler.Handler{
		Session:      s.Session,
		Upgrader:     upgrader,
		Limiter:      s.Limiter,
		OutboxLimit:  s.OutboxLimit,
		HelloTimeout: s.HelloTimeout,
		WriteTimeout: s.WriteTimeout,
		PingInterval: s.PingInterval,
	})
	mux.HandleFunc("/api/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})
	mux.HandleFunc("/api/session", s.handleSession)
	mux.HandleFunc("/api/history", s.handleHistory)

	if s.UIDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(filepath.Clean(s.UIDir))))
	}
	return mux
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.Session.Status())
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var from uint64
	if raw := strings.TrimSpace(r.URL.Query().Get("from")); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "bad from", http.StatusBadRequest)
			return
		}
		from = n
	}
	limit := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "bad limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	history := s.Session.History()
	frames, err := history.Range(from)
	var truncErr *core.TruncatedError
	if errors.As(err, &truncErr) {
		writeJSON(w, http.StatusGone, map[string]any{
			"error":      "truncated",
			"oldest_seq": truncErr.Oldest,
		})
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if limit > 0 && len(frames) > limit {
		frames = frames[:limit]
	}
	if frames == nil {
		frames = []core.Frame{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"session_id": s.Session.ID,
		"oldest_seq": history.Oldest(),
		"next_seq":   history.Next(),
		"frames":     frames,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func sameHostOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
