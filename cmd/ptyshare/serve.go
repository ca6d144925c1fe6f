package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"ptyshare/internal/config"
	"ptyshare/internal/core"
	httpapi "ptyshare/internal/http"
	"ptyshare/internal/security"
)

const shutdownTimeout = 8 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve [flags] -- command [args...]",
		Short: "Run a command on a pty and share it over WebSocket",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, args[0], args[1:])
		},
	}
	flags := cmd.Flags()
	flags.SetInterspersed(false)
	def := config.Default()
	flags.String("listen", def.Listen, "HTTP listen address")
	flags.String("dir", def.Dir, "working directory for the command")
	flags.String("ui-dir", def.UIDir, "serve static files from this directory")
	flags.Bool("check-origin", def.CheckOrigin, "reject cross-origin WebSocket upgrades")
	flags.Uint16("rows", uint16(def.Rows), "initial terminal rows")
	flags.Uint16("cols", uint16(def.Cols), "initial terminal columns")
	flags.Int("history-frames", def.History.MaxFrames, "frames kept for replay")
	flags.Int("history-bytes", def.History.MaxBytes, "payload bytes kept for replay")
	flags.Int("outbox-limit", def.Client.OutboxLimit, "live frames a viewer may fall behind before eviction")
	flags.Duration("linger", def.Linger, "how long to keep serving viewers after the command exits")
	flags.String("audit", def.AuditPath, "append session audit events to this JSONL file")
	flags.StringSlice("env-allow", nil, "host environment keys passed to the command")
	bindFlags(opts.v, flags, map[string]string{
		"listen":              "listen",
		"dir":                 "dir",
		"ui_dir":              "ui-dir",
		"check_origin":        "check-origin",
		"rows":                "rows",
		"cols":                "cols",
		"history.max_frames":  "history-frames",
		"history.max_bytes":   "history-bytes",
		"client.outbox_limit": "outbox-limit",
		"linger":              "linger",
		"audit_path":          "audit",
		"env_allow_keys":      "env-allow",
	})
	return cmd
}

func serve(ctx context.Context, cfg config.Config, command string, args []string) error {
	logger := slog.Default()
	dir, err := security.ResolveDir(cfg.Dir)
	if err != nil {
		return err
	}
	env := security.FilterEnv(security.EnvMap(os.Environ()), security.KeySet(cfg.EnvAllowKeys), cfg.EnvAllowPrefix)

	audit, err := core.NewAuditLogger(cfg.AuditPath)
	if err != nil {
		return err
	}
	defer func() { _ = audit.Close() }()

	sess := core.NewSession(core.Config{
		Command:     command,
		Args:        args,
		Dir:         dir,
		Env:         env,
		Rows:        uint16(cfg.Rows),
		Cols:        uint16(cfg.Cols),
		History:     core.HistoryConfig{MaxFrames: cfg.History.MaxFrames, MaxBytes: cfg.History.MaxBytes},
		OutboxLimit: cfg.Client.OutboxLimit,
		QueueDepth:  cfg.Arbiter.QueueDepth,
		StopGrace:   cfg.StopGrace,
		Audit:       audit,
		Logger:      logger,
	})
	// Input keeps flowing while shutdown drains the session.
	if err := sess.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	api := &httpapi.Server{
		Session:      sess,
		Limiter:      core.NewRateLimiter(cfg.Rate.PerSecond, cfg.Rate.Burst),
		UIDir:        cfg.UIDir,
		CheckOrigin:  cfg.CheckOrigin,
		OutboxLimit:  cfg.Client.OutboxLimit,
		HelloTimeout: cfg.Client.HelloTimeout,
		WriteTimeout: cfg.Client.WriteTimeout,
		PingInterval: cfg.Client.PingInterval,
	}
	srv := &http.Server{
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		closeSession(sess)
		return err
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("ptyshare listening", "addr", ln.Addr().String(), "session_id", sess.ID, "pid", sess.Status().Pid)

	var result error
	select {
	case <-sess.Done():
		if cfg.Linger > 0 {
			wctx, cancel := context.WithTimeout(ctx, cfg.Linger)
			if err := sess.WaitClients(wctx); err != nil {
				logger.Info("viewers still attached after linger", "clients", sess.Hub().Len())
			}
			cancel()
		}
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "err", err)
			result = err
		}
	}

	closeSession(sess)
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	if result != nil {
		return result
	}
	return exitResult(sess.Exit())
}

func closeSession(sess *core.Session) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sess.Close(ctx); err != nil {
		slog.Warn("session close", "session_id", sess.ID, "err", err)
	}
}
