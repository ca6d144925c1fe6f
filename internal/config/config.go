package config

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
)

// Config is the top-level server configuration.
type Config struct {
	Listen         string        `mapstructure:"listen" yaml:"listen"`
	UIDir          string        `mapstructure:"ui_dir" yaml:"ui_dir"`
	CheckOrigin    bool          `mapstructure:"check_origin" yaml:"check_origin"`
	Dir            string        `mapstructure:"dir" yaml:"dir"`
	EnvAllowKeys   []string      `mapstructure:"env_allow_keys" yaml:"env_allow_keys"`
	EnvAllowPrefix string        `mapstructure:"env_allow_prefix" yaml:"env_allow_prefix"`
	Rows           int           `mapstructure:"rows" yaml:"rows"`
	Cols           int           `mapstructure:"cols" yaml:"cols"`
	History        HistoryConfig `mapstructure:"history" yaml:"history"`
	Client         ClientConfig  `mapstructure:"client" yaml:"client"`
	Arbiter        ArbiterConfig `mapstructure:"arbiter" yaml:"arbiter"`
	StopGrace      time.Duration `mapstructure:"stop_grace" yaml:"stop_grace"`
	Linger         time.Duration `mapstructure:"linger" yaml:"linger"`
	AuditPath      string        `mapstructure:"audit_path" yaml:"audit_path"`
	Rate           RateConfig    `mapstructure:"rate" yaml:"rate"`
	Log            LogConfig     `mapstructure:"log" yaml:"log"`
}

// HistoryConfig bounds the replay log.
type HistoryConfig struct {
	MaxFrames int `mapstructure:"max_frames" yaml:"max_frames"`
	MaxBytes  int `mapstructure:"max_bytes" yaml:"max_bytes"`
}

// ClientConfig tunes each viewer connection.
type ClientConfig struct {
	OutboxLimit  int           `mapstructure:"outbox_limit" yaml:"outbox_limit"`
	HelloTimeout time.Duration `mapstructure:"hello_timeout" yaml:"hello_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	PingInterval time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
}

type ArbiterConfig struct {
	QueueDepth int `mapstructure:"queue_depth" yaml:"queue_depth"`
}

// RateConfig limits WebSocket upgrades per remote host. PerSecond <= 0
// disables the limit.
type RateConfig struct {
	PerSecond float64 `mapstructure:"per_second" yaml:"per_second"`
	Burst     int     `mapstructure:"burst" yaml:"burst"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

func Default() Config {
	return Config{
		Listen: "127.0.0.1:3000",
		Rows:   24,
		Cols:   80,
		History: HistoryConfig{
			MaxFrames: 10000,
			MaxBytes:  4 << 20,
		},
		Client: ClientConfig{
			OutboxLimit:  1024,
			HelloTimeout: 10 * time.Second,
			WriteTimeout: 10 * time.Second,
			PingInterval: 15 * time.Second,
		},
		Arbiter:   ArbiterConfig{QueueDepth: 1024},
		StopGrace: 3 * time.Second,
		Linger:    5 * time.Second,
		Rate:      RateConfig{PerSecond: 5, Burst: 20},
		Log:       LogConfig{Level: "info", Format: "json"},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Rows < 1 || c.Rows > 0xffff || c.Cols < 1 || c.Cols > 0xffff {
		return fmt.Errorf("rows and cols must be between 1 and 65535, got %dx%d", c.Rows, c.Cols)
	}
	if c.History.MaxFrames < 1 {
		return fmt.Errorf("history.max_frames must be positive")
	}
	if c.History.MaxBytes < 1 {
		return fmt.Errorf("history.max_bytes must be positive")
	}
	if c.Client.OutboxLimit < 1 {
		return fmt.Errorf("client.outbox_limit must be positive")
	}
	if c.Arbiter.QueueDepth < 1 {
		return fmt.Errorf("arbiter.queue_depth must be positive")
	}
	if c.Client.HelloTimeout <= 0 || c.Client.WriteTimeout <= 0 || c.Client.PingInterval <= 0 {
		return fmt.Errorf("client timeouts must be positive")
	}
	if c.Linger < 0 || c.StopGrace < 0 {
		return fmt.Errorf("linger and stop_grace must not be negative")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unsupported log.level %q", l.Level)
	}
	return level, nil
}

// NewLogger builds the process logger. Unknown levels fall back to info.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(l.Format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
