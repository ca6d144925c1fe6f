package config

import (
	"errors"
	"os"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"ptyshare/internal/security"
)

const EnvPrefix = "PTYSHARE"

// Load layers defaults, the optional YAML file at path, PTYSHARE_* environment
// variables and any flags already bound on v. A missing file is not an error
// unless path was given explicitly.
func Load(v *viper.Viper, path string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	cfg := Default()

	v.SetDefault("listen", cfg.Listen)
	v.SetDefault("ui_dir", cfg.UIDir)
	v.SetDefault("check_origin", cfg.CheckOrigin)
	v.SetDefault("dir", cfg.Dir)
	v.SetDefault("env_allow_keys", cfg.EnvAllowKeys)
	v.SetDefault("env_allow_prefix", cfg.EnvAllowPrefix)
	v.SetDefault("rows", cfg.Rows)
	v.SetDefault("cols", cfg.Cols)
	v.SetDefault("history.max_frames", cfg.History.MaxFrames)
	v.SetDefault("history.max_bytes", cfg.History.MaxBytes)
	v.SetDefault("client.outbox_limit", cfg.Client.OutboxLimit)
	v.SetDefault("client.hello_timeout", cfg.Client.HelloTimeout)
	v.SetDefault("client.write_timeout", cfg.Client.WriteTimeout)
	v.SetDefault("client.ping_interval", cfg.Client.PingInterval)
	v.SetDefault("arbiter.queue_depth", cfg.Arbiter.QueueDepth)
	v.SetDefault("stop_grace", cfg.StopGrace)
	v.SetDefault("linger", cfg.Linger)
	v.SetDefault("audit_path", cfg.AuditPath)
	v.SetDefault("rate.per_second", cfg.Rate.PerSecond)
	v.SetDefault("rate.burst", cfg.Rate.Burst)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	} else {
		v.SetConfigName("ptyshare")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(dir + "/ptyshare")
		}
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, err
			}
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	cfg.EnvAllowKeys = security.SplitKeys(cfg.EnvAllowKeys)
	cfg.UIDir = os.ExpandEnv(cfg.UIDir)
	cfg.Dir = os.ExpandEnv(cfg.Dir)
	cfg.AuditPath = os.ExpandEnv(cfg.AuditPath)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// YAML renders cfg the way a config file would be written.
func (c Config) YAML() ([]byte, error) {
	return yaml.Marshal(c)
}
