package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"ptyshare/internal/config"
	"ptyshare/internal/core"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	root.SetArgs(args)
	if err := root.ExecuteContext(ctx); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			return exit.code
		}
		slog.Error("ptyshare command failed", "err", err)
		return 1
	}
	return 0
}

// exitError carries the shared process's exit status out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

// exitCode follows the shell convention: the child's own code, or 128 plus
// the signal number when it was killed.
func exitCode(info *core.ExitInfo) int {
	if info == nil {
		return 1
	}
	if info.Code != nil {
		return *info.Code
	}
	if info.Signal != "" {
		if n := unix.SignalNum(info.Signal); n != 0 {
			return 128 + int(n)
		}
	}
	return 1
}

func exitResult(info *core.ExitInfo) error {
	if code := exitCode(info); code != 0 {
		return exitError{code: code}
	}
	return nil
}

type rootOptions struct {
	v       *viper.Viper
	cfgPath string
}

func (o *rootOptions) load() (config.Config, error) {
	cfg, err := config.Load(o.v, o.cfgPath)
	if err != nil {
		return config.Config{}, err
	}
	slog.SetDefault(cfg.Log.NewLogger(os.Stderr))
	return cfg, nil
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{v: viper.New()}
	root := &cobra.Command{
		Use:           "ptyshare",
		Short:         "Share one terminal session with many viewers",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	flags := root.PersistentFlags()
	flags.StringVarP(&opts.cfgPath, "config", "c", "", "config file (default ./ptyshare.yaml)")
	flags.String("log-level", config.Default().Log.Level, "log level: debug, info, warn, error")
	flags.String("log-format", config.Default().Log.Format, "log format: json or text")
	bindFlags(opts.v, flags, map[string]string{
		"log.level":  "log-level",
		"log.format": "log-format",
	})

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newAttachCmd(opts))
	root.AddCommand(newConfigCmd(opts))
	return root
}

// bindFlags maps config keys to flag names so a flag set on the command line
// overrides the file and environment.
func bindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if f := flags.Lookup(name); f != nil {
			_ = v.BindPFlag(key, f)
		}
	}
}

func newConfigCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			data, err := cfg.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
