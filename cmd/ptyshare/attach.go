package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"ptyshare/internal/attach"
	"ptyshare/internal/core"
)

func newAttachCmd(opts *rootOptions) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "attach URL",
		Short: "Attach this terminal to a shared session (Ctrl+\\ detaches)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := opts.load(); err != nil {
				return err
			}
			cursor, err := core.ParseCursor(from)
			if err != nil {
				return err
			}
			return attachTerminal(cmd.Context(), args[0], cursor)
		},
	}
	cmd.Flags().StringVar(&from, "from", "full", "replay start: full, tail or a sequence number")
	return cmd
}

func terminalSize(fd int) core.Size {
	cols, rows, err := term.GetSize(fd)
	if err != nil || rows <= 0 || cols <= 0 || rows > 0xffff || cols > 0xffff {
		return core.Size{}
	}
	return core.Size{Rows: uint16(rows), Cols: uint16(cols)}
}

func attachTerminal(ctx context.Context, url string, from core.Cursor) error {
	fd := int(os.Stdin.Fd())
	client := &attach.Client{
		URL:    url,
		From:   from,
		Input:  os.Stdin,
		Output: os.Stdout,
	}

	if term.IsTerminal(fd) {
		client.Size = terminalSize(fd)
		old, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("set raw mode: %w", err)
		}
		defer func() { _ = term.Restore(fd, old) }()

		resize := make(chan core.Size, 1)
		winch := make(chan os.Signal, 1)
		signal.Notify(winch, unix.SIGWINCH)
		defer signal.Stop(winch)
		go func() {
			for range winch {
				size := terminalSize(fd)
				select {
				case resize <- size:
				default:
				}
			}
		}()
		client.Resize = resize
	}

	exit, err := client.Run(ctx)
	if errors.Is(err, attach.ErrDetached) {
		fmt.Fprint(os.Stderr, "\r\n[detached]\r\n")
		return nil
	}
	if err != nil {
		return err
	}
	return exitResult(exit)
}
