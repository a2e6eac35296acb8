package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/v0xg/toolhost/internal/events"
	"github.com/v0xg/toolhost/internal/terminal"
)

func newExecCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "exec <command>",
		Short: "Run one command, streaming its output",
		Long: `Runs a command the way the server would. Commands containing &, | or >
go through the shell and stream their output; anything else runs directly.
toolhost exits with the command's exit code.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			context.AfterFunc(ctx, stop)

			res := execStreaming(a.bus, strings.Join(args, " "), func(command string) terminal.Result {
				return a.engine.Execute(ctx, command)
			}, cmd.OutOrStdout(), cmd.ErrOrStderr())
			if res.ExitCode != 0 {
				return exitError{code: res.ExitCode}
			}
			return nil
		},
	}
}

// execStreaming runs command through execute, copying output events to
// stdout and stderr as they arrive. Failures that produced no error events
// have their stderr printed once the command finishes.
func execStreaming(bus *events.Bus, command string, execute func(string) terminal.Result, stdout, stderr io.Writer) terminal.Result {
	sub := bus.Subscribe(events.TopicOutput, events.TopicError)
	defer sub.Close()

	sawStderr := false
	show := func(ev events.Event) {
		if ev.Topic == events.TopicError {
			sawStderr = true
			fmt.Fprint(stderr, ev.Data)
			return
		}
		fmt.Fprint(stdout, ev.Data)
	}

	finished := make(chan struct{})
	printed := make(chan struct{})
	go func() {
		defer close(printed)
		for {
			select {
			case ev := <-sub.C():
				show(ev)
			case <-finished:
				// Publish has handed over every event by now; drain the buffer.
				for {
					select {
					case ev := <-sub.C():
						show(ev)
					default:
						return
					}
				}
			}
		}
	}()

	res := execute(command)
	close(finished)
	<-printed

	if res.ExitCode != 0 && !sawStderr && res.Stderr != "" {
		fmt.Fprintln(stderr, strings.TrimRight(res.Stderr, "\n"))
	}
	return res
}
