package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/v0xg/toolhost/internal/browser"
)

func newBrowseCmd() *cobra.Command {
	var (
		actions []string
		output  string
		logs    bool
	)

	cmd := &cobra.Command{
		Use:   "browse <url>",
		Short: "Open a page, run actions and save the final screenshot",
		Long: `Launches the headless browser, navigates to url, runs each --action in
order and writes the last screenshot as PNG.

Actions are written kind:key=value;key=value, for example
  --action "type:selector=input[name=q];text=golang"
  --action "click:coordinates=120,340"
  --action "scroll:deltaY=600"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			steps := make([]step, 0, len(actions))
			for _, raw := range actions {
				s, err := parseActionFlag(raw)
				if err != nil {
					return err
				}
				steps = append(steps, s)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			context.AfterFunc(ctx, stop)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "→ Launching browser at %s... ", args[0])
			res := a.session.Launch(ctx, args[0])
			if !res.Success {
				fmt.Fprintln(out, "failed")
				return fmt.Errorf("launch %s failed", args[0])
			}
			fmt.Fprintln(out, "done")

			for i, s := range steps {
				fmt.Fprintf(out, "→ [%d/%d] %s... ", i+1, len(steps), s.raw)
				res = a.session.PerformAction(ctx, s.kind, s.params)
				if !res.Success {
					fmt.Fprintln(out, "failed")
					return fmt.Errorf("action %q failed", s.raw)
				}
				fmt.Fprintln(out, "done")
			}

			if logs {
				for _, line := range res.Logs {
					fmt.Fprintln(out, "console:", line)
				}
			}

			if err := os.WriteFile(output, a.session.LastScreenshot(), 0o644); err != nil {
				return fmt.Errorf("write screenshot: %w", err)
			}
			fmt.Fprintf(out, "✓ Saved %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringArrayVarP(&actions, "action", "a", nil, "Action to run after loading (repeatable)")
	cmd.Flags().StringVarP(&output, "output", "o", "screenshot.png", "Output PNG filename")
	cmd.Flags().BoolVar(&logs, "logs", false, "Print collected console messages")
	return cmd
}

type step struct {
	raw    string
	kind   string
	params browser.Params
}

// parseActionFlag parses kind:key=value;key=value. Values may contain '=' and
// ','; ';' separates parameters.
func parseActionFlag(raw string) (step, error) {
	kind, rest, _ := strings.Cut(raw, ":")
	kind = strings.TrimSpace(kind)
	if kind == "" {
		return step{}, fmt.Errorf("action %q: missing kind", raw)
	}

	s := step{raw: raw, kind: kind}
	for _, pair := range strings.Split(rest, ";") {
		if strings.TrimSpace(pair) == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return step{}, fmt.Errorf("action %q: %q is not key=value", raw, pair)
		}
		switch strings.TrimSpace(key) {
		case "selector":
			s.params.Selector = value
		case "coordinates":
			s.params.Coordinates = value
		case "text":
			s.params.Text = value
		case "deltaY", "scrollY":
			n, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return step{}, fmt.Errorf("action %q: %s: %w", raw, key, err)
			}
			s.params.DeltaY = n
		default:
			return step{}, fmt.Errorf("action %q: unknown parameter %q", raw, key)
		}
	}

	// Catch malformed actions before a browser is started.
	if _, err := browser.ParseAction(s.kind, s.params); err != nil {
		return step{}, err
	}
	return s, nil
}
