// Package terminal runs shell commands for the agent, keeping a bounded
// history of their output and streaming each chunk to event subscribers.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os/exec"
	"runtime"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/v0xg/toolhost/internal/events"
)

// Result is the outcome of one command. It is always returned, even when the
// command could not be started.
type Result struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exitCode"`
}

// Options configures an Engine.
type Options struct {
	Shell       []string
	HistorySize int
	Timeout     time.Duration
}

// Engine executes commands one at a time from the caller's point of view.
type Engine struct {
	shell   []string
	timeout time.Duration
	history *History
	bus     *events.Bus
	logger  *slog.Logger
}

// NewEngine creates an engine publishing output on bus.
func NewEngine(opts Options, bus *events.Bus, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if bus == nil {
		bus = events.New(0)
	}
	shell := opts.Shell
	if len(shell) == 0 {
		shell = defaultShell(runtime.GOOS)
	}
	return &Engine{
		shell:   shell,
		timeout: opts.Timeout,
		history: NewHistory(opts.HistorySize),
		bus:     bus,
		logger:  logger,
	}
}

func defaultShell(goos string) []string {
	if goos == "windows" {
		return []string{"cmd", "/C"}
	}
	return []string{"/bin/sh", "-c"}
}

// Execute runs command and waits for it to finish. Spawn and execution
// failures are reported through the Result, never as an error.
func (e *Engine) Execute(ctx context.Context, command string) Result {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	mode := Classify(command)
	start := time.Now()
	res := runnerFor(mode).run(ctx, e, command)

	log := e.logger.With("command", command, "mode", mode.String(), "exit_code", res.ExitCode,
		"duration", time.Since(start))
	if res.ExitCode != 0 {
		log.Warn("command failed", "stderr", truncate(res.Stderr, 256))
	} else {
		log.Debug("command finished")
	}
	return res
}

// History returns every retained output chunk joined by newlines.
func (e *Engine) History() string {
	return e.history.String()
}

// Subscribe calls onOutput for stdout chunks and onError for stderr chunks
// until the returned function is called. Either callback may be nil.
func (e *Engine) Subscribe(onOutput, onError func(string)) func() {
	return e.bus.SubscribeFunc(map[events.Topic]func(string){
		events.TopicOutput: onOutput,
		events.TopicError:  onError,
	})
}

// emit records a chunk in the history and publishes it.
func (e *Engine) emit(topic events.Topic, chunk string) {
	if chunk == "" {
		return
	}
	e.history.Append(chunk)
	e.bus.Publish(events.Event{Topic: topic, Data: chunk})
}

type runner interface {
	run(ctx context.Context, e *Engine, command string) Result
}

func runnerFor(mode Mode) runner {
	if mode == ShellRun {
		return shellRunner{}
	}
	return directRunner{}
}

// directRunner buffers the whole run and records output only on success.
// Quoting, variables and globs are still interpreted by the shell.
type directRunner struct{}

func (directRunner) run(ctx context.Context, e *Engine, command string) Result {
	if strings.TrimSpace(command) == "" {
		return Result{Stderr: "empty command", ExitCode: 1}
	}

	cmd := exec.CommandContext(ctx, e.shell[0], shellArgs(e.shell, command)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// Background children may hold the output pipes after the shell dies.
	cmd.WaitDelay = time.Second

	if err := cmd.Run(); err != nil {
		msg := stderr.String()
		if msg == "" {
			msg = err.Error()
		}
		return Result{Stdout: stdout.String(), Stderr: msg, ExitCode: 1}
	}

	e.emit(events.TopicOutput, stdout.String())
	e.emit(events.TopicError, stderr.String())
	return Result{Stdout: stdout.String(), Stderr: stderr.String()}
}

// shellRunner streams each chunk as the shell produces it.
type shellRunner struct{}

const chunkSize = 32 * 1024

func (shellRunner) run(ctx context.Context, e *Engine, command string) Result {
	cmd := exec.CommandContext(ctx, e.shell[0], shellArgs(e.shell, command)...)

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{Stderr: err.Error(), ExitCode: 1}
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{Stderr: err.Error(), ExitCode: 1}
	}
	if err := cmd.Start(); err != nil {
		return Result{Stderr: fmt.Sprintf("start %s: %v", e.shell[0], err), ExitCode: 1}
	}

	// Killing the shell does not close pipes inherited by its children, so
	// cancellation closes the read ends directly.
	stop := context.AfterFunc(ctx, func() {
		stdoutPipe.Close()
		stderrPipe.Close()
	})
	defer stop()

	var stdout, stderr strings.Builder
	var g errgroup.Group
	g.Go(func() error { return pump(stdoutPipe, &stdout, func(s string) { e.emit(events.TopicOutput, s) }) })
	g.Go(func() error { return pump(stderrPipe, &stderr, func(s string) { e.emit(events.TopicError, s) }) })
	readErr := g.Wait()
	waitErr := cmd.Wait()

	res := Result{Stdout: stdout.String(), Stderr: stderr.String()}
	if readErr != nil {
		e.logger.Warn("read command output", "command", command, "error", readErr)
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
	case ctx.Err() != nil:
		res.ExitCode = 1
		res.Stderr = appendLine(res.Stderr, ctx.Err().Error())
	case errors.As(waitErr, &exitErr):
		// A signal-terminated process reports -1; that counts as no exit code.
		if code := exitErr.ExitCode(); code > 0 {
			res.ExitCode = code
		}
	default:
		res.ExitCode = 1
		res.Stderr = appendLine(res.Stderr, waitErr.Error())
	}
	return res
}

func pump(r io.Reader, into *strings.Builder, emit func(string)) error {
	buf := make([]byte, chunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			into.WriteString(chunk)
			emit(chunk)
		}
		if errors.Is(err, io.EOF) || errors.Is(err, fs.ErrClosed) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

func shellArgs(shell []string, command string) []string {
	return append(append([]string{}, shell[1:]...), command)
}

// appendLine adds msg to s on a line of its own.
func appendLine(s, msg string) string {
	if s != "" && !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s + msg
}

// truncate shortens s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
