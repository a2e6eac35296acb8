package terminal

import "strings"

// Mode is how a command string gets spawned.
type Mode int

const (
	// DirectRun runs the command through the shell in one shot and buffers
	// its output until it exits.
	DirectRun Mode = iota
	// ShellRun hands the whole string to a shell and streams its output.
	ShellRun
)

// shellMetachars are the characters that need a shell: pipes, redirects and
// backgrounding.
const shellMetachars = "&|>"

func (m Mode) String() string {
	switch m {
	case DirectRun:
		return "direct"
	case ShellRun:
		return "shell"
	default:
		return "unknown"
	}
}

// Classify picks the spawn mode for command.
func Classify(command string) Mode {
	if strings.ContainsAny(command, shellMetachars) {
		return ShellRun
	}
	return DirectRun
}
