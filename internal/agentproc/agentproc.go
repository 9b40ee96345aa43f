// Package agentproc launches and tends the external agent processes
// behind workers. The Launcher interface abstracts the spawn mode so
// the supervisor can run real claude CLI children, pty-backed children,
// or in-process stubs interchangeably.
package agentproc

import (
	"context"
	"time"
)

// LineHandler receives each line of process output verbatim.
type LineHandler func(line []byte)

// Process is a handle on a running agent child.
type Process interface {
	// SendInput delivers one user message to the agent's input stream.
	SendInput(content string) error
	// PID returns the OS process id, or 0 for in-process agents.
	PID() int
	// Stop asks the agent to exit, escalating to SIGTERM after the
	// grace period. It does not wait for exit; use Wait.
	Stop(grace time.Duration)
	// Wait blocks until the process exits and returns its exit error.
	Wait() error
	// Stderr returns captured stderr, for spawn-failure diagnostics.
	Stderr() string
}

// Options configures a launch.
type Options struct {
	Handle          string
	WorkingDir      string
	Model           string
	ResumeSessionID string
	Env             []string // extra KEY=VALUE entries
}

// Launcher starts agent processes. Implementations: Exec (piped
// stdio), PTY (pseudo-terminal), Native (in-process stub).
type Launcher interface {
	Launch(ctx context.Context, opts Options, onLine LineHandler) (Process, error)
}
