package agentproc

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// ExecLauncher runs the claude CLI as a child with piped stdio,
// speaking NDJSON in both directions.
type ExecLauncher struct {
	log *slog.Logger
}

// NewExecLauncher creates a piped-stdio launcher.
func NewExecLauncher(log *slog.Logger) *ExecLauncher {
	return &ExecLauncher{log: log.With("component", "agentproc")}
}

func claudeArgs(opts Options) []string {
	args := []string{
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// userInputMessage is the stream-json stdin framing.
type userInputMessage struct {
	Type    string `json:"type"`
	Message struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"message"`
}

func encodeUserInput(content string) ([]byte, error) {
	var msg userInputMessage
	msg.Type = "user"
	msg.Message.Role = "user"
	msg.Message.Content = content
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal input: %w", err)
	}
	return append(data, '\n'), nil
}

func (l *ExecLauncher) Launch(ctx context.Context, opts Options, onLine LineHandler) (Process, error) {
	ctx, cancel := context.WithCancel(ctx)

	cmd := exec.CommandContext(ctx, "claude", claudeArgs(opts)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(filterEnv(cmd.Environ(), "CLAUDECODE"), opts.Env...)

	// SIGTERM on cancel so the agent can persist session state; Go
	// escalates to SIGKILL after WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fault.Wrap(fault.KindSpawnFailed, err, "stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fault.Wrap(fault.KindSpawnFailed, err, "stdout pipe")
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fault.Wrap(fault.KindSpawnFailed, err, "start claude for %s", opts.Handle)
	}

	p := &execProcess{
		handle:    opts.Handle,
		log:       l.log,
		cmd:       cmd,
		stdin:     stdin,
		stderrBuf: &stderrBuf,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go p.readOutput(stdout, onLine)
	return p, nil
}

type execProcess struct {
	handle    string
	log       *slog.Logger
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	stderrBuf *bytes.Buffer
	cancel    context.CancelFunc
	done      chan struct{}
	waitErr   error

	mu      sync.Mutex
	stopped bool
}

func (p *execProcess) SendInput(content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fault.New(fault.KindConflict, "worker %s is stopped", p.handle)
	}
	data, err := encodeUserInput(content)
	if err != nil {
		return err
	}
	if _, err := p.stdin.Write(data); err != nil {
		return fmt.Errorf("write stdin: %w", err)
	}
	return nil
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	// Closing stdin signals EOF, which the agent treats as shutdown.
	_ = p.stdin.Close()
	select {
	case <-p.done:
	case <-time.After(grace):
		p.cancel()
	}
}

func (p *execProcess) Wait() error {
	<-p.done
	return p.waitErr
}

func (p *execProcess) Stderr() string {
	return p.stderrBuf.String()
}

func (p *execProcess) readOutput(stdout io.Reader, onLine LineHandler) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		lineCopy := make([]byte, len(line))
		copy(lineCopy, line)
		onLine(lineCopy)
	}
	if err := scanner.Err(); err != nil {
		p.log.Warn("agent stdout read error", "handle", p.handle, "error", err)
	}

	// Wait only after stdout drains, so cmd.Wait does not close the
	// pipe out from under the scanner.
	p.waitErr = p.cmd.Wait()
	close(p.done)
}

// filterEnv strips entries whose key matches any of the given names.
func filterEnv(environ []string, keys ...string) []string {
	filtered := make([]string, 0, len(environ))
	for _, entry := range environ {
		name, _, _ := strings.Cut(entry, "=")
		skip := false
		for _, k := range keys {
			if strings.EqualFold(name, k) {
				skip = true
				break
			}
		}
		if !skip {
			filtered = append(filtered, entry)
		}
	}
	return filtered
}
