package agentproc

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// PTYLauncher runs the claude CLI under a pseudo-terminal. Some tools
// the agent shells out to behave differently without a tty; pty mode
// gives them one at the cost of stdout and stderr being merged.
type PTYLauncher struct {
	log *slog.Logger
}

// NewPTYLauncher creates a pty-backed launcher.
func NewPTYLauncher(log *slog.Logger) *PTYLauncher {
	return &PTYLauncher{log: log.With("component", "agentproc")}
}

func (l *PTYLauncher) Launch(ctx context.Context, opts Options, onLine LineHandler) (Process, error) {
	cmd := exec.Command("claude", claudeArgs(opts)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = append(filterEnv(os.Environ(), "CLAUDECODE"), opts.Env...)

	tty, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 40, Cols: 200})
	if err != nil {
		return nil, fault.Wrap(fault.KindSpawnFailed, err, "start claude pty for %s", opts.Handle)
	}

	p := &ptyProcess{
		handle: opts.Handle,
		log:    l.log,
		cmd:    cmd,
		tty:    tty,
		done:   make(chan struct{}),
	}
	go p.readOutput(onLine)

	// Honor caller cancellation the way CommandContext would.
	go func() {
		select {
		case <-ctx.Done():
			p.terminate()
		case <-p.done:
		}
	}()
	return p, nil
}

type ptyProcess struct {
	handle  string
	log     *slog.Logger
	cmd     *exec.Cmd
	tty     *os.File
	done    chan struct{}
	waitErr error

	mu      sync.Mutex
	stopped bool
}

func (p *ptyProcess) SendInput(content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return fault.New(fault.KindConflict, "worker %s is stopped", p.handle)
	}
	data, err := encodeUserInput(content)
	if err != nil {
		return err
	}
	if _, err := p.tty.Write(data); err != nil {
		return fault.Wrap(fault.KindInternal, err, "write pty")
	}
	return nil
}

func (p *ptyProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *ptyProcess) Stop(grace time.Duration) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	p.mu.Unlock()

	if p.cmd.Process != nil {
		_ = p.cmd.Process.Signal(syscall.SIGTERM)
	}
	select {
	case <-p.done:
	case <-time.After(grace):
		p.terminate()
	}
}

func (p *ptyProcess) terminate() {
	if p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
	}
}

func (p *ptyProcess) Wait() error {
	<-p.done
	return p.waitErr
}

// Stderr is empty in pty mode: the terminal merges both streams.
func (p *ptyProcess) Stderr() string { return "" }

func (p *ptyProcess) readOutput(onLine LineHandler) {
	scanner := bufio.NewScanner(p.tty)
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
	// EIO here is the normal pty close signal, not worth logging.

	p.waitErr = p.cmd.Wait()
	_ = p.tty.Close()
	close(p.done)
}
