package agentproc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
)

// NativeLauncher runs no child process at all. Each launched "process"
// immediately emits a synthetic init line and echoes a scripted
// response to every input. Used for the native spawn mode and tests.
type NativeLauncher struct {
	mu sync.Mutex
	// Script, when set, produces the output lines for each input.
	Script func(handle, input string) []string
	// FailNext makes the next Launch fail, for spawn-failure tests.
	FailNext bool

	procs []*NativeProcess
}

// NewNativeLauncher creates an in-process launcher with echo behavior.
func NewNativeLauncher() *NativeLauncher {
	return &NativeLauncher{}
}

// Procs returns every process this launcher has started.
func (l *NativeLauncher) Procs() []*NativeProcess {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*NativeProcess(nil), l.procs...)
}

func (l *NativeLauncher) Launch(ctx context.Context, opts Options, onLine LineHandler) (Process, error) {
	l.mu.Lock()
	if l.FailNext {
		l.FailNext = false
		l.mu.Unlock()
		return nil, fault.New(fault.KindSpawnFailed, "native launch refused for %s", opts.Handle)
	}
	script := l.Script
	l.mu.Unlock()

	sessionID := opts.ResumeSessionID
	if sessionID == "" {
		sessionID = id.Short()
	}
	p := &NativeProcess{
		handle:    opts.Handle,
		sessionID: sessionID,
		script:    script,
		onLine:    onLine,
		done:      make(chan struct{}),
	}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()

	p.emit(fmt.Sprintf(`{"type":"system","subtype":"init","session_id":%q}`, sessionID))
	return p, nil
}

// NativeProcess is a scripted in-process agent.
type NativeProcess struct {
	handle    string
	sessionID string
	script    func(handle, input string) []string
	onLine    LineHandler

	mu      sync.Mutex
	inputs  []string
	stopped bool
	done    chan struct{}
}

// Inputs returns every message sent to this process.
func (p *NativeProcess) Inputs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.inputs...)
}

// Emit injects an output line, as if the agent had printed it.
func (p *NativeProcess) Emit(line string) { p.emit(line) }

func (p *NativeProcess) emit(line string) {
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if !stopped {
		p.onLine([]byte(line))
	}
}

func (p *NativeProcess) SendInput(content string) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return fault.New(fault.KindConflict, "worker %s is stopped", p.handle)
	}
	p.inputs = append(p.inputs, content)
	script := p.script
	p.mu.Unlock()

	if script != nil {
		for _, line := range script(p.handle, content) {
			p.emit(line)
		}
	} else {
		p.emit(fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`, "ack: "+content))
	}
	return nil
}

func (p *NativeProcess) PID() int { return 0 }

func (p *NativeProcess) Stop(grace time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	close(p.done)
}

func (p *NativeProcess) Wait() error {
	<-p.done
	return nil
}

func (p *NativeProcess) Stderr() string { return "" }
