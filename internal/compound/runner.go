package compound

import (
	"context"
	"os/exec"
	"time"

	"github.com/fleetmux/fleetmux/internal/metrics"
)

// GateRunner executes one gate command in a directory and returns its
// combined output. A non-nil error means the gate failed; the output is
// meaningful either way.
type GateRunner interface {
	Run(ctx context.Context, dir string, g Gate) (string, error)
}

// ExecRunner shells out to the gate command.
type ExecRunner struct{}

// NewExecRunner returns a gate runner backed by os/exec.
func NewExecRunner() *ExecRunner { return &ExecRunner{} }

func (r *ExecRunner) Run(ctx context.Context, dir string, g Gate) (string, error) {
	start := time.Now()
	cmd := exec.CommandContext(ctx, g.Cmd[0], g.Cmd[1:]...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	metrics.GateDuration.WithLabelValues(g.Name).Observe(time.Since(start).Seconds())
	return string(out), err
}
