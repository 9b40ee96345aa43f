// Package compound drives the autonomous fix loop: spawn a small swarm
// of workers against an objective, wait for them to report completion,
// commit their changes on a fleet branch, run the project's quality
// gates, and re-dispatch the workers with structured gate feedback
// until the gates pass or the iteration cap is hit.
package compound

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/gitexec"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/metrics"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
	"github.com/fleetmux/fleetmux/internal/swarm"
)

const (
	defaultMaxIterations = 5
	maxWorkerCount       = 5

	// doneMarker in a worker's output ring counts as completion even
	// when the sentinel file never lands.
	doneMarker = "TASK COMPLETE"
	// reengageMarker opens every follow-up dispatch; on later
	// iterations only output after its last occurrence counts.
	reengageMarker = "RE-ENGAGED"
)

// RunStatus is a compound run's lifecycle state.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Request starts a compound run.
type Request struct {
	Objective     string          `json:"objective"`
	Dir           string          `json:"dir"`
	NumWorkers    int             `json:"numWorkers"`
	MaxIterations int             `json:"maxIterations"`
	SpawnMode     store.SpawnMode `json:"spawnMode,omitempty"`
}

// Run is the observable state of one compound run.
type Run struct {
	ID          string      `json:"id"`
	Objective   string      `json:"objective"`
	Dir         string      `json:"dir"`
	ProjectType ProjectType `json:"projectType"`
	Branch      string      `json:"branch"`
	SwarmID     string      `json:"swarmId,omitempty"`
	Status      RunStatus   `json:"status"`
	Iterations  int         `json:"iterations"`
	TotalErrors int         `json:"totalErrors"`
	Error       string      `json:"error,omitempty"`
	StartedAt   int64       `json:"startedAt"`
	FinishedAt  int64       `json:"finishedAt,omitempty"`
	Feedback    *Feedback   `json:"feedback,omitempty"`
}

// Driver owns compound runs. Runs live in memory; their progress is
// observable through the registry and compound:* events.
type Driver struct {
	log    *slog.Logger
	hub    *hub.Hub
	sup    *supervisor.Supervisor
	swarms *swarm.Service
	git    gitexec.Invoker
	gates  GateRunner
	now    func() time.Time

	lookPath         func(file string) (string, error)
	pollInterval     time.Duration
	gateTimeout      time.Duration
	firstIterTimeout time.Duration
	laterIterTimeout time.Duration

	mu   sync.Mutex
	runs map[string]*Run
}

// New wires a driver. now may be nil for wall-clock time.
func New(log *slog.Logger, h *hub.Hub, sup *supervisor.Supervisor, swarms *swarm.Service,
	git gitexec.Invoker, gates GateRunner, now func() time.Time) *Driver {
	if now == nil {
		now = time.Now
	}
	return &Driver{
		log:              log.With("component", "compound"),
		hub:              h,
		sup:              sup,
		swarms:           swarms,
		git:              git,
		gates:            gates,
		now:              now,
		lookPath:         exec.LookPath,
		pollInterval:     500 * time.Millisecond,
		gateTimeout:      120 * time.Second,
		firstIterTimeout: 10 * time.Minute,
		laterIterTimeout: 5 * time.Minute,
		runs:             make(map[string]*Run),
	}
}

// Start validates the request, snapshots git state, and launches the
// iteration loop in the background. The returned run is already
// registered and queryable by ID.
func (d *Driver) Start(ctx context.Context, req Request) (Run, error) {
	if req.Objective == "" || req.Dir == "" {
		return Run{}, fault.New(fault.KindInvariantViolation, "objective and dir are required")
	}
	if req.NumWorkers < 1 || req.NumWorkers > maxWorkerCount {
		return Run{}, fault.New(fault.KindInvariantViolation,
			"numWorkers must be 1..%d, got %d", maxWorkerCount, req.NumWorkers)
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = defaultMaxIterations
	}
	if req.SpawnMode == "" {
		req.SpawnMode = store.SpawnModeProcess
	}

	projectType, err := detectProject(req.Dir)
	if err != nil {
		return Run{}, err
	}
	gates := d.runnableGates(projectType)
	if len(gates) == 0 {
		return Run{}, fault.New(fault.KindInvariantViolation,
			"no runnable quality gates for %s project in %s", projectType, req.Dir)
	}

	run := &Run{
		ID:          id.Generate(),
		Objective:   req.Objective,
		Dir:         req.Dir,
		ProjectType: projectType,
		Status:      RunRunning,
		StartedAt:   d.now().UnixMilli(),
	}
	d.mu.Lock()
	d.runs[run.ID] = run
	d.mu.Unlock()

	go d.execute(context.WithoutCancel(ctx), run, req, gates)
	return *run, nil
}

// Get returns a snapshot of one run.
func (d *Driver) Get(runID string) (Run, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	run, ok := d.runs[runID]
	if !ok {
		return Run{}, fault.New(fault.KindNotFound, "compound run %q not found", runID)
	}
	return *run, nil
}

// List returns snapshots of every run, newest first.
func (d *Driver) List() []Run {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]Run, 0, len(d.runs))
	for _, r := range d.runs {
		out = append(out, *r)
	}
	for i := range out {
		for j := i + 1; j < len(out); j++ {
			if out[j].StartedAt > out[i].StartedAt {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// runnableGates drops gates whose binary is missing on PATH.
func (d *Driver) runnableGates(t ProjectType) []Gate {
	var out []Gate
	for _, g := range gatesFor(t) {
		if _, err := d.lookPath(g.Cmd[0]); err != nil {
			d.log.Warn("gate dropped, command not on PATH", "gate", g.Name, "command", g.Cmd[0])
			continue
		}
		out = append(out, g)
	}
	return out
}

func (d *Driver) execute(ctx context.Context, run *Run, req Request, gates []Gate) {
	err := d.loop(ctx, run, req, gates)

	d.mu.Lock()
	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
	}
	run.FinishedAt = d.now().UnixMilli()
	status := run.Status
	swarmID := run.SwarmID
	totalErrors := run.TotalErrors
	iterations := run.Iterations
	d.mu.Unlock()

	metrics.CompoundRunsTotal.WithLabelValues(string(status)).Inc()
	typ := event.TypeCompoundSucceeded
	if status == RunFailed {
		typ = event.TypeCompoundFailed
	}
	d.hub.Publish(event.New(typ, event.SubjectSwarm(swarmID), d.now().UnixMilli(), event.CompoundPayload{
		RunID:     run.ID,
		Iteration: iterations,
		Phase:     string(status),
		Detail:    fmt.Sprintf("%d error(s) after %d iteration(s)", totalErrors, iterations),
	}))
	d.log.Info("compound run finished", "run", run.ID, "status", status, "iterations", iterations)
}

// loop runs the whole fix cycle. Git state and spawned workers are
// restored/dismissed on every exit path.
func (d *Driver) loop(ctx context.Context, run *Run, req Request, gates []Gate) error {
	origBranch, err := d.git.CurrentBranch(ctx, req.Dir)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "read current branch")
	}
	dirty, err := d.git.PorcelainStatus(ctx, req.Dir)
	if err != nil {
		return fault.Wrap(fault.KindInternal, err, "read git status")
	}
	stashed := false
	if len(dirty) > 0 {
		if err := d.git.StashPush(ctx, req.Dir, "fleetmux/compound-"+run.ID); err != nil {
			return fault.Wrap(fault.KindInternal, err, "stash working tree")
		}
		stashed = true
	}

	branch := fmt.Sprintf("fleet/fix-%d", d.now().Unix())
	if err := d.git.CheckoutNew(ctx, req.Dir, branch, origBranch); err != nil {
		if stashed {
			if perr := d.git.StashPop(ctx, req.Dir); perr != nil {
				d.log.Error("restore stash after failed branch", "run", run.ID, "error", perr)
			}
		}
		return fault.Wrap(fault.KindInternal, err, "create fleet branch")
	}
	d.mu.Lock()
	run.Branch = branch
	d.mu.Unlock()
	defer func() {
		if err := d.git.Checkout(ctx, req.Dir, origBranch); err != nil {
			d.log.Error("restore original branch", "run", run.ID, "branch", origBranch, "error", err)
		}
		if stashed {
			if err := d.git.StashPop(ctx, req.Dir); err != nil {
				d.log.Error("restore stash", "run", run.ID, "error", err)
			}
		}
	}()

	sw, err := d.swarms.Create(ctx, "compound-"+id.Short(), req.Objective, req.NumWorkers)
	if err != nil {
		return err
	}
	d.mu.Lock()
	run.SwarmID = sw.ID
	d.mu.Unlock()

	handles, err := d.spawnWorkers(ctx, run, req, sw.ID)
	defer func() {
		for _, h := range handles {
			if _, derr := d.sup.Dismiss(ctx, "", h); derr != nil {
				d.log.Warn("dismiss compound worker", "handle", h, "error", derr)
			}
		}
		if kerr := d.swarms.Kill(ctx, sw.ID); kerr != nil {
			d.log.Warn("kill compound swarm", "swarm", sw.ID, "error", kerr)
		}
	}()
	if err != nil {
		return err
	}

	for i := 1; i <= req.MaxIterations; i++ {
		d.mu.Lock()
		run.Iterations = i
		d.mu.Unlock()
		nowMS := d.now().UnixMilli()
		d.hub.Publish(event.New(event.TypeCompoundIterationStart, event.SubjectSwarm(sw.ID), nowMS,
			event.CompoundPayload{RunID: run.ID, Iteration: i, Phase: "dispatched"}))

		timeout := d.laterIterTimeout
		if i == 1 {
			timeout = d.firstIterTimeout
		}
		wctx, cancel := context.WithTimeout(ctx, timeout)
		waitErr := d.waitForWorkers(wctx, run.Dir, handles, i)
		cancel()
		if waitErr != nil {
			// Gates still run against whatever landed; a stalled
			// worker must not wedge the loop.
			d.log.Warn("iteration timed out waiting for workers", "run", run.ID, "iteration", i)
		}

		// Commit before gating so gates and verifier re-reads see the
		// fixer's tree, never a half-staged one.
		if err := d.git.CommitAll(ctx, run.Dir, fmt.Sprintf("fleet: iteration %d fixes", i)); err != nil {
			return fault.Wrap(fault.KindInternal, err, "commit iteration %d", i)
		}

		fb := d.runGates(ctx, run, gates)
		d.mu.Lock()
		run.Feedback = &fb
		run.TotalErrors = fb.TotalErrors
		d.mu.Unlock()
		metrics.CompoundIterationsTotal.Inc()
		d.hub.Publish(event.New(event.TypeCompoundIterationComplete, event.SubjectSwarm(sw.ID),
			d.now().UnixMilli(), event.CompoundPayload{
				RunID:     run.ID,
				Iteration: i,
				Phase:     "gated",
				Detail:    fmt.Sprintf("%d error(s)", fb.TotalErrors),
			}))

		if fb.AllPassed() {
			d.mu.Lock()
			run.Status = RunSucceeded
			d.mu.Unlock()
			return nil
		}
		if i == req.MaxIterations {
			d.mu.Lock()
			run.Status = RunFailed
			run.Error = fmt.Sprintf("gates still failing after %d iterations", i)
			d.mu.Unlock()
			return nil
		}

		// Fixer hears the feedback first, mirroring spawn order.
		summary := fb.Summary()
		for _, h := range handles {
			msg := d.reengagePrompt(i+1, summary, sentinelPath(run.Dir, h, i+1))
			if err := d.sup.SendInput(ctx, h, msg); err != nil {
				d.log.Warn("re-dispatch worker", "handle", h, "error", err)
			}
		}
	}
	return nil
}

// spawnWorkers launches the fixer then the verifiers, all in one swarm
// and all sharing the fleet branch in the main tree.
func (d *Driver) spawnWorkers(ctx context.Context, run *Run, req Request, swarmID string) ([]string, error) {
	var handles []string
	for i := 0; i < req.NumWorkers; i++ {
		role := store.RoleWorker
		handle := "fixer-" + id.Short()
		if i > 0 {
			role = store.RoleCritic
			handle = "verifier-" + id.Short()
		}
		prompt := d.initialPrompt(i == 0, req.Objective, sentinelPath(run.Dir, handle, 1))
		_, err := d.sup.Spawn(ctx, supervisor.SpawnRequest{
			Handle:        handle,
			Role:          role,
			TeamName:      "compound",
			WorkingDir:    run.Dir,
			InitialPrompt: prompt,
			SwarmID:       swarmID,
			SpawnMode:     req.SpawnMode,
			NoWorktree:    true,
		})
		if err != nil {
			return handles, err
		}
		handles = append(handles, handle)
	}
	return handles, nil
}

func (d *Driver) runGates(ctx context.Context, run *Run, gates []Gate) Feedback {
	var fb Feedback
	for _, g := range gates {
		gctx, cancel := context.WithTimeout(ctx, d.gateTimeout)
		out, err := d.gates.Run(gctx, run.Dir, g)
		cancel()
		passed := err == nil
		fb.Gates = append(fb.Gates, gateResult(g, out, passed))
		d.log.Info("gate finished", "run", run.ID, "gate", g.Name, "passed", passed)
	}
	fb.finalize()
	return fb
}

func (d *Driver) initialPrompt(fixer bool, objective, sentinel string) string {
	role := "You verify the fixer's changes: review the working tree for correctness and regressions."
	if fixer {
		role = "You are the fixer: make the code changes this objective requires."
	}
	return fmt.Sprintf("%s\n\nObjective: %s\n\nWhen you are done, create the file %s and print %s.",
		role, objective, sentinel, doneMarker)
}

func (d *Driver) reengagePrompt(iteration int, summary, sentinel string) string {
	return fmt.Sprintf("%s for iteration %d.\n\nQuality gates are still failing:\n%s\nAddress the failures above, then create the file %s and print %s.",
		reengageMarker, iteration, summary, sentinel, doneMarker)
}
