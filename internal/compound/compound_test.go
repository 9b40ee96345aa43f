package compound

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/internal/agentproc"
	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/gitexec"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
	"github.com/fleetmux/fleetmux/internal/swarm"
)

// scriptedGates fails gates by name for a configured number of sweeps,
// then passes them.
type scriptedGates struct {
	mu     sync.Mutex
	fails  map[string]int    // gate name -> failing sweeps remaining
	output map[string]string // output while failing
	calls  []string
}

func (r *scriptedGates) Run(ctx context.Context, dir string, g Gate) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, g.Name)
	if r.fails[g.Name] > 0 {
		r.fails[g.Name]--
		return r.output[g.Name], fmt.Errorf("%s: exit status 1", g.Name)
	}
	return "", nil
}

type fixture struct {
	driver   *Driver
	sup      *supervisor.Supervisor
	swarms   *swarm.Service
	git      *gitexec.Fake
	gates    *scriptedGates
	launcher *agentproc.NativeLauncher
	dir      string
}

func newFixture(t *testing.T, gates *scriptedGates) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	log := slog.New(slog.DiscardHandler)
	h := hub.New(log)
	t.Cleanup(h.Close)

	launcher := agentproc.NewNativeLauncher()
	// Workers acknowledge every dispatch by printing the completion
	// marker; re-dispatches echo the re-engage marker first so later
	// rounds can be told apart from stale completions.
	launcher.Script = func(handle, input string) []string {
		text := "TASK COMPLETE"
		if strings.Contains(input, reengageMarker) {
			text = reengageMarker + " acknowledged\nTASK COMPLETE"
		}
		return []string{fmt.Sprintf(`{"type":"assistant","message":{"content":[{"type":"text","text":%q}]}}`, text)}
	}

	git := gitexec.NewFake("main")
	cfg := config.Config{MaxDepth: 3, MaxFleet: 25, MaxRestarts: 3, DismissGraceMS: 100}
	sup := supervisor.New(cfg, log, st, h, git, map[store.SpawnMode]agentproc.Launcher{
		store.SpawnModeNative: launcher,
	}, nil)
	swarms := swarm.New(log, st, h, nil)

	d := New(log, h, sup, swarms, git, gates, nil)
	d.lookPath = func(string) (string, error) { return "/usr/bin/x", nil }
	d.pollInterval = 10 * time.Millisecond
	d.firstIterTimeout = 5 * time.Second
	d.laterIterTimeout = 5 * time.Second

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "package.json"), []byte("{}"), 0o644))
	return &fixture{driver: d, sup: sup, swarms: swarms, git: git, gates: gates, launcher: launcher, dir: dir}
}

func awaitRun(t *testing.T, d *Driver, runID string) Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := d.Get(runID)
		require.NoError(t, err)
		if run.FinishedAt != 0 {
			return run
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("compound run did not finish")
	return Run{}
}

func TestLoopSucceedsOnSecondIteration(t *testing.T) {
	gates := &scriptedGates{
		fails:  map[string]int{"typecheck": 1},
		output: map[string]string{"typecheck": "src/x.ts(3,1): error TS2304: Cannot find name 'f'.\n"},
	}
	f := newFixture(t, gates)
	f.git.Dirty = []string{" M src/x.ts"} // pre-existing changes get stashed

	run, err := f.driver.Start(context.Background(), Request{
		Objective:     "make tsc pass",
		Dir:           f.dir,
		NumWorkers:    2,
		MaxIterations: 5,
		SpawnMode:     store.SpawnModeNative,
	})
	require.NoError(t, err)
	assert.Equal(t, ProjectNode, run.ProjectType)

	run = awaitRun(t, f.driver, run.ID)
	assert.Equal(t, RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Iterations)
	assert.True(t, strings.HasPrefix(run.Branch, "fleet/fix-"), "branch %q", run.Branch)
	require.NotNil(t, run.Feedback)
	assert.True(t, run.Feedback.AllPassed())
	assert.Zero(t, run.TotalErrors)

	// Git state restored: original branch, nothing left stashed, one
	// commit per iteration before its gate sweep.
	assert.Equal(t, "main", f.git.Branch)
	assert.Zero(t, f.git.Stashed)
	stashPushed := false
	commits := 0
	for _, c := range f.git.Calls {
		if strings.HasPrefix(c, "stash-push fleetmux/compound-") {
			stashPushed = true
		}
		if c == "commit" {
			commits++
		}
	}
	assert.True(t, stashPushed)
	assert.Equal(t, 2, commits)

	// Workers dismissed and the swarm removed.
	assert.Zero(t, f.sup.LiveCount())
	_, err = f.swarms.Get(context.Background(), run.SwarmID)
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))

	// Each sweep ran every node gate.
	f.gates.mu.Lock()
	defer f.gates.mu.Unlock()
	assert.Equal(t, []string{"typecheck", "lint", "tests", "typecheck", "lint", "tests"}, f.gates.calls)
}

func TestLoopFailsAtIterationCap(t *testing.T) {
	gates := &scriptedGates{
		fails:  map[string]int{"tests": 100},
		output: map[string]string{"tests": "FAIL test/a.test.js\n"},
	}
	f := newFixture(t, gates)

	run, err := f.driver.Start(context.Background(), Request{
		Objective:     "fix the tests",
		Dir:           f.dir,
		NumWorkers:    1,
		MaxIterations: 2,
		SpawnMode:     store.SpawnModeNative,
	})
	require.NoError(t, err)

	run = awaitRun(t, f.driver, run.ID)
	assert.Equal(t, RunFailed, run.Status)
	assert.Equal(t, 2, run.Iterations)
	assert.Contains(t, run.Error, "still failing")
	require.NotNil(t, run.Feedback)
	assert.Equal(t, 1, run.TotalErrors)

	// Failure still restores the original branch.
	assert.Equal(t, "main", f.git.Branch)
	assert.Zero(t, f.sup.LiveCount())
}

func TestSentinelFileCompletesIteration(t *testing.T) {
	f := newFixture(t, &scriptedGates{})
	// A silent worker: nothing ever reaches the output ring, so only
	// the sentinel file can complete the iteration.
	f.launcher.Script = func(handle, input string) []string { return nil }

	_, err := f.sup.Spawn(context.Background(), supervisor.SpawnRequest{
		Handle: "quiet", Role: store.RoleWorker, WorkingDir: f.dir,
		SpawnMode: store.SpawnModeNative, NoWorktree: true,
	})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		done <- f.driver.waitForWorkers(ctx, f.dir, []string{"quiet"}, 1)
	}()

	select {
	case err := <-done:
		t.Fatalf("wait returned before sentinel: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	path := sentinelPath(f.dir, "quiet", 1)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, nil, 0o644))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("sentinel file did not complete the wait")
	}
}

func TestStartValidation(t *testing.T) {
	f := newFixture(t, &scriptedGates{})
	ctx := context.Background()

	_, err := f.driver.Start(ctx, Request{Objective: "x", Dir: f.dir, NumWorkers: 6})
	assert.Equal(t, fault.KindInvariantViolation, fault.KindOf(err))

	_, err = f.driver.Start(ctx, Request{Objective: "x", Dir: t.TempDir(), NumWorkers: 1})
	assert.Equal(t, fault.KindInvariantViolation, fault.KindOf(err), "unrecognizable project")

	_, err = f.driver.Get("missing")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestGatesDroppedWhenMissingOnPath(t *testing.T) {
	f := newFixture(t, &scriptedGates{})
	f.driver.lookPath = func(file string) (string, error) {
		if file == "npm" {
			return "", os.ErrNotExist
		}
		return "/usr/bin/" + file, nil
	}
	gates := f.driver.runnableGates(ProjectNode)
	require.Len(t, gates, 2)
	assert.Equal(t, "typecheck", gates[0].Name)
	assert.Equal(t, "lint", gates[1].Name)
}
