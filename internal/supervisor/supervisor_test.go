package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetmux/fleetmux/internal/agentproc"
	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/gitexec"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/util/testutil"
)

type testClock struct {
	mu sync.Mutex
	at time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.at
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.at = c.at.Add(d)
	c.mu.Unlock()
}

type fixture struct {
	sup      *Supervisor
	store    *store.Store
	hub      *hub.Hub
	launcher *agentproc.NativeLauncher
	git      *gitexec.Fake
	clock    *testClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	clock := &testClock{at: time.Unix(10000, 0)}
	st.SetClock(clock.Now)

	log := slog.New(slog.DiscardHandler)
	h := hub.New(log)
	t.Cleanup(h.Close)

	launcher := agentproc.NewNativeLauncher()
	git := gitexec.NewFake("main")
	cfg := config.Config{
		MaxDepth: 3, MaxFleet: 25, MaxRestarts: 3,
		DismissGraceMS: 100, HealthTickMS: 15000, PollIntervalMS: 50,
	}
	sup := New(cfg, log, st, h, git, map[store.SpawnMode]agentproc.Launcher{
		store.SpawnModeProcess: launcher,
		store.SpawnModeNative:  launcher,
	}, clock.Now)
	return &fixture{sup: sup, store: st, hub: h, launcher: launcher, git: git, clock: clock}
}

func waitForEvent(t *testing.T, sub *hub.Subscription, typ string) event.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-sub.C():
			require.True(t, ok, "subscription closed waiting for %s", typ)
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}

func TestSpawnAndDismissLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe()
	defer sub.Close()

	w, err := f.sup.Spawn(ctx, SpawnRequest{
		Handle: "alpha", Role: store.RoleCoordinator, TeamName: "t1",
		WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative,
	})
	require.NoError(t, err)
	assert.Equal(t, "alpha", w.Handle)
	waitForEvent(t, sub, event.TypeWorkerSpawned)

	st, err := f.sup.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)

	ok, err := f.sup.Dismiss(ctx, "", "alpha")
	require.NoError(t, err)
	assert.True(t, ok)
	waitForEvent(t, sub, event.TypeWorkerDismissed)

	// Idempotent: already terminal.
	ok, err = f.sup.Dismiss(ctx, "", "alpha")
	require.NoError(t, err)
	assert.False(t, ok)

	// The handle is free again.
	_, err = f.sup.Spawn(ctx, SpawnRequest{
		Handle: "alpha", Role: store.RoleCoordinator, TeamName: "t1",
		WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative,
	})
	require.NoError(t, err)
}

func TestDuplicateHandleConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := SpawnRequest{Handle: "alpha", Role: store.RoleWorker, TeamName: "t1",
		WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative}
	_, err := f.sup.Spawn(ctx, req)
	require.NoError(t, err)

	_, err = f.sup.Spawn(ctx, req)
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))

	st, err := f.sup.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Total)
}

func TestDepthCap(t *testing.T) {
	f := newFixture(t)
	_, err := f.sup.Spawn(context.Background(), SpawnRequest{
		Handle: "deep", Role: store.RoleWorker, TeamName: "t1",
		WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative, DepthLevel: 4,
	})
	assert.Equal(t, fault.KindInvariantViolation, fault.KindOf(err))
}

func TestSwarmCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateSwarm(ctx, store.Swarm{
		ID: "sw1", Name: "small", MaxAgents: 1, CreatedAt: 1,
	}))

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "a", Role: store.RoleWorker,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative, SwarmID: "sw1"})
	require.NoError(t, err)

	_, err = f.sup.Spawn(ctx, SpawnRequest{Handle: "b", Role: store.RoleWorker,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative, SwarmID: "sw1"})
	assert.Equal(t, fault.KindConflict, fault.KindOf(err))
}

func TestSpawnFailureMarksStopped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.launcher.FailNext = true

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "doomed", Role: store.RoleScout,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative})
	assert.Equal(t, fault.KindSpawnFailed, fault.KindOf(err))

	workers, err := f.store.ListWorkers(ctx, store.WorkerFilter{IncludeRetired: true})
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, store.StateStopped, workers[0].State)
	assert.Equal(t, store.HealthUnhealthy, workers[0].Health)
	assert.Zero(t, f.sup.LiveCount())
}

func TestRolePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "grunt", Role: store.RoleWorker,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative})
	require.NoError(t, err)
	_, err = f.sup.Spawn(ctx, SpawnRequest{Handle: "boss", Role: store.RoleCoordinator,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative})
	require.NoError(t, err)

	// A worker may not spawn, dismiss, or broadcast.
	_, err = f.sup.Spawn(ctx, SpawnRequest{Caller: "grunt", Handle: "x",
		Role: store.RoleWorker, TeamName: "t1", WorkingDir: t.TempDir(),
		SpawnMode: store.SpawnModeNative})
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err))
	_, err = f.sup.Dismiss(ctx, "grunt", "boss")
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err))
	_, err = f.sup.Broadcast(ctx, "grunt", "hello")
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err))

	// Nor read another worker's output.
	_, err = f.sup.ReadOutput("grunt", "boss", 10)
	assert.Equal(t, fault.KindForbidden, fault.KindOf(err))

	// A coordinator may do all of it.
	_, err = f.sup.Broadcast(ctx, "boss", "status check")
	require.NoError(t, err)
	_, err = f.sup.ReadOutput("boss", "grunt", 10)
	require.NoError(t, err)

	// Unknown callers are rejected outright.
	_, err = f.sup.Broadcast(ctx, "ghost", "boo")
	assert.Equal(t, fault.KindNotFound, fault.KindOf(err))
}

func TestBroadcastReachesAllWorkers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, h := range []string{"a", "b", "c"} {
		_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: h, Role: store.RoleWorker,
			TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative})
		require.NoError(t, err)
	}

	n, err := f.sup.Broadcast(ctx, "", "all hands")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	for _, p := range f.launcher.Procs() {
		assert.Contains(t, p.Inputs(), "all hands")
	}
}

func TestStateFollowsStream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "a", Role: store.RoleWorker,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative})
	require.NoError(t, err)

	// The native launcher emits the init line at launch.
	w, err := f.sup.GetWorker(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, w.State)
	assert.NotEmpty(t, w.SessionID)

	proc := f.launcher.Procs()[0]
	proc.Emit(`{"type":"assistant","message":{"content":[{"type":"text","text":"thinking"}]}}`)

	testutil.RequireEventually(t, func() bool {
		w, err := f.sup.GetWorker(ctx, "a")
		return err == nil && w.State == store.StateWorking
	}, "worker should reach working state")

	out, err := f.sup.ReadOutput("", "a", 10)
	require.NoError(t, err)
	assert.Contains(t, out, "thinking")
}

func TestHealthTickDegradesAndRecovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "a", Role: store.RoleScout,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeNative})
	require.NoError(t, err)

	f.clock.Advance(45 * time.Second)
	f.sup.Tick(ctx)
	w, err := f.sup.GetWorker(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.HealthDegraded, w.Health)

	// Fresh output restores health.
	f.launcher.Procs()[0].Emit("still here")
	f.sup.Tick(ctx)
	w, err = f.sup.GetWorker(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.HealthHealthy, w.Health)
}

func TestErrorProneSilentWorkerStaysDegraded(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "a", Role: store.RoleScout,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeProcess})
	require.NoError(t, err)

	proc := f.launcher.Procs()[0]
	for i := 0; i < 5; i++ {
		proc.Emit(`{"type":"result","subtype":"error"}`)
	}
	testutil.RequireEventually(t, func() bool {
		f.sup.Tick(ctx)
		w, err := f.sup.GetWorker(ctx, "a")
		return err == nil && w.Health == store.HealthDegraded
	}, "repeated errors should degrade the worker")

	// An error count under 20 holds the worker at degraded even past the
	// unhealthy heartbeat gap, so no restart fires.
	f.clock.Advance(3 * time.Minute)
	f.sup.Tick(ctx)
	w, err := f.sup.GetWorker(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, store.HealthDegraded, w.Health)
	assert.Zero(t, w.RestartCount)
}

func TestUnhealthyProcessWorkerRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sub := f.hub.Subscribe()
	defer sub.Close()

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "a", Role: store.RoleScout,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeProcess})
	require.NoError(t, err)
	w, err := f.sup.GetWorker(ctx, "a")
	require.NoError(t, err)
	session := w.SessionID
	require.NotEmpty(t, session)

	f.clock.Advance(3 * time.Minute)
	f.sup.Tick(ctx)
	waitForEvent(t, sub, event.TypeWorkerRestarted)

	w, err = f.sup.GetWorker(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, 1, w.RestartCount)
	assert.Equal(t, "a", w.Handle)
	assert.Equal(t, session, w.SessionID, "restart resumes the prior session")

	st, err := f.sup.GetStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.RestartsTotal)
	assert.Equal(t, 1, st.RestartsLastHour)
}

func TestNotifierNeverRestarts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sup.Spawn(ctx, SpawnRequest{Handle: "bell", Role: store.RoleNotifier,
		TeamName: "t1", WorkingDir: t.TempDir(), SpawnMode: store.SpawnModeProcess})
	require.NoError(t, err)

	f.clock.Advance(3 * time.Minute)
	f.sup.Tick(ctx)

	w, err := f.sup.GetWorker(ctx, "bell")
	require.NoError(t, err)
	assert.Equal(t, store.HealthUnhealthy, w.Health)
	assert.Zero(t, w.RestartCount)
}

func TestHeartbeatSilentWhenMissing(t *testing.T) {
	f := newFixture(t)
	f.sup.Heartbeat(context.Background(), "nobody", 123)
}
