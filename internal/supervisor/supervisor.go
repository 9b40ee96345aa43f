// Package supervisor owns the live worker map and drives worker
// lifecycle: spawn, dismiss, restart, health, and output routing. All
// mutations of live workers go through the supervisor; other
// components request changes via its operations.
package supervisor

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetmux/fleetmux/internal/agentproc"
	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/gitexec"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/logstream"
	"github.com/fleetmux/fleetmux/internal/metrics"
	"github.com/fleetmux/fleetmux/internal/store"
)

// Supervisor manages the fleet of live workers.
type Supervisor struct {
	cfg       config.Config
	log       *slog.Logger
	store     *store.Store
	hub       *hub.Hub
	git       gitexec.Invoker
	launchers map[store.SpawnMode]agentproc.Launcher
	now       func() time.Time

	mu       sync.Mutex
	workers  map[string]*liveWorker
	restarts []int64 // restart timestamps for the last-hour stat
	started  time.Time
}

// New wires a supervisor. The launcher map decides which spawn modes
// this deployment supports; external-mode workers never launch a child.
func New(cfg config.Config, log *slog.Logger, st *store.Store, h *hub.Hub,
	git gitexec.Invoker, launchers map[store.SpawnMode]agentproc.Launcher,
	now func() time.Time) *Supervisor {
	if now == nil {
		now = time.Now
	}
	return &Supervisor{
		cfg:       cfg,
		log:       log.With("component", "supervisor"),
		store:     st,
		hub:       h,
		git:       git,
		launchers: launchers,
		now:       now,
		workers:   make(map[string]*liveWorker),
		started:   now(),
	}
}

// liveWorker pairs a persisted worker record with its runtime state.
// The embedded mutex guards rec and parser; the reader goroutine and
// snapshot readers both take it.
type liveWorker struct {
	mu            sync.Mutex
	rec           store.Worker
	parser        *logstream.Parser
	proc          agentproc.Process
	dismissing    bool
	restarting    bool // suppresses watchExit while the old child is replaced
	lastHeartbeat int64
	lastPersisted int64 // last heartbeat written through to storage
}

// SpawnRequest asks for a new worker.
type SpawnRequest struct {
	Caller        string // requesting worker handle; empty = operator
	Handle        string
	Role          store.Role
	TeamName      string
	WorkingDir    string
	InitialPrompt string
	SessionID     string // resume a previous session
	SwarmID       string
	SpawnMode     store.SpawnMode
	DepthLevel    int
	NoWorktree    bool // skip worktree isolation even for roles that default to it
}

// roleNeedsWorktree reports whether a role gets an isolated worktree.
// Roles that write code or take branches get isolation; observers share
// the main tree.
func roleNeedsWorktree(r store.Role) bool {
	switch r {
	case store.RoleCoordinator, store.RoleWorker, store.RoleMerger, store.RoleArchitect:
		return true
	}
	return false
}

// Spawn creates, persists, and launches a worker. See the error kinds
// on each guard; a launch failure leaves the record stopped/unhealthy
// and returns SpawnFailed.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (store.Worker, error) {
	if err := s.checkPermission(req.Caller, PermSpawn); err != nil {
		return store.Worker{}, err
	}
	if !store.ValidRole(req.Role) {
		return store.Worker{}, fault.New(fault.KindInvariantViolation, "unknown role %q", req.Role)
	}
	if req.DepthLevel > s.cfg.MaxDepth {
		return store.Worker{}, fault.New(fault.KindInvariantViolation,
			"depth %d exceeds cap %d", req.DepthLevel, s.cfg.MaxDepth)
	}
	live, err := s.store.CountLiveWorkers(ctx)
	if err != nil {
		return store.Worker{}, err
	}
	if live >= s.cfg.MaxFleet {
		return store.Worker{}, fault.New(fault.KindConflict, "fleet is at capacity (%d)", s.cfg.MaxFleet)
	}
	if req.SwarmID != "" {
		sw, err := s.store.GetSwarm(ctx, req.SwarmID)
		if err != nil {
			return store.Worker{}, err
		}
		if sw.MaxAgents > 0 {
			n, err := s.store.CountSwarmWorkers(ctx, req.SwarmID)
			if err != nil {
				return store.Worker{}, err
			}
			if n >= sw.MaxAgents {
				return store.Worker{}, fault.New(fault.KindConflict,
					"swarm %s is at capacity (%d)", sw.Name, sw.MaxAgents)
			}
		}
	}

	nowMS := s.now().UnixMilli()
	rec := store.Worker{
		ID:            id.Generate(),
		Handle:        req.Handle,
		TeamName:      req.TeamName,
		Role:          req.Role,
		State:         store.StateStarting,
		Health:        store.HealthHealthy,
		SpawnMode:     req.SpawnMode,
		WorkingDir:    req.WorkingDir,
		SessionID:     req.SessionID,
		SwarmID:       req.SwarmID,
		DepthLevel:    req.DepthLevel,
		LastHeartbeat: nowMS,
		SpawnedAt:     nowMS,
	}
	if err := s.store.CreateWorker(ctx, rec); err != nil {
		return store.Worker{}, err
	}

	childMode := req.SpawnMode == store.SpawnModeProcess || req.SpawnMode == store.SpawnModePTY
	if childMode && roleNeedsWorktree(req.Role) && !req.NoWorktree {
		path := filepath.Join(req.WorkingDir, ".fleetmux", "worktrees", req.Handle)
		branch := "fleet/" + req.Handle
		if err := s.git.AddWorktree(ctx, req.WorkingDir, path, branch); err != nil {
			s.markSpawnFailed(ctx, &rec)
			return store.Worker{}, fault.Wrap(fault.KindSpawnFailed, err, "allocate worktree for %s", req.Handle)
		}
		rec.WorktreePath = path
		rec.Branch = branch
	}

	lw := &liveWorker{
		rec:           rec,
		parser:        logstream.New(s.now),
		lastHeartbeat: nowMS,
		lastPersisted: nowMS,
	}
	s.mu.Lock()
	s.workers[req.Handle] = lw
	s.mu.Unlock()

	workDir := req.WorkingDir
	if rec.WorktreePath != "" {
		workDir = rec.WorktreePath
	}
	if req.SpawnMode != store.SpawnModeExternal {
		launcher, ok := s.launchers[req.SpawnMode]
		if !ok {
			s.unregister(req.Handle)
			s.markSpawnFailed(ctx, &rec)
			return store.Worker{}, fault.New(fault.KindSpawnFailed, "spawn mode %q not supported", req.SpawnMode)
		}
		proc, err := launcher.Launch(ctx, agentproc.Options{
			Handle:          req.Handle,
			WorkingDir:      workDir,
			ResumeSessionID: req.SessionID,
		}, func(line []byte) { s.handleLine(lw, line) })
		if err != nil {
			s.unregister(req.Handle)
			s.markSpawnFailed(ctx, &rec)
			metrics.WorkerSpawnsTotal.WithLabelValues("failed").Inc()
			return store.Worker{}, fault.Wrap(fault.KindSpawnFailed, err, "launch worker %s", req.Handle)
		}
		lw.mu.Lock()
		lw.proc = proc
		lw.rec.PID = int64(proc.PID())
		rec = lw.rec
		lw.mu.Unlock()
		go s.watchExit(lw, proc)
	}

	if err := s.store.UpdateWorker(ctx, rec); err != nil {
		s.log.Error("persist spawned worker", "handle", req.Handle, "error", err)
	}
	lw.mu.Lock()
	proc := lw.proc
	lw.mu.Unlock()
	if req.InitialPrompt != "" && proc != nil {
		if err := proc.SendInput(req.InitialPrompt); err != nil {
			s.log.Warn("send initial prompt", "handle", req.Handle, "error", err)
		}
	}

	metrics.WorkerSpawnsTotal.WithLabelValues("ok").Inc()
	metrics.LiveWorkers.WithLabelValues(string(store.StateStarting)).Inc()
	s.hub.Publish(event.New(event.TypeWorkerSpawned, event.SubjectWorker(req.Handle), nowMS,
		event.WorkerPayload{Handle: req.Handle, Role: string(req.Role), State: string(rec.State), SwarmID: req.SwarmID}))
	s.log.Info("worker spawned", "handle", req.Handle, "role", req.Role, "mode", req.SpawnMode)
	return rec, nil
}

// markSpawnFailed records a failed launch: stopped and unhealthy.
func (s *Supervisor) markSpawnFailed(ctx context.Context, rec *store.Worker) {
	rec.State = store.StateStopped
	rec.Health = store.HealthUnhealthy
	if err := s.store.UpdateWorker(ctx, *rec); err != nil {
		s.log.Error("persist failed spawn", "handle", rec.Handle, "error", err)
	}
}

func (s *Supervisor) unregister(handle string) {
	s.mu.Lock()
	delete(s.workers, handle)
	s.mu.Unlock()
}

// Dismiss gracefully terminates a worker. Returns false without error
// when the worker is already terminal (idempotent).
func (s *Supervisor) Dismiss(ctx context.Context, caller, handle string) (bool, error) {
	if err := s.checkPermission(caller, PermDismiss); err != nil {
		return false, err
	}

	s.mu.Lock()
	lw, ok := s.workers[handle]
	s.mu.Unlock()
	if !ok {
		// Not live: a stopped worker can still be retired in storage.
		rec, err := s.store.GetWorker(ctx, handle)
		if fault.KindOf(err) == fault.KindNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		rec.State = store.StateDismissed
		rec.DismissedAt = s.now().UnixMilli()
		if err := s.store.UpdateWorker(ctx, rec); err != nil {
			return false, err
		}
		s.publishDismissed(rec)
		return true, nil
	}

	lw.mu.Lock()
	if lw.dismissing {
		lw.mu.Unlock()
		return false, nil
	}
	lw.dismissing = true
	prev := lw.rec
	lw.rec.State = store.StateStopping
	rec := lw.rec
	proc := lw.proc
	lw.mu.Unlock()

	if err := s.store.UpdateWorker(ctx, rec); err != nil {
		lw.mu.Lock()
		lw.rec = prev
		lw.dismissing = false
		lw.mu.Unlock()
		return false, err
	}

	if proc != nil {
		proc.Stop(s.cfg.DismissGrace())
		_ = proc.Wait()
	}
	if rec.WorktreePath != "" {
		if err := s.git.RemoveWorktree(ctx, filepath.Dir(filepath.Dir(filepath.Dir(rec.WorktreePath))), rec.WorktreePath); err != nil {
			s.log.Warn("remove worktree", "handle", handle, "error", err)
		}
	}

	lw.mu.Lock()
	lw.rec.State = store.StateDismissed
	lw.rec.DismissedAt = s.now().UnixMilli()
	rec = lw.rec
	lw.mu.Unlock()
	if err := s.store.UpdateWorker(ctx, rec); err != nil {
		s.log.Error("persist dismissal", "handle", handle, "error", err)
	}
	s.unregister(handle)
	s.publishDismissed(rec)
	s.log.Info("worker dismissed", "handle", handle)
	return true, nil
}

func (s *Supervisor) publishDismissed(rec store.Worker) {
	s.hub.Publish(event.New(event.TypeWorkerDismissed, event.SubjectWorker(rec.Handle), rec.DismissedAt,
		event.WorkerPayload{Handle: rec.Handle, Role: string(rec.Role), State: string(store.StateDismissed)}))
}

// Broadcast sends a message to every live worker's input stream. It is
// not persisted. Returns how many workers received it.
func (s *Supervisor) Broadcast(ctx context.Context, caller, message string) (int, error) {
	if err := s.checkPermission(caller, PermBroadcast); err != nil {
		return 0, err
	}
	s.mu.Lock()
	var procs []agentproc.Process
	for _, lw := range s.workers {
		lw.mu.Lock()
		if lw.proc != nil && !lw.dismissing {
			procs = append(procs, lw.proc)
		}
		lw.mu.Unlock()
	}
	s.mu.Unlock()

	n := 0
	for _, p := range procs {
		if err := p.SendInput(message); err == nil {
			n++
		}
	}
	return n, nil
}

// SendInput delivers a message to one live worker.
func (s *Supervisor) SendInput(ctx context.Context, handle, message string) error {
	s.mu.Lock()
	lw, ok := s.workers[handle]
	s.mu.Unlock()
	if !ok {
		return fault.New(fault.KindNotFound, "worker %q not found", handle)
	}
	lw.mu.Lock()
	proc := lw.proc
	lw.mu.Unlock()
	if proc == nil {
		return fault.New(fault.KindConflict, "worker %q has no input stream", handle)
	}
	return proc.SendInput(message)
}

// Heartbeat records liveness for a worker. Silent when not found:
// heartbeats race with dismissal.
func (s *Supervisor) Heartbeat(ctx context.Context, handle string, at int64) {
	s.mu.Lock()
	lw, ok := s.workers[handle]
	s.mu.Unlock()
	if ok {
		lw.mu.Lock()
		lw.lastHeartbeat = at
		lw.mu.Unlock()
	}
	if err := s.store.TouchHeartbeat(ctx, handle, at); err != nil {
		s.log.Warn("persist heartbeat", "handle", handle, "error", err)
	}
}

// ListWorkers returns persisted workers matching the filter, ordered by
// spawn time.
func (s *Supervisor) ListWorkers(ctx context.Context, f store.WorkerFilter) ([]store.Worker, error) {
	return s.store.ListWorkers(ctx, f)
}

// GetWorker returns the live worker record for a handle.
func (s *Supervisor) GetWorker(ctx context.Context, handle string) (store.Worker, error) {
	s.mu.Lock()
	lw, ok := s.workers[handle]
	s.mu.Unlock()
	if ok {
		lw.mu.Lock()
		defer lw.mu.Unlock()
		return lw.rec, nil
	}
	return s.store.GetWorker(ctx, handle)
}

// ReadOutput returns up to limit recent output lines for a worker.
// Reading another worker's output requires readAll.
func (s *Supervisor) ReadOutput(caller, handle string, limit int) ([]string, error) {
	if caller != "" && caller != handle {
		if err := s.checkPermission(caller, PermReadAll); err != nil {
			return nil, err
		}
	}
	s.mu.Lock()
	lw, ok := s.workers[handle]
	s.mu.Unlock()
	if !ok {
		return nil, fault.New(fault.KindNotFound, "worker %q not found", handle)
	}
	lw.mu.Lock()
	defer lw.mu.Unlock()
	return lw.parser.RecentOutput(limit), nil
}

// Status is the fleet-wide aggregate view.
type Status struct {
	Total            int                       `json:"total"`
	ByState          map[store.WorkerState]int `json:"byState"`
	ByRole           map[store.Role]int        `json:"byRole"`
	ByHealth         map[store.Health]int      `json:"byHealth"`
	RestartsTotal    int                       `json:"restartsTotal"`
	RestartsLastHour int                       `json:"restartsLastHour"`
	UptimeMS         int64                     `json:"uptimeMs"`
}

// GetStatus aggregates counts over live workers.
func (s *Supervisor) GetStatus(ctx context.Context) (Status, error) {
	workers, err := s.store.ListWorkers(ctx, store.WorkerFilter{})
	if err != nil {
		return Status{}, err
	}
	st := Status{
		ByState:  make(map[store.WorkerState]int),
		ByRole:   make(map[store.Role]int),
		ByHealth: make(map[store.Health]int),
		UptimeMS: s.now().Sub(s.started).Milliseconds(),
	}
	for _, w := range workers {
		st.Total++
		st.ByState[w.State]++
		st.ByRole[w.Role]++
		st.ByHealth[w.Health]++
		st.RestartsTotal += w.RestartCount
	}
	cutoff := s.now().Add(-time.Hour).UnixMilli()
	s.mu.Lock()
	for _, at := range s.restarts {
		if at >= cutoff {
			st.RestartsLastHour++
		}
	}
	s.mu.Unlock()
	return st, nil
}

// LiveCount returns the number of workers in the live map.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Shutdown dismisses nothing but stops all child processes, giving
// each the dismissal grace period. Called on server exit.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	var procs []agentproc.Process
	for _, lw := range s.workers {
		lw.mu.Lock()
		if lw.proc != nil {
			lw.dismissing = true
			procs = append(procs, lw.proc)
		}
		lw.mu.Unlock()
	}
	s.mu.Unlock()
	for _, p := range procs {
		p.Stop(s.cfg.DismissGrace())
	}
	for _, p := range procs {
		_ = p.Wait()
	}
}
