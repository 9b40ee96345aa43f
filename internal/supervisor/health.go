package supervisor

import (
	"context"
	"errors"
	"os/exec"
	"time"

	"github.com/fleetmux/fleetmux/internal/agentproc"
	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/logstream"
	"github.com/fleetmux/fleetmux/internal/metrics"
	"github.com/fleetmux/fleetmux/internal/store"
)

// Heartbeat gap thresholds for the health state machine.
const (
	degradedGap  = 30 * time.Second
	unhealthyGap = 120 * time.Second

	degradedErrors  = 5
	unhealthyErrors = 20

	// heartbeatPersistEvery throttles writing per-line heartbeats
	// through to storage.
	heartbeatPersistEvery = time.Second
)

// handleLine is the per-worker reader callback: parse the line, derive
// state, latch the session id, and treat any output as a heartbeat.
func (s *Supervisor) handleLine(lw *liveWorker, line []byte) {
	nowMS := s.now().UnixMilli()

	lw.mu.Lock()
	if lw.dismissing {
		lw.mu.Unlock()
		return
	}
	e := lw.parser.ParseLine(string(line))
	lw.lastHeartbeat = nowMS
	handle := lw.rec.Handle

	changed := false
	if sid := lw.parser.SessionID(); sid != "" && lw.rec.SessionID == "" {
		lw.rec.SessionID = sid
		changed = true
	}
	switch lw.parser.State() {
	case logstream.StateReady:
		if lw.rec.State == store.StateStarting {
			lw.rec.State = store.StateReady
			changed = true
		}
	case logstream.StateWorking:
		if lw.rec.State == store.StateStarting || lw.rec.State == store.StateReady {
			lw.rec.State = store.StateWorking
			changed = true
		}
	}
	persistBeat := nowMS-lw.lastPersisted >= heartbeatPersistEvery.Milliseconds()
	if changed || persistBeat {
		lw.rec.LastHeartbeat = nowMS
		lw.lastPersisted = nowMS
	}
	rec := lw.rec
	lw.mu.Unlock()

	ctx := context.Background()
	if changed {
		if err := s.store.UpdateWorker(ctx, rec); err != nil {
			s.log.Error("persist worker state", "handle", handle, "error", err)
		}
		s.hub.Publish(event.New(event.TypeWorkerState, event.SubjectWorker(handle), nowMS,
			event.WorkerPayload{Handle: handle, Role: string(rec.Role), State: string(rec.State)}))
	} else if persistBeat {
		if err := s.store.TouchHeartbeat(ctx, handle, nowMS); err != nil {
			s.log.Warn("persist heartbeat", "handle", handle, "error", err)
		}
	}

	out := event.OutputPayload{Handle: handle}
	if e != nil {
		out.Kind = e.Type
		out.Text = e.Text
	} else {
		out.Kind = "text"
		out.Text = string(line)
	}
	s.hub.Publish(event.New(event.TypeWorkerOutput, event.SubjectWorker(handle), nowMS, out))
}

// watchExit waits for a child to die and applies the exit semantics:
// clean exit stops the worker, a crash restarts it within quota.
func (s *Supervisor) watchExit(lw *liveWorker, proc agentproc.Process) {
	err := proc.Wait()
	nowMS := s.now().UnixMilli()

	lw.mu.Lock()
	if lw.dismissing || lw.restarting {
		lw.mu.Unlock()
		return
	}
	handle := lw.rec.Handle
	code := 0
	if err != nil {
		code = 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
	}
	canRestart := code != 0 &&
		lw.rec.RestartCount < s.cfg.MaxRestarts &&
		restartable(lw.rec.Role) &&
		lw.rec.SpawnMode != store.SpawnModeExternal
	if !canRestart {
		lw.rec.State = store.StateStopped
		if code != 0 {
			lw.rec.Health = store.HealthUnhealthy
		}
		lw.proc = nil
	}
	rec := lw.rec
	lw.mu.Unlock()

	ctx := context.Background()
	s.hub.Publish(event.New(event.TypeWorkerExit, event.SubjectWorker(handle), nowMS,
		struct {
			Handle string `json:"handle"`
			Code   int    `json:"code"`
		}{handle, code}))

	if canRestart {
		s.restart(ctx, lw)
		return
	}
	if err := s.store.UpdateWorker(ctx, rec); err != nil {
		s.log.Error("persist worker exit", "handle", handle, "error", err)
	}
	s.unregister(handle)
	s.log.Info("worker exited", "handle", handle, "code", code)
}

// restartable excludes stateless roles from auto-restart.
func restartable(r store.Role) bool { return r != store.RoleNotifier }

// restart relaunches a worker in place, preserving its handle and
// resuming its prior session when one was latched.
func (s *Supervisor) restart(ctx context.Context, lw *liveWorker) {
	lw.mu.Lock()
	if lw.dismissing {
		lw.mu.Unlock()
		return
	}
	handle := lw.rec.Handle
	mode := lw.rec.SpawnMode
	workDir := lw.rec.WorkingDir
	if lw.rec.WorktreePath != "" {
		workDir = lw.rec.WorktreePath
	}
	sessionID := lw.rec.SessionID
	lw.restarting = true
	// The relaunched child is a new stream; stale parse state and error
	// counts from the dead one must not feed the next health tick.
	lw.parser = logstream.New(s.now)
	lw.rec.RestartCount++
	lw.rec.State = store.StateStarting
	lw.rec.Health = store.HealthHealthy
	rec := lw.rec
	old := lw.proc
	lw.mu.Unlock()

	launcher, ok := s.launchers[mode]
	if !ok {
		s.log.Error("restart impossible, no launcher", "handle", handle, "mode", mode)
		return
	}

	if old != nil {
		old.Stop(0)
	}

	proc, err := launcher.Launch(ctx, agentproc.Options{
		Handle:          handle,
		WorkingDir:      workDir,
		ResumeSessionID: sessionID,
	}, func(line []byte) { s.handleLine(lw, line) })
	if err != nil {
		s.log.Error("restart launch failed", "handle", handle, "error", err)
		lw.mu.Lock()
		lw.restarting = false
		lw.rec.State = store.StateStopped
		lw.rec.Health = store.HealthUnhealthy
		rec = lw.rec
		lw.proc = nil
		lw.mu.Unlock()
		if err := s.store.UpdateWorker(ctx, rec); err != nil {
			s.log.Error("persist failed restart", "handle", handle, "error", err)
		}
		s.unregister(handle)
		return
	}

	nowMS := s.now().UnixMilli()
	lw.mu.Lock()
	lw.restarting = false
	lw.proc = proc
	lw.rec.PID = int64(proc.PID())
	lw.lastHeartbeat = nowMS
	rec = lw.rec
	lw.mu.Unlock()
	go s.watchExit(lw, proc)

	if err := s.store.UpdateWorker(ctx, rec); err != nil {
		s.log.Error("persist restart", "handle", handle, "error", err)
	}
	s.mu.Lock()
	s.restarts = append(s.restarts, nowMS)
	s.mu.Unlock()
	metrics.WorkerRestartsTotal.Inc()
	s.hub.Publish(event.New(event.TypeWorkerRestarted, event.SubjectWorker(handle), nowMS,
		event.WorkerPayload{Handle: handle, Role: string(rec.Role), State: string(rec.State)}))
	s.log.Info("worker restarted", "handle", handle, "restartCount", rec.RestartCount)
}

// Tick runs one health evaluation pass over all live workers. Called
// on the health tick interval.
func (s *Supervisor) Tick(ctx context.Context) {
	nowMS := s.now().UnixMilli()

	s.mu.Lock()
	lws := make([]*liveWorker, 0, len(s.workers))
	for _, lw := range s.workers {
		lws = append(lws, lw)
	}
	s.mu.Unlock()

	stateCounts := make(map[store.WorkerState]int)
	for _, lw := range lws {
		lw.mu.Lock()
		if lw.dismissing {
			lw.mu.Unlock()
			continue
		}
		gap := time.Duration(nowMS-lw.lastHeartbeat) * time.Millisecond
		errCount := lw.parser.HealthSignal().ErrorCount

		var health store.Health
		switch {
		case gap < degradedGap && errCount < degradedErrors:
			health = store.HealthHealthy
		case (gap >= degradedGap && gap < unhealthyGap) ||
			(errCount >= degradedErrors && errCount < unhealthyErrors):
			health = store.HealthDegraded
		default:
			health = store.HealthUnhealthy
		}

		changed := health != lw.rec.Health
		lw.rec.Health = health
		rec := lw.rec
		stateCounts[rec.State]++
		lw.mu.Unlock()

		if changed {
			if err := s.store.UpdateWorker(ctx, rec); err != nil {
				s.log.Error("persist worker health", "handle", rec.Handle, "error", err)
			}
			s.hub.Publish(event.New(event.TypeWorkerHealth, event.SubjectWorker(rec.Handle), nowMS,
				event.WorkerPayload{Handle: rec.Handle, Role: string(rec.Role), Health: string(health)}))
		}
		if health == store.HealthUnhealthy && rec.SpawnMode == store.SpawnModeProcess &&
			rec.RestartCount < s.cfg.MaxRestarts && restartable(rec.Role) {
			s.restart(ctx, lw)
		}
	}

	for _, state := range []store.WorkerState{store.StateStarting, store.StateReady,
		store.StateWorking, store.StateStopping} {
		metrics.LiveWorkers.WithLabelValues(string(state)).Set(float64(stateCounts[state]))
	}
}

// RunHealthLoop ticks until the context ends.
func (s *Supervisor) RunHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HealthTick())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}
