// Package spawnqueue admits worker-initiated spawn requests: existing
// workers ask for fleet growth, the queue enforces depth, role,
// capacity, and dependency rules, and a scheduler loop hands ready
// items to the supervisor.
package spawnqueue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fleetmux/fleetmux/internal/config"
	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/supervisor"
)

const (
	// fanOut caps spawns per scheduler tick.
	fanOut = 5

	// rateWindow and rateLimit bound how fast one requester may enqueue.
	rateWindow = time.Minute
	rateLimit  = 10
)

// Queue is the spawn admission controller.
type Queue struct {
	cfg   config.Config
	log   *slog.Logger
	store *store.Store
	hub   *hub.Hub
	sup   *supervisor.Supervisor
	now   func() time.Time
}

// New wires a queue. now may be nil for wall-clock time.
func New(cfg config.Config, log *slog.Logger, st *store.Store, h *hub.Hub,
	sup *supervisor.Supervisor, now func() time.Time) *Queue {
	if now == nil {
		now = time.Now
	}
	return &Queue{
		cfg:   cfg,
		log:   log.With("component", "spawnqueue"),
		store: st,
		hub:   h,
		sup:   sup,
		now:   now,
	}
}

// Request asks to grow the fleet on behalf of an existing worker.
type Request struct {
	Requester       string
	TargetAgentType store.Role
	Priority        store.Priority
	DependsOn       []string
	Payload         store.SpawnPayload
}

// Enqueue validates and persists a spawn request. Depth and rate
// violations are recorded as rejected items so the requester can see
// why; permission failures are returned as errors without a record.
func (q *Queue) Enqueue(ctx context.Context, req Request) (store.SpawnQueueItem, error) {
	requester, err := q.store.GetWorker(ctx, req.Requester)
	if err != nil {
		return store.SpawnQueueItem{}, err
	}
	if !supervisor.RoleHas(requester.Role, supervisor.PermSpawn) {
		return store.SpawnQueueItem{}, fault.New(fault.KindForbidden,
			"role %s may not request spawns", requester.Role)
	}
	if !store.ValidRole(req.TargetAgentType) {
		return store.SpawnQueueItem{}, fault.New(fault.KindInvariantViolation,
			"unknown agent type %q", req.TargetAgentType)
	}
	if req.Priority == "" {
		req.Priority = store.PriorityNormal
	}

	nowMS := q.now().UnixMilli()
	it := store.SpawnQueueItem{
		ID:              id.Generate(),
		RequesterHandle: req.Requester,
		TargetAgentType: req.TargetAgentType,
		DepthLevel:      requester.DepthLevel + 1,
		Priority:        req.Priority,
		Status:          store.SpawnPending,
		DependsOn:       req.DependsOn,
		Payload:         req.Payload,
		CreatedAt:       nowMS,
	}

	if reason := q.admissionReject(ctx, it); reason != "" {
		it.Status = store.SpawnRejected
		it.Reason = reason
		it.ProcessedAt = nowMS
		if err := q.store.EnqueueSpawn(ctx, it); err != nil {
			return store.SpawnQueueItem{}, err
		}
		q.publish(ctx, event.TypeSpawnRejected, it, "")
		return it, nil
	}

	blocked, err := q.blockedByCount(ctx, it.DependsOn)
	if err != nil {
		return store.SpawnQueueItem{}, err
	}
	it.BlockedByCount = blocked

	if err := q.store.EnqueueSpawn(ctx, it); err != nil {
		return store.SpawnQueueItem{}, err
	}
	q.publish(ctx, event.TypeSpawnQueued, it, "")
	q.log.Info("spawn queued", "id", it.ID, "requester", req.Requester,
		"type", req.TargetAgentType, "blockedBy", blocked)
	return it, nil
}

// admissionReject returns a rejection reason, or "" when the request is
// admissible.
func (q *Queue) admissionReject(ctx context.Context, it store.SpawnQueueItem) string {
	if it.DepthLevel > q.cfg.MaxDepth {
		return fmt.Sprintf("depth %d exceeds cap %d", it.DepthLevel, q.cfg.MaxDepth)
	}
	since := q.now().Add(-rateWindow).UnixMilli()
	n, err := q.store.CountSpawnsSince(ctx, it.RequesterHandle, since)
	if err != nil {
		q.log.Warn("rate check failed", "requester", it.RequesterHandle, "error", err)
		return ""
	}
	if n >= rateLimit {
		return fmt.Sprintf("requester exceeded %d spawn requests per minute", rateLimit)
	}
	return ""
}

// blockedByCount counts dependencies not yet spawned. Unknown ids are
// errors: a dependency that never existed would block forever.
func (q *Queue) blockedByCount(ctx context.Context, deps []string) (int, error) {
	n := 0
	for _, dep := range deps {
		item, err := q.store.GetSpawnItem(ctx, dep)
		if err != nil {
			return 0, err
		}
		if item.Status != store.SpawnSpawned {
			n++
		}
	}
	return n, nil
}

// Cancel withdraws a pending request on behalf of its requester.
func (q *Queue) Cancel(ctx context.Context, itemID, requester string) error {
	return q.store.CancelSpawn(ctx, itemID, requester, q.now().UnixMilli())
}

// List returns queue items, optionally filtered by status.
func (q *Queue) List(ctx context.Context, status store.SpawnStatus) ([]store.SpawnQueueItem, error) {
	return q.store.ListSpawnQueue(ctx, status)
}

// Tick runs one scheduler pass: select ready items in priority order,
// approve them, and hand each to the supervisor. Items beyond fleet
// capacity stay pending for a later tick.
func (q *Queue) Tick(ctx context.Context) {
	live, err := q.store.CountLiveWorkers(ctx)
	if err != nil {
		q.log.Error("count live workers", "error", err)
		return
	}
	items, err := q.store.NextPendingSpawns(ctx, fanOut)
	if err != nil {
		q.log.Error("next pending spawns", "error", err)
		return
	}

	for _, it := range items {
		if live >= q.cfg.MaxFleet {
			return // hold remaining items pending
		}
		if err := q.store.ApproveSpawn(ctx, it.ID); err != nil {
			// Cancelled or raced; skip.
			continue
		}
		q.publish(ctx, event.TypeSpawnApproved, it, "")
		if q.runItem(ctx, it) {
			live++
		}
	}
}

// runItem spawns one approved item. Returns whether a worker started.
func (q *Queue) runItem(ctx context.Context, it store.SpawnQueueItem) bool {
	nowMS := q.now().UnixMilli()

	requester, err := q.store.GetWorker(ctx, it.RequesterHandle)
	if err != nil {
		q.reject(ctx, it, fmt.Sprintf("requester %s is gone: %v", it.RequesterHandle, err))
		return false
	}

	handle := fmt.Sprintf("%s-%s", it.TargetAgentType, id.Short())
	prompt := it.Payload.Task
	if it.Payload.Context != "" {
		prompt += "\n\nContext: " + it.Payload.Context
	}
	if it.Payload.Checkpoint != "" {
		prompt += "\n\nResume from checkpoint: " + it.Payload.Checkpoint
	}

	w, err := q.sup.Spawn(ctx, supervisor.SpawnRequest{
		Handle:        handle,
		Role:          it.TargetAgentType,
		TeamName:      requester.TeamName,
		WorkingDir:    requester.WorkingDir,
		InitialPrompt: prompt,
		SwarmID:       requester.SwarmID,
		SpawnMode:     requester.SpawnMode,
		DepthLevel:    it.DepthLevel,
	})
	if err != nil {
		q.reject(ctx, it, err.Error())
		return false
	}

	if err := q.store.MarkSpawnProcessed(ctx, it.ID, store.SpawnSpawned, "", w.ID, nowMS); err != nil {
		q.log.Error("mark spawn spawned", "id", it.ID, "error", err)
		return true
	}
	it.SpawnedWorkerID = w.ID
	q.publish(ctx, event.TypeSpawnSpawned, it, w.Handle)
	q.log.Info("queued spawn completed", "id", it.ID, "handle", w.Handle)
	return true
}

func (q *Queue) reject(ctx context.Context, it store.SpawnQueueItem, reason string) {
	if err := q.store.MarkSpawnProcessed(ctx, it.ID, store.SpawnRejected, reason, "", q.now().UnixMilli()); err != nil {
		q.log.Error("mark spawn rejected", "id", it.ID, "error", err)
	}
	it.Reason = reason
	q.publish(ctx, event.TypeSpawnRejected, it, "")
	q.log.Warn("queued spawn rejected", "id", it.ID, "reason", reason)
}

func (q *Queue) publish(ctx context.Context, typ string, it store.SpawnQueueItem, handle string) {
	pending := 0
	if items, err := q.store.ListSpawnQueue(ctx, store.SpawnPending); err == nil {
		pending = len(items)
	}
	status := it.Status
	switch typ {
	case event.TypeSpawnQueued:
		status = store.SpawnPending
	case event.TypeSpawnApproved:
		status = store.SpawnApproved
	case event.TypeSpawnSpawned:
		status = store.SpawnSpawned
	case event.TypeSpawnRejected:
		status = store.SpawnRejected
	}
	q.hub.Publish(event.New(typ, event.SubjectAll, q.now().UnixMilli(), event.QueuePayload{
		ItemID:  it.ID,
		Status:  string(status),
		Handle:  handle,
		Reason:  it.Reason,
		Pending: pending,
	}))
}

// Run ticks the scheduler until the context ends.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.PollInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(ctx)
		}
	}
}
