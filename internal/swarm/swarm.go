// Package swarm provides the swarm-intelligence services: blackboard
// messaging, pheromone trails, beliefs, credits, consensus voting,
// bidding, and payoffs. Each service is a thin deterministic layer over
// the store; every mutation publishes a typed event.
package swarm

import (
	"context"
	"log/slog"
	"time"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/hub"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// Service bundles the swarm-intelligence operations.
type Service struct {
	log     *slog.Logger
	store   *store.Store
	hub     *hub.Hub
	now     func() time.Time
	dismiss func(ctx context.Context, handle string) error
}

// New wires the service. now may be nil for wall-clock time.
func New(log *slog.Logger, st *store.Store, h *hub.Hub, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{
		log:   log.With("component", "swarm"),
		store: st,
		hub:   h,
		now:   now,
	}
}

// Create registers a new swarm.
func (s *Service) Create(ctx context.Context, name, description string, maxAgents int) (store.Swarm, error) {
	if name == "" {
		return store.Swarm{}, fault.New(fault.KindInvariantViolation, "swarm name is required")
	}
	nowMS := s.now().UnixMilli()
	sw := store.Swarm{
		ID:          id.Generate(),
		Name:        name,
		Description: description,
		MaxAgents:   maxAgents,
		CreatedAt:   nowMS,
	}
	if err := s.store.CreateSwarm(ctx, sw); err != nil {
		return store.Swarm{}, err
	}
	s.hub.Publish(event.New(event.TypeSwarmCreated, event.SubjectAll, nowMS, struct {
		SwarmID   string `json:"swarmId"`
		Name      string `json:"name"`
		MaxAgents int    `json:"maxAgents"`
	}{sw.ID, sw.Name, sw.MaxAgents}))
	s.log.Info("swarm created", "id", sw.ID, "name", name)
	return sw, nil
}

// Get returns one swarm.
func (s *Service) Get(ctx context.Context, swarmID string) (store.Swarm, error) {
	return s.store.GetSwarm(ctx, swarmID)
}

// List returns all swarms.
func (s *Service) List(ctx context.Context) ([]store.Swarm, error) {
	return s.store.ListSwarms(ctx)
}

// SetDismisser installs the worker-dismissal hook Kill uses to retire
// a swarm's live workers, normally the supervisor's Dismiss. Without a
// hook Kill retires the worker records directly.
func (s *Service) SetDismisser(fn func(ctx context.Context, handle string) error) {
	s.dismiss = fn
}

// Kill destroys a swarm. Every live worker still referencing it is
// dismissed first, then the swarm row is deleted.
func (s *Service) Kill(ctx context.Context, swarmID string) error {
	workers, err := s.store.ListWorkers(ctx, store.WorkerFilter{SwarmID: swarmID})
	if err != nil {
		return err
	}
	dismissed := 0
	for _, w := range workers {
		if err := s.dismissWorker(ctx, w); err != nil {
			return fault.Wrap(fault.KindOf(err), err, "dismiss worker %s for swarm kill", w.Handle)
		}
		dismissed++
	}
	if err := s.store.DeleteSwarm(ctx, swarmID); err != nil {
		return err
	}
	s.hub.Publish(event.New(event.TypeSwarmKilled, event.SubjectSwarm(swarmID), s.now().UnixMilli(), struct {
		SwarmID   string `json:"swarmId"`
		Dismissed int    `json:"dismissed"`
	}{swarmID, dismissed}))
	s.log.Info("swarm killed", "id", swarmID, "dismissed", dismissed)
	return nil
}

func (s *Service) dismissWorker(ctx context.Context, w store.Worker) error {
	if s.dismiss != nil {
		return s.dismiss(ctx, w.Handle)
	}
	w.State = store.StateDismissed
	w.DismissedAt = s.now().UnixMilli()
	return s.store.UpdateWorker(ctx, w)
}

// PostMessage puts a message on a swarm's blackboard and announces it.
// Empty target means broadcast.
func (s *Service) PostMessage(ctx context.Context, m store.BlackboardMessage) (store.BlackboardMessage, error) {
	if _, err := s.store.GetSwarm(ctx, m.SwarmID); err != nil {
		return store.BlackboardMessage{}, err
	}
	if m.Priority == "" {
		m.Priority = store.PriorityNormal
	}
	m.ID = id.Generate()
	m.CreatedAt = s.now().UnixMilli()
	if err := s.store.PostBlackboard(ctx, m); err != nil {
		return store.BlackboardMessage{}, err
	}

	e := event.New(event.TypeSwarmMessage, event.SubjectSwarm(m.SwarmID), m.CreatedAt,
		event.SwarmMessagePayload{
			MessageID:    m.ID,
			SwarmID:      m.SwarmID,
			SenderHandle: m.SenderHandle,
			MessageType:  string(m.MessageType),
			TargetHandle: m.TargetHandle,
			Priority:     string(m.Priority),
		})
	s.hub.Publish(e)
	if m.TargetHandle != "" {
		e.Subject = event.SubjectChat(m.TargetHandle)
		s.hub.Publish(e)
	}
	return m, nil
}

// ReadMessages lists blackboard messages matching the filter.
func (s *Service) ReadMessages(ctx context.Context, swarmID string, f store.BlackboardFilter) ([]store.BlackboardMessage, error) {
	return s.store.ListBlackboard(ctx, swarmID, f)
}

// MarkRead records that reader has seen a message.
func (s *Service) MarkRead(ctx context.Context, messageID, reader string) error {
	return s.store.MarkBlackboardRead(ctx, messageID, reader)
}

// Archive retires a blackboard message.
func (s *Service) Archive(ctx context.Context, messageID string) error {
	return s.store.ArchiveBlackboard(ctx, messageID, s.now().UnixMilli())
}
