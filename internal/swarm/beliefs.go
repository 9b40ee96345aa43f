package swarm

import (
	"context"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// UpsertBelief records or revises an agent's belief about a subject.
func (s *Service) UpsertBelief(ctx context.Context, b store.Belief) (store.Belief, error) {
	if b.Confidence < 0 || b.Confidence > 1 {
		return store.Belief{}, fault.New(fault.KindInvariantViolation, "confidence must be in [0,1]")
	}
	if b.Subject == "" {
		return store.Belief{}, fault.New(fault.KindInvariantViolation, "subject is required")
	}
	nowMS := s.now().UnixMilli()
	b.ID = id.Generate()
	b.CreatedAt = nowMS
	b.UpdatedAt = nowMS
	if err := s.store.UpsertBelief(ctx, b); err != nil {
		return store.Belief{}, err
	}
	s.hub.Publish(event.New(event.TypeBeliefUpdated, event.SubjectSwarm(b.SwarmID), nowMS, struct {
		SwarmID    string  `json:"swarmId"`
		Agent      string  `json:"agent"`
		Subject    string  `json:"subject"`
		Value      string  `json:"value"`
		Confidence float64 `json:"confidence"`
	}{b.SwarmID, b.AgentHandle, b.Subject, b.Value, b.Confidence}))
	return b, nil
}

// ListBeliefs returns beliefs on a subject, most confident first. Empty
// subject lists the whole swarm.
func (s *Service) ListBeliefs(ctx context.Context, swarmID, subject string) ([]store.Belief, error) {
	return s.store.ListBeliefs(ctx, swarmID, subject)
}

// BeliefConsensus summarizes what a swarm believes about a subject.
type BeliefConsensus struct {
	Subject       string  `json:"subject"`
	Value         string  `json:"value"` // majority value among qualifying beliefs
	Support       int     `json:"support"`
	Qualifying    int     `json:"qualifying"`    // beliefs meeting minConfidence
	Total         int     `json:"total"`         // all beliefs on the subject
	Participation float64 `json:"participation"` // qualifying / total
}

// SwarmConsensus aggregates beliefs on a subject with confidence at or
// above minConfidence and returns the majority value. Ties break
// lexicographically.
func (s *Service) SwarmConsensus(ctx context.Context, swarmID, subject string, minConfidence float64) (BeliefConsensus, error) {
	beliefs, err := s.store.ListBeliefs(ctx, swarmID, subject)
	if err != nil {
		return BeliefConsensus{}, err
	}
	out := BeliefConsensus{Subject: subject, Total: len(beliefs)}
	counts := make(map[string]int)
	for _, b := range beliefs {
		if b.Confidence < minConfidence {
			continue
		}
		out.Qualifying++
		counts[b.Value]++
	}
	for value, n := range counts {
		if n > out.Support || (n == out.Support && value < out.Value) {
			out.Value = value
			out.Support = n
		}
	}
	if out.Total > 0 {
		out.Participation = float64(out.Qualifying) / float64(out.Total)
	}
	return out, nil
}

// RetractBelief deletes one agent's belief on a subject.
func (s *Service) RetractBelief(ctx context.Context, swarmID, agentHandle, subject string) error {
	return s.store.DeleteBelief(ctx, swarmID, agentHandle, subject)
}
