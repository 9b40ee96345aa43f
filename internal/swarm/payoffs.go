package swarm

import (
	"context"
	"time"

	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// payoffPenaltyType marks a component that subtracts from the total.
const payoffPenaltyType = "penalty"

// DefinePayoff creates or replaces a reward component for a task,
// keyed by (task, type).
func (s *Service) DefinePayoff(ctx context.Context, p store.Payoff) (store.Payoff, error) {
	if p.TaskID == "" || p.Type == "" {
		return store.Payoff{}, fault.New(fault.KindInvariantViolation, "task and payoff type are required")
	}
	if p.Multiplier == 0 {
		p.Multiplier = 1
	}
	if p.DecayRate < 0 {
		return store.Payoff{}, fault.New(fault.KindInvariantViolation, "decay rate must be non-negative")
	}
	p.ID = id.Generate()
	p.CreatedAt = s.now().UnixMilli()
	if err := s.store.UpsertPayoff(ctx, p); err != nil {
		return store.Payoff{}, err
	}
	return p, nil
}

// PayoffBreakdown is one component's contribution at calculation time.
type PayoffBreakdown struct {
	Type        string  `json:"type"`
	Value       float64 `json:"value"` // after decay, signed
	DecayFactor float64 `json:"decayFactor"`
}

// CalculatePayoff sums a task's components at the given instant.
// Components past their deadline decay linearly per overdue hour down
// to zero; penalty components subtract.
func (s *Service) CalculatePayoff(ctx context.Context, taskID string, at time.Time) (float64, []PayoffBreakdown, error) {
	payoffs, err := s.store.ListPayoffs(ctx, taskID)
	if err != nil {
		return 0, nil, err
	}
	var total float64
	breakdown := make([]PayoffBreakdown, 0, len(payoffs))
	for _, p := range payoffs {
		factor := 1.0
		if p.Deadline > 0 && p.DecayRate > 0 {
			overdue := at.Sub(time.UnixMilli(p.Deadline)).Hours()
			if overdue > 0 {
				factor = max(0, 1-overdue*p.DecayRate)
			}
		}
		value := p.BaseValue * p.Multiplier * factor
		if p.Type == payoffPenaltyType {
			value = -value
		}
		total += value
		breakdown = append(breakdown, PayoffBreakdown{Type: p.Type, Value: value, DecayFactor: factor})
	}
	return total, breakdown, nil
}

// ListPayoffs returns a task's payoff components.
func (s *Service) ListPayoffs(ctx context.Context, taskID string) ([]store.Payoff, error) {
	return s.store.ListPayoffs(ctx, taskID)
}
