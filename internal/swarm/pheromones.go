package swarm

import (
	"context"
	"math"
	"sort"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// routeExploreIntensity is the assumed trail strength for agents with
// no trail on a resource, so unexplored pairings still get sampled.
const routeExploreIntensity = 0.1

// Deposit lays or reinforces a pheromone trail.
func (s *Service) Deposit(ctx context.Context, p store.Pheromone) (store.Pheromone, error) {
	if p.Intensity <= 0 {
		return store.Pheromone{}, fault.New(fault.KindInvariantViolation, "intensity must be positive")
	}
	if p.ResourceID == "" || p.TrailType == "" {
		return store.Pheromone{}, fault.New(fault.KindInvariantViolation, "resource and trail type are required")
	}
	p.ID = id.Generate()
	p.CreatedAt = s.now().UnixMilli()
	if err := s.store.DepositPheromone(ctx, p); err != nil {
		return store.Pheromone{}, err
	}
	s.hub.Publish(event.New(event.TypePheromoneDeposit, event.SubjectSwarm(p.SwarmID), p.CreatedAt, struct {
		SwarmID    string  `json:"swarmId"`
		Depositor  string  `json:"depositor"`
		ResourceID string  `json:"resourceId"`
		TrailType  string  `json:"trailType"`
		Intensity  float64 `json:"intensity"`
	}{p.SwarmID, p.DepositorHandle, p.ResourceID, p.TrailType, p.Intensity}))
	return p, nil
}

// Query returns trails matching the filter, strongest first.
func (s *Service) Query(ctx context.Context, swarmID string, f store.PheromoneFilter) ([]store.Pheromone, error) {
	return s.store.ListPheromones(ctx, swarmID, f)
}

// ResourceTrails returns every trail on one resource.
func (s *Service) ResourceTrails(ctx context.Context, swarmID, resourceID string) ([]store.Pheromone, error) {
	return s.store.ListPheromones(ctx, swarmID, store.PheromoneFilter{ResourceID: resourceID})
}

// ResourceActivity is one entry in the hot-resource ranking.
type ResourceActivity struct {
	ResourceID     string  `json:"resourceId"`
	ResourceType   string  `json:"resourceType"`
	TotalIntensity float64 `json:"totalIntensity"`
	TrailCount     int     `json:"trailCount"`
}

// Activity ranks a swarm's resources by total trail intensity.
func (s *Service) Activity(ctx context.Context, swarmID string, limit int) ([]ResourceActivity, error) {
	trails, err := s.store.ListPheromones(ctx, swarmID, store.PheromoneFilter{})
	if err != nil {
		return nil, err
	}
	byResource := make(map[string]*ResourceActivity)
	for _, p := range trails {
		a, ok := byResource[p.ResourceID]
		if !ok {
			a = &ResourceActivity{ResourceID: p.ResourceID, ResourceType: p.ResourceType}
			byResource[p.ResourceID] = a
		}
		a.TotalIntensity += p.Intensity
		a.TrailCount++
	}
	out := make([]ResourceActivity, 0, len(byResource))
	for _, a := range byResource {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalIntensity != out[j].TotalIntensity {
			return out[i].TotalIntensity > out[j].TotalIntensity
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DecayResult reports one decay pass.
type DecayResult struct {
	Decayed int64 `json:"decayed"`
	Removed int64 `json:"removed"`
}

// ProcessDecay multiplies every trail's intensity by (1-rate) and
// removes trails below minIntensity. Empty swarmID decays all swarms.
func (s *Service) ProcessDecay(ctx context.Context, swarmID string, rate, minIntensity float64) (DecayResult, error) {
	if rate <= 0 || rate >= 1 {
		return DecayResult{}, fault.New(fault.KindInvariantViolation, "decay rate must be in (0,1)")
	}
	decayed, removed, err := s.store.DecayPheromones(ctx, swarmID, rate, minIntensity)
	if err != nil {
		return DecayResult{}, err
	}
	if removed > 0 {
		s.log.Debug("pheromone trails evaporated", "swarm", swarmID, "removed", removed)
	}
	return DecayResult{Decayed: decayed, Removed: removed}, nil
}

// RouteTasks assigns each task to the agent with the strongest claim:
// trail intensity on the task's resource, discounted by how much work
// the agent has already been handed this round. Greedy, task by task.
func (s *Service) RouteTasks(ctx context.Context, swarmID string, tasks, agents []string) (map[string]string, error) {
	if len(agents) == 0 {
		return nil, fault.New(fault.KindInvariantViolation, "no agents to route to")
	}
	trails, err := s.store.ListPheromones(ctx, swarmID, store.PheromoneFilter{})
	if err != nil {
		return nil, err
	}
	// intensity[resource][agent] aggregates every trail type.
	intensity := make(map[string]map[string]float64)
	for _, p := range trails {
		m, ok := intensity[p.ResourceID]
		if !ok {
			m = make(map[string]float64)
			intensity[p.ResourceID] = m
		}
		m[p.DepositorHandle] += p.Intensity
	}

	load := make(map[string]int, len(agents))
	assignment := make(map[string]string, len(tasks))
	for _, task := range tasks {
		best := ""
		bestScore := math.Inf(-1)
		for _, agent := range agents {
			in := routeExploreIntensity
			if v, ok := intensity[task][agent]; ok && v > 0 {
				in = v
			}
			score := in / float64(1+load[agent])
			if score > bestScore || (score == bestScore && agent < best) {
				best = agent
				bestScore = score
			}
		}
		assignment[task] = best
		load[best]++
	}
	return assignment, nil
}
