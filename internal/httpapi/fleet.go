package httpapi

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/store"
)

// fleetSnapshot is the operator dashboard view: worker aggregates,
// swarm count, and coordination volume in one round trip.
func (s *Server) fleetSnapshot(c *gin.Context) {
	ctx := c.Request.Context()

	status, err := s.sup.GetStatus(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}
	swarms, err := s.swarms.List(ctx)
	if err != nil {
		s.fail(c, err)
		return
	}

	type swarmSummary struct {
		Swarm        store.Swarm `json:"swarm"`
		Workers      int         `json:"workers"`
		Messages     int         `json:"messages"`
		TotalCredits float64     `json:"totalCredits"`
	}
	summaries := make([]swarmSummary, 0, len(swarms))
	for _, sw := range swarms {
		workers, err := s.store.CountSwarmWorkers(ctx, sw.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		messages, err := s.store.CountBlackboard(ctx, sw.ID)
		if err != nil {
			s.fail(c, err)
			return
		}
		var credits float64
		if accounts, err := s.swarms.Leaderboard(ctx, sw.ID, 0); err == nil {
			for _, a := range accounts {
				credits += a.Balance
			}
		}
		summaries = append(summaries, swarmSummary{
			Swarm:        sw,
			Workers:      workers,
			Messages:     messages,
			TotalCredits: credits,
		})
	}

	pending, err := s.queue.List(ctx, store.SpawnPending)
	if err != nil {
		s.fail(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"swarms":        summaries,
		"pendingSpawns": len(pending),
		"liveWorkers":   s.sup.LiveCount(),
		"compoundRuns":  len(s.runs.List()),
	})
}

// lineageEntry is one worker in the spawn hierarchy view.
type lineageEntry struct {
	Handle    string     `json:"handle"`
	Role      store.Role `json:"role"`
	State     string     `json:"state"`
	SpawnedAt int64      `json:"spawnedAt"`
	SwarmID   string     `json:"swarmId,omitempty"`
}

// lineageTier collects all workers spawned at one depth.
type lineageTier struct {
	Depth   int            `json:"depth"`
	Workers []lineageEntry `json:"workers"`
}

// fleetLineage returns the spawn hierarchy: workers grouped by swarm,
// then by spawn depth. Depth 0 is operator-spawned; each deeper tier
// was requested by the one above it through the spawn queue.
func (s *Server) fleetLineage(c *gin.Context) {
	workers, err := s.sup.ListWorkers(c.Request.Context(), store.WorkerFilter{
		SwarmID:        c.Query("swarmId"),
		IncludeRetired: c.Query("includeRetired") == "true",
	})
	if err != nil {
		s.fail(c, err)
		return
	}

	bySwarm := make(map[string]map[int][]lineageEntry)
	for _, w := range workers {
		tiers, ok := bySwarm[w.SwarmID]
		if !ok {
			tiers = make(map[int][]lineageEntry)
			bySwarm[w.SwarmID] = tiers
		}
		tiers[w.DepthLevel] = append(tiers[w.DepthLevel], lineageEntry{
			Handle:    w.Handle,
			Role:      w.Role,
			State:     string(w.State),
			SpawnedAt: w.SpawnedAt,
			SwarmID:   w.SwarmID,
		})
	}

	type swarmLineage struct {
		SwarmID string        `json:"swarmId"`
		Tiers   []lineageTier `json:"tiers"`
	}
	out := make([]swarmLineage, 0, len(bySwarm))
	for swarmID, tiers := range bySwarm {
		depths := make([]int, 0, len(tiers))
		for d := range tiers {
			depths = append(depths, d)
		}
		sort.Ints(depths)
		sl := swarmLineage{SwarmID: swarmID}
		for _, d := range depths {
			entries := tiers[d]
			sort.Slice(entries, func(i, j int) bool {
				return entries[i].SpawnedAt < entries[j].SpawnedAt
			})
			sl.Tiers = append(sl.Tiers, lineageTier{Depth: d, Workers: entries})
		}
		out = append(out, sl)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SwarmID < out[j].SwarmID })
	c.JSON(http.StatusOK, gin.H{"swarms": out})
}
