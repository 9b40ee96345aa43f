package swarm

import (
	"context"
	"encoding/json"
	"slices"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// CreateProposal opens a decision for swarm voting. Deadline 0 means
// no deadline.
func (s *Service) CreateProposal(ctx context.Context, swarmID, proposer, topic string,
	options []string, method store.VoteMethod, deadline int64) (store.Proposal, error) {
	if len(options) < 2 {
		return store.Proposal{}, fault.New(fault.KindInvariantViolation, "a proposal needs at least two options")
	}
	switch method {
	case store.VoteMajority, store.VoteSupermajority, store.VoteUnanimous,
		store.VoteRanked, store.VoteWeighted:
	default:
		return store.Proposal{}, fault.New(fault.KindInvariantViolation, "unknown vote method %q", method)
	}
	if _, err := s.store.GetSwarm(ctx, swarmID); err != nil {
		return store.Proposal{}, err
	}

	nowMS := s.now().UnixMilli()
	p := store.Proposal{
		ID:             id.Generate(),
		SwarmID:        swarmID,
		ProposerHandle: proposer,
		Topic:          topic,
		Options:        options,
		Method:         method,
		Status:         store.ProposalOpen,
		Deadline:       deadline,
		CreatedAt:      nowMS,
	}
	if err := s.store.CreateProposal(ctx, p); err != nil {
		return store.Proposal{}, err
	}
	s.hub.Publish(event.New(event.TypeConsensusProposal, event.SubjectSwarm(swarmID), nowMS, struct {
		ProposalID string   `json:"proposalId"`
		SwarmID    string   `json:"swarmId"`
		Topic      string   `json:"topic"`
		Options    []string `json:"options"`
		Method     string   `json:"method"`
		Deadline   int64    `json:"deadline,omitempty"`
	}{p.ID, swarmID, topic, options, string(method), deadline}))
	return p, nil
}

// CastVote records a ballot. For ranked proposals the value is a JSON
// array of options in preference order; otherwise it must be one of
// the proposal's options. Weight 0 means 1.
func (s *Service) CastVote(ctx context.Context, proposalID, voter, value string, weight float64) error {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	if p.Method == store.VoteRanked {
		var ranking []string
		if err := json.Unmarshal([]byte(value), &ranking); err != nil {
			return fault.New(fault.KindInvariantViolation, "ranked ballot must be a JSON array of options")
		}
		for _, opt := range ranking {
			if !slices.Contains(p.Options, opt) {
				return fault.New(fault.KindInvariantViolation, "ranked ballot names unknown option %q", opt)
			}
		}
	} else if !slices.Contains(p.Options, value) {
		return fault.New(fault.KindInvariantViolation, "%q is not an option on this proposal", value)
	}
	if weight == 0 {
		weight = 1
	}
	if weight < 0 {
		return fault.New(fault.KindInvariantViolation, "vote weight must be positive")
	}

	nowMS := s.now().UnixMilli()
	if err := s.store.CastVote(ctx, store.Vote{
		ID:          id.Generate(),
		ProposalID:  proposalID,
		VoterHandle: voter,
		Value:       value,
		Weight:      weight,
		CreatedAt:   nowMS,
	}); err != nil {
		return err
	}
	s.hub.Publish(event.New(event.TypeConsensusVote, event.SubjectSwarm(p.SwarmID), nowMS, struct {
		ProposalID string `json:"proposalId"`
		Voter      string `json:"voter"`
	}{proposalID, voter}))
	return nil
}

// TallyResult is the outcome of closing a proposal.
type TallyResult struct {
	ProposalID    string             `json:"proposalId"`
	Winner        string             `json:"winner"` // empty when the vote failed
	Passed        bool               `json:"passed"`
	Method        store.VoteMethod   `json:"method"`
	Scores        map[string]float64 `json:"scores"`
	TotalVotes    int                `json:"totalVotes"`
	Participation float64            `json:"participation"` // voters / live swarm workers
}

// CloseAndTally closes an open proposal and computes the winner under
// its vote method. Score ties break to the lexicographically smaller
// option. A vote that fails its method's bar closes with no winner.
func (s *Service) CloseAndTally(ctx context.Context, proposalID string) (TallyResult, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return TallyResult{}, err
	}
	votes, err := s.store.ListVotes(ctx, proposalID)
	if err != nil {
		return TallyResult{}, err
	}

	res := TallyResult{
		ProposalID: proposalID,
		Method:     p.Method,
		TotalVotes: len(votes),
	}
	res.Scores, res.Winner, res.Passed = tally(p, votes)
	if !res.Passed {
		res.Winner = ""
	}

	nowMS := s.now().UnixMilli()
	if err := s.store.CloseProposal(ctx, proposalID, res.Winner, nowMS); err != nil {
		return TallyResult{}, err
	}
	if n, err := s.store.CountSwarmWorkers(ctx, p.SwarmID); err == nil && n > 0 {
		res.Participation = float64(len(votes)) / float64(n)
	}

	s.hub.Publish(event.New(event.TypeConsensusResult, event.SubjectSwarm(p.SwarmID), nowMS, res))
	s.log.Info("proposal closed", "id", proposalID, "winner", res.Winner, "votes", len(votes))
	return res, nil
}

// tally scores the ballots under the proposal's method and decides
// whether the top option clears the method's bar.
func tally(p store.Proposal, votes []store.Vote) (scores map[string]float64, winner string, passed bool) {
	scores = make(map[string]float64, len(p.Options))
	if len(votes) == 0 {
		return scores, "", false
	}

	switch p.Method {
	case store.VoteRanked:
		// Borda count: first place earns len(options)-1 points, last 0.
		n := len(p.Options)
		for _, v := range votes {
			var ranking []string
			if json.Unmarshal([]byte(v.Value), &ranking) != nil {
				continue
			}
			for pos, opt := range ranking {
				if pts := n - 1 - pos; pts > 0 {
					scores[opt] += float64(pts)
				}
			}
		}
	case store.VoteWeighted:
		for _, v := range votes {
			scores[v.Value] += v.Weight
		}
	default:
		for _, v := range votes {
			scores[v.Value]++
		}
	}

	var top float64
	var total float64
	for _, s := range scores {
		total += s
	}
	for opt, sc := range scores {
		if sc > top || (sc == top && (winner == "" || opt < winner)) {
			winner = opt
			top = sc
		}
	}

	switch p.Method {
	case store.VoteMajority:
		passed = top > total/2
	case store.VoteSupermajority:
		passed = top >= total*2/3
	case store.VoteUnanimous:
		passed = len(scores) == 1
	case store.VoteWeighted:
		passed = top > total/2
	case store.VoteRanked:
		passed = top > 0
	}
	return scores, winner, passed
}

// ListProposals returns a swarm's proposals, optionally by status.
func (s *Service) ListProposals(ctx context.Context, swarmID string, status store.ProposalStatus) ([]store.Proposal, error) {
	return s.store.ListProposals(ctx, swarmID, status)
}

// GetProposal returns one proposal with its current status.
func (s *Service) GetProposal(ctx context.Context, proposalID string) (store.Proposal, error) {
	return s.store.GetProposal(ctx, proposalID)
}
