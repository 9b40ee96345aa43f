package swarm

import (
	"context"
	"sort"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// BidWeights control how evaluateBids scores the three components.
type BidWeights struct {
	Bid             float64 `json:"bid"`
	Confidence      float64 `json:"confidence"`
	Reputation      float64 `json:"reputation"`
	PreferLowerBids bool    `json:"preferLowerBids"`
}

// DefaultBidWeights favor price over confidence and reputation, with
// cheaper bids scoring higher.
var DefaultBidWeights = BidWeights{Bid: 0.4, Confidence: 0.3, Reputation: 0.3, PreferLowerBids: true}

// SubmitBid records a pending bid on a task. A second pending bid by
// the same bidder replaces the first.
func (s *Service) SubmitBid(ctx context.Context, b store.Bid) (store.Bid, error) {
	if b.Amount < 0 {
		return store.Bid{}, fault.New(fault.KindInvariantViolation, "bid amount must be non-negative")
	}
	if b.Confidence < 0 || b.Confidence > 1 {
		return store.Bid{}, fault.New(fault.KindInvariantViolation, "confidence must be in [0,1]")
	}
	b.ID = id.Generate()
	b.Status = store.BidPending
	b.CreatedAt = s.now().UnixMilli()
	if err := s.store.SubmitBid(ctx, b); err != nil {
		return store.Bid{}, err
	}
	s.hub.Publish(event.New(event.TypeBiddingBid, event.SubjectSwarm(b.SwarmID), b.CreatedAt, struct {
		TaskID string  `json:"taskId"`
		Bidder string  `json:"bidder"`
		Amount float64 `json:"amount"`
	}{b.TaskID, b.BidderHandle, b.Amount}))
	return b, nil
}

// ScoredBid pairs a bid with its evaluation score.
type ScoredBid struct {
	Bid   store.Bid `json:"bid"`
	Score float64   `json:"score"`
}

// EvaluateBids scores a task's pending bids. Bid amounts are min-max
// normalized across the field; reputations missing from the map count
// as zero. Result is best first, ties to the earlier bid.
func (s *Service) EvaluateBids(ctx context.Context, taskID string,
	reputations map[string]float64, w BidWeights) ([]ScoredBid, error) {
	bids, err := s.store.ListBids(ctx, taskID, store.BidPending)
	if err != nil {
		return nil, err
	}
	if len(bids) == 0 {
		return nil, nil
	}

	minAmt, maxAmt := bids[0].Amount, bids[0].Amount
	for _, b := range bids[1:] {
		minAmt = min(minAmt, b.Amount)
		maxAmt = max(maxAmt, b.Amount)
	}

	out := make([]ScoredBid, 0, len(bids))
	for _, b := range bids {
		norm := 1.0
		if maxAmt > minAmt {
			norm = (b.Amount - minAmt) / (maxAmt - minAmt)
			if w.PreferLowerBids {
				norm = 1 - norm
			}
		}
		score := w.Bid*norm + w.Confidence*b.Confidence + w.Reputation*reputations[b.BidderHandle]
		out = append(out, ScoredBid{Bid: b, Score: score})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Bid.CreatedAt < out[j].Bid.CreatedAt
	})
	return out, nil
}

// AcceptBid accepts one bid and rejects every other pending bid on its
// task, atomically.
func (s *Service) AcceptBid(ctx context.Context, bidID string) (store.Bid, error) {
	accepted, err := s.store.AcceptBid(ctx, bidID)
	if err != nil {
		return store.Bid{}, err
	}
	s.hub.Publish(event.New(event.TypeBiddingAccepted, event.SubjectSwarm(accepted.SwarmID),
		s.now().UnixMilli(), struct {
			TaskID string  `json:"taskId"`
			Bidder string  `json:"bidder"`
			Amount float64 `json:"amount"`
		}{accepted.TaskID, accepted.BidderHandle, accepted.Amount}))
	return accepted, nil
}

// AuctionResult reports a completed auction.
type AuctionResult struct {
	TaskID         string    `json:"taskId"`
	Winner         store.Bid `json:"winner"`
	EffectivePrice float64   `json:"effectivePrice"`
	BidCount       int       `json:"bidCount"`
	SecondPrice    bool      `json:"secondPrice"`
}

// RunFirstPriceAuction accepts the top-scored pending bid on a task at
// its own price.
func (s *Service) RunFirstPriceAuction(ctx context.Context, taskID string,
	reputations map[string]float64, w BidWeights) (AuctionResult, error) {
	scored, err := s.EvaluateBids(ctx, taskID, reputations, w)
	if err != nil {
		return AuctionResult{}, err
	}
	if len(scored) == 0 {
		return AuctionResult{}, fault.New(fault.KindNotFound, "no pending bids on task %q", taskID)
	}
	winner, err := s.AcceptBid(ctx, scored[0].Bid.ID)
	if err != nil {
		return AuctionResult{}, err
	}
	res := AuctionResult{
		TaskID:         taskID,
		Winner:         winner,
		EffectivePrice: winner.Amount,
		BidCount:       len(scored),
	}
	s.publishAuction(res)
	return res, nil
}

// RunSecondPriceAuction picks the winner by raw bid amount descending
// and charges the second-highest amount (the winner's own when there
// is no runner-up). The stored bid amount is left unchanged.
func (s *Service) RunSecondPriceAuction(ctx context.Context, taskID string) (AuctionResult, error) {
	bids, err := s.store.ListBids(ctx, taskID, store.BidPending)
	if err != nil {
		return AuctionResult{}, err
	}
	if len(bids) == 0 {
		return AuctionResult{}, fault.New(fault.KindNotFound, "no pending bids on task %q", taskID)
	}
	sort.SliceStable(bids, func(i, j int) bool {
		if bids[i].Amount != bids[j].Amount {
			return bids[i].Amount > bids[j].Amount
		}
		return bids[i].CreatedAt < bids[j].CreatedAt
	})

	winner, err := s.AcceptBid(ctx, bids[0].ID)
	if err != nil {
		return AuctionResult{}, err
	}
	price := winner.Amount
	if len(bids) > 1 {
		price = bids[1].Amount
	}
	res := AuctionResult{
		TaskID:         taskID,
		Winner:         winner,
		EffectivePrice: price,
		BidCount:       len(bids),
		SecondPrice:    true,
	}
	s.publishAuction(res)
	return res, nil
}

func (s *Service) publishAuction(res AuctionResult) {
	s.hub.Publish(event.New(event.TypeBiddingAuction, event.SubjectSwarm(res.Winner.SwarmID),
		s.now().UnixMilli(), res))
}

// ListBids returns a task's bids, optionally by status.
func (s *Service) ListBids(ctx context.Context, taskID string, status store.BidStatus) ([]store.Bid, error) {
	return s.store.ListBids(ctx, taskID, status)
}
