package httpapi

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/fleetmux/fleetmux/internal/store"
	"github.com/fleetmux/fleetmux/internal/swarm"
)

// Pheromones.

type depositPheromoneRequest struct {
	ResourceID   string  `json:"resourceId" binding:"required"`
	ResourceType string  `json:"resourceType"`
	TrailType    string  `json:"trailType" binding:"required"`
	Intensity    float64 `json:"intensity"`
	Metadata     string  `json:"metadata"`
}

func (s *Server) depositPheromone(c *gin.Context) {
	var req depositPheromoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.swarms.Deposit(c.Request.Context(), store.Pheromone{
		SwarmID:         c.Param("id"),
		DepositorHandle: caller(c),
		ResourceID:      req.ResourceID,
		ResourceType:    req.ResourceType,
		TrailType:       req.TrailType,
		Intensity:       req.Intensity,
		Metadata:        req.Metadata,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) queryPheromones(c *gin.Context) {
	swarmID := c.Param("id")
	if resource := c.Query("resourceId"); resource != "" && c.Query("trailType") == "" {
		trails, err := s.swarms.ResourceTrails(c.Request.Context(), swarmID, resource)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"pheromones": trails, "count": len(trails)})
		return
	}
	f := store.PheromoneFilter{
		ResourceID:   c.Query("resourceId"),
		ResourceType: c.Query("resourceType"),
		TrailType:    c.Query("trailType"),
		MinIntensity: floatQuery(c, "minIntensity"),
		Since:        int64(intQuery(c, "since")),
	}
	trails, err := s.swarms.Query(c.Request.Context(), swarmID, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"pheromones": trails, "count": len(trails)})
}

type decayRequest struct {
	Rate         float64 `json:"rate"`
	MinIntensity float64 `json:"minIntensity"`
}

func (s *Server) decayPheromones(c *gin.Context) {
	var req decayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.swarms.ProcessDecay(c.Request.Context(), c.Param("id"), req.Rate, req.MinIntensity)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) resourceActivity(c *gin.Context) {
	activity, err := s.swarms.Activity(c.Request.Context(), c.Param("id"), intQuery(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"activity": activity, "count": len(activity)})
}

type routeTasksRequest struct {
	Tasks  []string `json:"tasks" binding:"required"`
	Agents []string `json:"agents" binding:"required"`
}

func (s *Server) routeTasks(c *gin.Context) {
	var req routeTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	assignments, err := s.swarms.RouteTasks(c.Request.Context(), c.Param("id"), req.Tasks, req.Agents)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

// Beliefs.

type upsertBeliefRequest struct {
	Subject    string   `json:"subject" binding:"required"`
	BeliefType string   `json:"beliefType"`
	Value      string   `json:"value" binding:"required"`
	Confidence float64  `json:"confidence"`
	Evidence   []string `json:"evidence"`
}

func (s *Server) upsertBelief(c *gin.Context) {
	var req upsertBeliefRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	b, err := s.swarms.UpsertBelief(c.Request.Context(), store.Belief{
		SwarmID:     c.Param("id"),
		AgentHandle: caller(c),
		Subject:     req.Subject,
		BeliefType:  req.BeliefType,
		Value:       req.Value,
		Confidence:  req.Confidence,
		Evidence:    req.Evidence,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

func (s *Server) listBeliefs(c *gin.Context) {
	beliefs, err := s.swarms.ListBeliefs(c.Request.Context(), c.Param("id"), c.Query("subject"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"beliefs": beliefs, "count": len(beliefs)})
}

func (s *Server) retractBelief(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		s.badRequest(c, errMissing("subject"))
		return
	}
	if err := s.swarms.RetractBelief(c.Request.Context(), c.Param("id"), caller(c), subject); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) beliefConsensus(c *gin.Context) {
	subject := c.Query("subject")
	if subject == "" {
		s.badRequest(c, errMissing("subject"))
		return
	}
	res, err := s.swarms.SwarmConsensus(c.Request.Context(), c.Param("id"), subject,
		floatQuery(c, "minConfidence"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Credits.

func (s *Server) creditAccount(c *gin.Context) {
	acct, err := s.swarms.Account(c.Request.Context(), c.Param("id"), c.Param("handle"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

type recordTransactionRequest struct {
	Type   string  `json:"type" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
	Reason string  `json:"reason"`
}

func (s *Server) recordTransaction(c *gin.Context) {
	var req recordTransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	t, err := s.swarms.RecordTransaction(c.Request.Context(), c.Param("id"), c.Param("handle"),
		store.TransactionType(req.Type), req.Amount, req.Reason)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (s *Server) transactionHistory(c *gin.Context) {
	txs, err := s.swarms.TransactionHistory(c.Request.Context(), c.Param("id"), c.Param("handle"),
		intQuery(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transactions": txs, "count": len(txs)})
}

type transferRequest struct {
	From   string  `json:"from" binding:"required"`
	To     string  `json:"to" binding:"required"`
	Amount float64 `json:"amount" binding:"required"`
	Reason string  `json:"reason"`
}

func (s *Server) transferCredits(c *gin.Context) {
	var req transferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.swarms.Transfer(c.Request.Context(), c.Param("id"), req.From, req.To,
		req.Amount, req.Reason); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transferred": req.Amount})
}

type recordOutcomeRequest struct {
	Handle  string  `json:"handle" binding:"required"`
	Success bool    `json:"success"`
	Weight  float64 `json:"weight"`
}

func (s *Server) recordOutcome(c *gin.Context) {
	var req recordOutcomeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	acct, err := s.swarms.RecordOutcome(c.Request.Context(), c.Param("id"), req.Handle,
		req.Success, req.Weight)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, acct)
}

func (s *Server) leaderboard(c *gin.Context) {
	accounts, err := s.swarms.Leaderboard(c.Request.Context(), c.Param("id"), intQuery(c, "limit"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": accounts, "count": len(accounts)})
}

// Consensus proposals.

type createProposalRequest struct {
	Topic    string   `json:"topic" binding:"required"`
	Options  []string `json:"options" binding:"required"`
	Method   string   `json:"method" binding:"required"`
	Deadline int64    `json:"deadline"`
}

func (s *Server) createProposal(c *gin.Context) {
	var req createProposalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.swarms.CreateProposal(c.Request.Context(), c.Param("id"), caller(c),
		req.Topic, req.Options, store.VoteMethod(req.Method), req.Deadline)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listProposals(c *gin.Context) {
	proposals, err := s.swarms.ListProposals(c.Request.Context(), c.Param("id"),
		store.ProposalStatus(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"proposals": proposals, "count": len(proposals)})
}

func (s *Server) getProposal(c *gin.Context) {
	p, err := s.swarms.GetProposal(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

type castVoteRequest struct {
	Value  string  `json:"value" binding:"required"`
	Weight float64 `json:"weight"`
}

func (s *Server) castVote(c *gin.Context) {
	var req castVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if err := s.swarms.CastVote(c.Request.Context(), c.Param("id"), caller(c),
		req.Value, req.Weight); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) closeProposal(c *gin.Context) {
	res, err := s.swarms.CloseAndTally(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Bidding.

type submitBidRequest struct {
	SwarmID           string  `json:"swarmId" binding:"required"`
	Amount            float64 `json:"amount"`
	Confidence        float64 `json:"confidence"`
	EstimatedDuration float64 `json:"estimatedDuration"`
}

func (s *Server) submitBid(c *gin.Context) {
	var req submitBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	b, err := s.swarms.SubmitBid(c.Request.Context(), store.Bid{
		SwarmID:           req.SwarmID,
		TaskID:            c.Param("taskId"),
		BidderHandle:      caller(c),
		Amount:            req.Amount,
		Confidence:        req.Confidence,
		EstimatedDuration: req.EstimatedDuration,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, b)
}

func (s *Server) listBids(c *gin.Context) {
	bids, err := s.swarms.ListBids(c.Request.Context(), c.Param("taskId"),
		store.BidStatus(c.Query("status")))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": bids, "count": len(bids)})
}

type evaluateBidsRequest struct {
	Reputations map[string]float64 `json:"reputations"`
	Weights     *swarm.BidWeights  `json:"weights"`
}

func (s *Server) evaluateBids(c *gin.Context) {
	var req evaluateBidsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	w := swarm.DefaultBidWeights
	if req.Weights != nil {
		w = *req.Weights
	}
	scored, err := s.swarms.EvaluateBids(c.Request.Context(), c.Param("taskId"), req.Reputations, w)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bids": scored, "count": len(scored)})
}

func (s *Server) acceptBid(c *gin.Context) {
	b, err := s.swarms.AcceptBid(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

type runAuctionRequest struct {
	SecondPrice bool               `json:"secondPrice"`
	Reputations map[string]float64 `json:"reputations"`
	Weights     *swarm.BidWeights  `json:"weights"`
}

func (s *Server) runAuction(c *gin.Context) {
	var req runAuctionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	var res swarm.AuctionResult
	var err error
	if req.SecondPrice {
		res, err = s.swarms.RunSecondPriceAuction(c.Request.Context(), c.Param("taskId"))
	} else {
		w := swarm.DefaultBidWeights
		if req.Weights != nil {
			w = *req.Weights
		}
		res, err = s.swarms.RunFirstPriceAuction(c.Request.Context(), c.Param("taskId"),
			req.Reputations, w)
	}
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Payoffs.

type definePayoffRequest struct {
	SwarmID    string  `json:"swarmId"`
	Type       string  `json:"type" binding:"required"`
	BaseValue  float64 `json:"baseValue"`
	Multiplier float64 `json:"multiplier"`
	Deadline   int64   `json:"deadline"`
	DecayRate  float64 `json:"decayRate"`
}

func (s *Server) definePayoff(c *gin.Context) {
	var req definePayoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	p, err := s.swarms.DefinePayoff(c.Request.Context(), store.Payoff{
		SwarmID:    req.SwarmID,
		TaskID:     c.Param("taskId"),
		Type:       req.Type,
		BaseValue:  req.BaseValue,
		Multiplier: req.Multiplier,
		Deadline:   req.Deadline,
		DecayRate:  req.DecayRate,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) listPayoffs(c *gin.Context) {
	payoffs, err := s.swarms.ListPayoffs(c.Request.Context(), c.Param("taskId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payoffs": payoffs, "count": len(payoffs)})
}

func (s *Server) calculatePayoff(c *gin.Context) {
	at := time.Now()
	if ms := intQuery(c, "at"); ms > 0 {
		at = time.UnixMilli(int64(ms))
	}
	total, breakdown, err := s.swarms.CalculatePayoff(c.Request.Context(), c.Param("taskId"), at)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"total": total, "breakdown": breakdown})
}
