package swarm

import (
	"context"

	"github.com/fleetmux/fleetmux/internal/event"
	"github.com/fleetmux/fleetmux/internal/fault"
	"github.com/fleetmux/fleetmux/internal/id"
	"github.com/fleetmux/fleetmux/internal/store"
)

// defaultOutcomeWeight is how hard one task outcome moves reputation
// when the caller does not weight it explicitly.
const defaultOutcomeWeight = 0.2

// Account returns an agent's credit account, creating it on first use.
func (s *Service) Account(ctx context.Context, swarmID, agentHandle string) (store.CreditAccount, error) {
	return s.store.GetOrCreateAccount(ctx, swarmID, agentHandle)
}

// RecordTransaction posts one ledger entry. Earn and bonus credit the
// account; spend and penalty debit it with an overdraft check.
func (s *Service) RecordTransaction(ctx context.Context, swarmID, agentHandle string,
	typ store.TransactionType, amount float64, reason string) (store.CreditTransaction, error) {
	switch typ {
	case store.TxEarn, store.TxSpend, store.TxBonus, store.TxPenalty:
	default:
		return store.CreditTransaction{}, fault.New(fault.KindInvariantViolation,
			"unknown transaction type %q", typ)
	}
	t := store.CreditTransaction{
		ID:          id.Generate(),
		SwarmID:     swarmID,
		AgentHandle: agentHandle,
		Type:        typ,
		Amount:      amount,
		Reason:      reason,
		CreatedAt:   s.now().UnixMilli(),
	}
	if err := s.store.ApplyTransaction(ctx, t); err != nil {
		return store.CreditTransaction{}, err
	}
	return t, nil
}

// Transfer moves credits between two agents in the same swarm. Both
// legs commit atomically; insufficient funds fail the whole transfer.
func (s *Service) Transfer(ctx context.Context, swarmID, from, to string, amount float64, reason string) error {
	if from == to {
		return fault.New(fault.KindInvariantViolation, "cannot transfer to self")
	}
	if amount <= 0 {
		return fault.New(fault.KindInvariantViolation, "transfer amount must be positive")
	}
	nowMS := s.now().UnixMilli()
	debit := store.CreditTransaction{
		ID: id.Generate(), SwarmID: swarmID, AgentHandle: from,
		Type: store.TxSpend, Amount: amount, Reason: reason, CreatedAt: nowMS,
	}
	credit := store.CreditTransaction{
		ID: id.Generate(), SwarmID: swarmID, AgentHandle: to,
		Type: store.TxEarn, Amount: amount, Reason: reason, CreatedAt: nowMS,
	}
	if err := s.store.Transfer(ctx, debit, credit); err != nil {
		return err
	}
	s.hub.Publish(event.New(event.TypeCreditsTransfer, event.SubjectSwarm(swarmID), nowMS, struct {
		SwarmID string  `json:"swarmId"`
		From    string  `json:"from"`
		To      string  `json:"to"`
		Amount  float64 `json:"amount"`
		Reason  string  `json:"reason,omitempty"`
	}{swarmID, from, to, amount, reason}))
	return nil
}

// RecordOutcome folds a task outcome into an agent's reputation. A
// success with weight w raises the score by w*(1-rep); a failure lowers
// it by w*rep. Weight 0 means the default.
func (s *Service) RecordOutcome(ctx context.Context, swarmID, agentHandle string, success bool, weight float64) (store.CreditAccount, error) {
	if weight == 0 {
		weight = defaultOutcomeWeight
	}
	if weight < 0 || weight > 1 {
		return store.CreditAccount{}, fault.New(fault.KindInvariantViolation, "outcome weight must be in (0,1]")
	}
	if _, err := s.store.GetOrCreateAccount(ctx, swarmID, agentHandle); err != nil {
		return store.CreditAccount{}, err
	}
	if err := s.store.RecordTaskOutcome(ctx, swarmID, agentHandle, success, weight); err != nil {
		return store.CreditAccount{}, err
	}
	return s.store.GetAccount(ctx, swarmID, agentHandle)
}

// Leaderboard returns a swarm's accounts richest first.
func (s *Service) Leaderboard(ctx context.Context, swarmID string, limit int) ([]store.CreditAccount, error) {
	return s.store.Leaderboard(ctx, swarmID, limit)
}

// TransactionHistory returns an agent's ledger newest first.
func (s *Service) TransactionHistory(ctx context.Context, swarmID, agentHandle string, limit int) ([]store.CreditTransaction, error) {
	return s.store.ListTransactions(ctx, swarmID, agentHandle, limit)
}
