package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/fleetmux/fleetmux/internal/fault"
)

// GetOrCreateAccount returns the agent's credit account, creating an
// empty one on first touch. Safe to call repeatedly.
func (s *Store) GetOrCreateAccount(ctx context.Context, swarmID, agentHandle string) (CreditAccount, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credit_accounts (swarm_id, agent_handle)
		VALUES (?, ?)
		ON CONFLICT (swarm_id, agent_handle) DO NOTHING`, swarmID, agentHandle)
	if err != nil {
		return CreditAccount{}, fault.Wrap(fault.KindStorage, err, "create credit account")
	}
	return s.GetAccount(ctx, swarmID, agentHandle)
}

// GetAccount returns an existing credit account.
func (s *Store) GetAccount(ctx context.Context, swarmID, agentHandle string) (CreditAccount, error) {
	return readRetry(ctx, func() (CreditAccount, error) {
		var a CreditAccount
		err := s.db.QueryRowContext(ctx, `
			SELECT swarm_id, agent_handle, balance, reputation_score,
				total_earned, task_count, success_count
			FROM credit_accounts WHERE swarm_id = ? AND agent_handle = ?`,
			swarmID, agentHandle).
			Scan(&a.SwarmID, &a.AgentHandle, &a.Balance, &a.ReputationScore,
				&a.TotalEarned, &a.TaskCount, &a.SuccessCount)
		if errors.Is(err, sql.ErrNoRows) {
			return CreditAccount{}, fault.New(fault.KindNotFound, "no credit account for %q", agentHandle)
		}
		if err != nil {
			return CreditAccount{}, fault.Wrap(fault.KindStorage, err, "get credit account")
		}
		return a, nil
	})
}

// ApplyTransaction posts one ledger entry and adjusts the balance
// atomically. Earn and bonus amounts add; spend and penalty subtract.
// Debits that would overdraw the account fail with InsufficientBalance.
func (s *Store) ApplyTransaction(ctx context.Context, t CreditTransaction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return applyTransaction(ctx, tx, t)
	})
}

func applyTransaction(ctx context.Context, tx *sql.Tx, t CreditTransaction) error {
	if t.Amount < 0 {
		return fault.New(fault.KindInvariantViolation, "transaction amount must be non-negative")
	}
	delta := t.Amount
	earns := t.Type == TxEarn || t.Type == TxBonus
	if !earns {
		delta = -t.Amount
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO credit_accounts (swarm_id, agent_handle)
		VALUES (?, ?)
		ON CONFLICT (swarm_id, agent_handle) DO NOTHING`, t.SwarmID, t.AgentHandle)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "ensure credit account")
	}

	if !earns {
		var balance float64
		err := tx.QueryRowContext(ctx, `
			SELECT balance FROM credit_accounts
			WHERE swarm_id = ? AND agent_handle = ?`, t.SwarmID, t.AgentHandle).Scan(&balance)
		if err != nil {
			return fault.Wrap(fault.KindStorage, err, "read balance")
		}
		if balance < t.Amount {
			return fault.New(fault.KindInsufficientBalance,
				"agent %q has %.2f credits, needs %.2f", t.AgentHandle, balance, t.Amount)
		}
	}

	q := `UPDATE credit_accounts SET balance = balance + ?`
	if earns {
		q += `, total_earned = total_earned + ?`
	}
	q += ` WHERE swarm_id = ? AND agent_handle = ?`
	args := []any{delta}
	if earns {
		args = append(args, t.Amount)
	}
	args = append(args, t.SwarmID, t.AgentHandle)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		return fault.Wrap(fault.KindStorage, err, "adjust balance")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credit_transactions (id, swarm_id, agent_handle, tx_type, amount, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.SwarmID, t.AgentHandle, t.Type, t.Amount, t.Reason, t.CreatedAt)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "record transaction")
	}
	return nil
}

// Transfer moves credits between two agents in one transaction. The
// debit and credit legs share the reason; either both commit or neither.
func (s *Store) Transfer(ctx context.Context, debit, credit CreditTransaction) error {
	if debit.SwarmID != credit.SwarmID {
		return fault.New(fault.KindInvariantViolation, "transfer legs must share a swarm")
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := applyTransaction(ctx, tx, debit); err != nil {
			return err
		}
		return applyTransaction(ctx, tx, credit)
	})
}

// RecordTaskOutcome bumps task counters and folds the outcome into the
// reputation score. A success with weight w moves the score up by
// w*(1-rep); a failure moves it down by w*rep. The score stays in [0,1].
func (s *Store) RecordTaskOutcome(ctx context.Context, swarmID, agentHandle string, success bool, weight float64) error {
	outcome := 0.0
	if success {
		outcome = 1.0
	}
	successInc := 0
	if success {
		successInc = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE credit_accounts SET
			task_count = task_count + 1,
			success_count = success_count + ?,
			reputation_score = MAX(0.0, MIN(1.0, reputation_score * ? + ?))
		WHERE swarm_id = ? AND agent_handle = ?`,
		successInc, 1-weight, weight*outcome, swarmID, agentHandle)
	if err != nil {
		return fault.Wrap(fault.KindStorage, err, "record task outcome")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.New(fault.KindNotFound, "no credit account for %q", agentHandle)
	}
	return nil
}

// Leaderboard returns a swarm's accounts richest first.
func (s *Store) Leaderboard(ctx context.Context, swarmID string, limit int) ([]CreditAccount, error) {
	return readRetry(ctx, func() ([]CreditAccount, error) {
		q := `SELECT swarm_id, agent_handle, balance, reputation_score,
			total_earned, task_count, success_count
			FROM credit_accounts WHERE swarm_id = ?
			ORDER BY balance DESC, agent_handle ASC`
		args := []any{swarmID}
		if limit > 0 {
			q += " LIMIT ?"
			args = append(args, limit)
		}
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "leaderboard")
		}
		defer rows.Close()

		var out []CreditAccount
		for rows.Next() {
			var a CreditAccount
			if err := rows.Scan(&a.SwarmID, &a.AgentHandle, &a.Balance, &a.ReputationScore,
				&a.TotalEarned, &a.TaskCount, &a.SuccessCount); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan account")
			}
			out = append(out, a)
		}
		return out, rows.Err()
	})
}

// ListTransactions returns an agent's ledger newest first.
func (s *Store) ListTransactions(ctx context.Context, swarmID, agentHandle string, limit int) ([]CreditTransaction, error) {
	return readRetry(ctx, func() ([]CreditTransaction, error) {
		q := `SELECT id, swarm_id, agent_handle, tx_type, amount, reason, created_at
			FROM credit_transactions WHERE swarm_id = ? AND agent_handle = ?
			ORDER BY created_at DESC, id DESC`
		args := []any{swarmID, agentHandle}
		if limit > 0 {
			q += " LIMIT ?"
			args = append(args, limit)
		}
		rows, err := s.db.QueryContext(ctx, q, args...)
		if err != nil {
			return nil, fault.Wrap(fault.KindStorage, err, "list transactions")
		}
		defer rows.Close()

		var out []CreditTransaction
		for rows.Next() {
			var t CreditTransaction
			if err := rows.Scan(&t.ID, &t.SwarmID, &t.AgentHandle, &t.Type,
				&t.Amount, &t.Reason, &t.CreatedAt); err != nil {
				return nil, fault.Wrap(fault.KindStorage, err, "scan transaction")
			}
			out = append(out, t)
		}
		return out, rows.Err()
	})
}
