// Package stake executes stakes: the atomic move of coins from a user's
// balance into one outcome of a market's pool.
package stake

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/poolbet/internal/market"
	"github.com/atmx/poolbet/internal/metrics"
	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/retry"
	"github.com/atmx/poolbet/internal/settlement"
	"github.com/atmx/poolbet/internal/store"
)

// Executor places stakes.
type Executor struct {
	store  store.Store
	retry  retry.Policy
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewExecutor creates an executor. A nil logger uses slog.Default().
func NewExecutor(st store.Store, policy retry.Policy, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		store:  st,
		retry:  policy,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  uuid.NewString,
	}
}

// PlaceStake debits amount from userID and adds it to outcomeID's total in
// marketID, recording an immutable stake. All of it commits or none of it
// does; a balance can never go below zero even under concurrent stakes by the
// same user.
func (e *Executor) PlaceStake(ctx context.Context, userID, marketID, outcomeID string, amount int64) (*model.Stake, error) {
	start := time.Now()
	st, err := e.placeStake(ctx, userID, marketID, outcomeID, amount)
	metrics.StakeLatency.Observe(time.Since(start).Seconds())
	metrics.StakesTotal.WithLabelValues(result(err)).Inc()
	if err != nil {
		return nil, err
	}

	metrics.CoinsStaked.Add(float64(amount))
	e.logger.Info("stake placed",
		"stake", st.ID, "market", marketID, "outcome", outcomeID, "user", userID, "amount", amount)
	return st, nil
}

func (e *Executor) placeStake(ctx context.Context, userID, marketID, outcomeID string, amount int64) (*model.Stake, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidAmount, amount)
	}

	var placed *model.Stake
	policy := e.retry.Observed(e.logger, "place_stake")
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		return e.store.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
			// Market before user, matching the lock order of settlement.
			m, err := tx.GetMarket(ctx, marketID)
			if err != nil {
				return err
			}
			u, err := tx.GetUser(ctx, userID)
			if err != nil {
				return err
			}
			now := e.now()
			if err := market.CheckStakeable(m, now); err != nil {
				return err
			}

			idx := -1
			for i := range m.Outcomes {
				if m.Outcomes[i].ID == outcomeID {
					idx = i
					break
				}
			}
			if idx < 0 {
				return fmt.Errorf("%w: %q in market %s", model.ErrUnknownOutcome, outcomeID, marketID)
			}
			if amount > u.Balance {
				return fmt.Errorf("%w: balance %d, stake %d", model.ErrInsufficientFunds, u.Balance, amount)
			}

			st := &model.Stake{
				ID:        e.newID(),
				MarketID:  marketID,
				OutcomeID: outcomeID,
				UserID:    userID,
				Amount:    amount,
				CreatedAt: now,
			}
			if err := tx.CreateStake(ctx, st); err != nil {
				return err
			}
			m.Outcomes[idx].TotalBets += amount
			if err := tx.UpdateMarketOutcomes(ctx, marketID, m.Outcomes, amount); err != nil {
				return err
			}
			if err := tx.AdjustUserBalance(ctx, userID, -amount); err != nil {
				return err
			}
			placed = st
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return placed, nil
}

// Quote is what a prospective stake would return if its outcome won, given
// the stakes placed so far.
type Quote struct {
	MarketID  string `json:"market_id"`
	OutcomeID string `json:"outcome_id"`
	Amount    int64  `json:"amount"`
	Payout    int64  `json:"payout"`
	Profit    int64  `json:"profit"`
	Pool      int64  `json:"pool"`
}

// Preview prices a hypothetical stake without writing anything. The quote
// moves as other stakes arrive.
func (e *Executor) Preview(ctx context.Context, marketID, outcomeID string, amount int64) (*Quote, error) {
	if amount <= 0 {
		return nil, fmt.Errorf("%w: got %d", model.ErrInvalidAmount, amount)
	}
	m, err := e.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if _, ok := m.Outcome(outcomeID); !ok {
		return nil, fmt.Errorf("%w: %q in market %s", model.ErrUnknownOutcome, outcomeID, marketID)
	}
	stakes, err := e.store.ListStakes(ctx, store.StakeFilter{MarketID: marketID})
	if err != nil {
		return nil, err
	}

	const previewID = "preview"
	stakes = append(stakes, model.Stake{ID: previewID, MarketID: marketID, OutcomeID: outcomeID, Amount: amount})
	s, err := settlement.Distribute(m, outcomeID, stakes)
	if err != nil {
		return nil, err
	}

	q := &Quote{MarketID: marketID, OutcomeID: outcomeID, Amount: amount, Pool: s.Pool}
	for _, c := range s.Credits {
		if c.StakeID == previewID {
			q.Payout = c.Amount
		}
	}
	q.Profit = q.Payout - amount
	return q, nil
}

// result labels a stake attempt for metrics.
func result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, model.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, model.ErrUnknownOutcome):
		return "unknown_outcome"
	case errors.Is(err, model.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, model.ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, model.ErrMarketNotFound), errors.Is(err, model.ErrUserNotFound):
		return "not_found"
	case errors.Is(err, model.ErrOperationFailed):
		return "retries_exhausted"
	}
	return "error"
}
