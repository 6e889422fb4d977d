package settlement

import (
	"fmt"

	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/payout"
)

// Distribute computes how a market's pool is returned to stakers when it
// resolves on outcomeID. stakes must be the market's complete stake set; the
// pool is their sum.
//
// When nobody staked on the winning outcome every stake is refunded in full.
// A market without stakes yields an empty settlement.
func Distribute(m *model.Market, outcomeID string, stakes []model.Stake) (model.Settlement, error) {
	s := model.Settlement{MarketID: m.ID, OutcomeID: outcomeID}
	if _, ok := m.Outcome(outcomeID); !ok {
		return s, fmt.Errorf("%w: %q in market %s", model.ErrUnknownOutcome, outcomeID, m.ID)
	}

	var (
		pool, winTotal int64
		winners        []payout.Stake
		owners         = make(map[string]string, len(stakes))
	)
	for _, st := range stakes {
		if st.MarketID != m.ID {
			return s, fmt.Errorf("stake %s belongs to market %s, not %s", st.ID, st.MarketID, m.ID)
		}
		pool += st.Amount
		owners[st.ID] = st.UserID
		if st.OutcomeID == outcomeID {
			winTotal += st.Amount
			winners = append(winners, payout.Stake{ID: st.ID, Amount: st.Amount})
		}
	}
	s.Pool = pool

	switch {
	case len(stakes) == 0:
		s.Kind = model.SettlementEmpty
		return s, nil

	case len(winners) == 0:
		s.Kind = model.SettlementRefund
		all := make([]payout.Stake, len(stakes))
		for i, st := range stakes {
			all[i] = payout.Stake{ID: st.ID, Amount: st.Amount}
		}
		s.Credits = credits(payout.Refund(all), owners)
		return s, nil
	}

	payouts, err := payout.Compute(pool, winTotal, winners)
	if err != nil {
		return s, fmt.Errorf("settle market %s: %w", m.ID, err)
	}
	s.Kind = model.SettlementPayout
	s.Credits = credits(payouts, owners)
	return s, nil
}

func credits(payouts []payout.Payout, owners map[string]string) []model.Credit {
	out := make([]model.Credit, 0, len(payouts))
	for _, p := range payouts {
		out = append(out, model.Credit{StakeID: p.ID, UserID: owners[p.ID], Amount: p.Winnings})
	}
	return out
}
