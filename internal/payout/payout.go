// Package payout implements pari-mutuel pool distribution: winners split the
// whole pool in proportion to their share of the winning outcome's stakes.
//
// Per-stake winnings are floored to whole coins. Whatever the flooring leaves
// behind is awarded to the largest winning stake (first one wins ties), so the
// pool is always distributed exactly: no coin is lost or created.
//
// The arithmetic uses shopspring/decimal integer division so that
// losingPool × amount never overflows int64 and never goes through float64.
package payout

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// PolicyVersion identifies the rounding policy implemented by Compute. It is
// recorded on every market settled by this package.
const PolicyVersion = "largest-stake-remainder/v1"

// ErrInvalidInput is returned when the totals or stakes violate Compute's
// preconditions.
var ErrInvalidInput = errors.New("payout: invalid input")

// Stake is one winning stake: an identifier and the coins committed.
type Stake struct {
	ID     string
	Amount int64
}

// Payout is the coins a stake receives, including the stake itself.
type Payout struct {
	ID       string
	Winnings int64
}

// Compute distributes totalPool over the winning stakes.
//
// winningTotal must equal the sum of the stakes' amounts and may not exceed
// totalPool. An empty stake set returns nil: deciding what happens to an
// unclaimed pool is the caller's policy.
//
//	losingPool = totalPool - winningTotal
//	winnings_i = amount_i + floor(losingPool * amount_i / winningTotal)
func Compute(totalPool, winningTotal int64, stakes []Stake) ([]Payout, error) {
	if len(stakes) == 0 {
		return nil, nil
	}
	if totalPool < 0 {
		return nil, fmt.Errorf("%w: negative pool %d", ErrInvalidInput, totalPool)
	}

	var sum int64
	for _, s := range stakes {
		if s.Amount <= 0 {
			return nil, fmt.Errorf("%w: stake %s has non-positive amount %d", ErrInvalidInput, s.ID, s.Amount)
		}
		sum += s.Amount
	}
	if sum != winningTotal {
		return nil, fmt.Errorf("%w: winning total %d does not match stakes sum %d", ErrInvalidInput, winningTotal, sum)
	}
	if winningTotal > totalPool {
		return nil, fmt.Errorf("%w: winning total %d exceeds pool %d", ErrInvalidInput, winningTotal, totalPool)
	}

	losing := decimal.NewFromInt(totalPool - winningTotal)
	denom := decimal.NewFromInt(winningTotal)

	payouts := make([]Payout, len(stakes))
	var distributed int64
	largest := 0
	for i, s := range stakes {
		bonus, _ := losing.Mul(decimal.NewFromInt(s.Amount)).QuoRem(denom, 0)
		w := s.Amount + bonus.IntPart()
		payouts[i] = Payout{ID: s.ID, Winnings: w}
		distributed += w

		if s.Amount > stakes[largest].Amount {
			largest = i
		}
	}

	if remainder := totalPool - distributed; remainder > 0 {
		payouts[largest].Winnings += remainder
	}

	return payouts, nil
}

// Refund returns every stake's amount unchanged.
func Refund(stakes []Stake) []Payout {
	if len(stakes) == 0 {
		return nil
	}
	out := make([]Payout, len(stakes))
	for i, s := range stakes {
		out[i] = Payout{ID: s.ID, Winnings: s.Amount}
	}
	return out
}

// Total sums the winnings of a payout set.
func Total(payouts []Payout) int64 {
	var total int64
	for _, p := range payouts {
		total += p.Winnings
	}
	return total
}
