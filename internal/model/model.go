// Package model defines the core domain types shared across the pool engine.
// Coin amounts are whole integers (int64); there is no fractional currency.
package model

import "time"

// StartingBalance is the coin balance a user receives on first login.
const StartingBalance int64 = 1000

// Status is the persisted lifecycle state of a market.
type Status string

const (
	StatusOpen     Status = "open"
	StatusClosed   Status = "closed"
	StatusResolved Status = "resolved"

	// StatusPendingResolution is never persisted. It is the derived view of a
	// closed market that carries a pending resolution awaiting a moderator.
	StatusPendingResolution Status = "pending-resolution"
)

// Valid reports whether s is one of the persisted statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusOpen, StatusClosed, StatusResolved:
		return true
	}
	return false
}

// User is the single mutable balance aggregate touched by stakes,
// settlements and reconciliation.
type User struct {
	ID          string    `json:"id" db:"id"`
	DisplayName string    `json:"display_name" db:"display_name"`
	Balance     int64     `json:"balance" db:"balance"`
	IsModerator bool      `json:"is_moderator" db:"is_moderator"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Outcome is one possible answer to a market's question. TotalBets is the
// running total of stake amounts placed on it.
type Outcome struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	TotalBets int64  `json:"total_bets"`
}

// Market is a question with mutually exclusive outcomes, open for staking
// until its deadline.
type Market struct {
	ID          string    `json:"id" db:"id"`
	Title       string    `json:"title" db:"title"`
	Description string    `json:"description" db:"description"`
	CreatorID   string    `json:"creator_id" db:"creator_id"`
	Outcomes    []Outcome `json:"outcomes" db:"outcomes"`
	Status      Status    `json:"status" db:"status"`

	PendingResolutionOutcomeID string `json:"pending_resolution_outcome_id,omitempty" db:"pending_resolution_outcome_id"`
	ResolvedOutcomeID          string `json:"resolved_outcome_id,omitempty" db:"resolved_outcome_id"`

	// PayoutPolicy names the rounding policy used when the market was
	// resolved. Empty for unresolved markets.
	PayoutPolicy string `json:"payout_policy,omitempty" db:"payout_policy"`

	TotalPool  int64      `json:"total_pool" db:"total_pool"`
	Deadline   time.Time  `json:"deadline" db:"deadline"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Outcome returns the outcome with the given ID.
func (m *Market) Outcome(id string) (Outcome, bool) {
	for _, o := range m.Outcomes {
		if o.ID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

// Clone returns a deep copy so callers can mutate outcomes freely.
func (m *Market) Clone() *Market {
	c := *m
	c.Outcomes = append([]Outcome(nil), m.Outcomes...)
	if m.ResolvedAt != nil {
		t := *m.ResolvedAt
		c.ResolvedAt = &t
	}
	return &c
}

// Stake is an immutable record of one user committing coins to one outcome.
// Once created, stakes are never modified or deleted.
type Stake struct {
	ID        string    `json:"id" db:"id"`
	MarketID  string    `json:"market_id" db:"market_id"`
	OutcomeID string    `json:"outcome_id" db:"outcome_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	Amount    int64     `json:"amount" db:"amount"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// StatusChange is the set of lifecycle fields written together when a
// market moves between states.
type StatusChange struct {
	Status                     Status
	PendingResolutionOutcomeID string
	ResolvedOutcomeID          string
	PayoutPolicy               string
	ResolvedAt                 *time.Time
}

// SettlementKind describes how a resolved market's pool was disposed of.
type SettlementKind string

const (
	// SettlementPayout splits the pool among stakes on the winning outcome.
	SettlementPayout SettlementKind = "payout"
	// SettlementRefund returns every stake to its owner because nobody
	// staked on the winning outcome.
	SettlementRefund SettlementKind = "refund"
	// SettlementEmpty is a market resolved with no stakes at all.
	SettlementEmpty SettlementKind = "empty"
)

// Credit is a coin amount owed to a user as a result of one stake.
type Credit struct {
	StakeID string `json:"stake_id"`
	UserID  string `json:"user_id"`
	Amount  int64  `json:"amount"`
}

// Settlement is the full distribution of one market's pool.
type Settlement struct {
	MarketID  string         `json:"market_id"`
	OutcomeID string         `json:"outcome_id"`
	Kind      SettlementKind `json:"kind"`
	Pool      int64          `json:"pool"`
	Credits   []Credit       `json:"credits"`
}

// Total returns the sum of all credits.
func (s Settlement) Total() int64 {
	var total int64
	for _, c := range s.Credits {
		total += c.Amount
	}
	return total
}

// ByUser aggregates credits per user.
func (s Settlement) ByUser() map[string]int64 {
	out := make(map[string]int64, len(s.Credits))
	for _, c := range s.Credits {
		out[c.UserID] += c.Amount
	}
	return out
}

// Correction is one user's reconciliation result. Difference is
// CorrectBalance - CurrentBalance.
type Correction struct {
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name"`
	CurrentBalance int64  `json:"current_balance"`
	CorrectBalance int64  `json:"correct_balance"`
	Difference     int64  `json:"difference"`
	TotalStaked    int64  `json:"total_staked"`
	TotalWinnings  int64  `json:"total_winnings"`
}
