// Package store defines the persistence collaborator for the pool engine.
// Implementations include PostgreSQL (source of truth), SQLite (embedded),
// Redis (read-through cache over another store), and in-memory (for testing).
//
// Every balance- or pool-affecting write happens inside RunAtomic: all writes
// made through the Tx commit together or not at all. Reads outside a
// transaction are plain batch reads and may be slightly stale.
package store

import (
	"context"

	"github.com/atmx/poolbet/internal/model"
)

// StakeFilter selects stakes by market, by user, or both. A zero filter
// returns every stake.
type StakeFilter struct {
	MarketID string
	UserID   string
}

// MarketFilter selects markets by persisted status. Empty returns all.
type MarketFilter struct {
	Status model.Status
}

// Reader is the read side of the store.
type Reader interface {
	// GetUser returns model.ErrUserNotFound for unknown IDs.
	GetUser(ctx context.Context, id string) (*model.User, error)

	// GetMarket returns model.ErrMarketNotFound for unknown IDs.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListStakes returns stakes in creation order.
	ListStakes(ctx context.Context, f StakeFilter) ([]model.Stake, error)

	// ListMarkets returns markets, newest first.
	ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error)

	// ListUsers returns every user ordered by ID.
	ListUsers(ctx context.Context) ([]model.User, error)
}

// Tx is a handle scoped to one atomic unit. Reads through a Tx observe the
// transaction's own writes and, where the backend supports it, lock the rows
// they return until the transaction ends.
type Tx interface {
	Reader

	// --- Users ---

	// CreateUser returns model.ErrDuplicate if the ID exists.
	CreateUser(ctx context.Context, u *model.User) error

	// SetUserBalance overwrites a balance. Used by reconciliation.
	SetUserBalance(ctx context.Context, id string, balance int64) error

	// AdjustUserBalance adds delta (negative to debit) to a balance.
	AdjustUserBalance(ctx context.Context, id string, delta int64) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error

	// UpdateMarketStatus writes every lifecycle field in change.
	UpdateMarketStatus(ctx context.Context, id string, change model.StatusChange) error

	// UpdateMarketOutcomes replaces the outcome totals and adds
	// totalPoolDelta to the market's pool.
	UpdateMarketOutcomes(ctx context.Context, id string, outcomes []model.Outcome, totalPoolDelta int64) error

	// --- Immutable stakes ---

	CreateStake(ctx context.Context, s *model.Stake) error
}

// Store is the persistence interface consumed by the services.
type Store interface {
	Reader

	// RunAtomic runs fn in a transaction. If fn returns an error nothing is
	// committed. Write conflicts surface as errors matching
	// model.ErrTransient; the caller owns the retry policy.
	RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*CachedStore)(nil)
)
