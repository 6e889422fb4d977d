package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/atmx/poolbet/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions hold the write lock for their whole duration, so they are
// fully serialised: there are never write conflicts to retry.
type MemoryStore struct {
	mu      sync.RWMutex
	users   map[string]*model.User
	markets map[string]*model.Market
	stakes  []model.Stake
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:   make(map[string]*model.User),
		markets: make(map[string]*model.Market),
	}
}

func (s *MemoryStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := s.newTx()
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// --- Plain reads (read lock, empty write set) ---

func (s *MemoryStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newTx().GetUser(ctx, id)
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newTx().GetMarket(ctx, id)
}

func (s *MemoryStore) ListStakes(ctx context.Context, f StakeFilter) ([]model.Stake, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newTx().ListStakes(ctx, f)
}

func (s *MemoryStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newTx().ListMarkets(ctx, f)
}

func (s *MemoryStore) ListUsers(ctx context.Context) ([]model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.newTx().ListUsers(ctx)
}

// memTx stages writes on top of the committed maps. The caller holds the
// store lock for the lifetime of the transaction.
type memTx struct {
	s       *MemoryStore
	users   map[string]*model.User
	markets map[string]*model.Market
	stakes  []model.Stake
}

func (s *MemoryStore) newTx() *memTx {
	return &memTx{
		s:       s,
		users:   make(map[string]*model.User),
		markets: make(map[string]*model.Market),
	}
}

func (tx *memTx) commit() {
	for id, u := range tx.users {
		tx.s.users[id] = u
	}
	for id, m := range tx.markets {
		tx.s.markets[id] = m
	}
	tx.s.stakes = append(tx.s.stakes, tx.stakes...)
}

func (tx *memTx) user(id string) (*model.User, bool) {
	if u, ok := tx.users[id]; ok {
		return u, true
	}
	u, ok := tx.s.users[id]
	return u, ok
}

func (tx *memTx) market(id string) (*model.Market, bool) {
	if m, ok := tx.markets[id]; ok {
		return m, true
	}
	m, ok := tx.s.markets[id]
	return m, ok
}

// stagedUser returns a private copy of the user for mutation.
func (tx *memTx) stagedUser(id string) (*model.User, error) {
	if u, ok := tx.users[id]; ok {
		return u, nil
	}
	u, ok := tx.s.users[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	c := *u
	tx.users[id] = &c
	return &c, nil
}

func (tx *memTx) stagedMarket(id string) (*model.Market, error) {
	if m, ok := tx.markets[id]; ok {
		return m, nil
	}
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	c := m.Clone()
	tx.markets[id] = c
	return c, nil
}

func (tx *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.user(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUserNotFound, id)
	}
	c := *u
	return &c, nil
}

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := tx.market(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrMarketNotFound, id)
	}
	return m.Clone(), nil
}

func (tx *memTx) ListStakes(_ context.Context, f StakeFilter) ([]model.Stake, error) {
	var result []model.Stake
	for _, batch := range [][]model.Stake{tx.s.stakes, tx.stakes} {
		for _, st := range batch {
			if f.MarketID != "" && st.MarketID != f.MarketID {
				continue
			}
			if f.UserID != "" && st.UserID != f.UserID {
				continue
			}
			result = append(result, st)
		}
	}
	return result, nil
}

func (tx *memTx) ListMarkets(_ context.Context, f MarketFilter) ([]model.Market, error) {
	seen := make(map[string]bool)
	var markets []model.Market
	for _, set := range []map[string]*model.Market{tx.markets, tx.s.markets} {
		for id, m := range set {
			if seen[id] {
				continue
			}
			seen[id] = true
			if f.Status != "" && m.Status != f.Status {
				continue
			}
			markets = append(markets, *m.Clone())
		}
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (tx *memTx) ListUsers(_ context.Context) ([]model.User, error) {
	seen := make(map[string]bool)
	var users []model.User
	for _, set := range []map[string]*model.User{tx.users, tx.s.users} {
		for id, u := range set {
			if seen[id] {
				continue
			}
			seen[id] = true
			users = append(users, *u)
		}
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (tx *memTx) CreateUser(_ context.Context, u *model.User) error {
	if _, ok := tx.user(u.ID); ok {
		return fmt.Errorf("%w: user %s", model.ErrDuplicate, u.ID)
	}
	c := *u
	tx.users[u.ID] = &c
	return nil
}

func (tx *memTx) SetUserBalance(_ context.Context, id string, balance int64) error {
	u, err := tx.stagedUser(id)
	if err != nil {
		return err
	}
	u.Balance = balance
	return nil
}

func (tx *memTx) AdjustUserBalance(_ context.Context, id string, delta int64) error {
	u, err := tx.stagedUser(id)
	if err != nil {
		return err
	}
	u.Balance += delta
	return nil
}

func (tx *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.market(m.ID); ok {
		return fmt.Errorf("%w: market %s", model.ErrDuplicate, m.ID)
	}
	tx.markets[m.ID] = m.Clone()
	return nil
}

func (tx *memTx) UpdateMarketStatus(_ context.Context, id string, change model.StatusChange) error {
	m, err := tx.stagedMarket(id)
	if err != nil {
		return err
	}
	m.Status = change.Status
	m.PendingResolutionOutcomeID = change.PendingResolutionOutcomeID
	m.ResolvedOutcomeID = change.ResolvedOutcomeID
	m.PayoutPolicy = change.PayoutPolicy
	m.ResolvedAt = nil
	if change.ResolvedAt != nil {
		t := *change.ResolvedAt
		m.ResolvedAt = &t
	}
	return nil
}

func (tx *memTx) UpdateMarketOutcomes(_ context.Context, id string, outcomes []model.Outcome, totalPoolDelta int64) error {
	m, err := tx.stagedMarket(id)
	if err != nil {
		return err
	}
	m.Outcomes = append([]model.Outcome(nil), outcomes...)
	m.TotalPool += totalPoolDelta
	return nil
}

func (tx *memTx) CreateStake(_ context.Context, st *model.Stake) error {
	if _, ok := tx.market(st.MarketID); !ok {
		return fmt.Errorf("%w: %s", model.ErrMarketNotFound, st.MarketID)
	}
	for _, batch := range [][]model.Stake{tx.s.stakes, tx.stakes} {
		for _, existing := range batch {
			if existing.ID == st.ID {
				return fmt.Errorf("%w: stake %s", model.ErrDuplicate, st.ID)
			}
		}
	}
	tx.stakes = append(tx.stakes, *st)
	return nil
}
