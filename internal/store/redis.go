package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/poolbet/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL or SQLite) with a Redis
// read-through cache for single users and markets. Transactions always run
// against the primary; keys for every row written in a committed
// transaction are deleted afterwards so the next read repopulates them.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	var touched []string
	err := s.primary.RunAtomic(ctx, func(ctx context.Context, tx Tx) error {
		// Reset on every attempt so a rolled-back body leaves no stale keys.
		rec := &recordingTx{Tx: tx}
		if err := fn(ctx, rec); err != nil {
			return err
		}
		touched = rec.keys
		return nil
	})
	if err != nil {
		return err
	}
	if len(touched) > 0 {
		if err := s.rdb.Del(ctx, touched...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", touched, "error", err)
		}
	}
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	if s.load(ctx, userKey(id), &u) {
		return &u, nil
	}
	fresh, err := s.primary.GetUser(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, userKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.load(ctx, marketKey(id), &m) {
		return &m, nil
	}
	fresh, err := s.primary.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, marketKey(id), fresh)
	return fresh, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListStakes(ctx context.Context, f StakeFilter) ([]model.Stake, error) {
	return s.primary.ListStakes(ctx, f)
}

func (s *CachedStore) ListMarkets(ctx context.Context, f MarketFilter) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx, f)
}

func (s *CachedStore) ListUsers(ctx context.Context) ([]model.User, error) {
	return s.primary.ListUsers(ctx)
}

// --- Cache helpers ---

func (s *CachedStore) load(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) store(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func userKey(id string) string   { return fmt.Sprintf("user:%s", id) }
func marketKey(id string) string { return fmt.Sprintf("market:%s", id) }

// recordingTx notes the cache keys of every row written through it.
type recordingTx struct {
	Tx
	keys []string
}

func (t *recordingTx) CreateUser(ctx context.Context, u *model.User) error {
	t.keys = append(t.keys, userKey(u.ID))
	return t.Tx.CreateUser(ctx, u)
}

func (t *recordingTx) SetUserBalance(ctx context.Context, id string, balance int64) error {
	t.keys = append(t.keys, userKey(id))
	return t.Tx.SetUserBalance(ctx, id, balance)
}

func (t *recordingTx) AdjustUserBalance(ctx context.Context, id string, delta int64) error {
	t.keys = append(t.keys, userKey(id))
	return t.Tx.AdjustUserBalance(ctx, id, delta)
}

func (t *recordingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.keys = append(t.keys, marketKey(m.ID))
	return t.Tx.CreateMarket(ctx, m)
}

func (t *recordingTx) UpdateMarketStatus(ctx context.Context, id string, c model.StatusChange) error {
	t.keys = append(t.keys, marketKey(id))
	return t.Tx.UpdateMarketStatus(ctx, id, c)
}

func (t *recordingTx) UpdateMarketOutcomes(ctx context.Context, id string, outcomes []model.Outcome, totalPoolDelta int64) error {
	t.keys = append(t.keys, marketKey(id))
	return t.Tx.UpdateMarketOutcomes(ctx, id, outcomes, totalPoolDelta)
}
