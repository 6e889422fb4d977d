// Package settlement drives markets through their lifecycle against the
// store: creation, closing, resolution with or without moderation, and the
// payout that moves a resolved pool back into user balances.
//
// Every state change runs in one store transaction under the retry policy.
// The duplicate-resolution guard reads the market row inside the same
// transaction that pays out, so a market can never be settled twice.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/atmx/poolbet/internal/market"
	"github.com/atmx/poolbet/internal/metrics"
	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/payout"
	"github.com/atmx/poolbet/internal/retry"
	"github.com/atmx/poolbet/internal/store"
)

// Options configures a Settler.
type Options struct {
	// RequireModeration parks creator resolutions until a moderator approves.
	RequireModeration bool
	// Moderators are user IDs granted moderation regardless of the
	// IsModerator flag on their record.
	Moderators []string
	Retry      retry.Policy
}

// Result describes the effect of a resolution request.
type Result struct {
	Market *model.Market `json:"market"`
	// Pending is true when the resolution awaits a moderator.
	Pending    bool              `json:"pending"`
	Settlement *model.Settlement `json:"settlement,omitempty"`
}

// Settler applies market lifecycle transitions.
type Settler struct {
	store      store.Store
	moderated  bool
	moderators map[string]bool
	retry      retry.Policy
	logger     *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewSettler creates a settler. A nil logger uses slog.Default().
func NewSettler(st store.Store, opts Options, logger *slog.Logger) *Settler {
	if logger == nil {
		logger = slog.Default()
	}
	mods := make(map[string]bool, len(opts.Moderators))
	for _, id := range opts.Moderators {
		mods[id] = true
	}
	return &Settler{
		store:      st,
		moderated:  opts.RequireModeration,
		moderators: mods,
		retry:      opts.Retry,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// RequiresModeration reports whether resolutions wait for a moderator.
func (s *Settler) RequiresModeration() bool { return s.moderated }

// IsModerator reports whether userID may approve or reject resolutions.
func (s *Settler) IsModerator(ctx context.Context, userID string) (bool, error) {
	return s.isModerator(ctx, s.store, userID)
}

func (s *Settler) isModerator(ctx context.Context, r store.Reader, userID string) (bool, error) {
	if userID == "" {
		return false, nil
	}
	if s.moderators[userID] {
		return true, nil
	}
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, model.ErrUserNotFound) {
			return false, nil
		}
		return false, err
	}
	return u.IsModerator, nil
}

func (s *Settler) atomic(ctx context.Context, op string, fn func(ctx context.Context, tx store.Tx) error) error {
	return retry.Do(ctx, s.retry.Observed(s.logger, op), func(ctx context.Context) error {
		return s.store.RunAtomic(ctx, fn)
	})
}

// CreateMarket validates req and persists a new open market owned by actorID.
func (s *Settler) CreateMarket(ctx context.Context, actorID string, req market.NewMarket) (*model.Market, error) {
	m, err := market.Build(req, s.newID(), actorID, s.now())
	if err != nil {
		return nil, err
	}
	err = s.atomic(ctx, "create_market", func(ctx context.Context, tx store.Tx) error {
		if _, err := tx.GetUser(ctx, actorID); err != nil {
			return err
		}
		return tx.CreateMarket(ctx, m)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("market created", "market", m.ID, "creator", actorID, "outcomes", len(m.Outcomes))
	return m, nil
}

// Close stops staking on a market. Only the creator may close it.
func (s *Settler) Close(ctx context.Context, actorID, marketID string) (*model.Market, error) {
	var out *model.Market
	err := s.atomic(ctx, "close_market", func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		change, err := market.Close(m, actorID)
		if err != nil {
			return err
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, change); err != nil {
			return err
		}
		apply(m, change)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("market closed", "market", marketID, "actor", actorID)
	return out, nil
}

// SubmitResolution records the creator's chosen winner. Without moderation the
// market is settled in the same transaction; with moderation it is closed
// and parked until a moderator approves or rejects.
func (s *Settler) SubmitResolution(ctx context.Context, actorID, marketID, outcomeID string) (*Result, error) {
	var res *Result
	err := s.atomic(ctx, "submit_resolution", func(ctx context.Context, tx store.Tx) error {
		res = nil
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		sub, err := market.SubmitResolution(m, actorID, outcomeID, s.moderated)
		if err != nil {
			return err
		}
		if sub.ResolveNow {
			settled, err := s.resolve(ctx, tx, m, sub.OutcomeID)
			if err != nil {
				return err
			}
			res = &Result{Market: m, Settlement: settled}
			return nil
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, sub.Change); err != nil {
			return err
		}
		apply(m, sub.Change)
		res = &Result{Market: m, Pending: true}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.report(res, actorID)
	return res, nil
}

// Approve settles a market on its pending resolution.
func (s *Settler) Approve(ctx context.Context, moderatorID, marketID string) (*Result, error) {
	var res *Result
	err := s.atomic(ctx, "approve_resolution", func(ctx context.Context, tx store.Tx) error {
		res = nil
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		isMod, err := s.isModerator(ctx, tx, moderatorID)
		if err != nil {
			return err
		}
		outcomeID, err := market.Approve(m, isMod)
		if err != nil {
			return err
		}
		settled, err := s.resolve(ctx, tx, m, outcomeID)
		if err != nil {
			return err
		}
		res = &Result{Market: m, Settlement: settled}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.report(res, moderatorID)
	return res, nil
}

// Reject clears a pending resolution. The market stays closed and no coins move.
func (s *Settler) Reject(ctx context.Context, moderatorID, marketID string) (*model.Market, error) {
	var out *model.Market
	err := s.atomic(ctx, "reject_resolution", func(ctx context.Context, tx store.Tx) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return err
		}
		isMod, err := s.isModerator(ctx, tx, moderatorID)
		if err != nil {
			return err
		}
		change, err := market.Reject(m, isMod)
		if err != nil {
			return err
		}
		if err := tx.UpdateMarketStatus(ctx, marketID, change); err != nil {
			return err
		}
		apply(m, change)
		out = m
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("resolution rejected", "market", marketID, "moderator", moderatorID)
	return out, nil
}

// GetMarket returns one market.
func (s *Settler) GetMarket(ctx context.Context, marketID string) (*model.Market, error) {
	return s.store.GetMarket(ctx, marketID)
}

// ListMarkets returns markets matching f.
func (s *Settler) ListMarkets(ctx context.Context, f store.MarketFilter) ([]model.Market, error) {
	return s.store.ListMarkets(ctx, f)
}

// MarketStakes returns the stakes on a market in placement order.
func (s *Settler) MarketStakes(ctx context.Context, marketID string) ([]model.Stake, error) {
	if _, err := s.store.GetMarket(ctx, marketID); err != nil {
		return nil, err
	}
	return s.store.ListStakes(ctx, store.StakeFilter{MarketID: marketID})
}

// ListPending returns closed markets awaiting moderator approval, newest first.
func (s *Settler) ListPending(ctx context.Context) ([]model.Market, error) {
	closed, err := s.store.ListMarkets(ctx, store.MarketFilter{Status: model.StatusClosed})
	if err != nil {
		return nil, err
	}
	var pending []model.Market
	for _, m := range closed {
		if m.PendingResolutionOutcomeID != "" {
			pending = append(pending, m)
		}
	}
	metrics.PendingResolutions.Set(float64(len(pending)))
	return pending, nil
}

// resolve pays out m on outcomeID and marks it resolved. The caller holds m
// as read inside tx, so the status check below is the duplicate guard.
func (s *Settler) resolve(ctx context.Context, tx store.Tx, m *model.Market, outcomeID string) (*model.Settlement, error) {
	if m.Status == model.StatusResolved {
		return nil, fmt.Errorf("%w: %s", model.ErrAlreadyResolved, m.ID)
	}
	stakes, err := tx.ListStakes(ctx, store.StakeFilter{MarketID: m.ID})
	if err != nil {
		return nil, err
	}
	settled, err := Distribute(m, outcomeID, stakes)
	if err != nil {
		return nil, err
	}
	if settled.Pool != m.TotalPool {
		s.logger.Warn("market pool disagrees with its stakes, settling on stakes",
			"market", m.ID, "recorded_pool", m.TotalPool, "stake_pool", settled.Pool)
	}

	// Credit in user ID order so concurrent settlements lock rows consistently.
	byUser := settled.ByUser()
	users := make([]string, 0, len(byUser))
	for id := range byUser {
		users = append(users, id)
	}
	sort.Strings(users)
	for _, id := range users {
		if err := tx.AdjustUserBalance(ctx, id, byUser[id]); err != nil {
			return nil, err
		}
	}

	change := market.Resolved(outcomeID, payout.PolicyVersion, s.now())
	if err := tx.UpdateMarketStatus(ctx, m.ID, change); err != nil {
		return nil, err
	}
	apply(m, change)
	return &settled, nil
}

func (s *Settler) report(res *Result, actorID string) {
	if res.Pending {
		s.logger.Info("resolution pending moderation",
			"market", res.Market.ID, "outcome", res.Market.PendingResolutionOutcomeID, "actor", actorID)
		return
	}
	st := res.Settlement
	metrics.ResolutionsTotal.WithLabelValues(string(st.Kind)).Inc()
	metrics.CoinsPaidOut.Add(float64(st.Total()))
	s.logger.Info("market resolved",
		"market", st.MarketID, "outcome", st.OutcomeID, "kind", st.Kind,
		"pool", st.Pool, "credits", len(st.Credits), "actor", actorID)
}

func apply(m *model.Market, c model.StatusChange) {
	m.Status = c.Status
	m.PendingResolutionOutcomeID = c.PendingResolutionOutcomeID
	m.ResolvedOutcomeID = c.ResolvedOutcomeID
	m.PayoutPolicy = c.PayoutPolicy
	m.ResolvedAt = c.ResolvedAt
}
