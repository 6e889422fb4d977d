// Package account manages user records and the per-user portfolio view.
package account

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/retry"
	"github.com/atmx/poolbet/internal/settlement"
	"github.com/atmx/poolbet/internal/store"
)

const defaultDisplayName = "Anonymous"

// Service creates users on first sight and answers portfolio queries.
type Service struct {
	store           store.Store
	startingBalance int64
	retry           retry.Policy
	logger          *slog.Logger
	now             func() time.Time
}

// NewService creates an account service. startingBalance <= 0 uses
// model.StartingBalance. A nil logger uses slog.Default().
func NewService(st store.Store, startingBalance int64, policy retry.Policy, logger *slog.Logger) *Service {
	if startingBalance <= 0 {
		startingBalance = model.StartingBalance
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:           st,
		startingBalance: startingBalance,
		retry:           policy,
		logger:          logger,
		now:             func() time.Time { return time.Now().UTC() },
	}
}

// Ensure returns the user with id, creating it with the starting balance if
// it does not exist yet. created reports whether this call created it.
func (s *Service) Ensure(ctx context.Context, id, displayName string) (u *model.User, created bool, err error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, false, fmt.Errorf("%w: user id is required", model.ErrValidation)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = defaultDisplayName
	}

	err = retry.Do(ctx, s.retry.Observed(s.logger, "ensure_user"), func(ctx context.Context) error {
		return s.store.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
			existing, err := tx.GetUser(ctx, id)
			if err == nil {
				u, created = existing, false
				return nil
			}
			if !errors.Is(err, model.ErrUserNotFound) {
				return err
			}
			fresh := &model.User{
				ID:          id,
				DisplayName: displayName,
				Balance:     s.startingBalance,
				CreatedAt:   s.now(),
			}
			if err := tx.CreateUser(ctx, fresh); err != nil {
				return err
			}
			u, created = fresh, true
			return nil
		})
	})
	if errors.Is(err, model.ErrDuplicate) {
		// Lost a race with a concurrent first login.
		u, err = s.store.GetUser(ctx, id)
		return u, false, err
	}
	if err != nil {
		return nil, false, err
	}
	if created {
		s.logger.Info("user created", "user", id, "balance", u.Balance)
	}
	return u, created, nil
}

// Get returns a user record.
func (s *Service) Get(ctx context.Context, id string) (*model.User, error) {
	return s.store.GetUser(ctx, id)
}

// Stake result labels in a portfolio.
const (
	ResultPending  = "pending"
	ResultWon      = "won"
	ResultLost     = "lost"
	ResultRefunded = "refunded"
)

// Position is one of the user's stakes with the state of its market.
type Position struct {
	model.Stake
	MarketTitle  string       `json:"market_title"`
	MarketStatus model.Status `json:"market_status"`
	OutcomeLabel string       `json:"outcome_label"`
	Result       string       `json:"result"`
	// Winnings is what the stake returned on resolution, stake included.
	Winnings int64 `json:"winnings"`
}

// Portfolio summarises a user's activity.
type Portfolio struct {
	User           model.User `json:"user"`
	Positions      []Position `json:"positions"`
	TotalStaked    int64      `json:"total_staked"`
	TotalWinnings  int64      `json:"total_winnings"`
	Wins           int        `json:"wins"`
	Losses         int        `json:"losses"`
	WinRate        int        `json:"win_rate"`
	MarketsCreated int        `json:"markets_created"`
}

// Portfolio returns every stake the user placed, newest first, with the
// outcome of each resolved market.
func (s *Service) Portfolio(ctx context.Context, userID string) (*Portfolio, error) {
	var (
		user    *model.User
		stakes  []model.Stake
		markets []model.Market
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		user, err = s.store.GetUser(gctx, userID)
		return err
	})
	g.Go(func() (err error) {
		stakes, err = s.store.ListStakes(gctx, store.StakeFilter{UserID: userID})
		return err
	})
	g.Go(func() (err error) {
		markets, err = s.store.ListMarkets(gctx, store.MarketFilter{})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byID := make(map[string]*model.Market, len(markets))
	p := &Portfolio{User: *user}
	for i := range markets {
		byID[markets[i].ID] = &markets[i]
		if markets[i].CreatorID == userID {
			p.MarketsCreated++
		}
	}

	// Credits per stake, computed once per resolved market.
	credits := make(map[string]int64)
	kinds := make(map[string]model.SettlementKind)
	for _, st := range stakes {
		m, ok := byID[st.MarketID]
		if !ok || m.Status != model.StatusResolved {
			continue
		}
		if _, done := kinds[m.ID]; done {
			continue
		}
		all, err := s.store.ListStakes(ctx, store.StakeFilter{MarketID: m.ID})
		if err != nil {
			return nil, err
		}
		settled, err := settlement.Distribute(m, m.ResolvedOutcomeID, all)
		if err != nil {
			return nil, err
		}
		kinds[m.ID] = settled.Kind
		for _, c := range settled.Credits {
			credits[c.StakeID] = c.Amount
		}
	}

	for _, st := range stakes {
		pos := Position{Stake: st, Result: ResultPending}
		p.TotalStaked += st.Amount
		if m, ok := byID[st.MarketID]; ok {
			pos.MarketTitle = m.Title
			pos.MarketStatus = m.Status
			if o, ok := m.Outcome(st.OutcomeID); ok {
				pos.OutcomeLabel = o.Label
			}
			if m.Status == model.StatusResolved {
				pos.Winnings = credits[st.ID]
				switch {
				case kinds[m.ID] == model.SettlementRefund:
					pos.Result = ResultRefunded
				case m.ResolvedOutcomeID == st.OutcomeID:
					pos.Result = ResultWon
					p.Wins++
				default:
					pos.Result = ResultLost
					p.Losses++
				}
				p.TotalWinnings += pos.Winnings
			}
		}
		p.Positions = append(p.Positions, pos)
	}
	if decided := p.Wins + p.Losses; decided > 0 {
		p.WinRate = (p.Wins*100 + decided/2) / decided
	}

	sort.SliceStable(p.Positions, func(i, j int) bool {
		return p.Positions[i].CreatedAt.After(p.Positions[j].CreatedAt)
	})
	return p, nil
}
