// Package audit reconciles user balances against the ledger. The ledger is
// the immutable stake log plus the payouts that each resolved market's stake
// set produces; a user's correct balance is
//
//	startingBalance - Σ own stakes + Σ own credits from resolved markets
//
// Reconciliation detects drift left by partial failures and, on request,
// overwrites drifting balances with the ledger value. Applying is idempotent:
// a second run after a successful apply finds nothing to correct.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/atmx/poolbet/internal/lock"
	"github.com/atmx/poolbet/internal/metrics"
	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/payout"
	"github.com/atmx/poolbet/internal/retry"
	"github.com/atmx/poolbet/internal/settlement"
	"github.com/atmx/poolbet/internal/store"
)

const lockKey = "reconciliation"

// Archiver stores a copy of each computed report.
type Archiver interface {
	Archive(ctx context.Context, r *Report) error
}

// PolicyMismatch is a resolved market settled under a different payout
// policy than the one reconciliation recomputes with. Legacy markets with no
// recorded policy are listed too.
type PolicyMismatch struct {
	MarketID string `json:"market_id"`
	Title    string `json:"title"`
	Policy   string `json:"policy"`
}

// Report is the result of one reconciliation pass.
type Report struct {
	GeneratedAt   time.Time `json:"generated_at"`
	PolicyVersion string    `json:"policy_version"`

	// Corrections holds one entry per user, worst drift first.
	Corrections      []model.Correction `json:"corrections"`
	PolicyMismatches []PolicyMismatch   `json:"policy_mismatches,omitempty"`

	// TotalDrift is Σ |difference| over all users.
	TotalDrift    int64 `json:"total_drift"`
	DriftingUsers int   `json:"drifting_users"`

	// Applied is the number of balances overwritten; zero for a dry run.
	Applied int  `json:"applied"`
	Forced  bool `json:"forced,omitempty"`
}

// Drifting returns only the corrections with a non-zero difference.
func (r *Report) Drifting() []model.Correction {
	var out []model.Correction
	for _, c := range r.Corrections {
		if c.Difference != 0 {
			out = append(out, c)
		}
	}
	return out
}

// Options configures an Auditor.
type Options struct {
	StartingBalance int64
	Retry           retry.Policy
	// Locker serialises apply runs. Nil uses an in-process lock.
	Locker  lock.Locker
	LockTTL time.Duration
	// Archiver, if set, receives every report.
	Archiver Archiver
}

// ApplyOptions controls ApplyCorrections.
type ApplyOptions struct {
	// Force applies corrections even when resolved markets were settled under
	// a different payout policy.
	Force bool
}

// Auditor computes and applies balance corrections.
type Auditor struct {
	store    store.Store
	starting int64
	retry    retry.Policy
	locker   lock.Locker
	lockTTL  time.Duration
	archiver Archiver
	logger   *slog.Logger
	now      func() time.Time
}

// NewAuditor creates an auditor. A nil logger uses slog.Default().
func NewAuditor(st store.Store, opts Options, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.StartingBalance <= 0 {
		opts.StartingBalance = model.StartingBalance
	}
	if opts.Locker == nil {
		opts.Locker = lock.NewLocal()
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &Auditor{
		store:    st,
		starting: opts.StartingBalance,
		retry:    opts.Retry,
		locker:   opts.Locker,
		lockTTL:  opts.LockTTL,
		archiver: opts.Archiver,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// ComputeCorrections recomputes every user's balance from the ledger and
// compares it with the stored balance. Nothing is written.
func (a *Auditor) ComputeCorrections(ctx context.Context) (*Report, error) {
	snap, err := loadConcurrently(ctx, a.store)
	if err != nil {
		return nil, err
	}
	r, err := a.compute(snap)
	if err != nil {
		return nil, err
	}
	a.observe(r)
	a.logger.Info("reconciliation computed",
		"users", len(r.Corrections), "drifting", r.DriftingUsers, "total_drift", r.TotalDrift,
		"policy_mismatches", len(r.PolicyMismatches))
	a.archive(ctx, r)
	return r, nil
}

// ApplyCorrections recomputes and overwrites every drifting balance in one
// transaction, so no stake can land between the computation and the write.
// It refuses with model.ErrPolicyMismatch when resolved markets were settled
// under another payout policy, unless opts.Force is set.
func (a *Auditor) ApplyCorrections(ctx context.Context, opts ApplyOptions) (*Report, error) {
	unlock, err := a.locker.Acquire(ctx, lockKey, a.lockTTL)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var report *Report
	err = retry.Do(ctx, a.retry.Observed(a.logger, "apply_corrections"), func(ctx context.Context) error {
		return a.store.RunAtomic(ctx, func(ctx context.Context, tx store.Tx) error {
			report = nil
			// A transaction handle is not safe for concurrent queries.
			snap, err := loadSequentially(ctx, tx)
			if err != nil {
				return err
			}
			r, err := a.compute(snap)
			if err != nil {
				return err
			}
			if len(r.PolicyMismatches) > 0 && !opts.Force {
				return fmt.Errorf("%w: %d market(s), first %s settled under %q",
					model.ErrPolicyMismatch, len(r.PolicyMismatches),
					r.PolicyMismatches[0].MarketID, r.PolicyMismatches[0].Policy)
			}
			for _, c := range r.Corrections {
				if c.Difference == 0 {
					continue
				}
				if err := tx.SetUserBalance(ctx, c.UserID, c.CorrectBalance); err != nil {
					return err
				}
				r.Applied++
			}
			r.Forced = opts.Force && len(r.PolicyMismatches) > 0
			report = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	metrics.CorrectionsApplied.Add(float64(report.Applied))
	metrics.LedgerDrift.Set(0)
	metrics.DriftingUsers.Set(0)
	a.logger.Info("reconciliation applied",
		"applied", report.Applied, "total_drift", report.TotalDrift, "forced", report.Forced)
	a.archive(ctx, report)
	return report, nil
}

// snapshot is everything reconciliation reads.
type snapshot struct {
	users    []model.User
	stakes   []model.Stake
	resolved []model.Market
}

func loadConcurrently(ctx context.Context, r store.Reader) (*snapshot, error) {
	var snap snapshot
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		snap.users, err = r.ListUsers(gctx)
		return err
	})
	g.Go(func() (err error) {
		snap.stakes, err = r.ListStakes(gctx, store.StakeFilter{})
		return err
	})
	g.Go(func() (err error) {
		snap.resolved, err = r.ListMarkets(gctx, store.MarketFilter{Status: model.StatusResolved})
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("load ledger: %w", err)
	}
	return &snap, nil
}

func loadSequentially(ctx context.Context, r store.Reader) (*snapshot, error) {
	var (
		snap snapshot
		err  error
	)
	if snap.users, err = r.ListUsers(ctx); err != nil {
		return nil, fmt.Errorf("load users: %w", err)
	}
	if snap.stakes, err = r.ListStakes(ctx, store.StakeFilter{}); err != nil {
		return nil, fmt.Errorf("load stakes: %w", err)
	}
	if snap.resolved, err = r.ListMarkets(ctx, store.MarketFilter{Status: model.StatusResolved}); err != nil {
		return nil, fmt.Errorf("load markets: %w", err)
	}
	return &snap, nil
}

func (a *Auditor) compute(snap *snapshot) (*Report, error) {
	r := &Report{GeneratedAt: a.now(), PolicyVersion: payout.PolicyVersion}

	byMarket := make(map[string][]model.Stake)
	staked := make(map[string]int64)
	for _, st := range snap.stakes {
		byMarket[st.MarketID] = append(byMarket[st.MarketID], st)
		staked[st.UserID] += st.Amount
	}

	winnings := make(map[string]int64)
	for i := range snap.resolved {
		m := &snap.resolved[i]
		if m.PayoutPolicy != payout.PolicyVersion {
			r.PolicyMismatches = append(r.PolicyMismatches, PolicyMismatch{
				MarketID: m.ID, Title: m.Title, Policy: m.PayoutPolicy,
			})
		}
		settled, err := settlement.Distribute(m, m.ResolvedOutcomeID, byMarket[m.ID])
		if err != nil {
			return nil, fmt.Errorf("recompute market %s: %w", m.ID, err)
		}
		for user, amount := range settled.ByUser() {
			winnings[user] += amount
		}
	}

	r.Corrections = make([]model.Correction, 0, len(snap.users))
	for _, u := range snap.users {
		correct := a.starting - staked[u.ID] + winnings[u.ID]
		c := model.Correction{
			UserID:         u.ID,
			DisplayName:    u.DisplayName,
			CurrentBalance: u.Balance,
			CorrectBalance: correct,
			Difference:     correct - u.Balance,
			TotalStaked:    staked[u.ID],
			TotalWinnings:  winnings[u.ID],
		}
		if c.Difference != 0 {
			r.DriftingUsers++
			r.TotalDrift += abs(c.Difference)
		}
		r.Corrections = append(r.Corrections, c)
	}
	sort.SliceStable(r.Corrections, func(i, j int) bool {
		di, dj := abs(r.Corrections[i].Difference), abs(r.Corrections[j].Difference)
		if di != dj {
			return di > dj
		}
		return r.Corrections[i].UserID < r.Corrections[j].UserID
	})
	return r, nil
}

func (a *Auditor) observe(r *Report) {
	metrics.LedgerDrift.Set(float64(r.TotalDrift))
	metrics.DriftingUsers.Set(float64(r.DriftingUsers))
}

func (a *Auditor) archive(ctx context.Context, r *Report) {
	if a.archiver == nil {
		return
	}
	if err := a.archiver.Archive(ctx, r); err != nil {
		a.logger.Warn("report archive failed", "err", err)
	}
}

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
