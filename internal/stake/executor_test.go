package stake

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/retry"
	"github.com/atmx/poolbet/internal/store"
)

var (
	now       = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	fastRetry = retry.Policy{MaxAttempts: 5, BaseDelay: time.Microsecond, MaxDelay: 10 * time.Microsecond}
)

func newTestExecutor(t *testing.T, st store.Store) *Executor {
	t.Helper()
	e := NewExecutor(st, fastRetry, nil)
	e.now = func() time.Time { return now }
	return e
}

func seed(t *testing.T, st store.Store) {
	t.Helper()
	err := st.RunAtomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, id := range []string{"alice", "bob"} {
			if err := tx.CreateUser(ctx, &model.User{ID: id, Balance: model.StartingBalance, CreatedAt: now}); err != nil {
				return err
			}
		}
		return tx.CreateMarket(ctx, &model.Market{
			ID:        "m1",
			Title:     "Will it rain?",
			CreatorID: "alice",
			Outcomes: []model.Outcome{
				{ID: "outcome-0", Label: "Yes"},
				{ID: "outcome-1", Label: "No"},
			},
			Status:    model.StatusOpen,
			Deadline:  now.Add(time.Hour),
			CreatedAt: now,
		})
	})
	require.NoError(t, err)
}

// assertConsistent checks that the market's pool, outcome totals and stake
// log agree.
func assertConsistent(t *testing.T, st store.Store, marketID string) {
	t.Helper()
	ctx := context.Background()
	m, err := st.GetMarket(ctx, marketID)
	require.NoError(t, err)
	stakes, err := st.ListStakes(ctx, store.StakeFilter{MarketID: marketID})
	require.NoError(t, err)

	var outcomeSum, stakeSum int64
	for _, o := range m.Outcomes {
		outcomeSum += o.TotalBets
	}
	for _, s := range stakes {
		stakeSum += s.Amount
	}
	assert.Equal(t, m.TotalPool, outcomeSum, "pool must equal sum of outcome totals")
	assert.Equal(t, m.TotalPool, stakeSum, "pool must equal sum of stakes")
}

func balance(t *testing.T, st store.Store, id string) int64 {
	t.Helper()
	u, err := st.GetUser(context.Background(), id)
	require.NoError(t, err)
	return u.Balance
}

func TestPlaceStake(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	e := newTestExecutor(t, ms)

	st, err := e.PlaceStake(context.Background(), "bob", "m1", "outcome-1", 250)
	require.NoError(t, err)
	assert.NotEmpty(t, st.ID)
	assert.Equal(t, int64(250), st.Amount)
	assert.Equal(t, now, st.CreatedAt)

	assert.Equal(t, int64(750), balance(t, ms, "bob"))
	m, err := ms.GetMarket(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(250), m.TotalPool)
	assert.Equal(t, int64(250), m.Outcomes[1].TotalBets)
	assertConsistent(t, ms, "m1")
}

func TestPlaceStake_WholeBalance(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	e := newTestExecutor(t, ms)

	_, err := e.PlaceStake(context.Background(), "bob", "m1", "outcome-0", model.StartingBalance)
	require.NoError(t, err)
	assert.Zero(t, balance(t, ms, "bob"))
}

func TestPlaceStake_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		user    string
		market  string
		outcome string
		amount  int64
		mutate  func(t *testing.T, st store.Store, e *Executor)
		want    error
	}{
		{name: "zero amount", user: "bob", market: "m1", outcome: "outcome-0", amount: 0, want: model.ErrInvalidAmount},
		{name: "negative amount", user: "bob", market: "m1", outcome: "outcome-0", amount: -5, want: model.ErrInvalidAmount},
		{name: "unknown market", user: "bob", market: "nope", outcome: "outcome-0", amount: 10, want: model.ErrMarketNotFound},
		{name: "unknown user", user: "ghost", market: "m1", outcome: "outcome-0", amount: 10, want: model.ErrUserNotFound},
		{name: "unknown outcome", user: "bob", market: "m1", outcome: "outcome-5", amount: 10, want: model.ErrUnknownOutcome},
		{name: "insufficient funds", user: "bob", market: "m1", outcome: "outcome-0", amount: 1001, want: model.ErrInsufficientFunds},
		{name: "deadline passed", user: "bob", market: "m1", outcome: "outcome-0", amount: 10,
			mutate: func(t *testing.T, st store.Store, e *Executor) {
				e.now = func() time.Time { return now.Add(2 * time.Hour) }
			},
			want: model.ErrMarketNotOpen},
		{name: "closed market", user: "bob", market: "m1", outcome: "outcome-0", amount: 10,
			mutate: func(t *testing.T, st store.Store, e *Executor) {
				require.NoError(t, st.RunAtomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
					return tx.UpdateMarketStatus(ctx, "m1", model.StatusChange{Status: model.StatusClosed})
				}))
			},
			want: model.ErrMarketNotOpen},
		{name: "pending resolution", user: "bob", market: "m1", outcome: "outcome-0", amount: 10,
			mutate: func(t *testing.T, st store.Store, e *Executor) {
				require.NoError(t, st.RunAtomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
					return tx.UpdateMarketStatus(ctx, "m1", model.StatusChange{Status: model.StatusClosed, PendingResolutionOutcomeID: "outcome-0"})
				}))
			},
			want: model.ErrMarketNotOpen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ms := store.NewMemoryStore()
			seed(t, ms)
			e := newTestExecutor(t, ms)
			if tt.mutate != nil {
				tt.mutate(t, ms, e)
			}

			_, err := e.PlaceStake(context.Background(), tt.user, tt.market, tt.outcome, tt.amount)
			assert.ErrorIs(t, err, tt.want)

			assert.Equal(t, model.StartingBalance, balance(t, ms, "bob"), "rejected stake must not move coins")
			stakes, err := ms.ListStakes(context.Background(), store.StakeFilter{})
			require.NoError(t, err)
			assert.Empty(t, stakes)
			assertConsistent(t, ms, "m1")
		})
	}
}

func TestPlaceStake_ValidationErrorsAreNotRetried(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	counting := &countingStore{Store: ms}
	e := newTestExecutor(t, counting)

	_, err := e.PlaceStake(context.Background(), "bob", "m1", "outcome-9", 10)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, 1, counting.calls)

	_, err = e.PlaceStake(context.Background(), "bob", "m1", "outcome-0", 0)
	assert.ErrorIs(t, err, model.ErrValidation)
	assert.Equal(t, 1, counting.calls, "amount validation happens before any store access")
}

type countingStore struct {
	store.Store
	calls int
}

func (c *countingStore) RunAtomic(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	c.calls++
	return c.Store.RunAtomic(ctx, fn)
}

// runNoOverdraft fires more concurrent stakes than one balance can cover and
// checks that exactly the affordable number succeed.
func runNoOverdraft(t *testing.T, st store.Store) {
	seed(t, st)
	e := newTestExecutor(t, st)

	const (
		attempts = 25
		amount   = 100
	)
	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		ok, rejected int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcome := "outcome-0"
			if i%2 == 1 {
				outcome = "outcome-1"
			}
			_, err := e.PlaceStake(context.Background(), "bob", "m1", outcome, amount)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, model.ErrInsufficientFunds):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int(model.StartingBalance/amount), ok)
	assert.Equal(t, attempts-ok, rejected)
	assert.Zero(t, balance(t, st, "bob"))
	assertConsistent(t, st, "m1")
}

func TestPlaceStake_NoOverdraftUnderConcurrency(t *testing.T) {
	runNoOverdraft(t, store.NewMemoryStore())
}

func TestPlaceStake_NoOverdraftUnderConcurrency_SQLite(t *testing.T) {
	s, err := store.OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "stake.db"))
	require.NoError(t, err)
	defer s.Close()
	runNoOverdraft(t, s)
}

// --- Preview ---

func TestPreview(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	e := newTestExecutor(t, ms)
	_, err := e.PlaceStake(context.Background(), "alice", "m1", "outcome-1", 700)
	require.NoError(t, err)
	_, err = e.PlaceStake(context.Background(), "bob", "m1", "outcome-0", 200)
	require.NoError(t, err)

	q, err := e.Preview(context.Background(), "m1", "outcome-0", 100)
	require.NoError(t, err)
	// Pool 1000, winning side 300: the preview stake gets 100 + floor(700*100/300).
	assert.Equal(t, int64(1000), q.Pool)
	assert.Equal(t, int64(333), q.Payout)
	assert.Equal(t, int64(233), q.Profit)

	stakes, err := ms.ListStakes(context.Background(), store.StakeFilter{MarketID: "m1"})
	require.NoError(t, err)
	assert.Len(t, stakes, 2, "preview must not write")
}

func TestPreview_Errors(t *testing.T) {
	ms := store.NewMemoryStore()
	seed(t, ms)
	e := newTestExecutor(t, ms)

	_, err := e.Preview(context.Background(), "m1", "outcome-0", 0)
	assert.ErrorIs(t, err, model.ErrInvalidAmount)
	_, err = e.Preview(context.Background(), "m1", "nope", 10)
	assert.ErrorIs(t, err, model.ErrUnknownOutcome)
	_, err = e.Preview(context.Background(), "missing", "outcome-0", 10)
	assert.ErrorIs(t, err, model.ErrMarketNotFound)
}

func TestResultLabels(t *testing.T) {
	assert.Equal(t, "ok", result(nil))
	assert.Equal(t, "insufficient_funds", result(model.ErrInsufficientFunds))
	assert.Equal(t, "invalid_amount", result(model.ErrInvalidAmount))
	assert.Equal(t, "not_found", result(model.ErrUserNotFound))
}
