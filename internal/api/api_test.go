package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/atmx/poolbet/internal/account"
	"github.com/atmx/poolbet/internal/api"
	"github.com/atmx/poolbet/internal/audit"
	"github.com/atmx/poolbet/internal/market"
	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/retry"
	"github.com/atmx/poolbet/internal/settlement"
	"github.com/atmx/poolbet/internal/stake"
	"github.com/atmx/poolbet/internal/store"
)

var fastRetry = retry.Policy{MaxAttempts: 3, BaseDelay: time.Microsecond, MaxDelay: time.Microsecond}

// newTestEnv creates the full handler stack over an in-memory store.
func newTestEnv(t *testing.T, moderated bool) (*store.MemoryStore, http.Handler) {
	t.Helper()
	ms := store.NewMemoryStore()
	settler := settlement.NewSettler(ms, settlement.Options{
		RequireModeration: moderated,
		Moderators:        []string{"root"},
		Retry:             fastRetry,
	}, nil)
	h := api.NewHandler(api.Deps{
		Accounts: account.NewService(ms, 0, fastRetry, nil),
		Stakes:   stake.NewExecutor(ms, fastRetry, nil),
		Settler:  settler,
		Auditor:  audit.NewAuditor(ms, audit.Options{Retry: fastRetry}, nil),
	})
	return ms, api.NewRouter(h, api.RouterOptions{})
}

func do(t *testing.T, router http.Handler, method, path, actor string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if actor != "" {
		req.Header.Set(api.ActorHeader, actor)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func decodeInto(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decode response: %v (%s)", err, w.Body.String())
	}
}

func login(t *testing.T, router http.Handler, ids ...string) {
	t.Helper()
	for _, id := range ids {
		expect(t, do(t, router, "POST", "/api/v1/users", id, api.EnsureUserRequest{DisplayName: id}), http.StatusCreated)
	}
}

func createMarket(t *testing.T, router http.Handler, creator string) api.MarketView {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/markets", creator, market.NewMarket{
		Title:    "Will it rain tomorrow?",
		Outcomes: []string{"Yes", "No"},
		Deadline: time.Now().Add(time.Hour),
	})
	expect(t, w, http.StatusCreated)
	var v api.MarketView
	decodeInto(t, w, &v)
	return v
}

func placeStake(t *testing.T, router http.Handler, user, marketID, outcome string, amount int64) *httptest.ResponseRecorder {
	t.Helper()
	return do(t, router, "POST", "/api/v1/markets/"+marketID+"/stakes", user,
		api.PlaceStakeRequest{OutcomeID: outcome, Amount: amount})
}

func userBalance(t *testing.T, router http.Handler, id string) int64 {
	t.Helper()
	w := do(t, router, "GET", "/api/v1/users/"+id, "", nil)
	expect(t, w, http.StatusOK)
	var u model.User
	decodeInto(t, w, &u)
	return u.Balance
}

// --- Health ---

func TestHealth(t *testing.T) {
	_, router := newTestEnv(t, false)
	w := do(t, router, "GET", "/health", "", nil)
	expect(t, w, http.StatusOK)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"status":"ok"`)) {
		t.Errorf("unexpected health body %s", w.Body.String())
	}
}

// --- Users ---

func TestEnsureUser(t *testing.T) {
	_, router := newTestEnv(t, false)

	w := do(t, router, "POST", "/api/v1/users", "alice", api.EnsureUserRequest{DisplayName: "Alice"})
	expect(t, w, http.StatusCreated)
	var resp api.EnsureUserResponse
	decodeInto(t, w, &resp)
	if !resp.Created || resp.User.Balance != model.StartingBalance || resp.User.DisplayName != "Alice" {
		t.Errorf("unexpected first login response %+v", resp.User)
	}

	// Second login without a body returns the stored record.
	w = do(t, router, "POST", "/api/v1/users", "alice", nil)
	expect(t, w, http.StatusOK)
	decodeInto(t, w, &resp)
	if resp.Created {
		t.Error("second login must not create")
	}
}

func TestEnsureUser_RequiresActor(t *testing.T) {
	_, router := newTestEnv(t, false)
	expect(t, do(t, router, "POST", "/api/v1/users", "", nil), http.StatusUnauthorized)
}

func TestGetUser_NotFound(t *testing.T) {
	_, router := newTestEnv(t, false)
	expect(t, do(t, router, "GET", "/api/v1/users/ghost", "", nil), http.StatusNotFound)
}

// --- Stake and resolution ---

func TestStakeAndResolve(t *testing.T) {
	_, router := newTestEnv(t, false)
	login(t, router, "alice", "bob", "carol")
	m := createMarket(t, router, "alice")
	if m.EffectiveStatus != model.StatusOpen || len(m.ImpliedShares) != 2 {
		t.Fatalf("unexpected new market view %+v", m)
	}

	expect(t, placeStake(t, router, "bob", m.ID, "outcome-0", 100), http.StatusCreated)
	expect(t, placeStake(t, router, "carol", m.ID, "outcome-1", 300), http.StatusCreated)

	w := do(t, router, "GET", "/api/v1/markets/"+m.ID, "", nil)
	expect(t, w, http.StatusOK)
	var got api.MarketView
	decodeInto(t, w, &got)
	if got.TotalPool != 400 {
		t.Errorf("pool = %d, want 400", got.TotalPool)
	}
	if got.ImpliedShares[0].Percent.String() != "25" {
		t.Errorf("yes share = %s, want 25", got.ImpliedShares[0].Percent)
	}

	w = do(t, router, "GET", "/api/v1/markets/"+m.ID+"/stakes", "", nil)
	expect(t, w, http.StatusOK)
	var stakes []model.Stake
	decodeInto(t, w, &stakes)
	if len(stakes) != 2 {
		t.Fatalf("expected 2 stakes, got %d", len(stakes))
	}

	w = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution", "alice", api.ResolutionRequest{OutcomeID: "outcome-0"})
	expect(t, w, http.StatusOK)
	var res settlement.Result
	decodeInto(t, w, &res)
	if res.Pending || res.Settlement == nil || res.Settlement.Kind != model.SettlementPayout {
		t.Fatalf("unexpected resolution result %+v", res)
	}

	if b := userBalance(t, router, "bob"); b != 1300 {
		t.Errorf("bob balance = %d, want 1300", b)
	}
	if b := userBalance(t, router, "carol"); b != 700 {
		t.Errorf("carol balance = %d, want 700", b)
	}

	// A second resolution is refused and moves nothing.
	w = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution", "alice", api.ResolutionRequest{OutcomeID: "outcome-1"})
	expect(t, w, http.StatusConflict)
	if b := userBalance(t, router, "bob"); b != 1300 {
		t.Errorf("bob balance moved to %d after duplicate resolution", b)
	}

	w = do(t, router, "GET", "/api/v1/users/bob/portfolio", "", nil)
	expect(t, w, http.StatusOK)
	var p account.Portfolio
	decodeInto(t, w, &p)
	if p.Wins != 1 || p.TotalWinnings != 400 || len(p.Positions) != 1 {
		t.Errorf("unexpected portfolio %+v", p)
	}
}

func TestPlaceStake_Errors(t *testing.T) {
	tests := []struct {
		name    string
		market  string
		outcome string
		amount  int64
		want    int
	}{
		{"zero amount", "", "outcome-0", 0, http.StatusBadRequest},
		{"negative amount", "", "outcome-0", -10, http.StatusBadRequest},
		{"unknown outcome", "", "outcome-7", 10, http.StatusBadRequest},
		{"insufficient funds", "", "outcome-0", 5000, http.StatusConflict},
		{"unknown market", "missing", "outcome-0", 10, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, router := newTestEnv(t, false)
			login(t, router, "alice", "bob")
			m := createMarket(t, router, "alice")
			id := m.ID
			if tt.market != "" {
				id = tt.market
			}

			w := placeStake(t, router, "bob", id, tt.outcome, tt.amount)
			expect(t, w, tt.want)
			var e struct {
				Error string `json:"error"`
			}
			decodeInto(t, w, &e)
			if e.Error == "" {
				t.Error("expected a specific error message")
			}
			if b := userBalance(t, router, "bob"); b != model.StartingBalance {
				t.Errorf("rejected stake moved balance to %d", b)
			}
		})
	}
}

func TestPlaceStake_AfterClose(t *testing.T) {
	_, router := newTestEnv(t, false)
	login(t, router, "alice", "bob")
	m := createMarket(t, router, "alice")

	expect(t, do(t, router, "POST", "/api/v1/markets/"+m.ID+"/close", "bob", nil), http.StatusForbidden)
	expect(t, do(t, router, "POST", "/api/v1/markets/"+m.ID+"/close", "alice", nil), http.StatusOK)
	expect(t, placeStake(t, router, "bob", m.ID, "outcome-0", 10), http.StatusConflict)
}

func TestSubmitResolution_OnlyCreator(t *testing.T) {
	_, router := newTestEnv(t, false)
	login(t, router, "alice", "bob")
	m := createMarket(t, router, "alice")

	w := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution", "bob", api.ResolutionRequest{OutcomeID: "outcome-0"})
	expect(t, w, http.StatusForbidden)
	w = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution", "", api.ResolutionRequest{OutcomeID: "outcome-0"})
	expect(t, w, http.StatusUnauthorized)
}

// --- Moderation ---

func TestModeratedResolution(t *testing.T) {
	_, router := newTestEnv(t, true)
	login(t, router, "alice", "bob")
	m := createMarket(t, router, "alice")
	expect(t, placeStake(t, router, "bob", m.ID, "outcome-1", 50), http.StatusCreated)

	w := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution", "alice", api.ResolutionRequest{OutcomeID: "outcome-1"})
	expect(t, w, http.StatusAccepted)
	var res settlement.Result
	decodeInto(t, w, &res)
	if !res.Pending || res.Settlement != nil {
		t.Fatalf("expected a pending submission, got %+v", res)
	}

	expect(t, do(t, router, "GET", "/api/v1/admin/pending", "bob", nil), http.StatusForbidden)
	expect(t, do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution/approve", "alice", nil), http.StatusForbidden)

	w = do(t, router, "GET", "/api/v1/admin/pending", "root", nil)
	expect(t, w, http.StatusOK)
	var pending []api.MarketView
	decodeInto(t, w, &pending)
	if len(pending) != 1 || pending[0].EffectiveStatus != model.StatusPendingResolution {
		t.Fatalf("unexpected pending list %+v", pending)
	}

	w = do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution/approve", "root", nil)
	expect(t, w, http.StatusOK)
	if b := userBalance(t, router, "bob"); b != model.StartingBalance {
		t.Errorf("sole winner should get the stake back, balance %d", b)
	}
	expect(t, do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution/approve", "root", nil), http.StatusConflict)
}

func TestRejectResolution(t *testing.T) {
	_, router := newTestEnv(t, true)
	login(t, router, "alice")
	m := createMarket(t, router, "alice")
	expect(t, do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution", "alice", api.ResolutionRequest{OutcomeID: "outcome-0"}), http.StatusAccepted)

	w := do(t, router, "POST", "/api/v1/markets/"+m.ID+"/resolution/reject", "root", nil)
	expect(t, w, http.StatusOK)
	var v api.MarketView
	decodeInto(t, w, &v)
	if v.EffectiveStatus != model.StatusClosed || v.PendingResolutionOutcomeID != "" {
		t.Errorf("rejected market should be closed without a pending outcome, got %+v", v)
	}
}

// --- Listing and preview ---

func TestListMarkets_StatusFilter(t *testing.T) {
	_, router := newTestEnv(t, false)
	login(t, router, "alice")
	open := createMarket(t, router, "alice")
	closed := createMarket(t, router, "alice")
	expect(t, do(t, router, "POST", "/api/v1/markets/"+closed.ID+"/close", "alice", nil), http.StatusOK)

	w := do(t, router, "GET", "/api/v1/markets", "", nil)
	expect(t, w, http.StatusOK)
	var all []api.MarketView
	decodeInto(t, w, &all)
	if len(all) != 2 {
		t.Fatalf("expected 2 markets, got %d", len(all))
	}

	w = do(t, router, "GET", "/api/v1/markets?status=open", "", nil)
	expect(t, w, http.StatusOK)
	var opened []api.MarketView
	decodeInto(t, w, &opened)
	if len(opened) != 1 || opened[0].ID != open.ID {
		t.Errorf("open filter returned %+v", opened)
	}

	expect(t, do(t, router, "GET", "/api/v1/markets?status=bogus", "", nil), http.StatusBadRequest)
}

func TestPreview(t *testing.T) {
	_, router := newTestEnv(t, false)
	login(t, router, "alice", "bob")
	m := createMarket(t, router, "alice")
	expect(t, placeStake(t, router, "alice", m.ID, "outcome-1", 700), http.StatusCreated)
	expect(t, placeStake(t, router, "bob", m.ID, "outcome-0", 200), http.StatusCreated)

	w := do(t, router, "GET", "/api/v1/markets/"+m.ID+"/preview?outcome_id=outcome-0&amount=100", "", nil)
	expect(t, w, http.StatusOK)
	var q stake.Quote
	decodeInto(t, w, &q)
	if q.Payout != 333 || q.Profit != 233 {
		t.Errorf("quote = %+v, want payout 333 profit 233", q)
	}

	expect(t, do(t, router, "GET", "/api/v1/markets/"+m.ID+"/preview?outcome_id=outcome-0&amount=ten", "", nil), http.StatusBadRequest)
	expect(t, do(t, router, "GET", "/api/v1/markets/"+m.ID+"/preview?outcome_id=nope&amount=10", "", nil), http.StatusBadRequest)
}

// --- Reconciliation ---

func TestCorrections(t *testing.T) {
	ms, router := newTestEnv(t, false)
	login(t, router, "alice", "bob")
	err := ms.RunAtomic(context.Background(), func(ctx context.Context, tx store.Tx) error {
		return tx.SetUserBalance(ctx, "bob", 900)
	})
	if err != nil {
		t.Fatal(err)
	}

	expect(t, do(t, router, "GET", "/api/v1/admin/corrections", "bob", nil), http.StatusForbidden)

	w := do(t, router, "GET", "/api/v1/admin/corrections", "root", nil)
	expect(t, w, http.StatusOK)
	var report audit.Report
	decodeInto(t, w, &report)
	if report.DriftingUsers != 1 || report.TotalDrift != 100 {
		t.Fatalf("unexpected report %+v", report)
	}

	expect(t, do(t, router, "POST", "/api/v1/admin/corrections/apply?force=maybe", "root", nil), http.StatusBadRequest)
	w = do(t, router, "POST", "/api/v1/admin/corrections/apply", "root", nil)
	expect(t, w, http.StatusOK)
	decodeInto(t, w, &report)
	if report.Applied != 1 {
		t.Errorf("applied = %d, want 1", report.Applied)
	}
	if b := userBalance(t, router, "bob"); b != model.StartingBalance {
		t.Errorf("bob balance = %d after correction", b)
	}
}
