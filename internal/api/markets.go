package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/atmx/poolbet/internal/market"
	"github.com/atmx/poolbet/internal/model"
	"github.com/atmx/poolbet/internal/store"
)

// MarketView is a market as clients see it: the stored record plus its
// status at request time and each outcome's share of the pool.
type MarketView struct {
	*model.Market
	EffectiveStatus model.Status   `json:"effective_status"`
	ImpliedShares   []market.Share `json:"implied_shares"`
}

func (h *Handler) view(m *model.Market) MarketView {
	return MarketView{
		Market:          m,
		EffectiveStatus: market.EffectiveStatus(m, h.now()),
		ImpliedShares:   market.ImpliedShares(m),
	}
}

// PlaceStakeRequest is the JSON body for POST /markets/{marketID}/stakes.
type PlaceStakeRequest struct {
	OutcomeID string `json:"outcome_id"`
	Amount    int64  `json:"amount"`
}

// ResolutionRequest is the JSON body for POST /markets/{marketID}/resolution.
type ResolutionRequest struct {
	OutcomeID string `json:"outcome_id"`
}

// CreateMarket handles POST /api/v1/markets
func (h *Handler) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req market.NewMarket
	if err := decode(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	m, err := h.settler.CreateMarket(r.Context(), actorFrom(r.Context()), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, h.view(m))
}

// ListMarkets handles GET /api/v1/markets
// Optionally filtered by ?status=open|closed|pending-resolution|resolved,
// matched against the effective status.
func (h *Handler) ListMarkets(w http.ResponseWriter, r *http.Request) {
	want := model.Status(r.URL.Query().Get("status"))
	if want != "" && !want.Valid() && want != model.StatusPendingResolution {
		writeError(w, fmt.Sprintf("unknown status %q", want), http.StatusBadRequest)
		return
	}

	markets, err := h.settler.ListMarkets(r.Context(), store.MarketFilter{})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		v := h.view(&markets[i])
		if want != "" && v.EffectiveStatus != want {
			continue
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

// GetMarket handles GET /api/v1/markets/{marketID}
func (h *Handler) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.settler.GetMarket(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(m))
}

// ListStakes handles GET /api/v1/markets/{marketID}/stakes
func (h *Handler) ListStakes(w http.ResponseWriter, r *http.Request) {
	stakes, err := h.settler.MarketStakes(r.Context(), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if stakes == nil {
		stakes = []model.Stake{}
	}
	writeJSON(w, http.StatusOK, stakes)
}

// PlaceStake handles POST /api/v1/markets/{marketID}/stakes
func (h *Handler) PlaceStake(w http.ResponseWriter, r *http.Request) {
	var req PlaceStakeRequest
	if err := decode(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	st, err := h.stakes.PlaceStake(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "marketID"), req.OutcomeID, req.Amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// Preview handles GET /api/v1/markets/{marketID}/preview?outcome_id=&amount=
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	amount, err := strconv.ParseInt(q.Get("amount"), 10, 64)
	if err != nil {
		writeError(w, "amount must be a whole number of coins", http.StatusBadRequest)
		return
	}
	quote, err := h.stakes.Preview(r.Context(), chi.URLParam(r, "marketID"), q.Get("outcome_id"), amount)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

// CloseMarket handles POST /api/v1/markets/{marketID}/close
func (h *Handler) CloseMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.settler.Close(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(m))
}

// SubmitResolution handles POST /api/v1/markets/{marketID}/resolution
// The market resolves at once, or waits for a moderator when moderation is
// required (202).
func (h *Handler) SubmitResolution(w http.ResponseWriter, r *http.Request) {
	var req ResolutionRequest
	if err := decode(w, r, &req); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	res, err := h.settler.SubmitResolution(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "marketID"), req.OutcomeID)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	status := http.StatusOK
	if res.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, res)
}

// ApproveResolution handles POST /api/v1/markets/{marketID}/resolution/approve
func (h *Handler) ApproveResolution(w http.ResponseWriter, r *http.Request) {
	res, err := h.settler.Approve(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RejectResolution handles POST /api/v1/markets/{marketID}/resolution/reject
func (h *Handler) RejectResolution(w http.ResponseWriter, r *http.Request) {
	m, err := h.settler.Reject(r.Context(), actorFrom(r.Context()), chi.URLParam(r, "marketID"))
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, h.view(m))
}
