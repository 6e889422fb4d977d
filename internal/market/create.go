package market

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"

	"github.com/atmx/poolbet/internal/model"
)

const (
	MinOutcomes    = 2
	MaxOutcomes    = 20
	MaxTitleLen    = 200
	MaxLabelLen    = 100
	MaxDescription = 2000
)

// NewMarket is a creator's request for a new market.
type NewMarket struct {
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Outcomes    []string  `json:"outcomes"`
	Deadline    time.Time `json:"deadline"`
}

// Build validates req and returns the market to persist. Blank outcome labels
// are dropped; the remaining outcomes get positional IDs outcome-0, outcome-1, ...
func Build(req NewMarket, id, creatorID string, now time.Time) (*model.Market, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", model.ErrValidation)
	}
	if utf8.RuneCountInString(title) > MaxTitleLen {
		return nil, fmt.Errorf("%w: title longer than %d characters", model.ErrValidation, MaxTitleLen)
	}
	desc := strings.TrimSpace(req.Description)
	if utf8.RuneCountInString(desc) > MaxDescription {
		return nil, fmt.Errorf("%w: description longer than %d characters", model.ErrValidation, MaxDescription)
	}
	if creatorID == "" {
		return nil, fmt.Errorf("%w: creator is required", model.ErrValidation)
	}
	if !req.Deadline.After(now) {
		return nil, fmt.Errorf("%w: deadline must be in the future", model.ErrValidation)
	}

	outcomes, err := buildOutcomes(req.Outcomes)
	if err != nil {
		return nil, err
	}

	return &model.Market{
		ID:          id,
		Title:       title,
		Description: desc,
		CreatorID:   creatorID,
		Outcomes:    outcomes,
		Status:      model.StatusOpen,
		Deadline:    req.Deadline.UTC(),
		CreatedAt:   now.UTC(),
	}, nil
}

func buildOutcomes(labels []string) ([]model.Outcome, error) {
	seen := make(map[string]bool, len(labels))
	var outcomes []model.Outcome
	for _, raw := range labels {
		label := strings.TrimSpace(raw)
		if label == "" {
			continue
		}
		if utf8.RuneCountInString(label) > MaxLabelLen {
			return nil, fmt.Errorf("%w: outcome label longer than %d characters", model.ErrValidation, MaxLabelLen)
		}
		key := strings.ToLower(label)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate outcome %q", model.ErrValidation, label)
		}
		seen[key] = true
		outcomes = append(outcomes, model.Outcome{
			ID:    fmt.Sprintf("outcome-%d", len(outcomes)),
			Label: label,
		})
	}
	if len(outcomes) < MinOutcomes {
		return nil, fmt.Errorf("%w: at least %d outcomes are required", model.ErrValidation, MinOutcomes)
	}
	if len(outcomes) > MaxOutcomes {
		return nil, fmt.Errorf("%w: at most %d outcomes are allowed", model.ErrValidation, MaxOutcomes)
	}
	return outcomes, nil
}

// Share is an outcome's fraction of the pool, in percent.
type Share struct {
	OutcomeID string          `json:"outcome_id"`
	Percent   decimal.Decimal `json:"percent"`
}

// ImpliedShares returns each outcome's share of the pool rounded to two
// decimals. An empty pool yields zero for every outcome.
func ImpliedShares(m *model.Market) []Share {
	shares := make([]Share, len(m.Outcomes))
	pool := decimal.NewFromInt(m.TotalPool)
	hundred := decimal.NewFromInt(100)
	for i, o := range m.Outcomes {
		pct := decimal.Zero
		if m.TotalPool > 0 {
			pct = decimal.NewFromInt(o.TotalBets).Mul(hundred).Div(pool).Round(2)
		}
		shares[i] = Share{OutcomeID: o.ID, Percent: pct}
	}
	return shares
}
