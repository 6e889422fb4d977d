// Package market holds the lifecycle rules of a market: which transitions are
// legal, who may trigger them, and how the persisted status relates to the
// status observed at a given instant.
//
// Everything here is pure. The settlement service applies the returned
// StatusChange values inside a store transaction.
//
// Lifecycle:
//
//	open               → closed              creator close, or deadline passes
//	open | closed      → resolved            creator submit, moderation off
//	open | closed      → pending-resolution  creator submit, moderation on
//	pending-resolution → resolved            moderator approve
//	pending-resolution → closed              moderator reject
package market

import (
	"fmt"
	"time"

	"github.com/atmx/poolbet/internal/model"
)

// EffectiveStatus derives the status a market has at now. A persisted "open"
// market whose deadline has passed reads as closed, and a closed market with
// a pending resolution reads as pending-resolution.
func EffectiveStatus(m *model.Market, now time.Time) model.Status {
	switch m.Status {
	case model.StatusResolved:
		return model.StatusResolved
	case model.StatusClosed:
		if m.PendingResolutionOutcomeID != "" {
			return model.StatusPendingResolution
		}
		return model.StatusClosed
	}
	if m.PendingResolutionOutcomeID != "" {
		return model.StatusPendingResolution
	}
	if !m.Deadline.IsZero() && !now.Before(m.Deadline) {
		return model.StatusClosed
	}
	return model.StatusOpen
}

// CheckStakeable returns ErrMarketNotOpen unless the market accepts stakes at now.
func CheckStakeable(m *model.Market, now time.Time) error {
	if s := EffectiveStatus(m, now); s != model.StatusOpen {
		return fmt.Errorf("%w: market %s is %s", model.ErrMarketNotOpen, m.ID, s)
	}
	return nil
}

// Close moves an open market to closed. Only the creator may close, and a
// market whose deadline already passed may still be closed explicitly so the
// derived state gets persisted.
func Close(m *model.Market, actorID string) (model.StatusChange, error) {
	if actorID == "" || actorID != m.CreatorID {
		return model.StatusChange{}, fmt.Errorf("%w: only the creator can close market %s", model.ErrUnauthorized, m.ID)
	}
	switch m.Status {
	case model.StatusResolved:
		return model.StatusChange{}, fmt.Errorf("%w: %s", model.ErrAlreadyResolved, m.ID)
	case model.StatusClosed:
		return model.StatusChange{}, fmt.Errorf("%w: market %s is already closed", model.ErrInvalidTransition, m.ID)
	}
	return model.StatusChange{
		Status:                     model.StatusClosed,
		PendingResolutionOutcomeID: m.PendingResolutionOutcomeID,
	}, nil
}

// Submission is the outcome of a creator selecting a winner.
type Submission struct {
	// Change is the status write to apply when ResolveNow is false.
	Change model.StatusChange
	// ResolveNow reports that the market should be settled immediately.
	ResolveNow bool
	OutcomeID  string
}

// SubmitResolution validates a creator's winner selection. When moderated is
// false the market resolves immediately. Otherwise it is closed (if still
// open) and parked with a pending resolution for a moderator to approve.
func SubmitResolution(m *model.Market, actorID, outcomeID string, moderated bool) (Submission, error) {
	if actorID == "" || actorID != m.CreatorID {
		return Submission{}, fmt.Errorf("%w: only the creator can resolve market %s", model.ErrUnauthorized, m.ID)
	}
	if m.Status == model.StatusResolved {
		return Submission{}, fmt.Errorf("%w: %s", model.ErrAlreadyResolved, m.ID)
	}
	if _, ok := m.Outcome(outcomeID); !ok {
		return Submission{}, fmt.Errorf("%w: %q in market %s", model.ErrUnknownOutcome, outcomeID, m.ID)
	}

	if !moderated {
		return Submission{ResolveNow: true, OutcomeID: outcomeID}, nil
	}
	if m.PendingResolutionOutcomeID != "" {
		return Submission{}, fmt.Errorf("%w: market %s already awaits approval", model.ErrInvalidTransition, m.ID)
	}
	return Submission{
		OutcomeID: outcomeID,
		Change: model.StatusChange{
			Status:                     model.StatusClosed,
			PendingResolutionOutcomeID: outcomeID,
		},
	}, nil
}

// Approve checks that a moderator may approve the pending resolution and
// returns the outcome to settle on.
func Approve(m *model.Market, isModerator bool) (string, error) {
	if !isModerator {
		return "", fmt.Errorf("%w: approving resolutions requires a moderator", model.ErrUnauthorized)
	}
	if m.Status == model.StatusResolved {
		return "", fmt.Errorf("%w: %s", model.ErrAlreadyResolved, m.ID)
	}
	if m.PendingResolutionOutcomeID == "" {
		return "", fmt.Errorf("%w: market %s has no pending resolution", model.ErrInvalidTransition, m.ID)
	}
	if _, ok := m.Outcome(m.PendingResolutionOutcomeID); !ok {
		return "", fmt.Errorf("%w: pending %q in market %s", model.ErrUnknownOutcome, m.PendingResolutionOutcomeID, m.ID)
	}
	return m.PendingResolutionOutcomeID, nil
}

// Reject clears a pending resolution. The market returns to closed and the
// creator may submit again. No funds move.
func Reject(m *model.Market, isModerator bool) (model.StatusChange, error) {
	if !isModerator {
		return model.StatusChange{}, fmt.Errorf("%w: rejecting resolutions requires a moderator", model.ErrUnauthorized)
	}
	if m.Status == model.StatusResolved {
		return model.StatusChange{}, fmt.Errorf("%w: %s", model.ErrAlreadyResolved, m.ID)
	}
	if m.PendingResolutionOutcomeID == "" {
		return model.StatusChange{}, fmt.Errorf("%w: market %s has no pending resolution", model.ErrInvalidTransition, m.ID)
	}
	return model.StatusChange{Status: model.StatusClosed}, nil
}

// Resolved is the terminal status write for a market settled on outcomeID.
func Resolved(outcomeID, policy string, at time.Time) model.StatusChange {
	return model.StatusChange{
		Status:            model.StatusResolved,
		ResolvedOutcomeID: outcomeID,
		PayoutPolicy:      policy,
		ResolvedAt:        &at,
	}
}
