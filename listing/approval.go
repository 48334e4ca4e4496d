package listing

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoPendingChange signals an admin decision with nothing awaiting review.
var ErrNoPendingChange = errors.New("listing: no pending change to resolve")

// DecisionParams carries one admin decision on one listing.
type DecisionParams struct {
	ListingID string
	AdminID   string
	Reason    string
}

// Resolution reports the applied decision. AssignedPublicID is set only when
// a create request was approved and the listing received its permanent id.
type Resolution struct {
	Listing          Listing
	RequestType      RequestType
	AssignedPublicID *string
}

// ApprovalService resolves pending changes. It is the only component that
// assigns public ids, stamps first_approved_at / last_updated_at / deleted_at,
// or moves a listing into the deleted status. Each resolution is an
// independent single-row transaction; batches carry no cross-listing ordering.
type ApprovalService struct {
	pool TxBeginner
	repo Repository
	now  func() time.Time
}

// NewApprovalService builds the admin-side processor.
func NewApprovalService(pool TxBeginner, repo Repository) *ApprovalService {
	return &ApprovalService{
		pool: pool,
		repo: repo,
		now:  time.Now,
	}
}

func (s *ApprovalService) WithClock(now func() time.Time) *ApprovalService {
	s.now = now
	return s
}

// Approve applies the pending change's effect and closes it out.
func (s *ApprovalService) Approve(ctx context.Context, params DecisionParams) (Resolution, error) {
	return s.resolve(ctx, params, OutcomeApproved)
}

// Reject discards the pending change. The listing reverts to approved when it
// has cleared an approval before, otherwise to rejected; nothing else changes.
func (s *ApprovalService) Reject(ctx context.Context, params DecisionParams) (Resolution, error) {
	return s.resolve(ctx, params, OutcomeRejected)
}

func (s *ApprovalService) resolve(ctx context.Context, params DecisionParams, outcome Outcome) (Resolution, error) {
	if params.ListingID == "" {
		return Resolution{}, fmt.Errorf("listing: missing listing id")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Resolution{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.GetForUpdate(ctx, tx, params.ListingID)
	if err != nil {
		return Resolution{}, err
	}
	if l.Status == StatusDeleted {
		return Resolution{}, ErrInvalidState
	}
	if l.Pending == nil {
		return Resolution{}, ErrNoPendingChange
	}

	requestType := l.Pending.RequestType
	resolveParams := ResolveChangeParams{
		ID:          l.ID,
		Outcome:     outcome,
		RequestType: requestType,
	}

	var assignedPublicID *string
	if outcome == OutcomeApproved {
		switch requestType {
		case RequestCreate:
			if l.PublicID == nil {
				pid, err := s.repo.NextPublicID(ctx, tx, l.Kind)
				if err != nil {
					return Resolution{}, err
				}
				resolveParams.NewPublicID = &pid
				assignedPublicID = &pid
			}
		case RequestUpdate:
			merged := mergeContent(l.Content, l.Pending.ProposedContent)
			resolveParams.MergedContent = &merged
		case RequestDelete:
			// terminal; public id and content stay for audit
		default:
			return Resolution{}, fmt.Errorf("listing: unknown request type %q", requestType)
		}
	}

	resolved, err := s.repo.ResolvePendingChange(ctx, tx, resolveParams)
	if err != nil {
		return Resolution{}, err
	}

	eventType, topic := EventApproved, OutboxTopicApproved
	if outcome == OutcomeRejected {
		eventType, topic = EventRejected, OutboxTopicRejected
	}
	payload := map[string]any{
		"request_type": requestType,
		"reason":       params.Reason,
	}
	if assignedPublicID != nil {
		payload["public_id"] = *assignedPublicID
	}
	if err := appendEvent(ctx, tx, resolved.ID, eventType, params.AdminID, payload); err != nil {
		return Resolution{}, err
	}
	if err := enqueueOutbox(ctx, tx, topic, map[string]any{
		"listing_id":   resolved.ID,
		"request_type": requestType,
		"outcome":      outcome,
	}); err != nil {
		return Resolution{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Resolution{}, fmt.Errorf("listing: commit resolution: %w", err)
	}

	return Resolution{
		Listing:          resolved,
		RequestType:      requestType,
		AssignedPublicID: assignedPublicID,
	}, nil
}

// mergeContent overlays the proposed content on the approved content. The
// proposal always carries the full field set, so the overlay is total; the
// fallback keeps the current content when a stale row lacks a proposal.
func mergeContent(current Content, proposed *Content) Content {
	if proposed == nil {
		return current
	}
	return *proposed
}
