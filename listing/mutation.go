package listing

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrValidation signals a malformed create/update payload.
	ErrValidation = errors.New("listing: invalid content")
	// ErrNotEditable signals an edit or delete against a deleted listing or one
	// with a pending deletion.
	ErrNotEditable = errors.New("listing: not editable")
	// ErrPendingOverwrite signals that an open pending change would be replaced
	// and the caller has not confirmed the overwrite. Submit again with
	// MutateOptions.ConfirmOverwrite after showing the PreviewOverwrite result.
	ErrPendingOverwrite = errors.New("listing: pending change exists, overwrite not confirmed")
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// MutateOptions accompany update and delete intents.
type MutateOptions struct {
	// ActorID is the submitting provider's user id, recorded on the timeline.
	ActorID string
	// ConfirmOverwrite acknowledges that an existing pending change will be
	// discarded and replaced. Required whenever one is open.
	ConfirmOverwrite bool
}

// OverwritePreview tells the caller what a new submission would replace.
type OverwritePreview struct {
	HasPendingChange bool
	RequestType      RequestType
	Description      string
	SubmittedAt      *time.Time
}

// MutationService turns provider intent into pending-change records. It never
// assigns public ids and never resolves anything; that belongs to the
// ApprovalService.
type MutationService struct {
	pool     TxBeginner
	repo     Repository
	validate *validator.Validate
	idGen    func() string
	now      func() time.Time
}

// NewMutationService builds the provider-facing mutation service.
func NewMutationService(pool TxBeginner, repo Repository) *MutationService {
	return &MutationService{
		pool:     pool,
		repo:     repo,
		validate: validator.New(),
		idGen:    func() string { return uuid.NewString() },
		now:      time.Now,
	}
}

func (s *MutationService) WithIDGenerator(gen func() string) *MutationService {
	s.idGen = gen
	return s
}

func (s *MutationService) WithClock(now func() time.Time) *MutationService {
	s.now = now
	return s
}

// RequestCreate opens a brand-new listing awaiting its first approval. The
// public id stays unset until an admin approves the create request.
func (s *MutationService) RequestCreate(ctx context.Context, providerID string, kind Kind, content Content) (Listing, error) {
	if providerID == "" {
		return Listing{}, fmt.Errorf("listing: missing provider id")
	}
	if kind != KindService && kind != KindPackage {
		return Listing{}, fmt.Errorf("listing: invalid kind %q", kind)
	}
	if err := s.validate.Struct(content); err != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	now := s.now()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Insert(ctx, tx, Listing{
		ID:         s.idGen(),
		ProviderID: providerID,
		Kind:       kind,
		Status:     StatusPendingApproval,
		Content:    content,
		Pending: &PendingChange{
			RequestType: RequestCreate,
			SubmittedAt: now,
		},
		FirstSubmittedAt: now,
	})
	if err != nil {
		return Listing{}, err
	}

	if err := appendEvent(ctx, tx, created.ID, EventSubmitted, providerID, map[string]any{
		"kind": created.Kind,
		"name": created.Content.Name,
	}); err != nil {
		return Listing{}, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicSubmitted, map[string]any{
		"listing_id":   created.ID,
		"request_type": RequestCreate,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit create: %w", err)
	}
	return created, nil
}

// PreviewOverwrite describes the pending change a new submission would
// replace, so callers can warn before re-submitting with ConfirmOverwrite.
func (s *MutationService) PreviewOverwrite(ctx context.Context, id string) (OverwritePreview, error) {
	l, err := s.repo.Get(ctx, id)
	if err != nil {
		return OverwritePreview{}, err
	}
	if l.Pending == nil {
		return OverwritePreview{}, nil
	}
	submitted := l.Pending.SubmittedAt
	return OverwritePreview{
		HasPendingChange: true,
		RequestType:      l.Pending.RequestType,
		Description:      describePending(*l.Pending),
		SubmittedAt:      &submitted,
	}, nil
}

// RequestUpdate attaches an update request carrying the proposed content. An
// open pending change is replaced, never queued, and only after the caller
// confirmed the overwrite. On a never-approved listing the revision re-arms
// the create request instead, keeping public id assignment on first approval.
func (s *MutationService) RequestUpdate(ctx context.Context, id string, proposed Content, opts MutateOptions) (Listing, error) {
	if err := s.validate.Struct(proposed); err != nil {
		return Listing{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Listing{}, err
	}
	if err := s.checkEditable(l, opts); err != nil {
		return Listing{}, err
	}

	now := s.now()
	changed := changedFields(l.Content, proposed)
	params := ApplyChangeParams{ID: l.ID}

	if !l.Approved() {
		// No approved baseline to diff against at resolution time: fold the
		// revision into the record itself and re-open the create request.
		status := StatusPendingApproval
		params.Change = PendingChange{
			RequestType:   RequestCreate,
			ChangedFields: changed,
			SubmittedAt:   now,
		}
		params.ReplaceContent = &proposed
		params.ReplaceStatus = &status
	} else {
		params.Change = PendingChange{
			RequestType:     RequestUpdate,
			ProposedContent: &proposed,
			ChangedFields:   changed,
			SubmittedAt:     now,
		}
	}

	updated, err := s.repo.ApplyPendingChange(ctx, tx, params)
	if err != nil {
		return Listing{}, err
	}

	if err := appendEvent(ctx, tx, updated.ID, EventUpdateRequested, opts.ActorID, map[string]any{
		"changed_fields": changed,
		"request_type":   params.Change.RequestType,
	}); err != nil {
		return Listing{}, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicSubmitted, map[string]any{
		"listing_id":   updated.ID,
		"request_type": params.Change.RequestType,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit update request: %w", err)
	}
	return updated, nil
}

// RequestDelete attaches a deletion request. The listing keeps serving its
// approved content until an admin approves the deletion.
func (s *MutationService) RequestDelete(ctx context.Context, id, reason string, opts MutateOptions) (Listing, error) {
	if reason == "" {
		return Listing{}, fmt.Errorf("%w: deletion reason required", ErrValidation)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	l, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Listing{}, err
	}
	if err := s.checkEditable(l, opts); err != nil {
		return Listing{}, err
	}

	updated, err := s.repo.ApplyPendingChange(ctx, tx, ApplyChangeParams{
		ID: l.ID,
		Change: PendingChange{
			RequestType: RequestDelete,
			Reason:      reason,
			SubmittedAt: s.now(),
		},
	})
	if err != nil {
		return Listing{}, err
	}

	if err := appendEvent(ctx, tx, updated.ID, EventDeleteRequested, opts.ActorID, map[string]any{
		"reason": reason,
	}); err != nil {
		return Listing{}, err
	}
	if err := enqueueOutbox(ctx, tx, OutboxTopicSubmitted, map[string]any{
		"listing_id":   updated.ID,
		"request_type": RequestDelete,
	}); err != nil {
		return Listing{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Listing{}, fmt.Errorf("listing: commit delete request: %w", err)
	}
	return updated, nil
}

func (s *MutationService) checkEditable(l Listing, opts MutateOptions) error {
	if !IsEditable(l) {
		return ErrNotEditable
	}
	if l.Pending != nil && !opts.ConfirmOverwrite {
		return ErrPendingOverwrite
	}
	return nil
}

// changedFields returns the sorted names of top-level content fields that
// differ between the current and proposed content.
func changedFields(current, proposed Content) []string {
	fields := []string{}
	if current.Name != proposed.Name {
		fields = append(fields, "name")
	}
	if current.Description != proposed.Description {
		fields = append(fields, "description")
	}
	if current.Price != proposed.Price {
		fields = append(fields, "price")
	}
	if current.DurationMinutes != proposed.DurationMinutes {
		fields = append(fields, "durationMinutes")
	}
	if current.Category != proposed.Category {
		fields = append(fields, "category")
	}
	sort.Strings(fields)
	return fields
}

func describePending(p PendingChange) string {
	switch p.RequestType {
	case RequestCreate:
		return "a create request is awaiting admin review"
	case RequestUpdate:
		return fmt.Sprintf("an update to %v is awaiting admin review", p.ChangedFields)
	case RequestDelete:
		return "a deletion request is awaiting admin review"
	}
	return "a pending change is awaiting admin review"
}
