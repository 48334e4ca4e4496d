package listing

import (
	"context"
	"errors"
	"testing"
	"time"
)

func seedThroughCreate(t *testing.T, repo *fakeRepository, kind Kind) Listing {
	t.Helper()
	svc := NewMutationService(&fakePool{}, repo).
		WithIDGenerator(func() string { return "l1" }).
		WithClock(testClock())
	l, err := svc.RequestCreate(context.Background(), "prov-1", kind, validContent())
	if err != nil {
		t.Fatalf("seed create: %v", err)
	}
	return l
}

func TestApprove_CreateAssignsPublicID(t *testing.T) {
	pool := &fakePool{}
	repo := newFakeRepository()
	created := seedThroughCreate(t, repo, KindPackage)

	svc := NewApprovalService(pool, repo)
	res, err := svc.Approve(context.Background(), DecisionParams{ListingID: created.ID, AdminID: "admin-1", Reason: "ok"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := res.Listing
	if l.PublicID == nil {
		t.Fatal("expected public id assigned on first approval")
	}
	if *l.PublicID != "PKG_001" {
		t.Fatalf("expected PKG_001, got %s", *l.PublicID)
	}
	if res.AssignedPublicID == nil || *res.AssignedPublicID != *l.PublicID {
		t.Fatalf("resolution must report the assigned public id, got %v", res.AssignedPublicID)
	}
	if l.Status != StatusApproved {
		t.Fatalf("expected approved, got %s", l.Status)
	}
	if l.FirstApprovedAt == nil {
		t.Fatal("expected firstApprovedAt set")
	}
	if l.Pending != nil {
		t.Fatal("expected pending change cleared")
	}
	if !l.AdminActionTaken {
		t.Fatal("expected adminActionTaken true")
	}
	if !pool.tx.committed {
		t.Fatal("expected commit")
	}
	if pool.tx.eventCount() != 1 || pool.tx.outboxCount() != 1 {
		t.Fatalf("expected one timeline event and one outbox row, got %d/%d",
			pool.tx.eventCount(), pool.tx.outboxCount())
	}
}

func TestApprove_UpdatePreservesPublicID(t *testing.T) {
	repo := newFakeRepository()
	pid := "PKG_010"
	approvedAt := time.Now().UTC()
	proposed := validContent()
	proposed.Price = 6000
	repo.put(Listing{
		ID:              "l1",
		Kind:            KindPackage,
		PublicID:        &pid,
		Status:          StatusApproved,
		Content:         validContent(),
		FirstApprovedAt: &approvedAt,
		Pending: &PendingChange{
			RequestType:     RequestUpdate,
			ProposedContent: &proposed,
			ChangedFields:   []string{"price"},
			SubmittedAt:     approvedAt,
		},
	})

	svc := NewApprovalService(&fakePool{}, repo)
	res, err := svc.Approve(context.Background(), DecisionParams{ListingID: "l1", AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := res.Listing
	if l.PublicID == nil || *l.PublicID != "PKG_010" {
		t.Fatalf("public id must survive update approval, got %v", l.PublicID)
	}
	if res.AssignedPublicID != nil {
		t.Fatal("an update approval assigns nothing")
	}
	if l.Content.Price != 6000 {
		t.Fatalf("expected merged price 6000, got %d", l.Content.Price)
	}
	if l.LastUpdatedAt == nil {
		t.Fatal("expected lastUpdatedAt set")
	}
	if l.Pending != nil {
		t.Fatal("expected pending change cleared")
	}
}

func TestApprove_DeletePreservesPublicIDAndTerminates(t *testing.T) {
	repo := newFakeRepository()
	pid := "PKG_011"
	approvedAt := time.Now().UTC()
	repo.put(Listing{
		ID:              "l1",
		Kind:            KindPackage,
		PublicID:        &pid,
		Status:          StatusApproved,
		Content:         validContent(),
		FirstApprovedAt: &approvedAt,
		Pending: &PendingChange{
			RequestType: RequestDelete,
			Reason:      "no longer offered",
			SubmittedAt: approvedAt,
		},
	})

	approvals := NewApprovalService(&fakePool{}, repo)
	res, err := approvals.Approve(context.Background(), DecisionParams{ListingID: "l1", AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := res.Listing
	if l.Status != StatusDeleted {
		t.Fatalf("expected deleted, got %s", l.Status)
	}
	if l.PublicID == nil || *l.PublicID != "PKG_011" {
		t.Fatalf("public id must be retained through deletion, got %v", l.PublicID)
	}
	if l.DeletedAt == nil {
		t.Fatal("expected deletedAt set")
	}
	if l.Content.Name != validContent().Name {
		t.Fatal("content must be preserved for audit")
	}
	if IsEditable(l) {
		t.Fatal("deleted listing must not be editable")
	}
	if NeedsAdminAction(l) {
		t.Fatal("deleted listing must not need admin action")
	}

	// terminal: neither edits nor a second deletion can reopen it
	mutations := NewMutationService(&fakePool{}, repo)
	if _, err := mutations.RequestUpdate(context.Background(), "l1", validContent(), MutateOptions{ConfirmOverwrite: true}); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable on deleted listing, got %v", err)
	}
	if _, err := mutations.RequestDelete(context.Background(), "l1", "again", MutateOptions{ConfirmOverwrite: true}); !errors.Is(err, ErrNotEditable) {
		t.Fatalf("expected ErrNotEditable on deleted listing, got %v", err)
	}
	if _, err := approvals.Approve(context.Background(), DecisionParams{ListingID: "l1"}); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("expected ErrInvalidState resolving a deleted listing, got %v", err)
	}
}

func TestReject_UpdateRevertsWithoutDestroying(t *testing.T) {
	repo := newFakeRepository()
	pid := "SVC_003"
	approvedAt := time.Now().UTC()
	proposed := validContent()
	proposed.Price = 9999
	repo.put(Listing{
		ID:              "l1",
		Kind:            KindService,
		PublicID:        &pid,
		Status:          StatusApproved,
		Content:         validContent(),
		FirstApprovedAt: &approvedAt,
		Pending: &PendingChange{
			RequestType:     RequestUpdate,
			ProposedContent: &proposed,
			SubmittedAt:     approvedAt,
		},
	})

	svc := NewApprovalService(&fakePool{}, repo)
	res, err := svc.Reject(context.Background(), DecisionParams{ListingID: "l1", AdminID: "admin-1", Reason: "price unjustified"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	l := res.Listing
	if l.Status != StatusApproved {
		t.Fatalf("a previously approved listing reverts to approved, got %s", l.Status)
	}
	if l.Content.Price != validContent().Price {
		t.Fatalf("original content must be unchanged, got price %d", l.Content.Price)
	}
	if l.Pending != nil {
		t.Fatal("expected pending change cleared")
	}
	if !l.AdminActionTaken {
		t.Fatal("expected adminActionTaken true")
	}
	if l.PublicID == nil || *l.PublicID != "SVC_003" {
		t.Fatalf("public id untouched by rejection, got %v", l.PublicID)
	}
}

func TestReject_NeverApprovedBecomesRejected(t *testing.T) {
	repo := newFakeRepository()
	created := seedThroughCreate(t, repo, KindService)

	svc := NewApprovalService(&fakePool{}, repo)
	res, err := svc.Reject(context.Background(), DecisionParams{ListingID: created.ID, AdminID: "admin-1", Reason: "incomplete"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if res.Listing.Status != StatusRejected {
		t.Fatalf("expected rejected, got %s", res.Listing.Status)
	}
	if res.Listing.PublicID != nil {
		t.Fatal("rejection must not assign a public id")
	}

	// a rejected create can be revised and resubmitted
	mutations := NewMutationService(&fakePool{}, repo).WithClock(testClock())
	revised := validContent()
	revised.Description = "now with trial session"
	l, err := mutations.RequestUpdate(context.Background(), created.ID, revised, MutateOptions{})
	if err != nil {
		t.Fatalf("resubmission after rejected create: %v", err)
	}
	if l.Pending == nil || l.Pending.RequestType != RequestCreate || l.Status != StatusPendingApproval {
		t.Fatalf("expected re-armed create request, got status=%s pending=%+v", l.Status, l.Pending)
	}
}

func TestApprove_NoPendingChange(t *testing.T) {
	repo := newFakeRepository()
	approvedAt := time.Now().UTC()
	repo.put(Listing{
		ID:               "l1",
		Status:           StatusApproved,
		Content:          validContent(),
		FirstApprovedAt:  &approvedAt,
		AdminActionTaken: true,
	})

	svc := NewApprovalService(&fakePool{}, repo)
	if _, err := svc.Approve(context.Background(), DecisionParams{ListingID: "l1"}); !errors.Is(err, ErrNoPendingChange) {
		t.Fatalf("expected ErrNoPendingChange, got %v", err)
	}
	if _, err := svc.Reject(context.Background(), DecisionParams{ListingID: "l1"}); !errors.Is(err, ErrNoPendingChange) {
		t.Fatalf("expected ErrNoPendingChange, got %v", err)
	}
}

func TestApprove_NotFound(t *testing.T) {
	svc := NewApprovalService(&fakePool{}, newFakeRepository())
	if _, err := svc.Approve(context.Background(), DecisionParams{ListingID: "missing"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestApprovalCycle_PublicIDPermanence(t *testing.T) {
	repo := newFakeRepository()
	created := seedThroughCreate(t, repo, KindPackage)

	approvals := NewApprovalService(&fakePool{}, repo)
	mutations := NewMutationService(&fakePool{}, repo).WithClock(testClock())

	res, err := approvals.Approve(context.Background(), DecisionParams{ListingID: created.ID, AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("approve create: %v", err)
	}
	assigned := *res.Listing.PublicID

	// update cycle
	revised := validContent()
	revised.Price = 6000
	if _, err := mutations.RequestUpdate(context.Background(), created.ID, revised, MutateOptions{}); err != nil {
		t.Fatalf("request update: %v", err)
	}
	res, err = approvals.Approve(context.Background(), DecisionParams{ListingID: created.ID, AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("approve update: %v", err)
	}
	if *res.Listing.PublicID != assigned {
		t.Fatalf("public id changed across update approval: %s -> %s", assigned, *res.Listing.PublicID)
	}

	// delete cycle
	if _, err := mutations.RequestDelete(context.Background(), created.ID, "retired", MutateOptions{}); err != nil {
		t.Fatalf("request delete: %v", err)
	}
	res, err = approvals.Approve(context.Background(), DecisionParams{ListingID: created.ID, AdminID: "admin-1"})
	if err != nil {
		t.Fatalf("approve delete: %v", err)
	}
	if *res.Listing.PublicID != assigned {
		t.Fatalf("public id changed across delete approval: %s -> %s", assigned, *res.Listing.PublicID)
	}
	if res.Listing.Status != StatusDeleted {
		t.Fatalf("expected deleted, got %s", res.Listing.Status)
	}
}
