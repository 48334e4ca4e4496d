package listing

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestListingLifecycle_Integration connects to a real PostgreSQL via
// DATABASE_URL and drives a full create -> approve -> update -> approve ->
// delete -> approve cycle, verifying timestamps, the public id contract,
// timeline sequencing and outbox writes.
func TestListingLifecycle_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	for _, table := range []string{"providers", "listings", "listing_events", "outbox"} {
		var ok bool
		if err := pool.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, table).Scan(&ok); err != nil || !ok {
			t.Skip("database schema missing; apply migrations/*.sql first")
		}
	}

	var providerID string
	if err := pool.QueryRow(ctx, `INSERT INTO providers (name, verified) VALUES ($1, true) RETURNING id`,
		fmt.Sprintf("Glow Studio %d", time.Now().UnixNano())).Scan(&providerID); err != nil {
		t.Fatalf("seed provider: %v", err)
	}

	repo := NewRepository(pool)
	mutations := NewMutationService(pool, repo)
	approvals := NewApprovalService(pool, repo)

	content := Content{
		Name:            "Deep Tissue Massage",
		Description:     "60 minute session",
		Price:           8000,
		DurationMinutes: 60,
		Category:        "wellness",
	}

	created, err := mutations.RequestCreate(ctx, providerID, KindService, content)
	if err != nil {
		t.Fatalf("request create: %v", err)
	}
	listingID := created.ID

	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `DELETE FROM listing_events WHERE listing_id = $1`, listingID)
		pool.Exec(ctx2, `DELETE FROM outbox WHERE payload->>'listing_id' = $1`, listingID)
		pool.Exec(ctx2, `DELETE FROM listings_public_id_audit WHERE listing_id = $1`, listingID)
		pool.Exec(ctx2, `ALTER TABLE listings DISABLE TRIGGER no_delete_listings`)
		pool.Exec(ctx2, `DELETE FROM listings WHERE id = $1`, listingID)
		pool.Exec(ctx2, `ALTER TABLE listings ENABLE TRIGGER no_delete_listings`)
		pool.Exec(ctx2, `DELETE FROM providers WHERE id = $1`, providerID)
	})

	if created.Status != StatusPendingApproval || created.PublicID != nil {
		t.Fatalf("fresh create should be pending without a public id, got status=%s public=%v", created.Status, created.PublicID)
	}
	if created.Pending == nil || created.Pending.RequestType != RequestCreate {
		t.Fatalf("expected opening pending create, got %+v", created.Pending)
	}

	// approve the create; a public id is minted exactly once
	res, err := approvals.Approve(ctx, DecisionParams{ListingID: listingID, AdminID: providerID, Reason: "looks good"})
	if err != nil {
		t.Fatalf("approve create: %v", err)
	}
	if res.AssignedPublicID == nil {
		t.Fatal("expected a minted public id")
	}
	assigned := *res.AssignedPublicID
	if !regexp.MustCompile(`^SVC_\d{3,}$`).MatchString(assigned) {
		t.Fatalf("unexpected public id format %q", assigned)
	}
	if res.Listing.FirstApprovedAt == nil {
		t.Fatal("expected first_approved_at set")
	}
	firstApproved := *res.Listing.FirstApprovedAt

	// update cycle: content replaced only on approval
	revised := content
	revised.Price = 9500
	if _, err := mutations.RequestUpdate(ctx, listingID, revised, MutateOptions{ActorID: providerID}); err != nil {
		t.Fatalf("request update: %v", err)
	}
	mid, err := repo.Get(ctx, listingID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if mid.Content.Price != content.Price {
		t.Fatalf("approved content must not change before approval, got price %d", mid.Content.Price)
	}
	if mid.AdminActionTaken {
		t.Fatal("a new pending change must reset admin_action_taken")
	}

	res, err = approvals.Approve(ctx, DecisionParams{ListingID: listingID, AdminID: providerID})
	if err != nil {
		t.Fatalf("approve update: %v", err)
	}
	if res.Listing.Content.Price != 9500 {
		t.Fatalf("expected merged price 9500, got %d", res.Listing.Content.Price)
	}
	if res.Listing.PublicID == nil || *res.Listing.PublicID != assigned {
		t.Fatalf("public id must be stable, got %v", res.Listing.PublicID)
	}
	if res.Listing.LastUpdatedAt == nil {
		t.Fatal("expected last_updated_at set")
	}
	if !res.Listing.FirstApprovedAt.Equal(firstApproved) {
		t.Fatal("first_approved_at must not move on later approvals")
	}

	// delete cycle
	if _, err := mutations.RequestDelete(ctx, listingID, "provider retired the offering", MutateOptions{ActorID: providerID}); err != nil {
		t.Fatalf("request delete: %v", err)
	}
	res, err = approvals.Approve(ctx, DecisionParams{ListingID: listingID, AdminID: providerID})
	if err != nil {
		t.Fatalf("approve delete: %v", err)
	}
	if res.Listing.Status != StatusDeleted || res.Listing.DeletedAt == nil {
		t.Fatalf("expected terminal delete, got status=%s deletedAt=%v", res.Listing.Status, res.Listing.DeletedAt)
	}
	if res.Listing.PublicID == nil || *res.Listing.PublicID != assigned {
		t.Fatalf("public id must survive deletion, got %v", res.Listing.PublicID)
	}

	// timeline: strictly increasing seq starting at 1, one row per request/decision
	rows, err := pool.Query(ctx, `SELECT seq, type FROM listing_events WHERE listing_id = $1 ORDER BY seq`, listingID)
	if err != nil {
		t.Fatalf("query events: %v", err)
	}
	defer rows.Close()
	var seqs []int
	var types []string
	for rows.Next() {
		var seq int
		var typ string
		if err := rows.Scan(&seq, &typ); err != nil {
			t.Fatalf("scan event: %v", err)
		}
		seqs = append(seqs, seq)
		types = append(types, typ)
	}
	if len(seqs) != 6 {
		t.Fatalf("expected 6 timeline events, got %d (%v)", len(seqs), types)
	}
	for i, seq := range seqs {
		if seq != i+1 {
			t.Fatalf("expected dense seq starting at 1, got %v", seqs)
		}
	}
	if types[0] != EventSubmitted || types[len(types)-1] != EventApproved {
		t.Fatalf("unexpected event order %v", types)
	}

	var outboxCount int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE payload->>'listing_id' = $1`, listingID).Scan(&outboxCount); err != nil {
		t.Fatalf("count outbox: %v", err)
	}
	if outboxCount != 6 {
		t.Fatalf("expected 6 outbox rows, got %d", outboxCount)
	}

	// terminal guard: edits after deletion are refused by the service
	if _, err := mutations.RequestUpdate(ctx, listingID, revised, MutateOptions{ActorID: providerID, ConfirmOverwrite: true}); err == nil {
		t.Fatal("expected deleted listing to refuse edits")
	}
}
