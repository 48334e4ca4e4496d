package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"listingflow/listing"
)

// Deps bundles what every actor needs. Actors go through the real services
// so the stress run exercises the same code paths as production traffic.
type Deps struct {
	Pool      *pgxpool.Pool
	Mutations *listing.MutationService
	Approvals *listing.ApprovalService
	Repo      *listing.PGRepository
}

func expected(err error) bool {
	return errors.Is(err, listing.ErrNotFound) ||
		errors.Is(err, listing.ErrNotEditable) ||
		errors.Is(err, listing.ErrPendingOverwrite) ||
		errors.Is(err, listing.ErrNoPendingChange) ||
		errors.Is(err, listing.ErrInvalidState)
}

func randomListingID(ctx context.Context, pool *pgxpool.Pool) (string, bool) {
	var id string
	err := pool.QueryRow(ctx, `SELECT id FROM listings ORDER BY random() LIMIT 1`).Scan(&id)
	return id, err == nil
}

func randomContent() listing.Content {
	return listing.Content{
		Name:            fmt.Sprintf("Offering %d", rand.Int63()),
		Description:     "stress generated",
		Price:           int64(1000 + rand.Intn(9000)),
		DurationMinutes: 15 * (1 + rand.Intn(8)),
		Category:        []string{"beauty", "wellness", "fitness"}[rand.Intn(3)],
	}
}

// Submitter keeps opening fresh listings for the seeded provider.
func Submitter(ctx context.Context, d Deps, providerID string, stop <-chan struct{}) error {
	kinds := []listing.Kind{listing.KindService, listing.KindPackage}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := d.Mutations.RequestCreate(ctx, providerID, kinds[rand.Intn(2)], randomContent()); err != nil && !expected(err) {
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(60)) * time.Millisecond)
	}
}

// Editor races update requests against approvals and other editors. Overwrite
// refusals and editability refusals are the contract working, not failures.
func Editor(ctx context.Context, d Deps, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomListingID(ctx, d.Pool); ok {
			opts := listing.MutateOptions{ConfirmOverwrite: rand.Intn(2) == 0}
			if _, err := d.Mutations.RequestUpdate(ctx, id, randomContent(), opts); err != nil && !expected(err) {
				return fmt.Errorf("editor: %w", err)
			}
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Deleter files deletion requests against random listings.
func Deleter(ctx context.Context, d Deps, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if id, ok := randomListingID(ctx, d.Pool); ok {
			opts := listing.MutateOptions{ConfirmOverwrite: true}
			if _, err := d.Mutations.RequestDelete(ctx, id, "stress retirement", opts); err != nil && !expected(err) {
				return fmt.Errorf("deleter: %w", err)
			}
		}
		time.Sleep(time.Duration(120+rand.Intn(120)) * time.Millisecond)
	}
}

// Approver drains the admin queue, approving whatever is pending.
func Approver(ctx context.Context, d Deps, adminID string, stop <-chan struct{}) error {
	return decide(ctx, d, adminID, stop, d.Approvals.Approve)
}

// Rejector competes with the approver over the same queue.
func Rejector(ctx context.Context, d Deps, adminID string, stop <-chan struct{}) error {
	return decide(ctx, d, adminID, stop, d.Approvals.Reject)
}

func decide(ctx context.Context, d Deps, adminID string, stop <-chan struct{},
	fn func(context.Context, listing.DecisionParams) (listing.Resolution, error)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var id string
		err := d.Pool.QueryRow(ctx, `SELECT id FROM listings
            WHERE pending_type IS NOT NULL AND status <> 'deleted'
            ORDER BY random() LIMIT 1`).Scan(&id)
		if err == nil {
			if _, err := fn(ctx, listing.DecisionParams{ListingID: id, AdminID: adminID, Reason: "stress"}); err != nil && !expected(err) {
				return fmt.Errorf("decision: %w", err)
			}
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Forger attacks the permanence guarantees directly in SQL: rewriting public
// ids, resurrecting deleted rows, hard-deleting rows. The triggers must hold
// the line; errors from these statements are the point.
func Forger(ctx context.Context, d Deps, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = d.Pool.Exec(ctx, `UPDATE listings SET public_id = 'FORGED_' || substr(id::text, 1, 8)
            WHERE id = (SELECT id FROM listings WHERE public_id IS NOT NULL ORDER BY random() LIMIT 1)`)
		_, _ = d.Pool.Exec(ctx, `UPDATE listings SET status = 'approved', deleted_at = NULL
            WHERE id = (SELECT id FROM listings WHERE status = 'deleted' ORDER BY random() LIMIT 1)`)
		_, _ = d.Pool.Exec(ctx, `DELETE FROM listings WHERE id = (SELECT id FROM listings ORDER BY random() LIMIT 1)`)
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with a simulated failure rate to exercise retries.
func OutboxWorker(ctx context.Context, d Deps, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := d.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1, last_attempt=NOW() WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed', last_attempt=NOW() WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
