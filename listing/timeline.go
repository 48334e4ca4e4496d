package listing

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Timeline event types appended across the approval workflow.
const (
	EventSubmitted       = "LISTING_SUBMITTED"
	EventUpdateRequested = "UPDATE_REQUESTED"
	EventDeleteRequested = "DELETE_REQUESTED"
	EventApproved        = "LISTING_APPROVED"
	EventRejected        = "LISTING_REJECTED"
)

// appendEvent writes an append-only history row for the listing. The caller
// holds the listing row lock, so the per-listing seq computed here cannot race.
func appendEvent(ctx context.Context, tx pgx.Tx, listingID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("listing: marshal event payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
INSERT INTO listing_events (listing_id, seq, type, actor_id, payload)
SELECT $1, COALESCE(MAX(seq), 0) + 1, $2, $3::uuid, $4::jsonb
FROM listing_events
WHERE listing_id = $1
`
	if _, err := tx.Exec(ctx, q, listingID, eventType, actor, body); err != nil {
		return fmt.Errorf("listing: insert event: %w", err)
	}
	return nil
}

// enqueueOutbox records a message for downstream delivery in the same
// transaction as the state change it announces.
func enqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("listing: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("listing: enqueue outbox: %w", err)
	}
	return nil
}
