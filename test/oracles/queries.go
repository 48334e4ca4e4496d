package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns the invariant checks run repeatedly during the stress test.
// Each query selects violating rows; an empty result means the invariant held.
func All() []Oracle {
	return []Oracle{
		{
			Name: "L1_pending_shape",
			SQL: `SELECT id, pending_type FROM listings
                  WHERE (pending_type IS NULL AND (pending_content IS NOT NULL OR pending_fields IS NOT NULL OR pending_submitted_at IS NOT NULL))
                     OR (pending_type IS NOT NULL AND pending_submitted_at IS NULL)
                     OR (pending_type = 'update' AND pending_content IS NULL)`,
		},
		{
			Name: "L2_public_id_format",
			SQL: `SELECT id, kind, public_id FROM listings
                  WHERE public_id IS NOT NULL
                    AND public_id !~ ('^' || CASE kind WHEN 'service' THEN 'SVC' ELSE 'PKG' END || '_[0-9]+$')`,
		},
		{
			Name: "L3_public_id_after_approval",
			SQL: `SELECT id FROM listings
                  WHERE first_approved_at IS NOT NULL AND public_id IS NULL`,
		},
		{
			Name: "L4_deleted_terminal",
			SQL: `SELECT id, status FROM listings
                  WHERE status = 'deleted' AND (deleted_at IS NULL OR pending_type IS NOT NULL)`,
		},
		{
			Name: "L5_status_after_approval",
			SQL: `SELECT id, status FROM listings
                  WHERE first_approved_at IS NOT NULL AND status NOT IN ('approved','deleted')`,
		},
		{
			Name: "L6_admin_flag_consistent",
			SQL: `SELECT id FROM listings
                  WHERE admin_action_taken AND pending_type IS NOT NULL AND status <> 'deleted'`,
		},
		{
			Name: "L7_event_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT listing_id, seq,
                             LAG(seq) OVER (PARTITION BY listing_id ORDER BY seq) AS prev
                      FROM listing_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "L8_outbox_drains",
			SQL: `SELECT id, topic, attempts FROM outbox
                  WHERE status = 'pending' AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "L9_delete_guard_installed",
			SQL: `SELECT 'missing_no_delete_trigger' AS detail
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname='no_delete_listings')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
