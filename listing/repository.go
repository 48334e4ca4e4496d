package listing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that no listing row exists for the identifier.
	ErrNotFound = errors.New("listing: not found")
	// ErrInvalidState signals a mutation attempted on a deleted listing.
	ErrInvalidState = errors.New("listing: deleted listings cannot be mutated")
)

// Outcome is the admin decision applied to a pending change.
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Filters narrows list queries.
type Filters struct {
	ProviderID  string
	PendingOnly bool
	Page        int
	PageSize    int
}

// ApplyChangeParams carries a pending-change write. ReplaceContent and
// ReplaceStatus are used when re-arming a create request on a never-approved
// listing, where the revised content becomes the proposed content itself.
type ApplyChangeParams struct {
	ID             string
	Change         PendingChange
	ReplaceContent *Content
	ReplaceStatus  *Status
}

// ResolveChangeParams carries an admin resolution. NewPublicID is set only
// when approving a create; MergedContent only when approving an update.
type ResolveChangeParams struct {
	ID            string
	Outcome       Outcome
	RequestType   RequestType
	NewPublicID   *string
	MergedContent *Content
}

// Repository is the Listing Store: the single owner of listings rows. All
// writes run inside the caller's transaction so a second request for the same
// id observes either the fully applied or fully unapplied prior state.
type Repository interface {
	Get(ctx context.Context, id string) (Listing, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error)
	Insert(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error)
	ApplyPendingChange(ctx context.Context, tx pgx.Tx, params ApplyChangeParams) (Listing, error)
	ResolvePendingChange(ctx context.Context, tx pgx.Tx, params ResolveChangeParams) (Listing, error)
	NextPublicID(ctx context.Context, tx pgx.Tx, kind Kind) (string, error)
	List(ctx context.Context, filters Filters) ([]Listing, int, error)
	CountsByRequestType(ctx context.Context) (map[RequestType]int, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const listingCols = `id, provider_id, kind, public_id, status, content,
       pending_type, pending_content, pending_fields, pending_reason, pending_submitted_at,
       admin_action_taken, first_submitted_at, first_approved_at, last_updated_at, deleted_at,
       created_at, updated_at`

// Get fetches a listing by its internal id.
func (r *PGRepository) Get(ctx context.Context, id string) (Listing, error) {
	query := fmt.Sprintf(`SELECT %s FROM listings WHERE id = $1`, listingCols)
	l, err := scanListing(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get: %w", err)
	}
	return l, nil
}

// GetForUpdate fetches a listing with a row lock held for the transaction.
func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Listing, error) {
	query := fmt.Sprintf(`SELECT %s FROM listings WHERE id = $1 FOR UPDATE`, listingCols)
	l, err := scanListing(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, ErrNotFound
		}
		return Listing{}, fmt.Errorf("listing: get for update: %w", err)
	}
	return l, nil
}

// Insert writes a brand-new listing row with its opening create request.
func (r *PGRepository) Insert(ctx context.Context, tx pgx.Tx, l Listing) (Listing, error) {
	contentJSON, err := json.Marshal(l.Content)
	if err != nil {
		return Listing{}, fmt.Errorf("listing: marshal content: %w", err)
	}
	if l.Pending == nil {
		return Listing{}, fmt.Errorf("listing: insert requires an opening pending change")
	}

	query := fmt.Sprintf(`
        INSERT INTO listings (id, provider_id, kind, status, content,
            pending_type, pending_reason, pending_submitted_at,
            admin_action_taken, first_submitted_at)
        VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5,
            $6, $7, $8, false, $9)
        RETURNING %s`, listingCols)

	created, err := scanListing(tx.QueryRow(ctx, query,
		l.ID,
		l.ProviderID,
		l.Kind,
		l.Status,
		contentJSON,
		l.Pending.RequestType,
		nullIfEmpty(l.Pending.Reason),
		l.Pending.SubmittedAt,
		l.FirstSubmittedAt,
	))
	if err != nil {
		return Listing{}, fmt.Errorf("listing: insert: %w", err)
	}
	return created, nil
}

// ApplyPendingChange attaches (or replaces) the pending change and resets
// admin_action_taken. The caller holds the row lock.
func (r *PGRepository) ApplyPendingChange(ctx context.Context, tx pgx.Tx, params ApplyChangeParams) (Listing, error) {
	var proposedJSON []byte
	if params.Change.ProposedContent != nil {
		b, err := json.Marshal(params.Change.ProposedContent)
		if err != nil {
			return Listing{}, fmt.Errorf("listing: marshal proposed content: %w", err)
		}
		proposedJSON = b
	}

	var replaceJSON []byte
	if params.ReplaceContent != nil {
		b, err := json.Marshal(params.ReplaceContent)
		if err != nil {
			return Listing{}, fmt.Errorf("listing: marshal replacement content: %w", err)
		}
		replaceJSON = b
	}

	query := fmt.Sprintf(`
        UPDATE listings
        SET pending_type = $2,
            pending_content = $3,
            pending_fields = $4,
            pending_reason = $5,
            pending_submitted_at = $6,
            admin_action_taken = false,
            content = COALESCE($7, content),
            status = COALESCE($8, status),
            updated_at = get_tx_timestamp()
        WHERE id = $1 AND status <> 'deleted'
        RETURNING %s`, listingCols)

	l, err := scanListing(tx.QueryRow(ctx, query,
		params.ID,
		params.Change.RequestType,
		proposedJSON,
		params.Change.ChangedFields,
		nullIfEmpty(params.Change.Reason),
		params.Change.SubmittedAt,
		replaceJSON,
		params.ReplaceStatus,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, r.classifyMissing(ctx, tx, params.ID)
		}
		return Listing{}, fmt.Errorf("listing: apply pending change: %w", err)
	}
	return l, nil
}

// ResolvePendingChange clears the pending change, marks the admin action
// taken, and on approval applies the request-type-specific effect. Public id
// assignment happens here and nowhere else.
func (r *PGRepository) ResolvePendingChange(ctx context.Context, tx pgx.Tx, params ResolveChangeParams) (Listing, error) {
	var query string
	args := []any{params.ID}

	switch {
	case params.Outcome == OutcomeRejected:
		query = `
            UPDATE listings
            SET pending_type = NULL, pending_content = NULL, pending_fields = NULL,
                pending_reason = NULL, pending_submitted_at = NULL,
                admin_action_taken = true,
                status = CASE WHEN first_approved_at IS NOT NULL THEN 'approved' ELSE 'rejected' END,
                updated_at = get_tx_timestamp()
            WHERE id = $1 AND status <> 'deleted'`
	case params.RequestType == RequestCreate:
		query = `
            UPDATE listings
            SET pending_type = NULL, pending_content = NULL, pending_fields = NULL,
                pending_reason = NULL, pending_submitted_at = NULL,
                admin_action_taken = true,
                status = 'approved',
                public_id = COALESCE(public_id, $2),
                first_approved_at = COALESCE(first_approved_at, get_tx_timestamp()),
                updated_at = get_tx_timestamp()
            WHERE id = $1 AND status <> 'deleted'`
		args = append(args, params.NewPublicID)
	case params.RequestType == RequestUpdate:
		merged, err := json.Marshal(params.MergedContent)
		if err != nil {
			return Listing{}, fmt.Errorf("listing: marshal merged content: %w", err)
		}
		query = `
            UPDATE listings
            SET pending_type = NULL, pending_content = NULL, pending_fields = NULL,
                pending_reason = NULL, pending_submitted_at = NULL,
                admin_action_taken = true,
                status = 'approved',
                content = $2,
                last_updated_at = get_tx_timestamp(),
                updated_at = get_tx_timestamp()
            WHERE id = $1 AND status <> 'deleted'`
		args = append(args, merged)
	case params.RequestType == RequestDelete:
		query = `
            UPDATE listings
            SET pending_type = NULL, pending_content = NULL, pending_fields = NULL,
                pending_reason = NULL, pending_submitted_at = NULL,
                admin_action_taken = true,
                status = 'deleted',
                deleted_at = get_tx_timestamp(),
                updated_at = get_tx_timestamp()
            WHERE id = $1 AND status <> 'deleted'`
	default:
		return Listing{}, fmt.Errorf("listing: unknown request type %q", params.RequestType)
	}

	l, err := scanListing(tx.QueryRow(ctx, query+" RETURNING "+listingCols, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Listing{}, r.classifyMissing(ctx, tx, params.ID)
		}
		return Listing{}, fmt.Errorf("listing: resolve pending change: %w", err)
	}
	return l, nil
}

// NextPublicID draws the next permanent identifier for the kind. Sequences
// only ever move forward, so an id handed out here is never reused.
func (r *PGRepository) NextPublicID(ctx context.Context, tx pgx.Tx, kind Kind) (string, error) {
	seq, prefix := "listing_svc_public_seq", "SVC"
	if kind == KindPackage {
		seq, prefix = "listing_pkg_public_seq", "PKG"
	}
	var n int64
	if err := tx.QueryRow(ctx, fmt.Sprintf(`SELECT nextval('%s')`, seq)).Scan(&n); err != nil {
		return "", fmt.Errorf("listing: next public id: %w", err)
	}
	return fmt.Sprintf("%s_%03d", prefix, n), nil
}

// List returns listings matching the filters plus the unpaged total.
func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Listing, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.ProviderID != "" {
		where = append(where, fmt.Sprintf("provider_id=$%d", len(args)+1))
		args = append(args, filters.ProviderID)
	}
	if filters.PendingOnly {
		where = append(where, `status <> 'deleted' AND admin_action_taken = false
            AND (pending_type IS NOT NULL OR (status = 'pending_approval' AND first_approved_at IS NULL))`)
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM listings%s ORDER BY created_at DESC LIMIT %d OFFSET %d`,
		listingCols, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("listing: list: %w", err)
	}
	defer rows.Close()

	list := []Listing{}
	for rows.Next() {
		l, err := scanListing(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("listing: scan list row: %w", err)
		}
		list = append(list, l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("listing: iterate list: %w", err)
	}

	var total int
	countQuery := fmt.Sprintf("SELECT COUNT(*) FROM listings%s", whereClause)
	if err := r.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("listing: count list: %w", err)
	}

	return list, total, nil
}

// CountsByRequestType aggregates open pending changes for the admin summary.
func (r *PGRepository) CountsByRequestType(ctx context.Context) (map[RequestType]int, error) {
	rows, err := r.pool.Query(ctx, `
        SELECT pending_type, COUNT(*)
        FROM listings
        WHERE pending_type IS NOT NULL AND status <> 'deleted'
        GROUP BY pending_type`)
	if err != nil {
		return nil, fmt.Errorf("listing: counts by request type: %w", err)
	}
	defer rows.Close()

	counts := map[RequestType]int{}
	for rows.Next() {
		var (
			t RequestType
			n int
		)
		if err := rows.Scan(&t, &n); err != nil {
			return nil, fmt.Errorf("listing: scan count row: %w", err)
		}
		counts[t] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing: iterate counts: %w", err)
	}
	return counts, nil
}

// classifyMissing distinguishes a missing row from a deleted one after an
// UPDATE matched nothing.
func (r *PGRepository) classifyMissing(ctx context.Context, tx pgx.Tx, id string) error {
	var status Status
	err := tx.QueryRow(ctx, `SELECT status FROM listings WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("listing: classify missing row: %w", err)
	}
	if status == StatusDeleted {
		return ErrInvalidState
	}
	return ErrNotFound
}

func scanListing(row pgx.Row) (Listing, error) {
	var (
		l               Listing
		publicID        *string
		contentJSON     []byte
		pendingType     *RequestType
		pendingJSON     []byte
		pendingFields   []string
		pendingReason   *string
		pendingSubmitAt *time.Time
	)
	err := row.Scan(
		&l.ID,
		&l.ProviderID,
		&l.Kind,
		&publicID,
		&l.Status,
		&contentJSON,
		&pendingType,
		&pendingJSON,
		&pendingFields,
		&pendingReason,
		&pendingSubmitAt,
		&l.AdminActionTaken,
		&l.FirstSubmittedAt,
		&l.FirstApprovedAt,
		&l.LastUpdatedAt,
		&l.DeletedAt,
		&l.CreatedAt,
		&l.UpdatedAt,
	)
	if err != nil {
		return Listing{}, err
	}

	l.PublicID = publicID
	if err := json.Unmarshal(contentJSON, &l.Content); err != nil {
		return Listing{}, fmt.Errorf("listing: decode content: %w", err)
	}

	if pendingType != nil {
		change := PendingChange{
			RequestType:   *pendingType,
			ChangedFields: pendingFields,
		}
		if pendingReason != nil {
			change.Reason = *pendingReason
		}
		if pendingSubmitAt != nil {
			change.SubmittedAt = *pendingSubmitAt
		}
		if len(pendingJSON) > 0 {
			var proposed Content
			if err := json.Unmarshal(pendingJSON, &proposed); err != nil {
				return Listing{}, fmt.Errorf("listing: decode proposed content: %w", err)
			}
			change.ProposedContent = &proposed
		}
		l.Pending = &change
	}

	return l, nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
