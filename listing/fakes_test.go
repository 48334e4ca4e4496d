package listing

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeRepository mirrors the PGRepository semantics in memory so the services
// can be exercised without Postgres.
type fakeRepository struct {
	rows    map[string]Listing
	nextSvc int
	nextPkg int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rows: make(map[string]Listing)}
}

func (f *fakeRepository) put(l Listing) {
	f.rows[l.ID] = l
}

func (f *fakeRepository) Get(_ context.Context, id string) (Listing, error) {
	l, ok := f.rows[id]
	if !ok {
		return Listing{}, ErrNotFound
	}
	return l, nil
}

func (f *fakeRepository) GetForUpdate(ctx context.Context, _ pgx.Tx, id string) (Listing, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepository) Insert(_ context.Context, _ pgx.Tx, l Listing) (Listing, error) {
	if l.Pending == nil {
		return Listing{}, fmt.Errorf("listing: insert requires an opening pending change")
	}
	now := time.Now().UTC()
	l.CreatedAt = now
	l.UpdatedAt = now
	f.rows[l.ID] = l
	return l, nil
}

func (f *fakeRepository) ApplyPendingChange(_ context.Context, _ pgx.Tx, params ApplyChangeParams) (Listing, error) {
	l, ok := f.rows[params.ID]
	if !ok {
		return Listing{}, ErrNotFound
	}
	if l.Status == StatusDeleted {
		return Listing{}, ErrInvalidState
	}
	change := params.Change
	l.Pending = &change
	l.AdminActionTaken = false
	if params.ReplaceContent != nil {
		l.Content = *params.ReplaceContent
	}
	if params.ReplaceStatus != nil {
		l.Status = *params.ReplaceStatus
	}
	l.UpdatedAt = time.Now().UTC()
	f.rows[params.ID] = l
	return l, nil
}

func (f *fakeRepository) ResolvePendingChange(_ context.Context, _ pgx.Tx, params ResolveChangeParams) (Listing, error) {
	l, ok := f.rows[params.ID]
	if !ok {
		return Listing{}, ErrNotFound
	}
	if l.Status == StatusDeleted {
		return Listing{}, ErrInvalidState
	}
	now := time.Now().UTC()
	l.Pending = nil
	l.AdminActionTaken = true

	switch {
	case params.Outcome == OutcomeRejected:
		if l.FirstApprovedAt != nil {
			l.Status = StatusApproved
		} else {
			l.Status = StatusRejected
		}
	case params.RequestType == RequestCreate:
		l.Status = StatusApproved
		if l.PublicID == nil {
			l.PublicID = params.NewPublicID
		}
		if l.FirstApprovedAt == nil {
			l.FirstApprovedAt = &now
		}
	case params.RequestType == RequestUpdate:
		l.Status = StatusApproved
		if params.MergedContent != nil {
			l.Content = *params.MergedContent
		}
		l.LastUpdatedAt = &now
	case params.RequestType == RequestDelete:
		l.Status = StatusDeleted
		l.DeletedAt = &now
	default:
		return Listing{}, fmt.Errorf("listing: unknown request type %q", params.RequestType)
	}

	l.UpdatedAt = now
	f.rows[params.ID] = l
	return l, nil
}

func (f *fakeRepository) NextPublicID(_ context.Context, _ pgx.Tx, kind Kind) (string, error) {
	if kind == KindPackage {
		f.nextPkg++
		return fmt.Sprintf("PKG_%03d", f.nextPkg), nil
	}
	f.nextSvc++
	return fmt.Sprintf("SVC_%03d", f.nextSvc), nil
}

func (f *fakeRepository) List(_ context.Context, filters Filters) ([]Listing, int, error) {
	out := []Listing{}
	for _, l := range f.rows {
		if filters.ProviderID != "" && l.ProviderID != filters.ProviderID {
			continue
		}
		if filters.PendingOnly && !NeedsAdminAction(l) {
			continue
		}
		out = append(out, l)
	}
	return out, len(out), nil
}

func (f *fakeRepository) CountsByRequestType(_ context.Context) (map[RequestType]int, error) {
	counts := map[RequestType]int{}
	for _, l := range f.rows {
		if l.Pending != nil && l.Status != StatusDeleted {
			counts[l.Pending.RequestType]++
		}
	}
	return counts, nil
}

type fakePool struct {
	tx       *fakeTx
	beginErr error
}

func (f *fakePool) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginErr != nil {
		return nil, f.beginErr
	}
	f.tx = &fakeTx{}
	return f.tx, nil
}

// fakeTx records the side-channel writes (timeline events, outbox rows) the
// services issue alongside repository calls.
type fakeTx struct {
	rolled    bool
	committed bool
	execSQL   []string
}

func (f *fakeTx) eventCount() int {
	n := 0
	for _, q := range f.execSQL {
		if strings.Contains(q, "listing_events") {
			n++
		}
	}
	return n
}

func (f *fakeTx) outboxCount() int {
	n := 0
	for _, q := range f.execSQL {
		if strings.Contains(q, "INSERT INTO outbox") {
			n++
		}
	}
	return n
}

func (f *fakeTx) Begin(context.Context) (pgx.Tx, error) {
	return nil, errors.New("fakeTx does not support nested transactions")
}

func (f *fakeTx) Commit(context.Context) error {
	f.committed = true
	return nil
}

func (f *fakeTx) Rollback(context.Context) error {
	f.rolled = true
	return nil
}

func (f *fakeTx) CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error) {
	panic("not implemented")
}

func (f *fakeTx) SendBatch(context.Context, *pgx.Batch) pgx.BatchResults {
	panic("not implemented")
}

func (f *fakeTx) LargeObjects() pgx.LargeObjects {
	panic("not implemented")
}

func (f *fakeTx) Prepare(context.Context, string, string) (*pgconn.StatementDescription, error) {
	panic("not implemented")
}

func (f *fakeTx) Exec(_ context.Context, sql string, _ ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	return pgconn.CommandTag{}, nil
}

func (f *fakeTx) Query(context.Context, string, ...any) (pgx.Rows, error) {
	panic("not implemented")
}

func (f *fakeTx) QueryRow(context.Context, string, ...any) pgx.Row {
	panic("not implemented")
}

func (f *fakeTx) Conn() *pgx.Conn {
	return nil
}
