package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested provider does not exist.
var ErrNotFound = errors.New("provider: not found")

// Repository provides read access to provider profiles.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a provider profile by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Profile, error) {
	const query = `
		SELECT p.id, p.name, p.verified, p.rating,
		       COUNT(l.id) FILTER (WHERE l.status = 'approved') AS active_listings,
		       p.created_at
		FROM providers p
		LEFT JOIN listings l ON l.provider_id = p.id
		WHERE p.id = $1
		GROUP BY p.id
	`

	var profile Profile
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&profile.ID,
		&profile.Name,
		&profile.Verified,
		&profile.Rating,
		&profile.ActiveListings,
		&profile.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Profile{}, ErrNotFound
		}
		return Profile{}, fmt.Errorf("provider: query by id: %w", err)
	}

	return profile, nil
}

// List fetches up to limit provider profiles ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Profile, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}

	const query = `
		SELECT p.id, p.name, p.verified, p.rating,
		       COUNT(l.id) FILTER (WHERE l.status = 'approved') AS active_listings,
		       p.created_at
		FROM providers p
		LEFT JOIN listings l ON l.provider_id = p.id
		GROUP BY p.id
		ORDER BY p.name ASC
		LIMIT $1
	`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("provider: list: %w", err)
	}
	defer rows.Close()

	profiles := make([]Profile, 0, limit)
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.Name, &profile.Verified, &profile.Rating, &profile.ActiveListings, &profile.CreatedAt); err != nil {
			return nil, fmt.Errorf("provider: scan profile: %w", err)
		}
		profiles = append(profiles, profile)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("provider: iterate profiles: %w", err)
	}

	return profiles, nil
}
