// Package postgres stores listings, filter specs and the notification ledger in PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"carwatch/pkg/carwatch"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	id            TEXT PRIMARY KEY,
	source        TEXT NOT NULL,
	external_id   TEXT NOT NULL,
	title         TEXT NOT NULL,
	brand         TEXT NOT NULL DEFAULT '',
	model         TEXT NOT NULL DEFAULT '',
	year          INTEGER,
	price         INTEGER,
	mileage       INTEGER,
	region        TEXT NOT NULL DEFAULT '',
	url           TEXT NOT NULL,
	photo_url     TEXT NOT NULL DEFAULT '',
	observed_at   TIMESTAMPTZ NOT NULL,
	first_seen_at TIMESTAMPTZ NOT NULL,
	last_seen_at  TIMESTAMPTZ NOT NULL,
	UNIQUE (source, external_id)
);

CREATE TABLE IF NOT EXISTS filter_specs (
	id          TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	name        TEXT NOT NULL,
	brand       TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	region      TEXT NOT NULL DEFAULT '',
	min_year    INTEGER,
	max_year    INTEGER,
	min_price   INTEGER,
	max_price   INTEGER,
	max_mileage INTEGER,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS filter_specs_owner_idx ON filter_specs (owner);

CREATE TABLE IF NOT EXISTS notifications (
	user_id    TEXT NOT NULL,
	listing_id TEXT NOT NULL REFERENCES listings (id),
	filter_id  TEXT NOT NULL,
	sent_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (user_id, listing_id, filter_id)
);
`

const listingColumns = `id, source, external_id, title, brand, model, year, price, mileage,
	region, url, photo_url, observed_at, first_seen_at, last_seen_at`

const filterColumns = `id, owner, name, brand, model, region, min_year, max_year,
	min_price, max_price, max_mileage, active, created_at`

// Connect opens and verifies a connection pool.
func Connect(ctx context.Context, dsn string, maxConns int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.NewWithConfig: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return pool, nil
}

// Store is the PostgreSQL backend.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	now    func() time.Time
}

// New creates a store on pool. Call Migrate before first use.
func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger, now: time.Now}
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// UpsertListing inserts c keyed on (source, external_id), or refreshes
// last_seen_at on the stored row. isNew is true only for the insert.
func (s *Store) UpsertListing(ctx context.Context, c *carwatch.Candidate) (*carwatch.Listing, bool, error) {
	if c == nil || c.Source == "" || c.ExternalID == "" {
		return nil, false, errors.New("candidate needs source and external id")
	}
	now := s.now().UTC()
	observed := c.ObservedAt
	if observed.IsZero() {
		observed = now
	}

	row := s.pool.QueryRow(ctx,
		`INSERT INTO listings (`+listingColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
		 ON CONFLICT (source, external_id)
		 DO UPDATE SET last_seen_at = GREATEST(listings.last_seen_at, EXCLUDED.last_seen_at)
		 RETURNING `+listingColumns+`, (xmax = 0) AS inserted`,
		carwatch.ListingID(c.Source, c.ExternalID), c.Source, c.ExternalID, c.Title,
		c.Brand, c.Model, c.Year, c.Price, c.Mileage,
		c.Region, c.URL, c.PhotoURL, observed, now,
	)

	var l carwatch.Listing
	var inserted bool
	dest := append(listingDest(&l), &inserted)
	if err := row.Scan(dest...); err != nil {
		return nil, false, fmt.Errorf("upsert listing %s/%s: %w", c.Source, c.ExternalID, err)
	}
	return &l, inserted, nil
}

// Listing loads a listing by id.
func (s *Store) Listing(ctx context.Context, id string) (*carwatch.Listing, error) {
	var l carwatch.Listing
	err := s.pool.QueryRow(ctx, `SELECT `+listingColumns+` FROM listings WHERE id = $1`, id).Scan(listingDest(&l)...)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, carwatch.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load listing %s: %w", id, err)
	}
	return &l, nil
}

// SaveFilter validates and inserts or replaces f.
func (s *Store) SaveFilter(ctx context.Context, f *carwatch.FilterSpec) error {
	if err := f.Validate(); err != nil {
		return err
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO filter_specs (`+filterColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO UPDATE SET
		   owner = EXCLUDED.owner, name = EXCLUDED.name, brand = EXCLUDED.brand,
		   model = EXCLUDED.model, region = EXCLUDED.region,
		   min_year = EXCLUDED.min_year, max_year = EXCLUDED.max_year,
		   min_price = EXCLUDED.min_price, max_price = EXCLUDED.max_price,
		   max_mileage = EXCLUDED.max_mileage, active = EXCLUDED.active`,
		f.ID, f.Owner, f.Name, f.Brand, f.Model, f.Region,
		f.MinYear, f.MaxYear, f.MinPrice, f.MaxPrice, f.MaxMileage,
		f.Active, f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save filter %s: %w", f.ID, err)
	}
	s.logger.Info("Filter saved", "filter_id", f.ID, "owner", f.Owner, "active", f.Active)
	return nil
}

// ActiveFilters returns every active filter, oldest first.
func (s *Store) ActiveFilters(ctx context.Context) ([]*carwatch.FilterSpec, error) {
	return s.queryFilters(ctx,
		`SELECT `+filterColumns+` FROM filter_specs WHERE active ORDER BY created_at, id`)
}

// FiltersByOwner returns all filters belonging to owner.
func (s *Store) FiltersByOwner(ctx context.Context, owner string) ([]*carwatch.FilterSpec, error) {
	return s.queryFilters(ctx,
		`SELECT `+filterColumns+` FROM filter_specs WHERE owner = $1 ORDER BY created_at, id`, owner)
}

// DeactivateFilter marks a filter inactive.
func (s *Store) DeactivateFilter(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE filter_specs SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate filter %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return carwatch.ErrNotFound
	}
	s.logger.Info("Filter deactivated", "filter_id", id)
	return nil
}

// WasNotified reports whether the ledger holds the triple.
func (s *Store) WasNotified(ctx context.Context, user, listingID, filterID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM notifications WHERE user_id = $1 AND listing_id = $2 AND filter_id = $3)`,
		user, listingID, filterID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check ledger: %w", err)
	}
	return exists, nil
}

// RecordNotified inserts a ledger row, returning carwatch.ErrAlreadyNotified
// when the triple is already present.
func (s *Store) RecordNotified(ctx context.Context, rec *carwatch.NotificationRecord) error {
	sentAt := rec.SentAt
	if sentAt.IsZero() {
		sentAt = s.now().UTC()
	}
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (user_id, listing_id, filter_id, sent_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT DO NOTHING`,
		rec.User, rec.ListingID, rec.FilterID, sentAt,
	)
	if err != nil {
		return fmt.Errorf("record notification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return carwatch.ErrAlreadyNotified
	}
	return nil
}

func (s *Store) queryFilters(ctx context.Context, sql string, args ...any) ([]*carwatch.FilterSpec, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query filter_specs: %w", err)
	}
	defer rows.Close()

	var out []*carwatch.FilterSpec
	for rows.Next() {
		var f carwatch.FilterSpec
		if err := rows.Scan(
			&f.ID, &f.Owner, &f.Name, &f.Brand, &f.Model, &f.Region,
			&f.MinYear, &f.MaxYear, &f.MinPrice, &f.MaxPrice, &f.MaxMileage,
			&f.Active, &f.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		out = append(out, &f)
	}
	return out, rows.Err()
}

func listingDest(l *carwatch.Listing) []any {
	return []any{
		&l.ID, &l.Source, &l.ExternalID, &l.Title, &l.Brand, &l.Model,
		&l.Year, &l.Price, &l.Mileage,
		&l.Region, &l.URL, &l.PhotoURL, &l.ObservedAt, &l.FirstSeenAt, &l.LastSeenAt,
	}
}
