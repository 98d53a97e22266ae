package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lysyi3m/auto-comb/app/cache"
	"github.com/lysyi3m/auto-comb/app/listing"
)

// ListingRepository persists cache entries in the logical_listings table.
type ListingRepository struct {
	db *DB
}

func NewListingRepository(db *DB) *ListingRepository {
	return &ListingRepository{db: db}
}

func (r *ListingRepository) Save(ctx context.Context, e cache.Entry) error {
	ll := e.Listing

	members, err := json.Marshal(ll.Members)
	if err != nil {
		return fmt.Errorf("failed to marshal members: %w", err)
	}
	canonical, err := json.Marshal(ll.Canonical)
	if err != nil {
		return fmt.Errorf("failed to marshal canonical listing: %w", err)
	}
	trust, err := json.Marshal(ll.Trust)
	if err != nil {
		return fmt.Errorf("failed to marshal trust breakdown: %w", err)
	}
	fetched, err := json.Marshal(ll.PerSourceFetchedAt)
	if err != nil {
		return fmt.Errorf("failed to marshal fetch times: %w", err)
	}
	flags := ll.Flags
	if flags == nil {
		flags = []string{}
	}
	flagsJSON, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal flags: %w", err)
	}

	_, err = r.db.ExecContext(ctx, r.db.rebind(`
		INSERT INTO logical_listings (
			dedup_key, scope, listing_id, member_listings, canonical_fields,
			trust_breakdown, per_source_fetched_at, flags, publishable,
			expires_at, stored_at, degraded, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (dedup_key) DO UPDATE SET
			member_listings = excluded.member_listings,
			canonical_fields = excluded.canonical_fields,
			trust_breakdown = excluded.trust_breakdown,
			per_source_fetched_at = excluded.per_source_fetched_at,
			flags = excluded.flags,
			publishable = excluded.publishable,
			expires_at = excluded.expires_at,
			stored_at = excluded.stored_at,
			degraded = excluded.degraded,
			updated_at = excluded.updated_at
	`), e.Key().String(), ll.Scope, ll.ID, string(members), string(canonical),
		string(trust), string(fetched), string(flagsJSON), ll.Publishable,
		e.ExpiresAt.UnixMilli(), e.StoredAt.UnixMilli(), e.Degraded, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to save logical listing: %w", err)
	}
	return nil
}

func (r *ListingRepository) Delete(ctx context.Context, key cache.Key) error {
	_, err := r.db.ExecContext(ctx, r.db.rebind(`DELETE FROM logical_listings WHERE dedup_key = ?`), key.String())
	if err != nil {
		return fmt.Errorf("failed to delete logical listing: %w", err)
	}
	return nil
}

func (r *ListingRepository) LoadAll(ctx context.Context) ([]cache.Entry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT scope, listing_id, member_listings, canonical_fields, trust_breakdown,
		       per_source_fetched_at, flags, publishable, expires_at, stored_at, degraded
		FROM logical_listings
		ORDER BY updated_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to load logical listings: %w", err)
	}
	defer rows.Close()

	var entries []cache.Entry
	for rows.Next() {
		var (
			ll                   listing.LogicalListing
			members, canonical   string
			trust, fetched, flag string
			expiresAt, storedAt  int64
			degraded             bool
		)
		if err := rows.Scan(&ll.Scope, &ll.ID, &members, &canonical, &trust,
			&fetched, &flag, &ll.Publishable, &expiresAt, &storedAt, &degraded); err != nil {
			return nil, fmt.Errorf("failed to scan logical listing row: %w", err)
		}

		columns := []struct {
			name string
			raw  string
			dst  any
		}{
			{"member_listings", members, &ll.Members},
			{"canonical_fields", canonical, &ll.Canonical},
			{"trust_breakdown", trust, &ll.Trust},
			{"per_source_fetched_at", fetched, &ll.PerSourceFetchedAt},
			{"flags", flag, &ll.Flags},
		}
		for _, col := range columns {
			if err := json.Unmarshal([]byte(col.raw), col.dst); err != nil {
				return nil, fmt.Errorf("failed to unmarshal %s for %s:%s: %w", col.name, ll.Scope, ll.ID, err)
			}
		}

		ll.ExpiresAt = time.UnixMilli(expiresAt).UTC()
		entries = append(entries, cache.Entry{
			Listing:   ll,
			StoredAt:  time.UnixMilli(storedAt).UTC(),
			ExpiresAt: ll.ExpiresAt,
			Degraded:  degraded,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating logical listing rows: %w", err)
	}
	return entries, nil
}

func (r *ListingRepository) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logical_listings`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count logical listings: %w", err)
	}
	return count, nil
}

// CountByScope returns the number of stored listings per city.
func (r *ListingRepository) CountByScope(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT scope, COUNT(*) FROM logical_listings GROUP BY scope`)
	if err != nil {
		return nil, fmt.Errorf("failed to count logical listings by scope: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var scope string
		var n int
		if err := rows.Scan(&scope, &n); err != nil {
			return nil, fmt.Errorf("failed to scan scope count: %w", err)
		}
		counts[scope] = n
	}
	return counts, rows.Err()
}
