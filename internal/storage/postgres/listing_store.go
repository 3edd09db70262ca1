package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/jobboard-scraper/internal/scraper"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// DefaultListingTable holds accepted listings when no table is configured.
const DefaultListingTable = "listings"

// ListingStore upserts accepted records keyed by url, so a listing seen by
// several runs keeps one row pointing at the latest run.
type ListingStore struct {
	pool  Pool
	table string
}

// NewListingStore builds a ListingStore over pool.
func NewListingStore(pool Pool, table string) (*ListingStore, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	if table == "" {
		table = DefaultListingTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ListingStore{pool: pool, table: table}, nil
}

// ListingSchema returns the DDL for the listing table.
func (s *ListingStore) ListingSchema() string {
	cols := make([]string, 0, len(scraper.Columns)+2)
	for _, c := range scraper.Columns {
		if c == scraper.ColURL {
			cols = append(cols, "url TEXT PRIMARY KEY")
			continue
		}
		cols = append(cols, c+" TEXT NOT NULL DEFAULT ''")
	}
	cols = append(cols, "run_id UUID NOT NULL", "scraped_at TIMESTAMPTZ NOT NULL")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n);", s.table, strings.Join(cols, ",\n\t"))
}

// EnsureSchema creates the listing table if missing.
func (s *ListingStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, s.ListingSchema()); err != nil {
		return fmt.Errorf("ensure listing schema: %w", err)
	}
	return nil
}

func (s *ListingStore) upsertQuery() string {
	n := len(scraper.Columns)
	placeholders := make([]string, 0, n+2)
	updates := make([]string, 0, n+1)
	for i, c := range scraper.Columns {
		placeholders = append(placeholders, fmt.Sprintf("$%d", i+1))
		if c != scraper.ColURL {
			updates = append(updates, fmt.Sprintf("%s = EXCLUDED.%s", c, c))
		}
	}
	placeholders = append(placeholders, fmt.Sprintf("$%d", n+1), fmt.Sprintf("$%d", n+2))
	updates = append(updates, "run_id = EXCLUDED.run_id", "scraped_at = EXCLUDED.scraped_at")
	return fmt.Sprintf(
		"INSERT INTO %s (%s, run_id, scraped_at) VALUES (%s) ON CONFLICT (url) DO UPDATE SET %s;",
		s.table,
		strings.Join(scraper.Columns, ", "),
		strings.Join(placeholders, ", "),
		strings.Join(updates, ", "),
	)
}

// StoreListings upserts records for runID. It stops at the first failure and
// reports how many rows were written.
func (s *ListingStore) StoreListings(
	ctx context.Context,
	runID uuid.UUID,
	records []scraper.Record,
	at time.Time,
) (int, error) {
	query := s.upsertQuery()
	for i, rec := range records {
		if rec.URL == "" {
			return i, fmt.Errorf("store listing %d: url is required", i)
		}
		args := make([]any, 0, len(scraper.Columns)+2)
		for _, v := range rec.Values() {
			args = append(args, v)
		}
		args = append(args, runID, at)
		if _, err := s.pool.Exec(ctx, query, args...); err != nil {
			return i, fmt.Errorf("store listing %s: %w", rec.URL, err)
		}
	}
	return len(records), nil
}
