package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/clayne/389-ds-base/internal/ldaputil"
	"github.com/clayne/389-ds-base/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Schema for PostgresEntryStore. Entry state is stored as a JSON document;
// dn_norm and tombstone are kept in columns for lookups.
const entriesSchema = `
	CREATE TABLE IF NOT EXISTS repl_entries (
		unique_id  TEXT PRIMARY KEY,
		suffix     TEXT NOT NULL,
		dn_norm    TEXT NOT NULL,
		tombstone  BOOLEAN NOT NULL DEFAULT FALSE,
		data       JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);
	CREATE UNIQUE INDEX IF NOT EXISTS repl_entries_live_dn
		ON repl_entries (dn_norm) WHERE NOT tombstone;
`

// PostgresEntryStore implements EntryStore using PostgreSQL
type PostgresEntryStore struct {
	pool   *pgxpool.Pool
	suffix string
	access *zap.Logger
}

// NewPostgresEntryStore creates a new PostgreSQL entry store for suffix
func NewPostgresEntryStore(pool *pgxpool.Pool, suffix string, logger *zap.Logger) *PostgresEntryStore {
	return &PostgresEntryStore{
		pool:   pool,
		suffix: suffix,
		access: logger.Named("access"),
	}
}

// Migrate creates the entries table if needed.
func (s *PostgresEntryStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, entriesSchema); err != nil {
		return fmt.Errorf("failed to create entries table: %w", err)
	}
	return nil
}

func (s *PostgresEntryStore) Get(ctx context.Context, dn string) (*model.Entry, error) {
	norm, err := ldaputil.Normalize(dn)
	if err != nil {
		return nil, err
	}

	query := `SELECT data FROM repl_entries WHERE suffix = $1 AND dn_norm = $2 AND NOT tombstone`
	return s.queryOne(ctx, query, s.suffix, norm)
}

func (s *PostgresEntryStore) GetByUniqueID(ctx context.Context, uniqueID string) (*model.Entry, error) {
	query := `SELECT data FROM repl_entries WHERE suffix = $1 AND unique_id = $2`
	return s.queryOne(ctx, query, s.suffix, uniqueID)
}

func (s *PostgresEntryStore) queryOne(ctx context.Context, query string, args ...any) (*model.Entry, error) {
	var data []byte
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&data); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}

	var e model.Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &e, nil
}

func (s *PostgresEntryStore) Exists(ctx context.Context, dn string) (bool, error) {
	norm, err := ldaputil.Normalize(dn)
	if err != nil {
		return false, err
	}

	query := `SELECT EXISTS (SELECT 1 FROM repl_entries WHERE suffix = $1 AND dn_norm = $2 AND NOT tombstone)`
	var exists bool
	if err := s.pool.QueryRow(ctx, query, s.suffix, norm).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check entry: %w", err)
	}
	return exists, nil
}

func (s *PostgresEntryStore) Apply(ctx context.Context, e *model.Entry) error {
	if e.UniqueID == "" {
		return fmt.Errorf("entry %q has no nsuniqueid", e.DN)
	}
	norm, err := ldaputil.Normalize(e.DN)
	if err != nil {
		return err
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	query := `
		INSERT INTO repl_entries (unique_id, suffix, dn_norm, tombstone, data, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (unique_id) DO UPDATE SET
			dn_norm = EXCLUDED.dn_norm,
			tombstone = EXCLUDED.tombstone,
			data = EXCLUDED.data,
			updated_at = NOW()
	`
	if _, err := s.pool.Exec(ctx, query, e.UniqueID, s.suffix, norm, e.Tombstone, data); err != nil {
		return fmt.Errorf("failed to apply entry: %w", err)
	}
	return nil
}

func (s *PostgresEntryStore) Remove(ctx context.Context, uniqueID string) error {
	result, err := s.pool.Exec(ctx, `DELETE FROM repl_entries WHERE suffix = $1 AND unique_id = $2`, s.suffix, uniqueID)
	if err != nil {
		return fmt.Errorf("failed to remove entry: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Search narrows candidates by DN in SQL and evaluates the filter in process.
func (s *PostgresEntryStore) Search(ctx context.Context, base, filter string) ([]*model.Entry, error) {
	f, err := ldaputil.CompileFilter(filter)
	if err != nil {
		return nil, err
	}
	normBase, err := ldaputil.Normalize(base)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT data FROM repl_entries
		WHERE suffix = $1 AND ($2 = '' OR dn_norm = $2 OR dn_norm LIKE '%,' || $2)
		ORDER BY unique_id
	`
	results := make([]*model.Entry, 0)
	err = s.scan(ctx, func(e *model.Entry) error {
		if f.Match(Getter(e)) {
			results = append(results, e)
		}
		return nil
	}, query, s.suffix, normBase)
	if err != nil {
		return nil, err
	}

	s.access.Info("Internal SRCH",
		zap.String("base", base),
		zap.String("filter", filter),
		zap.Int("nentries", len(results)))
	return results, nil
}

func (s *PostgresEntryStore) ForEach(ctx context.Context, fn func(*model.Entry) error) error {
	return s.scan(ctx, fn, `SELECT data FROM repl_entries WHERE suffix = $1 ORDER BY unique_id`, s.suffix)
}

func (s *PostgresEntryStore) scan(ctx context.Context, fn func(*model.Entry) error, query string, args ...any) error {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return fmt.Errorf("failed to scan entry: %w", err)
		}
		var e model.Entry
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to unmarshal entry: %w", err)
		}
		if err := fn(&e); err != nil {
			return err
		}
	}
	return rows.Err()
}

// Ping checks connectivity.
func (s *PostgresEntryStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *PostgresEntryStore) Close() {
	s.pool.Close()
}
