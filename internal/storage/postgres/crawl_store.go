// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/wiki-tree-crawler/internal/store"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for crawl runs.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Ping(context.Context) error
	Close()
}

// CrawlStore implements store.CrawlRepository using Postgres.
type CrawlStore struct {
	pool  pool
	table string
}

var _ store.CrawlRepository = (*CrawlStore)(nil)

// NewCrawlStore connects to Postgres using cfg.
func NewCrawlStore(ctx context.Context, cfg Config) (*CrawlStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s, err := NewCrawlStoreWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewCrawlStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewCrawlStoreWithPool(p pool, table string) (*CrawlStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "crawl_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &CrawlStore{pool: p, table: table}, nil
}

// Close closes the underlying connection pool.
func (s *CrawlStore) Close() {
	s.pool.Close()
}

// Ping checks connectivity for readiness probes.
func (s *CrawlStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// EnsureSchema creates the crawl runs table when missing.
func (s *CrawlStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id            UUID PRIMARY KEY,
			space_id      TEXT NOT NULL,
			root_token    TEXT NOT NULL DEFAULT '',
			started_at    TIMESTAMPTZ NOT NULL,
			finished_at   TIMESTAMPTZ,
			status        TEXT NOT NULL,
			items         BIGINT NOT NULL DEFAULT 0,
			pages         BIGINT NOT NULL DEFAULT 0,
			last_update   TIMESTAMPTZ,
			error_message TEXT
		);
		CREATE INDEX IF NOT EXISTS %[1]s_started_at_idx ON %[1]s (started_at DESC);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("ensure crawl runs schema: %w", err)
	}
	return nil
}

// UpsertCrawlStart inserts the run as running.
func (s *CrawlStore) UpsertCrawlStart(
	ctx context.Context,
	crawlID uuid.UUID,
	spaceID, rootToken string,
	startedAt time.Time,
) error {
	query := fmt.Sprintf(`
		INSERT INTO %s (id, space_id, root_token, started_at, status)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING;`, s.table)
	if _, err := s.pool.Exec(ctx, query, crawlID, spaceID, rootToken, startedAt, string(store.RunRunning)); err != nil {
		return fmt.Errorf("failed to upsert crawl start: %w", err)
	}
	return nil
}

// AddCrawlProgress applies item and page deltas to a run.
func (s *CrawlStore) AddCrawlProgress(
	ctx context.Context,
	crawlID uuid.UUID,
	deltaItems, deltaPages int64,
	at time.Time,
) error {
	query := fmt.Sprintf(`
		UPDATE %s
		SET items = items + $1, pages = pages + $2, last_update = $3
		WHERE id = $4;`, s.table)
	res, err := s.pool.Exec(ctx, query, deltaItems, deltaPages, at, crawlID)
	if err != nil {
		return fmt.Errorf("failed to add crawl progress: %w", err)
	}
	if res.RowsAffected() == 0 {
		return fmt.Errorf("add crawl progress %s: %w", crawlID, store.ErrNotFound)
	}
	return nil
}

// CompleteCrawl marks a run finished with a status and optional error message.
func (s *CrawlStore) CompleteCrawl(
	ctx context.Context,
	crawlID uuid.UUID,
	finishedAt time.Time,
	status store.RunStatus,
	errMsg *string,
) error {
	if !status.Valid() || status == store.RunRunning {
		return fmt.Errorf("invalid final status %q", status)
	}
	query := fmt.Sprintf(`
		UPDATE %s
		SET finished_at = $1, status = $2, error_message = $3
		WHERE id = $4;`, s.table)
	if _, err := s.pool.Exec(ctx, query, finishedAt, string(status), errMsg, crawlID); err != nil {
		return fmt.Errorf("failed to complete crawl: %w", err)
	}
	return nil
}

// GetCrawl retrieves a single run by its ID.
func (s *CrawlStore) GetCrawl(ctx context.Context, crawlID uuid.UUID) (store.CrawlRun, error) {
	query := fmt.Sprintf(`
		SELECT id, space_id, root_token, started_at, finished_at, status, items, pages, error_message
		FROM %s
		WHERE id = $1;`, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, crawlID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.CrawlRun{}, store.ErrNotFound
		}
		return store.CrawlRun{}, fmt.Errorf("failed to get crawl: %w", err)
	}
	return run, nil
}

// ListCrawls retrieves runs newest first, with optional status filtering.
func (s *CrawlStore) ListCrawls(
	ctx context.Context,
	status *store.RunStatus,
	limit,
	offset int,
) ([]store.CrawlRun, error) {
	var filter *string
	if status != nil {
		v := string(*status)
		filter = &v
	}
	query := fmt.Sprintf(`
		SELECT id, space_id, root_token, started_at, finished_at, status, items, pages, error_message
		FROM %s
		WHERE ($1::text IS NULL OR status = $1)
		ORDER BY started_at DESC
		LIMIT $2 OFFSET $3;`, s.table)
	rows, err := s.pool.Query(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list crawls: %w", err)
	}
	defer rows.Close()

	var runs []store.CrawlRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan crawl row: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate crawl rows: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (store.CrawlRun, error) {
	var (
		run    store.CrawlRun
		status string
	)
	err := row.Scan(
		&run.ID,
		&run.SpaceID,
		&run.RootToken,
		&run.StartedAt,
		&run.FinishedAt,
		&status,
		&run.Items,
		&run.Pages,
		&run.ErrorMessage,
	)
	if err != nil {
		return store.CrawlRun{}, err
	}
	run.Status = store.RunStatus(status)
	return run, nil
}
