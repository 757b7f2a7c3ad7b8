package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/realtime-events-crawler/internal/crawler"
)

// RunStore keeps run records in a table with JSONB request and summary columns.
type RunStore struct {
	pool  querier
	table string
}

// NewRunStore constructs a RunStore over an existing pool.
func NewRunStore(pool querier, table string) (*RunStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "scrape_runs"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &RunStore{pool: pool, table: table}, nil
}

// EnsureSchema creates the runs table.
func (s *RunStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	id          TEXT PRIMARY KEY,
	status      TEXT        NOT NULL,
	request     JSONB       NOT NULL,
	summary     JSONB,
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s table: %w", s.table, err)
	}
	return nil
}

// SaveRun inserts the run or updates its status, summary and finish time.
func (s *RunStore) SaveRun(ctx context.Context, run crawler.RunRecord) error {
	if run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	requestJSON, err := json.Marshal(run.Request)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	var summaryJSON []byte
	if run.Summary != nil {
		if summaryJSON, err = json.Marshal(run.Summary); err != nil {
			return fmt.Errorf("marshal summary: %w", err)
		}
	}
	var finishedAt *time.Time
	if !run.FinishedAt.IsZero() {
		t := run.FinishedAt.UTC()
		finishedAt = &t
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, status, request, summary, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (id) DO UPDATE SET
	status = EXCLUDED.status,
	summary = EXCLUDED.summary,
	finished_at = EXCLUDED.finished_at`, s.table)
	if _, err := s.pool.Exec(ctx, query,
		run.ID,
		string(run.Status),
		requestJSON,
		summaryJSON,
		run.StartedAt.UTC(),
		finishedAt,
	); err != nil {
		return fmt.Errorf("save run %s: %w", run.ID, err)
	}
	return nil
}

// GetRun loads a run by id.
func (s *RunStore) GetRun(ctx context.Context, id string) (crawler.RunRecord, bool, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, runColumns, s.table)
	run, err := scanRun(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.RunRecord{}, false, nil
	}
	if err != nil {
		return crawler.RunRecord{}, false, fmt.Errorf("get run %s: %w", id, err)
	}
	return run, true, nil
}

// ListRuns returns the most recent runs first.
func (s *RunStore) ListRuns(ctx context.Context, limit int) ([]crawler.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	query := fmt.Sprintf(`SELECT %s FROM %s ORDER BY started_at DESC LIMIT $1`, runColumns, s.table)
	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []crawler.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

const runColumns = "id, status, request, summary, started_at, finished_at"

func scanRun(row pgx.Row) (crawler.RunRecord, error) {
	var (
		run         crawler.RunRecord
		status      string
		requestJSON []byte
		summaryJSON []byte
		finishedAt  *time.Time
	)
	if err := row.Scan(&run.ID, &status, &requestJSON, &summaryJSON, &run.StartedAt, &finishedAt); err != nil {
		return crawler.RunRecord{}, err //nolint:wrapcheck
	}
	run.Status = crawler.RunStatus(status)
	if err := json.Unmarshal(requestJSON, &run.Request); err != nil {
		return crawler.RunRecord{}, fmt.Errorf("decode request: %w", err)
	}
	if len(summaryJSON) > 0 {
		var summary crawler.Summary
		if err := json.Unmarshal(summaryJSON, &summary); err != nil {
			return crawler.RunRecord{}, fmt.Errorf("decode summary: %w", err)
		}
		run.Summary = &summary
	}
	if finishedAt != nil {
		run.FinishedAt = finishedAt.UTC()
	}
	run.StartedAt = run.StartedAt.UTC()
	return run, nil
}
